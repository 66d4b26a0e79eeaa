package remote

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/getkin/kin-openapi/openapi3"
)

//go:embed openapi.yaml
var openapiSpec []byte

// schemas — JSON-схемы ответов сервера синхронизации.
type schemas struct {
	snapshot *openapi3.Schema
	receipt  *openapi3.Schema
}

// loadSchemas разбирает встроенный OpenAPI-документ и проверяет его.
func loadSchemas() (*schemas, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(openapiSpec)
	if err != nil {
		return nil, fmt.Errorf("разбор OpenAPI-схемы: %w", err)
	}
	if err := doc.Validate(context.Background()); err != nil {
		return nil, fmt.Errorf("некорректная OpenAPI-схема: %w", err)
	}

	get := func(name string) (*openapi3.Schema, error) {
		ref, ok := doc.Components.Schemas[name]
		if !ok || ref.Value == nil {
			return nil, fmt.Errorf("схема %s не найдена", name)
		}
		return ref.Value, nil
	}

	s := &schemas{}
	if s.snapshot, err = get("RemoteSnapshot"); err != nil {
		return nil, err
	}
	if s.receipt, err = get("UploadReceipt"); err != nil {
		return nil, err
	}
	return s, nil
}

// validate проверяет JSON-документ по схеме.
func validate(schema *openapi3.Schema, body []byte) error {
	var value any
	if err := json.Unmarshal(body, &value); err != nil {
		return fmt.Errorf("некорректный JSON: %w", err)
	}
	if err := schema.VisitJSON(value, openapi3.MultiErrors()); err != nil {
		return err
	}
	return nil
}
