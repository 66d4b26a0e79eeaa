package analysis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/rekognition"
	rekognitiontypes "github.com/aws/aws-sdk-go-v2/service/rekognition/types"
)

// maxLabels — предел меток в ответе Rekognition.
const maxLabels = 50

// labelsAPI — часть клиента Rekognition, используемая детектором.
type labelsAPI interface {
	DetectLabels(ctx context.Context, params *rekognition.DetectLabelsInput, optFns ...func(*rekognition.Options)) (*rekognition.DetectLabelsOutput, error)
}

// RekognitionDetector — распознавание через AWS Rekognition по байтам
// изображения, без S3.
type RekognitionDetector struct {
	client        labelsAPI
	minConfidence float32
}

// NewRekognitionDetector создаёт детектор с учётными данными окружения AWS.
// minConfidence в диапазоне [0, 1].
func NewRekognitionDetector(ctx context.Context, region string, minConfidence float64) (*RekognitionDetector, error) {
	var loadOptions []func(*awsconfig.LoadOptions) error
	if r := strings.TrimSpace(region); r != "" {
		loadOptions = append(loadOptions, awsconfig.WithRegion(r))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOptions...)
	if err != nil {
		return nil, fmt.Errorf("загрузка конфигурации AWS: %w", err)
	}
	return newRekognitionDetector(rekognition.NewFromConfig(cfg), minConfidence), nil
}

func newRekognitionDetector(client labelsAPI, minConfidence float64) *RekognitionDetector {
	return &RekognitionDetector{
		client:        client,
		minConfidence: float32(minConfidence * 100),
	}
}

// DetectLabels вызывает Rekognition DetectLabels.
// Уверенность Rekognition (0–100) приводится к [0, 1].
func (d *RekognitionDetector) DetectLabels(ctx context.Context, image []byte) ([]Label, error) {
	if len(image) == 0 {
		return nil, errors.New("пустое изображение")
	}

	output, err := d.client.DetectLabels(ctx, &rekognition.DetectLabelsInput{
		Image:         &rekognitiontypes.Image{Bytes: image},
		MaxLabels:     aws.Int32(maxLabels),
		MinConfidence: aws.Float32(d.minConfidence),
	})
	if err != nil {
		return nil, fmt.Errorf("rekognition DetectLabels: %w", err)
	}

	labels := make([]Label, 0, len(output.Labels))
	for _, l := range output.Labels {
		label := Label{Name: aws.ToString(l.Name)}
		if l.Confidence != nil {
			label.Confidence = float64(*l.Confidence) / 100
		}
		for _, p := range l.Parents {
			label.Parents = append(label.Parents, aws.ToString(p.Name))
		}
		labels = append(labels, label)
	}
	return labels, nil
}
