// Пакет syncerr — таксономия ошибок конвейера синхронизации.
//
// Каждая ошибка загрузки или слияния относится к одному виду (Kind).
// Вид определяет политику: временные ошибки повторяются с задержкой,
// постоянные сразу переводят фотографию в dead_letter.
package syncerr

import (
	"context"
	"errors"
	"fmt"
)

// Kind — вид ошибки синхронизации.
type Kind string

const (
	// TransientNetwork — таймаут, 5xx, нет сети; повторяется
	TransientNetwork Kind = "TRANSIENT_NETWORK"
	// PermanentValidation — сервер отверг запись (4xx); не повторяется
	PermanentValidation Kind = "PERMANENT_VALIDATION"
	// MalformedRemoteState — снимок сервера нарушает структуру
	MalformedRemoteState Kind = "MALFORMED_REMOTE_STATE"
	// StorageCorruption — локальный файл не читается или не совпадает checksum
	StorageCorruption Kind = "STORAGE_CORRUPTION"
	// ConcurrencyViolation — повторный захват фото, уже находящегося в работе
	ConcurrencyViolation Kind = "CONCURRENCY_VIOLATION"
)

// Error — классифицированная ошибка синхронизации.
type Error struct {
	Kind    Kind
	PhotoID string
	Op      string
	Err     error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg += " " + e.Op
	}
	if e.PhotoID != "" {
		msg += " (photo " + e.PhotoID + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New создаёт классифицированную ошибку.
func New(kind Kind, photoID, op string, err error) *Error {
	return &Error{Kind: kind, PhotoID: photoID, Op: op, Err: err}
}

// Newf создаёт классифицированную ошибку с форматированным сообщением.
func Newf(kind Kind, photoID, op, format string, args ...any) *Error {
	return &Error{Kind: kind, PhotoID: photoID, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf возвращает вид ошибки. Неклассифицированные ошибки считаются
// временными: лучше повторить, чем потерять фотографию.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return TransientNetwork
}

// Is сообщает, относится ли ошибка к виду kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsPermanent сообщает, что повтор бессмысленен и запись уходит в dead_letter.
func IsPermanent(err error) bool {
	switch KindOf(err) {
	case PermanentValidation, StorageCorruption:
		return true
	default:
		return false
	}
}

// ClassifyTransport классифицирует ошибку транспорта (сеть, таймаут, отмена).
// Все сетевые ошибки временные.
func ClassifyTransport(photoID, op string, err error) *Error {
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return New(TransientNetwork, photoID, op, fmt.Errorf("таймаут: %w", err))
	}
	return New(TransientNetwork, photoID, op, err)
}
