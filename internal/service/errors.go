// errors.go — ошибки бизнес-логики сервисного слоя.
package service

import "errors"

var (
	// ErrNotFound — ресурс не найден.
	ErrNotFound = errors.New("ресурс не найден")
	// ErrConflict — конфликт (дублирующийся ресурс или недопустимое состояние).
	ErrConflict = errors.New("конфликт — ресурс уже существует или в недопустимом состоянии")
	// ErrValidation — ошибка валидации входных данных.
	ErrValidation = errors.New("ошибка валидации")
	// ErrUnavailable — функция отключена конфигурацией.
	ErrUnavailable = errors.New("функция недоступна")
)
