// Пакет syncstate — конечный автомат статусов синхронизации фотографии.
//
// Жизненный цикл:
//   - pending → syncing → synced
//   - syncing → failed → pending (только планировщик повторов)
//   - syncing → dead_letter, failed → dead_letter
//   - dead_letter → pending (только ручной повтор пользователя)
//
// Автомат не хранит состояние: текущий статус — поле записи Photo,
// пакет только проверяет допустимость перехода.
package syncstate

import (
	"fmt"

	"github.com/bigkaa/goartstore/capture-sync/internal/domain/model"
)

// Trigger — инициатор перехода.
type Trigger string

const (
	// TriggerWorker — воркер очереди (захват, результат загрузки)
	TriggerWorker Trigger = "worker"
	// TriggerRetrySchedule — планировщик повторов (failed → pending)
	TriggerRetrySchedule Trigger = "retry_schedule"
	// TriggerManualRetry — явный повтор пользователем (dead_letter → pending)
	TriggerManualRetry Trigger = "manual_retry"
	// TriggerRecovery — восстановление после сбоя процесса (syncing → failed)
	TriggerRecovery Trigger = "recovery"
)

// validTransitions — матрица допустимых переходов.
var validTransitions = map[model.SyncStatus]map[model.SyncStatus]bool{
	model.SyncPending:    {model.SyncSyncing: true},
	model.SyncSyncing:    {model.SyncSynced: true, model.SyncFailed: true, model.SyncDeadLetter: true},
	model.SyncSynced:     {},
	model.SyncFailed:     {model.SyncPending: true, model.SyncDeadLetter: true},
	model.SyncDeadLetter: {model.SyncPending: true},
}

// requiredTrigger — переходы, доступные только определённому инициатору.
var requiredTrigger = map[model.SyncStatus]map[model.SyncStatus]Trigger{
	model.SyncFailed:     {model.SyncPending: TriggerRetrySchedule},
	model.SyncDeadLetter: {model.SyncPending: TriggerManualRetry},
}

// CanTransition проверяет, допустим ли переход без учёта инициатора.
func CanTransition(from, to model.SyncStatus) bool {
	transitions, ok := validTransitions[from]
	if !ok {
		return false
	}
	return transitions[to]
}

// Check проверяет переход from → to для инициатора trigger.
//
// Ошибки:
//   - INVALID_TRANSITION — переход недопустим
//   - TRIGGER_NOT_ALLOWED — переход допустим только для другого инициатора
func Check(from, to model.SyncStatus, trigger Trigger) error {
	if !CanTransition(from, to) {
		return &TransitionError{
			Code:    CodeInvalidTransition,
			From:    from,
			To:      to,
			Message: fmt.Sprintf("переход %s → %s недопустим", from, to),
		}
	}

	if triggers, ok := requiredTrigger[from]; ok {
		if want, ok := triggers[to]; ok && want != trigger {
			return &TransitionError{
				Code: CodeTriggerNotAllowed,
				From: from,
				To:   to,
				Message: fmt.Sprintf("переход %s → %s выполняется только инициатором %s, получен %s",
					from, to, want, trigger),
			}
		}
	}

	if from == model.SyncSyncing && to == model.SyncFailed &&
		trigger != TriggerWorker && trigger != TriggerRecovery {
		return &TransitionError{
			Code:    CodeTriggerNotAllowed,
			From:    from,
			To:      to,
			Message: fmt.Sprintf("переход syncing → failed недоступен инициатору %s", trigger),
		}
	}
	return nil
}

// Apply проверяет переход и переводит фотографию в новый статус.
// Поля, связанные со статусом, обнуляются при выходе из него.
func Apply(p *model.Photo, to model.SyncStatus, trigger Trigger) error {
	if err := Check(p.SyncStatus, to, trigger); err != nil {
		return err
	}

	switch to {
	case model.SyncPending:
		p.NextRetryAt = nil
		if trigger == TriggerManualRetry {
			p.Attempts = 0
			p.DeadLetterReason = ""
			p.LastError = ""
		}
	case model.SyncSyncing:
		p.NextRetryAt = nil
	case model.SyncSynced:
		p.NextRetryAt = nil
		p.LastError = ""
	}
	p.SyncStatus = to
	return nil
}

// Коды ошибок перехода.
const (
	CodeInvalidTransition = "INVALID_TRANSITION"
	CodeTriggerNotAllowed = "TRIGGER_NOT_ALLOWED"
)

// TransitionError — ошибка перехода между статусами.
type TransitionError struct {
	Code    string // Машиночитаемый код (INVALID_TRANSITION, TRIGGER_NOT_ALLOWED)
	From    model.SyncStatus
	To      model.SyncStatus
	Message string // Человекочитаемое описание
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
