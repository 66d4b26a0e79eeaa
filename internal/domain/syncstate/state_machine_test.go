package syncstate

import (
	"errors"
	"testing"
	"time"

	"github.com/bigkaa/goartstore/capture-sync/internal/domain/model"
)

// TestCheck_Matrix проверяет полную матрицу переходов.
func TestCheck_Matrix(t *testing.T) {
	all := []model.SyncStatus{
		model.SyncPending, model.SyncSyncing, model.SyncSynced,
		model.SyncFailed, model.SyncDeadLetter,
	}
	allowed := map[[2]model.SyncStatus]Trigger{
		{model.SyncPending, model.SyncSyncing}:    TriggerWorker,
		{model.SyncSyncing, model.SyncSynced}:     TriggerWorker,
		{model.SyncSyncing, model.SyncFailed}:     TriggerWorker,
		{model.SyncSyncing, model.SyncDeadLetter}: TriggerWorker,
		{model.SyncFailed, model.SyncPending}:     TriggerRetrySchedule,
		{model.SyncFailed, model.SyncDeadLetter}:  TriggerWorker,
		{model.SyncDeadLetter, model.SyncPending}: TriggerManualRetry,
	}

	for _, from := range all {
		for _, to := range all {
			trigger, ok := allowed[[2]model.SyncStatus{from, to}]
			if !ok {
				trigger = TriggerWorker
			}
			err := Check(from, to, trigger)
			if ok && err != nil {
				t.Errorf("%s → %s (%s): неожиданная ошибка %v", from, to, trigger, err)
			}
			if !ok && err == nil {
				t.Errorf("%s → %s: переход должен быть запрещён", from, to)
			}
		}
	}
}

// TestCheck_SyncedIsTerminal проверяет, что synced не имеет исходящих переходов.
func TestCheck_SyncedIsTerminal(t *testing.T) {
	for _, to := range []model.SyncStatus{model.SyncPending, model.SyncSyncing, model.SyncFailed, model.SyncDeadLetter} {
		err := Check(model.SyncSynced, to, TriggerWorker)
		var te *TransitionError
		if !errors.As(err, &te) || te.Code != CodeInvalidTransition {
			t.Errorf("synced → %s: ожидался INVALID_TRANSITION, получено %v", to, err)
		}
	}
}

// TestCheck_Triggers проверяет, что обратные переходы требуют нужного инициатора.
func TestCheck_Triggers(t *testing.T) {
	tests := []struct {
		name    string
		from    model.SyncStatus
		to      model.SyncStatus
		trigger Trigger
	}{
		{"failed → pending воркером", model.SyncFailed, model.SyncPending, TriggerWorker},
		{"failed → pending вручную", model.SyncFailed, model.SyncPending, TriggerManualRetry},
		{"dead_letter → pending планировщиком", model.SyncDeadLetter, model.SyncPending, TriggerRetrySchedule},
		{"dead_letter → pending воркером", model.SyncDeadLetter, model.SyncPending, TriggerWorker},
		{"syncing → failed вручную", model.SyncSyncing, model.SyncFailed, TriggerManualRetry},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Check(tt.from, tt.to, tt.trigger)
			var te *TransitionError
			if !errors.As(err, &te) {
				t.Fatalf("ожидалась TransitionError, получено %v", err)
			}
			if te.Code != CodeTriggerNotAllowed {
				t.Errorf("ожидался код TRIGGER_NOT_ALLOWED, получен %q", te.Code)
			}
		})
	}

	if err := Check(model.SyncSyncing, model.SyncFailed, TriggerRecovery); err != nil {
		t.Errorf("syncing → failed при восстановлении: неожиданная ошибка %v", err)
	}
}

// TestApply_ManualRetryResets проверяет сброс попыток при ручном повторе.
func TestApply_ManualRetryResets(t *testing.T) {
	retryAt := time.Now()
	p := &model.Photo{
		ID:               "p1",
		SyncStatus:       model.SyncDeadLetter,
		Attempts:         8,
		NextRetryAt:      &retryAt,
		DeadLetterReason: "попытки исчерпаны",
		LastError:        "timeout",
	}
	if err := Apply(p, model.SyncPending, TriggerManualRetry); err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if p.SyncStatus != model.SyncPending {
		t.Errorf("ожидался pending, получено %s", p.SyncStatus)
	}
	if p.Attempts != 0 || p.DeadLetterReason != "" || p.LastError != "" || p.NextRetryAt != nil {
		t.Errorf("поля повтора не сброшены: %+v", p)
	}
}

// TestApply_RejectedLeavesPhoto проверяет, что запрещённый переход не меняет запись.
func TestApply_RejectedLeavesPhoto(t *testing.T) {
	p := &model.Photo{ID: "p1", SyncStatus: model.SyncSynced, Attempts: 2}
	if err := Apply(p, model.SyncSyncing, TriggerWorker); err == nil {
		t.Fatal("ожидалась ошибка")
	}
	if p.SyncStatus != model.SyncSynced || p.Attempts != 2 {
		t.Errorf("запись изменилась после отказа: %+v", p)
	}
}
