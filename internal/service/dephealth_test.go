package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// newSyncServerMock — сервер синхронизации, отвечающий status на /health/ready.
func newSyncServerMock(t *testing.T, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != remoteHealthPath {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNewDephealthService_WithoutDatabase(t *testing.T) {
	srv := newSyncServerMock(t, http.StatusOK)

	ds, err := NewDephealthServiceWithRegisterer(DephealthParams{
		ServiceID:     "tablet-01",
		Group:         "capture-sync",
		RemoteURL:     srv.URL,
		CheckInterval: 5 * time.Second,
	}, testLogger(), prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("Ошибка создания DephealthService: %v", err)
	}
	if ds == nil {
		t.Fatal("DephealthService nil")
	}
}

func TestDephealthService_HealthyServer(t *testing.T) {
	srv := newSyncServerMock(t, http.StatusOK)
	health := runDephealth(t, srv.URL)

	val, found := findHealth(health, "sync-server:")
	if !found {
		t.Fatalf("Нет записи для sync-server в Health(), keys=%v", healthKeys(health))
	}
	if !val {
		t.Error("sync-server health = false, ожидалось true")
	}
}

func TestDephealthService_UnhealthyServer(t *testing.T) {
	srv := newSyncServerMock(t, http.StatusServiceUnavailable)
	health := runDephealth(t, srv.URL)

	val, found := findHealth(health, "sync-server:")
	if !found {
		t.Fatalf("Нет записи для sync-server в Health(), keys=%v", healthKeys(health))
	}
	if val {
		t.Error("sync-server health = true, ожидалось false (сервер 503)")
	}
}

func runDephealth(t *testing.T, url string) map[string]bool {
	t.Helper()

	ds, err := NewDephealthServiceWithRegisterer(DephealthParams{
		ServiceID:     "tablet-02",
		Group:         "capture-sync",
		RemoteURL:     url,
		CheckInterval: time.Second,
	}, testLogger(), prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("Ошибка создания DephealthService: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := ds.Start(ctx); err != nil {
		t.Fatalf("Ошибка запуска: %v", err)
	}
	defer ds.Stop()

	// Даём время на первую проверку (интервал 1s + запас)
	time.Sleep(3 * time.Second)

	health := ds.Health()
	if health == nil {
		t.Fatal("Health() вернул nil")
	}
	return health
}

func findHealth(health map[string]bool, prefix string) (bool, bool) {
	for key, val := range health {
		if strings.HasPrefix(key, prefix) {
			return val, true
		}
	}
	return false, false
}

// healthKeys возвращает ключи карты health для вывода в сообщениях об ошибках.
func healthKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}
