package events

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bigkaa/goartstore/capture-sync/internal/domain/model"
)

func newTestHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	hub := NewHub([]string{"https://dashboard.example.com"}, logger)
	go hub.Run()
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Shutdown()
		srv.Close()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Ошибка подключения к websocket: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() != n {
		if time.Now().After(deadline) {
			t.Fatalf("Ожидалось %d клиентов, подключено %d", n, hub.Clients())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) model.QueueEvent {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var e model.QueueEvent
	if err := conn.ReadJSON(&e); err != nil {
		t.Fatalf("Ошибка чтения события: %v", err)
	}
	return e
}

func TestHub_Broadcast(t *testing.T) {
	hub, srv := newTestHub(t)
	all := dial(t, srv, "")
	only := dial(t, srv, "?photo_id=p2")
	waitClients(t, hub, 2)

	hub.Publish(model.QueueEvent{PhotoID: "p1", Status: model.SyncSyncing})
	hub.Publish(model.QueueEvent{PhotoID: "p2", Status: model.SyncFailed, Attempts: 3, Reason: "timeout"})

	if e := readEvent(t, all); e.PhotoID != "p1" || e.Status != model.SyncSyncing {
		t.Errorf("Первое событие: %+v", e)
	}
	if e := readEvent(t, all); e.PhotoID != "p2" {
		t.Errorf("Второе событие: %+v", e)
	}

	// Клиент с фильтром получает только события своей фотографии
	e := readEvent(t, only)
	if e.PhotoID != "p2" || e.Attempts != 3 || e.Reason != "timeout" {
		t.Errorf("Событие отфильтрованного клиента: %+v", e)
	}
}

func TestHub_ClientDisconnect(t *testing.T) {
	hub, srv := newTestHub(t)
	conn := dial(t, srv, "")
	waitClients(t, hub, 1)

	conn.Close()
	waitClients(t, hub, 0)
}

func TestHub_PublishDoesNotBlock(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	// Hub без Run: буфер заполняется, лишние события отбрасываются
	hub := NewHub(nil, logger)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range broadcastBuffer * 2 {
			hub.Publish(model.QueueEvent{PhotoID: "p1"})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish заблокировался при переполнении буфера")
	}

	hub.Shutdown()
	hub.Shutdown()
	hub.Publish(model.QueueEvent{PhotoID: "p1"})
}

func TestHub_CheckOrigin(t *testing.T) {
	_, srv := newTestHub(t)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"

	tests := []struct {
		name   string
		origin string
		ok     bool
	}{
		{"без Origin", "", true},
		{"свой хост", srv.URL, true},
		{"разрешённый", "https://dashboard.example.com", true},
		{"чужой", "https://evil.example.com", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := http.Header{}
			if tt.origin != "" {
				header.Set("Origin", tt.origin)
			}
			conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
			if conn != nil {
				conn.Close()
			}
			if tt.ok && err != nil {
				t.Fatalf("Ожидалось подключение, ошибка: %v", err)
			}
			if !tt.ok {
				if err == nil {
					t.Fatal("Подключение с чужим Origin должно быть отклонено")
				}
				if resp == nil || resp.StatusCode != http.StatusForbidden {
					t.Errorf("Ожидался 403, получено %v", resp)
				}
			}
		})
	}
}
