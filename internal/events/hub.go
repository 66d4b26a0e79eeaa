// Package events — поток событий очереди загрузок для UI (websocket).
//
// Hub получает события от очереди через Publish и рассылает их
// подключённым клиентам. Publish не блокируется: при переполнении
// буфера событие отбрасывается, медленный клиент отключается.
package events

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/capture-sync/internal/domain/model"
)

var (
	eventsClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cs_events_clients",
		Help: "Количество подключённых клиентов потока событий",
	})

	eventsDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cs_events_dropped_total",
		Help: "Общее количество отброшенных событий очереди",
	})
)

const (
	broadcastBuffer = 256
	clientBuffer    = 64
	writeTimeout    = 10 * time.Second
	pongTimeout     = 60 * time.Second
	pingInterval    = 50 * time.Second
)

type client struct {
	conn *websocket.Conn
	send chan []byte
	// photoID — фильтр событий; пусто означает все фотографии
	photoID string
}

// Hub — рассылка событий очереди.
type Hub struct {
	clients    map[*client]struct{}
	broadcast  chan model.QueueEvent
	register   chan *client
	unregister chan *client
	done       chan struct{}
	stopOnce   sync.Once
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
	logger     *slog.Logger
}

// NewHub создаёт hub. Запуск — Run в отдельной горутине.
// allowedOrigins — Origin браузерных клиентов, кроме своего хоста.
func NewHub(allowedOrigins []string, logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*client]struct{}),
		broadcast:  make(chan model.QueueEvent, broadcastBuffer),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: originChecker(allowedOrigins),
		},
		logger: logger.With(slog.String("component", "events")),
	}
}

// originChecker пропускает клиентов без Origin (приложение планшета),
// свой хост и явно разрешённые Origin.
func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		if strings.EqualFold(u.Host, r.Host) {
			return true
		}
		return slices.ContainsFunc(allowed, func(a string) bool {
			return a == "*" || strings.EqualFold(a, origin)
		})
	}
}

// Run обслуживает регистрацию клиентов и рассылку до Shutdown.
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				c.conn.Close()
				delete(h.clients, c)
			}
			h.mu.Unlock()
			eventsClients.Set(0)
			h.logger.Info("Поток событий остановлен")
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			eventsClients.Set(float64(n))
			h.logger.Debug("Клиент подключён", slog.Int("clients", n))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			eventsClients.Set(float64(n))
			h.logger.Debug("Клиент отключён", slog.Int("clients", n))

		case e := <-h.broadcast:
			data, err := json.Marshal(e)
			if err != nil {
				h.logger.Error("Ошибка сериализации события", slog.String("error", err.Error()))
				continue
			}

			h.mu.Lock()
			for c := range h.clients {
				if c.photoID != "" && c.photoID != e.PhotoID {
					continue
				}
				select {
				case c.send <- data:
				default:
					// Клиент не успевает читать
					close(c.send)
					delete(h.clients, c)
				}
			}
			eventsClients.Set(float64(len(h.clients)))
			h.mu.Unlock()
		}
	}
}

// Publish ставит событие в рассылку, не блокируясь.
func (h *Hub) Publish(e model.QueueEvent) {
	select {
	case <-h.done:
		return
	default:
	}
	select {
	case h.broadcast <- e:
	default:
		eventsDroppedTotal.Inc()
	}
}

// Clients возвращает количество подключённых клиентов.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Shutdown останавливает hub и закрывает соединения.
func (h *Hub) Shutdown() {
	h.stopOnce.Do(func() { close(h.done) })
}

// ServeHTTP переводит соединение на websocket. Параметр photo_id
// ограничивает поток событиями одной фотографии.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Ошибка перехода на websocket", slog.String("error", err.Error()))
		return
	}

	c := &client{
		conn:    conn,
		send:    make(chan []byte, clientBuffer),
		photoID: r.URL.Query().Get("photo_id"),
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.logger.Debug("Ошибка записи в websocket", slog.String("error", err.Error()))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump читает только управляющие кадры; клиент ничего не присылает.
func (h *Hub) readPump(c *client) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.conn.Close()
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("Ошибка чтения websocket", slog.String("error", err.Error()))
			}
			return
		}
	}
}
