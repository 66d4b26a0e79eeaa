// Пакет lease — аренда фотографии на время загрузки.
//
// Гарантирует, что одну фотографию загружает не более одного воркера.
// Memory работает в пределах процесса, Redis — между процессами,
// разделяющими одну базу данных.
package lease

import (
	"context"
	"sync"
	"time"
)

// Lease — аренда фотографии на время загрузки.
type Lease interface {
	// Acquire захватывает фотографию. false — уже захвачена другим владельцем.
	Acquire(ctx context.Context, photoID string) (bool, error)
	// Release освобождает фотографию, если она принадлежит этому владельцу.
	Release(ctx context.Context, photoID string) error
}

// Memory — аренда в памяти процесса. Истёкшая аренда считается свободной.
type Memory struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	expires map[string]time.Time
}

// NewMemory создаёт аренду в памяти. ttl <= 0 — без истечения.
func NewMemory(ttl time.Duration) *Memory {
	return &Memory{
		ttl:     ttl,
		now:     time.Now,
		expires: make(map[string]time.Time),
	}
}

// Acquire захватывает фотографию.
func (m *Memory) Acquire(_ context.Context, photoID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if exp, ok := m.expires[photoID]; ok && (exp.IsZero() || now.Before(exp)) {
		return false, nil
	}
	var exp time.Time
	if m.ttl > 0 {
		exp = now.Add(m.ttl)
	}
	m.expires[photoID] = exp
	return true, nil
}

// Release освобождает фотографию.
func (m *Memory) Release(_ context.Context, photoID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.expires, photoID)
	return nil
}

// Held возвращает количество действующих аренд.
func (m *Memory) Held() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	n := 0
	for _, exp := range m.expires {
		if exp.IsZero() || now.Before(exp) {
			n++
		}
	}
	return n
}
