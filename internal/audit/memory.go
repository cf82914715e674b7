package audit

import (
	"context"
	"sync"
)

// DefaultMemoryCapacity — емкость кольца по умолчанию.
const DefaultMemoryCapacity = 1000

// MemoryStorage — кольцевой буфер последних записей. Служит хранилищем
// по умолчанию и источником для запроса следа по HTTP: старые записи
// вытесняются новыми без роста памяти. Может стоять рядом с Postgres
// как быстрый "хвост" следа.
type MemoryStorage struct {
	mu      sync.RWMutex
	entries []AuditEntry
	next    int // Позиция следующей записи
	filled  bool
}

func NewMemoryStorage(capacity int) *MemoryStorage {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &MemoryStorage{entries: make([]AuditEntry, capacity)}
}

func (m *MemoryStorage) WriteBatch(_ context.Context, entries []AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		m.entries[m.next] = e
		m.next++
		if m.next == len(m.entries) {
			m.next = 0
			m.filled = true
		}
	}
	return nil
}

// Recent возвращает до limit последних записей, новые первыми.
func (m *MemoryStorage) Recent(limit int) []AuditEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	size := m.next
	if m.filled {
		size = len(m.entries)
	}
	if limit <= 0 || limit > size {
		limit = size
	}

	out := make([]AuditEntry, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (m.next - 1 - i + len(m.entries)) % len(m.entries)
		out = append(out, m.entries[idx])
	}
	return out
}

// Tee рассылает каждую пачку во все хранилища (кольцо + Postgres).
type Tee []Storage

func (t Tee) WriteBatch(ctx context.Context, entries []AuditEntry) error {
	var firstErr error
	for _, s := range t {
		if err := s.WriteBatch(ctx, entries); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
