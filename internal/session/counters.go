package session

/*
Файл counters.go — трекер пер-агентных лимитов.

Счетчики — единственное разделяемое изменяемое состояние между запросами
одного агента, поэтому интерфейс спроектирован вокруг атомарных мутаций:
прочитать снапшот для оценки политики, записать исход после завершения
форварда. Отказ политики дневные счетчики НЕ двигает.

Две реализации: in-memory (по умолчанию, тесты) и Redis (прод,
горизонтальное масштабирование) — шлюз видит только CounterStore.
*/

import (
	"context"
	"sync"
	"time"

	"github.com/xela07ax/agent-signing-gateway/internal/domain"
)

// CounterStore — инжектируемое хранилище счетчиков.
type CounterStore interface {
	// Snapshot лениво создает запись агента и применяет дневной сброс.
	Snapshot(ctx context.Context, agentKey string) (domain.SessionCounters, error)

	// RecordBlocked фиксирует отказ политики. Дневные лимиты не трогает.
	RecordBlocked(ctx context.Context, agentKey string) error

	// RecordSigned фиксирует успешный форвард. Для транзакций двигает
	// дневной счетчик и дневной объем.
	RecordSigned(ctx context.Context, agentKey string, isTransaction bool, valueUSD float64) error

	// RecordUpstreamFailure фиксирует одобренный, но не исполненный запрос.
	RecordUpstreamFailure(ctx context.Context, agentKey string) error

	// Totals — агрегат по всем агентам для health-эндпоинта.
	Totals(ctx context.Context) (domain.UsageTotals, error)
}

// dateOf — ключ дня для сброса, UTC.
func dateOf(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// MemoryStore — потокобезопасная in-memory реализация.
type MemoryStore struct {
	mu     sync.Mutex
	agents map[string]*domain.SessionCounters

	now func() time.Time // Для тестов со сменой даты
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents: make(map[string]*domain.SessionCounters),
		now:    time.Now,
	}
}

// getLocked возвращает запись агента, создавая и сбрасывая при необходимости.
// Вызывается строго под mu.
func (s *MemoryStore) getLocked(agentKey string) *domain.SessionCounters {
	today := dateOf(s.now())

	c, ok := s.agents[agentKey]
	if !ok {
		c = &domain.SessionCounters{AgentKey: agentKey, LastResetDate: today}
		s.agents[agentKey] = c
	}
	if c.LastResetDate != today {
		c.DailyTxCount = 0
		c.DailyValueUSD = 0
		c.LastResetDate = today
	}
	return c
}

func (s *MemoryStore) Snapshot(_ context.Context, agentKey string) (domain.SessionCounters, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.getLocked(agentKey), nil
}

func (s *MemoryStore) RecordBlocked(_ context.Context, agentKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.getLocked(agentKey)
	c.TotalRequests++
	c.BlockedRequests++
	return nil
}

func (s *MemoryStore) RecordSigned(_ context.Context, agentKey string, isTransaction bool, valueUSD float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.getLocked(agentKey)
	c.TotalRequests++
	c.SignedRequests++
	if isTransaction {
		c.DailyTxCount++
		c.DailyValueUSD += valueUSD
	}
	return nil
}

func (s *MemoryStore) RecordUpstreamFailure(_ context.Context, agentKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.getLocked(agentKey)
	c.TotalRequests++
	return nil
}

func (s *MemoryStore) Totals(_ context.Context) (domain.UsageTotals, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	totals := domain.UsageTotals{ActiveAgents: len(s.agents)}
	for _, c := range s.agents {
		totals.TotalRequests += c.TotalRequests
		totals.BlockedRequests += c.BlockedRequests
		totals.SignedRequests += c.SignedRequests
	}
	return totals, nil
}
