package siwa

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultNonceTTL — время жизни challenge-значения.
const DefaultNonceTTL = 5 * time.Minute

// NonceRegistry выдает одноразовые, ограниченные по времени challenge-значения.
// Consume атомарен: проверка существования, свежести и удаление происходят
// под одним локом, поэтому двойное потребление невозможно даже при
// конкурентных запросах с одним и тем же значением.
type NonceRegistry struct {
	mu      sync.Mutex
	entries map[string]time.Time // nonce -> expiresAt
	ttl     time.Duration
	logger  *zap.Logger

	now func() time.Time // Подменяется в тестах
}

func NewNonceRegistry(ttl time.Duration, logger *zap.Logger) *NonceRegistry {
	if ttl <= 0 {
		ttl = DefaultNonceTTL
	}
	return &NonceRegistry{
		entries: make(map[string]time.Time),
		ttl:     ttl,
		logger:  logger.Named("nonce"),
		now:     time.Now,
	}
}

// Issue генерирует криптографически случайное значение и регистрирует его.
func (r *NonceRegistry) Issue() (string, time.Time, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", time.Time{}, fmt.Errorf("nonce generation failed: %w", err)
	}
	nonce := hex.EncodeToString(buf)
	expiresAt := r.now().Add(r.ttl)

	r.mu.Lock()
	r.entries[nonce] = expiresAt
	r.mu.Unlock()

	return nonce, expiresAt, nil
}

// Consume атомарно проверяет и удаляет значение.
// true возвращается ровно один раз за жизнь nonce; повтор — это replay.
func (r *NonceRegistry) Consume(value string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	expiresAt, ok := r.entries[value]
	if !ok {
		return false
	}
	delete(r.entries, value)
	return r.now().Before(expiresAt)
}

// Sweep выселяет истекшие записи. К безопасности отношения не имеет
// (истекший nonce и так не потребится) — только гигиена памяти.
func (r *NonceRegistry) Sweep() int {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := 0
	for nonce, expiresAt := range r.entries {
		if now.After(expiresAt) {
			delete(r.entries, nonce)
			evicted++
		}
	}
	return evicted
}

// StartSweeper запускает фоновую уборку до отмены контекста.
func (r *NonceRegistry) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Sweep(); n > 0 {
				r.logger.Debug("expired nonces evicted", zap.Int("count", n))
			}
		}
	}
}

// Pending — текущий размер реестра (для метрик).
func (r *NonceRegistry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
