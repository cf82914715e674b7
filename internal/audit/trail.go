package audit

/*
Файл trail.go — асинхронный аудиторский след шлюза.

Запись в след не должна стоить латентности hot path: события уходят в
буферизованный канал, воркер копит их в пачку и скидывает в хранилище
по таймеру или при достижении лимита. При переполнении буфера работает
Load Shedding: событие не блокирует запрос, а уходит в структурный лог.

Graceful shutdown — через Drain Pattern: Stop() закрывает входной канал,
воркер дочитывает остатки и делает финальный flush. sync.WaitGroup
гарантирует, что Stop() вернется только после дозаписи.
*/

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	trailBufferSize = 10000
	trailBatchSize  = 100
	trailFlushTick  = 500 * time.Millisecond
)

// Storage определяет, куда физически сохраняются записи следа.
type Storage interface {
	// WriteBatch сохраняет пачку записей за один раз
	WriteBatch(ctx context.Context, entries []AuditEntry) error
}

// Recorder — то, что видит шлюз: одна неблокирующая запись.
type Recorder interface {
	Record(entry AuditEntry)
}

type Trail struct {
	ch     chan AuditEntry
	store  Storage
	logger *zap.Logger
	wg     sync.WaitGroup

	// Атомарный флаг (0 - открыт, 1 - закрыт): защита от Record после Stop
	isClosed int32
}

func NewTrail(store Storage, logger *zap.Logger) *Trail {
	return &Trail{
		ch:     make(chan AuditEntry, trailBufferSize),
		store:  store,
		logger: logger.With(zap.String("mod", "audit")),
	}
}

func (t *Trail) Start() {
	t.wg.Add(1)
	go t.worker()
}

// Stop запирает вход и ждет, пока воркер допишет остатки.
func (t *Trail) Stop() {
	atomic.StoreInt32(&t.isClosed, 1)

	// Крошечная пауза, чтобы уже начатые Record успели проскочить
	time.Sleep(10 * time.Millisecond)

	t.logger.Info("stopping audit trail: closing channel and flushing buffer...")
	close(t.ch)
	t.wg.Wait()
	t.logger.Info("audit trail stopped gracefully")
}

func (t *Trail) Record(entry AuditEntry) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	if atomic.LoadInt32(&t.isClosed) == 1 {
		t.logger.Warn("audit entry dropped: trail is stopping", zap.String("id", entry.ID))
		return
	}

	// Load Shedding: переполненный буфер не блокирует запрос,
	// событие уходит хотя бы в структурный лог
	select {
	case t.ch <- entry:
	default:
		t.logger.Error("audit_buffer_overflow",
			zap.String("agent_key", entry.AgentKey),
			zap.String("trace_id", entry.TraceID),
		)
	}
}

// Pending — текущая заполненность буфера (для метрики насыщения).
func (t *Trail) Pending() int {
	return len(t.ch)
}

func (t *Trail) worker() {
	defer t.wg.Done()

	batch := make([]AuditEntry, 0, trailBatchSize)
	ticker := time.NewTicker(trailFlushTick)
	defer ticker.Stop()

	flush := func() {
		if len(batch) > 0 {
			// Background: основной контекст на этапе shutdown уже может быть закрыт
			if err := t.store.WriteBatch(context.Background(), batch); err != nil {
				t.logger.Error("audit flush failed", zap.Error(err))
			}
			batch = batch[:0]
		}
	}

	for {
		select {
		case entry, ok := <-t.ch:
			if !ok {
				// Канал закрыт в Stop(): дочитали остатки, финальный flush, выход
				flush()
				t.logger.Info("audit worker finished")
				return
			}
			batch = append(batch, entry)
			if len(batch) >= trailBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
