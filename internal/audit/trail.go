package audit

/*
Файл trail.go реализует журнал мутаций сайтов (Audit Trail).

- Non-blocking Logging: события уходят в буферизованный канал, запись в БД
  не влияет на время ответа Console API.
- Batching: накопление в памяти и пакетная запись по таймеру или по размеру пачки.
- Drain Pattern: Stop закрывает канал, воркер вычитывает остаток и делает финальный flush.
*/

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// StorageInterface определяет, куда физически будут сохраняться события
type StorageInterface interface {
	// WriteBatch сохраняет пачку событий за один раз
	WriteBatch(ctx context.Context, events []AuditEvent) error
}

type Auditor interface {
	Log(event AuditEvent)
}

type Options struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
}

type Trail struct {
	ch     chan AuditEvent // Буфер для асинхронности
	repo   StorageInterface
	logger *zap.Logger
	opts   Options
	wg     sync.WaitGroup
	// после Stop канал закрыт, Log не должен в него писать
	isClosed int32 // Атомарный флаг (0 - открыт, 1 - закрыт)
	mu       sync.RWMutex
}

func NewTrail(repo StorageInterface, opts Options, logger *zap.Logger) *Trail {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 1000
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 500 * time.Millisecond
	}
	return &Trail{
		ch:     make(chan AuditEvent, opts.BufferSize),
		repo:   repo,
		logger: logger.Named("audit-trail"),
		opts:   opts,
	}
}

func (t *Trail) Start() {
	t.wg.Add(1)
	go t.worker()
}

// Stop «запирает» вход в канал и ждет, пока воркер всё допишет.
func (t *Trail) Stop() {
	// Писатели держат RLock, поэтому после Lock ни один Log не окажется посреди отправки
	t.mu.Lock()
	if !atomic.CompareAndSwapInt32(&t.isClosed, 0, 1) {
		t.mu.Unlock()
		return
	}
	t.logger.Info("stopping audit trail: closing channel and flushing buffer...")
	close(t.ch)
	t.mu.Unlock()

	t.wg.Wait()
	t.logger.Info("audit trail stopped gracefully")
}

func (t *Trail) Log(event AuditEvent) {
	// Убеждаемся, что таймстемп всегда проставлен
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	if atomic.LoadInt32(&t.isClosed) == 1 {
		t.logger.Warn("audit event dropped: trail is stopping", zap.String("id", event.ID))
		return
	}

	// Load Shedding: переполненный буфер не тормозит запрос
	select {
	case t.ch <- event:
	default:
		t.logger.Error("audit_buffer_overflow",
			zap.String("site_url", event.SiteURL),
			zap.String("action", string(event.Action)),
			zap.String("trace_id", event.TraceID),
		)
	}
}

// Len: текущая заполненность буфера
func (t *Trail) Len() int {
	return len(t.ch)
}

func (t *Trail) worker() {
	defer t.wg.Done()

	batch := make([]AuditEvent, 0, t.opts.BatchSize)
	ticker := time.NewTicker(t.opts.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) > 0 {
			// Background: контекст запроса к этому моменту уже закрыт
			if err := t.repo.WriteBatch(context.Background(), batch); err != nil {
				t.logger.Error("audit flush failed", zap.Int("events", len(batch)), zap.Error(err))
			}
			batch = batch[:0]
		}
	}

	for {
		select {
		case event, ok := <-t.ch:
			if !ok {
				// Канал закрыт в Stop(): остаток уже вычитан, делаем финальный сброс
				flush()
				t.logger.Info("audit worker finished")
				return
			}
			batch = append(batch, event)
			if len(batch) >= t.opts.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// LogStorage пишет события в zap: для запуска без PostgreSQL.
type LogStorage struct {
	logger *zap.Logger
}

func NewLogStorage(logger *zap.Logger) *LogStorage {
	return &LogStorage{logger: logger.Named("audit")}
}

func (s *LogStorage) WriteBatch(ctx context.Context, events []AuditEvent) error {
	for _, e := range events {
		s.logger.Info("site mutation",
			zap.String("id", e.ID),
			zap.String("trace_id", e.TraceID),
			zap.String("operator", e.Operator),
			zap.String("site_url", e.SiteURL),
			zap.String("action", string(e.Action)),
			zap.String("policy", e.PolicyName),
			zap.String("status", string(e.Status)),
			zap.Int64("duration_ms", e.DurationMs),
			zap.String("error", e.Error),
		)
	}
	return nil
}
