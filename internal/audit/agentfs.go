package audit

/*
AgentFS — асинхронный writer аудита шлюза.

- Log не блокирует горячий путь: событие кладется в буферизованный канал,
  при переполнении событие сбрасывается в лог (load shedding).
- Воркер копит батч и пишет его в StorageInterface по таймеру
  или при достижении BatchSize.
- Stop закрывает вход и дожидается финального flush (drain).
*/

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// StorageInterface определяет, куда физически будут сохраняться логи
type StorageInterface interface {
	// WriteBatch сохраняет пачку событий за один раз
	WriteBatch(ctx context.Context, events []AuditEvent) error
}

type Auditor interface {
	Log(event AuditEvent)
}

type Config struct {
	BufferSize    int           `mapstructure:"buffer_size"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

func DefaultConfig() Config {
	return Config{BufferSize: 10000, BatchSize: 100, FlushInterval: 500 * time.Millisecond}
}

// BufferObserver получает заполненность буфера (0..1) после каждого flush.
type BufferObserver func(utilization float64)

type AgentFS struct {
	ch       chan AuditEvent
	repo     StorageInterface
	cfg      Config
	observer BufferObserver
	logger   *zap.Logger
	wg       sync.WaitGroup

	mu       sync.RWMutex // Log держит RLock, Stop — Lock перед close(ch)
	isClosed atomic.Bool
	stopOnce sync.Once
	dropped  atomic.Int64
}

func NewAgentFS(repo StorageInterface, cfg Config, logger *zap.Logger) *AgentFS {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	return &AgentFS{
		ch:     make(chan AuditEvent, cfg.BufferSize),
		repo:   repo,
		cfg:    cfg,
		logger: logger.With(zap.String("mod", "agentfs")),
	}
}

// SetObserver подключает метрику заполненности буфера. Вызывать до Start.
func (fs *AgentFS) SetObserver(o BufferObserver) { fs.observer = o }

func (fs *AgentFS) Start() {
	fs.wg.Add(1)
	go fs.worker()
}

// Stop запирает вход в канал и ждет, пока воркер всё допишет. Повторный вызов безопасен.
func (fs *AgentFS) Stop() {
	fs.stopOnce.Do(func() {
		fs.logger.Info("stopping auditor: closing channel and flushing buffer")
		fs.mu.Lock()
		fs.isClosed.Store(true)
		close(fs.ch)
		fs.mu.Unlock()
		fs.wg.Wait()
		fs.logger.Info("auditor stopped gracefully", zap.Int64("dropped", fs.dropped.Load()))
	})
}

func (fs *AgentFS) Log(event AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	fs.mu.RLock()
	defer fs.mu.RUnlock()
	if fs.isClosed.Load() {
		fs.logger.Warn("audit event dropped: auditor is stopping", zap.String("id", event.ID))
		return
	}

	select {
	case fs.ch <- event:
	default:
		fs.dropped.Add(1)
		fs.logger.Error("audit buffer overflow",
			zap.String("request_id", event.RequestID),
			zap.String("tenant_id", event.TenantID),
			zap.String("status", event.Status),
		)
	}
}

// Dropped: сколько событий потеряно из-за переполнения буфера.
func (fs *AgentFS) Dropped() int64 { return fs.dropped.Load() }

func (fs *AgentFS) worker() {
	defer fs.wg.Done()

	batch := make([]AuditEvent, 0, fs.cfg.BatchSize)
	ticker := time.NewTicker(fs.cfg.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if fs.observer != nil {
			fs.observer(float64(len(fs.ch)) / float64(cap(fs.ch)))
		}
		if len(batch) == 0 {
			return
		}
		// Background: основной контекст к моменту drain уже может быть отменен
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := fs.repo.WriteBatch(ctx, batch); err != nil {
			fs.logger.Error("audit flush failed", zap.Int("events", len(batch)), zap.Error(err))
		}
		batch = make([]AuditEvent, 0, fs.cfg.BatchSize)
	}

	for {
		select {
		case event, ok := <-fs.ch:
			if !ok {
				flush()
				fs.logger.Info("audit worker finished")
				return
			}
			batch = append(batch, event)
			if len(batch) >= fs.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// Tee пишет батч во все хранилища и возвращает первую ошибку.
type Tee []StorageInterface

func (t Tee) WriteBatch(ctx context.Context, events []AuditEvent) error {
	var first error
	for _, s := range t {
		if err := s.WriteBatch(ctx, events); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// LogStorage пишет события в zap-лог (dev-режим без БД).
type LogStorage struct {
	logger *zap.Logger
}

func NewLogStorage(logger *zap.Logger) *LogStorage {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogStorage{logger: logger.Named("audit.log")}
}

func (s *LogStorage) WriteBatch(_ context.Context, events []AuditEvent) error {
	for _, e := range events {
		s.logger.Info("audit event",
			zap.String("id", e.ID),
			zap.String("request_id", e.RequestID),
			zap.String("tenant_id", e.TenantID),
			zap.String("tool", e.Tool),
			zap.String("stage", e.Stage),
			zap.String("status", e.Status),
			zap.String("evidence_id", e.EvidenceID))
	}
	return nil
}
