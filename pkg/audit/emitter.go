package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/caseguard/pkg/async"
	"github.com/platinummonkey/caseguard/pkg/observability"
)

// EmitterConfig sizes the background writer
type EmitterConfig struct {
	Workers      int
	QueueSize    int
	WriteTimeout time.Duration
}

// AsyncEmitter queues events on a bounded worker pool. A full queue drops
// the event; a failed write is logged. Neither reaches the caller.
type AsyncEmitter struct {
	store   Store
	pool    *async.WorkerPool
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewAsyncEmitter starts the writer pool
func NewAsyncEmitter(ctx context.Context, store Store, cfg EmitterConfig, logger *observability.Logger, metrics *observability.Metrics) *AsyncEmitter {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	logger = observability.Default(logger)

	return &AsyncEmitter{
		store:   store,
		pool:    async.NewWorkerPool(ctx, cfg.Workers, cfg.QueueSize, "audit writer", cfg.WriteTimeout, logger),
		logger:  logger,
		metrics: metrics,
	}
}

// LogEvent enqueues event for persistence
func (e *AsyncEmitter) LogEvent(ctx context.Context, event Event) {
	event = fillFromContext(ctx, event)
	if event.ID == "" {
		event.ID = uuid.NewString()
	}

	err := e.pool.TrySubmit(func(ctx context.Context) error {
		if err := e.store.Insert(ctx, event); err != nil {
			e.metrics.RecordAuditEvent("failed")
			e.logger.WithFields(map[string]interface{}{
				"module":    event.Module,
				"action":    event.Action,
				"entity_id": event.EntityID,
			}).WithError(err).Error("failed to write audit event")
			return nil
		}
		e.metrics.RecordAuditEvent("written")
		return nil
	})
	if err != nil {
		e.metrics.RecordAuditEvent("dropped")
		level := e.logger.WithFields(map[string]interface{}{
			"module": event.Module,
			"action": event.Action,
		}).WithError(err)
		if errors.Is(err, async.ErrQueueFull) {
			level.Warn("audit queue full, event dropped")
		} else {
			level.Error("audit emitter closed, event dropped")
		}
	}
}

// Close stops accepting events and waits for queued writes
func (e *AsyncEmitter) Close(timeout time.Duration) error {
	return e.pool.Shutdown(timeout)
}
