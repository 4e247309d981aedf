package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/GoPolymarket/polyaudit/internal/model"
	"github.com/GoPolymarket/polyaudit/internal/pkg/apperrors"
	"github.com/GoPolymarket/polyaudit/internal/pkg/logger"
	"github.com/GoPolymarket/polyaudit/internal/pkg/metrics"
)

// Dispatcher commits finished records. Commit is fire-and-forget for the caller: it
// reports whether the record was accepted but never returns an error.
type Dispatcher interface {
	Commit(ctx context.Context, rec *model.AuditRecord) bool
	Close(ctx context.Context) error
	Mode() string
}

// SyncDispatcher writes inline with the request. Failures are logged and swallowed.
type SyncDispatcher struct {
	store   Store
	timeout time.Duration
	log     *slog.Logger
}

func NewSyncDispatcher(store Store, timeout time.Duration, log *slog.Logger) *SyncDispatcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &SyncDispatcher{store: store, timeout: timeout, log: logger.Component(log, "audit-dispatcher")}
}

func (d *SyncDispatcher) Mode() string { return "sync" }

func (d *SyncDispatcher) Commit(ctx context.Context, rec *model.AuditRecord) bool {
	if err := rec.Validate(); err != nil {
		metrics.DroppedTotal.WithLabelValues(metrics.DropInvalid).Inc()
		d.log.Error("audit record dropped: invalid", "id", rec.ID, "error", err)
		return false
	}
	// a cancelled client must not cancel the final write
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()

	if _, err := d.store.Create(wctx, rec); err != nil {
		metrics.DroppedTotal.WithLabelValues(metrics.DropRetriesExhausted).Inc()
		d.log.Error("audit write failed", "id", rec.ID, "path", rec.Path, "error", err)
		return false
	}
	return true
}

func (d *SyncDispatcher) Close(context.Context) error { return nil }

// AsyncDispatcher serializes the record and hands it to a queue. The queue's workers
// run a RecordWriter.
type AsyncDispatcher struct {
	queue Queue
	log   *slog.Logger
}

// NewAsyncDispatcher starts the queue workers with writer.Handle.
func NewAsyncDispatcher(queue Queue, writer *RecordWriter, log *slog.Logger) *AsyncDispatcher {
	queue.Start(writer.Handle)
	return &AsyncDispatcher{queue: queue, log: logger.Component(log, "audit-dispatcher")}
}

func (d *AsyncDispatcher) Mode() string { return "async:" + d.queue.Name() }

func (d *AsyncDispatcher) Commit(_ context.Context, rec *model.AuditRecord) bool {
	env, err := EncodeRecord(rec)
	if err != nil {
		metrics.DroppedTotal.WithLabelValues(metrics.DropInvalid).Inc()
		d.log.Error("audit record dropped: cannot serialize", "id", rec.ID, "error", err)
		return false
	}
	if err := d.queue.Enqueue(env); err != nil {
		// queue-full drops are logged by the queue itself
		if apperrors.TypeOf(err) != apperrors.ErrQueueFull {
			d.log.Warn("audit enqueue failed", "id", rec.ID, "error", err)
		}
		return false
	}
	return true
}

func (d *AsyncDispatcher) Close(ctx context.Context) error {
	return d.queue.Close(ctx)
}
