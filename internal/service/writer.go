package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/GoPolymarket/polyaudit/internal/model"
	"github.com/GoPolymarket/polyaudit/internal/pkg/apperrors"
	"github.com/GoPolymarket/polyaudit/internal/pkg/logger"
	"github.com/GoPolymarket/polyaudit/internal/pkg/metrics"
	"github.com/cenkalti/backoff/v4"
)

type WriterOptions struct {
	RetryCount      int
	RetryBackoff    time.Duration
	RetryMaxBackoff time.Duration
	WriteTimeout    time.Duration
}

// RecordWriter is the queue worker body: decode, validate, write with bounded retry.
type RecordWriter struct {
	store Store
	opts  WriterOptions
	log   *slog.Logger
}

func NewRecordWriter(store Store, opts WriterOptions, log *slog.Logger) *RecordWriter {
	if opts.RetryCount < 0 {
		opts.RetryCount = 0
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 500 * time.Millisecond
	}
	if opts.RetryMaxBackoff < opts.RetryBackoff {
		opts.RetryMaxBackoff = opts.RetryBackoff
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	return &RecordWriter{store: store, opts: opts, log: logger.Component(log, "audit-writer")}
}

// Handle processes one envelope. It returns an error only when ctx ends first, so the
// transport can leave the message for redelivery. Everything else is either written
// or dropped with a log.
func (w *RecordWriter) Handle(ctx context.Context, env Envelope) error {
	rec, err := DecodeEnvelope(env)
	if err == nil {
		err = rec.Validate()
	}
	if err != nil {
		metrics.DroppedTotal.WithLabelValues(metrics.DropInvalid).Inc()
		w.log.Error("audit record dropped: invalid envelope", "id", env["id"], "error", err)
		return nil
	}
	return w.Write(ctx, rec)
}

// Write stores rec, retrying up to RetryCount times with exponential backoff.
func (w *RecordWriter) Write(ctx context.Context, rec *model.AuditRecord) error {
	attempts := 0
	op := func() error {
		attempts++
		wctx, cancel := context.WithTimeout(ctx, w.opts.WriteTimeout)
		defer cancel()
		_, err := w.store.Create(wctx, rec)
		return err
	}
	notify := func(err error, wait time.Duration) {
		metrics.WriteRetries.Inc()
		w.log.Warn("audit write failed, retrying", "id", rec.ID, "attempt", attempts, "wait", wait, "error", err)
	}

	err := backoff.RetryNotify(op, w.policy(ctx), notify)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	metrics.DroppedTotal.WithLabelValues(metrics.DropRetriesExhausted).Inc()
	w.log.Error("audit record dropped after retries",
		"id", rec.ID,
		"path", rec.Path,
		"attempts", attempts,
		"error", apperrors.NewPersistence("store unavailable", err),
	)
	return nil
}

func (w *RecordWriter) policy(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = w.opts.RetryBackoff
	exp.MaxInterval = w.opts.RetryMaxBackoff
	exp.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(w.opts.RetryCount)), ctx)
}
