package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GoPolymarket/polyaudit/internal/config"
	"github.com/GoPolymarket/polyaudit/internal/pkg/apperrors"
	"github.com/GoPolymarket/polyaudit/internal/pkg/logger"
	"github.com/GoPolymarket/polyaudit/internal/pkg/metrics"
	"golang.org/x/time/rate"
)

var (
	ErrQueueFull   = apperrors.New(apperrors.ErrQueueFull, "audit queue full", nil)
	ErrQueueClosed = errors.New("audit queue closed")
)

// Queue hands envelopes to a worker pool. Enqueue never blocks.
type Queue interface {
	Enqueue(env Envelope) error
	Start(handle func(ctx context.Context, env Envelope) error)
	Close(ctx context.Context) error
	Name() string
}

// MemoryQueue is a bounded in-process queue with its own workers.
type MemoryQueue struct {
	ch      chan Envelope
	workers int
	policy  string

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	dropLog  *rate.Limiter
	dropped  atomic.Int64
	log      *slog.Logger
	gaugeKey string
}

func NewMemoryQueue(size, workers int, policy string, log *slog.Logger) *MemoryQueue {
	if size <= 0 {
		size = 1000
	}
	if workers <= 0 {
		workers = 1
	}
	if policy != config.PolicyDropOldest {
		policy = config.PolicyDropNewest
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &MemoryQueue{
		ch:       make(chan Envelope, size),
		workers:  workers,
		policy:   policy,
		ctx:      ctx,
		cancel:   cancel,
		dropLog:  rate.NewLimiter(rate.Every(time.Second), 1),
		log:      logger.Component(log, "audit-queue"),
		gaugeKey: "memory",
	}
}

func (q *MemoryQueue) Name() string { return "memory" }

// Len reports the number of queued envelopes.
func (q *MemoryQueue) Len() int { return len(q.ch) }

func (q *MemoryQueue) Start(handle func(ctx context.Context, env Envelope) error) {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.work(handle)
	}
}

func (q *MemoryQueue) work(handle func(ctx context.Context, env Envelope) error) {
	defer q.wg.Done()
	for env := range q.ch {
		metrics.QueueDepth.WithLabelValues(q.gaugeKey).Set(float64(len(q.ch)))
		if q.ctx.Err() != nil {
			metrics.DroppedTotal.WithLabelValues(metrics.DropShutdown).Inc()
			continue
		}
		if err := handle(q.ctx, env); err != nil {
			metrics.DroppedTotal.WithLabelValues(metrics.DropShutdown).Inc()
			q.log.Warn("audit record abandoned during shutdown", "id", env["id"], "error", err)
		}
	}
}

func (q *MemoryQueue) Enqueue(env Envelope) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.ch <- env:
		metrics.QueueDepth.WithLabelValues(q.gaugeKey).Set(float64(len(q.ch)))
		return nil
	default:
	}

	if q.policy == config.PolicyDropOldest {
		select {
		case old := <-q.ch:
			q.drop(old["id"])
		default:
		}
		select {
		case q.ch <- env:
			return nil
		default:
		}
	}
	q.drop(env["id"])
	return ErrQueueFull
}

// drop counts a lost record. Logging is rate limited so a full queue cannot flood the logs.
func (q *MemoryQueue) drop(id string) {
	metrics.DroppedTotal.WithLabelValues(metrics.DropQueueFull).Inc()
	n := q.dropped.Add(1)
	if q.dropLog.Allow() {
		q.log.Warn("audit queue full, dropping record", "id", id, "policy", q.policy, "dropped_total", n)
	}
}

// Dropped reports how many records the queue discarded because it was full.
func (q *MemoryQueue) Dropped() int64 { return q.dropped.Load() }

// Close stops intake and waits for the workers to drain the queue. When ctx ends
// first, in-flight writes are cancelled and the remainder is dropped.
func (q *MemoryQueue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.ch)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		<-done
		return ctx.Err()
	}
}
