package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/GoPolymarket/polyaudit/internal/config"
	"github.com/GoPolymarket/polyaudit/internal/pkg/apperrors"
	"github.com/GoPolymarket/polyaudit/internal/pkg/logger"
	"github.com/GoPolymarket/polyaudit/internal/pkg/metrics"
	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

var ErrStreamBufferFull = apperrors.New(apperrors.ErrQueueFull, "redis audit buffer full", nil)

// RedisStreamQueue carries audit envelopes through a Redis stream so records
// survive a process restart. Enqueue only touches a local buffer; a publisher
// goroutine moves envelopes to the stream and a consumer group drains it.
// Entries are acknowledged only after the handler returns nil. Entries left
// pending longer than ClaimIdle are claimed and retried.
type RedisStreamQueue struct {
	rdb       *redis.Client
	stream    string
	group     string
	consumer  string
	maxLen    int64
	block     time.Duration
	claimIdle time.Duration
	workers   int

	buf     chan map[string]string
	mu      sync.RWMutex
	closed  bool
	started bool

	pubDone chan struct{}
	stop    chan struct{}
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc

	dropLog *rate.Limiter
	log     *slog.Logger
}

func NewRedisStreamQueue(rdb *redis.Client, cfg config.RedisConfig, workers int, log *slog.Logger) *RedisStreamQueue {
	q := &RedisStreamQueue{
		rdb:       rdb,
		stream:    cfg.Stream,
		group:     cfg.Group,
		consumer:  cfg.Consumer,
		maxLen:    cfg.MaxLen,
		block:     cfg.Block,
		claimIdle: cfg.ClaimIdle,
		workers:   workers,
		pubDone:   make(chan struct{}),
		stop:      make(chan struct{}),
		dropLog:   rate.NewLimiter(rate.Every(time.Second), 1),
		log:       logger.Component(log, "audit-stream"),
	}
	if q.stream == "" {
		q.stream = "polyaudit:records"
	}
	if q.group == "" {
		q.group = "polyaudit-writers"
	}
	if q.consumer == "" {
		// unique per process so every worker owns its pending entries
		host, _ := os.Hostname()
		q.consumer = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if q.block <= 0 {
		q.block = time.Second
	}
	if q.claimIdle <= 0 {
		q.claimIdle = time.Minute
	}
	if q.workers <= 0 {
		q.workers = 1
	}
	size := cfg.BufferSize
	if size <= 0 {
		size = 1000
	}
	q.buf = make(chan map[string]string, size)
	q.ctx, q.cancel = context.WithCancel(context.Background())
	return q
}

func (q *RedisStreamQueue) Name() string { return "redis" }

func (q *RedisStreamQueue) Enqueue(env map[string]string) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return errors.New("audit stream closed")
	}
	select {
	case q.buf <- env:
		metrics.QueueDepth.WithLabelValues(q.Name()).Set(float64(len(q.buf)))
		return nil
	default:
	}
	metrics.DroppedTotal.WithLabelValues(metrics.DropQueueFull).Inc()
	if q.dropLog.Allow() {
		q.log.Warn("audit stream buffer full, dropping record", "id", env["id"])
	}
	return ErrStreamBufferFull
}

// Start creates the consumer group if needed and launches the publisher, the
// consumers and the reclaimer.
func (q *RedisStreamQueue) Start(handle func(ctx context.Context, env map[string]string) error) {
	q.mu.Lock()
	q.started = true
	q.mu.Unlock()

	err := q.rdb.XGroupCreateMkStream(q.ctx, q.stream, q.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		q.log.Error("failed to create consumer group", "stream", q.stream, "group", q.group, "error", err)
	}

	go q.publish()
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.consume(fmt.Sprintf("%s-%d", q.consumer, i), handle)
	}
	q.wg.Add(1)
	go q.reclaim(handle)
}

func (q *RedisStreamQueue) publish() {
	defer close(q.pubDone)
	for env := range q.buf {
		metrics.QueueDepth.WithLabelValues(q.Name()).Set(float64(len(q.buf)))
		values := make(map[string]any, len(env))
		for k, v := range env {
			values[k] = v
		}
		args := &redis.XAddArgs{Stream: q.stream, Values: values}
		if q.maxLen > 0 {
			args.MaxLen = q.maxLen
			args.Approx = true
		}
		policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(100*time.Millisecond), 3)
		err := backoff.Retry(func() error {
			return q.rdb.XAdd(q.ctx, args).Err()
		}, backoff.WithContext(policy, q.ctx))
		if err != nil {
			metrics.DroppedTotal.WithLabelValues(metrics.DropRetriesExhausted).Inc()
			q.log.Error("audit record dropped: stream publish failed", "id", env["id"], "error", err)
		}
	}
}

func (q *RedisStreamQueue) consume(consumer string, handle func(ctx context.Context, env map[string]string) error) {
	defer q.wg.Done()
	for {
		select {
		case <-q.stop:
			return
		default:
		}
		streams, err := q.rdb.XReadGroup(q.ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: consumer,
			Streams:  []string{q.stream, ">"},
			Count:    10,
			Block:    q.block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if q.ctx.Err() != nil {
				return
			}
			q.log.Warn("stream read failed", "consumer", consumer, "error", err)
			q.pause()
			continue
		}
		for _, s := range streams {
			q.process(s.Messages, handle)
		}
	}
}

// reclaim retries entries whose consumer never acknowledged them.
func (q *RedisStreamQueue) reclaim(handle func(ctx context.Context, env map[string]string) error) {
	defer q.wg.Done()
	ticker := time.NewTicker(q.claimIdle / 2)
	defer ticker.Stop()
	for {
		select {
		case <-q.stop:
			return
		case <-ticker.C:
		}
		msgs, _, err := q.rdb.XAutoClaim(q.ctx, &redis.XAutoClaimArgs{
			Stream:   q.stream,
			Group:    q.group,
			Consumer: q.consumer + "-reclaim",
			MinIdle:  q.claimIdle,
			Start:    "0",
			Count:    50,
		}).Result()
		if err != nil {
			if q.ctx.Err() == nil && !errors.Is(err, redis.Nil) {
				q.log.Warn("stream reclaim failed", "error", err)
			}
			continue
		}
		if len(msgs) > 0 {
			q.log.Info("reclaimed pending audit records", "count", len(msgs))
		}
		q.process(msgs, handle)
	}
}

func (q *RedisStreamQueue) process(msgs []redis.XMessage, handle func(ctx context.Context, env map[string]string) error) {
	for _, msg := range msgs {
		env := make(map[string]string, len(msg.Values))
		for k, v := range msg.Values {
			if s, ok := v.(string); ok {
				env[k] = s
			}
		}
		if err := handle(q.ctx, env); err != nil {
			// left pending; the reclaimer picks it up again
			continue
		}
		if err := q.rdb.XAck(q.ctx, q.stream, q.group, msg.ID).Err(); err != nil {
			q.log.Warn("stream ack failed", "entry", msg.ID, "error", err)
		}
	}
}

func (q *RedisStreamQueue) pause() {
	select {
	case <-q.stop:
	case <-time.After(200 * time.Millisecond):
	}
}

// Close flushes the local buffer to the stream and stops the consumers. Entries
// still in the stream stay there for the next process.
func (q *RedisStreamQueue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.buf)
	started := q.started
	q.mu.Unlock()
	if !started {
		q.cancel()
		return nil
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-q.pubDone:
		case <-ctx.Done():
			q.cancel()
			<-q.pubDone
		}
		close(q.stop)
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
