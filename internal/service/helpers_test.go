package service

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/GoPolymarket/polyaudit/internal/model"
	"github.com/GoPolymarket/polyaudit/internal/pkg/logger"
)

// fakeStore fails its first `fail` calls (every call when fail < 0).
type fakeStore struct {
	name string
	fail int

	mu      sync.Mutex
	calls   int
	records []*model.AuditRecord
	ctxErrs []error
}

func newFakeStore(name string, fail int) *fakeStore {
	return &fakeStore{name: name, fail: fail}
}

func (f *fakeStore) Name() string { return f.name }

func (f *fakeStore) Create(ctx context.Context, rec *model.AuditRecord) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.ctxErrs = append(f.ctxErrs, ctx.Err())
	if f.fail < 0 || f.calls <= f.fail {
		return "", kindError{kind: "connection", err: errors.New(f.name + " unavailable")}
	}
	f.records = append(f.records, rec)
	return rec.ID, nil
}

func (f *fakeStore) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeStore) Records() []*model.AuditRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*model.AuditRecord(nil), f.records...)
}

type kindError struct {
	kind string
	err  error
}

func (e kindError) Error() string     { return e.err.Error() }
func (e kindError) StoreKind() string { return e.kind }

// logBuffer is a concurrency-safe sink for test loggers.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) count(level string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Count(b.buf.String(), `"level":"`+level+`"`)
}

func testLogger(t *testing.T) (*slog.Logger, *logBuffer) {
	t.Helper()
	buf := &logBuffer{}
	return logger.New(buf, "debug", "json"), buf
}

func sampleRecord() *model.AuditRecord {
	rec := model.NewRecord(model.MethodPost, "/api/pay")
	rec.StatusCode = 201
	rec.ResponseTimeMs = 12
	rec.Headers["content-type"] = "application/json"
	rec.QueryParams["page"] = "2"
	rec.ExtraData["tenant"] = "t-1"
	body := `{"amount":10,"token":"********"}`
	rec.RequestBody = &body
	ip := "10.1.2.3"
	rec.IPAddress = &ip
	return rec
}
