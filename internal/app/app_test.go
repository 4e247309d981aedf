package app

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/GoPolymarket/polyaudit/internal/config"
	"github.com/GoPolymarket/polyaudit/internal/middleware"
	"github.com/GoPolymarket/polyaudit/internal/model"
	"github.com/GoPolymarket/polyaudit/internal/pkg/logger"
	"github.com/GoPolymarket/polyaudit/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Audit.FileDir = t.TempDir()
	cfg.Audit.Backends = config.BackendsConfig{
		Primary:   config.BackendMemory,
		Secondary: config.BackendFile,
		Mode:      config.ModeBoth,
	}
	return cfg
}

func TestBuildStores(t *testing.T) {
	cfg := testConfig(t)
	log := logger.New(io.Discard, "error", "json")

	stores, err := BuildStores(context.Background(), cfg, log)
	require.NoError(t, err)
	defer stores.Close(context.Background())

	assert.Equal(t, "both(memory,file)", stores.Store.Name())
	require.NotNil(t, stores.Lister)
}

func TestBuildStoresFallsBackToFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.Audit.Backends = config.BackendsConfig{Primary: config.BackendPostgres, Mode: config.ModeFallback, Secondary: config.BackendFile}
	cfg.Database.DSN = ""

	stores, err := BuildStores(context.Background(), cfg, logger.New(io.Discard, "error", "json"))
	require.NoError(t, err)
	defer stores.Close(context.Background())

	// postgres is not configured; file becomes primary and the duplicate secondary is dropped
	assert.Equal(t, "file", stores.Store.Name())
	assert.Nil(t, stores.Lister)
}

func TestBuildDispatcher(t *testing.T) {
	cfg := testConfig(t)
	log := logger.New(io.Discard, "error", "json")
	store := service.NewMemoryStore(10)

	cfg.Audit.Async = false
	d, err := BuildDispatcher(cfg, store, log)
	require.NoError(t, err)
	assert.Equal(t, "sync", d.Mode())

	cfg.Audit.Async = true
	cfg.Audit.Transport = config.TransportRedis
	cfg.Redis.Addr = "" // unreachable: degrade to memory
	d, err = BuildDispatcher(cfg, store, log)
	require.NoError(t, err)
	assert.Equal(t, "async:memory", d.Mode())

	rec := model.NewRecord(model.MethodGet, "/x")
	rec.StatusCode = 200
	assert.True(t, d.Commit(context.Background(), rec))
	require.NoError(t, d.Close(context.Background()))
	assert.Equal(t, 1, store.Len())
}

func TestAuditMiddlewareEndToEnd(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := testConfig(t)
	cfg.Audit.Async = false
	log := logger.New(io.Discard, "error", "json")

	stores, err := BuildStores(context.Background(), cfg, log)
	require.NoError(t, err)
	defer stores.Close(context.Background())
	d, err := BuildDispatcher(cfg, stores.Store, log)
	require.NoError(t, err)
	svc := service.NewAuditService(d, stores.Lister, 10, log)

	mw, err := AuditMiddleware(cfg.Audit, svc, middleware.AuditOptions{Logger: log})
	require.NoError(t, err)

	r := gin.New()
	r.Use(mw)
	r.POST("/api/login", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })

	req := httptest.NewRequest(http.MethodPost, "/api/login", strings.NewReader(`{"user":"a","password":"hunter2"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(httptest.NewRecorder(), req)

	records, err := svc.List(context.Background(), model.RecordFilter{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.NotNil(t, records[0].RequestBody)
	assert.NotContains(t, *records[0].RequestBody, "hunter2")

	cfg.Audit.ExcludePatterns = []string{"["}
	_, err = AuditMiddleware(cfg.Audit, svc, middleware.AuditOptions{})
	assert.Error(t, err)
}

func TestAuditMiddlewareCapturesUpToMaxBodyLength(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := testConfig(t)
	cfg.Audit.MaxBodyLength = 2 << 20
	cfg.Audit.MaxCaptureBytes = 4 << 20
	require.NoError(t, cfg.Validate())

	store := service.NewMemoryStore(10)
	svc := service.NewAuditService(service.NewSyncDispatcher(store, time.Second, nil), store, 10, nil)
	mw, err := AuditMiddleware(cfg.Audit, svc, middleware.AuditOptions{})
	require.NoError(t, err)

	r := gin.New()
	r.Use(mw)
	r.POST("/api/upload", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	// larger than the built-in 1 MiB buffer, below the configured body length
	body := strings.Repeat("a", 3<<19)
	req := httptest.NewRequest(http.MethodPost, "/api/upload", strings.NewReader(body))
	req.Header.Set("Content-Type", "text/plain")
	r.ServeHTTP(httptest.NewRecorder(), req)

	records, err := store.List(context.Background(), model.RecordFilter{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.NotNil(t, records[0].RequestBody)
	assert.Equal(t, len(body), len(*records[0].RequestBody))
}
