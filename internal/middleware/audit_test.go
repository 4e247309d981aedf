package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/GoPolymarket/polyaudit/internal/capture"
	"github.com/GoPolymarket/polyaudit/internal/config"
	"github.com/GoPolymarket/polyaudit/internal/model"
	"github.com/GoPolymarket/polyaudit/internal/pkg/logger"
	"github.com/GoPolymarket/polyaudit/internal/pkg/masking"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memCommitter struct {
	mu      sync.Mutex
	records []*model.AuditRecord
	panics  bool
}

func (m *memCommitter) Commit(_ context.Context, rec *model.AuditRecord) bool {
	if m.panics {
		panic("store exploded")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return true
}

func (m *memCommitter) Mode() string { return "test" }

func (m *memCommitter) all() []*model.AuditRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*model.AuditRecord(nil), m.records...)
}

type testHost struct {
	router    *gin.Engine
	committer *memCommitter
	logs      *bytes.Buffer
	recovered any
}

func newTestHost(t *testing.T, enabled bool, committer *memCommitter, mutate func(*AuditOptions)) *testHost {
	t.Helper()
	gin.SetMode(gin.TestMode)

	h := &testHost{committer: committer, logs: &bytes.Buffer{}}
	log := logger.New(h.logs, "debug", "json")
	cfg := config.Default().Audit
	ex := capture.NewExtractor(masking.New(cfg.SensitiveFields), capture.Options{MaxBodyLength: cfg.MaxBodyLength}, log)
	skip, err := NewSkipRules(cfg)
	require.NoError(t, err)

	opts := AuditOptions{Enabled: enabled, Logger: log}
	if mutate != nil {
		mutate(&opts)
	}

	r := gin.New()
	r.Use(gin.CustomRecoveryWithWriter(io.Discard, func(c *gin.Context, err any) {
		h.recovered = err
		c.AbortWithStatus(http.StatusInternalServerError)
	}))
	r.Use(AuditMiddleware(committer, ex, skip, opts))

	r.POST("/api/pay", func(c *gin.Context) {
		body, _ := io.ReadAll(c.Request.Body)
		c.Header("X-Handler", "pay")
		c.Data(http.StatusCreated, "application/json", body)
	})
	r.GET("/api/boom", func(c *gin.Context) {
		panic("boom: token=abc123")
	})
	r.GET("/api/slow", func(c *gin.Context) {
		time.Sleep(30 * time.Millisecond)
		c.String(http.StatusOK, "slow")
	})
	r.GET("/api/stream", func(c *gin.Context) {
		c.Header("Content-Type", "text/event-stream")
		_, _ = c.Writer.WriteString("data: 1\n\n")
		c.Writer.Flush()
	})
	r.GET("/api/deadline", func(c *gin.Context) {
		rc := http.NewResponseController(c.Writer)
		if err := rc.SetWriteDeadline(time.Now().Add(time.Minute)); err != nil {
			c.String(http.StatusInternalServerError, err.Error())
			return
		}
		c.String(http.StatusOK, "deadline set")
	})
	r.GET("/api/fail", func(c *gin.Context) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "down"})
	})
	r.GET("/api/me", func(c *gin.Context) {
		c.Set(ContextAuditUserID, "u-1")
		AddAuditContext(c, "order_id", "o-9")
		AddAuditContext(c, "token", "abc")
		c.Status(http.StatusNoContent)
	})
	r.GET("/static/app.js", func(c *gin.Context) {
		c.String(http.StatusOK, "js")
	})
	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	r.Handle("TRACE", "/api/trace", func(c *gin.Context) {
		c.String(http.StatusOK, "trace")
	})
	h.router = r
	return h
}

func (h *testHost) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func payRequest() *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/pay", strings.NewReader(`{"amount": 10, "token": "abc123"}`))
	req.Header.Set("Content-Type", "application/json")
	return req
}

// Enabling, disabling or breaking the audit path never changes the response.
func TestAuditFailOpenResponsesIdentical(t *testing.T) {
	requests := map[string]func() *http.Request{
		"success": payRequest,
		"panic":   func() *http.Request { return httptest.NewRequest(http.MethodGet, "/api/boom", nil) },
		"slow":    func() *http.Request { return httptest.NewRequest(http.MethodGet, "/api/slow", nil) },
		"stream":  func() *http.Request { return httptest.NewRequest(http.MethodGet, "/api/stream", nil) },
		"5xx":     func() *http.Request { return httptest.NewRequest(http.MethodGet, "/api/fail", nil) },
	}

	for name, build := range requests {
		t.Run(name, func(t *testing.T) {
			off := newTestHost(t, false, &memCommitter{}, nil).do(build())
			on := newTestHost(t, true, &memCommitter{}, nil).do(build())
			broken := newTestHost(t, true, &memCommitter{panics: true}, nil).do(build())

			for _, got := range []*httptest.ResponseRecorder{on, broken} {
				assert.Equal(t, off.Code, got.Code)
				assert.Equal(t, off.Header(), got.Header())
				assert.Equal(t, off.Body.Bytes(), got.Body.Bytes())
			}
		})
	}
}

func TestAuditScenarioMaskedJSONBody(t *testing.T) {
	h := newTestHost(t, true, &memCommitter{}, nil)
	w := h.do(payRequest())

	require.Equal(t, http.StatusCreated, w.Code)
	// the handler still saw the original body
	assert.JSONEq(t, `{"amount": 10, "token": "abc123"}`, w.Body.String())

	records := h.committer.all()
	require.Len(t, records, 1)
	rec := records[0]
	require.NotNil(t, rec.RequestBody)
	var stored map[string]any
	require.NoError(t, json.Unmarshal([]byte(*rec.RequestBody), &stored))
	assert.Equal(t, map[string]any{"amount": float64(10), "token": masking.MaskToken}, stored)

	assert.Equal(t, model.MethodPost, rec.Method)
	assert.Equal(t, "/api/pay", rec.Path)
	assert.Equal(t, http.StatusCreated, rec.StatusCode)
	assert.Equal(t, "pay", rec.ResponseHeaders["x-handler"])
	require.NotNil(t, rec.ResponseBody)
	assert.NotContains(t, *rec.ResponseBody, "abc123")
	assert.NoError(t, rec.Validate())
}

func TestAuditScenarioSkippedAsset(t *testing.T) {
	h := newTestHost(t, true, &memCommitter{}, nil)
	w := h.do(httptest.NewRequest(http.MethodGet, "/static/app.js", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, h.committer.all())
}

func TestAuditScenarioHandlerPanic(t *testing.T) {
	h := newTestHost(t, true, &memCommitter{}, nil)
	w := h.do(httptest.NewRequest(http.MethodGet, "/api/boom", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "boom: token=abc123", h.recovered, "fault must reach the framework recovery")

	records := h.committer.all()
	require.Len(t, records, 1)
	assert.Equal(t, http.StatusInternalServerError, records[0].StatusCode)
	assert.Equal(t, "boom: token="+masking.MaskToken, records[0].ExtraData["panic"])
	assert.Contains(t, h.logs.String(), `"level":"ERROR"`)
}

func TestAuditSkipsPassthrough(t *testing.T) {
	tests := []struct {
		name    string
		enabled bool
		req     *http.Request
	}{
		{"disabled", false, payRequest()},
		{"exact path", true, httptest.NewRequest(http.MethodGet, "/health", nil)},
		{"method outside set", true, httptest.NewRequest("TRACE", "/api/trace", nil)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHost(t, tt.enabled, &memCommitter{}, nil)
			w := h.do(tt.req)
			assert.Less(t, w.Code, 300)
			assert.Empty(t, h.committer.all())
		})
	}
}

func TestAuditCapabilities(t *testing.T) {
	h := newTestHost(t, true, &memCommitter{}, func(o *AuditOptions) {
		o.ExtraData = func(c *gin.Context, resp *capture.ResponseSnapshot) map[string]any {
			return map[string]any{"route": c.FullPath(), "status_seen": resp.StatusCode}
		}
	})
	req := httptest.NewRequest(http.MethodGet, "/api/me?page=2", nil)
	req.RemoteAddr = "192.0.2.1:4711"
	req.AddCookie(&http.Cookie{Name: "sessionid", Value: "s-123"})
	h.do(req)

	records := h.committer.all()
	require.Len(t, records, 1)
	rec := records[0]
	require.NotNil(t, rec.UserID)
	assert.Equal(t, "u-1", *rec.UserID)
	require.NotNil(t, rec.SessionID)
	assert.Equal(t, "s-123", *rec.SessionID)
	require.NotNil(t, rec.IPAddress)
	assert.Equal(t, "192.0.2.1", *rec.IPAddress)
	assert.Equal(t, "2", rec.QueryParams["page"])
	assert.Equal(t, "o-9", rec.ExtraData["order_id"])
	assert.Equal(t, masking.MaskToken, rec.ExtraData["token"])
	assert.Equal(t, "/api/me", rec.ExtraData["route"])
	assert.Equal(t, http.StatusNoContent, rec.ExtraData["status_seen"])
}

func TestAuditUserIDFromRequestContext(t *testing.T) {
	h := newTestHost(t, true, &memCommitter{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/slow", nil)
	req = req.WithContext(capture.WithUserID(req.Context(), "ctx-user"))
	req.Header.Set(HeaderSessionID, "hdr-session")
	h.do(req)

	records := h.committer.all()
	require.Len(t, records, 1)
	require.NotNil(t, records[0].UserID)
	assert.Equal(t, "ctx-user", *records[0].UserID)
	require.NotNil(t, records[0].SessionID)
	assert.Equal(t, "hdr-session", *records[0].SessionID)
	assert.GreaterOrEqual(t, records[0].ResponseTimeMs, int64(30))
}

func TestAuditClientCancelled(t *testing.T) {
	h := newTestHost(t, true, &memCommitter{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h.do(httptest.NewRequest(http.MethodGet, "/api/slow", nil).WithContext(ctx))

	records := h.committer.all()
	require.Len(t, records, 1)
	assert.Equal(t, true, records[0].ExtraData["client_cancelled"])
}

func TestAuditStreamingBodyNotCaptured(t *testing.T) {
	h := newTestHost(t, true, &memCommitter{}, nil)
	w := h.do(httptest.NewRequest(http.MethodGet, "/api/stream", nil))
	assert.Equal(t, "data: 1\n\n", w.Body.String())

	records := h.committer.all()
	require.Len(t, records, 1)
	require.NotNil(t, records[0].ResponseBody)
	assert.Equal(t, capture.StreamingBody, *records[0].ResponseBody)
}

func TestAuditServerErrorLogged(t *testing.T) {
	h := newTestHost(t, true, &memCommitter{}, nil)
	h.do(httptest.NewRequest(http.MethodGet, "/api/fail", nil))
	assert.Equal(t, 1, strings.Count(h.logs.String(), `"level":"ERROR"`))
	require.Len(t, h.committer.all(), 1)
}

func TestAuditBrokenCommitterLogsOnce(t *testing.T) {
	h := newTestHost(t, true, &memCommitter{panics: true}, nil)
	w := h.do(payRequest())
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Contains(t, h.logs.String(), `"step":"dispatch"`)
}

// http.ResponseController must reach the connection through the capture writer.
func TestAuditResponseControllerUnwraps(t *testing.T) {
	fetch := func(enabled bool) (int, string) {
		srv := httptest.NewServer(newTestHost(t, enabled, &memCommitter{}, nil).router)
		defer srv.Close()

		resp, err := http.Get(srv.URL + "/api/deadline")
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, string(body)
	}

	offStatus, offBody := fetch(false)
	onStatus, onBody := fetch(true)
	assert.Equal(t, http.StatusOK, offStatus)
	assert.Equal(t, offStatus, onStatus)
	assert.Equal(t, offBody, onBody)
}
