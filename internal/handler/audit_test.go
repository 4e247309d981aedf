package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/GoPolymarket/polyaudit/internal/config"
	"github.com/GoPolymarket/polyaudit/internal/middleware"
	"github.com/GoPolymarket/polyaudit/internal/model"
	"github.com/gin-gonic/gin"
)

type stubLister struct {
	got     model.RecordFilter
	records []*model.AuditRecord
	err     error
}

func (s *stubLister) List(_ context.Context, f model.RecordFilter) ([]*model.AuditRecord, error) {
	s.got = f
	return s.records, s.err
}

func newAdminRouter(lister *stubLister) *gin.Engine {
	gin.SetMode(gin.TestMode)
	cfg := &config.Config{Auth: config.AuthConfig{AdminKey: "admin"}}

	router := gin.New()
	router.Use(middleware.ErrorHandler())
	admin := router.Group("/admin")
	admin.Use(middleware.AdminMiddleware(cfg))
	admin.GET("/audit-logs", NewAuditHandler(lister).List)
	return router
}

func get(router *gin.Engine, url, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, url, nil)
	if key != "" {
		req.Header.Set(middleware.HeaderAdminKey, key)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestListRequiresAdminKey(t *testing.T) {
	router := newAdminRouter(&stubLister{})

	if rec := get(router, "/admin/audit-logs", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without admin key, got %d", rec.Code)
	}
	if rec := get(router, "/admin/audit-logs", "wrong"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong admin key, got %d", rec.Code)
	}
}

func TestListParsesFilters(t *testing.T) {
	lister := &stubLister{records: []*model.AuditRecord{model.NewRecord(model.MethodGet, "/api/orders")}}
	router := newAdminRouter(lister)

	rec := get(router, "/admin/audit-logs?method=get&status=404&user_id=u-1&ip=10.0.0.1&limit=5&from=2026-01-01T00:00:00Z&to=1767312000", "admin")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	f := lister.got
	if f.Method != model.MethodGet || f.StatusCode != 404 || f.UserID != "u-1" || f.IPAddress != "10.0.0.1" || f.Limit != 5 {
		t.Fatalf("unexpected filter: %+v", f)
	}
	wantFrom := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if f.From == nil || !f.From.Equal(wantFrom) {
		t.Fatalf("unexpected from: %v", f.From)
	}
	if f.To == nil || f.To.Unix() != 1767312000 {
		t.Fatalf("unexpected to: %v", f.To)
	}

	var resp struct {
		Count   int                  `json:"count"`
		Records []*model.AuditRecord `json:"records"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid json response: %v", err)
	}
	if resp.Count != 1 || resp.Records[0].Path != "/api/orders" {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
}

func TestListRejectsBadFilters(t *testing.T) {
	router := newAdminRouter(&stubLister{})
	for _, url := range []string{
		"/admin/audit-logs?method=TRACE",
		"/admin/audit-logs?status=abc",
		"/admin/audit-logs?status=42",
		"/admin/audit-logs?from=yesterday",
		"/admin/audit-logs?from=2026-02-01T00:00:00Z&to=2026-01-01T00:00:00Z",
	} {
		rec := get(router, url, "admin")
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", url, rec.Code)
		}
		var body map[string]any
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body["code"] != "INVALID_REQUEST" {
			t.Fatalf("%s: unexpected error body %s", url, rec.Body.String())
		}
	}
}

func TestListStoreUnavailable(t *testing.T) {
	router := newAdminRouter(&stubLister{err: errors.New("db down")})
	rec := get(router, "/admin/audit-logs", "admin")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}
