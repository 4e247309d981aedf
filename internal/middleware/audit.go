package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/GoPolymarket/polyaudit/internal/capture"
	"github.com/GoPolymarket/polyaudit/internal/model"
	"github.com/GoPolymarket/polyaudit/internal/pkg/logger"
	"github.com/GoPolymarket/polyaudit/internal/pkg/metrics"
	"github.com/gin-gonic/gin"
)

const (
	ContextAuditExtra  = "audit_extra"
	ContextAuditUserID = "audit_user_id"
	HeaderSessionID    = "X-Session-ID"
)

// Committer receives finished records.
type Committer interface {
	Commit(ctx context.Context, rec *model.AuditRecord) bool
	Mode() string
}

// UserIDFunc resolves the authenticated user of a request.
type UserIDFunc func(c *gin.Context) (string, bool)

// ExtraDataFunc contributes request-specific context to the record.
type ExtraDataFunc func(c *gin.Context, resp *capture.ResponseSnapshot) map[string]any

type AuditOptions struct {
	Enabled       bool
	SessionCookie string
	UserID        UserIDFunc
	ExtraData     ExtraDataFunc
	Logger        *slog.Logger
}

// DefaultUserID reads the gin key set by auth middleware, then the request context.
func DefaultUserID(c *gin.Context) (string, bool) {
	if v := c.GetString(ContextAuditUserID); v != "" {
		return v, true
	}
	return capture.UserIDFromContext(c.Request.Context())
}

// AuditMiddleware 记录每个请求/响应. The client-visible response is never changed:
// capture and dispatch failures are logged and swallowed, and a handler panic is
// recorded as a 500 and then re-raised for gin.Recovery.
func AuditMiddleware(committer Committer, extractor *capture.Extractor, skip *SkipRules, opts AuditOptions) gin.HandlerFunc {
	log := logger.Component(opts.Logger, "audit")
	if opts.UserID == nil {
		opts.UserID = DefaultUserID
	}
	if opts.SessionCookie == "" {
		opts.SessionCookie = "sessionid"
	}

	return func(c *gin.Context) {
		if !opts.Enabled || skip.Skip(c.Request.URL.Path) {
			metrics.SkippedTotal.Inc()
			c.Next()
			return
		}
		if _, ok := model.ParseMethod(c.Request.Method); !ok {
			c.Next()
			return
		}

		start := time.Now()
		var req *capture.RequestSnapshot
		attempt(log, slog.LevelWarn, "capture_request", func() error {
			snap, err := extractor.CaptureRequest(c.Request)
			req = snap
			return err
		})

		extra := map[string]any{}
		c.Set(ContextAuditExtra, extra)
		w := capture.NewResponseWriter(c.Writer, extractor.CaptureLimit())
		c.Writer = w

		completed := false
		defer func() {
			if completed {
				return
			}
			fault := recover()
			elapsed := time.Since(start)
			if fault != nil {
				attempt(log, slog.LevelWarn, "capture_panic", func() error {
					text, _ := extractor.Masker().MaskText(fmt.Sprint(fault))
					extra["panic"] = capture.Truncate(text, 1024)
					return nil
				})
			}
			resp := extractor.FailureSnapshot(w)
			dispatch(c, committer, log, opts, start, elapsed, req, resp, extra, extractor)
			if fault != nil {
				panic(fault)
			}
		}()

		c.Next()

		elapsed := time.Since(start)
		completed = true

		var resp *capture.ResponseSnapshot
		attempt(log, slog.LevelWarn, "capture_response", func() error {
			snap, err := extractor.CaptureResponse(w)
			resp = snap
			return err
		})
		if resp == nil {
			resp = &capture.ResponseSnapshot{StatusCode: w.Status(), Headers: map[string]string{}}
		}
		dispatch(c, committer, log, opts, start, elapsed, req, resp, extra, extractor)
	}
}

func dispatch(c *gin.Context, committer Committer, log *slog.Logger, opts AuditOptions, start time.Time,
	elapsed time.Duration, req *capture.RequestSnapshot, resp *capture.ResponseSnapshot,
	extra map[string]any, extractor *capture.Extractor) {
	var rec *model.AuditRecord
	ok := attempt(log, slog.LevelWarn, "build_record", func() error {
		if opts.ExtraData != nil {
			for k, v := range opts.ExtraData(c, resp) {
				extra[k] = v
			}
		}
		if c.Request.Context().Err() != nil {
			extra["client_cancelled"] = true
		}
		rec = buildRecord(c, opts, start, elapsed, req, resp)
		if masked, ok := extractor.Masker().MaskValue(extra).(map[string]any); ok {
			rec.ExtraData = masked
		}
		return nil
	})
	if !ok || rec == nil {
		return
	}

	if rec.StatusCode >= 500 {
		log.Error("request failed", "method", rec.Method, "path", rec.Path, "status", rec.StatusCode, "latency_ms", rec.ResponseTimeMs)
	}
	attempt(log, slog.LevelError, "dispatch", func() error {
		metrics.CapturedTotal.WithLabelValues(committer.Mode()).Inc()
		committer.Commit(c.Request.Context(), rec)
		return nil
	})
}

func buildRecord(c *gin.Context, opts AuditOptions, start time.Time, elapsed time.Duration,
	req *capture.RequestSnapshot, resp *capture.ResponseSnapshot) *model.AuditRecord {
	if req == nil {
		method, _ := model.ParseMethod(c.Request.Method)
		req = &capture.RequestSnapshot{Method: method, Path: c.Request.URL.Path, Query: map[string]string{}, Headers: map[string]string{}}
	}

	rec := model.NewRecord(req.Method, req.Path)
	rec.Timestamp = start.UTC()
	rec.QueryParams = nonNil(req.Query)
	rec.Headers = nonNil(req.Headers)
	rec.RequestBody = req.Body
	rec.ContentType = req.ContentType
	rec.UserAgent = req.UserAgent

	rec.StatusCode = resp.StatusCode
	rec.ResponseHeaders = nonNil(resp.Headers)
	rec.ResponseBody = resp.Body
	rec.ResponseTimeMs = elapsed.Milliseconds()
	rec.MaskingRisk = req.MaskingRisk || resp.MaskingRisk

	if ip := net.ParseIP(c.ClientIP()); ip != nil {
		s := ip.String()
		rec.IPAddress = &s
	}
	if uid, ok := opts.UserID(c); ok && uid != "" {
		rec.UserID = &uid
	}
	if sid := sessionID(c, opts.SessionCookie); sid != "" {
		rec.SessionID = &sid
	}
	return rec
}

func sessionID(c *gin.Context, cookie string) string {
	if v, err := c.Cookie(cookie); err == nil && v != "" {
		return v
	}
	return c.GetHeader(HeaderSessionID)
}

func nonNil(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

// AddAuditContext 辅助函数：允许 Handler/Service 向审计日志添加业务上下文
func AddAuditContext(c *gin.Context, key string, value any) {
	if val, exists := c.Get(ContextAuditExtra); exists {
		if extra, ok := val.(map[string]any); ok {
			extra[key] = value
		}
	}
}
