package handler

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/GoPolymarket/polyaudit/internal/model"
	"github.com/GoPolymarket/polyaudit/internal/pkg/apperrors"
	"github.com/gin-gonic/gin"
)

// AuditLister is the read side of the audit service.
type AuditLister interface {
	List(ctx context.Context, filter model.RecordFilter) ([]*model.AuditRecord, error)
}

type AuditHandler struct {
	svc AuditLister
}

func NewAuditHandler(svc AuditLister) *AuditHandler {
	return &AuditHandler{svc: svc}
}

// List serves GET /admin/audit-logs.
func (h *AuditHandler) List(c *gin.Context) {
	filter, err := parseFilter(c)
	if err != nil {
		c.Error(apperrors.NewInvalidRequest(err.Error()))
		return
	}

	records, err := h.svc.List(c.Request.Context(), filter)
	if err != nil {
		c.Error(apperrors.New(apperrors.ErrUnavailable, "audit records unavailable", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(records), "records": records})
}

func parseFilter(c *gin.Context) (model.RecordFilter, error) {
	var f model.RecordFilter
	if raw := c.Query("method"); raw != "" {
		m, ok := model.ParseMethod(raw)
		if !ok {
			return f, fmt.Errorf("invalid method %q", raw)
		}
		f.Method = m
	}
	if raw := c.Query("status"); raw != "" {
		code, err := strconv.Atoi(raw)
		if err != nil || code < 100 || code > 599 {
			return f, fmt.Errorf("invalid status %q", raw)
		}
		f.StatusCode = code
	}
	f.UserID = c.Query("user_id")
	f.IPAddress = c.Query("ip")

	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			f.Limit = parsed
		}
	}
	if raw := c.Query("from"); raw != "" {
		t, err := parseTime(raw)
		if err != nil {
			return f, err
		}
		f.From = &t
	}
	if raw := c.Query("to"); raw != "" {
		t, err := parseTime(raw)
		if err != nil {
			return f, err
		}
		f.To = &t
	}
	if f.From != nil && f.To != nil && f.To.Before(*f.From) {
		return f, fmt.Errorf("to must not be before from")
	}
	return f, nil
}

func parseTime(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	if unix, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(unix, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("invalid time format: %q", raw)
}
