package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Method is the HTTP method of an audited request. Only the fixed set below is recorded.
type Method string

const (
	MethodGet     Method = "GET"
	MethodPost    Method = "POST"
	MethodPut     Method = "PUT"
	MethodDelete  Method = "DELETE"
	MethodPatch   Method = "PATCH"
	MethodOptions Method = "OPTIONS"
	MethodHead    Method = "HEAD"
)

var Methods = []Method{
	MethodGet, MethodPost, MethodPut, MethodDelete, MethodPatch, MethodOptions, MethodHead,
}

// ParseMethod maps an HTTP method onto the recorded set.
func ParseMethod(raw string) (Method, bool) {
	m := Method(strings.ToUpper(raw))
	for _, known := range Methods {
		if m == known {
			return m, true
		}
	}
	return "", false
}

// HasBody reports whether requests with this method conventionally carry a body.
func (m Method) HasBody() bool {
	return m == MethodPost || m == MethodPut || m == MethodPatch
}

// AuditRecord 代表一次完整的请求/响应审计记录
// Records are written once and never updated.
type AuditRecord struct {
	ID        string    `gorm:"primaryKey;type:varchar(36)" json:"id" bson:"_id"`
	Timestamp time.Time `gorm:"not null;index:idx_request_logs_ts_method,priority:1;index:idx_request_logs_ts_status,priority:1;index:idx_request_logs_ts_user,priority:1;index:idx_request_logs_ts_ip,priority:1" json:"timestamp" bson:"timestamp"`

	// 请求
	Method      Method            `gorm:"type:varchar(10);not null;index:idx_request_logs_ts_method,priority:2" json:"method" bson:"method"`
	Path        string            `gorm:"type:varchar(2048);not null" json:"path" bson:"path"`
	QueryParams map[string]string `gorm:"serializer:json;type:text" json:"query_params" bson:"query_params"`
	Headers     map[string]string `gorm:"serializer:json;type:text" json:"headers" bson:"headers"`
	RequestBody *string           `gorm:"type:text" json:"request_body,omitempty" bson:"request_body,omitempty"`
	ContentType string            `gorm:"type:varchar(255)" json:"content_type" bson:"content_type"`

	// 响应
	StatusCode      int               `gorm:"not null;index:idx_request_logs_ts_status,priority:2" json:"status_code" bson:"status_code"`
	ResponseHeaders map[string]string `gorm:"serializer:json;type:text" json:"response_headers" bson:"response_headers"`
	ResponseBody    *string           `gorm:"type:text" json:"response_body,omitempty" bson:"response_body,omitempty"`
	ResponseTimeMs  int64             `gorm:"not null" json:"response_time_ms" bson:"response_time_ms"`

	// 客户端
	IPAddress *string `gorm:"type:varchar(45);index:idx_request_logs_ts_ip,priority:2" json:"ip_address,omitempty" bson:"ip_address,omitempty"`
	UserID    *string `gorm:"type:varchar(255);index:idx_request_logs_ts_user,priority:2" json:"user_id,omitempty" bson:"user_id,omitempty"`
	UserAgent string  `gorm:"type:text" json:"user_agent" bson:"user_agent"`
	SessionID *string `gorm:"type:varchar(255)" json:"session_id,omitempty" bson:"session_id,omitempty"`

	// 业务上下文, filled by handlers and the extra-data extractor
	ExtraData map[string]any `gorm:"serializer:json;type:text" json:"extra_data" bson:"extra_data"`

	// Set when a body was stored without a verified masking pass.
	MaskingRisk bool `gorm:"not null;default:false" json:"masking_risk" bson:"masking_risk"`
}

func (AuditRecord) TableName() string {
	return "request_logs"
}

// NewRecord returns a record with a fresh id and timestamp.
func NewRecord(method Method, path string) *AuditRecord {
	return &AuditRecord{
		ID:              uuid.New().String(),
		Timestamp:       time.Now().UTC(),
		Method:          method,
		Path:            path,
		QueryParams:     map[string]string{},
		Headers:         map[string]string{},
		ResponseHeaders: map[string]string{},
		ExtraData:       map[string]any{},
	}
}

// BeforeCreate fills id and timestamp for records built outside NewRecord.
func (r *AuditRecord) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	return nil
}

// Validate checks the invariants every persisted record must satisfy.
func (r *AuditRecord) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("id is required")
	}
	if _, ok := ParseMethod(string(r.Method)); !ok {
		return fmt.Errorf("invalid method: %q", r.Method)
	}
	if r.StatusCode < 100 || r.StatusCode > 599 {
		return fmt.Errorf("invalid status code: %d (must be within 100..599)", r.StatusCode)
	}
	if r.Path == "" {
		return fmt.Errorf("path is required")
	}
	if r.ResponseTimeMs < 0 {
		return fmt.Errorf("negative response time: %d", r.ResponseTimeMs)
	}
	return nil
}

// RecordFilter narrows a List call. Zero values mean "any".
type RecordFilter struct {
	Method     Method
	StatusCode int
	UserID     string
	IPAddress  string
	From       *time.Time
	To         *time.Time
	Limit      int
}

const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

// EffectiveLimit clamps Limit into [1, MaxListLimit].
func (f RecordFilter) EffectiveLimit() int {
	if f.Limit <= 0 || f.Limit > MaxListLimit {
		return DefaultListLimit
	}
	return f.Limit
}

// Match reports whether r passes the filter. In-memory stores use it.
func (f RecordFilter) Match(r *AuditRecord) bool {
	if f.Method != "" && r.Method != f.Method {
		return false
	}
	if f.StatusCode != 0 && r.StatusCode != f.StatusCode {
		return false
	}
	if f.UserID != "" && (r.UserID == nil || *r.UserID != f.UserID) {
		return false
	}
	if f.IPAddress != "" && (r.IPAddress == nil || *r.IPAddress != f.IPAddress) {
		return false
	}
	if f.From != nil && r.Timestamp.Before(*f.From) {
		return false
	}
	if f.To != nil && r.Timestamp.After(*f.To) {
		return false
	}
	return true
}
