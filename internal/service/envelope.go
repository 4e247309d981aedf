package service

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/GoPolymarket/polyaudit/internal/model"
)

// Envelope is the flat wire form of an AuditRecord. Queue transports such as Redis
// streams carry only string fields, so nested maps travel as JSON text.
type Envelope = map[string]string

const envelopeVersion = "1"

// EncodeRecord flattens rec. Nil pointer fields are omitted.
func EncodeRecord(rec *model.AuditRecord) (Envelope, error) {
	env := Envelope{
		"v":                envelopeVersion,
		"id":               rec.ID,
		"timestamp":        rec.Timestamp.UTC().Format(time.RFC3339Nano),
		"method":           string(rec.Method),
		"path":             rec.Path,
		"content_type":     rec.ContentType,
		"status_code":      strconv.Itoa(rec.StatusCode),
		"response_time_ms": strconv.FormatInt(rec.ResponseTimeMs, 10),
		"user_agent":       rec.UserAgent,
		"masking_risk":     strconv.FormatBool(rec.MaskingRisk),
	}

	nested := map[string]any{
		"query_params":     rec.QueryParams,
		"headers":          rec.Headers,
		"response_headers": rec.ResponseHeaders,
		"extra_data":       rec.ExtraData,
	}
	for field, v := range nested {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", field, err)
		}
		env[field] = string(raw)
	}

	optional := map[string]*string{
		"request_body":  rec.RequestBody,
		"response_body": rec.ResponseBody,
		"ip_address":    rec.IPAddress,
		"user_id":       rec.UserID,
		"session_id":    rec.SessionID,
	}
	for field, v := range optional {
		if v != nil {
			env[field] = *v
		}
	}
	return env, nil
}

// DecodeEnvelope rebuilds a record from its wire form.
func DecodeEnvelope(env Envelope) (*model.AuditRecord, error) {
	if v := env["v"]; v != envelopeVersion {
		return nil, fmt.Errorf("unsupported envelope version %q", v)
	}
	ts, err := time.Parse(time.RFC3339Nano, env["timestamp"])
	if err != nil {
		return nil, fmt.Errorf("decode timestamp: %w", err)
	}
	status, err := strconv.Atoi(env["status_code"])
	if err != nil {
		return nil, fmt.Errorf("decode status_code: %w", err)
	}
	latency, err := strconv.ParseInt(env["response_time_ms"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode response_time_ms: %w", err)
	}
	risk, _ := strconv.ParseBool(env["masking_risk"])

	rec := &model.AuditRecord{
		ID:             env["id"],
		Timestamp:      ts,
		Method:         model.Method(env["method"]),
		Path:           env["path"],
		ContentType:    env["content_type"],
		StatusCode:     status,
		ResponseTimeMs: latency,
		UserAgent:      env["user_agent"],
		MaskingRisk:    risk,
	}

	if err := decodeJSONField(env, "query_params", &rec.QueryParams); err != nil {
		return nil, err
	}
	if err := decodeJSONField(env, "headers", &rec.Headers); err != nil {
		return nil, err
	}
	if err := decodeJSONField(env, "response_headers", &rec.ResponseHeaders); err != nil {
		return nil, err
	}
	if err := decodeJSONField(env, "extra_data", &rec.ExtraData); err != nil {
		return nil, err
	}

	rec.RequestBody = optionalField(env, "request_body")
	rec.ResponseBody = optionalField(env, "response_body")
	rec.IPAddress = optionalField(env, "ip_address")
	rec.UserID = optionalField(env, "user_id")
	rec.SessionID = optionalField(env, "session_id")
	return rec, nil
}

func decodeJSONField(env Envelope, field string, dst any) error {
	raw, ok := env[field]
	if !ok || raw == "" || raw == "null" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return fmt.Errorf("decode %s: %w", field, err)
	}
	return nil
}

func optionalField(env Envelope, field string) *string {
	v, ok := env[field]
	if !ok {
		return nil
	}
	return &v
}
