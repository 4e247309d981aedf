// Package capture turns a live request/response pair into masked, size-bounded snapshots.
package capture

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/GoPolymarket/polyaudit/internal/model"
	"github.com/GoPolymarket/polyaudit/internal/pkg/apperrors"
	"github.com/GoPolymarket/polyaudit/internal/pkg/logger"
	"github.com/GoPolymarket/polyaudit/internal/pkg/masking"
	"github.com/gorilla/websocket"
)

// Sentinel bodies stored in place of content that was not captured.
const (
	TruncationMarker = "...[truncated]"
	StreamingBody    = "streaming body, not captured"
	OversizeBody     = "[body exceeds capture limit, not captured]"
	UnreadableBody   = "[body unreadable]"
	WithheldBody     = "[body withheld: masking failed]"
)

const (
	DefaultMaxBodyLength   = 8192
	DefaultMaxCaptureBytes = masking.DefaultMaxScanBytes
)

type Options struct {
	// MaxBodyLength bounds stored bodies after masking, in bytes.
	MaxBodyLength int
	// MaxCaptureBytes bounds how much of a body is buffered for masking.
	MaxCaptureBytes int
	// DropUnmasked replaces bodies that could not be masked with WithheldBody.
	DropUnmasked bool
}

type RequestSnapshot struct {
	Method      model.Method
	Path        string
	Query       map[string]string
	Headers     map[string]string
	Body        *string
	ContentType string
	UserAgent   string
	MaskingRisk bool
}

type ResponseSnapshot struct {
	StatusCode  int
	Headers     map[string]string
	Body        *string
	ContentType string
	Streaming   bool
	MaskingRisk bool
}

type Extractor struct {
	masker *masking.Masker
	opts   Options
	log    *slog.Logger
}

func NewExtractor(m *masking.Masker, opts Options, log *slog.Logger) *Extractor {
	if opts.MaxBodyLength <= 0 {
		opts.MaxBodyLength = DefaultMaxBodyLength
	}
	if opts.MaxCaptureBytes <= 0 {
		opts.MaxCaptureBytes = DefaultMaxCaptureBytes
	}
	return &Extractor{masker: m, opts: opts, log: logger.Component(log, "capture")}
}

func (e *Extractor) Masker() *masking.Masker { return e.masker }

// CaptureLimit is the buffer size callers should give NewResponseWriter.
func (e *Extractor) CaptureLimit() int { return e.opts.MaxCaptureBytes }

// CaptureRequest snapshots r. The request body is buffered and put back so the
// downstream handler reads the same bytes. A non-nil error comes with a usable snapshot.
func (e *Extractor) CaptureRequest(r *http.Request) (*RequestSnapshot, error) {
	method, _ := model.ParseMethod(r.Method)
	snap := &RequestSnapshot{
		Method:      method,
		Path:        r.URL.Path,
		Query:       e.captureQuery(r.URL),
		Headers:     e.masker.MaskHeaders(flattenHeaders(r.Header, r.Host)),
		ContentType: r.Header.Get("Content-Type"),
		UserAgent:   r.UserAgent(),
	}

	if !method.HasBody() || websocket.IsWebSocketUpgrade(r) || r.Body == nil || r.Body == http.NoBody {
		return snap, nil
	}

	raw, overflow, readErr := e.bufferRequestBody(r)
	if readErr != nil {
		s := UnreadableBody
		snap.Body = &s
		return snap, apperrors.NewCapture("read request body", readErr)
	}
	body, risk, err := e.processBody(raw, snap.ContentType, overflow)
	snap.Body, snap.MaskingRisk = body, risk
	return snap, err
}

// CaptureResponse snapshots what the handler wrote through w.
func (e *Extractor) CaptureResponse(w *ResponseWriter) (*ResponseSnapshot, error) {
	snap := &ResponseSnapshot{
		StatusCode:  w.Status(),
		Headers:     e.masker.MaskHeaders(flattenHeaders(w.Header(), "")),
		ContentType: w.Header().Get("Content-Type"),
	}
	if w.Streaming() {
		s := StreamingBody
		snap.Body, snap.Streaming = &s, true
		return snap, nil
	}
	body, risk, err := e.processBody(w.Body(), snap.ContentType, w.Overflow())
	snap.Body, snap.MaskingRisk = body, risk
	return snap, err
}

// FailureSnapshot describes a handler that panicked: a synthetic 500 with whatever
// headers were already set.
func (e *Extractor) FailureSnapshot(w *ResponseWriter) *ResponseSnapshot {
	return &ResponseSnapshot{
		StatusCode:  http.StatusInternalServerError,
		Headers:     e.masker.MaskHeaders(flattenHeaders(w.Header(), "")),
		ContentType: w.Header().Get("Content-Type"),
	}
}

func (e *Extractor) bufferRequestBody(r *http.Request) ([]byte, bool, error) {
	orig := r.Body
	raw, err := io.ReadAll(io.LimitReader(orig, int64(e.opts.MaxCaptureBytes)+1))
	if err != nil {
		r.Body = replayBody{Reader: io.MultiReader(bytes.NewReader(raw), errReader{err}), Closer: orig}
		return nil, false, err
	}
	r.Body = replayBody{Reader: io.MultiReader(bytes.NewReader(raw), orig), Closer: orig}
	if len(raw) > e.opts.MaxCaptureBytes {
		return nil, true, nil
	}
	return raw, false, nil
}

func (e *Extractor) captureQuery(u *url.URL) map[string]string {
	vals := e.masker.MaskValues(u.Query())
	out := make(map[string]string, len(vals))
	for k, vs := range vals {
		if len(vs) > 0 {
			out[k] = vs[len(vs)-1]
		}
	}
	return out
}

// processBody masks then truncates. The boolean is the masking-risk flag.
func (e *Extractor) processBody(raw []byte, contentType string, overflow bool) (*string, bool, error) {
	if overflow {
		s := OversizeBody
		return &s, false, nil
	}
	if len(raw) == 0 {
		return nil, false, nil
	}

	text := string(raw)
	if !utf8.Valid(raw) {
		text = strings.ToValidUTF8(text, "\uFFFD")
	}

	masked, err := e.maskBody(text, contentType)
	risk := false
	if err != nil {
		if e.opts.DropUnmasked {
			masked = WithheldBody
		} else {
			risk = true
		}
		e.log.Warn("audit body stored without masking", "content_type", contentType, "withheld", e.opts.DropUnmasked, "error", err)
		err = apperrors.New(apperrors.ErrMasking, "mask body", err)
	}

	out := Truncate(masked, e.opts.MaxBodyLength)
	return &out, risk, err
}

func (e *Extractor) maskBody(text, contentType string) (string, error) {
	mediaType, params, _ := mime.ParseMediaType(contentType)
	switch {
	case isJSONType(mediaType) || (mediaType == "" && looksLikeJSON(text)):
		if out, err := e.masker.MaskJSON([]byte(text)); err == nil {
			return string(out), nil
		}
	case mediaType == "application/x-www-form-urlencoded":
		if vals, err := url.ParseQuery(text); err == nil {
			return encodeFields(e.masker.MaskValues(vals)), nil
		}
	case mediaType == "multipart/form-data":
		if vals, err := multipartFields(text, params["boundary"]); err == nil {
			return encodeFields(e.masker.MaskValues(vals)), nil
		}
	}
	return e.masker.MaskText(text)
}

// Truncate cuts s to at most max bytes, on a rune boundary, and appends TruncationMarker.
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + TruncationMarker
}

// flattenHeaders lower-cases names and joins repeated values with ", ".
func flattenHeaders(h http.Header, host string) map[string]string {
	out := make(map[string]string, len(h)+1)
	for k, vs := range h {
		out[strings.ToLower(k)] = strings.Join(vs, ", ")
	}
	if host != "" {
		if _, ok := out["host"]; !ok {
			out["host"] = host
		}
	}
	return out
}

func isJSONType(mediaType string) bool {
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

func looksLikeJSON(s string) bool {
	t := strings.TrimSpace(s)
	return (strings.HasPrefix(t, "{") || strings.HasPrefix(t, "[")) && json.Valid([]byte(t))
}

// encodeFields renders form values as a JSON object with sorted keys. Repeated
// fields become arrays.
func encodeFields(vals url.Values) string {
	doc := make(map[string]any, len(vals))
	for k, vs := range vals {
		if len(vs) == 1 {
			doc[k] = vs[0]
		} else {
			doc[k] = vs
		}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(doc)
	return strings.TrimRight(buf.String(), "\n")
}

func multipartFields(body, boundary string) (url.Values, error) {
	if boundary == "" {
		return nil, fmt.Errorf("multipart: missing boundary")
	}
	vals := url.Values{}
	mr := multipart.NewReader(strings.NewReader(body), boundary)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		name := part.FormName()
		if name == "" {
			part.Close()
			continue
		}
		if part.FileName() != "" {
			vals.Add(name, "[file:"+part.FileName()+"]")
			part.Close()
			continue
		}
		data, err := io.ReadAll(part)
		part.Close()
		if err != nil {
			return nil, err
		}
		vals.Add(name, string(data))
	}
	return vals, nil
}

type replayBody struct {
	io.Reader
	io.Closer
}

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }
