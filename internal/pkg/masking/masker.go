// Package masking redacts sensitive fields in headers, form values, JSON documents
// and free text. All functions are pure and safe for concurrent use.
package masking

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaskToken replaces every sensitive value.
const MaskToken = "********"

const (
	DefaultMaxDepth     = 32
	DefaultMaxScanBytes = 1 << 20
)

// ErrUnparsable is returned together with the original text when raw-text masking
// could not run. Callers should treat such payloads as unmasked.
var ErrUnparsable = errors.New("masking: payload could not be scanned")

type Masker struct {
	keys     []string
	set      map[string]struct{}
	maxDepth int
	maxScan  int

	quotedPair *regexp.Regexp // "key": value
	assignPair *regexp.Regexp // key=value
	openQuote  *regexp.Regexp // sensitive key followed by an opening quote
}

type Option func(*Masker)

// WithMaxDepth bounds recursion into nested documents. Branches deeper than n are left as is.
func WithMaxDepth(n int) Option {
	return func(m *Masker) {
		if n > 0 {
			m.maxDepth = n
		}
	}
}

// WithMaxScanBytes bounds the size of free text that MaskText will scan.
func WithMaxScanBytes(n int) Option {
	return func(m *Masker) {
		if n > 0 {
			m.maxScan = n
		}
	}
}

// New builds a Masker for the given field names. Matching is case-insensitive.
func New(keys []string, opts ...Option) *Masker {
	m := &Masker{
		set:      make(map[string]struct{}, len(keys)),
		maxDepth: DefaultMaxDepth,
		maxScan:  DefaultMaxScanBytes,
	}
	for _, k := range keys {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" {
			continue
		}
		if _, dup := m.set[k]; dup {
			continue
		}
		m.set[k] = struct{}{}
		m.keys = append(m.keys, k)
	}
	for _, opt := range opts {
		opt(m)
	}

	if len(m.keys) > 0 {
		alts := make([]string, len(m.keys))
		for i, k := range m.keys {
			alts[i] = regexp.QuoteMeta(k)
		}
		alt := strings.Join(alts, "|")
		m.quotedPair = regexp.MustCompile(`(?i)("(?:` + alt + `)"\s*:\s*)(?:"(?:[^"\\]|\\.)*"|[^,}\]\s"{\[]+)`)
		m.assignPair = regexp.MustCompile(`(?i)(^|[&;,?\s{("'])((?:` + alt + `)\s*=\s*)("[^"]*"|'[^']*'|[^&;,\s"')}]+)`)
		m.openQuote = regexp.MustCompile(`(?i)(?:"(?:` + alt + `)"\s*:\s*|(?:^|[&;,?\s{("'])(?:` + alt + `)\s*=\s*)(["'])`)
	}
	return m
}

// Keys returns the normalized field names in configuration order.
func (m *Masker) Keys() []string {
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}

func (m *Masker) Sensitive(key string) bool {
	_, ok := m.set[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// MaskValue walks decoded JSON-like data and returns a masked copy. The input is not modified.
func (m *Masker) MaskValue(v any) any {
	return m.maskValue(v, 1)
}

func (m *Masker) maskValue(v any, depth int) any {
	if depth > m.maxDepth {
		return v
	}
	switch node := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(node))
		for k, val := range node {
			if m.Sensitive(k) {
				out[k] = MaskToken
				continue
			}
			out[k] = m.maskValue(val, depth+1)
		}
		return out
	case []any:
		out := make([]any, len(node))
		for i, val := range node {
			out[i] = m.maskValue(val, depth+1)
		}
		return out
	case map[string]string:
		return m.MaskHeaders(node)
	default:
		return v
	}
}

// MaskJSON decodes a JSON document, masks it and re-encodes it with sorted keys.
// Numbers keep their original literal form.
func (m *Masker) MaskJSON(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("masking: trailing data after JSON document")
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(m.MaskValue(doc)); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// MaskText masks `"key": value` and `key=value` pairs in free text. It never panics.
// If the text cannot be scanned it is returned unchanged with ErrUnparsable.
func (m *Masker) MaskText(s string) (string, error) {
	if len(s) > m.maxScan {
		return s, fmt.Errorf("%w: %d bytes exceeds scan limit %d", ErrUnparsable, len(s), m.maxScan)
	}
	if !utf8.ValidString(s) {
		return s, fmt.Errorf("%w: invalid UTF-8", ErrUnparsable)
	}
	if m.quotedPair == nil {
		return s, nil
	}
	if m.unterminated(s) {
		return s, fmt.Errorf("%w: unterminated quoted value", ErrUnparsable)
	}
	out := m.quotedPair.ReplaceAllString(s, `${1}"`+MaskToken+`"`)
	out = m.assignPair.ReplaceAllStringFunc(out, m.maskAssignment)
	return out, nil
}

// unterminated reports whether a sensitive value opens a quote that never closes.
// Neither pair pattern can mask such a value.
func (m *Masker) unterminated(s string) bool {
	for _, idx := range m.openQuote.FindAllStringSubmatchIndex(s, -1) {
		quote, rest := s[idx[2]], s[idx[1]:]
		// JSON strings honour backslash escapes, key=value quoting does not
		jsonValue := strings.HasSuffix(strings.TrimSpace(s[idx[0]:idx[2]]), ":")
		if closingQuote(rest, quote, jsonValue) < 0 {
			return true
		}
	}
	return false
}

func closingQuote(s string, quote byte, escapes bool) int {
	for i := 0; i < len(s); i++ {
		switch {
		case escapes && s[i] == '\\':
			i++
		case s[i] == quote:
			return i
		}
	}
	return -1
}

// maskAssignment keeps the quoting of a key=value match so a second pass sees the same shape.
func (m *Masker) maskAssignment(match string) string {
	sub := m.assignPair.FindStringSubmatch(match)
	if sub == nil {
		return match
	}
	masked := MaskToken
	if v := sub[3]; len(v) >= 2 && (v[0] == '"' || v[0] == '\'') {
		masked = v[:1] + MaskToken + v[:1]
	}
	return sub[1] + sub[2] + masked
}

// MaskHeaders masks a flat map by exact (case-insensitive) key.
func (m *Masker) MaskHeaders(h map[string]string) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if m.Sensitive(k) {
			out[k] = MaskToken
			continue
		}
		out[k] = v
	}
	return out
}

// MaskValues masks form or query values by exact (case-insensitive) key.
func (m *Masker) MaskValues(vals url.Values) url.Values {
	out := make(url.Values, len(vals))
	for k, vs := range vals {
		if m.Sensitive(k) {
			masked := make([]string, len(vs))
			for i := range masked {
				masked[i] = MaskToken
			}
			out[k] = masked
			continue
		}
		out[k] = append([]string(nil), vs...)
	}
	return out
}
