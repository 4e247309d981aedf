package capture

import (
	"bufio"
	"bytes"
	"net"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ResponseWriter 包装 gin.ResponseWriter 以捕获响应体.
// The client always receives exactly what the handler wrote; only a copy is kept here.
type ResponseWriter struct {
	gin.ResponseWriter
	body      bytes.Buffer
	limit     int
	overflow  bool
	streaming bool
}

// NewResponseWriter wraps w and keeps at most limit bytes of the body.
func NewResponseWriter(w gin.ResponseWriter, limit int) *ResponseWriter {
	return &ResponseWriter{ResponseWriter: w, limit: limit}
}

func (w *ResponseWriter) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.observe(b[:n])
	return n, err
}

func (w *ResponseWriter) WriteString(s string) (int, error) {
	n, err := w.ResponseWriter.WriteString(s)
	w.observe([]byte(s[:n]))
	return n, err
}

// Flush marks the response as streamed. Buffered bytes are discarded.
func (w *ResponseWriter) Flush() {
	w.markStreaming()
	w.ResponseWriter.Flush()
}

func (w *ResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	w.markStreaming()
	return w.ResponseWriter.Hijack()
}

// Unwrap lets http.ResponseController reach the connection-level writer.
func (w *ResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Streaming reports whether the body was streamed, flushed or hijacked.
func (w *ResponseWriter) Streaming() bool {
	return w.streaming || isStreamingHeader(w.Header())
}

// Overflow reports whether the body outgrew the capture limit.
func (w *ResponseWriter) Overflow() bool {
	return w.overflow
}

// Body returns the captured copy. Empty when streaming.
func (w *ResponseWriter) Body() []byte {
	if w.Streaming() {
		return nil
	}
	return w.body.Bytes()
}

func (w *ResponseWriter) observe(b []byte) {
	if w.streaming || len(b) == 0 {
		return
	}
	if isStreamingHeader(w.Header()) {
		w.markStreaming()
		return
	}
	if w.overflow {
		return
	}
	room := w.limit - w.body.Len()
	if len(b) > room {
		w.overflow = true
		if room > 0 {
			w.body.Write(b[:room])
		}
		return
	}
	w.body.Write(b)
}

func (w *ResponseWriter) markStreaming() {
	w.streaming = true
	w.body = bytes.Buffer{}
}

func isStreamingHeader(h map[string][]string) bool {
	for _, ct := range h["Content-Type"] {
		if strings.HasPrefix(strings.ToLower(ct), "text/event-stream") {
			return true
		}
	}
	for _, te := range h["Transfer-Encoding"] {
		if strings.Contains(strings.ToLower(te), "chunked") {
			return true
		}
	}
	return false
}
