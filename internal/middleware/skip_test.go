package middleware

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/GoPolymarket/polyaudit/internal/config"
	"github.com/GoPolymarket/polyaudit/internal/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSkipRules(t *testing.T) {
	cfg := config.AuditConfig{
		ExcludePaths:      []string{"/static/", "/media/"},
		ExcludeExactPaths: []string{"/health"},
		ExcludeExtensions: []string{".js", "PNG", " .css "},
		ExcludePatterns:   []string{"/internal/**/debug"},
	}
	skip, err := NewSkipRules(cfg)
	require.NoError(t, err)

	tests := []struct {
		path string
		want bool
	}{
		{"/static/app.js", true},
		{"/static/", true},
		{"/media/a/b", true},
		{"/health", true},
		{"/health/deep", false},
		{"/img/logo.PNG", true},
		{"/theme.CSS", true},
		{"/internal/a/b/debug", true},
		{"/internal/debug", true},
		{"/internal/a/debugger", false},
		{"/api/pay", false},
		{"/api/static/x", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, skip.Skip(tt.path))
		})
	}

	_, err = NewSkipRules(config.AuditConfig{ExcludePatterns: []string{"/a/[b"}})
	assert.Error(t, err)

	var none *SkipRules
	assert.False(t, none.Skip("/anything"))
}

// Excluded prefixes and extensions never reach the committer.
func TestSkipRulesNoPersistence(t *testing.T) {
	paths := []string{"/static/a.txt", "/media/x", "/a/b/c.js", "/logo.svg", "/favicon.ico"}
	for _, p := range paths {
		t.Run(p, func(t *testing.T) {
			h := newTestHost(t, true, &memCommitter{}, nil)
			h.router.NoRoute(func(c *gin.Context) { c.String(http.StatusOK, "fallback") })
			for _, method := range []string{http.MethodGet, http.MethodPost} {
				h.do(httptest.NewRequest(method, p, nil))
			}
			assert.Empty(t, h.committer.all())
		})
	}
}

func TestAttempt(t *testing.T) {
	log := logger.New(io.Discard, "debug", "json")

	assert.True(t, attempt(log, slog.LevelWarn, "ok", func() error { return nil }))
	assert.False(t, attempt(log, slog.LevelWarn, "err", func() error { return errors.New("nope") }))
	assert.NotPanics(t, func() {
		ok := attempt(log, slog.LevelError, "panic", func() error { panic(fmt.Sprintf("bad %d", 1)) })
		assert.False(t, ok)
	})
}
