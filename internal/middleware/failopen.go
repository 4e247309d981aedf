package middleware

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/GoPolymarket/polyaudit/internal/pkg/metrics"
)

// attempt runs one audit step. Errors and panics become a log line and a metric;
// the caller carries on either way. Reports whether the step succeeded.
func attempt(log *slog.Logger, level slog.Level, step string, fn func() error) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			metrics.PipelineErrors.WithLabelValues(step).Inc()
			log.Log(context.Background(), level, "audit step panicked", "step", step, "panic", fmt.Sprint(r))
			ok = false
		}
	}()
	if err := fn(); err != nil {
		metrics.PipelineErrors.WithLabelValues(step).Inc()
		log.Log(context.Background(), level, "audit step failed", "step", step, "error", err)
		return false
	}
	return true
}
