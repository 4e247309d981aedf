package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/GoPolymarket/polyaudit/internal/config"
	"github.com/GoPolymarket/polyaudit/internal/model"
	"github.com/GoPolymarket/polyaudit/internal/pkg/logger"
	"github.com/GoPolymarket/polyaudit/internal/pkg/metrics"
)

// DualStore routes writes across a primary and an optional secondary backend.
//
//	single:   primary only
//	fallback: secondary only when primary fails
//	both:     write both
//
// A write succeeds when at least one backend accepts the record.
type DualStore struct {
	primary   Store
	secondary Store
	mode      string
	log       *slog.Logger
}

func NewDualStore(primary, secondary Store, mode string, log *slog.Logger) (*DualStore, error) {
	if primary == nil {
		return nil, fmt.Errorf("dual store: primary backend is required")
	}
	switch mode {
	case config.ModeSingle:
	case config.ModeFallback, config.ModeBoth:
		if secondary == nil {
			return nil, fmt.Errorf("dual store: mode %q requires a secondary backend", mode)
		}
	default:
		return nil, fmt.Errorf("dual store: unknown mode %q", mode)
	}
	return &DualStore{
		primary:   primary,
		secondary: secondary,
		mode:      mode,
		log:       logger.Component(log, "audit-store"),
	}, nil
}

func (d *DualStore) Name() string {
	if d.mode == config.ModeSingle {
		return d.primary.Name()
	}
	return d.mode + "(" + d.primary.Name() + "," + d.secondary.Name() + ")"
}

func (d *DualStore) Create(ctx context.Context, rec *model.AuditRecord) (string, error) {
	id, err := d.write(ctx, d.primary, rec)
	switch d.mode {
	case config.ModeSingle:
		return id, err
	case config.ModeFallback:
		if err == nil {
			return id, nil
		}
		id2, err2 := d.write(ctx, d.secondary, rec)
		if err2 == nil {
			return id2, nil
		}
		return "", errors.Join(err, err2)
	default: // both
		id2, err2 := d.write(ctx, d.secondary, rec)
		switch {
		case err == nil:
			return id, nil
		case err2 == nil:
			return id2, nil
		default:
			return "", errors.Join(err, err2)
		}
	}
}

func (d *DualStore) write(ctx context.Context, s Store, rec *model.AuditRecord) (string, error) {
	id, err := s.Create(ctx, rec)
	if err != nil {
		metrics.StoreFailures.WithLabelValues(s.Name(), errorKind(err)).Inc()
		d.log.Warn("audit backend write failed", "backend", s.Name(), "id", rec.ID, "error", err)
		return "", err
	}
	metrics.PersistedTotal.WithLabelValues(s.Name()).Inc()
	return id, nil
}

// List serves reads from the first backend that supports them.
func (d *DualStore) List(ctx context.Context, filter model.RecordFilter) ([]*model.AuditRecord, error) {
	for _, s := range []Store{d.primary, d.secondary} {
		if l, ok := s.(Lister); ok {
			records, err := l.List(ctx, filter)
			if err == nil {
				return records, nil
			}
			d.log.Warn("audit backend list failed", "backend", s.Name(), "error", err)
		}
	}
	return nil, fmt.Errorf("no readable audit backend")
}
