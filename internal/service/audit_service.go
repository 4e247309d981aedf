package service

import (
	"context"
	"log/slog"

	"github.com/GoPolymarket/polyaudit/internal/model"
	"github.com/GoPolymarket/polyaudit/internal/pkg/logger"
)

// AuditService is what the middleware and the browse handler talk to. It commits
// through a Dispatcher and keeps a ring buffer of recent records so listing still
// works when no readable backend is configured.
type AuditService struct {
	dispatcher Dispatcher
	repo       Lister
	recent     *MemoryStore
	log        *slog.Logger
}

func NewAuditService(dispatcher Dispatcher, repo Lister, recentSize int, log *slog.Logger) *AuditService {
	return &AuditService{
		dispatcher: dispatcher,
		repo:       repo,
		recent:     NewMemoryStore(recentSize),
		log:        logger.Component(log, "audit-service"),
	}
}

// Commit records rec in the recent buffer and hands it to the dispatcher.
func (s *AuditService) Commit(ctx context.Context, rec *model.AuditRecord) bool {
	_, _ = s.recent.Create(ctx, rec)
	return s.dispatcher.Commit(ctx, rec)
}

func (s *AuditService) Mode() string { return s.dispatcher.Mode() }

func (s *AuditService) List(ctx context.Context, filter model.RecordFilter) ([]*model.AuditRecord, error) {
	if s.repo != nil {
		records, err := s.repo.List(ctx, filter)
		if err == nil {
			return records, nil
		}
		s.log.Warn("audit list failed, serving recent buffer", "error", err)
	}
	return s.recent.List(ctx, filter)
}

func (s *AuditService) Close(ctx context.Context) error {
	return s.dispatcher.Close(ctx)
}
