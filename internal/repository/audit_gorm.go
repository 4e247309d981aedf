package repository

import (
	"context"

	"github.com/GoPolymarket/polyaudit/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormAuditStore writes audit records to the request_logs table.
type GormAuditStore struct {
	db *gorm.DB
}

// NewGormAuditStore migrates the request_logs schema and returns the store.
func NewGormAuditStore(db *gorm.DB) (*GormAuditStore, error) {
	if err := db.AutoMigrate(&model.AuditRecord{}); err != nil {
		return nil, storeError(db.Dialector.Name(), err)
	}
	return &GormAuditStore{db: db}, nil
}

// Name is the dialect name, "postgres" in production.
func (s *GormAuditStore) Name() string { return s.db.Dialector.Name() }

// Create inserts rec. A record whose id already exists is left untouched, so a
// retried write never duplicates.
func (s *GormAuditStore) Create(ctx context.Context, rec *model.AuditRecord) (string, error) {
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(rec).Error
	if err != nil {
		return "", storeError(s.Name(), err)
	}
	return rec.ID, nil
}

func (s *GormAuditStore) List(ctx context.Context, filter model.RecordFilter) ([]*model.AuditRecord, error) {
	q := s.db.WithContext(ctx).Model(&model.AuditRecord{})
	if filter.Method != "" {
		q = q.Where("method = ?", filter.Method)
	}
	if filter.StatusCode != 0 {
		q = q.Where("status_code = ?", filter.StatusCode)
	}
	if filter.UserID != "" {
		q = q.Where("user_id = ?", filter.UserID)
	}
	if filter.IPAddress != "" {
		q = q.Where("ip_address = ?", filter.IPAddress)
	}
	if filter.From != nil {
		q = q.Where("timestamp >= ?", *filter.From)
	}
	if filter.To != nil {
		q = q.Where("timestamp <= ?", *filter.To)
	}

	var records []*model.AuditRecord
	if err := q.Order("timestamp DESC").Limit(filter.EffectiveLimit()).Find(&records).Error; err != nil {
		return nil, storeError(s.Name(), err)
	}
	return records, nil
}
