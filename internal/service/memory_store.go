package service

import (
	"context"
	"sync"

	"github.com/GoPolymarket/polyaudit/internal/model"
)

// MemoryStore keeps the most recent records in a ring buffer.
type MemoryStore struct {
	mu        sync.Mutex
	maxSize   int
	records   []*model.AuditRecord
	ids       map[string]struct{}
	nextIndex int
}

func NewMemoryStore(maxSize int) *MemoryStore {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &MemoryStore{
		maxSize: maxSize,
		records: make([]*model.AuditRecord, 0, maxSize),
		ids:     make(map[string]struct{}, maxSize),
	}
}

func (s *MemoryStore) Name() string { return "memory" }

func (s *MemoryStore) Create(_ context.Context, rec *model.AuditRecord) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.ids[rec.ID]; dup {
		return rec.ID, nil
	}
	s.ids[rec.ID] = struct{}{}
	if len(s.records) < s.maxSize {
		s.records = append(s.records, rec)
		return rec.ID, nil
	}
	delete(s.ids, s.records[s.nextIndex].ID)
	s.records[s.nextIndex] = rec
	s.nextIndex = (s.nextIndex + 1) % s.maxSize
	return rec.ID, nil
}

func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// List returns matching records, newest first.
func (s *MemoryStore) List(_ context.Context, filter model.RecordFilter) ([]*model.AuditRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	limit := filter.EffectiveLimit()
	results := make([]*model.AuditRecord, 0, min(limit, len(s.records)))
	total := len(s.records)
	for i := 0; i < total; i++ {
		idx := (s.nextIndex + total - 1 - i) % total
		rec := s.records[idx]
		if rec == nil || !filter.Match(rec) {
			continue
		}
		results = append(results, rec)
		if len(results) >= limit {
			break
		}
	}
	return results, nil
}
