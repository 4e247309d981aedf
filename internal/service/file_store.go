package service

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/GoPolymarket/polyaudit/internal/model"
)

// FileStore appends records as JSON lines to one file per UTC day.
type FileStore struct {
	dir string
	now func() time.Time

	mu   sync.Mutex
	day  string
	file *os.File
	enc  *json.Encoder
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileStore{dir: dir, now: time.Now}, nil
}

func (s *FileStore) Name() string { return "file" }

func (s *FileStore) Create(ctx context.Context, rec *model.AuditRecord) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.rotate(); err != nil {
		return "", err
	}
	if err := s.enc.Encode(rec); err != nil {
		return "", fmt.Errorf("append audit record: %w", err)
	}
	return rec.ID, nil
}

// Path returns the file records are currently appended to.
func (s *FileStore) Path() string {
	return s.pathFor(s.now().UTC().Format("2006-01-02"))
}

func (s *FileStore) pathFor(day string) string {
	return filepath.Join(s.dir, "audit-"+day+".jsonl")
}

// 按日轮转文件
func (s *FileStore) rotate() error {
	day := s.now().UTC().Format("2006-01-02")
	if s.file != nil && day == s.day {
		return nil
	}
	if s.file != nil {
		_ = s.file.Close()
	}
	f, err := os.OpenFile(s.pathFor(day), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		s.file, s.enc = nil, nil
		return err
	}
	s.day, s.file = day, f
	s.enc = json.NewEncoder(f)
	s.enc.SetEscapeHTML(false)
	return nil
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file, s.enc = nil, nil
	return err
}
