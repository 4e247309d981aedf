package middleware

import (
	"fmt"
	"strings"

	"github.com/GoPolymarket/polyaudit/internal/config"
	"github.com/bmatcuk/doublestar/v4"
)

// SkipRules decides which paths bypass auditing. Built once, read-only afterwards.
type SkipRules struct {
	prefixes   []string
	extensions []string
	exact      map[string]struct{}
	patterns   []string
}

func NewSkipRules(cfg config.AuditConfig) (*SkipRules, error) {
	s := &SkipRules{
		prefixes: append([]string(nil), cfg.ExcludePaths...),
		exact:    make(map[string]struct{}, len(cfg.ExcludeExactPaths)),
	}
	for _, ext := range cfg.ExcludeExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		s.extensions = append(s.extensions, ext)
	}
	for _, p := range cfg.ExcludeExactPaths {
		s.exact[p] = struct{}{}
	}
	for _, p := range cfg.ExcludePatterns {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid exclude pattern %q", p)
		}
		s.patterns = append(s.patterns, p)
	}
	return s, nil
}

// Skip reports whether path is excluded from auditing.
func (s *SkipRules) Skip(path string) bool {
	if s == nil {
		return false
	}
	if _, ok := s.exact[path]; ok {
		return true
	}
	for _, p := range s.prefixes {
		if p != "" && strings.HasPrefix(path, p) {
			return true
		}
	}
	lower := strings.ToLower(path)
	for _, ext := range s.extensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	for _, p := range s.patterns {
		if ok, _ := doublestar.Match(p, path); ok {
			return true
		}
	}
	return false
}
