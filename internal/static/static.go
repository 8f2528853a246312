// Package static serves site-verification files straight from disk.
package static

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gallery-proxy/internal/config"
)

const (
	prefix = "/google"
	suffix = ".html"
)

// ErrInvalidToken is returned for tokens that could name a file outside the
// static directory.
var ErrInvalidToken = errors.New("invalid verification token")

// Server opens google{token}.html files from a single directory.
type Server struct {
	dir string
}

// New creates a Server rooted at the configured static directory.
func New(cfg *config.Config) *Server {
	return &Server{dir: cfg.Static.Dir}
}

// Match reports whether path has the /google{token}.html shape and returns
// the token. The token is a single path segment; it may be empty and is
// otherwise validated by Open.
func Match(path string) (string, bool) {
	if len(path) < len(prefix)+len(suffix) || !strings.HasPrefix(path, prefix) || !strings.HasSuffix(path, suffix) {
		return "", false
	}
	token := path[len(prefix) : len(path)-len(suffix)]
	if strings.Contains(token, "/") {
		return "", false
	}
	return token, true
}

// Open returns the verification file for token. Missing files yield an
// error matching os.ErrNotExist.
func (s *Server) Open(token string) (*os.File, error) {
	if strings.ContainsAny(token, "/\\\x00") || strings.Contains(token, "..") {
		return nil, ErrInvalidToken
	}

	root, err := filepath.Abs(s.dir)
	if err != nil {
		return nil, fmt.Errorf("resolve static dir: %w", err)
	}
	path := filepath.Join(root, "google"+token+suffix)
	if rel, err := filepath.Rel(root, path); err != nil || strings.HasPrefix(rel, "..") {
		return nil, ErrInvalidToken
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if !info.Mode().IsRegular() {
		_ = f.Close()
		return nil, fmt.Errorf("%s: %w", path, os.ErrNotExist)
	}
	return f, nil
}
