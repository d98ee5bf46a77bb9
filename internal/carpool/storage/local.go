package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var errOutsideRoot = errors.New("path escapes upload root")

// LocalStorage keeps uploaded files on the local filesystem under root.
// Paths handed out are relative to root and use forward slashes.
type LocalStorage struct {
	root   string
	now    func() time.Time
	logger *zap.Logger
}

// NewLocalStorage constructs a LocalStorage rooted at dir.
func NewLocalStorage(dir string, logger *zap.Logger) *LocalStorage {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalStorage{root: dir, now: time.Now, logger: logger}
}

// Save writes content to users/<userID>/<unix millis>.<ext>.
func (s *LocalStorage) Save(_ context.Context, userID uuid.UUID, filename string, content []byte) (string, error) {
	subDir := path.Join("users", userID.String())
	if err := os.MkdirAll(filepath.Join(s.root, filepath.FromSlash(subDir)), 0o755); err != nil {
		return "", fmt.Errorf("create upload dir: %w", err)
	}

	name := fmt.Sprintf("%d", s.now().UnixMilli())
	if ext := fileExtension(filename); ext != "" {
		name += "." + ext
	}
	rel := path.Join(subDir, name)
	if err := os.WriteFile(filepath.Join(s.root, filepath.FromSlash(rel)), content, 0o644); err != nil {
		return "", fmt.Errorf("write upload: %w", err)
	}
	s.logger.Info("file uploaded", zap.String("path", rel), zap.Int("bytes", len(content)))
	return rel, nil
}

// Delete removes a previously saved file. Missing files are ignored.
func (s *LocalStorage) Delete(_ context.Context, rel string) error {
	full, err := s.resolve(rel)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove upload: %w", err)
	}
	return nil
}

func (s *LocalStorage) resolve(rel string) (string, error) {
	clean := path.Clean("/" + rel)
	if clean == "/" || strings.Contains(rel, "..") {
		return "", errOutsideRoot
	}
	return filepath.Join(s.root, filepath.FromSlash(strings.TrimPrefix(clean, "/"))), nil
}

func fileExtension(filename string) string {
	idx := strings.LastIndex(filename, ".")
	if idx < 0 || idx == len(filename)-1 {
		return ""
	}
	ext := strings.ToLower(filename[idx+1:])
	if strings.ContainsAny(ext, `/\`) {
		return ""
	}
	return ext
}
