package crawlstate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultStatePath is the state file used when none is configured.
const DefaultStatePath = "state.json"

// ErrNoState is returned by a Backend that holds no saved state yet.
var ErrNoState = errors.New("no saved crawl state")

// Backend persists the encoded state document.
type Backend interface {
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, data []byte) error
}

// FileBackend keeps the state document in a single JSON file.
type FileBackend struct {
	path string
}

// NewFileBackend returns a FileBackend writing to path.
func NewFileBackend(path string) (*FileBackend, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("state path is required")
	}
	return &FileBackend{path: path}, nil
}

// Path returns the state file location.
func (b *FileBackend) Path() string {
	return b.path
}

// Load reads the state file.
func (b *FileBackend) Load(_ context.Context) ([]byte, error) {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoState
		}
		return nil, fmt.Errorf("read state file: %w", err)
	}
	return data, nil
}

// Save replaces the state file atomically.
func (b *FileBackend) Save(_ context.Context, data []byte) error {
	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpName, b.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}
