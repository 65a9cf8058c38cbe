// Package memory keeps uploaded artifacts in process memory for development
// runs and tests.
package memory

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
)

// Object is one stored artifact.
type Object struct {
	Path        string
	ContentType string
	Data        []byte
	Versions    int
}

// BlobStore stores artifacts in-memory and returns pseudo URIs.
type BlobStore struct {
	mu      sync.RWMutex
	objects map[string]Object
}

// NewBlobStore creates a new in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{objects: make(map[string]Object)}
}

// PutObject replaces the object at path and returns a memory:// URI.
func (s *BlobStore) PutObject(_ context.Context, path string, contentType string, data io.Reader) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	body, err := io.ReadAll(data)
	if err != nil {
		return "", fmt.Errorf("failed to read data from reader: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.objects[path]
	s.objects[path] = Object{
		Path:        path,
		ContentType: contentType,
		Data:        body,
		Versions:    prev.Versions + 1,
	}
	return "memory://" + path, nil
}

// Get returns a copy of the object at path.
func (s *BlobStore) Get(path string) (Object, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[path]
	if !ok {
		return Object{}, false
	}
	obj.Data = append([]byte(nil), obj.Data...)
	return obj, true
}

// Paths lists stored paths in lexical order.
func (s *BlobStore) Paths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.objects))
	for p := range s.objects {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
