package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/signalsfoundry/geospatial-session/model"
)

// FileStore keeps history for several scopes in one JSON document:
//
//	{"<scope>": {"collection": [entry, ...]}, ...}
//
// Entries written before orientation was tracked carry only "heading";
// they decode with a nil Orientation.
type FileStore struct {
	mu    sync.Mutex
	path  string
	scope string
}

type fileCollection struct {
	Collection []model.AnchorHistoryEntry `json:"collection"`
}

// NewFileStore binds a store to scope inside the document at path. The
// file is created on first write.
func NewFileStore(path, scope string) *FileStore {
	if scope == "" {
		scope = DefaultScope
	}
	return &FileStore{path: path, scope: scope}
}

func (s *FileStore) Append(_ context.Context, e model.AnchorHistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return err
	}
	c := doc[s.scope]
	c.Collection = append(c.Collection, e)
	doc[s.scope] = c
	return s.write(doc)
}

func (s *FileStore) Load(context.Context) ([]model.AnchorHistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return nil, err
	}
	return doc[s.scope].Collection, nil
}

func (s *FileStore) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return err
	}
	if _, ok := doc[s.scope]; !ok {
		return nil
	}
	delete(doc, s.scope)
	return s.write(doc)
}

func (s *FileStore) Close() error { return nil }

func (s *FileStore) read() (map[string]fileCollection, error) {
	doc := make(map[string]fileCollection)
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return nil, fmt.Errorf("history: read %s: %w", s.path, err)
	}
	if len(data) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("history: decode %s: %w", s.path, err)
	}
	return doc, nil
}

// write replaces the document atomically via a temp file and rename.
func (s *FileStore) write(doc map[string]fileCollection) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("history: encode: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("history: create dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("history: create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("history: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("history: close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("history: replace %s: %w", s.path, err)
	}
	return nil
}
