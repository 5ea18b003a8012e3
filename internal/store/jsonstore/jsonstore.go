// Package jsonstore keeps pipeline state as JSON documents in a directory.
package jsonstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lthms/weave/internal/kb"
	"github.com/lthms/weave/internal/types"
)

const (
	progressFile    = "progress.json"
	sourceIndexFile = "source-index.json"
	indexFile       = "embedding-index.json"
	sourcesDir      = "sources"
)

// Store reads and writes the state documents under one directory. A single
// mutex serializes every operation, so the ingestion tracker and the
// scheduler never interleave writes to the same document.
type Store struct {
	mu  sync.Mutex
	dir string
}

// Open creates dir if needed.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, sourcesDir), 0700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the state directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) Close() error { return nil }

func (s *Store) LoadProgress() (*types.Progress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var p types.Progress
	ok, err := s.read(progressFile, &p)
	if err != nil || !ok {
		return nil, err
	}
	return &p, nil
}

func (s *Store) SaveProgress(p *types.Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(progressFile, p)
}

func (s *Store) LoadSourceIndex() (*types.SourceIndex, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var idx types.SourceIndex
	ok, err := s.read(sourceIndexFile, &idx)
	if err != nil || !ok {
		return nil, err
	}
	if idx.Entries == nil {
		idx.Entries = make(map[string]types.SourceEntry)
	}
	return &idx, nil
}

func (s *Store) SaveSourceIndex(idx *types.SourceIndex) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(sourceIndexFile, idx)
}

func (s *Store) SaveSource(src types.Source) error {
	if !validID(src.ID) {
		return fmt.Errorf("invalid source id %q", src.ID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(filepath.Join(sourcesDir, src.ID+".json"), src)
}

func (s *Store) LoadSource(id string) (types.Source, bool, error) {
	if !validID(id) {
		return types.Source{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var src types.Source
	ok, err := s.read(filepath.Join(sourcesDir, id+".json"), &src)
	return src, ok, err
}

func validID(id string) bool {
	return id != "" && id != "." && id != ".." && filepath.Base(id) == id
}

type indexDoc struct {
	Entries   []kb.Entry `json:"entries"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

func (s *Store) LoadIndex() ([]kb.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var doc indexDoc
	if _, err := s.read(indexFile, &doc); err != nil {
		return nil, err
	}
	return doc.Entries, nil
}

func (s *Store) SaveIndex(entries []kb.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entries == nil {
		entries = []kb.Entry{}
	}
	return s.write(indexFile, indexDoc{Entries: entries, UpdatedAt: time.Now().UTC()})
}

// read decodes name into v. It reports false when the file does not exist.
func (s *Store) read(name string, v any) (bool, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", name, err)
	}
	return true, nil
}

// write replaces name atomically via a temp file and rename.
func (s *Store) write(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	path := filepath.Join(s.dir, name)
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}
