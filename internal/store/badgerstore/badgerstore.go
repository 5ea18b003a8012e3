// Package badgerstore keeps pipeline state in an embedded BadgerDB.
//
// Each document is one JSON value under a fixed key; staged sources live
// under the "source/" prefix.
package badgerstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/lthms/weave/internal/kb"
	"github.com/lthms/weave/internal/types"
)

var (
	keyProgress    = []byte("progress")
	keySourceIndex = []byte("source-index")
	keyIndex       = []byte("embedding-index")
	sourcePrefix   = "source/"
)

// Config holds configuration for the store.
type Config struct {
	// Path is the database directory. Ignored when InMemory is true.
	Path string

	// InMemory keeps everything in RAM. Used by tests.
	InMemory bool

	SyncWrites bool

	// Logger receives BadgerDB's internal logs. Nil disables them.
	Logger *slog.Logger
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Store is a BadgerDB-backed state store. Each operation is one transaction.
type Store struct {
	db *badger.DB
}

// Open opens the database described by cfg.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0700); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenInMemory opens a store that loses its contents on Close.
func OpenInMemory() (*Store, error) {
	return Open(Config{InMemory: true})
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) put(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
}

// get decodes the value at key into v. It reports false when the key is
// absent.
func (s *Store) get(key []byte, v any) (bool, error) {
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, v)
		})
	})
	if err != nil {
		return false, fmt.Errorf("read %s: %w", key, err)
	}
	return found, nil
}

func (s *Store) LoadProgress() (*types.Progress, error) {
	var p types.Progress
	ok, err := s.get(keyProgress, &p)
	if err != nil || !ok {
		return nil, err
	}
	return &p, nil
}

func (s *Store) SaveProgress(p *types.Progress) error {
	return s.put(keyProgress, p)
}

func (s *Store) LoadSourceIndex() (*types.SourceIndex, error) {
	var idx types.SourceIndex
	ok, err := s.get(keySourceIndex, &idx)
	if err != nil || !ok {
		return nil, err
	}
	if idx.Entries == nil {
		idx.Entries = make(map[string]types.SourceEntry)
	}
	return &idx, nil
}

func (s *Store) SaveSourceIndex(idx *types.SourceIndex) error {
	return s.put(keySourceIndex, idx)
}

func (s *Store) SaveSource(src types.Source) error {
	if src.ID == "" {
		return errors.New("source id is required")
	}
	return s.put([]byte(sourcePrefix+src.ID), src)
}

func (s *Store) LoadSource(id string) (types.Source, bool, error) {
	var src types.Source
	ok, err := s.get([]byte(sourcePrefix+id), &src)
	return src, ok, err
}

type indexDoc struct {
	Entries   []kb.Entry `json:"entries"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

func (s *Store) LoadIndex() ([]kb.Entry, error) {
	var doc indexDoc
	if _, err := s.get(keyIndex, &doc); err != nil {
		return nil, err
	}
	return doc.Entries, nil
}

func (s *Store) SaveIndex(entries []kb.Entry) error {
	if entries == nil {
		entries = []kb.Entry{}
	}
	return s.put(keyIndex, indexDoc{Entries: entries, UpdatedAt: time.Now().UTC()})
}
