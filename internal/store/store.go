// Package store persists the pipeline's durable state: run progress, the
// tracked-source index, staged Source records and the retrieval index.
package store

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/lthms/weave/internal/kb"
	"github.com/lthms/weave/internal/store/badgerstore"
	"github.com/lthms/weave/internal/store/jsonstore"
	"github.com/lthms/weave/internal/store/sqlitestore"
	"github.com/lthms/weave/internal/types"
)

// StateDir is the directory under the vault root that holds all state.
const StateDir = ".weave"

// Store is implemented by every backend. Load methods return a nil value
// and a nil error when nothing was saved yet.
type Store interface {
	LoadProgress() (*types.Progress, error)
	SaveProgress(p *types.Progress) error

	LoadSourceIndex() (*types.SourceIndex, error)
	SaveSourceIndex(idx *types.SourceIndex) error

	SaveSource(src types.Source) error
	LoadSource(id string) (types.Source, bool, error)

	LoadIndex() ([]kb.Entry, error)
	SaveIndex(entries []kb.Entry) error

	Close() error
}

var (
	_ Store = (*jsonstore.Store)(nil)
	_ Store = (*sqlitestore.Store)(nil)
	_ Store = (*badgerstore.Store)(nil)
)

// Backends lists the accepted backend names.
var Backends = []string{"json", "sqlite", "badger"}

// Open opens the named backend with its files under <vaultRoot>/.weave.
func Open(backend, vaultRoot string, logger *slog.Logger) (Store, error) {
	dir := filepath.Join(vaultRoot, StateDir)
	var (
		s   Store
		err error
	)
	switch backend {
	case "", "json":
		s, err = jsonstore.Open(dir)
	case "sqlite":
		s, err = sqlitestore.Open(filepath.Join(dir, "weave.db"))
	case "badger":
		s, err = badgerstore.Open(badgerstore.Config{Path: filepath.Join(dir, "badger"), SyncWrites: true, Logger: logger})
	default:
		return nil, fmt.Errorf("unknown store backend %q (want one of %v)", backend, Backends)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", backend, err)
	}
	return s, nil
}
