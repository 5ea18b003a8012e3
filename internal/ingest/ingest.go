// Package ingest turns files under a tracked source directory into staged
// Source records and extract tasks, skipping files whose text is unchanged.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/lthms/weave/internal/types"
)

// ErrUnsupported is returned for files whose text cannot be extracted.
var ErrUnsupported = errors.New("unsupported source file")

// Extensions is the allow-list of source file extensions. Anything else is
// skipped by Scan.
var Extensions = []string{".md", ".markdown", ".txt", ".text", ".csv", ".rst", ".org"}

// Supported reports whether rel has an allowed extension.
func Supported(rel string) bool {
	return slices.Contains(Extensions, strings.ToLower(path.Ext(rel)))
}

// Extractor returns the plain text of a source file.
type Extractor interface {
	Extract(absPath string) (string, error)
}

// PlainText reads allowed files as UTF-8 text.
type PlainText struct{}

func (PlainText) Extract(absPath string) (string, error) {
	if !Supported(filepath.ToSlash(absPath)) {
		return "", fmt.Errorf("%s: %w", filepath.Base(absPath), ErrUnsupported)
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(data) {
		return "", fmt.Errorf("%s: not UTF-8 text: %w", filepath.Base(absPath), ErrUnsupported)
	}
	return strings.TrimPrefix(string(data), "\ufeff"), nil
}

// ContentHash is the hex SHA-256 of extracted text.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// NewSourceID returns a short opaque id.
func NewSourceID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// NeedsProcessing reports whether the file at rel, whose extracted text
// hashes to hash, must be staged again. It is true when idx tracks a
// different root (or nothing), when rel has no entry, or when the recorded
// hash differs.
func NeedsProcessing(idx *types.SourceIndex, root, rel, hash string) bool {
	if idx == nil || idx.SourceDir != root {
		return true
	}
	e, ok := idx.Entries[rel]
	return !ok || e.ContentHash != hash
}

// Store is the persistence the tracker needs.
type Store interface {
	LoadSourceIndex() (*types.SourceIndex, error)
	SaveSourceIndex(idx *types.SourceIndex) error
	SaveSource(src types.Source) error
}

// Enqueuer accepts new tasks. A nil error means the task is durable.
type Enqueuer interface {
	Enqueue(t types.Task) error
}

// Config holds tracker parameters.
type Config struct {
	Root      string // tracked source directory
	Store     Store
	Queue     Enqueuer
	Extractor Extractor // nil = PlainText
	Logger    *slog.Logger
}

// Tracker detects changed source files. IngestFile may be called from a
// watcher goroutine while a scan runs; the index is guarded by a mutex.
type Tracker struct {
	mu        sync.Mutex
	root      string
	index     *types.SourceIndex
	store     Store
	queue     Enqueuer
	extractor Extractor
	log       *slog.Logger
	now       func() time.Time
}

// NewTracker loads the persisted source index. An index recorded for a
// different root is discarded entirely.
func NewTracker(cfg Config) (*Tracker, error) {
	if cfg.Root == "" {
		return nil, errors.New("ingest: source directory is required")
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve source dir: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	extractor := cfg.Extractor
	if extractor == nil {
		extractor = PlainText{}
	}

	idx, err := cfg.Store.LoadSourceIndex()
	if err != nil {
		return nil, fmt.Errorf("load source index: %w", err)
	}
	if idx != nil && idx.SourceDir != root {
		logger.Info("ingest: source directory changed, tracking from scratch", "previous", idx.SourceDir, "root", root)
		idx = nil
	}
	if idx == nil {
		idx = types.NewSourceIndex(root)
	}

	return &Tracker{
		root:      root,
		index:     idx,
		store:     cfg.Store,
		queue:     cfg.Queue,
		extractor: extractor,
		log:       logger,
		now:       time.Now,
	}, nil
}

// Root returns the absolute tracked directory.
func (t *Tracker) Root() string { return t.root }

// IngestFile stages rel (forward-slash, relative to the root) if its
// extracted text changed. It reports whether a new Source was created.
// Superseded Source records are kept.
func (t *Tracker) IngestFile(ctx context.Context, rel string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	rel = path.Clean(filepath.ToSlash(rel))
	if !filepath.IsLocal(filepath.FromSlash(rel)) {
		return false, fmt.Errorf("ingest: %q is outside the source directory", rel)
	}
	if !Supported(rel) {
		return false, fmt.Errorf("%s: %w", rel, ErrUnsupported)
	}

	text, err := t.extractor.Extract(filepath.Join(t.root, filepath.FromSlash(rel)))
	if err != nil {
		return false, fmt.Errorf("extract %s: %w", rel, err)
	}
	hash := ContentHash(text)

	t.mu.Lock()
	defer t.mu.Unlock()

	if !NeedsProcessing(t.index, t.root, rel, hash) {
		return false, nil
	}

	src := types.Source{
		ID:           NewSourceID(),
		RelativePath: rel,
		Name:         path.Base(rel),
		Text:         text,
		CreatedAt:    t.now().UTC(),
	}
	if err := t.store.SaveSource(src); err != nil {
		return false, fmt.Errorf("save source %s: %w", rel, err)
	}

	// The task is queued before the index records the new hash, so a crash
	// in between re-stages the file instead of losing it.
	err = t.queue.Enqueue(types.Task{
		Kind:    types.KindExtract,
		Stage:   types.StageIngest,
		Payload: types.ExtractPayload{SourceID: src.ID},
	})
	if err != nil {
		return false, fmt.Errorf("queue source %s: %w", rel, err)
	}

	prev, existed := t.index.Entries[rel]
	t.index.Entries[rel] = types.SourceEntry{SourceID: src.ID, ContentHash: hash}
	t.index.LastUpdated = t.now().UTC()
	if err := t.store.SaveSourceIndex(t.index); err != nil {
		if existed {
			t.index.Entries[rel] = prev
		} else {
			delete(t.index.Entries, rel)
		}
		return false, fmt.Errorf("save source index: %w", err)
	}

	t.log.Info("ingest: staged source", "path", rel, "source", src.ID, "replaces", prev.SourceID)
	return true, nil
}

// ScanResult counts what a scan did.
type ScanResult struct {
	Seen      int `json:"seen"`
	Staged    int `json:"staged"`
	Unchanged int `json:"unchanged"`
	Failed    int `json:"failed"`
}

// Scan walks the root recursively and ingests every supported file.
// Hidden directories are skipped. Per-file failures are logged and counted.
func (t *Tracker) Scan(ctx context.Context) (ScanResult, error) {
	var res ScanResult
	err := filepath.WalkDir(t.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if p != t.root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(t.root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if !Supported(rel) {
			return nil
		}

		res.Seen++
		staged, err := t.IngestFile(ctx, rel)
		switch {
		case err != nil:
			res.Failed++
			t.log.Warn("ingest: file failed", "path", rel, "error", err)
		case staged:
			res.Staged++
		default:
			res.Unchanged++
		}
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("scan %s: %w", t.root, err)
	}
	return res, nil
}

// TrackedFile is one entry of the source tree.
type TrackedFile struct {
	Path        string `json:"path"`
	SourceID    string `json:"sourceId"`
	ContentHash string `json:"contentHash"`
}

// Tree lists tracked files sorted by path.
func (t *Tracker) Tree() []TrackedFile {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]TrackedFile, 0, len(t.index.Entries))
	for rel, e := range t.index.Entries {
		out = append(out, TrackedFile{Path: rel, SourceID: e.SourceID, ContentHash: e.ContentHash})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}
