// Package sqlitestore keeps pipeline state in a single SQLite database.
package sqlitestore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/lthms/weave/internal/kb"
	"github.com/lthms/weave/internal/types"

	_ "modernc.org/sqlite"
)

const timeFormat = time.RFC3339Nano

// Store is a SQLite-backed state store. Every save runs in one transaction.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) meta(key string) (string, bool, error) {
	var v string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read meta %s: %w", key, err)
	}
	return v, true, nil
}

func setMeta(tx *sql.Tx, key, value string) error {
	_, err := tx.Exec(`INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("write meta %s: %w", key, err)
	}
	return nil
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeFormat, s)
	return t
}

func (s *Store) LoadProgress() (*types.Progress, error) {
	updated, ok, err := s.meta("progress_updated")
	if err != nil || !ok {
		return nil, err
	}
	stage, _, err := s.meta("current_stage")
	if err != nil {
		return nil, err
	}

	p := &types.Progress{CurrentStage: types.Stage(stage), LastUpdated: parseTime(updated)}

	rows, err := s.db.Query(`SELECT source_id FROM processed_sources ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("query processed sources: %w", err)
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan processed source: %w", err)
		}
		p.ProcessedSourceIDs = append(p.ProcessedSourceIDs, id)
	}
	rows.Close()

	rows, err = s.db.Query(`SELECT task FROM queue ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("query queue: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan queued task: %w", err)
		}
		var t types.Task
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			return nil, fmt.Errorf("decode queued task: %w", err)
		}
		p.Queue = append(p.Queue, t)
	}
	return p, rows.Err()
}

func (s *Store) SaveProgress(p *types.Progress) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := setMeta(tx, "current_stage", string(p.CurrentStage)); err != nil {
		return err
	}
	if err := setMeta(tx, "progress_updated", p.LastUpdated.UTC().Format(timeFormat)); err != nil {
		return err
	}

	if _, err := tx.Exec(`DELETE FROM processed_sources`); err != nil {
		return fmt.Errorf("clear processed sources: %w", err)
	}
	for _, id := range p.ProcessedSourceIDs {
		if _, err := tx.Exec(`INSERT OR IGNORE INTO processed_sources (source_id) VALUES (?)`, id); err != nil {
			return fmt.Errorf("insert processed source: %w", err)
		}
	}

	if _, err := tx.Exec(`DELETE FROM queue`); err != nil {
		return fmt.Errorf("clear queue: %w", err)
	}
	for _, t := range p.Queue {
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("encode task: %w", err)
		}
		if _, err := tx.Exec(`INSERT INTO queue (stage, task) VALUES (?, ?)`, string(t.Stage), string(raw)); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
	}

	return tx.Commit()
}

func (s *Store) LoadSourceIndex() (*types.SourceIndex, error) {
	dir, ok, err := s.meta("source_dir")
	if err != nil || !ok {
		return nil, err
	}
	updated, _, err := s.meta("source_index_updated")
	if err != nil {
		return nil, err
	}

	idx := types.NewSourceIndex(dir)
	idx.LastUpdated = parseTime(updated)

	rows, err := s.db.Query(`SELECT relative_path, source_id, content_hash FROM source_index`)
	if err != nil {
		return nil, fmt.Errorf("query source index: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var rel string
		var e types.SourceEntry
		if err := rows.Scan(&rel, &e.SourceID, &e.ContentHash); err != nil {
			return nil, fmt.Errorf("scan source entry: %w", err)
		}
		idx.Entries[rel] = e
	}
	return idx, rows.Err()
}

func (s *Store) SaveSourceIndex(idx *types.SourceIndex) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := setMeta(tx, "source_dir", idx.SourceDir); err != nil {
		return err
	}
	if err := setMeta(tx, "source_index_updated", idx.LastUpdated.UTC().Format(timeFormat)); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM source_index`); err != nil {
		return fmt.Errorf("clear source index: %w", err)
	}
	for rel, e := range idx.Entries {
		if _, err := tx.Exec(
			`INSERT INTO source_index (relative_path, source_id, content_hash) VALUES (?, ?, ?)`,
			rel, e.SourceID, e.ContentHash,
		); err != nil {
			return fmt.Errorf("insert source entry: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) SaveSource(src types.Source) error {
	_, err := s.db.Exec(
		`INSERT INTO sources (id, relative_path, name, text, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET relative_path = excluded.relative_path, name = excluded.name,
		   text = excluded.text, created_at = excluded.created_at`,
		src.ID, src.RelativePath, src.Name, src.Text, src.CreatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("save source %s: %w", src.ID, err)
	}
	return nil
}

func (s *Store) LoadSource(id string) (types.Source, bool, error) {
	var src types.Source
	var created string
	err := s.db.QueryRow(
		`SELECT id, relative_path, name, text, created_at FROM sources WHERE id = ?`, id,
	).Scan(&src.ID, &src.RelativePath, &src.Name, &src.Text, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Source{}, false, nil
	}
	if err != nil {
		return types.Source{}, false, fmt.Errorf("load source %s: %w", id, err)
	}
	src.CreatedAt = parseTime(created)
	return src, true, nil
}

func (s *Store) LoadIndex() ([]kb.Entry, error) {
	rows, err := s.db.Query(`SELECT title, path, snippet, embedding FROM index_entries ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("query index: %w", err)
	}
	defer rows.Close()

	var entries []kb.Entry
	for rows.Next() {
		var e kb.Entry
		var blob []byte
		if err := rows.Scan(&e.Title, &e.Path, &e.Snippet, &blob); err != nil {
			return nil, fmt.Errorf("scan index entry: %w", err)
		}
		e.Embedding = kb.BlobToEmbedding(blob)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) SaveIndex(entries []kb.Entry) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM index_entries`); err != nil {
		return fmt.Errorf("clear index: %w", err)
	}
	for _, e := range entries {
		var blob []byte
		if len(e.Embedding) > 0 {
			blob = kb.EmbeddingToBlob(e.Embedding)
		}
		if _, err := tx.Exec(
			`INSERT INTO index_entries (title, path, snippet, embedding) VALUES (?, ?, ?, ?)
			 ON CONFLICT(title) DO UPDATE SET path = excluded.path, snippet = excluded.snippet, embedding = excluded.embedding`,
			e.Title, e.Path, e.Snippet, blob,
		); err != nil {
			return fmt.Errorf("insert index entry %q: %w", e.Title, err)
		}
	}
	if err := setMeta(tx, "index_updated", time.Now().UTC().Format(timeFormat)); err != nil {
		return err
	}
	return tx.Commit()
}
