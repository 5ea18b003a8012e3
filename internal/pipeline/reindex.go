package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/lthms/weave/internal/kb"
	"github.com/lthms/weave/internal/vault"
)

// IndexSaver persists the retrieval index.
type IndexSaver interface {
	SaveIndex(entries []kb.Entry) error
}

// Reindex rebuilds ix from every markdown note in notes and saves it.
// Notes are embedded again; an embedding failure leaves that entry without
// a vector. Existing entries that no longer have a file are dropped.
func Reindex(ctx context.Context, notes NoteStore, ix *kb.Index, store IndexSaver, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	paths, err := notes.ListMarkdownFiles()
	if err != nil {
		return 0, fmt.Errorf("list notes: %w", err)
	}

	entries := make([]kb.Entry, 0, len(paths))
	for _, rel := range paths {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		text, err := notes.Read(rel)
		if err != nil {
			logger.Warn("reindex: skipping unreadable note", "path", rel, "error", err)
			continue
		}
		n, err := vault.ParseNote(text)
		if err != nil {
			logger.Warn("reindex: unreadable frontmatter", "path", rel, "error", err)
		}
		title := n.Meta.Title
		if title == "" {
			title = vault.TitleFromPath(rel)
		}
		snippet := snippetOf(n.Body)
		entries = append(entries, kb.Entry{
			Title:     title,
			Path:      rel,
			Snippet:   snippet,
			Embedding: ix.Embed(ctx, title, snippet),
		})
	}

	ix.Replace(entries)
	if err := store.SaveIndex(ix.Entries()); err != nil {
		return 0, fmt.Errorf("save index: %w", err)
	}
	logger.Info("reindex: done", "notes", ix.Len())
	return ix.Len(), nil
}
