package pipeline

import (
	"context"
	"testing"

	"github.com/lthms/weave/internal/kb"
)

type savedIndex struct {
	entries []kb.Entry
}

func (s *savedIndex) SaveIndex(entries []kb.Entry) error {
	s.entries = entries
	return nil
}

func TestReindex(t *testing.T) {
	gen := &stubGenerator{embedFn: func(text string) ([]float64, error) {
		return []float64{1, 0}, nil
	}}
	f := newFixture(t, gen)
	f.addNote(t, "Titled", "body text\n\n## Related\n\n- [[Other]]", nil)
	if err := f.vault.Write("Plain note.md", "no frontmatter here"); err != nil {
		t.Fatal(err)
	}
	f.index.Upsert(kb.Entry{Title: "Stale", Path: "Stale.md"})

	saver := &savedIndex{}
	n, err := Reindex(context.Background(), f.vault, f.index, saver, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 || len(saver.entries) != 2 {
		t.Fatalf("indexed %d, saved %d, want 2", n, len(saver.entries))
	}
	if _, ok := f.index.Get("Stale"); ok {
		t.Error("entry without a file survived")
	}
	e, ok := f.index.Get("Titled")
	if !ok {
		t.Fatal("Titled missing")
	}
	if e.Snippet != "body text" {
		t.Errorf("snippet = %q, want related section stripped", e.Snippet)
	}
	if len(e.Embedding) != 2 {
		t.Error("entry not embedded")
	}
	if e, ok := f.index.Get("Plain note"); !ok || e.Path != "Plain note.md" {
		t.Errorf("untitled note indexed as %+v", e)
	}
}
