package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lthms/weave/internal/backend"
	"github.com/lthms/weave/internal/kb"
	"github.com/lthms/weave/internal/store/jsonstore"
	"github.com/lthms/weave/internal/types"
	"github.com/lthms/weave/internal/vault"
)

// stubGenerator implements Generator for testing. completeFn sees the user
// prompt; unmatched prompts get "[]".
type stubGenerator struct {
	mu         sync.Mutex
	prompts    []string
	readyErr   error
	completeFn func(prompt string) (string, error)
	embedFn    func(text string) ([]float64, error)
}

func (g *stubGenerator) Complete(_ context.Context, messages []backend.Message, _ int) (string, error) {
	prompt := messages[len(messages)-1].Content
	g.mu.Lock()
	g.prompts = append(g.prompts, prompt)
	g.mu.Unlock()
	if g.completeFn == nil {
		return "[]", nil
	}
	return g.completeFn(prompt)
}

func (g *stubGenerator) Embed(_ context.Context, text string) ([]float64, error) {
	if g.embedFn == nil {
		return nil, backend.ErrEmbedding
	}
	return g.embedFn(text)
}

func (g *stubGenerator) Ready() error { return g.readyErr }

func (g *stubGenerator) promptCount(prefix string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, p := range g.prompts {
		if strings.HasPrefix(p, prefix) {
			n++
		}
	}
	return n
}

const (
	extractPrefix  = "Extract the distinct insights"
	organizePrefix = "The notes below belong together"
	inducePrefix   = "These notes share a theme"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	s     *Scheduler
	vault *vault.Vault
	store *jsonstore.Store
	index *kb.Index
	gen   *stubGenerator
}

func newFixture(t *testing.T, gen *stubGenerator, entries ...kb.Entry) *fixture {
	t.Helper()
	v, err := vault.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	st, err := jsonstore.Open(filepath.Join(v.Root(), ".weave"))
	if err != nil {
		t.Fatal(err)
	}
	ix := kb.New(kb.Config{Embedder: gen, VectorSearch: true, Logger: quietLogger()}, entries)
	f := &fixture{vault: v, store: st, index: ix, gen: gen}
	f.s = f.reopen(t)
	return f
}

// reopen builds a fresh scheduler over the same vault, store and index, as
// a process restart would.
func (f *fixture) reopen(t *testing.T) *Scheduler {
	t.Helper()
	s, err := New(Config{Vault: f.vault, Store: f.store, Generator: f.gen, Index: f.index, Logger: quietLogger()})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func (f *fixture) addSource(t *testing.T, id, rel, text string) {
	t.Helper()
	err := f.store.SaveSource(types.Source{ID: id, RelativePath: rel, Name: filepath.Base(rel), Text: text, CreatedAt: time.Now()})
	if err != nil {
		t.Fatal(err)
	}
}

// addNote writes a note to the vault and indexes it.
func (f *fixture) addNote(t *testing.T, title, body string, emb []float64) string {
	t.Helper()
	rel := vault.NotePath(title)
	n := vault.Note{Meta: vault.Frontmatter{Title: title}, Body: body}
	if err := f.vault.Write(rel, n.Render()); err != nil {
		t.Fatal(err)
	}
	f.index.Upsert(kb.Entry{Title: title, Path: rel, Snippet: body, Embedding: emb})
	return rel
}

func (f *fixture) read(t *testing.T, rel string) string {
	t.Helper()
	text, err := f.vault.Read(rel)
	if err != nil {
		t.Fatal(err)
	}
	return text
}

func extractTask(id string) types.Task {
	return types.Task{Kind: types.KindExtract, Stage: types.StageIngest, Payload: types.ExtractPayload{SourceID: id}}
}

// traceStages records each stage the run enters, in order.
func traceStages(s *Scheduler) *[]types.Stage {
	var stages []types.Stage
	s.Subscribe(func(e Event) {
		if e.Kind != EventState || e.Stage == "" {
			return
		}
		if len(stages) == 0 || stages[len(stages)-1] != e.Stage {
			stages = append(stages, e.Stage)
		}
	})
	return &stages
}

func logContains(s *Scheduler, substr string) bool {
	for _, l := range s.State().Snapshot().Log {
		if strings.Contains(l, substr) {
			return true
		}
	}
	return false
}

func TestRun_SingleSourceBecomesNote(t *testing.T) {
	gen := &stubGenerator{completeFn: func(prompt string) (string, error) {
		if strings.HasPrefix(prompt, extractPrefix) {
			return `[{"title":"Sky colour","body":"The sky is blue because of Rayleigh scattering."}]`, nil
		}
		return "[]", nil
	}}
	f := newFixture(t, gen)
	f.addSource(t, "src1", "notes/sky.txt", "Why is the sky blue? Rayleigh scattering.")
	f.s.Enqueue(extractTask("src1"))

	if err := f.s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	files, err := f.vault.ListMarkdownFiles()
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 || files[0] != "Sky colour.md" {
		t.Fatalf("vault files = %v, want [Sky colour.md]", files)
	}
	text := f.read(t, "Sky colour.md")
	for _, want := range []string{"title: Sky colour", "notes/sky.txt", "Rayleigh scattering"} {
		if !strings.Contains(text, want) {
			t.Errorf("note missing %q:\n%s", want, text)
		}
	}
	if _, ok := f.index.Get("Sky colour"); !ok {
		t.Error("note not indexed")
	}

	p, err := f.store.LoadProgress()
	if err != nil {
		t.Fatal(err)
	}
	if p.CurrentStage != "" {
		t.Errorf("persisted stage = %q, want none after completion", p.CurrentStage)
	}
	if !p.IsProcessed("src1") {
		t.Error("source not marked processed")
	}
	if len(p.Queue) != 0 {
		t.Errorf("persisted queue = %v, want empty", labels(p.Queue))
	}
	saved, err := f.store.LoadIndex()
	if err != nil {
		t.Fatal(err)
	}
	if len(saved) != 1 || saved[0].Title != "Sky colour" {
		t.Errorf("persisted index = %+v", saved)
	}
	if f.s.State().Status() != StatusIdle {
		t.Errorf("status = %s, want idle", f.s.State().Status())
	}
}

func TestRun_ProcessedSourceIsSkipped(t *testing.T) {
	gen := &stubGenerator{}
	f := newFixture(t, gen)
	f.addSource(t, "src1", "a.txt", "text")
	f.s.Enqueue(extractTask("src1"))
	if err := f.s.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	f.s.Enqueue(extractTask("src1"))
	if err := f.s.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := gen.promptCount(extractPrefix); n != 1 {
		t.Errorf("extract prompts = %d, want 1", n)
	}
}

func TestRun_DuplicateDiscarded(t *testing.T) {
	gen := &stubGenerator{
		completeFn: func(prompt string) (string, error) {
			if strings.HasPrefix(prompt, extractPrefix) {
				return `[{"title":"Near copy","body":"Almost the same as A."}]`, nil
			}
			return "[]", nil
		},
		embedFn: func(text string) ([]float64, error) {
			if strings.HasPrefix(text, "Near copy") {
				return []float64{0.99, 0.05}, nil
			}
			return nil, backend.ErrEmbedding
		},
	}
	f := newFixture(t, gen,
		kb.Entry{Title: "A", Path: "A.md", Snippet: "a", Embedding: []float64{1, 0}},
		kb.Entry{Title: "B", Path: "B.md", Snippet: "b", Embedding: []float64{0, 1}},
	)
	f.addSource(t, "src1", "a.txt", "text")
	f.s.Enqueue(extractTask("src1"))

	if err := f.s.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	if f.vault.Exists("Near copy.md") {
		t.Error("duplicate note was written")
	}
	if f.index.Len() != 2 {
		t.Errorf("index size = %d, want 2", f.index.Len())
	}
	if !logContains(f.s, "duplicate discarded") {
		t.Error("discard not logged")
	}
}

func TestRun_StagesOnlyMoveForward(t *testing.T) {
	gen := &stubGenerator{completeFn: func(prompt string) (string, error) {
		if strings.HasPrefix(prompt, extractPrefix) {
			return `[{"title":"One","body":"first insight"},{"title":"Two","body":"second insight"}]`, nil
		}
		return "[]", nil
	}}
	f := newFixture(t, gen)
	f.addSource(t, "src1", "a.txt", "text")
	f.s.Enqueue(extractTask("src1"))
	stages := traceStages(f.s)

	if err := f.s.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(*stages) != len(types.Stages) {
		t.Fatalf("visited %v, want every stage once", *stages)
	}
	for i, st := range *stages {
		if st != types.Stages[i] {
			t.Errorf("stage %d = %s, want %s", i, st, types.Stages[i])
		}
	}
	if f.s.State().Snapshot().Stage != "" {
		t.Errorf("stage after completion = %q", f.s.State().Snapshot().Stage)
	}
}

func TestRun_EmptyStagesPassThrough(t *testing.T) {
	gen := &stubGenerator{}
	f := newFixture(t, gen)
	stages := traceStages(f.s)

	if err := f.s.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(*stages) != len(types.Stages) {
		t.Errorf("visited %v, want all %d stages", *stages, len(types.Stages))
	}
	if len(gen.prompts) != 0 {
		t.Errorf("generation called %d times on an empty vault", len(gen.prompts))
	}
}

func TestRun_TaskFailureDoesNotStopRun(t *testing.T) {
	gen := &stubGenerator{completeFn: func(prompt string) (string, error) {
		switch {
		case strings.Contains(prompt, "Source: boom.txt"):
			panic("generator exploded")
		case strings.Contains(prompt, "Source: fail.txt"):
			return "", backend.ErrGeneration
		case strings.HasPrefix(prompt, extractPrefix):
			return `[{"title":"Survivor","body":"made it"}]`, nil
		}
		return "[]", nil
	}}
	f := newFixture(t, gen)
	f.addSource(t, "boom", "boom.txt", "x")
	f.addSource(t, "fail", "fail.txt", "x")
	f.addSource(t, "good", "good.txt", "x")
	f.s.Enqueue(extractTask("missing"))
	f.s.Enqueue(extractTask("boom"))
	f.s.Enqueue(extractTask("fail"))
	f.s.Enqueue(extractTask("good"))

	if err := f.s.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	if !f.vault.Exists("Survivor.md") {
		t.Error("task after failures did not run")
	}
	for _, want := range []string{"source=missing", "source=boom", "source=fail"} {
		found := false
		for _, l := range f.s.State().Snapshot().Log {
			if strings.Contains(l, "task failed") && strings.Contains(l, want) {
				found = true
			}
		}
		if !found {
			t.Errorf("no failure line for %s", want)
		}
	}
	if p := f.s.Progress(); p.IsProcessed("fail") || len(p.Queue) != 0 {
		t.Errorf("failed task retried or marked processed: %+v", p)
	}
}

func TestRun_MalformedOutputIsEmptyResult(t *testing.T) {
	gen := &stubGenerator{completeFn: func(string) (string, error) {
		return "Sorry, I cannot help with that.", nil
	}}
	f := newFixture(t, gen)
	f.addSource(t, "src1", "a.txt", "text")
	f.s.Enqueue(extractTask("src1"))

	if err := f.s.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if f.index.Len() != 0 {
		t.Errorf("index size = %d, want 0", f.index.Len())
	}
	if !f.s.Progress().IsProcessed("src1") {
		t.Error("source with unparseable output not marked processed")
	}
	if !logContains(f.s, "discarding model output") {
		t.Error("malformed output not logged")
	}
}

func TestRun_StopBetweenTasksThenResume(t *testing.T) {
	gen := &stubGenerator{completeFn: func(prompt string) (string, error) {
		switch {
		case strings.Contains(prompt, "Source: a.txt"):
			return `[{"title":"From A","body":"alpha"}]`, nil
		case strings.Contains(prompt, "Source: b.txt"):
			return `[{"title":"From B","body":"beta"}]`, nil
		}
		return "[]", nil
	}}
	f := newFixture(t, gen)
	f.addSource(t, "a", "a.txt", "x")
	f.addSource(t, "b", "b.txt", "x")
	f.s.Enqueue(extractTask("a"))
	f.s.Enqueue(extractTask("b"))

	stopped := false
	f.s.Subscribe(func(e Event) {
		if !stopped && e.Kind == EventState && strings.HasPrefix(e.Task, "extract") {
			stopped = true
			f.s.Stop()
		}
	})

	if err := f.s.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !f.vault.Exists("From A.md") {
		t.Error("task in flight when stopping did not finish")
	}
	if f.vault.Exists("From B.md") {
		t.Error("task after stop ran")
	}
	p, err := f.store.LoadProgress()
	if err != nil {
		t.Fatal(err)
	}
	if p.CurrentStage != types.StageIngest || len(p.Queue) != 1 {
		t.Fatalf("persisted progress = stage %q queue %v", p.CurrentStage, labels(p.Queue))
	}
	if f.s.State().Status() != StatusIdle {
		t.Errorf("status after stop = %s", f.s.State().Status())
	}

	resumed := f.reopen(t)
	if resumed.Queue().Len() != 1 {
		t.Fatalf("restored queue length = %d, want 1", resumed.Queue().Len())
	}
	if err := resumed.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !f.vault.Exists("From B.md") {
		t.Error("resumed run did not process the remaining task")
	}
	if n := gen.promptCount(extractPrefix); n != 2 {
		t.Errorf("extract prompts = %d, want 2", n)
	}
}

func TestRun_ResumesAtPersistedStage(t *testing.T) {
	gen := &stubGenerator{}
	f := newFixture(t, gen)
	f.addNote(t, "A", "alpha", nil)
	err := f.store.SaveProgress(&types.Progress{
		CurrentStage: types.StageDeduce,
		Queue: []types.Task{
			extractTask("late"),
			{Kind: types.KindDeduce, Stage: types.StageDeduce, Path: "A.md"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	s := f.reopen(t)
	stages := traceStages(s)
	if err := s.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(*stages) == 0 || (*stages)[0] != types.StageDeduce {
		t.Fatalf("stages = %v, want to start at deduce", *stages)
	}
	if gen.promptCount(extractPrefix) != 0 {
		t.Error("ran a task for an earlier stage")
	}
	left := s.Queue().Snapshot()
	if len(left) != 1 || left[0].Kind != types.KindExtract {
		t.Errorf("leftover queue = %v, want the extract task", labels(left))
	}
}

func TestRun_Preconditions(t *testing.T) {
	t.Run("missing vault", func(t *testing.T) {
		f := newFixture(t, &stubGenerator{})
		s, err := New(Config{Store: f.store, Generator: f.gen, Index: f.index, Logger: quietLogger()})
		if err != nil {
			t.Fatal(err)
		}
		events := 0
		s.Subscribe(func(Event) { events++ })
		if err := s.Run(context.Background()); !errors.Is(err, ErrMissingVault) {
			t.Fatalf("err = %v, want ErrMissingVault", err)
		}
		if events != 0 {
			t.Errorf("%d events published before failing", events)
		}
	})

	t.Run("missing credential", func(t *testing.T) {
		f := newFixture(t, &stubGenerator{readyErr: backend.ErrMissingCredential})
		f.s.Enqueue(extractTask("x"))
		err := f.s.Run(context.Background())
		if !errors.Is(err, ErrMissingCredential) || !errors.Is(err, backend.ErrMissingCredential) {
			t.Fatalf("err = %v, want ErrMissingCredential", err)
		}
		if f.s.Queue().Len() != 1 {
			t.Error("queue changed by a failed precondition")
		}
		if f.s.State().Status() != StatusIdle {
			t.Errorf("status = %s", f.s.State().Status())
		}
	})
}

func TestRun_AlreadyRunning(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	gen := &stubGenerator{completeFn: func(prompt string) (string, error) {
		if strings.HasPrefix(prompt, extractPrefix) {
			close(entered)
			<-release
		}
		return "[]", nil
	}}
	f := newFixture(t, gen)
	f.addSource(t, "a", "a.txt", "x")
	f.s.Enqueue(extractTask("a"))

	done := make(chan error, 1)
	go func() { done <- f.s.Run(context.Background()) }()
	<-entered

	if err := f.s.Run(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Run err = %v, want ErrAlreadyRunning", err)
	}
	if !f.s.Running() {
		t.Error("Running() = false during a run")
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if f.s.Stop() {
		t.Error("Stop reported an active run after Run returned")
	}
}

func TestStart_GuardIsSynchronous(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	gen := &stubGenerator{completeFn: func(prompt string) (string, error) {
		if strings.HasPrefix(prompt, extractPrefix) {
			close(entered)
			<-release
		}
		return "[]", nil
	}}
	f := newFixture(t, gen)
	f.addSource(t, "a", "a.txt", "x")
	f.s.Enqueue(extractTask("a"))

	done, err := f.s.Start(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !f.s.Running() {
		t.Error("Running() = false once Start returned")
	}
	if _, err := f.s.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start err = %v, want ErrAlreadyRunning", err)
	}
	<-entered
	close(release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	f = newFixture(t, &stubGenerator{readyErr: backend.ErrMissingCredential})
	if _, err := f.s.Start(context.Background()); !errors.Is(err, ErrMissingCredential) {
		t.Errorf("Start without credential err = %v", err)
	}
}

// A Stop landing while a run winds down must not leave the status at
// stopping once the run is over.
func TestStop_AsRunEndsSettlesIdle(t *testing.T) {
	f := newFixture(t, &stubGenerator{})
	for i := 0; i < 100; i++ {
		done, err := f.s.Start(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		stopper := make(chan struct{})
		go func() {
			defer close(stopper)
			for f.s.Stop() {
			}
		}()
		if err := <-done; err != nil {
			t.Fatal(err)
		}
		<-stopper
		if st := f.s.State().Status(); st != StatusIdle {
			t.Fatalf("run %d: status = %s after the run ended", i, st)
		}
		if f.s.Stop() {
			t.Fatalf("run %d: Stop reported an active run", i)
		}
	}
}

func TestRun_OrganizeThenReorganize(t *testing.T) {
	gen := &stubGenerator{completeFn: func(prompt string) (string, error) {
		if strings.HasPrefix(prompt, organizePrefix) {
			return `{"title":"Colours","summary":"Notes about colour."}`, nil
		}
		return "[]", nil
	}}
	f := newFixture(t, gen)
	f.addNote(t, "Red", "red is warm", nil)
	f.addNote(t, "Blue", "blue is cold", nil)
	f.addNote(t, "Green", "green is calm", nil)

	if err := f.s.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	if n := gen.promptCount(organizePrefix); n != 2 {
		t.Errorf("organize prompts = %d, want 2 (organize and reorganize)", n)
	}
	e, ok := f.index.Get("Colours")
	if !ok {
		t.Fatal("cluster note not indexed")
	}
	if e.Path != "MOCs/Colours.md" {
		t.Errorf("cluster note path = %q", e.Path)
	}
	text := f.read(t, e.Path)
	for _, want := range []string{"type: moc", "[[Red]]", "[[Blue]]", "[[Green]]", "Notes about colour."} {
		if !strings.Contains(text, want) {
			t.Errorf("cluster note missing %q:\n%s", want, text)
		}
	}
	if f.index.Len() != 4 {
		t.Errorf("index size = %d, want 4", f.index.Len())
	}
}

func TestRun_InduceCommitsDerivedNote(t *testing.T) {
	gen := &stubGenerator{completeFn: func(prompt string) (string, error) {
		if strings.HasPrefix(prompt, inducePrefix) {
			return `[{"title":"Colours have temperature","body":"Warm and cold colours."}]`, nil
		}
		return "[]", nil
	}}
	f := newFixture(t, gen)
	f.addNote(t, "Red", "red is warm", nil)
	f.addNote(t, "Blue", "blue is cold", nil)

	if err := f.s.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	rel := vault.NotePath("Colours have temperature")
	if !f.vault.Exists(rel) {
		t.Fatal("induced note not written")
	}
	text := f.read(t, rel)
	if !strings.Contains(text, "derived_from:") || !strings.Contains(text, "- Red") {
		t.Errorf("induced note lacks lineage:\n%s", text)
	}
}

func TestExecute_Link(t *testing.T) {
	gen := &stubGenerator{completeFn: func(string) (string, error) {
		return `["Blue", "Nonexistent", "Red"]`, nil
	}}
	f := newFixture(t, gen)
	rel := f.addNote(t, "Red", "red colour warm", nil)
	f.addNote(t, "Blue", "blue colour cold", nil)

	if err := f.s.execute(context.Background(), types.Task{Kind: types.KindLink, Stage: types.StageConnect, Path: rel}); err != nil {
		t.Fatal(err)
	}

	text := f.read(t, rel)
	if !strings.Contains(text, "## Related") || !strings.Contains(text, "[[Blue]]") {
		t.Errorf("related section missing:\n%s", text)
	}
	if strings.Contains(text, "Nonexistent") || strings.Contains(text, "[[Red]]") {
		t.Errorf("linked a non-candidate:\n%s", text)
	}
}

func TestExecute_Deduce(t *testing.T) {
	gen := &stubGenerator{completeFn: func(string) (string, error) {
		return `[{"title":"Derived","body":"follows from red"}]`, nil
	}}
	f := newFixture(t, gen)
	rel := f.addNote(t, "Red", "red is warm", nil)

	if err := f.s.execute(context.Background(), types.Task{Kind: types.KindDeduce, Stage: types.StageDeduce, Path: rel}); err != nil {
		t.Fatal(err)
	}
	text := f.read(t, "Derived.md")
	if !strings.Contains(text, "derived_from:") || !strings.Contains(text, "- Red") {
		t.Errorf("deduced note lacks lineage:\n%s", text)
	}
	if _, ok := f.index.Get("Derived"); !ok {
		t.Error("deduced note not indexed")
	}
}

func TestExecute_Validate(t *testing.T) {
	f := newFixture(t, &stubGenerator{})
	f.addNote(t, "Red", "red", nil)
	if err := f.vault.Write("Orphan.md", "See [[Red]] and [[Missing]].\n\n- [[Gone]]\n"); err != nil {
		t.Fatal(err)
	}

	if err := f.s.execute(context.Background(), types.Task{Kind: types.KindValidate, Stage: types.StageValidate, Path: "Orphan.md"}); err != nil {
		t.Fatal(err)
	}

	text := f.read(t, "Orphan.md")
	if !strings.Contains(text, "title: Orphan") {
		t.Errorf("title not added:\n%s", text)
	}
	if !strings.Contains(text, "[[Red]]") {
		t.Errorf("valid link dropped:\n%s", text)
	}
	if strings.Contains(text, "[[Missing]]") || strings.Contains(text, "Gone") {
		t.Errorf("dangling links kept:\n%s", text)
	}
	if !strings.Contains(text, "and Missing.") {
		t.Errorf("dropped link text not kept inline:\n%s", text)
	}
}

func TestExecute_ValidateLeavesCleanNoteAlone(t *testing.T) {
	f := newFixture(t, &stubGenerator{})
	rel := f.addNote(t, "Red", "red", nil)
	before := f.read(t, rel)
	if err := f.s.execute(context.Background(), types.Task{Kind: types.KindValidate, Stage: types.StageValidate, Path: rel}); err != nil {
		t.Fatal(err)
	}
	if after := f.read(t, rel); after != before {
		t.Errorf("clean note rewritten:\n%s", after)
	}
}

func TestExecute_UserFrontmatterSurvivesRewrites(t *testing.T) {
	gen := &stubGenerator{completeFn: func(string) (string, error) { return `["Red"]`, nil }}
	f := newFixture(t, gen)
	f.addNote(t, "Red", "red colour", nil)
	const rel = "Mine.md"
	err := f.vault.Write(rel, "---\ntitle: Mine\ntags: [keep, me]\naliases: [M]\n---\n\nMy colour. See [[Missing]].\n")
	if err != nil {
		t.Fatal(err)
	}

	for _, task := range []types.Task{
		{Kind: types.KindLink, Stage: types.StageConnect, Path: rel},
		{Kind: types.KindValidate, Stage: types.StageValidate, Path: rel},
	} {
		if err := f.s.execute(context.Background(), task); err != nil {
			t.Fatalf("%s: %v", task.Kind, err)
		}
	}

	text := f.read(t, rel)
	n, err := vault.ParseNote(text)
	if err != nil {
		t.Fatalf("ParseNote: %v\n%s", err, text)
	}
	tests := []struct {
		key  string
		want string
	}{
		{"tags", "[keep me]"},
		{"aliases", "[M]"},
	}
	for _, tt := range tests {
		if got := fmt.Sprint(n.Meta.Extra[tt.key]); got != tt.want {
			t.Errorf("%s = %s, want %s\n%s", tt.key, got, tt.want, text)
		}
	}
	if !strings.Contains(n.Body, "[[Red]]") || strings.Contains(n.Body, "[[Missing]]") {
		t.Errorf("body not linked and validated:\n%s", text)
	}
}

func TestExecute_UnreadableFrontmatterLeftAlone(t *testing.T) {
	gen := &stubGenerator{completeFn: func(string) (string, error) { return `["Red"]`, nil }}
	f := newFixture(t, gen)
	f.addNote(t, "Red", "red colour", nil)
	const rel = "Broken.md"
	const text = "---\ntitle: [unclosed\n---\n\nSee [[Missing]].\n"
	if err := f.vault.Write(rel, text); err != nil {
		t.Fatal(err)
	}

	for _, kind := range []types.Kind{types.KindLink, types.KindValidate} {
		task := types.Task{Kind: kind, Stage: types.StageConnect, Path: rel}
		if kind == types.KindValidate {
			task.Stage = types.StageValidate
		}
		if err := f.s.execute(context.Background(), task); err != nil {
			t.Errorf("%s: %v", kind, err)
		}
		if got := f.read(t, rel); got != text {
			t.Errorf("%s rewrote a note with unreadable frontmatter:\n%s", kind, got)
		}
	}
}

func TestExecute_ValidateResolvesLinksAnywhereInVault(t *testing.T) {
	f := newFixture(t, &stubGenerator{})
	files := map[string]string{
		"sub/Topic.md":     "---\ntitle: Topic\n---\n\nTopic.\n",
		"deep/er/Other.md": "Other.\n",
		"Main.md":          "---\ntitle: Main\n---\n\nSee [[Topic]], [[other|the other]], [[sub/Topic]] and [[Nowhere]].\n",
	}
	for rel, text := range files {
		if err := f.vault.Write(rel, text); err != nil {
			t.Fatal(err)
		}
	}

	if err := f.s.execute(context.Background(), types.Task{Kind: types.KindValidate, Stage: types.StageValidate, Path: "Main.md"}); err != nil {
		t.Fatal(err)
	}

	text := f.read(t, "Main.md")
	for _, want := range []string{"[[Topic]]", "[[other|the other]]", "[[sub/Topic]]", "and Nowhere."} {
		if !strings.Contains(text, want) {
			t.Errorf("missing %q:\n%s", want, text)
		}
	}
}

func TestPopulate(t *testing.T) {
	f := newFixture(t, &stubGenerator{})
	f.addNote(t, "Red", "red", []float64{1, 0})
	f.addNote(t, "Blue", "blue", []float64{0.9, 0.1})
	if err := f.vault.Write("MOCs/Colours.md", "---\ntitle: Colours\ntype: moc\n---\n\n- [[Red]]\n"); err != nil {
		t.Fatal(err)
	}
	f.index.Upsert(kb.Entry{Title: "Colours", Path: "MOCs/Colours.md"})

	tests := []struct {
		stage types.Stage
		want  int
	}{
		{types.StageOrganize, 1},
		{types.StageConnect, 3},
		{types.StageDeduce, 2},
		{types.StageInduce, 1},
		{types.StageReorganize, 1},
		{types.StageValidate, 3},
	}
	for _, tt := range tests {
		t.Run(string(tt.stage), func(t *testing.T) {
			n, err := f.s.populate(context.Background(), tt.stage)
			if err != nil {
				t.Fatal(err)
			}
			if n != tt.want {
				t.Errorf("populate(%s) = %d tasks, want %d", tt.stage, n, tt.want)
			}
			for _, task := range f.s.Queue().Snapshot() {
				if task.Stage != tt.stage {
					t.Errorf("task %q tagged %s", task.Label(), task.Stage)
				}
			}
			for {
				if _, ok := f.s.Queue().DequeueForStage(tt.stage); !ok {
					break
				}
			}
		})
	}
}

func TestGroupTasks_ClustersAboveCeiling(t *testing.T) {
	f := newFixture(t, &stubGenerator{})
	f.s.ceiling = 3
	f.s.cluster = kb.ClusterOptions{TargetSize: 2}
	for i, title := range []string{"A", "B", "C", "D"} {
		emb := []float64{1, 0}
		if i >= 2 {
			emb = []float64{0, 1}
		}
		f.index.Upsert(kb.Entry{Title: title, Path: title + ".md", Embedding: emb})
	}

	tasks := f.s.groupTasks(types.KindOrganize, types.StageOrganize)
	if len(tasks) != 2 {
		t.Fatalf("got %d groups, want 2", len(tasks))
	}
	for _, task := range tasks {
		p := task.Payload.(types.OrganizePayload)
		if len(p.NoteTitles) != 2 {
			t.Errorf("group %d = %v", p.Group, p.NoteTitles)
		}
	}
}

func TestSummarize(t *testing.T) {
	if got := summarize([]string{"A", "B"}); got != "A, B" {
		t.Errorf("got %q", got)
	}
	if got := summarize([]string{"A", "B", "C", "D", "E"}); got != "A, B, C and 2 more" {
		t.Errorf("got %q", got)
	}
}
