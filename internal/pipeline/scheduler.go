// Package pipeline drives the staged note-generation run: it owns the task
// queue and the progress snapshot, executes one task at a time and moves
// through the stages strictly in order.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lthms/weave/internal/backend"
	"github.com/lthms/weave/internal/kb"
	"github.com/lthms/weave/internal/types"
)

var (
	// ErrMissingVault aborts a run that has no vault to write into.
	ErrMissingVault = errors.New("no vault configured")

	// ErrMissingCredential aborts a run whose generation backend cannot be
	// used.
	ErrMissingCredential = errors.New("generation backend not usable")

	// ErrAlreadyRunning is returned by Run while another Run is active.
	ErrAlreadyRunning = errors.New("pipeline already running")

	// ErrMalformedOutput marks a model response without the expected JSON.
	// The task treats it as an empty result.
	ErrMalformedOutput = errors.New("malformed generation output")
)

// Generator produces text and embeddings.
type Generator interface {
	Complete(ctx context.Context, messages []backend.Message, maxTokens int) (string, error)
	Embed(ctx context.Context, text string) ([]float64, error)
	Ready() error
}

// NoteStore is the vault as the scheduler sees it.
type NoteStore interface {
	Read(rel string) (string, error)
	Write(rel, text string) error
	Exists(rel string) bool
	ListMarkdownFiles() ([]string, error)
}

// Store persists progress and the retrieval index and serves staged sources.
type Store interface {
	LoadProgress() (*types.Progress, error)
	SaveProgress(p *types.Progress) error
	LoadSource(id string) (types.Source, bool, error)
	SaveIndex(entries []kb.Entry) error
}

// Config holds scheduler parameters. Zero values get defaults.
type Config struct {
	Vault     NoteStore // nil: Run fails with ErrMissingVault
	Store     Store
	Generator Generator // nil or not Ready: Run fails with ErrMissingCredential
	Index     *kb.Index
	State     *RunState    // nil: a fresh one
	Logger    *slog.Logger // process logger; records also go to State's log

	TopK           int // related notes offered to link and deduce (default 5)
	MaxTokens      int // per generation call (default 2048)
	ClusterCeiling int // organize clusters only above this many notes (default 40)
	Cluster        kb.ClusterOptions
	SourceChars    int // source text sent to extract, in runes (default 12000)
}

// Scheduler runs the pipeline for one vault.
type Scheduler struct {
	vault     NoteStore
	store     Store
	gen       Generator
	index     *kb.Index
	state     *RunState
	queue     *Queue
	log       *slog.Logger
	topK      int
	maxTokens int
	ceiling   int
	cluster   kb.ClusterOptions
	srcChars  int
	now       func() time.Time

	running atomic.Bool
	stop    atomic.Bool

	mu         sync.Mutex    // guards progress, indexDirty and store writes
	progress   types.Progress // processed sources and stage; the queue lives in queue
	indexDirty bool

	noteNames map[string]bool // validate's link targets; loop goroutine only
}

// New creates a scheduler and restores any persisted progress into its
// queue.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Store == nil {
		return nil, errors.New("pipeline: store is required")
	}
	if cfg.Index == nil {
		return nil, errors.New("pipeline: index is required")
	}
	state := cfg.State
	if state == nil {
		state = NewRunState(0)
	}
	base := cfg.Logger
	if base == nil {
		base = slog.Default()
	}

	s := &Scheduler{
		vault:     cfg.Vault,
		store:     cfg.Store,
		gen:       cfg.Generator,
		index:     cfg.Index,
		state:     state,
		queue:     NewQueue(state.setQueueLen),
		log:       slog.New(NewRingHandler(state, base.Handler(), slog.LevelInfo)),
		topK:      orDefault(cfg.TopK, 5),
		maxTokens: orDefault(cfg.MaxTokens, 2048),
		ceiling:   orDefault(cfg.ClusterCeiling, 40),
		cluster:   cfg.Cluster,
		srcChars:  orDefault(cfg.SourceChars, 12000),
		now:       time.Now,
	}

	p, err := cfg.Store.LoadProgress()
	if err != nil {
		return nil, fmt.Errorf("load progress: %w", err)
	}
	if p != nil {
		s.progress.ProcessedSourceIDs = append(s.progress.ProcessedSourceIDs, p.ProcessedSourceIDs...)
		s.progress.CurrentStage = p.CurrentStage
		s.queue.Restore(p.Queue)
		if len(p.Queue) > 0 || p.CurrentStage != "" {
			s.log.Info("pipeline: resuming", "stage", p.CurrentStage, "queued", len(p.Queue))
		}
	}
	return s, nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// State returns the observable run state.
func (s *Scheduler) State() *RunState { return s.state }

// Queue returns the task queue.
func (s *Scheduler) Queue() *Queue { return s.queue }

// Subscribe registers fn for run state events.
func (s *Scheduler) Subscribe(fn func(Event)) (unsubscribe func()) {
	return s.state.Subscribe(fn)
}

// Enqueue adds a task and persists progress so it survives a restart. On a
// persist error the task stays queued in memory.
func (s *Scheduler) Enqueue(t types.Task) error {
	s.queue.Enqueue(t)
	if err := s.persist(); err != nil {
		return fmt.Errorf("persist %s: %w", t.Label(), err)
	}
	return nil
}

// Running reports whether Run is active.
func (s *Scheduler) Running() bool { return s.running.Load() }

// Stop asks a running Run to return before its next task. The task in
// flight is not interrupted. It reports whether a run was active.
func (s *Scheduler) Stop() bool {
	if !s.running.Load() {
		return false
	}
	s.stop.Store(true)
	s.state.setStatus(StatusStopping)
	if !s.running.Load() {
		// The run ended in between.
		s.state.setStatus(StatusIdle)
		return false
	}
	s.log.Info("pipeline: stop requested")
	return true
}

// Ready reports the error Run would fail with before starting, if any.
func (s *Scheduler) Ready() error { return s.preconditions() }

func (s *Scheduler) preconditions() error {
	if s.vault == nil {
		return ErrMissingVault
	}
	if s.gen == nil {
		return ErrMissingCredential
	}
	if err := s.gen.Ready(); err != nil {
		return fmt.Errorf("%w: %w", ErrMissingCredential, err)
	}
	return nil
}

// Run executes queued and derived tasks stage by stage until the last stage
// has nothing left, Stop is called, or ctx is cancelled. Task failures are
// logged and skipped. A missing vault or generation credential fails before
// any state changes.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.begin(); err != nil {
		return err
	}
	defer s.end()
	return s.loop(ctx)
}

// Start is Run in the background. Precondition failures and an active run
// are reported before it returns; the run's result is sent on done.
func (s *Scheduler) Start(ctx context.Context) (done <-chan error, err error) {
	if err := s.begin(); err != nil {
		return nil, err
	}
	ch := make(chan error, 1)
	go func() {
		defer s.end()
		ch <- s.loop(ctx)
	}()
	return ch, nil
}

// begin checks preconditions and claims the single-run guard.
func (s *Scheduler) begin() error {
	if err := s.preconditions(); err != nil {
		return err
	}
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	s.stop.Store(false)
	s.state.setStatus(StatusProcessing)
	return nil
}

// end releases the run guard, then goes idle.
func (s *Scheduler) end() {
	s.running.Store(false)
	s.state.setTask("")
	s.state.setStatus(StatusIdle)
}

func (s *Scheduler) loop(ctx context.Context) error {
	s.mu.Lock()
	stage := s.progress.CurrentStage
	s.mu.Unlock()
	if stage == "" {
		stage = types.StageIngest
	}
	s.setStage(stage)
	s.log.Info("pipeline: run started", "stage", stage, "queued", s.queue.Len())
	s.checkpoint()

	for {
		if s.stop.Load() || ctx.Err() != nil {
			s.checkpoint()
			s.log.Info("pipeline: run stopped", "stage", stage, "queued", s.queue.Len())
			return nil
		}

		if task, ok := s.queue.DequeueForStage(stage); ok {
			s.runTask(ctx, task)
			s.checkpoint()
			continue
		}

		next, ok := stage.Next()
		if !ok {
			s.setStage("")
			s.checkpoint()
			s.log.Info("pipeline: run complete", "notes", s.index.Len(), "leftover", s.queue.Len())
			return nil
		}
		stage = next
		s.setStage(stage)
		n, err := s.populate(ctx, stage)
		if err != nil {
			s.log.Error("pipeline: stage population failed", "stage", stage, "error", err)
		}
		if n == 0 {
			s.log.Info("pipeline: stage has no tasks", "stage", stage)
		} else {
			s.log.Info("pipeline: stage started", "stage", stage, "tasks", n)
		}
		s.checkpoint()
	}
}

func (s *Scheduler) setStage(st types.Stage) {
	s.mu.Lock()
	s.progress.CurrentStage = st
	s.mu.Unlock()
	s.state.setStage(st)
}

func (s *Scheduler) runTask(ctx context.Context, t types.Task) {
	label := t.Label()
	s.state.setTask(label)
	defer s.state.setTask("")

	start := s.now()
	s.log.Debug("pipeline: task started", "stage", t.Stage, "task", label)
	if err := s.safeExecute(ctx, t); err != nil {
		s.log.Error("pipeline: task failed", "stage", t.Stage, "kind", t.Kind, "task", label, "error", err)
		return
	}
	s.log.Info("pipeline: task done", "stage", t.Stage, "task", label, "duration_ms", s.now().Sub(start).Milliseconds())
}

// safeExecute turns a panicking task into an error so the loop survives it.
func (s *Scheduler) safeExecute(ctx context.Context, t types.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return s.execute(ctx, t)
}

// checkpoint persists progress and, if it changed, the retrieval index.
// Failures are logged; the run continues.
func (s *Scheduler) checkpoint() {
	if err := s.persist(); err != nil {
		s.log.Error("pipeline: persist progress failed", "error", err)
	}
	if err := s.saveIndex(); err != nil {
		s.log.Error("pipeline: persist index failed", "error", err)
	}
}

func (s *Scheduler) persist() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.SaveProgress(&types.Progress{
		ProcessedSourceIDs: append([]string{}, s.progress.ProcessedSourceIDs...),
		CurrentStage:       s.progress.CurrentStage,
		Queue:              s.queue.Snapshot(),
		LastUpdated:        s.now().UTC(),
	})
}

func (s *Scheduler) saveIndex() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.indexDirty {
		return nil
	}
	if err := s.store.SaveIndex(s.index.Entries()); err != nil {
		return err
	}
	s.indexDirty = false
	return nil
}

func (s *Scheduler) markIndexDirty() {
	s.mu.Lock()
	s.indexDirty = true
	s.mu.Unlock()
}

func (s *Scheduler) isProcessed(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress.IsProcessed(id)
}

func (s *Scheduler) markProcessed(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress.MarkProcessed(id)
}

// Progress returns the current snapshot without persisting it.
func (s *Scheduler) Progress() types.Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return types.Progress{
		ProcessedSourceIDs: append([]string{}, s.progress.ProcessedSourceIDs...),
		CurrentStage:       s.progress.CurrentStage,
		Queue:              s.queue.Snapshot(),
	}
}
