package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/lthms/weave/internal/ingest"
	"github.com/lthms/weave/internal/pipeline"
	"github.com/lthms/weave/internal/types"
)

// open loads the config for the selected vault and opens its workspace.
// A non-empty sources overrides vault.sources.
func (g *globals) open(sources string) (*workspace, error) {
	cfg, err := loadConfig(g.vault)
	if err != nil {
		return nil, err
	}
	if sources != "" {
		abs, err := filepath.Abs(sources)
		if err != nil {
			return nil, fmt.Errorf("resolve sources: %w", err)
		}
		cfg.Vault.Sources = abs
	}
	return openWorkspace(cfg, pipeline.NewRunState(0), g.logger)
}

// runUntilSignal runs the scheduler; cancelling ctx requests a stop, which
// lets the task in flight finish.
func runUntilSignal(ctx context.Context, s *pipeline.Scheduler) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-done:
		}
	}()
	return s.Run(context.WithoutCancel(ctx))
}

// RunCmd processes the queue through every stage.
type RunCmd struct {
	Scan    bool   `help:"Scan the sources directory first."`
	Sources string `type:"path" help:"Sources directory (overrides vault.sources)."`
}

func (cmd *RunCmd) Run(ctx context.Context, g *globals) error {
	ws, err := g.open(cmd.Sources)
	if err != nil {
		return err
	}
	defer ws.Close()

	if cmd.Scan {
		tracker, err := ws.requireTracker()
		if err != nil {
			return err
		}
		if _, err := tracker.Scan(ctx); err != nil {
			return err
		}
	}
	if err := ws.prepareBackend(ctx); err != nil {
		return err
	}
	if err := runUntilSignal(ctx, ws.scheduler); err != nil {
		return err
	}
	p := ws.scheduler.Progress()
	fmt.Printf("notes: %d, processed sources: %d, queued: %d\n", ws.index.Len(), len(p.ProcessedSourceIDs), len(p.Queue))
	return nil
}

// IngestCmd scans the sources directory and queues changed files.
type IngestCmd struct {
	Sources string `type:"path" help:"Sources directory (overrides vault.sources)."`
}

func (cmd *IngestCmd) Run(ctx context.Context, g *globals) error {
	ws, err := g.open(cmd.Sources)
	if err != nil {
		return err
	}
	defer ws.Close()

	tracker, err := ws.requireTracker()
	if err != nil {
		return err
	}
	res, err := tracker.Scan(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("seen %d, staged %d, unchanged %d, failed %d\n", res.Seen, res.Staged, res.Unchanged, res.Failed)
	return nil
}

// WatchCmd keeps the vault in sync with the sources directory.
type WatchCmd struct {
	Sources  string        `type:"path" help:"Sources directory (overrides vault.sources)."`
	Debounce time.Duration `default:"500ms" help:"Quiet period before a changed file is ingested."`
}

func (cmd *WatchCmd) Run(ctx context.Context, g *globals) error {
	ws, err := g.open(cmd.Sources)
	if err != nil {
		return err
	}
	defer ws.Close()

	tracker, err := ws.requireTracker()
	if err != nil {
		return err
	}
	if err := ws.prepareBackend(ctx); err != nil {
		return err
	}
	if _, err := tracker.Scan(ctx); err != nil {
		return err
	}
	watcher, err := ingest.NewWatcher(tracker, cmd.Debounce)
	if err != nil {
		return err
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return watcher.Run(ctx)
	})
	eg.Go(func() error {
		return processQueued(ctx, ws.scheduler)
	})
	g.logger.Info("watching", "sources", tracker.Root(), "vault", ws.vault.Root())
	return eg.Wait()
}

// processQueued runs the scheduler every time work is queued while it is
// idle, until ctx is cancelled.
func processQueued(ctx context.Context, s *pipeline.Scheduler) error {
	wake := make(chan struct{}, 1)
	unsubscribe := s.Subscribe(func(e pipeline.Event) {
		if e.Kind == pipeline.EventQueue && e.QueueLen > 0 {
			select {
			case wake <- struct{}{}:
			default:
			}
		}
	})
	defer unsubscribe()

	for {
		if s.Queue().Len() > 0 {
			if err := runUntilSignal(ctx, s); err != nil {
				return err
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-wake:
		}
	}
}

// StatusCmd prints progress and tracked sources.
type StatusCmd struct {
	Files bool `short:"f" help:"List tracked source files."`
}

func (cmd *StatusCmd) Run(g *globals) error {
	ws, err := g.open("")
	if err != nil {
		return err
	}
	defer ws.Close()

	printStatus(os.Stdout, ws, cmd.Files, terminalWidth())
	return nil
}

func terminalWidth() int {
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || w <= 0 {
		return 80
	}
	return w
}

func printStatus(out io.Writer, ws *workspace, files bool, width int) {
	p := ws.scheduler.Progress()
	stage := string(p.CurrentStage)
	if stage == "" {
		stage = "(none)"
	}
	fmt.Fprintf(out, "vault:     %s\n", ws.vault.Root())
	fmt.Fprintf(out, "stage:     %s\n", stage)
	fmt.Fprintf(out, "queued:    %d%s\n", len(p.Queue), stageCounts(p.Queue))
	fmt.Fprintf(out, "processed: %d sources\n", len(p.ProcessedSourceIDs))
	fmt.Fprintf(out, "indexed:   %d notes\n", ws.index.Len())
	if ws.tracker == nil {
		fmt.Fprintln(out, "sources:   (not configured)")
		return
	}
	tree := ws.tracker.Tree()
	fmt.Fprintf(out, "sources:   %s (%d tracked)\n", ws.tracker.Root(), len(tree))
	if !files {
		return
	}
	for _, f := range tree {
		fmt.Fprintln(out, fit(fmt.Sprintf("  %s  %s  %s", f.SourceID, f.ContentHash[:12], f.Path), width))
	}
}

// stageCounts renders " (ingest 2, connect 5)" for a non-empty queue.
func stageCounts(queue []types.Task) string {
	if len(queue) == 0 {
		return ""
	}
	counts := make(map[types.Stage]int)
	for _, t := range queue {
		counts[t.Stage]++
	}
	var parts []string
	for _, st := range types.Stages {
		if n := counts[st]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s %d", st, n))
		}
	}
	return " (" + strings.Join(parts, ", ") + ")"
}

// fit truncates s to width runes, marking the cut with "…".
func fit(s string, width int) string {
	r := []rune(s)
	if width <= 1 || len(r) <= width {
		return s
	}
	return string(r[:width-1]) + "…"
}

// SearchCmd ranks indexed notes against a query.
type SearchCmd struct {
	Query []string `arg:"" help:"Search terms."`
	Limit int      `short:"k" default:"10" help:"Maximum results."`
}

func (cmd *SearchCmd) Run(ctx context.Context, g *globals) error {
	ws, err := g.open("")
	if err != nil {
		return err
	}
	defer ws.Close()

	results := ws.index.Relevant(ctx, strings.Join(cmd.Query, " "), cmd.Limit)
	if len(results) == 0 {
		fmt.Println("no notes indexed")
		return nil
	}
	width := terminalWidth()
	for _, e := range results {
		fmt.Println(fit(fmt.Sprintf("%s\t%s", e.Title, e.Path), width))
	}
	return nil
}

// ReindexCmd rebuilds the retrieval index from the notes on disk.
type ReindexCmd struct{}

func (cmd *ReindexCmd) Run(ctx context.Context, g *globals) error {
	ws, err := g.open("")
	if err != nil {
		return err
	}
	defer ws.Close()

	n, err := pipeline.Reindex(ctx, ws.vault, ws.index, ws.store, g.logger)
	if err != nil {
		return err
	}
	fmt.Printf("indexed %d notes\n", n)
	return nil
}
