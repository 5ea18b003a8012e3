package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/lthms/weave/internal/backend"
	"github.com/lthms/weave/internal/ingest"
	"github.com/lthms/weave/internal/kb"
	"github.com/lthms/weave/internal/pipeline"
	"github.com/lthms/weave/internal/store"
	"github.com/lthms/weave/internal/vault"
)

// workspace is everything opened for one vault.
type workspace struct {
	cfg       *Config
	vault     *vault.Vault
	store     store.Store
	index     *kb.Index
	backend   *backend.Instrumented
	scheduler *pipeline.Scheduler
	tracker   *ingest.Tracker // nil without a sources directory
}

// newBackend builds the configured generation backend with per-call
// timeout and call logging.
func newBackend(g GenerationConfig, logger *slog.Logger) (*backend.Instrumented, error) {
	timeout, err := g.timeout()
	if err != nil {
		logger.Warn("invalid timeout, using default", "error", err, "timeout", timeout)
	}
	var b backend.Backend
	switch g.Backend {
	case "ollama":
		b = &backend.Ollama{URL: g.URL, Model: g.Model, EmbeddingModel: g.EmbeddingModel}
	case "openai":
		b = backend.NewOpenAI(backend.OpenAIConfig{
			APIKey:         g.APIKey,
			BaseURL:        g.URL,
			Model:          g.Model,
			EmbeddingModel: g.EmbeddingModel,
		})
	default:
		return nil, fmt.Errorf("unknown generation backend %q (want ollama or openai)", g.Backend)
	}
	return backend.Instrument(b, g.Backend, timeout, logger), nil
}

// openWorkspace opens the vault, its state store and index, and wires the
// scheduler and (when sources are configured) the ingestion tracker.
// state may be shared across vault switches.
func openWorkspace(cfg *Config, state *pipeline.RunState, logger *slog.Logger) (*workspace, error) {
	v, err := vault.Open(cfg.Vault.Path)
	if err != nil {
		return nil, err
	}
	gen, err := newBackend(cfg.Generation, logger)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(cfg.Store.Backend, v.Root(), logger)
	if err != nil {
		return nil, err
	}

	entries, err := st.LoadIndex()
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("load index: %w", err)
	}
	index := kb.New(kb.Config{
		Embedder:     gen,
		VectorSearch: cfg.Retrieval.VectorSearch,
		DupThreshold: cfg.Retrieval.DupThreshold,
		Logger:       logger,
	}, entries)

	sched, err := pipeline.New(pipeline.Config{
		Vault:          v,
		Store:          st,
		Generator:      gen,
		Index:          index,
		State:          state,
		Logger:         logger,
		TopK:           cfg.Retrieval.TopK,
		MaxTokens:      cfg.Generation.MaxTokens,
		ClusterCeiling: cfg.Retrieval.ClusterCeiling,
		Cluster: kb.ClusterOptions{
			TargetSize:  cfg.Retrieval.ClusterSize,
			MaxClusters: cfg.Retrieval.MaxClusters,
		},
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	ws := &workspace{cfg: cfg, vault: v, store: st, index: index, backend: gen, scheduler: sched}

	if cfg.Vault.Sources != "" {
		if inside(v.Root(), cfg.Vault.Sources) {
			logger.Warn("sources directory is inside the vault; source markdown files will be treated as notes",
				"vault", v.Root(), "sources", cfg.Vault.Sources)
		}
		ws.tracker, err = ingest.NewTracker(ingest.Config{
			Root:   cfg.Vault.Sources,
			Store:  st,
			Queue:  sched,
			Logger: logger,
		})
		if err != nil {
			st.Close()
			return nil, err
		}
	}
	return ws, nil
}

func inside(root, dir string) bool {
	rel, err := filepath.Rel(root, dir)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !strings.HasPrefix(rel, "."))
}

var errNoSources = errors.New("no sources directory configured (set vault.sources or pass --sources)")

// requireTracker returns the tracker or errNoSources.
func (w *workspace) requireTracker() (*ingest.Tracker, error) {
	if w.tracker == nil {
		return nil, errNoSources
	}
	return w.tracker, nil
}

// prepareBackend pulls missing Ollama models. Other backends need nothing.
func (w *workspace) prepareBackend(ctx context.Context) error {
	if o, ok := w.backend.Backend.(*backend.Ollama); ok {
		if err := o.EnsureModels(ctx); err != nil {
			return fmt.Errorf("ensure ollama models: %w", err)
		}
	}
	return nil
}

func (w *workspace) Close() error {
	if w.scheduler.Running() {
		w.scheduler.Stop()
	}
	return w.store.Close()
}
