package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/lthms/weave/internal/ingest"
	"github.com/lthms/weave/internal/pipeline"
)

// ServeCmd runs the control API and MCP tools on one HTTP port.
type ServeCmd struct {
	Port int `short:"p" help:"Port for the HTTP server (default: server.port from config)." name:"port"`
}

var errBusy = errors.New("a run is in progress; stop it first")

// server owns the active workspace. The run state outlives vault switches
// and is reset on each one.
type server struct {
	mu       sync.Mutex
	ws       *workspace
	state    *pipeline.RunState
	logger   *slog.Logger
	ctx      context.Context // bounds background runs
	openFunc func(path string) (*workspace, error)
}

func newServer(ctx context.Context, ws *workspace, state *pipeline.RunState, logger *slog.Logger, openFunc func(string) (*workspace, error)) *server {
	return &server{ws: ws, state: state, logger: logger, ctx: ctx, openFunc: openFunc}
}

func (s *server) current() *workspace {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ws
}

// start launches a run in the background. Precondition failures and an
// active run are reported synchronously.
func (s *server) start() error {
	// Held across Start so a vault switch cannot close the workspace
	// between the idle check and the run claiming it.
	s.mu.Lock()
	ws := s.ws
	done, err := ws.scheduler.Start(context.WithoutCancel(s.ctx))
	s.mu.Unlock()
	if err != nil {
		return err
	}
	go func() {
		if err := <-done; err != nil {
			s.logger.Error("run failed", "vault", ws.vault.Root(), "error", err)
		}
	}()
	return nil
}

func (s *server) stop() bool {
	return s.current().scheduler.Stop()
}

// openVault switches to the vault at path. The current vault must be idle.
func (s *server) openVault(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ws.scheduler.Running() {
		return errBusy
	}
	// Opening logs into the shared state, so it is cleared first and put
	// back if the new vault cannot be opened.
	prev := s.state.Snapshot()
	s.state.Reset()
	ws, err := s.openFunc(path)
	if err != nil {
		s.state.Restore(prev)
		return err
	}
	old := s.ws
	s.ws = ws
	if err := old.Close(); err != nil {
		s.logger.Warn("close previous vault", "vault", old.vault.Root(), "error", err)
	}
	s.logger.Info("vault opened", "vault", ws.vault.Root())
	return nil
}

func (s *server) scan(ctx context.Context) (ingest.ScanResult, error) {
	tracker, err := s.current().requireTracker()
	if err != nil {
		return ingest.ScanResult{}, err
	}
	return tracker.Scan(ctx)
}

func (s *server) sources() []ingest.TrackedFile {
	ws := s.current()
	if ws.tracker == nil {
		return []ingest.TrackedFile{}
	}
	return ws.tracker.Tree()
}

// statusView is the JSON shape of /api/state and the status tool.
type statusView struct {
	Vault     string `json:"vault"`
	Sources   string `json:"sources,omitempty"`
	pipeline.Snapshot
	Processed int `json:"processedSources"`
	Indexed   int `json:"indexedNotes"`
}

func (s *server) status() statusView {
	ws := s.current()
	v := statusView{
		Vault:     ws.vault.Root(),
		Snapshot:  s.state.Snapshot(),
		Processed: len(ws.scheduler.Progress().ProcessedSourceIDs),
		Indexed:   ws.index.Len(),
	}
	if ws.tracker != nil {
		v.Sources = ws.tracker.Root()
	}
	return v
}

// Run opens the vault and serves until interrupted.
func (cmd *ServeCmd) Run(ctx context.Context, g *globals) error {
	cfg, err := loadConfig(g.vault)
	if err != nil {
		return err
	}
	state := pipeline.NewRunState(0)
	ws, err := openWorkspace(cfg, state, g.logger)
	if err != nil {
		return err
	}
	if err := ws.prepareBackend(ctx); err != nil {
		g.logger.Warn("backend not prepared; runs will fail until it is reachable", "error", err)
	}

	srv := newServer(ctx, ws, state, g.logger, func(path string) (*workspace, error) {
		cfg, err := loadConfig(path)
		if err != nil {
			return nil, err
		}
		return openWorkspace(cfg, state, g.logger)
	})
	defer func() { srv.current().Close() }()

	port := cmd.Port
	if port == 0 {
		port = cfg.Server.Port
	}
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	httpSrv := &http.Server{Handler: setupHTTPMux(srv)}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		g.logger.Info("http server listening", "addr", addr, "vault", ws.vault.Root())
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		srv.stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	return eg.Wait()
}

// setupHTTPMux registers the control API, the event stream and MCP.
func setupHTTPMux(s *server) *http.ServeMux {
	sseHandler := mcp.NewSSEHandler(func(r *http.Request) *mcp.Server {
		return newMCPServer(s)
	}, nil)

	mux := http.NewServeMux()
	mux.Handle("/sse", sseWithKeepalive(sseHandler, defaultSSEKeepaliveInterval))
	mux.HandleFunc("GET /api/state", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.status())
	})
	mux.HandleFunc("GET /api/events", handleEvents(s.state, defaultSSEKeepaliveInterval))
	mux.HandleFunc("GET /api/sources", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.sources())
	})
	mux.HandleFunc("POST /api/start", func(w http.ResponseWriter, r *http.Request) {
		if err := s.start(); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]bool{"started": true})
	})
	mux.HandleFunc("POST /api/stop", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]bool{"stopping": s.stop()})
	})
	mux.HandleFunc("POST /api/scan", func(w http.ResponseWriter, r *http.Request) {
		res, err := s.scan(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	})
	mux.HandleFunc("POST /api/vault", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Path string `json:"path"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.Path) == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "path is required"})
			return
		}
		if err := s.openVault(body.Path); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, s.status())
	})
	return mux
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// writeError maps known failures to status codes.
func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, pipeline.ErrAlreadyRunning), errors.Is(err, errBusy):
		code = http.StatusConflict
	case errors.Is(err, pipeline.ErrMissingVault), errors.Is(err, pipeline.ErrMissingCredential), errors.Is(err, errNoSources):
		code = http.StatusPreconditionFailed
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

// MCP tool args

type emptyArgs struct{}

type searchArgs struct {
	Query string `json:"query" jsonschema:"Text to search the note index for"`
	Limit int    `json:"limit,omitempty" jsonschema:"Maximum number of notes to return (default 10)"`
}

type openVaultArgs struct {
	Path string `json:"path" jsonschema:"Absolute path of the vault directory to switch to"`
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: text},
		},
	}
}

func jsonResult(v any) (*mcp.CallToolResult, any, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, nil, err
	}
	return textResult(string(data)), nil, nil
}

// newMCPServer creates a fresh MCP server with all tools registered.
// Called once per SSE connection so each session gets its own initialization lifecycle.
func newMCPServer(s *server) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "weave",
		Version: "1.0.0",
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "status",
		Description: "Report the pipeline status: run state, current stage and task, queue length, recent log lines and counts.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args emptyArgs) (*mcp.CallToolResult, any, error) {
		return jsonResult(s.status())
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "start",
		Description: "Start processing queued work through every stage. Returns immediately; use status to follow progress.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args emptyArgs) (*mcp.CallToolResult, any, error) {
		slog.Debug("start called")
		if err := s.start(); err != nil {
			return textResult("Not started: " + err.Error()), nil, nil
		}
		return textResult("Run started."), nil, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "stop",
		Description: "Ask the running pipeline to stop after the task in flight.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args emptyArgs) (*mcp.CallToolResult, any, error) {
		slog.Debug("stop called")
		if s.stop() {
			return textResult("Stop requested."), nil, nil
		}
		return textResult("No run in progress."), nil, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "scan",
		Description: "Scan the sources directory and queue every new or changed file.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args emptyArgs) (*mcp.CallToolResult, any, error) {
		res, err := s.scan(ctx)
		if err != nil {
			return textResult("Scan failed: " + err.Error()), nil, nil
		}
		return jsonResult(res)
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "source_tree",
		Description: "List tracked source files with their current source id and content hash.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args emptyArgs) (*mcp.CallToolResult, any, error) {
		return jsonResult(s.sources())
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "search",
		Description: "Find generated notes relevant to a query. Returns a JSON array of {title, path, textSnippet}.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args searchArgs) (*mcp.CallToolResult, any, error) {
		slog.Debug("search called", "query", args.Query)
		limit := args.Limit
		if limit <= 0 {
			limit = 10
		}
		results := s.current().index.Relevant(ctx, args.Query, limit)
		for i := range results {
			results[i].Embedding = nil
		}
		return jsonResult(results)
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "open_vault",
		Description: "Switch to another vault directory. Fails while a run is in progress.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args openVaultArgs) (*mcp.CallToolResult, any, error) {
		if err := s.openVault(args.Path); err != nil {
			return textResult("Vault not opened: " + err.Error()), nil, nil
		}
		return textResult("Opened " + s.current().vault.Root()), nil, nil
	})

	return server
}
