package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
)

// CLI is the top-level command structure for weave.
type CLI struct {
	Debug   bool   `env:"WEAVE_DEBUG" help:"Enable debug logging."`
	LogFile string `name:"log-file" type:"path" help:"Write logs to this file instead of stderr."`
	Vault   string `short:"v" type:"path" env:"WEAVE_VAULT" help:"Vault directory (default: vault.path from config, then the working directory)."`

	Run     RunCmd     `cmd:"" help:"Process queued work through every stage."`
	Ingest  IngestCmd  `cmd:"" help:"Scan the sources directory and queue changed files."`
	Watch   WatchCmd   `cmd:"" help:"Watch the sources directory and process changes as they arrive."`
	Status  StatusCmd  `cmd:"" help:"Show progress, queue and tracked sources."`
	Search  SearchCmd  `cmd:"" help:"Search the retrieval index."`
	Reindex ReindexCmd `cmd:"" help:"Rebuild the retrieval index from the vault."`
	Serve   ServeCmd   `cmd:"" help:"Serve the control API and MCP tools over HTTP."`
}

// globals is bound into every command's Run.
type globals struct {
	vault  string
	logger *slog.Logger
}

func main() {
	cli := CLI{}
	parser, err := kong.New(&cli,
		kong.Name("weave"),
		kong.Description("Turn a directory of documents into a linked vault of generated notes."),
		kong.UsageOnError(),
		kong.Exit(func(code int) {
			os.Exit(code)
		}),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "weave: %v\n", err)
		os.Exit(1)
	}
	kctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)

	setupLogger(cli.Debug)
	if cli.LogFile != "" {
		setupFileLogger(cli.LogFile)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kctx.BindTo(ctx, (*context.Context)(nil))
	kctx.Bind(&globals{vault: cli.Vault, logger: slog.Default()})

	err = kctx.Run()
	kctx.FatalIfErrorf(err)
}

func setupLogger(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
}

// setupFileLogger redirects slog to a file at debug level.
func setupFileLogger(path string) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		slog.Warn("failed to open log file, keeping stderr", "path", path, "error", err)
		return
	}
	logger := slog.New(slog.NewTextHandler(f, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)
}
