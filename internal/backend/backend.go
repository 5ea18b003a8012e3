// Package backend talks to the text generation and embedding services.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var (
	// ErrGeneration is returned when the backend answers without content.
	ErrGeneration = errors.New("generation backend returned no content")

	// ErrEmbedding is returned when the backend answers without a usable vector.
	ErrEmbedding = errors.New("embedding backend returned no vector")

	// ErrMissingCredential is returned by Ready when the backend cannot
	// authenticate.
	ErrMissingCredential = errors.New("generation backend credential not configured")
)

// Role of a chat message.
type Role string

const (
	RoleSystem Role = "system"
	RoleUser   Role = "user"
)

// Message is one chat turn sent to Complete.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Backend generates text and embeddings.
type Backend interface {
	Complete(ctx context.Context, messages []Message, maxTokens int) (string, error)
	Embed(ctx context.Context, text string) ([]float64, error)
	// Ready reports whether the backend is configured well enough to be
	// called at all.
	Ready() error
}

// Instrumented wraps a Backend with a per-call deadline and a debug log
// line recording each call's duration. A zero timeout disables the deadline.
type Instrumented struct {
	Backend Backend
	Name    string
	Timeout time.Duration
	Logger  *slog.Logger
}

// Instrument returns b wrapped with a per-call timeout and call logging.
func Instrument(b Backend, name string, timeout time.Duration, logger *slog.Logger) *Instrumented {
	if logger == nil {
		logger = slog.Default()
	}
	return &Instrumented{Backend: b, Name: name, Timeout: timeout, Logger: logger}
}

func (i *Instrumented) deadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if i.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, i.Timeout)
}

func (i *Instrumented) Complete(ctx context.Context, messages []Message, maxTokens int) (string, error) {
	ctx, cancel := i.deadline(ctx)
	defer cancel()
	start := time.Now()
	out, err := i.Backend.Complete(ctx, messages, maxTokens)
	i.record("complete", start, err)
	if errors.Is(err, context.DeadlineExceeded) {
		return "", fmt.Errorf("complete: no answer within %s: %w", i.Timeout, err)
	}
	return out, err
}

func (i *Instrumented) Embed(ctx context.Context, text string) ([]float64, error) {
	ctx, cancel := i.deadline(ctx)
	defer cancel()
	start := time.Now()
	out, err := i.Backend.Embed(ctx, text)
	i.record("embed", start, err)
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("embed: no answer within %s: %w", i.Timeout, err)
	}
	return out, err
}

func (i *Instrumented) Ready() error {
	return i.Backend.Ready()
}

func (i *Instrumented) record(op string, start time.Time, err error) {
	i.Logger.Debug("backend: model call",
		"backend", i.Name,
		"operation", op,
		"duration_ms", time.Since(start).Milliseconds(),
		"error", err,
	)
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}
