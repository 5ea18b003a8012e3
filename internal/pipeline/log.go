package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// ringBuffer stores the last N lines of log output.
type ringBuffer struct {
	mu    sync.RWMutex
	lines []string
	cap   int
}

func newRingBuffer(cap int) *ringBuffer {
	return &ringBuffer{
		lines: make([]string, 0, cap),
		cap:   cap,
	}
}

func (b *ringBuffer) Write(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.lines) < b.cap {
		b.lines = append(b.lines, line)
	} else {
		b.lines = append(b.lines[1:], line)
	}
}

func (b *ringBuffer) Lines() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, len(b.lines))
	copy(out, b.lines)
	return out
}

func (b *ringBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = b.lines[:0]
}

// RingHandler is a slog.Handler that appends each record, formatted as one
// line, to a RunState log and then passes it on to next (if any).
type RingHandler struct {
	state *RunState
	next  slog.Handler
	level slog.Leveler
	attrs string
}

// NewRingHandler returns a handler writing records at or above level into
// state. next may be nil.
func NewRingHandler(state *RunState, next slog.Handler, level slog.Leveler) *RingHandler {
	if level == nil {
		level = slog.LevelInfo
	}
	return &RingHandler{state: state, next: next, level: level}
}

func (h *RingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if level >= h.level.Level() {
		return true
	}
	return h.next != nil && h.next.Enabled(ctx, level)
}

func (h *RingHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= h.level.Level() {
		var sb strings.Builder
		fmt.Fprintf(&sb, "%s %s %s", r.Time.Format(time.TimeOnly), r.Level.String(), r.Message)
		sb.WriteString(h.attrs)
		r.Attrs(func(a slog.Attr) bool {
			fmt.Fprintf(&sb, " %s=%v", a.Key, a.Value)
			return true
		})
		h.state.appendLog(sb.String())
	}
	if h.next != nil && h.next.Enabled(ctx, r.Level) {
		return h.next.Handle(ctx, r)
	}
	return nil
}

func (h *RingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	var sb strings.Builder
	sb.WriteString(h.attrs)
	for _, a := range attrs {
		fmt.Fprintf(&sb, " %s=%v", a.Key, a.Value)
	}
	clone.attrs = sb.String()
	if h.next != nil {
		clone.next = h.next.WithAttrs(attrs)
	}
	return &clone
}

func (h *RingHandler) WithGroup(name string) slog.Handler {
	clone := *h
	if h.next != nil {
		clone.next = h.next.WithGroup(name)
	}
	return &clone
}
