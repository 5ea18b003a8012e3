package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/lthms/weave/internal/pipeline"
)

const defaultSSEKeepaliveInterval = 30 * time.Second

// sseWriter serializes writes to a streaming response and sends a
// ": keepalive" comment whenever interval passes, so idle connections are
// not dropped. Keepalives never interleave with events.
type sseWriter struct {
	http.ResponseWriter
	interval time.Duration
	mu       sync.Mutex
	done     chan struct{}
}

func newSSEWriter(w http.ResponseWriter, interval time.Duration) *sseWriter {
	return &sseWriter{
		ResponseWriter: w,
		interval:       interval,
		done:           make(chan struct{}),
	}
}

func (w *sseWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ResponseWriter.Write(p)
}

// Flush implements http.Flusher.
func (w *sseWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.flushLocked()
}

func (w *sseWriter) flushLocked() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// send writes one named event and flushes it.
func (w *sseWriter) send(event string, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := fmt.Fprintf(w.ResponseWriter, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	w.flushLocked()
	return nil
}

// startKeepalive writes comments until stop is called or a write fails.
func (w *sseWriter) startKeepalive() {
	go func() {
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		for {
			select {
			case <-w.done:
				return
			case <-ticker.C:
				w.mu.Lock()
				_, err := w.ResponseWriter.Write([]byte(": keepalive\n\n"))
				if err == nil {
					w.flushLocked()
				}
				w.mu.Unlock()
				if err != nil {
					slog.Debug("sse keepalive write failed", "error", err)
					return
				}
			}
		}
	}()
}

func (w *sseWriter) stop() {
	close(w.done)
}

// sseWithKeepalive wraps the MCP SSE handler. GET requests open a stream
// and get keepalives; POST requests pass through untouched.
func sseWithKeepalive(handler http.Handler, interval time.Duration) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			handler.ServeHTTP(w, r)
			return
		}

		sw := newSSEWriter(w, interval)
		sw.startKeepalive()
		defer sw.stop()

		handler.ServeHTTP(sw, r)
	})
}

// eventBacklog bounds the events buffered for one slow client. Events past
// it are dropped for that client; the scheduler never waits on a reader.
const eventBacklog = 64

// handleEvents streams run state changes: a "snapshot" event first, then
// one event per mutation named after its kind (state, queue, log).
func handleEvents(state *pipeline.RunState, interval time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)

		events := make(chan pipeline.Event, eventBacklog)
		unsubscribe := state.Subscribe(func(e pipeline.Event) {
			select {
			case events <- e:
			default:
			}
		})
		defer unsubscribe()

		sw := newSSEWriter(w, interval)
		sw.startKeepalive()
		defer sw.stop()

		snap, err := json.Marshal(state.Snapshot())
		if err != nil {
			return
		}
		if err := sw.send("snapshot", snap); err != nil {
			return
		}

		for {
			select {
			case <-r.Context().Done():
				return
			case e := <-events:
				data, err := json.Marshal(e)
				if err != nil {
					slog.Warn("sse: encode event", "error", err)
					continue
				}
				if err := sw.send(string(e.Kind), data); err != nil {
					return
				}
			}
		}
	}
}
