package pipeline

import (
	"sync"

	"github.com/lthms/weave/internal/types"
)

// Status of a run.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusProcessing Status = "processing"
	StatusStopping   Status = "stopping"
)

// EventKind says which part of the run state changed.
type EventKind string

const (
	EventState EventKind = "state" // status, stage or current task
	EventQueue EventKind = "queue" // task pushed or popped
	EventLog   EventKind = "log"   // log line appended
)

// Event is delivered to subscribers after every state mutation.
type Event struct {
	Kind     EventKind   `json:"kind"`
	Status   Status      `json:"status"`
	Stage    types.Stage `json:"stage"`
	Task     string      `json:"task,omitempty"`
	QueueLen int         `json:"queueLength"`
	Line     string      `json:"line,omitempty"`
}

type subscriber struct {
	id int
	fn func(Event)
}

// Bus is a synchronous observer registry. A panicking subscriber is
// isolated from the publisher and from the other subscribers.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   []subscriber
}

// Subscribe registers fn and returns a function that removes it.
func (b *Bus) Subscribe(fn func(Event)) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscriber{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.subs {
				if s.id == id {
					b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Publish calls every subscriber in registration order.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	subs := b.subs
	b.mu.Unlock()
	for _, s := range subs {
		deliver(s.fn, e)
	}
}

func deliver(fn func(Event), e Event) {
	defer func() { _ = recover() }()
	fn(e)
}

// Snapshot is a read-only copy of the run state.
type Snapshot struct {
	Status   Status      `json:"status"`
	Stage    types.Stage `json:"currentStage"`
	Task     string      `json:"currentTask"`
	QueueLen int         `json:"queueLength"`
	Log      []string    `json:"log"`
}

// RunState is the observable state of one vault's pipeline: status,
// current stage and task, and the recent log lines. It is created by the
// caller and handed to the scheduler; switching vaults calls Reset.
type RunState struct {
	bus Bus
	log *ringBuffer

	mu       sync.RWMutex
	status   Status
	stage    types.Stage
	task     string
	queueLen int
}

// DefaultLogLines is the log ring capacity used when NewRunState gets 0.
const DefaultLogLines = 500

// NewRunState returns an idle state keeping the last logLines log lines.
func NewRunState(logLines int) *RunState {
	if logLines <= 0 {
		logLines = DefaultLogLines
	}
	return &RunState{log: newRingBuffer(logLines), status: StatusIdle}
}

// Subscribe registers fn for every subsequent event.
func (s *RunState) Subscribe(fn func(Event)) (unsubscribe func()) {
	return s.bus.Subscribe(fn)
}

// Snapshot returns the current state.
func (s *RunState) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		Status:   s.status,
		Stage:    s.stage,
		Task:     s.task,
		QueueLen: s.queueLen,
		Log:      s.log.Lines(),
	}
}

// Status returns the current status.
func (s *RunState) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *RunState) event(kind EventKind, line string) Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Event{Kind: kind, Status: s.status, Stage: s.stage, Task: s.task, QueueLen: s.queueLen, Line: line}
}

func (s *RunState) update(kind EventKind, fn func()) {
	s.mu.Lock()
	fn()
	s.mu.Unlock()
	s.bus.Publish(s.event(kind, ""))
}

func (s *RunState) setStatus(st Status) {
	s.update(EventState, func() { s.status = st })
}

func (s *RunState) setStage(st types.Stage) {
	s.update(EventState, func() { s.stage = st })
}

func (s *RunState) setTask(label string) {
	s.update(EventState, func() { s.task = label })
}

func (s *RunState) setQueueLen(n int) {
	s.update(EventQueue, func() { s.queueLen = n })
}

// appendLog records one formatted log line.
func (s *RunState) appendLog(line string) {
	s.log.Write(line)
	s.bus.Publish(s.event(EventLog, line))
}

// Reset returns the state to idle with no stage, no task and an empty log.
func (s *RunState) Reset() {
	s.update(EventState, func() {
		s.status = StatusIdle
		s.stage = ""
		s.task = ""
		s.queueLen = 0
		s.log.Reset()
	})
}

// Restore puts back a state taken with Snapshot.
func (s *RunState) Restore(snap Snapshot) {
	s.update(EventState, func() {
		s.status = snap.Status
		s.stage = snap.Stage
		s.task = snap.Task
		s.queueLen = snap.QueueLen
		s.log.Reset()
		for _, line := range snap.Log {
			s.log.Write(line)
		}
	})
}
