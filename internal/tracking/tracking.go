// Package tracking collects per-computer execution statistics. The scheduler
// reports how long each task ran and the interpreter reports coroutine
// activity; sinks aggregate the values in memory or export them to
// Prometheus.
package tracking

import (
	"sort"
	"sync"
	"time"
)

// Field names a counter tracked per computer.
type Field string

// Tracked counters.
const (
	CoroutinesCreated  Field = "coroutines_created"
	CoroutinesDisposed Field = "coroutines_disposed"
	MainThreadTasks    Field = "main_thread_tasks"
	Events             Field = "events"
)

// Fields lists every known field in a stable order.
var Fields = []Field{CoroutinesCreated, CoroutinesDisposed, MainThreadTasks, Events}

// Tracker is a sink for execution statistics. Implementations must be safe
// for concurrent use.
type Tracker interface {
	AddTaskTiming(computerID string, d time.Duration)
	AddValue(computerID string, field Field, n int64)
}

// Discard is a Tracker that drops everything.
var Discard Tracker = discard{}

type discard struct{}

func (discard) AddTaskTiming(string, time.Duration) {}
func (discard) AddValue(string, Field, int64)       {}

// Multi fans values out to several trackers.
type Multi []Tracker

// AddTaskTiming implements Tracker.
func (m Multi) AddTaskTiming(computerID string, d time.Duration) {
	for _, t := range m {
		t.AddTaskTiming(computerID, d)
	}
}

// AddValue implements Tracker.
func (m Multi) AddValue(computerID string, field Field, n int64) {
	for _, t := range m {
		t.AddValue(computerID, field, n)
	}
}

// Entry is the aggregate for one computer.
type Entry struct {
	ComputerID string          `json:"computer_id"`
	Tasks      int64           `json:"tasks"`
	TotalTime  time.Duration   `json:"total_time_ns"`
	MaxTime    time.Duration   `json:"max_time_ns"`
	Fields     map[Field]int64 `json:"fields"`
}

// AverageTime returns the mean task duration.
func (e Entry) AverageTime() time.Duration {
	if e.Tasks == 0 {
		return 0
	}
	return e.TotalTime / time.Duration(e.Tasks)
}

// Stats aggregates values per computer in memory.
type Stats struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

var _ Tracker = (*Stats)(nil)

// NewStats creates an empty in-memory aggregator.
func NewStats() *Stats {
	return &Stats{entries: make(map[string]*Entry)}
}

func (s *Stats) entry(id string) *Entry {
	e, ok := s.entries[id]
	if !ok {
		e = &Entry{ComputerID: id, Fields: make(map[Field]int64)}
		s.entries[id] = e
	}
	return e
}

// AddTaskTiming implements Tracker.
func (s *Stats) AddTaskTiming(computerID string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entry(computerID)
	e.Tasks++
	e.TotalTime += d
	if d > e.MaxTime {
		e.MaxTime = d
	}
}

// AddValue implements Tracker.
func (s *Stats) AddValue(computerID string, field Field, n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entry(computerID).Fields[field] += n
}

// Get returns a copy of the entry for one computer.
func (s *Stats) Get(computerID string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[computerID]
	if !ok {
		return Entry{}, false
	}
	return e.clone(), true
}

// Snapshot returns copies of all entries sorted by computer ID.
func (s *Stats) Snapshot() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ComputerID < out[j].ComputerID
	})
	return out
}

// Forget drops the entry of a computer that has been unloaded.
func (s *Stats) Forget(computerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, computerID)
}

func (e *Entry) clone() Entry {
	c := *e
	c.Fields = make(map[Field]int64, len(e.Fields))
	for k, v := range e.Fields {
		c.Fields[k] = v
	}
	return c
}
