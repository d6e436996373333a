package scheduler

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/seantiz/hearth/internal/tracking"
)

// Defaults for Config fields left at zero.
const (
	DefaultThreads      = 1
	DefaultTaskTimeout  = 7 * time.Second
	DefaultAbortTimeout = 1500 * time.Millisecond
	DefaultQueueLimit   = 256
)

var (
	// ErrQueueFull is returned by Submit when the owner's queue is at capacity.
	ErrQueueFull = errors.New("task queue full")

	// ErrWorkerUnresponsive is the cancellation cause of a task whose runner
	// ignored both abort requests.
	ErrWorkerUnresponsive = errors.New("worker unresponsive")

	// ErrStopped is the cancellation cause of tasks in flight when the
	// scheduler is stopped.
	ErrStopped = errors.New("scheduler stopped")
)

// Config controls the scheduler's pool size and timeouts.
type Config struct {
	// Threads is the number of manager goroutines, and so the maximum number
	// of tasks running at once.
	Threads int
	// TaskTimeout is how long a task may run before it is soft aborted.
	TaskTimeout time.Duration
	// AbortTimeout is how long to wait after each abort before escalating.
	AbortTimeout time.Duration
	// QueueLimit is the capacity of each owner's queue.
	QueueLimit int
	// Debug enables stack diagnostics for unresponsive runners.
	Debug bool
}

func (c Config) withDefaults() Config {
	if c.Threads <= 0 {
		c.Threads = DefaultThreads
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = DefaultTaskTimeout
	}
	if c.AbortTimeout <= 0 {
		c.AbortTimeout = DefaultAbortTimeout
	}
	if c.QueueLimit <= 0 {
		c.QueueLimit = DefaultQueueLimit
	}
	return c
}

// Scheduler runs tasks for many owners on a fixed pool of managers.
type Scheduler struct {
	cfg      Config
	tracker  tracking.Tracker
	logger   *slog.Logger
	fallback *anonymousOwner

	lifeMu   sync.Mutex
	quit     chan struct{}
	managers []*manager

	// mu guards the queues and activation list. It is never held while a
	// task runs.
	mu     sync.Mutex
	cond   *sync.Cond
	queues map[string]*taskQueue
	active []*taskQueue
}

// New creates a stopped scheduler. Tasks may be submitted before Start.
func New(cfg Config, tracker tracking.Tracker, logger *slog.Logger) *Scheduler {
	if tracker == nil {
		tracker = tracking.Discard
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	s := &Scheduler{
		cfg:      cfg,
		tracker:  tracker,
		logger:   logger.With("component", "scheduler"),
		fallback: &anonymousOwner{},
		managers: make([]*manager, cfg.Threads),
		queues:   make(map[string]*taskQueue),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Config returns the effective configuration.
func (s *Scheduler) Config() Config {
	return s.cfg
}

// Start launches manager goroutines for every slot that has none serving the
// current run. Calling Start on a running scheduler restarts only managers
// that exited. Managers left over from before a Stop are replaced even if
// they have not noticed the Stop yet.
func (s *Scheduler) Start() {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	if s.quit == nil {
		s.quit = make(chan struct{})
	}
	for i, m := range s.managers {
		if s.serving(m) {
			continue
		}
		m = newManager(s, i, s.quit)
		s.managers[i] = m
		go m.run()
	}
	s.logger.Info("scheduler started", "threads", s.cfg.Threads)
}

// Stop tells every manager to exit, abandons in-flight tasks and discards all
// queued work. It does not wait for running tasks to return.
func (s *Scheduler) Stop() {
	s.lifeMu.Lock()
	if s.quit != nil {
		close(s.quit)
		s.quit = nil
	}
	s.lifeMu.Unlock()

	s.mu.Lock()
	for _, q := range s.queues {
		q.removed = true
		q.tasks = nil
	}
	s.queues = make(map[string]*taskQueue)
	s.active = nil
	activeQueues.Set(0)
	s.cond.Broadcast()
	s.mu.Unlock()

	s.logger.Info("scheduler stopped")
}

// Running reports whether any manager goroutine is alive.
func (s *Scheduler) Running() bool {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	for _, m := range s.managers {
		if s.serving(m) {
			return true
		}
	}
	return false
}

// serving reports whether m is alive and bound to the current run. Callers
// hold s.lifeMu.
func (s *Scheduler) serving(m *manager) bool {
	return m != nil && s.quit != nil && m.quit == s.quit && m.alive()
}

// Submit appends t to its owner's queue. It returns ErrQueueFull rather than
// blocking when the queue is at capacity.
func (s *Scheduler) Submit(t Task) error {
	owner := t.Owner()
	if owner == nil {
		owner = s.fallback
	}
	id := owner.ID()

	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[id]
	if !ok {
		q = &taskQueue{owner: owner}
		s.queues[id] = q
	}
	if len(q.tasks) >= s.cfg.QueueLimit {
		tasksRejected.Inc()
		return fmt.Errorf("computer %s: %w", id, ErrQueueFull)
	}

	q.tasks = append(q.tasks, t)
	if !q.active {
		q.active = true
		s.activate(q)
	}
	return nil
}

// Remove discards an owner's queue and any tasks still pending in it. A task
// already running is not affected.
func (s *Scheduler) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[id]
	if !ok {
		return
	}
	q.removed = true
	q.tasks = nil
	delete(s.queues, id)

	for i, a := range s.active {
		if a == q {
			s.active = append(s.active[:i], s.active[i+1:]...)
			break
		}
	}
	activeQueues.Set(float64(len(s.active)))
}

// Pending returns the number of queued tasks for an owner.
func (s *Scheduler) Pending(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.queues[id]; ok {
		return len(q.tasks)
	}
	return 0
}

// activate appends q to the activation list. Callers hold s.mu.
func (s *Scheduler) activate(q *taskQueue) {
	s.active = append(s.active, q)
	activeQueues.Set(float64(len(s.active)))
	s.cond.Signal()
}

// next blocks until an active queue is available or quit is closed.
func (s *Scheduler) next(quit <-chan struct{}) (*taskQueue, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		select {
		case <-quit:
			return nil, false
		default:
		}

		if len(s.active) > 0 {
			q := s.active[0]
			s.active[0] = nil
			s.active = s.active[1:]
			activeQueues.Set(float64(len(s.active)))
			return q, true
		}
		s.cond.Wait()
	}
}

// take pops the head task of q, or reports that q has nothing to run.
func (s *Scheduler) take(q *taskQueue) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if q.removed || len(q.tasks) == 0 {
		q.active = false
		return nil, false
	}
	return q.pop(), true
}

// requeue puts q back on the activation list if it still has work.
func (s *Scheduler) requeue(q *taskQueue) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if q.removed || len(q.tasks) == 0 {
		q.active = false
		return
	}
	s.activate(q)
}
