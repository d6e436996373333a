// Package mainthread runs work that must happen on the host's main thread.
// Computers submit closures with Enqueue and the host drains them in ticks
// with a fixed time budget.
package mainthread

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	DefaultQueueLimit   = 256
	DefaultTickBudget   = 10 * time.Millisecond
	DefaultTickInterval = 50 * time.Millisecond
)

var (
	tasksRun = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hearth_mainthread_tasks_total",
		Help: "Total main thread tasks executed.",
	})
	tasksRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hearth_mainthread_tasks_rejected_total",
		Help: "Total main thread tasks rejected because the queue was full.",
	})
	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hearth_mainthread_queue_depth",
		Help: "Main thread tasks waiting to run.",
	})
)

func init() {
	prometheus.MustRegister(tasksRun, tasksRejected, queueDepth)
}

// Config controls queue capacity and tick length.
type Config struct {
	QueueLimit int
	TickBudget time.Duration
}

// Executor is a bounded queue of main thread work.
type Executor struct {
	cfg    Config
	logger *slog.Logger

	nextID atomic.Int64

	mu    sync.Mutex
	queue []func()
	hooks []func()
}

// New creates an Executor. Zero config values take their defaults.
func New(cfg Config, logger *slog.Logger) *Executor {
	if cfg.QueueLimit <= 0 {
		cfg.QueueLimit = DefaultQueueLimit
	}
	if cfg.TickBudget <= 0 {
		cfg.TickBudget = DefaultTickBudget
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		cfg:    cfg,
		logger: logger.With("component", "mainthread"),
	}
}

// NextID returns a task ID unique for the lifetime of the executor.
func (e *Executor) NextID() int64 {
	return e.nextID.Add(1)
}

// Enqueue adds fn to the queue. It returns false if the queue is full.
func (e *Executor) Enqueue(fn func()) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.queue) >= e.cfg.QueueLimit {
		tasksRejected.Inc()
		return false
	}
	e.queue = append(e.queue, fn)
	queueDepth.Set(float64(len(e.queue)))
	return true
}

// OnTick registers fn to run at the start of every tick, before queued
// tasks. Hooks do not count against the tick budget.
func (e *Executor) OnTick(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hooks = append(e.hooks, fn)
}

// Pending returns the number of queued tasks.
func (e *Executor) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// Tick runs the tick hooks, then queued tasks in order until the queue is
// empty or the tick budget is spent, and returns how many tasks ran. At least
// one task runs per tick.
func (e *Executor) Tick() int {
	e.mu.Lock()
	hooks := e.hooks
	e.mu.Unlock()
	for _, fn := range hooks {
		e.runHook(fn)
	}

	deadline := time.Now().Add(e.cfg.TickBudget)
	ran := 0
	for {
		fn := e.pop()
		if fn == nil {
			return ran
		}
		e.run(fn)
		ran++
		if !time.Now().Before(deadline) {
			return ran
		}
	}
}

// Run ticks every interval until ctx is cancelled.
func (e *Executor) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Tick()
		}
	}
}

func (e *Executor) pop() func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.queue) == 0 {
		return nil
	}
	fn := e.queue[0]
	e.queue[0] = nil
	e.queue = e.queue[1:]
	queueDepth.Set(float64(len(e.queue)))
	return fn
}

func (e *Executor) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("error running main thread task", "panic", r)
		}
	}()
	tasksRun.Inc()
	fn()
}

func (e *Executor) runHook(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("error running tick hook", "panic", r)
		}
	}()
	fn()
}
