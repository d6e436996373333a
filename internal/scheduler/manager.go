package scheduler

import (
	"fmt"
	"log/slog"
	"time"
)

// manager pulls active queues and drives one task at a time through a runner,
// escalating aborts when the task overruns.
type manager struct {
	s      *Scheduler
	name   string
	logger *slog.Logger
	quit   <-chan struct{}
	done   chan struct{}

	// runner is reused across tasks until it has to be abandoned.
	runner  *runner
	runners int
}

func newManager(s *Scheduler, slot int, quit <-chan struct{}) *manager {
	name := fmt.Sprintf("computer-manager-%d", slot)
	return &manager{
		s:      s,
		name:   name,
		logger: s.logger.With("manager", name),
		quit:   quit,
		done:   make(chan struct{}),
	}
}

func (m *manager) alive() bool {
	select {
	case <-m.done:
		return false
	default:
		return true
	}
}

func (m *manager) run() {
	defer close(m.done)
	defer func() {
		if m.runner != nil {
			m.runner.stop(ErrStopped)
			m.runner = nil
		}
	}()

	for {
		q, ok := m.s.next(m.quit)
		if !ok {
			m.logger.Debug("manager exiting")
			return
		}
		m.execute(q)
	}
}

func (m *manager) nextRunner() *runner {
	if m.runner == nil {
		m.runners++
		name := fmt.Sprintf("%s-runner-%d", m.name, m.runners)
		m.runner = newRunner(name, m.logger)
	}
	return m.runner
}

// execute runs the head task of q. Whatever happens, the owner's abort flags
// are reset before q can be dispatched again.
func (m *manager) execute(q *taskQueue) {
	task, ok := m.s.take(q)
	if !ok {
		return
	}

	owner := q.owner
	flags := owner.Timeout()
	start := time.Now()
	defer func() {
		m.s.tracker.AddTaskTiming(owner.ID(), time.Since(start))
		flags.ResetAbort()
		m.s.requeue(q)
	}()

	r := m.nextRunner()
	r.submit(task)

	cfg := m.s.cfg
	outcome := outcomeCompleted
	res := r.await(cfg.TaskTimeout, m.quit)
	if res == awaitTimeout {
		m.logger.Debug("task overran, soft aborting", "computer_id", owner.ID())
		flags.SoftAbort()
		outcome = outcomeSoftAborted
		res = r.await(cfg.AbortTimeout, m.quit)
	}
	if res == awaitTimeout {
		m.logger.Debug("task ignored soft abort, hard aborting", "computer_id", owner.ID())
		flags.HardAbort()
		outcome = outcomeHardAborted
		res = r.await(cfg.AbortTimeout, m.quit)
	}

	switch res {
	case awaitTimeout:
		outcome = outcomeInterrupted
		m.interrupt(r, owner, time.Since(start))
	case awaitQuit:
		outcome = outcomeAbandoned
		r.stop(ErrStopped)
		m.runner = nil
	}
	tasksTotal.WithLabelValues(outcome).Inc()
}

// interrupt abandons a runner whose task ignored every abort request.
func (m *manager) interrupt(r *runner, owner Owner, elapsed time.Duration) {
	if m.s.cfg.Debug {
		d := r.diagnostics()
		m.logger.Warn("terminating unresponsive computer task",
			"computer_id", owner.ID(),
			"runner", r.name,
			"elapsed_ms", elapsed.Milliseconds(),
			"goroutine", d.GoroutineID,
			"state", d.State,
			"blocker", d.Blocker,
			"stack", d.Stack,
		)
	}

	r.stop(ErrWorkerUnresponsive)
	m.runner = nil
	runnersDiscarded.Inc()

	if h, ok := owner.(InterruptHandler); ok {
		h.TaskInterrupted(elapsed)
	}
}
