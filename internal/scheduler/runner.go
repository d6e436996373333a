package scheduler

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// runnerState tracks a runner through one task handoff.
type runnerState int32

const (
	stateIdle runnerState = iota
	stateRunning
	stateFinished
	stateDiscarded
)

func (s runnerState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateRunning:
		return "running"
	case stateFinished:
		return "finished"
	case stateDiscarded:
		return "discarded"
	default:
		return "unknown"
	}
}

// awaitResult is how a wait on a runner ended.
type awaitResult int

const (
	awaitDone awaitResult = iota
	awaitTimeout
	awaitQuit
)

// runner is a goroutine that executes one task at a time on behalf of a
// manager. A runner is reused until it is stopped; a stopped runner never
// signals completion again, even if its task eventually returns.
type runner struct {
	name   string
	logger *slog.Logger

	work chan Task
	done chan struct{}

	ctx    context.Context
	cancel context.CancelCauseFunc

	state atomic.Int32
	goid  atomic.Int64
}

func newRunner(name string, logger *slog.Logger) *runner {
	ctx, cancel := context.WithCancelCause(context.Background())
	r := &runner{
		name:   name,
		logger: logger,
		work:   make(chan Task),
		done:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
	}

	ready := make(chan struct{})
	go r.loop(ready)
	<-ready

	runnersCreated.Inc()
	return r
}

func (r *runner) loop(ready chan<- struct{}) {
	r.goid.Store(goroutineID())
	close(ready)

	for {
		select {
		case <-r.ctx.Done():
			return
		case t := <-r.work:
			r.run(t)
			if r.ctx.Err() != nil {
				return
			}
			r.setState(stateFinished)
			r.done <- struct{}{}
		}
	}
}

func (r *runner) run(t Task) {
	defer func() {
		if p := recover(); p != nil {
			var id string
			if o := t.Owner(); o != nil {
				id = o.ID()
			}
			r.logger.Error("error running task", "runner", r.name, "computer_id", id, "panic", p)
		}
	}()
	t.Execute(r.ctx)
}

// submit hands a task to an idle runner.
func (r *runner) submit(t Task) {
	r.setState(stateRunning)
	r.work <- t
}

// await waits up to d for the current task to finish. A completion signal is
// consumed, returning the runner to idle.
func (r *runner) await(d time.Duration, quit <-chan struct{}) awaitResult {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-r.done:
		r.setState(stateIdle)
		return awaitDone
	case <-timer.C:
		return awaitTimeout
	case <-quit:
		return awaitQuit
	}
}

// stop cancels the runner's context with cause and discards it.
func (r *runner) stop(cause error) {
	r.setState(stateDiscarded)
	r.cancel(cause)
}

func (r *runner) currentState() runnerState {
	return runnerState(r.state.Load())
}

func (r *runner) setState(s runnerState) {
	r.state.Store(int32(s))
}

// diagnostics captures the runner goroutine's current stack.
func (r *runner) diagnostics() Diagnostics {
	return goroutineDiagnostics(r.goid.Load())
}
