package scheduler

import (
	"context"
	"time"

	"github.com/seantiz/hearth/internal/timeout"
)

// Owner is the computer a task belongs to. Tasks with the same owner ID share
// one queue and run strictly in submission order.
type Owner interface {
	ID() string
	Timeout() *timeout.Flags
}

// InterruptHandler may be implemented by an Owner that needs to know when one
// of its tasks was abandoned on an unresponsive runner.
type InterruptHandler interface {
	TaskInterrupted(elapsed time.Duration)
}

// Task is a unit of work executed on a runner. The context is cancelled with
// ErrWorkerUnresponsive if the runner is abandoned, or ErrStopped when the
// scheduler shuts down mid-task.
type Task interface {
	Owner() Owner
	Execute(ctx context.Context)
}

type funcTask struct {
	owner Owner
	fn    func(ctx context.Context)
}

// NewTask adapts a function to a Task.
func NewTask(owner Owner, fn func(ctx context.Context)) Task {
	return &funcTask{owner: owner, fn: fn}
}

func (t *funcTask) Owner() Owner                { return t.owner }
func (t *funcTask) Execute(ctx context.Context) { t.fn(ctx) }

// anonymousOwner collects tasks submitted without an owner.
type anonymousOwner struct {
	flags timeout.Flags
}

func (o *anonymousOwner) ID() string              { return "" }
func (o *anonymousOwner) Timeout() *timeout.Flags { return &o.flags }

// taskQueue is the pending work of one owner. All fields are guarded by
// Scheduler.mu.
type taskQueue struct {
	owner Owner
	tasks []Task

	// active is true while the queue is in the activation list or held by a
	// manager.
	active bool

	// removed marks a queue torn down by Remove or Stop; managers drop it
	// instead of re-activating it.
	removed bool
}

func (q *taskQueue) pop() Task {
	t := q.tasks[0]
	q.tasks[0] = nil
	q.tasks = q.tasks[1:]
	return t
}
