package hostapi

import (
	"fmt"
	"log/slog"
	"time"
)

// Object is a host value whose methods a program can call. Method indices
// passed to CallMethod refer to positions in MethodNames.
type Object interface {
	MethodNames() []string
	CallMethod(ctx Context, method int, args []any) ([]any, error)
}

// API is an Object installed under one or more global names.
type API interface {
	Object
	Names() []string
}

// Lifecycle is implemented by APIs that hold resources for the lifetime of a
// running computer. Update is called on every main thread tick while the
// computer is running or paused.
type Lifecycle interface {
	Startup()
	Update()
	Shutdown()
}

// Task is work that must run on the host's main thread.
type Task func() ([]any, error)

// Context lets a host method interact with the program that called it. The
// blocking methods suspend the calling coroutine, not a worker.
type Context interface {
	// PullEvent waits for an event named filter, or any event if filter is
	// empty. A terminate event returns ErrTerminated.
	PullEvent(filter string) ([]any, error)
	// PullEventRaw is PullEvent without terminate handling.
	PullEventRaw(filter string) ([]any, error)
	// Yield suspends the calling coroutine with args and returns the values
	// it is resumed with.
	Yield(args []any) ([]any, error)
	// IssueMainThreadTask queues task on the main thread and returns its ID.
	// The result arrives later as a task_complete event.
	IssueMainThreadTask(task Task) (int64, error)
	// ExecuteMainThreadTask issues task and waits for its result.
	ExecuteMainThreadTask(task Task) ([]any, error)
}

// Environment is the computer an API instance is bound to.
type Environment interface {
	ComputerID() string
	Label() string
	SetLabel(label string)
	QueueEvent(name string, args []any) error
	Output(text string)
	Uptime() time.Duration
	Shutdown()
	Reboot()
	Logger() *slog.Logger
}

// Error is an error raised inside the calling program with a plain message.
// Level 1 prefixes the caller's position, level 0 adds none.
type Error struct {
	Message string
	Level   int
}

func (e *Error) Error() string { return e.Message }

// Errorf returns an Error positioned at the caller.
func Errorf(format string, args ...any) *Error {
	return &Error{Message: fmt.Sprintf(format, args...), Level: 1}
}

// ErrTerminated is returned by PullEvent when the program receives a
// terminate event.
var ErrTerminated = &Error{Message: "Terminated", Level: 0}
