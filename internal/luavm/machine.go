package luavm

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/panjf2000/ants/v2"
	lua "github.com/yuin/gopher-lua"

	"github.com/seantiz/hearth/internal/hostapi"
	"github.com/seantiz/hearth/internal/timeout"
	"github.com/seantiz/hearth/internal/tracking"
)

// Reserved event names.
const (
	TerminateEvent    = "terminate"
	TaskCompleteEvent = "task_complete"
)

// ErrHardAbort is the termination error of a machine stopped by a hard
// abort.
var ErrHardAbort = errors.New("hard abort: " + timeout.AbortMessage)

// CompileError is returned by Load when the program does not compile.
type CompileError struct {
	Chunk   string
	Message string
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("compile %s: %s", e.Chunk, e.Message)
}

// RuntimeError is the termination error of a program whose main coroutine
// raised an error it did not handle.
type RuntimeError struct {
	Message string
}

func (e *RuntimeError) Error() string { return e.Message }

// Outcome is the result of delivering an event.
type Outcome int

const (
	// Yielded means the program ran and is waiting for another event.
	Yielded Outcome = iota
	// Filtered means the event was not delivered and nothing ran.
	Filtered
	// Paused means the program was suspended by a pause request. The next
	// delivery continues where it stopped.
	Paused
	// Terminated means the machine is closed.
	Terminated
)

func (o Outcome) String() string {
	switch o {
	case Yielded:
		return "yielded"
	case Filtered:
		return "filtered"
	case Paused:
		return "paused"
	default:
		return "terminated"
	}
}

// EventQueue receives events the machine raises for itself.
type EventQueue interface {
	QueueEvent(name string, args []any) error
}

// MainThread runs host work outside the computer's worker.
type MainThread interface {
	NextID() int64
	Enqueue(fn func()) bool
}

// Options configures a Machine.
type Options struct {
	ComputerID string
	Host       string
	Flags      *timeout.Flags
	Pool       *ants.Pool
	Tracker    tracking.Tracker
	Events     EventQueue
	MainThread MainThread
	Logger     *slog.Logger
	Debug      bool
}

// Machine is one computer's interpreter. HandleEvent must not be called
// concurrently; Close may be called from any goroutine.
type Machine struct {
	id         string
	flags      *timeout.Flags
	pool       *ants.Pool
	tracker    tracking.Tracker
	events     EventQueue
	mainThread MainThread
	logger     *slog.Logger
	debug      bool

	state *lua.LState
	hook  *hook
	wg    sync.WaitGroup

	fmu    sync.Mutex
	fibers map[*lua.LState]*fiber

	// Owned by the goroutine delivering an event.
	main    *fiber
	current *fiber

	killed    atomic.Bool
	unwinding atomic.Bool

	mu        sync.Mutex
	busy      bool
	parked    bool
	closed    bool
	filter    string
	hasFilter bool
	err       error

	teardownOnce sync.Once
	done         chan struct{}
}

// New creates a machine with a sandboxed global environment and no program.
func New(opts Options) (*Machine, error) {
	if opts.Flags == nil {
		opts.Flags = &timeout.Flags{}
	}
	if opts.Tracker == nil {
		opts.Tracker = tracking.Discard
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Pool == nil {
		pool, err := defaultPool()
		if err != nil {
			return nil, fmt.Errorf("create fiber pool: %w", err)
		}
		opts.Pool = pool
	}

	m := &Machine{
		id:         opts.ComputerID,
		flags:      opts.Flags,
		pool:       opts.Pool,
		tracker:    opts.Tracker,
		events:     opts.Events,
		mainThread: opts.MainThread,
		logger:     opts.Logger.With("component", "luavm", "computer_id", opts.ComputerID),
		debug:      opts.Debug,
		state:      lua.NewState(lua.Options{SkipOpenLibs: true}),
		fibers:     make(map[*lua.LState]*fiber),
		done:       make(chan struct{}),
	}
	m.hook = &hook{m: m}
	m.openSandbox(opts.Host)
	return m, nil
}

// AddAPI installs api as global tables.
func (m *Machine) AddAPI(api hostapi.API) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.installAPI(api)
}

// Load compiles the program and prepares its main coroutine. Loading into a
// machine that already has a program, or is closed, does nothing.
func (m *Machine) Load(r io.Reader, chunk string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.main != nil {
		return nil
	}

	fn, err := m.state.Load(r, chunk)
	if err != nil {
		m.closeLocked()
		return &CompileError{Chunk: chunk, Message: err.Error()}
	}
	m.main = m.newFiber(fn)
	return nil
}

// HandleEvent delivers an event to the program. An empty name resumes it
// without an event, which is how it is first started and how a paused
// program continues. The event's arguments are dropped when the program is
// continuing from a pause.
func (m *Machine) HandleEvent(name string, args []any) Outcome {
	m.mu.Lock()
	if m.closed || m.main == nil {
		m.mu.Unlock()
		return Terminated
	}
	if m.busy {
		m.mu.Unlock()
		m.logger.Warn("event delivered while machine is running", "event", name)
		return Filtered
	}
	if name != "" && m.hasFilter && name != m.filter && name != TerminateEvent {
		m.mu.Unlock()
		return Filtered
	}
	m.busy = true
	parked := m.parked
	m.parked = false
	m.mu.Unlock()

	var r reply
	if parked {
		m.main.in <- command{}
		r = m.await(nil, m.main)
		m.finish(nil, m.main, r)
	} else {
		var values []lua.LValue
		if name != "" {
			values = append([]lua.LValue{lua.LString(name)}, m.toLuaValues(args)...)
			m.tracker.AddValue(m.id, tracking.Events, 1)
		}
		r = m.resume(nil, m.main, values)
	}
	return m.settle(r)
}

func (m *Machine) settle(r reply) Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.busy = false

	if m.unwinding.Load() || m.flags.HardAborted() {
		m.err = ErrHardAbort
		m.logger.Error("top level coroutine errored", "error", m.err)
		m.closeLocked()
		return Terminated
	}
	if m.closed {
		m.closeLocked()
		return Terminated
	}

	switch r.kind {
	case replyPaused:
		m.parked = true
		return Paused
	case replyError:
		msg := "error"
		if len(r.values) > 0 {
			msg = lua.LVAsString(r.values[0])
			if msg == "" {
				msg = r.values[0].String()
			}
		}
		m.err = &RuntimeError{Message: msg}
		m.logger.Error("top level coroutine errored", "error", msg)
		m.closeLocked()
		return Terminated
	case replyDone:
		m.closeLocked()
		return Terminated
	}

	m.filter, m.hasFilter = "", false
	if len(r.values) > 0 {
		if s, ok := r.values[0].(lua.LString); ok {
			m.filter, m.hasFilter = string(s), true
		}
	}
	return Yielded
}

// Filter returns the event name the program is waiting for, if any.
func (m *Machine) Filter() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.filter, m.hasFilter
}

// IsClosed reports whether the machine has stopped accepting events.
func (m *Machine) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Err returns why the program stopped: ErrHardAbort, a *RuntimeError, or nil
// after a normal return or an external close.
func (m *Machine) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Done is closed once every fiber has exited and the Lua state is released.
func (m *Machine) Done() <-chan struct{} {
	return m.done
}

// Close stops the program. If an event is being handled, the running code is
// unwound and the delivery returns Terminated.
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeLocked()
}

func (m *Machine) closeLocked() {
	m.closed = true
	m.killed.Store(true)
	if m.busy {
		return
	}
	m.teardownOnce.Do(func() {
		go m.teardown()
	})
}

func (m *Machine) teardown() {
	m.killAll()
	m.wg.Wait()
	m.state.Close()
	close(m.done)
}

// aborting reports whether protected calls must re-raise what they caught.
func (m *Machine) aborting() bool {
	return m.killed.Load() || m.unwinding.Load() || m.flags.HardAborted()
}
