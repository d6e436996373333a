package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/seantiz/hearth/internal/hostapi"
	"github.com/seantiz/hearth/internal/luavm"
	"github.com/seantiz/hearth/internal/model"
	"github.com/seantiz/hearth/internal/scheduler"
	"github.com/seantiz/hearth/internal/timeout"
)

// programChunk is the chunk name programs are compiled under.
const programChunk = "program"

// unresponsiveMessage is recorded on a machine whose worker was abandoned.
const unresponsiveMessage = timeout.AbortMessage + " (unresponsive)"

type event struct {
	name string
	args []any
}

// Computer is one machine loaded in memory. It owns the machine's task queue
// in the scheduler and is the environment its host APIs are bound to.
//
// Every interpreter task captures the luavm.Machine it was queued for. A task
// whose machine has since been shut down or replaced does nothing.
type Computer struct {
	id     string
	engine *Engine
	logger *slog.Logger
	flags  timeout.Flags

	mu        sync.Mutex
	label     string
	program   string
	status    string
	machine   *luavm.Machine
	apis      []hostapi.API
	startedAt time.Time
	// parked is set while the machine is suspended mid-run by a pause and
	// needs a continue task when resumed.
	parked bool
	held   []event

	outMu   sync.Mutex
	seq     int
	partial strings.Builder
}

var (
	_ scheduler.Owner            = (*Computer)(nil)
	_ scheduler.InterruptHandler = (*Computer)(nil)
	_ hostapi.Environment        = (*Computer)(nil)
	_ luavm.EventQueue           = (*Computer)(nil)
)

func newComputer(e *Engine, m *model.Machine, seq int) *Computer {
	return &Computer{
		id:      m.ID,
		engine:  e,
		logger:  e.logger.With("computer_id", m.ID),
		label:   m.Label,
		program: m.Program,
		status:  m.Status,
		seq:     seq,
	}
}

// ID implements scheduler.Owner.
func (c *Computer) ID() string { return c.id }

// Timeout implements scheduler.Owner.
func (c *Computer) Timeout() *timeout.Flags { return &c.flags }

// Status returns the in-memory lifecycle status.
func (c *Computer) Status() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Held returns the number of events held while paused.
func (c *Computer) Held() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.held)
}

// Boot starts the program. A program that does not compile leaves the
// machine errored and returns the compile error.
func (c *Computer) Boot() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bootLocked()
}

func (c *Computer) bootLocked() error {
	if c.machine != nil {
		return ErrAlreadyRunning
	}

	c.flags.ResetAbort()
	c.flags.Unpause()
	c.parked = false
	c.held = nil

	e := c.engine
	m, err := luavm.New(luavm.Options{
		ComputerID: c.id,
		Host:       e.host,
		Flags:      &c.flags,
		Pool:       e.pool,
		Tracker:    e.tracker,
		Events:     c,
		MainThread: e.mainThread,
		Logger:     e.root,
		Debug:      e.debug,
	})
	if err != nil {
		return fmt.Errorf("create machine: %w", err)
	}

	if err := c.setStatus(model.StatusRunning, ""); err != nil {
		m.Close()
		return err
	}
	c.startedAt = time.Now()

	if err := m.Load(strings.NewReader(c.program), programChunk); err != nil {
		c.logger.Warn("program failed to compile", "error", err)
		c.persist(model.StatusErrored, err.Error())
		return err
	}

	c.apis = e.apis.Build(c)
	for _, api := range c.apis {
		m.AddAPI(api)
		if l, ok := api.(hostapi.Lifecycle); ok {
			l.Startup()
		}
	}
	c.machine = m

	if err := c.submit(m, event{}); err != nil {
		c.stopLocked(model.StatusErrored, fmt.Sprintf("start program: %v", err))
		return err
	}
	c.logger.Info("machine booted")
	return nil
}

// PowerOff stops the program and leaves the machine off.
func (c *Computer) PowerOff() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.machine == nil {
		return ErrNotRunning
	}
	c.stopLocked(model.StatusOff, "")
	c.logger.Info("machine shut down")
	return nil
}

// Restart powers the machine off if it is on and boots it again.
func (c *Computer) Restart() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.machine != nil {
		c.stopLocked(model.StatusOff, "")
	}
	return c.bootLocked()
}

// Pause suspends the program. Code that is running parks at its next check
// and events are held until Resume.
func (c *Computer) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.machine == nil || c.status != model.StatusRunning {
		return ErrNotRunning
	}
	if err := c.setStatus(model.StatusPaused, ""); err != nil {
		return err
	}
	c.flags.Pause()
	c.logger.Info("machine paused")
	return nil
}

// Resume continues a paused program and delivers the events held meanwhile.
func (c *Computer) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.machine == nil || c.status != model.StatusPaused {
		return ErrNotPaused
	}
	if err := c.setStatus(model.StatusRunning, ""); err != nil {
		return err
	}
	c.flags.Unpause()

	m := c.machine
	if c.parked {
		c.parked = false
		if err := c.submit(m, event{}); err != nil {
			c.logger.Error("failed to continue machine", "error", err)
		}
	}
	held := c.held
	c.held = nil
	for i, ev := range held {
		if err := c.submit(m, ev); err != nil {
			c.logger.Warn("dropped held events", "count", len(held)-i, "error", err)
			break
		}
	}
	c.logger.Info("machine resumed", "held_events", len(held))
	return nil
}

// QueueEvent implements hostapi.Environment and luavm.EventQueue.
func (c *Computer) QueueEvent(name string, args []any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.machine
	if m == nil {
		return ErrNotRunning
	}
	ev := event{name: name, args: args}
	if c.status == model.StatusPaused {
		return c.hold(ev)
	}
	return c.submit(m, ev)
}

// TaskInterrupted implements scheduler.InterruptHandler. The abandoned
// worker may still be inside the interpreter, so the machine is only closed.
func (c *Computer) TaskInterrupted(elapsed time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.machine == nil {
		return
	}
	c.logger.Error("machine unresponsive, terminating", "elapsed_ms", elapsed.Milliseconds())
	c.stopLocked(model.StatusErrored, unresponsiveMessage)
}

// unload stops the program without recording a status change and returns a
// channel closed once the interpreter is released, or nil if none was
// loaded.
func (c *Computer) unload() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.machine
	if m == nil {
		return nil
	}
	c.release()
	return m.Done()
}

// stopLocked closes the running machine and records status.
func (c *Computer) stopLocked(status, errMsg string) {
	c.release()
	c.persist(status, errMsg)
}

// release closes the machine and its APIs and forgets pending pause state.
func (c *Computer) release() {
	m := c.machine
	c.machine = nil
	c.parked = false
	c.held = nil
	c.flags.Unpause()

	m.Close()
	for _, api := range c.apis {
		if l, ok := api.(hostapi.Lifecycle); ok {
			l.Shutdown()
		}
	}
	c.apis = nil
	c.flushOutput()
}

func (c *Computer) hold(ev event) error {
	if len(c.held) >= c.engine.scheduler.Config().QueueLimit {
		return scheduler.ErrQueueFull
	}
	c.held = append(c.held, ev)
	return nil
}

func (c *Computer) submit(m *luavm.Machine, ev event) error {
	return c.engine.scheduler.Submit(scheduler.NewTask(c, func(context.Context) {
		c.deliver(m, ev)
	}))
}

// deliver runs on a worker. Events that reach a paused machine are held, in
// queue order, until Resume.
func (c *Computer) deliver(m *luavm.Machine, ev event) {
	c.mu.Lock()
	if c.machine != m {
		c.mu.Unlock()
		return
	}
	if c.status == model.StatusPaused && (ev.name != "" || c.parked) {
		// A parked machine is continued by Resume.
		if ev.name != "" {
			if err := c.hold(ev); err != nil {
				c.logger.Warn("dropped event while paused", "event", ev.name, "error", err)
			}
		}
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	switch m.HandleEvent(ev.name, ev.args) {
	case luavm.Paused:
		c.suspended(m)
	case luavm.Terminated:
		c.terminated(m)
	}
}

func (c *Computer) suspended(m *luavm.Machine) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.machine != m {
		return
	}
	if c.status == model.StatusPaused {
		c.parked = true
		return
	}
	// Resumed before the park was recorded.
	if err := c.submit(m, event{}); err != nil {
		c.logger.Error("failed to continue machine", "error", err)
	}
}

func (c *Computer) terminated(m *luavm.Machine) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.machine != m {
		return
	}
	if err := m.Err(); err != nil {
		c.logger.Warn("program errored", "error", err)
		c.stopLocked(model.StatusErrored, err.Error())
		return
	}
	c.logger.Info("program finished")
	c.stopLocked(model.StatusHalted, "")
}

// setStatus records a transition in the store and, if it succeeds, in
// memory.
func (c *Computer) setStatus(status, errMsg string) error {
	if err := c.engine.store.UpdateMachineStatus(context.Background(), c.id, status, errMsg); err != nil {
		return fmt.Errorf("update machine status: %w", err)
	}
	c.status = status
	return nil
}

// persist is setStatus for transitions that cannot be refused.
func (c *Computer) persist(status, errMsg string) {
	if err := c.setStatus(status, errMsg); err != nil {
		c.logger.Error("failed to record machine status", "status", status, "error", err)
		c.status = status
	}
}

// Logger implements hostapi.Environment.
func (c *Computer) Logger() *slog.Logger { return c.logger }

// update runs the Update hook of every API while the machine is loaded. The
// hooks run without c.mu because they may queue events.
func (c *Computer) update() {
	c.mu.Lock()
	if c.machine == nil {
		c.mu.Unlock()
		return
	}
	apis := c.apis
	c.mu.Unlock()

	for _, api := range apis {
		if l, ok := api.(hostapi.Lifecycle); ok {
			l.Update()
		}
	}
}

// ComputerID implements hostapi.Environment.
func (c *Computer) ComputerID() string { return c.id }

// Label implements hostapi.Environment.
func (c *Computer) Label() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.label
}

// SetLabel implements hostapi.Environment.
func (c *Computer) SetLabel(label string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx := context.Background()
	rec, err := c.engine.store.GetMachine(ctx, c.id)
	if err != nil {
		c.logger.Error("failed to load machine for label", "error", err)
		return
	}
	rec.Label = label
	if err := c.engine.store.UpdateMachine(ctx, rec); err != nil {
		c.logger.Error("failed to update label", "error", err)
		return
	}
	c.label = label
}

// Uptime implements hostapi.Environment.
func (c *Computer) Uptime() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.machine == nil {
		return 0
	}
	return time.Since(c.startedAt)
}

// Shutdown implements hostapi.Environment. It is called by the program
// itself, so the machine is closed and the current delivery unwinds.
func (c *Computer) Shutdown() {
	if err := c.PowerOff(); err != nil {
		c.logger.Debug("shutdown ignored", "error", err)
	}
}

// Reboot implements hostapi.Environment.
func (c *Computer) Reboot() {
	if err := c.Restart(); err != nil {
		c.logger.Warn("reboot failed", "error", err)
	}
}

// Output implements hostapi.Environment. Complete lines are persisted for
// history and published to live subscribers; a trailing partial line waits
// for its newline or for the machine to stop.
func (c *Computer) Output(text string) {
	c.outMu.Lock()
	defer c.outMu.Unlock()

	for {
		i := strings.IndexByte(text, '\n')
		if i < 0 {
			c.partial.WriteString(text)
			return
		}
		c.partial.WriteString(text[:i])
		c.emit(c.partial.String())
		c.partial.Reset()
		text = text[i+1:]
	}
}

func (c *Computer) flushOutput() {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	if c.partial.Len() > 0 {
		c.emit(c.partial.String())
		c.partial.Reset()
	}
}

// emit dual-writes a line: to SQLite for history, then to the broker for
// live streams.
func (c *Computer) emit(line string) {
	seq := c.seq
	c.seq++
	if err := c.engine.store.InsertOutputLine(context.Background(), c.id, seq, line); err != nil {
		c.logger.Error("failed to persist output line", "seq", seq, "error", err)
	}
	c.engine.broker.Publish(model.OutputLine{
		MachineID: c.id,
		Seq:       seq,
		Line:      line,
		CreatedAt: time.Now().UTC(),
	})
}
