package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/seantiz/hearth/internal/hostapi"
	"github.com/seantiz/hearth/internal/luavm"
	"github.com/seantiz/hearth/internal/model"
	"github.com/seantiz/hearth/internal/scheduler"
	"github.com/seantiz/hearth/internal/store"
	"github.com/seantiz/hearth/internal/tracking"
)

// Errors returned by machine operations.
var (
	ErrNotFound       = store.ErrNotFound
	ErrAlreadyRunning = errors.New("machine is already running")
	ErrNotRunning     = errors.New("machine is not running")
	ErrNotPaused      = errors.New("machine is not paused")
	ErrClosed         = errors.New("engine closed")
)

// restorePageSize is how many machine records Restore reads per query.
const restorePageSize = 100

// Options wires an Engine to the rest of the service.
type Options struct {
	Store      store.Store
	Scheduler  *scheduler.Scheduler
	MainThread luavm.MainThread
	APIs       *hostapi.Registry
	Pool       *ants.Pool
	Tracker    tracking.Tracker
	// Stats, if set, drops the entry of a deleted machine.
	Stats  *tracking.Stats
	Logger *slog.Logger
	Host   string
	Debug  bool
}

// Engine owns the loaded computers. It translates API requests into
// lifecycle transitions and keeps the store in step with them.
type Engine struct {
	store      store.Store
	scheduler  *scheduler.Scheduler
	mainThread luavm.MainThread
	apis       *hostapi.Registry
	pool       *ants.Pool
	tracker    tracking.Tracker
	stats      *tracking.Stats
	root       *slog.Logger
	logger     *slog.Logger
	host       string
	debug      bool
	broker     *OutputBroker

	// loadMu serializes loading records into computers.
	loadMu sync.Mutex

	mu        sync.Mutex
	computers map[string]*Computer
	closed    bool
}

// NewEngine creates an engine with no loaded computers.
func NewEngine(opts Options) *Engine {
	if opts.APIs == nil {
		opts.APIs = hostapi.DefaultRegistry()
	}
	if opts.Tracker == nil {
		opts.Tracker = tracking.Discard
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	e := &Engine{
		store:      opts.Store,
		scheduler:  opts.Scheduler,
		mainThread: opts.MainThread,
		apis:       opts.APIs,
		pool:       opts.Pool,
		tracker:    opts.Tracker,
		stats:      opts.Stats,
		root:       opts.Logger,
		logger:     opts.Logger.With("component", "engine"),
		host:       opts.Host,
		debug:      opts.Debug,
		broker:     NewOutputBroker(),
		computers:  make(map[string]*Computer),
	}
	if t, ok := opts.MainThread.(Ticker); ok {
		t.OnTick(e.Update)
	}
	return e
}

// Ticker is implemented by main threads that can run a hook on every tick.
type Ticker interface {
	OnTick(fn func())
}

// Update runs the API update hooks of every loaded computer. NewEngine
// registers it with the main thread when that implements Ticker.
func (e *Engine) Update() {
	e.mu.Lock()
	computers := make([]*Computer, 0, len(e.computers))
	for _, c := range e.computers {
		computers = append(computers, c)
	}
	e.mu.Unlock()

	for _, c := range computers {
		c.update()
	}
}

// Broker returns the engine's output broker for SSE subscription.
func (e *Engine) Broker() *OutputBroker {
	return e.broker
}

// APIs returns the host API registry computers are built with.
func (e *Engine) APIs() *hostapi.Registry {
	return e.apis
}

// Create stores a new machine and, if boot is set, starts it. The returned
// record reflects the state after booting and is set even when booting
// failed.
func (e *Engine) Create(ctx context.Context, label, program string, boot bool) (*model.Machine, error) {
	m := &model.Machine{
		ID:          model.NewID(),
		Label:       label,
		Status:      model.StatusOff,
		Program:     program,
		ProgramHash: model.HashProgram(program),
		CreatedAt:   time.Now().UTC(),
	}
	if err := e.store.CreateMachine(ctx, m); err != nil {
		return nil, fmt.Errorf("create machine: %w", err)
	}

	c, err := e.load(ctx, m.ID)
	if err != nil {
		return nil, err
	}
	var bootErr error
	if boot {
		bootErr = c.Boot()
	}
	rec, err := e.store.GetMachine(ctx, m.ID)
	if err != nil {
		return nil, err
	}
	return rec, bootErr
}

// Restore boots every stored machine that was running or paused when the
// service last stopped. Paused machines come back running.
func (e *Engine) Restore(ctx context.Context) (int, error) {
	var active []string
	for offset := 0; ; offset += restorePageSize {
		page, total, err := e.store.ListMachines(ctx, restorePageSize, offset)
		if err != nil {
			return 0, fmt.Errorf("list machines: %w", err)
		}
		for _, m := range page {
			if model.Active(m.Status) {
				active = append(active, m.ID)
			}
		}
		if offset+len(page) >= total || len(page) == 0 {
			break
		}
	}

	restored := 0
	for _, id := range active {
		c, err := e.load(ctx, id)
		if err != nil {
			e.logger.Error("failed to load machine", "computer_id", id, "error", err)
			continue
		}
		if err := c.Boot(); err != nil {
			e.logger.Error("failed to boot machine", "computer_id", id, "error", err)
			continue
		}
		restored++
	}
	if restored > 0 {
		e.logger.Info("restored machines", "count", restored)
	}
	return restored, nil
}

// Computer returns the loaded computer for a stored machine, loading it if
// needed.
func (e *Engine) Computer(ctx context.Context, id string) (*Computer, error) {
	return e.load(ctx, id)
}

// Boot starts a machine that is off, halted or errored.
func (e *Engine) Boot(ctx context.Context, id string) error {
	c, err := e.load(ctx, id)
	if err != nil {
		return err
	}
	return c.Boot()
}

// Shutdown powers a machine off.
func (e *Engine) Shutdown(ctx context.Context, id string) error {
	c, err := e.load(ctx, id)
	if err != nil {
		return err
	}
	return c.PowerOff()
}

// Reboot powers a machine off if it is on, then boots it.
func (e *Engine) Reboot(ctx context.Context, id string) error {
	c, err := e.load(ctx, id)
	if err != nil {
		return err
	}
	return c.Restart()
}

// Pause suspends a running machine.
func (e *Engine) Pause(ctx context.Context, id string) error {
	c, err := e.load(ctx, id)
	if err != nil {
		return err
	}
	return c.Pause()
}

// Resume continues a paused machine.
func (e *Engine) Resume(ctx context.Context, id string) error {
	c, err := e.load(ctx, id)
	if err != nil {
		return err
	}
	return c.Resume()
}

// QueueEvent delivers an event to a machine's program.
func (e *Engine) QueueEvent(ctx context.Context, id, name string, args []any) error {
	c, err := e.load(ctx, id)
	if err != nil {
		return err
	}
	return c.QueueEvent(name, args)
}

// Delete unloads a machine and removes its record and output.
func (e *Engine) Delete(ctx context.Context, id string) error {
	if _, err := e.store.GetMachine(ctx, id); err != nil {
		return err
	}

	e.mu.Lock()
	c, ok := e.computers[id]
	delete(e.computers, id)
	e.mu.Unlock()

	if ok {
		c.unload()
	}
	e.scheduler.Remove(id)
	e.broker.Close(id)
	if e.stats != nil {
		e.stats.Forget(id)
	}

	if err := e.store.DeleteMachine(ctx, id); err != nil {
		return fmt.Errorf("delete machine: %w", err)
	}
	e.logger.Info("machine deleted", "computer_id", id)
	return nil
}

// Close unloads every computer without touching their stored status, so a
// later Restore brings running machines back. It waits until each
// interpreter has released its resources or ctx is done.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	computers := make([]*Computer, 0, len(e.computers))
	for id, c := range e.computers {
		computers = append(computers, c)
		delete(e.computers, id)
	}
	e.mu.Unlock()

	var done []<-chan struct{}
	for _, c := range computers {
		if ch := c.unload(); ch != nil {
			done = append(done, ch)
		}
		e.scheduler.Remove(c.id)
	}
	for _, ch := range done {
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Healthy reports whether the engine accepts work: it is not closed and its
// scheduler has workers.
func (e *Engine) Healthy() bool {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	return !closed && e.scheduler.Running()
}

// Loaded returns the number of computers held in memory.
func (e *Engine) Loaded() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.computers)
}

func (e *Engine) load(ctx context.Context, id string) (*Computer, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	if c, ok := e.computers[id]; ok {
		e.mu.Unlock()
		return c, nil
	}
	e.mu.Unlock()

	e.loadMu.Lock()
	defer e.loadMu.Unlock()
	e.mu.Lock()
	c, ok := e.computers[id]
	e.mu.Unlock()
	if ok {
		return c, nil
	}

	m, err := e.store.GetMachine(ctx, id)
	if err != nil {
		return nil, err
	}
	// A record left running by a previous process has no interpreter.
	if model.Active(m.Status) {
		if err := e.store.UpdateMachineStatus(ctx, id, model.StatusOff, ""); err != nil {
			return nil, fmt.Errorf("reset machine status: %w", err)
		}
		m.Status = model.StatusOff
	}
	lines, err := e.store.GetOutputLines(ctx, id)
	if err != nil {
		return nil, err
	}
	seq := 0
	if n := len(lines); n > 0 {
		seq = lines[n-1].Seq + 1
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	c = newComputer(e, m, seq)
	e.computers[id] = c
	return c, nil
}
