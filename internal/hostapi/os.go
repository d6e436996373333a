package hostapi

import (
	"math"
	"sort"
	"sync"
	"time"
)

// TimerEvent is queued when a timer started by os.startTimer fires.
const TimerEvent = "timer"

// MaxTimerDelay caps the delay of os.startTimer.
const MaxTimerDelay = 100 * 365 * 24 * time.Hour

var osMethods = []string{
	"queueEvent",
	"startTimer",
	"cancelTimer",
	"clock",
	"time",
	"epoch",
	"getComputerID",
	"getComputerLabel",
	"setComputerLabel",
	"pullEvent",
	"pullEventRaw",
	"shutdown",
	"reboot",
}

// OSAPI is the os global: events, timers, clocks and power control. Timers
// fire from Update, so their resolution is one main thread tick.
type OSAPI struct {
	env Environment
	now func() time.Time

	mu        sync.Mutex
	nextTimer int
	timers    map[int]time.Time
}

var (
	_ API       = (*OSAPI)(nil)
	_ Lifecycle = (*OSAPI)(nil)
)

// NewOSAPI creates the os API for env.
func NewOSAPI(env Environment) *OSAPI {
	return &OSAPI{
		env:    env,
		now:    time.Now,
		timers: make(map[int]time.Time),
	}
}

func (a *OSAPI) Names() []string       { return []string{"os"} }
func (a *OSAPI) MethodNames() []string { return osMethods }

// Startup implements Lifecycle.
func (a *OSAPI) Startup() {}

// Update queues a timer event for every timer that is due, oldest first.
func (a *OSAPI) Update() {
	now := a.now()

	a.mu.Lock()
	var due []int
	for id, deadline := range a.timers {
		if !deadline.After(now) {
			due = append(due, id)
			delete(a.timers, id)
		}
	}
	a.mu.Unlock()

	sort.Ints(due)
	for _, id := range due {
		if err := a.env.QueueEvent(TimerEvent, []any{id}); err != nil {
			a.env.Logger().Warn("dropping timer event", "timer_id", id, "error", err)
		}
	}
}

// Shutdown cancels every pending timer.
func (a *OSAPI) Shutdown() {
	a.mu.Lock()
	defer a.mu.Unlock()
	clear(a.timers)
}

// CallMethod implements Object.
func (a *OSAPI) CallMethod(ctx Context, method int, args []any) ([]any, error) {
	switch osMethods[method] {
	case "queueEvent":
		name, err := ArgString(args, 0)
		if err != nil {
			return nil, err
		}
		if err := a.env.QueueEvent(name, args[1:]); err != nil {
			return nil, Errorf("%v", err)
		}
		return nil, nil
	case "startTimer":
		secs, err := ArgNumber(args, 0)
		if err != nil {
			return nil, err
		}
		return []any{a.startTimer(secs)}, nil
	case "cancelTimer":
		id, err := ArgNumber(args, 0)
		if err != nil {
			return nil, err
		}
		a.cancelTimer(int(id))
		return nil, nil
	case "clock":
		return []any{a.env.Uptime().Seconds()}, nil
	case "time":
		t := a.now()
		return []any{float64(t.Hour()) + float64(t.Minute())/60 + float64(t.Second())/3600}, nil
	case "epoch":
		return []any{float64(a.now().UnixMilli())}, nil
	case "getComputerID":
		return []any{a.env.ComputerID()}, nil
	case "getComputerLabel":
		if l := a.env.Label(); l != "" {
			return []any{l}, nil
		}
		return nil, nil
	case "setComputerLabel":
		label, err := OptString(args, 0, "")
		if err != nil {
			return nil, err
		}
		a.env.SetLabel(label)
		return nil, nil
	case "pullEvent":
		filter, err := OptString(args, 0, "")
		if err != nil {
			return nil, err
		}
		return ctx.PullEvent(filter)
	case "pullEventRaw":
		filter, err := OptString(args, 0, "")
		if err != nil {
			return nil, err
		}
		return ctx.PullEventRaw(filter)
	case "shutdown":
		a.env.Shutdown()
		return nil, nil
	case "reboot":
		a.env.Reboot()
		return nil, nil
	}
	return nil, Errorf("unknown method")
}

func (a *OSAPI) startTimer(secs float64) int {
	var delay time.Duration
	switch {
	case secs <= 0 || math.IsNaN(secs):
	case secs >= MaxTimerDelay.Seconds():
		delay = MaxTimerDelay
	default:
		delay = time.Duration(secs * float64(time.Second))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.nextTimer++
	id := a.nextTimer
	a.timers[id] = a.now().Add(delay)
	return id
}

func (a *OSAPI) cancelTimer(id int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.timers, id)
}

// Pending returns the number of timers that have not fired.
func (a *OSAPI) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.timers)
}
