package luavm

import (
	"errors"
	"fmt"

	lua "github.com/yuin/gopher-lua"

	"github.com/seantiz/hearth/internal/tracking"
)

type fiberStatus int

const (
	statusSuspended fiberStatus = iota
	statusRunning
	statusNormal
	statusDead
)

func (s fiberStatus) String() string {
	switch s {
	case statusSuspended:
		return "suspended"
	case statusRunning:
		return "running"
	case statusNormal:
		return "normal"
	default:
		return "dead"
	}
}

type replyKind int

const (
	replyYield replyKind = iota
	replyDone
	replyError
	replyPaused
)

// command wakes a waiting fiber.
type command struct {
	values []lua.LValue
	kill   bool
}

// reply is what a fiber reports when it gives up control.
type reply struct {
	kind   replyKind
	values []lua.LValue
}

var errKilled = errors.New("coroutine killed")

// fiber is one Lua coroutine backed by a goroutine from the machine's pool.
// status and parent are only touched by whichever goroutine currently holds
// control of the machine. waiting is read by teardown and guarded by the
// machine's fiber lock.
type fiber struct {
	m      *Machine
	thread *lua.LState
	fn     *lua.LFunction

	in  chan command
	out chan reply

	status  fiberStatus
	started bool
	parent  *fiber
	waiting bool
}

func (m *Machine) newFiber(fn *lua.LFunction) *fiber {
	th, _ := m.state.NewThread()
	th.SetContext(m.hook)
	f := &fiber{
		m:      m,
		thread: th,
		fn:     fn,
		in:     make(chan command, 1),
		out:    make(chan reply, 1),
	}

	m.fmu.Lock()
	m.fibers[th] = f
	m.fmu.Unlock()

	m.tracker.AddValue(m.id, tracking.CoroutinesCreated, 1)
	return f
}

// fiberOf returns the fiber running on L, or nil if it has finished.
func (m *Machine) fiberOf(L *lua.LState) *fiber {
	m.fmu.Lock()
	defer m.fmu.Unlock()
	return m.fibers[L]
}

// start runs the fiber's function on a pool goroutine.
func (m *Machine) start(f *fiber, args []lua.LValue) {
	f.started = true
	m.wg.Add(1)
	err := m.pool.Submit(func() {
		defer m.wg.Done()
		defer m.tracker.AddValue(m.id, tracking.CoroutinesDisposed, 1)
		f.run(args)
	})
	if err != nil {
		m.wg.Done()
		m.tracker.AddValue(m.id, tracking.CoroutinesDisposed, 1)
		f.out <- reply{kind: replyError, values: []lua.LValue{lua.LString(fmt.Sprintf("cannot start coroutine: %v", err))}}
	}
}

func (f *fiber) run(args []lua.LValue) {
	th := f.thread
	if err := th.CallByParam(lua.P{Fn: f.fn, NRet: lua.MultRet, Protect: true}, args...); err != nil {
		f.out <- reply{kind: replyError, values: []lua.LValue{errorValue(err)}}
		return
	}

	n := th.GetTop()
	values := make([]lua.LValue, n)
	for i := 1; i <= n; i++ {
		values[i-1] = th.Get(i)
	}
	th.Pop(n)
	f.out <- reply{kind: replyDone, values: values}
}

// yield hands control back to whoever resumed f and blocks until f is
// resumed again.
func (f *fiber) yield(values []lua.LValue) ([]lua.LValue, error) {
	cmd := f.wait(reply{kind: replyYield, values: values})
	if cmd.kill {
		return nil, errKilled
	}
	return cmd.values, nil
}

// park reports a scheduler pause upward and blocks until woken.
func (f *fiber) park() command {
	return f.wait(reply{kind: replyPaused})
}

func (f *fiber) wait(r reply) command {
	f.setWaiting(true)
	f.out <- r
	cmd := <-f.in
	f.setWaiting(false)
	return cmd
}

func (f *fiber) setWaiting(w bool) {
	f.m.fmu.Lock()
	f.waiting = w
	f.m.fmu.Unlock()
}

// resume transfers control from the running fiber (nil for the host) to to,
// and returns once to yields, finishes, errors or, when from is nil, parks.
func (m *Machine) resume(from, to *fiber, args []lua.LValue) reply {
	if from != nil {
		from.status = statusNormal
	}
	to.status = statusRunning
	m.fmu.Lock()
	to.parent = from
	m.fmu.Unlock()
	m.current = to

	if !to.started {
		m.start(to, args)
	} else {
		to.in <- command{values: args}
	}
	r := m.await(from, to)
	m.finish(from, to, r)
	return r
}

// await waits for to to give up control. A pause inside to parks from as
// well, so the pause reaches the host through every level of nesting.
func (m *Machine) await(from, to *fiber) reply {
	for {
		r := <-to.out
		if r.kind != replyPaused || from == nil {
			return r
		}

		cmd := from.park()
		to.in <- cmd
		if cmd.kill {
			<-to.out
			return reply{kind: replyError, values: []lua.LValue{lua.LString(errKilled.Error())}}
		}
	}
}

func (m *Machine) finish(from, to *fiber, r reply) {
	if r.kind == replyPaused {
		return
	}

	m.current = from
	if from != nil {
		from.status = statusRunning
	}

	m.fmu.Lock()
	to.parent = nil
	switch r.kind {
	case replyYield:
		to.status = statusSuspended
	default:
		to.status = statusDead
		delete(m.fibers, to.thread)
	}
	m.fmu.Unlock()
}

// killAll stops every fiber still holding a goroutine. Only fibers without a
// waiting parent are killed directly; a parked parent forwards the kill to
// its child and waits for it, so fibers unwind one at a time.
func (m *Machine) killAll() {
	m.fmu.Lock()
	var roots []*fiber
	unstarted := 0
	for _, f := range m.fibers {
		switch {
		case !f.started:
			unstarted++
		case f.waiting && f.parent == nil:
			roots = append(roots, f)
		}
	}
	m.fibers = make(map[*lua.LState]*fiber)
	m.fmu.Unlock()

	for _, f := range roots {
		f.in <- command{kill: true}
		<-f.out
	}
	if unstarted > 0 {
		m.tracker.AddValue(m.id, tracking.CoroutinesDisposed, int64(unstarted))
	}
}

func errorValue(err error) lua.LValue {
	var aerr *lua.ApiError
	if errors.As(err, &aerr) && aerr.Object != nil {
		return aerr.Object
	}
	return lua.LString(err.Error())
}
