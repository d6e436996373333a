package luavm

import (
	"errors"

	lua "github.com/yuin/gopher-lua"

	"github.com/seantiz/hearth/internal/hostapi"
	"github.com/seantiz/hearth/internal/tracking"
)

// callContext is the hostapi.Context handed to a host method. It is bound to
// the thread that made the call.
type callContext struct {
	m *Machine
	L *lua.LState
}

var _ hostapi.Context = (*callContext)(nil)

func (c *callContext) Yield(args []any) ([]any, error) {
	f := c.m.fiberOf(c.L)
	if f == nil {
		return nil, errKilled
	}
	values, err := f.yield(c.m.toLuaValues(args))
	if err != nil {
		return nil, err
	}
	return fromLuaValues(values), nil
}

func (c *callContext) PullEvent(filter string) ([]any, error) {
	return c.pull(filter, false)
}

func (c *callContext) PullEventRaw(filter string) ([]any, error) {
	return c.pull(filter, true)
}

func (c *callContext) pull(filter string, raw bool) ([]any, error) {
	var args []any
	if filter != "" {
		args = []any{filter}
	}
	for {
		event, err := c.Yield(args)
		if err != nil {
			return nil, err
		}
		name, _ := first(event).(string)
		if !raw && name == TerminateEvent {
			return nil, hostapi.ErrTerminated
		}
		if filter == "" || name == filter {
			return event, nil
		}
	}
}

func (c *callContext) IssueMainThreadTask(task hostapi.Task) (int64, error) {
	m := c.m
	if m.mainThread == nil || m.events == nil {
		return 0, hostapi.Errorf("No main thread available")
	}

	id := m.mainThread.NextID()
	ok := m.mainThread.Enqueue(func() {
		results, err := task()
		var args []any
		if err != nil {
			args = []any{float64(id), false, errorMessage(err)}
		} else {
			args = append([]any{float64(id), true}, results...)
		}
		if err := m.events.QueueEvent(TaskCompleteEvent, args); err != nil {
			m.logger.Warn("dropping main thread task result", "task_id", id, "error", err)
		}
	})
	if !ok {
		return 0, hostapi.Errorf("Task limit exceeded")
	}
	m.tracker.AddValue(m.id, tracking.MainThreadTasks, 1)
	return id, nil
}

func (c *callContext) ExecuteMainThreadTask(task hostapi.Task) ([]any, error) {
	id, err := c.IssueMainThreadTask(task)
	if err != nil {
		return nil, err
	}
	for {
		event, err := c.PullEvent(TaskCompleteEvent)
		if err != nil {
			return nil, err
		}
		if len(event) < 3 || event[1] != float64(id) {
			continue
		}
		if ok, _ := event[2].(bool); ok {
			return event[3:], nil
		}
		msg := "error"
		if len(event) > 3 {
			msg = hostapi.Format(event[3])
		}
		return nil, hostapi.Errorf("%s", msg)
	}
}

func first(values []any) any {
	if len(values) == 0 {
		return nil
	}
	return values[0]
}

func errorMessage(err error) string {
	var herr *hostapi.Error
	if errors.As(err, &herr) {
		return herr.Message
	}
	return err.Error()
}

// installAPI publishes api under each of its global names.
func (m *Machine) installAPI(api hostapi.API) {
	t := m.objectTable(api)
	for _, name := range api.Names() {
		m.state.SetGlobal(name, t)
	}
}

// objectTable builds a table of functions calling obj's methods.
func (m *Machine) objectTable(obj hostapi.Object) *lua.LTable {
	methods := obj.MethodNames()
	t := m.state.CreateTable(0, len(methods))
	for i, name := range methods {
		t.RawSetString(name, m.state.NewFunction(m.method(obj, i)))
	}
	return t
}

func (m *Machine) method(obj hostapi.Object, index int) lua.LGFunction {
	return func(L *lua.LState) int {
		if m.aborting() {
			raiseAbort(L)
		}

		results, err := obj.CallMethod(&callContext{m: m, L: L}, index, argValues(L))
		if err != nil {
			m.raise(L, err)
		}

		values := m.toLuaValues(results)
		for _, v := range values {
			L.Push(v)
		}
		return len(values)
	}
}

// raise turns a host method error into a Lua error. It never returns.
func (m *Machine) raise(L *lua.LState, err error) {
	var herr *hostapi.Error
	switch {
	case errors.Is(err, errKilled) || m.aborting():
		raiseAbort(L)
	case errors.As(err, &herr):
		L.Error(lua.LString(herr.Message), herr.Level)
	default:
		if m.debug {
			m.logger.Error("host method failed", "error", err)
		}
		L.RaiseError("Host error: %v", err)
	}
}
