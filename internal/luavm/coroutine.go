package luavm

import (
	lua "github.com/yuin/gopher-lua"
)

func (m *Machine) openCoroutine() {
	L := m.state
	mod := L.NewTable()
	L.SetFuncs(mod, map[string]lua.LGFunction{
		"create":  m.coCreate,
		"resume":  m.coResume,
		"yield":   m.coYield,
		"status":  m.coStatus,
		"running": m.coRunning,
		"wrap":    m.coWrap,
	})
	L.SetGlobal("coroutine", mod)
}

func (m *Machine) coCreate(L *lua.LState) int {
	fn := L.CheckFunction(1)
	L.Push(m.newFiber(fn).thread)
	return 1
}

func (m *Machine) coResume(L *lua.LState) int {
	th := L.CheckThread(1)
	ok, values := m.resumeFrom(L, th, stackValues(L, 2))
	L.Push(lua.LBool(ok))
	for _, v := range values {
		L.Push(v)
	}
	return len(values) + 1
}

func (m *Machine) coWrap(L *lua.LState) int {
	f := m.newFiber(L.CheckFunction(1))
	L.Push(L.NewFunction(func(L *lua.LState) int {
		ok, values := m.resumeFrom(L, f.thread, stackValues(L, 1))
		if !ok {
			var msg lua.LValue = lua.LNil
			if len(values) > 0 {
				msg = values[0]
			}
			L.Error(msg, 1)
		}
		for _, v := range values {
			L.Push(v)
		}
		return len(values)
	}))
	return 1
}

// resumeFrom resumes th on behalf of the fiber running L and reports whether
// it yielded or returned normally.
func (m *Machine) resumeFrom(L *lua.LState, th *lua.LState, args []lua.LValue) (bool, []lua.LValue) {
	if m.aborting() {
		raiseAbort(L)
	}

	from, to := m.fiberOf(L), m.fiberOf(th)
	switch {
	case to == nil:
		return false, []lua.LValue{lua.LString("cannot resume dead coroutine")}
	case to == from || to.status == statusRunning:
		return false, []lua.LValue{lua.LString("cannot resume running coroutine")}
	case to.status != statusSuspended:
		return false, []lua.LValue{lua.LString("cannot resume non-suspended coroutine")}
	}

	r := m.resume(from, to, args)
	if m.aborting() {
		raiseAbort(L)
	}
	return r.kind != replyError, r.values
}

func (m *Machine) coYield(L *lua.LState) int {
	f := m.fiberOf(L)
	if f == nil {
		L.RaiseError("attempt to yield from outside a coroutine")
	}
	values, err := f.yield(stackValues(L, 1))
	if err != nil {
		raiseAbort(L)
	}
	for _, v := range values {
		L.Push(v)
	}
	return len(values)
}

func (m *Machine) coStatus(L *lua.LState) int {
	th := L.CheckThread(1)
	status := statusDead
	if f := m.fiberOf(th); f != nil {
		status = f.status
	}
	L.Push(lua.LString(status.String()))
	return 1
}

func (m *Machine) coRunning(L *lua.LState) int {
	if f := m.fiberOf(L); f == nil || f == m.main {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(L)
	return 1
}
