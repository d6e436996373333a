package luavm

import (
	lua "github.com/yuin/gopher-lua"
)

// removedGlobals are reachable after opening the base library but give a
// program access to the host or to interpreter internals.
var removedGlobals = []string{
	"collectgarbage",
	"dofile",
	"loadfile",
	"print",
	"module",
	"require",
	"newproxy",
	"_printregs",
	"_GOPHER_LUA_VERSION",
}

// openSandbox opens the safe standard libraries on the root state and
// replaces the pieces that would let a program outlive an abort.
func (m *Machine) openSandbox(host string) {
	L := m.state
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
	L.SetTop(0)

	for _, name := range removedGlobals {
		L.SetGlobal(name, lua.LNil)
	}
	L.SetGlobal("_VERSION", lua.LString("Lua 5.1"))
	L.SetGlobal("_HOST", lua.LString(host))

	for _, name := range []string{"pcall", "xpcall"} {
		if fn, ok := L.GetGlobal(name).(*lua.LFunction); ok && fn.IsG {
			L.SetGlobal(name, L.NewFunction(m.guard(fn.GFunction)))
		}
	}

	m.openCoroutine()
}

// guard wraps a protected-call builtin so an abort it caught is raised again.
func (m *Machine) guard(fn lua.LGFunction) lua.LGFunction {
	return func(L *lua.LState) int {
		n := fn(L)
		if m.aborting() {
			raiseAbort(L)
		}
		return n
	}
}
