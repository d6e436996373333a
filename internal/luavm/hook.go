package luavm

import (
	"context"
	"errors"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/seantiz/hearth/internal/timeout"
)

var errAbort = errors.New(timeout.AbortMessage)

var closedChan = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

// hook is installed as the context of every fiber's thread. The interpreter
// selects on Done before each instruction, so Done is where instruction
// counting, abort delivery and pause parking happen. A nil channel lets the
// instruction run; the closed channel makes the interpreter raise Err.
type hook struct {
	m *Machine
}

var _ context.Context = (*hook)(nil)

func (h *hook) Deadline() (time.Time, bool) { return time.Time{}, false }
func (h *hook) Value(any) any               { return nil }

// Err is only consulted after Done has returned a closed channel.
func (h *hook) Err() error { return errAbort }

func (h *hook) Done() <-chan struct{} {
	m := h.m
	if m.killed.Load() || m.unwinding.Load() {
		return closedChan
	}

	switch m.flags.RecordInstruction() {
	case timeout.Unwind:
		m.unwinding.Store(true)
		return closedChan
	case timeout.Raise:
		return closedChan
	case timeout.Suspend:
		if cmd := m.current.park(); cmd.kill {
			return closedChan
		}
		if m.flags.HardAborted() {
			m.unwinding.Store(true)
			return closedChan
		}
	}
	return nil
}

// raiseAbort raises the abort message in L. It never returns.
func raiseAbort(L *lua.LState) {
	L.RaiseError("%s", timeout.AbortMessage)
}
