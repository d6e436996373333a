// Package luavm runs one computer's program in a sandboxed gopher-lua state.
//
// Every Lua coroutine, the main one included, executes on its own pooled
// goroutine ("fiber"). Fibers hand control to each other over channels so
// exactly one runs at a time. This lets host methods block the calling
// coroutine, and lets a scheduler pause park a fiber mid-instruction stream
// without losing its stack.
//
// Preemption is driven by timeout.Flags: the interpreter consults them
// through its per-instruction context hook. A soft abort is an ordinary
// catchable error, a hard abort keeps raising until the program unwinds.
package luavm
