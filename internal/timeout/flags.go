package timeout

import "sync/atomic"

// AbortMessage is the error raised inside a program that has run too long
// without yielding.
const AbortMessage = "Too long without yielding"

// InstructionBatch is the number of instructions between flag checks.
const InstructionBatch = 1000

// Signal tells the interpreter hook what to do after an instruction.
type Signal int

const (
	// Continue lets execution proceed.
	Continue Signal = iota
	// Raise delivers a catchable abort error into the program.
	Raise
	// Suspend parks the executing fiber until the machine is resumed.
	Suspend
	// Unwind escapes to the engine boundary and terminates the program.
	Unwind
)

func (s Signal) String() string {
	switch s {
	case Continue:
		return "continue"
	case Raise:
		return "raise"
	case Suspend:
		return "suspend"
	case Unwind:
		return "unwind"
	default:
		return "unknown"
	}
}

// Flags is the abort and pause state of one machine.
//
// The abort and pause fields are written by the scheduler and read by the
// goroutine running the interpreter, so they are atomic. The instruction
// counter is only touched by whichever goroutine currently runs the machine's
// program; control is handed between goroutines over channels.
type Flags struct {
	softAborted atomic.Bool
	hardAborted atomic.Bool
	paused      atomic.Bool

	// delivered is set once the pending soft abort has been raised, so the
	// same abort is not raised again on every batch.
	delivered atomic.Bool

	count int
}

// SoftAbort requests a catchable abort.
func (f *Flags) SoftAbort() { f.softAborted.Store(true) }

// HardAbort requests an uncatchable abort. It stays latched until ResetAbort.
func (f *Flags) HardAbort() { f.hardAborted.Store(true) }

// ResetAbort clears both abort flags and the delivery latch.
func (f *Flags) ResetAbort() {
	f.softAborted.Store(false)
	f.hardAborted.Store(false)
	f.delivered.Store(false)
}

// Pause asks the interpreter to park at its next check.
func (f *Flags) Pause() { f.paused.Store(true) }

// Unpause clears a pause request.
func (f *Flags) Unpause() { f.paused.Store(false) }

// SoftAborted reports whether a soft abort is pending.
func (f *Flags) SoftAborted() bool { return f.softAborted.Load() }

// HardAborted reports whether a hard abort is latched.
func (f *Flags) HardAborted() bool { return f.hardAborted.Load() }

// Paused reports whether a pause is requested.
func (f *Flags) Paused() bool { return f.paused.Load() }

// RecordInstruction counts one executed instruction and, once per
// InstructionBatch, evaluates the flags.
func (f *Flags) RecordInstruction() Signal {
	f.count++
	if f.count < InstructionBatch {
		return Continue
	}
	f.count = 0
	return f.Poll()
}

// Poll evaluates the flags immediately. A pending soft abort is reported as
// Raise exactly once until it is cleared.
func (f *Flags) Poll() Signal {
	if f.hardAborted.Load() {
		return Unwind
	}
	if f.paused.Load() {
		return Suspend
	}
	if !f.softAborted.Load() {
		f.delivered.Store(false)
		return Continue
	}
	if f.delivered.Swap(true) {
		return Continue
	}
	return Raise
}
