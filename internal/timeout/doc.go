// Package timeout holds the per-machine abort and pause flags shared between
// the scheduler's manager goroutines and the interpreter executing a machine's
// program. The interpreter consults the flags from its instruction hook; the
// scheduler escalates them when a task overruns its time slice.
package timeout
