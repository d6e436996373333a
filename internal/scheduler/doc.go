// Package scheduler multiplexes per-computer task queues onto a small pool of
// worker goroutines.
//
// Each computer owns a bounded FIFO of tasks. Queues with pending work sit in
// a shared activation list; manager goroutines take one queue at a time, run
// its head task on a runner and watch the clock. A task that overruns its
// slice is asked to stop with a soft abort, then a hard abort, and finally its
// runner is abandoned and replaced.
package scheduler
