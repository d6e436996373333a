// Package engine manages the lifecycle of computers. Each stored machine is
// loaded into a Computer that owns its interpreter, queues its events on the
// scheduler, and records status changes and console output in the store.
package engine
