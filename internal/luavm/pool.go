package luavm

import (
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
)

// DefaultIdleExpiry is how long an idle fiber goroutine is kept for reuse.
const DefaultIdleExpiry = 5 * time.Minute

// NewPool creates an unbounded goroutine pool for fibers. One pool is
// normally shared by every machine in the process.
func NewPool(idle time.Duration) (*ants.Pool, error) {
	if idle <= 0 {
		idle = DefaultIdleExpiry
	}
	return ants.NewPool(-1, ants.WithExpiryDuration(idle))
}

var defaultPool = sync.OnceValues(func() (*ants.Pool, error) {
	return NewPool(DefaultIdleExpiry)
})
