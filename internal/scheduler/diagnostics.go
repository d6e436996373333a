package scheduler

import (
	"bytes"
	"fmt"
	"runtime"
	"strconv"
	"strings"
)

// maxDumpSize caps the buffer used to capture all goroutine stacks.
const maxDumpSize = 8 << 20

// Diagnostics describes what an unresponsive runner goroutine was doing.
type Diagnostics struct {
	GoroutineID int64
	// State is the scheduler wait reason, e.g. "chan receive" or "running".
	State string
	// Blocker is the innermost function on the stack.
	Blocker string
	Stack   string
}

// goroutineID parses the current goroutine's ID from its stack header.
func goroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	fields := bytes.Fields(buf[:n])
	if len(fields) < 2 {
		return 0
	}
	id, err := strconv.ParseInt(string(fields[1]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// goroutineDiagnostics dumps every goroutine and extracts the one with id.
func goroutineDiagnostics(id int64) Diagnostics {
	buf := make([]byte, 64<<10)
	for {
		n := runtime.Stack(buf, true)
		if n < len(buf) || len(buf) >= maxDumpSize {
			buf = buf[:n]
			break
		}
		buf = make([]byte, 2*len(buf))
	}

	d, ok := parseGoroutine(string(buf), id)
	if !ok {
		return Diagnostics{GoroutineID: id, State: "exited"}
	}
	return d
}

// parseGoroutine finds the block for goroutine id in a runtime.Stack dump.
func parseGoroutine(dump string, id int64) (Diagnostics, bool) {
	prefix := fmt.Sprintf("goroutine %d [", id)
	for block := range strings.SplitSeq(dump, "\n\n") {
		if !strings.HasPrefix(block, prefix) {
			continue
		}
		header, stack, _ := strings.Cut(block, "\n")
		state := strings.TrimSuffix(strings.TrimPrefix(header, prefix), "]:")
		blocker, _, _ := strings.Cut(stack, "\n")
		return Diagnostics{
			GoroutineID: id,
			State:       state,
			Blocker:     blocker,
			Stack:       stack,
		}, true
	}
	return Diagnostics{}, false
}
