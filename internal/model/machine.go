package model

import "time"

// Machine status constants.
const (
	StatusOff     = "off"
	StatusRunning = "running"
	StatusPaused  = "paused"
	StatusHalted  = "halted"
	StatusErrored = "errored"
)

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusOff: {
		StatusRunning: true,
	},
	StatusRunning: {
		StatusPaused:  true,
		StatusOff:     true,
		StatusHalted:  true,
		StatusErrored: true,
	},
	StatusPaused: {
		StatusRunning: true,
		StatusOff:     true,
		StatusErrored: true,
	},
	StatusHalted: {
		StatusRunning: true,
	},
	StatusErrored: {
		StatusRunning: true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Active reports whether a machine in this status holds a loaded program.
func Active(status string) bool {
	return status == StatusRunning || status == StatusPaused
}

// OutputLine is a single persisted line of console output.
type OutputLine struct {
	ID        int64     `json:"id"`
	MachineID string    `json:"machine_id"`
	Seq       int       `json:"seq"`
	Line      string    `json:"line"`
	CreatedAt time.Time `json:"created_at"`
}

// Machine is a simulated computer running one program.
type Machine struct {
	ID          string     `json:"id"`
	Label       string     `json:"label,omitempty"`
	Status      string     `json:"status"`
	Program     string     `json:"program"`
	ProgramHash string     `json:"program_hash"`
	Error       string     `json:"error,omitempty"`
	Boots       int        `json:"boots"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	StoppedAt   *time.Time `json:"stopped_at,omitempty"`
}
