package store

import (
	"context"
	"errors"

	"github.com/seantiz/hearth/internal/model"
)

// ErrInvalidTransition is returned when a machine status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// MachineStats holds aggregate machine counts.
type MachineStats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
	OutputLines   int            `json:"output_lines"`
}

// Store defines the persistence operations for machines and their console output.
type Store interface {
	CreateMachine(ctx context.Context, m *model.Machine) error
	GetMachine(ctx context.Context, id string) (*model.Machine, error)
	ListMachines(ctx context.Context, limit, offset int) ([]*model.Machine, int, error)
	UpdateMachineStatus(ctx context.Context, id, status, errMsg string) error
	UpdateMachine(ctx context.Context, m *model.Machine) error
	DeleteMachine(ctx context.Context, id string) error
	GetMachineStats(ctx context.Context) (*MachineStats, error)
	InsertOutputLine(ctx context.Context, machineID string, seq int, line string) error
	GetOutputLines(ctx context.Context, machineID string) ([]model.OutputLine, error)
	GetOutputLinesAfter(ctx context.Context, machineID string, afterSeq int) ([]model.OutputLine, error)
	Close() error
}
