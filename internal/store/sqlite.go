package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/hearth/internal/model"

	_ "modernc.org/sqlite"
)

const createMachinesTable = `
CREATE TABLE IF NOT EXISTS machines (
    id           TEXT PRIMARY KEY,
    label        TEXT NOT NULL DEFAULT '',
    status       TEXT NOT NULL,
    program      TEXT NOT NULL,
    program_hash TEXT NOT NULL,
    error        TEXT NOT NULL DEFAULT '',
    boots        INTEGER NOT NULL DEFAULT 0,
    created_at   DATETIME NOT NULL,
    started_at   DATETIME,
    stopped_at   DATETIME
)`

const createOutputLinesTable = `
CREATE TABLE IF NOT EXISTS output_lines (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    machine_id TEXT NOT NULL,
    seq        INTEGER NOT NULL,
    line       TEXT NOT NULL,
    created_at DATETIME NOT NULL
)`

const createOutputLinesIndex = `
CREATE INDEX IF NOT EXISTS idx_output_lines_machine ON output_lines (machine_id, seq)`

const machineColumns = `id, label, status, program, program_hash, error, boots,
	created_at, started_at, stopped_at`

// ErrNotFound is returned when a machine is not found.
var ErrNotFound = errors.New("machine not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// An in-memory database exists per connection.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []struct{ name, sql string }{
		{"machines table", createMachinesTable},
		{"output_lines table", createOutputLinesTable},
		{"output_lines index", createOutputLinesIndex},
	} {
		if _, err := db.Exec(stmt.sql); err != nil {
			db.Close()
			return nil, fmt.Errorf("create %s: %w", stmt.name, err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMachine(row scanner) (*model.Machine, error) {
	m := &model.Machine{}
	err := row.Scan(
		&m.ID, &m.Label, &m.Status, &m.Program, &m.ProgramHash, &m.Error, &m.Boots,
		&m.CreatedAt, &m.StartedAt, &m.StoppedAt,
	)
	return m, err
}

// CreateMachine inserts a new machine record.
func (s *SQLiteStore) CreateMachine(ctx context.Context, m *model.Machine) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO machines (`+machineColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Label, m.Status, m.Program, m.ProgramHash, m.Error, m.Boots,
		m.CreatedAt, m.StartedAt, m.StoppedAt,
	)
	if err != nil {
		return fmt.Errorf("insert machine: %w", err)
	}
	return nil
}

// GetMachine retrieves a machine by ID.
func (s *SQLiteStore) GetMachine(ctx context.Context, id string) (*model.Machine, error) {
	m, err := scanMachine(s.db.QueryRowContext(ctx,
		`SELECT `+machineColumns+` FROM machines WHERE id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get machine: %w", err)
	}
	return m, nil
}

// ListMachines returns a paginated list of machines ordered by created_at DESC,
// along with the total count of all machines.
func (s *SQLiteStore) ListMachines(ctx context.Context, limit, offset int) ([]*model.Machine, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM machines").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count machines: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+machineColumns+` FROM machines ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list machines: %w", err)
	}
	defer rows.Close()

	var machines []*model.Machine
	for rows.Next() {
		m, err := scanMachine(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan machine: %w", err)
		}
		machines = append(machines, m)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate machines: %w", err)
	}

	return machines, total, nil
}

// currentStatus reads a machine's status inside tx.
func currentStatus(ctx context.Context, tx *sql.Tx, id string) (string, error) {
	var status string
	err := tx.QueryRowContext(ctx, "SELECT status FROM machines WHERE id = ?", id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read machine status: %w", err)
	}
	return status, nil
}

// UpdateMachineStatus moves a machine to status. Entering running sets
// started_at and clears the error; entering off, halted or errored sets
// stopped_at and records errMsg.
func (s *SQLiteStore) UpdateMachineStatus(ctx context.Context, id, status, errMsg string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	from, err := currentStatus(ctx, tx, id)
	if err != nil {
		return err
	}
	if !model.ValidTransition(from, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, status)
	}

	now := time.Now().UTC()
	switch status {
	case model.StatusRunning:
		if from == model.StatusPaused {
			_, err = tx.ExecContext(ctx, "UPDATE machines SET status = ? WHERE id = ?", status, id)
		} else {
			_, err = tx.ExecContext(ctx,
				"UPDATE machines SET status = ?, error = '', boots = boots + 1, started_at = ?, stopped_at = NULL WHERE id = ?",
				status, now, id,
			)
		}
	case model.StatusOff, model.StatusHalted, model.StatusErrored:
		_, err = tx.ExecContext(ctx,
			"UPDATE machines SET status = ?, error = ?, stopped_at = ? WHERE id = ?",
			status, errMsg, now, id,
		)
	default:
		_, err = tx.ExecContext(ctx, "UPDATE machines SET status = ? WHERE id = ?", status, id)
	}
	if err != nil {
		return fmt.Errorf("update machine status: %w", err)
	}

	return tx.Commit()
}

// UpdateMachine writes the mutable fields of m. A status change must be a
// valid transition.
func (s *SQLiteStore) UpdateMachine(ctx context.Context, m *model.Machine) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	from, err := currentStatus(ctx, tx, m.ID)
	if err != nil {
		return err
	}
	if from != m.Status && !model.ValidTransition(from, m.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, m.Status)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE machines SET label = ?, status = ?, program = ?, program_hash = ?, error = ?,
			boots = ?, started_at = ?, stopped_at = ? WHERE id = ?`,
		m.Label, m.Status, m.Program, m.ProgramHash, m.Error,
		m.Boots, m.StartedAt, m.StoppedAt, m.ID,
	)
	if err != nil {
		return fmt.Errorf("update machine: %w", err)
	}

	return tx.Commit()
}

// DeleteMachine removes a machine and its console output.
func (s *SQLiteStore) DeleteMachine(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, "DELETE FROM machines WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete machine: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM output_lines WHERE machine_id = ?", id); err != nil {
		return fmt.Errorf("delete output lines: %w", err)
	}

	return tx.Commit()
}

// GetMachineStats returns machine counts by status and the number of stored
// output lines.
func (s *SQLiteStore) GetMachineStats(ctx context.Context) (*MachineStats, error) {
	stats := &MachineStats{CountByStatus: make(map[string]int)}

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM output_lines").Scan(&stats.OutputLines); err != nil {
		return nil, fmt.Errorf("count output lines: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM machines GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		stats.CountByStatus[status] = n
		stats.Total += n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}

	return stats, nil
}

// InsertOutputLine appends a line of console output for a machine.
func (s *SQLiteStore) InsertOutputLine(ctx context.Context, machineID string, seq int, line string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO output_lines (machine_id, seq, line, created_at) VALUES (?, ?, ?, ?)",
		machineID, seq, line, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert output line: %w", err)
	}
	return nil
}

// GetOutputLines returns a machine's console output ordered by sequence number.
func (s *SQLiteStore) GetOutputLines(ctx context.Context, machineID string) ([]model.OutputLine, error) {
	return s.GetOutputLinesAfter(ctx, machineID, -1)
}

// GetOutputLinesAfter returns the lines whose sequence number is greater than
// afterSeq, in order.
func (s *SQLiteStore) GetOutputLinesAfter(ctx context.Context, machineID string, afterSeq int) ([]model.OutputLine, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, machine_id, seq, line, created_at FROM output_lines WHERE machine_id = ? AND seq > ? ORDER BY seq ASC, id ASC",
		machineID, afterSeq,
	)
	if err != nil {
		return nil, fmt.Errorf("get output lines: %w", err)
	}
	defer rows.Close()

	lines := []model.OutputLine{}
	for rows.Next() {
		var l model.OutputLine
		if err := rows.Scan(&l.ID, &l.MachineID, &l.Seq, &l.Line, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan output line: %w", err)
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate output lines: %w", err)
	}
	return lines, nil
}
