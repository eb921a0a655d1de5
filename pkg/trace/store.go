// Package trace records executions of the bytecode machine in a SQLite
// database so a run can be inspected step by step after it ends.
package trace

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"
)

// ErrRunNotFound indicates the requested run doesn't exist
var ErrRunNotFound = errors.New("trace: run not found")

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id       TEXT PRIMARY KEY,
	name     TEXT NOT NULL,
	started  TEXT NOT NULL,
	finished TEXT,
	status   TEXT,
	error    TEXT,
	steps    INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS steps (
	run_id   TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	seq      INTEGER NOT NULL,
	ip       INTEGER NOT NULL,
	opcode   TEXT NOT NULL,
	operands TEXT NOT NULL,
	sp       INTEGER NOT NULL,
	fp       INTEGER NOT NULL,
	top      TEXT,
	PRIMARY KEY (run_id, seq)
);`

// Store is a trace database.
type Store struct {
	db   *sql.DB
	path string
	log  commonlog.Logger
}

// Run summarizes one recorded execution.
type Run struct {
	ID       string
	Name     string
	Started  time.Time
	Finished time.Time // Zero while the run is in progress or was abandoned
	Status   string
	Error    string
	Steps    int64
}

// Step is one executed instruction. SP, FP and Top are sampled after the
// instruction was decoded and before it ran.
type Step struct {
	Seq      int64
	IP       int
	Opcode   string
	Operands string
	SP       int
	FP       int
	Top      string // Empty when the stack was empty
}

// Open opens (creating if needed) the trace database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening trace database: %w", err)
	}

	// Set busy timeout for concurrent access
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating tables: %w", err)
	}

	return &Store{db: db, path: path, log: commonlog.GetLogger("svm.trace")}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Path returns the database file the store was opened from.
func (s *Store) Path() string {
	return s.path
}

// Runs lists recorded runs, most recent first.
func (s *Store) Runs(ctx context.Context) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, started, finished, status, error, steps
		 FROM runs ORDER BY started DESC, rowid DESC`)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Run returns a single run by id.
func (s *Store) Run(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, started, finished, status, error, steps FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrRunNotFound
	}
	return run, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (Run, error) {
	var (
		run              Run
		started          string
		finished, status sql.NullString
		errText          sql.NullString
	)
	if err := sc.Scan(&run.ID, &run.Name, &started, &finished, &status, &errText, &run.Steps); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, err
		}
		return Run{}, fmt.Errorf("scanning run: %w", err)
	}
	run.Started, _ = time.Parse(time.RFC3339Nano, started)
	if finished.Valid {
		run.Finished, _ = time.Parse(time.RFC3339Nano, finished.String)
	}
	run.Status = status.String
	run.Error = errText.String
	return run, nil
}

// Steps returns the recorded instructions of a run in execution order.
func (s *Store) Steps(ctx context.Context, runID string) ([]Step, error) {
	if _, err := s.Run(ctx, runID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, ip, opcode, operands, sp, fp, top
		 FROM steps WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("querying steps: %w", err)
	}
	defer rows.Close()

	var steps []Step
	for rows.Next() {
		var (
			st  Step
			top sql.NullString
		)
		if err := rows.Scan(&st.Seq, &st.IP, &st.Opcode, &st.Operands, &st.SP, &st.FP, &top); err != nil {
			return nil, fmt.Errorf("scanning step: %w", err)
		}
		st.Top = top.String
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// Delete removes a run and its steps.
func (s *Store) Delete(ctx context.Context, runID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("deleting run: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM steps WHERE run_id = ?", runID); err != nil {
		return fmt.Errorf("deleting steps: %w", err)
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM runs WHERE id = ?", runID)
	if err != nil {
		return fmt.Errorf("deleting run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRunNotFound
	}
	return tx.Commit()
}
