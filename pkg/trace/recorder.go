package trace

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/chazu/svm/pkg/bytecode"
)

// Recorder writes one run into a Store. It implements bytecode.Tracer.
// All rows are written inside a single transaction that is committed when
// the VM reports the end of the run, so an interrupted process leaves no
// partial run behind.
type Recorder struct {
	store *Store
	id    string
	tx    *sql.Tx
	stmt  *sql.Stmt
	steps int64
	err   error // First write error; recording stops after it
	done  bool
}

var _ bytecode.Tracer = (*Recorder)(nil)

// NewRecorder starts recording a run labelled name.
func (s *Store) NewRecorder(name string) (*Recorder, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("starting trace transaction: %w", err)
	}

	id := uuid.New().String()
	_, err = tx.Exec("INSERT INTO runs (id, name, started) VALUES (?, ?, ?)",
		id, name, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("inserting run: %w", err)
	}

	stmt, err := tx.Prepare(`INSERT INTO steps (run_id, seq, ip, opcode, operands, sp, fp, top)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("preparing step insert: %w", err)
	}

	s.log.Debugf("recording run %s (%s)", id, name)
	return &Recorder{store: s, id: id, tx: tx, stmt: stmt}, nil
}

// ID returns the run id.
func (r *Recorder) ID() string {
	return r.id
}

// Err returns the first error hit while recording, if any.
func (r *Recorder) Err() error {
	return r.err
}

// TraceStep records one instruction.
func (r *Recorder) TraceStep(vm *bytecode.VM, in bytecode.Instruction) {
	if r.err != nil || r.done {
		return
	}
	operands := make([]string, 0, in.N)
	for _, c := range in.Operands() {
		operands = append(operands, fmt.Sprint(c))
	}
	var top sql.NullString
	if v, ok := vm.Top(); ok {
		top = sql.NullString{String: v, Valid: true}
	}

	r.steps++
	_, err := r.stmt.Exec(r.id, r.steps, in.Addr, in.Op.String(),
		strings.Join(operands, ", "), vm.SP(), vm.FP(), top)
	if err != nil {
		r.err = fmt.Errorf("recording step %d: %w", r.steps, err)
		r.store.log.Errorf("%s", r.err)
	}
}

// TraceFinish stores the final status and commits the run.
func (r *Recorder) TraceFinish(vm *bytecode.VM, status bytecode.Status, runErr error) {
	if r.done {
		return
	}
	r.done = true
	defer r.stmt.Close()

	if r.err != nil {
		r.tx.Rollback()
		return
	}

	var errText sql.NullString
	if runErr != nil {
		errText = sql.NullString{String: runErr.Error(), Valid: true}
	}
	_, err := r.tx.Exec("UPDATE runs SET finished = ?, status = ?, error = ?, steps = ? WHERE id = ?",
		time.Now().UTC().Format(time.RFC3339Nano), status.String(), errText, r.steps, r.id)
	if err != nil {
		r.err = fmt.Errorf("finishing run: %w", err)
		r.tx.Rollback()
		return
	}
	if err := r.tx.Commit(); err != nil {
		r.err = fmt.Errorf("committing run: %w", err)
		return
	}
	r.store.log.Debugf("recorded run %s: %d steps, %s", r.id, r.steps, status)
}

// Abort discards a run that never finished, e.g. when the VM could not be
// constructed.
func (r *Recorder) Abort() {
	if r.done {
		return
	}
	r.done = true
	r.stmt.Close()
	r.tx.Rollback()
}
