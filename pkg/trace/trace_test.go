package trace

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/chazu/svm/pkg/bytecode"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "trace.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func record(t *testing.T, s *Store, name string, p bytecode.Program) *Recorder {
	t.Helper()
	rec, err := s.NewRecorder(name)
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	vm, err := bytecode.New(p, bytecode.WithTracer(rec), bytecode.WithOutput(nil))
	if err != nil {
		rec.Abort()
		t.Fatalf("New: %v", err)
	}
	vm.Run()
	if err := rec.Err(); err != nil {
		t.Fatalf("recording: %v", err)
	}
	return rec
}

func TestRecorderStoresSteps(t *testing.T) {
	s := openStore(t)
	p := bytecode.Program{
		bytecode.Cell(bytecode.OpIConst), 14,
		bytecode.Cell(bytecode.OpIConst), 20,
		bytecode.Cell(bytecode.OpISub),
		bytecode.Cell(bytecode.OpPuts),
		bytecode.Cell(bytecode.OpHalt),
	}
	rec := record(t, s, "sub", p)

	ctx := context.Background()
	run, err := s.Run(ctx, rec.ID())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.Name != "sub" || run.Status != "HALTED" || run.Steps != 5 || run.Error != "" {
		t.Errorf("run = %+v", run)
	}
	if run.Finished.IsZero() || run.Finished.Before(run.Started) {
		t.Errorf("started %v finished %v", run.Started, run.Finished)
	}

	steps, err := s.Steps(ctx, rec.ID())
	if err != nil {
		t.Fatalf("Steps: %v", err)
	}
	want := []Step{
		{Seq: 1, IP: 0, Opcode: "ICONST", Operands: "14", SP: -1, FP: 0},
		{Seq: 2, IP: 2, Opcode: "ICONST", Operands: "20", SP: 0, FP: 0, Top: "14"},
		{Seq: 3, IP: 4, Opcode: "ISUB", SP: 1, FP: 0, Top: "20"},
		{Seq: 4, IP: 5, Opcode: "PUTS", SP: 0, FP: 0, Top: "-6"},
		{Seq: 5, IP: 6, Opcode: "HALT", SP: -1, FP: 0},
	}
	if len(steps) != len(want) {
		t.Fatalf("got %d steps, want %d", len(steps), len(want))
	}
	for i := range want {
		if steps[i] != want[i] {
			t.Errorf("step %d = %+v, want %+v", i, steps[i], want[i])
		}
	}
}

func TestRecorderStoresFailure(t *testing.T) {
	s := openStore(t)
	rec := record(t, s, "bad", bytecode.Program{bytecode.Cell(bytecode.OpIConst), 1, 99})

	run, err := s.Run(context.Background(), rec.ID())
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != "INVALID(99) at 2" {
		t.Errorf("Status = %q", run.Status)
	}
	if run.Error == "" {
		t.Error("Error not recorded")
	}
}

func TestRunsAndDelete(t *testing.T) {
	s := openStore(t)
	halt := bytecode.Program{bytecode.Cell(bytecode.OpHalt)}
	first := record(t, s, "first", halt)
	second := record(t, s, "second", halt)

	ctx := context.Background()
	runs, err := s.Runs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 || runs[0].ID != second.ID() || runs[1].ID != first.ID() {
		t.Fatalf("Runs = %+v", runs)
	}

	if err := s.Delete(ctx, first.ID()); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Steps(ctx, first.ID()); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("Steps after delete err = %v", err)
	}
	if err := s.Delete(ctx, first.ID()); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("second Delete err = %v", err)
	}
}

func TestAbortLeavesNoRun(t *testing.T) {
	s := openStore(t)
	rec, err := s.NewRecorder("never ran")
	if err != nil {
		t.Fatal(err)
	}
	rec.Abort()

	runs, err := s.Runs(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 0 {
		t.Errorf("Runs = %+v, want none", runs)
	}
}

func TestReopenKeepsRuns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.db")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	rec := record(t, s, "persisted", bytecode.Program{bytecode.Cell(bytecode.OpHalt)})
	s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if _, err := s.Run(context.Background(), rec.ID()); err != nil {
		t.Errorf("Run after reopen: %v", err)
	}
}
