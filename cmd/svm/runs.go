package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/chazu/svm/pkg/trace"
)

// listRuns prints the runs recorded in the trace database at path, or the
// steps of runID when it is not empty.
func listRuns(ctx context.Context, w io.Writer, path, runID string) error {
	store, err := trace.Open(path)
	if err != nil {
		return err
	}
	defer store.Close()

	if runID != "" {
		return printSteps(ctx, w, store, runID)
	}

	runs, err := store.Runs(ctx)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintf(w, "No runs recorded in %s\n", path)
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTARTED\tSTEPS\tSTATUS")
	for _, r := range runs {
		status := r.Status
		if r.Finished.IsZero() {
			status = "unfinished"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
			r.ID, r.Name, r.Started.Local().Format(time.DateTime), r.Steps, status)
	}
	return tw.Flush()
}

func printSteps(ctx context.Context, w io.Writer, store *trace.Store, runID string) error {
	run, err := store.Run(ctx, runID)
	if err != nil {
		return err
	}
	steps, err := store.Steps(ctx, runID)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "; run %s (%s): %s after %d steps\n", run.ID, run.Name, run.Status, run.Steps)
	if run.Error != "" {
		fmt.Fprintf(w, "; %s\n", run.Error)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tIP\tINSTRUCTION\tSP\tFP\tTOP")
	for _, s := range steps {
		fmt.Fprintf(tw, "%d\t%04d\t%s %s\t%d\t%d\t%s\n", s.Seq, s.IP, s.Opcode, s.Operands, s.SP, s.FP, s.Top)
	}
	return tw.Flush()
}
