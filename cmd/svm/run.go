package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/chazu/svm/manifest"
	"github.com/chazu/svm/pkg/asm"
	"github.com/chazu/svm/pkg/bytecode"
	"github.com/chazu/svm/pkg/image"
	"github.com/chazu/svm/pkg/trace"
	"github.com/chazu/svm/server"
)

// runConfig holds the engine settings gathered from flags and svm.toml.
// Zero values leave the program's own settings in place.
type runConfig struct {
	name     string
	entry    string
	stack    int
	globals  int
	maxSteps int64
	trace    string
	dump     bool
}

// applyManifest fills settings not given on the command line from m.
func (c *runConfig) applyManifest(m *manifest.Manifest) {
	if c.stack == 0 {
		c.stack = m.Machine.StackCapacity
	}
	if c.globals == 0 {
		c.globals = m.Machine.Globals
	}
	if c.maxSteps == 0 {
		c.maxSteps = m.Machine.MaxSteps
	}
	if c.trace == "" {
		c.trace = m.TracePath()
	}
}

// loadFile reads assembly text or an encoded image. Sources are told
// apart by content, not extension.
func loadFile(path string) (*image.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if image.IsImage(data) {
		img, err := image.Unmarshal(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return img, nil
	}
	obj, err := asm.Assemble(string(data))
	if err != nil {
		return nil, fmt.Errorf("%s:%w", path, err)
	}
	return image.FromObject(obj), nil
}

// writeImage stores img at path, adding the image extension when path
// has none.
func writeImage(path string, img *image.Image) error {
	if filepath.Ext(path) == "" {
		path += image.Ext
	}
	return image.WriteFile(path, img)
}

// resolveEntry turns an -entry value into an address: a label of img, or
// an integer.
func resolveEntry(img *image.Image, entry string) (int, error) {
	if addr, ok := img.Symbols[entry]; ok {
		return addr, nil
	}
	addr, err := strconv.Atoi(entry)
	if err != nil {
		return 0, fmt.Errorf("entry %q is neither a label nor an address", entry)
	}
	return addr, nil
}

// options builds engine options: the image's recorded settings, then
// the configured overrides.
func (c runConfig) options(img *image.Image) ([]bytecode.Option, error) {
	opts := img.Options()
	if c.entry != "" {
		addr, err := resolveEntry(img, c.entry)
		if err != nil {
			return nil, err
		}
		opts = append(opts, bytecode.WithStartIP(addr))
	}
	if c.stack > 0 {
		opts = append(opts, bytecode.WithStackCapacity(c.stack))
	}
	if c.globals > 0 {
		opts = append(opts, bytecode.WithGlobals(c.globals))
	}
	if c.maxSteps > 0 {
		opts = append(opts, bytecode.WithMaxSteps(c.maxSteps))
	}
	return opts, nil
}

// runLocal executes img in this process. A zero-kind (RUNNING) status
// means the program never started.
func runLocal(ctx context.Context, img *image.Image, cfg runConfig, stdout, stderr io.Writer) (bytecode.Status, error) {
	opts, err := cfg.options(img)
	if err != nil {
		return bytecode.Status{}, err
	}
	opts = append(opts, bytecode.WithOutput(stdout))

	var rec *trace.Recorder
	if cfg.trace != "" {
		store, err := trace.Open(cfg.trace)
		if err != nil {
			return bytecode.Status{}, err
		}
		defer store.Close()

		rec, err = store.NewRecorder(filepath.Base(cfg.name))
		if err != nil {
			return bytecode.Status{}, err
		}
		opts = append(opts, bytecode.WithTracer(rec))
	}

	vm, err := bytecode.New(img.Program(), opts...)
	if err != nil {
		if rec != nil {
			rec.Abort()
		}
		return bytecode.Status{}, err
	}

	status, runErr := vm.RunContext(ctx)
	if cfg.dump {
		fmt.Fprintln(stderr, vm.DumpStack())
		fmt.Fprintln(stderr, vm.DumpGlobals())
		fmt.Fprintln(stderr, vm.DumpCode())
	}
	if rec != nil {
		if err := rec.Err(); err != nil {
			runErr = errors.Join(runErr, fmt.Errorf("trace: %w", err))
		} else {
			fmt.Fprintf(stderr, "trace: run %s recorded in %s\n", rec.ID(), cfg.trace)
		}
	}
	return status, runErr
}

// runRemote executes img on an svm server and copies its output to
// stdout.
func runRemote(ctx context.Context, baseURL string, img *image.Image, cfg runConfig, stdout io.Writer) (bytecode.Status, error) {
	if cfg.entry != "" {
		addr, err := resolveEntry(img, cfg.entry)
		if err != nil {
			return bytecode.Status{}, err
		}
		shifted := *img
		shifted.Entry = addr
		img = &shifted
	}
	data, err := image.Marshal(img)
	if err != nil {
		return bytecode.Status{}, err
	}

	client := server.NewClient(nil, baseURL)
	resp, err := client.Run(ctx, &server.RunRequest{
		Image:         data,
		StackCapacity: cfg.stack,
		Globals:       cfg.globals,
		MaxSteps:      cfg.maxSteps,
	})
	if err != nil {
		return bytecode.Status{}, err
	}
	io.WriteString(stdout, resp.Output)

	status := bytecode.Status{IP: resp.IP, Opcode: bytecode.Cell(resp.Opcode)}
	switch resp.Status {
	case "HALTED":
		status.Kind = bytecode.StatusHalted
	case "INVALID":
		status.Kind = bytecode.StatusInvalid
	case "FAULT":
		status.Kind = bytecode.StatusFault
	default:
		status.Kind = bytecode.StatusAborted
	}
	if resp.Error != "" {
		return status, errors.New(resp.Error)
	}
	return status, nil
}
