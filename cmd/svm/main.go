// svm CLI - assembles, runs, traces and serves stack machine programs
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/svm/manifest"
	"github.com/chazu/svm/pkg/bytecode"
)

func main() {
	verbose := flag.Bool("v", false, "Verbose output (debug logging, per-step instruction trace)")
	entry := flag.String("entry", "", "Start at this label or address instead of the program's entry")
	stack := flag.Int("stack", 0, "Operand stack capacity (default from svm.toml, else 1000)")
	globals := flag.Int("globals", 0, "Global store size (default: one slot per program cell)")
	maxSteps := flag.Int64("max-steps", 0, "Abort after this many instructions (0 = unlimited)")
	traceDB := flag.String("trace", "", "Record every executed step in this SQLite database")
	runsDB := flag.String("runs", "", "List runs recorded in this trace database; with a run id, list its steps")
	dump := flag.Bool("dump", false, "Print stack, globals and code to stderr after the run")
	disasm := flag.Bool("d", false, "Disassemble instead of running")
	output := flag.String("o", "", "Assemble to this image file instead of running")
	remote := flag.String("remote", "", "Run on an svm server (e.g. http://localhost:8765) instead of locally")
	serveMode := flag.Bool("serve", false, "Start the remote execution server (Connect + gRPC)")
	servePort := flag.Int("port", 0, "Server port (used with -serve; default from svm.toml)")
	lspMode := flag.Bool("lsp", false, "Start the assembly language server on stdio")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: svm [options] [file.sasm|file.svmi]\n\n")
		fmt.Fprintf(os.Stderr, "Runs a stack machine program given as assembly or as a program image.\n")
		fmt.Fprintf(os.Stderr, "Without a file, the entry named in svm.toml is used.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  svm fact.sasm                    # Assemble and run\n")
		fmt.Fprintf(os.Stderr, "  svm -o fact.svmi fact.sasm       # Assemble to an image\n")
		fmt.Fprintf(os.Stderr, "  svm -d fact.svmi                 # Disassemble an image\n")
		fmt.Fprintf(os.Stderr, "  svm -trace runs.db fact.sasm     # Run and record every step\n")
		fmt.Fprintf(os.Stderr, "  svm -runs runs.db                # List recorded runs\n")
		fmt.Fprintf(os.Stderr, "  svm -runs runs.db <run-id>       # Show the steps of one run\n")
		fmt.Fprintf(os.Stderr, "\nServers:\n")
		fmt.Fprintf(os.Stderr, "  svm -serve -port 8765            # Remote execution service\n")
		fmt.Fprintf(os.Stderr, "  svm -remote http://host:8765 fact.sasm\n")
		fmt.Fprintf(os.Stderr, "  svm -lsp                         # Language server for editors\n")
	}
	flag.Parse()

	// Load svm.toml if one exists
	m, err := manifest.FindAndLoad(".")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading manifest: %v\n", err)
		os.Exit(1)
	}
	if m == nil {
		m = manifest.Defaults()
	}

	configureLogging(m, *verbose)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// Start language server if requested
	if *lspMode {
		if err := runLSP(); err != nil {
			fmt.Fprintf(os.Stderr, "LSP error: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	// Start execution server if requested
	if *serveMode {
		if err := runServer(ctx, m, *servePort); err != nil {
			fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	// Inspect a trace database if requested
	if *runsDB != "" {
		if err := listRuns(ctx, os.Stdout, *runsDB, flag.Arg(0)); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	path := flag.Arg(0)
	if path == "" {
		path = m.EntryPath()
	}
	img, err := loadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if *disasm {
		fmt.Print(img.Program().DisassembleWithName(path, img.Symbols))
		os.Exit(0)
	}
	if *output != "" {
		if err := writeImage(*output, img); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if *verbose {
			fmt.Printf("Wrote %s (%d cells)\n", *output, len(img.Code))
		}
		os.Exit(0)
	}

	cfg := runConfig{
		name:     path,
		entry:    *entry,
		stack:    *stack,
		globals:  *globals,
		maxSteps: *maxSteps,
		trace:    *traceDB,
		dump:     *dump,
	}
	cfg.applyManifest(m)

	var status bytecode.Status
	if *remote != "" {
		status, err = runRemote(ctx, *remote, img, cfg, os.Stdout)
	} else {
		status, err = runLocal(ctx, img, cfg, os.Stdout, os.Stderr)
	}
	switch {
	case status.Kind == bytecode.StatusRunning:
		// The program never ran
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	case status.Kind != bytecode.StatusHalted:
		fmt.Fprintf(os.Stderr, "svm: %s: %v\n", status, err)
		os.Exit(1)
	case err != nil:
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
}

// configureLogging sets up commonlog from the manifest; -v forces debug.
func configureLogging(m *manifest.Manifest, verbose bool) {
	verbosity := m.Log.Verbosity
	if verbose {
		verbosity = 2
	}
	var path *string
	if p := m.LogPath(); p != "" {
		path = &p
	}
	commonlog.Configure(verbosity, path)
}
