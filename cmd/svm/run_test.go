package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chazu/svm/manifest"
	"github.com/chazu/svm/pkg/bytecode"
	"github.com/chazu/svm/pkg/image"
	"github.com/chazu/svm/server"
)

const factSource = `
        .entry main
fact:   LOAD -3
        ICONST 2
        ILT
        BRF recurse
        ICONST 1
        RET
recurse:
        LOAD -3
        LOAD -3
        ICONST 1
        ISUB
        CALL fact, 1
        IMUL
        RET
main:   ICONST 5
        CALL fact, 1
        PUTS
        HALT
other:  ICONST 7
        PUTS
        HALT
`

func writeSource(t *testing.T, name, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFileSourceAndImage(t *testing.T) {
	srcPath := writeSource(t, "fact.sasm", factSource)
	fromSource, err := loadFile(srcPath)
	if err != nil {
		t.Fatalf("loadFile(source): %v", err)
	}
	if fromSource.Entry != 22 {
		t.Errorf("Entry = %d, want 22", fromSource.Entry)
	}

	// Images are detected by content, whatever the extension.
	imgPath := filepath.Join(t.TempDir(), "fact.bin")
	if err := image.WriteFile(imgPath, fromSource); err != nil {
		t.Fatal(err)
	}
	fromImage, err := loadFile(imgPath)
	if err != nil {
		t.Fatalf("loadFile(image): %v", err)
	}
	if len(fromImage.Code) != len(fromSource.Code) || fromImage.Symbols["other"] != fromSource.Symbols["other"] {
		t.Errorf("image differs from source: %+v", fromImage)
	}
}

func TestLoadFileErrors(t *testing.T) {
	bad := writeSource(t, "bad.sasm", "ICONST 1\nFROB\n")
	_, err := loadFile(bad)
	if err == nil || !strings.Contains(err.Error(), "bad.sasm:2:1: unknown mnemonic") {
		t.Errorf("loadFile(bad) = %v", err)
	}

	if _, err := loadFile(filepath.Join(t.TempDir(), "missing.sasm")); !os.IsNotExist(err) {
		t.Errorf("loadFile(missing) = %v, want not-exist", err)
	}
}

func TestWriteImageAddsExtension(t *testing.T) {
	img, err := loadFile(writeSource(t, "fact.sasm", factSource))
	if err != nil {
		t.Fatal(err)
	}
	out := filepath.Join(t.TempDir(), "fact")
	if err := writeImage(out, img); err != nil {
		t.Fatalf("writeImage: %v", err)
	}
	if _, err := image.ReadFile(out + image.Ext); err != nil {
		t.Errorf("ReadFile: %v", err)
	}
}

func TestResolveEntry(t *testing.T) {
	img := &image.Image{Symbols: map[string]int{"main": 22}}
	tests := []struct {
		entry   string
		want    int
		wantErr bool
	}{
		{"main", 22, false},
		{"5", 5, false},
		{"nowhere", 0, true},
	}
	for _, tt := range tests {
		got, err := resolveEntry(img, tt.entry)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("resolveEntry(%q) = %d, %v", tt.entry, got, err)
		}
	}
}

func TestApplyManifest(t *testing.T) {
	m := manifest.Defaults()
	m.Machine.MaxSteps = 500
	m.Machine.Globals = 8

	cfg := runConfig{stack: 64}
	cfg.applyManifest(m)
	if cfg.stack != 64 {
		t.Errorf("stack = %d, flag value should win", cfg.stack)
	}
	if cfg.maxSteps != 500 || cfg.globals != 8 {
		t.Errorf("cfg = %+v, want manifest max-steps and globals", cfg)
	}
}

func TestRunLocal(t *testing.T) {
	img, err := loadFile(writeSource(t, "fact.sasm", factSource))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		cfg    runConfig
		want   string
		status bytecode.StatusKind
	}{
		{"entry from source", runConfig{}, "OUTPUT: 120\n", bytecode.StatusHalted},
		{"entry label", runConfig{entry: "other"}, "OUTPUT: 7\n", bytecode.StatusHalted},
		{"step limit", runConfig{maxSteps: 5}, "", bytecode.StatusAborted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			status, _ := runLocal(context.Background(), img, tt.cfg, &stdout, &stderr)
			if status.Kind != tt.status {
				t.Errorf("status = %s, want %s", status, tt.status)
			}
			if stdout.String() != tt.want {
				t.Errorf("output = %q, want %q", stdout.String(), tt.want)
			}
		})
	}

	if _, err := runLocal(context.Background(), img, runConfig{entry: "nowhere"}, &bytes.Buffer{}, &bytes.Buffer{}); err == nil {
		t.Error("runLocal with unknown entry label succeeded")
	}
}

func TestRunLocalDump(t *testing.T) {
	img, err := loadFile(writeSource(t, "g.sasm", "ICONST 99\nGSTORE 0\nHALT\n"))
	if err != nil {
		t.Fatal(err)
	}
	var stderr bytes.Buffer
	if _, err := runLocal(context.Background(), img, runConfig{dump: true}, &bytes.Buffer{}, &stderr); err != nil {
		t.Fatalf("runLocal: %v", err)
	}
	if !strings.Contains(stderr.String(), "Data memory:\n   0 99") {
		t.Errorf("dump =\n%s", stderr.String())
	}
}

func TestRunLocalTraceAndListRuns(t *testing.T) {
	img, err := loadFile(writeSource(t, "fact.sasm", factSource))
	if err != nil {
		t.Fatal(err)
	}
	db := filepath.Join(t.TempDir(), "runs.db")
	ctx := context.Background()

	var stdout, stderr bytes.Buffer
	cfg := runConfig{name: "fact.sasm", trace: db}
	status, err := runLocal(ctx, img, cfg, &stdout, &stderr)
	if err != nil || status.Kind != bytecode.StatusHalted {
		t.Fatalf("runLocal = %s, %v", status, err)
	}
	if !strings.Contains(stderr.String(), "recorded in "+db) {
		t.Errorf("stderr = %q", stderr.String())
	}

	var listing bytes.Buffer
	if err := listRuns(ctx, &listing, db, ""); err != nil {
		t.Fatalf("listRuns: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(listing.String()), "\n")
	if len(lines) != 2 || !strings.Contains(lines[1], "fact.sasm") || !strings.Contains(lines[1], "HALTED") {
		t.Fatalf("listing =\n%s", listing.String())
	}
	runID := strings.Fields(lines[1])[0]

	var steps bytes.Buffer
	if err := listRuns(ctx, &steps, db, runID); err != nil {
		t.Fatalf("listRuns(%s): %v", runID, err)
	}
	out := steps.String()
	if !strings.Contains(out, "HALTED after") || !strings.Contains(out, "0022  ICONST 5") {
		t.Errorf("steps =\n%s", out)
	}

	if err := listRuns(ctx, &bytes.Buffer{}, db, "no-such-run"); err == nil {
		t.Error("listRuns with unknown id succeeded")
	}
}

func TestListRunsEmpty(t *testing.T) {
	db := filepath.Join(t.TempDir(), "empty.db")
	var out bytes.Buffer
	if err := listRuns(context.Background(), &out, db, ""); err != nil {
		t.Fatalf("listRuns: %v", err)
	}
	if !strings.HasPrefix(out.String(), "No runs recorded") {
		t.Errorf("output = %q", out.String())
	}
}

func TestRunRemote(t *testing.T) {
	s := server.New(server.WithWorkers(1))
	srv := httptest.NewServer(s.Handler())
	defer func() {
		srv.Close()
		s.Stop()
	}()

	img, err := loadFile(writeSource(t, "fact.sasm", factSource))
	if err != nil {
		t.Fatal(err)
	}

	var stdout bytes.Buffer
	status, err := runRemote(context.Background(), srv.URL, img, runConfig{entry: "other"}, &stdout)
	if err != nil || status.Kind != bytecode.StatusHalted {
		t.Fatalf("runRemote = %s, %v", status, err)
	}
	if stdout.String() != "OUTPUT: 7\n" {
		t.Errorf("output = %q", stdout.String())
	}

	status, err = runRemote(context.Background(), srv.URL, img, runConfig{maxSteps: 3}, &bytes.Buffer{})
	if status.Kind != bytecode.StatusAborted || err == nil || !strings.Contains(err.Error(), "step limit") {
		t.Errorf("runRemote(limited) = %s, %v", status, err)
	}
}

func TestServerAddr(t *testing.T) {
	m := manifest.Defaults()
	if got := serverAddr(m, 0); got != "localhost:8765" {
		t.Errorf("serverAddr(default) = %q", got)
	}
	if got := serverAddr(m, 9000); got != ":9000" {
		t.Errorf("serverAddr(9000) = %q", got)
	}
}

func TestExampleProject(t *testing.T) {
	m, err := manifest.Load(filepath.Join("..", "..", "examples", "factorial"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	img, err := loadFile(m.EntryPath())
	if err != nil {
		t.Fatalf("loadFile: %v", err)
	}

	cfg := runConfig{name: m.EntryPath()}
	cfg.applyManifest(m)
	if cfg.stack != 256 || cfg.maxSteps != 100000 {
		t.Errorf("cfg = %+v, want manifest machine settings", cfg)
	}

	var stdout bytes.Buffer
	status, err := runLocal(context.Background(), img, cfg, &stdout, &bytes.Buffer{})
	if err != nil || status.Kind != bytecode.StatusHalted {
		t.Fatalf("runLocal = %s, %v", status, err)
	}
	want := "OUTPUT: 3628800\nOUTPUT: 3\nOUTPUT: 2\nOUTPUT: 1\n"
	if stdout.String() != want {
		t.Errorf("output = %q, want %q", stdout.String(), want)
	}
}
