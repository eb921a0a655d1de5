// Package asm integration tests
//
// These tests verify the full pipeline from assembly text to VM execution,
// using realistic programs that combine calls, loops and globals.
package asm

import (
	"bytes"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/chazu/svm/pkg/bytecode"
)

func run(t *testing.T, source string) (bytecode.Status, error, string) {
	t.Helper()
	obj, err := Assemble(source)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	var out bytes.Buffer
	opts := []bytecode.Option{bytecode.WithStartIP(obj.Entry), bytecode.WithOutput(&out)}
	if obj.Globals > 0 {
		opts = append(opts, bytecode.WithGlobals(obj.Globals))
	}
	vm, err := bytecode.New(obj.Code, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	status, err := vm.Run()
	return status, err, out.String()
}

func TestIntegrationFactorial(t *testing.T) {
	status, err, out := run(t, factorialSource)
	if err != nil {
		t.Fatal(err)
	}
	if status.Kind != bytecode.StatusHalted {
		t.Errorf("status = %s", status)
	}
	if out != "OUTPUT: 120\n" {
		t.Errorf("output = %q", out)
	}
}

func TestIntegrationFactorialHundred(t *testing.T) {
	source := strings.Replace(factorialSource, "ICONST 5", "ICONST 100", 1)
	_, err, out := run(t, source)
	if err != nil {
		t.Fatal(err)
	}
	want := "OUTPUT: " + new(big.Int).MulRange(1, 100).String() + "\n"
	if out != want {
		t.Errorf("output = %q, want %q", out, want)
	}
}

func TestIntegrationCountingLoop(t *testing.T) {
	source := `
        .globals 1
        ICONST 0
        GSTORE 0
loop:   GLOAD 0
        ICONST 13
        IEQ
        BRT done
        GLOAD 0
        ICONST 1
        IADD
        GSTORE 0
        BR loop
done:   GLOAD 0
        PUTS
`
	status, err, out := run(t, source)
	if err != nil {
		t.Fatal(err)
	}
	if status.Kind != bytecode.StatusHalted {
		t.Errorf("status = %s, want halted at end of code", status)
	}
	if out != "OUTPUT: 13\n" {
		t.Errorf("output = %q", out)
	}
}

func TestIntegrationGlobalsAcrossCalls(t *testing.T) {
	source := `
        .entry main
        .globals 2
bump:   GLOAD 1
        LOAD -3
        IADD
        GSTORE 1
        ICONST 0
        RET
main:   ICONST 40
        CALL bump, 1
        POP
        ICONST 2
        CALL bump, 1
        POP
        GLOAD 1
        PUTS
        HALT
`
	_, err, out := run(t, source)
	if err != nil {
		t.Fatal(err)
	}
	if out != "OUTPUT: 42\n" {
		t.Errorf("output = %q", out)
	}
}

func TestIntegrationFaultReportsAddress(t *testing.T) {
	status, err, _ := run(t, ".globals 1\nICONST 5\nGSTORE 3\nHALT")
	if !errors.Is(err, bytecode.ErrOutOfBounds) {
		t.Fatalf("err = %v, want ErrOutOfBounds", err)
	}
	if status.Kind != bytecode.StatusFault || status.IP != 2 {
		t.Errorf("status = %s, want fault at 2", status)
	}
}
