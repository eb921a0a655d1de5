package asm

import (
	"reflect"
	"strings"
	"testing"

	"github.com/chazu/svm/pkg/bytecode"
)

func TestFormatRoundTrip(t *testing.T) {
	obj, err := Assemble(factorialSource)
	if err != nil {
		t.Fatal(err)
	}

	source := Format(obj.Code, obj.Symbols)
	again, err := Assemble(source)
	if err != nil {
		t.Fatalf("reassembling:\n%s\n%v", source, err)
	}
	if !reflect.DeepEqual(again.Code, obj.Code) {
		t.Errorf("round trip changed code:\n%v\n%v", obj.Code, again.Code)
	}
	if !reflect.DeepEqual(again.Symbols, obj.Symbols) {
		t.Errorf("round trip changed symbols: %v vs %v", obj.Symbols, again.Symbols)
	}
}

func TestFormatUsesLabelsForTargets(t *testing.T) {
	p := bytecode.Program{6, 3, 18, 16, 0, 0}
	source := Format(p, map[string]int{"top": 0, "end": 3})

	for _, want := range []string{"top: BR end", "end: CALL top, 0"} {
		if !strings.Contains(source, want) {
			t.Errorf("missing %q in:\n%s", want, source)
		}
	}
}

func TestFormatUndecodableCells(t *testing.T) {
	p := bytecode.Program{9, 1, 77, 0, 9}
	source := Format(p, nil)

	for _, want := range []string{"ICONST 1\n", ".word 77\n", "INVALID\n", ".word 9\n"} {
		if !strings.Contains(source, want) {
			t.Errorf("missing %q in:\n%s", want, source)
		}
	}

	obj, err := Assemble(source)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(obj.Code, p) {
		t.Errorf("Code = %v, want %v", obj.Code, p)
	}
}
