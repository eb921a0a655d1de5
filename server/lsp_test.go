package server

import (
	"strings"
	"testing"

	protocol "github.com/tliron/glsp/protocol_3_16"
)

const lspSource = `        .entry main
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
`

// ---------------------------------------------------------------------------
// Text extraction helpers
// ---------------------------------------------------------------------------

func TestExtractPrefix(t *testing.T) {
	tests := []struct {
		name string
		text string
		pos  protocol.Position
		want string
	}{
		{"simple word", "        ICO", protocol.Position{Line: 0, Character: 11}, "ICO"},
		{"empty line", "", protocol.Position{Line: 0, Character: 0}, ""},
		{"multi line", "HALT\nPUTS\nCA", protocol.Position{Line: 2, Character: 2}, "CA"},
		{"operand", "BRF rec", protocol.Position{Line: 0, Character: 7}, "rec"},
		{"directive", "  .gl", protocol.Position{Line: 0, Character: 5}, ".gl"},
		{"cursor at beginning", "HALT", protocol.Position{Line: 0, Character: 0}, ""},
		{"line beyond document", "HALT", protocol.Position{Line: 5, Character: 0}, ""},
		{"character beyond line", "PUTS", protocol.Position{Line: 0, Character: 40}, "PUTS"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractPrefix(tt.text, tt.pos); got != tt.want {
				t.Errorf("extractPrefix = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExtractWord(t *testing.T) {
	tests := []struct {
		name string
		text string
		pos  protocol.Position
		want string
	}{
		{"middle of mnemonic", "  ICONST 1", protocol.Position{Line: 0, Character: 4}, "ICONST"},
		{"label before colon", "fact:   LOAD -3", protocol.Position{Line: 0, Character: 2}, "fact"},
		{"operand label", "CALL fact, 1", protocol.Position{Line: 0, Character: 7}, "fact"},
		{"whitespace", "CALL  fact", protocol.Position{Line: 0, Character: 5}, ""},
		{"line beyond document", "HALT", protocol.Position{Line: 3, Character: 0}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractWord(tt.text, tt.pos); got != tt.want {
				t.Errorf("extractWord = %q, want %q", got, tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Diagnostics
// ---------------------------------------------------------------------------

func TestDiagnoseClean(t *testing.T) {
	if got := diagnose(lspSource); len(got) != 0 {
		t.Errorf("diagnose = %d diagnostics, want 0: %+v", len(got), got)
	}
}

func TestDiagnoseErrors(t *testing.T) {
	src := "main:  ICONST 1\n       FROB\n       BR nowhere\n"
	diags := diagnose(src)
	if len(diags) != 2 {
		t.Fatalf("diagnose = %d diagnostics, want 2: %+v", len(diags), diags)
	}

	first := diags[0]
	if first.Range.Start.Line != 1 || first.Range.Start.Character != 7 {
		t.Errorf("first start = %+v, want line 1 char 7", first.Range.Start)
	}
	if first.Range.End.Character != protocol.UInteger(len("       FROB")) {
		t.Errorf("first end = %+v, want end of line", first.Range.End)
	}
	if !strings.Contains(first.Message, "FROB") {
		t.Errorf("first message = %q, want it to name the mnemonic", first.Message)
	}
	if first.Severity == nil || *first.Severity != protocol.DiagnosticSeverityError {
		t.Errorf("first severity = %v, want error", first.Severity)
	}

	if diags[1].Range.Start.Line != 2 || !strings.Contains(diags[1].Message, "nowhere") {
		t.Errorf("second = %+v, want undefined label on line 2", diags[1])
	}
}

// ---------------------------------------------------------------------------
// Hover, completion, navigation
// ---------------------------------------------------------------------------

func hoverText(t *testing.T, h *protocol.Hover) string {
	t.Helper()
	if h == nil {
		t.Fatal("hover = nil")
	}
	content, ok := h.Contents.(protocol.MarkupContent)
	if !ok {
		t.Fatalf("hover contents = %T, want MarkupContent", h.Contents)
	}
	return content.Value
}

func TestHoverMnemonic(t *testing.T) {
	got := hoverText(t, hover(lspSource, "call"))
	for _, want := range []string{"**CALL**", "opcode 16", "2 operand cells", "pops 0, pushes 3"} {
		if !strings.Contains(got, want) {
			t.Errorf("hover = %q, missing %q", got, want)
		}
	}
}

func TestHoverLabel(t *testing.T) {
	got := hoverText(t, hover(lspSource, "recurse"))
	if got != "**recurse**: address 10 (line 8)" {
		t.Errorf("hover = %q", got)
	}
	if h := hover(lspSource, "missing"); h != nil {
		t.Errorf("hover(missing) = %+v, want nil", h)
	}
}

func TestComplete(t *testing.T) {
	labels := func(items []protocol.CompletionItem) []string {
		var out []string
		for _, it := range items {
			out = append(out, it.Label)
		}
		return out
	}

	if got := labels(complete(lspSource, "i")); strings.Join(got, ",") != "INVALID,IADD,ISUB,IMUL,ILT,IEQ,ICONST" {
		t.Errorf("complete(i) = %v", got)
	}
	if got := labels(complete(lspSource, "re")); strings.Join(got, ",") != "RET,recurse" {
		t.Errorf("complete(re) = %v", got)
	}
	if got := labels(complete(lspSource, ".")); strings.Join(got, ",") != ".entry,.globals,.word" {
		t.Errorf("complete(.) = %v", got)
	}
}

func TestReferences(t *testing.T) {
	uri := protocol.DocumentUri("file:///fact.sasm")

	refs := references(uri, lspSource, "fact", false)
	if len(refs) != 2 {
		t.Fatalf("references = %d, want 2 calls", len(refs))
	}
	if refs[0].Range.Start.Line != 12 || refs[0].Range.Start.Character != 13 {
		t.Errorf("first reference = %+v, want line 12 char 13", refs[0].Range.Start)
	}

	withDecl := references(uri, lspSource, "fact", true)
	if len(withDecl) != 3 {
		t.Fatalf("references with declaration = %d, want 3", len(withDecl))
	}
	if withDecl[0].Range.Start.Line != 1 || withDecl[0].Range.End.Character != 4 {
		t.Errorf("declaration = %+v", withDecl[0].Range)
	}
}
