package bytecode

import (
	"fmt"
	"sort"
	"strings"
)

// Disassemble returns a human-readable listing of the program.
func (p Program) Disassemble() string {
	return p.DisassembleWithName("", nil)
}

// DisassembleWithName returns a listing with a name header. Addresses
// found in labels are printed as label lines above the instruction they
// mark, and branch targets are annotated with the label name.
func (p Program) DisassembleWithName(name string, labels map[string]int) string {
	var sb strings.Builder

	if name != "" {
		sb.WriteString(fmt.Sprintf("; === %s ===\n", name))
	}
	sb.WriteString(fmt.Sprintf("; %d cells\n", len(p)))

	byAddr := invertLabels(labels)

	offset := 0
	for offset < len(p) {
		for _, l := range byAddr[offset] {
			sb.WriteString(l + ":\n")
		}
		line, n := p.disassembleInstruction(offset, byAddr)
		sb.WriteString(fmt.Sprintf("%04d  %s\n", offset, line))
		offset += n
	}

	return sb.String()
}

// disassembleInstruction disassembles a single instruction at the given offset.
// Returns the formatted string and the number of cells consumed. Unknown
// cells consume one cell so the listing resynchronizes.
func (p Program) disassembleInstruction(offset int, labels map[int][]string) (string, int) {
	in, err := Decode(p, offset)
	if err != nil {
		if in.Op.Valid() && in.Op != OpInvalid {
			// Truncated operands at the end of the program.
			return fmt.Sprintf("%s <truncated>", in.Op), len(p) - offset
		}
		if in.Op == OpInvalid {
			return "INVALID", 1
		}
		return fmt.Sprintf("UNKNOWN(%d)", p[offset]), 1
	}

	switch in.N {
	case 0:
		return in.Op.String(), 1
	case 1:
		s := fmt.Sprintf("%-8s %d", in.Op, in.Args[0])
		if in.Op.IsBranch() {
			s += targetComment(int(in.Args[0]), labels)
		}
		return s, in.Len()
	default:
		s := fmt.Sprintf("%-8s %d, %d", in.Op, in.Args[0], in.Args[1])
		if in.Op.IsBranch() {
			s += targetComment(int(in.Args[0]), labels)
		}
		return s, in.Len()
	}
}

func targetComment(addr int, labels map[int][]string) string {
	if names, ok := labels[addr]; ok {
		return " ; " + names[0]
	}
	return ""
}

func invertLabels(labels map[string]int) map[int][]string {
	byAddr := make(map[int][]string, len(labels))
	for name, addr := range labels {
		byAddr[addr] = append(byAddr[addr], name)
	}
	for _, names := range byAddr {
		sort.Strings(names)
	}
	return byAddr
}

// FormatInstruction renders one decoded instruction the way the per-step
// debug log prints it.
func FormatInstruction(in Instruction, sp int) string {
	operands := make([]string, 0, in.N)
	for _, c := range in.Operands() {
		operands = append(operands, fmt.Sprint(c))
	}
	return fmt.Sprintf("IP: %04d: SP: %04d OPCODE: %-10s OPERANDS: %s",
		in.Addr, sp, in.Op, strings.Join(operands, ", "))
}
