package bytecode

import (
	"fmt"
	"strings"
)

// Opcode represents a bytecode instruction.
// Opcodes share the cell stream with their operands, so an opcode is just a
// cell value with a catalog entry.
type Opcode Cell

const (
	OpInvalid Opcode = 0 // Never executed: stops the machine

	// ========================================================================
	// Arithmetic and comparison (pop b, pop a, push a OP b)
	// ========================================================================

	OpIAdd Opcode = 1 // a + b
	OpISub Opcode = 2 // a - b
	OpIMul Opcode = 3 // a * b
	OpILt  Opcode = 4 // 1 if a < b else 0
	OpIEq  Opcode = 5 // 1 if a == b else 0

	// ========================================================================
	// Control flow
	// ========================================================================

	OpBr  Opcode = 6 // Unconditional branch: BR <addr>
	OpBrt Opcode = 7 // Pop, branch if value is 1: BRT <addr>
	OpBrf Opcode = 8 // Pop, branch if value is 0: BRF <addr>

	// ========================================================================
	// Constants and memory
	// ========================================================================

	OpIConst Opcode = 9  // Push literal: ICONST <value>
	OpLoad   Opcode = 10 // Push stack[fp+offset]: LOAD <offset>
	OpGLoad  Opcode = 11 // Push globals[addr]: GLOAD <addr>
	OpStore  Opcode = 12 // Pop into stack[fp+offset]: STORE <offset>
	OpGStore Opcode = 13 // Pop into globals[addr]: GSTORE <addr>

	// ========================================================================
	// Output and stack
	// ========================================================================

	OpPuts Opcode = 14 // Pop and emit "OUTPUT: <value>"
	OpPop  Opcode = 15 // Pop and discard

	// ========================================================================
	// Procedures
	// ========================================================================

	OpCall Opcode = 16 // CALL <addr> <argc>: push argc, fp, return ip
	OpRet  Opcode = 17 // Unwind the frame header and arguments, push result
	OpHalt Opcode = 18 // Stop the machine
)

// OpcodeInfo provides metadata about each opcode for debugging and validation.
type OpcodeInfo struct {
	Name         string // Mnemonic
	StackPop     int    // How many values popped from stack (-1 = variable)
	StackPush    int    // How many values pushed to stack
	OperandCount int    // Number of operand cells following the opcode
}

// opcodeInfoTable maps opcodes to their metadata. It is built once and never
// written afterwards.
var opcodeInfoTable = map[Opcode]OpcodeInfo{
	OpInvalid: {"INVALID", 0, 0, 0},

	// Arithmetic
	OpIAdd: {"IADD", 2, 1, 0},
	OpISub: {"ISUB", 2, 1, 0},
	OpIMul: {"IMUL", 2, 1, 0},
	OpILt:  {"ILT", 2, 1, 0},
	OpIEq:  {"IEQ", 2, 1, 0},

	// Control flow
	OpBr:  {"BR", 0, 0, 1},
	OpBrt: {"BRT", 1, 0, 1},
	OpBrf: {"BRF", 1, 0, 1},

	// Memory
	OpIConst: {"ICONST", 0, 1, 1},
	OpLoad:   {"LOAD", 0, 1, 1},
	OpGLoad:  {"GLOAD", 0, 1, 1},
	OpStore:  {"STORE", 1, 0, 1},
	OpGStore: {"GSTORE", 1, 0, 1},

	OpPuts: {"PUTS", 1, 0, 0},
	OpPop:  {"POP", 1, 0, 0},

	// Procedures
	OpCall: {"CALL", 0, 3, 2},  // Pushes the frame header
	OpRet:  {"RET", -1, 1, 0}, // Pops result, header and argc arguments
	OpHalt: {"HALT", 0, 0, 0},
}

// opcodeByName is the reverse index used by assemblers.
var opcodeByName = func() map[string]Opcode {
	m := make(map[string]Opcode, len(opcodeInfoTable))
	for op, info := range opcodeInfoTable {
		m[info.Name] = op
	}
	return m
}()

// Lookup resolves a numeric cell to its opcode. Cells without a catalog
// entry yield an *UnknownOpcodeError with IP set to -1; the VM fills in the
// address when it reports the failure.
func Lookup(c Cell) (Opcode, error) {
	op := Opcode(c)
	if _, ok := opcodeInfoTable[op]; ok {
		return op, nil
	}
	return 0, &UnknownOpcodeError{Opcode: c, IP: -1}
}

// ParseOpcode resolves a mnemonic (case-insensitive) to its opcode.
func ParseOpcode(name string) (Opcode, bool) {
	op, ok := opcodeByName[strings.ToUpper(name)]
	return op, ok
}

// GetOpcodeInfo returns metadata for an opcode.
// Returns a zero OpcodeInfo with name "UNKNOWN(n)" if the opcode is not recognized.
func GetOpcodeInfo(op Opcode) OpcodeInfo {
	if info, ok := opcodeInfoTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN(%d)", int64(op))}
}

// String returns the mnemonic of an opcode.
func (op Opcode) String() string {
	return GetOpcodeInfo(op).Name
}

// Valid reports whether the opcode has a catalog entry.
func (op Opcode) Valid() bool {
	_, ok := opcodeInfoTable[op]
	return ok
}

// OperandCount returns the number of operand cells for this opcode.
func (op Opcode) OperandCount() int {
	return GetOpcodeInfo(op).OperandCount
}

// InstructionLen returns the total length of an instruction in cells.
func (op Opcode) InstructionLen() int {
	return 1 + op.OperandCount()
}

// IsBranch returns true if this opcode may transfer control to an operand address.
func (op Opcode) IsBranch() bool {
	return (op >= OpBr && op <= OpBrf) || op == OpCall
}

// IsTerminal returns true if fetching this opcode ends a run.
func (op Opcode) IsTerminal() bool {
	return op == OpHalt || op == OpInvalid
}

// AllOpcodes returns every defined opcode in numeric order.
func AllOpcodes() []Opcode {
	opcodes := make([]Opcode, 0, len(opcodeInfoTable))
	for op := OpInvalid; op <= OpHalt; op++ {
		if op.Valid() {
			opcodes = append(opcodes, op)
		}
	}
	return opcodes
}

// OpcodeCount returns the number of defined opcodes.
func OpcodeCount() int {
	return len(opcodeInfoTable)
}
