package bytecode

import (
	"fmt"
)

// Cell is one word of a program: either an opcode or a literal operand.
type Cell int64

// Program is an immutable instruction stream. Operand cells immediately
// follow their opcode; the count is fixed per opcode.
type Program []Cell

// Instruction is a decoded opcode together with its operands.
type Instruction struct {
	Addr int    // Address of the opcode cell
	Op   Opcode // Decoded opcode
	N    int    // Number of valid entries in Args
	Args [2]Cell
}

// Operands returns the operand cells of the instruction.
func (in Instruction) Operands() []Cell {
	return in.Args[:in.N]
}

// Len returns the number of cells the instruction occupies.
func (in Instruction) Len() int {
	return 1 + in.N
}

// Next returns the address of the following instruction.
func (in Instruction) Next() int {
	return in.Addr + in.Len()
}

// Decode reads the instruction at address at. It needs no live VM, so
// disassemblers and debuggers share it with the engine.
func Decode(code Program, at int) (Instruction, error) {
	if at < 0 || at >= len(code) {
		return Instruction{}, &OutOfBoundsError{Op: OpInvalid, IP: at, Space: SpaceCode, Addr: int64(at), Limit: len(code)}
	}
	op := Opcode(code[at])
	if op == OpInvalid || !op.Valid() {
		return Instruction{Addr: at, Op: op}, &UnknownOpcodeError{Opcode: code[at], IP: at}
	}

	in := Instruction{Addr: at, Op: op, N: op.OperandCount()}
	for i := 0; i < in.N; i++ {
		addr := at + 1 + i
		if addr >= len(code) {
			return in, &OutOfBoundsError{Op: op, IP: at, Space: SpaceCode, Addr: int64(addr), Limit: len(code)}
		}
		in.Args[i] = code[addr]
	}
	return in, nil
}

// Builder assembles a Program in memory, resolving forward label references.
type Builder struct {
	code   Program
	labels map[string]int
	fixups []fixup
	err    error
}

type fixup struct {
	at    int // Operand cell to patch
	label string
}

// NewBuilder creates an empty program builder.
func NewBuilder() *Builder {
	return &Builder{
		code:   make(Program, 0, 64),
		labels: make(map[string]int),
	}
}

// Emit appends an instruction and returns its address.
func (b *Builder) Emit(op Opcode, operands ...Cell) int {
	offset := len(b.code)
	if b.err == nil && len(operands) != op.OperandCount() {
		b.err = fmt.Errorf("%s at %d: want %d operands, got %d", op, offset, op.OperandCount(), len(operands))
	}
	b.code = append(b.code, Cell(op))
	b.code = append(b.code, operands...)
	return offset
}

// EmitTo appends a branch or call whose first operand is the address of
// label. The label may be defined later.
func (b *Builder) EmitTo(op Opcode, label string, rest ...Cell) int {
	offset := b.Emit(op, append([]Cell{-1}, rest...)...)
	b.fixups = append(b.fixups, fixup{at: offset + 1, label: label})
	return offset
}

// Label binds name to the current offset.
func (b *Builder) Label(name string) int {
	if _, dup := b.labels[name]; dup && b.err == nil {
		b.err = fmt.Errorf("label %q defined twice", name)
	}
	b.labels[name] = len(b.code)
	return len(b.code)
}

// Address returns the offset bound to a label.
func (b *Builder) Address(name string) (int, bool) {
	addr, ok := b.labels[name]
	return addr, ok
}

// CurrentOffset returns the current offset in the program.
func (b *Builder) CurrentOffset() int {
	return len(b.code)
}

// Program resolves label references and returns the finished program.
func (b *Builder) Program() (Program, error) {
	if b.err != nil {
		return nil, b.err
	}
	for _, f := range b.fixups {
		addr, ok := b.labels[f.label]
		if !ok {
			return nil, fmt.Errorf("undefined label %q", f.label)
		}
		b.code[f.at] = Cell(addr)
	}
	out := make(Program, len(b.code))
	copy(out, b.code)
	return out, nil
}
