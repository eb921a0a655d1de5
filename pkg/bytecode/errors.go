package bytecode

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownOpcode matches any *UnknownOpcodeError.
	ErrUnknownOpcode = errors.New("unknown opcode")

	// ErrOutOfBounds matches any *OutOfBoundsError.
	ErrOutOfBounds = errors.New("out of bounds access")

	// ErrMalformedProgram matches any *MalformedProgramError.
	ErrMalformedProgram = errors.New("malformed program")

	// ErrStepLimit is returned when a run exceeds its configured step budget.
	ErrStepLimit = errors.New("step limit exceeded")
)

// UnknownOpcodeError reports a fetched cell with no catalog entry, or the
// INVALID opcode itself.
type UnknownOpcodeError struct {
	Opcode Cell // Offending cell value
	IP     int  // Address of the cell, -1 when not known
}

func (e *UnknownOpcodeError) Error() string {
	if e.IP < 0 {
		return fmt.Sprintf("invalid opcode %d", e.Opcode)
	}
	return fmt.Sprintf("invalid opcode %d at ip = %d", e.Opcode, e.IP)
}

func (e *UnknownOpcodeError) Is(target error) bool {
	return target == ErrUnknownOpcode
}

// Space names a region of machine memory.
type Space uint8

const (
	SpaceCode Space = iota
	SpaceStack
	SpaceFrame
	SpaceGlobals
)

// String returns a human-readable name for Space.
func (s Space) String() string {
	switch s {
	case SpaceCode:
		return "code"
	case SpaceStack:
		return "stack"
	case SpaceFrame:
		return "frame"
	case SpaceGlobals:
		return "globals"
	default:
		return fmt.Sprintf("Space(%d)", s)
	}
}

// OutOfBoundsError reports an access outside allocated machine memory:
// stack overflow or underflow, a frame-relative slot outside the live stack,
// a global address outside the store, or control transfer outside the code.
type OutOfBoundsError struct {
	Op    Opcode // Instruction being executed
	IP    int    // Address of that instruction
	Space Space  // Memory region addressed
	Addr  int64  // Offending address (index into Space)
	Limit int    // Size of Space at the time of access
}

func (e *OutOfBoundsError) Error() string {
	return fmt.Sprintf("%s at ip = %d: %s address %d outside [0, %d)",
		e.Op, e.IP, e.Space, e.Addr, e.Limit)
}

func (e *OutOfBoundsError) Is(target error) bool {
	return target == ErrOutOfBounds
}

// MalformedProgramError reports a program or configuration that cannot be
// executed at all.
type MalformedProgramError struct {
	Reason string
}

func (e *MalformedProgramError) Error() string {
	return "malformed program: " + e.Reason
}

func (e *MalformedProgramError) Is(target error) bool {
	return target == ErrMalformedProgram
}
