// Package bytecode provides a minimal stack-based virtual machine: an
// instruction catalog and a fetch-decode-execute engine over an operand
// stack, a global store and implicit call frames.
//
// The program format is designed for:
//   - Fixed-width cells (opcodes and literal operands share one stream)
//   - A closed catalog with a fixed operand count per opcode
//   - Deterministic execution (same program, same output, same status)
//
// # Architecture Overview
//
//   - Opcodes: 19 instructions covering integer arithmetic, comparison,
//     branches, constants, frame-relative and global memory, output, and
//     procedure call/return. The catalog is an immutable table usable by
//     disassemblers without a live VM.
//
//   - Program: the cell stream plus Decode and a Builder that resolves
//     forward label references.
//
//   - VM: owns ip/sp/fp, the operand stack and the global store, and runs
//     until HALT, the end of code, or a fatal condition.
//
// # Call Frames
//
// CALL <addr> <argc> pushes three words (argc, saved fp, return ip) and
// points fp at the last of them. Arguments therefore live below the header:
// with one argument it sits at fp-3. RET pops the result, resets sp to fp,
// pops the header, discards argc arguments and pushes the result, so the
// callee cleans up after the caller.
//
// # Failure Semantics
//
// Every fatal condition stops the run and is returned as a typed error:
//
//   - *UnknownOpcodeError: INVALID or an uncatalogued cell was fetched
//   - *OutOfBoundsError: stack overflow/underflow, a frame slot outside the
//     live stack, a global address outside the store, or a jump outside
//     the code
//   - *MalformedProgramError: construction-time misconfiguration
//
// Fetching at ip == len(code) halts normally.
package bytecode
