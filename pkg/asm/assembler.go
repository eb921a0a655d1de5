// Package asm translates line-oriented assembly text into bytecode programs
// and back.
//
// A source file is a sequence of lines, each holding at most one
// instruction or directive, optionally preceded by label definitions:
//
//	        .entry main        ; start here instead of address 0
//	        .globals 4         ; size of the global store
//	fact:   LOAD -3
//	        ...
//	main:   ICONST 5
//	        CALL fact, 1
//	        PUTS
//	        HALT
//
// Mnemonics are case-insensitive. Operands are integers (decimal, or with a
// 0x/0o/0b prefix) or label names, separated by commas or spaces. Comments
// start with ';' or '#'. The .word directive emits one raw cell.
package asm

import (
	"strconv"
	"strings"

	"github.com/chazu/svm/pkg/bytecode"
)

// Object is the result of assembling one source file.
type Object struct {
	Code    bytecode.Program
	Entry   int            // Address execution starts at
	Globals int            // Requested global store size; 0 selects the engine default
	Symbols map[string]int // Label name -> address
	Lines   []int          // Lines[addr] is the source line that produced cell addr
}

// statement is one parsed source line that emits cells.
type statement struct {
	pos      Position
	op       bytecode.Opcode
	raw      bool // .word directive
	operands []Token
	addr     int
}

type assembler struct {
	errs     ErrorList
	symbols  map[string]int
	stmts    []statement
	entry    *Token
	globals  int
	addr     int
	tokens   []Token
	position int
}

// Assemble translates source into an Object. On failure the error is an
// ErrorList holding every diagnostic found.
func Assemble(source string) (*Object, error) {
	a := &assembler{
		symbols: make(map[string]int),
		tokens:  Tokenize(source),
	}
	a.parse()
	obj := a.emit()
	if err := a.errs.Err(); err != nil {
		return nil, err
	}
	return obj, nil
}

func (a *assembler) peek() Token {
	return a.tokens[a.position]
}

func (a *assembler) next() Token {
	tok := a.tokens[a.position]
	if tok.Type != TokenEOF {
		a.position++
	}
	return tok
}

// skipLine discards tokens up to and including the next newline.
func (a *assembler) skipLine() {
	for {
		tok := a.next()
		if tok.Type == TokenNewline || tok.Type == TokenEOF {
			return
		}
	}
}

// parse is the first pass: it binds labels to addresses and records the
// statements to encode.
func (a *assembler) parse() {
	for a.peek().Type != TokenEOF {
		tok := a.next()
		switch tok.Type {
		case TokenNewline:
		case TokenLabel:
			if _, dup := a.symbols[tok.Literal]; dup {
				a.errs.add(tok.Pos, "label %q defined twice", tok.Literal)
				continue
			}
			a.symbols[tok.Literal] = a.addr
		case TokenDirective:
			a.directive(tok)
		case TokenIdentifier:
			op, ok := bytecode.ParseOpcode(tok.Literal)
			if !ok {
				a.errs.add(tok.Pos, "unknown mnemonic %q", tok.Literal)
				a.skipLine()
				continue
			}
			stmt := statement{pos: tok.Pos, op: op, addr: a.addr}
			stmt.operands = a.operands()
			a.stmts = append(a.stmts, stmt)
			a.addr += op.InstructionLen()
		case TokenError:
			a.errs.add(tok.Pos, "%s", tok.Literal)
			a.skipLine()
		default:
			a.errs.add(tok.Pos, "unexpected %s", strings.ToLower(tok.Type.String()))
			a.skipLine()
		}
	}
}

// operands reads the rest of the line as an operand list.
func (a *assembler) operands() []Token {
	var ops []Token
	for {
		tok := a.next()
		switch tok.Type {
		case TokenNewline, TokenEOF:
			return ops
		case TokenComma:
			if len(ops) == 0 {
				a.errs.add(tok.Pos, "unexpected comma")
			}
		case TokenInteger, TokenIdentifier:
			ops = append(ops, tok)
		case TokenError:
			a.errs.add(tok.Pos, "%s", tok.Literal)
		default:
			a.errs.add(tok.Pos, "unexpected %s in operand list", strings.ToLower(tok.Type.String()))
		}
	}
}

func (a *assembler) directive(tok Token) {
	args := a.operands()
	switch strings.ToLower(tok.Literal) {
	case "entry":
		if len(args) != 1 {
			a.errs.add(tok.Pos, ".entry takes one operand, got %d", len(args))
			return
		}
		if a.entry != nil {
			a.errs.add(tok.Pos, ".entry given twice")
			return
		}
		a.entry = &args[0]
	case "globals":
		if len(args) != 1 || args[0].Type != TokenInteger {
			a.errs.add(tok.Pos, ".globals takes one integer operand")
			return
		}
		n, err := strconv.ParseInt(args[0].Literal, 0, 32)
		if err != nil || n < 0 {
			a.errs.add(args[0].Pos, "bad global count %q", args[0].Literal)
			return
		}
		if n > bytecode.MaxGlobals {
			a.errs.add(args[0].Pos, "global count %d exceeds %d", n, bytecode.MaxGlobals)
			return
		}
		a.globals = int(n)
	case "word":
		if len(args) != 1 {
			a.errs.add(tok.Pos, ".word takes one operand, got %d", len(args))
			return
		}
		a.stmts = append(a.stmts, statement{pos: tok.Pos, raw: true, operands: args, addr: a.addr})
		a.addr++
	default:
		a.errs.add(tok.Pos, "unknown directive .%s", tok.Literal)
	}
}

// emit is the second pass: it encodes statements with every label known.
func (a *assembler) emit() *Object {
	obj := &Object{
		Code:    make(bytecode.Program, 0, a.addr),
		Globals: a.globals,
		Symbols: a.symbols,
		Lines:   make([]int, 0, a.addr),
	}

	for _, stmt := range a.stmts {
		if stmt.raw {
			obj.Code = append(obj.Code, a.value(stmt.operands[0]))
			obj.Lines = append(obj.Lines, stmt.pos.Line)
			continue
		}
		want := stmt.op.OperandCount()
		if len(stmt.operands) != want {
			a.errs.add(stmt.pos, "%s takes %d operands, got %d", stmt.op, want, len(stmt.operands))
		}
		obj.Code = append(obj.Code, bytecode.Cell(stmt.op))
		for i := 0; i < want; i++ {
			var c bytecode.Cell
			if i < len(stmt.operands) {
				c = a.value(stmt.operands[i])
			}
			obj.Code = append(obj.Code, c)
		}
		for i := 0; i < stmt.op.InstructionLen(); i++ {
			obj.Lines = append(obj.Lines, stmt.pos.Line)
		}
	}

	switch {
	case a.entry != nil:
		obj.Entry = int(a.value(*a.entry))
		if len(obj.Code) > 0 && (obj.Entry < 0 || obj.Entry >= len(obj.Code)) {
			a.errs.add(a.entry.Pos, "entry %d outside program of %d cells", obj.Entry, len(obj.Code))
		}
	default:
		if addr, ok := a.symbols["main"]; ok && addr < len(obj.Code) {
			obj.Entry = addr
		}
	}
	return obj
}

// value resolves an integer literal or label reference.
func (a *assembler) value(tok Token) bytecode.Cell {
	if tok.Type == TokenInteger {
		n, err := strconv.ParseInt(tok.Literal, 0, 64)
		if err != nil {
			a.errs.add(tok.Pos, "bad integer %q", tok.Literal)
			return 0
		}
		return bytecode.Cell(n)
	}
	addr, ok := a.symbols[tok.Literal]
	if !ok {
		a.errs.add(tok.Pos, "undefined label %q", tok.Literal)
		return 0
	}
	return bytecode.Cell(addr)
}

// LineOf returns the source line that produced the cell at addr, or 0.
func (o *Object) LineOf(addr int) int {
	if addr < 0 || addr >= len(o.Lines) {
		return 0
	}
	return o.Lines[addr]
}
