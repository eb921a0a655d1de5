package bytecode

import (
	"fmt"
	"strings"
)

// Post-mortem views of machine memory for logging and debugging. None of
// these influence execution.

// DumpStack returns the stack pointer and the live stack contents.
func (vm *VM) DumpStack() string {
	return fmt.Sprintf("SP %d, stack=[%s]", vm.sp, strings.Join(vm.Stack(), ", "))
}

// DumpGlobals lists every initialized slot of the global store.
func (vm *VM) DumpGlobals() string {
	var sb strings.Builder
	sb.WriteString("Data memory:")
	for addr, v := range vm.globals {
		if v != nil {
			sb.WriteString(fmt.Sprintf("\n%4d %s", addr, v.String()))
		}
	}
	return sb.String()
}

// DumpCode lists program memory one cell per line, with opcode cells shown
// by mnemonic and operand cells by value.
func (vm *VM) DumpCode() string {
	var sb strings.Builder
	sb.WriteString("Code memory:")
	for addr := 0; addr < len(vm.code); {
		in, err := Decode(vm.code, addr)
		if err != nil {
			sb.WriteString(fmt.Sprintf("\n%4d %d", addr, vm.code[addr]))
			addr++
			continue
		}
		sb.WriteString(fmt.Sprintf("\n%4d %s", addr, in.Op))
		for i, c := range in.Operands() {
			sb.WriteString(fmt.Sprintf("\n%4d %d", addr+1+i, c))
		}
		addr = in.Next()
	}
	return sb.String()
}

// String returns the current machine registers and memory.
func (vm *VM) String() string {
	var data []string
	for addr, v := range vm.globals {
		if v != nil {
			data = append(data, fmt.Sprintf("%d:%s", addr, v.String()))
		}
	}
	return fmt.Sprintf("FP %d, IP %d, SP %d,\nDATA [%s],\nSTACK [%s],\nCODE %v",
		vm.fp, vm.ip, vm.sp, strings.Join(data, ", "), strings.Join(vm.Stack(), ", "), []Cell(vm.code))
}
