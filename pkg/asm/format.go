package asm

import (
	"fmt"
	"sort"
	"strings"

	"github.com/chazu/svm/pkg/bytecode"
)

// Format renders a program as assembly source that Assemble accepts and
// that reproduces the same cells. Addresses bound in symbols become label
// definitions, and branch and call targets with a label are written by name.
// Cells that do not decode are written with the .word directive.
func Format(p bytecode.Program, symbols map[string]int) string {
	byAddr := make(map[int][]string, len(symbols))
	for name, addr := range symbols {
		byAddr[addr] = append(byAddr[addr], name)
	}
	for _, names := range byAddr {
		sort.Strings(names)
	}

	width := 0
	for name := range symbols {
		width = max(width, len(name)+1)
	}

	var sb strings.Builder
	writeLabels := func(addr int) {
		names := byAddr[addr]
		for i, name := range names {
			if i < len(names)-1 {
				sb.WriteString(name + ":\n")
				continue
			}
			fmt.Fprintf(&sb, "%-*s", width, name+":")
		}
		if len(names) == 0 {
			sb.WriteString(strings.Repeat(" ", width))
		}
		if width > 0 {
			sb.WriteString(" ")
		}
	}

	for addr := 0; addr < len(p); {
		writeLabels(addr)
		in, err := bytecode.Decode(p, addr)
		if err != nil && in.Op != bytecode.OpInvalid {
			fmt.Fprintf(&sb, ".word %d\n", p[addr])
			addr++
			continue
		}

		sb.WriteString(in.Op.String())
		for i, c := range in.Operands() {
			sep := ", "
			if i == 0 {
				sep = " "
			}
			sb.WriteString(sep)
			if names, ok := byAddr[int(c)]; ok && i == 0 && in.Op.IsBranch() {
				sb.WriteString(names[0])
			} else {
				fmt.Fprintf(&sb, "%d", c)
			}
		}
		sb.WriteString("\n")
		addr = in.Next()
	}

	// Labels bound to the end of the program.
	for _, name := range byAddr[len(p)] {
		sb.WriteString(name + ":\n")
	}
	return sb.String()
}
