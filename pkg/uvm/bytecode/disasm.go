package bytecode

import (
	"fmt"
	"strings"
)

// Disassemble renders p and its nested prototypes as a text listing.
func Disassemble(p *Proto) string {
	var sb strings.Builder
	disassemble(&sb, p, "main")
	return sb.String()
}

func disassemble(sb *strings.Builder, p *Proto, label string) {
	vararg := ""
	if p.IsVararg {
		vararg = "+"
	}
	fmt.Fprintf(sb, "%s <%s:%d,%d> (%d instructions)\n", label, p.Source, p.LineDefined, p.LastLineDefined, len(p.Code))
	fmt.Fprintf(sb, "%d%s params, %d slots, %d upvalues, %d locals, %d constants, %d functions\n",
		p.NumParams, vararg, p.MaxStackSize, len(p.Upvalues), len(p.LocVars), len(p.Constants), len(p.Protos))

	for pc, ins := range p.Code {
		line := "-"
		if l := p.Line(pc); l > 0 {
			line = fmt.Sprintf("%d", l)
		}
		fmt.Fprintf(sb, "\t%d\t[%s]\t%s", pc+1, line, ins)
		if c := comment(p, pc, ins); c != "" {
			fmt.Fprintf(sb, "\t; %s", c)
		}
		sb.WriteByte('\n')
	}

	fmt.Fprintf(sb, "constants (%d):\n", len(p.Constants))
	for i, k := range p.Constants {
		fmt.Fprintf(sb, "\t%d\t%s\n", i, k)
	}
	fmt.Fprintf(sb, "locals (%d):\n", len(p.LocVars))
	for i, lv := range p.LocVars {
		fmt.Fprintf(sb, "\t%d\t%s\t%d\t%d\n", i, lv.Name, lv.StartPC+1, lv.EndPC+1)
	}
	fmt.Fprintf(sb, "upvalues (%d):\n", len(p.Upvalues))
	for i, uv := range p.Upvalues {
		instack := 0
		if uv.InStack {
			instack = 1
		}
		fmt.Fprintf(sb, "\t%d\t%s\t%d\t%d\n", i, uv.Name, instack, uv.Idx)
	}
	for i, child := range p.Protos {
		sb.WriteByte('\n')
		disassemble(sb, child, fmt.Sprintf("%s.%d", label, i))
	}
}

func comment(p *Proto, pc int, ins Instruction) string {
	konst := func(i int) string {
		if i >= 0 && i < len(p.Constants) {
			return p.Constants[i].String()
		}
		return "?"
	}
	rk := func(x int) string {
		if IsK(x) {
			return konst(IndexK(x))
		}
		return ""
	}
	upval := func(i int) string {
		if i < len(p.Upvalues) && p.Upvalues[i].Name != "" {
			return p.Upvalues[i].Name
		}
		return fmt.Sprintf("U%d", i)
	}
	join := func(parts ...string) string {
		var out []string
		for _, s := range parts {
			if s != "" {
				out = append(out, s)
			}
		}
		return strings.Join(out, " ")
	}

	switch op := ins.Op(); op {
	case OpLoadK:
		return konst(ins.Bx())
	case OpGetUpval, OpSetUpval:
		return upval(ins.B())
	case OpGetTabUp:
		return join(upval(ins.B()), rk(ins.C()))
	case OpSetTabUp:
		return join(upval(ins.A()), rk(ins.B()), rk(ins.C()))
	case OpJmp, OpForLoop, OpForPrep, OpTForLoop:
		return fmt.Sprintf("to %d", pc+2+ins.SBx())
	case OpClosure:
		return fmt.Sprintf("function %d", ins.Bx())
	default:
		info := op.Info()
		if info.Mode == ModeABC && (info.B == ArgK || info.C == ArgK) {
			return join(rk(ins.B()), rk(ins.C()))
		}
	}
	return ""
}
