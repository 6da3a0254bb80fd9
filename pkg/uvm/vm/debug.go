package vm

import (
	"fmt"
	"sort"
)

// StepMode is the stepping mode of a thread stopped at a break.
type StepMode uint8

// Step modes.
const (
	StepNone StepMode = iota
	StepInto
	StepOver
	StepOut
	StepInstruction
)

func (m StepMode) String() string {
	switch m {
	case StepNone:
		return "none"
	case StepInto:
		return "into"
	case StepOver:
		return "over"
	case StepOut:
		return "out"
	case StepInstruction:
		return "instruction"
	}
	return fmt.Sprintf("step(%d)", uint8(m))
}

// Breakpoint is a source line of a contract.
type Breakpoint struct {
	Contract string `json:"contract"`
	Line     int    `json:"line"`
}

// Variable is a named value shown by the debugger views.
type Variable struct {
	Name  string `json:"name"`
	Value Value  `json:"-"`
}

// position is the place of the next instruction of a frame.
type position struct {
	ci    *callInfo
	depth int
	pc    int
	line  int
}

type debugger struct {
	breakpoints map[string]map[int]bool

	mode  StepMode
	start position

	// last is the position seen by the previous check. A breakpoint fires
	// when a line is entered, not on every instruction of it.
	last position
}

func (d *debugger) init() {
	d.breakpoints = make(map[string]map[int]bool)
}

func (L *State) position() position {
	ci := L.ci
	if !ci.isLua() {
		return position{ci: ci, depth: ci.depth, pc: -1, line: -1}
	}
	return position{ci: ci, depth: ci.depth, pc: ci.pc, line: ci.cl.p.p.Line(ci.pc)}
}

// breakContract returns the contract whose breakpoints apply to the
// running frame.
func (L *State) breakContract() string {
	if L.ci.isLua() && L.ci.cl.p.contract != "" {
		return L.ci.cl.p.contract
	}
	if id := L.currentIdentity(); id != nil {
		return id.contract
	}
	return ""
}

// check runs after each top-level instruction and reports whether the
// thread must stop.
func (d *debugger) check(L *State) bool {
	if !L.cfg.AllowDebug {
		return false
	}
	pos := L.position()
	last := d.last
	d.last = pos
	if pos.line < 0 {
		return false
	}
	newLine := pos.ci != last.ci || pos.depth != last.depth || pos.line != last.line || pos.pc <= last.pc

	switch d.mode {
	case StepInstruction:
		d.mode = StepNone
		return true
	case StepInto:
		if newLine && (pos.line != d.start.line || pos.depth != d.start.depth) {
			d.mode = StepNone
			return true
		}
	case StepOver:
		if pos.depth < d.start.depth || (pos.depth == d.start.depth && newLine && pos.line != d.start.line) {
			d.mode = StepNone
			return true
		}
	case StepOut:
		if pos.depth < d.start.depth {
			d.mode = StepNone
			return true
		}
	}
	if !newLine || len(d.breakpoints) == 0 {
		return false
	}
	if lines, ok := d.breakpoints[L.breakContract()]; ok && lines[pos.line] {
		log.Debug("breakpoint hit", "contract", L.breakContract(), "line", pos.line)
		return true
	}
	return false
}

func (d *debugger) resumed(L *State) {
	d.last = L.position()
}

// SetBreakpoint adds a breakpoint at line of contract.
func (L *State) SetBreakpoint(contract string, line int) {
	lines, ok := L.debug.breakpoints[contract]
	if !ok {
		lines = make(map[int]bool)
		L.debug.breakpoints[contract] = lines
	}
	lines[line] = true
}

// ClearBreakpoint removes one breakpoint.
func (L *State) ClearBreakpoint(contract string, line int) {
	lines := L.debug.breakpoints[contract]
	delete(lines, line)
	if len(lines) == 0 {
		delete(L.debug.breakpoints, contract)
	}
}

// ClearBreakpoints removes every breakpoint.
func (L *State) ClearBreakpoints() {
	clear(L.debug.breakpoints)
}

// Breakpoints returns the breakpoints sorted by contract and line.
func (L *State) Breakpoints() []Breakpoint {
	var out []Breakpoint
	for c, lines := range L.debug.breakpoints {
		for l := range lines {
			out = append(out, Breakpoint{Contract: c, Line: l})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Contract != out[j].Contract {
			return out[i].Contract < out[j].Contract
		}
		return out[i].Line < out[j].Line
	})
	return out
}

func (L *State) step(mode StepMode) ([]Value, error) {
	if !L.status.Has(StateBreak) {
		return nil, ErrNotDebuggable
	}
	L.debug.mode = mode
	L.debug.start = L.position()
	return L.Resume()
}

// StepInto resumes until the next line at any call depth.
func (L *State) StepInto() ([]Value, error) { return L.step(StepInto) }

// StepOver resumes until the next line of the current function or its
// caller.
func (L *State) StepOver() ([]Value, error) { return L.step(StepOver) }

// StepOut resumes until the current function returns.
func (L *State) StepOut() ([]Value, error) { return L.step(StepOut) }

// StepInstruction executes one instruction.
func (L *State) StepInstruction() ([]Value, error) { return L.step(StepInstruction) }

// requestBreak stops the thread after the running instruction.
func (L *State) requestBreak() {
	L.debug.mode = StepInstruction
}

// exitDebugger drops the stepping state and every breakpoint.
func (L *State) exitDebugger() {
	L.debug.mode = StepNone
	L.ClearBreakpoints()
}

// CurrentLine returns the source and line of the next instruction of the
// innermost script frame.
func (L *State) CurrentLine() (string, int) {
	for ci := L.ci; ci != nil; ci = ci.prev {
		if ci.isLua() {
			return ci.cl.p.source, ci.cl.p.p.Line(ci.pc)
		}
	}
	return "", 0
}

func (L *State) scriptFrame() *callInfo {
	for ci := L.ci; ci != nil; ci = ci.prev {
		if ci.isLua() {
			return ci
		}
	}
	return nil
}

// ViewLocals returns the locals active at the current pc of the innermost
// script frame.
func (L *State) ViewLocals() []Variable {
	ci := L.scriptFrame()
	if ci == nil {
		return nil
	}
	var out []Variable
	for n := 1; ; n++ {
		name, ok := ci.cl.p.p.LocalName(n, ci.pc)
		if !ok {
			break
		}
		idx := ci.base + n - 1
		v := Nil
		if idx < len(L.stack) {
			v = L.stack[idx]
		}
		out = append(out, Variable{Name: name, Value: v})
	}
	return out
}

// ViewUpvalues returns the upvalues of the innermost script function.
func (L *State) ViewUpvalues() []Variable {
	ci := L.scriptFrame()
	if ci == nil {
		return nil
	}
	descs := ci.cl.p.p.Upvalues
	out := make([]Variable, 0, len(ci.cl.upvals))
	for i, u := range ci.cl.upvals {
		name := "?"
		if i < len(descs) && descs[i].Name != "" {
			name = descs[i].Name
		}
		v := Nil
		if u != nil {
			v = u.get(L)
		}
		out = append(out, Variable{Name: name, Value: v})
	}
	return out
}

// ViewCallStack returns one line per active frame, innermost first.
func (L *State) ViewCallStack() []string {
	var out []string
	for ci := L.ci; ci != nil && ci != &L.baseCI; ci = ci.prev {
		switch {
		case ci.isLua():
			out = append(out, fmt.Sprintf("func:%s line:%d", ci.cl.p.source, ci.cl.p.p.Line(ci.pc-1)))
		case ci.native != nil:
			out = append(out, fmt.Sprintf("func:[native %s] line:-1", ci.native.name))
		}
	}
	return out
}
