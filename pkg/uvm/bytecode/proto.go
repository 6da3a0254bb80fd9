package bytecode

import (
	"errors"
	"fmt"
)

// ConstKind is the type tag of a prototype constant. The values match the
// tags used in binary chunks.
type ConstKind uint8

// Constant kinds.
const (
	ConstNil    ConstKind = 0
	ConstBool   ConstKind = 1
	ConstNumber ConstKind = 3
	ConstString ConstKind = 4
	ConstInt    ConstKind = 3 | 1<<4
	ConstLong   ConstKind = 4 | 1<<4 // long string, decoded as ConstString
)

// Constant is one entry of a prototype constant table.
type Constant struct {
	Kind ConstKind
	Bool bool
	Int  int64
	Num  float64
	Str  string
}

// NilConst returns a nil constant.
func NilConst() Constant { return Constant{Kind: ConstNil} }

// BoolConst returns a boolean constant.
func BoolConst(b bool) Constant { return Constant{Kind: ConstBool, Bool: b} }

// IntConst returns an integer constant.
func IntConst(i int64) Constant { return Constant{Kind: ConstInt, Int: i} }

// NumberConst returns a float constant.
func NumberConst(f float64) Constant { return Constant{Kind: ConstNumber, Num: f} }

// StringConst returns a string constant.
func StringConst(s string) Constant { return Constant{Kind: ConstString, Str: s} }

// String renders the constant the way the disassembler prints it.
func (c Constant) String() string {
	switch c.Kind {
	case ConstNil:
		return "nil"
	case ConstBool:
		if c.Bool {
			return "true"
		}
		return "false"
	case ConstInt:
		return fmt.Sprintf("%d", c.Int)
	case ConstNumber:
		return fmt.Sprintf("%g", c.Num)
	case ConstString, ConstLong:
		return fmt.Sprintf("%q", c.Str)
	}
	return "?"
}

// UpvalDesc describes how a closure captures one upvalue.
type UpvalDesc struct {
	Name    string
	InStack bool  // captured from the enclosing function's registers
	Idx     uint8 // register or enclosing upvalue index
}

// LocVar is the debug record of a local variable, active for
// StartPC <= pc < EndPC.
type LocVar struct {
	Name    string
	StartPC int
	EndPC   int
}

// Proto is a function prototype.
type Proto struct {
	Source          string
	LineDefined     int
	LastLineDefined int
	NumParams       uint8
	IsVararg        bool
	MaxStackSize    uint8

	Code      []Instruction
	Constants []Constant
	Upvalues  []UpvalDesc
	Protos    []*Proto

	LineInfo []int32
	LocVars  []LocVar
}

// Line returns the source line of the instruction at pc, or 0 when the
// prototype carries no line information.
func (p *Proto) Line(pc int) int {
	if pc < 0 || pc >= len(p.LineInfo) {
		return 0
	}
	return int(p.LineInfo[pc])
}

// LocalName returns the name of the n-th (1-based) local active at pc.
func (p *Proto) LocalName(n, pc int) (string, bool) {
	for _, lv := range p.LocVars {
		if lv.StartPC > pc {
			break
		}
		if pc < lv.EndPC {
			n--
			if n == 0 {
				return lv.Name, true
			}
		}
	}
	return "", false
}

// ErrInvalidProto is returned by Validate.
var ErrInvalidProto = errors.New("invalid prototype")

// Validate checks that every operand of every instruction addresses an
// existing register, constant, upvalue or nested prototype, so the
// interpreter can index them without bounds failures.
func (p *Proto) Validate() error {
	return p.validate(nil, 0)
}

func (p *Proto) validate(parent *Proto, depth int) error {
	if depth > 200 {
		return fmt.Errorf("%w: prototypes nested too deeply", ErrInvalidProto)
	}
	if int(p.NumParams) > int(p.MaxStackSize) {
		return fmt.Errorf("%w: %d params exceed stack size %d", ErrInvalidProto, p.NumParams, p.MaxStackSize)
	}
	if len(p.Code) == 0 || p.Code[len(p.Code)-1].Op() != OpReturn {
		return fmt.Errorf("%w: code must end with RETURN", ErrInvalidProto)
	}
	if len(p.LineInfo) != 0 && len(p.LineInfo) != len(p.Code) {
		return fmt.Errorf("%w: %d line entries for %d instructions", ErrInvalidProto, len(p.LineInfo), len(p.Code))
	}
	stack := int(p.MaxStackSize)
	nk := len(p.Constants)

	reg := func(pc, r int) error {
		if r >= stack {
			return fmt.Errorf("%w: pc %d: register %d out of range (max stack %d)", ErrInvalidProto, pc, r, stack)
		}
		return nil
	}
	rk := func(pc, x int) error {
		if IsK(x) {
			if IndexK(x) >= nk {
				return fmt.Errorf("%w: pc %d: constant %d out of range", ErrInvalidProto, pc, IndexK(x))
			}
			return nil
		}
		return reg(pc, x)
	}
	jump := func(pc, off int) error {
		if dst := pc + 1 + off; dst < 0 || dst >= len(p.Code) {
			return fmt.Errorf("%w: pc %d: jump target %d out of range", ErrInvalidProto, pc, dst)
		}
		return nil
	}

	for pc, ins := range p.Code {
		op := ins.Op()
		if !op.Valid() {
			return fmt.Errorf("%w: pc %d: unknown opcode %d", ErrInvalidProto, pc, op)
		}
		info := op.Info()
		a := ins.A()
		switch op {
		case OpJmp, OpExtraArg, OpSetTabUp, OpReturn, OpTForCall, OpEq, OpLt, OpLe:
		default:
			if err := reg(pc, a); err != nil {
				return err
			}
		}
		switch info.Mode {
		case ModeABC:
			if info.B == ArgK {
				if err := rk(pc, ins.B()); err != nil {
					return err
				}
			} else if info.B == ArgR {
				if err := reg(pc, ins.B()); err != nil {
					return err
				}
			}
			if info.C == ArgK {
				if err := rk(pc, ins.C()); err != nil {
					return err
				}
			} else if info.C == ArgR {
				if err := reg(pc, ins.C()); err != nil {
					return err
				}
			}
		case ModeAsBx:
			if err := jump(pc, ins.SBx()); err != nil {
				return err
			}
		}
		switch op {
		case OpLoadK:
			if ins.Bx() >= nk {
				return fmt.Errorf("%w: pc %d: constant %d out of range", ErrInvalidProto, pc, ins.Bx())
			}
		case OpLoadKX:
			if pc+1 >= len(p.Code) || p.Code[pc+1].Op() != OpExtraArg {
				return fmt.Errorf("%w: pc %d: LOADKX without EXTRAARG", ErrInvalidProto, pc)
			}
			if p.Code[pc+1].Ax() >= nk {
				return fmt.Errorf("%w: pc %d: constant %d out of range", ErrInvalidProto, pc, p.Code[pc+1].Ax())
			}
		case OpGetUpval, OpGetTabUp, OpSetUpval:
			if ins.B() >= len(p.Upvalues) {
				return fmt.Errorf("%w: pc %d: upvalue %d out of range", ErrInvalidProto, pc, ins.B())
			}
		case OpSetTabUp:
			if a >= len(p.Upvalues) {
				return fmt.Errorf("%w: pc %d: upvalue %d out of range", ErrInvalidProto, pc, a)
			}
		case OpClosure:
			if ins.Bx() >= len(p.Protos) {
				return fmt.Errorf("%w: pc %d: prototype %d out of range", ErrInvalidProto, pc, ins.Bx())
			}
		case OpLoadBool:
			if ins.C() != 0 && pc+1 >= len(p.Code) {
				return fmt.Errorf("%w: pc %d: LOADBOOL skips past end", ErrInvalidProto, pc)
			}
		case OpEq, OpLt, OpLe, OpTest, OpTestSet, OpTForCall:
			if pc+1 >= len(p.Code) {
				return fmt.Errorf("%w: pc %d: %s at end of code", ErrInvalidProto, pc, op)
			}
		case OpJmp:
			if a > stack+1 {
				return fmt.Errorf("%w: pc %d: JMP closes register %d", ErrInvalidProto, pc, a-1)
			}
		case OpConcat:
			if ins.B() > ins.C() {
				return fmt.Errorf("%w: pc %d: CONCAT range %d..%d", ErrInvalidProto, pc, ins.B(), ins.C())
			}
		case OpSetList:
			if ins.C() == 0 && (pc+1 >= len(p.Code) || p.Code[pc+1].Op() != OpExtraArg) {
				return fmt.Errorf("%w: pc %d: SETLIST without EXTRAARG", ErrInvalidProto, pc)
			}
		}
	}

	if parent != nil {
		for i, uv := range p.Upvalues {
			if uv.InStack && int(uv.Idx) >= int(parent.MaxStackSize) {
				return fmt.Errorf("%w: upvalue %d captures register %d out of range", ErrInvalidProto, i, uv.Idx)
			}
			if !uv.InStack && int(uv.Idx) >= len(parent.Upvalues) {
				return fmt.Errorf("%w: upvalue %d inherits missing upvalue %d", ErrInvalidProto, i, uv.Idx)
			}
		}
	}
	for i, child := range p.Protos {
		if child == nil {
			return fmt.Errorf("%w: nested prototype %d is nil", ErrInvalidProto, i)
		}
		if err := child.validate(p, depth+1); err != nil {
			return err
		}
	}
	return nil
}
