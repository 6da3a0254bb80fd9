// Package bytecode defines UVM opcodes, instruction encoding, function
// prototypes and the binary formats contracts are shipped in.
//
// Instructions are 32 bits wide with the Lua 5.3 field layout:
//
//	iABC:  op(6) A(8) C(9) B(9)
//	iABx:  op(6) A(8) Bx(18)
//	iAsBx: op(6) A(8) sBx(18, excess-K)
//	iAx:   op(6) Ax(26)
//
// B and C arguments of RK mode address a constant when bit 8 is set and a
// register otherwise.
package bytecode

import "fmt"

// Field sizes and positions.
const (
	SizeOp = 6
	SizeA  = 8
	SizeB  = 9
	SizeC  = 9
	SizeBx = SizeC + SizeB
	SizeAx = SizeBx + SizeA

	PosOp = 0
	PosA  = PosOp + SizeOp
	PosC  = PosA + SizeA
	PosB  = PosC + SizeC
	PosBx = PosC
	PosAx = PosA
)

// Argument limits.
const (
	MaxArgA   = 1<<SizeA - 1
	MaxArgB   = 1<<SizeB - 1
	MaxArgC   = 1<<SizeC - 1
	MaxArgBx  = 1<<SizeBx - 1
	MaxArgSBx = MaxArgBx >> 1
	MaxArgAx  = 1<<SizeAx - 1

	// BitRK marks an RK argument as a constant index.
	BitRK = 1 << (SizeB - 1)

	// MaxIndexRK is the largest constant index encodable in an RK argument.
	MaxIndexRK = BitRK - 1

	// FieldsPerFlush is the number of list items SETLIST stores per batch.
	FieldsPerFlush = 50
)

// OpCode identifies an instruction.
type OpCode uint8

// Opcodes, in UVM numbering. CCALL and CSTATICCALL sit right after CALL and
// the eval stack and comparison extensions follow EXTRAARG.
const (
	OpMove        OpCode = iota // R(A) := R(B)
	OpLoadK                     // R(A) := Kst(Bx)
	OpLoadKX                    // R(A) := Kst(extra arg)
	OpLoadBool                  // R(A) := (Bool)B; if (C) pc++
	OpLoadNil                   // R(A), R(A+1), ..., R(A+B) := nil
	OpGetUpval                  // R(A) := UpValue[B]
	OpGetTabUp                  // R(A) := UpValue[B][RK(C)]
	OpGetTable                  // R(A) := R(B)[RK(C)]
	OpSetTabUp                  // UpValue[A][RK(B)] := RK(C)
	OpSetUpval                  // UpValue[B] := R(A)
	OpSetTable                  // R(A)[RK(B)] := RK(C)
	OpNewTable                  // R(A) := {} (size = B,C)
	OpSelf                      // R(A+1) := R(B); R(A) := R(B)[RK(C)]
	OpAdd                       // R(A) := RK(B) + RK(C)
	OpSub                       // R(A) := RK(B) - RK(C)
	OpMul                       // R(A) := RK(B) * RK(C)
	OpDiv                       // R(A) := RK(B) / RK(C)
	OpBAnd                      // R(A) := RK(B) & RK(C)
	OpBOr                       // R(A) := RK(B) | RK(C)
	OpBXor                      // R(A) := RK(B) ~ RK(C)
	OpShl                       // R(A) := RK(B) << RK(C)
	OpShr                       // R(A) := RK(B) >> RK(C)
	OpMod                       // R(A) := RK(B) % RK(C)
	OpIDiv                      // R(A) := RK(B) // RK(C)
	OpPow                       // R(A) := RK(B) ^ RK(C)
	OpUnm                       // R(A) := -R(B)
	OpBNot                      // R(A) := ~R(B)
	OpNot                       // R(A) := not R(B)
	OpLen                       // R(A) := length of R(B)
	OpConcat                    // R(A) := R(B).. ... ..R(C)
	OpJmp                       // pc += sBx; if (A) close all upvalues >= R(A - 1)
	OpEq                        // if ((RK(B) == RK(C)) ~= A) then pc++
	OpLt                        // if ((RK(B) <  RK(C)) ~= A) then pc++
	OpLe                        // if ((RK(B) <= RK(C)) ~= A) then pc++
	OpTest                      // if not (R(A) <=> C) then pc++
	OpTestSet                   // if (R(B) <=> C) then R(A) := R(B) else pc++
	OpCall                      // R(A), ... ,R(A+C-2) := R(A)(R(A+1), ... ,R(A+B-1))
	OpCCall                     // R(A), ... := contract R(A) api R(A+1) (R(A+2), ... ,R(A+B))
	OpCStaticCall               // as CCALL, storage read-only for the callee
	OpTailCall                  // return R(A)(R(A+1), ... ,R(A+B-1))
	OpReturn                    // return R(A), ... ,R(A+B-2)
	OpForLoop                   // R(A)+=R(A+2); if R(A) <?= R(A+1) then { pc+=sBx; R(A+3)=R(A) }
	OpForPrep                   // R(A)-=R(A+2); pc+=sBx
	OpTForCall                  // R(A+3), ... ,R(A+2+C) := R(A)(R(A+1), R(A+2))
	OpTForLoop                  // if R(A+1) ~= nil then { R(A)=R(A+1); pc += sBx }
	OpSetList                   // R(A)[(C-1)*FPF+i] := R(A+i), 1 <= i <= B
	OpClosure                   // R(A) := closure(KPROTO[Bx])
	OpVararg                    // R(A), R(A+1), ..., R(A+B-2) = vararg
	OpExtraArg                  // extra (larger) argument for previous opcode
	OpPush                      // evalstack.push(R(A))
	OpPop                       // R(A) := evalstack.pop()
	OpGetTop                    // R(A) := evalstack.top()
	OpCmp                       // R(A) := -1, 0 or 1 comparing RK(B) with RK(C)
	OpCmpEq                     // R(A) := RK(B) == RK(C) ? 1 : 0
	OpCmpNe                     // R(A) := RK(B) ~= RK(C) ? 1 : 0
	OpCmpGt                     // R(A) := RK(B) > RK(C) ? 1 : 0
	OpCmpLt                     // R(A) := RK(B) < RK(C) ? 1 : 0

	NumOpCodes = int(OpCmpLt) + 1
)

// OpMode is an instruction format.
type OpMode uint8

// Instruction formats.
const (
	ModeABC OpMode = iota
	ModeABx
	ModeAsBx
	ModeAx
)

// ArgMode describes how an argument is used.
type ArgMode uint8

// Argument modes.
const (
	ArgN ArgMode = iota // unused
	ArgU                // used, plain value
	ArgR                // register or jump offset
	ArgK                // constant or register/constant
)

// OpInfo describes one opcode.
type OpInfo struct {
	Name  string
	Mode  OpMode
	B, C  ArgMode
	SetsA bool
	Test  bool
}

var opInfos = [NumOpCodes]OpInfo{
	OpMove:        {"MOVE", ModeABC, ArgR, ArgN, true, false},
	OpLoadK:       {"LOADK", ModeABx, ArgK, ArgN, true, false},
	OpLoadKX:      {"LOADKX", ModeABx, ArgN, ArgN, true, false},
	OpLoadBool:    {"LOADBOOL", ModeABC, ArgU, ArgU, true, false},
	OpLoadNil:     {"LOADNIL", ModeABC, ArgU, ArgN, true, false},
	OpGetUpval:    {"GETUPVAL", ModeABC, ArgU, ArgN, true, false},
	OpGetTabUp:    {"GETTABUP", ModeABC, ArgU, ArgK, true, false},
	OpGetTable:    {"GETTABLE", ModeABC, ArgR, ArgK, true, false},
	OpSetTabUp:    {"SETTABUP", ModeABC, ArgK, ArgK, false, false},
	OpSetUpval:    {"SETUPVAL", ModeABC, ArgU, ArgN, false, false},
	OpSetTable:    {"SETTABLE", ModeABC, ArgK, ArgK, false, false},
	OpNewTable:    {"NEWTABLE", ModeABC, ArgU, ArgU, true, false},
	OpSelf:        {"SELF", ModeABC, ArgR, ArgK, true, false},
	OpAdd:         {"ADD", ModeABC, ArgK, ArgK, true, false},
	OpSub:         {"SUB", ModeABC, ArgK, ArgK, true, false},
	OpMul:         {"MUL", ModeABC, ArgK, ArgK, true, false},
	OpDiv:         {"DIV", ModeABC, ArgK, ArgK, true, false},
	OpBAnd:        {"BAND", ModeABC, ArgK, ArgK, true, false},
	OpBOr:         {"BOR", ModeABC, ArgK, ArgK, true, false},
	OpBXor:        {"BXOR", ModeABC, ArgK, ArgK, true, false},
	OpShl:         {"SHL", ModeABC, ArgK, ArgK, true, false},
	OpShr:         {"SHR", ModeABC, ArgK, ArgK, true, false},
	OpMod:         {"MOD", ModeABC, ArgK, ArgK, true, false},
	OpIDiv:        {"IDIV", ModeABC, ArgK, ArgK, true, false},
	OpPow:         {"POW", ModeABC, ArgK, ArgK, true, false},
	OpUnm:         {"UNM", ModeABC, ArgR, ArgN, true, false},
	OpBNot:        {"BNOT", ModeABC, ArgR, ArgN, true, false},
	OpNot:         {"NOT", ModeABC, ArgR, ArgN, true, false},
	OpLen:         {"LEN", ModeABC, ArgR, ArgN, true, false},
	OpConcat:      {"CONCAT", ModeABC, ArgR, ArgR, true, false},
	OpJmp:         {"JMP", ModeAsBx, ArgR, ArgN, false, false},
	OpEq:          {"EQ", ModeABC, ArgK, ArgK, false, true},
	OpLt:          {"LT", ModeABC, ArgK, ArgK, false, true},
	OpLe:          {"LE", ModeABC, ArgK, ArgK, false, true},
	OpTest:        {"TEST", ModeABC, ArgN, ArgU, false, true},
	OpTestSet:     {"TESTSET", ModeABC, ArgR, ArgU, true, true},
	OpCall:        {"CALL", ModeABC, ArgU, ArgU, true, false},
	OpCCall:       {"CCALL", ModeABC, ArgU, ArgU, true, false},
	OpCStaticCall: {"CSTATICCALL", ModeABC, ArgU, ArgU, true, false},
	OpTailCall:    {"TAILCALL", ModeABC, ArgU, ArgU, true, false},
	OpReturn:      {"RETURN", ModeABC, ArgU, ArgN, false, false},
	OpForLoop:     {"FORLOOP", ModeAsBx, ArgR, ArgN, true, false},
	OpForPrep:     {"FORPREP", ModeAsBx, ArgR, ArgN, true, false},
	OpTForCall:    {"TFORCALL", ModeABC, ArgN, ArgU, false, false},
	OpTForLoop:    {"TFORLOOP", ModeAsBx, ArgR, ArgN, true, false},
	OpSetList:     {"SETLIST", ModeABC, ArgU, ArgU, false, false},
	OpClosure:     {"CLOSURE", ModeABx, ArgU, ArgN, true, false},
	OpVararg:      {"VARARG", ModeABC, ArgU, ArgN, true, false},
	OpExtraArg:    {"EXTRAARG", ModeAx, ArgU, ArgU, false, false},
	OpPush:        {"PUSH", ModeABC, ArgN, ArgN, false, false},
	OpPop:         {"POP", ModeABC, ArgN, ArgN, true, false},
	OpGetTop:      {"GETTOP", ModeABC, ArgN, ArgN, true, false},
	OpCmp:         {"CMP", ModeABC, ArgK, ArgK, true, false},
	OpCmpEq:       {"CMP_EQ", ModeABC, ArgK, ArgK, true, false},
	OpCmpNe:       {"CMP_NE", ModeABC, ArgK, ArgK, true, false},
	OpCmpGt:       {"CMP_GT", ModeABC, ArgK, ArgK, true, false},
	OpCmpLt:       {"CMP_LT", ModeABC, ArgK, ArgK, true, false},
}

// Info returns the description of op.
func (op OpCode) Info() OpInfo {
	if int(op) >= NumOpCodes {
		return OpInfo{Name: fmt.Sprintf("OP_%d", op)}
	}
	return opInfos[op]
}

// String returns the opcode mnemonic.
func (op OpCode) String() string {
	return op.Info().Name
}

// Valid reports whether op is a known opcode.
func (op OpCode) Valid() bool {
	return int(op) < NumOpCodes
}

// Instruction is one encoded instruction.
type Instruction uint32

// Op returns the opcode.
func (i Instruction) Op() OpCode {
	return OpCode(i >> PosOp & (1<<SizeOp - 1))
}

// A returns argument A.
func (i Instruction) A() int {
	return int(i >> PosA & MaxArgA)
}

// B returns argument B.
func (i Instruction) B() int {
	return int(i >> PosB & MaxArgB)
}

// C returns argument C.
func (i Instruction) C() int {
	return int(i >> PosC & MaxArgC)
}

// Bx returns argument Bx.
func (i Instruction) Bx() int {
	return int(i >> PosBx & MaxArgBx)
}

// SBx returns the signed argument sBx.
func (i Instruction) SBx() int {
	return i.Bx() - MaxArgSBx
}

// Ax returns argument Ax.
func (i Instruction) Ax() int {
	return int(i >> PosAx & MaxArgAx)
}

// String renders the instruction in disassembly form.
func (i Instruction) String() string {
	op := i.Op()
	info := op.Info()
	switch info.Mode {
	case ModeABx:
		return fmt.Sprintf("%-12s %d %d", info.Name, i.A(), i.Bx())
	case ModeAsBx:
		return fmt.Sprintf("%-12s %d %d", info.Name, i.A(), i.SBx())
	case ModeAx:
		return fmt.Sprintf("%-12s %d", info.Name, i.Ax())
	}
	return fmt.Sprintf("%-12s %d %s %s", info.Name, i.A(), rkString(i.B(), info.B), rkString(i.C(), info.C))
}

func rkString(v int, mode ArgMode) string {
	switch mode {
	case ArgN:
		return "-"
	case ArgK:
		if IsK(v) {
			return fmt.Sprintf("K%d", IndexK(v))
		}
	}
	return fmt.Sprintf("%d", v)
}

// CreateABC encodes an iABC instruction.
func CreateABC(op OpCode, a, b, c int) Instruction {
	return Instruction(uint32(op)<<PosOp | uint32(a)<<PosA | uint32(b)<<PosB | uint32(c)<<PosC)
}

// CreateABx encodes an iABx instruction.
func CreateABx(op OpCode, a, bx int) Instruction {
	return Instruction(uint32(op)<<PosOp | uint32(a)<<PosA | uint32(bx)<<PosBx)
}

// CreateAsBx encodes an iAsBx instruction.
func CreateAsBx(op OpCode, a, sbx int) Instruction {
	return CreateABx(op, a, sbx+MaxArgSBx)
}

// CreateAx encodes an iAx instruction.
func CreateAx(op OpCode, ax int) Instruction {
	return Instruction(uint32(op)<<PosOp | uint32(ax)<<PosAx)
}

// IsK reports whether an RK argument addresses a constant.
func IsK(x int) bool {
	return x&BitRK != 0
}

// IndexK returns the constant index of an RK argument.
func IndexK(x int) int {
	return x &^ BitRK
}

// RK encodes constant index k as an RK argument.
func RK(k int) int {
	return k | BitRK
}

// GetOpCode returns the opcode of i.
func GetOpCode(i Instruction) OpCode { return i.Op() }

// GetArgA returns argument A of i.
func GetArgA(i Instruction) int { return i.A() }

// GetArgB returns argument B of i.
func GetArgB(i Instruction) int { return i.B() }

// GetArgC returns argument C of i.
func GetArgC(i Instruction) int { return i.C() }

// GetArgBx returns argument Bx of i.
func GetArgBx(i Instruction) int { return i.Bx() }

// GetArgSBx returns argument sBx of i.
func GetArgSBx(i Instruction) int { return i.SBx() }

// GetArgAx returns argument Ax of i.
func GetArgAx(i Instruction) int { return i.Ax() }
