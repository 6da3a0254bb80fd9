package vm

import (
	"math"
	"strconv"
	"strings"

	"github.com/fortiblox/X1-UVM/pkg/uvm/bytecode"
)

type arithOp uint8

const (
	opAdd arithOp = iota
	opSub
	opMul
	opMod
	opPow
	opDiv
	opIDiv
	opBAnd
	opBOr
	opBXor
	opShl
	opShr
	opUnm
	opBNot
)

var arithEvents = [...]string{
	opAdd:  "__add",
	opSub:  "__sub",
	opMul:  "__mul",
	opMod:  "__mod",
	opPow:  "__pow",
	opDiv:  "__div",
	opIDiv: "__idiv",
	opBAnd: "__band",
	opBOr:  "__bor",
	opBXor: "__bxor",
	opShl:  "__shl",
	opShr:  "__shr",
	opUnm:  "__unm",
	opBNot: "__bnot",
}

var opcodeArith = map[bytecode.OpCode]arithOp{
	bytecode.OpAdd:  opAdd,
	bytecode.OpSub:  opSub,
	bytecode.OpMul:  opMul,
	bytecode.OpMod:  opMod,
	bytecode.OpPow:  opPow,
	bytecode.OpDiv:  opDiv,
	bytecode.OpIDiv: opIDiv,
	bytecode.OpBAnd: opBAnd,
	bytecode.OpBOr:  opBOr,
	bytecode.OpBXor: opBXor,
	bytecode.OpShl:  opShl,
	bytecode.OpShr:  opShr,
}

func (op arithOp) bitwise() bool { return op >= opBAnd && op != opUnm }

// parseNumber converts a numeral the way tonumber does: surrounding
// spaces are allowed, integers that overflow become floats.
func parseNumber(s string) (Value, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Nil, false
	}
	neg := false
	body := s
	if body[0] == '-' || body[0] == '+' {
		neg = body[0] == '-'
		body = body[1:]
	}
	if len(body) > 2 && body[0] == '0' && (body[1] == 'x' || body[1] == 'X') {
		hex := body[2:]
		if !strings.ContainsAny(hex, ".pP") {
			var u uint64
			for _, c := range hex {
				d, ok := hexDigit(c)
				if !ok {
					return Nil, false
				}
				u = u<<4 | uint64(d)
			}
			if neg {
				u = -u
			}
			return Int(int64(u)), true
		}
		if !strings.ContainsAny(hex, "pP") {
			body += "p0"
			s = body
			if neg {
				s = "-" + body
			}
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return Nil, false
		}
		return Number(f), true
	}
	for _, c := range body {
		if !(c >= '0' && c <= '9' || c == '.' || c == 'e' || c == 'E' || c == '-' || c == '+') {
			return Nil, false
		}
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return Int(i), true
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil && !isRangeErr(err) {
		return Nil, false
	}
	return Number(f), true
}

func isRangeErr(err error) bool {
	ne, ok := err.(*strconv.NumError)
	return ok && ne.Err == strconv.ErrRange
}

func hexDigit(c rune) (int, bool) {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0'), true
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10, true
	case c >= 'A' && c <= 'F':
		return int(c-'A') + 10, true
	}
	return 0, false
}

// toNumberCoerce returns v as a number, converting numeric strings.
func toNumberCoerce(v Value) (Value, bool) {
	switch v.kind {
	case KindInt, KindNumber:
		return v, true
	case KindString:
		return parseNumber(v.obj.(*String).s)
	}
	return Nil, false
}

// toIntegerCoerce returns v as an integer when it has an exact integer
// value.
func toIntegerCoerce(v Value) (int64, bool) {
	n, ok := toNumberCoerce(v)
	if !ok {
		return 0, false
	}
	return n.ToInteger()
}

// toStringCoerce returns v as a string, converting numbers.
func toStringCoerce(v Value) (string, bool) {
	switch v.kind {
	case KindString:
		return v.obj.(*String).s, true
	case KindInt, KindNumber:
		return v.String(), true
	}
	return "", false
}

// metatable returns the metatable of v, or nil.
func (L *State) metatable(v Value) *Table {
	switch o := v.obj.(type) {
	case *Table:
		return o.meta
	case *Userdata:
		return o.meta
	case *String:
		return L.stringMeta
	}
	return nil
}

// metaField returns the metamethod event of v, or nil.
func (L *State) metaField(v Value, event string) Value {
	if mt := L.metatable(v); mt != nil {
		return mt.RawGetString(event)
	}
	return Nil
}

// arith applies a binary or unary arithmetic operator with metamethod
// fallback.
func (L *State) arith(op arithOp, a, b Value) (Value, error) {
	if v, ok, err := L.rawArith(op, a, b); ok || err != nil {
		return v, err
	}
	ev := arithEvents[op]
	tm := L.metaField(a, ev)
	if tm.IsNil() {
		tm = L.metaField(b, ev)
	}
	if tm.IsNil() {
		return Nil, L.arithError(op, a, b)
	}
	return L.callTM(tm, a, b)
}

func (L *State) arithError(op arithOp, a, b Value) error {
	if op.bitwise() {
		_, na := toNumberCoerce(a)
		_, nb := toNumberCoerce(b)
		if na && nb {
			return L.runtimeError("number has no integer representation")
		}
		if na {
			a = b
		}
		return L.typeError(a, "perform bitwise operation on")
	}
	if _, ok := toNumberCoerce(a); ok {
		a = b
	}
	return L.typeError(a, "perform arithmetic on")
}

func (L *State) rawArith(op arithOp, a, b Value) (Value, bool, error) {
	if op.bitwise() {
		x, ok1 := toIntegerCoerce(a)
		y, ok2 := toIntegerCoerce(b)
		if !ok1 || !ok2 {
			return Nil, false, nil
		}
		return Int(intArith(op, x, y)), true, nil
	}
	na, ok1 := toNumberCoerce(a)
	nb, ok2 := toNumberCoerce(b)
	if !ok1 || !ok2 {
		return Nil, false, nil
	}
	if na.kind == KindInt && nb.kind == KindInt && op != opDiv && op != opPow {
		x, y := int64(na.n), int64(nb.n)
		if y == 0 {
			switch op {
			case opIDiv:
				return Nil, false, L.runtimeError("attempt to perform 'n//0'")
			case opMod:
				return Nil, false, L.runtimeError("attempt to perform 'n%%0'")
			}
		}
		return Int(intArith(op, x, y)), true, nil
	}
	x, _ := na.ToFloat()
	y, _ := nb.ToFloat()
	return Number(floatArith(op, x, y)), true, nil
}

func intArith(op arithOp, x, y int64) int64 {
	switch op {
	case opAdd:
		return x + y
	case opSub:
		return x - y
	case opMul:
		return x * y
	case opIDiv:
		if y == -1 {
			return -x
		}
		q := x / y
		if (x^y) < 0 && x%y != 0 {
			q--
		}
		return q
	case opMod:
		if y == -1 {
			return 0
		}
		m := x % y
		if m != 0 && (m^y) < 0 {
			m += y
		}
		return m
	case opBAnd:
		return x & y
	case opBOr:
		return x | y
	case opBXor:
		return x ^ y
	case opShl:
		return shiftLeft(x, y)
	case opShr:
		return shiftLeft(x, -y)
	case opUnm:
		return -x
	case opBNot:
		return ^x
	}
	return 0
}

func shiftLeft(x, y int64) int64 {
	switch {
	case y <= -64 || y >= 64:
		return 0
	case y < 0:
		return int64(uint64(x) >> uint(-y))
	}
	return int64(uint64(x) << uint(y))
}

func floatArith(op arithOp, x, y float64) float64 {
	switch op {
	case opAdd:
		return x + y
	case opSub:
		return x - y
	case opMul:
		return x * y
	case opDiv:
		return x / y
	case opPow:
		if y == 2 {
			return x * x
		}
		return math.Pow(x, y)
	case opIDiv:
		return math.Floor(x / y)
	case opMod:
		m := math.Mod(x, y)
		if m*y < 0 {
			m += y
		}
		return m
	case opUnm:
		return -x
	}
	return 0
}

// equals compares with __eq fallback for tables and userdata.
func (L *State) equals(a, b Value) (bool, error) {
	if RawEquals(a, b) {
		return true, nil
	}
	if a.kind != b.kind || (a.kind != KindTable && a.kind != KindUserdata) {
		return false, nil
	}
	tm := L.metaField(a, "__eq")
	if tm.IsNil() {
		tm = L.metaField(b, "__eq")
	}
	if tm.IsNil() {
		return false, nil
	}
	r, err := L.callTM(tm, a, b)
	return !r.Falsy(), err
}

const twoTo63 = 9223372036854775808.0

func numLess(a, b Value, orEqual bool) bool {
	if a.kind == KindInt && b.kind == KindInt {
		if orEqual {
			return int64(a.n) <= int64(b.n)
		}
		return int64(a.n) < int64(b.n)
	}
	if a.kind == KindInt {
		i, f := int64(a.n), math.Float64frombits(b.n)
		switch {
		case math.IsNaN(f):
			return false
		case f >= twoTo63:
			return true
		case f < -twoTo63:
			return false
		case orEqual:
			return i <= int64(math.Floor(f))
		}
		return i < int64(math.Ceil(f))
	}
	if b.kind == KindInt {
		f, i := math.Float64frombits(a.n), int64(b.n)
		switch {
		case math.IsNaN(f):
			return false
		case f >= twoTo63:
			return false
		case f < -twoTo63:
			return true
		case orEqual:
			return int64(math.Ceil(f)) <= i
		}
		return int64(math.Floor(f)) < i
	}
	x, y := math.Float64frombits(a.n), math.Float64frombits(b.n)
	if orEqual {
		return x <= y
	}
	return x < y
}

// lessThan evaluates a < b.
func (L *State) lessThan(a, b Value) (bool, error) {
	if a.IsNumber() && b.IsNumber() {
		return numLess(a, b, false), nil
	}
	if a.kind == KindString && b.kind == KindString {
		return a.obj.(*String).s < b.obj.(*String).s, nil
	}
	r, ok, err := L.compareTM(a, b, "__lt")
	if err != nil || ok {
		return r, err
	}
	return false, L.compareError(a, b)
}

// lessEqual evaluates a <= b, falling back to not (b < a).
func (L *State) lessEqual(a, b Value) (bool, error) {
	if a.IsNumber() && b.IsNumber() {
		return numLess(a, b, true), nil
	}
	if a.kind == KindString && b.kind == KindString {
		return a.obj.(*String).s <= b.obj.(*String).s, nil
	}
	if r, ok, err := L.compareTM(a, b, "__le"); err != nil || ok {
		return r, err
	}
	if r, ok, err := L.compareTM(b, a, "__lt"); err != nil || ok {
		return !r, err
	}
	return false, L.compareError(a, b)
}

func (L *State) compareTM(a, b Value, event string) (bool, bool, error) {
	tm := L.metaField(a, event)
	if tm.IsNil() {
		tm = L.metaField(b, event)
	}
	if tm.IsNil() {
		return false, false, nil
	}
	r, err := L.callTM(tm, a, b)
	return !r.Falsy(), true, err
}

func (L *State) compareError(a, b Value) error {
	t1, t2 := a.TypeName(), b.TypeName()
	if t1 == t2 {
		return L.runtimeError("attempt to compare two %s values", t1)
	}
	return L.runtimeError("attempt to compare %s with %s", t1, t2)
}

// compare returns -1, 0 or 1 for the CMP opcode.
func (L *State) compare(a, b Value) (int64, error) {
	eq, err := L.equals(a, b)
	if err != nil {
		return 0, err
	}
	if eq {
		return 0, nil
	}
	lt, err := L.lessThan(a, b)
	if err != nil {
		return 0, err
	}
	if lt {
		return -1, nil
	}
	return 1, nil
}

// length evaluates #v.
func (L *State) length(v Value) (Value, error) {
	if s, ok := v.obj.(*String); ok {
		return Int(int64(len(s.s))), nil
	}
	tm := L.metaField(v, "__len")
	if !tm.IsNil() {
		return L.callTM(tm, v)
	}
	if t, ok := v.AsTable(); ok {
		return Int(int64(t.Length())), nil
	}
	return Nil, L.typeError(v, "get length of")
}

// concat joins vals right to left, using __concat for operands that are
// neither strings nor numbers.
func (L *State) concat(vals []Value) (Value, error) {
	acc := vals[len(vals)-1]
	for i := len(vals) - 2; i >= 0; {
		if s, ok := toStringCoerce(acc); ok {
			j := i
			for j >= 0 {
				if _, ok := toStringCoerce(vals[j]); !ok {
					break
				}
				j--
			}
			if j < i {
				var b strings.Builder
				for k := j + 1; k <= i; k++ {
					p, _ := toStringCoerce(vals[k])
					b.WriteString(p)
				}
				b.WriteString(s)
				v, err := L.NewString(b.String())
				if err != nil {
					return Nil, err
				}
				acc, i = v, j
				continue
			}
		}
		a := vals[i]
		tm := L.metaField(a, "__concat")
		if tm.IsNil() {
			tm = L.metaField(acc, "__concat")
		}
		if tm.IsNil() {
			bad := a
			if _, ok := toStringCoerce(a); ok {
				bad = acc
			}
			return Nil, L.typeError(bad, "concatenate")
		}
		v, err := L.callTM(tm, a, acc)
		if err != nil {
			return Nil, err
		}
		acc = v
		i--
	}
	return acc, nil
}

// tostring converts v with the __tostring and __name conventions.
func (L *State) tostring(v Value) (string, error) {
	if tm := L.metaField(v, "__tostring"); !tm.IsNil() {
		r, err := L.callTM(tm, v)
		if err != nil {
			return "", err
		}
		s, ok := r.AsString()
		if !ok {
			return "", L.runtimeError("'__tostring' must return a string")
		}
		return s, nil
	}
	return v.String(), nil
}

// getTable evaluates t[k] with __index chains.
func (L *State) getTable(t, k Value) (Value, error) {
	for loop := 0; loop < MaxTagLoop; loop++ {
		var tm Value
		if tt, ok := t.AsTable(); ok {
			v := tt.RawGet(k)
			if !v.IsNil() || tt.meta == nil {
				return v, nil
			}
			if tm = tt.meta.RawGetString("__index"); tm.IsNil() {
				return Nil, nil
			}
		} else {
			if p, ok := proxyOf(t); ok {
				return L.proxyGet(p, k)
			}
			if tm = L.metaField(t, "__index"); tm.IsNil() {
				return Nil, L.typeError(t, "index")
			}
		}
		if isFunction(tm) {
			return L.callTM(tm, t, k)
		}
		t = tm
	}
	return Nil, L.sentinelError(ErrMetaChainTooLong, "'__index' chain too long; possible loop")
}

// setTable performs t[k] = v with __newindex chains.
func (L *State) setTable(t, k, v Value) error {
	for loop := 0; loop < MaxTagLoop; loop++ {
		var tm Value
		if tt, ok := t.AsTable(); ok {
			if tt.meta == nil || !tt.RawGet(k).IsNil() {
				return L.rawSet(tt, k, v)
			}
			if tm = tt.meta.RawGetString("__newindex"); tm.IsNil() {
				return L.rawSet(tt, k, v)
			}
		} else {
			if p, ok := proxyOf(t); ok {
				return L.proxySet(p, k, v)
			}
			if tm = L.metaField(t, "__newindex"); tm.IsNil() {
				return L.typeError(t, "index")
			}
		}
		if isFunction(tm) {
			_, err := L.CallValue(tm, 0, t, k, v)
			return err
		}
		t = tm
	}
	return L.sentinelError(ErrMetaChainTooLong, "'__newindex' chain too long; possible loop")
}

// checkMutable rejects writes to read-only and protected tables.
func (L *State) checkMutable(t *Table) error {
	if t.readonly || L.protected[t] {
		return L.sentinelError(ErrIllegalMutation, "can't modify a read-only table")
	}
	return nil
}

// rawSet is the checked raw assignment used by scripts.
func (L *State) rawSet(t *Table, k, v Value) error {
	if err := L.checkMutable(t); err != nil {
		return err
	}
	if err := t.RawSet(k, v); err != nil {
		if e, ok := err.(*Error); ok {
			return e
		}
		return L.runtimeError("%s", err.Error())
	}
	return nil
}
