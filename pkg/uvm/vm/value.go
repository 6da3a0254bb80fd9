// Package vm implements the UVM interpreter: a register VM for Lua 5.3 style
// bytecode with contract calls, an eval stack, instruction metering, a
// debugger and buffered contract storage.
//
// Every heap object is accounted in the thread's arena and lives until the
// State is closed. Upvalues are reference counted and released as soon as
// they are closed and unreferenced.
package vm

import (
	"fmt"
	"math"

	"github.com/fortiblox/X1-UVM/pkg/uvm/arena"
)

// Kind is the type tag of a Value.
type Kind uint8

// Value kinds.
const (
	KindNil Kind = iota
	KindBool
	KindInt
	KindNumber
	KindString
	KindTable
	KindFunction
	KindUserdata
	KindThread
)

var kindNames = [...]string{
	KindNil:      "nil",
	KindBool:     "boolean",
	KindInt:      "number",
	KindNumber:   "number",
	KindString:   "string",
	KindTable:    "table",
	KindFunction: "function",
	KindUserdata: "userdata",
	KindThread:   "thread",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// object is implemented by every heap object.
type object interface {
	Handle() arena.Handle
	clear()
}

// Value is a tagged VM value. Immediate kinds keep their payload in n; heap
// kinds reference an object.
type Value struct {
	kind Kind
	n    uint64
	obj  object
}

// Nil is the nil value.
var Nil = Value{}

// Immediate constructors.
var (
	True  = Value{kind: KindBool, n: 1}
	False = Value{kind: KindBool}
)

// Bool returns a boolean value.
func Bool(b bool) Value {
	if b {
		return True
	}
	return False
}

// Int returns an integer value.
func Int(i int64) Value { return Value{kind: KindInt, n: uint64(i)} }

// Number returns a float value.
func Number(f float64) Value { return Value{kind: KindNumber, n: math.Float64bits(f)} }

func stringValue(s *String) Value { return Value{kind: KindString, obj: s} }
func tableValue(t *Table) Value { return Value{kind: KindTable, obj: t} }
func functionValue(f object) Value { return Value{kind: KindFunction, obj: f} }
func userdataValue(u *Userdata) Value { return Value{kind: KindUserdata, obj: u} }
func threadValue(L *State) Value { return Value{kind: KindThread, obj: L} }

// Kind returns the type tag.
func (v Value) Kind() Kind { return v.kind }

// TypeName returns the script-visible type name.
func (v Value) TypeName() string { return v.kind.String() }

// IsNil reports whether v is nil.
func (v Value) IsNil() bool { return v.kind == KindNil }

// IsRef reports whether v references a heap object.
func (v Value) IsRef() bool { return v.obj != nil }

// IsNumber reports whether v is an integer or a float.
func (v Value) IsNumber() bool { return v.kind == KindInt || v.kind == KindNumber }

// Falsy reports whether v is nil or false.
func (v Value) Falsy() bool {
	return v.kind == KindNil || (v.kind == KindBool && v.n == 0)
}

// Handle returns the arena handle of a heap value, or the null handle.
func (v Value) Handle() arena.Handle {
	if v.obj == nil {
		return arena.Nil
	}
	return v.obj.Handle()
}

// AsBool returns the payload of a boolean.
func (v Value) AsBool() (bool, bool) {
	return v.n != 0, v.kind == KindBool
}

// AsInt returns the payload of an integer.
func (v Value) AsInt() (int64, bool) {
	return int64(v.n), v.kind == KindInt
}

// AsNumber returns the payload of a float.
func (v Value) AsNumber() (float64, bool) {
	if v.kind != KindNumber {
		return 0, false
	}
	return math.Float64frombits(v.n), true
}

// AsString returns the payload of a string.
func (v Value) AsString() (string, bool) {
	if s, ok := v.obj.(*String); ok {
		return s.s, true
	}
	return "", false
}

// AsTable returns the table referenced by v.
func (v Value) AsTable() (*Table, bool) {
	t, ok := v.obj.(*Table)
	return t, ok
}

// AsClosure returns the script closure referenced by v.
func (v Value) AsClosure() (*LClosure, bool) {
	c, ok := v.obj.(*LClosure)
	return c, ok
}

// AsNative returns the native closure referenced by v.
func (v Value) AsNative() (*NClosure, bool) {
	c, ok := v.obj.(*NClosure)
	return c, ok
}

// AsUserdata returns the userdata referenced by v.
func (v Value) AsUserdata() (*Userdata, bool) {
	u, ok := v.obj.(*Userdata)
	return u, ok
}

// ToFloat converts a number to float64.
func (v Value) ToFloat() (float64, bool) {
	switch v.kind {
	case KindInt:
		return float64(int64(v.n)), true
	case KindNumber:
		return math.Float64frombits(v.n), true
	}
	return 0, false
}

// ToInteger converts a number with an exact integer representation.
func (v Value) ToInteger() (int64, bool) {
	switch v.kind {
	case KindInt:
		return int64(v.n), true
	case KindNumber:
		return floatToInteger(math.Float64frombits(v.n))
	}
	return 0, false
}

func floatToInteger(f float64) (int64, bool) {
	if math.Floor(f) != f || f < -9223372036854775808.0 || f >= 9223372036854775808.0 {
		return 0, false
	}
	return int64(f), true
}

// RawEquals compares without metamethods: numbers by value across int and
// float, strings by content, everything else by identity.
func RawEquals(a, b Value) bool {
	if a.kind != b.kind {
		if a.IsNumber() && b.IsNumber() {
			return numberEqual(a, b)
		}
		return false
	}
	switch a.kind {
	case KindNil:
		return true
	case KindBool, KindInt:
		return a.n == b.n
	case KindNumber:
		return math.Float64frombits(a.n) == math.Float64frombits(b.n)
	case KindString:
		return a.obj.(*String).s == b.obj.(*String).s
	}
	return a.obj == b.obj
}

func numberEqual(a, b Value) bool {
	if a.kind == KindInt && b.kind == KindInt {
		return a.n == b.n
	}
	if i, ok := a.AsInt(); ok {
		f, _ := b.AsNumber()
		return intFloatEq(i, f)
	}
	f, _ := a.AsNumber()
	i, _ := b.AsInt()
	return intFloatEq(i, f)
}

func intFloatEq(i int64, f float64) bool {
	if fi, ok := floatToInteger(f); ok {
		return fi == i
	}
	return false
}

// String renders v for diagnostics.
func (v Value) String() string {
	switch v.kind {
	case KindNil:
		return "nil"
	case KindBool:
		if v.n != 0 {
			return "true"
		}
		return "false"
	case KindInt:
		return fmt.Sprintf("%d", int64(v.n))
	case KindNumber:
		return formatNumber(math.Float64frombits(v.n))
	case KindString:
		return v.obj.(*String).s
	}
	return fmt.Sprintf("%s: 0x%08x", v.TypeName(), uint64(v.Handle()))
}

// formatNumber renders a float the way tostring does: "%.14g" plus ".0"
// when the result looks like an integer.
func formatNumber(f float64) string {
	switch {
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	case math.IsNaN(f):
		if math.Signbit(f) {
			return "-nan"
		}
		return "nan"
	}
	s := fmt.Sprintf("%.14g", f)
	for _, c := range s {
		if c == '.' || c == 'e' || c == 'n' || c == 'i' {
			return s
		}
	}
	return s + ".0"
}
