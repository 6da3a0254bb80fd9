package vm

import (
	"fmt"
	"strconv"
	"strings"
)

// libFunc is a named native. Libraries are lists so that their tables are
// filled in a fixed order.
type libFunc struct {
	name string
	fn   GoFunction
}

// newLib builds a read-only library table and binds it to a global when
// name is not empty.
func (L *State) newLib(name string, funcs []libFunc) (*Table, error) {
	t, err := L.NewTable(0, len(funcs))
	if err != nil {
		return nil, err
	}
	for _, f := range funcs {
		full := f.name
		if name != "" {
			full = name + "." + f.name
		}
		fn, err := L.NewFunction(full, f.fn)
		if err != nil {
			return nil, err
		}
		if err := t.RawSetString(L, f.name, fn); err != nil {
			return nil, err
		}
	}
	if name != "" {
		t.SetReadOnly(true)
		if err := L.SetGlobal(name, tableValue(t)); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// OpenLibs registers every standard library.
func (L *State) OpenLibs() error {
	for _, open := range []func() error{
		L.openBase,
		L.openString,
		L.openTable,
		L.openMath,
		L.openJSON,
		L.openUVM,
	} {
		if err := open(); err != nil {
			return err
		}
	}
	return nil
}

func (L *State) openBase() error {
	if err := L.SetGlobal("_G", tableValue(L.globals)); err != nil {
		return err
	}
	next, err := L.NewFunction("next", baseNext)
	if err != nil {
		return err
	}
	if err := L.SetGlobal("next", next); err != nil {
		return err
	}
	pairs, err := L.NewFunction("pairs", basePairs, next)
	if err != nil {
		return err
	}
	if err := L.SetGlobal("pairs", pairs); err != nil {
		return err
	}
	inext, err := L.NewFunction("ipairs_iter", ipairsAux)
	if err != nil {
		return err
	}
	ipairs, err := L.NewFunction("ipairs", baseIPairs, inext)
	if err != nil {
		return err
	}
	if err := L.SetGlobal("ipairs", ipairs); err != nil {
		return err
	}
	for _, f := range []libFunc{
		{"print", basePrint},
		{"type", baseType},
		{"tostring", baseToString},
		{"tonumber", baseToNumber},
		{"tointeger", baseToInteger},
		{"select", baseSelect},
		{"error", baseError},
		{"pcall", basePCall},
		{"assert", baseAssert},
		{"rawget", baseRawGet},
		{"rawset", baseRawSet},
		{"rawequal", baseRawEqual},
		{"rawlen", baseRawLen},
		{"setmetatable", baseSetMetatable},
		{"getmetatable", baseGetMetatable},
		{"Array", baseAggregate},
		{"Map", baseAggregate},
	} {
		if err := L.Register(f.name, f.fn); err != nil {
			return err
		}
	}
	return nil
}

func basePrint(L *State) (int, error) {
	var sb strings.Builder
	for i := 1; i <= L.GetTop(); i++ {
		s, err := L.tostring(L.Arg(i))
		if err != nil {
			return 0, err
		}
		if i > 1 {
			sb.WriteByte('\t')
		}
		sb.WriteString(s)
	}
	sb.WriteByte('\n')
	_, _ = L.Output().Write([]byte(sb.String()))
	return 0, nil
}

func baseType(L *State) (int, error) {
	v, err := L.CheckAny(1)
	if err != nil {
		return 0, err
	}
	return 1, L.PushString(v.TypeName())
}

func baseToString(L *State) (int, error) {
	v, err := L.CheckAny(1)
	if err != nil {
		return 0, err
	}
	s, err := L.tostring(v)
	if err != nil {
		return 0, err
	}
	return 1, L.PushString(s)
}

func baseToNumber(L *State) (int, error) {
	if L.Arg(2).IsNil() {
		v, err := L.CheckAny(1)
		if err != nil {
			return 0, err
		}
		if v.IsNumber() {
			L.Push(v)
			return 1, nil
		}
		if s, ok := v.AsString(); ok {
			if n, ok := parseNumber(s); ok {
				L.Push(n)
				return 1, nil
			}
		}
		L.Push(Nil)
		return 1, nil
	}
	base, err := L.CheckInt(2)
	if err != nil {
		return 0, err
	}
	if base < 2 || base > 36 {
		return 0, L.argError(2, "base out of range")
	}
	s, ok := L.Arg(1).AsString()
	if !ok {
		return 0, L.argError(1, "string expected, got "+L.Arg(1).TypeName())
	}
	n, err := strconv.ParseInt(strings.ToLower(strings.TrimSpace(s)), int(base), 64)
	if err != nil {
		L.Push(Nil)
		return 1, nil
	}
	L.Push(Int(n))
	return 1, nil
}

func baseToInteger(L *State) (int, error) {
	v := L.Arg(1)
	if i, ok := v.ToInteger(); ok {
		L.Push(Int(i))
		return 1, nil
	}
	if s, ok := v.AsString(); ok {
		if n, ok := parseNumber(s); ok {
			if i, ok := n.ToInteger(); ok {
				L.Push(Int(i))
				return 1, nil
			}
		}
	}
	L.Push(Nil)
	return 1, nil
}

func baseSelect(L *State) (int, error) {
	n := L.GetTop()
	if s, ok := L.Arg(1).AsString(); ok && s == "#" {
		L.Push(Int(int64(n - 1)))
		return 1, nil
	}
	i, err := L.CheckInt(1)
	if err != nil {
		return 0, err
	}
	if i < 0 {
		i = int64(n) + i
	} else if i > int64(n) {
		i = int64(n)
	}
	if i < 1 {
		return 0, L.argError(1, "index out of range")
	}
	return n - int(i), nil
}

func baseError(L *State) (int, error) {
	v := L.Arg(1)
	level, err := L.OptInt(2, 1)
	if err != nil {
		return 0, err
	}
	e := &Error{Kind: KindRuntime, Value: v}
	if s, ok := v.AsString(); ok {
		if level > 0 {
			s = L.where(int(level)) + s
			if e.Value, err = L.NewString(s); err != nil {
				return 0, err
			}
		}
		e.Msg = s
	} else {
		e.Msg = v.String()
	}
	return 0, e
}

// errorValue is the value a protected call returns for err.
func (L *State) errorValue(err error) (Value, error) {
	e := toError(err)
	if !e.Value.IsNil() {
		return e.Value, nil
	}
	return L.NewString(e.Msg)
}

func basePCall(L *State) (int, error) {
	if _, err := L.CheckAny(1); err != nil {
		return 0, err
	}
	ci := L.ci
	fidx := ci.base
	ids := len(L.identities)
	if err := L.call(fidx, MultRet); err != nil {
		if !catchable(err) {
			return 0, err
		}
		L.closeUpvals(fidx)
		L.ci = ci
		L.popIdentity(ids)
		if fidx < L.top {
			clear(L.stack[fidx:L.top])
		}
		L.top = fidx
		ev, verr := L.errorValue(err)
		if verr != nil {
			return 0, verr
		}
		L.Push(False)
		L.Push(ev)
		return 2, nil
	}
	n := L.top - fidx
	L.Push(Nil)
	copy(L.stack[fidx+1:], L.stack[fidx:fidx+n])
	L.stack[fidx] = True
	return n + 1, nil
}

func baseAssert(L *State) (int, error) {
	v, err := L.CheckAny(1)
	if err != nil {
		return 0, err
	}
	if !v.Falsy() {
		return L.GetTop(), nil
	}
	msg := L.Arg(2)
	if msg.IsNil() {
		return 0, L.runtimeError("assertion failed!")
	}
	s, ok := msg.AsString()
	if !ok {
		s = msg.String()
	}
	return 0, &Error{Kind: KindRuntime, Msg: s, Value: msg}
}

func baseRawGet(L *State) (int, error) {
	t, err := L.CheckTable(1)
	if err != nil {
		return 0, err
	}
	L.Push(t.RawGet(L.Arg(2)))
	return 1, nil
}

func baseRawSet(L *State) (int, error) {
	t, err := L.CheckTable(1)
	if err != nil {
		return 0, err
	}
	if err := L.rawSet(t, L.Arg(2), L.Arg(3)); err != nil {
		return 0, err
	}
	L.Push(L.Arg(1))
	return 1, nil
}

func baseRawEqual(L *State) (int, error) {
	L.Push(Bool(RawEquals(L.Arg(1), L.Arg(2))))
	return 1, nil
}

func baseRawLen(L *State) (int, error) {
	v := L.Arg(1)
	switch {
	case v.kind == KindString:
		L.Push(Int(int64(v.obj.(*String).Len())))
	case v.kind == KindTable:
		L.Push(Int(int64(v.obj.(*Table).Length())))
	default:
		return 0, L.argError(1, "table or string expected")
	}
	return 1, nil
}

func baseSetMetatable(L *State) (int, error) {
	t, err := L.CheckTable(1)
	if err != nil {
		return 0, err
	}
	var mt *Table
	switch m := L.Arg(2); m.kind {
	case KindNil:
	case KindTable:
		mt = m.obj.(*Table)
	default:
		return 0, L.argError(2, "nil or table expected")
	}
	if t.meta != nil && !t.meta.RawGetString("__metatable").IsNil() {
		return 0, L.runtimeError("cannot change a protected metatable")
	}
	if err := L.checkMutable(t); err != nil {
		return 0, err
	}
	t.SetMetatable(mt)
	L.Push(L.Arg(1))
	return 1, nil
}

func baseGetMetatable(L *State) (int, error) {
	mt := L.metatable(L.Arg(1))
	if mt == nil {
		L.Push(Nil)
		return 1, nil
	}
	if f := mt.RawGetString("__metatable"); !f.IsNil() {
		L.Push(f)
		return 1, nil
	}
	L.Push(tableValue(mt))
	return 1, nil
}

func baseNext(L *State) (int, error) {
	t, err := L.CheckTable(1)
	if err != nil {
		return 0, err
	}
	k, v, err := t.Next(L.Arg(2))
	if err != nil {
		return 0, L.runtimeError("%s", err.Error())
	}
	if k.IsNil() {
		L.Push(Nil)
		return 1, nil
	}
	L.Push(k)
	L.Push(v)
	return 2, nil
}

func basePairs(L *State) (int, error) {
	v, err := L.CheckAny(1)
	if err != nil {
		return 0, err
	}
	if tm := L.metaField(v, "__pairs"); !tm.IsNil() {
		res, err := L.CallValue(tm, 3, v)
		if err != nil {
			return 0, err
		}
		for _, r := range res {
			L.Push(r)
		}
		return 3, nil
	}
	if _, err := L.CheckTable(1); err != nil {
		return 0, err
	}
	L.Push(L.Upvalue(1))
	L.Push(v)
	L.Push(Nil)
	return 3, nil
}

func ipairsAux(L *State) (int, error) {
	i, err := L.CheckInt(2)
	if err != nil {
		return 0, err
	}
	i++
	v, err := L.getTable(L.Arg(1), Int(i))
	if err != nil {
		return 0, err
	}
	if v.IsNil() {
		L.Push(Nil)
		return 1, nil
	}
	L.Push(Int(i))
	L.Push(v)
	return 2, nil
}

func baseIPairs(L *State) (int, error) {
	v, err := L.CheckAny(1)
	if err != nil {
		return 0, err
	}
	L.Push(L.Upvalue(1))
	L.Push(v)
	L.Push(Int(0))
	return 3, nil
}

// baseAggregate implements Array and Map: the argument itself, or a new
// table.
func baseAggregate(L *State) (int, error) {
	if t, ok := L.Arg(1).AsTable(); ok {
		L.Push(tableValue(t))
		return 1, nil
	}
	if !L.Arg(1).IsNil() {
		return 0, L.argError(1, fmt.Sprintf("table expected, got %s", L.Arg(1).TypeName()))
	}
	t, err := L.NewTable(0, 0)
	if err != nil {
		return 0, err
	}
	L.Push(tableValue(t))
	return 1, nil
}
