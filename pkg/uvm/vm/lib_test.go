package vm

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/X1-UVM/pkg/uvm/bytecode"
)

// array returns a new table holding vals at 1..n.
func array(t *testing.T, L *State, vals ...Value) Value {
	t.Helper()
	tbl, err := L.NewTable(len(vals), 0)
	require.NoError(t, err)
	for i, v := range vals {
		require.NoError(t, tbl.RawSetInt(int64(i)+1, v))
	}
	return tableValue(tbl)
}

// requireValues checks res against want with raw equality.
func requireValues(t *testing.T, want, res []Value) {
	t.Helper()
	require.Len(t, res, len(want))
	for i := range want {
		assert.True(t, RawEquals(want[i], res[i]), "result %d: want %s, got %s", i, want[i], res[i])
	}
}

// TestBaseLibrary tests the conversion and varargs natives.
func TestBaseLibrary(t *testing.T) {
	L := newTestState(t, nil, DefaultConfig())
	tests := []struct {
		name string
		fn   string
		args []Value
		want []Value
	}{
		{"tonumber hex", "tonumber", []Value{str(t, L, "0x10")}, []Value{Int(16)}},
		{"tonumber float", "tonumber", []Value{str(t, L, " 2.5 ")}, []Value{Number(2.5)}},
		{"tonumber base 2", "tonumber", []Value{str(t, L, "10"), Int(2)}, []Value{Int(2)}},
		{"tonumber base 36", "tonumber", []Value{str(t, L, "z"), Int(36)}, []Value{Int(35)}},
		{"tonumber invalid", "tonumber", []Value{str(t, L, "abc")}, []Value{Nil}},
		{"tointeger float", "tointeger", []Value{Number(3)}, []Value{Int(3)}},
		{"tointeger string", "tointeger", []Value{str(t, L, "8")}, []Value{Int(8)}},
		{"tointeger fraction", "tointeger", []Value{Number(3.5)}, []Value{Nil}},
		{"select count", "select", []Value{str(t, L, "#"), Int(1), Int(2)}, []Value{Int(2)}},
		{"select tail", "select", []Value{Int(2), Int(1), Int(2), Int(3)}, []Value{Int(2), Int(3)}},
		{"select negative", "select", []Value{Int(-1), Int(1), Int(2)}, []Value{Int(2)}},
		{"rawequal", "rawequal", []Value{Int(2), Number(2)}, []Value{True}},
		{"rawlen", "rawlen", []Value{str(t, L, "abcd")}, []Value{Int(4)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			requireValues(t, tt.want, callGlobal(t, L, tt.fn, tt.args...))
		})
	}

	t.Run("type and tostring", func(t *testing.T) {
		assert.Equal(t, "number", asString(t, callGlobal(t, L, "type", Int(1))[0]))
		assert.Equal(t, "nil", asString(t, callGlobal(t, L, "type", Nil)[0]))
		assert.Equal(t, "2.0", asString(t, callGlobal(t, L, "tostring", Number(2))[0]))
		assert.Equal(t, "true", asString(t, callGlobal(t, L, "tostring", True)[0]))
	})

	t.Run("illegal argument", func(t *testing.T) {
		res := callGlobal(t, L, "tonumber", str(t, L, "10"), Int(99))
		require.Len(t, res, 2)
		assert.True(t, res[0].IsNil())
		assert.Equal(t, "bad argument #2 to 'tonumber' (base out of range)", asString(t, res[1]))
		assert.Equal(t, asString(t, res[1]), L.LastArgError())
	})

	t.Run("aggregates", func(t *testing.T) {
		res := callGlobal(t, L, "Array")
		_, ok := res[0].AsTable()
		assert.True(t, ok)
		res = callGlobal(t, L, "Map", Int(5))
		require.Len(t, res, 2)
		assert.Contains(t, asString(t, res[1]), "table expected, got number")
	})
}

// TestErrorAndPCall tests error positions and protected calls.
func TestErrorAndPCall(t *testing.T) {
	L := newTestState(t, nil, DefaultConfig())

	raise := func(level int64) *bytecode.Proto {
		return chunk("test", 3, []konst{kS("error"), kS("bad"), kI(level)},
			abc(bytecode.OpGetTabUp, 0, 0, rk(0)),
			abx(bytecode.OpLoadK, 1, 1),
			abx(bytecode.OpLoadK, 2, 2),
			abc(bytecode.OpCall, 0, 3, 1),
			abc(bytecode.OpReturn, 0, 1, 0))
	}
	_, err := exec(t, L, raise(1))
	assert.EqualError(t, err, "test:4: bad")
	_, err = exec(t, L, raise(2))
	assert.EqualError(t, err, "bad", "the main chunk has no script caller")
	_, err = exec(t, L, raise(0))
	assert.EqualError(t, err, "bad")
	assert.Equal(t, StateFault, L.Status())

	protected := chunk("test", 3, []konst{kS("pcall"), kS("error"), kS("oops")},
		abc(bytecode.OpGetTabUp, 0, 0, rk(0)),
		abc(bytecode.OpGetTabUp, 1, 0, rk(1)),
		abx(bytecode.OpLoadK, 2, 2),
		abc(bytecode.OpCall, 0, 3, 3),
		abc(bytecode.OpReturn, 0, 3, 0))
	res, err := exec(t, L, protected)
	require.NoError(t, err)
	requireValues(t, []Value{False, str(t, L, "oops")}, res)

	tostr := L.GetGlobal("tostring")
	res = callGlobal(t, L, "pcall", tostr, Int(7))
	requireValues(t, []Value{True, str(t, L, "7")}, res)

	res = callGlobal(t, L, "pcall", L.GetGlobal("assert"), False, str(t, L, "custom"))
	requireValues(t, []Value{False, str(t, L, "custom")}, res)
}

// TestMetatables tests protected metatables and raw access.
func TestMetatables(t *testing.T) {
	L := newTestState(t, nil, DefaultConfig())
	tbl, err := L.NewTable(0, 0)
	require.NoError(t, err)
	mt, err := L.NewTable(0, 1)
	require.NoError(t, err)
	require.NoError(t, mt.RawSetString(L, "__metatable", str(t, L, "locked")))

	callGlobal(t, L, "setmetatable", tableValue(tbl), tableValue(mt))
	res := callGlobal(t, L, "getmetatable", tableValue(tbl))
	assert.Equal(t, "locked", asString(t, res[0]))

	_, err = L.Call(L.GetGlobal("setmetatable"), tableValue(tbl), Nil)
	assert.ErrorContains(t, err, "cannot change a protected metatable")

	callGlobal(t, L, "rawset", tableValue(tbl), str(t, L, "k"), Int(1))
	res = callGlobal(t, L, "rawget", tableValue(tbl), str(t, L, "k"))
	requireValues(t, []Value{Int(1)}, res)

	_, err = L.Call(L.GetGlobal("rawset"), L.GetGlobal("string"), str(t, L, "x"), Int(1))
	assert.True(t, errors.Is(err, ErrIllegalMutation))

	_, err = L.Call(L.GetGlobal("setmetatable"), L.GetGlobal("math"), tableValue(mt))
	assert.True(t, errors.Is(err, ErrIllegalMutation))
}

// TestNext tests iteration with the next native.
func TestNext(t *testing.T) {
	L := newTestState(t, nil, DefaultConfig())
	v := array(t, L, Int(10), Int(20))
	tbl, _ := v.AsTable()
	require.NoError(t, tbl.RawSetString(L, "a", True))

	var keys []string
	k := Nil
	for {
		res := callGlobal(t, L, "next", v, k)
		if res[0].IsNil() {
			break
		}
		keys = append(keys, res[0].String())
		k = res[0]
	}
	assert.Equal(t, []string{"1", "2", "a"}, keys)

	res := callGlobal(t, L, "pairs", v)
	require.Len(t, res, 3)
	assert.True(t, RawEquals(L.GetGlobal("next"), res[0]))
}

// TestStringLibrary tests the string natives.
func TestStringLibrary(t *testing.T) {
	L := newTestState(t, nil, DefaultConfig())
	tests := []struct {
		name string
		fn   string
		args []Value
		want []Value
	}{
		{"len", "string.len", []Value{str(t, L, "hello")}, []Value{Int(5)}},
		{"sub", "string.sub", []Value{str(t, L, "hello"), Int(2), Int(4)}, []Value{str(t, L, "ell")}},
		{"sub negative", "string.sub", []Value{str(t, L, "hello"), Int(-3)}, []Value{str(t, L, "llo")}},
		{"sub empty", "string.sub", []Value{str(t, L, "hello"), Int(4), Int(2)}, []Value{str(t, L, "")}},
		{"upper", "string.upper", []Value{str(t, L, "abc")}, []Value{str(t, L, "ABC")}},
		{"lower", "string.lower", []Value{str(t, L, "ABC")}, []Value{str(t, L, "abc")}},
		{"rep", "string.rep", []Value{str(t, L, "ab"), Int(3), str(t, L, ",")}, []Value{str(t, L, "ab,ab,ab")}},
		{"reverse", "string.reverse", []Value{str(t, L, "abc")}, []Value{str(t, L, "cba")}},
		{"byte", "string.byte", []Value{str(t, L, "ABC"), Int(1), Int(3)}, []Value{Int(65), Int(66), Int(67)}},
		{"char", "string.char", []Value{Int(104), Int(105)}, []Value{str(t, L, "hi")}},
		{"find", "string.find", []Value{str(t, L, "hello"), str(t, L, "ll")}, []Value{Int(3), Int(4)}},
		{"find missing", "string.find", []Value{str(t, L, "hello"), str(t, L, "z")}, []Value{Nil}},
		{"find plain", "string.find", []Value{str(t, L, "a.b"), str(t, L, ".")}, []Value{Int(2), Int(2)}},
		{
			"format", "string.format",
			[]Value{str(t, L, "%d %s %5.2f %x %c %g %%"), Int(42), str(t, L, "hi"), Number(3.14159), Int(255), Int(65), Number(2.5)},
			[]Value{str(t, L, "42 hi  3.14 ff A 2.5 %")},
		},
		{"format quoted", "string.format", []Value{str(t, L, "%q"), str(t, L, "a\"b\n")}, []Value{str(t, L, `"a\"b\n"`)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			requireValues(t, tt.want, callGlobal(t, L, tt.fn, tt.args...))
		})
	}

	t.Run("format errors", func(t *testing.T) {
		lib, _ := L.GetGlobal("string").AsTable()
		_, err := L.Call(lib.RawGetString("format"), str(t, L, "%z"), Int(1))
		assert.EqualError(t, err, "invalid option '%z' to 'format'")
		_, err = L.Call(lib.RawGetString("rep"), str(t, L, "x"), Int(1<<40))
		assert.ErrorContains(t, err, "resulting string too large")
	})

	t.Run("method call", func(t *testing.T) {
		p := chunk("test", 2, []konst{kS("abc"), kS("upper")},
			abx(bytecode.OpLoadK, 0, 0),
			abc(bytecode.OpSelf, 0, 0, rk(1)),
			abc(bytecode.OpCall, 0, 2, 2),
			abc(bytecode.OpReturn, 0, 2, 0))
		res, err := exec(t, L, p)
		require.NoError(t, err)
		assert.Equal(t, "ABC", asString(t, res[0]))
	})
}

// TestTableLibrary tests the table natives.
func TestTableLibrary(t *testing.T) {
	L := newTestState(t, nil, DefaultConfig())
	v := array(t, L, Int(1), Int(2))

	callGlobal(t, L, "table.insert", v, Int(3))
	callGlobal(t, L, "table.insert", v, Int(1), Int(0))
	requireValues(t, []Value{Int(0), Int(1), Int(2), Int(3)}, callGlobal(t, L, "table.unpack", v))

	requireValues(t, []Value{Int(3)}, callGlobal(t, L, "table.remove", v))
	requireValues(t, []Value{Int(0)}, callGlobal(t, L, "table.remove", v, Int(1)))
	requireValues(t, []Value{Int(2)}, callGlobal(t, L, "table.length", v))
	assert.Equal(t, "1-2", asString(t, callGlobal(t, L, "table.concat", v, str(t, L, "-"))[0]))
	requireValues(t, []Value{Int(2)}, callGlobal(t, L, "table.unpack", v, Int(2)))

	res := callGlobal(t, L, "table.insert", v, Int(9), Int(1))
	require.Len(t, res, 2)
	assert.Contains(t, asString(t, res[1]), "position out of bounds")

	bad := array(t, L, Int(1), True)
	_, err := L.Call(L.GetGlobal("table").obj.(*Table).RawGetString("concat"), bad)
	assert.ErrorContains(t, err, "invalid value (at index 2) in table for 'concat'")

	_, err = L.Call(L.GetGlobal("table").obj.(*Table).RawGetString("insert"), L.GetGlobal("math"), Int(1))
	assert.True(t, errors.Is(err, ErrIllegalMutation))
}

// TestMathLibrary tests the math natives and constants.
func TestMathLibrary(t *testing.T) {
	L := newTestState(t, nil, DefaultConfig())
	tests := []struct {
		fn   string
		args []Value
		want Value
	}{
		{"math.floor", []Value{Number(3.7)}, Int(3)},
		{"math.floor", []Value{Number(-3.2)}, Int(-4)},
		{"math.ceil", []Value{Number(3.2)}, Int(4)},
		{"math.ceil", []Value{Int(7)}, Int(7)},
		{"math.abs", []Value{Int(-5)}, Int(5)},
		{"math.abs", []Value{Number(-1.5)}, Number(1.5)},
		{"math.max", []Value{Int(1), Number(3.5), Int(2)}, Number(3.5)},
		{"math.min", []Value{Int(4), Int(2), Int(8)}, Int(2)},
		{"math.sqrt", []Value{Int(16)}, Number(4)},
		{"math.tointeger", []Value{Number(5)}, Int(5)},
		{"math.type", []Value{str(t, L, "x")}, Nil},
	}
	for _, tt := range tests {
		res := callGlobal(t, L, tt.fn, tt.args...)
		require.Len(t, res, 1, tt.fn)
		assert.True(t, RawEquals(tt.want, res[0]), "%s: want %s, got %s", tt.fn, tt.want, res[0])
		assert.Equal(t, tt.want.kind, res[0].kind, tt.fn)
	}

	assert.Equal(t, "integer", asString(t, callGlobal(t, L, "math.type", Int(1))[0]))
	assert.Equal(t, "float", asString(t, callGlobal(t, L, "math.type", Number(1))[0]))

	lib, _ := L.GetGlobal("math").AsTable()
	assert.True(t, RawEquals(Int(1<<63-1), lib.RawGetString("maxinteger")))
	assert.True(t, lib.ReadOnly())
}

// TestJSONLibrary tests json.dumps and json.loads.
func TestJSONLibrary(t *testing.T) {
	L := newTestState(t, nil, DefaultConfig())
	obj, err := L.NewTable(0, 2)
	require.NoError(t, err)
	require.NoError(t, obj.RawSetString(L, "b", Int(1)))
	require.NoError(t, obj.RawSetString(L, "a", array(t, L, Int(1), Int(2))))

	res := callGlobal(t, L, "json.dumps", tableValue(obj))
	assert.Equal(t, `{"a":[1,2],"b":1}`, asString(t, res[0]))

	res = callGlobal(t, L, "json.dumps", Number(2.5))
	assert.Equal(t, "2.5", asString(t, res[0]))

	res = callGlobal(t, L, "json.loads", str(t, L, `{"x":[1,2.5,"s"],"y":true}`))
	tbl, ok := res[0].AsTable()
	require.True(t, ok)
	x, ok := tbl.RawGetString("x").AsTable()
	require.True(t, ok)
	assert.True(t, RawEquals(Int(1), x.RawGetInt(1)))
	assert.Equal(t, KindInt, x.RawGetInt(1).kind)
	assert.True(t, RawEquals(Number(2.5), x.RawGetInt(2)))
	assert.Equal(t, "s", asString(t, x.RawGetInt(3)))
	assert.True(t, RawEquals(True, tbl.RawGetString("y")))

	fn := L.GetGlobal("print")
	res = callGlobal(t, L, "json.dumps", fn)
	require.Len(t, res, 2)
	assert.Contains(t, asString(t, res[1]), "cannot serialise function")

	res = callGlobal(t, L, "json.loads", str(t, L, `{"x":`))
	require.Len(t, res, 2)
	assert.True(t, res[0].IsNil())
}

// TestUVMNatives tests the chain, hashing and encoding natives.
func TestUVMNatives(t *testing.T) {
	L := newTestState(t, newStubChain(), DefaultConfig())

	hashes := []struct {
		fn, in, want string
	}{
		{"sha256_hex", "abc", "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"},
		{"sha3_hex", "", "c5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470"},
		{"blake3_hex", "", "af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262"},
		{"bytes_to_hex", "hi", "6869"},
		{"hex_to_bytes", "6869", "hi"},
	}
	for _, h := range hashes {
		res := callGlobal(t, L, h.fn, str(t, L, h.in))
		assert.Equal(t, h.want, asString(t, res[0]), h.fn)
	}

	res := callGlobal(t, L, "hex_to_bytes", str(t, L, "zz"))
	require.Len(t, res, 2)
	assert.True(t, res[0].IsNil())
	assert.Contains(t, asString(t, res[1]), "invalid hex string")

	chain := []struct {
		fn   string
		want Value
	}{
		{"get_chain_now", Int(1700000000)},
		{"get_header_block_num", Int(10)},
		{"get_chain_random", Int(42)},
		{"get_transaction_id", str(t, L, "tx1")},
		{"get_transaction_fee", Int(100)},
		{"get_system_asset_symbol", str(t, L, "XUVM")},
		{"get_system_asset_precision", Int(100000)},
	}
	for _, c := range chain {
		requireValues(t, []Value{c.want}, callGlobal(t, L, c.fn))
	}
	requireValues(t, []Value{True}, callGlobal(t, L, "is_valid_address", str(t, L, "abc")))
	requireValues(t, []Value{False}, callGlobal(t, L, "is_valid_address", str(t, L, "a b")))

	_, err := L.Call(L.GetGlobal("emit"), str(t, L, "E"))
	assert.ErrorContains(t, err, "emit must be called in contract api")
	_, err = L.Call(L.GetGlobal("get_current_contract_address"))
	assert.Error(t, err)
}

// TestCBOR tests that cbor_decode reverses cbor_encode.
func TestCBOR(t *testing.T) {
	L := newTestState(t, nil, DefaultConfig())
	obj, err := L.NewTable(0, 3)
	require.NoError(t, err)
	require.NoError(t, obj.RawSetString(L, "a", Int(1)))
	require.NoError(t, obj.RawSetString(L, "b", str(t, L, "x")))
	require.NoError(t, obj.RawSetString(L, "c", array(t, L, Number(1.5), True)))

	enc := callGlobal(t, L, "cbor_encode", tableValue(obj))
	dec := callGlobal(t, L, "cbor_decode", enc[0])
	tbl, ok := dec[0].AsTable()
	require.True(t, ok)
	assert.True(t, RawEquals(Int(1), tbl.RawGetString("a")))
	assert.Equal(t, "x", asString(t, tbl.RawGetString("b")))
	c, ok := tbl.RawGetString("c").AsTable()
	require.True(t, ok)
	assert.True(t, RawEquals(Number(1.5), c.RawGetInt(1)))
	assert.True(t, RawEquals(True, c.RawGetInt(2)))

	res := callGlobal(t, L, "cbor_decode", str(t, L, "\xff\xff"))
	require.Len(t, res, 2)
	assert.Contains(t, asString(t, res[1]), "invalid cbor")
}

// TestStream tests the Stream userdata and its methods.
func TestStream(t *testing.T) {
	L := newTestState(t, nil, DefaultConfig())
	methods, ok := L.streamMeta.RawGetString("__index").AsTable()
	require.True(t, ok)
	method := func(name string, args ...Value) []Value {
		t.Helper()
		res, err := L.Call(methods.RawGetString(name), args...)
		require.NoError(t, err, name)
		return res
	}

	s := callGlobal(t, L, "Stream")[0]
	method("push", s, Int(65))
	method("push_string", s, str(t, L, "BC"))
	requireValues(t, []Value{Int(3)}, method("size", s))
	requireValues(t, []Value{Int(65)}, method("current", s))
	requireValues(t, []Value{True}, method("next", s))
	requireValues(t, []Value{Int(1)}, method("pos", s))
	requireValues(t, []Value{Int(66)}, method("current", s))
	method("next", s)
	requireValues(t, []Value{False}, method("next", s))
	requireValues(t, []Value{True}, method("eof", s))
	requireValues(t, []Value{Int(-1)}, method("current", s))
	method("reset_pos", s)
	requireValues(t, []Value{Int(0)}, method("pos", s))

	assert.Equal(t, "414243", asString(t, callGlobal(t, L, "bytes_to_hex", s)[0]))
	assert.Equal(t, "Stream", asString(t, callGlobal(t, L, "getmetatable", s)[0]))

	res := method("size", Int(1))
	require.Len(t, res, 2)
	assert.Contains(t, asString(t, res[1]), "Stream expected")
	assert.True(t, methods.ReadOnly())
}
