package bytecode

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/X1-UVM/pkg/uvm/storage"
)

// sampleProto returns a main function that defines a closure capturing one
// of its locals and returns the closure's result.
func sampleProto() *Proto {
	child := &Proto{
		Source:          "@sample.lua",
		LineDefined:     2,
		LastLineDefined: 4,
		NumParams:       1,
		MaxStackSize:    3,
		Code: []Instruction{
			CreateABC(OpGetUpval, 1, 0, 0),
			CreateABC(OpAdd, 2, 0, 1),
			CreateABC(OpReturn, 2, 2, 0),
		},
		Constants: []Constant{},
		Upvalues:  []UpvalDesc{{Name: "base", InStack: true, Idx: 0}},
		Protos:    []*Proto{},
		LineInfo:  []int32{3, 3, 3},
		LocVars:   []LocVar{{Name: "x", StartPC: 0, EndPC: 3}},
	}
	return &Proto{
		Source:       "@sample.lua",
		IsVararg:     true,
		MaxStackSize: 4,
		Code: []Instruction{
			CreateABx(OpLoadK, 0, 0),
			CreateABx(OpClosure, 1, 0),
			CreateABx(OpLoadK, 2, 1),
			CreateABC(OpCall, 1, 2, 2),
			CreateABC(OpReturn, 1, 2, 0),
		},
		Constants: []Constant{
			IntConst(40),
			IntConst(2),
			NumberConst(0.5),
			BoolConst(true),
			NilConst(),
			StringConst("short"),
			StringConst(strings.Repeat("long constant ", 5)),
		},
		Upvalues: []UpvalDesc{{Name: "_ENV", InStack: true, Idx: 0}},
		Protos:   []*Proto{child},
		LineInfo: []int32{1, 4, 5, 5, 6},
		LocVars:  []LocVar{{Name: "base", StartPC: 1, EndPC: 5}, {Name: "f", StartPC: 2, EndPC: 5}},
	}
}

// TestInstructionEncoding tests that every field decodes to what was encoded.
func TestInstructionEncoding(t *testing.T) {
	tests := []struct {
		name string
		ins  Instruction
		op   OpCode
		a    int
		b    int
		c    int
	}{
		{"abc", CreateABC(OpAdd, 1, RK(3), 7), OpAdd, 1, RK(3), 7},
		{"max fields", CreateABC(OpCmpLt, MaxArgA, MaxArgB, MaxArgC), OpCmpLt, MaxArgA, MaxArgB, MaxArgC},
		{"ccall", CreateABC(OpCCall, 4, 3, 2), OpCCall, 4, 3, 2},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.op, GetOpCode(tt.ins), tt.name)
		assert.Equal(t, tt.a, GetArgA(tt.ins), tt.name)
		assert.Equal(t, tt.b, GetArgB(tt.ins), tt.name)
		assert.Equal(t, tt.c, GetArgC(tt.ins), tt.name)
	}

	assert.Equal(t, 1234, GetArgBx(CreateABx(OpLoadK, 2, 1234)))
	assert.Equal(t, -5, GetArgSBx(CreateAsBx(OpJmp, 0, -5)))
	assert.Equal(t, MaxArgSBx, GetArgSBx(CreateAsBx(OpJmp, 0, MaxArgSBx)))
	assert.Equal(t, MaxArgAx, GetArgAx(CreateAx(OpExtraArg, MaxArgAx)))

	assert.True(t, IsK(RK(5)))
	assert.False(t, IsK(5))
	assert.Equal(t, 5, IndexK(RK(5)))
}

// TestOpcodeNumbering tests the positions of the extension opcodes.
func TestOpcodeNumbering(t *testing.T) {
	assert.Equal(t, OpCode(36), OpCall)
	assert.Equal(t, OpCode(37), OpCCall)
	assert.Equal(t, OpCode(38), OpCStaticCall)
	assert.Equal(t, OpCode(48), OpExtraArg)
	assert.Equal(t, OpCode(49), OpPush)
	assert.Equal(t, 57, NumOpCodes)
	assert.Equal(t, "CMP_EQ", OpCmpEq.String())
	assert.False(t, OpCode(NumOpCodes).Valid())
	for op := OpCode(0); int(op) < NumOpCodes; op++ {
		assert.NotEmpty(t, op.Info().Name, "opcode %d", op)
	}
}

// TestValidate tests operand checks on malformed prototypes.
func TestValidate(t *testing.T) {
	require.NoError(t, sampleProto().Validate())

	tests := []struct {
		name   string
		mutate func(p *Proto)
		want   string
	}{
		{"no return", func(p *Proto) { p.Code = p.Code[:4]; p.LineInfo = p.LineInfo[:4] }, "must end with RETURN"},
		{"register", func(p *Proto) { p.Code[0] = CreateABx(OpLoadK, 9, 0) }, "register 9 out of range"},
		{"constant", func(p *Proto) { p.Code[0] = CreateABx(OpLoadK, 0, 99) }, "constant 99 out of range"},
		{"rk constant", func(p *Proto) { p.Code[2] = CreateABC(OpAdd, 0, RK(50), 0) }, "constant 50 out of range"},
		{"prototype", func(p *Proto) { p.Code[1] = CreateABx(OpClosure, 1, 3) }, "prototype 3 out of range"},
		{"jump", func(p *Proto) { p.Code[2] = CreateAsBx(OpJmp, 0, 10) }, "jump target"},
		{"line info", func(p *Proto) { p.LineInfo = p.LineInfo[:2] }, "line entries"},
		{"capture", func(p *Proto) { p.Protos[0].Upvalues[0].Idx = 200 }, "captures register 200"},
		{"opcode", func(p *Proto) { p.Code[0] = Instruction(63) }, "unknown opcode 63"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := sampleProto()
			tt.mutate(p)
			err := p.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidProto)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

// TestDumpUndump tests that a dumped chunk decodes to the same prototype.
func TestDumpUndump(t *testing.T) {
	p := sampleProto()
	data := Dump(p, false)
	assert.True(t, IsChunk(data))

	got, err := Undump(data, "@sample.lua")
	require.NoError(t, err)
	assert.Equal(t, p, got)

	stripped, err := Undump(Dump(p, true), "=stripped")
	require.NoError(t, err)
	assert.Equal(t, p.Code, stripped.Code)
	assert.Equal(t, "", stripped.Source)
	assert.Empty(t, stripped.LineInfo)
	assert.Empty(t, stripped.LocVars)
	assert.Equal(t, "", stripped.Upvalues[0].Name)
}

// TestUndumpErrors tests the messages of malformed chunks.
func TestUndumpErrors(t *testing.T) {
	good := Dump(sampleProto(), false)
	corrupt := func(off int, b byte) []byte {
		out := append([]byte(nil), good...)
		out[off] = b
		return out
	}
	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"empty", nil, "test: truncated precompiled chunk"},
		{"signature", []byte("Lua!xxxxxxxxxxxx"), "test: not a precompiled chunk"},
		{"version", corrupt(4, 0x52), "test: version mismatch in precompiled chunk"},
		{"format", corrupt(5, 1), "test: format mismatch in precompiled chunk"},
		{"luac data", corrupt(6, 0), "test: corrupted precompiled chunk"},
		{"int size", corrupt(12, 8), "test: int size mismatch in precompiled chunk"},
		{"truncated body", good[:len(good)-3], "test: truncated precompiled chunk"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Undump(tt.data, "@test")
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrBadChunk)
			assert.EqualError(t, err, tt.want)
		})
	}

	_, err := Undump([]byte("xxxxxxxx"), Signature+"rest")
	assert.EqualError(t, err, "binary string: not a precompiled chunk")
}

// TestModuleEncoding tests the module container in both encodings.
func TestModuleEncoding(t *testing.T) {
	props := map[string]storage.Type{"supply": storage.TypeInt, "owner": storage.TypeString}
	m := NewModule(sampleProto(), []string{"mint", "init"}, []string{"balance"}, []string{"Minted"}, props)
	assert.Equal(t, []string{"init", "mint"}, m.APIs)
	assert.True(t, m.HasAPI("balance"))
	assert.True(t, m.IsOffline("balance"))
	assert.False(t, m.IsOffline("mint"))
	assert.True(t, m.HasEvent("Minted"))

	for _, compress := range []bool{false, true} {
		data, err := m.Encode(compress)
		require.NoError(t, err)
		assert.Equal(t, compress, strings.HasPrefix(string(data), CompressedMagic))

		got, err := DecodeModule(data)
		require.NoError(t, err)
		assert.Equal(t, m, got)
		assert.Equal(t, m.CodeHash(), got.CodeHash())

		p, err := got.Proto("@sample.lua")
		require.NoError(t, err)
		assert.Len(t, p.Protos, 1)
	}

	bare, err := DecodeModule(m.Code)
	require.NoError(t, err)
	assert.Empty(t, bare.APIs)

	_, err = DecodeModule([]byte{0xa1, 0x01, 0x40})
	assert.ErrorIs(t, err, ErrBadModule)
}

// TestSpecialAPIs tests the chain-only api names.
func TestSpecialAPIs(t *testing.T) {
	for _, api := range []string{"init", "on_deposit", "on_deposit_asset", "on_destroy", "on_upgrade", "on_missing"} {
		assert.True(t, IsSpecialAPI(api), api)
	}
	assert.False(t, IsSpecialAPI("transfer"))
}

// TestDisassemble tests the text listing.
func TestDisassemble(t *testing.T) {
	out := Disassemble(sampleProto())
	assert.Contains(t, out, "main <@sample.lua:0,0> (5 instructions)")
	assert.Contains(t, out, "main.0 <@sample.lua:2,4>")
	assert.Contains(t, out, "LOADK")
	assert.Contains(t, out, "; 40")
	assert.Contains(t, out, "; base")
	assert.Contains(t, out, "CLOSURE")
}
