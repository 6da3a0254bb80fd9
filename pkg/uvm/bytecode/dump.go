package bytecode

import (
	"bytes"
	"encoding/binary"
	"math"
)

type dumpState struct {
	buf   bytes.Buffer
	strip bool
}

func (d *dumpState) byte(b byte) { d.buf.WriteByte(b) }

func (d *dumpState) bool(b bool) {
	if b {
		d.byte(1)
	} else {
		d.byte(0)
	}
}

func (d *dumpState) int(n int) {
	var b [sizeInt]byte
	binary.LittleEndian.PutUint32(b[:], uint32(int32(n)))
	d.buf.Write(b[:])
}

func (d *dumpState) integer(n int64) {
	var b [sizeInteger]byte
	binary.LittleEndian.PutUint64(b[:], uint64(n))
	d.buf.Write(b[:])
}

func (d *dumpState) number(f float64) {
	var b [sizeNumber]byte
	binary.LittleEndian.PutUint64(b[:], math.Float64bits(f))
	d.buf.Write(b[:])
}

func (d *dumpState) nilString() { d.byte(0) }

func (d *dumpState) string(s string) {
	size := uint64(len(s)) + 1
	if size < 0xFF {
		d.byte(byte(size))
	} else {
		d.byte(0xFF)
		var b [sizeSizeT]byte
		binary.LittleEndian.PutUint64(b[:], size)
		d.buf.Write(b[:])
	}
	d.buf.WriteString(s)
}

func (d *dumpState) header() {
	d.buf.WriteString(Signature)
	d.byte(Version)
	d.byte(Format)
	d.buf.WriteString(luacData)
	d.byte(sizeInt)
	d.byte(sizeSizeT)
	d.byte(sizeInstruction)
	d.byte(sizeInteger)
	d.byte(sizeNumber)
	d.integer(luacInt)
	d.number(luacNum)
}

func (d *dumpState) function(p *Proto, psource string, main bool) {
	if d.strip || (!main && p.Source == psource) {
		d.nilString()
	} else {
		d.string(p.Source)
	}
	d.int(p.LineDefined)
	d.int(p.LastLineDefined)
	d.byte(p.NumParams)
	d.bool(p.IsVararg)
	d.byte(p.MaxStackSize)

	d.int(len(p.Code))
	for _, ins := range p.Code {
		var b [sizeInstruction]byte
		binary.LittleEndian.PutUint32(b[:], uint32(ins))
		d.buf.Write(b[:])
	}

	d.int(len(p.Constants))
	for _, k := range p.Constants {
		kind := k.Kind
		if kind == ConstString && len(k.Str) >= 40 {
			kind = ConstLong
		}
		d.byte(byte(kind))
		switch kind {
		case ConstBool:
			d.bool(k.Bool)
		case ConstNumber:
			d.number(k.Num)
		case ConstInt:
			d.integer(k.Int)
		case ConstString, ConstLong:
			d.string(k.Str)
		}
	}

	d.int(len(p.Upvalues))
	for _, uv := range p.Upvalues {
		d.bool(uv.InStack)
		d.byte(uv.Idx)
	}

	d.int(len(p.Protos))
	for _, child := range p.Protos {
		d.function(child, p.Source, false)
	}

	if d.strip {
		d.int(0)
		d.int(0)
		d.int(0)
		return
	}
	d.int(len(p.LineInfo))
	for _, l := range p.LineInfo {
		d.int(int(l))
	}
	d.int(len(p.LocVars))
	for _, lv := range p.LocVars {
		d.string(lv.Name)
		d.int(lv.StartPC)
		d.int(lv.EndPC)
	}
	d.int(len(p.Upvalues))
	for _, uv := range p.Upvalues {
		d.string(uv.Name)
	}
}

// Dump encodes p as a binary chunk. With strip set, debug information and
// source names are omitted.
func Dump(p *Proto, strip bool) []byte {
	d := &dumpState{strip: strip}
	d.header()
	d.byte(byte(len(p.Upvalues)))
	d.function(p, "", true)
	return d.buf.Bytes()
}
