package bytecode

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
)

// Binary chunk header constants.
const (
	Signature = "\x1bLua"
	Version   = 0x53
	Format    = 0
	luacData  = "\x19\x93\r\n\x1a\n"
	luacInt   = 0x5678
	luacNum   = 370.5

	sizeInt         = 4
	sizeSizeT       = 8
	sizeInstruction = 4
	sizeInteger     = 8
	sizeNumber      = 8

	// MaxChunkElements bounds every counted section of a chunk.
	MaxChunkElements = 500 * 1024 * 1024
)

// ErrBadChunk is the error class of every chunk decoding failure. The
// message follows the "<name>: <why> precompiled chunk" form.
var ErrBadChunk = errors.New("bad binary chunk")

type chunkError struct {
	name string
	why  string
}

func (e *chunkError) Error() string {
	return fmt.Sprintf("%s: %s precompiled chunk", e.name, e.why)
}

func (e *chunkError) Is(target error) bool { return target == ErrBadChunk }

// IsChunk reports whether data starts with the binary chunk signature.
func IsChunk(data []byte) bool {
	return len(data) > 0 && data[0] == Signature[0]
}

type loadState struct {
	data []byte
	off  int
	name string
}

func (s *loadState) fail(why string) {
	panic(&chunkError{name: s.name, why: why})
}

func (s *loadState) block(n int) []byte {
	if n < 0 || s.off+n > len(s.data) {
		s.fail("truncated")
	}
	b := s.data[s.off : s.off+n]
	s.off += n
	return b
}

func (s *loadState) byte() byte {
	return s.block(1)[0]
}

func (s *loadState) int() int {
	return int(int32(binary.LittleEndian.Uint32(s.block(sizeInt))))
}

func (s *loadState) count() int {
	n := s.int()
	if n < 0 || n > MaxChunkElements {
		s.fail("corrupted")
	}
	return n
}

func (s *loadState) integer() int64 {
	return int64(binary.LittleEndian.Uint64(s.block(sizeInteger)))
}

func (s *loadState) number() float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(s.block(sizeNumber)))
}

// string returns the decoded string and whether it was present.
func (s *loadState) string() (string, bool) {
	size := uint64(s.byte())
	if size == 0xFF {
		size = binary.LittleEndian.Uint64(s.block(sizeSizeT))
	}
	if size == 0 {
		return "", false
	}
	size--
	if size > MaxChunkElements {
		s.fail("corrupted")
	}
	return string(s.block(int(size))), true
}

func (s *loadState) literal(lit, why string) {
	if string(s.block(len(lit))) != lit {
		s.fail(why)
	}
}

func (s *loadState) checkSize(size int, tname string) {
	if int(s.byte()) != size {
		s.fail(tname + " size mismatch in")
	}
}

func (s *loadState) header() {
	s.literal(Signature, "not a")
	if s.byte() != Version {
		s.fail("version mismatch in")
	}
	if s.byte() != Format {
		s.fail("format mismatch in")
	}
	s.literal(luacData, "corrupted")
	s.checkSize(sizeInt, "int")
	s.checkSize(sizeSizeT, "size_t")
	s.checkSize(sizeInstruction, "Instruction")
	s.checkSize(sizeInteger, "lua_Integer")
	s.checkSize(sizeNumber, "lua_Number")
	if s.integer() != luacInt {
		s.fail("endianness mismatch in")
	}
	if s.number() != luacNum {
		s.fail("float format mismatch in")
	}
}

func (s *loadState) function(psource string, depth int) *Proto {
	if depth > 200 {
		s.fail("corrupted")
	}
	p := &Proto{}
	if src, ok := s.string(); ok {
		p.Source = src
	} else {
		p.Source = psource
	}
	p.LineDefined = s.int()
	p.LastLineDefined = s.int()
	p.NumParams = s.byte()
	p.IsVararg = s.byte() != 0
	p.MaxStackSize = s.byte()

	n := s.count()
	raw := s.block(n * sizeInstruction)
	p.Code = make([]Instruction, n)
	for i := range p.Code {
		p.Code[i] = Instruction(binary.LittleEndian.Uint32(raw[i*sizeInstruction:]))
	}

	n = s.count()
	p.Constants = make([]Constant, n)
	for i := range p.Constants {
		switch k := ConstKind(s.byte()); k {
		case ConstNil:
			p.Constants[i] = NilConst()
		case ConstBool:
			p.Constants[i] = BoolConst(s.byte() != 0)
		case ConstNumber:
			p.Constants[i] = NumberConst(s.number())
		case ConstInt:
			p.Constants[i] = IntConst(s.integer())
		case ConstString, ConstLong:
			str, _ := s.string()
			p.Constants[i] = StringConst(str)
		default:
			s.fail("corrupted")
		}
	}

	n = s.count()
	p.Upvalues = make([]UpvalDesc, n)
	for i := range p.Upvalues {
		p.Upvalues[i].InStack = s.byte() != 0
		p.Upvalues[i].Idx = s.byte()
	}

	n = s.count()
	p.Protos = make([]*Proto, n)
	for i := range p.Protos {
		p.Protos[i] = s.function(p.Source, depth+1)
	}

	n = s.count()
	raw = s.block(n * sizeInt)
	p.LineInfo = make([]int32, n)
	for i := range p.LineInfo {
		p.LineInfo[i] = int32(binary.LittleEndian.Uint32(raw[i*sizeInt:]))
	}

	n = s.count()
	p.LocVars = make([]LocVar, n)
	for i := range p.LocVars {
		p.LocVars[i].Name, _ = s.string()
		p.LocVars[i].StartPC = s.int()
		p.LocVars[i].EndPC = s.int()
	}

	n = s.count()
	if n > len(p.Upvalues) {
		s.fail("corrupted")
	}
	for i := 0; i < n; i++ {
		p.Upvalues[i].Name, _ = s.string()
	}
	return p
}

// Undump decodes a binary chunk. name labels error messages; a leading '@'
// or '=' is stripped and a name starting with the signature byte reads as
// "binary string". It returns the main prototype, whose upvalue count must
// match the count stored in the header.
func Undump(data []byte, name string) (p *Proto, err error) {
	switch {
	case strings.HasPrefix(name, "@"), strings.HasPrefix(name, "="):
		name = name[1:]
	case strings.HasPrefix(name, Signature[:1]):
		name = "binary string"
	}
	s := &loadState{data: data, name: name}
	defer func() {
		if r := recover(); r != nil {
			ce, ok := r.(*chunkError)
			if !ok {
				panic(r)
			}
			p, err = nil, ce
		}
	}()
	s.header()
	nupvals := int(s.byte())
	p = s.function("", 0)
	if nupvals != len(p.Upvalues) {
		s.fail("corrupted")
	}
	return p, nil
}
