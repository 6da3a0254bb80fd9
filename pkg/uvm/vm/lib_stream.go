package vm

// maxStreamSize bounds the contents of a Stream.
const maxStreamSize = 1 << 24

// Stream is a growable byte buffer with a read position, exposed to
// scripts as a userdata.
type Stream struct {
	buf []byte
	pos int
}

// Bytes returns the stream contents.
func (s *Stream) Bytes() []byte { return s.buf }

// Size returns the number of bytes.
func (s *Stream) Size() int { return len(s.buf) }

// EOF reports whether the position is past the last byte.
func (s *Stream) EOF() bool { return s.pos >= len(s.buf) }

// Current returns the byte at the position, or -1 at the end.
func (s *Stream) Current() int {
	if s.EOF() {
		return -1
	}
	return int(s.buf[s.pos])
}

// Next advances the position and reports whether a byte remains.
func (s *Stream) Next() bool {
	if s.pos < len(s.buf) {
		s.pos++
	}
	return !s.EOF()
}

func (s *Stream) push(b ...byte) error {
	if len(s.buf)+len(b) > maxStreamSize {
		return errStreamTooLarge
	}
	s.buf = append(s.buf, b...)
	return nil
}

var errStreamTooLarge = jsonError("stream too large")

// newStream wraps a copy of b in a Stream userdata.
func (L *State) newStream(b []byte) (Value, error) {
	return L.NewUserdata(&Stream{buf: append([]byte(nil), b...)}, L.streamMeta)
}

func (L *State) openStream() error {
	methods, err := L.newLib("", []libFunc{
		{"size", streamSize},
		{"eof", streamEOF},
		{"current", streamCurrent},
		{"pos", streamPos},
		{"next", streamNext},
		{"push", streamPush},
		{"push_string", streamPushString},
		{"reset_pos", streamResetPos},
	})
	if err != nil {
		return err
	}
	methods.SetReadOnly(true)
	meta, err := L.NewTable(0, 2)
	if err != nil {
		return err
	}
	if err := meta.RawSetString(L, "__index", tableValue(methods)); err != nil {
		return err
	}
	if err := meta.RawSetString(L, "__metatable", L.mustString("Stream")); err != nil {
		return err
	}
	meta.SetReadOnly(true)
	L.streamMeta = meta
	ctor, err := L.NewFunction("Stream", streamNew)
	if err != nil {
		return err
	}
	return L.SetGlobal("Stream", ctor)
}

func (L *State) checkStream(n int) (*Stream, error) {
	if u, ok := L.Arg(n).AsUserdata(); ok {
		if s, ok := u.payload.(*Stream); ok {
			return s, nil
		}
	}
	return nil, L.argError(n, "Stream expected")
}

func streamNew(L *State) (int, error) {
	h, err := L.NewUserdata(&Stream{}, L.streamMeta)
	if err != nil {
		return 0, err
	}
	L.Push(h)
	return 1, nil
}

func streamSize(L *State) (int, error) {
	s, err := L.checkStream(1)
	if err != nil {
		return 0, err
	}
	L.Push(Int(int64(s.Size())))
	return 1, nil
}

func streamEOF(L *State) (int, error) {
	s, err := L.checkStream(1)
	if err != nil {
		return 0, err
	}
	L.Push(Bool(s.EOF()))
	return 1, nil
}

func streamCurrent(L *State) (int, error) {
	s, err := L.checkStream(1)
	if err != nil {
		return 0, err
	}
	L.Push(Int(int64(s.Current())))
	return 1, nil
}

func streamPos(L *State) (int, error) {
	s, err := L.checkStream(1)
	if err != nil {
		return 0, err
	}
	L.Push(Int(int64(s.pos)))
	return 1, nil
}

func streamNext(L *State) (int, error) {
	s, err := L.checkStream(1)
	if err != nil {
		return 0, err
	}
	L.Push(Bool(s.Next()))
	return 1, nil
}

func streamPush(L *State) (int, error) {
	s, err := L.checkStream(1)
	if err != nil {
		return 0, err
	}
	c, err := L.CheckInt(2)
	if err != nil {
		return 0, err
	}
	if err := s.push(byte(c)); err != nil {
		return 0, L.runtimeError("%s", err.Error())
	}
	return 0, nil
}

func streamPushString(L *State) (int, error) {
	s, err := L.checkStream(1)
	if err != nil {
		return 0, err
	}
	str, err := L.CheckString(2)
	if err != nil {
		return 0, err
	}
	if err := s.push([]byte(str)...); err != nil {
		return 0, L.runtimeError("%s", err.Error())
	}
	return 0, nil
}

func streamResetPos(L *State) (int, error) {
	s, err := L.checkStream(1)
	if err != nil {
		return 0, err
	}
	s.pos = 0
	return 0, nil
}
