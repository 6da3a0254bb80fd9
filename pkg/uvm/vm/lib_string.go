package vm

import (
	"fmt"
	"strings"
)

// maxStringSize bounds strings built by rep and format.
const maxStringSize = 1 << 26

func (L *State) openString() error {
	lib, err := L.newLib("string", []libFunc{
		{"len", strLen},
		{"sub", strSub},
		{"upper", strUpper},
		{"lower", strLower},
		{"rep", strRep},
		{"reverse", strReverse},
		{"byte", strByte},
		{"char", strChar},
		{"format", strFormat},
		{"find", strFind},
	})
	if err != nil {
		return err
	}
	return L.stringMeta.RawSetString(L, "__index", tableValue(lib))
}

// strIndex converts a possibly negative 1-based position to an offset in
// a string of length n.
func strIndex(pos int64, n int) int64 {
	if pos >= 0 {
		return pos
	}
	if -pos > int64(n) {
		return 0
	}
	return int64(n) + pos + 1
}

func strLen(L *State) (int, error) {
	s, err := L.CheckString(1)
	if err != nil {
		return 0, err
	}
	L.Push(Int(int64(len(s))))
	return 1, nil
}

func strSub(L *State) (int, error) {
	s, err := L.CheckString(1)
	if err != nil {
		return 0, err
	}
	i, err := L.OptInt(2, 1)
	if err != nil {
		return 0, err
	}
	j, err := L.OptInt(3, -1)
	if err != nil {
		return 0, err
	}
	start, end := strIndex(i, len(s)), strIndex(j, len(s))
	if start < 1 {
		start = 1
	}
	if end > int64(len(s)) {
		end = int64(len(s))
	}
	if start > end {
		return 1, L.PushString("")
	}
	return 1, L.PushString(s[start-1 : end])
}

func strUpper(L *State) (int, error) {
	s, err := L.CheckString(1)
	if err != nil {
		return 0, err
	}
	return 1, L.PushString(strings.ToUpper(s))
}

func strLower(L *State) (int, error) {
	s, err := L.CheckString(1)
	if err != nil {
		return 0, err
	}
	return 1, L.PushString(strings.ToLower(s))
}

func strRep(L *State) (int, error) {
	s, err := L.CheckString(1)
	if err != nil {
		return 0, err
	}
	n, err := L.CheckInt(2)
	if err != nil {
		return 0, err
	}
	sep, err := L.OptString(3, "")
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 1, L.PushString("")
	}
	if total := int64(len(s)+len(sep)) * n; total > maxStringSize || total < 0 {
		return 0, L.runtimeError("resulting string too large")
	}
	var sb strings.Builder
	for k := int64(0); k < n; k++ {
		if k > 0 {
			sb.WriteString(sep)
		}
		sb.WriteString(s)
	}
	return 1, L.PushString(sb.String())
}

func strReverse(L *State) (int, error) {
	s, err := L.CheckString(1)
	if err != nil {
		return 0, err
	}
	b := []byte(s)
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
	return 1, L.PushString(string(b))
}

func strByte(L *State) (int, error) {
	s, err := L.CheckString(1)
	if err != nil {
		return 0, err
	}
	i, err := L.OptInt(2, 1)
	if err != nil {
		return 0, err
	}
	j, err := L.OptInt(3, i)
	if err != nil {
		return 0, err
	}
	start, end := strIndex(i, len(s)), strIndex(j, len(s))
	if start < 1 {
		start = 1
	}
	if end > int64(len(s)) {
		end = int64(len(s))
	}
	if start > end {
		return 0, nil
	}
	n := int(end - start + 1)
	if err := L.ensure(n); err != nil {
		return 0, err
	}
	for k := start; k <= end; k++ {
		L.Push(Int(int64(s[k-1])))
	}
	return n, nil
}

func strChar(L *State) (int, error) {
	n := L.GetTop()
	b := make([]byte, n)
	for i := 1; i <= n; i++ {
		c, err := L.CheckInt(i)
		if err != nil {
			return 0, err
		}
		if c < 0 || c > 255 {
			return 0, L.argError(i, "value out of range")
		}
		b[i-1] = byte(c)
	}
	return 1, L.PushString(string(b))
}

func strFind(L *State) (int, error) {
	s, err := L.CheckString(1)
	if err != nil {
		return 0, err
	}
	pat, err := L.CheckString(2)
	if err != nil {
		return 0, err
	}
	init, err := L.OptInt(3, 1)
	if err != nil {
		return 0, err
	}
	start := strIndex(init, len(s))
	if start < 1 {
		start = 1
	}
	if start > int64(len(s))+1 {
		L.Push(Nil)
		return 1, nil
	}
	idx := strings.Index(s[start-1:], pat)
	if idx < 0 {
		L.Push(Nil)
		return 1, nil
	}
	first := start + int64(idx)
	L.Push(Int(first))
	L.Push(Int(first + int64(len(pat)) - 1))
	return 2, nil
}

// strFormat supports %d %i %s %f %g %x %X %c %q and %% with the usual
// flags, width and precision.
func strFormat(L *State) (int, error) {
	f, err := L.CheckString(1)
	if err != nil {
		return 0, err
	}
	var sb strings.Builder
	arg := 1
	for i := 0; i < len(f); i++ {
		c := f[i]
		if c != '%' {
			sb.WriteByte(c)
			continue
		}
		i++
		if i >= len(f) {
			return 0, L.runtimeError("invalid conversion '%%' to 'format'")
		}
		if f[i] == '%' {
			sb.WriteByte('%')
			continue
		}
		j := i
		for j < len(f) && strings.IndexByte("-+ #0123456789.", f[j]) >= 0 {
			j++
		}
		if j >= len(f) || j-i > 5 {
			return 0, L.runtimeError("invalid conversion '%%%s' to 'format'", f[i:min(j+1, len(f))])
		}
		spec, verb := f[i:j], f[j]
		i = j
		arg++
		switch verb {
		case 'd', 'i':
			n, err := L.CheckInt(arg)
			if err != nil {
				return 0, err
			}
			fmt.Fprintf(&sb, "%"+spec+"d", n)
		case 'x', 'X', 'o':
			n, err := L.CheckInt(arg)
			if err != nil {
				return 0, err
			}
			fmt.Fprintf(&sb, "%"+spec+string(verb), uint64(n))
		case 'c':
			n, err := L.CheckInt(arg)
			if err != nil {
				return 0, err
			}
			sb.WriteByte(byte(n))
		case 'f', 'F', 'e', 'E', 'g', 'G':
			v, err := L.CheckNumber(arg)
			if err != nil {
				return 0, err
			}
			x, _ := v.ToFloat()
			fmt.Fprintf(&sb, "%"+spec+string(verb), x)
		case 's':
			s, err := L.tostring(L.Arg(arg))
			if err != nil {
				return 0, err
			}
			if arg > L.GetTop() {
				return 0, L.argError(arg, "no value")
			}
			fmt.Fprintf(&sb, "%"+spec+"s", s)
		case 'q':
			s, err := L.CheckString(arg)
			if err != nil {
				return 0, err
			}
			quoteString(&sb, s)
		default:
			return 0, L.runtimeError("invalid option '%%%c' to 'format'", verb)
		}
		if sb.Len() > maxStringSize {
			return 0, L.runtimeError("resulting string too large")
		}
	}
	return 1, L.PushString(sb.String())
}

func quoteString(sb *strings.Builder, s string) {
	sb.WriteByte('"')
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '"', '\\':
			sb.WriteByte('\\')
			sb.WriteByte(c)
		case '\n':
			sb.WriteString("\\n")
		case '\r':
			sb.WriteString("\\r")
		case 0:
			sb.WriteString("\\0")
		default:
			if c < 0x20 || c == 0x7f {
				fmt.Fprintf(sb, "\\%d", c)
			} else {
				sb.WriteByte(c)
			}
		}
	}
	sb.WriteByte('"')
}
