package vm

import "strings"

func (L *State) openTable() error {
	_, err := L.newLib("table", []libFunc{
		{"insert", tabInsert},
		{"remove", tabRemove},
		{"concat", tabConcat},
		{"length", tabLength},
		{"unpack", tabUnpack},
	})
	return err
}

func (L *State) checkMutableTable(n int) (*Table, error) {
	t, err := L.CheckTable(n)
	if err != nil {
		return nil, err
	}
	if err := L.checkMutable(t); err != nil {
		return nil, err
	}
	return t, nil
}

func tabInsert(L *State) (int, error) {
	t, err := L.checkMutableTable(1)
	if err != nil {
		return 0, err
	}
	n := int64(t.Length())
	switch L.GetTop() {
	case 2:
		if err := t.RawSetInt(n+1, L.Arg(2)); err != nil {
			return 0, err
		}
	case 3:
		pos, err := L.CheckInt(2)
		if err != nil {
			return 0, err
		}
		if pos < 1 || pos > n+1 {
			return 0, L.argError(2, "position out of bounds")
		}
		if err := t.Insert(pos, L.Arg(3)); err != nil {
			return 0, err
		}
	default:
		return 0, L.runtimeError("wrong number of arguments to 'insert'")
	}
	return 0, nil
}

func tabRemove(L *State) (int, error) {
	t, err := L.checkMutableTable(1)
	if err != nil {
		return 0, err
	}
	n := int64(t.Length())
	pos, err := L.OptInt(2, n)
	if err != nil {
		return 0, err
	}
	v, err := t.Remove(pos)
	if err != nil {
		return 0, L.argError(2, err.Error())
	}
	L.Push(v)
	return 1, nil
}

func tabConcat(L *State) (int, error) {
	t, err := L.CheckTable(1)
	if err != nil {
		return 0, err
	}
	sep, err := L.OptString(2, "")
	if err != nil {
		return 0, err
	}
	i, err := L.OptInt(3, 1)
	if err != nil {
		return 0, err
	}
	j, err := L.OptInt(4, int64(t.Length()))
	if err != nil {
		return 0, err
	}
	var sb strings.Builder
	for k := i; k <= j; k++ {
		s, ok := toStringCoerce(t.RawGetInt(k))
		if !ok {
			return 0, L.runtimeError("invalid value (at index %d) in table for 'concat'", k)
		}
		sb.WriteString(s)
		if k < j {
			sb.WriteString(sep)
		}
		if sb.Len() > maxStringSize {
			return 0, L.runtimeError("resulting string too large")
		}
	}
	return 1, L.PushString(sb.String())
}

func tabLength(L *State) (int, error) {
	t, err := L.CheckTable(1)
	if err != nil {
		return 0, err
	}
	L.Push(Int(int64(t.Length())))
	return 1, nil
}

func tabUnpack(L *State) (int, error) {
	t, err := L.CheckTable(1)
	if err != nil {
		return 0, err
	}
	i, err := L.OptInt(2, 1)
	if err != nil {
		return 0, err
	}
	j, err := L.OptInt(3, int64(t.Length()))
	if err != nil {
		return 0, err
	}
	if i > j {
		return 0, nil
	}
	if j-i >= int64(L.cfg.MaxStackSize) {
		return 0, L.runtimeError("too many results to unpack")
	}
	n := int(j - i + 1)
	if err := L.ensure(n); err != nil {
		return 0, err
	}
	for k := i; k <= j; k++ {
		L.Push(t.RawGetInt(k))
	}
	return n, nil
}
