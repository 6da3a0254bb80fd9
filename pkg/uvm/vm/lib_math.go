package vm

import "math"

func (L *State) openMath() error {
	lib, err := L.newLib("math", []libFunc{
		{"floor", mathFloor},
		{"ceil", mathCeil},
		{"abs", mathAbs},
		{"max", mathMax},
		{"min", mathMin},
		{"sqrt", mathSqrt},
		{"tointeger", baseToInteger},
		{"type", mathType},
	})
	if err != nil {
		return err
	}
	for _, c := range []struct {
		name string
		v    Value
	}{
		{"maxinteger", Int(math.MaxInt64)},
		{"mininteger", Int(math.MinInt64)},
		{"pi", Number(math.Pi)},
		{"huge", Number(math.Inf(1))},
	} {
		if err := lib.RawSetString(L, c.name, c.v); err != nil {
			return err
		}
	}
	return nil
}

// floatToIntValue returns f as an integer when it fits, else as a float.
func floatToIntValue(f float64) Value {
	if i, ok := floatToInteger(f); ok {
		return Int(i)
	}
	return Number(f)
}

func mathFloor(L *State) (int, error) {
	v, err := L.CheckNumber(1)
	if err != nil {
		return 0, err
	}
	if v.kind == KindInt {
		L.Push(v)
		return 1, nil
	}
	f, _ := v.AsNumber()
	L.Push(floatToIntValue(math.Floor(f)))
	return 1, nil
}

func mathCeil(L *State) (int, error) {
	v, err := L.CheckNumber(1)
	if err != nil {
		return 0, err
	}
	if v.kind == KindInt {
		L.Push(v)
		return 1, nil
	}
	f, _ := v.AsNumber()
	L.Push(floatToIntValue(math.Ceil(f)))
	return 1, nil
}

func mathAbs(L *State) (int, error) {
	v, err := L.CheckNumber(1)
	if err != nil {
		return 0, err
	}
	if i, ok := v.AsInt(); ok {
		if i < 0 {
			i = -i
		}
		L.Push(Int(i))
		return 1, nil
	}
	f, _ := v.AsNumber()
	L.Push(Number(math.Abs(f)))
	return 1, nil
}

func mathMinMax(L *State, max bool) (int, error) {
	best, err := L.CheckNumber(1)
	if err != nil {
		return 0, err
	}
	for i := 2; i <= L.GetTop(); i++ {
		v, err := L.CheckNumber(i)
		if err != nil {
			return 0, err
		}
		if max {
			if numLess(best, v, false) {
				best = v
			}
		} else if numLess(v, best, false) {
			best = v
		}
	}
	L.Push(best)
	return 1, nil
}

func mathMax(L *State) (int, error) { return mathMinMax(L, true) }

func mathMin(L *State) (int, error) { return mathMinMax(L, false) }

func mathSqrt(L *State) (int, error) {
	v, err := L.CheckNumber(1)
	if err != nil {
		return 0, err
	}
	f, _ := v.ToFloat()
	L.Push(Number(math.Sqrt(f)))
	return 1, nil
}

func mathType(L *State) (int, error) {
	v, err := L.CheckAny(1)
	if err != nil {
		return 0, err
	}
	switch v.kind {
	case KindInt:
		return 1, L.PushString("integer")
	case KindNumber:
		return 1, L.PushString("float")
	}
	L.Push(Nil)
	return 1, nil
}
