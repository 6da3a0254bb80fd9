package vm

import (
	"math"

	bc "github.com/fortiblox/X1-UVM/pkg/uvm/bytecode"
)

// execute decodes and applies the next instruction of the current frame.
// It reports true when a frame marked fresh returned.
func (L *State) execute() (bool, error) {
	ci := L.ci
	cl := ci.cl
	p := cl.p
	code := p.p.Code
	i := code[ci.pc]
	ci.pc++
	base := ci.base
	ra := base + i.A()

	rk := func(x int) Value {
		if bc.IsK(x) {
			return p.k[bc.IndexK(x)]
		}
		return L.stack[base+x]
	}

	switch op := i.Op(); op {
	case bc.OpMove:
		L.stack[ra] = L.stack[base+i.B()]

	case bc.OpLoadK:
		L.stack[ra] = p.k[i.Bx()]

	case bc.OpLoadKX:
		L.stack[ra] = p.k[code[ci.pc].Ax()]
		ci.pc++

	case bc.OpLoadBool:
		L.stack[ra] = Bool(i.B() != 0)
		if i.C() != 0 {
			ci.pc++
		}

	case bc.OpLoadNil:
		clear(L.stack[ra : ra+i.B()+1])

	case bc.OpGetUpval:
		L.stack[ra] = cl.upvals[i.B()].get(L)

	case bc.OpGetTabUp:
		v, err := L.getTable(cl.upvals[i.B()].get(L), rk(i.C()))
		if err != nil {
			return false, err
		}
		L.stack[ra] = v

	case bc.OpGetTable:
		v, err := L.getTable(L.stack[base+i.B()], rk(i.C()))
		if err != nil {
			return false, err
		}
		L.stack[ra] = v

	case bc.OpSetTabUp:
		if err := L.setTable(cl.upvals[i.A()].get(L), rk(i.B()), rk(i.C())); err != nil {
			return false, err
		}

	case bc.OpSetUpval:
		cl.upvals[i.B()].set(L, L.stack[ra])

	case bc.OpSetTable:
		if err := L.setTable(L.stack[ra], rk(i.B()), rk(i.C())); err != nil {
			return false, err
		}

	case bc.OpNewTable:
		t, err := L.NewTable(fb2int(i.B()), fb2int(i.C()))
		if err != nil {
			return false, err
		}
		L.stack[ra] = tableValue(t)

	case bc.OpSelf:
		obj := L.stack[base+i.B()]
		v, err := L.getTable(obj, rk(i.C()))
		if err != nil {
			return false, err
		}
		L.stack[ra+1] = obj
		L.stack[ra] = v

	case bc.OpAdd, bc.OpSub, bc.OpMul, bc.OpDiv, bc.OpBAnd, bc.OpBOr, bc.OpBXor,
		bc.OpShl, bc.OpShr, bc.OpMod, bc.OpIDiv, bc.OpPow:
		b, c := rk(i.B()), rk(i.C())
		if b.kind == KindInt && c.kind == KindInt {
			switch op {
			case bc.OpAdd:
				L.stack[ra] = Int(int64(b.n) + int64(c.n))
				return false, nil
			case bc.OpSub:
				L.stack[ra] = Int(int64(b.n) - int64(c.n))
				return false, nil
			}
		}
		v, err := L.arith(opcodeArith[op], b, c)
		if err != nil {
			return false, err
		}
		L.stack[ra] = v

	case bc.OpUnm:
		b := L.stack[base+i.B()]
		v, err := L.arith(opUnm, b, b)
		if err != nil {
			return false, err
		}
		L.stack[ra] = v

	case bc.OpBNot:
		b := L.stack[base+i.B()]
		v, err := L.arith(opBNot, b, b)
		if err != nil {
			return false, err
		}
		L.stack[ra] = v

	case bc.OpNot:
		L.stack[ra] = Bool(L.stack[base+i.B()].Falsy())

	case bc.OpLen:
		v, err := L.length(L.stack[base+i.B()])
		if err != nil {
			return false, err
		}
		L.stack[ra] = v

	case bc.OpConcat:
		b, c := base+i.B(), base+i.C()
		v, err := L.concat(append([]Value(nil), L.stack[b:c+1]...))
		if err != nil {
			return false, err
		}
		L.stack[ra] = v

	case bc.OpJmp:
		L.jump(ci, i)

	case bc.OpEq:
		r, err := L.equals(rk(i.B()), rk(i.C()))
		if err != nil {
			return false, err
		}
		L.condJump(ci, r == (i.A() != 0))

	case bc.OpLt:
		r, err := L.lessThan(rk(i.B()), rk(i.C()))
		if err != nil {
			return false, err
		}
		L.condJump(ci, r == (i.A() != 0))

	case bc.OpLe:
		r, err := L.lessEqual(rk(i.B()), rk(i.C()))
		if err != nil {
			return false, err
		}
		L.condJump(ci, r == (i.A() != 0))

	case bc.OpTest:
		L.condJump(ci, L.stack[ra].Falsy() == (i.C() == 0))

	case bc.OpTestSet:
		rb := L.stack[base+i.B()]
		if rb.Falsy() == (i.C() == 0) {
			L.stack[ra] = rb
			L.condJump(ci, true)
		} else {
			ci.pc++
		}

	case bc.OpCall:
		if b := i.B(); b != 0 {
			L.top = ra + b
		}
		if err := L.checkCallLimit(); err != nil {
			return false, err
		}
		nresults := i.C() - 1
		isLua, err := L.precall(ra, nresults)
		if err != nil {
			return false, err
		}
		if !isLua && nresults >= 0 {
			L.top = ci.top
		}

	case bc.OpCCall, bc.OpCStaticCall:
		if err := L.checkCallLimit(); err != nil {
			return false, err
		}
		if err := L.contractCall(ra, i.B(), i.C()-1, op == bc.OpCStaticCall); err != nil {
			return false, err
		}

	case bc.OpTailCall:
		if b := i.B(); b != 0 {
			L.top = ra + b
		}
		if err := L.checkCallLimit(); err != nil {
			return false, err
		}
		if _, ok := L.stack[ra].AsClosure(); !ok {
			// Natives and __call handlers run as a plain call; the
			// RETURN that follows returns their results.
			_, err := L.precall(ra, MultRet)
			return false, err
		}
		L.closeUpvals(base)
		fidx := ci.fn
		n := L.top - ra
		copy(L.stack[fidx:], L.stack[ra:L.top])
		clear(L.stack[fidx+n : L.top])
		L.top = fidx + n
		fresh, nres, bound := ci.fresh, ci.nresults, ci.bound
		L.ci = ci.prev
		if _, err := L.precall(fidx, nres); err != nil {
			return false, err
		}
		L.ci.fresh = fresh
		L.ci.tail = true
		L.ci.bound = bound

	case bc.OpReturn:
		if b := i.B(); b != 0 {
			L.top = ra + b - 1
		}
		L.closeUpvals(base)
		fresh, nres := ci.fresh, ci.nresults
		if b := ci.bound; b != nil {
			L.leaveContract(b)
		}
		L.posCall(ci, ra, L.top-ra)
		if fresh {
			return true, nil
		}
		if nres != MultRet {
			L.top = L.ci.top
		}

	case bc.OpForLoop:
		if L.stack[ra].kind == KindInt {
			step := int64(L.stack[ra+2].n)
			idx := int64(L.stack[ra].n) + step
			limit := int64(L.stack[ra+1].n)
			if (step > 0 && idx <= limit) || (step <= 0 && limit <= idx) {
				ci.pc += i.SBx()
				L.stack[ra] = Int(idx)
				L.stack[ra+3] = Int(idx)
			}
		} else {
			step := math.Float64frombits(L.stack[ra+2].n)
			idx := math.Float64frombits(L.stack[ra].n) + step
			limit := math.Float64frombits(L.stack[ra+1].n)
			if (step > 0 && idx <= limit) || (step <= 0 && limit <= idx) {
				ci.pc += i.SBx()
				L.stack[ra] = Number(idx)
				L.stack[ra+3] = Number(idx)
			}
		}

	case bc.OpForPrep:
		if err := L.forPrep(ra); err != nil {
			return false, err
		}
		ci.pc += i.SBx()

	case bc.OpTForCall:
		cb := ra + 3
		L.stack[cb+2] = L.stack[ra+2]
		L.stack[cb+1] = L.stack[ra+1]
		L.stack[cb] = L.stack[ra]
		L.top = cb + 3
		if err := L.call(cb, i.C()); err != nil {
			return false, err
		}
		L.top = ci.top
		// The following TFORLOOP runs inline.
		i = code[ci.pc]
		ci.pc++
		ra = base + i.A()
		fallthrough

	case bc.OpTForLoop:
		if !L.stack[ra+1].IsNil() {
			L.stack[ra] = L.stack[ra+1]
			ci.pc += i.SBx()
		}

	case bc.OpSetList:
		n, c := i.B(), i.C()
		if n == 0 {
			n = L.top - ra - 1
		}
		if c == 0 {
			c = code[ci.pc].Ax()
			ci.pc++
		}
		t, ok := L.stack[ra].AsTable()
		if !ok {
			return false, L.typeError(L.stack[ra], "index")
		}
		first := int64((c - 1) * bc.FieldsPerFlush)
		if err := t.reserveArray(int(first) + n); err != nil {
			return false, err
		}
		for j := 1; j <= n; j++ {
			if err := t.RawSetInt(first+int64(j), L.stack[ra+j]); err != nil {
				return false, err
			}
		}
		L.top = ci.top

	case bc.OpClosure:
		np := p.protos[i.Bx()]
		c := L.getCached(np, cl.upvals, base)
		if c == nil {
			var err error
			if c, err = L.pushClosure(np, cl.upvals, base); err != nil {
				return false, err
			}
		}
		L.stack[ra] = functionValue(c)

	case bc.OpVararg:
		n := base - ci.fn - int(p.p.NumParams) - 1
		b := i.B() - 1
		if b < 0 {
			b = n
			if err := L.ensureAt(ra + n); err != nil {
				return false, err
			}
			L.top = ra + n
		}
		j := 0
		for ; j < b && j < n; j++ {
			L.stack[ra+j] = L.stack[base-n+j]
		}
		for ; j < b; j++ {
			L.stack[ra+j] = Nil
		}

	case bc.OpExtraArg:
		return false, L.runtimeError("unexpected EXTRAARG")

	case bc.OpPush:
		if len(L.eval) >= L.cfg.EvalStackSize {
			return false, L.sentinelError(ErrEvalStack, "evalstack exceed")
		}
		L.eval = append(L.eval, L.stack[ra])

	case bc.OpPop:
		n := len(L.eval)
		if n == 0 {
			return false, L.sentinelError(ErrEvalStack, "evalstack exceed when pop")
		}
		L.stack[ra] = L.eval[n-1]
		L.eval[n-1] = Nil
		L.eval = L.eval[:n-1]

	case bc.OpGetTop:
		if n := len(L.eval); n > 0 {
			L.stack[ra] = L.eval[n-1]
		} else {
			L.stack[ra] = Nil
		}

	case bc.OpCmp:
		r, err := L.compare(rk(i.B()), rk(i.C()))
		if err != nil {
			return false, err
		}
		L.stack[ra] = Int(r)

	case bc.OpCmpEq, bc.OpCmpNe:
		r, err := L.equals(rk(i.B()), rk(i.C()))
		if err != nil {
			return false, err
		}
		L.stack[ra] = boolInt(r == (op == bc.OpCmpEq))

	case bc.OpCmpGt:
		b, c := rk(i.B()), rk(i.C())
		lt, err := L.lessThan(b, c)
		if err != nil {
			return false, err
		}
		eq := false
		if !lt {
			if eq, err = L.equals(b, c); err != nil {
				return false, err
			}
		}
		L.stack[ra] = boolInt(!lt && !eq)

	case bc.OpCmpLt:
		r, err := L.lessThan(rk(i.B()), rk(i.C()))
		if err != nil {
			return false, err
		}
		L.stack[ra] = boolInt(r)

	default:
		return false, L.runtimeError("unknown opcode %d", op)
	}
	return false, nil
}

func boolInt(b bool) Value {
	if b {
		return Int(1)
	}
	return Int(0)
}

// jump applies a JMP instruction: pc += sBx after closing upvalues at or
// above R(A-1) when A is set.
func (L *State) jump(ci *callInfo, i bc.Instruction) {
	if a := i.A(); a != 0 {
		L.closeUpvals(ci.base + a - 1)
	}
	ci.pc += i.SBx()
}

// condJump executes the JMP that follows a test when taken, and skips it
// otherwise.
func (L *State) condJump(ci *callInfo, taken bool) {
	if !taken {
		ci.pc++
		return
	}
	next := ci.cl.p.p.Code[ci.pc]
	ci.pc++
	L.jump(ci, next)
}

// fb2int decodes the "floating point byte" table size hints.
func fb2int(x int) int {
	if x < 8 {
		return x
	}
	n := ((x & 7) + 8) << ((x >> 3) - 1)
	if n > maxTableSlots {
		return maxTableSlots
	}
	return n
}

// forPrep prepares a numeric for loop at ra: an integer loop when the
// initial value and step are integers and the limit fits, a float loop
// otherwise.
func (L *State) forPrep(ra int) error {
	init, plimit, pstep := L.stack[ra], L.stack[ra+1], L.stack[ra+2]
	if init.kind == KindInt && pstep.kind == KindInt {
		step := int64(pstep.n)
		limit, stop, ok := forLimit(plimit, step)
		if ok {
			initv := int64(init.n)
			if stop {
				initv = 0
			}
			L.stack[ra+1] = Int(limit)
			L.stack[ra] = Int(initv - step)
			return nil
		}
	}
	nlimit, ok := toNumberCoerce(plimit)
	if !ok {
		return L.runtimeError("'for' limit must be a number")
	}
	nstep, ok := toNumberCoerce(pstep)
	if !ok {
		return L.runtimeError("'for' step must be a number")
	}
	ninit, ok := toNumberCoerce(init)
	if !ok {
		return L.runtimeError("'for' initial value must be a number")
	}
	fl, _ := nlimit.ToFloat()
	fs, _ := nstep.ToFloat()
	fi, _ := ninit.ToFloat()
	L.stack[ra+1] = Number(fl)
	L.stack[ra+2] = Number(fs)
	L.stack[ra] = Number(fi - fs)
	return nil
}

// forLimit converts a loop limit to an integer. stop is set when the
// limit lies beyond the integer range in the direction of the step, so the
// loop must not run.
func forLimit(v Value, step int64) (limit int64, stop bool, ok bool) {
	if v.kind == KindInt {
		return int64(v.n), false, true
	}
	n, isNum := toNumberCoerce(v)
	if !isNum {
		return 0, false, false
	}
	if n.kind == KindInt {
		return int64(n.n), false, true
	}
	f, _ := n.ToFloat()
	if math.IsNaN(f) {
		return 0, true, true
	}
	if step < 0 {
		f = math.Ceil(f)
	} else {
		f = math.Floor(f)
	}
	if i, fits := floatToInteger(f); fits {
		return i, false, true
	}
	if f > 0 {
		return math.MaxInt64, step < 0, true
	}
	return math.MinInt64, step > 0, true
}
