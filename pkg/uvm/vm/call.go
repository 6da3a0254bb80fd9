package vm

import (
	"fmt"
	"runtime/debug"
)

// nextCI returns the frame record after the current one, reusing a
// previously allocated record when there is one.
func (L *State) nextCI() (*callInfo, error) {
	cur := L.ci
	if cur.depth+1 > L.cfg.MaxCallDepth {
		return nil, L.sentinelError(ErrCallDepth, "stack overflow")
	}
	ci := cur.next
	if ci == nil {
		ci = &callInfo{prev: cur}
		cur.next = ci
	} else {
		next := ci.next
		*ci = callInfo{prev: cur, next: next}
	}
	ci.depth = cur.depth + 1
	return ci, nil
}

// precall prepares a call of the value at fidx with the arguments above
// it. Natives run to completion and their results are moved into place;
// for script functions a new frame is pushed and precall reports true.
func (L *State) precall(fidx, nresults int) (bool, error) {
	for {
		switch fn := L.stack[fidx].obj.(type) {
		case *NClosure:
			if err := L.ensure(minStack); err != nil {
				return false, err
			}
			ci, err := L.nextCI()
			if err != nil {
				return false, err
			}
			ci.fn, ci.base, ci.top = fidx, fidx+1, L.top+minStack
			ci.nresults = nresults
			ci.native = fn
			L.ci = ci
			n, err := L.callNative(fn)
			if err != nil {
				return false, err
			}
			L.posCall(ci, L.top-n, n)
			return false, nil

		case *LClosure:
			p := fn.p.p
			nargs := L.top - fidx - 1
			fsize := int(p.MaxStackSize)
			if err := L.ensure(fsize + int(p.NumParams)); err != nil {
				return false, err
			}
			for ; nargs < int(p.NumParams); nargs++ {
				L.stack[L.top] = Nil
				L.top++
			}
			base := fidx + 1
			if p.IsVararg {
				base = L.adjustVarargs(fidx, int(p.NumParams))
				if err := L.ensureAt(base + fsize); err != nil {
					return false, err
				}
			}
			ci, err := L.nextCI()
			if err != nil {
				return false, err
			}
			ci.fn, ci.base, ci.top = fidx, base, base+fsize
			ci.nresults = nresults
			ci.cl = fn
			L.ci = ci
			if L.top < ci.top {
				clear(L.stack[L.top:ci.top])
			}
			L.top = ci.top
			return true, nil
		}
		if err := L.tryFuncTM(fidx); err != nil {
			return false, err
		}
	}
}

// adjustVarargs moves the fixed parameters above the variable arguments
// and returns the new frame base.
func (L *State) adjustVarargs(fidx, nfixed int) int {
	fixed := fidx + 1
	base := L.top
	for i := 0; i < nfixed; i++ {
		L.stack[L.top] = L.stack[fixed+i]
		L.stack[fixed+i] = Nil
		L.top++
	}
	return base
}

// tryFuncTM replaces a non-function callee with its __call handler,
// passing the original value as the first argument.
func (L *State) tryFuncTM(fidx int) error {
	v := L.stack[fidx]
	tm := L.metaField(v, "__call")
	if !isFunction(tm) {
		return L.typeError(v, "call")
	}
	if err := L.ensure(1); err != nil {
		return err
	}
	copy(L.stack[fidx+1:L.top+1], L.stack[fidx:L.top])
	L.top++
	L.stack[fidx] = tm
	return nil
}

func isFunction(v Value) bool { return v.kind == KindFunction }

// posCall moves nres results starting at first into the slot of the
// finished frame's function and pops the frame.
func (L *State) posCall(ci *callInfo, first, nres int) {
	res := ci.fn
	wanted := ci.nresults
	L.ci = ci.prev
	switch {
	case wanted == MultRet:
		copy(L.stack[res:], L.stack[first:first+nres])
		res += nres
	default:
		i := 0
		for ; i < wanted && i < nres; i++ {
			L.stack[res+i] = L.stack[first+i]
		}
		for ; i < wanted; i++ {
			L.stack[res+i] = Nil
		}
		res += wanted
	}
	if res < L.top {
		clear(L.stack[res:L.top])
	}
	L.top = res
}

// call runs the function at fidx to completion in a nested run.
func (L *State) call(fidx, nresults int) error {
	if L.nny >= maxNestedCalls {
		return L.sentinelError(ErrCallDepth, "C stack overflow")
	}
	L.nny++
	defer func() { L.nny-- }()
	isLua, err := L.precall(fidx, nresults)
	if err != nil || !isLua {
		return err
	}
	L.ci.fresh = true
	return L.guardedRun()
}

// callNative invokes a native. An illegal-argument error becomes the
// results nil and the message, and execution continues.
func (L *State) callNative(c *NClosure) (int, error) {
	n, err := c.fn(L)
	if err == nil {
		if n > L.top-L.ci.base {
			n = L.top - L.ci.base
		}
		return n, nil
	}
	e := toError(err)
	if e.Kind != KindIllegalArgument {
		return 0, e
	}
	L.lastArgError = e.Msg
	msg, serr := L.NewString(e.Msg)
	if serr != nil {
		return 0, serr
	}
	L.Push(Nil)
	L.Push(msg)
	return 2, nil
}

// CallValue calls fn from inside a native and returns up to nresults
// results, or all of them for MultRet.
func (L *State) CallValue(fn Value, nresults int, args ...Value) ([]Value, error) {
	fidx := L.top
	if err := L.ensure(len(args) + 1); err != nil {
		return nil, err
	}
	L.Push(fn)
	for _, a := range args {
		L.Push(a)
	}
	if err := L.call(fidx, nresults); err != nil {
		return nil, err
	}
	out := append([]Value(nil), L.stack[fidx:L.top]...)
	clear(L.stack[fidx:L.top])
	L.top = fidx
	return out, nil
}

// callTM calls a metamethod with args and returns its first result.
func (L *State) callTM(tm Value, args ...Value) (Value, error) {
	res, err := L.CallValue(tm, 1, args...)
	if err != nil {
		return Nil, err
	}
	return res[0], nil
}

// checkCallLimit asks the host whether another call may start.
func (L *State) checkCallLimit() error {
	if L.chain == nil {
		return nil
	}
	if !L.chain.CheckCallLimit(L.ci.depth, L.meter.Count()) {
		return L.sentinelError(ErrCallLimit, "%s", ErrCallLimit.Error())
	}
	return nil
}

// guardedRun runs the dispatch loop, converting a panic into a fault.
func (L *State) guardedRun() (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(*Error); ok {
				err = e
				return
			}
			log.Debugf("internal error: %v\n%s", r, debug.Stack())
			err = &Error{Kind: KindRuntime, Msg: fmt.Sprintf("internal error: %v", r)}
		}
	}()
	return L.run()
}

// run executes instructions until the frame marked fresh returns.
func (L *State) run() error {
	for {
		if L.stop.Load() {
			return resourceError(ErrStopped)
		}
		if err := L.meter.Consume(1); err != nil {
			return resourceError(err)
		}
		returned, err := L.execute()
		if err != nil {
			if ok, err := L.recoverBoundary(err); !ok {
				return err
			}
			continue
		}
		if returned {
			return nil
		}
		if L.nny == 1 && L.debug.check(L) {
			return errBreak
		}
	}
}
