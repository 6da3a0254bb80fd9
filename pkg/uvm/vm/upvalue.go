package vm

// findUpval returns the open upvalue for stack slot idx, creating it when
// no closure captured the slot yet. The open list is sorted by descending
// slot index.
func (L *State) findUpval(idx int) (*UpVal, error) {
	pp := &L.openupv
	for p := *pp; p != nil && p.idx >= idx; p = *pp {
		if p.idx == idx {
			return p, nil
		}
		pp = &p.next
	}
	u, err := L.newUpval(idx)
	if err != nil {
		return nil, err
	}
	u.next = *pp
	*pp = u
	return u, nil
}

// closeUpvals closes every open upvalue at or above level. Upvalues no
// closure references any more are freed.
func (L *State) closeUpvals(level int) {
	for L.openupv != nil && L.openupv.idx >= level {
		u := L.openupv
		L.openupv = u.next
		u.next = nil
		if u.refs <= 0 {
			u.open = false
			L.freeUpval(u)
			continue
		}
		u.value = L.stack[u.idx]
		u.open = false
	}
}

// getCached returns the closure last built from p when each of its
// upvalues is the one a new closure would capture.
func (L *State) getCached(p *Proto, encup []*UpVal, base int) *LClosure {
	c := p.cache
	if c == nil {
		return nil
	}
	for i, desc := range p.p.Upvalues {
		u := c.upvals[i]
		if desc.InStack {
			if !u.open || u.idx != base+int(desc.Idx) {
				return nil
			}
		} else if u != encup[desc.Idx] {
			return nil
		}
	}
	return c
}

// pushClosure builds a closure of p for the frame at base.
func (L *State) pushClosure(p *Proto, encup []*UpVal, base int) (*LClosure, error) {
	c, err := L.newLClosure(p, len(p.p.Upvalues))
	if err != nil {
		return nil, err
	}
	for i, desc := range p.p.Upvalues {
		var u *UpVal
		if desc.InStack {
			if u, err = L.findUpval(base + int(desc.Idx)); err != nil {
				return nil, err
			}
		} else {
			u = encup[desc.Idx]
		}
		u.refs++
		c.upvals[i] = u
	}
	p.cache = c
	return c, nil
}
