package vm

import (
	"github.com/fortiblox/X1-UVM/pkg/uvm/arena"
	"github.com/fortiblox/X1-UVM/pkg/uvm/bytecode"
)

// Accounted object sizes, in bytes.
const (
	sizeString   = 24
	sizeTable    = 64
	sizeClosure  = 32
	sizeUpvalRef = 8
	sizeUpval    = 40
	sizeUserdata = 40
	sizeProto    = 120
	sizeState    = 256
	sizeSlot     = 16
)

// String is an immutable byte string. Short strings are interned, so two
// short strings with the same bytes are the same object.
type String struct {
	h     arena.Handle
	s     string
	hash  uint32
	short bool
}

// Handle implements object.
func (s *String) Handle() arena.Handle { return s.h }

func (s *String) clear() { *s = String{} }

// Len returns the byte length.
func (s *String) Len() int { return len(s.s) }

// Short reports whether the string is interned.
func (s *String) Short() bool { return s.short }

// Hash returns the cached string hash.
func (s *String) Hash() uint32 { return s.hash }

func (s *String) String() string { return s.s }

// Proto is a loaded function prototype with its constants materialized.
type Proto struct {
	h        arena.Handle
	p        *bytecode.Proto
	k        []Value
	protos   []*Proto
	source   string
	contract string

	// cache is the last closure created from this prototype.
	cache *LClosure
}

// Handle implements object.
func (p *Proto) Handle() arena.Handle { return p.h }

func (p *Proto) clear() { *p = Proto{} }

// Bytecode returns the source prototype.
func (p *Proto) Bytecode() *bytecode.Proto { return p.p }

// LClosure is a script function.
type LClosure struct {
	h      arena.Handle
	p      *Proto
	upvals []*UpVal
}

// Handle implements object.
func (c *LClosure) Handle() arena.Handle { return c.h }

func (c *LClosure) clear() { *c = LClosure{} }

// Proto returns the closure prototype.
func (c *LClosure) Proto() *Proto { return c.p }

// GoFunction is a native function. Arguments are the values between the
// frame base and the stack top; it pushes its results and returns their
// count.
type GoFunction func(L *State) (int, error)

// NClosure is a native function with upvalues.
type NClosure struct {
	h      arena.Handle
	name   string
	fn     GoFunction
	upvals []Value
}

// Handle implements object.
func (c *NClosure) Handle() arena.Handle { return c.h }

func (c *NClosure) clear() { *c = NClosure{} }

// Name returns the registered name.
func (c *NClosure) Name() string { return c.name }

// UpVal is a captured variable. While open it aliases a stack slot; once
// closed it owns its value.
type UpVal struct {
	h     arena.Handle
	refs  int
	open  bool
	idx   int
	value Value
	next  *UpVal // open list, descending idx
}

// Handle implements object.
func (u *UpVal) Handle() arena.Handle { return u.h }

func (u *UpVal) clear() { *u = UpVal{} }

func (u *UpVal) get(L *State) Value {
	if u.open {
		return L.stack[u.idx]
	}
	return u.value
}

func (u *UpVal) set(L *State, v Value) {
	if u.open {
		L.stack[u.idx] = v
		return
	}
	u.value = v
}

// Userdata is a host-owned payload with an optional metatable.
type Userdata struct {
	h       arena.Handle
	payload interface{}
	meta    *Table
}

// Handle implements object.
func (u *Userdata) Handle() arena.Handle { return u.h }

func (u *Userdata) clear() { *u = Userdata{} }

// Payload returns the host payload.
func (u *Userdata) Payload() interface{} { return u.payload }

// alloc reserves size bytes for a new object and registers it for
// teardown.
func (L *State) alloc(size uint64) (arena.Handle, error) {
	h, err := L.arena.Malloc(size)
	if err != nil {
		return arena.Nil, resourceError(err)
	}
	return h, nil
}

func (L *State) track(o object) {
	L.heap = append(L.heap, o)
}

// newString returns the string object for s, interning short strings.
func (L *State) newString(s string) (*String, error) {
	pool := L.arena.Strings()
	if len(s) < arena.ShortStringLimit {
		slot, created, err := pool.Intern([]byte(s))
		if err != nil {
			return nil, resourceError(err)
		}
		if !created {
			if str, ok := L.strings[slot.Handle]; ok {
				return str, nil
			}
		}
		str := &String{h: slot.Handle, s: s, hash: slot.Hash, short: true}
		L.strings[slot.Handle] = str
		return str, nil
	}
	h, err := L.alloc(sizeString + uint64(len(s)))
	if err != nil {
		return nil, err
	}
	copy(L.arena.Bytes(h, uint64(len(s))), s)
	str := &String{h: h, s: s, hash: arena.Hash([]byte(s), pool.Seed())}
	L.track(str)
	return str, nil
}

// NewString allocates a string value.
func (L *State) NewString(s string) (Value, error) {
	str, err := L.newString(s)
	if err != nil {
		return Nil, err
	}
	return stringValue(str), nil
}

func (L *State) mustString(s string) Value {
	v, err := L.NewString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func (L *State) newLClosure(p *Proto, nup int) (*LClosure, error) {
	h, err := L.alloc(sizeClosure + uint64(nup)*sizeUpvalRef)
	if err != nil {
		return nil, err
	}
	c := &LClosure{h: h, p: p, upvals: make([]*UpVal, nup)}
	L.track(c)
	return c, nil
}

// NewFunction wraps a native function.
func (L *State) NewFunction(name string, fn GoFunction, upvals ...Value) (Value, error) {
	h, err := L.alloc(sizeClosure + uint64(len(upvals))*sizeSlot)
	if err != nil {
		return Nil, err
	}
	c := &NClosure{h: h, name: name, fn: fn, upvals: append([]Value(nil), upvals...)}
	L.track(c)
	return functionValue(c), nil
}

// NewUserdata wraps a host payload.
func (L *State) NewUserdata(payload interface{}, meta *Table) (Value, error) {
	h, err := L.alloc(sizeUserdata)
	if err != nil {
		return Nil, err
	}
	u := &Userdata{h: h, payload: payload, meta: meta}
	L.track(u)
	return userdataValue(u), nil
}

func (L *State) newUpval(idx int) (*UpVal, error) {
	h, err := L.alloc(sizeUpval)
	if err != nil {
		return nil, err
	}
	return &UpVal{h: h, open: true, idx: idx}, nil
}

// freeUpval releases a closed, unreferenced upvalue.
func (L *State) freeUpval(u *UpVal) {
	h := u.h
	u.clear()
	_ = L.arena.Free(h)
}

// decref drops one closure reference to u.
func (L *State) decref(u *UpVal) {
	u.refs--
	if u.refs <= 0 && !u.open {
		L.freeUpval(u)
	}
}

// loadProto materializes a prototype tree for the given contract.
func (L *State) loadProto(bp *bytecode.Proto, contract string) (*Proto, error) {
	h, err := L.alloc(sizeProto + uint64(len(bp.Constants))*sizeSlot)
	if err != nil {
		return nil, err
	}
	p := &Proto{h: h, p: bp, k: make([]Value, len(bp.Constants)), source: chunkID(bp.Source), contract: contract}
	L.track(p)
	for i, c := range bp.Constants {
		switch c.Kind {
		case bytecode.ConstNil:
			p.k[i] = Nil
		case bytecode.ConstBool:
			p.k[i] = Bool(c.Bool)
		case bytecode.ConstInt:
			p.k[i] = Int(c.Int)
		case bytecode.ConstNumber:
			p.k[i] = Number(c.Num)
		default:
			v, err := L.NewString(c.Str)
			if err != nil {
				return nil, err
			}
			p.k[i] = v
		}
	}
	p.protos = make([]*Proto, len(bp.Protos))
	for i, child := range bp.Protos {
		cp, err := L.loadProto(child, contract)
		if err != nil {
			return nil, err
		}
		p.protos[i] = cp
	}
	return p, nil
}

// chunkID turns a source name into the form used in messages.
func chunkID(source string) string {
	if len(source) > 0 && (source[0] == '@' || source[0] == '=') {
		return source[1:]
	}
	if source == "" {
		return "?"
	}
	return "[string \"" + source + "\"]"
}
