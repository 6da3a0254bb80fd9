package vm

import (
	"errors"
	"math"

	"github.com/fortiblox/X1-UVM/pkg/uvm/arena"
)

// maxTableSlots caps each part of a table.
const maxTableSlots = 1 << 24

var (
	errNilIndex = errors.New("index is nil")
	errNaNIndex = errors.New("index is NaN")
	errNextKey  = errors.New("invalid key to 'next'")
)

// tkey is the hash-part key of a Value. Strings hash by content, floats
// with an integral value are stored as integers.
type tkey struct {
	kind Kind
	n    uint64
	s    string
	obj  object
}

func keyOf(v Value) tkey {
	switch v.kind {
	case KindString:
		return tkey{kind: KindString, s: v.obj.(*String).s}
	case KindNumber, KindInt, KindBool:
		return tkey{kind: v.kind, n: v.n}
	}
	return tkey{kind: v.kind, obj: v.obj}
}

// normKey converts float keys with an exact integer value to integers.
func normKey(k Value) (Value, error) {
	switch k.kind {
	case KindNil:
		return k, errNilIndex
	case KindNumber:
		f := math.Float64frombits(k.n)
		if math.IsNaN(f) {
			return k, errNaNIndex
		}
		if i, ok := floatToInteger(f); ok {
			return Int(i), nil
		}
	}
	return k, nil
}

// Table is an associative array with an array part for the keys 1..n and an
// insertion-ordered hash part for everything else. Entries cleared in the
// hash part stay as tombstones, so traversal with next is stable while
// fields are assigned or cleared; they are compacted only on insertion.
type Table struct {
	h     arena.Handle
	a     *arena.Arena
	arr   []Value
	keys  []Value
	vals  []Value
	index map[tkey]int
	dead  int

	arrH, hashH     arena.Handle
	arrCap, hashCap int

	meta     *Table
	readonly bool
}

// Handle implements object.
func (t *Table) Handle() arena.Handle { return t.h }

func (t *Table) clear() {
	*t = Table{}
}

// NewTable allocates a table with room for narr array and nhash hash
// entries.
func (L *State) NewTable(narr, nhash int) (*Table, error) {
	h, err := L.alloc(sizeTable)
	if err != nil {
		return nil, err
	}
	t := &Table{h: h, a: L.arena, index: make(map[tkey]int, nhash)}
	L.track(t)
	if narr > 0 {
		if err := t.reserveArray(narr); err != nil {
			return nil, err
		}
	}
	if nhash > 0 {
		if err := t.reserveHash(nhash); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (t *Table) reserveArray(n int) error {
	for t.arrCap < n {
		h, c, err := t.a.GrowVector(t.arrH, t.arrCap, sizeSlot, maxTableSlots)
		if err != nil {
			return resourceError(err)
		}
		t.arrH, t.arrCap = h, c
	}
	if cap(t.arr) < t.arrCap {
		arr := make([]Value, len(t.arr), t.arrCap)
		copy(arr, t.arr)
		t.arr = arr
	}
	return nil
}

func (t *Table) reserveHash(n int) error {
	for t.hashCap < n {
		h, c, err := t.a.GrowVector(t.hashH, t.hashCap, 2*sizeSlot, maxTableSlots)
		if err != nil {
			return resourceError(err)
		}
		t.hashH, t.hashCap = h, c
	}
	return nil
}

// Metatable returns the metatable, or nil.
func (t *Table) Metatable() *Table { return t.meta }

// SetMetatable replaces the metatable.
func (t *Table) SetMetatable(m *Table) { t.meta = m }

// ReadOnly reports whether the table rejects mutation.
func (t *Table) ReadOnly() bool { return t.readonly }

// SetReadOnly marks the table read-only.
func (t *Table) SetReadOnly(ro bool) { t.readonly = ro }

// Length returns the border of the array part.
func (t *Table) Length() int { return len(t.arr) }

// Count returns the number of non-nil entries.
func (t *Table) Count() int {
	n := len(t.keys) - t.dead
	for _, v := range t.arr {
		if !v.IsNil() {
			n++
		}
	}
	return n
}

// RawGet returns t[k] without metamethods.
func (t *Table) RawGet(k Value) Value {
	k, err := normKey(k)
	if err != nil {
		return Nil
	}
	if k.kind == KindInt {
		return t.RawGetInt(int64(k.n))
	}
	if i, ok := t.index[keyOf(k)]; ok {
		return t.vals[i]
	}
	return Nil
}

// RawGetInt returns t[i].
func (t *Table) RawGetInt(i int64) Value {
	if i >= 1 && i <= int64(len(t.arr)) {
		return t.arr[i-1]
	}
	if j, ok := t.index[tkey{kind: KindInt, n: uint64(i)}]; ok {
		return t.vals[j]
	}
	return Nil
}

// RawGetString returns t[s].
func (t *Table) RawGetString(s string) Value {
	if i, ok := t.index[tkey{kind: KindString, s: s}]; ok {
		return t.vals[i]
	}
	return Nil
}

// RawSet assigns t[k] = v without metamethods or mutation checks.
func (t *Table) RawSet(k, v Value) error {
	k, err := normKey(k)
	if err != nil {
		return err
	}
	if k.kind == KindInt {
		return t.RawSetInt(int64(k.n), v)
	}
	return t.hashSet(k, v)
}

// RawSetInt assigns t[i] = v.
func (t *Table) RawSetInt(i int64, v Value) error {
	n := int64(len(t.arr))
	switch {
	case i >= 1 && i <= n:
		t.arr[i-1] = v
		if v.IsNil() && i == n {
			t.trimArray()
		}
		return nil
	case i == n+1 && !v.IsNil():
		if err := t.reserveArray(len(t.arr) + 1); err != nil {
			return err
		}
		t.arr = append(t.arr, v)
		t.hashDelete(Int(i))
		t.migrate()
		return nil
	}
	return t.hashSet(Int(i), v)
}

// RawSetString assigns t[s] = v. The key is copied into a VM string.
func (t *Table) RawSetString(L *State, s string, v Value) error {
	k, err := L.NewString(s)
	if err != nil {
		return err
	}
	return t.hashSet(k, v)
}

func (t *Table) trimArray() {
	n := len(t.arr)
	for n > 0 && t.arr[n-1].IsNil() {
		n--
	}
	clear(t.arr[n:])
	t.arr = t.arr[:n]
}

// migrate moves the keys that now continue the array part out of the hash.
func (t *Table) migrate() {
	for {
		next := Int(int64(len(t.arr)) + 1)
		i, ok := t.index[keyOf(next)]
		if !ok || t.vals[i].IsNil() {
			return
		}
		v := t.vals[i]
		if err := t.reserveArray(len(t.arr) + 1); err != nil {
			return
		}
		t.arr = append(t.arr, v)
		t.hashDelete(next)
	}
}

func (t *Table) hashDelete(k Value) {
	if i, ok := t.index[keyOf(k)]; ok && !t.vals[i].IsNil() {
		t.vals[i] = Nil
		t.dead++
	}
}

func (t *Table) hashSet(k, v Value) error {
	tk := keyOf(k)
	if i, ok := t.index[tk]; ok {
		switch {
		case v.IsNil() && !t.vals[i].IsNil():
			t.dead++
		case !v.IsNil() && t.vals[i].IsNil():
			t.dead--
		}
		t.vals[i] = v
		return nil
	}
	if v.IsNil() {
		return nil
	}
	if t.dead > 0 && t.dead >= len(t.keys)/2 {
		t.compact()
	}
	if err := t.reserveHash(len(t.keys) + 1); err != nil {
		return err
	}
	t.index[tk] = len(t.keys)
	t.keys = append(t.keys, k)
	t.vals = append(t.vals, v)
	return nil
}

func (t *Table) compact() {
	j := 0
	for i := range t.keys {
		if t.vals[i].IsNil() {
			delete(t.index, keyOf(t.keys[i]))
			continue
		}
		t.keys[j], t.vals[j] = t.keys[i], t.vals[i]
		t.index[keyOf(t.keys[j])] = j
		j++
	}
	clear(t.keys[j:])
	clear(t.vals[j:])
	t.keys, t.vals = t.keys[:j], t.vals[:j]
	t.dead = 0
}

// Next returns the entry following k in traversal order: the array part
// first, then the hash part in insertion order. A nil k starts the
// traversal; a nil returned key ends it.
func (t *Table) Next(k Value) (Value, Value, error) {
	start := 0
	if !k.IsNil() {
		k, err := normKey(k)
		if err != nil {
			return Nil, Nil, err
		}
		i, inHash := t.index[keyOf(k)]
		switch {
		case inHash:
			return t.nextHash(i + 1)
		case k.kind == KindInt && int64(k.n) >= 1 && int64(k.n) <= int64(len(t.arr)):
			start = int(k.n)
		case k.kind == KindInt && int64(k.n) >= 1:
			// The array part shrank under the traversal.
			return t.nextHash(0)
		default:
			return Nil, Nil, errNextKey
		}
	}
	for i := start; i < len(t.arr); i++ {
		if !t.arr[i].IsNil() {
			return Int(int64(i) + 1), t.arr[i], nil
		}
	}
	return t.nextHash(0)
}

func (t *Table) nextHash(i int) (Value, Value, error) {
	for ; i < len(t.keys); i++ {
		if !t.vals[i].IsNil() {
			return t.keys[i], t.vals[i], nil
		}
	}
	return Nil, Nil, nil
}

// ForEach calls fn for every entry in traversal order until fn returns
// false.
func (t *Table) ForEach(fn func(k, v Value) bool) {
	for i, v := range t.arr {
		if !v.IsNil() && !fn(Int(int64(i)+1), v) {
			return
		}
	}
	for i, k := range t.keys {
		if !t.vals[i].IsNil() && !fn(k, t.vals[i]) {
			return
		}
	}
}

// Insert shifts t[pos..n] up by one and stores v at pos.
func (t *Table) Insert(pos int64, v Value) error {
	n := int64(len(t.arr))
	if pos < 1 || pos > n+1 {
		return errors.New("position out of bounds")
	}
	if err := t.RawSetInt(n+1, t.RawGetInt(n)); err != nil {
		return err
	}
	for i := n; i > pos; i-- {
		t.arr[i-1] = t.arr[i-2]
	}
	return t.RawSetInt(pos, v)
}

// Remove deletes t[pos], shifting later elements down, and returns it.
func (t *Table) Remove(pos int64) (Value, error) {
	n := int64(len(t.arr))
	if n == 0 && (pos == 0 || pos == n) {
		return t.RawGetInt(pos), nil
	}
	if pos < 1 || pos > n+1 {
		return Nil, errors.New("position out of bounds")
	}
	v := t.RawGetInt(pos)
	for i := pos; i < n; i++ {
		t.arr[i-1] = t.arr[i]
	}
	if pos <= n {
		t.arr[n-1] = Nil
		t.trimArray()
	}
	return v, nil
}

// reset removes every entry. Reserved capacity is kept.
func (t *Table) reset() {
	clear(t.arr)
	t.arr = t.arr[:0]
	clear(t.keys)
	clear(t.vals)
	t.keys, t.vals = t.keys[:0], t.vals[:0]
	clear(t.index)
	t.dead = 0
}

// tableEntries is a copy of the contents of a table.
type tableEntries struct {
	arr, keys, vals []Value
}

func (t *Table) entries() tableEntries {
	return tableEntries{
		arr:  append([]Value(nil), t.arr...),
		keys: append([]Value(nil), t.keys...),
		vals: append([]Value(nil), t.vals...),
	}
}

// restoreEntries replaces the contents of t with a copy taken by entries.
func (t *Table) restoreEntries(e tableEntries) error {
	t.reset()
	if err := t.reserveArray(len(e.arr)); err != nil {
		return err
	}
	t.arr = append(t.arr, e.arr...)
	for i, k := range e.keys {
		if e.vals[i].IsNil() {
			continue
		}
		if err := t.hashSet(k, e.vals[i]); err != nil {
			return err
		}
	}
	return nil
}
