package arena

import (
	"bytes"
	"errors"
	"fmt"
)

// String interning limits.
const (
	// ShortStringLimit is the length at which strings stop being interned.
	ShortStringLimit = 32

	// HashLimit bounds the number of bytes mixed into a string hash to
	// roughly len >> HashLimit samples.
	HashLimit = 5

	// DefaultSeed is the hash seed of a fresh pool.
	DefaultSeed uint32 = 1
)

// ErrNotShort is returned when interning a string of ShortStringLimit bytes
// or more.
var ErrNotShort = errors.New("string too long to intern")

// Hash is the rolling string hash. For long strings it samples at most about
// 32 bytes, stepping backwards from the end.
func Hash(b []byte, seed uint32) uint32 {
	l := len(b)
	h := seed ^ uint32(l)
	step := (l >> HashLimit) + 1
	for ; l >= step; l -= step {
		h ^= (h << 5) + (h >> 2) + uint32(b[l-1])
	}
	return h
}

// Slot locates one interned string inside the pool region.
type Slot struct {
	Handle Handle
	Len    int
	Hash   uint32
}

// InternPool deduplicates short strings. Its bytes live in a bump region
// grown from the arena independently of the general free lists, so interning
// never disturbs the order in which ordinary allocations are served.
type InternPool struct {
	arena *Arena
	seed  uint32
	hash  func([]byte, uint32) uint32

	cur    Handle
	remain uint64

	slots map[uint32][]Slot
	count int
	used  uint64
}

func newInternPool(a *Arena) *InternPool {
	return &InternPool{
		arena: a,
		seed:  DefaultSeed,
		hash:  Hash,
		slots: make(map[uint32][]Slot),
	}
}

// Seed returns the pool hash seed.
func (p *InternPool) Seed() uint32 { return p.seed }

// Len returns the number of interned strings.
func (p *InternPool) Len() int { return p.count }

// Intern returns the slot holding b, storing it if it is not present yet.
// created reports whether a new slot was allocated.
//
// Slots are found by hash. When several different strings share a hash they
// are told apart by comparing bytes, and each keeps its own slot.
func (p *InternPool) Intern(b []byte) (slot Slot, created bool, err error) {
	if len(b) >= ShortStringLimit {
		return Slot{}, false, fmt.Errorf("%w: %d bytes", ErrNotShort, len(b))
	}
	h := p.hash(b, p.seed)
	for _, s := range p.slots[h] {
		if s.Len == len(b) && bytes.Equal(p.arena.Bytes(s.Handle, uint64(s.Len)), b) {
			return s, false, nil
		}
	}
	addr, err := p.bump(uint64(len(b)))
	if err != nil {
		return Slot{}, false, err
	}
	copy(p.arena.Bytes(addr, uint64(len(b))), b)
	s := Slot{Handle: addr, Len: len(b), Hash: h}
	p.slots[h] = append(p.slots[h], s)
	p.count++
	p.used += uint64(len(b))
	return s, true, nil
}

// Lookup finds b without interning it.
func (p *InternPool) Lookup(b []byte) (Slot, bool) {
	if len(b) >= ShortStringLimit {
		return Slot{}, false
	}
	for _, s := range p.slots[p.hash(b, p.seed)] {
		if s.Len == len(b) && bytes.Equal(p.arena.Bytes(s.Handle, uint64(s.Len)), b) {
			return s, true
		}
	}
	return Slot{}, false
}

// Bytes returns the stored bytes of a slot.
func (p *InternPool) Bytes(s Slot) []byte {
	return p.arena.Bytes(s.Handle, uint64(s.Len))
}

func (p *InternPool) bump(n uint64) (Handle, error) {
	size := align(n)
	if size == 0 {
		size = Alignment
	}
	if p.remain < size {
		blockSize := p.arena.cfg.StringPoolBlockSize
		if size > blockSize {
			blockSize = size
		}
		b, err := p.arena.grow(blockSize)
		if err != nil {
			return Nil, err
		}
		p.cur = b.base
		p.remain = blockSize
	}
	addr := p.cur
	p.cur += Handle(size)
	p.remain -= size
	return addr, nil
}
