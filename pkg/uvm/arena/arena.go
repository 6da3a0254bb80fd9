// Package arena implements the region allocator that backs every heap object
// of a UVM thread.
//
// The allocator hands out stable Handles (virtual addresses inside the arena)
// rather than Go pointers. Small requests are served from 16 exact size-class
// buckets; larger ones from an ascending list of free spans, trying the
// smallest span first and the largest second. A freed span goes straight back
// to its list and is never merged with its neighbours, so the sequence of
// handles returned for a given sequence of requests is fully reproducible.
//
// Backing blocks are grown on demand until the configured maximum heap size is
// reached, after which allocation fails with ErrOutOfMemory instead of
// panicking.
package arena

import (
	"errors"
	"fmt"
	"sort"
)

// Allocator limits.
const (
	DefaultMaxHeapSize         = 100 * 1024 * 1024
	DefaultBlockSize           = 1024 * 1024
	DefaultStringPoolBlockSize = 1024 * 1024

	// SmallSizeLimit is the largest request served from the size-class buckets.
	SmallSizeLimit = 128

	// Alignment of every allocation.
	Alignment = 8

	smallBuckets = SmallSizeLimit / Alignment

	// baseAddress keeps handle zero free to act as the null handle.
	baseAddress = 0x1000
)

var (
	// ErrOutOfMemory is returned when an allocation would exceed the heap cap.
	ErrOutOfMemory = errors.New("out of memory")

	// ErrInvalidHandle is returned when freeing a handle that is not live.
	ErrInvalidHandle = errors.New("invalid handle")

	// ErrVectorLimit is returned when a growable vector reaches its limit.
	ErrVectorLimit = errors.New("too many objects in gc vector")
)

// Handle is a stable address inside an Arena. The zero Handle is null.
type Handle uint64

// Nil is the null handle.
const Nil Handle = 0

// IsNil reports whether h is the null handle.
func (h Handle) IsNil() bool { return h == Nil }

// Config holds allocator limits.
type Config struct {
	// MaxHeapSize caps the total size of all backing blocks, including the
	// string pool region. Zero means DefaultMaxHeapSize.
	MaxHeapSize uint64

	// BlockSize is the minimum size of a newly grown backing block.
	BlockSize uint64

	// StringPoolBlockSize is the minimum size of a string pool region.
	StringPoolBlockSize uint64
}

// DefaultConfig returns the allocator limits used by the reference chain.
func DefaultConfig() Config {
	return Config{
		MaxHeapSize:         DefaultMaxHeapSize,
		BlockSize:           DefaultBlockSize,
		StringPoolBlockSize: DefaultStringPoolBlockSize,
	}
}

// Allocation describes one live allocation.
type Allocation struct {
	Addr Handle
	Size uint64
}

// End returns the first address past the allocation.
func (a Allocation) End() Handle { return a.Addr + Handle(a.Size) }

// Stats is a point-in-time view of allocator usage.
type Stats struct {
	TotalSize   uint64 // bytes of backing blocks
	UsedSize    uint64 // bytes in live allocations
	Blocks      int
	Live        int
	FreeSmall   int
	FreeBig     int
	PoolStrings int
	PoolUsed    uint64
}

type span struct {
	addr Handle
	size uint64
}

type block struct {
	base Handle
	mem  []byte
}

// Arena is a region allocator. It is not safe for concurrent use.
type Arena struct {
	cfg    Config
	blocks []*block
	next   Handle

	small [smallBuckets][]span
	big   []span

	live  map[Handle]uint64
	total uint64
	used  uint64

	pool *InternPool
}

// New creates an empty arena.
func New(cfg Config) *Arena {
	if cfg.MaxHeapSize == 0 {
		cfg.MaxHeapSize = DefaultMaxHeapSize
	}
	if cfg.BlockSize == 0 {
		cfg.BlockSize = DefaultBlockSize
	}
	if cfg.StringPoolBlockSize == 0 {
		cfg.StringPoolBlockSize = DefaultStringPoolBlockSize
	}
	a := &Arena{
		cfg:  cfg,
		next: baseAddress,
		live: make(map[Handle]uint64),
	}
	a.pool = newInternPool(a)
	return a
}

// Config returns the arena configuration.
func (a *Arena) Config() Config { return a.cfg }

// Strings returns the arena's intern pool.
func (a *Arena) Strings() *InternPool { return a.pool }

func align(size uint64) uint64 {
	return (size + Alignment - 1) &^ (Alignment - 1)
}

// Malloc allocates size bytes and returns the handle of the new allocation.
func (a *Arena) Malloc(size uint64) (Handle, error) {
	if size == 0 {
		size = Alignment
	}
	size = align(size)

	if size <= SmallSizeLimit {
		idx := size/Alignment - 1
		if list := a.small[idx]; len(list) > 0 {
			s := list[0]
			a.small[idx] = list[1:]
			return a.record(s.addr, size), nil
		}
	}

	if n := len(a.big); n > 0 {
		var s span
		found := false
		if a.big[0].size >= size {
			s = a.big[0]
			a.big = a.big[1:]
			found = true
		} else if a.big[n-1].size >= size {
			s = a.big[n-1]
			a.big = a.big[:n-1]
			found = true
		}
		if found {
			if rest := s.size - size; rest > 0 {
				a.insertFree(span{addr: s.addr + Handle(size), size: rest})
			}
			return a.record(s.addr, size), nil
		}
	}

	blockSize := a.cfg.BlockSize
	if size > blockSize {
		blockSize = align(size)
	}
	b, err := a.grow(blockSize)
	if err != nil {
		return Nil, err
	}
	if rest := blockSize - size; rest > 0 {
		a.insertFree(span{addr: b.base + Handle(size), size: rest})
	}
	return a.record(b.base, size), nil
}

// Free releases a live allocation back to its free list.
func (a *Arena) Free(h Handle) error {
	size, ok := a.live[h]
	if !ok {
		return fmt.Errorf("%w: %#x", ErrInvalidHandle, uint64(h))
	}
	delete(a.live, h)
	a.used -= size
	if mem := a.Bytes(h, size); mem != nil {
		clear(mem)
	}
	a.insertFree(span{addr: h, size: size})
	return nil
}

// Realloc resizes an allocation. A new size of zero frees it, a shrink keeps
// the allocation in place, and a grow moves the contents to a fresh
// allocation.
func (a *Arena) Realloc(h Handle, oldSize, newSize uint64) (Handle, error) {
	if newSize == 0 {
		if h.IsNil() {
			return Nil, nil
		}
		return Nil, a.Free(h)
	}
	if !h.IsNil() && newSize <= oldSize {
		return h, nil
	}
	nh, err := a.Malloc(newSize)
	if err != nil {
		return Nil, err
	}
	if h.IsNil() {
		return nh, nil
	}
	if src, dst := a.Bytes(h, oldSize), a.Bytes(nh, oldSize); src != nil && dst != nil {
		copy(dst, src)
	}
	if err := a.Free(h); err != nil {
		return Nil, err
	}
	return nh, nil
}

// GrowVector grows a vector of n elements of elemSize bytes, doubling its
// capacity (minimum 4) up to limit. It returns the new handle and capacity.
func (a *Arena) GrowVector(h Handle, n int, elemSize uint64, limit int) (Handle, int, error) {
	var newN int
	if n >= limit/2 {
		if n >= limit {
			return h, n, fmt.Errorf("%w (limit is %d)", ErrVectorLimit, limit)
		}
		newN = limit
	} else {
		newN = n * 2
		if newN < 4 {
			newN = 4
		}
	}
	nh, err := a.Realloc(h, uint64(n)*elemSize, uint64(newN)*elemSize)
	if err != nil {
		return h, n, err
	}
	return nh, newN, nil
}

// Bytes returns a view of n bytes of arena memory starting at h, or nil when
// the range is not inside a single backing block.
func (a *Arena) Bytes(h Handle, n uint64) []byte {
	b := a.findBlock(h)
	if b == nil {
		return nil
	}
	off := uint64(h - b.base)
	if off+n > uint64(len(b.mem)) {
		return nil
	}
	return b.mem[off : off+n : off+n]
}

// Contains reports whether h is a live allocation.
func (a *Arena) Contains(h Handle) bool {
	_, ok := a.live[h]
	return ok
}

// SizeOf returns the size of a live allocation.
func (a *Arena) SizeOf(h Handle) (uint64, bool) {
	size, ok := a.live[h]
	return size, ok
}

// Live returns every live allocation ordered by address.
func (a *Arena) Live() []Allocation {
	out := make([]Allocation, 0, len(a.live))
	for h, size := range a.live {
		out = append(out, Allocation{Addr: h, Size: size})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

// Stats returns current usage.
func (a *Arena) Stats() Stats {
	st := Stats{
		TotalSize:   a.total,
		UsedSize:    a.used,
		Blocks:      len(a.blocks),
		Live:        len(a.live),
		FreeBig:     len(a.big),
		PoolStrings: a.pool.count,
		PoolUsed:    a.pool.used,
	}
	for _, l := range a.small {
		st.FreeSmall += len(l)
	}
	return st
}

// Release frees every backing block, returning the arena to its initial
// state. It is called when the owning thread is torn down.
func (a *Arena) Release() {
	for _, b := range a.blocks {
		clear(b.mem)
	}
	a.blocks = nil
	a.next = baseAddress
	a.small = [smallBuckets][]span{}
	a.big = nil
	a.live = make(map[Handle]uint64)
	a.total = 0
	a.used = 0
	a.pool = newInternPool(a)
}

func (a *Arena) record(h Handle, size uint64) Handle {
	a.live[h] = size
	a.used += size
	return h
}

// insertFree files a span under its size class. Spans above the small limit
// go to the big list, which stays sorted ascending; equal sizes are inserted
// in front of the existing ones.
func (a *Arena) insertFree(s span) {
	if s.size > SmallSizeLimit || s.size%Alignment != 0 {
		i := sort.Search(len(a.big), func(i int) bool { return a.big[i].size >= s.size })
		a.big = append(a.big, span{})
		copy(a.big[i+1:], a.big[i:])
		a.big[i] = s
		return
	}
	idx := s.size/Alignment - 1
	a.small[idx] = append(a.small[idx], s)
}

// grow adds a backing block of exactly size bytes.
func (a *Arena) grow(size uint64) (*block, error) {
	if a.total+size > a.cfg.MaxHeapSize {
		return nil, fmt.Errorf("%w: heap limit %d bytes, requested block of %d", ErrOutOfMemory, a.cfg.MaxHeapSize, size)
	}
	b := &block{base: a.next, mem: make([]byte, size)}
	a.blocks = append(a.blocks, b)
	a.next += Handle(size)
	a.total += size
	return b, nil
}

func (a *Arena) findBlock(h Handle) *block {
	i := sort.Search(len(a.blocks), func(i int) bool {
		b := a.blocks[i]
		return b.base+Handle(len(b.mem)) > h
	})
	if i == len(a.blocks) || a.blocks[i].base > h {
		return nil
	}
	return a.blocks[i]
}
