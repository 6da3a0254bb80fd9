package arena

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func smallConfig() Config {
	return Config{MaxHeapSize: 8 * 1024, BlockSize: 1024, StringPoolBlockSize: 256}
}

// TestMallocAlignment tests that every request is rounded up to 8 bytes.
func TestMallocAlignment(t *testing.T) {
	a := New(smallConfig())
	tests := []struct {
		request uint64
		want    uint64
	}{
		{0, 8},
		{1, 8},
		{8, 8},
		{9, 16},
		{127, 128},
		{129, 136},
	}
	for _, tt := range tests {
		h, err := a.Malloc(tt.request)
		require.NoError(t, err)
		size, ok := a.SizeOf(h)
		require.True(t, ok)
		assert.Equal(t, tt.want, size, "Malloc(%d)", tt.request)
	}
}

// TestSmallBucketReuse tests that a freed small block is handed out again
// for the same size class, oldest first.
func TestSmallBucketReuse(t *testing.T) {
	a := New(smallConfig())
	h1, err := a.Malloc(24)
	require.NoError(t, err)
	h2, err := a.Malloc(24)
	require.NoError(t, err)
	_, err = a.Malloc(24)
	require.NoError(t, err)

	require.NoError(t, a.Free(h1))
	require.NoError(t, a.Free(h2))

	r1, err := a.Malloc(24)
	require.NoError(t, err)
	r2, err := a.Malloc(20)
	require.NoError(t, err)
	assert.Equal(t, h1, r1)
	assert.Equal(t, h2, r2)
}

// TestBigListHeadThenTail tests the smallest-fit head then largest-fit tail
// search over the big free list and the split of the remainder.
func TestBigListHeadThenTail(t *testing.T) {
	a := New(Config{MaxHeapSize: 64 * 1024, BlockSize: 4096})
	// The first block's remainder lands on the big list.
	first, err := a.Malloc(256)
	require.NoError(t, err)
	require.Equal(t, 1, a.Stats().FreeBig)

	// Head (the 3840 byte remainder) is the only span, so it is split.
	second, err := a.Malloc(512)
	require.NoError(t, err)
	assert.Equal(t, first+256, second)

	// Free a 256 byte span: the list is now [256, 3328].
	require.NoError(t, a.Free(first))
	require.Equal(t, 2, a.Stats().FreeBig)

	// 1024 does not fit the head, so it comes from the tail.
	third, err := a.Malloc(1024)
	require.NoError(t, err)
	assert.Equal(t, second+512, third)

	// 200 fits the head, so the freed 256 byte span is reused.
	fourth, err := a.Malloc(200)
	require.NoError(t, err)
	assert.Equal(t, first, fourth)
}

// TestNoCoalescing tests that adjacent freed spans are never merged.
func TestNoCoalescing(t *testing.T) {
	a := New(Config{MaxHeapSize: 1024, BlockSize: 1024})
	var hs []Handle
	for i := 0; i < 4; i++ {
		h, err := a.Malloc(256)
		require.NoError(t, err)
		hs = append(hs, h)
	}
	for _, h := range hs {
		require.NoError(t, a.Free(h))
	}
	// Four 256 byte spans are free but none of them holds 512 bytes, and
	// the heap cap forbids a new block.
	_, err := a.Malloc(512)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOutOfMemory))
	assert.Equal(t, 4, a.Stats().FreeBig)
}

// TestHeapCap tests that allocation past the cap fails without panicking.
func TestHeapCap(t *testing.T) {
	a := New(Config{MaxHeapSize: 2048, BlockSize: 1024})
	_, err := a.Malloc(1024)
	require.NoError(t, err)
	_, err = a.Malloc(1024)
	require.NoError(t, err)
	h, err := a.Malloc(8)
	assert.ErrorIs(t, err, ErrOutOfMemory)
	assert.Equal(t, Nil, h)
}

// TestFreeInvalid tests double free and unknown handles.
func TestFreeInvalid(t *testing.T) {
	a := New(smallConfig())
	h, err := a.Malloc(16)
	require.NoError(t, err)
	require.NoError(t, a.Free(h))
	assert.ErrorIs(t, a.Free(h), ErrInvalidHandle)
	assert.ErrorIs(t, a.Free(Handle(12345)), ErrInvalidHandle)
}

// TestRealloc tests free on zero, shrink in place and grow with copy.
func TestRealloc(t *testing.T) {
	a := New(smallConfig())
	h, err := a.Malloc(16)
	require.NoError(t, err)
	copy(a.Bytes(h, 16), []byte("0123456789abcdef"))

	same, err := a.Realloc(h, 16, 8)
	require.NoError(t, err)
	assert.Equal(t, h, same)

	grown, err := a.Realloc(h, 16, 64)
	require.NoError(t, err)
	assert.NotEqual(t, h, grown)
	assert.Equal(t, []byte("0123456789abcdef"), a.Bytes(grown, 16))
	assert.False(t, a.Contains(h))

	gone, err := a.Realloc(grown, 64, 0)
	require.NoError(t, err)
	assert.Equal(t, Nil, gone)
	assert.False(t, a.Contains(grown))
}

// TestGrowVector tests doubling, the minimum capacity and the limit.
func TestGrowVector(t *testing.T) {
	a := New(Config{MaxHeapSize: 1 << 20, BlockSize: 4096})
	h, n, err := a.GrowVector(Nil, 0, 8, 10)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	h, n, err = a.GrowVector(h, n, 8, 10)
	require.NoError(t, err)
	assert.Equal(t, 8, n)
	h, n, err = a.GrowVector(h, n, 8, 10)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	_, _, err = a.GrowVector(h, n, 8, 10)
	require.ErrorIs(t, err, ErrVectorLimit)
	assert.Contains(t, err.Error(), "limit is 10")
}

// TestAllocatorRoundTrip tests that for a random sequence of allocate and
// free calls the live set is exactly the unmatched allocations and no two
// live allocations overlap.
func TestAllocatorRoundTrip(t *testing.T) {
	a := New(Config{MaxHeapSize: 4 << 20, BlockSize: 16 * 1024})
	rng := rand.New(rand.NewSource(42))
	want := make(map[Handle]uint64)

	for i := 0; i < 5000; i++ {
		if len(want) > 0 && rng.Intn(3) == 0 {
			for h := range want {
				require.NoError(t, a.Free(h))
				delete(want, h)
				break
			}
		} else {
			size := uint64(rng.Intn(700) + 1)
			h, err := a.Malloc(size)
			require.NoError(t, err)
			_, dup := want[h]
			require.False(t, dup, "handle %#x returned twice", uint64(h))
			want[h] = align(size)
		}

		if i%250 == 0 {
			checkLive(t, a, want)
		}
	}
	checkLive(t, a, want)
}

func checkLive(t *testing.T, a *Arena, want map[Handle]uint64) {
	t.Helper()
	live := a.Live()
	require.Len(t, live, len(want))
	var used uint64
	for i, al := range live {
		size, ok := want[al.Addr]
		require.True(t, ok, "unexpected live allocation %#x", uint64(al.Addr))
		require.Equal(t, size, al.Size)
		used += al.Size
		if i > 0 {
			require.LessOrEqual(t, live[i-1].End(), al.Addr, "allocations overlap")
		}
	}
	assert.Equal(t, used, a.Stats().UsedSize)
}

// TestDeterministicOrder tests that two arenas fed the same requests return
// the same handles.
func TestDeterministicOrder(t *testing.T) {
	run := func() []Handle {
		a := New(Config{MaxHeapSize: 1 << 20, BlockSize: 2048})
		var out []Handle
		for i := 1; i <= 200; i++ {
			h, err := a.Malloc(uint64(i*7) % 300)
			require.NoError(t, err)
			out = append(out, h)
			if i%3 == 0 {
				require.NoError(t, a.Free(h))
			}
		}
		return out
	}
	assert.Equal(t, run(), run())
}

// TestRelease tests that Release empties the arena.
func TestRelease(t *testing.T) {
	a := New(smallConfig())
	_, err := a.Malloc(100)
	require.NoError(t, err)
	_, _, err = a.Strings().Intern([]byte("hello"))
	require.NoError(t, err)
	a.Release()
	st := a.Stats()
	assert.Zero(t, st.TotalSize)
	assert.Zero(t, st.Live)
	assert.Zero(t, st.PoolStrings)
	_, err = a.Malloc(100)
	require.NoError(t, err)
}
