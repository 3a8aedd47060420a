package pool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/gpumem/internal/config"
	"github.com/nmxmxh/gpumem/internal/driver"
	"github.com/nmxmxh/gpumem/internal/location"
	"github.com/nmxmxh/gpumem/internal/reservoir"
)

func newTestPool(t *testing.T, levels uint32) *Pool {
	t.Helper()
	cfg := config.New()
	loc := location.NewHost()
	cfg.SetMaxLevel(loc, config.ArenaLevel+levels)
	res := reservoir.New(driver.NewHeapDriver(0), cfg)
	return New(loc, res, nil)
}

func TestPool_AllocGrowsFromReservoirOnMiss(t *testing.T) {
	p := newTestPool(t, 1)

	ptr, ok := p.Alloc(8, 1)
	require.True(t, ok)
	assert.NotZero(t, ptr)
	assert.Equal(t, 1, p.Stats().ArenaCount)
}

func TestPool_AllocFailsWhenReservoirExhausted(t *testing.T) {
	p := newTestPool(t, 0) // cap == 1 arena
	big := uint64(1) << config.ArenaLevel

	_, ok := p.Alloc(big, 1)
	require.True(t, ok, "first request fills the only arena the reservoir will give")

	_, ok = p.Alloc(1, 1)
	assert.False(t, ok, "reservoir is at cap and the one arena is full")
}

func TestPool_FreeUnknownPointerFails(t *testing.T) {
	p := newTestPool(t, 1)
	assert.False(t, p.Free(0xdeadbeef))
}

func TestPool_FreeNullSucceeds(t *testing.T) {
	p := newTestPool(t, 1)
	assert.True(t, p.Free(0))
}

func TestPool_IsEmptyTracksAllocations(t *testing.T) {
	p := newTestPool(t, 1)
	assert.True(t, p.IsEmpty())

	ptr, ok := p.Alloc(8, 1)
	require.True(t, ok)
	assert.False(t, p.IsEmpty())

	require.True(t, p.Free(ptr))
	assert.True(t, p.IsEmpty())
}

// S5: two threads each allocate {4, 2, 1, 1} bytes from the same pool
// then free everything they allocated; the pool must end up empty.
func TestPool_S5_ConcurrentAllocFreeEndsEmpty(t *testing.T) {
	p := newTestPool(t, 2)

	var wg sync.WaitGroup
	for w := 0; w < 2; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var ptrs []uintptr
			for _, sz := range []uint64{4, 2, 1, 1} {
				ptr, ok := p.Alloc(sz, 1)
				require.True(t, ok)
				ptrs = append(ptrs, ptr)
			}
			for _, ptr := range ptrs {
				require.True(t, p.Free(ptr))
			}
		}()
	}
	wg.Wait()

	assert.True(t, p.IsEmpty())
}

func TestPool_ReleaseReturnsEmptyArenasToReservoir(t *testing.T) {
	cfg := config.New()
	loc := location.NewHost()
	cfg.SetMaxLevel(loc, config.ArenaLevel+1)
	res := reservoir.New(driver.NewHeapDriver(0), cfg)
	p := New(loc, res, nil)

	ptr, ok := p.Alloc(8, 1)
	require.True(t, ok)
	require.True(t, p.Free(ptr))

	p.Release()
	assert.Equal(t, 0, p.Stats().ArenaCount)

	stats := res.Stats(loc)
	assert.Equal(t, 1, stats.FreeArenas, "the released arena must be back on the reservoir's free list")
}

func TestPool_ReleaseKeepsNonEmptyArenas(t *testing.T) {
	p := newTestPool(t, 1)

	_, ok := p.Alloc(8, 1)
	require.True(t, ok)

	p.Release()
	assert.Equal(t, 1, p.Stats().ArenaCount, "a pool must not silently discard live allocations on release")
}
