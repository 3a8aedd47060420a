package reservoir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/gpumem/internal/config"
	"github.com/nmxmxh/gpumem/internal/driver"
	"github.com/nmxmxh/gpumem/internal/location"
)

func newTestReservoir(t *testing.T) (*Reservoir, *config.Config, location.Location) {
	t.Helper()
	cfg := config.New()
	loc := location.NewHost()
	cfg.SetMaxLevel(loc, config.ArenaLevel+1) // cap == 2 arenas
	return New(driver.NewHeapDriver(0), cfg), cfg, loc
}

func TestReservoir_GetGrowsUntilCap(t *testing.T) {
	r, _, loc := newTestReservoir(t)

	a1, err := r.Get(loc)
	require.NoError(t, err)
	require.NotNil(t, a1)

	a2, err := r.Get(loc)
	require.NoError(t, err)
	require.NotNil(t, a2)

	a3, err := r.Get(loc)
	require.NoError(t, err)
	assert.Nil(t, a3, "cap is 2 arenas, third Get must return nil")
}

func TestReservoir_DisabledLocationNeverGrows(t *testing.T) {
	cfg := config.New()
	loc := location.NewHost() // never configured, cap stays 0
	r := New(driver.NewHeapDriver(0), cfg)

	a, err := r.Get(loc)
	require.NoError(t, err)
	assert.Nil(t, a)
}

func TestReservoir_ReturnRefillsFreeList(t *testing.T) {
	r, _, loc := newTestReservoir(t)

	a, err := r.Get(loc)
	require.NoError(t, err)
	require.NotNil(t, a)

	require.NoError(t, r.Return(a))
	stats := r.Stats(loc)
	assert.Equal(t, 1, stats.FreeArenas)
	assert.Equal(t, uint64(1), stats.AllocatedCount)

	a2, err := r.Get(loc)
	require.NoError(t, err)
	assert.Same(t, a, a2, "Get must prefer the free list over growing")
}

func TestReservoir_ReturnRejectsNonEmptyArena(t *testing.T) {
	r, _, loc := newTestReservoir(t)

	a, err := r.Get(loc)
	require.NoError(t, err)
	_, ok := a.Alloc(8, 1)
	require.True(t, ok)

	assert.ErrorIs(t, r.Return(a), ErrArenaNotEmpty)
}

func TestReservoir_ClearDestroysFreeArenasOnly(t *testing.T) {
	r, _, loc := newTestReservoir(t)

	a1, err := r.Get(loc)
	require.NoError(t, err)
	a2, err := r.Get(loc)
	require.NoError(t, err)
	require.NoError(t, r.Return(a1))

	n := r.Clear(loc)
	assert.Equal(t, 1, n, "only the returned arena was on the free list")

	stats := r.Stats(loc)
	assert.Equal(t, 0, stats.FreeArenas)
	assert.Equal(t, uint64(1), stats.AllocatedCount, "a2 is still on loan")

	require.NoError(t, r.Return(a2))
}

func TestReservoir_PartitionsAreIndependentPerLocation(t *testing.T) {
	cfg := config.New()
	host := location.NewHost()
	dev, err := location.NewDevice(0)
	require.NoError(t, err)
	cfg.SetMaxLevel(host, config.ArenaLevel)
	// dev left disabled

	r := New(driver.NewHeapDriver(0), cfg)

	a, err := r.Get(host)
	require.NoError(t, err)
	assert.NotNil(t, a)

	d, err := r.Get(dev)
	require.NoError(t, err)
	assert.Nil(t, d, "device partition has its own, disabled, cap")
}
