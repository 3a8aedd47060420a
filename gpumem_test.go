package gpumem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/gpumem/internal/driver"
	"github.com/nmxmxh/gpumem/internal/location"
)

func newTestLibrary(t *testing.T) *Library {
	t.Helper()
	return NewLibrary(driver.NewHeapDriver(0), nil)
}

func TestLibrary_ArenaNew(t *testing.T) {
	lib := newTestLibrary(t)
	a, err := lib.ArenaNew(4, location.NewHost())
	require.NoError(t, err)
	assert.Equal(t, uint64(16), a.Size())
}

func TestLibrary_ArenaNewRejectsBadLevel(t *testing.T) {
	lib := newTestLibrary(t)
	_, err := lib.ArenaNew(0, location.NewHost())
	assert.Error(t, err)
}

func TestLibrary_PoolNewRejectsInvalidDevice(t *testing.T) {
	lib := newTestLibrary(t)
	_, err := lib.PoolNew(location.DMax)
	assert.ErrorIs(t, err, ErrInvalidDevice)
}

// S6: exhausting a location's pool cap causes the next alloc to return
// null; no panic, no corruption.
func TestLibrary_S6_PoolCapExhaustion(t *testing.T) {
	lib := newTestLibrary(t)
	require.NoError(t, lib.SetDeviceGlobalPoolSize(0, 29)) // cap == 2 arenas

	p, err := lib.PoolNew(0)
	require.NoError(t, err)

	arenaBytes := uint64(1) << 28
	_, ok := p.Alloc(arenaBytes, 1)
	require.True(t, ok)
	_, ok = p.Alloc(arenaBytes, 1)
	require.True(t, ok)

	_, ok = p.Alloc(1, 1)
	assert.False(t, ok, "reservoir cap is 2 arenas, both already fully claimed")
}

func TestLibrary_HostPoolDisabledByDefault(t *testing.T) {
	lib := newTestLibrary(t)
	p, err := lib.PoolNew(-1)
	require.NoError(t, err)

	_, ok := p.Alloc(8, 1)
	assert.False(t, ok, "host_level_max defaults to 0, pool.alloc must refuse all requests")
}

func TestLibrary_ReleaseGlobalPoolDestroysFreeArenas(t *testing.T) {
	lib := newTestLibrary(t)
	require.NoError(t, lib.SetDeviceGlobalPoolSize(1, 29))

	p, err := lib.PoolNew(1)
	require.NoError(t, err)
	ptr, ok := p.Alloc(8, 1)
	require.True(t, ok)
	require.True(t, p.Free(ptr))
	p.Release()

	n, err := lib.ReleaseGlobalPool(1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPackageLevelAPIUsesDefaultLibrary(t *testing.T) {
	SetHostGlobalPoolSize(29)
	p, err := PoolNew(-1)
	require.NoError(t, err)

	ptr, ok := p.Alloc(8, 1)
	require.True(t, ok)
	assert.True(t, p.Free(ptr))
}
