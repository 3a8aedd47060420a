// Package gpumem is the public library API for the two-tier GPU/pinned
// host memory allocator: arena_new, pool_new, and the process-wide
// pool-size configuration spec.md §6 names.
//
// The reservoir this package's Pool type draws from is process-wide
// static state by default, matching spec.md §9's "static per-location
// reservoir" design note — amortizing driver allocation across many
// short-lived Pool instances is the expected usage. Design Notes §9
// also flags an injectable-reservoir handle as preferable in a
// reimplementation; Library is that alternative; the package-level
// functions below are a thin convenience wrapper over a single
// package-level Library so existing callers never have to construct
// one by hand.
package gpumem

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/nmxmxh/gpumem/internal/buddy"
	"github.com/nmxmxh/gpumem/internal/config"
	"github.com/nmxmxh/gpumem/internal/driver"
	"github.com/nmxmxh/gpumem/internal/location"
	"github.com/nmxmxh/gpumem/internal/pool"
	"github.com/nmxmxh/gpumem/internal/reservoir"
)

// ErrInvalidDevice is returned by PoolNew when gpu names a device
// index outside [0, D_max).
var ErrInvalidDevice = errors.New("gpumem: invalid device index")

// Arena is re-exported so callers of ArenaNew never need to import
// internal/buddy directly.
type Arena = buddy.Arena

// Pool is a caller's front-end onto one location, backed by a Library's
// reservoir.
type Pool = pool.Pool

// Library bundles one driver, one config table, and one reservoir:
// everything PoolNew and the process-wide size setters need. Most
// programs only need the package-level default Library (see PoolNew,
// SetDeviceGlobalPoolSize, etc.); constructing one explicitly is the
// injectable alternative spec.md §9 calls out.
type Library struct {
	drv    driver.Driver
	cfg    *config.Config
	res    *reservoir.Reservoir
	logger *slog.Logger
}

// NewLibrary builds a Library around drv. A nil logger defaults to
// slog.Default(), matching every constructor in this module.
func NewLibrary(drv driver.Driver, logger *slog.Logger, opts ...reservoir.Option) *Library {
	cfg := config.New()
	return &Library{
		drv:    drv,
		cfg:    cfg,
		res:    reservoir.New(drv, cfg, opts...),
		logger: logger,
	}
}

// ArenaNew constructs a single arena directly, bypassing pool and
// reservoir bookkeeping entirely (spec.md §6's arena_new). This is the
// low-level entry point; most callers want PoolNew instead.
func (l *Library) ArenaNew(level int, loc location.Location) (*Arena, error) {
	return buddy.New(l.drv, level, loc, l.logger)
}

// PoolNew returns a pool targeting gpu (negative selects Host, [0,
// D_max) selects a device index).
func (l *Library) PoolNew(gpu int) (*Pool, error) {
	loc, err := location.FromGPU(gpu)
	if err != nil {
		return nil, ErrInvalidDevice
	}
	return pool.New(loc, l.res, l.logger), nil
}

// SetDeviceGlobalPoolSize sets device gpu's level_max exponent,
// process-wide configuration per spec.md §6.
func (l *Library) SetDeviceGlobalPoolSize(gpu int, level uint32) error {
	loc, err := location.NewDevice(gpu)
	if err != nil {
		return ErrInvalidDevice
	}
	l.cfg.SetMaxLevel(loc, level)
	return nil
}

// SetHostGlobalPoolSize sets the host's level_max exponent.
func (l *Library) SetHostGlobalPoolSize(level uint32) {
	l.cfg.SetMaxLevel(location.NewHost(), level)
}

// ReleaseGlobalPool destroys every currently-free (not on loan to a
// pool) arena cached for gpu's location, returning the number
// destroyed.
func (l *Library) ReleaseGlobalPool(gpu int) (int, error) {
	loc, err := location.FromGPU(gpu)
	if err != nil {
		return 0, ErrInvalidDevice
	}
	return l.res.Clear(loc), nil
}

var (
	defaultOnce sync.Once
	defaultLib  *Library
)

func global() *Library {
	defaultOnce.Do(func() {
		defaultLib = NewLibrary(driver.NewBreakerDriver(driver.NewHeapDriver(0)), nil)
	})
	return defaultLib
}

// ArenaNew constructs a single arena against the default Library.
func ArenaNew(level int, loc location.Location) (*Arena, error) {
	return global().ArenaNew(level, loc)
}

// PoolNew returns a pool targeting gpu against the default Library.
func PoolNew(gpu int) (*Pool, error) {
	return global().PoolNew(gpu)
}

// SetDeviceGlobalPoolSize sets the default Library's device level_max.
func SetDeviceGlobalPoolSize(gpu int, level uint32) error {
	return global().SetDeviceGlobalPoolSize(gpu, level)
}

// SetHostGlobalPoolSize sets the default Library's host level_max.
func SetHostGlobalPoolSize(level uint32) {
	global().SetHostGlobalPoolSize(level)
}

// ReleaseGlobalPool releases the default Library's cached arenas for gpu.
func ReleaseGlobalPool(gpu int) (int, error) {
	return global().ReleaseGlobalPool(gpu)
}
