// Package config holds the process-wide, per-location sizing
// configuration spec.md §6 describes: two exponents, device_level_max
// and host_level_max, default 0 (disabled). It is modeled after the
// teacher's SupervisorAllocTable (threads/sab/epoch_allocator.go): a
// small table of atomically-updated state, a mutex only for the rare
// structural case (a never-before-seen device index), atomics for the
// hot read path.
package config

import (
	"sync"
	"sync/atomic"

	"github.com/nmxmxh/gpumem/internal/location"
)

// ArenaLevel is the build-time exponent every arena is constructed at
// once the reservoir decides to grow (spec.md §3, "ARENA_LEVEL").
// 28 means 256 MiB arenas.
const ArenaLevel = 28

// Config is the process-wide table of per-location level_max
// exponents. The zero value is ready to use (every location starts at
// exponent 0, i.e. disabled).
type Config struct {
	mu      sync.Mutex
	host    atomic.Uint32
	devices sync.Map // int device index -> *atomic.Uint32
}

// New returns a ready Config with every location disabled.
func New() *Config {
	return &Config{}
}

// MaxLevel returns the currently published level_max exponent for loc.
func (c *Config) MaxLevel(loc location.Location) uint32 {
	if loc.IsHost() {
		return c.host.Load()
	}
	if v, ok := c.devices.Load(loc.Index); ok {
		return v.(*atomic.Uint32).Load()
	}
	return 0
}

// SetMaxLevel atomically publishes max(ArenaLevel, level) for loc. It
// is legal to grow a location's budget after arenas have already been
// allocated against it but not meaningfully to shrink it; shrinking
// only ever affects future reservoir.Get decisions, per spec.md §4.3.
func (c *Config) SetMaxLevel(loc location.Location, level uint32) {
	if level < ArenaLevel {
		level = ArenaLevel
	}

	if loc.IsHost() {
		c.host.Store(level)
		return
	}

	if v, ok := c.devices.Load(loc.Index); ok {
		v.(*atomic.Uint32).Store(level)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.devices.Load(loc.Index); ok {
		v.(*atomic.Uint32).Store(level)
		return
	}
	var v atomic.Uint32
	v.Store(level)
	c.devices.Store(loc.Index, &v)
}

// Cap returns the maximum number of ARENA_LEVEL-sized arenas loc may
// have outstanding at once: 2^(level_max - ARENA_LEVEL), or 0 if the
// location is disabled (level_max == 0, the default).
func (c *Config) Cap(loc location.Location) uint64 {
	level := c.MaxLevel(loc)
	if level == 0 {
		return 0
	}
	if level < ArenaLevel {
		return 0
	}
	return uint64(1) << (level - ArenaLevel)
}
