// Package pool implements the per-caller pool spec.md §4.2 describes:
// a small, growable list of arenas local to one pool, drawing fresh
// arenas from the global reservoir on demand and giving empty ones
// back on release.
package pool

import (
	"log/slog"
	"sync"

	"github.com/bits-and-blooms/bitset"

	"github.com/nmxmxh/gpumem/internal/buddy"
	"github.com/nmxmxh/gpumem/internal/location"
	"github.com/nmxmxh/gpumem/internal/reservoir"
	"github.com/nmxmxh/gpumem/internal/xlog"
)

// Pool is one caller's view of a location: a private list of arenas
// plus a shared handle on the reservoir they were drawn from.
//
// Lock ordering (spec.md §5): local -> reservoir -> arena. Alloc and
// Free only ever need local held for the duration of a scan; Alloc's
// "grow" step releases local, calls into the reservoir (which takes
// its own lock internally), then reacquires local to append — so the
// reservoir lock is never held while this pool's local lock is.
type Pool struct {
	target location.Location
	res    *reservoir.Reservoir
	logger *slog.Logger

	localMu sync.RWMutex
	local   []*buddy.Arena
	empty   *bitset.BitSet // mirrors which local[i] are currently empty
}

// New returns a pool targeting loc, drawing arenas from res.
func New(loc location.Location, res *reservoir.Reservoir, logger *slog.Logger) *Pool {
	return &Pool{
		target: loc,
		res:    res,
		logger: xlog.Or(logger, "pool"),
		empty:  bitset.New(0),
	}
}

// Location returns the location this pool targets.
func (p *Pool) Location() location.Location { return p.target }

// Alloc reserves size bytes aligned to alignment, scanning existing
// local arenas first and growing from the reservoir on a miss
// (spec.md §4.2's "scan, grow, scan" pattern). It returns (0, false)
// if the reservoir has nothing left to give at this pool's location.
func (p *Pool) Alloc(size, alignment uint64) (uintptr, bool) {
	if ptr, ok := p.scan(size, alignment); ok {
		return ptr, true
	}

	a, err := p.res.Get(p.target)
	if err != nil || a == nil {
		return 0, false
	}

	p.localMu.Lock()
	idx := len(p.local)
	p.local = append(p.local, a)
	p.empty.Set(uint(idx))
	p.localMu.Unlock()

	return p.scan(size, alignment)
}

// scan tries every local arena under a shared lock, snapshotting the
// slice first so Alloc's own growth (taken under the exclusive lock)
// never races a concurrent scan.
func (p *Pool) scan(size, alignment uint64) (uintptr, bool) {
	p.localMu.RLock()
	arenas := p.local
	p.localMu.RUnlock()

	for i, a := range arenas {
		if ptr, ok := a.Alloc(size, alignment); ok {
			p.localMu.Lock()
			p.empty.Clear(uint(i))
			p.localMu.Unlock()
			return ptr, true
		}
	}
	return 0, false
}

// Free releases ptr, trying every local arena until one claims it.
// ptr == 0 is a no-op success; a ptr not owned by any local arena is
// reported and logged, matching spec.md §7's "pointer outside any
// owned arena" case.
func (p *Pool) Free(ptr uintptr) bool {
	if ptr == 0 {
		return true
	}

	p.localMu.RLock()
	arenas := p.local
	p.localMu.RUnlock()

	for i, a := range arenas {
		if !a.Contains(ptr) {
			continue
		}
		ok := a.Free(ptr)
		if ok && a.IsEmpty() {
			p.localMu.Lock()
			p.empty.Set(uint(i))
			p.localMu.Unlock()
		}
		return ok
	}

	p.logger.Error(xlog.MsgPointerOutside, slog.Uint64("ptr", uint64(ptr)), slog.String("location", p.target.String()))
	return false
}

// IsEmpty reports whether every local arena currently has zero live
// bytes. Backed by the empty bitset so it never has to re-lock and
// re-check each arena individually.
func (p *Pool) IsEmpty() bool {
	p.localMu.RLock()
	defer p.localMu.RUnlock()

	for i := range p.local {
		if !p.empty.Test(uint(i)) {
			return false
		}
	}
	return true
}

// Release returns every empty local arena to the reservoir and drops
// them from this pool. Any arena still holding live bytes is left in
// place — spec.md §4.2 treats releasing a non-empty pool as the
// caller's bug, not this package's to silently fix, so the leaked
// arena's bytes are logged rather than discarded.
func (p *Pool) Release() {
	p.localMu.Lock()
	defer p.localMu.Unlock()

	kept := p.local[:0]
	newEmpty := bitset.New(0)
	for _, a := range p.local {
		if !a.IsEmpty() {
			p.logger.Error(xlog.MsgArenaLeaked,
				slog.String("location", p.target.String()),
				slog.Uint64("used_bytes", a.UsedBytes()))
			kept = append(kept, a)
			continue
		}

		if err := a.Sync(); err != nil {
			p.logger.Error(xlog.MsgDriverFatal, slog.Any("error", err))
			newEmpty.Set(uint(len(kept)))
			kept = append(kept, a)
			continue
		}
		if err := p.res.Return(a); err != nil {
			p.logger.Error(xlog.MsgDriverFatal, slog.Any("error", err))
			newEmpty.Set(uint(len(kept)))
			kept = append(kept, a)
		}
	}

	p.local = kept
	p.empty = newEmpty
}

// Stats is a read-only snapshot of a pool's local arena list.
type Stats struct {
	Location   location.Location
	ArenaCount int
	UsedBytes  uint64
}

func (p *Pool) Stats() Stats {
	p.localMu.RLock()
	defer p.localMu.RUnlock()

	var used uint64
	for _, a := range p.local {
		used += a.UsedBytes()
	}
	return Stats{Location: p.target, ArenaCount: len(p.local), UsedBytes: used}
}
