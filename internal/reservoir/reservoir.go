// Package reservoir implements the global, per-location reservoir
// spec.md §4.3 describes: a free list of whole arenas shared by every
// pool targeting the same location, bounded by the location's
// configured cap, growing lazily one ARENA_LEVEL-sized arena at a
// time.
package reservoir

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/yasserelgammal/rate-limiter/limiter"
	"github.com/yasserelgammal/rate-limiter/store"

	"github.com/nmxmxh/gpumem/internal/buddy"
	"github.com/nmxmxh/gpumem/internal/config"
	"github.com/nmxmxh/gpumem/internal/driver"
	"github.com/nmxmxh/gpumem/internal/location"
	"github.com/nmxmxh/gpumem/internal/xlog"
)

// ErrArenaNotEmpty is returned by Return when the caller tries to hand
// back an arena that still has live allocations.
var ErrArenaNotEmpty = errors.New("reservoir: returned arena is not empty")

// partition is the per-location slice of the reservoir: the free
// list, the count of arenas constructed so far (free or on loan), and
// the demand-advisor state scoped to this location. The "pool full"
// log throttle is a single limiter on Reservoir, keyed by location.
type partition struct {
	mu             sync.Mutex
	freeArenas     []*buddy.Arena
	allocatedCount uint64
	missCount      uint64
	advisor        *demandAdvisor
}

// Option configures a Reservoir at construction time.
type Option func(*Reservoir)

// WithDemandAdvisor enables the least-squares exhaustion predictor
// described in SPEC_FULL.md §2.1. Disabled by default: the zero value
// reservoir is purely reactive, matching spec.md §4.3 literally.
func WithDemandAdvisor(enabled bool) Option {
	return func(r *Reservoir) { r.advisorEnabled = enabled }
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reservoir) { r.logger = logger }
}

// Reservoir is the process-wide allocator of whole arenas, partitioned
// by location. Lock order: a caller holding a Pool's local lock must
// release it before calling into Reservoir (spec.md §5, "Lock
// ordering"); Reservoir's own partition lock is held for the whole of
// Get, including the driver allocation, matching spec.md §4.3's "held
// for driver allocation inside get_block".
type Reservoir struct {
	drv            driver.Driver
	cfg            *config.Config
	logger         *slog.Logger
	advisorEnabled bool

	parts sync.Map // string location key -> *partition

	limiterStore store.Store
	limiter      *limiter.TokenBucket
}

// New constructs a Reservoir drawing arenas from drv, sized per cfg.
func New(drv driver.Driver, cfg *config.Config, opts ...Option) *Reservoir {
	r := &Reservoir{drv: drv, cfg: cfg}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = xlog.Or(r.logger, "reservoir")

	r.limiterStore = store.NewMemoryStore(time.Minute)
	r.limiter, _ = limiter.NewTokenBucket(
		limiter.Config{Rate: 1, Duration: 10 * time.Second, Burst: 1},
		r.limiterStore,
	)

	return r
}

func (r *Reservoir) partitionFor(loc location.Location) *partition {
	if v, ok := r.parts.Load(loc.Key()); ok {
		return v.(*partition)
	}
	p := &partition{advisor: newDemandAdvisor(r.advisorEnabled)}
	actual, _ := r.parts.LoadOrStore(loc.Key(), p)
	return actual.(*partition)
}

// Get returns an arena for loc: one popped from the free list if any
// is available, else a freshly constructed one if the location's cap
// (internal/config) allows growing further, else nil with the "pool
// full" line logged (rate-limited per location so a caller retrying in
// a tight loop cannot flood the log).
func (r *Reservoir) Get(loc location.Location) (*buddy.Arena, error) {
	p := r.partitionFor(loc)

	p.mu.Lock()
	defer p.mu.Unlock()

	if n := len(p.freeArenas); n > 0 {
		a := p.freeArenas[n-1]
		p.freeArenas = p.freeArenas[:n-1]
		return a, nil
	}

	budget := r.cfg.Cap(loc)
	if budget == 0 || p.allocatedCount >= budget {
		if r.limiter == nil || r.limiter.Allow(loc.Key()) {
			r.logger.Warn(xlog.MsgPoolFull, slog.String("location", loc.String()), slog.Uint64("cap", budget))
		}
		return nil, nil
	}

	a, err := buddy.New(r.drv, int(config.ArenaLevel), loc, r.logger)
	if err != nil {
		return nil, fmt.Errorf("reservoir: grow %s: %w", loc, err)
	}
	p.allocatedCount++
	p.missCount++

	if p.advisor.enabled && p.advisor.shouldPrewarm(p.missCount) && p.allocatedCount < budget {
		if extra, extraErr := buddy.New(r.drv, int(config.ArenaLevel), loc, r.logger); extraErr == nil {
			p.allocatedCount++
			p.freeArenas = append(p.freeArenas, extra)
			r.logger.Info(xlog.MsgDemandAdvisorHit, slog.String("location", loc.String()))
		}
	}
	p.advisor.recordMiss(p.missCount)

	return a, nil
}

// Return hands an empty arena back to loc's free list. It is the
// caller's responsibility to have already synced the arena; Return
// itself never touches the driver.
func (r *Reservoir) Return(a *buddy.Arena) error {
	if !a.IsEmpty() {
		return ErrArenaNotEmpty
	}

	p := r.partitionFor(a.Location())
	p.mu.Lock()
	defer p.mu.Unlock()
	p.freeArenas = append(p.freeArenas, a)
	return nil
}

// Clear destroys every currently-free arena at loc, returning the
// driver memory and decrementing allocated_count. Arenas on loan to a
// pool are untouched; a pool that later calls Return against a
// location whose cap has since dropped to zero simply grows the free
// list back, which is the behavior spec.md §4.3 "Resize/teardown"
// describes as acceptable since shrinking only constrains future Get
// calls.
func (r *Reservoir) Clear(loc location.Location) int {
	p := r.partitionFor(loc)

	p.mu.Lock()
	arenas := p.freeArenas
	p.freeArenas = nil
	p.mu.Unlock()

	for _, a := range arenas {
		if err := a.Close(); err != nil {
			r.logger.Error(xlog.MsgDriverFatal, slog.String("location", loc.String()), slog.Any("error", err))
		}
	}

	p.mu.Lock()
	p.allocatedCount -= uint64(len(arenas))
	p.mu.Unlock()

	return len(arenas)
}

// Stats is a read-only snapshot of one location's reservoir occupancy.
type Stats struct {
	Location       location.Location
	FreeArenas     int
	AllocatedCount uint64
	Cap            uint64
}

// Stats returns the current occupancy of loc's partition.
func (r *Reservoir) Stats(loc location.Location) Stats {
	p := r.partitionFor(loc)
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Location:       loc,
		FreeArenas:     len(p.freeArenas),
		AllocatedCount: p.allocatedCount,
		Cap:            r.cfg.Cap(loc),
	}
}
