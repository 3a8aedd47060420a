// Package buddy implements the core bookkeeping of a single buddy
// arena: a 2^L-byte contiguous region, backed by the driver package,
// tracked by the 2-bit-per-node binary tree spec.md §3-4.1 describes.
// It is the ~45% of this system with the real engineering content —
// the split/merge state machine, the alignment-preserving allocation
// path, and the pointer-to-node reverse lookup used at free.
package buddy

import (
	"errors"
	"fmt"
	"log/slog"
	"math/bits"
	"sync"

	"github.com/nmxmxh/gpumem/internal/driver"
	"github.com/nmxmxh/gpumem/internal/location"
	"github.com/nmxmxh/gpumem/internal/xlog"
)

var (
	// ErrLevelOutOfRange is returned by New when levelMax is not in [1,32].
	ErrLevelOutOfRange = errors.New("buddy: level out of range [1,32]")
	// ErrRequestTooLarge names the case where a single alloc call's
	// rounded size exceeds the arena or the 2^32-byte per-call cap.
	// Alloc does not return it: it reports that case as (0, false).
	ErrRequestTooLarge = errors.New("buddy: requested size too large")
)

// MaxCallBytes is the per-call cap spec.md §4.1 imposes so that node
// index arithmetic always fits in 32 bits.
const MaxCallBytes = uint64(1) << 32

// Arena owns one driver-backed region and the bit-packed tree that
// tracks which sub-ranges of it are free, split, used, or
// used-with-alignment-offset.
type Arena struct {
	levelMax int
	loc      location.Location
	drv      driver.Driver
	region   driver.Region
	base     uintptr
	size     uint64

	mu        sync.RWMutex
	tree      tree
	usedBytes uint64

	logger *slog.Logger
}

// New constructs an arena of 2^levelMax bytes backed by drv at loc.
func New(drv driver.Driver, levelMax int, loc location.Location, logger *slog.Logger) (*Arena, error) {
	if levelMax < 1 || levelMax > 32 {
		return nil, ErrLevelOutOfRange
	}

	logger = xlog.Or(logger, "buddy")
	size := uint64(1) << uint(levelMax)

	var region driver.Region
	var err error
	if loc.IsHost() {
		region, err = drv.AllocHostPinned(size)
	} else {
		region, err = drv.AllocDevice(loc.Index, size)
	}
	if err != nil {
		logger.Warn(xlog.MsgDriverOOM, slog.String("location", loc.String()), slog.Uint64("size", size), slog.Any("error", err))
		return nil, fmt.Errorf("%w: %v", driver.ErrDriverOOM, err)
	}

	return &Arena{
		levelMax: levelMax,
		loc:      loc,
		drv:      drv,
		region:   region,
		base:     region.Base,
		size:     size,
		tree:     newTree(levelMax),
		logger:   logger,
	}, nil
}

// Level returns the arena's exponent L.
func (a *Arena) Level() int { return a.levelMax }

// Size returns the arena's total byte size, 2^L.
func (a *Arena) Size() uint64 { return a.size }

// Location returns the location this arena is bound to.
func (a *Arena) Location() location.Location { return a.loc }

// Contains reports whether ptr falls inside this arena's byte range.
// Lock-free: base and size are immutable after construction.
func (a *Arena) Contains(ptr uintptr) bool {
	return ptr >= a.base && ptr < a.base+uintptr(a.size)
}

// IsEmpty reports whether the arena currently has zero live bytes.
func (a *Arena) IsEmpty() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.usedBytes == 0
}

// UsedBytes returns the sum of nominal leaf sizes of every block
// currently marked used or used-with-alignment.
func (a *Arena) UsedBytes() uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.usedBytes
}

// Sync issues a device stream synchronization so that any outstanding
// kernel using this arena's memory completes before the region is
// reclaimed or returned. It is a no-op for host arenas.
func (a *Arena) Sync() error {
	if a.loc.IsHost() {
		return nil
	}
	err := a.drv.StreamSync(a.loc.Index)
	if errors.Is(err, driver.ErrDeviceTornDown) {
		return nil
	}
	return err
}

// Close synchronizes (if device-backed), releases the driver region,
// and drops the tree. A driver error on free, other than the driver
// unloading (driver.ErrDriverUnloading), is unrecoverable per the driver's
// contract: it is logged and the caller should treat the process as
// needing to abort (spec.md §7, DriverFatal).
func (a *Arena) Close() error {
	if err := a.Sync(); err != nil {
		return fmt.Errorf("buddy: sync before close: %w", err)
	}

	var err error
	if a.loc.IsHost() {
		err = a.drv.FreeHostPinned(a.base)
	} else {
		err = a.drv.FreeDevice(a.loc.Index, a.base)
	}
	if err != nil && !errors.Is(err, driver.ErrDriverUnloading) {
		a.logger.Error(xlog.MsgDriverFatal, slog.String("location", a.loc.String()), slog.Any("error", err))
		return fmt.Errorf("buddy: %w", err)
	}

	a.tree = nil
	return nil
}

// nextPow2 rounds n up to the next power of two (n itself if already
// one); n == 0 rounds to 1.
func nextPow2(n uint64) uint64 {
	if n == 0 {
		return 1
	}
	if n&(n-1) == 0 {
		return n
	}
	return uint64(1) << uint(bits.Len64(n))
}

// Alloc reserves a block of at least size bytes, honoring alignment
// (1 means unconstrained). It returns (0, false) on failure — no
// single block of the rounded size exists, the rounded size exceeds
// the arena, or it exceeds MaxCallBytes — matching spec.md's
// "pointer | null" contract: allocation failure is silent and
// recoverable, never an error value.
func (a *Arena) Alloc(size, alignment uint64) (uintptr, bool) {
	if size == 0 {
		size = 1
	}
	if alignment == 0 {
		alignment = 1
	}

	req := size
	if alignment > 1 {
		req = size + alignment - 1
	}
	s := nextPow2(req)
	if s > MaxCallBytes || s > a.size {
		return 0, false
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocLocked(s, alignment)
}

func (a *Arena) allocLocked(s, alignment uint64) (uintptr, bool) {
	idx := 0
	depth := 0
	blockLen := a.size

	for {
		if blockLen == s {
			if a.tree.get(idx) == unused {
				off := indexOffset(idx, depth, a.levelMax)
				ptr := a.base + uintptr(off)
				st := used
				if alignment > 1 {
					if rem := uintptr(ptr) % uintptr(alignment); rem != 0 {
						ptr += uintptr(alignment) - rem
						st = usedWithAlignment
					}
				}
				a.tree.set(idx, st)
				a.usedBytes += s
				return ptr, true
			}

			var ok bool
			idx, depth, blockLen, ok = backtrack(idx, depth, blockLen)
			if !ok {
				return 0, false
			}
			continue
		}

		// blockLen > s
		switch a.tree.get(idx) {
		case unused:
			a.tree.set(idx, split)
			a.tree.set(leftChild(idx), unused)
			a.tree.set(rightChild(idx), unused)
			idx = leftChild(idx)
			depth++
			blockLen /= 2
		case split:
			idx = leftChild(idx)
			depth++
			blockLen /= 2
		default: // used or usedWithAlignment
			var ok bool
			idx, depth, blockLen, ok = backtrack(idx, depth, blockLen)
			if !ok {
				return 0, false
			}
		}
	}
}

// backtrack implements spec.md §4.1's backtrack rule: if the current
// node is a left child (odd index), move sideways to its sibling. If
// it is a right child (even index), ascend — doubling blockLen and
// decrementing depth — until a left child is reached, then move
// sideways. Reaching the root without finding a left child means the
// allocation fails.
func backtrack(idx, depth int, blockLen uint64) (int, int, uint64, bool) {
	for {
		if idx%2 == 1 {
			return idx + 1, depth, blockLen, true
		}
		if idx == 0 {
			return 0, 0, 0, false
		}
		idx = parentOf(idx)
		depth--
		blockLen *= 2
	}
}

// freeResult distinguishes the outcomes Free can report.
type freeResult int

const (
	freeOK freeResult = iota
	freeUnallocated
	freeInterior
	freeOutsideArena
)

// Free releases the block that was returned at ptr. ptr == 0 (null)
// is treated as a silent success, matching spec.md's free(ptr)
// contract; a ptr outside this arena's range is also reported as a
// simple failure with no log, since the caller may be routing the
// free across several arenas in a pool.
func (a *Arena) Free(ptr uintptr) bool {
	if ptr == 0 {
		return true
	}
	if !a.Contains(ptr) {
		return false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	result := a.freeLocked(ptr)
	switch result {
	case freeUnallocated:
		a.logger.Debug(xlog.MsgFreeUnallocated, slog.Uint64("ptr", uint64(ptr)))
		return false
	case freeInterior:
		a.logger.Error(xlog.MsgFreeInterior, slog.Uint64("ptr", uint64(ptr)))
		return false
	default:
		return result == freeOK
	}
}

func (a *Arena) freeLocked(ptr uintptr) freeResult {
	idx := 0
	depth := 0
	left := a.base
	blockLen := a.size

	for {
		switch a.tree.get(idx) {
		case unused:
			return freeUnallocated

		case used:
			if ptr != left {
				return freeInterior
			}
			a.usedBytes -= blockLen
			a.coalesce(idx)
			return freeOK

		case usedWithAlignment:
			// The tag's only purpose: the caller was handed an
			// offset strictly greater than the block's base, so an
			// exact-base free on a usedWithAlignment node can only
			// be caller error.
			if ptr == left {
				return freeInterior
			}
			a.usedBytes -= blockLen
			a.coalesce(idx)
			return freeOK

		case split:
			half := blockLen / 2
			mid := left + uintptr(half)
			if ptr < mid {
				idx = leftChild(idx)
			} else {
				idx = rightChild(idx)
				left = mid
			}
			depth++
			blockLen = half
		}
	}
}

// coalesce walks upward merging with unused buddies, per spec.md
// §4.1's "Coalesce" rule. Step 3 (re-marking every ancestor Split) is
// deliberately skipped: by construction every ancestor of a claimable
// block is already Split, so re-asserting it is a no-op on correct
// state and would only mask a bug were the state already corrupted,
// exactly as spec.md's design notes call out.
func (a *Arena) coalesce(idx int) {
	for idx != 0 {
		if a.tree.get(siblingOf(idx)) != unused {
			break
		}
		idx = parentOf(idx)
	}
	a.tree.set(idx, unused)
}

// Stats is a read-only snapshot of one arena's occupancy, in the
// spirit of the teacher's BuddyStats/HybridStats structs.
type Stats struct {
	Location  location.Location
	LevelMax  int
	Size      uint64
	UsedBytes uint64
}

func (a *Arena) Stats() Stats {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return Stats{
		Location:  a.loc,
		LevelMax:  a.levelMax,
		Size:      a.size,
		UsedBytes: a.usedBytes,
	}
}
