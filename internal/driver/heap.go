package driver

import (
	"sync"
	"unsafe"
)

// HeapDriver is a portable stand-in for a real GPU/host driver,
// backing every Region with ordinary Go heap memory. It is the
// default Driver used by gpumem's own tests and by cmd/gpumem-bench;
// a production deployment supplies a Driver backed by the actual
// accelerator SDK instead. Host and device requests are
// indistinguishable here — HeapDriver has no way to tell "pinned" host
// memory from regular memory, which is fine for exercising the buddy
// and pool bookkeeping but not a substitute for real page-locking.
type HeapDriver struct {
	mu    sync.Mutex
	limit uint64 // 0 means unlimited
	used  uint64
	sizes map[uintptr]uint64
}

// NewHeapDriver returns a HeapDriver that fails allocations once more
// than limit bytes are outstanding across every call. A limit of 0
// disables the ceiling.
func NewHeapDriver(limit uint64) *HeapDriver {
	return &HeapDriver{
		limit: limit,
		sizes: make(map[uintptr]uint64),
	}
}

func (d *HeapDriver) AllocDevice(_ int, size uint64) (Region, error) {
	return d.alloc(size)
}

func (d *HeapDriver) AllocHostPinned(size uint64) (Region, error) {
	return d.alloc(size)
}

func (d *HeapDriver) FreeDevice(_ int, base uintptr) error {
	return d.free(base)
}

func (d *HeapDriver) FreeHostPinned(base uintptr) error {
	return d.free(base)
}

func (d *HeapDriver) StreamSync(_ int) error {
	return nil
}

func (d *HeapDriver) alloc(size uint64) (Region, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.limit != 0 && d.used+size > d.limit {
		return Region{}, ErrDriverOOM
	}

	buf := make([]byte, size)
	base := uintptr(unsafe.Pointer(&buf[0]))
	d.sizes[base] = size
	d.used += size

	return Region{Base: base, Size: size, keepAlive: buf}, nil
}

func (d *HeapDriver) free(base uintptr) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	size, ok := d.sizes[base]
	if !ok {
		return ErrInvalidRegion
	}
	delete(d.sizes, base)
	d.used -= size
	return nil
}
