package driver

import (
	"time"

	"github.com/sony/gobreaker"
)

// BreakerDriver decorates a Driver so that a run of consecutive
// allocate/sync failures trips a circuit breaker, fencing the
// underlying driver off for a cooldown window instead of letting
// every pool miss hammer a wedged accelerator. Free-side calls pass
// straight through: a free must always be attempted, never
// short-circuited, since spec already treats a late free failure as
// fatal.
type BreakerDriver struct {
	inner  Driver
	device *gobreaker.CircuitBreaker
	host   *gobreaker.CircuitBreaker
	sync   *gobreaker.CircuitBreaker
}

// NewBreakerDriver wraps inner with independent breakers for the
// device, host, and stream-sync entry points.
func NewBreakerDriver(inner Driver) *BreakerDriver {
	return &BreakerDriver{
		inner:  inner,
		device: gobreaker.NewCircuitBreaker(breakerSettings("gpumem-device-alloc")),
		host:   gobreaker.NewCircuitBreaker(breakerSettings("gpumem-host-alloc")),
		sync:   gobreaker.NewCircuitBreaker(breakerSettings("gpumem-stream-sync")),
	}
}

func breakerSettings(name string) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     5 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
}

func (b *BreakerDriver) AllocDevice(index int, size uint64) (Region, error) {
	v, err := b.device.Execute(func() (interface{}, error) {
		return b.inner.AllocDevice(index, size)
	})
	if err != nil {
		return Region{}, err
	}
	return v.(Region), nil
}

func (b *BreakerDriver) AllocHostPinned(size uint64) (Region, error) {
	v, err := b.host.Execute(func() (interface{}, error) {
		return b.inner.AllocHostPinned(size)
	})
	if err != nil {
		return Region{}, err
	}
	return v.(Region), nil
}

func (b *BreakerDriver) FreeDevice(index int, base uintptr) error {
	return b.inner.FreeDevice(index, base)
}

func (b *BreakerDriver) FreeHostPinned(base uintptr) error {
	return b.inner.FreeHostPinned(base)
}

func (b *BreakerDriver) StreamSync(index int) error {
	_, err := b.sync.Execute(func() (interface{}, error) {
		return nil, b.inner.StreamSync(index)
	})
	return err
}
