// Package location defines the target a buddy arena, a pool, or a
// reservoir partition is bound to: the host (pinned CPU memory) or one
// GPU device among D_Max.
package location

import "fmt"

// DMax bounds device indices; a build constant per spec.md §3.
const DMax = 256

// Kind distinguishes host memory from device memory.
type Kind uint8

const (
	Host Kind = iota
	Device
)

// Location is a fully-resolved target: Host, or Device N.
type Location struct {
	Kind  Kind
	Index int
}

// NewHost returns the host location.
func NewHost() Location { return Location{Kind: Host} }

// NewDevice returns the location for device index idx, validating it
// against DMax. A negative gpu argument conventionally selects Host at
// the call site (see FromGPU), not here.
func NewDevice(idx int) (Location, error) {
	if idx < 0 || idx >= DMax {
		return Location{}, fmt.Errorf("location: device index %d out of range [0,%d)", idx, DMax)
	}
	return Location{Kind: Device, Index: idx}, nil
}

// FromGPU mirrors the library API's pool_new(gpu int) convention:
// negative selects Host, [0, DMax) selects a device index.
func FromGPU(gpu int) (Location, error) {
	if gpu < 0 {
		return NewHost(), nil
	}
	return NewDevice(gpu)
}

func (l Location) IsHost() bool { return l.Kind == Host }

// Key returns a stable string identifying this location, suitable as
// a map key or a rate-limiter bucket key.
func (l Location) Key() string {
	if l.Kind == Host {
		return "host"
	}
	return fmt.Sprintf("device:%d", l.Index)
}

func (l Location) String() string { return l.Key() }
