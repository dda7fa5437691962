// Package device abstracts an accelerator that executes work asynchronously
// with respect to the host. Markers are inserted into the device's stream and
// complete once the device reaches them; only Synchronize blocks the host.
package device

import (
	"errors"
	"time"
)

// ErrNotReady is returned by Elapsed when either marker has not completed.
var ErrNotReady = errors.New("device: marker not completed")

// ErrForeignMarker is returned when a marker was issued by another device.
var ErrForeignMarker = errors.New("device: marker from another device")

// Marker is a point in a device stream.
type Marker interface {
	// Completed reports whether the device has passed the marker. Never blocks.
	Completed() bool
}

// Device issues stream markers and measures time between them.
type Device interface {
	RecordMarker() (Marker, error)
	Synchronize() error
	Elapsed(begin, end Marker) (time.Duration, error)
}

// MemStats holds device memory counters in bytes.
type MemStats struct {
	Allocated    uint64
	Reserved     uint64
	MaxAllocated uint64
	MaxReserved  uint64
}

// MemoryReporter is implemented by devices that expose memory counters.
type MemoryReporter interface {
	MemoryStats() MemStats
}

// Stats returns memory counters for dev, or zeros when dev is nil or does
// not report memory.
func Stats(dev Device) MemStats {
	if r, ok := dev.(MemoryReporter); ok {
		return r.MemoryStats()
	}
	return MemStats{}
}

const mib = 1024 * 1024

// MiB converts a byte count to mebibytes.
func MiB(b uint64) float64 {
	return float64(b) / mib
}
