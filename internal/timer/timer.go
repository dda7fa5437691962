// Package timer measures stage boundaries on the host clock and, when a
// device is present, brackets them with device markers whose elapsed time is
// read later.
package timer

import (
	"strings"
	"sync"
	"time"

	"github.com/zjrosen/probing/internal/device"
	"github.com/zjrosen/probing/internal/log"
)

// Stage names a hook point on a unit.
type Stage string

const (
	PreForward   Stage = "pre forward"
	PostForward  Stage = "post forward"
	PreBackward  Stage = "pre backward"
	PostBackward Stage = "post backward"
	PreStep      Stage = "pre step"
	PostStep     Stage = "post step"
)

var stageClass = map[Stage]string{
	PreForward:   "forward",
	PostForward:  "forward",
	PreBackward:  "backward",
	PostBackward: "backward",
	PreStep:      "step",
	PostStep:     "step",
}

// Class pairs a pre stage with its post stage. Unknown stages are their own class.
func (s Stage) Class() string {
	if c, ok := stageClass[s]; ok {
		return c
	}
	return string(s)
}

// IsPre reports whether s opens a measurement.
func (s Stage) IsPre() bool {
	return strings.HasPrefix(string(s), "pre")
}

// MarkerPair brackets one measured stage on the device.
type MarkerPair struct {
	Begin device.Marker
	End   device.Marker
}

// Completed reports whether the device has reached both markers.
func (p *MarkerPair) Completed() bool {
	return p.Begin.Completed() && p.End.Completed()
}

type markerKey struct {
	unit  uint64
	class string
}

// Option configures a Timer.
type Option func(*Timer)

// WithSync synchronizes the device before every measurement.
func WithSync(sync bool) Option {
	return func(t *Timer) {
		t.sync = sync
	}
}

// WithClock sets the host clock.
func WithClock(now func() time.Time) Option {
	return func(t *Timer) {
		t.now = now
	}
}

// Timer tracks step start and outstanding begin markers.
type Timer struct {
	dev  device.Device
	sync bool
	now  func() time.Time

	mu        sync.Mutex
	stepStart time.Time
	begins    map[markerKey]device.Marker
}

// New creates a timer. dev may be nil, in which case only host offsets are
// measured.
func New(dev device.Device, opts ...Option) *Timer {
	t := &Timer{
		dev:    dev,
		now:    time.Now,
		begins: make(map[markerKey]device.Marker),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Device returns the timer's device, possibly nil.
func (t *Timer) Device() device.Device { return t.dev }

// Begin opens a measurement and returns the host offset in seconds from the
// start of the step. Offset 0 starts the step.
func (t *Timer) Begin(unitID uint64, stage Stage, offset int) float64 {
	t.maybeSync()

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	var elapsed float64
	if offset == 0 || t.stepStart.IsZero() {
		t.stepStart = now
	} else {
		elapsed = now.Sub(t.stepStart).Seconds()
	}

	if t.dev != nil {
		m, err := t.dev.RecordMarker()
		if err != nil {
			log.ErrorErr(log.CatTimer, "record begin marker failed", err, "unit", unitID, "stage", stage)
			return elapsed
		}
		t.begins[markerKey{unitID, stage.Class()}] = m
	}
	return elapsed
}

// End closes a measurement. It returns the host offset and, when a begin
// marker exists for the same unit and stage class, the marker pair.
func (t *Timer) End(unitID uint64, stage Stage) (float64, *MarkerPair) {
	t.maybeSync()

	t.mu.Lock()
	defer t.mu.Unlock()

	var elapsed float64
	if !t.stepStart.IsZero() {
		elapsed = t.now().Sub(t.stepStart).Seconds()
	}

	key := markerKey{unitID, stage.Class()}
	begin, ok := t.begins[key]
	if !ok || t.dev == nil {
		return elapsed, nil
	}
	delete(t.begins, key)

	end, err := t.dev.RecordMarker()
	if err != nil {
		log.ErrorErr(log.CatTimer, "record end marker failed", err, "unit", unitID, "stage", stage)
		return elapsed, nil
	}
	return elapsed, &MarkerPair{Begin: begin, End: end}
}

// Reset clears the step start. Unmatched begin markers are kept.
func (t *Timer) Reset() {
	t.mu.Lock()
	t.stepStart = time.Time{}
	t.mu.Unlock()
}

// Open returns the number of begin markers awaiting an end.
func (t *Timer) Open() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.begins)
}

func (t *Timer) maybeSync() {
	if !t.sync || t.dev == nil {
		return
	}
	if err := t.dev.Synchronize(); err != nil {
		log.ErrorErr(log.CatTimer, "synchronize failed", err)
	}
}
