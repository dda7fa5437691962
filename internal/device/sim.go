package device

import (
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("device: closed")

// Sim is a software device. A single goroutine plays the role of the device
// stream: it processes markers in submission order, optionally waiting a
// fixed latency before each, and stamps each marker when it is reached.
//
// Pause holds the stream so tests can observe markers that are recorded but
// not yet completed. Synchronize on a paused device blocks until Resume.
type Sim struct {
	latency time.Duration
	now     func() time.Time

	mu      sync.Mutex
	cond    *sync.Cond
	pending []*simMarker
	paused  bool
	closed  bool
	done    chan struct{}

	memMu sync.Mutex
	mem   MemStats

	syncs int
}

type simMarker struct {
	owner *Sim
	ready chan struct{}
	at    time.Time
}

func (m *simMarker) Completed() bool {
	select {
	case <-m.ready:
		return true
	default:
		return false
	}
}

// SimOption configures a Sim.
type SimOption func(*Sim)

// WithLatency delays the stream by d before each marker.
func WithLatency(d time.Duration) SimOption {
	return func(s *Sim) {
		s.latency = d
	}
}

// WithClock sets the clock used to stamp markers.
func WithClock(now func() time.Time) SimOption {
	return func(s *Sim) {
		s.now = now
	}
}

// WithPaused starts the stream paused.
func WithPaused() SimOption {
	return func(s *Sim) {
		s.paused = true
	}
}

// NewSim starts a simulated device. Call Close to stop its goroutine.
func NewSim(opts ...SimOption) *Sim {
	s := &Sim{
		now:  time.Now,
		done: make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	for _, opt := range opts {
		opt(s)
	}
	go s.run()
	return s
}

func (s *Sim) run() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for !s.closed && (s.paused || len(s.pending) == 0) {
			s.cond.Wait()
		}
		if s.closed {
			// Release anyone waiting so Synchronize cannot hang after Close.
			for _, m := range s.pending {
				m.at = s.now()
				close(m.ready)
			}
			s.pending = nil
			s.mu.Unlock()
			return
		}
		m := s.pending[0]
		s.pending = s.pending[1:]
		s.mu.Unlock()

		if s.latency > 0 {
			time.Sleep(s.latency)
		}
		m.at = s.now()
		close(m.ready)
	}
}

func (s *Sim) enqueue() (*simMarker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	m := &simMarker{owner: s, ready: make(chan struct{})}
	s.pending = append(s.pending, m)
	s.cond.Signal()
	return m, nil
}

// RecordMarker places a marker at the tail of the stream.
func (s *Sim) RecordMarker() (Marker, error) {
	return s.enqueue()
}

// Synchronize waits until every marker recorded so far has completed.
func (s *Sim) Synchronize() error {
	fence, err := s.enqueue()
	if err != nil {
		return err
	}
	<-fence.ready
	s.mu.Lock()
	s.syncs++
	s.mu.Unlock()
	return nil
}

// Elapsed returns the stream time between two completed markers.
func (s *Sim) Elapsed(begin, end Marker) (time.Duration, error) {
	b, ok1 := begin.(*simMarker)
	e, ok2 := end.(*simMarker)
	if !ok1 || !ok2 || b.owner != s || e.owner != s {
		return 0, ErrForeignMarker
	}
	if !b.Completed() || !e.Completed() {
		return 0, ErrNotReady
	}
	return e.at.Sub(b.at), nil
}

// Pause stops the stream after the marker currently being processed.
func (s *Sim) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
}

// Resume restarts a paused stream.
func (s *Sim) Resume() {
	s.mu.Lock()
	s.paused = false
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Pending returns the number of markers not yet reached.
func (s *Sim) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Syncs returns how many Synchronize calls have completed.
func (s *Sim) Syncs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncs
}

// SetMemoryStats replaces the reported memory counters.
func (s *Sim) SetMemoryStats(m MemStats) {
	s.memMu.Lock()
	s.mem = m
	s.memMu.Unlock()
}

// Allocate adjusts allocated memory by delta bytes and updates peaks.
func (s *Sim) Allocate(delta int64) {
	s.memMu.Lock()
	defer s.memMu.Unlock()
	if delta < 0 && uint64(-delta) > s.mem.Allocated {
		s.mem.Allocated = 0
	} else {
		s.mem.Allocated = uint64(int64(s.mem.Allocated) + delta)
	}
	if s.mem.Allocated > s.mem.Reserved {
		s.mem.Reserved = s.mem.Allocated
	}
	s.mem.MaxAllocated = max(s.mem.MaxAllocated, s.mem.Allocated)
	s.mem.MaxReserved = max(s.mem.MaxReserved, s.mem.Reserved)
}

// MemoryStats implements MemoryReporter.
func (s *Sim) MemoryStats() MemStats {
	s.memMu.Lock()
	defer s.memMu.Unlock()
	return s.mem
}

// Close stops the stream goroutine. Markers still pending are completed.
func (s *Sim) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
	<-s.done
	return nil
}
