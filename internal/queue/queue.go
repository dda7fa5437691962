// Package queue holds module trace records whose device timing is not yet
// known. Records are drained once their markers have completed.
package queue

import (
	"errors"
	"sync"

	"github.com/zjrosen/probing/internal/device"
	"github.com/zjrosen/probing/internal/log"
	"github.com/zjrosen/probing/internal/storage"
	"github.com/zjrosen/probing/internal/timer"
)

// ErrQueueFull is returned when pushing to a queue at capacity.
var ErrQueueFull = errors.New("queue is full")

// Record is a module trace waiting for its duration. Pair is nil for records
// that carry no device timing.
type Record struct {
	Trace storage.ModuleTrace
	Pair  *timer.MarkerPair
}

// DrainResult summarizes one drain.
type DrainResult struct {
	Saved   int // written to the sink
	Failed  int // rejected by the sink and dropped
	Pending int // still waiting on the device
}

// Queue is a mutex-protected FIFO of deferred records.
type Queue struct {
	mu      sync.Mutex
	entries []Record
	maxSize int
}

// New creates a queue. maxSize <= 0 means unbounded.
func New(maxSize int) *Queue {
	return &Queue{maxSize: maxSize}
}

// Push appends a record. Returns ErrQueueFull when a bounded queue is at capacity.
func (q *Queue) Push(r Record) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.maxSize > 0 && len(q.entries) >= q.maxSize {
		return ErrQueueFull
	}
	q.entries = append(q.entries, r)
	return nil
}

// Len returns the number of pending records.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// DrainResolved saves every record that is ready and keeps the rest in
// order. A record without a pair is always ready. A record with a pair is
// ready once both markers completed; its duration is the device elapsed time
// in seconds. Sink failures drop the record; elapsed failures keep it.
func (q *Queue) DrainResolved(dev device.Device, sink storage.Sink) DrainResult {
	q.mu.Lock()
	defer q.mu.Unlock()

	var res DrainResult
	if len(q.entries) == 0 {
		return res
	}

	kept := q.entries[:0]
	for _, r := range q.entries {
		if r.Pair != nil {
			if dev == nil || !r.Pair.Completed() {
				kept = append(kept, r)
				continue
			}
			d, err := dev.Elapsed(r.Pair.Begin, r.Pair.End)
			if err != nil {
				log.ErrorErr(log.CatTimer, "elapsed failed, keeping record", err,
					"module", r.Trace.Module, "stage", r.Trace.Stage)
				kept = append(kept, r)
				continue
			}
			r.Trace.Duration = d.Seconds()
		}

		if err := sink.Save(r.Trace); err != nil {
			log.ErrorErr(log.CatSink, "save module trace failed", err,
				"step", r.Trace.Step, "module", r.Trace.Module, "stage", r.Trace.Stage)
			res.Failed++
			continue
		}
		res.Saved++
	}

	// Clear the tail so dropped records are not retained by the backing array.
	for i := len(kept); i < len(q.entries); i++ {
		q.entries[i] = Record{}
	}
	q.entries = kept
	res.Pending = len(kept)
	return res
}

// Drain removes and returns all records without saving them.
func (q *Queue) Drain() []Record {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := q.entries
	q.entries = nil
	return out
}
