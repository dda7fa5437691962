// Package sampler decides which instrumented units are measured on each step.
//
// A Sampler starts in discovery: every unit it is asked about is registered
// and nothing is sampled. Finalize freezes the registration order into a
// rotation queue. In ordered mode one unit is measured per sampled step, the
// cursor advancing each step; in random mode every unit is drawn
// independently with probability rate.
package sampler

import (
	"fmt"
	"math/rand"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/zjrosen/probing/internal/log"
	"github.com/zjrosen/probing/internal/profile"
)

// UnitKind distinguishes instrumented model components from optimizers.
type UnitKind int

const (
	UnitModule UnitKind = iota
	UnitOptimizer
)

func (k UnitKind) String() string {
	switch k {
	case UnitModule:
		return "module"
	case UnitOptimizer:
		return "optimizer"
	default:
		return "unknown"
	}
}

// NoName is the display name of an unnamed module.
const NoName = "None"

// Unit identifies an instrumented component. ID must be unique per probe.
type Unit struct {
	ID   uint64
	Kind UnitKind
	Name string
}

// DisplayName returns the name recorded for the unit at registration.
func (u Unit) DisplayName() string {
	switch {
	case u.Name != "":
		return u.Name
	case u.Kind == UnitOptimizer:
		return u.Kind.String()
	default:
		return NoName
	}
}

// Option configures a Sampler.
type Option func(*Sampler)

// WithRand sets the random source. Tests use a seeded source.
func WithRand(r *rand.Rand) Option {
	return func(s *Sampler) {
		s.rng = r
	}
}

type entry struct {
	unit  Unit
	name  string
	order int
}

// Sampler holds discovery state and the rotation queue.
type Sampler struct {
	mu sync.Mutex

	mode string
	rate float64
	rng  *rand.Rand

	discovered map[uint64]*entry
	order      []*entry

	finalized   bool
	queue       []*entry
	cursor      int
	sampledStep bool
}

// New creates a sampler in discovery. An unknown mode or a rate outside
// (0, 1] falls back to ordered sampling at rate 1.
func New(mode string, rate float64, opts ...Option) *Sampler {
	s := &Sampler{
		discovered:  make(map[uint64]*entry),
		sampledStep: true,
	}
	if err := s.setMode(mode, rate); err != nil {
		log.Warn(log.CatSampler, "invalid sampling config, using ordered:1.0", "error", err)
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.rng == nil {
		s.rng = rand.New(rand.NewSource(rand.Int63())) //nolint:gosec // sampling, not security
	}
	return s
}

// ShouldSample reports whether the stage of unit at sequence offset within
// the current step should be measured. During discovery it registers the
// unit and always returns false.
func (s *Sampler) ShouldSample(unit Unit, offset int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.finalized {
		s.register(unit)
		return false
	}
	if offset == 0 {
		return true
	}
	if !s.sampledStep {
		return false
	}
	if s.mode == profile.ModeOrdered {
		if len(s.queue) == 0 {
			return false
		}
		return s.queue[s.cursor].unit.ID == unit.ID
	}
	return s.rng.Float64() < s.rate
}

func (s *Sampler) register(unit Unit) {
	if _, ok := s.discovered[unit.ID]; ok {
		return
	}
	e := &entry{unit: unit, name: unit.DisplayName(), order: len(s.order)}
	s.discovered[unit.ID] = e
	s.order = append(s.order, e)
	log.Debug(log.CatSampler, "discovered unit", "id", unit.ID, "name", e.name)
}

// Finalize ends discovery. The rotation queue is ordered by name length,
// ties broken by registration order. Calling it again is a no-op.
func (s *Sampler) Finalize() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finalized {
		return
	}
	s.queue = append([]*entry(nil), s.order...)
	sort.SliceStable(s.queue, func(i, j int) bool {
		return len(s.queue[i].name) < len(s.queue[j].name)
	})
	s.cursor = 0
	s.finalized = true
	log.Info(log.CatSampler, "finalized", "units", len(s.queue), "mode", s.mode, "rate", s.rate)
}

// AdvanceStep moves to the next step. Only ordered mode with a non-empty
// queue changes state: the step gate is redrawn and the cursor rotates.
//
// Random mode never redraws the gate. A sampler switched to random while
// the gate is closed keeps sampling only offset 0 until it is switched back
// to ordered and a step passes the gate.
func (s *Sampler) AdvanceStep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mode != profile.ModeOrdered || len(s.queue) == 0 {
		return
	}
	s.sampledStep = s.rng.Float64() < s.rate
	s.cursor = (s.cursor + 1) % len(s.queue)
}

// SetSamplingMode switches mode and rate at runtime. expr is "ordered" or
// "mode:rate" with mode ordered or random and rate in (0, 1]. Anything else
// resets to ordered:1.0 and returns the reason.
func (s *Sampler) SetSamplingMode(expr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mode, rate, err := ParseMode(expr)
	if err != nil {
		log.Warn(log.CatSampler, "invalid sampling mode, using ordered:1.0", "expr", expr, "error", err)
	}
	s.mode, s.rate = mode, rate
	log.Info(log.CatSampler, "sampling mode set", "mode", s.mode, "rate", s.rate)
	return err
}

func (s *Sampler) setMode(mode string, rate float64) error {
	s.mode, s.rate = profile.ModeOrdered, 1.0
	if mode != profile.ModeOrdered && mode != profile.ModeRandom {
		return fmt.Errorf("unknown sampling mode %q", mode)
	}
	if !validRate(rate) {
		return fmt.Errorf("sampling rate %v out of range (0, 1]", rate)
	}
	s.mode, s.rate = mode, rate
	return nil
}

// ParseMode parses a runtime sampling expression. On error the returned mode
// and rate are the ordered:1.0 fallback.
func ParseMode(expr string) (string, float64, error) {
	expr = strings.TrimSpace(expr)
	if expr == profile.ModeOrdered {
		return profile.ModeOrdered, 1.0, nil
	}
	mode, rawRate, ok := strings.Cut(expr, ":")
	if !ok {
		return profile.ModeOrdered, 1.0, fmt.Errorf("sampling mode %q: expected \"ordered\" or \"mode:rate\"", expr)
	}
	mode = strings.TrimSpace(mode)
	if mode != profile.ModeOrdered && mode != profile.ModeRandom {
		return profile.ModeOrdered, 1.0, fmt.Errorf("sampling mode %q: unknown mode %q", expr, mode)
	}
	rate, err := strconv.ParseFloat(strings.TrimSpace(rawRate), 64)
	if err != nil {
		return profile.ModeOrdered, 1.0, fmt.Errorf("sampling mode %q: parse rate: %w", expr, err)
	}
	if !validRate(rate) {
		return profile.ModeOrdered, 1.0, fmt.Errorf("sampling mode %q: rate %v out of range (0, 1]", expr, rate)
	}
	return mode, rate, nil
}

func validRate(r float64) bool {
	return r > 0 && r <= 1
}

// Name returns the display name registered for unit, or the unit's own
// display name if it was never discovered.
func (s *Sampler) Name(unit Unit) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.discovered[unit.ID]; ok {
		return e.name
	}
	return unit.DisplayName()
}

// Units returns the discovered units: rotation order once finalized,
// registration order before.
func (s *Sampler) Units() []Unit {
	s.mu.Lock()
	defer s.mu.Unlock()
	src := s.order
	if s.finalized {
		src = s.queue
	}
	out := make([]Unit, len(src))
	for i, e := range src {
		out[i] = e.unit
	}
	return out
}

// Known reports whether unit was registered during discovery.
func (s *Sampler) Known(unit Unit) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.discovered[unit.ID]
	return ok
}

func (s *Sampler) Cursor() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

func (s *Sampler) Finalized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalized
}

func (s *Sampler) Mode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

func (s *Sampler) Rate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rate
}

// SampledStep reports whether the current step passed the ordered-mode gate.
func (s *Sampler) SampledStep() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sampledStep
}
