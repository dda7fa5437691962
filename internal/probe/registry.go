package probe

import (
	"errors"
	"fmt"
	"sync"

	"github.com/zjrosen/probing/internal/config"
	"github.com/zjrosen/probing/internal/log"
	"github.com/zjrosen/probing/internal/profile"
)

var live = struct {
	mu     sync.Mutex
	probes map[*Probe]struct{}
}{probes: make(map[*Probe]struct{})}

func register(p *Probe) {
	live.mu.Lock()
	live.probes[p] = struct{}{}
	live.mu.Unlock()
}

func unregister(p *Probe) {
	live.mu.Lock()
	delete(live.probes, p)
	live.mu.Unlock()
}

// Live returns the probes that have not been closed.
func Live() []*Probe {
	live.mu.Lock()
	defer live.mu.Unlock()
	out := make([]*Probe, 0, len(live.probes))
	for p := range live.probes {
		out = append(out, p)
	}
	return out
}

// SetSamplingModeAll applies expr to every live probe. Each probe falls back
// to ordered:1.0 on a bad expression; the joined errors are returned.
func SetSamplingModeAll(expr string) error {
	var errs []error
	for _, p := range Live() {
		if err := p.SetSamplingMode(expr); err != nil {
			errs = append(errs, fmt.Errorf("probe %s: %w", p.ID(), err))
		}
	}
	return errors.Join(errs...)
}

// Configure stores spec in the store under the profiling key, or removes the
// key when spec is nil, and returns the parsed configuration.
func Configure(store *config.Store, spec *string) profile.Config {
	if spec == nil {
		store.Remove(config.ProfilingKey)
	} else {
		store.Set(config.ProfilingKey, *spec)
	}
	return profile.ParsePtr(spec)
}

// FromStore builds a probe from the spec held in store.
func FromStore(store *config.Store, opts ...Option) *Probe {
	var spec *string
	if raw, ok := store.GetString(config.ProfilingKey); ok {
		spec = &raw
	}
	cfg := profile.ParsePtr(spec)
	if cfg.Enabled {
		log.Info(log.CatProbe, "profiling enabled", "mode", cfg.Mode, "rate", cfg.Rate, "sync", cfg.Sync)
	} else {
		log.Info(log.CatProbe, "profiling disabled")
	}
	return New(cfg, opts...)
}
