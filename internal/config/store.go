package config

import (
	"fmt"
	"strings"
	"sync"

	gocache "github.com/patrickmn/go-cache"

	"github.com/zjrosen/probing/internal/log"
)

// ProfilingKey is the store key holding the profiling spec string.
const ProfilingKey = "probing.torch.profiling"

// EnvPrefix marks environment variables mirrored into the store.
const EnvPrefix = "PROBING_"

// Store is a process-wide key/value configuration store.
// Entries never expire.
type Store struct {
	// mu serializes writers so Remove returns exactly the value it deleted.
	mu    sync.Mutex
	cache *gocache.Cache
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{cache: gocache.New(gocache.NoExpiration, 0)}
}

var (
	defaultStore *Store
	storeOnce    sync.Once
)

// DefaultStore returns the process-wide store.
func DefaultStore() *Store {
	storeOnce.Do(func() {
		defaultStore = NewStore()
	})
	return defaultStore
}

// Get returns the raw value stored under key.
func (s *Store) Get(key string) (any, bool) {
	return s.cache.Get(key)
}

// GetString returns the value under key formatted as a string.
func (s *Store) GetString(key string) (string, bool) {
	v, ok := s.cache.Get(key)
	if !ok {
		return "", false
	}
	if str, isStr := v.(string); isStr {
		return str, true
	}
	return fmt.Sprint(v), true
}

// Set stores value under key.
func (s *Store) Set(key string, value any) {
	log.Debug(log.CatConfig, "config set", "key", key)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Set(key, value, gocache.NoExpiration)
}

// Remove deletes key and returns the value it held. ok is false when key
// was not set.
func (s *Store) Remove(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.cache.Get(key)
	if ok {
		s.cache.Delete(key)
	}
	return v, ok
}

// Keys returns every stored key.
func (s *Store) Keys() []string {
	items := s.cache.Items()
	keys := make([]string, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}
	return keys
}

// EnvKey maps PROBING_FOO_BAR to probing.foo.bar. The second result is false
// for names without the prefix.
func EnvKey(name string) (string, bool) {
	if !strings.HasPrefix(name, EnvPrefix) || len(name) == len(EnvPrefix) {
		return "", false
	}
	return strings.ToLower(strings.ReplaceAll(name, "_", ".")), true
}

// SyncEnv copies PROBING_* entries of environ (os.Environ format) into the
// store and returns how many were copied.
func (s *Store) SyncEnv(environ []string) int {
	n := 0
	for _, entry := range environ {
		name, value, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		key, ok := EnvKey(name)
		if !ok {
			continue
		}
		s.Set(key, value)
		n++
	}
	if n > 0 {
		log.Debug(log.CatConfig, "synced environment", "count", n)
	}
	return n
}
