package pool

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Registry hands out at most one pool per database path. Callers share a
// registry instance explicitly instead of reaching for package-level
// state, which keeps tests and multi-database setups independent.
type Registry struct {
	mu    sync.Mutex
	log   *logrus.Logger
	pools map[string]*Pool
}

// NewRegistry returns an empty registry.
func NewRegistry(log *logrus.Logger) *Registry {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Registry{
		log:   log,
		pools: make(map[string]*Pool),
	}
}

// Get returns the pool for cfg.Path, creating it on first use. Later calls
// for the same path return the same pool and ignore the new config.
func (r *Registry) Get(cfg Config) (*Pool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.pools[cfg.Path]; ok {
		return p, nil
	}
	p, err := New(cfg, r.log)
	if err != nil {
		return nil, err
	}
	r.pools[cfg.Path] = p
	return p, nil
}

// CloseAll closes every registered pool and empties the registry. The
// first error is returned; remaining pools are still closed.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for path, p := range r.pools {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(r.pools, path)
	}
	return firstErr
}
