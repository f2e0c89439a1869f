package breaker

import (
	"context"
	"log/slog"
	"sync"

	"trading-execution/internal/model"
)

// Registry hands out one breaker per named resource, all sharing the same
// store and tuning. Constructed once at process start and injected wherever
// an external dependency is called.
type Registry struct {
	mu       sync.Mutex
	store    model.SharedStore
	cfg      Config
	log      *slog.Logger
	breakers map[string]*Breaker

	// OnStateChange is copied onto breakers created after it is set.
	OnStateChange func(resource string, from, to State)
}

// NewRegistry creates a breaker registry.
func NewRegistry(store model.SharedStore, cfg Config, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		store:    store,
		cfg:      cfg,
		log:      log,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for the resource, creating it on first use.
func (r *Registry) Get(resource string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[resource]
	if !ok {
		b = New(resource, r.store, r.cfg, r.log)
		b.OnStateChange = r.OnStateChange
		r.breakers[resource] = b
	}
	return b
}

// Stats returns the current state of every breaker seen by this process.
func (r *Registry) Stats(ctx context.Context) []Stats {
	r.mu.Lock()
	bs := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		bs = append(bs, b)
	}
	r.mu.Unlock()

	out := make([]Stats, 0, len(bs))
	for _, b := range bs {
		st, err := b.Stats(ctx)
		if err != nil {
			continue
		}
		out = append(out, st)
	}
	return out
}
