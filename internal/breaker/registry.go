package breaker

import (
	"sort"
	"sync"

	"postdeck/internal/eventbus"
	logx "postdeck/pkg/logx"
)

// Registry hands out one long-lived breaker per resource name.
// Breakers are created lazily on first lookup with the registry defaults.
type Registry struct {
	mu  sync.Mutex
	m   map[string]*Breaker
	cfg Config
	bus eventbus.Bus
	log logx.Logger
}

func NewRegistry(cfg Config, bus eventbus.Bus, log logx.Logger) *Registry {
	return &Registry{
		m:   make(map[string]*Breaker),
		cfg: cfg.withDefaults(),
		bus: bus,
		log: log,
	}
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.m[name]
	if b == nil {
		b = New(name, r.cfg)
		b.SetBus(r.bus)
		b.SetLogger(r.log)
		r.m[name] = b
	}
	return b
}

// ResetAll force-closes and zeroes every breaker. Administrative.
func (r *Registry) ResetAll() {
	r.mu.Lock()
	bs := make([]*Breaker, 0, len(r.m))
	for _, b := range r.m {
		bs = append(bs, b)
	}
	r.mu.Unlock()
	for _, b := range bs {
		b.Reset()
	}
}

// StatsAll snapshots every breaker, sorted by name for stable output.
func (r *Registry) StatsAll() []Stats {
	r.mu.Lock()
	bs := make([]*Breaker, 0, len(r.m))
	for _, b := range r.m {
		bs = append(bs, b)
	}
	r.mu.Unlock()

	out := make([]Stats, 0, len(bs))
	for _, b := range bs {
		out = append(out, b.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
