package controlloop

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Registry keeps one Runtime per session. Runtimes of sessions that stay
// idle longer than the configured TTL are evicted by the sweeper, so a
// returning session starts with fresh counters.
type Registry struct {
	policy Policy
	logger *zap.Logger
	opts   []Option

	runtimes sync.Map // map[string]*Runtime

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
}

// NewRegistry creates a registry whose runtimes share the given policy
func NewRegistry(policy Policy, logger *zap.Logger, opts ...Option) (*Registry, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{policy: policy, logger: logger, opts: opts}, nil
}

// Get returns the runtime of a session, creating it on first use
func (r *Registry) Get(sessionID string) *Runtime {
	if val, ok := r.runtimes.Load(sessionID); ok {
		return val.(*Runtime)
	}

	// policy was validated by NewRegistry
	rt, _ := NewRuntime(r.policy, r.logger.With(zap.String("session_id", sessionID)), r.opts...)
	actual, loaded := r.runtimes.LoadOrStore(sessionID, rt)
	if !loaded {
		r.logger.Debug("control loop runtime created", zap.String("session_id", sessionID))
	}
	return actual.(*Runtime)
}

// Lookup returns the runtime of a session without creating one
func (r *Registry) Lookup(sessionID string) (*Runtime, bool) {
	val, ok := r.runtimes.Load(sessionID)
	if !ok {
		return nil, false
	}
	return val.(*Runtime), true
}

// Forget drops the runtime of a session. Requests already holding it keep
// using it; the next request of the session gets a new one.
func (r *Registry) Forget(sessionID string) bool {
	_, ok := r.runtimes.LoadAndDelete(sessionID)
	if ok {
		r.logger.Debug("control loop runtime forgotten", zap.String("session_id", sessionID))
	}
	return ok
}

// Prune evicts the runtimes idle for at least ttl and returns their session
// ids in sorted order. Runtimes with an outstanding reservation are kept.
func (r *Registry) Prune(ttl time.Duration) []string {
	var evicted []string
	r.runtimes.Range(func(key, value any) bool {
		rt := value.(*Runtime)
		idle, busy := rt.idleFor()
		if busy || idle < ttl {
			return true
		}
		if r.runtimes.CompareAndDelete(key, rt) {
			evicted = append(evicted, key.(string))
		}
		return true
	})
	sort.Strings(evicted)
	return evicted
}

// Sessions returns the known session ids in sorted order
func (r *Registry) Sessions() []string {
	var ids []string
	r.runtimes.Range(func(key, _ any) bool {
		ids = append(ids, key.(string))
		return true
	})
	sort.Strings(ids)
	return ids
}

// StartEviction prunes runtimes idle for ttl every interval until Stop.
// A non-positive interval or ttl leaves eviction off.
func (r *Registry) StartEviction(interval, ttl time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running || interval <= 0 || ttl <= 0 {
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})

	go r.evict(r.stopCh, interval, ttl)
}

// Stop stops the eviction loop
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	r.running = false
	close(r.stopCh)
}

func (r *Registry) evict(stopCh <-chan struct{}, interval, ttl time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if evicted := r.Prune(ttl); len(evicted) > 0 {
				r.logger.Info("evicted idle control loop runtimes",
					zap.Int("count", len(evicted)),
					zap.Duration("idle_ttl", ttl))
			}
		}
	}
}
