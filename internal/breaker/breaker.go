// Package breaker short-circuits calls to repeatedly-failing dependencies.
// It wraps sony/gobreaker with a fallback-returning contract: Execute never
// returns an error, only the call's value or the supplied fallback.
package breaker

import (
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

const (
	// DefaultThreshold opens a breaker after this many consecutive failures.
	DefaultThreshold = 3
	// MemoryReset is the open→half-open window for the memory service.
	MemoryReset = 30 * time.Second
	// ModelReset is the open→half-open window for model back-ends.
	ModelReset = 60 * time.Second
)

// Breaker guards one dependency.
type Breaker struct {
	cb  *gobreaker.CircuitBreaker
	log *zap.Logger
}

func New(name string, threshold uint32, resetTimeout time.Duration, log *zap.Logger) *Breaker {
	if log == nil {
		log = zap.NewNop()
	}
	b := &Breaker{log: log}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     resetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Info("breaker state change",
				zap.String("dependency", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return b
}

// State returns the current state name (closed, open, half-open).
func (b *Breaker) State() string { return b.cb.State().String() }

// Execute runs fn under the breaker. A success resets the failure counter
// and returns fn's value; any failure, or an open breaker, yields fallback.
// A nil breaker runs fn unguarded.
func Execute[T any](b *Breaker, fn func() (T, error), fallback T) T {
	if b == nil {
		v, err := fn()
		if err != nil {
			return fallback
		}
		return v
	}
	v, err := b.cb.Execute(func() (any, error) {
		return fn()
	})
	if err != nil {
		return fallback
	}
	out, ok := v.(T)
	if !ok {
		return fallback
	}
	return out
}

// Registry holds the process-wide breaker singletons, one per dependency.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	log      *zap.Logger
}

func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{breakers: map[string]*Breaker{}, log: log}
}

// Get returns the breaker for name, creating it with the given settings on
// first use. Later calls ignore the settings.
func (r *Registry) Get(name string, threshold uint32, resetTimeout time.Duration) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := New(name, threshold, resetTimeout, r.log)
	r.breakers[name] = b
	return b
}

// Memory returns the memory-service breaker.
func (r *Registry) Memory() *Breaker {
	return r.Get("memory-service", DefaultThreshold, MemoryReset)
}

// Model returns the breaker for one model back-end.
func (r *Registry) Model(name string) *Breaker {
	return r.Get("model-"+name, DefaultThreshold, ModelReset)
}
