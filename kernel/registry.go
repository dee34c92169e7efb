// registry.go
//
// Module factories keyed by kind.  A Registry is an ordinary value handed
// to New; there is no process-wide table, so tests can run kernels with
// different module sets side by side.

package kernel

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"rtkernel/config"
	"rtkernel/trigger"
	"rtkernel/worker"
)

var (
	ErrUnknownKind   = errors.New("kernel: unknown module kind")
	ErrDuplicateKind = errors.New("kernel: module kind already registered")
	ErrNoSuchModule  = errors.New("kernel: no such module")
	ErrNoSuchDevice  = errors.New("kernel: no such trigger device")
)

// Env is what a factory gets to build one module instance.
type Env struct {
	Config config.Module
	Log    *slog.Logger

	// Outputs is ticked with OutputsClock when the module publishes.
	Outputs      trigger.Target
	OutputsClock trigger.ClockID

	lookup func(name string) (worker.Module, bool)
}

// Lookup returns a module built earlier in document order.
func (e Env) Lookup(name string) (worker.Module, bool) {
	if e.lookup == nil {
		return nil, false
	}
	return e.lookup(name)
}

// Factory builds a module from its configuration.
type Factory func(env Env) (worker.Module, error)

// Registry maps module kinds to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory; registering a kind twice fails.
func (r *Registry) Register(kind string, f Factory) error {
	if kind == "" || f == nil {
		return fmt.Errorf("kernel: register %q: empty kind or nil factory", kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[kind]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateKind, kind)
	}
	r.factories[kind] = f
	return nil
}

// Lookup returns the factory for kind.
func (r *Registry) Lookup(kind string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[kind]
	return f, ok
}

// Kinds lists the registered kinds, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
