// Package registry maps type names to factories and caches singleton
// instances by canonical configuration.
//
// Two Get calls for the same type with canonically equal configuration
// return the identical instance for as long as the cache is not cleared,
// so independently declared consumers of one source share it.
package registry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/funf-org/funf/internal/ir"
	"github.com/funf-org/funf/internal/metric"
)

// ErrUnknownType is returned for a type name with no registration.
var ErrUnknownType = errors.New("unknown type")

// Kind is the category a registered type belongs to.
type Kind int

const (
	KindDataSource Kind = iota + 1
	KindFilter
	KindAction
	KindTrigger
	KindPipeline
	KindRemote
)

func (k Kind) String() string {
	switch k {
	case KindDataSource:
		return "datasource"
	case KindFilter:
		return "filter"
	case KindAction:
		return "action"
	case KindTrigger:
		return "trigger"
	case KindPipeline:
		return "pipeline"
	case KindRemote:
		return "remote"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Context is handed to a factory. Spec carries the node's type and its
// remaining configuration; Build instantiates a nested node found in
// that configuration. Report collects errors of nested nodes that were
// skipped without failing the factory.
type Context struct {
	Ctx    context.Context
	Spec   ir.SourceSpec
	Path   string
	Build  func(node ir.Value, path string) (any, error)
	Report func(err error)
}

// Context returns c.Ctx or a background context.
func (c Context) Context() context.Context {
	if c.Ctx == nil {
		return context.Background()
	}
	return c.Ctx
}

func (c Context) report(errs ...error) {
	if c.Report == nil {
		return
	}
	for _, err := range errs {
		c.Report(err)
	}
}

// Factory constructs an instance. Factories must not start I/O; starting
// happens when the graph the instance belongs to is started.
type Factory func(c Context) (any, error)

// Registration describes one registered type.
type Registration struct {
	Name        string
	Kind        Kind
	Factory     Factory
	Singleton   bool
	Description string
}

// Option configures a registration.
type Option func(*Registration)

// Singleton marks a type whose instances are shared by canonical
// configuration.
func Singleton() Option {
	return func(r *Registration) { r.Singleton = true }
}

// Describe attaches a human-readable description.
func Describe(desc string) Option {
	return func(r *Registration) { r.Description = desc }
}

// Registry holds type registrations and the singleton cache.
//
// Thread-safety: all methods are safe for concurrent use. Construction of
// a singleton is guarded per cache key, so concurrent first access to the
// same key builds exactly one instance while other keys proceed in
// parallel.
type Registry struct {
	mu    sync.RWMutex
	types map[string]*Registration

	cacheMu sync.Mutex
	cache   map[string]*entry

	metrics *metric.Metrics
}

type entry struct {
	mu    sync.Mutex
	done  bool
	value any
}

// New creates an empty registry. metrics may be nil.
func New(metrics *metric.Metrics) *Registry {
	return &Registry{
		types:   make(map[string]*Registration),
		cache:   make(map[string]*entry),
		metrics: metrics,
	}
}

// RegisterType registers a factory under a qualified type name.
func (r *Registry) RegisterType(name string, kind Kind, factory Factory, opts ...Option) error {
	if name == "" {
		return fmt.Errorf("register type: empty name")
	}
	if factory == nil {
		return fmt.Errorf("register type %s: nil factory", name)
	}
	reg := &Registration{Name: name, Kind: kind, Factory: factory}
	for _, opt := range opts {
		opt(reg)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.types[name]; exists {
		return fmt.Errorf("register type %s: already registered", name)
	}
	r.types[name] = reg
	return nil
}

// MustRegisterType is RegisterType that panics on error, for use during
// process setup.
func (r *Registry) MustRegisterType(name string, kind Kind, factory Factory, opts ...Option) {
	if err := r.RegisterType(name, kind, factory, opts...); err != nil {
		panic(err)
	}
}

// Lookup returns a copy of the registration for name.
func (r *Registry) Lookup(name string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.types[name]
	if !ok {
		return Registration{}, false
	}
	return *reg, true
}

// Types returns every registered type name in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Get returns the instance for c.Spec: the cached one for singleton
// types, a fresh one otherwise. A failed construction is not cached.
func (r *Registry) Get(c Context) (any, error) {
	reg, ok := r.Lookup(c.Spec.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, c.Spec.Type)
	}
	if !reg.Singleton {
		return r.build(reg, c)
	}

	key, err := ir.CanonicalConfig(c.Spec)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", c.Spec.Type, err)
	}

	r.cacheMu.Lock()
	e, ok := r.cache[key]
	if !ok {
		e = &entry{}
		r.cache[key] = e
	}
	r.cacheMu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return e.value, nil
	}

	v, err := r.build(reg, c)
	if err != nil {
		r.cacheMu.Lock()
		if r.cache[key] == e {
			delete(r.cache, key)
		}
		r.cacheMu.Unlock()
		return nil, err
	}
	e.value = v
	e.done = true
	r.metrics.SetCachedInstances(r.Len())
	return v, nil
}

// New always constructs a fresh instance, bypassing the cache.
func (r *Registry) New(c Context) (any, error) {
	reg, ok := r.Lookup(c.Spec.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, c.Spec.Type)
	}
	return r.build(reg, c)
}

func (r *Registry) build(reg Registration, c Context) (any, error) {
	v, err := reg.Factory(c)
	if err != nil {
		return nil, fmt.Errorf("build %s: %w", reg.Name, err)
	}
	if v == nil {
		return nil, fmt.Errorf("build %s: factory returned nil", reg.Name)
	}
	return v, nil
}

// ClearCache drops every cached instance. References handed out earlier
// stay usable but are no longer shared with later Get calls.
func (r *Registry) ClearCache() {
	r.cacheMu.Lock()
	r.cache = make(map[string]*entry)
	r.cacheMu.Unlock()
	r.metrics.SetCachedInstances(0)
}

// Len returns the number of cache entries.
func (r *Registry) Len() int {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	return len(r.cache)
}
