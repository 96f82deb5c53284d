package probe

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/funf-org/funf/internal/ir"
)

// Manager owns the lifecycles of a process. Lifecycles are keyed by
// source key, so two declarations of the same (type, configuration)
// share one lifecycle and one request set.
type Manager struct {
	deps Deps

	mu         sync.Mutex
	lifecycles map[string]*Lifecycle
}

// NewManager creates a manager whose lifecycles share deps.
func NewManager(deps Deps) *Manager {
	return &Manager{
		deps:       deps.withDefaults(),
		lifecycles: make(map[string]*Lifecycle),
	}
}

// Lifecycle returns the lifecycle for spec, creating it with build on
// first use. A new lifecycle is registered with the store and restored
// from persisted state before it is returned.
func (m *Manager) Lifecycle(ctx context.Context, spec ir.SourceSpec, build func() (Source, error)) (*Lifecycle, error) {
	key, err := ir.SourceKey(spec)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if lc, ok := m.lifecycles[key]; ok {
		m.mu.Unlock()
		if !lc.spec.Equal(spec) {
			return nil, &LifecycleError{Code: ErrCodeSpecMismatch, SourceKey: key}
		}
		return lc, nil
	}
	m.mu.Unlock()

	src, err := build()
	if err != nil {
		return nil, fmt.Errorf("build source %s: %w", spec.Type, err)
	}
	lc, err := NewLifecycle(spec, src, m.deps)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if existing, ok := m.lifecycles[key]; ok {
		m.mu.Unlock()
		return existing, nil
	}
	m.lifecycles[key] = lc
	m.mu.Unlock()

	if reg, ok := m.deps.Store.(sourceRegistrar); ok {
		if err := reg.RegisterSource(ctx, key, spec); err != nil {
			lc.logger.Warn("register source failed", "error", err)
		}
	}
	if err := lc.Restore(ctx); err != nil {
		lc.logger.Warn("resume after restore failed", "error", err)
	}
	return lc, nil
}

// Get returns the lifecycle registered under key.
func (m *Manager) Get(key string) (*Lifecycle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lc, ok := m.lifecycles[key]
	return lc, ok
}

// Keys returns every registered source key in sorted order.
func (m *Manager) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.lifecycles))
	for k := range m.lifecycles {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// HandleAlarm routes a fired timer key to its lifecycle. Unknown keys are
// ignored. It has the signature of alarm.Handler.
func (m *Manager) HandleAlarm(key string) {
	ctx := context.Background()
	if base, ok := strings.CutSuffix(key, stopKeySuffix); ok {
		if lc, found := m.Get(base); found {
			lc.onStopDeadline(ctx)
		}
		return
	}
	lc, ok := m.Get(key)
	if !ok {
		m.deps.Logger.Debug("alarm for unknown source", "key", key)
		return
	}
	lc.OnTimerFire(ctx)
}

// Shutdown disables every lifecycle. Requests stay persisted so the next
// process resumes them.
func (m *Manager) Shutdown(ctx context.Context) {
	for _, key := range m.Keys() {
		if lc, ok := m.Get(key); ok {
			lc.Disable(ctx)
		}
	}
}
