package probe

import (
	"context"
	"encoding/json"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/funf-org/funf/internal/ir"
)

// MemoryStore is an in-process Persistence used when no database is
// configured and in tests. Its content does not survive a restart.
type MemoryStore struct {
	mu          sync.Mutex
	requests    map[string]map[string]ir.Request
	lastRun     map[string]time.Time
	params      map[string]ir.RunParams
	checkpoints map[string]json.RawMessage
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests:    make(map[string]map[string]ir.Request),
		lastRun:     make(map[string]time.Time),
		params:      make(map[string]ir.RunParams),
		checkpoints: make(map[string]json.RawMessage),
	}
}

func (m *MemoryStore) PutRequest(_ context.Context, sourceKey string, r ir.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !r.Enabled {
		delete(m.requests[sourceKey], r.RequesterID)
		return nil
	}
	if m.requests[sourceKey] == nil {
		m.requests[sourceKey] = make(map[string]ir.Request)
	}
	r.Extra = r.Extra.Clone()
	m.requests[sourceKey][r.RequesterID] = r
	return nil
}

func (m *MemoryStore) DeleteRequest(_ context.Context, sourceKey, requesterID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.requests[sourceKey], requesterID)
	return nil
}

func (m *MemoryStore) ListRequests(_ context.Context, sourceKey string) ([]ir.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ir.Request, 0, len(m.requests[sourceKey]))
	for _, r := range m.requests[sourceKey] {
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b ir.Request) int {
		return strings.Compare(a.RequesterID, b.RequesterID)
	})
	return out, nil
}

func (m *MemoryStore) SaveRunState(_ context.Context, sourceKey string, lastRun time.Time, params ir.RunParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastRun[sourceKey] = lastRun
	m.params[sourceKey] = params
	return nil
}

func (m *MemoryStore) LoadRunState(_ context.Context, sourceKey string) (time.Time, ir.RunParams, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRun[sourceKey], m.params[sourceKey], nil
}

func (m *MemoryStore) SaveCheckpoint(_ context.Context, sourceKey string, cp json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints[sourceKey] = slices.Clone(cp)
	return nil
}

func (m *MemoryStore) LoadCheckpoint(_ context.Context, sourceKey string) (json.RawMessage, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.checkpoints[sourceKey]
	return slices.Clone(cp), ok, nil
}
