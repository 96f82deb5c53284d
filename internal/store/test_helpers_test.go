package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/funf-org/funf/internal/ir"
)

// createTestStore creates a new store in a temp directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var testEpoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// createTestRequest creates an enabled periodic request.
func createTestRequest(requesterID string, period time.Duration) ir.Request {
	return ir.Request{
		RequesterID: requesterID,
		Enabled:     true,
		Schedule:    ir.Schedule{Period: period},
		Extra:       ir.Object{},
		SubmittedAt: testEpoch,
	}
}
