package testutil

import (
	"slices"
	"sync"

	"github.com/funf-org/funf/internal/ir"
)

// Recorder collects records delivered to OnData. It satisfies the
// listener interfaces of the probe and datasource packages.
type Recorder struct {
	mu      sync.Mutex
	records []ir.Record
}

// OnData appends rec.
func (r *Recorder) OnData(rec ir.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
}

// Records returns a copy of everything received so far.
func (r *Recorder) Records() []ir.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.records)
}

// Len returns the number of records received.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// Reset forgets every record.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = nil
}
