package probe

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/funf-org/funf/internal/ir"
)

// Run is the handle a source receives for one invocation of OnRun. Its
// methods are safe to call from any goroutine. Once the run has ended,
// Emit drops records and Complete/Fail are no-ops.
type Run struct {
	lc      *Lifecycle
	seq     uint64
	params  ir.RunParams
	started time.Time

	// Guarded by lc.mu.
	inHook    bool
	completed bool
	failErr   error
	served    map[string]time.Time
}

// ID identifies the run within its source for logging.
func (r *Run) ID() string {
	return fmt.Sprintf("%s#%d", r.lc.key, r.seq)
}

// Params returns the merged parameters of the run.
func (r *Run) Params() ir.RunParams {
	return cloneParams(r.params)
}

// Started returns when the run began.
func (r *Run) Started() time.Time {
	return r.started
}

// Active reports whether the run is still the current run of its source.
func (r *Run) Active() bool {
	r.lc.mu.Lock()
	defer r.lc.mu.Unlock()
	return r.lc.current == r && !r.completed
}

// Emit delivers data to the source's listeners. It returns false when the
// run is no longer current and the record was dropped.
func (r *Run) Emit(data ir.Object) bool {
	lc := r.lc
	lc.mu.Lock()
	if lc.current != r {
		lc.mu.Unlock()
		return false
	}
	listeners := make([]Listener, 0, len(lc.listeners))
	ids := make([]uint64, 0, len(lc.listeners))
	for id := range lc.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		listeners = append(listeners, lc.listeners[id])
	}
	lc.mu.Unlock()

	rec := ir.Record{Source: lc.key, Time: lc.deps.Clock.Now(), Data: data.Clone()}
	lc.deps.Metrics.RecordEmitted(lc.spec.Type)
	for _, l := range listeners {
		l.OnData(rec)
	}
	return true
}

// Complete signals that the run finished successfully.
func (r *Run) Complete() {
	r.end(nil)
}

// Fail signals that the run finished with an error. Scheduling continues
// as if it had completed, but the checkpoint is not persisted.
func (r *Run) Fail(err error) {
	if err == nil {
		err = fmt.Errorf("run failed")
	}
	r.end(err)
}

func (r *Run) end(err error) {
	lc := r.lc
	lc.mu.Lock()
	if lc.current != r || r.completed {
		lc.mu.Unlock()
		return
	}
	r.completed = true
	r.failErr = err
	if r.inHook {
		// OnTimerFire finishes the run once OnRun returns.
		lc.mu.Unlock()
		return
	}
	lc.mu.Unlock()

	lc.op.Lock()
	defer lc.op.Unlock()
	lc.finishRun(context.Background(), r, err, true)
}

// serve records that r's current submission takes part in this run.
// Caller holds lc.mu.
func (r *Run) serve(req ir.Request) {
	r.served[req.RequesterID] = req.SubmittedAt
}
