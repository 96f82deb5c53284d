package probe

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/funf-org/funf/internal/alarm"
	"github.com/funf-org/funf/internal/ir"
	"github.com/funf-org/funf/internal/metric"
	"github.com/funf-org/funf/internal/schedule"
)

// runTolerance absorbs timer jitter when deciding whether a run is due.
const runTolerance = 100 * time.Millisecond

// stopKeySuffix marks the timer key of a run's stop deadline.
const stopKeySuffix = "#stop"

// Deps are the collaborators shared by every lifecycle of a process.
type Deps struct {
	Timer   alarm.Timer
	Clock   alarm.Clock
	Store   Persistence
	Logger  *slog.Logger
	Metrics *metric.Metrics
}

func (d Deps) withDefaults() Deps {
	if d.Timer == nil {
		d.Timer = nopTimer{}
	}
	if d.Clock == nil {
		d.Clock = alarm.SystemClock{}
	}
	if d.Store == nil {
		d.Store = NewMemoryStore()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return d
}

type nopTimer struct{}

func (nopTimer) Schedule(string, time.Time, bool) {}
func (nopTimer) Cancel(string)                    {}

// Lifecycle is the state machine around one Source.
type Lifecycle struct {
	key      string
	spec     ir.SourceSpec
	source   Source
	defaults ir.Schedule
	deps     Deps
	logger   *slog.Logger

	// op serializes transitions. It is held while OnEnable, OnStop and
	// OnDisable run, but not while OnRun runs.
	op sync.Mutex

	mu         sync.Mutex
	state      ir.ProbeState
	restored   bool
	requests   map[string]ir.Request
	lastRun    time.Time
	lastParams ir.RunParams
	decision   ir.RunDecision
	current    *Run
	runSeq     uint64
	stopAt     time.Time
	listeners  map[uint64]Listener
	listenerID uint64
}

// NewLifecycle wraps source under the identity of spec. The lifecycle
// starts DISABLED; persisted state is loaded on Restore or on first use.
func NewLifecycle(spec ir.SourceSpec, source Source, deps Deps) (*Lifecycle, error) {
	key, err := ir.SourceKey(spec)
	if err != nil {
		return nil, fmt.Errorf("new lifecycle: %w", err)
	}
	deps = deps.withDefaults()
	lc := &Lifecycle{
		key:       key,
		spec:      spec,
		source:    source,
		deps:      deps,
		logger:    deps.Logger.With("source", key),
		requests:  make(map[string]ir.Request),
		listeners: make(map[uint64]Listener),
	}
	if ds, ok := source.(DefaultScheduler); ok {
		lc.defaults = ds.DefaultSchedule()
	}
	return lc, nil
}

// Key returns the source key used for persistence and timer routing.
func (lc *Lifecycle) Key() string { return lc.key }

// Spec returns the source's identity.
func (lc *Lifecycle) Spec() ir.SourceSpec { return lc.spec }

// Source returns the wrapped implementation.
func (lc *Lifecycle) Source() Source { return lc.source }

// State returns the current lifecycle state.
func (lc *Lifecycle) State() ir.ProbeState {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.state
}

// Requests returns the active requests ordered by requester id.
func (lc *Lifecycle) Requests() []ir.Request {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.requestListLocked()
}

// Decision returns the most recent scheduling decision.
func (lc *Lifecycle) Decision() ir.RunDecision {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.decision
}

// LastRun returns the start time and parameters of the latest run.
func (lc *Lifecycle) LastRun() (time.Time, ir.RunParams) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.lastRun, lc.lastParams
}

// AddListener registers l for records of the current run and returns a
// function that removes it.
func (lc *Lifecycle) AddListener(l Listener) (remove func()) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.listenerID++
	id := lc.listenerID
	lc.listeners[id] = l
	return func() {
		lc.mu.Lock()
		defer lc.mu.Unlock()
		delete(lc.listeners, id)
	}
}

func (lc *Lifecycle) requestListLocked() []ir.Request {
	out := slices.Collect(maps.Values(lc.requests))
	slices.SortFunc(out, func(a, b ir.Request) int {
		return strings.Compare(a.RequesterID, b.RequesterID)
	})
	return out
}

// oneShot reports whether r asks for a single run once the source's
// defaults are applied.
func (lc *Lifecycle) oneShot(r ir.Request) bool {
	return lc.defaults.Merge(r.Schedule).Period == 0
}

func (lc *Lifecycle) stopKey() string {
	return lc.key + stopKeySuffix
}

// Restore loads persisted requests, run state and checkpoint. When
// demand was restored the source is enabled and its next run armed, so a
// restarted process resumes where it stopped.
func (lc *Lifecycle) Restore(ctx context.Context) error {
	lc.op.Lock()
	defer lc.op.Unlock()

	lc.restoreLocked(ctx)

	lc.mu.Lock()
	resume := len(lc.requests) > 0 && lc.state == ir.StateDisabled
	lc.mu.Unlock()
	if !resume {
		return nil
	}
	if err := lc.enable(ctx); err != nil {
		return err
	}
	lc.rearm()
	return nil
}

// restoreLocked reads persisted state once. Failures are logged and leave
// the in-memory state as it is. Caller holds op.
func (lc *Lifecycle) restoreLocked(ctx context.Context) {
	lc.mu.Lock()
	if lc.restored {
		lc.mu.Unlock()
		return
	}
	lc.restored = true
	lc.mu.Unlock()

	requests, err := lc.deps.Store.ListRequests(ctx, lc.key)
	if err != nil {
		lc.logger.Warn("restore requests failed", "error", err)
	}
	lastRun, params, err := lc.deps.Store.LoadRunState(ctx, lc.key)
	if err != nil {
		lc.logger.Warn("restore run state failed", "error", err)
	}

	lc.mu.Lock()
	for _, r := range requests {
		if _, ok := lc.requests[r.RequesterID]; !ok {
			lc.requests[r.RequesterID] = r
		}
	}
	if lc.lastRun.IsZero() {
		lc.lastRun, lc.lastParams = lastRun, params
	}
	lc.mu.Unlock()

	inc, ok := lc.source.(Incremental)
	if !ok {
		return
	}
	cp, found, err := lc.deps.Store.LoadCheckpoint(ctx, lc.key)
	if err != nil {
		lc.logger.Warn("restore checkpoint failed", "error", err)
		return
	}
	if !found {
		return
	}
	if err := inc.SetCheckpoint(cp); err != nil {
		lc.logger.Warn("checkpoint rejected by source", "error", err)
	}
}

// Enable moves a DISABLED source to ENABLED. It is a no-op in any other
// state.
func (lc *Lifecycle) Enable(ctx context.Context) error {
	lc.op.Lock()
	defer lc.op.Unlock()
	return lc.enable(ctx)
}

func (lc *Lifecycle) enable(ctx context.Context) error {
	lc.restoreLocked(ctx)

	lc.mu.Lock()
	if lc.state != ir.StateDisabled {
		lc.mu.Unlock()
		return nil
	}
	lc.mu.Unlock()

	if err := lc.callHook(ctx, "OnEnable", lc.source.OnEnable); err != nil {
		lc.logger.Error("enable failed", "error", err)
		return err
	}

	lc.mu.Lock()
	lc.state = ir.StateEnabled
	lc.mu.Unlock()

	lc.deps.Metrics.AddActiveSources(1)
	lc.logger.Debug("source enabled")
	return nil
}

// SubmitRequest stores r, replacing any earlier request from the same
// requester, or deletes it when r.Enabled is false. The next run is then
// re-resolved and the timer re-armed. A source left without requests is
// disabled.
//
// A one-shot request carrying a duration that arrives while the source
// is running joins the current run and can only push its stop deadline
// later.
func (lc *Lifecycle) SubmitRequest(ctx context.Context, r ir.Request) error {
	if r.RequesterID == "" {
		return &LifecycleError{Code: ErrCodeInvalidRequest, SourceKey: lc.key, Err: fmt.Errorf("empty requester id")}
	}

	lc.op.Lock()
	defer lc.op.Unlock()

	lc.restoreLocked(ctx)

	now := lc.deps.Clock.Now()
	if r.SubmittedAt.IsZero() {
		r.SubmittedAt = now
	}
	r.Extra = r.Extra.Clone()

	lc.mu.Lock()
	if r.Enabled {
		lc.requests[r.RequesterID] = r
	} else {
		delete(lc.requests, r.RequesterID)
	}
	empty := len(lc.requests) == 0
	disabled := lc.state == ir.StateDisabled
	stopAt := lc.joinRunLocked(r, now)
	lc.mu.Unlock()

	if !stopAt.IsZero() {
		lc.deps.Timer.Schedule(lc.stopKey(), stopAt, true)
	}

	var err error
	if r.Enabled {
		err = lc.deps.Store.PutRequest(ctx, lc.key, r)
	} else {
		err = lc.deps.Store.DeleteRequest(ctx, lc.key, r.RequesterID)
	}
	if err != nil {
		lc.logger.Warn("persist request failed", "requester", r.RequesterID, "error", err)
	}

	lc.logger.Debug("request submitted",
		"requester", r.RequesterID,
		"enabled", r.Enabled,
		"period", r.Schedule.Period,
		"duration", r.Schedule.Duration,
	)

	if empty {
		lc.disable(ctx)
		return nil
	}
	if disabled {
		if err := lc.enable(ctx); err != nil {
			return err
		}
	}
	lc.rearm()
	return nil
}

// joinRunLocked attaches a duration-bounded one-shot request to the run
// in progress. It returns the new stop deadline when it moved.
func (lc *Lifecycle) joinRunLocked(r ir.Request, now time.Time) time.Time {
	run := lc.current
	if run == nil || !r.Enabled || !lc.oneShot(r) || r.Schedule.Duration <= 0 {
		return time.Time{}
	}
	run.serve(r)
	if !slices.Contains(lc.lastParams.Requesters, r.RequesterID) {
		lc.lastParams.Requesters = append(slices.Clone(lc.lastParams.Requesters), r.RequesterID)
	}
	deadline := now.Add(r.Schedule.Duration)
	if !deadline.After(lc.stopAt) {
		return time.Time{}
	}
	lc.stopAt = deadline
	return deadline
}

// OnTimerFire starts a run when the armed decision is due. Fires that
// arrive while the source is disabled, already running, or early are
// ignored apart from re-arming.
func (lc *Lifecycle) OnTimerFire(ctx context.Context) {
	lc.op.Lock()

	lc.mu.Lock()
	if lc.state != ir.StateEnabled || !lc.decision.Scheduled() {
		lc.mu.Unlock()
		lc.op.Unlock()
		return
	}
	d := lc.decision
	now := lc.deps.Clock.Now()
	if now.Add(runTolerance).Before(d.NextRunTime) || !schedule.Due(now, d.Params, lc.lastRun, runTolerance) {
		lc.mu.Unlock()
		lc.rearm()
		lc.op.Unlock()
		return
	}

	lc.runSeq++
	run := &Run{
		lc:      lc,
		seq:     lc.runSeq,
		params:  cloneParams(d.Params),
		started: now,
		inHook:  true,
		served:  make(map[string]time.Time),
	}
	for _, id := range run.params.Requesters {
		if r, ok := lc.requests[id]; ok {
			run.serve(r)
		}
	}
	lc.current = run
	lc.state = ir.StateRunning
	lc.lastRun = now
	lc.lastParams = cloneParams(run.params)
	var stopAt time.Time
	if dur := run.params.Schedule.Duration; dur > 0 {
		if deadline := now.Add(dur); deadline.After(lc.stopAt) {
			lc.stopAt = deadline
		}
		stopAt = lc.stopAt
	}
	lc.mu.Unlock()

	if !stopAt.IsZero() {
		lc.deps.Timer.Schedule(lc.stopKey(), stopAt, true)
	}
	if err := lc.deps.Store.SaveRunState(ctx, lc.key, now, run.params); err != nil {
		lc.logger.Warn("persist run state failed", "error", err)
	}
	lc.deps.Metrics.RecordRunStarted(lc.spec.Type)
	lc.logger.Info("source run started",
		"run", run.ID(),
		"requesters", run.params.Requesters,
		"duration", run.params.Schedule.Duration,
	)
	lc.op.Unlock()

	err := lc.invokeRun(ctx, run)

	lc.op.Lock()
	defer lc.op.Unlock()

	lc.mu.Lock()
	run.inHook = false
	active := lc.current == run
	done := run.completed || err != nil
	failure := run.failErr
	if err != nil {
		failure = err
	}
	lc.mu.Unlock()

	if active && done {
		lc.finishRun(ctx, run, failure, true)
	}
}

// invokeRun calls OnRun, converting a panic into an error.
func (lc *Lifecycle) invokeRun(ctx context.Context, run *Run) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &LifecycleError{Code: ErrCodeRunPanic, SourceKey: lc.key, Hook: "OnRun", Err: fmt.Errorf("%v", p)}
		}
	}()
	if err := lc.source.OnRun(ctx, cloneParams(run.params), run); err != nil {
		return &LifecycleError{Code: ErrCodeHookFailed, SourceKey: lc.key, Hook: "OnRun", Err: err}
	}
	return nil
}

// callHook runs a lifecycle hook, converting errors and panics into a
// LifecycleError.
func (lc *Lifecycle) callHook(ctx context.Context, name string, hook func(context.Context) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &LifecycleError{Code: ErrCodeRunPanic, SourceKey: lc.key, Hook: name, Err: fmt.Errorf("%v", p)}
		}
	}()
	if err := hook(ctx); err != nil {
		return &LifecycleError{Code: ErrCodeHookFailed, SourceKey: lc.key, Hook: name, Err: err}
	}
	return nil
}

// finishRun ends run: RUNNING -> ENABLED, served one-shot requests are
// dropped, the checkpoint is persisted unless the run failed, and the
// next run is armed. Caller holds op.
func (lc *Lifecycle) finishRun(ctx context.Context, run *Run, failure error, rearm bool) {
	lc.mu.Lock()
	if lc.current != run {
		lc.mu.Unlock()
		return
	}
	lc.current = nil
	lc.state = ir.StateEnabled
	lc.stopAt = time.Time{}
	var served []string
	for id, submitted := range run.served {
		if r, ok := lc.requests[id]; ok && lc.oneShot(r) && r.SubmittedAt.Equal(submitted) {
			delete(lc.requests, id)
			served = append(served, id)
		}
	}
	empty := len(lc.requests) == 0
	lc.mu.Unlock()

	lc.deps.Timer.Cancel(lc.stopKey())
	elapsed := lc.deps.Clock.Now().Sub(run.started)
	lc.deps.Metrics.RecordRunDuration(lc.spec.Type, elapsed)

	if failure != nil {
		lc.deps.Metrics.RecordRunFailed(lc.spec.Type)
		lc.logger.Error("source run failed", "run", run.ID(), "error", failure)
	} else {
		lc.saveCheckpoint(ctx)
		lc.logger.Info("source run completed", "run", run.ID(), "elapsed", elapsed)
	}

	slices.Sort(served)
	for _, id := range served {
		if err := lc.deps.Store.DeleteRequest(ctx, lc.key, id); err != nil {
			lc.logger.Warn("persist request removal failed", "requester", id, "error", err)
		}
	}

	if !rearm {
		return
	}
	if empty {
		lc.disable(ctx)
		return
	}
	lc.rearm()
}

func (lc *Lifecycle) saveCheckpoint(ctx context.Context) {
	inc, ok := lc.source.(Incremental)
	if !ok {
		return
	}
	cp, err := inc.Checkpoint()
	if err != nil {
		lc.logger.Warn("checkpoint failed", "error", err)
		return
	}
	if err := lc.deps.Store.SaveCheckpoint(ctx, lc.key, cp); err != nil {
		lc.logger.Warn("persist checkpoint failed", "error", err)
	}
}

// Stop ends the current run. It is a no-op unless the source is RUNNING.
func (lc *Lifecycle) Stop(ctx context.Context) {
	lc.op.Lock()
	defer lc.op.Unlock()
	lc.stop(ctx, true)
}

func (lc *Lifecycle) stop(ctx context.Context, rearm bool) {
	lc.mu.Lock()
	run := lc.current
	if lc.state != ir.StateRunning || run == nil {
		lc.mu.Unlock()
		return
	}
	lc.mu.Unlock()

	if err := lc.callHook(ctx, "OnStop", lc.source.OnStop); err != nil {
		lc.logger.Warn("stop hook failed", "error", err)
	}
	lc.logger.Debug("source stopped", "run", run.ID())
	lc.finishRun(ctx, run, nil, rearm)
}

// onStopDeadline handles the stop timer of a duration-bounded run. The
// deadline may have moved later since the timer was armed.
func (lc *Lifecycle) onStopDeadline(ctx context.Context) {
	lc.op.Lock()
	defer lc.op.Unlock()

	lc.mu.Lock()
	if lc.state != ir.StateRunning || lc.stopAt.IsZero() {
		lc.mu.Unlock()
		return
	}
	stopAt := lc.stopAt
	early := lc.deps.Clock.Now().Add(runTolerance).Before(stopAt)
	lc.mu.Unlock()

	if early {
		lc.deps.Timer.Schedule(lc.stopKey(), stopAt, true)
		return
	}
	lc.stop(ctx, true)
}

// Disable cancels pending runs, stops a run in progress and tears the
// source down. Requests are kept; a later SubmitRequest or Restore
// enables the source again.
func (lc *Lifecycle) Disable(ctx context.Context) {
	lc.op.Lock()
	defer lc.op.Unlock()
	lc.disable(ctx)
}

func (lc *Lifecycle) disable(ctx context.Context) {
	lc.mu.Lock()
	if lc.state == ir.StateDisabled {
		lc.mu.Unlock()
		return
	}
	lc.decision = ir.RunDecision{}
	lc.mu.Unlock()

	lc.deps.Timer.Cancel(lc.key)
	lc.deps.Timer.Cancel(lc.stopKey())
	lc.stop(ctx, false)

	if err := lc.callHook(ctx, "OnDisable", lc.source.OnDisable); err != nil {
		lc.logger.Warn("disable hook failed", "error", err)
	}

	lc.mu.Lock()
	lc.state = ir.StateDisabled
	lc.decision = ir.RunDecision{}
	lc.mu.Unlock()

	lc.deps.Metrics.AddActiveSources(-1)
	lc.logger.Debug("source disabled")
}

// rearm re-resolves the next run and arms or cancels the timer. A running
// source is not armed; finishing the run re-arms it. Caller holds op.
func (lc *Lifecycle) rearm() {
	lc.mu.Lock()
	if lc.state == ir.StateDisabled {
		lc.mu.Unlock()
		return
	}
	d := schedule.Resolve(lc.deps.Clock.Now(), lc.requestListLocked(), lc.defaults, lc.lastRun, lc.lastParams)
	lc.decision = d
	running := lc.state == ir.StateRunning
	lc.mu.Unlock()

	if running {
		return
	}
	if !d.Scheduled() {
		lc.deps.Timer.Cancel(lc.key)
		return
	}
	lc.deps.Timer.Schedule(lc.key, d.NextRunTime, false)
}

func cloneParams(p ir.RunParams) ir.RunParams {
	return ir.RunParams{
		Schedule:   p.Schedule,
		Extra:      p.Extra.Clone(),
		Requesters: slices.Clone(p.Requesters),
	}
}
