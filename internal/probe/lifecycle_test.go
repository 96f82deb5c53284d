package probe

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/funf-org/funf/internal/ir"
	"github.com/funf-org/funf/internal/testutil"
)

func TestLifecycle_StartsDisabled(t *testing.T) {
	f := newFixture(t)
	lc := f.lifecycle(t, "probe.Stub", &stubSource{})
	assert.Equal(t, ir.StateDisabled, lc.State())
}

func TestLifecycle_FirstRequestArmsNow(t *testing.T) {
	f := newFixture(t)
	src := &stubSource{}
	lc := f.lifecycle(t, "probe.Stub", src)

	require.NoError(t, lc.SubmitRequest(context.Background(), periodic("requesterA", 60*time.Second)))

	assert.Equal(t, ir.StateEnabled, lc.State())
	assert.Equal(t, 1, src.count("enable"))
	alarm, ok := f.timer.Pending(lc.Key())
	require.True(t, ok)
	assert.Equal(t, t0, alarm.At)
	assert.Equal(t, 60*time.Second, lc.Decision().Params.Schedule.Period)
}

func TestLifecycle_EnableIdempotent(t *testing.T) {
	f := newFixture(t)
	src := &stubSource{}
	lc := f.lifecycle(t, "probe.Stub", src)
	ctx := context.Background()

	require.NoError(t, lc.Enable(ctx))
	require.NoError(t, lc.Enable(ctx))

	assert.Equal(t, ir.StateEnabled, lc.State())
	assert.Equal(t, 1, src.count("enable"))
}

func TestLifecycle_DisableAndStopIdempotent(t *testing.T) {
	f := newFixture(t)
	src := &stubSource{}
	lc := f.lifecycle(t, "probe.Stub", src)
	ctx := context.Background()

	lc.Stop(ctx)
	lc.Disable(ctx)
	assert.Empty(t, src.Calls(), "misuse on a disabled source is a no-op")

	require.NoError(t, lc.Enable(ctx))
	lc.Stop(ctx)
	lc.Disable(ctx)
	lc.Disable(ctx)

	assert.Equal(t, ir.StateDisabled, lc.State())
	assert.Equal(t, []string{"enable", "disable"}, src.Calls())
}

func TestLifecycle_RequestMerge(t *testing.T) {
	f := newFixture(t)
	lc := f.lifecycle(t, "probe.Stub", &stubSource{})
	ctx := context.Background()

	require.NoError(t, lc.SubmitRequest(ctx, periodic("a", time.Minute)))
	require.NoError(t, lc.SubmitRequest(ctx, periodic("a", 5*time.Second)))

	reqs := lc.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, 5*time.Second, reqs[0].Schedule.Period)

	stored, err := f.store.ListRequests(ctx, lc.Key())
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, 5*time.Second, stored[0].Schedule.Period)
}

func TestLifecycle_RemovingLastRequestDisables(t *testing.T) {
	f := newFixture(t)
	src := &stubSource{}
	lc := f.lifecycle(t, "probe.Stub", src)
	ctx := context.Background()

	require.NoError(t, lc.SubmitRequest(ctx, periodic("a", time.Minute)))
	off := periodic("a", 0)
	off.Enabled = false
	require.NoError(t, lc.SubmitRequest(ctx, off))

	assert.Equal(t, ir.StateDisabled, lc.State())
	_, armed := f.timer.Pending(lc.Key())
	assert.False(t, armed)
	assert.Equal(t, 1, src.count("disable"))
}

func TestLifecycle_InvalidRequest(t *testing.T) {
	f := newFixture(t)
	lc := f.lifecycle(t, "probe.Stub", &stubSource{})

	err := lc.SubmitRequest(context.Background(), ir.Request{Enabled: true})
	assert.True(t, IsLifecycleError(err, ErrCodeInvalidRequest))
}

func TestLifecycle_PeriodicRuns(t *testing.T) {
	f := newFixture(t)
	src := &stubSource{emit: []ir.Object{{"v": ir.Int(1)}}}
	lc := f.lifecycle(t, "probe.Stub", src)
	rec := &testutil.Recorder{}
	lc.AddListener(rec)

	require.NoError(t, lc.SubmitRequest(context.Background(), periodic("a", 10*time.Second)))

	assert.Equal(t, []string{lc.Key()}, f.timer.FireDue())
	assert.Equal(t, ir.StateEnabled, lc.State(), "synchronous completion returns to ENABLED")
	require.Equal(t, 1, rec.Len())
	assert.Equal(t, lc.Key(), rec.Records()[0].Source)

	alarm, ok := f.timer.Pending(lc.Key())
	require.True(t, ok)
	assert.Equal(t, t0.Add(10*time.Second), alarm.At)

	f.clock.Advance(10 * time.Second)
	f.timer.FireDue()
	assert.Equal(t, 2, src.count("run"))
	assert.Equal(t, 2, rec.Len())

	last, params := lc.LastRun()
	assert.Equal(t, t0.Add(10*time.Second), last)
	assert.Equal(t, []string{"a"}, params.Requesters)
}

func TestLifecycle_EarlyFireIgnored(t *testing.T) {
	f := newFixture(t)
	src := &stubSource{}
	lc := f.lifecycle(t, "probe.Stub", src)
	require.NoError(t, lc.SubmitRequest(context.Background(), periodic("a", time.Minute)))
	f.timer.FireDue()
	require.Equal(t, 1, src.count("run"))

	f.clock.Advance(10 * time.Second)
	lc.OnTimerFire(context.Background())

	assert.Equal(t, 1, src.count("run"))
	alarm, ok := f.timer.Pending(lc.Key())
	require.True(t, ok)
	assert.Equal(t, t0.Add(time.Minute), alarm.At)
}

func TestLifecycle_WindowClosedWhileOverdue(t *testing.T) {
	f := newFixture(t)
	src := &stubSource{}
	lc := f.lifecycle(t, "probe.Stub", src)
	r := periodic("a", time.Minute)
	r.Schedule.End = t0.Add(time.Minute)
	require.NoError(t, lc.SubmitRequest(context.Background(), r))
	f.timer.FireDue()
	require.Equal(t, 1, src.count("run"))

	f.clock.Advance(90 * time.Second)
	assert.Equal(t, []string{lc.Key()}, f.timer.FireDue())

	assert.Equal(t, 1, src.count("run"))
	assert.False(t, lc.Decision().Scheduled())
	_, ok := f.timer.Pending(lc.Key())
	assert.False(t, ok)
}

func TestLifecycle_AsyncCompletion(t *testing.T) {
	f := newFixture(t)
	src := &stubSource{holdRun: true}
	lc := f.lifecycle(t, "probe.Stub", src)
	rec := &testutil.Recorder{}
	lc.AddListener(rec)

	require.NoError(t, lc.SubmitRequest(context.Background(), periodic("a", time.Minute)))
	f.timer.FireDue()

	assert.Equal(t, ir.StateRunning, lc.State(), "run stays open until completed")
	_, armed := f.timer.Pending(lc.Key())
	assert.False(t, armed, "no next run is armed while running")

	run := src.lastRun()
	assert.True(t, run.Emit(ir.Object{"late": ir.Bool(true)}))
	run.Complete()

	assert.Equal(t, ir.StateEnabled, lc.State())
	assert.False(t, run.Emit(ir.Object{"stale": ir.Bool(true)}), "finished runs cannot emit")
	assert.Equal(t, 1, rec.Len())
	_, armed = f.timer.Pending(lc.Key())
	assert.True(t, armed)

	run.Complete()
	assert.Equal(t, ir.StateEnabled, lc.State())
}

func TestLifecycle_RunFailureKeepsScheduling(t *testing.T) {
	tests := []struct {
		name string
		src  *stubSource
	}{
		{"error", &stubSource{runErr: errors.New("sensor offline")}},
		{"panic", &stubSource{panicOnRun: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			lc := f.lifecycle(t, "probe.Stub", tt.src)

			require.NoError(t, lc.SubmitRequest(context.Background(), periodic("a", time.Minute)))
			f.timer.FireDue()

			assert.Equal(t, ir.StateEnabled, lc.State())
			alarm, ok := f.timer.Pending(lc.Key())
			require.True(t, ok)
			assert.Equal(t, t0.Add(time.Minute), alarm.At)

			f.clock.Advance(time.Minute)
			f.timer.FireDue()
			assert.Equal(t, 2, tt.src.count("run"))
		})
	}
}

func TestLifecycle_OneShotServedThenDisabled(t *testing.T) {
	f := newFixture(t)
	src := &stubSource{}
	lc := f.lifecycle(t, "probe.Stub", src)

	require.NoError(t, lc.SubmitRequest(context.Background(), ir.Request{RequesterID: "once", Enabled: true}))
	f.timer.FireDue()

	assert.Equal(t, 1, src.count("run"))
	assert.Empty(t, lc.Requests())
	assert.Equal(t, ir.StateDisabled, lc.State())

	stored, err := f.store.ListRequests(context.Background(), lc.Key())
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestLifecycle_OneShotAlongsidePeriodic(t *testing.T) {
	f := newFixture(t)
	src := &stubSource{}
	lc := f.lifecycle(t, "probe.Stub", src)
	ctx := context.Background()

	require.NoError(t, lc.SubmitRequest(ctx, periodic("periodic", time.Minute)))
	f.timer.FireDue()

	f.clock.Advance(5 * time.Second)
	require.NoError(t, lc.SubmitRequest(ctx, ir.Request{RequesterID: "now", Enabled: true}))
	alarm, ok := f.timer.Pending(lc.Key())
	require.True(t, ok)
	assert.Equal(t, t0.Add(5*time.Second), alarm.At, "one-shot runs immediately")

	f.timer.FireDue()
	assert.Equal(t, 2, src.count("run"))
	require.Len(t, lc.Requests(), 1)
	assert.Equal(t, "periodic", lc.Requests()[0].RequesterID)
	assert.Equal(t, ir.StateEnabled, lc.State())
}

func TestLifecycle_DurationStop(t *testing.T) {
	f := newFixture(t)
	src := &stubSource{holdRun: true}
	lc := f.lifecycle(t, "probe.Stub", src)
	ctx := context.Background()

	req := ir.Request{RequesterID: "a", Enabled: true, Schedule: ir.Schedule{Duration: 10 * time.Second}}
	require.NoError(t, lc.SubmitRequest(ctx, req))
	f.timer.FireDue()
	require.Equal(t, ir.StateRunning, lc.State())

	stopKey := lc.Key() + stopKeySuffix
	alarm, ok := f.timer.Pending(stopKey)
	require.True(t, ok)
	assert.Equal(t, t0.Add(10*time.Second), alarm.At)

	// A shorter request does not pull the deadline in.
	f.clock.Advance(2 * time.Second)
	require.NoError(t, lc.SubmitRequest(ctx, ir.Request{RequesterID: "b", Enabled: true, Schedule: ir.Schedule{Duration: 3 * time.Second}}))
	alarm, _ = f.timer.Pending(stopKey)
	assert.Equal(t, t0.Add(10*time.Second), alarm.At)

	// A longer one pushes it out.
	require.NoError(t, lc.SubmitRequest(ctx, ir.Request{RequesterID: "c", Enabled: true, Schedule: ir.Schedule{Duration: 20 * time.Second}}))
	alarm, _ = f.timer.Pending(stopKey)
	assert.Equal(t, t0.Add(22*time.Second), alarm.At)

	f.clock.Advance(20 * time.Second)
	f.timer.FireDue()

	assert.Equal(t, 1, src.count("stop"))
	assert.Equal(t, 1, src.count("run"), "joined requests are served by the same run")
	assert.Empty(t, lc.Requests())
	assert.Equal(t, ir.StateDisabled, lc.State())
}

func TestLifecycle_DisableWhileRunning(t *testing.T) {
	f := newFixture(t)
	src := &stubSource{holdRun: true}
	lc := f.lifecycle(t, "probe.Stub", src)
	ctx := context.Background()

	require.NoError(t, lc.SubmitRequest(ctx, periodic("a", time.Minute)))
	f.timer.FireDue()
	run := src.lastRun()

	lc.Disable(ctx)
	assert.Equal(t, ir.StateDisabled, lc.State())
	assert.Equal(t, []string{"enable", "run", "stop", "disable"}, src.Calls())
	assert.False(t, run.Active())

	f.clock.Advance(time.Minute)
	lc.OnTimerFire(ctx)
	assert.Equal(t, 1, src.count("run"), "no run starts after disable")

	require.Len(t, lc.Requests(), 1, "disable keeps demand")
}

func TestLifecycle_CheckpointSuppression(t *testing.T) {
	f := newFixture(t)
	data := map[string]int64{"r1": 1, "r2": 1}
	src := newVersionSource(data)
	lc := f.lifecycle(t, "probe.Versioned", src)
	rec := &testutil.Recorder{}
	lc.AddListener(rec)
	ctx := context.Background()

	require.NoError(t, lc.SubmitRequest(ctx, periodic("a", time.Minute)))
	f.timer.FireDue()
	assert.Equal(t, 2, rec.Len())

	// Restart: a fresh manager over the same store restores the checkpoint
	// before the first run.
	restarted := newVersionSource(map[string]int64{"r1": 1, "r2": 2})
	f.manager = f.newManager(f.store)
	lc2 := f.lifecycle(t, "probe.Versioned", restarted)
	rec2 := &testutil.Recorder{}
	lc2.AddListener(rec2)

	assert.Equal(t, "set-checkpoint", restarted.Calls()[0], "checkpoint restored before any run")
	assert.Equal(t, ir.StateEnabled, lc2.State(), "persisted demand resumes")
	assert.Equal(t, 0, rec2.Len(), "restoring a checkpoint emits nothing")

	f.clock.Advance(time.Minute)
	f.timer.FireDue()

	require.Equal(t, 1, rec2.Len(), "only the changed record is emitted")
	got := rec2.Records()[0].Data
	assert.Equal(t, ir.String("r2"), got["id"])
	assert.Equal(t, ir.Int(2), got["version"])

	cp, ok, err := f.store.LoadCheckpoint(ctx, lc2.Key())
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"r1":1,"r2":2}`, string(cp))
}

func TestLifecycle_PersistenceFailureKeepsMemoryState(t *testing.T) {
	f := newFixture(t)
	f.manager = f.newManager(&failingStore{})
	src := &stubSource{}
	lc := f.lifecycle(t, "probe.Stub", src)

	require.NoError(t, lc.SubmitRequest(context.Background(), periodic("a", time.Minute)))
	require.Len(t, lc.Requests(), 1)

	f.timer.FireDue()
	assert.Equal(t, 1, src.count("run"))
	_, armed := f.timer.Pending(lc.Key())
	assert.True(t, armed)
}

func TestLifecycle_RemovedListenerStopsReceiving(t *testing.T) {
	f := newFixture(t)
	src := &stubSource{emit: []ir.Object{{"v": ir.Int(1)}}}
	lc := f.lifecycle(t, "probe.Stub", src)
	rec := &testutil.Recorder{}
	remove := lc.AddListener(rec)

	require.NoError(t, lc.SubmitRequest(context.Background(), periodic("a", time.Minute)))
	f.timer.FireDue()
	remove()
	f.clock.Advance(time.Minute)
	f.timer.FireDue()

	assert.Equal(t, 1, rec.Len())
}
