package action

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/funf-org/funf/internal/datasource"
	"github.com/funf-org/funf/internal/ir"
	"github.com/funf-org/funf/internal/testutil"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type countAction struct {
	BaseAction
	mu   sync.Mutex
	runs int
	err  error
}

func (c *countAction) Run(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runs++
	return c.err
}

func (c *countAction) Runs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runs
}

type destroyTrigger struct {
	Init
	destroyed int
	stopped   int
	startErr  error
}

func (d *destroyTrigger) Start(context.Context) error { return d.startErr }
func (d *destroyTrigger) Stop(context.Context) error {
	d.stopped++
	return nil
}
func (d *destroyTrigger) Destroy(context.Context) error {
	d.destroyed++
	return nil
}

// fakeSource is a DataSource driven by the test.
type fakeSource struct {
	mu       sync.Mutex
	listener datasource.DataListener
	starts   int
	stops    int
	startFor []time.Duration
}

func (f *fakeSource) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	return nil
}

func (f *fakeSource) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakeSource) SetListener(l datasource.DataListener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listener = l
}

func (f *fakeSource) emit() {
	f.mu.Lock()
	l := f.listener
	f.mu.Unlock()
	l.OnData(ir.Record{Source: "fake", Data: ir.Object{}})
}

type boundedSource struct {
	fakeSource
}

func (b *boundedSource) StartFor(_ context.Context, d time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.startFor = append(b.startFor, d)
	return nil
}

func TestGraph_InitFiresOnce(t *testing.T) {
	start := &countAction{}
	g := NewGraph(
		map[string]Trigger{InitLabel: &Init{BaseTrigger{Actions: []string{"start"}}}},
		map[string]Action{"start": start},
		quiet,
	)
	ctx := context.Background()

	require.NoError(t, g.Start(ctx))
	require.NoError(t, g.Start(ctx))
	assert.Equal(t, 1, start.Runs())
}

func TestGraph_WiresBothDirections(t *testing.T) {
	trig := &Init{BaseTrigger{Actions: []string{"a"}}}
	a := &countAction{BaseAction: BaseAction{Triggers: []string{"t"}}}
	g := NewGraph(map[string]Trigger{"t": trig}, map[string]Action{"a": a}, quiet)

	require.NoError(t, g.Start(context.Background()))
	assert.Equal(t, []Action{a}, trig.Registered())
	assert.Equal(t, []Trigger{trig}, a.triggers())

	trig.Fire(context.Background())
	assert.Equal(t, 1, a.Runs())

	require.NoError(t, g.Teardown(context.Background()))
	assert.Empty(t, trig.Registered())
	assert.Empty(t, a.triggers())
}

func TestGraph_UnknownLabelsReported(t *testing.T) {
	trig := &Init{BaseTrigger{Actions: []string{"missing"}}}
	a := &countAction{BaseAction: BaseAction{Triggers: []string{"nowhere"}}}
	g := NewGraph(map[string]Trigger{"t": trig}, map[string]Action{"a": a}, quiet)

	err := g.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown action "missing"`)
	assert.Contains(t, err.Error(), `unknown trigger "nowhere"`)
}

func TestGraph_TeardownIdempotentAfterFailedStart(t *testing.T) {
	good := &destroyTrigger{}
	bad := &destroyTrigger{startErr: errors.New("no sensor")}
	g := NewGraph(map[string]Trigger{"a": good, "b": bad}, nil, quiet)
	ctx := context.Background()

	require.Error(t, g.Start(ctx))
	require.NoError(t, g.Teardown(ctx))
	require.NoError(t, g.Teardown(ctx))

	assert.Equal(t, 1, good.stopped, "only started triggers are stopped")
	assert.Equal(t, 0, bad.stopped)
	assert.Equal(t, 1, good.destroyed)
	assert.Equal(t, 1, bad.destroyed)

	assert.NoError(t, g.Start(ctx), "a torn down graph does not restart")
}

func TestBaseTrigger_FailureDoesNotStopOthers(t *testing.T) {
	failing := &countAction{err: errors.New("boom")}
	ok := &countAction{}
	trig := &BaseTrigger{Logger: quiet}
	trig.AddAction(failing)
	trig.AddAction(ok)
	trig.AddAction(ok)

	trig.Fire(context.Background())
	assert.Equal(t, 1, failing.Runs())
	assert.Equal(t, 1, ok.Runs(), "duplicate registration is ignored")
}

func TestSourceTrigger_FiresPerRecord(t *testing.T) {
	src := &fakeSource{}
	a := &countAction{}
	trig := &SourceTrigger{BaseTrigger: BaseTrigger{Actions: []string{"a"}}, Source: src}
	g := NewGraph(map[string]Trigger{"on-data": trig}, map[string]Action{"a": a}, quiet)
	ctx := context.Background()

	require.NoError(t, g.Start(ctx))
	assert.Equal(t, 1, src.starts)
	src.emit()
	src.emit()
	assert.Equal(t, 2, a.Runs())

	require.NoError(t, g.Teardown(ctx))
	assert.Equal(t, 1, src.stops)
}

func TestStartStopActions(t *testing.T) {
	src := &fakeSource{}
	ctx := context.Background()

	require.NoError(t, (&StartSource{Source: src}).Run(ctx))
	require.NoError(t, (&StopSource{Source: src}).Run(ctx))
	ss := &StartStop{Source: src}
	require.NoError(t, ss.Run(ctx))
	require.NoError(t, ss.Halt(ctx))

	assert.Equal(t, 2, src.starts)
	assert.Equal(t, 2, src.stops)
	assert.Same(t, src, ss.Target())
}

func TestDuration_PausesTriggersUntilElapsed(t *testing.T) {
	src := &fakeSource{}
	var pending func()
	d := &Duration{
		BaseAction: BaseAction{Triggers: []string{"tick"}},
		Source:     src,
		Duration:   time.Minute,
		After: func(_ time.Duration, f func()) func() {
			pending = f
			return func() { pending = nil }
		},
	}
	trig := &Init{BaseTrigger{Actions: []string{"d"}}}
	g := NewGraph(map[string]Trigger{"tick": trig}, map[string]Action{"d": d}, quiet)
	ctx := context.Background()
	require.NoError(t, g.Start(ctx))

	trig.Fire(ctx)
	assert.Equal(t, 1, src.starts)
	assert.True(t, trig.Paused())

	trig.Fire(ctx)
	assert.Equal(t, 1, src.starts, "paused trigger does not fire")

	require.NotNil(t, pending)
	pending()
	assert.Equal(t, 1, src.stops)
	assert.False(t, trig.Paused())

	trig.Fire(ctx)
	assert.Equal(t, 2, src.starts)
}

func TestDuration_BoundedTargetGetsDuration(t *testing.T) {
	src := &boundedSource{}
	var pending func()
	d := &Duration{
		Source:   src,
		Duration: 30 * time.Second,
		After: func(_ time.Duration, f func()) func() {
			pending = f
			return func() {}
		},
	}

	require.NoError(t, d.Run(context.Background()))
	assert.Equal(t, []time.Duration{30 * time.Second}, src.startFor)
	pending()
	assert.Equal(t, 0, src.stops, "bounded targets stop themselves")
}

func TestDuration_HaltCancelsWindow(t *testing.T) {
	src := &fakeSource{}
	cancelled := false
	d := &Duration{
		Source:   src,
		Duration: time.Minute,
		After: func(time.Duration, func()) func() {
			return func() { cancelled = true }
		},
	}
	ctx := context.Background()
	require.NoError(t, d.Run(ctx))
	require.NoError(t, d.Halt(ctx))

	assert.True(t, cancelled)
	assert.Equal(t, 1, src.stops)
}

func TestAdapter_RunsAndForwards(t *testing.T) {
	a := &countAction{}
	ad := &Adapter{Action: a}
	rec := &testutil.Recorder{}
	ad.SetListener(rec)

	ad.OnData(ir.Record{Source: "s"})

	assert.Equal(t, 1, a.Runs())
	assert.Equal(t, 1, rec.Len())
}
