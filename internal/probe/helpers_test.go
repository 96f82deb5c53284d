package probe

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/funf-org/funf/internal/ir"
	"github.com/funf-org/funf/internal/testutil"
)

var t0 = time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

// stubSource records hook calls and emits a fixed payload per run.
type stubSource struct {
	mu         sync.Mutex
	calls      []string
	holdRun    bool // leave the run open after OnRun returns
	runErr     error
	panicOnRun bool
	emit       []ir.Object
	runs       []*Run
	params     []ir.RunParams
}

func (s *stubSource) record(call string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
}

func (s *stubSource) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *stubSource) count(call string) int {
	n := 0
	for _, c := range s.Calls() {
		if c == call {
			n++
		}
	}
	return n
}

func (s *stubSource) lastRun() *Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[len(s.runs)-1]
}

func (s *stubSource) OnEnable(context.Context) error {
	s.record("enable")
	return nil
}

func (s *stubSource) OnRun(_ context.Context, params ir.RunParams, run *Run) error {
	s.record("run")
	s.mu.Lock()
	s.runs = append(s.runs, run)
	s.params = append(s.params, params)
	emit, hold, runErr, panics := s.emit, s.holdRun, s.runErr, s.panicOnRun
	s.mu.Unlock()

	if panics {
		panic("sensor exploded")
	}
	if runErr != nil {
		return runErr
	}
	for _, data := range emit {
		run.Emit(data)
	}
	if !hold {
		run.Complete()
	}
	return nil
}

func (s *stubSource) OnStop(context.Context) error {
	s.record("stop")
	return nil
}

func (s *stubSource) OnDisable(context.Context) error {
	s.record("disable")
	return nil
}

// versionSource is an incremental source over a map of record id to
// version. It emits only records whose version differs from the
// checkpoint.
type versionSource struct {
	stubSource
	data map[string]int64
	seen map[string]int64
}

func newVersionSource(data map[string]int64) *versionSource {
	return &versionSource{data: data, seen: map[string]int64{}}
}

func (s *versionSource) OnRun(_ context.Context, _ ir.RunParams, run *Run) error {
	s.record("run")
	for id, v := range s.data {
		if s.seen[id] == v {
			continue
		}
		run.Emit(ir.Object{"id": ir.String(id), "version": ir.Int(v)})
		s.seen[id] = v
	}
	run.Complete()
	return nil
}

func (s *versionSource) Checkpoint() (json.RawMessage, error) {
	return json.Marshal(s.seen)
}

func (s *versionSource) SetCheckpoint(cp json.RawMessage) error {
	s.record("set-checkpoint")
	seen := map[string]int64{}
	if err := json.Unmarshal(cp, &seen); err != nil {
		return err
	}
	s.seen = seen
	return nil
}

// failingStore fails every write and serves nothing.
type failingStore struct{ MemoryStore }

var errDiskFull = errors.New("disk full")

func (f *failingStore) PutRequest(context.Context, string, ir.Request) error { return errDiskFull }
func (f *failingStore) SaveRunState(context.Context, string, time.Time, ir.RunParams) error {
	return errDiskFull
}
func (f *failingStore) SaveCheckpoint(context.Context, string, json.RawMessage) error {
	return errDiskFull
}

type fixture struct {
	clock   *testutil.FakeClock
	timer   *testutil.ManualTimer
	store   *MemoryStore
	manager *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := testutil.NewFakeClock(t0)
	timer := testutil.NewManualTimer(clock)
	store := NewMemoryStore()
	f := &fixture{clock: clock, timer: timer, store: store}
	f.manager = f.newManager(store)
	return f
}

func (f *fixture) newManager(store Persistence) *Manager {
	m := NewManager(Deps{
		Timer:  f.timer,
		Clock:  f.clock,
		Store:  store,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	f.timer.SetHandler(m.HandleAlarm)
	return m
}

func (f *fixture) lifecycle(t *testing.T, typ string, src Source) *Lifecycle {
	t.Helper()
	spec := ir.NewSourceSpec(typ, ir.Object{"name": ir.String(t.Name())})
	lc, err := f.manager.Lifecycle(context.Background(), spec, func() (Source, error) { return src, nil })
	if err != nil {
		t.Fatalf("Lifecycle() failed: %v", err)
	}
	return lc
}

func periodic(id string, period time.Duration) ir.Request {
	return ir.Request{RequesterID: id, Enabled: true, Schedule: ir.Schedule{Period: period}}
}
