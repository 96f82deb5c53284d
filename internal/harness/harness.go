package harness

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/funf-org/funf/internal/compiler"
	"github.com/funf-org/funf/internal/config"
	"github.com/funf-org/funf/internal/ir"
	"github.com/funf-org/funf/internal/pipeline"
	"github.com/funf-org/funf/internal/runtime"
	"github.com/funf-org/funf/internal/testutil"
)

// RemoteID is the id of the in-memory upload destination every scenario
// can use.
const RemoteID = "harness"

// maxFires bounds the alarms one advance step may fire.
const maxFires = 100000

// Run executes a scenario and validates its assertions.
//
// Every run gets a fresh data directory, a FakeClock at the scenario
// start and a ManualTimer. The returned error is reserved for failures
// of the harness itself: an unparsable document, a failing step, or a
// runtime that cannot be built. Failed assertions are reported in the
// result.
func Run(scenario *Scenario) (*Result, error) {
	dir, err := os.MkdirTemp("", "funf-harness-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	defer os.RemoveAll(dir)

	doc, err := compiler.Parse([]byte(scenario.Document), scenario.Format, scenario.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to parse document: %w", err)
	}

	h := &harness{
		scenario: scenario,
		doc:      doc,
		cfg:      scenarioConfig(dir),
		clock:    testutil.NewFakeClock(scenario.Start),
		remote:   &memoryRemote{batches: make(map[string][]byte)},
		result:   NewResult(),
		types:    make(map[string]string),
		records:  make(map[string]int),
	}
	ctx := context.Background()

	defer h.close(ctx)
	if err := h.start(ctx); err != nil {
		return nil, err
	}

	for i, step := range scenario.Steps {
		if err := h.step(ctx, step); err != nil {
			return nil, fmt.Errorf("steps[%d]: %w", i, err)
		}
	}
	if err := h.collect(ctx); err != nil {
		return nil, err
	}
	if err := h.snapshot(ctx); err != nil {
		return nil, err
	}

	for _, msg := range EvaluateAssertions(h.result, scenario.Assertions) {
		h.result.AddError(msg)
	}
	return h.result, nil
}

func scenarioConfig(dir string) *config.Config {
	return &config.Config{
		DataDir:    dir,
		Database:   filepath.Join(dir, "funf.db"),
		ArchiveDir: filepath.Join(dir, "archive"),
		LogLevel:   "info",
		LogFormat:  "text",
		Upload:     config.UploadConfig{MaxItemRetries: 3, MaxDestinationRetries: 6},
	}
}

type harness struct {
	scenario *Scenario
	doc      ir.Object
	cfg      *config.Config
	clock    *testutil.FakeClock
	remote   *memoryRemote
	result   *Result

	rt        *runtime.Runtime
	timer     *testutil.ManualTimer
	pipelines map[string]*pipeline.Basic

	// lastSeq is the highest record sequence already traced.
	lastSeq int64
	// types maps source keys to source types.
	types map[string]string
	// records counts traced records per source type.
	records map[string]int
}

// start builds a runtime on the scenario database, starts the document
// and fires the alarms due at the current time.
func (h *harness) start(ctx context.Context) error {
	h.timer = testutil.NewManualTimer(h.clock)
	rt, err := runtime.New(h.cfg,
		runtime.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		runtime.WithClock(h.clock),
		runtime.WithTimer(h.timer),
	)
	if err != nil {
		return fmt.Errorf("failed to build runtime: %w", err)
	}
	h.rt = rt
	rt.Uploads().AddRemote(h.remote)

	res, err := rt.Start(ctx, h.doc)
	if err != nil {
		return fmt.Errorf("failed to start document: %w", err)
	}
	if err := res.Err(); err != nil {
		return fmt.Errorf("document does not compile: %w", err)
	}
	h.pipelines = pipelinesOf(res.Root)

	h.timer.FireDue()
	return h.collect(ctx)
}

func pipelinesOf(root any) map[string]*pipeline.Basic {
	out := make(map[string]*pipeline.Basic)
	switch v := root.(type) {
	case *pipeline.Basic:
		out[v.Name] = v
	case map[string]any:
		for name, r := range v {
			if b, ok := r.(*pipeline.Basic); ok {
				out[name] = b
			}
		}
	}
	return out
}

// close disables every source, keeping requests persisted, and releases
// the runtime.
func (h *harness) close(ctx context.Context) {
	if h.rt == nil {
		return
	}
	h.rt.Manager().Shutdown(ctx)
	h.rt.Close()
	h.rt = nil
}

func (h *harness) step(ctx context.Context, step Step) error {
	switch {
	case step.Advance != "":
		d, err := time.ParseDuration(step.Advance)
		if err != nil {
			return err
		}
		return h.advance(ctx, d)
	case step.Archive != "":
		return h.archive(ctx, step.Archive)
	case step.Upload != "":
		return h.upload(ctx, step.Upload)
	case step.Restart:
		return h.restart(ctx)
	}
	return fmt.Errorf("empty step")
}

// advance moves the clock by d, stopping at every armed alarm on the way
// so each fires at its own time.
func (h *harness) advance(ctx context.Context, d time.Duration) error {
	target := h.clock.Now().Add(d)
	for fires := 0; ; {
		next, ok := h.timer.NextAt()
		if !ok || next.After(target) {
			break
		}
		if next.After(h.clock.Now()) {
			h.clock.Set(next)
		}
		fired := h.timer.FireDue()
		if err := h.collect(ctx); err != nil {
			return err
		}
		if fires += len(fired); fires > maxFires {
			return fmt.Errorf("more than %d alarms fired while advancing %s", maxFires, d)
		}
	}
	h.clock.Set(target)
	h.timer.FireDue()
	return h.collect(ctx)
}

func (h *harness) archive(ctx context.Context, name string) error {
	b, ok := h.pipelines[name]
	if !ok {
		return fmt.Errorf("unknown pipeline %q", name)
	}
	if err := h.collect(ctx); err != nil {
		return err
	}
	pending, err := h.rt.Store().CountRecords(ctx)
	if err != nil {
		return err
	}
	ids, err := b.Archive(ctx)
	if err != nil {
		return fmt.Errorf("archive %s: %w", name, err)
	}
	h.result.add(TraceEvent{
		Type:     EventArchive,
		At:       h.offset(),
		Pipeline: name,
		Count:    int(pending),
		Data:     ir.Object{"batches": ir.Int(len(ids))},
	})
	return nil
}

func (h *harness) upload(ctx context.Context, name string) error {
	b, ok := h.pipelines[name]
	if !ok {
		return fmt.Errorf("unknown pipeline %q", name)
	}
	act, ok := b.Graph().Action(pipeline.ActionUpload)
	if !ok {
		return fmt.Errorf("pipeline %q has no upload action", name)
	}
	before := h.remote.count()
	if err := act.Run(ctx); err != nil {
		return fmt.Errorf("upload %s: %w", name, err)
	}
	if err := h.rt.Uploads().Flush(ctx); err != nil {
		return fmt.Errorf("flush uploads: %w", err)
	}
	uploaded, lines := h.remote.since(before)
	h.result.add(TraceEvent{
		Type:     EventUpload,
		At:       h.offset(),
		Pipeline: name,
		Count:    uploaded,
		Data:     ir.Object{"records": ir.Int(lines)},
	})
	return nil
}

// restart shuts the runtime down and starts the document again on the
// same database, as a new process would.
func (h *harness) restart(ctx context.Context) error {
	if err := h.collect(ctx); err != nil {
		return err
	}
	h.close(ctx)
	h.result.add(TraceEvent{Type: EventRestart, At: h.offset()})
	return h.start(ctx)
}

// collect appends the records written since the last call to the trace.
func (h *harness) collect(ctx context.Context) error {
	recs, err := h.rt.Store().ReadRecords(ctx, h.lastSeq, 0)
	if err != nil {
		return fmt.Errorf("failed to read records: %w", err)
	}
	for _, rec := range recs {
		typ, err := h.sourceType(ctx, rec.Source)
		if err != nil {
			return err
		}
		h.records[typ]++
		h.result.add(TraceEvent{
			Type:   EventRecord,
			At:     rec.Time.Sub(h.scenario.Start).String(),
			Source: typ,
			Data:   rec.Data,
			Seq:    rec.Seq,
		})
		h.lastSeq = rec.Seq
	}
	return nil
}

func (h *harness) sourceType(ctx context.Context, key string) (string, error) {
	if typ, ok := h.types[key]; ok {
		return typ, nil
	}
	sources, err := h.rt.Store().ListSources(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to list sources: %w", err)
	}
	for _, s := range sources {
		h.types[s.Key] = s.Type
	}
	if typ, ok := h.types[key]; ok {
		return typ, nil
	}
	return key, nil
}

// snapshot fills the final state of the result.
func (h *harness) snapshot(ctx context.Context) error {
	st := h.rt.Store()
	sources, err := st.ListSources(ctx)
	if err != nil {
		return fmt.Errorf("failed to list sources: %w", err)
	}
	lastRuns := make(map[string]time.Time)
	for _, s := range sources {
		state := ir.StateDisabled
		if lc, ok := h.rt.Manager().Get(s.Key); ok {
			state = lc.State()
		}
		prev := h.result.Sources[s.Type]
		h.result.Sources[s.Type] = SourceState{
			State:         state.String(),
			Requests:      prev.Requests + s.Requests,
			Records:       h.records[s.Type],
			HasCheckpoint: prev.HasCheckpoint || s.HasCheckpoint,
		}
		if s.LastRun.After(lastRuns[s.Type]) {
			lastRuns[s.Type] = s.LastRun
		}
	}
	for typ, at := range lastRuns {
		src := h.result.Sources[typ]
		src.LastRun = at.Sub(h.scenario.Start).String()
		h.result.Sources[typ] = src
	}

	pending, err := st.CountRecords(ctx)
	if err != nil {
		return err
	}
	local, err := h.rt.Uploads().Local().List(ctx)
	if err != nil {
		return err
	}
	h.result.State["pending_records"] = int(pending)
	h.result.State["local_batches"] = len(local)
	h.result.State["uploaded_batches"] = h.remote.count()
	return nil
}

func (h *harness) offset() string {
	return h.clock.Now().Sub(h.scenario.Start).String()
}

// memoryRemote is the upload destination RemoteID. It keeps every batch
// in arrival order.
type memoryRemote struct {
	mu      sync.Mutex
	order   []string
	batches map[string][]byte
}

func (m *memoryRemote) ID() string { return RemoteID }

func (m *memoryRemote) Add(_ context.Context, name string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.batches[name]; !ok {
		m.order = append(m.order, name)
	}
	m.batches[name] = bytes.Clone(data)
	return nil
}

func (m *memoryRemote) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.order)
}

// since returns the number of batches received after the first n and the
// records they hold.
func (m *memoryRemote) since(n int) (batches, records int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, name := range m.order[n:] {
		records += bytes.Count(m.batches[name], []byte("\n"))
	}
	return len(m.order) - n, records
}
