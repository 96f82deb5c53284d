package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/funf-org/funf/internal/ir"
)

func sampleTrace() []TraceEvent {
	return []TraceEvent{
		{Type: EventRecord, At: "0s", Source: "probe.Alarm", Data: ir.Object{"interval": ir.Int(30), "time": ir.Int(100)}, Seq: 1},
		{Type: EventRecord, At: "0s", Source: "probe.DirScan", Data: ir.Object{"path": ir.String("a.txt")}, Seq: 2},
		{Type: EventRecord, At: "30s", Source: "probe.Alarm", Data: ir.Object{"interval": ir.Int(30), "time": ir.Int(130)}, Seq: 3},
		{Type: EventArchive, At: "30s", Pipeline: "main", Count: 3, Data: ir.Object{"batches": ir.Int(1)}},
		{Type: EventUpload, At: "30s", Pipeline: "main", Count: 1, Data: ir.Object{"records": ir.Int(3)}},
	}
}

func TestAssertTraceContains(t *testing.T) {
	trace := sampleTrace()

	tests := []struct {
		name      string
		assertion Assertion
		wantErr   bool
	}{
		{
			name:      "record with matching data",
			assertion: Assertion{Event: EventRecord, Source: "probe.Alarm", Data: map[string]any{"time": 130}},
		},
		{
			name:      "any source",
			assertion: Assertion{Event: EventRecord, Data: map[string]any{"path": "a.txt"}},
		},
		{
			name:      "event without data",
			assertion: Assertion{Event: EventUpload},
		},
		{
			name:      "archive data",
			assertion: Assertion{Event: EventArchive, Data: map[string]any{"batches": 1}},
		},
		{
			name:      "value mismatch",
			assertion: Assertion{Event: EventRecord, Source: "probe.Alarm", Data: map[string]any{"time": 160}},
			wantErr:   true,
		},
		{
			name:      "wrong source",
			assertion: Assertion{Event: EventRecord, Source: "probe.Alarm", Data: map[string]any{"path": "a.txt"}},
			wantErr:   true,
		},
		{
			name:      "missing event kind",
			assertion: Assertion{Event: EventRestart},
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := assertTraceContains(trace, tt.assertion)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			var aerr *AssertionError
			require.ErrorAs(t, err, &aerr)
			assert.Equal(t, AssertTraceContains, aerr.Type)
			assert.Equal(t, "not found in trace", aerr.Actual)
		})
	}
}

func TestAssertTraceOrder(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertTraceOrder(trace, Assertion{Sources: []string{"probe.Alarm", "probe.DirScan"}}))

	err := assertTraceOrder(trace, Assertion{Sources: []string{"probe.DirScan", "probe.Alarm"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "probe.DirScan (pos 2) should be before probe.Alarm (pos 1)")

	err = assertTraceOrder(trace, Assertion{Sources: []string{"probe.Alarm", "probe.Runtime"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no record from probe.Runtime")
}

func TestAssertTraceCount(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertTraceCount(trace, Assertion{Event: EventRecord, Count: 3}))
	assert.NoError(t, assertTraceCount(trace, Assertion{Event: EventRecord, Source: "probe.Alarm", Count: 2}))
	assert.NoError(t, assertTraceCount(trace, Assertion{Event: EventRestart, Count: 0}))

	err := assertTraceCount(trace, Assertion{Event: EventRecord, Source: "probe.Alarm", Count: 3})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Expected: 3 occurrences of record from probe.Alarm")
	assert.Contains(t, err.Error(), "Actual: 2 occurrences")
}

func TestAssertFinalState(t *testing.T) {
	result := NewResult()
	result.Sources["probe.Alarm"] = SourceState{State: "ENABLED", Requests: 1, Records: 4, LastRun: "1m30s"}
	result.State["pending_records"] = 0
	result.State["uploaded_batches"] = 2

	assert.NoError(t, assertFinalState(result, Assertion{
		Source: "probe.Alarm",
		Expect: map[string]any{"state": "ENABLED", "requests": 1, "last_run": "1m30s", "checkpoint": false},
	}))
	assert.NoError(t, assertFinalState(result, Assertion{
		Expect: map[string]any{"pending_records": 0, "uploaded_batches": 2},
	}))

	err := assertFinalState(result, Assertion{Source: "probe.Alarm", Expect: map[string]any{"requests": 2}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `field "requests" = 1`)

	err = assertFinalState(result, Assertion{Source: "probe.Runtime", Expect: map[string]any{"requests": 0}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "registered sources: [probe.Alarm]")

	err = assertFinalState(result, Assertion{Expect: map[string]any{"queued": 0}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `field "queued" to exist`)
}

func TestAssertionError_IncludesTrace(t *testing.T) {
	err := &AssertionError{
		Type:     AssertTraceCount,
		Expected: "2 occurrences of upload",
		Actual:   "1 occurrences",
		Trace:    sampleTrace()[:1],
	}
	msg := err.Error()
	assert.Contains(t, msg, "Assertion failed: trace_count")
	assert.Contains(t, msg, "Full trace:")
	assert.Contains(t, msg, `[1] 0s record probe.Alarm {"interval":30,"time":100}`)
}

func TestEvaluateAssertions(t *testing.T) {
	result := NewResult()
	result.Trace = sampleTrace()

	errs := EvaluateAssertions(result, []Assertion{
		{Type: AssertTraceCount, Event: EventUpload, Count: 1},
		{Type: AssertTraceCount, Event: EventArchive, Count: 2},
		{Type: "eventually"},
	})
	require.Len(t, errs, 2)
	assert.Contains(t, errs[0], "2 occurrences of archive")
	assert.Contains(t, errs[1], `unknown assertion type "eventually"`)
}

func TestValuesEqual(t *testing.T) {
	assert.True(t, valuesEqual(ir.Int(3), 3))
	assert.True(t, valuesEqual(ir.String("x"), "x"))
	assert.True(t, valuesEqual(ir.Object{"a": ir.Array{ir.Bool(true)}}, map[string]any{"a": []any{true}}))
	assert.False(t, valuesEqual(ir.Int(3), "3"))
	assert.False(t, valuesEqual(ir.Int(3), 3.5))
}
