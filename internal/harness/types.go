package harness

import "github.com/funf-org/funf/internal/ir"

// Trace event kinds.
const (
	EventRecord  = "record"
	EventArchive = "archive"
	EventUpload  = "upload"
	EventRestart = "restart"
)

// TraceEvent is one observable effect of a scenario run.
type TraceEvent struct {
	Type string `json:"type"`
	// At is the offset from the scenario start, e.g. "1m30s".
	At string `json:"at"`
	// Source is the type of the emitting source, for records.
	Source string `json:"source,omitempty"`
	// Pipeline names the pipeline of an archive or upload.
	Pipeline string    `json:"pipeline,omitempty"`
	Data     ir.Object `json:"data,omitempty"`
	// Count is the number of records archived or batches uploaded.
	Count int   `json:"count,omitempty"`
	Seq   int64 `json:"seq,omitempty"`
}

// SourceState is the final state of one source.
type SourceState struct {
	State    string `json:"state"`
	Requests int    `json:"requests"`
	// Records counts the records the source emitted during the run.
	Records int `json:"records"`
	// LastRun is the offset of the last run, or "" when it never ran.
	LastRun       string `json:"last_run,omitempty"`
	HasCheckpoint bool   `json:"checkpoint"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every assertion held.
	Pass bool `json:"pass"`

	// Trace lists records, archives, uploads and restarts in order.
	Trace []TraceEvent `json:"trace"`

	// Errors holds the failed assertions.
	Errors []string `json:"errors,omitempty"`

	// Sources maps a source type to its final state. Sources of the same
	// type with different configurations are folded together.
	Sources map[string]SourceState `json:"sources"`

	// State holds the runtime-wide counters: pending_records,
	// local_batches and uploaded_batches.
	State map[string]int `json:"state"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{
		Pass:    true,
		Trace:   []TraceEvent{},
		Errors:  []string{},
		Sources: make(map[string]SourceState),
		State:   make(map[string]int),
	}
}

// AddError adds a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) add(ev TraceEvent) {
	r.Trace = append(r.Trace, ev)
}
