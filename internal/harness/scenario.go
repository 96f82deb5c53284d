package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/funf-org/funf/internal/compiler"
)

// DefaultStart is the clock reading of a scenario without a start time.
var DefaultStart = time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

// Scenario is a document plus the steps that drive it and the assertions
// on what it collected.
type Scenario struct {
	// Name uniquely identifies the scenario and its golden file.
	Name string `yaml:"name"`

	// Description explains what the scenario validates.
	Description string `yaml:"description"`

	// Start is the initial clock reading. Zero means DefaultStart.
	Start time.Time `yaml:"start,omitempty"`

	// Document is the configuration document, inline.
	Document string `yaml:"document"`

	// Format is the format of Document: yaml (default), json or cue.
	Format string `yaml:"format,omitempty"`

	// Steps run in order after the document has started.
	Steps []Step `yaml:"steps"`

	// Assertions validate the trace and the final state.
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one scenario step. Exactly one field is set.
type Step struct {
	// Advance moves the clock, e.g. "90s".
	Advance string `yaml:"advance,omitempty"`

	// Archive seals the stored records of the named pipeline.
	Archive string `yaml:"archive,omitempty"`

	// Upload uploads the local batches of the named pipeline.
	Upload string `yaml:"upload,omitempty"`

	// Restart starts the document again in a new runtime on the same
	// database.
	Restart bool `yaml:"restart,omitempty"`
}

// Assertion validates the trace or the final state.
type Assertion struct {
	// Type is one of the Assert constants.
	Type string `yaml:"type"`

	// Event is the trace event kind (trace_contains, trace_count).
	Event string `yaml:"event,omitempty"`

	// Source is a source type such as probe.Alarm.
	Source string `yaml:"source,omitempty"`

	// Data is matched as a subset of the event data (trace_contains).
	Data map[string]any `yaml:"data,omitempty"`

	// Count is the expected number of events (trace_count).
	Count int `yaml:"count,omitempty"`

	// Sources is the expected order of first records (trace_order).
	Sources []string `yaml:"sources,omitempty"`

	// Expect holds the expected state fields (final_state).
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
)

// LoadScenario reads and parses a scenario YAML file. Unknown fields are
// rejected.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	if scenario.Start.IsZero() {
		scenario.Start = DefaultStart
	}
	if scenario.Format == "" {
		scenario.Format = compiler.FormatYAML
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Document == "" {
		return fmt.Errorf("document is required")
	}
	switch s.Format {
	case "", compiler.FormatYAML, compiler.FormatJSON, compiler.FormatCUE:
	default:
		return fmt.Errorf("unknown document format %q", s.Format)
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		if err := validateStep(i, step); err != nil {
			return err
		}
	}
	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, step Step) error {
	set := 0
	if step.Advance != "" {
		set++
		d, err := time.ParseDuration(step.Advance)
		if err != nil {
			return fmt.Errorf("steps[%d]: advance: %w", index, err)
		}
		if d <= 0 {
			return fmt.Errorf("steps[%d]: advance must be positive", index)
		}
	}
	if step.Archive != "" {
		set++
	}
	if step.Upload != "" {
		set++
	}
	if step.Restart {
		set++
	}
	if set != 1 {
		return fmt.Errorf("steps[%d]: exactly one of advance, archive, upload or restart is required", index)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if !validEvent(a.Event) {
			return fmt.Errorf("assertions[%d]: unknown event %q for trace_contains", index, a.Event)
		}
	case AssertTraceOrder:
		if len(a.Sources) == 0 {
			return fmt.Errorf("assertions[%d]: sources list is required for trace_order", index)
		}
	case AssertTraceCount:
		if !validEvent(a.Event) {
			return fmt.Errorf("assertions[%d]: unknown event %q for trace_count", index, a.Event)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalState:
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

func validEvent(e string) bool {
	switch e {
	case EventRecord, EventArchive, EventUpload, EventRestart:
		return true
	}
	return false
}
