package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/funf-org/funf/internal/ir"
)

// TraceSnapshot captures the complete trace and final state of a scenario
// run.
type TraceSnapshot struct {
	ScenarioName string
	Trace        []TraceEvent
	Sources      map[string]SourceState
	State        map[string]int
}

// toCanonical converts the snapshot to an ir.Object so it serializes as
// canonical JSON.
func (s *TraceSnapshot) toCanonical() ir.Object {
	trace := make(ir.Array, len(s.Trace))
	for i, event := range s.Trace {
		obj := ir.Object{
			"type": ir.String(event.Type),
			"at":   ir.String(event.At),
		}
		if event.Source != "" {
			obj["source"] = ir.String(event.Source)
		}
		if event.Pipeline != "" {
			obj["pipeline"] = ir.String(event.Pipeline)
		}
		if event.Data != nil {
			obj["data"] = event.Data
		}
		if event.Count != 0 {
			obj["count"] = ir.Int(event.Count)
		}
		if event.Seq != 0 {
			obj["seq"] = ir.Int(event.Seq)
		}
		trace[i] = obj
	}

	sources := make(ir.Object, len(s.Sources))
	for typ, src := range s.Sources {
		obj := ir.Object{
			"state":      ir.String(src.State),
			"requests":   ir.Int(src.Requests),
			"records":    ir.Int(src.Records),
			"checkpoint": ir.Bool(src.HasCheckpoint),
		}
		if src.LastRun != "" {
			obj["last_run"] = ir.String(src.LastRun)
		}
		sources[typ] = obj
	}

	state := make(ir.Object, len(s.State))
	for k, v := range s.State {
		state[k] = ir.Int(v)
	}

	return ir.Object{
		"scenario_name": ir.String(s.ScenarioName),
		"trace":         trace,
		"sources":       sources,
		"state":         state,
	}
}

// RunWithGolden executes a scenario and compares its snapshot against
// testdata/golden/{scenario.Name}.golden. Failed assertions fail t.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) error {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return err
	}
	for _, msg := range result.Errors {
		t.Error(msg)
	}
	return AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares an existing result against a golden file
// without running the scenario again.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	snapshot := TraceSnapshot{
		ScenarioName: scenarioName,
		Trace:        result.Trace,
		Sources:      result.Sources,
		State:        result.State,
	}
	data, err := ir.MarshalCanonical(snapshot.toCanonical())
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)
	return nil
}
