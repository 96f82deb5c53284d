package harness

import (
	"fmt"
	"slices"
	"strings"

	"github.com/funf-org/funf/internal/ir"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for i, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s\n", i+1, describe(event))
		}
	}
	return buf.String()
}

func describe(ev TraceEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", ev.At, ev.Type)
	if ev.Source != "" {
		fmt.Fprintf(&b, " %s", ev.Source)
	}
	if ev.Pipeline != "" {
		fmt.Fprintf(&b, " %s", ev.Pipeline)
	}
	if ev.Count > 0 {
		fmt.Fprintf(&b, " count=%d", ev.Count)
	}
	if ev.Data != nil {
		fmt.Fprintf(&b, " %s", ir.MustMarshalCanonical(ev.Data))
	}
	return b.String()
}

// matches reports whether ev is of the given kind and, when source is
// set, comes from that source type.
func matches(ev TraceEvent, event, source string) bool {
	return ev.Type == event && (source == "" || ev.Source == source)
}

// assertTraceContains checks for an event of the given kind and source
// whose data contains the expected fields.
func assertTraceContains(trace []TraceEvent, assertion Assertion) error {
	for _, event := range trace {
		if matches(event, assertion.Event, assertion.Source) && matchData(event.Data, assertion.Data) {
			return nil
		}
	}

	want := assertion.Event
	if assertion.Source != "" {
		want += " from " + assertion.Source
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("%s with data %v", want, assertion.Data),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that the first records of the listed sources
// appear in order. Other events may come in between.
func assertTraceOrder(trace []TraceEvent, assertion Assertion) error {
	positions := make(map[string]int)
	for i, event := range trace {
		if event.Type != EventRecord {
			continue
		}
		if slices.Contains(assertion.Sources, event.Source) && positions[event.Source] == 0 {
			positions[event.Source] = i + 1
		}
	}

	for _, source := range assertion.Sources {
		if positions[source] == 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("records from every source: %v", assertion.Sources),
				Actual:   fmt.Sprintf("no record from %s", source),
				Trace:    trace,
			}
		}
	}

	for i := 1; i < len(assertion.Sources); i++ {
		prev := assertion.Sources[i-1]
		curr := assertion.Sources[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("first records in order: %v", assertion.Sources),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}
	return nil
}

// assertTraceCount checks the exact number of events of a kind.
func assertTraceCount(trace []TraceEvent, assertion Assertion) error {
	count := 0
	for _, event := range trace {
		if matches(event, assertion.Event, assertion.Source) {
			count++
		}
	}

	if count != assertion.Count {
		what := assertion.Event
		if assertion.Source != "" {
			what += " from " + assertion.Source
		}
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", assertion.Count, what),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertFinalState checks the final state of a source, or the runtime
// counters when no source is named, with subset semantics.
func assertFinalState(result *Result, assertion Assertion) error {
	var actual map[string]any
	if assertion.Source == "" {
		actual = make(map[string]any, len(result.State))
		for k, v := range result.State {
			actual[k] = v
		}
	} else {
		src, ok := result.Sources[assertion.Source]
		if !ok {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("source %s to be registered", assertion.Source),
				Actual:   fmt.Sprintf("registered sources: %v", sortedKeys(result.Sources)),
			}
		}
		actual = map[string]any{
			"state":      src.State,
			"requests":   src.Requests,
			"records":    src.Records,
			"last_run":   src.LastRun,
			"checkpoint": src.HasCheckpoint,
		}
	}

	for _, key := range sortedKeys(assertion.Expect) {
		expected := assertion.Expect[key]
		got, exists := actual[key]
		if !exists {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q to exist", key),
				Actual:   fmt.Sprintf("fields present: %v", sortedKeys(actual)),
			}
		}
		if !valuesEqual(got, expected) {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q = %v", key, expected),
				Actual:   fmt.Sprintf("field %q = %v", key, got),
			}
		}
	}
	return nil
}

// matchData checks if actual contains all expected fields (subset match).
// Extra fields in actual are ignored.
func matchData(actual ir.Object, expected map[string]any) bool {
	for key, expectedVal := range expected {
		actualVal, exists := actual[key]
		if !exists {
			return false
		}
		if !valuesEqual(actualVal, expectedVal) {
			return false
		}
	}
	return true
}

// valuesEqual compares values after converting both to ir values, so a
// YAML int matches an ir.Int and nested maps compare structurally.
func valuesEqual(actual, expected any) bool {
	a, err := ir.FromGo(actual)
	if err != nil {
		return false
	}
	e, err := ir.FromGo(expected)
	if err != nil {
		return false
	}
	return ir.Equal(a, e)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, assertion)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, assertion)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, assertion)
		case AssertFinalState:
			err = assertFinalState(result, assertion)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
