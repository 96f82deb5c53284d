package harness

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScenario(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadScenario_ValidFile(t *testing.T) {
	path := writeScenario(t, `
name: test_scenario
description: "Test scenario for validation"
start: 2026-06-01T00:00:00Z
document: |
  {"@type": "Basic", "data": [{"@probe": "Alarm"}]}
format: json
steps:
  - advance: 5m
  - archive: main
  - upload: main
  - restart: true
assertions:
  - type: trace_count
    event: record
    count: 6
`)

	scenario, err := LoadScenario(path)
	require.NoError(t, err)

	assert.Equal(t, "test_scenario", scenario.Name)
	assert.Equal(t, "Test scenario for validation", scenario.Description)
	assert.True(t, time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC).Equal(scenario.Start))
	assert.Equal(t, "json", scenario.Format)
	require.Len(t, scenario.Steps, 4)
	assert.Equal(t, "5m", scenario.Steps[0].Advance)
	assert.Equal(t, "main", scenario.Steps[1].Archive)
	assert.Equal(t, "main", scenario.Steps[2].Upload)
	assert.True(t, scenario.Steps[3].Restart)
	require.Len(t, scenario.Assertions, 1)
	assert.Equal(t, 6, scenario.Assertions[0].Count)
}

func TestLoadScenario_Defaults(t *testing.T) {
	scenario, err := ParseScenario([]byte(`
name: defaults
description: start and format default
document: "main: {}"
assertions:
  - type: final_state
    expect: {pending_records: 0}
`))
	require.NoError(t, err)
	assert.Equal(t, DefaultStart, scenario.Start)
	assert.Equal(t, "yaml", scenario.Format)
	assert.Empty(t, scenario.Steps)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario("/nonexistent/scenario.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestLoadScenario_UnknownField(t *testing.T) {
	_, err := ParseScenario([]byte(`
name: typo
description: "assertion instead of assertions"
document: "main: {}"
assertion:
  - type: trace_count
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestLoadScenario_Invalid(t *testing.T) {
	const base = "name: n\ndescription: d\ndocument: \"main: {}\"\n"
	const assertion = "assertions:\n  - type: final_state\n    expect: {pending_records: 0}\n"

	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "missing name",
			content: "description: d\ndocument: x\n" + assertion,
			wantErr: "name is required",
		},
		{
			name:    "missing description",
			content: "name: n\ndocument: x\n" + assertion,
			wantErr: "description is required",
		},
		{
			name:    "missing document",
			content: "name: n\ndescription: d\n" + assertion,
			wantErr: "document is required",
		},
		{
			name:    "unknown format",
			content: base + "format: toml\n" + assertion,
			wantErr: `unknown document format "toml"`,
		},
		{
			name:    "no assertions",
			content: base,
			wantErr: "assertions list is required",
		},
		{
			name:    "empty step",
			content: base + "steps:\n  - {}\n" + assertion,
			wantErr: "steps[0]: exactly one of",
		},
		{
			name:    "two actions in one step",
			content: base + "steps:\n  - {archive: main, upload: main}\n" + assertion,
			wantErr: "steps[0]: exactly one of",
		},
		{
			name:    "bad duration",
			content: base + "steps:\n  - advance: soon\n" + assertion,
			wantErr: "steps[0]: advance",
		},
		{
			name:    "negative duration",
			content: base + "steps:\n  - advance: -5s\n" + assertion,
			wantErr: "advance must be positive",
		},
		{
			name:    "unknown assertion type",
			content: base + "assertions:\n  - type: eventually\n",
			wantErr: `unknown assertion type "eventually"`,
		},
		{
			name:    "unknown event",
			content: base + "assertions:\n  - type: trace_count\n    event: invocation\n",
			wantErr: `unknown event "invocation"`,
		},
		{
			name:    "trace_order without sources",
			content: base + "assertions:\n  - type: trace_order\n",
			wantErr: "sources list is required",
		},
		{
			name:    "final_state without expect",
			content: base + "assertions:\n  - type: final_state\n    source: probe.Alarm\n",
			wantErr: "expect is required",
		},
		{
			name:    "negative count",
			content: base + "assertions:\n  - type: trace_count\n    event: record\n    count: -1\n",
			wantErr: "count must be non-negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadScenario_Testdata(t *testing.T) {
	paths, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		t.Run(filepath.Base(path), func(t *testing.T) {
			_, err := LoadScenario(path)
			require.NoError(t, err)
		})
	}
}
