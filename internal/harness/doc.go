// Package harness runs funf configuration documents against a simulated
// clock and checks what they collect.
//
// A scenario embeds a document, drives time and the pipeline actions
// through a list of steps, and asserts on the resulting trace and the
// final state of the sources.
//
// # Scenario Format
//
// Scenarios are YAML files with the following structure:
//
//	name: alarm_every_thirty_seconds
//	description: "What this scenario validates"
//	start: 2026-05-01T08:00:00Z   # optional
//	document: |
//	  main:
//	    "@type": Basic
//	    data:
//	      - {"@probe": Alarm, interval: 30}
//	    upload: {destination: harness}
//	steps:
//	  - advance: 90s
//	  - archive: main
//	  - upload: main
//	  - restart: true
//	assertions:
//	  - type: trace_count
//	    event: record
//	    source: probe.Alarm
//	    count: 4
//	  - type: final_state
//	    source: probe.Alarm
//	    expect: {state: ENABLED, requests: 1}
//
// The remote "harness" is always available as an upload destination.
// It accepts every batch and keeps it in memory.
//
// # Steps
//
//   - advance: moves the clock forward, firing every alarm that falls due
//     on the way at its own time
//   - archive: seals the stored records of the named pipeline
//   - upload: runs the upload action of the named pipeline and drains
//     the upload queue
//   - restart: shuts the runtime down and starts the document again on
//     the same database
//
// # Assertion Types
//
//   - trace_contains: a trace event of the given kind and source whose
//     data contains the given fields
//   - trace_order: the first records of the listed sources appear in order
//   - trace_count: the number of trace events of a kind, optionally for
//     one source
//   - final_state: fields of the final state of a source, or of the
//     runtime when no source is named
//
// # Deterministic Testing
//
// The clock is a testutil.FakeClock and alarms go through a
// testutil.ManualTimer, so a scenario produces the same trace on every
// run. RunWithGolden compares that trace against
// testdata/golden/{name}.golden.
package harness
