// Package alarm provides the wake-up primitive the probe runtime schedules
// against: a Clock for reading time and a Timer keyed by opaque strings.
//
// Timer implementations never call back into a particular object; they
// hand the fired key to a single Handler and the owner routes it. The
// in-process Local timer is the production implementation; tests use
// testutil.ManualTimer.
package alarm
