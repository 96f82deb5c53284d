// Package probe runs data sources on behalf of many requesters.
//
// A Lifecycle wraps one Source and moves it through the states
// DISABLED -> ENABLED -> RUNNING -> ENABLED -> DISABLED. Requesters
// submit ir.Request values; the lifecycle stores them (one per
// requester), resolves them into a single next-run decision with
// schedule.Resolve, and arms an alarm.Timer for it.
//
// Transitions of one lifecycle are serialized. Source hooks are invoked
// without the state lock held, so a hook may call back into the Run it
// was handed (Emit, Complete) without deadlocking. A run stays RUNNING
// until its Run is completed, failed, or stopped; a run hook returning
// does not end the run on its own.
//
// Incremental sources expose an opaque checkpoint. It is restored before
// the first run of a lifecycle and persisted after every run that did
// not fail.
//
// The Manager owns every lifecycle of the process, keyed by
// ir.SourceKey, and routes timer keys back to them:
//
//	<sourceKey>       run the source
//	<sourceKey>#stop  stop deadline of a duration-bounded run
package probe
