package probe

import (
	"context"
	"encoding/json"
	"time"

	"github.com/funf-org/funf/internal/ir"
)

// Source is the implementation behind a lifecycle.
//
// OnRun must eventually end the run through run.Complete or run.Fail,
// either before returning or later from another goroutine. Returning an
// error (or panicking) fails the run.
type Source interface {
	OnEnable(ctx context.Context) error
	OnRun(ctx context.Context, params ir.RunParams, run *Run) error
	OnStop(ctx context.Context) error
	OnDisable(ctx context.Context) error
}

// Incremental is a Source that keeps a cursor across runs so it can
// suppress records it already emitted. SetCheckpoint must not emit.
type Incremental interface {
	Source
	Checkpoint() (json.RawMessage, error)
	SetCheckpoint(cp json.RawMessage) error
}

// DefaultScheduler is implemented by sources whose configuration implies
// schedule defaults, such as an alarm interval.
type DefaultScheduler interface {
	DefaultSchedule() ir.Schedule
}

// Listener receives records emitted by a running source.
type Listener interface {
	OnData(rec ir.Record)
}

// ListenerFunc adapts a function to Listener. Function listeners cannot
// be removed individually.
type ListenerFunc func(rec ir.Record)

// OnData calls f.
func (f ListenerFunc) OnData(rec ir.Record) { f(rec) }

// RequestStore is the durable demand registry of all sources.
type RequestStore interface {
	PutRequest(ctx context.Context, sourceKey string, r ir.Request) error
	DeleteRequest(ctx context.Context, sourceKey, requesterID string) error
	ListRequests(ctx context.Context, sourceKey string) ([]ir.Request, error)
}

// StateStore persists run state and checkpoints.
type StateStore interface {
	SaveRunState(ctx context.Context, sourceKey string, lastRun time.Time, params ir.RunParams) error
	LoadRunState(ctx context.Context, sourceKey string) (time.Time, ir.RunParams, error)
	SaveCheckpoint(ctx context.Context, sourceKey string, cp json.RawMessage) error
	LoadCheckpoint(ctx context.Context, sourceKey string) (json.RawMessage, bool, error)
}

// Persistence is everything a lifecycle writes through to. *store.Store
// satisfies it.
type Persistence interface {
	RequestStore
	StateStore
}

// sourceRegistrar is optionally implemented by a Persistence that keeps a
// directory of known sources.
type sourceRegistrar interface {
	RegisterSource(ctx context.Context, sourceKey string, spec ir.SourceSpec) error
}
