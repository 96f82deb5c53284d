package datasource

import (
	"context"
	"time"

	"github.com/funf-org/funf/internal/ir"
	"github.com/funf-org/funf/internal/probe"
)

// DataListener receives records.
type DataListener = probe.Listener

// DataSource is a startable producer of records.
type DataSource interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	SetListener(l DataListener)
}

// DurationStarter is implemented by sources that can bound a run
// themselves.
type DurationStarter interface {
	StartFor(ctx context.Context, d time.Duration) error
}

// Filter is a listener that forwards to a next listener.
type Filter interface {
	DataListener
	SetListener(next DataListener)
}

// Runner is anything a composite can fire when its source emits.
type Runner interface {
	Run(ctx context.Context) error
}

// Delegator is implemented by actions that drive another data source.
// A composite whose action is a Delegator outputs the target's records
// instead of its scheduling source's.
type Delegator interface {
	Target() DataSource
}

// Halter is implemented by actions with a stop half, invoked when the
// composite owning them stops.
type Halter interface {
	Halt(ctx context.Context) error
}

// nopListener drops every record.
type nopListener struct{}

func (nopListener) OnData(ir.Record) {}

// listenerOrNop never returns nil.
func listenerOrNop(l DataListener) DataListener {
	if l == nil {
		return nopListener{}
	}
	return l
}
