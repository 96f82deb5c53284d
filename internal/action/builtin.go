package action

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/funf-org/funf/internal/datasource"
	"github.com/funf-org/funf/internal/ir"
	"github.com/funf-org/funf/internal/probe"
)

// Init is a trigger fired only by its graph, on start.
type Init struct {
	BaseTrigger
}

// SourceTrigger fires its actions on every record of a data source.
type SourceTrigger struct {
	BaseTrigger
	Source datasource.DataSource
}

// Start subscribes to the source and starts it.
func (s *SourceTrigger) Start(ctx context.Context) error {
	if s.Source == nil {
		return fmt.Errorf("source trigger: no source")
	}
	runCtx := context.WithoutCancel(ctx)
	s.Source.SetListener(probe.ListenerFunc(func(ir.Record) { s.Fire(runCtx) }))
	return s.Source.Start(ctx)
}

// Stop stops the source.
func (s *SourceTrigger) Stop(ctx context.Context) error {
	if s.Source == nil {
		return nil
	}
	return s.Source.Stop(ctx)
}

// StartSource starts its target data source.
type StartSource struct {
	BaseAction
	Source datasource.DataSource
}

func (a *StartSource) Run(ctx context.Context) error { return a.Source.Start(ctx) }

// Target implements datasource.Delegator.
func (a *StartSource) Target() datasource.DataSource { return a.Source }

// StopSource stops its target data source.
type StopSource struct {
	BaseAction
	Source datasource.DataSource
}

func (a *StopSource) Run(ctx context.Context) error { return a.Source.Stop(ctx) }

// StartStop is the start/stop pair synthesized for a scheduled source:
// each fire starts the target, and halting the owning composite stops
// it.
type StartStop struct {
	BaseAction
	Source datasource.DataSource
}

func (a *StartStop) Run(ctx context.Context) error { return a.Source.Start(ctx) }

// Halt stops the target.
func (a *StartStop) Halt(ctx context.Context) error { return a.Source.Stop(ctx) }

// Target implements datasource.Delegator.
func (a *StartStop) Target() datasource.DataSource { return a.Source }

// Duration starts its target for a bounded time. While the run is in
// progress its triggers are paused; they are resumed when the time is
// up.
type Duration struct {
	BaseAction
	Source   datasource.DataSource
	Duration time.Duration

	// After schedules f after d and returns a cancel function. Defaults
	// to time.AfterFunc.
	After func(d time.Duration, f func()) (cancel func())

	mu     sync.Mutex
	cancel func()
}

// Run starts the bounded run. A target that bounds runs itself
// (datasource.DurationStarter) is handed the duration; any other target
// is stopped when it elapses.
func (a *Duration) Run(ctx context.Context) error {
	a.PauseTriggers()

	starter, bounded := a.Source.(datasource.DurationStarter)
	var err error
	if bounded {
		err = starter.StartFor(ctx, a.Duration)
	} else {
		err = a.Source.Start(ctx)
	}
	if err != nil {
		a.ResumeTriggers()
		return fmt.Errorf("duration: start: %w", err)
	}

	stopCtx := context.WithoutCancel(ctx)
	cancel := a.after(a.Duration, func() {
		a.mu.Lock()
		a.cancel = nil
		a.mu.Unlock()
		if !bounded {
			_ = a.Source.Stop(stopCtx)
		}
		a.ResumeTriggers()
	})

	a.mu.Lock()
	if a.cancel != nil {
		// A previous window is still open; the new one supersedes it.
		a.cancel()
		a.ResumeTriggers()
	}
	a.cancel = cancel
	a.mu.Unlock()
	return nil
}

// Halt cancels an open window and stops the target.
func (a *Duration) Halt(ctx context.Context) error {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()
	if cancel != nil {
		cancel()
		a.ResumeTriggers()
	}
	return a.Source.Stop(ctx)
}

// Target implements datasource.Delegator.
func (a *Duration) Target() datasource.DataSource { return a.Source }

func (a *Duration) after(d time.Duration, f func()) func() {
	if a.After != nil {
		return a.After(d, f)
	}
	t := time.AfterFunc(d, f)
	return func() { t.Stop() }
}

// Adapter lets an action sit in a filter chain: every record runs the
// action and is passed on unchanged.
type Adapter struct {
	datasource.BaseFilter
	Action Action
}

// OnData runs the action and forwards rec.
func (a *Adapter) OnData(rec ir.Record) {
	if err := a.Action.Run(context.Background()); err != nil {
		slog.Default().Warn("adapted action failed", "source", rec.Source, "error", err)
	}
	a.Forward(rec)
}
