// Package sources holds the built-in host-level probes.
package sources

import (
	"context"
	"fmt"
	"time"

	"github.com/funf-org/funf/internal/alarm"
	"github.com/funf-org/funf/internal/ir"
	"github.com/funf-org/funf/internal/probe"
)

// Alarm emits one tick per run. Its interval becomes the default period,
// so a plain start request turns into a periodic one.
type Alarm struct {
	Interval time.Duration
	Clock    alarm.Clock
}

// NewAlarm creates an alarm with the given interval.
func NewAlarm(interval time.Duration, clock alarm.Clock) (*Alarm, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("alarm: interval must be positive")
	}
	if clock == nil {
		clock = alarm.SystemClock{}
	}
	return &Alarm{Interval: interval, Clock: clock}, nil
}

// DefaultSchedule implements probe.DefaultScheduler.
func (a *Alarm) DefaultSchedule() ir.Schedule {
	return ir.Schedule{Period: a.Interval}
}

func (a *Alarm) OnEnable(context.Context) error  { return nil }
func (a *Alarm) OnStop(context.Context) error    { return nil }
func (a *Alarm) OnDisable(context.Context) error { return nil }

// OnRun emits the tick and completes.
func (a *Alarm) OnRun(_ context.Context, _ ir.RunParams, run *probe.Run) error {
	run.Emit(ir.Object{
		"time":     ir.Int(a.Clock.Now().Unix()),
		"interval": ir.Int(a.Interval / time.Second),
	})
	run.Complete()
	return nil
}
