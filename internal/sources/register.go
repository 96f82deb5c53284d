package sources

import (
	"time"

	"github.com/funf-org/funf/internal/alarm"
	"github.com/funf-org/funf/internal/probe"
	"github.com/funf-org/funf/internal/registry"
)

// Type names of the built-in probes.
const (
	TypeAlarm   = "probe.Alarm"
	TypeDirScan = "probe.DirScan"
	TypeRuntime = "probe.Runtime"
)

// DefaultAlarmInterval applies when an alarm declares no interval.
const DefaultAlarmInterval = time.Minute

// Register adds the built-in probes to reg. Every probe type is a
// singleton whose instance is the lifecycle mgr keeps for the node's
// source key, so consumers declaring the same probe share one request set.
func Register(reg *registry.Registry, mgr *probe.Manager, clock alarm.Clock) error {
	types := []struct {
		name  string
		desc  string
		build func(c registry.Context) (probe.Source, error)
	}{
		{TypeAlarm, "periodic tick; interval in seconds", func(c registry.Context) (probe.Source, error) {
			interval, err := c.Seconds("interval", DefaultAlarmInterval)
			if err != nil {
				return nil, err
			}
			return NewAlarm(interval, clock)
		}},
		{TypeDirScan, "new or changed files under path", func(c registry.Context) (probe.Source, error) {
			path, err := c.String("path", "")
			if err != nil {
				return nil, err
			}
			pattern, err := c.String("pattern", "")
			if err != nil {
				return nil, err
			}
			recursive, err := c.Bool("recursive", false)
			if err != nil {
				return nil, err
			}
			return NewDirScan(path, pattern, recursive)
		}},
		{TypeRuntime, "Go runtime statistics of this process", func(registry.Context) (probe.Source, error) {
			return Runtime{}, nil
		}},
	}

	for _, t := range types {
		build := t.build
		factory := func(c registry.Context) (any, error) {
			// Validate eagerly so a bad configuration fails at compile
			// time even when the lifecycle already exists.
			src, err := build(c)
			if err != nil {
				return nil, err
			}
			return mgr.Lifecycle(c.Context(), c.Spec, func() (probe.Source, error) { return src, nil })
		}
		if err := reg.RegisterType(t.name, registry.KindDataSource, factory,
			registry.Singleton(), registry.Describe(t.desc)); err != nil {
			return err
		}
	}
	return nil
}
