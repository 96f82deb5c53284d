package compiler

import (
	"fmt"
	"log/slog"

	"github.com/funf-org/funf/internal/action"
	"github.com/funf-org/funf/internal/datasource"
	"github.com/funf-org/funf/internal/ir"
	"github.com/funf-org/funf/internal/registry"
)

// RegisterBuiltins registers the node types the rewrite synthesizes and
// the generic filters, actions and triggers.
func RegisterBuiltins(reg *registry.Registry, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	types := []struct {
		name    string
		kind    registry.Kind
		factory registry.Factory
		desc    string
	}{
		{TypeComposite, registry.KindDataSource, compositeFactory(logger), "scheduled and filtered source"},
		{"filter.KeyFilter", registry.KindFilter, keyFilterFactory, "pass records by field value"},
		{"filter.RateLimit", registry.KindFilter, rateLimitFactory, "drop records above a rate"},
		{TypeActionAdapter, registry.KindFilter, adapterFactory, "run an action for every record"},
		{"action.StartSource", registry.KindAction, sourceAction(func(ds datasource.DataSource, triggers []string) any {
			return &action.StartSource{BaseAction: action.BaseAction{Triggers: triggers}, Source: ds}
		}), "start a data source"},
		{"action.StopSource", registry.KindAction, sourceAction(func(ds datasource.DataSource, triggers []string) any {
			return &action.StopSource{BaseAction: action.BaseAction{Triggers: triggers}, Source: ds}
		}), "stop a data source"},
		{TypeStartStop, registry.KindAction, sourceAction(func(ds datasource.DataSource, triggers []string) any {
			return &action.StartStop{BaseAction: action.BaseAction{Triggers: triggers}, Source: ds}
		}), "start on fire, stop on halt"},
		{TypeDuration, registry.KindAction, durationFactory, "start a data source for a bounded time"},
		{"trigger.Init", registry.KindTrigger, initFactory, "fired once when the graph starts"},
		{"trigger.Source", registry.KindTrigger, sourceTriggerFactory, "fired on every record of a data source"},
	}
	for _, t := range types {
		if err := reg.RegisterType(t.name, t.kind, t.factory, registry.Describe(t.desc)); err != nil {
			return err
		}
	}
	return nil
}

func compositeFactory(logger *slog.Logger) registry.Factory {
	return func(c registry.Context) (any, error) {
		src, err := dataSourceField(c, "source")
		if err != nil {
			return nil, err
		}
		comp := &datasource.Composite{Source: src, Logger: logger}

		children, _ := c.Children("filters")
		for i, child := range children {
			f, ok := child.(datasource.Filter)
			if !ok {
				return nil, fmt.Errorf("filters[%d]: %T is not a filter", i, child)
			}
			comp.Filters = append(comp.Filters, f)
		}

		act, ok, err := c.Child("action")
		if err != nil {
			return nil, err
		}
		if ok {
			runner, isRunner := act.(datasource.Runner)
			if !isRunner {
				return nil, fmt.Errorf("action: %T is not an action", act)
			}
			comp.Action = runner
		}
		return comp, nil
	}
}

func dataSourceField(c registry.Context, key string) (datasource.DataSource, error) {
	v, ok, err := c.Child(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%s is required", key)
	}
	ds, isSource := v.(datasource.DataSource)
	if !isSource {
		return nil, fmt.Errorf("%s: %T is not a data source", key, v)
	}
	return ds, nil
}

func keyFilterFactory(c registry.Context) (any, error) {
	key, err := c.String("key", "")
	if err != nil {
		return nil, err
	}
	if key == "" {
		return nil, fmt.Errorf("key is required")
	}
	exclude, err := c.Bool("exclude", false)
	if err != nil {
		return nil, err
	}
	var values []ir.Value
	switch v := c.Spec.Config["values"].(type) {
	case nil:
	case ir.Array:
		values = v
	default:
		values = []ir.Value{v}
	}
	return &datasource.KeyFilter{Key: key, Values: values, Exclude: exclude}, nil
}

func rateLimitFactory(c registry.Context) (any, error) {
	perSecond, err := c.Int("per_second", 0)
	if err != nil {
		return nil, err
	}
	if perSecond <= 0 {
		return nil, fmt.Errorf("per_second must be positive")
	}
	burst, err := c.Int("burst", perSecond)
	if err != nil {
		return nil, err
	}
	return datasource.NewRateLimit(float64(perSecond), int(burst)), nil
}

func adapterFactory(c registry.Context) (any, error) {
	v, ok, err := c.Child("action")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("action is required")
	}
	act, isAction := v.(action.Action)
	if !isAction {
		return nil, fmt.Errorf("action: %T is not an action", v)
	}
	return &action.Adapter{Action: act}, nil
}

// sourceAction builds actions over a "source" node. "triggers" lists the
// labels of the triggers the action re-arms.
func sourceAction(newAction func(src datasource.DataSource, triggers []string) any) registry.Factory {
	return func(c registry.Context) (any, error) {
		src, err := dataSourceField(c, "source")
		if err != nil {
			return nil, err
		}
		triggers, err := c.Strings("triggers")
		if err != nil {
			return nil, err
		}
		return newAction(src, triggers), nil
	}
}

func durationFactory(c registry.Context) (any, error) {
	src, err := dataSourceField(c, "source")
	if err != nil {
		return nil, err
	}
	d, err := c.Seconds("duration", 0)
	if err != nil {
		return nil, err
	}
	if d <= 0 {
		return nil, fmt.Errorf("duration must be positive")
	}
	triggers, err := c.Strings("triggers")
	if err != nil {
		return nil, err
	}
	return &action.Duration{BaseAction: action.BaseAction{Triggers: triggers}, Source: src, Duration: d}, nil
}

func initFactory(c registry.Context) (any, error) {
	labels, err := c.Strings("actions")
	if err != nil {
		return nil, err
	}
	return &action.Init{BaseTrigger: action.BaseTrigger{Actions: labels}}, nil
}

func sourceTriggerFactory(c registry.Context) (any, error) {
	src, err := dataSourceField(c, "source")
	if err != nil {
		return nil, err
	}
	labels, err := c.Strings("actions")
	if err != nil {
		return nil, err
	}
	return &action.SourceTrigger{BaseTrigger: action.BaseTrigger{Actions: labels}, Source: src}, nil
}
