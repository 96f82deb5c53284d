package action

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

type edge struct {
	trigger Trigger
	action  Action
	back    bool // action -> trigger
}

// Graph is the label-addressed set of triggers and actions of one
// pipeline.
type Graph struct {
	triggers map[string]Trigger
	actions  map[string]Action
	logger   *slog.Logger

	mu       sync.Mutex
	edges    []edge
	started  []Trigger
	running  bool
	tornDown bool
	initDone bool
}

// NewGraph creates a graph over labelled triggers and actions. logger may
// be nil.
func NewGraph(triggers map[string]Trigger, actions map[string]Action, logger *slog.Logger) *Graph {
	if logger == nil {
		logger = slog.Default()
	}
	if triggers == nil {
		triggers = map[string]Trigger{}
	}
	if actions == nil {
		actions = map[string]Action{}
	}
	return &Graph{triggers: triggers, actions: actions, logger: logger}
}

// Trigger returns the trigger registered under label.
func (g *Graph) Trigger(label string) (Trigger, bool) {
	t, ok := g.triggers[label]
	return t, ok
}

// Action returns the action registered under label.
func (g *Graph) Action(label string) (Action, bool) {
	a, ok := g.actions[label]
	return a, ok
}

// Start wires every trigger to the actions it names and every rearming
// action back to the triggers it names, starts the triggers, and fires
// the init trigger once. Labels that name nothing are reported and
// skipped. Starting a started or torn down graph is a no-op.
func (g *Graph) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running || g.tornDown {
		return nil
	}
	g.running = true

	var errs []error
	for _, tl := range sortedKeys(g.triggers) {
		t := g.triggers[tl]
		for _, al := range t.ActionLabels() {
			a, ok := g.actions[al]
			if !ok {
				errs = append(errs, fmt.Errorf("trigger %q: unknown action %q", tl, al))
				continue
			}
			t.AddAction(a)
			g.edges = append(g.edges, edge{trigger: t, action: a})
		}
	}
	for _, al := range sortedKeys(g.actions) {
		r, ok := g.actions[al].(Rearming)
		if !ok {
			continue
		}
		for _, tl := range r.TriggerLabels() {
			t, ok := g.triggers[tl]
			if !ok {
				errs = append(errs, fmt.Errorf("action %q: unknown trigger %q", al, tl))
				continue
			}
			r.AddTrigger(t)
			g.edges = append(g.edges, edge{trigger: t, action: r, back: true})
		}
	}
	for _, err := range errs {
		g.logger.Warn("action graph wiring", "error", err)
	}

	for _, tl := range sortedKeys(g.triggers) {
		t := g.triggers[tl]
		if err := t.Start(ctx); err != nil {
			return fmt.Errorf("start trigger %q: %w", tl, err)
		}
		g.started = append(g.started, t)
	}

	if t, ok := g.triggers[InitLabel]; ok && !g.initDone {
		g.initDone = true
		g.logger.Debug("firing init trigger")
		t.Fire(ctx)
	}
	return errors.Join(errs...)
}

// Teardown stops started triggers, removes every edge in both directions
// and destroys every node. It is idempotent and safe after a failed
// Start.
func (g *Graph) Teardown(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.tornDown {
		return nil
	}
	g.tornDown = true
	g.running = false

	var errs []error
	for i := len(g.started) - 1; i >= 0; i-- {
		if err := g.started[i].Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	g.started = nil

	for _, e := range g.edges {
		if e.back {
			e.action.(Rearming).RemoveTrigger(e.trigger)
		} else {
			e.trigger.RemoveAction(e.action)
		}
	}
	g.edges = nil

	for _, tl := range sortedKeys(g.triggers) {
		if d, ok := g.triggers[tl].(Destroyer); ok {
			if err := d.Destroy(ctx); err != nil {
				errs = append(errs, fmt.Errorf("destroy trigger %q: %w", tl, err))
			}
		}
	}
	for _, al := range sortedKeys(g.actions) {
		if d, ok := g.actions[al].(Destroyer); ok {
			if err := d.Destroy(ctx); err != nil {
				errs = append(errs, fmt.Errorf("destroy action %q: %w", al, err))
			}
		}
	}
	return errors.Join(errs...)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
