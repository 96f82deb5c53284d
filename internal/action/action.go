// Package action wires named triggers to named actions.
//
// A Trigger fires the actions registered on it. An action that lists
// trigger labels gets those triggers registered back on it, so it can
// pause and re-arm them, as Duration does while its bounded run is in
// progress. Graph performs the wiring in both directions, fires the
// "init" trigger once on start, and undoes everything on teardown.
package action

import (
	"context"
	"log/slog"
	"slices"
	"sync"
)

// InitLabel is the trigger fired exactly once when a graph starts.
const InitLabel = "init"

// Action is a one-shot operation.
type Action interface {
	Run(ctx context.Context) error
}

// Trigger fires its registered actions.
type Trigger interface {
	ActionLabels() []string
	AddAction(a Action)
	RemoveAction(a Action)
	Fire(ctx context.Context)
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Pausable is a trigger that can be temporarily silenced.
type Pausable interface {
	Pause()
	Resume()
}

// Rearming is an action with edges back to triggers.
type Rearming interface {
	Action
	TriggerLabels() []string
	AddTrigger(t Trigger)
	RemoveTrigger(t Trigger)
}

// Destroyer is implemented by nodes that release resources on teardown.
type Destroyer interface {
	Destroy(ctx context.Context) error
}

// BaseTrigger keeps the action edges of a trigger.
type BaseTrigger struct {
	// Actions lists the labels of the actions this trigger fires.
	Actions []string
	Logger  *slog.Logger

	mu         sync.Mutex
	registered []Action
	paused     int
}

func (b *BaseTrigger) ActionLabels() []string {
	return slices.Clone(b.Actions)
}

func (b *BaseTrigger) AddAction(a Action) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !slices.Contains(b.registered, a) {
		b.registered = append(b.registered, a)
	}
}

func (b *BaseTrigger) RemoveAction(a Action) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.registered = slices.DeleteFunc(b.registered, func(x Action) bool { return x == a })
}

// Registered returns the actions currently wired to the trigger.
func (b *BaseTrigger) Registered() []Action {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.registered)
}

// Pause silences the trigger until a matching Resume. Pauses nest.
func (b *BaseTrigger) Pause() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paused++
}

// Resume undoes one Pause.
func (b *BaseTrigger) Resume() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.paused > 0 {
		b.paused--
	}
}

// Paused reports whether the trigger is silenced.
func (b *BaseTrigger) Paused() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.paused > 0
}

// Fire runs every registered action in registration order. Failures are
// logged and do not stop the remaining actions.
func (b *BaseTrigger) Fire(ctx context.Context) {
	b.mu.Lock()
	if b.paused > 0 {
		b.mu.Unlock()
		return
	}
	actions := slices.Clone(b.registered)
	b.mu.Unlock()

	for _, a := range actions {
		if err := a.Run(ctx); err != nil {
			b.logger().Warn("action failed", "error", err)
		}
	}
}

// Start is a no-op for triggers fired only by the graph.
func (b *BaseTrigger) Start(context.Context) error { return nil }

// Stop is a no-op for triggers fired only by the graph.
func (b *BaseTrigger) Stop(context.Context) error { return nil }

func (b *BaseTrigger) logger() *slog.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return slog.Default()
}

// BaseAction keeps the trigger edges of an action.
type BaseAction struct {
	// Triggers lists the labels of the triggers registered back on this
	// action.
	Triggers []string

	mu         sync.Mutex
	registered []Trigger
}

func (b *BaseAction) TriggerLabels() []string {
	return slices.Clone(b.Triggers)
}

func (b *BaseAction) AddTrigger(t Trigger) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !slices.Contains(b.registered, t) {
		b.registered = append(b.registered, t)
	}
}

func (b *BaseAction) RemoveTrigger(t Trigger) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.registered = slices.DeleteFunc(b.registered, func(x Trigger) bool { return x == t })
}

// PauseTriggers silences every registered pausable trigger.
func (b *BaseAction) PauseTriggers() {
	for _, t := range b.triggers() {
		if p, ok := t.(Pausable); ok {
			p.Pause()
		}
	}
}

// ResumeTriggers re-arms every registered pausable trigger.
func (b *BaseAction) ResumeTriggers() {
	for _, t := range b.triggers() {
		if p, ok := t.(Pausable); ok {
			p.Resume()
		}
	}
}

func (b *BaseAction) triggers() []Trigger {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.registered)
}
