package datasource

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/funf-org/funf/internal/ir"
	"github.com/funf-org/funf/internal/probe"
)

// Composite is the node the compiler synthesizes around scheduled and
// filtered sources.
//
// Records of Source fire Action. When Action delegates to a target data
// source, the composite outputs the target's records; otherwise it
// outputs Source's own records. Output passes through Filters in order
// (Filters[0] is closest to the source) before reaching the listener.
type Composite struct {
	Source  DataSource
	Filters []Filter
	Action  Runner
	Logger  *slog.Logger

	mu       sync.Mutex
	listener DataListener
	runCtx   context.Context
	started  bool
}

// SetListener sets where the composite's output goes. It may be called
// before or after Start.
func (c *Composite) SetListener(l DataListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listener = l
}

// OnData is the tail of the filter chain.
func (c *Composite) OnData(rec ir.Record) {
	c.mu.Lock()
	l := listenerOrNop(c.listener)
	c.mu.Unlock()
	l.OnData(rec)
}

// Start wires the chain and starts the scheduling source. Starting a
// started composite is a no-op.
func (c *Composite) Start(ctx context.Context) error {
	if c.Source == nil {
		return fmt.Errorf("composite: no source")
	}

	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.runCtx = context.WithoutCancel(ctx)
	c.mu.Unlock()

	head := c.chain()
	switch {
	case c.Action == nil:
		c.Source.SetListener(head)
	default:
		if d, ok := c.Action.(Delegator); ok && d.Target() != nil {
			d.Target().SetListener(head)
			c.Source.SetListener(probe.ListenerFunc(c.fire))
		} else {
			c.Source.SetListener(probe.ListenerFunc(func(rec ir.Record) {
				c.fire(rec)
				head.OnData(rec)
			}))
		}
	}

	if err := c.Source.Start(ctx); err != nil {
		c.mu.Lock()
		c.started = false
		c.mu.Unlock()
		return fmt.Errorf("composite: start source: %w", err)
	}
	return nil
}

// chain links the filters and returns the first listener records enter.
func (c *Composite) chain() DataListener {
	var next DataListener = c
	for i := len(c.Filters) - 1; i >= 0; i-- {
		c.Filters[i].SetListener(next)
		next = c.Filters[i]
	}
	return next
}

func (c *Composite) fire(rec ir.Record) {
	c.mu.Lock()
	ctx := c.runCtx
	c.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := c.Action.Run(ctx); err != nil {
		c.logger().Warn("composite action failed", "source", rec.Source, "error", err)
	}
}

// Stop stops the scheduling source and the action's stop half. Stopping
// a stopped composite is a no-op.
func (c *Composite) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = false
	c.mu.Unlock()

	err := c.Source.Stop(ctx)
	if h, ok := c.Action.(Halter); ok {
		if herr := h.Halt(ctx); herr != nil && err == nil {
			err = herr
		}
	}
	if err != nil {
		return fmt.Errorf("composite: stop: %w", err)
	}
	return nil
}

func (c *Composite) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}
