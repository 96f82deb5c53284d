package datasource

import (
	"context"
	"sync"
	"time"

	"github.com/funf-org/funf/internal/ir"
	"github.com/funf-org/funf/internal/probe"
)

// ProbeSource is one consumer's view of a shared probe lifecycle. Every
// ProbeSource submits requests under its own requester id, so several
// consumers of the same lifecycle keep separate demand while sharing its
// runs.
type ProbeSource struct {
	lc        *probe.Lifecycle
	requester string
	schedule  ir.Schedule

	mu       sync.Mutex
	listener DataListener
	detach   func()
}

// NewProbeSource creates a consumer of lc identified by requester. base
// is the schedule every request of this consumer carries.
func NewProbeSource(lc *probe.Lifecycle, requester string, base ir.Schedule) *ProbeSource {
	return &ProbeSource{lc: lc, requester: requester, schedule: base}
}

// Lifecycle returns the shared lifecycle.
func (p *ProbeSource) Lifecycle() *probe.Lifecycle { return p.lc }

// Requester returns the requester id of this consumer.
func (p *ProbeSource) Requester() string { return p.requester }

// SetListener sets where records go.
func (p *ProbeSource) SetListener(l DataListener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listener = l
}

// OnData forwards a record of the lifecycle to the listener.
func (p *ProbeSource) OnData(rec ir.Record) {
	p.mu.Lock()
	l := listenerOrNop(p.listener)
	p.mu.Unlock()
	l.OnData(rec)
}

// Start attaches to the lifecycle and submits this consumer's request.
// Starting again resubmits it, which asks a one-shot source for another
// run.
func (p *ProbeSource) Start(ctx context.Context) error {
	return p.submit(ctx, p.schedule)
}

// StartFor is Start with a run duration; the lifecycle stops the run once
// the longest outstanding duration has passed.
func (p *ProbeSource) StartFor(ctx context.Context, d time.Duration) error {
	s := p.schedule
	s.Duration = d
	return p.submit(ctx, s)
}

func (p *ProbeSource) submit(ctx context.Context, s ir.Schedule) error {
	p.mu.Lock()
	if p.detach == nil {
		p.detach = p.lc.AddListener(p)
	}
	p.mu.Unlock()

	return p.lc.SubmitRequest(ctx, ir.Request{
		RequesterID: p.requester,
		Enabled:     true,
		Schedule:    s,
	})
}

// Stop withdraws this consumer's request and detaches from the lifecycle.
func (p *ProbeSource) Stop(ctx context.Context) error {
	p.mu.Lock()
	detach := p.detach
	p.detach = nil
	p.mu.Unlock()

	err := p.lc.SubmitRequest(ctx, ir.Request{RequesterID: p.requester, Enabled: false})
	if detach != nil {
		detach()
	}
	return err
}
