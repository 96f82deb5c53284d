package archive

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/funf-org/funf/internal/metric"
)

// Default retry budgets.
const (
	DefaultMaxItemRetries        = 3
	DefaultMaxDestinationRetries = 6
)

// Config tunes retries.
type Config struct {
	// MaxItemRetries is the number of attempts an item gets before it is
	// dropped.
	MaxItemRetries int
	// MaxDestinationRetries is the number of consecutive failures after
	// which a destination is parked.
	MaxDestinationRetries int

	// Backoff between attempts to a failing destination. InitialDelay 0
	// disables backoff.
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	AddJitter    bool

	// RecheckInterval is how often parked destinations are probed for
	// returning connectivity.
	RecheckInterval time.Duration
}

// DefaultConfig returns the default budgets with a 1s to 5m backoff.
func DefaultConfig() Config {
	return Config{
		MaxItemRetries:        DefaultMaxItemRetries,
		MaxDestinationRetries: DefaultMaxDestinationRetries,
		InitialDelay:          time.Second,
		MaxDelay:              5 * time.Minute,
		Multiplier:            2.0,
		AddJitter:             true,
		RecheckInterval:       30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxItemRetries <= 0 {
		c.MaxItemRetries = DefaultMaxItemRetries
	}
	if c.MaxDestinationRetries <= 0 {
		c.MaxDestinationRetries = DefaultMaxDestinationRetries
	}
	if c.Multiplier < 1 {
		c.Multiplier = 2.0
	}
	if c.MaxDelay < c.InitialDelay {
		c.MaxDelay = c.InitialDelay
	}
	if c.RecheckInterval <= 0 {
		c.RecheckInterval = 30 * time.Second
	}
	return c
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithMetrics records uploads and queue depth.
func WithMetrics(m *metric.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithConfig replaces DefaultConfig.
func WithConfig(c Config) Option {
	return func(p *Pipeline) { p.cfg = c }
}

// WithConnectivity replaces AlwaysOnline.
func WithConnectivity(c Connectivity) Option {
	return func(p *Pipeline) { p.conn = c }
}

// WithClock replaces time.Now for backoff deadlines.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

type destState struct {
	failures  int
	notBefore time.Time
	offline   bool
	parked    []Item
}

// Pipeline is the upload queue and its worker.
//
// Thread-safety: Enqueue and the accessors may be called from any
// goroutine. Run and Flush share one worker lock, so at most one upload
// is in flight.
type Pipeline struct {
	local   LocalArchive
	remotes map[string]RemoteArchive
	conn    Connectivity
	cfg     Config
	logger  *slog.Logger
	metrics *metric.Metrics
	now     func() time.Time

	work sync.Mutex

	mu     sync.Mutex
	queue  []Item
	queued map[string]bool
	dests  map[string]*destState
	wake   chan struct{}
	rnd    *rand.Rand
}

// NewPipeline creates a pipeline uploading from local to remotes.
func NewPipeline(local LocalArchive, remotes []RemoteArchive, opts ...Option) *Pipeline {
	p := &Pipeline{
		local:   local,
		remotes: make(map[string]RemoteArchive, len(remotes)),
		conn:    AlwaysOnline{},
		cfg:     DefaultConfig(),
		logger:  slog.Default(),
		now:     time.Now,
		queued:  make(map[string]bool),
		dests:   make(map[string]*destState),
		wake:    make(chan struct{}, 1),
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, r := range remotes {
		p.remotes[r.ID()] = r
	}
	for _, opt := range opts {
		opt(p)
	}
	p.cfg = p.cfg.withDefaults()
	return p
}

// Local returns the local archive.
func (p *Pipeline) Local() LocalArchive { return p.local }

// Destinations returns the ids of the configured remotes.
func (p *Pipeline) Destinations() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return sortStrings(keysOf(p.remotes))
}

// AddRemote makes r available as a destination. Adding a remote under an
// id that is already taken replaces it and keeps the destination's
// queued items and failure state.
func (p *Pipeline) AddRemote(r RemoteArchive) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.remotes[r.ID()]; ok {
		p.logger.Info("destination replaced", "destination", r.ID())
	}
	p.remotes[r.ID()] = r
}

func (p *Pipeline) dest(id string) *destState {
	d, ok := p.dests[id]
	if !ok {
		d = &destState{}
		p.dests[id] = d
	}
	return d
}

// Enqueue adds item unless an item with the same local and remote ids is
// already waiting. A new item, or a repeat of one that is parked, resets
// its destination's failure count and releases items parked for it. It
// reports whether item was added.
func (p *Pipeline) Enqueue(item Item) (bool, error) {
	p.mu.Lock()
	if _, ok := p.remotes[item.RemoteID]; !ok {
		p.mu.Unlock()
		return false, fmt.Errorf("enqueue %s: unknown destination %q", item.LocalID, item.RemoteID)
	}
	d := p.dest(item.RemoteID)
	if p.queued[item.key()] {
		released := d.holds(item)
		if released {
			p.resetLocked(d)
		}
		p.mu.Unlock()
		if released {
			p.signal()
		}
		return false, nil
	}
	p.queued[item.key()] = true
	p.resetLocked(d)
	p.queue = append(p.queue, item)
	depth := p.depthLocked()
	p.mu.Unlock()

	p.metrics.SetQueueDepth(depth)
	p.signal()
	return true, nil
}

// holds reports whether item is parked in d.
func (d *destState) holds(item Item) bool {
	return slices.ContainsFunc(d.parked, func(it Item) bool { return it.key() == item.key() })
}

// EnqueueAll queues every batch of the local archive for destination.
func (p *Pipeline) EnqueueAll(ctx context.Context, destination string, network Network) (int, error) {
	ids, err := p.local.List(ctx)
	if err != nil {
		return 0, err
	}
	added := 0
	for _, id := range ids {
		ok, err := p.Enqueue(Item{LocalID: id, RemoteID: destination, PayloadRef: id, Network: network})
		if err != nil {
			return added, err
		}
		if ok {
			added++
		}
	}
	return added, nil
}

// resetLocked clears the failure state of d and requeues its parked
// items. Caller holds p.mu.
func (p *Pipeline) resetLocked(d *destState) {
	d.failures = 0
	d.notBefore = time.Time{}
	if len(d.parked) > 0 {
		p.queue = append(p.queue, d.parked...)
		d.parked = nil
	}
}

func (p *Pipeline) depthLocked() int {
	n := len(p.queue)
	for _, d := range p.dests {
		n += len(d.parked)
	}
	return n
}

func (p *Pipeline) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Pending returns the queued items in order, followed by parked ones.
func (p *Pipeline) Pending() []Item {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := append([]Item(nil), p.queue...)
	for _, id := range sortStrings(keysOf(p.dests)) {
		out = append(out, p.dests[id].parked...)
	}
	return out
}

// Contains reports whether an item with the identity of item is queued or
// parked.
func (p *Pipeline) Contains(item Item) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queued[item.key()]
}

// DestinationFailures returns the consecutive failure count of a
// destination.
func (p *Pipeline) DestinationFailures(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if d, ok := p.dests[id]; ok {
		return d.failures
	}
	return 0
}

// Run processes the queue until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	recheck := time.NewTicker(p.cfg.RecheckInterval)
	defer recheck.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		progressed, wait := p.step(ctx)
		if progressed {
			continue
		}

		var (
			timer *time.Timer
			fire  <-chan time.Time
		)
		if wait > 0 {
			timer = time.NewTimer(wait)
			fire = timer.C
		}
		select {
		case <-ctx.Done():
			stopTimer(timer)
			return ctx.Err()
		case <-p.wake:
		case <-fire:
		case <-recheck.C:
			p.Recheck(ctx)
		}
		stopTimer(timer)
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

// Flush processes the queue until only parked items remain, waiting out
// backoff delays. It is the one-shot counterpart of Run.
func (p *Pipeline) Flush(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		progressed, wait := p.step(ctx)
		if progressed {
			continue
		}
		if wait <= 0 {
			return nil
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Recheck probes the connectivity of destinations with parked items. A
// destination that was offline and is online again is reset.
func (p *Pipeline) Recheck(ctx context.Context) {
	p.mu.Lock()
	type probe struct {
		id      string
		network Network
	}
	var probes []probe
	for _, id := range sortStrings(keysOf(p.dests)) {
		if d := p.dests[id]; len(d.parked) > 0 {
			probes = append(probes, probe{id, d.parked[0].Network})
		}
	}
	p.mu.Unlock()

	for _, pr := range probes {
		online := p.conn.IsOnline(ctx, pr.network)
		p.mu.Lock()
		d := p.dest(pr.id)
		switch {
		case !online:
			d.offline = true
		case d.offline:
			d.offline = false
			p.resetLocked(d)
			p.logger.Info("destination back online", "destination", pr.id)
		}
		p.mu.Unlock()
	}
	p.signal()
}

// step handles the first runnable item. It returns whether an item was
// handled and, when none was runnable, how long until one may be.
func (p *Pipeline) step(ctx context.Context) (bool, time.Duration) {
	p.work.Lock()
	defer p.work.Unlock()

	item, ok, wait := p.next()
	if !ok {
		return false, wait
	}
	p.process(ctx, item)
	return true, 0
}

// next removes and returns the first item whose destination is not
// backing off. Items of a destination over its failure budget are
// parked on the way.
func (p *Pipeline) next() (Item, bool, time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	var wait time.Duration
	for i := 0; i < len(p.queue); {
		item := p.queue[i]
		d := p.dest(item.RemoteID)
		if d.failures >= p.cfg.MaxDestinationRetries {
			p.queue = append(p.queue[:i:i], p.queue[i+1:]...)
			d.parked = append(d.parked, item)
			p.logger.Warn("destination blocked, item parked",
				"destination", item.RemoteID,
				"local_id", item.LocalID,
				"failures", d.failures,
			)
			continue
		}
		if until := d.notBefore.Sub(now); until > 0 {
			if wait == 0 || until < wait {
				wait = until
			}
			i++
			continue
		}
		p.queue = append(p.queue[:i:i], p.queue[i+1:]...)
		return item, true, 0
	}
	return Item{}, false, wait
}

func (p *Pipeline) process(ctx context.Context, item Item) {
	p.mu.Lock()
	remote := p.remotes[item.RemoteID]
	p.mu.Unlock()

	if !p.conn.IsOnline(ctx, item.Network) {
		p.mu.Lock()
		d := p.dest(item.RemoteID)
		d.offline = true
		d.parked = append(d.parked, item)
		p.mu.Unlock()
		p.logger.Info("offline, item parked", "destination", item.RemoteID, "local_id", item.LocalID, "network", item.Network)
		return
	}

	data, err := p.local.Read(ctx, item.LocalID)
	if err != nil {
		p.drop(item)
		p.metrics.RecordUpload(item.RemoteID, "dropped")
		p.logger.Error("archive entry unreadable, item dropped", "destination", item.RemoteID, "local_id", item.LocalID, "error", err)
		return
	}

	err = remote.Add(ctx, item.LocalID, data)
	if err != nil && ctx.Err() != nil {
		// Shutting down: the attempt does not count.
		p.mu.Lock()
		p.queue = append([]Item{item}, p.queue...)
		p.mu.Unlock()
		return
	}
	item.Attempts++
	if err == nil {
		p.mu.Lock()
		delete(p.queued, item.key())
		p.resetLocked(p.dest(item.RemoteID))
		depth := p.depthLocked()
		shared := p.referencedLocked(item.LocalID)
		p.mu.Unlock()
		if !shared {
			if rerr := p.local.Remove(ctx, item.LocalID); rerr != nil {
				p.logger.Warn("remove uploaded entry failed", "local_id", item.LocalID, "error", rerr)
			}
		}
		p.metrics.RecordUpload(item.RemoteID, "success")
		p.metrics.SetQueueDepth(depth)
		p.logger.Info("upload succeeded", "destination", item.RemoteID, "local_id", item.LocalID, "attempts", item.Attempts)
		return
	}

	uerr := &UploadError{Destination: item.RemoteID, LocalID: item.LocalID, Attempts: item.Attempts, Err: err}
	p.metrics.RecordUpload(item.RemoteID, "failure")

	p.mu.Lock()
	d := p.dest(item.RemoteID)
	d.failures++
	d.notBefore = p.now().Add(p.backoff(d.failures))
	if item.Attempts >= p.cfg.MaxItemRetries {
		delete(p.queued, item.key())
		depth := p.depthLocked()
		p.mu.Unlock()
		p.metrics.RecordUpload(item.RemoteID, "dropped")
		p.metrics.SetQueueDepth(depth)
		p.logger.Error("upload failed permanently, item dropped",
			"destination", item.RemoteID,
			"local_id", item.LocalID,
			"attempts", item.Attempts,
			"error", uerr,
		)
		return
	}
	failures := d.failures
	p.queue = append(p.queue, item)
	p.mu.Unlock()
	p.logger.Warn("upload failed, will retry", "error", uerr, "destination_failures", failures)
}

// referencedLocked reports whether an upload of localID to another
// destination is still queued or parked. Caller holds p.mu.
func (p *Pipeline) referencedLocked(localID string) bool {
	prefix := localID + "\x00"
	for key := range p.queued {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}

func (p *Pipeline) drop(item Item) {
	p.mu.Lock()
	delete(p.queued, item.key())
	depth := p.depthLocked()
	p.mu.Unlock()
	p.metrics.SetQueueDepth(depth)
}

// backoff returns the delay after the nth consecutive failure, with up
// to 25% jitter. Caller holds p.mu.
func (p *Pipeline) backoff(n int) time.Duration {
	if p.cfg.InitialDelay <= 0 {
		return 0
	}
	delay := float64(p.cfg.InitialDelay)
	for i := 1; i < n; i++ {
		delay *= p.cfg.Multiplier
		if delay >= float64(p.cfg.MaxDelay) {
			delay = float64(p.cfg.MaxDelay)
			break
		}
	}
	d := time.Duration(delay)
	if p.cfg.AddJitter && d >= 4 {
		d += time.Duration(p.rnd.Int63n(int64(d / 4)))
	}
	return d
}

func keysOf[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

func sortStrings(s []string) []string {
	slices.Sort(s)
	return s
}
