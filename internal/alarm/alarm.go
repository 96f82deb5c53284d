package alarm

import (
	"log/slog"
	"sync"
	"time"
)

// Clock reads the current time.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now returns time.Now in UTC.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// Handler receives the key of a fired alarm.
type Handler func(key string)

// Timer schedules keyed wake-ups. Scheduling an existing key replaces the
// previous alarm; cancelling an unknown key is a no-op.
type Timer interface {
	Schedule(key string, at time.Time, exact bool)
	Cancel(key string)
}

// inexactSlack is how far a non-exact alarm may be delayed so that
// alarms due close together coalesce onto one wake-up.
const inexactSlack = time.Second

// Local is an in-process Timer built on time.AfterFunc.
//
// Thread-safety: all methods are safe for concurrent use. The handler is
// invoked on the timer's goroutine, never while Local's lock is held.
type Local struct {
	clock Clock

	mu      sync.Mutex
	handler Handler
	timers  map[string]*entry
	gen     uint64
	closed  bool
}

type entry struct {
	t   *time.Timer
	gen uint64
}

// NewLocal creates an in-process timer reading time from clock.
func NewLocal(clock Clock) *Local {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Local{
		clock:  clock,
		timers: make(map[string]*entry),
	}
}

// SetHandler installs the function fired keys are routed to.
func (l *Local) SetHandler(h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = h
}

// Schedule arms key to fire at the given time. A time in the past fires
// immediately.
func (l *Local) Schedule(key string, at time.Time, exact bool) {
	delay := at.Sub(l.clock.Now())
	if delay < 0 {
		delay = 0
	}
	if !exact {
		// Round up to the slack boundary so nearby inexact alarms coalesce.
		delay = (delay + inexactSlack - 1).Truncate(inexactSlack)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}

	if existing, ok := l.timers[key]; ok {
		existing.t.Stop()
	}
	// Generations never repeat, even across Cancel.
	l.gen++
	gen := l.gen
	e := &entry{gen: gen}
	e.t = time.AfterFunc(delay, func() { l.fire(key, gen) })
	l.timers[key] = e

	slog.Debug("alarm scheduled", "key", key, "at", at, "exact", exact)
}

// Cancel disarms key.
func (l *Local) Cancel(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.timers[key]; ok {
		e.t.Stop()
		delete(l.timers, key)
	}
}

// Pending returns the number of armed alarms.
func (l *Local) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.timers)
}

// Close disarms everything. Later Schedule calls are ignored.
func (l *Local) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, e := range l.timers {
		e.t.Stop()
		delete(l.timers, key)
	}
	l.closed = true
}

func (l *Local) fire(key string, gen uint64) {
	l.mu.Lock()
	e, ok := l.timers[key]
	if !ok || e.gen != gen {
		// Rescheduled or cancelled after this callback was queued.
		l.mu.Unlock()
		return
	}
	delete(l.timers, key)
	h := l.handler
	l.mu.Unlock()

	if h != nil {
		h(key)
	}
}
