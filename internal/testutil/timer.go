package testutil

import (
	"slices"
	"sync"
	"time"
)

// Alarm is one armed entry of a ManualTimer.
type Alarm struct {
	Key   string
	At    time.Time
	Exact bool
}

// ManualTimer records scheduled alarms and fires them only when a test
// asks it to. It satisfies alarm.Timer.
type ManualTimer struct {
	clock interface{ Now() time.Time }

	mu      sync.Mutex
	handler func(key string)
	armed   map[string]Alarm
	history []Alarm
}

// NewManualTimer creates a timer whose FireDue compares against clock.
func NewManualTimer(clock interface{ Now() time.Time }) *ManualTimer {
	return &ManualTimer{clock: clock, armed: make(map[string]Alarm)}
}

// SetHandler installs the function fired keys are delivered to.
func (m *ManualTimer) SetHandler(h func(key string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

// Schedule arms key, replacing an earlier alarm with the same key.
func (m *ManualTimer) Schedule(key string, at time.Time, exact bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := Alarm{Key: key, At: at, Exact: exact}
	m.armed[key] = a
	m.history = append(m.history, a)
}

// Cancel disarms key.
func (m *ManualTimer) Cancel(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.armed, key)
}

// Pending returns the armed alarm for key.
func (m *ManualTimer) Pending(key string) (Alarm, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.armed[key]
	return a, ok
}

// History returns every Schedule call in order.
func (m *ManualTimer) History() []Alarm {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.history)
}

// NextAt returns the time of the earliest armed alarm.
func (m *ManualTimer) NextAt() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var next time.Time
	for _, a := range m.armed {
		if next.IsZero() || a.At.Before(next) {
			next = a.At
		}
	}
	return next, !next.IsZero()
}

// Fire disarms key and delivers it to the handler. It reports whether the
// key was armed.
func (m *ManualTimer) Fire(key string) bool {
	m.mu.Lock()
	_, ok := m.armed[key]
	delete(m.armed, key)
	h := m.handler
	m.mu.Unlock()
	if ok && h != nil {
		h(key)
	}
	return ok
}

// FireDue fires every alarm due at the clock's current time, earliest
// first, and returns the fired keys. Alarms armed by handlers are fired
// too when they are already due.
func (m *ManualTimer) FireDue() []string {
	var fired []string
	for {
		key, ok := m.nextDue()
		if !ok {
			return fired
		}
		m.Fire(key)
		fired = append(fired, key)
	}
}

func (m *ManualTimer) nextDue() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	var best *Alarm
	for _, a := range m.armed {
		if a.At.After(now) {
			continue
		}
		if best == nil || a.At.Before(best.At) || (a.At.Equal(best.At) && a.Key < best.Key) {
			b := a
			best = &b
		}
	}
	if best == nil {
		return "", false
	}
	return best.Key, true
}
