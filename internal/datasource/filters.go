package datasource

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/funf-org/funf/internal/ir"
)

// BaseFilter holds the next listener of a filter.
type BaseFilter struct {
	mu   sync.Mutex
	next DataListener
}

// SetListener sets the next listener.
func (b *BaseFilter) SetListener(next DataListener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next = next
}

// Forward passes rec to the next listener.
func (b *BaseFilter) Forward(rec ir.Record) {
	b.mu.Lock()
	next := listenerOrNop(b.next)
	b.mu.Unlock()
	next.OnData(rec)
}

// KeyFilter passes records whose Key field equals one of Values. With
// Exclude set it passes every other record instead.
type KeyFilter struct {
	BaseFilter
	Key     string
	Values  []ir.Value
	Exclude bool
}

// OnData filters one record.
func (f *KeyFilter) OnData(rec ir.Record) {
	if f.matches(rec.Data) != f.Exclude {
		f.Forward(rec)
	}
}

func (f *KeyFilter) matches(data ir.Object) bool {
	v, ok := data[f.Key]
	if !ok {
		return false
	}
	for _, want := range f.Values {
		if ir.Equal(v, want) {
			return true
		}
	}
	return false
}

// RateLimit passes at most PerSecond records per second with the given
// burst and drops the rest.
type RateLimit struct {
	BaseFilter
	limiter *rate.Limiter
	dropped uint64
}

// NewRateLimit creates a limiter. burst < 1 is treated as 1.
func NewRateLimit(perSecond float64, burst int) *RateLimit {
	if burst < 1 {
		burst = 1
	}
	return &RateLimit{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// OnData forwards rec if the limiter allows it.
func (f *RateLimit) OnData(rec ir.Record) {
	if f.limiter.Allow() {
		f.Forward(rec)
		return
	}
	f.mu.Lock()
	f.dropped++
	f.mu.Unlock()
}

// Dropped returns how many records were discarded.
func (f *RateLimit) Dropped() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dropped
}
