package ir

import (
	"fmt"
	"math"
	"time"
)

// Schedule keys inside a document or a request extra.
const (
	KeyPeriod   = "period"
	KeyDuration = "duration"
	KeyStart    = "start"
	KeyEnd      = "end"
)

// Schedule is the timing part of a request. Zero fields are unset:
// no period means one-shot, zero Start/End are open bounds.
type Schedule struct {
	Period   time.Duration `json:"period,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	Start    time.Time     `json:"start,omitempty"`
	End      time.Time     `json:"end,omitempty"`
}

// Merge overlays o onto s: every field set in o wins.
func (s Schedule) Merge(o Schedule) Schedule {
	out := s
	if o.Period != 0 {
		out.Period = o.Period
	}
	if o.Duration != 0 {
		out.Duration = o.Duration
	}
	if !o.Start.IsZero() {
		out.Start = o.Start
	}
	if !o.End.IsZero() {
		out.End = o.End
	}
	return out
}

// Contains reports whether t lies within [Start, End]; zero bounds are
// treated as -inf / +inf.
func (s Schedule) Contains(t time.Time) bool {
	if !s.Start.IsZero() && t.Before(s.Start) {
		return false
	}
	if !s.End.IsZero() && t.After(s.End) {
		return false
	}
	return true
}

// MaxSeconds is the largest number of seconds a time.Duration holds.
const MaxSeconds = math.MaxInt64 / int64(time.Second)

// ScheduleFromObject reads period/duration (seconds) and start/end (unix
// seconds) from a document object. Missing keys stay unset.
func ScheduleFromObject(obj Object) (Schedule, error) {
	var s Schedule
	for _, key := range []string{KeyPeriod, KeyDuration, KeyStart, KeyEnd} {
		v, ok := obj[key]
		if !ok {
			continue
		}
		n, ok := v.(Int)
		if !ok {
			return Schedule{}, fmt.Errorf("%s: expected integer, got %T", key, v)
		}
		if n < 0 {
			return Schedule{}, fmt.Errorf("%s: must not be negative", key)
		}
		if (key == KeyPeriod || key == KeyDuration) && int64(n) > MaxSeconds {
			return Schedule{}, fmt.Errorf("%s: %d seconds is out of range", key, n)
		}
		switch key {
		case KeyPeriod:
			s.Period = time.Duration(n) * time.Second
		case KeyDuration:
			s.Duration = time.Duration(n) * time.Second
		case KeyStart:
			if n > 0 {
				s.Start = time.Unix(int64(n), 0).UTC()
			}
		case KeyEnd:
			if n > 0 {
				s.End = time.Unix(int64(n), 0).UTC()
			}
		}
	}
	return s, nil
}

// Object renders the schedule back into document form.
func (s Schedule) Object() Object {
	obj := Object{}
	if s.Period != 0 {
		obj[KeyPeriod] = Int(s.Period / time.Second)
	}
	if s.Duration != 0 {
		obj[KeyDuration] = Int(s.Duration / time.Second)
	}
	if !s.Start.IsZero() {
		obj[KeyStart] = Int(s.Start.Unix())
	}
	if !s.End.IsZero() {
		obj[KeyEnd] = Int(s.End.Unix())
	}
	return obj
}

// Request is one consumer's demand on a source. A source holds at most
// one Request per RequesterID; a later submission replaces the earlier
// one and Enabled=false deletes it.
type Request struct {
	RequesterID string    `json:"requester_id"`
	Enabled     bool      `json:"enabled"`
	Schedule    Schedule  `json:"schedule"`
	Extra       Object    `json:"extra,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// OneShot reports whether the request asks for a single run.
func (r Request) OneShot() bool {
	return r.Schedule.Period == 0
}

// RunParams are the merged parameters a run is invoked with.
type RunParams struct {
	Schedule   Schedule `json:"schedule"`
	Extra      Object   `json:"extra,omitempty"`
	Requesters []string `json:"requesters,omitempty"`
}

// RunDecision is the output of schedule resolution. A zero NextRunTime
// means no further runs are scheduled.
type RunDecision struct {
	NextRunTime time.Time
	Params      RunParams
}

// Scheduled reports whether the decision names a next run.
func (d RunDecision) Scheduled() bool {
	return !d.NextRunTime.IsZero()
}

// ProbeState is the lifecycle state of a source. RUNNING implies ENABLED.
type ProbeState int

const (
	StateDisabled ProbeState = iota
	StateEnabled
	StateRunning
)

func (s ProbeState) String() string {
	switch s {
	case StateDisabled:
		return "DISABLED"
	case StateEnabled:
		return "ENABLED"
	case StateRunning:
		return "RUNNING"
	default:
		return fmt.Sprintf("ProbeState(%d)", int(s))
	}
}

// Record is a single emission from a source.
type Record struct {
	Source string    `json:"source"`
	Time   time.Time `json:"time"`
	Data   Object    `json:"data"`
}
