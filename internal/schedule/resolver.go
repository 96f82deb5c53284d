// Package schedule merges concurrent demand on a source into a single
// next-run decision.
//
// Resolve is a pure function: the same inputs always produce the same
// RunDecision. It is re-evaluated by the probe lifecycle every time the
// request set changes or a run completes.
package schedule

import (
	"slices"
	"strings"
	"time"

	"github.com/funf-org/funf/internal/ir"
)

// Resolve computes the next run time and parameters for a source.
//
// For each request, defaults are merged with the request's schedule
// (request wins). The candidate time is now for a source that has never
// run, otherwise lastRunTime + period. A request without a period is
// one-shot: it is a candidate at now until a run has served it. A
// candidate before the request's start is deferred to the start.
// A request is viable when the later of its candidate and now falls
// within [start, end], so an overdue request whose window has closed
// asks for nothing.
//
// The smallest viable candidate wins. Requests are visited in
// lexicographic requester order and only a strictly smaller candidate
// replaces the best, so ties go to the lexicographically smallest
// requester.
func Resolve(
	now time.Time,
	requests []ir.Request,
	defaults ir.Schedule,
	lastRunTime time.Time,
	lastRunParams ir.RunParams,
) ir.RunDecision {
	ordered := make([]ir.Request, 0, len(requests))
	for _, r := range requests {
		if r.Enabled {
			ordered = append(ordered, r)
		}
	}
	slices.SortFunc(ordered, func(a, b ir.Request) int {
		return strings.Compare(a.RequesterID, b.RequesterID)
	})

	type viable struct {
		req       ir.Request
		complete  ir.Schedule
		candidate time.Time
	}

	var (
		best  *viable
		found []viable
	)
	for _, r := range ordered {
		complete := defaults.Merge(r.Schedule)
		candidate, ok := candidateTime(now, r, complete, lastRunTime, lastRunParams)
		if !ok {
			continue
		}
		if !complete.Start.IsZero() && candidate.Before(complete.Start) {
			candidate = complete.Start
		}
		// An overdue candidate can only start at now.
		if !complete.Contains(latest(candidate, now)) {
			continue
		}
		v := viable{req: r, complete: complete, candidate: candidate}
		found = append(found, v)
		if best == nil || v.candidate.Before(best.candidate) {
			b := v
			best = &b
		}
	}

	if best == nil {
		return ir.RunDecision{}
	}

	var requesters []string
	for _, v := range found {
		if v.candidate.Equal(best.candidate) {
			requesters = append(requesters, v.req.RequesterID)
		}
	}

	return ir.RunDecision{
		NextRunTime: best.candidate,
		Params: ir.RunParams{
			Schedule:   best.complete,
			Extra:      best.req.Extra.Clone(),
			Requesters: requesters,
		},
	}
}

func latest(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

// candidateTime returns the raw candidate for one request, or false when
// the request has nothing left to ask for.
func candidateTime(
	now time.Time,
	r ir.Request,
	complete ir.Schedule,
	lastRunTime time.Time,
	lastRunParams ir.RunParams,
) (time.Time, bool) {
	if lastRunTime.IsZero() {
		return now, true
	}
	if complete.Period > 0 {
		return lastRunTime.Add(complete.Period), true
	}
	if Served(r, lastRunTime, lastRunParams) {
		return time.Time{}, false
	}
	return now, true
}

// Served reports whether a one-shot request has already been satisfied
// by the run recorded in lastRunTime/lastRunParams: it was submitted no
// later than that run and its requester took part in it.
func Served(r ir.Request, lastRunTime time.Time, lastRunParams ir.RunParams) bool {
	if lastRunTime.IsZero() || r.SubmittedAt.After(lastRunTime) {
		return false
	}
	return slices.Contains(lastRunParams.Requesters, r.RequesterID)
}

// Due reports whether a run with the given parameters may start at now:
// now is inside the window and, for periodic runs, at least one period
// (less tolerance) has elapsed since the last run.
func Due(now time.Time, params ir.RunParams, lastRunTime time.Time, tolerance time.Duration) bool {
	if !params.Schedule.Contains(now) {
		return false
	}
	if params.Schedule.Period == 0 || lastRunTime.IsZero() {
		return true
	}
	return now.Sub(lastRunTime) >= params.Schedule.Period-tolerance
}
