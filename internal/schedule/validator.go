// Package schedule decides whether an observed identity at a location and
// time corresponds to a sanctioned schedule entry.
package schedule

import (
	"time"

	"eduvision/internal/model"
	"eduvision/internal/refcache"
)

// Validator evaluates observations against the reference cache. It is a
// pure decision function: no side effects, no network.
type Validator struct {
	cache   *refcache.Cache
	matcher RoomMatcher

	preArrival    time.Duration
	lateThreshold time.Duration
}

// New creates a validator. preArrival widens the valid window before the
// schedule start; lateThreshold is the grace period before an arrival
// counts as late.
func New(cache *refcache.Cache, matcher RoomMatcher, preArrival, lateThreshold time.Duration) *Validator {
	return &Validator{
		cache:         cache,
		matcher:       matcher,
		preArrival:    preArrival,
		lateThreshold: lateThreshold,
	}
}

// Evaluate returns the verdict for an identity observed in room at time t.
// An empty room means the camera has no room mapping; room validation is
// then skipped and only time-matching applies.
func (v *Validator) Evaluate(identityID, room string, t time.Time) model.Verdict {
	verdict := model.Verdict{}

	entries := v.cache.SchedulesFor(identityID)
	verdict.HasSchedule = len(entries) > 0
	if !verdict.HasSchedule {
		return verdict
	}

	best := v.selectEntry(entries, t)
	if best == nil {
		return verdict
	}

	verdict.Schedule = best
	verdict.TimeMatch = true
	verdict.ScheduleSummary = best.Summary()

	if room == "" {
		// No camera→room mapping: degrade to time-only validation.
		verdict.RoomMatch = true
	} else {
		verdict.RoomMatch = v.matcher.Match(best.Room, room)
	}
	verdict.IsValidSchedule = verdict.TimeMatch && verdict.RoomMatch

	lateAfter := model.TimeOfDay(int(best.Start) + int(v.lateThreshold.Minutes()))
	verdict.IsLate = model.MinutesOf(t) > lateAfter

	return verdict
}

// selectEntry picks the entry whose weekday, validity range and (pre-window
// widened) time window contain t. When several match, the one whose start
// time is closest to t wins.
func (v *Validator) selectEntry(entries []model.ScheduleEntry, t time.Time) *model.ScheduleEntry {
	minutes := int(model.MinutesOf(t))
	preMin := int(v.preArrival.Minutes())

	var best *model.ScheduleEntry
	bestDist := 0
	for i := range entries {
		e := &entries[i]
		if !e.ActiveOn(t) {
			continue
		}
		if minutes < int(e.Start)-preMin || minutes > int(e.End) {
			continue
		}
		dist := minutes - int(e.Start)
		if dist < 0 {
			dist = -dist
		}
		if best == nil || dist < bestDist {
			best = e
			bestDist = dist
		}
	}
	return best
}
