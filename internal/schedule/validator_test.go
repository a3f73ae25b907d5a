package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eduvision/internal/model"
	"eduvision/internal/refcache"
)

type staticSource struct {
	schedules []model.ScheduleEntry
}

func (s staticSource) Identities() ([]model.Identity, error)     { return nil, nil }
func (s staticSource) Schedules() ([]model.ScheduleEntry, error) { return s.schedules, nil }
func (s staticSource) Rooms() ([]model.Room, error)              { return nil, nil }
func (s staticSource) Terms() ([]model.Term, error)              { return nil, nil }

func tod(t *testing.T, s string) model.TimeOfDay {
	t.Helper()
	v, err := model.ParseTimeOfDay(s)
	require.NoError(t, err)
	return v
}

// monday returns a Monday at the given clock time.
func monday(t *testing.T, hhmm string) time.Time {
	t.Helper()
	v := tod(t, hhmm)
	return time.Date(2026, 8, 24, int(v)/60, int(v)%60, 0, 0, time.UTC)
}

func newValidator(t *testing.T, matcher RoomMatcher, entries ...model.ScheduleEntry) *Validator {
	t.Helper()
	cache := refcache.New(staticSource{schedules: entries})
	require.NoError(t, cache.Refresh())
	return New(cache, matcher, 30*time.Minute, 15*time.Minute)
}

func mondaySchedule(t *testing.T, id, room, start, end string) model.ScheduleEntry {
	t.Helper()
	return model.ScheduleEntry{
		ID:         id,
		IdentityID: "i1",
		CourseCode: "CS101",
		Room:       room,
		Start:      tod(t, start),
		End:        tod(t, end),
		Days:       model.Weekdays{"mon": true},
	}
}

func TestNoScheduleAtAll(t *testing.T) {
	v := newValidator(t, FuzzyMatcher{})
	verdict := v.Evaluate("i1", "Room 101", monday(t, "09:05"))
	assert.False(t, verdict.HasSchedule)
	assert.False(t, verdict.IsValidSchedule)
	assert.Nil(t, verdict.Schedule)
}

func TestOnTimeMatch(t *testing.T) {
	v := newValidator(t, FuzzyMatcher{}, mondaySchedule(t, "s1", "Room 101", "09:00", "11:00"))
	verdict := v.Evaluate("i1", "Room 101", monday(t, "09:05"))
	require.NotNil(t, verdict.Schedule)
	assert.True(t, verdict.HasSchedule)
	assert.True(t, verdict.TimeMatch)
	assert.True(t, verdict.RoomMatch)
	assert.True(t, verdict.IsValidSchedule)
	assert.False(t, verdict.IsLate)
	assert.Equal(t, "CS101 09:00-11:00 Room 101", verdict.ScheduleSummary)
}

func TestLateAfterThreshold(t *testing.T) {
	v := newValidator(t, FuzzyMatcher{}, mondaySchedule(t, "s1", "Room 101", "09:00", "11:00"))

	assert.False(t, v.Evaluate("i1", "Room 101", monday(t, "09:15")).IsLate, "exactly at threshold is on time")
	assert.True(t, v.Evaluate("i1", "Room 101", monday(t, "09:16")).IsLate)
}

func TestPreArrivalWindow(t *testing.T) {
	v := newValidator(t, FuzzyMatcher{}, mondaySchedule(t, "s1", "Room 101", "09:00", "11:00"))

	assert.True(t, v.Evaluate("i1", "Room 101", monday(t, "08:30")).TimeMatch, "30 min early is valid")
	assert.False(t, v.Evaluate("i1", "Room 101", monday(t, "08:29")).TimeMatch)
	assert.False(t, v.Evaluate("i1", "Room 101", monday(t, "11:01")).TimeMatch, "after end is invalid")
}

func TestWrongWeekday(t *testing.T) {
	entry := mondaySchedule(t, "s1", "Room 101", "09:00", "11:00")
	entry.Days = model.Weekdays{"tue": true}
	v := newValidator(t, FuzzyMatcher{}, entry)

	verdict := v.Evaluate("i1", "Room 101", monday(t, "09:05"))
	assert.True(t, verdict.HasSchedule)
	assert.False(t, verdict.TimeMatch)
}

func TestEmptyDaysMeansDaily(t *testing.T) {
	entry := mondaySchedule(t, "s1", "Room 101", "09:00", "11:00")
	entry.Days = model.Weekdays{}
	v := newValidator(t, FuzzyMatcher{}, entry)
	assert.True(t, v.Evaluate("i1", "Room 101", monday(t, "09:05")).TimeMatch)
}

func TestTermValidityRange(t *testing.T) {
	entry := mondaySchedule(t, "s1", "Room 101", "09:00", "11:00")
	entry.TermStart = time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	entry.TermEnd = time.Date(2026, 12, 20, 0, 0, 0, 0, time.UTC)
	v := newValidator(t, FuzzyMatcher{}, entry)

	// August 24 precedes the term
	assert.False(t, v.Evaluate("i1", "Room 101", monday(t, "09:05")).TimeMatch)
}

func TestTieBreakClosestStart(t *testing.T) {
	early := mondaySchedule(t, "s-early", "Room 101", "09:00", "12:00")
	late := mondaySchedule(t, "s-late", "Room 101", "10:00", "12:00")
	v := newValidator(t, FuzzyMatcher{}, early, late)

	got := v.Evaluate("i1", "Room 101", monday(t, "09:40"))
	require.NotNil(t, got.Schedule)
	assert.Equal(t, "s-late", got.Schedule.ID, "09:40 is 40 min from 09:00 but only 20 from 10:00")

	got = v.Evaluate("i1", "Room 101", monday(t, "09:20"))
	require.NotNil(t, got.Schedule)
	assert.Equal(t, "s-early", got.Schedule.ID)
}

func TestRoomMismatch(t *testing.T) {
	v := newValidator(t, FuzzyMatcher{}, mondaySchedule(t, "s1", "Room 101", "09:00", "11:00"))
	verdict := v.Evaluate("i1", "Annex B", monday(t, "09:05"))
	assert.True(t, verdict.TimeMatch)
	assert.False(t, verdict.RoomMatch)
	assert.False(t, verdict.IsValidSchedule)
}

func TestUnmappedRoomSkipsRoomCheck(t *testing.T) {
	v := newValidator(t, FuzzyMatcher{}, mondaySchedule(t, "s1", "Room 101", "09:00", "11:00"))
	verdict := v.Evaluate("i1", "", monday(t, "09:05"))
	assert.True(t, verdict.RoomMatch)
	assert.True(t, verdict.IsValidSchedule)
}

func TestFuzzyMatcher(t *testing.T) {
	m := FuzzyMatcher{}
	assert.True(t, m.Match("Room 101", "room 101"))
	assert.True(t, m.Match("CompLab", "CompLab Building A"))
	assert.True(t, m.Match("Computer Lab 10", "Lab 1"), "documented false positive of the fuzzy strategy")
	assert.False(t, m.Match("Room 101", "Room 202"))
	assert.False(t, m.Match("", "Room 101"))
}

func TestExactMatcher(t *testing.T) {
	m := ExactMatcher{}
	assert.True(t, m.Match("Room 101", " room 101 "))
	assert.False(t, m.Match("CompLab", "CompLab Building A"))
	assert.False(t, m.Match("", ""))
}

func TestMatcherFor(t *testing.T) {
	assert.IsType(t, ExactMatcher{}, MatcherFor("exact"))
	assert.IsType(t, FuzzyMatcher{}, MatcherFor("fuzzy"))
	assert.IsType(t, FuzzyMatcher{}, MatcherFor(""))
}
