package schedule

import "strings"

// RoomMatcher decides whether an observed room satisfies a schedule's room.
// It is pluggable so deployments with disciplined room naming can opt into
// strict matching.
type RoomMatcher interface {
	Match(scheduleRoom, observedRoom string) bool
}

// FuzzyMatcher matches case-insensitively when either name contains the
// other, absorbing free-text naming like "CompLab" vs "Computer Lab". This
// tolerance can produce false positives ("Lab1" matches "Computer Lab 10");
// switch to ExactMatcher where room names are canonical.
type FuzzyMatcher struct{}

func (FuzzyMatcher) Match(scheduleRoom, observedRoom string) bool {
	a := strings.ToLower(strings.TrimSpace(scheduleRoom))
	b := strings.ToLower(strings.TrimSpace(observedRoom))
	if a == "" || b == "" {
		return false
	}
	return a == b || strings.Contains(a, b) || strings.Contains(b, a)
}

// ExactMatcher requires case-insensitive equality after trimming.
type ExactMatcher struct{}

func (ExactMatcher) Match(scheduleRoom, observedRoom string) bool {
	a := strings.ToLower(strings.TrimSpace(scheduleRoom))
	b := strings.ToLower(strings.TrimSpace(observedRoom))
	return a != "" && a == b
}

// MatcherFor maps a config value to a matcher, defaulting to fuzzy.
func MatcherFor(name string) RoomMatcher {
	if strings.EqualFold(name, "exact") {
		return ExactMatcher{}
	}
	return FuzzyMatcher{}
}
