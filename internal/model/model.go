package model

import (
	"fmt"
	"strings"
	"time"
)

// DateLayout is the calendar-date format shared by both stores.
const DateLayout = "2006-01-02"

// Identity represents a recognized person (an instructor).
type Identity struct {
	ID         string    `json:"id"`
	FirstName  string    `json:"first_name"`
	LastName   string    `json:"last_name"`
	FullName   string    `json:"full_name"` // "LastName, FirstName"
	FolderName string    `json:"folder_name,omitempty"`
	Role       string    `json:"role"`
	CollegeID  string    `json:"college_id,omitempty"`
	Synced     bool      `json:"synced"`
	CreatedAt  time.Time `json:"created_at"`
}

// DisplayName returns the "LastName, FirstName" form, deriving it when unset.
func (i Identity) DisplayName() string {
	if i.FullName != "" {
		return i.FullName
	}
	return fmt.Sprintf("%s, %s", i.LastName, i.FirstName)
}

// Room represents a monitored location.
type Room struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Location  string `json:"location,omitempty"`
	CollegeID string `json:"college_id,omitempty"`
}

// Term represents an academic term bounding schedule validity.
type Term struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	StartDate time.Time `json:"start_date"`
	EndDate   time.Time `json:"end_date"`
}

// Weekdays maps lowercase three-letter day names ("mon".."sun") to active
// flags. An empty set means the schedule runs daily.
type Weekdays map[string]bool

var dayNames = [7]string{"sun", "mon", "tue", "wed", "thu", "fri", "sat"}

// DayName returns the lowercase three-letter name for a weekday.
func DayName(d time.Weekday) string { return dayNames[int(d)] }

// Active reports whether the weekday is enabled.
func (w Weekdays) Active(d time.Weekday) bool {
	if len(w) == 0 {
		return true
	}
	return w[DayName(d)]
}

// TimeOfDay is a clock time expressed as minutes since midnight.
type TimeOfDay int

// ParseTimeOfDay parses "HH:MM".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	var h, m int
	if _, err := fmt.Sscanf(strings.TrimSpace(s), "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("parse time %q: %w", s, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("time %q out of range", s)
	}
	return TimeOfDay(h*60 + m), nil
}

// MinutesOf returns the time-of-day of t.
func MinutesOf(t time.Time) TimeOfDay { return TimeOfDay(t.Hour()*60 + t.Minute()) }

// String renders "HH:MM".
func (t TimeOfDay) String() string { return fmt.Sprintf("%02d:%02d", int(t)/60, int(t)%60) }

// ScheduleEntry is a recurring sanctioned activity for one identity.
type ScheduleEntry struct {
	ID             string    `json:"id"`
	IdentityID     string    `json:"identity_id"`
	InstructorName string    `json:"instructor_name"`
	CourseCode     string    `json:"course_code"`
	CourseTitle    string    `json:"course_title,omitempty"`
	Room           string    `json:"room"`
	Start          TimeOfDay `json:"start_time"`
	End            TimeOfDay `json:"end_time"`
	TermStart      time.Time `json:"term_start"`
	TermEnd        time.Time `json:"term_end"`
	Days           Weekdays  `json:"days"`
	SectionID      string    `json:"section_id,omitempty"`
	Synced         bool      `json:"synced"`
}

// ActiveOn reports whether the entry applies on the given calendar day.
func (s ScheduleEntry) ActiveOn(t time.Time) bool {
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	if !s.TermStart.IsZero() && day.Before(dateOnly(s.TermStart)) {
		return false
	}
	if !s.TermEnd.IsZero() && day.After(dateOnly(s.TermEnd)) {
		return false
	}
	return s.Days.Active(t.Weekday())
}

// Summary renders a short human-readable description for verdicts.
func (s ScheduleEntry) Summary() string {
	return fmt.Sprintf("%s %s-%s %s", s.CourseCode, s.Start, s.End, s.Room)
}

func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// ObservationEvent is one recognized face in one processed frame.
type ObservationEvent struct {
	Identity   string    `json:"identity"` // empty when unresolved
	Confidence float64   `json:"confidence"`
	Location   string    `json:"location,omitempty"`
	CameraID   string    `json:"camera_id"`
	Timestamp  time.Time `json:"timestamp"`
}

// Attendance statuses.
const (
	StatusPresent     = "present"
	StatusLate        = "late"
	StatusAbsent      = "absent"
	StatusLeftEarly   = "left-early"
	StatusUnscheduled = "unscheduled"
)

// AttendanceRecord is the durable, date-scoped output of presence tracking.
type AttendanceRecord struct {
	ID           string     `json:"id"`
	ScheduleID   string     `json:"schedule_id,omitempty"` // empty for unscheduled presence
	IdentityID   string     `json:"identity_id"`
	Date         string     `json:"date"` // DateLayout
	Status       string     `json:"status"`
	TimeIn       *time.Time `json:"time_in,omitempty"`
	TimeOut      *time.Time `json:"time_out,omitempty"`
	TotalMinutes float64    `json:"total_minutes"`
	Remarks      string     `json:"remarks,omitempty"`
	IsLate       bool       `json:"is_late"`
	CameraID     string     `json:"camera_id,omitempty"`
	Synced       bool       `json:"synced"`
	CreatedAt    time.Time  `json:"created_at"`
	SyncedAt     *time.Time `json:"synced_at,omitempty"`
}

// Verdict is the per-frame decision exposed to the presentation layer.
type Verdict struct {
	Identity        string         `json:"identity"`
	HasSchedule     bool           `json:"has_schedule"`
	IsValidSchedule bool           `json:"is_valid_schedule"` // timeMatch && roomMatch
	TimeMatch       bool           `json:"time_match"`
	RoomMatch       bool           `json:"room_match"`
	IsLate          bool           `json:"is_late"`
	ScheduleSummary string         `json:"schedule_summary,omitempty"`
	Schedule        *ScheduleEntry `json:"-"`
}
