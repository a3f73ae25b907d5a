package session

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"eduvision/internal/clock"
	"eduvision/internal/model"
)

// Drop reasons. Dropped events are logged, never surfaced to the
// observation source as failures.
var (
	ErrUnresolvedIdentity = errors.New("observation has no resolved identity")
	ErrLowConfidence      = errors.New("observation below confidence threshold")
	ErrOutOfOrder         = errors.New("observation older than last seen")
	ErrRecordWrite        = errors.New("local record write failed")
)

// RecordStore is the Manager's view of the local queue store.
type RecordStore interface {
	FindRecord(identityID, scheduleID, date string) (*model.AttendanceRecord, error)
	CreateRecord(rec *model.AttendanceRecord) error
	FinalizeRecord(id string, timeOut time.Time, totalMinutes float64, status, remarks string) error
}

// Validator evaluates an observation against the sanctioned schedules.
type Validator interface {
	Evaluate(identityID, room string, t time.Time) model.Verdict
}

// Reference resolves identities and enumerates schedules (the refcache).
type Reference interface {
	ResolveIdentity(hint string) (model.Identity, bool)
	AllSchedules() []model.ScheduleEntry
}

// Config carries the Manager's tunables.
type Config struct {
	CameraRoomMap  map[string]string
	MinConfidence  float64
	AbsenceTimeout time.Duration
	CloseGrace     time.Duration
	LogUnscheduled bool
	RecordAbsences bool
	WriteRetries   int
}

// Manager is the presence session state machine. Observations for the same
// (identity, location) key are serialized by a per-key lock shared with the
// absence sweep; different keys proceed in parallel.
type Manager struct {
	sessions  Store
	records   RecordStore
	validator Validator
	ref       Reference
	clk       clock.Clock
	cfg       Config

	mu             sync.Mutex
	locks          map[Key]*sync.Mutex
	warnedCameras  map[string]bool
	absenceChecked map[string]bool // scheduleID+date pairs already swept for absences
}

// NewManager wires the state machine.
func NewManager(sessions Store, records RecordStore, validator Validator, ref Reference, clk clock.Clock, cfg Config) *Manager {
	if cfg.WriteRetries <= 0 {
		cfg.WriteRetries = 3
	}
	if cfg.AbsenceTimeout <= 0 {
		cfg.AbsenceTimeout = 300 * time.Second
	}
	if cfg.CloseGrace <= 0 {
		cfg.CloseGrace = 300 * time.Second
	}
	return &Manager{
		sessions:       sessions,
		records:        records,
		validator:      validator,
		ref:            ref,
		clk:            clk,
		cfg:            cfg,
		locks:          make(map[Key]*sync.Mutex),
		warnedCameras:  make(map[string]bool),
		absenceChecked: make(map[string]bool),
	}
}

func (m *Manager) lockFor(k Key) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[k]
	if !ok {
		l = &sync.Mutex{}
		m.locks[k] = l
	}
	return l
}

// HandleObservation processes one recognized face from one frame and
// returns the verdict for the presentation layer.
func (m *Manager) HandleObservation(evt model.ObservationEvent) (model.Verdict, error) {
	if evt.Identity == "" {
		return model.Verdict{}, ErrUnresolvedIdentity
	}
	if evt.Confidence > 0 && evt.Confidence < m.cfg.MinConfidence {
		return model.Verdict{}, fmt.Errorf("%w: %.2f < %.2f", ErrLowConfidence, evt.Confidence, m.cfg.MinConfidence)
	}

	ts := evt.Timestamp
	if ts.IsZero() {
		ts = m.clk.Now()
	}

	room := m.roomFor(evt)
	ident, ok := m.ref.ResolveIdentity(evt.Identity)
	if !ok {
		// Presence tracking takes priority over reference accuracy: track
		// under the raw hint so the visit is not lost.
		ident = model.Identity{ID: evt.Identity, FullName: evt.Identity}
	}

	location := room
	if location == "" {
		location = evt.CameraID
	}
	key := Key{IdentityID: ident.ID, Location: location}

	l := m.lockFor(key)
	l.Lock()
	defer l.Unlock()

	today := ts.Format(model.DateLayout)
	sess := m.sessions.Get(key)

	if sess != nil && sess.Date != today {
		// Date rollover: close out yesterday's session before opening a new one.
		m.finalizeLocked(sess, sess.LastSeen)
		m.sessions.Delete(key)
		sess = nil
	}

	if sess == nil {
		return m.openSession(key, ident, evt.CameraID, room, today, ts)
	}

	if ts.Before(sess.LastSeen) {
		return sess.Verdict, fmt.Errorf("%w: %s < %s", ErrOutOfOrder, ts.Format(time.RFC3339), sess.LastSeen.Format(time.RFC3339))
	}

	switch sess.State {
	case StateActive:
		sess.Accumulated += ts.Sub(sess.LastSeen)
		sess.LastSeen = ts
	case StateAbsentGrace, StateClosed:
		// A return: same session, same record; the absence gap is not
		// accumulated, and a later departure overwrites the time-out.
		sess.State = StateActive
		sess.LastSeen = ts
		sess.TimeOutRecorded = false
		log.Printf("session: %s returned at %s (%s)", sess.Identity.DisplayName(), ts.Format("15:04:05"), key.Location)
	}
	m.sessions.Put(sess)
	return sess.Verdict, nil
}

// openSession performs the NoSession -> Active transition.
func (m *Manager) openSession(key Key, ident model.Identity, cameraID, room, today string, ts time.Time) (model.Verdict, error) {
	verdict := m.validator.Evaluate(ident.ID, room, ts)
	verdict.Identity = ident.DisplayName()

	scheduleID := ""
	if verdict.Schedule != nil && verdict.TimeMatch {
		scheduleID = verdict.Schedule.ID
	}

	sess := &Session{
		Key:       key,
		Identity:  ident,
		CameraID:  cameraID,
		Room:      room,
		Date:      today,
		State:     StateActive,
		FirstSeen: ts,
		LastSeen:  ts,
		Verdict:   verdict,
	}

	// Reuse the day's record if a prior session already created one.
	rec, err := m.records.FindRecord(ident.ID, scheduleID, today)
	if err != nil {
		log.Printf("session: record lookup failed for %s: %v (tracking without record)", ident.DisplayName(), err)
	}

	switch {
	case rec != nil:
		sess.RecordID = rec.ID
		sess.TimeInRecorded = rec.TimeIn != nil
		sess.Accumulated = time.Duration(rec.TotalMinutes * float64(time.Minute))
	case m.shouldRecord(verdict):
		status := model.StatusPresent
		switch {
		case verdict.Schedule == nil || !verdict.TimeMatch:
			status = model.StatusUnscheduled
		case verdict.IsLate:
			status = model.StatusLate
		}
		newRec := &model.AttendanceRecord{
			ScheduleID: scheduleID,
			IdentityID: ident.ID,
			Date:       today,
			Status:     status,
			TimeIn:     &ts,
			IsLate:     verdict.IsLate,
			CameraID:   cameraID,
		}
		if err := m.withRetry(func() error { return m.records.CreateRecord(newRec) }); err != nil {
			log.Printf("session: dropping observation for %s: time-in write failed: %v", ident.DisplayName(), err)
			return verdict, fmt.Errorf("%w: %v", ErrRecordWrite, err)
		}
		sess.RecordID = newRec.ID
		sess.TimeInRecorded = true
		log.Printf("session: %s logged for %s at %s (%s)", status, ident.DisplayName(), ts.Format("15:04:05"), key.Location)
	default:
		log.Printf("session: %s detected without scheduled class, tracking only", ident.DisplayName())
	}

	m.sessions.Put(sess)
	return verdict, nil
}

func (m *Manager) shouldRecord(v model.Verdict) bool {
	if v.Schedule != nil && v.TimeMatch {
		return true
	}
	return m.cfg.LogUnscheduled
}

// Sweep runs one absence pass: sessions idle past the timeout get their
// time-out recorded, and sessions idle past timeout+grace are closed and
// removed. Intended to be called on a short fixed interval.
func (m *Manager) Sweep() {
	now := m.clk.Now()
	for _, snap := range m.sessions.All() {
		key := snap.Key
		l := m.lockFor(key)
		l.Lock()
		sess := m.sessions.Get(key)
		if sess == nil {
			l.Unlock()
			continue
		}
		idle := now.Sub(sess.LastSeen)
		switch sess.State {
		case StateActive:
			if idle >= m.cfg.AbsenceTimeout {
				sess.State = StateAbsentGrace
				m.finalizeLocked(sess, sess.LastSeen)
				m.sessions.Put(sess)
				log.Printf("session: %s marked left after %s absence, time-out %s",
					sess.Identity.DisplayName(), m.cfg.AbsenceTimeout, sess.LastSeen.Format("15:04:05"))
			}
		case StateAbsentGrace:
			if !sess.TimeOutRecorded {
				// Earlier finalize failed; keep trying while in grace.
				m.finalizeLocked(sess, sess.LastSeen)
				m.sessions.Put(sess)
			}
			if idle >= m.cfg.AbsenceTimeout+m.cfg.CloseGrace {
				sess.State = StateClosed
				m.sessions.Delete(key)
			}
		}
		l.Unlock()
	}

	if m.cfg.RecordAbsences {
		m.recordAbsences(now)
	}
}

// finalizeLocked writes time-out and accumulated minutes to the session's
// record. The time-out is the last observed timestamp, not the sweep's
// wall-clock time. Caller holds the per-key lock.
func (m *Manager) finalizeLocked(sess *Session, timeOut time.Time) {
	if sess.RecordID == "" || !sess.TimeInRecorded || sess.TimeOutRecorded {
		return
	}
	status, remarks := m.closeStatus(sess, timeOut)
	total := sess.Accumulated.Minutes()
	err := m.withRetry(func() error {
		return m.records.FinalizeRecord(sess.RecordID, timeOut, total, status, remarks)
	})
	if err != nil {
		log.Printf("session: time-out write failed for %s: %v", sess.Identity.DisplayName(), err)
		return
	}
	sess.TimeOutRecorded = true
}

// closeStatus maps a departing session to its record status. Leaving before
// the schedule's end turns a present record into left-early; a late record
// stays late and the early departure goes into remarks.
func (m *Manager) closeStatus(sess *Session, timeOut time.Time) (string, string) {
	v := sess.Verdict
	if v.Schedule == nil || !v.TimeMatch {
		return model.StatusUnscheduled, ""
	}
	leftEarly := model.MinutesOf(timeOut) < v.Schedule.End
	switch {
	case v.IsLate && leftEarly:
		return model.StatusLate, "left early"
	case v.IsLate:
		return model.StatusLate, ""
	case leftEarly:
		return model.StatusLeftEarly, ""
	default:
		return model.StatusPresent, ""
	}
}

// recordAbsences writes absent records for schedules whose window ended
// today with no attendance record. Each (schedule, date) is checked once.
func (m *Manager) recordAbsences(now time.Time) {
	today := now.Format(model.DateLayout)
	minutes := model.MinutesOf(now)
	for _, entry := range m.ref.AllSchedules() {
		if !entry.ActiveOn(now) || minutes <= entry.End {
			continue
		}
		checkKey := entry.ID + "|" + today
		m.mu.Lock()
		done := m.absenceChecked[checkKey]
		if !done {
			m.absenceChecked[checkKey] = true
		}
		m.mu.Unlock()
		if done {
			continue
		}

		rec, err := m.records.FindRecord(entry.IdentityID, entry.ID, today)
		if err != nil || rec != nil {
			continue
		}
		absent := &model.AttendanceRecord{
			ScheduleID: entry.ID,
			IdentityID: entry.IdentityID,
			Date:       today,
			Status:     model.StatusAbsent,
			Remarks:    "no observation during scheduled period",
		}
		if err := m.withRetry(func() error { return m.records.CreateRecord(absent) }); err != nil {
			log.Printf("session: absent record write failed for schedule %s: %v", entry.ID, err)
			continue
		}
		log.Printf("session: absent recorded for %s (%s)", entry.InstructorName, entry.Summary())
	}
}

// roomFor resolves the observation's camera to a canonical room. Unmapped
// cameras degrade to time-only validation, warned once per camera.
func (m *Manager) roomFor(evt model.ObservationEvent) string {
	if room, ok := m.cfg.CameraRoomMap[evt.CameraID]; ok {
		return room
	}
	if evt.Location != "" {
		return evt.Location
	}
	m.mu.Lock()
	warned := m.warnedCameras[evt.CameraID]
	if !warned {
		m.warnedCameras[evt.CameraID] = true
	}
	m.mu.Unlock()
	if !warned {
		log.Printf("session: camera %q has no room mapping, room validation skipped", evt.CameraID)
	}
	return ""
}

func (m *Manager) withRetry(op func() error) error {
	var err error
	for attempt := 1; attempt <= m.cfg.WriteRetries; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		if attempt < m.cfg.WriteRetries {
			time.Sleep(time.Duration(attempt) * 50 * time.Millisecond)
		}
	}
	return err
}

// Verdicts returns the verdicts of live sessions observed by one camera.
func (m *Manager) Verdicts(cameraID string) []model.Verdict {
	var out []model.Verdict
	for _, snap := range m.sessions.All() {
		l := m.lockFor(snap.Key)
		l.Lock()
		if sess := m.sessions.Get(snap.Key); sess != nil && sess.CameraID == cameraID && sess.State != StateClosed {
			out = append(out, sess.Verdict)
		}
		l.Unlock()
	}
	return out
}

// Snapshot is a read-only view of a live session for the API layer.
type Snapshot struct {
	Identity     string    `json:"identity"`
	Location     string    `json:"location"`
	CameraID     string    `json:"camera_id"`
	Date         string    `json:"date"`
	State        State     `json:"state"`
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
	TotalMinutes float64   `json:"total_minutes"`
	HasSchedule  bool      `json:"has_schedule"`
	IsLate       bool      `json:"is_late"`
}

// Sessions returns snapshots of all live sessions.
func (m *Manager) Sessions() []Snapshot {
	var out []Snapshot
	for _, snap := range m.sessions.All() {
		l := m.lockFor(snap.Key)
		l.Lock()
		sess := m.sessions.Get(snap.Key)
		if sess == nil {
			l.Unlock()
			continue
		}
		out = append(out, Snapshot{
			Identity:     sess.Identity.DisplayName(),
			Location:     sess.Key.Location,
			CameraID:     sess.CameraID,
			Date:         sess.Date,
			State:        sess.State,
			FirstSeen:    sess.FirstSeen,
			LastSeen:     sess.LastSeen,
			TotalMinutes: sess.Accumulated.Minutes(),
			HasSchedule:  sess.Verdict.HasSchedule,
			IsLate:       sess.Verdict.IsLate,
		})
		l.Unlock()
	}
	return out
}

// OpenCount reports the number of live sessions, for the metrics gauge.
func (m *Manager) OpenCount() int {
	return len(m.sessions.All())
}
