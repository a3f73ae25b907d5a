// Package localstore is the embedded, crash-durable store that absorbs all
// writes while the remote store is unreachable. It holds cached reference
// data (identities, schedules, rooms, terms) and the attendance record
// queue with its pending-sync flag.
package localstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"eduvision/internal/model"
)

// Store wraps the sqlite database.
type Store struct {
	db *sql.DB
}

// New opens (creating if needed) the local database at dbPath.
func New(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		_ = os.MkdirAll(dir, 0o755)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open local db: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping local db: %w", err)
	}
	if err := migrate(db); err != nil {
		return nil, fmt.Errorf("migrate local db: %w", err)
	}
	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS identities (
		id          TEXT PRIMARY KEY,
		first_name  TEXT NOT NULL DEFAULT '',
		last_name   TEXT NOT NULL DEFAULT '',
		full_name   TEXT NOT NULL,
		folder_name TEXT NOT NULL DEFAULT '',
		role        TEXT NOT NULL DEFAULT 'instructor',
		college_id  TEXT NOT NULL DEFAULT '',
		synced      INTEGER NOT NULL DEFAULT 0,
		created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS schedules (
		id              TEXT PRIMARY KEY,
		identity_id     TEXT NOT NULL,
		instructor_name TEXT NOT NULL DEFAULT '',
		course_code     TEXT NOT NULL DEFAULT '',
		course_title    TEXT NOT NULL DEFAULT '',
		room            TEXT NOT NULL DEFAULT '',
		start_time      TEXT NOT NULL,
		end_time        TEXT NOT NULL,
		term_start      DATETIME,
		term_end        DATETIME,
		days            TEXT NOT NULL DEFAULT '{}',
		section_id      TEXT NOT NULL DEFAULT '',
		synced          INTEGER NOT NULL DEFAULT 0,
		updated_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS rooms (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL UNIQUE,
		location   TEXT NOT NULL DEFAULT '',
		college_id TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS terms (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		start_date DATETIME,
		end_date   DATETIME
	);

	CREATE TABLE IF NOT EXISTS attendance_records (
		id            TEXT PRIMARY KEY,
		schedule_id   TEXT NOT NULL DEFAULT '',
		identity_id   TEXT NOT NULL,
		date          TEXT NOT NULL,
		status        TEXT NOT NULL,
		time_in       DATETIME,
		time_out      DATETIME,
		total_minutes REAL NOT NULL DEFAULT 0,
		remarks       TEXT NOT NULL DEFAULT '',
		is_late       INTEGER NOT NULL DEFAULT 0,
		camera_id     TEXT NOT NULL DEFAULT '',
		synced        INTEGER NOT NULL DEFAULT 0,
		created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		synced_at     DATETIME,
		UNIQUE(identity_id, schedule_id, date)
	);

	CREATE INDEX IF NOT EXISTS idx_schedules_identity ON schedules(identity_id);
	CREATE INDEX IF NOT EXISTS idx_records_synced     ON attendance_records(synced, created_at);
	CREATE INDEX IF NOT EXISTS idx_records_date       ON attendance_records(date);
	`
	_, err := db.Exec(schema)
	return err
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// -------- Identities --------

// UpsertIdentity writes an identity sourced from the remote store (remote
// wins, record is marked synced).
func (s *Store) UpsertIdentity(id model.Identity) error {
	if id.ID == "" {
		return errors.New("identity id required")
	}
	_, err := s.db.Exec(
		`INSERT INTO identities (id, first_name, last_name, full_name, folder_name, role, college_id, synced)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 1)
		 ON CONFLICT(id) DO UPDATE SET
			first_name = excluded.first_name,
			last_name  = excluded.last_name,
			full_name  = excluded.full_name,
			folder_name = excluded.folder_name,
			role       = excluded.role,
			college_id = excluded.college_id,
			synced     = 1`,
		id.ID, id.FirstName, id.LastName, id.DisplayName(), id.FolderName, id.Role, id.CollegeID,
	)
	return err
}

// CreateIdentity writes a locally authored identity pending reverse push.
func (s *Store) CreateIdentity(id *model.Identity) error {
	if id.ID == "" {
		id.ID = uuid.NewString()
	}
	id.FullName = id.DisplayName()
	id.CreatedAt = time.Now().UTC()
	_, err := s.db.Exec(
		`INSERT INTO identities (id, first_name, last_name, full_name, folder_name, role, college_id, synced, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		id.ID, id.FirstName, id.LastName, id.FullName, id.FolderName, id.Role, id.CollegeID, id.CreatedAt,
	)
	return err
}

// Identities returns all cached identities.
func (s *Store) Identities() ([]model.Identity, error) {
	rows, err := s.db.Query(`SELECT id, first_name, last_name, full_name, folder_name, role, college_id, synced, created_at FROM identities ORDER BY full_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Identity
	for rows.Next() {
		var id model.Identity
		var synced int
		if err := rows.Scan(&id.ID, &id.FirstName, &id.LastName, &id.FullName, &id.FolderName, &id.Role, &id.CollegeID, &synced, &id.CreatedAt); err != nil {
			return nil, err
		}
		id.Synced = synced == 1
		out = append(out, id)
	}
	return out, rows.Err()
}

// UnsyncedIdentities returns locally authored identities awaiting reverse push.
func (s *Store) UnsyncedIdentities() ([]model.Identity, error) {
	all, err := s.Identities()
	if err != nil {
		return nil, err
	}
	var out []model.Identity
	for _, id := range all {
		if !id.Synced {
			out = append(out, id)
		}
	}
	return out, nil
}

// MarkIdentitySynced flags an identity as present remotely.
func (s *Store) MarkIdentitySynced(id string) error {
	_, err := s.db.Exec(`UPDATE identities SET synced = 1 WHERE id = ?`, id)
	return err
}

// -------- Schedules --------

// UpsertSchedule writes a schedule sourced from the remote store.
func (s *Store) UpsertSchedule(e model.ScheduleEntry) error {
	return s.writeSchedule(e, 1)
}

// CreateSchedule writes a locally authored schedule pending reverse push.
func (s *Store) CreateSchedule(e *model.ScheduleEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	return s.writeSchedule(*e, 0)
}

func (s *Store) writeSchedule(e model.ScheduleEntry, synced int) error {
	if e.ID == "" {
		return errors.New("schedule id required")
	}
	days, err := json.Marshal(e.Days)
	if err != nil {
		return fmt.Errorf("encode days: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO schedules
			(id, identity_id, instructor_name, course_code, course_title, room,
			 start_time, end_time, term_start, term_end, days, section_id, synced, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(id) DO UPDATE SET
			identity_id     = excluded.identity_id,
			instructor_name = excluded.instructor_name,
			course_code     = excluded.course_code,
			course_title    = excluded.course_title,
			room            = excluded.room,
			start_time      = excluded.start_time,
			end_time        = excluded.end_time,
			term_start      = excluded.term_start,
			term_end        = excluded.term_end,
			days            = excluded.days,
			section_id      = excluded.section_id,
			synced          = excluded.synced,
			updated_at      = CURRENT_TIMESTAMP`,
		e.ID, e.IdentityID, e.InstructorName, e.CourseCode, e.CourseTitle, e.Room,
		e.Start.String(), e.End.String(), nullTime(e.TermStart), nullTime(e.TermEnd),
		string(days), e.SectionID, synced,
	)
	return err
}

// Schedules returns all cached schedule entries.
func (s *Store) Schedules() ([]model.ScheduleEntry, error) {
	rows, err := s.db.Query(
		`SELECT id, identity_id, instructor_name, course_code, course_title, room,
		        start_time, end_time, term_start, term_end, days, section_id, synced
		 FROM schedules ORDER BY instructor_name, start_time`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ScheduleEntry
	for rows.Next() {
		var e model.ScheduleEntry
		var start, end, days string
		var termStart, termEnd sql.NullTime
		var synced int
		if err := rows.Scan(&e.ID, &e.IdentityID, &e.InstructorName, &e.CourseCode, &e.CourseTitle, &e.Room,
			&start, &end, &termStart, &termEnd, &days, &e.SectionID, &synced); err != nil {
			return nil, err
		}
		if e.Start, err = model.ParseTimeOfDay(start); err != nil {
			return nil, fmt.Errorf("schedule %s: %w", e.ID, err)
		}
		if e.End, err = model.ParseTimeOfDay(end); err != nil {
			return nil, fmt.Errorf("schedule %s: %w", e.ID, err)
		}
		if err := json.Unmarshal([]byte(days), &e.Days); err != nil {
			return nil, fmt.Errorf("schedule %s days: %w", e.ID, err)
		}
		if termStart.Valid {
			e.TermStart = termStart.Time
		}
		if termEnd.Valid {
			e.TermEnd = termEnd.Time
		}
		e.Synced = synced == 1
		out = append(out, e)
	}
	return out, rows.Err()
}

// UnsyncedSchedules returns locally authored schedules awaiting reverse push.
func (s *Store) UnsyncedSchedules() ([]model.ScheduleEntry, error) {
	all, err := s.Schedules()
	if err != nil {
		return nil, err
	}
	var out []model.ScheduleEntry
	for _, e := range all {
		if !e.Synced {
			out = append(out, e)
		}
	}
	return out, nil
}

// MarkScheduleSynced flags a schedule as present remotely.
func (s *Store) MarkScheduleSynced(id string) error {
	_, err := s.db.Exec(`UPDATE schedules SET synced = 1 WHERE id = ?`, id)
	return err
}

// -------- Rooms and terms --------

// UpsertRoom writes a room sourced from the remote store.
func (s *Store) UpsertRoom(r model.Room) error {
	if r.ID == "" {
		return errors.New("room id required")
	}
	_, err := s.db.Exec(
		`INSERT INTO rooms (id, name, location, college_id) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, location = excluded.location, college_id = excluded.college_id`,
		r.ID, r.Name, r.Location, r.CollegeID,
	)
	return err
}

// Rooms returns all cached rooms.
func (s *Store) Rooms() ([]model.Room, error) {
	rows, err := s.db.Query(`SELECT id, name, location, college_id FROM rooms ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Room
	for rows.Next() {
		var r model.Room
		if err := rows.Scan(&r.ID, &r.Name, &r.Location, &r.CollegeID); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpsertTerm writes an academic term sourced from the remote store.
func (s *Store) UpsertTerm(t model.Term) error {
	if t.ID == "" {
		return errors.New("term id required")
	}
	_, err := s.db.Exec(
		`INSERT INTO terms (id, name, start_date, end_date) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, start_date = excluded.start_date, end_date = excluded.end_date`,
		t.ID, t.Name, nullTime(t.StartDate), nullTime(t.EndDate),
	)
	return err
}

// Terms returns all cached terms.
func (s *Store) Terms() ([]model.Term, error) {
	rows, err := s.db.Query(`SELECT id, name, start_date, end_date FROM terms ORDER BY start_date`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Term
	for rows.Next() {
		var t model.Term
		var start, end sql.NullTime
		if err := rows.Scan(&t.ID, &t.Name, &start, &end); err != nil {
			return nil, err
		}
		if start.Valid {
			t.StartDate = start.Time
		}
		if end.Valid {
			t.EndDate = end.Time
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// -------- Attendance records --------

const recordColumns = `id, schedule_id, identity_id, date, status, time_in, time_out,
	total_minutes, remarks, is_late, camera_id, synced, created_at, synced_at`

// FindRecord returns the record for (identity, schedule, date), or nil.
// An empty scheduleID matches unscheduled-presence records.
func (s *Store) FindRecord(identityID, scheduleID, date string) (*model.AttendanceRecord, error) {
	row := s.db.QueryRow(
		`SELECT `+recordColumns+` FROM attendance_records
		 WHERE identity_id = ? AND schedule_id = ? AND date = ?`,
		identityID, scheduleID, date,
	)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

// CreateRecord inserts a new pending record, assigning an id.
func (s *Store) CreateRecord(rec *model.AttendanceRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(
		`INSERT INTO attendance_records
			(id, schedule_id, identity_id, date, status, time_in, time_out,
			 total_minutes, remarks, is_late, camera_id, synced, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		rec.ID, rec.ScheduleID, rec.IdentityID, rec.Date, rec.Status,
		nullTimePtr(rec.TimeIn), nullTimePtr(rec.TimeOut),
		rec.TotalMinutes, rec.Remarks, boolInt(rec.IsLate), rec.CameraID, rec.CreatedAt,
	)
	return err
}

// FinalizeRecord writes time-out and accumulated minutes, re-flagging the
// record as pending sync. Called on every session close; a return followed by
// a later departure overwrites time-out on the same row.
func (s *Store) FinalizeRecord(id string, timeOut time.Time, totalMinutes float64, status, remarks string) error {
	res, err := s.db.Exec(
		`UPDATE attendance_records
		 SET time_out = ?, total_minutes = ?, status = ?, remarks = ?, synced = 0, synced_at = NULL
		 WHERE id = ?`,
		timeOut, totalMinutes, status, remarks, id,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("record %s not found", id)
	}
	return nil
}

// UnsyncedRecords returns pending records, oldest first.
func (s *Store) UnsyncedRecords(limit int) ([]model.AttendanceRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT `+recordColumns+` FROM attendance_records
		 WHERE synced = 0 ORDER BY created_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRecords(rows)
}

// MarkRecordSynced clears the pending flag after a successful push.
func (s *Store) MarkRecordSynced(id string, at time.Time) error {
	_, err := s.db.Exec(`UPDATE attendance_records SET synced = 1, synced_at = ? WHERE id = ?`, at, id)
	return err
}

// Records lists records with optional date and synced filters.
func (s *Store) Records(date string, synced *bool, limit int) ([]model.AttendanceRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + recordColumns + ` FROM attendance_records`
	var clauses []string
	var args []any
	if date != "" {
		clauses = append(clauses, "date = ?")
		args = append(args, date)
	}
	if synced != nil {
		clauses = append(clauses, "synced = ?")
		args = append(args, boolInt(*synced))
	}
	for i, c := range clauses {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRecords(rows)
}

// PurgeSyncedBefore deletes synced records older than cutoff and returns the
// number removed.
func (s *Store) PurgeSyncedBefore(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM attendance_records WHERE synced = 1 AND synced_at IS NOT NULL AND synced_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Stats summarizes local row counts for the sync status report.
type Stats struct {
	Identities     int `json:"identities"`
	Schedules      int `json:"schedules"`
	Rooms          int `json:"rooms"`
	Terms          int `json:"terms"`
	Records        int `json:"records"`
	PendingRecords int `json:"pending_records"`
}

// Stats returns per-entity row counts.
func (s *Store) Stats() (Stats, error) {
	var st Stats
	counts := []struct {
		query string
		dst   *int
	}{
		{`SELECT COUNT(*) FROM identities`, &st.Identities},
		{`SELECT COUNT(*) FROM schedules`, &st.Schedules},
		{`SELECT COUNT(*) FROM rooms`, &st.Rooms},
		{`SELECT COUNT(*) FROM terms`, &st.Terms},
		{`SELECT COUNT(*) FROM attendance_records`, &st.Records},
		{`SELECT COUNT(*) FROM attendance_records WHERE synced = 0`, &st.PendingRecords},
	}
	for _, c := range counts {
		if err := s.db.QueryRow(c.query).Scan(c.dst); err != nil {
			return Stats{}, err
		}
	}
	return st, nil
}

// -------- scan helpers --------

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*model.AttendanceRecord, error) {
	var rec model.AttendanceRecord
	var timeIn, timeOut, syncedAt sql.NullTime
	var isLate, synced int
	if err := row.Scan(&rec.ID, &rec.ScheduleID, &rec.IdentityID, &rec.Date, &rec.Status,
		&timeIn, &timeOut, &rec.TotalMinutes, &rec.Remarks, &isLate, &rec.CameraID,
		&synced, &rec.CreatedAt, &syncedAt); err != nil {
		return nil, err
	}
	if timeIn.Valid {
		t := timeIn.Time
		rec.TimeIn = &t
	}
	if timeOut.Valid {
		t := timeOut.Time
		rec.TimeOut = &t
	}
	if syncedAt.Valid {
		t := syncedAt.Time
		rec.SyncedAt = &t
	}
	rec.IsLate = isLate == 1
	rec.Synced = synced == 1
	return &rec, nil
}

func collectRecords(rows *sql.Rows) ([]model.AttendanceRecord, error) {
	var out []model.AttendanceRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
