// Package remotestore reads reference data from and pushes attendance
// records to the central Postgres database. All methods take a context;
// the reconciliation engine owns timeouts and cancellation.
package remotestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"eduvision/internal/model"
)

// Store wraps the central database.
type Store struct {
	db *sql.DB
}

// New creates a store over an open connection pool.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// -------- Reference reads (pull) --------

// Identities returns all registered instructors.
func (s *Store) Identities(ctx context.Context) ([]model.Identity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, first_name, last_name, full_name, COALESCE(folder_name, ''),
		       COALESCE(role, ''), COALESCE(college_id, ''), created_at
		FROM instructors
		ORDER BY last_name, first_name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Identity
	for rows.Next() {
		var id model.Identity
		if err := rows.Scan(&id.ID, &id.FirstName, &id.LastName, &id.FullName,
			&id.FolderName, &id.Role, &id.CollegeID, &id.CreatedAt); err != nil {
			return nil, err
		}
		id.Synced = true
		out = append(out, id)
	}
	return out, rows.Err()
}

// Schedules returns all schedule entries.
func (s *Store) Schedules(ctx context.Context) ([]model.ScheduleEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, instructor_id, COALESCE(instructor_name, ''), course_code,
		       COALESCE(course_title, ''), room, start_time, end_time,
		       term_start, term_end, days, COALESCE(section_id, '')
		FROM schedules
		ORDER BY instructor_id, start_time
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ScheduleEntry
	for rows.Next() {
		var (
			entry              model.ScheduleEntry
			startRaw, endRaw   string
			termStart, termEnd sql.NullTime
			daysRaw            []byte
		)
		if err := rows.Scan(&entry.ID, &entry.IdentityID, &entry.InstructorName,
			&entry.CourseCode, &entry.CourseTitle, &entry.Room,
			&startRaw, &endRaw, &termStart, &termEnd, &daysRaw, &entry.SectionID); err != nil {
			return nil, err
		}
		if entry.Start, err = model.ParseTimeOfDay(startRaw); err != nil {
			return nil, err
		}
		if entry.End, err = model.ParseTimeOfDay(endRaw); err != nil {
			return nil, err
		}
		if termStart.Valid {
			entry.TermStart = termStart.Time
		}
		if termEnd.Valid {
			entry.TermEnd = termEnd.Time
		}
		if len(daysRaw) > 0 {
			if err := json.Unmarshal(daysRaw, &entry.Days); err != nil {
				return nil, err
			}
		}
		entry.Synced = true
		out = append(out, entry)
	}
	return out, rows.Err()
}

// Rooms returns all monitored rooms.
func (s *Store) Rooms(ctx context.Context) ([]model.Room, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, COALESCE(location, ''), COALESCE(college_id, '')
		FROM rooms
		ORDER BY name
	`)
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

// Terms returns all academic terms.
func (s *Store) Terms(ctx context.Context) ([]model.Term, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, start_date, end_date
		FROM terms
		ORDER BY start_date DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Term
	for rows.Next() {
		var t model.Term
		if err := rows.Scan(&t.ID, &t.Name, &t.StartDate, &t.EndDate); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// -------- Record writes (push) --------

// UpsertRecord writes one attendance record keyed by
// (instructor, schedule, date). A re-push after an interrupted sync
// overwrites the earlier copy rather than duplicating it.
func (s *Store) UpsertRecord(ctx context.Context, rec model.AttendanceRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attendance_logs
			(id, instructor_id, schedule_id, date, status, time_in, time_out,
			 total_minutes, remarks, is_late, camera_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (instructor_id, schedule_id, date) DO UPDATE SET
			status = EXCLUDED.status,
			time_in = EXCLUDED.time_in,
			time_out = EXCLUDED.time_out,
			total_minutes = EXCLUDED.total_minutes,
			remarks = EXCLUDED.remarks,
			is_late = EXCLUDED.is_late,
			camera_id = EXCLUDED.camera_id,
			updated_at = NOW()
	`, rec.ID, rec.IdentityID, rec.ScheduleID, rec.Date, rec.Status,
		nullTime(rec.TimeIn), nullTime(rec.TimeOut), rec.TotalMinutes,
		rec.Remarks, rec.IsLate, rec.CameraID, createdOrNow(rec.CreatedAt))
	return err
}

// -------- Reverse push (locally authored reference data) --------

// EnsureIdentity inserts a locally created instructor if no row with the
// same id exists. The central copy wins on conflict. Reports whether a
// row was inserted.
func (s *Store) EnsureIdentity(ctx context.Context, ident model.Identity) (bool, error) {
	if ident.ID == "" {
		return false, errors.New("identity id required")
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO instructors (id, first_name, last_name, full_name, folder_name, role, college_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO NOTHING
	`, ident.ID, ident.FirstName, ident.LastName, ident.FullName,
		ident.FolderName, ident.Role, ident.CollegeID, createdOrNow(ident.CreatedAt))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// EnsureSchedule inserts a locally created schedule entry if absent.
func (s *Store) EnsureSchedule(ctx context.Context, entry model.ScheduleEntry) (bool, error) {
	if entry.ID == "" {
		return false, errors.New("schedule id required")
	}
	days, err := json.Marshal(entry.Days)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO schedules
			(id, instructor_id, instructor_name, course_code, course_title,
			 room, start_time, end_time, term_start, term_end, days, section_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (id) DO NOTHING
	`, entry.ID, entry.IdentityID, entry.InstructorName, entry.CourseCode,
		entry.CourseTitle, entry.Room, entry.Start.String(), entry.End.String(),
		nullZeroTime(entry.TermStart), nullZeroTime(entry.TermEnd), days, entry.SectionID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullZeroTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func createdOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}
