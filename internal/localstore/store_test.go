package localstore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eduvision/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustTime(t *testing.T, s string) model.TimeOfDay {
	t.Helper()
	tod, err := model.ParseTimeOfDay(s)
	require.NoError(t, err)
	return tod
}

func TestIdentityUpsertAndReverseQueue(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.UpsertIdentity(model.Identity{
		ID: "i1", FirstName: "Mark", LastName: "Quibral", Role: "instructor",
	}))
	// remote wins on re-upsert
	require.NoError(t, s.UpsertIdentity(model.Identity{
		ID: "i1", FirstName: "Marco", LastName: "Quibral", Role: "instructor",
	}))

	local := &model.Identity{FirstName: "Allen", LastName: "Garcia", Role: "instructor"}
	require.NoError(t, s.CreateIdentity(local))
	require.NotEmpty(t, local.ID)

	all, err := s.Identities()
	require.NoError(t, err)
	require.Len(t, all, 2)

	unsynced, err := s.UnsyncedIdentities()
	require.NoError(t, err)
	require.Len(t, unsynced, 1)
	assert.Equal(t, "Garcia, Allen", unsynced[0].FullName)

	require.NoError(t, s.MarkIdentitySynced(local.ID))
	unsynced, err = s.UnsyncedIdentities()
	require.NoError(t, err)
	assert.Empty(t, unsynced)
}

func TestScheduleRoundTrip(t *testing.T) {
	s := newTestStore(t)

	entry := model.ScheduleEntry{
		ID:             "s1",
		IdentityID:     "i1",
		InstructorName: "Quibral, Mark",
		CourseCode:     "CS101",
		Room:           "Room 101",
		Start:          mustTime(t, "09:00"),
		End:            mustTime(t, "11:00"),
		TermStart:      time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC),
		TermEnd:        time.Date(2026, 5, 30, 0, 0, 0, 0, time.UTC),
		Days:           model.Weekdays{"mon": true, "wed": true},
	}
	require.NoError(t, s.UpsertSchedule(entry))

	got, err := s.Schedules()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "09:00", got[0].Start.String())
	assert.Equal(t, "11:00", got[0].End.String())
	assert.True(t, got[0].Days["mon"])
	assert.False(t, got[0].Days["tue"])
	assert.True(t, got[0].Synced)

	// update via upsert keeps a single row
	entry.Room = "CompLab"
	require.NoError(t, s.UpsertSchedule(entry))
	got, err = s.Schedules()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "CompLab", got[0].Room)
}

func TestRecordLifecycle(t *testing.T) {
	s := newTestStore(t)

	timeIn := time.Date(2026, 8, 24, 9, 5, 0, 0, time.UTC)
	rec := &model.AttendanceRecord{
		ScheduleID: "s1",
		IdentityID: "i1",
		Date:       "2026-08-24",
		Status:     model.StatusPresent,
		TimeIn:     &timeIn,
		CameraID:   "camera1",
	}
	require.NoError(t, s.CreateRecord(rec))
	require.NotEmpty(t, rec.ID)

	found, err := s.FindRecord("i1", "s1", "2026-08-24")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, rec.ID, found.ID)
	require.NotNil(t, found.TimeIn)
	assert.True(t, found.TimeIn.Equal(timeIn))
	assert.False(t, found.Synced)

	missing, err := s.FindRecord("i1", "s1", "2026-08-25")
	require.NoError(t, err)
	assert.Nil(t, missing)

	timeOut := timeIn.Add(30 * time.Minute)
	require.NoError(t, s.FinalizeRecord(rec.ID, timeOut, 30, model.StatusLeftEarly, "left early"))

	found, err = s.FindRecord("i1", "s1", "2026-08-24")
	require.NoError(t, err)
	require.NotNil(t, found.TimeOut)
	assert.True(t, found.TimeOut.Equal(timeOut))
	assert.Equal(t, model.StatusLeftEarly, found.Status)
	assert.Equal(t, 30.0, found.TotalMinutes)

	// finalize again with a later departure: same row, new time-out
	later := timeIn.Add(75 * time.Minute)
	require.NoError(t, s.FinalizeRecord(rec.ID, later, 60, model.StatusPresent, ""))
	found, err = s.FindRecord("i1", "s1", "2026-08-24")
	require.NoError(t, err)
	assert.True(t, found.TimeOut.Equal(later))
	assert.Equal(t, 60.0, found.TotalMinutes)
}

func TestFinalizeMissingRecord(t *testing.T) {
	s := newTestStore(t)
	err := s.FinalizeRecord("nope", time.Now(), 0, model.StatusPresent, "")
	assert.Error(t, err)
}

func TestUnsyncedQueueAndPurge(t *testing.T) {
	s := newTestStore(t)

	for i, date := range []string{"2026-08-20", "2026-08-21", "2026-08-22"} {
		rec := &model.AttendanceRecord{
			ScheduleID: "s1",
			IdentityID: "i1",
			Date:       date,
			Status:     model.StatusPresent,
			CreatedAt:  time.Date(2026, 8, 20+i, 9, 0, 0, 0, time.UTC),
		}
		require.NoError(t, s.CreateRecord(rec))
	}

	pending, err := s.UnsyncedRecords(10)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, "2026-08-20", pending[0].Date, "oldest first")

	syncedAt := time.Date(2026, 8, 22, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.MarkRecordSynced(pending[0].ID, syncedAt))

	pending, err = s.UnsyncedRecords(10)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	st, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, 3, st.Records)
	assert.Equal(t, 2, st.PendingRecords)

	n, err := s.PurgeSyncedBefore(syncedAt.Add(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	st, err = s.Stats()
	require.NoError(t, err)
	assert.Equal(t, 2, st.Records)
}

func TestRecordsFilter(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.CreateRecord(&model.AttendanceRecord{
		IdentityID: "i1", Date: "2026-08-24", Status: model.StatusPresent,
	}))
	require.NoError(t, s.CreateRecord(&model.AttendanceRecord{
		IdentityID: "i2", Date: "2026-08-25", Status: model.StatusLate,
	}))

	byDate, err := s.Records("2026-08-24", nil, 0)
	require.NoError(t, err)
	require.Len(t, byDate, 1)
	assert.Equal(t, "i1", byDate[0].IdentityID)

	pendingOnly := false
	unsynced, err := s.Records("", &pendingOnly, 0)
	require.NoError(t, err)
	assert.Len(t, unsynced, 2)
}
