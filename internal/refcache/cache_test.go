package refcache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eduvision/internal/model"
)

type staticSource struct {
	identities []model.Identity
	schedules  []model.ScheduleEntry
	rooms      []model.Room
	terms      []model.Term
}

func (s staticSource) Identities() ([]model.Identity, error)    { return s.identities, nil }
func (s staticSource) Schedules() ([]model.ScheduleEntry, error) { return s.schedules, nil }
func (s staticSource) Rooms() ([]model.Room, error)              { return s.rooms, nil }
func (s staticSource) Terms() ([]model.Term, error)              { return s.terms, nil }

func tod(t *testing.T, s string) model.TimeOfDay {
	t.Helper()
	v, err := model.ParseTimeOfDay(s)
	require.NoError(t, err)
	return v
}

func TestFormatFolderName(t *testing.T) {
	assert.Equal(t, "Quibral, Mark", FormatFolderName("Mark_Lorenz_Quibral"))
	assert.Equal(t, "Smith, John", FormatFolderName("John_Smith"))
	assert.Equal(t, "Solo", FormatFolderName("Solo"))
}

func TestResolveIdentity(t *testing.T) {
	c := New(staticSource{
		identities: []model.Identity{
			{ID: "i1", FirstName: "Mark", LastName: "Quibral", FullName: "Quibral, Mark", FolderName: "Mark_Lorenz_Quibral"},
			{ID: "i2", FirstName: "Allen", LastName: "Garcia", FullName: "Garcia, Allen"},
		},
	})
	require.NoError(t, c.Refresh())

	byID, ok := c.ResolveIdentity("i1")
	require.True(t, ok)
	assert.Equal(t, "i1", byID.ID)

	byFolder, ok := c.ResolveIdentity("Mark_Lorenz_Quibral")
	require.True(t, ok)
	assert.Equal(t, "i1", byFolder.ID)

	byFolderGuess, ok := c.ResolveIdentity("Allen_Garcia")
	require.True(t, ok)
	assert.Equal(t, "i2", byFolderGuess.ID)

	_, ok = c.ResolveIdentity("Nobody_Here")
	assert.False(t, ok)

	_, ok = c.ResolveIdentity("")
	assert.False(t, ok)
}

func TestSchedulesAndRooms(t *testing.T) {
	mon9 := time.Date(2026, 8, 24, 9, 30, 0, 0, time.UTC) // a Monday
	c := New(staticSource{
		schedules: []model.ScheduleEntry{
			{ID: "s1", IdentityID: "i1", Start: tod(t, "09:00"), End: tod(t, "11:00"), Days: model.Weekdays{"mon": true}},
			{ID: "s2", IdentityID: "i1", Start: tod(t, "13:00"), End: tod(t, "15:00"), Days: model.Weekdays{"mon": true}},
			{ID: "s3", IdentityID: "i2", Start: tod(t, "09:00"), End: tod(t, "11:00"), Days: model.Weekdays{"tue": true}},
		},
		rooms: []model.Room{{ID: "r1", Name: "Room 101"}},
	})
	require.NoError(t, c.Refresh())

	assert.Len(t, c.SchedulesFor("i1"), 2)
	assert.Len(t, c.AllSchedules(), 3)

	current := c.AllCurrentSchedules(mon9)
	require.Len(t, current, 1)
	assert.Equal(t, "s1", current[0].ID)

	room, ok := c.RoomByName("room 101")
	require.True(t, ok)
	assert.Equal(t, "r1", room.ID)

	assert.False(t, c.LastRefresh().IsZero())
}
