package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCameraMap(t *testing.T) {
	m := parseCameraMap("camera1=Room 101, camera2=CompLab,bad entry,=x,camera3=Lab 2")
	require.Len(t, m, 3)
	assert.Equal(t, "Room 101", m["camera1"])
	assert.Equal(t, "CompLab", m["camera2"])
	assert.Equal(t, "Lab 2", m["camera3"])
}

func TestParseCameraMapEmpty(t *testing.T) {
	assert.Empty(t, parseCameraMap(""))
}

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, 300*time.Second, cfg.AbsenceTimeout)
	assert.Equal(t, 15*time.Minute, cfg.LateThreshold)
	assert.Equal(t, 30*time.Minute, cfg.PreArrivalWindow)
	assert.Equal(t, 0.55, cfg.MinConfidence)
	assert.Equal(t, "fuzzy", cfg.RoomMatch)
	assert.False(t, cfg.LogUnscheduled)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ABSENCE_TIMEOUT", "90s")
	t.Setenv("LOG_UNSCHEDULED", "true")
	t.Setenv("CAMERA_ROOM_MAP", "cam9=Annex")

	cfg := Load()
	assert.Equal(t, 90*time.Second, cfg.AbsenceTimeout)
	assert.True(t, cfg.LogUnscheduled)
	room, ok := cfg.RoomForCamera("cam9")
	require.True(t, ok)
	assert.Equal(t, "Annex", room)

	_, ok = cfg.RoomForCamera("unmapped")
	assert.False(t, ok)
}

func TestInvalidEnvFallsBack(t *testing.T) {
	t.Setenv("ABSENCE_TIMEOUT", "not-a-duration")
	t.Setenv("SYNC_BATCH", "many")

	cfg := Load()
	assert.Equal(t, 300*time.Second, cfg.AbsenceTimeout)
	assert.Equal(t, 100, cfg.SyncBatch)
}
