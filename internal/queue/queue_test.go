package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eduvision/internal/model"
)

func TestInMemoryRoundTrip(t *testing.T) {
	q := NewInMemory(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	evt := model.ObservationEvent{
		Identity:   "I1",
		Confidence: 0.91,
		CameraID:   "camera1",
		Timestamp:  time.Date(2026, 8, 24, 9, 5, 0, 0, time.UTC),
	}
	require.NoError(t, q.Publish(ctx, evt))

	ch, err := q.Consume(ctx)
	require.NoError(t, err)

	select {
	case got := <-ch:
		assert.Equal(t, evt, got)
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestInMemoryPublishRespectsCancel(t *testing.T) {
	q := NewInMemory(1)
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, q.Publish(ctx, model.ObservationEvent{Identity: "I1"}))

	// queue full: publish blocks until the context is cancelled
	cancel()
	err := q.Publish(ctx, model.ObservationEvent{Identity: "I2"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestInMemoryConsumeStopsOnCancel(t *testing.T) {
	q := NewInMemory(1)
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := q.Consume(ctx)
	require.NoError(t, err)
	cancel()

	select {
	case _, open := <-ch:
		assert.False(t, open, "channel closes after cancel")
	case <-time.After(time.Second):
		t.Fatal("consume channel did not close")
	}
}
