package breakout

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opentalkeu/signaling-runtime/internal/ids"
	"github.com/opentalkeu/signaling-runtime/internal/signalingerr"
	"github.com/opentalkeu/signaling-runtime/internal/storage"
)

func twoRooms() []Room {
	return []Room{
		{Id: ids.NewBreakoutRoomId(), Name: "r1"},
		{Id: ids.NewBreakoutRoomId(), Name: "r2"},
	}
}

func TestStartActivatesConfig(t *testing.T) {
	ctx := context.Background()
	bs := NewStorage(storage.NewMemory())
	rooms := twoRooms()
	moderator := ids.NewParticipantId()

	cfg, ttl, err := Start(ctx, bs, "room-1", moderator, map[ids.ParticipantId]ids.BreakoutRoomId{
		ids.NewParticipantId(): rooms[0].Id,
	}, rooms, nil)
	require.NoError(t, err)
	assert.Zero(t, ttl, "no duration means no expiry")
	assert.Equal(t, moderator, cfg.StartedBy)

	got, active, err := bs.GetBreakoutConfig(ctx, "room-1")
	require.NoError(t, err)
	require.True(t, active)
	assert.Len(t, got.Rooms, 2)
}

func TestStartRejectsWhenAlreadyActive(t *testing.T) {
	ctx := context.Background()
	bs := NewStorage(storage.NewMemory())
	rooms := twoRooms()

	_, _, err := Start(ctx, bs, "room-1", ids.NewParticipantId(), nil, rooms, nil)
	require.NoError(t, err)

	_, _, err = Start(ctx, bs, "room-1", ids.NewParticipantId(), nil, rooms, nil)
	assert.True(t, errors.Is(err, signalingerr.ErrConflict))
}

func TestStartValidatesInput(t *testing.T) {
	ctx := context.Background()
	bs := NewStorage(storage.NewMemory())

	_, _, err := Start(ctx, bs, "room-1", ids.NewParticipantId(), nil, nil, nil)
	assert.True(t, errors.Is(err, signalingerr.ErrProtocol), "empty rooms rejected")

	rooms := twoRooms()
	_, _, err = Start(ctx, bs, "room-1", ids.NewParticipantId(), map[ids.ParticipantId]ids.BreakoutRoomId{
		ids.NewParticipantId(): ids.NewBreakoutRoomId(), // not one of rooms
	}, rooms, nil)
	assert.True(t, errors.Is(err, signalingerr.ErrProtocol), "assignment to unknown room rejected")
}

func TestStopIsIdempotent(t *testing.T) {
	ctx := context.Background()
	bs := NewStorage(storage.NewMemory())

	_, _, err := Start(ctx, bs, "room-1", ids.NewParticipantId(), nil, twoRooms(), nil)
	require.NoError(t, err)

	wasActive, err := Stop(ctx, bs, "room-1")
	require.NoError(t, err)
	assert.True(t, wasActive)

	wasActive, err = Stop(ctx, bs, "room-1")
	require.NoError(t, err)
	assert.False(t, wasActive, "duplicate stop is a no-op")
}

func TestConfigExpiresAtDuration(t *testing.T) {
	ctx := context.Background()
	bs := NewStorage(storage.NewMemory())

	duration := time.Second
	_, ttl, err := Start(ctx, bs, "room-1", ids.NewParticipantId(), nil, twoRooms(), &duration)
	require.NoError(t, err)
	assert.Equal(t, time.Second, ttl)

	_, active, err := bs.GetBreakoutConfig(ctx, "room-1")
	require.NoError(t, err)
	assert.True(t, active)

	require.Eventually(t, func() bool {
		_, active, err := bs.GetBreakoutConfig(ctx, "room-1")
		return err == nil && !active
	}, 3*time.Second, 50*time.Millisecond, "config must expire from storage at the deadline")
}

func TestSubSecondDurationRoundsUp(t *testing.T) {
	ctx := context.Background()
	bs := NewStorage(storage.NewMemory())

	duration := 200 * time.Millisecond
	_, ttl, err := Start(ctx, bs, "room-1", ids.NewParticipantId(), nil, twoRooms(), &duration)
	require.NoError(t, err)
	assert.Equal(t, time.Second, ttl, "effective expiry reflects the backend's minimum resolution")
}
