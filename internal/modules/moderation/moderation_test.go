package moderation

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opentalkeu/signaling-runtime/internal/ids"
	"github.com/opentalkeu/signaling-runtime/internal/moduleapi"
	"github.com/opentalkeu/signaling-runtime/internal/modules/control"
	"github.com/opentalkeu/signaling-runtime/internal/signalingerr"
	"github.com/opentalkeu/signaling-runtime/internal/storage"
)

func TestKickScopeKicksRole(t *testing.T) {
	cases := []struct {
		scope KickScope
		role  moduleapi.Role
		want  bool
	}{
		{ScopeAll, moduleapi.RoleModerator, true},
		{ScopeAll, moduleapi.RoleUser, true},
		{ScopeAll, moduleapi.RoleGuest, true},
		{ScopeUsersAndGuests, moduleapi.RoleModerator, false},
		{ScopeUsersAndGuests, moduleapi.RoleUser, true},
		{ScopeUsersAndGuests, moduleapi.RoleGuest, true},
		{ScopeGuests, moduleapi.RoleModerator, false},
		{ScopeGuests, moduleapi.RoleUser, false},
		{ScopeGuests, moduleapi.RoleGuest, true},
		{KickScope("bogus"), moduleapi.RoleGuest, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.scope.KicksRole(tc.role), "scope %q role %q", tc.scope, tc.role)
	}
}

func TestWaitingRoomSetOperations(t *testing.T) {
	ctx := context.Background()
	store := NewStorage(storage.NewMemory())
	room := ids.SignalingRoomId{RoomId: "r1"}
	p1, p2 := ids.NewParticipantId(), ids.NewParticipantId()

	require.NoError(t, store.InitWaitingRoomKey(ctx, room))
	n, err := store.WaitingRoomLen(ctx, room)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, store.WaitingRoomAdd(ctx, room, p1))
	require.NoError(t, store.WaitingRoomAdd(ctx, room, p2))

	in, err := store.WaitingRoomContains(ctx, room, p1)
	require.NoError(t, err)
	assert.True(t, in)

	all, err := store.WaitingRoomAll(ctx, room)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, store.WaitingRoomRemove(ctx, room, p1))
	n, err = store.WaitingRoomLen(ctx, room)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, store.WaitingRoomAcceptedAdd(ctx, room, p1))
	require.NoError(t, store.WaitingRoomAcceptedRemoveList(ctx, room, []ids.ParticipantId{p1, p2}))
	n, err = store.WaitingRoomAcceptedLen(ctx, room)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestBanRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewStorage(storage.NewMemory())

	banned, err := store.IsBanned(ctx, "r1", "user-1")
	require.NoError(t, err)
	assert.False(t, banned)

	require.NoError(t, store.BanUser(ctx, "r1", "user-1"))
	banned, err = store.IsBanned(ctx, "r1", "user-1")
	require.NoError(t, err)
	assert.True(t, banned)

	// Bans are keyed by the main room, not the breakout.
	banned, err = store.IsBanned(ctx, "r2", "user-1")
	require.NoError(t, err)
	assert.False(t, banned)

	existed, err := store.DeleteBans(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, existed)
}

func TestEnabledFlagDefaults(t *testing.T) {
	ctx := context.Background()
	store := NewStorage(storage.NewMemory())
	room := ids.SignalingRoomId{RoomId: "r1"}

	waiting, err := store.IsWaitingRoomEnabled(ctx, room)
	require.NoError(t, err)
	assert.False(t, waiting, "waiting room defaults to disabled")

	hands, err := store.IsRaiseHandsEnabled(ctx, room)
	require.NoError(t, err)
	assert.True(t, hands, "raise hands defaults to enabled")

	require.NoError(t, store.SetWaitingRoomEnabled(ctx, room, true))
	waiting, err = store.IsWaitingRoomEnabled(ctx, room)
	require.NoError(t, err)
	assert.True(t, waiting)

	require.NoError(t, store.SetRaiseHandsEnabled(ctx, room, false))
	hands, err = store.IsRaiseHandsEnabled(ctx, room)
	require.NoError(t, err)
	assert.False(t, hands)
}

// moduleHarness wires a moderation module instance against an in-memory
// store with a recording context.
type moduleHarness struct {
	store *Storage
	ctrl  *control.Storage
	mc    *moduleapi.Context
	state any
	mod   *moduleapi.Module
	pubs  *[]string // routing keys published to
	msgs  *[]ExchangeMessage
}

func newHarness(t *testing.T, room ids.SignalingRoomId, caller ids.ParticipantId, role moduleapi.Role) *moduleHarness {
	t.Helper()
	mem := storage.NewMemory()
	store := NewStorage(mem)
	ctrl := control.NewStorage(mem)

	var keys []string
	var msgs []ExchangeMessage
	mc := moduleapi.NewContext(caller, ids.NewRunnerId(), room, role, time.Now, mem, moduleapi.Hooks{
		WsSend: func(id moduleapi.Id, payload any) error { return nil },
		ExchangePublish: func(key string, id moduleapi.Id, payload any) error {
			keys = append(keys, key)
			if msg, ok := payload.(ExchangeMessage); ok {
				msgs = append(msgs, msg)
			}
			return nil
		},
	})

	mod := Module(store, ctrl.GetControlState)
	params, _ := mod.BuildParams(nil)
	state, ok, err := mod.Init(context.Background(), mc, params)
	require.NoError(t, err)
	require.True(t, ok)

	return &moduleHarness{store: store, ctrl: ctrl, mc: mc, state: state, mod: mod, pubs: &keys, msgs: &msgs}
}

func (h *moduleHarness) command(t *testing.T, in Incoming) error {
	t.Helper()
	raw, err := json.Marshal(in)
	require.NoError(t, err)
	return h.mod.OnEvent(context.Background(), h.mc, h.state, moduleapi.Event{Kind: moduleapi.KindWsMessage, WsPayload: raw})
}

func (h *moduleHarness) seedParticipant(t *testing.T, room ids.SignalingRoomId, pid ids.ParticipantId, kind storage.ParticipantKind, userId string) {
	t.Helper()
	require.NoError(t, h.ctrl.SetControlState(context.Background(), room, control.ControlState{
		ParticipantId:     pid,
		UserId:            userId,
		DisplayName:       "P",
		Role:              moduleapi.RoleUser,
		ParticipationKind: kind,
	}))
}

func TestNonModeratorCommandsRejected(t *testing.T) {
	room := ids.SignalingRoomId{RoomId: "r1"}
	h := newHarness(t, room, ids.NewParticipantId(), moduleapi.RoleUser)

	err := h.command(t, Incoming{Action: ActionEnableWaitingRoom})
	assert.True(t, errors.Is(err, signalingerr.ErrInsufficientPermissions))
}

func TestAcceptRequiresWaitingRoomMembership(t *testing.T) {
	room := ids.SignalingRoomId{RoomId: "r1"}
	h := newHarness(t, room, ids.NewParticipantId(), moduleapi.RoleModerator)
	target := ids.NewParticipantId()

	err := h.command(t, Incoming{Action: ActionAccept, Target: target})
	assert.True(t, errors.Is(err, signalingerr.ErrConflict))

	require.NoError(t, h.store.WaitingRoomAdd(context.Background(), room, target))
	require.NoError(t, h.command(t, Incoming{Action: ActionAccept, Target: target}))

	accepted, err := h.store.WaitingRoomAcceptedContains(context.Background(), room, target)
	require.NoError(t, err)
	assert.True(t, accepted)

	waiting, err := h.store.WaitingRoomContains(context.Background(), room, target)
	require.NoError(t, err)
	assert.False(t, waiting)
}

func TestBanRejectsGuests(t *testing.T) {
	room := ids.SignalingRoomId{RoomId: "r1"}
	h := newHarness(t, room, ids.NewParticipantId(), moduleapi.RoleModerator)
	guest := ids.NewParticipantId()
	h.seedParticipant(t, room, guest, storage.ParticipantGuest, "")

	err := h.command(t, Incoming{Action: ActionBan, Target: guest})
	assert.True(t, errors.Is(err, signalingerr.ErrProtocol))
}

func TestBanStoresUserId(t *testing.T) {
	room := ids.SignalingRoomId{RoomId: "r1"}
	h := newHarness(t, room, ids.NewParticipantId(), moduleapi.RoleModerator)
	user := ids.NewParticipantId()
	h.seedParticipant(t, room, user, storage.ParticipantUser, "user-42")

	require.NoError(t, h.command(t, Incoming{Action: ActionBan, Target: user}))

	banned, err := h.store.IsBanned(context.Background(), room.RoomId, "user-42")
	require.NoError(t, err)
	assert.True(t, banned)
}

func TestChangeDisplayNameOnlyForGuests(t *testing.T) {
	room := ids.SignalingRoomId{RoomId: "r1"}
	h := newHarness(t, room, ids.NewParticipantId(), moduleapi.RoleModerator)

	user := ids.NewParticipantId()
	h.seedParticipant(t, room, user, storage.ParticipantUser, "user-1")
	err := h.command(t, Incoming{Action: ActionChangeDisplayName, Target: user, NewName: "New"})
	assert.True(t, errors.Is(err, signalingerr.ErrInsufficientPermissions))

	guest := ids.NewParticipantId()
	h.seedParticipant(t, room, guest, storage.ParticipantGuest, "")
	require.NoError(t, h.command(t, Incoming{Action: ActionChangeDisplayName, Target: guest, NewName: "  New   Name "}))

	require.NotEmpty(t, *h.msgs)
	last := (*h.msgs)[len(*h.msgs)-1]
	assert.Equal(t, ExchangeChangeDisplayName, last.Action)
	assert.Equal(t, "New Name", last.NewName, "name is normalized before publishing")
}

func TestSendToWaitingRoomEnablesIt(t *testing.T) {
	room := ids.SignalingRoomId{RoomId: "r1"}
	h := newHarness(t, room, ids.NewParticipantId(), moduleapi.RoleModerator)
	target := ids.NewParticipantId()

	require.NoError(t, h.command(t, Incoming{Action: ActionSendToWaitingRoom, Target: target}))

	enabled, err := h.store.IsWaitingRoomEnabled(context.Background(), room)
	require.NoError(t, err)
	assert.True(t, enabled, "a returned participant must land in the waiting room")
}

func TestDebriefedRejectsUnknownScope(t *testing.T) {
	room := ids.SignalingRoomId{RoomId: "r1"}
	h := newHarness(t, room, ids.NewParticipantId(), moduleapi.RoleModerator)

	err := h.command(t, Incoming{Action: ActionDebriefed, KickScope: "everyone-ever"})
	assert.True(t, errors.Is(err, signalingerr.ErrProtocol))

	require.NoError(t, h.command(t, Incoming{Action: ActionDebriefed, KickScope: ScopeUsersAndGuests}))
	last := (*h.msgs)[len(*h.msgs)-1]
	assert.Equal(t, ExchangeDebriefed, last.Action)
	assert.Equal(t, ScopeUsersAndGuests, last.KickScope)
}
