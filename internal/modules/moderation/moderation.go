// Package moderation implements the moderation/waiting-room controller:
// waiting-room admission, raise-hand gating, bans, and
// moderator-issued kicks, built on the same room-scoped storage + exchange
// primitives as every other module. Forced actions (kick, ban, send to
// waiting room, debrief) travel as exchange messages to the target's
// runner, which consumes them itself — this module only validates
// and publishes.
package moderation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/opentalkeu/signaling-runtime/internal/ids"
	"github.com/opentalkeu/signaling-runtime/internal/moduleapi"
	"github.com/opentalkeu/signaling-runtime/internal/modules/control"
	"github.com/opentalkeu/signaling-runtime/internal/signalingerr"
	"github.com/opentalkeu/signaling-runtime/internal/storage"
)

// ModuleId is the wire namespace for this module.
const ModuleId moduleapi.Id = "moderation"

// KickScope selects which participants a Debriefed operation ends the
// session for.
type KickScope string

const (
	ScopeGuests         KickScope = "guests"
	ScopeUsersAndGuests KickScope = "users_and_guests"
	ScopeAll            KickScope = "all"
)

// KicksRole reports whether scope applies to a participant holding role.
func (s KickScope) KicksRole(role moduleapi.Role) bool {
	switch s {
	case ScopeAll:
		return true
	case ScopeUsersAndGuests:
		return role != moduleapi.RoleModerator
	case ScopeGuests:
		return role == moduleapi.RoleGuest
	default:
		return false
	}
}

// Storage gives the moderation operations a concrete, testable surface
// over the generic set/flag primitives of the volatile store.
type Storage struct {
	s storage.Storage
	k storage.Keys
}

func NewStorage(s storage.Storage) *Storage { return &Storage{s: s} }

func (ms *Storage) waitingRoomKey(room ids.SignalingRoomId) string {
	return ms.k.Module(room.String(), "room", string(ModuleId), "waiting_room")
}
func (ms *Storage) acceptedKey(room ids.SignalingRoomId) string {
	return ms.k.Module(room.String(), "room", string(ModuleId), "waiting_room_accepted")
}
func (ms *Storage) bansKey(room ids.RoomId) string {
	return ms.k.Module(string(room), "room", string(ModuleId), "banned_users")
}
func (ms *Storage) waitingRoomEnabledKey(room ids.SignalingRoomId) string {
	return ms.k.Module(room.String(), "room", string(ModuleId), "waiting_room_enabled")
}
func (ms *Storage) raiseHandsEnabledKey(room ids.SignalingRoomId) string {
	return ms.k.Module(room.String(), "room", string(ModuleId), "raise_hands_enabled")
}

func (ms *Storage) WaitingRoomAdd(ctx context.Context, room ids.SignalingRoomId, p ids.ParticipantId) error {
	return ms.s.SAdd(ctx, ms.waitingRoomKey(room), string(p))
}
func (ms *Storage) WaitingRoomRemove(ctx context.Context, room ids.SignalingRoomId, p ids.ParticipantId) error {
	return ms.s.SRem(ctx, ms.waitingRoomKey(room), string(p))
}
func (ms *Storage) WaitingRoomContains(ctx context.Context, room ids.SignalingRoomId, p ids.ParticipantId) (bool, error) {
	return ms.s.SContains(ctx, ms.waitingRoomKey(room), string(p))
}
func (ms *Storage) WaitingRoomLen(ctx context.Context, room ids.SignalingRoomId) (int, error) {
	return ms.s.SCard(ctx, ms.waitingRoomKey(room))
}
func (ms *Storage) WaitingRoomAll(ctx context.Context, room ids.SignalingRoomId) ([]string, error) {
	return ms.s.SMembers(ctx, ms.waitingRoomKey(room))
}

func (ms *Storage) WaitingRoomAcceptedAdd(ctx context.Context, room ids.SignalingRoomId, p ids.ParticipantId) error {
	return ms.s.SAdd(ctx, ms.acceptedKey(room), string(p))
}
func (ms *Storage) WaitingRoomAcceptedRemove(ctx context.Context, room ids.SignalingRoomId, p ids.ParticipantId) error {
	return ms.s.SRem(ctx, ms.acceptedKey(room), string(p))
}
func (ms *Storage) WaitingRoomAcceptedContains(ctx context.Context, room ids.SignalingRoomId, p ids.ParticipantId) (bool, error) {
	return ms.s.SContains(ctx, ms.acceptedKey(room), string(p))
}
func (ms *Storage) WaitingRoomAcceptedLen(ctx context.Context, room ids.SignalingRoomId) (int, error) {
	return ms.s.SCard(ctx, ms.acceptedKey(room))
}
func (ms *Storage) WaitingRoomAcceptedAll(ctx context.Context, room ids.SignalingRoomId) ([]string, error) {
	return ms.s.SMembers(ctx, ms.acceptedKey(room))
}
func (ms *Storage) WaitingRoomAcceptedRemoveList(ctx context.Context, room ids.SignalingRoomId, ps []ids.ParticipantId) error {
	for _, p := range ps {
		if err := ms.WaitingRoomAcceptedRemove(ctx, room, p); err != nil {
			return err
		}
	}
	return nil
}

// BanUser adds a user id to the room's ban list. Guests cannot be banned:
// they have no user id to key the ban on.
func (ms *Storage) BanUser(ctx context.Context, room ids.RoomId, userId string) error {
	return ms.s.SAdd(ctx, ms.bansKey(room), userId)
}
func (ms *Storage) IsBanned(ctx context.Context, room ids.RoomId, userId string) (bool, error) {
	return ms.s.SContains(ctx, ms.bansKey(room), userId)
}
func (ms *Storage) DeleteBans(ctx context.Context, room ids.RoomId) (bool, error) {
	return ms.s.Del(ctx, ms.bansKey(room))
}

func (ms *Storage) SetWaitingRoomEnabled(ctx context.Context, room ids.SignalingRoomId, enabled bool) error {
	return ms.s.Set(ctx, ms.waitingRoomEnabledKey(room), boolBytes(enabled))
}
func (ms *Storage) IsWaitingRoomEnabled(ctx context.Context, room ids.SignalingRoomId) (bool, error) {
	raw, found, err := ms.s.Get(ctx, ms.waitingRoomEnabledKey(room))
	if err != nil || !found {
		return false, err
	}
	return string(raw) == "1", nil
}
func (ms *Storage) DeleteWaitingRoomEnabled(ctx context.Context, room ids.SignalingRoomId) (bool, error) {
	return ms.s.Del(ctx, ms.waitingRoomEnabledKey(room))
}

func (ms *Storage) SetRaiseHandsEnabled(ctx context.Context, room ids.SignalingRoomId, enabled bool) error {
	return ms.s.Set(ctx, ms.raiseHandsEnabledKey(room), boolBytes(enabled))
}
func (ms *Storage) IsRaiseHandsEnabled(ctx context.Context, room ids.SignalingRoomId) (bool, error) {
	raw, found, err := ms.s.Get(ctx, ms.raiseHandsEnabledKey(room))
	if err != nil || !found {
		return true, err // default enabled when never set
	}
	return string(raw) == "1", nil
}
func (ms *Storage) DeleteRaiseHandsEnabled(ctx context.Context, room ids.SignalingRoomId) (bool, error) {
	return ms.s.Del(ctx, ms.raiseHandsEnabledKey(room))
}

// InitWaitingRoomKey seeds an empty waiting-room set so SCard/SMembers have
// a defined value before the first Add.
func (ms *Storage) InitWaitingRoomKey(ctx context.Context, room ids.SignalingRoomId) error {
	_, err := ms.s.SMembers(ctx, ms.waitingRoomKey(room))
	return err
}

func (ms *Storage) DeleteWaitingRoom(ctx context.Context, room ids.SignalingRoomId) (bool, error) {
	return ms.s.Del(ctx, ms.waitingRoomKey(room))
}
func (ms *Storage) DeleteWaitingRoomAccepted(ctx context.Context, room ids.SignalingRoomId) (bool, error) {
	return ms.s.Del(ctx, ms.acceptedKey(room))
}

func boolBytes(b bool) []byte {
	if b {
		return []byte("1")
	}
	return []byte("0")
}

// Incoming is the union of moderator commands on the "moderation"
// namespace.
type Incoming struct {
	Action    string            `json:"action"`
	Target    ids.ParticipantId `json:"target,omitempty"`
	NewName   string            `json:"new_name,omitempty"`
	KickScope KickScope         `json:"kick_scope,omitempty"`
}

const (
	ActionEnableWaitingRoom  = "enable_waiting_room"
	ActionDisableWaitingRoom = "disable_waiting_room"
	ActionAccept             = "accept"
	ActionKick               = "kick"
	ActionBan                = "ban"
	ActionSendToWaitingRoom  = "send_to_waiting_room"
	ActionDebriefed          = "debriefed"
	ActionChangeDisplayName  = "change_display_name"
	ActionResetRaisedHands   = "reset_raised_hands"
	ActionEnableRaiseHands   = "enable_raise_hands"
	ActionDisableRaiseHands  = "disable_raise_hands"
)

// ExchangeMessage is the typed envelope carried on the "moderation"
// namespace. Messages targeting a specific participant are consumed by
// that participant's runner (forced teardown, rename); the rest are
// moderator-facing notifications this module forwards to its client.
type ExchangeMessage struct {
	Action        string                 `json:"action"`
	ParticipantId ids.ParticipantId      `json:"participant_id,omitempty"`
	Participant   *moduleapi.PeerSummary `json:"participant,omitempty"`
	NewName       string                 `json:"new_name,omitempty"`
	KickScope     KickScope              `json:"kick_scope,omitempty"`
	IssuedBy      ids.ParticipantId      `json:"issued_by,omitempty"`
	Enabled       bool                   `json:"enabled,omitempty"`
}

const (
	ExchangeKicked                   = "kicked"
	ExchangeBanned                   = "banned"
	ExchangeSentToWaitingRoom        = "sent_to_waiting_room"
	ExchangeAccepted                 = "accepted"
	ExchangeDebriefed                = "debriefed"
	ExchangeChangeDisplayName        = "change_display_name"
	ExchangeResetRaisedHands         = "reset_raised_hands"
	ExchangeWaitingRoomEnableUpdated = "waiting_room_enable_updated"
	ExchangeRaiseHandsEnableUpdated  = "raise_hands_enable_updated"
	ExchangeJoinedWaitingRoom        = "joined_waiting_room"
	ExchangeLeftWaitingRoom          = "left_waiting_room"
)

// Outgoing event payloads forwarded to clients.

type WaitingRoomEnableUpdated struct {
	Enabled bool `json:"enabled"`
}

type RaiseHandsEnableUpdated struct {
	Enabled bool `json:"enabled"`
}

type InWaitingRoomUpdated struct {
	ParticipantId ids.ParticipantId `json:"participant_id"`
}

// TargetKindFunc resolves a participant's kind and role so rename and ban
// can enforce their registered-user rules; wired to control storage at
// assembly time.
type TargetKindFunc func(ctx context.Context, room ids.SignalingRoomId, p ids.ParticipantId) (control.ControlState, bool, error)

// state is this module's per-connection instance value.
type state struct {
	store      *Storage
	targetInfo TargetKindFunc
}

func Module(store *Storage, targetInfo TargetKindFunc) *moduleapi.Module {
	return &moduleapi.Module{
		Id:          ModuleId,
		Features:    []string{"moderation"},
		BuildParams: func(initData any) (any, bool) { return nil, true },
		Init: func(ctx context.Context, mc *moduleapi.Context, params any) (any, bool, error) {
			return &state{store: store, targetInfo: targetInfo}, true, nil
		},
		OnEvent:   onEvent,
		OnDestroy: func(ctx context.Context, mc *moduleapi.Context, s any, destroy moduleapi.DestroyContext) {},
	}
}

func onEvent(ctx context.Context, mc *moduleapi.Context, s any, evt moduleapi.Event) error {
	st, _ := s.(*state)
	if st == nil {
		return fmt.Errorf("moderation: %w: module not initialized", signalingerr.ErrFatal)
	}
	switch evt.Kind {
	case moduleapi.KindWsMessage:
		return handleCommand(ctx, mc, st, evt.WsPayload)
	case moduleapi.KindExchange:
		// Moderator-facing notifications (waiting-room churn, toggles)
		// arrive on the moderator routing key; forward them verbatim.
		return mc.WsSend(ModuleId, json.RawMessage(evt.Exchange.Payload))
	default:
		return nil
	}
}

func handleCommand(ctx context.Context, mc *moduleapi.Context, st *state, raw json.RawMessage) error {
	var in Incoming
	if err := json.Unmarshal(raw, &in); err != nil {
		return fmt.Errorf("moderation: %w: %v", signalingerr.ErrProtocol, err)
	}

	// Every action below is moderator-only.
	if !mc.Role.IsModerator() {
		return fmt.Errorf("moderation: %w", signalingerr.ErrInsufficientPermissions)
	}

	switch in.Action {
	case ActionEnableWaitingRoom, ActionDisableWaitingRoom:
		enabled := in.Action == ActionEnableWaitingRoom
		if err := st.store.SetWaitingRoomEnabled(ctx, mc.Room, enabled); err != nil {
			return err
		}
		return mc.ExchangePublish(control.RoutingKeyRoom(mc.Room), ModuleId, ExchangeMessage{
			Action: ExchangeWaitingRoomEnableUpdated, Enabled: enabled,
		})

	case ActionEnableRaiseHands, ActionDisableRaiseHands:
		enabled := in.Action == ActionEnableRaiseHands
		if err := st.store.SetRaiseHandsEnabled(ctx, mc.Room, enabled); err != nil {
			return err
		}
		return mc.ExchangePublish(control.RoutingKeyRoom(mc.Room), ModuleId, ExchangeMessage{
			Action: ExchangeRaiseHandsEnableUpdated, Enabled: enabled,
		})

	case ActionAccept:
		waiting, err := st.store.WaitingRoomContains(ctx, mc.Room, in.Target)
		if err != nil {
			return err
		}
		if !waiting {
			return fmt.Errorf("moderation: %w: target not in waiting room", signalingerr.ErrConflict)
		}
		if err := st.store.WaitingRoomRemove(ctx, mc.Room, in.Target); err != nil {
			return err
		}
		if err := st.store.WaitingRoomAcceptedAdd(ctx, mc.Room, in.Target); err != nil {
			return err
		}
		return mc.ExchangePublish(control.RoutingKeyParticipant(mc.Room, in.Target), ModuleId, ExchangeMessage{
			Action: ExchangeAccepted, ParticipantId: in.Target,
		})

	case ActionKick:
		return mc.ExchangePublish(control.RoutingKeyParticipant(mc.Room, in.Target), ModuleId, ExchangeMessage{
			Action: ExchangeKicked, ParticipantId: in.Target, IssuedBy: mc.ParticipantId,
		})

	case ActionBan:
		target, found, err := st.targetInfo(ctx, mc.Room, in.Target)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("moderation: %w: unknown target", signalingerr.ErrProtocol)
		}
		if target.ParticipationKind != storage.ParticipantUser {
			return fmt.Errorf("moderation: %w: guests cannot be banned", signalingerr.ErrProtocol)
		}
		if err := st.store.BanUser(ctx, mc.Room.RoomId, userIdOf(target)); err != nil {
			return err
		}
		return mc.ExchangePublish(control.RoutingKeyParticipant(mc.Room, in.Target), ModuleId, ExchangeMessage{
			Action: ExchangeBanned, ParticipantId: in.Target, IssuedBy: mc.ParticipantId,
		})

	case ActionSendToWaitingRoom:
		if err := st.store.SetWaitingRoomEnabled(ctx, mc.Room, true); err != nil {
			return err
		}
		return mc.ExchangePublish(control.RoutingKeyParticipant(mc.Room, in.Target), ModuleId, ExchangeMessage{
			Action: ExchangeSentToWaitingRoom, ParticipantId: in.Target, IssuedBy: mc.ParticipantId,
		})

	case ActionDebriefed:
		if !in.KickScope.KicksRole(moduleapi.RoleGuest) {
			return fmt.Errorf("moderation: %w: invalid kick scope %q", signalingerr.ErrProtocol, in.KickScope)
		}
		return mc.ExchangePublish(control.RoutingKeyRoom(mc.Room), ModuleId, ExchangeMessage{
			Action: ExchangeDebriefed, KickScope: in.KickScope, IssuedBy: mc.ParticipantId,
		})

	case ActionChangeDisplayName:
		target, found, err := st.targetInfo(ctx, mc.Room, in.Target)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("moderation: %w: unknown target", signalingerr.ErrProtocol)
		}
		if target.ParticipationKind != storage.ParticipantGuest {
			return fmt.Errorf("moderation: %w: cannot change name of registered users", signalingerr.ErrInsufficientPermissions)
		}
		name, err := control.NormalizeDisplayName(in.NewName)
		if err != nil {
			return err
		}
		return mc.ExchangePublish(control.RoutingKeyParticipant(mc.Room, in.Target), ModuleId, ExchangeMessage{
			Action: ExchangeChangeDisplayName, ParticipantId: in.Target, NewName: name,
		})

	case ActionResetRaisedHands:
		if in.Target != "" {
			return mc.ExchangePublish(control.RoutingKeyParticipant(mc.Room, in.Target), ModuleId, ExchangeMessage{
				Action: ExchangeResetRaisedHands, ParticipantId: in.Target, IssuedBy: mc.ParticipantId,
			})
		}
		return mc.ExchangePublish(control.RoutingKeyRoom(mc.Room), ModuleId, ExchangeMessage{
			Action: ExchangeResetRaisedHands, IssuedBy: mc.ParticipantId,
		})

	default:
		return fmt.Errorf("moderation: %w: unknown action %q", signalingerr.ErrProtocol, in.Action)
	}
}

// userIdOf extracts the bannable user id from a participant's control
// state, falling back to the participant id when the ticket carried no
// separate user id.
func userIdOf(st control.ControlState) string {
	if st.UserId != "" {
		return st.UserId
	}
	return string(st.ParticipantId)
}
