// Package control implements the mandatory control module: the
// join protocol, waiting room, raise-hand, and role changes. Unlike feature
// modules, control's join/leave bookkeeping is invoked directly by
// internal/runner (the room-lock-guarded participant-set mutation is
// intrinsic to every session, not optional plug-in behavior) — this package
// supplies the storage shape, the wire shapes, and the WS-command handling,
// not the runner's admission sequence itself. Exchange traffic on the
// "control" namespace is likewise consumed by the runner, so this
// module's OnEvent only ever sees WS commands and lifecycle signals.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/opentalkeu/signaling-runtime/internal/ids"
	"github.com/opentalkeu/signaling-runtime/internal/moduleapi"
	"github.com/opentalkeu/signaling-runtime/internal/signalingerr"
	"github.com/opentalkeu/signaling-runtime/internal/storage"
)

// ModuleId is the wire namespace for this module.
const ModuleId moduleapi.Id = "control"

// ControlState is a participant's room-scoped state.
type ControlState struct {
	ParticipantId     ids.ParticipantId       `json:"participant_id"`
	UserId            string                  `json:"user_id,omitempty"`
	DisplayName       string                  `json:"display_name"`
	Role              moduleapi.Role          `json:"role"`
	AvatarUrl         string                  `json:"avatar_url,omitempty"`
	ParticipationKind storage.ParticipantKind `json:"participation_kind"`
	HandIsUp          bool                    `json:"hand_is_up"`
	HandUpdatedAt     time.Time               `json:"hand_updated_at"`
	JoinedAt          time.Time               `json:"joined_at"`
	LeftAt            *time.Time              `json:"left_at,omitempty"`
	IsRoomOwner       bool                    `json:"is_room_owner"`
}

// RoomInfo is the immutable per-main-room seed.
type RoomInfo struct {
	RoomId         ids.RoomId `json:"room_id"`
	Password       string     `json:"password,omitempty"`
	CreatorProfile string     `json:"creator_profile"`
}

// Storage wraps the generic volatile store with the field-scoped keys this
// module owns.
type Storage struct {
	s storage.Storage
	k storage.Keys
}

func NewStorage(s storage.Storage) *Storage { return &Storage{s: s} }

func (cs *Storage) stateKey(room ids.SignalingRoomId, p ids.ParticipantId) string {
	return cs.k.Module(room.String(), string(p), string(ModuleId), "state")
}

// SetControlState stores a participant's control state.
func (cs *Storage) SetControlState(ctx context.Context, room ids.SignalingRoomId, state ControlState) error {
	return storage.SetJSON(ctx, cs.s, cs.stateKey(room, state.ParticipantId), state)
}

// GetControlState fetches a participant's control state.
func (cs *Storage) GetControlState(ctx context.Context, room ids.SignalingRoomId, p ids.ParticipantId) (ControlState, bool, error) {
	return storage.GetJSON[ControlState](ctx, cs.s, cs.stateKey(room, p))
}

// DeleteControlState removes a participant's control state.
func (cs *Storage) DeleteControlState(ctx context.Context, room ids.SignalingRoomId, p ids.ParticipantId) error {
	_, err := cs.s.Del(ctx, cs.stateKey(room, p))
	return err
}

// SetRoomInfoIfNotExists seeds RoomInfo exactly once per main room.
func (cs *Storage) SetRoomInfoIfNotExists(ctx context.Context, room ids.RoomId, info RoomInfo) (bool, error) {
	return storage.SetJSONNX(ctx, cs.s, cs.k.RoomInfo(string(room)), info)
}

// GetRoomInfo fetches the seeded RoomInfo, if any.
func (cs *Storage) GetRoomInfo(ctx context.Context, room ids.RoomId) (RoomInfo, bool, error) {
	return storage.GetJSON[RoomInfo](ctx, cs.s, cs.k.RoomInfo(string(room)))
}

// DeleteRoomInfo removes the seeded RoomInfo.
func (cs *Storage) DeleteRoomInfo(ctx context.Context, room ids.RoomId) error {
	_, err := cs.s.Del(ctx, cs.k.RoomInfo(string(room)))
	return err
}

// Params is built once at process startup.
type Params struct {
	// AllowCustomDisplayNames permits registered users to pick their own
	// display name rather than the one on file; guests always pick their
	// own.
	AllowCustomDisplayNames bool
}

// Incoming is the union of commands accepted on the "control" namespace.
type Incoming struct {
	Action      string            `json:"action"`
	DisplayName string            `json:"display_name,omitempty"`
	Target      ids.ParticipantId `json:"target,omitempty"`
}

const (
	ActionJoin                = "join"
	ActionEnterRoom           = "enter_room"
	ActionRaiseHand           = "raise_hand"
	ActionLowerHand           = "lower_hand"
	ActionGrantModeratorRole  = "grant_moderator_role"
	ActionRevokeModeratorRole = "revoke_moderator_role"
)

// NormalizeDisplayName applies the display-name policy:
// leading/trailing/interstitial whitespace collapses to single spaces;
// empty after trimming is rejected.
func NormalizeDisplayName(raw string) (string, error) {
	name := strings.Join(strings.Fields(raw), " ")
	if name == "" {
		return "", fmt.Errorf("control: %w: empty display name", signalingerr.ErrProtocol)
	}
	return name, nil
}

// ExchangeMessage is the typed envelope carried on the "control" namespace
// between runners. The receiving runner consumes it directly and
// fans the corresponding lifecycle signals out to its modules.
type ExchangeMessage struct {
	Type          string                 `json:"type"`
	Participant   *moduleapi.PeerSummary `json:"participant,omitempty"`
	ParticipantId ids.ParticipantId      `json:"participant_id,omitempty"`
	Reason        moduleapi.LeaveReason  `json:"reason,omitempty"`
	Role          moduleapi.Role         `json:"role,omitempty"`
}

const (
	ExchangeJoined           = "joined"
	ExchangeLeft             = "left"
	ExchangeUpdate           = "update"
	ExchangeRoleUpdated      = "role_updated"
	ExchangeResetRaisedHands = "reset_raised_hands"
)

// RaiseHandsEnabledFunc reads the moderation-owned raise_hands_enabled flag
// for a room; wired to moderation storage at assembly time so this package
// does not depend on the moderation module.
type RaiseHandsEnabledFunc func(ctx context.Context, room ids.SignalingRoomId) (bool, error)

// state is this module's per-connection instance value, threaded back into
// every OnEvent call.
type state struct {
	store             *Storage
	params            *Params
	raiseHandsEnabled RaiseHandsEnabledFunc
}

// Module is the capability record registered with the runner. Init simply
// wires the storage handle and params through; the runner has already
// performed the room-lock-guarded join sequence by the time any module's
// Init runs.
func Module(store *Storage, allowCustomNames bool, raiseHandsEnabled RaiseHandsEnabledFunc) *moduleapi.Module {
	return &moduleapi.Module{
		Id:       ModuleId,
		Features: []string{"control"},
		BuildParams: func(initData any) (any, bool) {
			return &Params{AllowCustomDisplayNames: allowCustomNames}, true
		},
		Init: func(ctx context.Context, mc *moduleapi.Context, params any) (any, bool, error) {
			p, _ := params.(*Params)
			return &state{store: store, params: p, raiseHandsEnabled: raiseHandsEnabled}, true, nil
		},
		OnEvent: onEvent,
		OnDestroy: func(ctx context.Context, mc *moduleapi.Context, s any, destroy moduleapi.DestroyContext) {
			// The runner performs the authoritative ControlState removal
			// under the room lock during teardown; nothing to undo here.
		},
	}
}

func onEvent(ctx context.Context, mc *moduleapi.Context, s any, evt moduleapi.Event) error {
	st, _ := s.(*state)
	if st == nil {
		return fmt.Errorf("control: %w: module not initialized", signalingerr.ErrFatal)
	}

	switch evt.Kind {
	case moduleapi.KindWsMessage:
		return handleCommand(ctx, mc, st, evt.WsPayload)
	default:
		return nil
	}
}

func handleCommand(ctx context.Context, mc *moduleapi.Context, st *state, raw json.RawMessage) error {
	var in Incoming
	if err := json.Unmarshal(raw, &in); err != nil {
		return fmt.Errorf("control: %w: %v", signalingerr.ErrProtocol, err)
	}

	switch in.Action {
	case ActionRaiseHand:
		return setHand(ctx, mc, st, true)

	case ActionLowerHand:
		return setHand(ctx, mc, st, false)

	case ActionGrantModeratorRole, ActionRevokeModeratorRole:
		if !mc.Role.IsModerator() {
			return fmt.Errorf("control: %w", signalingerr.ErrInsufficientPermissions)
		}
		return changeRole(ctx, mc, st, in.Target, in.Action == ActionGrantModeratorRole)

	case ActionJoin, ActionEnterRoom:
		// Join and waiting-room entry are admission-phase commands the
		// runner consumes before modules exist; seeing one here means the
		// client re-sent it after joining.
		return fmt.Errorf("control: %w: already joined", signalingerr.ErrProtocol)

	default:
		return fmt.Errorf("control: %w: unknown action %q", signalingerr.ErrProtocol, in.Action)
	}
}

// setHand toggles the caller's own hand. When raise_hands_enabled is false
// a RaiseHand is accepted but produces no peer update; LowerHand is always
// valid.
func setHand(ctx context.Context, mc *moduleapi.Context, st *state, up bool) error {
	if up && st.raiseHandsEnabled != nil {
		enabled, err := st.raiseHandsEnabled(ctx, mc.Room)
		if err != nil {
			return err
		}
		if !enabled {
			return nil
		}
	}

	cur, found, err := st.store.GetControlState(ctx, mc.Room, mc.ParticipantId)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("control: %w: no control state for participant", signalingerr.ErrFatal)
	}
	cur.HandIsUp = up
	cur.HandUpdatedAt = mc.Now()
	if err := st.store.SetControlState(ctx, mc.Room, cur); err != nil {
		return err
	}

	if up {
		mc.DispatchLifecycle(moduleapi.Event{Kind: moduleapi.KindRaiseHand})
	} else {
		mc.DispatchLifecycle(moduleapi.Event{Kind: moduleapi.KindLowerHand})
	}

	return mc.ExchangePublish(RoutingKeyRoom(mc.Room), ModuleId, ExchangeMessage{
		Type: ExchangeUpdate,
		Participant: &moduleapi.PeerSummary{
			ParticipantId: cur.ParticipantId,
			DisplayName:   cur.DisplayName,
			Role:          cur.Role,
			Kind:          string(cur.ParticipationKind),
			HandIsUp:      cur.HandIsUp,
			JoinedAt:      cur.JoinedAt,
		},
	})
}

// changeRole grants or revokes the moderator role on target and announces
// it to the room; the target's own runner reacts to the announcement by
// rebinding its moderator routing key and emitting role_updated.
func changeRole(ctx context.Context, mc *moduleapi.Context, st *state, target ids.ParticipantId, grant bool) error {
	cur, found, err := st.store.GetControlState(ctx, mc.Room, target)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("control: %w: unknown target", signalingerr.ErrProtocol)
	}
	if grant {
		cur.Role = moduleapi.RoleModerator
	} else {
		cur.Role = moduleapi.RoleUser
	}
	if err := st.store.SetControlState(ctx, mc.Room, cur); err != nil {
		return err
	}
	return mc.ExchangePublish(RoutingKeyRoom(mc.Room), ModuleId, ExchangeMessage{
		Type:          ExchangeRoleUpdated,
		ParticipantId: target,
		Role:          cur.Role,
	})
}

// Outgoing event payload shapes, encoded by the runner into the outbound
// NamespacedEvent frame.

type JoinSuccess struct {
	ParticipantId ids.ParticipantId          `json:"participant_id"`
	DisplayName   string                     `json:"display_name"`
	Role          moduleapi.Role             `json:"role"`
	Participants  []moduleapi.PeerSummary    `json:"participants"`
	Modules       map[string]json.RawMessage `json:"modules,omitempty"`
}

type JoinedWaitingRoom struct{}

type Joined struct {
	Participant moduleapi.PeerSummary `json:"participant"`
}

type Update struct {
	Participant moduleapi.PeerSummary `json:"participant"`
}

type Left struct {
	ParticipantId ids.ParticipantId     `json:"participant_id"`
	Reason        moduleapi.LeaveReason `json:"reason"`
}

type RoleUpdated struct {
	NewRole moduleapi.Role `json:"new_role"`
}

// Routing key helpers for the control namespace.

func RoutingKeyRoom(room ids.SignalingRoomId) string {
	return "room." + room.String()
}

func RoutingKeyParticipant(room ids.SignalingRoomId, p ids.ParticipantId) string {
	return "room." + room.String() + ".participant." + string(p)
}

func RoutingKeyModerators(room ids.SignalingRoomId) string {
	return "room." + room.String() + ".role.moderator"
}
