// Package breakout implements the breakout-session controller:
// moderator-initiated, time-boxed sub-sessions of a main room. The
// activation record and its TTL-driven expiry live in volatile storage,
// never in any runner's memory, so every node agrees on whether a
// breakout is active.
package breakout

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	kset "k8s.io/utils/set"

	"github.com/opentalkeu/signaling-runtime/internal/ids"
	"github.com/opentalkeu/signaling-runtime/internal/moduleapi"
	"github.com/opentalkeu/signaling-runtime/internal/modules/control"
	"github.com/opentalkeu/signaling-runtime/internal/signalingerr"
	"github.com/opentalkeu/signaling-runtime/internal/storage"
)

// ModuleId is the wire namespace and exchange module id for this module.
const ModuleId moduleapi.Id = "breakout"

// Room is one assignable breakout sub-room.
type Room struct {
	Id   ids.BreakoutRoomId `json:"id"`
	Name string             `json:"name"`
}

// Config is the room-scoped breakout activation record. Its presence
// in storage *is* the "breakout active" bit.
type Config struct {
	Rooms     []Room            `json:"rooms"`
	Started   time.Time         `json:"started"`
	Duration  *time.Duration    `json:"duration,omitempty"`
	StartedBy ids.ParticipantId `json:"started_by"`
}

// Storage is the breakout-config persistence surface, keyed by the *main*
// room id: the config lives under the main room's lock even though
// participant sets live under the signaling room id that embeds the
// breakout id.
type Storage struct {
	s storage.Storage
	k storage.Keys
}

func NewStorage(s storage.Storage) *Storage { return &Storage{s: s} }

func (bs *Storage) configKey(room ids.RoomId) string { return bs.k.BreakoutConfig(string(room)) }

// SetBreakoutConfig stores cfg, with a TTL equal to cfg.Duration if set.
// The effective expiry actually applied is returned so the caller can
// schedule its own timers; the backend may round the TTL up to its
// minimum resolution.
func (bs *Storage) SetBreakoutConfig(ctx context.Context, room ids.RoomId, cfg Config) (effectiveTTL time.Duration, err error) {
	key := bs.configKey(room)
	if cfg.Duration != nil && *cfg.Duration > 0 {
		ttl := *cfg.Duration
		if ttl < time.Second {
			ttl = time.Second
		}
		if err := storage.SetJSONEx(ctx, bs.s, key, cfg, ttl); err != nil {
			return 0, err
		}
		return ttl, nil
	}
	return 0, storage.SetJSON(ctx, bs.s, key, cfg)
}

// GetBreakoutConfig reads the current config, if the breakout is active.
func (bs *Storage) GetBreakoutConfig(ctx context.Context, room ids.RoomId) (Config, bool, error) {
	return storage.GetJSON[Config](ctx, bs.s, bs.configKey(room))
}

// DeleteBreakoutConfig removes the config unconditionally.
func (bs *Storage) DeleteBreakoutConfig(ctx context.Context, room ids.RoomId) (bool, error) {
	return bs.s.Del(ctx, bs.configKey(room))
}

// Start validates and activates a breakout session. Callers
// must hold the main room's lock for the duration of this call.
func Start(ctx context.Context, bs *Storage, room ids.RoomId, startedBy ids.ParticipantId, assignments map[ids.ParticipantId]ids.BreakoutRoomId, rooms []Room, duration *time.Duration) (Config, time.Duration, error) {
	if _, active, err := bs.GetBreakoutConfig(ctx, room); err != nil {
		return Config{}, 0, err
	} else if active {
		return Config{}, 0, fmt.Errorf("breakout: %w: already active", signalingerr.ErrConflict)
	}
	if len(rooms) == 0 {
		return Config{}, 0, fmt.Errorf("breakout: %w: rooms must be non-empty", signalingerr.ErrProtocol)
	}
	valid := kset.New[ids.BreakoutRoomId]()
	for _, r := range rooms {
		valid.Insert(r.Id)
	}
	for _, assigned := range assignments {
		if !valid.Has(assigned) {
			return Config{}, 0, fmt.Errorf("breakout: %w: assignment to unknown room", signalingerr.ErrProtocol)
		}
	}

	cfg := Config{Rooms: rooms, Started: time.Now(), Duration: duration, StartedBy: startedBy}
	ttl, err := bs.SetBreakoutConfig(ctx, room, cfg)
	if err != nil {
		return Config{}, 0, err
	}
	return cfg, ttl, nil
}

// Stop deactivates an active breakout, idempotently: a duplicate Stop on an
// already-cleared config is a no-op and reports active=false. Callers hold
// the main room lock for the duration of this call; both the moderator-
// issued Stop and the TTL-driven expiry path go through here.
func Stop(ctx context.Context, bs *Storage, room ids.RoomId) (wasActive bool, err error) {
	_, active, err := bs.GetBreakoutConfig(ctx, room)
	if err != nil || !active {
		return false, err
	}
	if _, err := bs.DeleteBreakoutConfig(ctx, room); err != nil {
		return false, err
	}
	return true, nil
}

// Incoming is the union of WS commands on the "breakout" namespace.
type Incoming struct {
	Action      string                    `json:"action"`
	Rooms       []RoomSpec                `json:"rooms,omitempty"`
	Assignments map[ids.ParticipantId]int `json:"assignments,omitempty"`
	Duration    *int64                    `json:"duration,omitempty"` // seconds
}

// RoomSpec is a requested breakout room; ids are assigned server-side.
type RoomSpec struct {
	Name string `json:"name"`
}

const (
	ActionStart = "start"
	ActionStop  = "stop"
)

// ExchangeMessage is the typed envelope on the "breakout" namespace,
// carried on the parent room.<room_id> key so every breakout and the main
// room observe it.
type ExchangeMessage struct {
	Type        string                                   `json:"type"`
	Rooms       []Room                                   `json:"rooms,omitempty"`
	Assignments map[ids.ParticipantId]ids.BreakoutRoomId `json:"assignments,omitempty"`
	Duration    *time.Duration                           `json:"duration,omitempty"`
	Associated  *AssociatedParticipantInOtherRoom        `json:"associated,omitempty"`
	Other       *ParticipantInOtherRoom                  `json:"other,omitempty"`
}

const (
	ExchangeStart                  = "start"
	ExchangeStop                   = "stop"
	ExchangeParticipantInOtherRoom = "participant_in_other_room"
	ExchangeAssociatedLeft         = "associated_participant_in_other_room"
)

// StartEvent is the client-facing start notification.
type StartEvent struct {
	Rooms       []Room                                   `json:"rooms"`
	Assignments map[ids.ParticipantId]ids.BreakoutRoomId `json:"assignments"`
	Duration    *time.Duration                           `json:"duration,omitempty"`
	Assignment  ids.BreakoutRoomId                       `json:"assignment,omitempty"`
}

// StopEvent is the client-facing stop notification.
type StopEvent struct{}

// ParticipantInOtherRoom is delivered to a participant's main-room
// counterparts when they join a breakout.
type ParticipantInOtherRoom struct {
	BreakoutRoom  ids.BreakoutRoomId `json:"breakout_room"`
	ParticipantId ids.ParticipantId  `json:"participant_id"`
	DisplayName   string             `json:"display_name"`
	Role          moduleapi.Role     `json:"role"`
	Kind          string             `json:"kind"`
	JoinedAt      time.Time          `json:"joined_at"`
}

// AssociatedParticipantInOtherRoom is the symmetric leave counterpart.
type AssociatedParticipantInOtherRoom struct {
	BreakoutRoom  ids.BreakoutRoomId `json:"breakout_room"`
	ParticipantId ids.ParticipantId  `json:"participant_id"`
}

// expiryTick is the Ext-stream item the TTL timer delivers.
type expiryTick struct{}

// SelfInfoFunc resolves this participant's own control state so cross-room
// announcements can carry the display name and kind; wired to control
// storage at assembly time.
type SelfInfoFunc func(ctx context.Context, room ids.SignalingRoomId, p ids.ParticipantId) (control.ControlState, bool, error)

// state is this module's per-connection instance value.
type state struct {
	store       *Storage
	displayName string
	kind        string
	expiryDone  chan struct{}
}

// Module registers the breakout module. Every instance binds the parent
// room.<room_id> key so breakout-room runners also observe fan-outs
// addressed to the whole logical room.
func Module(store *Storage, selfInfo SelfInfoFunc) *moduleapi.Module {
	return &moduleapi.Module{
		Id:          ModuleId,
		Features:    []string{"breakout"},
		BuildParams: func(initData any) (any, bool) { return nil, true },
		Init: func(ctx context.Context, mc *moduleapi.Context, params any) (any, bool, error) {
			if err := mc.BindExchange(parentRoomKey(mc.Room.RoomId)); err != nil {
				return nil, false, err
			}
			st := &state{store: store}
			if self, found, err := selfInfo(ctx, mc.Room, mc.ParticipantId); err == nil && found {
				st.displayName = self.DisplayName
				st.kind = string(self.ParticipationKind)
			}
			if !mc.Room.IsMain() {
				announceEnteredBreakout(ctx, mc, st)
			}
			return st, true, nil
		},
		OnEvent: onEvent,
		OnDestroy: func(ctx context.Context, mc *moduleapi.Context, s any, destroy moduleapi.DestroyContext) {
			st, _ := s.(*state)
			if st != nil && st.expiryDone != nil {
				close(st.expiryDone)
				st.expiryDone = nil
			}
			if !mc.Room.IsMain() {
				announceLeftBreakout(ctx, mc)
			}
			_ = mc.UnbindExchange(parentRoomKey(mc.Room.RoomId))
		},
	}
}

// announceEnteredBreakout tells the main-room counterparts this
// participant is now in a breakout.
func announceEnteredBreakout(ctx context.Context, mc *moduleapi.Context, st *state) {
	_ = mc.ExchangePublish(parentRoomKey(mc.Room.RoomId), ModuleId, ExchangeMessage{
		Type: ExchangeParticipantInOtherRoom,
		Other: &ParticipantInOtherRoom{
			BreakoutRoom:  mc.Room.BreakoutId,
			ParticipantId: mc.ParticipantId,
			DisplayName:   st.displayName,
			Role:          mc.Role,
			Kind:          st.kind,
			JoinedAt:      mc.Now(),
		},
	})
}

func announceLeftBreakout(ctx context.Context, mc *moduleapi.Context) {
	_ = mc.ExchangePublish(parentRoomKey(mc.Room.RoomId), ModuleId, ExchangeMessage{
		Type: ExchangeAssociatedLeft,
		Associated: &AssociatedParticipantInOtherRoom{
			BreakoutRoom:  mc.Room.BreakoutId,
			ParticipantId: mc.ParticipantId,
		},
	})
}

func onEvent(ctx context.Context, mc *moduleapi.Context, s any, evt moduleapi.Event) error {
	st, _ := s.(*state)
	if st == nil {
		return fmt.Errorf("breakout: %w: module not initialized", signalingerr.ErrFatal)
	}
	switch evt.Kind {
	case moduleapi.KindWsMessage:
		return handleCommand(ctx, mc, st, evt.WsPayload)
	case moduleapi.KindExchange:
		return handleExchange(ctx, mc, st, evt.Exchange.Payload)
	case moduleapi.KindExt:
		if _, ok := evt.ExtItem.(expiryTick); ok {
			return stopUnderLock(ctx, mc, st)
		}
		return nil
	default:
		return nil
	}
}

func handleCommand(ctx context.Context, mc *moduleapi.Context, st *state, raw json.RawMessage) error {
	var in Incoming
	if err := json.Unmarshal(raw, &in); err != nil {
		return fmt.Errorf("breakout: %w: %v", signalingerr.ErrProtocol, err)
	}
	if !mc.Role.IsModerator() {
		return fmt.Errorf("breakout: %w", signalingerr.ErrInsufficientPermissions)
	}

	switch in.Action {
	case ActionStart:
		return handleStart(ctx, mc, st, in)
	case ActionStop:
		return stopUnderLock(ctx, mc, st)
	default:
		return fmt.Errorf("breakout: %w: unknown action %q", signalingerr.ErrProtocol, in.Action)
	}
}

// handleStart activates the breakout under the main room's lock;
// activation is guarded by the main-room lock even though each breakout's
// participant set has its own.
func handleStart(ctx context.Context, mc *moduleapi.Context, st *state, in Incoming) error {
	if len(in.Rooms) == 0 {
		return fmt.Errorf("breakout: %w: rooms must be non-empty", signalingerr.ErrProtocol)
	}

	rooms := make([]Room, len(in.Rooms))
	for i, spec := range in.Rooms {
		rooms[i] = Room{Id: ids.NewBreakoutRoomId(), Name: spec.Name}
	}
	assignments := make(map[ids.ParticipantId]ids.BreakoutRoomId, len(in.Assignments))
	for pid, idx := range in.Assignments {
		if idx < 0 || idx >= len(rooms) {
			return fmt.Errorf("breakout: %w: assignment index out of range", signalingerr.ErrProtocol)
		}
		if ok, err := isCurrentParticipant(ctx, mc, pid); err != nil {
			return err
		} else if !ok {
			return fmt.Errorf("breakout: %w: assignment names a non-participant", signalingerr.ErrProtocol)
		}
		assignments[pid] = rooms[idx].Id
	}

	var duration *time.Duration
	if in.Duration != nil {
		d := time.Duration(*in.Duration) * time.Second
		duration = &d
	}

	var cfg Config
	var ttl time.Duration
	guard, err := mc.Volatile.Lock(ctx, mainRoomLockScope(mc.Room.RoomId), lockTimeout)
	if err != nil {
		return err
	}
	cfg, ttl, err = Start(ctx, st.store, mc.Room.RoomId, mc.ParticipantId, assignments, rooms, duration)
	unlockErr := guard.Unlock(ctx)
	if err != nil {
		return err
	}
	if unlockErr != nil {
		return unlockErr
	}

	if ttl > 0 {
		st.scheduleExpiry(mc, ttl)
	}

	return mc.ExchangePublish(parentRoomKey(mc.Room.RoomId), ModuleId, ExchangeMessage{
		Type:        ExchangeStart,
		Rooms:       cfg.Rooms,
		Assignments: assignments,
		Duration:    cfg.Duration,
	})
}

// scheduleExpiry arms the TTL timer on this runner; the tick arrives as an
// Ext event and runs the same idempotent stop path as a moderator command.
// Several runners may arm timers for the same deadline; Stop under the
// lock makes the duplicates no-ops.
func (st *state) scheduleExpiry(mc *moduleapi.Context, ttl time.Duration) {
	ch := make(chan any, 1)
	done := make(chan struct{})
	st.expiryDone = done
	mc.RegisterExternalStream("breakout-expiry", ch)
	go func() {
		timer := time.NewTimer(ttl)
		defer timer.Stop()
		defer close(ch)
		select {
		case <-timer.C:
			ch <- expiryTick{}
		case <-done:
		}
	}()
}

func stopUnderLock(ctx context.Context, mc *moduleapi.Context, st *state) error {
	guard, err := mc.Volatile.Lock(ctx, mainRoomLockScope(mc.Room.RoomId), lockTimeout)
	if err != nil {
		return err
	}
	wasActive, err := Stop(ctx, st.store, mc.Room.RoomId)
	unlockErr := guard.Unlock(ctx)
	if err != nil {
		return err
	}
	if unlockErr != nil {
		return unlockErr
	}
	if !wasActive {
		return nil
	}
	return mc.ExchangePublish(parentRoomKey(mc.Room.RoomId), ModuleId, ExchangeMessage{Type: ExchangeStop})
}

func handleExchange(ctx context.Context, mc *moduleapi.Context, st *state, raw json.RawMessage) error {
	var msg ExchangeMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil
	}
	switch msg.Type {
	case ExchangeStart:
		// Arm the deadline on every observer, not just the starter: stop
		// under the lock is idempotent, and the expiry must fire even if
		// the starting moderator's runner is gone by then.
		if msg.Duration != nil && *msg.Duration > 0 && st.expiryDone == nil {
			st.scheduleExpiry(mc, *msg.Duration)
		}
		evt := StartEvent{Rooms: msg.Rooms, Assignments: msg.Assignments, Duration: msg.Duration}
		if assigned, mine := msg.Assignments[mc.ParticipantId]; mine {
			evt.Assignment = assigned
			if err := mc.WsSend(ModuleId, evt); err != nil {
				return err
			}
			mc.ExitWithReason(1000, moduleapi.LeaveMovedToBreakout)
			return nil
		}
		return mc.WsSend(ModuleId, evt)

	case ExchangeStop:
		if err := mc.WsSend(ModuleId, StopEvent{}); err != nil {
			return err
		}
		if !mc.Room.IsMain() {
			mc.ExitWithReason(1000, moduleapi.LeaveBreakoutEnded)
		}
		return nil

	case ExchangeParticipantInOtherRoom:
		if msg.Other == nil || msg.Other.ParticipantId == mc.ParticipantId {
			return nil
		}
		return mc.WsSend(ModuleId, msg.Other)

	case ExchangeAssociatedLeft:
		if msg.Associated == nil || msg.Associated.ParticipantId == mc.ParticipantId {
			return nil
		}
		return mc.WsSend(ModuleId, msg.Associated)
	}
	return nil
}

// isCurrentParticipant checks assignment targets against the room's
// participant set.
func isCurrentParticipant(ctx context.Context, mc *moduleapi.Context, pid ids.ParticipantId) (bool, error) {
	k := storage.Keys{}
	return mc.Volatile.SContains(ctx, k.Participants(mc.Room.String()), string(pid))
}

const lockTimeout = 1500 * time.Millisecond

func mainRoomLockScope(room ids.RoomId) string {
	k := storage.Keys{}
	return k.ParticipantsLock(string(room))
}

func parentRoomKey(room ids.RoomId) string { return "room." + string(room) }
