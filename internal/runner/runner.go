// Package runner implements the per-WebSocket connection actor:
// the single-threaded cooperative event loop that owns a participant's
// session, demultiplexes WS frames, exchange messages, and external
// streams to the registered modules, and drives the join/leave lifecycle
// under the room lock.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/opentalkeu/signaling-runtime/internal/exchange"
	"github.com/opentalkeu/signaling-runtime/internal/ids"
	"github.com/opentalkeu/signaling-runtime/internal/logging"
	"github.com/opentalkeu/signaling-runtime/internal/metrics"
	"github.com/opentalkeu/signaling-runtime/internal/moduleapi"
	"github.com/opentalkeu/signaling-runtime/internal/modules/control"
	"github.com/opentalkeu/signaling-runtime/internal/modules/moderation"
	"github.com/opentalkeu/signaling-runtime/internal/signalingerr"
	"github.com/opentalkeu/signaling-runtime/internal/storage"
)

// Conn is the WS transport surface the runner needs. *websocket.Conn
// satisfies it; tests substitute a fake.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

// Deps are the process-wide collaborators every runner shares.
type Deps struct {
	Storage      storage.Storage
	Exchange     exchange.Exchange
	Tickets      *storage.Tickets
	ControlStore *control.Storage
	Moderation   *moderation.Storage
	Modules      []*moduleapi.Module // in registration order; control must be first

	AllowCustomDisplayNames bool
	PingInterval            time.Duration
	PongTimeout             time.Duration

	// A session tolerates protocol errors (bad JSON, unknown namespace,
	// malformed commands) up to ProtocolViolationLimit within
	// ProtocolViolationWindow; one more closes it with 1008.
	ProtocolViolationLimit  int
	ProtocolViolationWindow time.Duration
}

// Identity is the resolved admission outcome (ticket consumed, resumption
// resolved) that Serve receives from the HTTP upgrade handler.
type Identity struct {
	ParticipantId   ids.ParticipantId
	UserId          string // empty unless Kind == ParticipantUser
	Room            ids.SignalingRoomId
	Role            moduleapi.Role
	Kind            storage.ParticipantKind
	DisplayName     string
	IsRoomOwner     bool
	ResumptionToken ids.ResumptionToken // "" if none was issued for this session
}

type instance struct {
	def   *moduleapi.Module
	mctx  *moduleapi.Context
	state any
}

// Runner is one connected participant's session actor.
type Runner struct {
	deps Deps
	conn Conn
	id   ids.RunnerId

	identity Identity

	events chan event
	send   chan []byte

	exSub   exchange.SubscriberHandle
	subKeys map[string]struct{}
	subMu   sync.Mutex

	instances  []*instance
	extStreams map[string]moduleapi.Id

	// violations holds the timestamps of recent protocol errors; only the
	// event-loop goroutine touches it.
	violations []time.Time

	exitMu     sync.Mutex
	exitCode   *int
	exitReason moduleapi.LeaveReason

	closeOnce sync.Once
	closed    chan struct{}
}

type eventKind int

const (
	evWs eventKind = iota
	evExchange
	evExt
)

type event struct {
	kind     eventKind
	wsFrame  []byte
	routing  string
	exchange exchange.NamespacedEvent
	extName  string
	extItem  any
}

// New constructs a Runner for an already-admitted identity. The caller
// (the HTTP upgrade handler) is responsible for ticket redemption and the
// ban check before calling this.
func New(deps Deps, conn Conn, id Identity) *Runner {
	if deps.PingInterval == 0 {
		deps.PingInterval = 20 * time.Second
	}
	if deps.PongTimeout == 0 {
		deps.PongTimeout = 40 * time.Second
	}
	if deps.ProtocolViolationLimit == 0 {
		deps.ProtocolViolationLimit = 10
	}
	if deps.ProtocolViolationWindow == 0 {
		deps.ProtocolViolationWindow = 10 * time.Second
	}
	return &Runner{
		deps:       deps,
		conn:       conn,
		id:         ids.NewRunnerId(),
		identity:   id,
		events:     make(chan event, 256),
		send:       make(chan []byte, 256),
		subKeys:    make(map[string]struct{}),
		extStreams: make(map[string]moduleapi.Id),
		closed:     make(chan struct{}),
	}
}

// Serve runs the full connection lifecycle to completion: join handshake,
// optional waiting room, module init, steady state, teardown. It returns
// once the socket is closed.
func (r *Runner) Serve(ctx context.Context) error {
	ctx = logging.WithRunner(ctx, string(r.id))
	ctx = logging.WithParticipant(ctx, string(r.identity.ParticipantId))
	ctx = logging.WithRoom(ctx, r.identity.Room.String())

	metrics.ActiveRunners.Inc()
	defer metrics.ActiveRunners.Dec()

	if err := r.subscribeExchange(ctx); err != nil {
		_ = r.conn.Close()
		return fmt.Errorf("runner: subscribe exchange: %w", err)
	}

	go r.readPump(ctx)
	go r.writePump(ctx)

	if !r.awaitJoin(ctx) {
		r.abandon(ctx)
		return nil
	}

	if ok, err := r.waitingRoomRequired(ctx); err != nil {
		logging.Error(ctx, "waiting-room check failed", "err", err)
		r.abandon(ctx)
		return err
	} else if ok {
		if !r.waitingRoomPhase(ctx) {
			r.abandon(ctx)
			return nil
		}
	}

	if err := r.joinRoom(ctx); err != nil {
		if errors.Is(err, signalingerr.ErrAlreadyJoined) {
			r.sendClose(CloseConflict)
			r.abandon(ctx)
			return nil
		}
		r.abandon(ctx)
		return fmt.Errorf("runner: join room: %w", err)
	}

	if err := r.initModules(ctx); err != nil {
		logging.Error(ctx, "module init failed", "err", err)
		r.sendClose(CloseInternalError)
		r.teardown(ctx, moduleapi.LeaveQuit)
		return fmt.Errorf("runner: init modules: %w", err)
	}

	if err := r.sendJoinSuccess(ctx); err != nil {
		logging.Warn(ctx, "failed to send join_success", "err", err)
	}

	r.announceJoined(ctx)

	reason := r.steadyState(ctx)

	r.teardown(ctx, reason)
	return nil
}

// --- admission / join -------------------------------------------------

func (r *Runner) subscribeExchange(ctx context.Context) error {
	keys := []string{
		exchange.ParticipantKey(r.identity.Room.String(), string(r.identity.ParticipantId)),
		exchange.SignalingRoomKey(r.identity.Room.String()),
	}
	if r.identity.Role.IsModerator() {
		keys = append(keys, exchange.ModeratorKey(r.identity.Room.String()))
	}
	handle, err := r.deps.Exchange.Subscribe(ctx, keys, r.onExchangeMessage)
	if err != nil {
		return err
	}
	r.exSub = handle
	r.subMu.Lock()
	for _, k := range keys {
		r.subKeys[k] = struct{}{}
	}
	r.subMu.Unlock()
	return nil
}

func (r *Runner) dropExchange(ctx context.Context) error {
	return r.deps.Exchange.Drop(ctx, r.exSub)
}

func (r *Runner) onExchangeMessage(routingKey string, evt exchange.NamespacedEvent) {
	select {
	case r.events <- event{kind: evExchange, routing: routingKey, exchange: evt}:
		metrics.ExchangeDelivered.Inc()
	default:
		metrics.ExchangeDropped.Inc()
	}
}

// awaitJoin consumes events until the client sends the control "join"
// command. Display-name policy is enforced here: the
// normalized name replaces the ticket's, unless the participant is a
// registered user and custom names are forbidden.
func (r *Runner) awaitJoin(ctx context.Context) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case <-r.closed:
			return false
		case evt := <-r.events:
			if evt.kind != evWs {
				continue // pre-join exchange traffic is not for us yet
			}
			var cmd NamespacedCommand
			if err := json.Unmarshal(evt.wsFrame, &cmd); err != nil || cmd.Namespace != string(control.ModuleId) {
				if r.protocolErrorBeforeJoin() {
					return false
				}
				continue
			}
			var in control.Incoming
			if err := json.Unmarshal(cmd.Payload, &in); err != nil || in.Action != control.ActionJoin {
				if r.protocolErrorBeforeJoin() {
					return false
				}
				continue
			}
			if in.DisplayName != "" {
				name, err := control.NormalizeDisplayName(in.DisplayName)
				if err != nil {
					_ = r.wsSend(control.ModuleId, ErrorPayload{Error: ErrInvalidDisplayName})
					continue
				}
				if r.identity.Kind == storage.ParticipantUser && !r.deps.AllowCustomDisplayNames && name != r.identity.DisplayName {
					_ = r.wsSend(control.ModuleId, ErrorPayload{Error: ErrInvalidDisplayName})
					continue
				}
				r.identity.DisplayName = name
			}
			if r.identity.DisplayName == "" {
				_ = r.wsSend(control.ModuleId, ErrorPayload{Error: ErrInvalidDisplayName})
				continue
			}
			return true
		}
	}
}

// waitingRoomRequired reports whether this session must pass through the
// waiting room: enabled, not a moderator, and not already accepted
// (re-entry after an accepted SentToWaitingRoom round trip).
func (r *Runner) waitingRoomRequired(ctx context.Context) (bool, error) {
	if r.identity.Role.IsModerator() {
		return false, nil
	}
	enabled, err := r.deps.Moderation.IsWaitingRoomEnabled(ctx, r.identity.Room)
	if err != nil || !enabled {
		return false, err
	}
	accepted, err := r.deps.Moderation.WaitingRoomAcceptedContains(ctx, r.identity.Room, r.identity.ParticipantId)
	if err != nil {
		return false, err
	}
	return !accepted, nil
}

// waitingRoomPhase parks the session in the waiting room until a moderator
// accepts it and the client confirms with enter_room, or the session ends
// Returns false if the session ended without admission.
func (r *Runner) waitingRoomPhase(ctx context.Context) bool {
	if err := r.deps.Moderation.WaitingRoomAdd(ctx, r.identity.Room, r.identity.ParticipantId); err != nil {
		logging.Error(ctx, "waiting room add failed", "err", err)
		return false
	}
	defer func() {
		_ = r.deps.Moderation.WaitingRoomRemove(context.WithoutCancel(ctx), r.identity.Room, r.identity.ParticipantId)
	}()

	_ = r.wsSend(control.ModuleId, control.JoinedWaitingRoom{})
	r.notifyModerators(ctx, moderation.ExchangeJoinedWaitingRoom)

	accepted := false
	for {
		select {
		case <-ctx.Done():
			return false
		case <-r.closed:
			return false
		case evt := <-r.events:
			switch evt.kind {
			case evExchange:
				if evt.exchange.ModuleId != string(moderation.ModuleId) {
					continue
				}
				var msg moderation.ExchangeMessage
				if err := json.Unmarshal(evt.exchange.Payload, &msg); err != nil {
					continue
				}
				switch msg.Action {
				case moderation.ExchangeAccepted:
					accepted = true
					_ = r.wsSend(moderation.ModuleId, msg)
				case moderation.ExchangeKicked, moderation.ExchangeBanned:
					_ = r.wsSend(moderation.ModuleId, msg)
					r.sendClose(CloseBannedOrKicked)
					return false
				}
			case evWs:
				var cmd NamespacedCommand
				if err := json.Unmarshal(evt.wsFrame, &cmd); err != nil || cmd.Namespace != string(control.ModuleId) {
					if r.protocolErrorBeforeJoin() {
						return false
					}
					continue
				}
				var in control.Incoming
				if err := json.Unmarshal(cmd.Payload, &in); err != nil || in.Action != control.ActionEnterRoom {
					if r.protocolErrorBeforeJoin() {
						return false
					}
					continue
				}
				if !accepted {
					_ = r.wsSend(control.ModuleId, ErrorPayload{Error: ErrNotAccepted})
					continue
				}
				_ = r.deps.Moderation.WaitingRoomAcceptedRemove(ctx, r.identity.Room, r.identity.ParticipantId)
				r.notifyModerators(ctx, moderation.ExchangeLeftWaitingRoom)
				return true
			}
		}
	}
}

// notifyModerators publishes waiting-room churn to the room's moderators.
func (r *Runner) notifyModerators(ctx context.Context, action string) {
	payload, _ := json.Marshal(moderation.ExchangeMessage{
		Action:        action,
		ParticipantId: r.identity.ParticipantId,
		Participant: &moduleapi.PeerSummary{
			ParticipantId: r.identity.ParticipantId,
			DisplayName:   r.identity.DisplayName,
			Role:          r.identity.Role,
			Kind:          string(r.identity.Kind),
		},
	})
	_ = r.deps.Exchange.Publish(ctx, exchange.ModeratorKey(r.identity.Room.String()), exchange.NamespacedEvent{
		ModuleId: string(moderation.ModuleId), Timestamp: time.Now(), Payload: payload,
	})
}

// abandon is the pre-join exit path: the participant never entered the
// room, so there is no Left broadcast and no room-lock teardown.
func (r *Runner) abandon(ctx context.Context) {
	_ = r.dropExchange(ctx)
	if r.identity.ResumptionToken != "" {
		r.refreshResumption(ctx)
	}
	_ = r.conn.Close()
}

// presenceTTL bounds how long a crashed runner's presence claim blocks a
// reconnect; live runners renew it on every ping tick.
const presenceTTL = 90 * time.Second

func (r *Runner) presenceKey() string {
	k := storage.Keys{}
	return k.RunnerPresence(r.identity.Room.String(), string(r.identity.ParticipantId))
}

// joinRoom enters the participant: take the room lock, claim the per-
// participant presence key (a second live connection for the same
// participant fails with ErrAlreadyJoined and closes 4409), seed RoomInfo
// if new, register the participant, release the lock.
func (r *Runner) joinRoom(ctx context.Context) error {
	scope := r.participantsLockScope()
	return withRoomLock(ctx, r.deps.Storage, scope, func(ctx context.Context) error {
		claimed, err := r.deps.Storage.SetNXEx(ctx, r.presenceKey(), []byte(r.id), presenceTTL)
		if err != nil {
			return err
		}
		if !claimed {
			return fmt.Errorf("runner: %w", signalingerr.ErrAlreadyJoined)
		}
		if r.identity.Room.IsMain() {
			seeded, err := r.deps.ControlStore.SetRoomInfoIfNotExists(ctx, r.identity.Room.RoomId, control.RoomInfo{RoomId: r.identity.Room.RoomId})
			if err != nil {
				return err
			}
			if seeded {
				metrics.ActiveRooms.Inc()
			}
		}
		k := storage.Keys{}
		if err := r.deps.Storage.SAdd(ctx, k.Participants(r.identity.Room.String()), string(r.identity.ParticipantId)); err != nil {
			return err
		}
		if n, err := r.deps.Storage.SCard(ctx, k.Participants(r.identity.Room.String())); err == nil {
			metrics.RoomParticipants.WithLabelValues(r.identity.Room.String()).Set(float64(n))
		}
		return r.deps.ControlStore.SetControlState(ctx, r.identity.Room, control.ControlState{
			ParticipantId:     r.identity.ParticipantId,
			UserId:            r.identity.UserId,
			DisplayName:       r.identity.DisplayName,
			Role:              r.identity.Role,
			ParticipationKind: r.identity.Kind,
			JoinedAt:          time.Now(),
			IsRoomOwner:       r.identity.IsRoomOwner,
		})
	})
}

func (r *Runner) participantsLockScope() string {
	k := storage.Keys{}
	return k.ParticipantsLock(r.identity.Room.String())
}

func (r *Runner) initModules(ctx context.Context) error {
	for _, def := range r.deps.Modules {
		params, ok := def.BuildParams(nil)
		if !ok {
			continue
		}
		mctx := r.newModuleContext(def.Id)
		state, ok, err := def.Init(ctx, mctx, params)
		if err != nil {
			return fmt.Errorf("module %s init: %w", def.Id, err)
		}
		if !ok {
			continue
		}
		r.instances = append(r.instances, &instance{def: def, mctx: mctx, state: state})
	}
	return nil
}

func (r *Runner) sendJoinSuccess(ctx context.Context) error {
	peers, err := r.peerSummaries(ctx)
	if err != nil {
		return err
	}
	payload := control.JoinSuccess{
		ParticipantId: r.identity.ParticipantId,
		DisplayName:   r.identity.DisplayName,
		Role:          r.identity.Role,
		Participants:  peers,
	}
	if err := r.wsSend(control.ModuleId, payload); err != nil {
		return err
	}
	r.dispatchLifecycle(ctx, moduleapi.Event{Kind: moduleapi.KindJoined, JoinedParticipants: peers})
	return nil
}

func (r *Runner) peerSummaries(ctx context.Context) ([]moduleapi.PeerSummary, error) {
	k := storage.Keys{}
	members, err := r.deps.Storage.SMembers(ctx, k.Participants(r.identity.Room.String()))
	if err != nil {
		return nil, err
	}
	out := make([]moduleapi.PeerSummary, 0, len(members))
	for _, m := range members {
		pid := ids.ParticipantId(m)
		if pid == r.identity.ParticipantId {
			continue
		}
		st, found, err := r.deps.ControlStore.GetControlState(ctx, r.identity.Room, pid)
		if err != nil || !found {
			continue
		}
		if st.ParticipationKind.Hidden() {
			continue
		}
		out = append(out, moduleapi.PeerSummary{
			ParticipantId: pid,
			DisplayName:   st.DisplayName,
			Role:          st.Role,
			Kind:          string(st.ParticipationKind),
			HandIsUp:      st.HandIsUp,
			JoinedAt:      st.JoinedAt,
		})
	}
	return out, nil
}

func (r *Runner) selfSummary() moduleapi.PeerSummary {
	return moduleapi.PeerSummary{
		ParticipantId: r.identity.ParticipantId,
		DisplayName:   r.identity.DisplayName,
		Role:          r.identity.Role,
		Kind:          string(r.identity.Kind),
		JoinedAt:      time.Now(),
	}
}

func (r *Runner) announceJoined(ctx context.Context) {
	if r.identity.Kind.Hidden() {
		return
	}
	self := r.selfSummary()
	r.publishControl(ctx, exchange.SignalingRoomKey(r.identity.Room.String()), control.ExchangeMessage{
		Type: control.ExchangeJoined, Participant: &self,
	})
}

func (r *Runner) publishControl(ctx context.Context, routingKey string, msg control.ExchangeMessage) {
	payload, _ := json.Marshal(msg)
	_ = r.deps.Exchange.Publish(ctx, routingKey, exchange.NamespacedEvent{
		ModuleId: string(control.ModuleId), Timestamp: time.Now(), Payload: payload,
	})
}

// --- steady state -------------------------------------------------------

// steadyState runs the cooperative select loop until the socket closes or
// an exit is requested, then returns the leave reason.
func (r *Runner) steadyState(ctx context.Context) moduleapi.LeaveReason {
	pingTicker := time.NewTicker(r.deps.PingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return moduleapi.LeaveQuit

		case <-r.closed:
			if reason := r.takeExitReason(); reason != "" {
				return reason
			}
			return moduleapi.LeaveQuit

		case <-pingTicker.C:
			select {
			case r.send <- pingFrame:
			default:
			}
			_ = r.deps.Storage.SetEx(ctx, r.presenceKey(), []byte(r.id), presenceTTL)

		case evt := <-r.events:
			r.dispatch(ctx, evt)
			if code := r.takeExitCode(); code != nil {
				r.sendClose(*code)
				if reason := r.takeExitReason(); reason != "" {
					return reason
				}
				return moduleapi.LeaveQuit
			}
		}
	}
}

// pingFrame is a sentinel recognized by writePump to send a control ping
// rather than a text frame.
var pingFrame = []byte("\x00PING")

func (r *Runner) takeExitCode() *int {
	r.exitMu.Lock()
	defer r.exitMu.Unlock()
	return r.exitCode
}

func (r *Runner) takeExitReason() moduleapi.LeaveReason {
	r.exitMu.Lock()
	defer r.exitMu.Unlock()
	return r.exitReason
}

func (r *Runner) dispatch(ctx context.Context, evt event) {
	switch evt.kind {
	case evWs:
		r.dispatchWs(ctx, evt.wsFrame)
	case evExchange:
		r.dispatchExchange(ctx, evt.routing, evt.exchange)
	case evExt:
		r.dispatchExt(ctx, evt.extName, evt.extItem)
	}
}

func (r *Runner) dispatchWs(ctx context.Context, raw []byte) {
	var cmd NamespacedCommand
	if err := json.Unmarshal(raw, &cmd); err != nil {
		r.noteProtocolViolation()
		_ = r.wsSend(control.ModuleId, ErrorPayload{Error: ErrBadRequest})
		return
	}
	inst := r.instanceFor(moduleapi.Id(cmd.Namespace))
	if inst == nil {
		r.noteProtocolViolation()
		_ = r.wsSend(control.ModuleId, ErrorPayload{Error: ErrNamespaceUnknown})
		return
	}
	metrics.WebsocketEvents.WithLabelValues(cmd.Namespace).Inc()
	if err := inst.def.OnEvent(ctx, inst.mctx, inst.state, moduleapi.Event{Kind: moduleapi.KindWsMessage, WsPayload: cmd.Payload}); err != nil {
		r.handleModuleError(ctx, inst.def.Id, err)
	}
}

func (r *Runner) dispatchExchange(ctx context.Context, routingKey string, evt exchange.NamespacedEvent) {
	switch evt.ModuleId {
	case string(control.ModuleId):
		r.handleControlExchange(ctx, evt)
		return
	case string(moderation.ModuleId):
		if r.handleModerationExchange(ctx, routingKey, evt) {
			return
		}
	}
	inst := r.instanceFor(moduleapi.Id(evt.ModuleId))
	if inst == nil {
		return
	}
	if err := inst.def.OnEvent(ctx, inst.mctx, inst.state, moduleapi.Event{Kind: moduleapi.KindExchange, Exchange: evt}); err != nil {
		r.handleModuleError(ctx, inst.def.Id, err)
	}
}

// handleControlExchange consumes control-namespace exchange traffic on the
// runner itself: peer join/leave/update announcements and role
// changes. Lifecycle signals are fanned out to every module instance.
func (r *Runner) handleControlExchange(ctx context.Context, evt exchange.NamespacedEvent) {
	var msg control.ExchangeMessage
	if err := json.Unmarshal(evt.Payload, &msg); err != nil {
		logging.Warn(ctx, "malformed control exchange message", "err", err)
		return
	}

	switch msg.Type {
	case control.ExchangeJoined:
		if msg.Participant == nil || msg.Participant.ParticipantId == r.identity.ParticipantId {
			return
		}
		_ = r.wsSend(control.ModuleId, control.Joined{Participant: *msg.Participant})
		r.dispatchLifecycle(ctx, moduleapi.Event{Kind: moduleapi.KindParticipantJoined, Participant: *msg.Participant})

	case control.ExchangeLeft:
		if msg.ParticipantId == r.identity.ParticipantId {
			return
		}
		_ = r.wsSend(control.ModuleId, control.Left{ParticipantId: msg.ParticipantId, Reason: msg.Reason})
		r.dispatchLifecycle(ctx, moduleapi.Event{Kind: moduleapi.KindParticipantLeft, Participant: moduleapi.PeerSummary{ParticipantId: msg.ParticipantId}})

	case control.ExchangeUpdate:
		if msg.Participant == nil {
			return
		}
		if msg.Participant.ParticipantId == r.identity.ParticipantId {
			return
		}
		_ = r.wsSend(control.ModuleId, control.Update{Participant: *msg.Participant})
		r.dispatchLifecycle(ctx, moduleapi.Event{Kind: moduleapi.KindParticipantUpdated, Participant: *msg.Participant})

	case control.ExchangeRoleUpdated:
		r.handleRoleUpdated(ctx, msg)
	}
}

// handleRoleUpdated applies a role change announced on the room key. For
// the affected runner it rewires the moderator routing key, informs the
// client, and fans RoleUpdated out to modules; everyone else sees a peer
// update.
func (r *Runner) handleRoleUpdated(ctx context.Context, msg control.ExchangeMessage) {
	if msg.ParticipantId != r.identity.ParticipantId {
		st, found, err := r.deps.ControlStore.GetControlState(ctx, r.identity.Room, msg.ParticipantId)
		if err != nil || !found {
			return
		}
		_ = r.wsSend(control.ModuleId, control.Update{Participant: moduleapi.PeerSummary{
			ParticipantId: st.ParticipantId,
			DisplayName:   st.DisplayName,
			Role:          st.Role,
			Kind:          string(st.ParticipationKind),
			HandIsUp:      st.HandIsUp,
			JoinedAt:      st.JoinedAt,
		}})
		return
	}

	wasModerator := r.identity.Role.IsModerator()
	r.identity.Role = msg.Role
	for _, inst := range r.instances {
		inst.mctx.Role = msg.Role
	}
	modKey := exchange.ModeratorKey(r.identity.Room.String())
	if msg.Role.IsModerator() && !wasModerator {
		_ = r.bindExchange(modKey)
	} else if !msg.Role.IsModerator() && wasModerator {
		_ = r.unbindExchange(modKey)
	}
	_ = r.wsSend(control.ModuleId, control.RoleUpdated{NewRole: msg.Role})
	r.dispatchLifecycle(ctx, moduleapi.Event{Kind: moduleapi.KindRoleUpdated, NewRole: msg.Role})
}

// handleModerationExchange consumes the forced-action subset of the
// moderation namespace addressed to this runner: kick, ban,
// move-to-waiting-room, debrief, rename. Returns false for messages the
// moderation module instance should see instead.
func (r *Runner) handleModerationExchange(ctx context.Context, routingKey string, evt exchange.NamespacedEvent) bool {
	var msg moderation.ExchangeMessage
	if err := json.Unmarshal(evt.Payload, &msg); err != nil {
		return true
	}

	switch msg.Action {
	case moderation.ExchangeKicked:
		_ = r.wsSend(moderation.ModuleId, msg)
		r.exitWith(CloseBannedOrKicked, moduleapi.LeaveKicked)
		return true

	case moderation.ExchangeBanned:
		_ = r.wsSend(moderation.ModuleId, msg)
		r.exitWith(CloseBannedOrKicked, moduleapi.LeaveBanned)
		return true

	case moderation.ExchangeSentToWaitingRoom:
		_ = r.wsSend(moderation.ModuleId, msg)
		r.exitWith(CloseNormal, moduleapi.LeaveSentToWaitingRoom)
		return true

	case moderation.ExchangeDebriefed:
		if !msg.KickScope.KicksRole(r.identity.Role) {
			return true
		}
		_ = r.wsSend(moderation.ModuleId, msg)
		r.exitWith(CloseNormal, moduleapi.LeaveKicked)
		return true

	case moderation.ExchangeChangeDisplayName:
		if msg.ParticipantId != r.identity.ParticipantId {
			return true
		}
		r.applyDisplayName(ctx, msg.NewName)
		return true

	case moderation.ExchangeResetRaisedHands:
		r.lowerOwnHand(ctx)
		return true
	}
	return false
}

// applyDisplayName is the runner-side half of a moderator rename: persist,
// inform the client, and announce the update to the room.
func (r *Runner) applyDisplayName(ctx context.Context, name string) {
	r.identity.DisplayName = name
	st, found, err := r.deps.ControlStore.GetControlState(ctx, r.identity.Room, r.identity.ParticipantId)
	if err != nil || !found {
		return
	}
	st.DisplayName = name
	if err := r.deps.ControlStore.SetControlState(ctx, r.identity.Room, st); err != nil {
		logging.Warn(ctx, "persist display name failed", "err", err)
		return
	}
	summary := moduleapi.PeerSummary{
		ParticipantId: st.ParticipantId,
		DisplayName:   st.DisplayName,
		Role:          st.Role,
		Kind:          string(st.ParticipationKind),
		HandIsUp:      st.HandIsUp,
		JoinedAt:      st.JoinedAt,
	}
	_ = r.wsSend(control.ModuleId, control.Update{Participant: summary})
	r.publishControl(ctx, exchange.SignalingRoomKey(r.identity.Room.String()), control.ExchangeMessage{
		Type: control.ExchangeUpdate, Participant: &summary,
	})
}

// lowerOwnHand applies a moderator's reset_raised_hands to this runner's
// own participant.
func (r *Runner) lowerOwnHand(ctx context.Context) {
	st, found, err := r.deps.ControlStore.GetControlState(ctx, r.identity.Room, r.identity.ParticipantId)
	if err != nil || !found || !st.HandIsUp {
		return
	}
	st.HandIsUp = false
	st.HandUpdatedAt = time.Now()
	if err := r.deps.ControlStore.SetControlState(ctx, r.identity.Room, st); err != nil {
		return
	}
	r.dispatchLifecycle(ctx, moduleapi.Event{Kind: moduleapi.KindLowerHand})
	summary := moduleapi.PeerSummary{
		ParticipantId: st.ParticipantId,
		DisplayName:   st.DisplayName,
		Role:          st.Role,
		Kind:          string(st.ParticipationKind),
		JoinedAt:      st.JoinedAt,
	}
	_ = r.wsSend(control.ModuleId, control.Update{Participant: summary})
	r.publishControl(ctx, exchange.SignalingRoomKey(r.identity.Room.String()), control.ExchangeMessage{
		Type: control.ExchangeUpdate, Participant: &summary,
	})
}

func (r *Runner) dispatchExt(ctx context.Context, name string, item any) {
	owner, ok := r.extStreams[name]
	if !ok {
		return
	}
	inst := r.instanceFor(owner)
	if inst == nil {
		return
	}
	if err := inst.def.OnEvent(ctx, inst.mctx, inst.state, moduleapi.Event{Kind: moduleapi.KindExt, ExtStream: name, ExtItem: item}); err != nil {
		r.handleModuleError(ctx, inst.def.Id, err)
	}
}

// dispatchLifecycle fans a lifecycle signal out to every module instance,
// in declaration order.
func (r *Runner) dispatchLifecycle(ctx context.Context, evt moduleapi.Event) {
	for _, inst := range r.instances {
		if err := inst.def.OnEvent(ctx, inst.mctx, inst.state, evt); err != nil {
			r.handleModuleError(ctx, inst.def.Id, err)
		}
	}
}

// protocolErrorBeforeJoin reports a bad frame during the admission phases
// and returns true once the violation budget is spent, closing the socket
// with 1008.
func (r *Runner) protocolErrorBeforeJoin() bool {
	r.noteProtocolViolation()
	_ = r.wsSend(control.ModuleId, ErrorPayload{Error: ErrBadRequest})
	if code := r.takeExitCode(); code != nil {
		r.sendClose(*code)
		return true
	}
	return false
}

// noteProtocolViolation records one protocol error against the sliding
// window. Isolated errors only produce an error event on the originating
// namespace; exceeding the limit within the window closes the session.
func (r *Runner) noteProtocolViolation() {
	now := time.Now()
	cutoff := now.Add(-r.deps.ProtocolViolationWindow)
	kept := r.violations[:0]
	for _, t := range r.violations {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	r.violations = append(kept, now)
	if len(r.violations) > r.deps.ProtocolViolationLimit {
		r.exitWith(ClosePolicyViolation, moduleapi.LeaveQuit)
	}
}

func (r *Runner) handleModuleError(ctx context.Context, id moduleapi.Id, err error) {
	switch {
	case errors.Is(err, signalingerr.ErrProtocol):
		r.noteProtocolViolation()
		_ = r.wsSend(id, ErrorPayload{Error: ErrBadRequest})
	case errors.Is(err, signalingerr.ErrInsufficientPermissions):
		_ = r.wsSend(id, ErrorPayload{Error: ErrInsufficientPerm})
	case errors.Is(err, signalingerr.ErrBanned):
		_ = r.wsSend(id, ErrorPayload{Error: ErrBannedFromRoom})
	case errors.Is(err, signalingerr.ErrConflict):
		_ = r.wsSend(id, ErrorPayload{Error: ErrBadRequest})
	case errors.Is(err, signalingerr.ErrFatal):
		logging.Error(ctx, "module fatal error, closing session", "module", id, "err", err)
		r.Exit(CloseInternalError)
	default:
		logging.Warn(ctx, "module error", "module", id, "err", err)
		_ = r.wsSend(id, ErrorPayload{Error: ErrBadRequest})
	}
}

func (r *Runner) instanceFor(id moduleapi.Id) *instance {
	for _, inst := range r.instances {
		if inst.def.Id == id {
			return inst
		}
	}
	return nil
}

// --- teardown -----------------------------------------------------------

func (r *Runner) teardown(ctx context.Context, reason moduleapi.LeaveReason) {
	ctx = context.WithoutCancel(ctx)

	if !r.identity.Kind.Hidden() {
		r.publishControl(ctx, exchange.SignalingRoomKey(r.identity.Room.String()), control.ExchangeMessage{
			Type: control.ExchangeLeft, ParticipantId: r.identity.ParticipantId, Reason: reason,
		})
	}

	scope := r.resolveCleanupScope(ctx)

	r.dispatchLifecycle(ctx, moduleapi.Event{Kind: moduleapi.KindLeaving})

	for i := len(r.instances) - 1; i >= 0; i-- {
		inst := r.instances[i]
		inst.def.OnDestroy(ctx, inst.mctx, inst.state, moduleapi.DestroyContext{Scope: scope, Reason: reason})
	}

	r.finalizeRoomState(ctx, scope)

	if r.identity.ResumptionToken != "" {
		r.refreshResumption(ctx)
	}

	_ = r.dropExchange(ctx)
	r.closeOnce.Do(func() { close(r.closed) })
	_ = r.conn.Close()
}

// resolveCleanupScope takes the room lock, removes the participant, and
// decides Global/Local/None, computed once, under lock, so
// concurrent leaves never race on "am I the last one out".
func (r *Runner) resolveCleanupScope(ctx context.Context) moduleapi.CleanupScope {
	scope := moduleapi.CleanupNone
	_ = withRoomLock(ctx, r.deps.Storage, r.participantsLockScope(), func(ctx context.Context) error {
		// Release the presence claim only if it is still ours; a newcomer
		// that raced past an expired claim must not lose its own.
		if holder, found, err := r.deps.Storage.Get(ctx, r.presenceKey()); err == nil && found && string(holder) == string(r.id) {
			_, _ = r.deps.Storage.Del(ctx, r.presenceKey())
		}
		k := storage.Keys{}
		key := k.Participants(r.identity.Room.String())
		if err := r.deps.Storage.SRem(ctx, key, string(r.identity.ParticipantId)); err != nil {
			return err
		}
		n, err := r.deps.Storage.SCard(ctx, key)
		if err != nil {
			return err
		}
		metrics.RoomParticipants.WithLabelValues(r.identity.Room.String()).Set(float64(n))
		if n == 0 {
			if r.identity.Room.IsMain() {
				scope = moduleapi.CleanupGlobal
			} else {
				scope = moduleapi.CleanupLocal
			}
		}
		return r.deps.ControlStore.DeleteControlState(ctx, r.identity.Room, r.identity.ParticipantId)
	})
	return scope
}

// finalizeRoomState purges the per-room keys this package owns when the
// teardown scope calls for it; module-owned keys are each module's
// OnDestroy responsibility.
func (r *Runner) finalizeRoomState(ctx context.Context, scope moduleapi.CleanupScope) {
	if !scope.DestroysRoom() {
		return
	}
	k := storage.Keys{}
	_, _ = r.deps.Storage.Del(ctx, k.Participants(r.identity.Room.String()))
	metrics.RoomParticipants.DeleteLabelValues(r.identity.Room.String())
	if scope == moduleapi.CleanupGlobal {
		metrics.ActiveRooms.Dec()
		_ = r.deps.ControlStore.DeleteRoomInfo(ctx, r.identity.Room.RoomId)
		_, _ = r.deps.Moderation.DeleteWaitingRoom(ctx, r.identity.Room)
		_, _ = r.deps.Moderation.DeleteWaitingRoomAccepted(ctx, r.identity.Room)
		_, _ = r.deps.Moderation.DeleteWaitingRoomEnabled(ctx, r.identity.Room)
		_, _ = r.deps.Moderation.DeleteRaiseHandsEnabled(ctx, r.identity.Room)
		_, _ = r.deps.Moderation.DeleteBans(ctx, r.identity.Room.RoomId)
	}
}

func (r *Runner) refreshResumption(ctx context.Context) {
	data, found, err := r.deps.Tickets.GetResumptionTokenData(ctx, r.identity.ResumptionToken)
	if err != nil || !found {
		return
	}
	if data.ParticipantId != r.identity.ParticipantId {
		return
	}
	if _, err := r.deps.Tickets.RefreshResumptionToken(ctx, r.identity.ResumptionToken, data); err != nil {
		logging.Warn(ctx, "resumption refresh raced a concurrent consumer", "err", err)
	}
}

// --- module context wiring ------------------------------------------------

func (r *Runner) newModuleContext(id moduleapi.Id) *moduleapi.Context {
	return moduleapi.NewContext(
		r.identity.ParticipantId,
		r.id,
		r.identity.Room,
		r.identity.Role,
		time.Now,
		r.deps.Storage,
		moduleapi.Hooks{
			WsSend: func(moduleId moduleapi.Id, payload any) error { return r.wsSend(moduleId, payload) },
			ExchangePublish: func(routingKey string, moduleId moduleapi.Id, payload any) error {
				return r.exchangePublish(routingKey, moduleId, payload)
			},
			ExchangePublishAny: func(routingKey string, evt exchange.NamespacedEvent) error {
				return r.deps.Exchange.Publish(context.Background(), routingKey, evt)
			},
			BindExchange:   func(routingKey string) error { return r.bindExchange(routingKey) },
			UnbindExchange: func(routingKey string) error { return r.unbindExchange(routingKey) },
			RegisterExternalStream: func(name string, ch <-chan any) {
				r.registerExternalStream(id, name, ch)
			},
			InvalidateParticipantState: func() { r.invalidateParticipantState(id) },
			DispatchLifecycle: func(evt moduleapi.Event) {
				r.dispatchLifecycle(context.Background(), evt)
			},
			Exit: func(code int) { r.Exit(code) },
			ExitWithReason: func(code int, reason moduleapi.LeaveReason) {
				r.exitWith(code, reason)
			},
		},
	)
}

// invalidateParticipantState re-reads this participant's control state and
// announces it to the room, so peers refresh their view after a module
// mutated peer-visible state out of band.
func (r *Runner) invalidateParticipantState(from moduleapi.Id) {
	ctx := context.Background()
	st, found, err := r.deps.ControlStore.GetControlState(ctx, r.identity.Room, r.identity.ParticipantId)
	if err != nil || !found {
		return
	}
	r.publishControl(ctx, exchange.SignalingRoomKey(r.identity.Room.String()), control.ExchangeMessage{
		Type: control.ExchangeUpdate,
		Participant: &moduleapi.PeerSummary{
			ParticipantId: st.ParticipantId,
			DisplayName:   st.DisplayName,
			Role:          st.Role,
			Kind:          string(st.ParticipationKind),
			HandIsUp:      st.HandIsUp,
			JoinedAt:      st.JoinedAt,
		},
	})
}

func (r *Runner) wsSend(moduleId moduleapi.Id, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(NamespacedEventOut{Namespace: string(moduleId), Timestamp: time.Now(), Payload: raw})
	if err != nil {
		return err
	}
	select {
	case r.send <- frame:
		return nil
	default:
		return fmt.Errorf("runner: %w: outbound queue full", signalingerr.ErrTransient)
	}
}

func (r *Runner) exchangePublish(routingKey string, moduleId moduleapi.Id, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return r.deps.Exchange.Publish(context.Background(), routingKey, exchange.NamespacedEvent{
		ModuleId: string(moduleId), Timestamp: time.Now(), Payload: raw,
	})
}

func (r *Runner) bindExchange(routingKey string) error {
	r.subMu.Lock()
	_, already := r.subKeys[routingKey]
	r.subMu.Unlock()
	if already {
		return nil
	}
	if err := r.deps.Exchange.Bind(context.Background(), r.exSub, routingKey); err != nil {
		return err
	}
	r.subMu.Lock()
	r.subKeys[routingKey] = struct{}{}
	r.subMu.Unlock()
	return nil
}

func (r *Runner) unbindExchange(routingKey string) error {
	r.subMu.Lock()
	delete(r.subKeys, routingKey)
	r.subMu.Unlock()
	return r.deps.Exchange.Unbind(context.Background(), r.exSub, routingKey)
}

func (r *Runner) registerExternalStream(owner moduleapi.Id, name string, ch <-chan any) {
	r.extStreams[name] = owner
	go func() {
		for item := range ch {
			select {
			case r.events <- event{kind: evExt, extName: name, extItem: item}:
			case <-r.closed:
				return
			}
		}
	}()
}

// Exit requests a graceful shutdown with the given close code; it takes
// effect after the event currently being processed finishes.
func (r *Runner) Exit(code int) {
	r.exitWith(code, "")
}

func (r *Runner) exitWith(code int, reason moduleapi.LeaveReason) {
	r.exitMu.Lock()
	if r.exitCode == nil {
		c := code
		r.exitCode = &c
		r.exitReason = reason
	}
	r.exitMu.Unlock()
}

// noteReadError records why the read pump died so steadyState reports the
// right leave reason: a missed-pong read deadline is a Timeout, anything
// else (close frame, reset) is a plain Quit.
func (r *Runner) noteReadError(err error) {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		r.exitMu.Lock()
		if r.exitReason == "" {
			r.exitReason = moduleapi.LeaveTimeout
		}
		r.exitMu.Unlock()
	}
}

// sendClose writes a close frame with the given status code; the read pump
// observes the peer's close response (or the socket teardown) and ends the
// session.
func (r *Runner) sendClose(code int) {
	payload := make([]byte, 2)
	payload[0] = byte(code >> 8)
	payload[1] = byte(code)
	_ = r.conn.WriteControl(8 /* CloseMessage */, payload, time.Now().Add(5*time.Second))
	r.closeOnce.Do(func() { close(r.closed) })
}

// --- transport goroutines -------------------------------------------------

func (r *Runner) readPump(ctx context.Context) {
	defer r.closeOnce.Do(func() { close(r.closed) })
	_ = r.conn.SetReadDeadline(time.Now().Add(r.deps.PongTimeout))
	r.conn.SetPongHandler(func(string) error {
		return r.conn.SetReadDeadline(time.Now().Add(r.deps.PongTimeout))
	})
	for {
		_, msg, err := r.conn.ReadMessage()
		if err != nil {
			r.noteReadError(err)
			return
		}
		select {
		case r.events <- event{kind: evWs, wsFrame: msg}:
		case <-r.closed:
			return
		}
	}
}

func (r *Runner) writePump(ctx context.Context) {
	for {
		select {
		case <-r.closed:
			return
		case frame := <-r.send:
			if len(frame) > 0 && frame[0] == 0 {
				_ = r.conn.WriteControl(9 /* PingMessage */, nil, time.Now().Add(5*time.Second))
				continue
			}
			_ = r.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := r.conn.WriteMessage(1 /* TextMessage */, frame); err != nil {
				r.closeOnce.Do(func() { close(r.closed) })
				return
			}
		}
	}
}
