package moduleapi

import (
	"encoding/json"
	"time"

	"github.com/opentalkeu/signaling-runtime/internal/exchange"
	"github.com/opentalkeu/signaling-runtime/internal/ids"
)

// Kind tags which union member of Event is populated.
type Kind int

const (
	KindWsMessage Kind = iota
	KindExchange
	KindExt
	KindJoined
	KindLeaving
	KindParticipantJoined
	KindParticipantLeft
	KindParticipantUpdated
	KindRaiseHand
	KindLowerHand
	KindRoleUpdated
)

// Event is the tagged union dispatched to Module.OnEvent; exactly one field
// group is meaningful, selected by Kind.
type Event struct {
	Kind Kind

	// KindWsMessage: the module-defined inbound payload, still encoded —
	// the module decodes it into its own Incoming type.
	WsPayload json.RawMessage

	// KindExchange: the raw exchange envelope for this module's namespace.
	Exchange exchange.NamespacedEvent

	// KindExt: an item from a stream the module registered via
	// Context.RegisterExternalStream.
	ExtStream string
	ExtItem   any

	// KindJoined: delivered once, after every module has been init'd.
	JoinedParticipants []PeerSummary

	// KindParticipantJoined / Left / Updated.
	Participant PeerSummary

	// KindRoleUpdated.
	NewRole Role
}

// PeerSummary is the minimal peer-visible shape the control module
// broadcasts on join/leave/update; feature modules that need richer
// PeerFrontendData look it up via their own storage keys.
type PeerSummary struct {
	ParticipantId ids.ParticipantId `json:"participant_id"`
	DisplayName   string            `json:"display_name"`
	Role          Role              `json:"role"`
	Kind          string            `json:"kind"`
	HandIsUp      bool              `json:"hand_is_up"`
	JoinedAt      time.Time         `json:"joined_at"`
}

// CleanupScope tags the granularity of a teardown, replacing an implicit
// "am I the last participant" check with an explicit value computed once
// under the room lock.
type CleanupScope int

const (
	// CleanupNone: runner teardown only; room state survives (resumption
	// likely).
	CleanupNone CleanupScope = iota
	// CleanupLocal: this signaling room (a breakout) is gone; the main
	// room continues.
	CleanupLocal
	// CleanupGlobal: the whole logical room is ending, including the main
	// room's state.
	CleanupGlobal
)

// DestroysRoom reports whether this scope requires purging per-room storage
// keys.
func (c CleanupScope) DestroysRoom() bool { return c == CleanupLocal || c == CleanupGlobal }

func (c CleanupScope) String() string {
	switch c {
	case CleanupLocal:
		return "local"
	case CleanupGlobal:
		return "global"
	default:
		return "none"
	}
}

// LeaveReason explains why a runner tore down, carried on the Left event
// and used by modules (breakout, moderation) to decide reconnection intent.
type LeaveReason string

const (
	LeaveQuit             LeaveReason = "quit"
	LeaveTimeout          LeaveReason = "timeout"
	LeaveSentToWaitingRoom LeaveReason = "sent_to_waiting_room"
	LeaveMovedToBreakout  LeaveReason = "moved_to_breakout"
	LeaveBreakoutEnded    LeaveReason = "breakout_ended"
	LeaveKicked           LeaveReason = "kicked"
	LeaveBanned           LeaveReason = "banned"
)

// DestroyContext is passed to OnDestroy.
type DestroyContext struct {
	Scope  CleanupScope
	Reason LeaveReason
}
