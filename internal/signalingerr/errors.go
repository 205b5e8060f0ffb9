// Package signalingerr defines the error taxonomy shared by storage, the
// exchange, and modules: Protocol, Authorization, Transient, Conflict, and
// Fatal. Callers use errors.Is against the sentinels below; module code
// wraps them with fmt.Errorf("...: %w", ...) to add context.
package signalingerr

import "errors"

var (
	// ErrProtocol covers bad JSON, unknown namespace, or a malformed
	// command shape. The session continues; an error event is reported on
	// the originating namespace.
	ErrProtocol = errors.New("signaling: protocol error")

	// ErrInsufficientPermissions is raised when a non-moderator issues a
	// moderator-only command.
	ErrInsufficientPermissions = errors.New("signaling: insufficient permissions")

	// ErrBanned is raised when a banned user id attempts to (re)join.
	ErrBanned = errors.New("signaling: banned from room")

	// ErrTransient marks a storage operation that may succeed on retry.
	// Retried at most once by the runner before being surfaced.
	ErrTransient = errors.New("signaling: transient storage error")

	// ErrConflict marks contention or a failed precondition (lock held,
	// compare-and-set mismatch). Not retried automatically.
	ErrConflict = errors.New("signaling: storage conflict")

	// ErrFatal marks malformed stored state or a programming error in
	// module code. Closes the connection with 1011 and tears down with
	// CleanupScope = None so room state survives for the next attempt.
	ErrFatal = errors.New("signaling: fatal error")

	// ErrLocked is returned by the room lock when acquisition exceeds its
	// bounded retry budget.
	ErrLocked = errors.New("signaling: room lock unavailable")

	// ErrTicketInvalid is returned when a ticket token is unknown, expired,
	// or already consumed.
	ErrTicketInvalid = errors.New("signaling: ticket invalid or expired")

	// ErrResumptionUsed is returned when a resumption token was already
	// consumed by a concurrent runner.
	ErrResumptionUsed = errors.New("signaling: resumption token already used")

	// ErrAlreadyJoined is returned when a participant already has a live
	// runner in the target room; the newcomer is closed with 4409.
	ErrAlreadyJoined = errors.New("signaling: participant already joined elsewhere")

	// ErrNamespaceUnknown is returned when an inbound command names a
	// module id the runner has no active instance for.
	ErrNamespaceUnknown = errors.New("signaling: namespace_unknown")
)
