package runner

import (
	"encoding/json"
	"time"
)

// NamespacedCommand is the inbound WS frame shape: a module id and an
// opaque, module-defined payload.
type NamespacedCommand struct {
	Namespace string          `json:"namespace"`
	Payload   json.RawMessage `json:"payload"`
}

// NamespacedEventOut is the outbound WS frame shape.
type NamespacedEventOut struct {
	Namespace string          `json:"namespace"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// ErrorPayload is sent on the originating namespace for protocol and
// authorization errors that do not close the connection.
type ErrorPayload struct {
	Error string `json:"error"`
}

// WebSocket close codes.
const (
	CloseNormal          = 1000
	ClosePolicyViolation = 1008
	CloseInternalError   = 1011
	CloseSessionExpired  = 4401
	CloseBannedOrKicked  = 4403
	CloseConflict        = 4409
)

// Protocol error codes carried in ErrorPayload.Error.
const (
	ErrNamespaceUnknown    = "namespace_unknown"
	ErrBadRequest          = "bad_request"
	ErrInsufficientPerm    = "insufficient_permissions"
	ErrBannedFromRoom      = "banned_from_room"
	ErrInvalidDisplayName  = "invalid_display_name"
	ErrNotAccepted         = "not_yet_accepted"
	ErrCannotChangeRegName = "cannot_change_name_of_registered_users"
)
