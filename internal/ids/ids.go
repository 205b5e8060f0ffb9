// Package ids defines the identifier types used across the signaling
// runtime: participant and runner identities, signaling room scoping, and
// the opaque tokens used by the admission handshake.
package ids

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
)

// ParticipantId is a 128-bit random identifier that persists across
// resumption within a room.
type ParticipantId string

// RunnerId is a 128-bit random identifier, unique per WebSocket.
type RunnerId string

// RoomId identifies the main room a participant requested.
type RoomId string

// BreakoutRoomId identifies one breakout sub-room under a RoomId.
type BreakoutRoomId string

// SignalingRoomId is (room_id, Option<breakout_id>). The main room has
// BreakoutId == "".
type SignalingRoomId struct {
	RoomId      RoomId
	BreakoutId  BreakoutRoomId
}

// IsMain reports whether this id refers to the main room rather than a
// breakout.
func (s SignalingRoomId) IsMain() bool { return s.BreakoutId == "" }

// String renders a stable storage-key-safe representation.
func (s SignalingRoomId) String() string {
	if s.IsMain() {
		return string(s.RoomId)
	}
	return fmt.Sprintf("%s.%s", s.RoomId, s.BreakoutId)
}

func random128Hex() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("ids: failed to read random bytes: %v", err))
	}
	return hex.EncodeToString(buf)
}

// NewParticipantId generates a fresh 128-bit participant identifier.
func NewParticipantId() ParticipantId { return ParticipantId(random128Hex()) }

// NewRunnerId generates a fresh 128-bit runner identifier.
func NewRunnerId() RunnerId { return RunnerId(random128Hex()) }

// NewBreakoutRoomId generates a fresh 128-bit breakout room identifier.
func NewBreakoutRoomId() BreakoutRoomId { return BreakoutRoomId(random128Hex()) }

const tokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

func randomAlphanumeric(n int) string {
	out := make([]byte, n)
	max := big.NewInt(int64(len(tokenAlphabet)))
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic(fmt.Sprintf("ids: failed to read random index: %v", err))
		}
		out[i] = tokenAlphabet[idx.Int64()]
	}
	return string(out)
}

// TicketToken is an opaque, single-use token binding a REST-authorized
// intent to a concrete WebSocket handshake:
// "{room_id}#{27 random alphanumeric chars}".
type TicketToken string

// NewTicketToken generates a fresh ticket scoped to room.
func NewTicketToken(room RoomId) TicketToken {
	return TicketToken(fmt.Sprintf("%s#%s", room, randomAlphanumeric(27)))
}

func (t TicketToken) String() string { return string(t) }

// ResumptionToken is a long-lived opaque token letting a client recover the
// same participant identity after a transport drop. 64 random alphanumeric
// characters, no embedded structure.
type ResumptionToken string

// NewResumptionToken generates a fresh resumption token.
func NewResumptionToken() ResumptionToken {
	return ResumptionToken(randomAlphanumeric(64))
}

func (t ResumptionToken) String() string { return string(t) }
