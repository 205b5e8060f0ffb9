package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/opentalkeu/signaling-runtime/internal/ids"
	"github.com/opentalkeu/signaling-runtime/internal/signalingerr"
)

// ParticipantKind distinguishes the participant variants: User carries a
// user id, the others are bare markers.
type ParticipantKind string

const (
	ParticipantUser     ParticipantKind = "user"
	ParticipantGuest    ParticipantKind = "guest"
	ParticipantSip      ParticipantKind = "sip"
	ParticipantRecorder ParticipantKind = "recorder"
)

// Hidden reports whether this kind is hidden from peer-visible participant
// counts and UI; recorders and SIP bridges occupy a runner without
// appearing as peers.
func (k ParticipantKind) Hidden() bool {
	return k == ParticipantSip || k == ParticipantRecorder
}

// TicketData is the short-lived payload stored under a TicketToken. The
// participant id is resolved at issuance (fresh, or carried over from a
// valid resumption token) so the identity survives the REST -> WS handoff;
// the runner still consumes Resume atomically to arbitrate concurrent
// reconnects.
type TicketData struct {
	ParticipantId ids.ParticipantId   `json:"participant_id"`
	Kind          ParticipantKind     `json:"kind"`
	UserId        string              `json:"user_id,omitempty"`
	Room          ids.RoomId          `json:"room"`
	Breakout      ids.BreakoutRoomId  `json:"breakout,omitempty"`
	DisplayName   string              `json:"display_name"`
	Role          string              `json:"role"`
	IsRoomOwner   bool                `json:"is_room_owner,omitempty"`
	Resume        ids.ResumptionToken `json:"resume,omitempty"`
}

// ResumptionData is the long-lived payload stored under a ResumptionToken.
// Generation increments on every use so that two runners racing with the
// same snapshot resolve to exactly one winner at the compare-and-set.
type ResumptionData struct {
	ParticipantId ids.ParticipantId  `json:"participant_id"`
	Room          ids.RoomId         `json:"room"`
	Breakout      ids.BreakoutRoomId `json:"breakout,omitempty"`
	Role          string             `json:"role"`
	Generation    int64              `json:"generation"`
}

// TicketTTL is the admission ticket's lifetime.
const TicketTTL = 30 * time.Second

// ResumptionTTL is the resumption token's lifetime.
const ResumptionTTL = 5 * time.Minute

// Tickets exposes the admission token operations over the volatile store.
type Tickets struct {
	s Storage
	k Keys
}

func NewTickets(s Storage) *Tickets { return &Tickets{s: s} }

// SetTicketEx stores data under token with the given ttl.
func (t *Tickets) SetTicketEx(ctx context.Context, token ids.TicketToken, data TicketData, ttl time.Duration) error {
	return SetJSONEx(ctx, t.s, t.k.Ticket(token.String()), data, ttl)
}

// TakeTicket performs the atomic GET+DEL required for at-most-once
// redemption: a second call with the same token returns
// found=false.
func (t *Tickets) TakeTicket(ctx context.Context, token ids.TicketToken) (TicketData, bool, error) {
	var out TicketData
	raw, found, err := t.s.GetDel(ctx, t.k.Ticket(token.String()))
	if err != nil || !found {
		return out, found, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, false, err
	}
	return out, true, nil
}

// GetResumptionTokenData reads the current value without consuming it.
func (t *Tickets) GetResumptionTokenData(ctx context.Context, token ids.ResumptionToken) (ResumptionData, bool, error) {
	return GetJSON[ResumptionData](ctx, t.s, t.k.Resumption(token.String()))
}

// SetResumptionTokenDataIfNotExists seeds a brand-new resumption token.
func (t *Tickets) SetResumptionTokenDataIfNotExists(ctx context.Context, token ids.ResumptionToken, data ResumptionData) (bool, error) {
	return SetJSONNXEx(ctx, t.s, t.k.Resumption(token.String()), data, ResumptionTTL)
}

// RefreshResumptionToken atomically consumes-and-renews the token: the
// compare-and-set succeeds only if the stored value still equals the
// snapshot the caller holds, so of two runners racing on the same token
// exactly one wins; the loser observes ErrResumptionUsed and falls back to
// a fresh join. On success the TTL restarts at its full length.
func (t *Tickets) RefreshResumptionToken(ctx context.Context, token ids.ResumptionToken, current ResumptionData) (ResumptionData, error) {
	key := t.k.Resumption(token.String())
	next := current
	next.Generation++
	swapped, err := compareAndSwapJSON(ctx, t.s, key, current, next)
	if err != nil {
		return current, err
	}
	if !swapped {
		return current, signalingerr.ErrResumptionUsed
	}
	// Renew the TTL by rewriting with expiry; the CAS above already
	// arbitrated ownership, so this write cannot clobber a concurrent
	// winner.
	return next, SetJSONEx(ctx, t.s, key, next, ResumptionTTL)
}

// DeleteResumptionToken removes token unconditionally, returning whether it
// existed.
func (t *Tickets) DeleteResumptionToken(ctx context.Context, token ids.ResumptionToken) (bool, error) {
	return t.s.Del(ctx, t.k.Resumption(token.String()))
}

func compareAndSwapJSON[V any](ctx context.Context, s Storage, key string, oldVal, newVal V) (bool, error) {
	oldRaw, err := json.Marshal(oldVal)
	if err != nil {
		return false, err
	}
	newRaw, err := json.Marshal(newVal)
	if err != nil {
		return false, err
	}
	return s.CompareAndSwap(ctx, key, oldRaw, newRaw)
}
