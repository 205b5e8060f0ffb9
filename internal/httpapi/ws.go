package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/opentalkeu/signaling-runtime/internal/ids"
	"github.com/opentalkeu/signaling-runtime/internal/logging"
	"github.com/opentalkeu/signaling-runtime/internal/moduleapi"
	"github.com/opentalkeu/signaling-runtime/internal/runner"
	"github.com/opentalkeu/signaling-runtime/internal/storage"
)

// SignalingProtocol is the accepted WS subprotocol.
const SignalingProtocol = "opentalk-signaling-json-v1.0"

// ticketProtocolPrefix carries the ticket token as a second subprotocol
// value, "ticket#<opaque>".
const ticketProtocolPrefix = "ticket#"

// handleSignaling upgrades the connection, redeems the ticket, and runs
// the full runner lifecycle. Invalid tickets close 4401 after the upgrade so the
// client sees the close code rather than a failed handshake.
func (s *Server) handleSignaling(c *gin.Context) {
	ctx := c.Request.Context()

	proto, ticket, ok := parseProtocols(c.GetHeader("Sec-WebSocket-Protocol"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported_protocol"})
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	responseHeader := http.Header{}
	responseHeader.Set("Sec-WebSocket-Protocol", proto)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, responseHeader)
	if err != nil {
		logging.Warn(ctx, "websocket upgrade failed", "err", err)
		return
	}

	data, found, err := s.Tickets.TakeTicket(ctx, ticket)
	if err != nil || !found {
		closeWith(conn, runner.CloseSessionExpired, "session expired")
		return
	}

	identity, ok := s.resolveIdentity(c, data)
	if !ok {
		closeWith(conn, runner.CloseSessionExpired, "session expired")
		return
	}

	if identity.UserId != "" {
		banned, err := s.Moderation.IsBanned(ctx, identity.Room.RoomId, identity.UserId)
		if err != nil || banned {
			closeWith(conn, runner.CloseBannedOrKicked, "banned")
			return
		}
	}

	r := runner.New(s.RunnerDeps, conn, identity)
	// Serve blocks for the connection lifetime; the request's context dies
	// with the HTTP handler, so the runner runs on the server's.
	if err := r.Serve(c.Request.Context()); err != nil {
		logging.Warn(ctx, "runner ended with error", "err", err)
	}
}

// resolveIdentity finalizes the admission outcome: the ticket's identity,
// with the resumption token consumed atomically when one was attached. A
// token already taken by a concurrent runner falls back to a
// fresh identity; a token for a different signaling room is rejected.
func (s *Server) resolveIdentity(c *gin.Context, data storage.TicketData) (runner.Identity, bool) {
	ctx := c.Request.Context()
	identity := runner.Identity{
		ParticipantId:   data.ParticipantId,
		UserId:          data.UserId,
		Room:            ids.SignalingRoomId{RoomId: data.Room, BreakoutId: data.Breakout},
		Role:            moduleapi.Role(data.Role),
		Kind:            data.Kind,
		DisplayName:     data.DisplayName,
		IsRoomOwner:     data.IsRoomOwner,
		ResumptionToken: data.Resume,
	}

	if data.Resume == "" {
		return identity, true
	}

	prev, found, err := s.Tickets.GetResumptionTokenData(ctx, data.Resume)
	if err != nil {
		return identity, false
	}
	if !found {
		// Expired between issuance and connect: fresh join.
		identity.ParticipantId = ids.NewParticipantId()
		identity.ResumptionToken = ""
		return identity, true
	}
	if prev.Room != data.Room || prev.Breakout != data.Breakout {
		// Cross-room reuse is rejected outright.
		return identity, false
	}
	if _, err := s.Tickets.RefreshResumptionToken(ctx, data.Resume, prev); err != nil {
		// Lost the race against a concurrent reconnect.
		identity.ParticipantId = ids.NewParticipantId()
		identity.ResumptionToken = ""
		return identity, true
	}
	identity.ParticipantId = prev.ParticipantId
	identity.Role = moduleapi.Role(prev.Role)
	return identity, true
}

// parseProtocols extracts the signaling protocol and ticket token from the
// comma-separated subprotocol list.
func parseProtocols(header string) (proto string, ticket ids.TicketToken, ok bool) {
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		switch {
		case part == SignalingProtocol:
			proto = part
		case strings.HasPrefix(part, ticketProtocolPrefix):
			ticket = ids.TicketToken(strings.TrimPrefix(part, ticketProtocolPrefix))
		}
	}
	return proto, ticket, proto != "" && ticket != ""
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // non-browser clients
	}
	for _, allowed := range s.allowedOrigins() {
		if strings.EqualFold(origin, allowed) {
			return true
		}
	}
	return s.Cfg.DevelopmentMode
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(5*time.Second))
	_ = conn.Close()
}
