package httpapi

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/opentalkeu/signaling-runtime/internal/ids"
	"github.com/opentalkeu/signaling-runtime/internal/logging"
	"github.com/opentalkeu/signaling-runtime/internal/moduleapi"
	"github.com/opentalkeu/signaling-runtime/internal/modules/control"
	"github.com/opentalkeu/signaling-runtime/internal/storage"
)

// startRequest is the ticket-issuance body.
type startRequest struct {
	DisplayName  string              `json:"display_name"`
	BreakoutRoom ids.BreakoutRoomId  `json:"breakout_room,omitempty"`
	Resumption   ids.ResumptionToken `json:"resumption,omitempty"`
}

// startResponse returns the opaque admission pair.
type startResponse struct {
	Ticket     ids.TicketToken     `json:"ticket"`
	Resumption ids.ResumptionToken `json:"resumption"`
}

// handleStart authorizes the caller, resolves their participant identity
// (fresh, or carried over from a resumption token), and stores a
// single-use ticket the WebSocket handshake redeems.
func (s *Server) handleStart(c *gin.Context) {
	ctx := c.Request.Context()
	roomId := ids.RoomId(c.Param("roomId"))

	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request"})
		return
	}

	exists, err := s.Inventory.RoomExists(ctx, string(roomId))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
		return
	}
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "room_not_found"})
		return
	}

	data := storage.TicketData{
		Room:     roomId,
		Breakout: req.BreakoutRoom,
		Kind:     storage.ParticipantGuest,
		Role:     string(moduleapi.RoleGuest),
	}

	if token := bearerToken(c); token != "" && s.Validator != nil {
		claims, err := s.Validator.Validate(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_token"})
			return
		}
		data.Kind = storage.ParticipantUser
		data.UserId = claims.Subject
		data.Role = string(moduleapi.RoleUser)
		data.DisplayName = claims.Name
		owner, err := s.Inventory.RoomOwner(ctx, string(roomId))
		if err == nil && owner != "" && owner == claims.Subject {
			data.Role = string(moduleapi.RoleModerator)
			data.IsRoomOwner = true
		}
	}

	if req.DisplayName != "" {
		name, err := control.NormalizeDisplayName(req.DisplayName)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_display_name"})
			return
		}
		if data.Kind == storage.ParticipantGuest || s.Cfg.AllowCustomDisplayNames {
			data.DisplayName = name
		}
	}

	if data.UserId != "" {
		banned, err := s.Moderation.IsBanned(ctx, roomId, data.UserId)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
			return
		}
		if banned {
			c.JSON(http.StatusForbidden, gin.H{"error": "banned_from_room"})
			return
		}
	}

	// A valid resumption token carries the previous participant id and
	// role forward; anything stale or cross-room falls back to a fresh
	// identity at the WebSocket handshake; cross-room reuse is rejected.
	data.ParticipantId = ids.NewParticipantId()
	if req.Resumption != "" {
		prev, found, err := s.Tickets.GetResumptionTokenData(ctx, req.Resumption)
		if err == nil && found && prev.Room == roomId && prev.Breakout == req.BreakoutRoom {
			data.ParticipantId = prev.ParticipantId
			data.Role = prev.Role
			data.Resume = req.Resumption
		}
	}

	if data.Resume == "" {
		token := ids.NewResumptionToken()
		_, err = s.Tickets.SetResumptionTokenDataIfNotExists(ctx, token, storage.ResumptionData{
			ParticipantId: data.ParticipantId,
			Room:          roomId,
			Breakout:      req.BreakoutRoom,
			Role:          data.Role,
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
			return
		}
		data.Resume = token
	}

	ticket := ids.NewTicketToken(roomId)
	if err := s.Tickets.SetTicketEx(ctx, ticket, data, s.Cfg.TicketTTL); err != nil {
		logging.Error(ctx, "store ticket failed", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
		return
	}

	c.JSON(http.StatusOK, startResponse{Ticket: ticket, Resumption: data.Resume})
}

func bearerToken(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}
