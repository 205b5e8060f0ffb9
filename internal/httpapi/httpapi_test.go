package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opentalkeu/signaling-runtime/internal/collaborators"
	"github.com/opentalkeu/signaling-runtime/internal/config"
	"github.com/opentalkeu/signaling-runtime/internal/exchange"
	"github.com/opentalkeu/signaling-runtime/internal/ids"
	"github.com/opentalkeu/signaling-runtime/internal/moduleapi"
	"github.com/opentalkeu/signaling-runtime/internal/modules/breakout"
	"github.com/opentalkeu/signaling-runtime/internal/modules/control"
	"github.com/opentalkeu/signaling-runtime/internal/modules/moderation"
	"github.com/opentalkeu/signaling-runtime/internal/ratelimit"
	"github.com/opentalkeu/signaling-runtime/internal/runner"
	"github.com/opentalkeu/signaling-runtime/internal/storage"
)

type fakeValidator struct {
	subject string
	name    string
	err     error
}

func (f *fakeValidator) Validate(tokenString string) (*collaborators.Claims, error) {
	if f.err != nil {
		return nil, f.err
	}
	claims := &collaborators.Claims{Name: f.name}
	claims.Subject = f.subject
	return claims, nil
}

func newTestServer(t *testing.T, validator TokenValidator) (*Server, *storage.Memory) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mem := storage.NewMemory()
	exch := exchange.NewLocal()
	tickets := storage.NewTickets(mem)
	controlStore := control.NewStorage(mem)
	moderationStore := moderation.NewStorage(mem)
	breakoutStore := breakout.NewStorage(mem)

	limiter, err := ratelimit.New("1000-M", "1000-M", nil)
	require.NoError(t, err)

	inventory := collaborators.NewFakeInventory()
	inventory.Rooms["room-1"] = true
	inventory.Owners["room-1"] = "owner-1"

	cfg := &config.Config{
		Port:                    "8080",
		TicketTTL:               30 * time.Second,
		ResumptionTTL:           5 * time.Minute,
		AllowCustomDisplayNames: true,
		DevelopmentMode:         true,
		PingInterval:            time.Minute,
		PongTimeout:             time.Minute,
	}

	return &Server{
		Cfg:        cfg,
		Validator:  validator,
		Inventory:  inventory,
		Tickets:    tickets,
		Moderation: moderationStore,
		RunnerDeps: runner.Deps{
			Storage:      mem,
			Exchange:     exch,
			Tickets:      tickets,
			ControlStore: controlStore,
			Moderation:   moderationStore,
			Modules: []*moduleapi.Module{
				control.Module(controlStore, true, moderationStore.IsRaiseHandsEnabled),
				moderation.Module(moderationStore, controlStore.GetControlState),
				breakout.Module(breakoutStore, controlStore.GetControlState),
			},
			AllowCustomDisplayNames: true,
			PingInterval:            time.Minute,
			PongTimeout:             time.Minute,
		},
		Limiter: limiter,
	}, mem
}

func postStart(t *testing.T, router http.Handler, room string, body any, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/v1/rooms/"+room+"/start", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestStartIssuesGuestTicket(t *testing.T) {
	s, _ := newTestServer(t, nil)
	router := s.Router()

	w := postStart(t, router, "room-1", map[string]string{"display_name": "Guest"}, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp startResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, strings.HasPrefix(string(resp.Ticket), "room-1#"))
	assert.Len(t, string(resp.Resumption), 64)

	// The ticket redeems exactly once.
	data, found, err := s.Tickets.TakeTicket(context.Background(), resp.Ticket)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, storage.ParticipantGuest, data.Kind)
	assert.Equal(t, "Guest", data.DisplayName)

	_, found, err = s.Tickets.TakeTicket(context.Background(), resp.Ticket)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStartUnknownRoom(t *testing.T) {
	s, _ := newTestServer(t, nil)
	w := postStart(t, s.Router(), "no-such-room", map[string]string{"display_name": "G"}, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStartRoomOwnerBecomesModerator(t *testing.T) {
	s, _ := newTestServer(t, &fakeValidator{subject: "owner-1", name: "Owner"})
	w := postStart(t, s.Router(), "room-1", map[string]string{}, "sometoken")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp startResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	data, found, err := s.Tickets.TakeTicket(context.Background(), resp.Ticket)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, string(moduleapi.RoleModerator), data.Role)
	assert.True(t, data.IsRoomOwner)
	assert.Equal(t, "Owner", data.DisplayName)
}

func TestStartBannedUserRefused(t *testing.T) {
	s, _ := newTestServer(t, &fakeValidator{subject: "user-9", name: "U"})
	require.NoError(t, s.Moderation.BanUser(context.Background(), "room-1", "user-9"))

	w := postStart(t, s.Router(), "room-1", map[string]string{}, "sometoken")
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func dialSignaling(t *testing.T, serverURL string, ticket string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(serverURL, "http") + "/signaling"
	dialer := websocket.Dialer{
		Subprotocols:     []string{SignalingProtocol, ticketProtocolPrefix + ticket},
		HandshakeTimeout: 2 * time.Second,
	}
	return dialer.Dial(wsURL, nil)
}

func TestSignalingHandshakeAndJoin(t *testing.T) {
	s, _ := newTestServer(t, nil)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	w := postStart(t, s.Router(), "room-1", map[string]string{"display_name": "Guest"}, "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp startResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	conn, httpResp, err := dialSignaling(t, srv.URL, string(resp.Ticket))
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, SignalingProtocol, httpResp.Header.Get("Sec-WebSocket-Protocol"))

	join, _ := json.Marshal(map[string]any{
		"namespace": "control",
		"payload":   map[string]string{"action": "join"},
	})
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, join))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, frame, err := conn.ReadMessage()
	require.NoError(t, err)

	var evt struct {
		Namespace string          `json:"namespace"`
		Payload   json.RawMessage `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(frame, &evt))
	assert.Equal(t, "control", evt.Namespace)

	var success control.JoinSuccess
	require.NoError(t, json.Unmarshal(evt.Payload, &success))
	assert.Equal(t, "Guest", success.DisplayName)
	assert.Empty(t, success.Participants)
}

func TestSignalingInvalidTicketCloses4401(t *testing.T) {
	s, _ := newTestServer(t, nil)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	ticket := ids.NewTicketToken("room-1")
	conn, _, err := dialSignaling(t, srv.URL, string(ticket))
	require.NoError(t, err, "upgrade succeeds; the close code carries the rejection")
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, runner.CloseSessionExpired, closeErr.Code)
}

func TestSignalingMissingProtocolRejected(t *testing.T) {
	s, _ := newTestServer(t, nil)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/signaling"
	dialer := websocket.Dialer{HandshakeTimeout: 2 * time.Second}
	_, resp, err := dialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestResolveIdentityResumption(t *testing.T) {
	s, _ := newTestServer(t, nil)
	gin.SetMode(gin.TestMode)

	ctx := context.Background()
	token := ids.NewResumptionToken()
	pid := ids.NewParticipantId()
	prev := storage.ResumptionData{ParticipantId: pid, Room: "room-1", Role: "user"}
	_, err := s.Tickets.SetResumptionTokenDataIfNotExists(ctx, token, prev)
	require.NoError(t, err)

	data := storage.TicketData{
		ParticipantId: pid,
		Kind:          storage.ParticipantUser,
		UserId:        "u1",
		Room:          "room-1",
		DisplayName:   "Alice",
		Role:          "user",
		Resume:        token,
	}

	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/signaling", nil)

	identity, ok := s.resolveIdentity(c, data)
	require.True(t, ok)
	assert.Equal(t, pid, identity.ParticipantId, "a valid resumption keeps the prior participant id")
	assert.Equal(t, token, identity.ResumptionToken)

	// Once the token is gone (expired, or consumed and deleted), a new
	// connection falls back to a fresh identity rather than failing.
	_, err = s.Tickets.DeleteResumptionToken(ctx, token)
	require.NoError(t, err)

	identity2, ok := s.resolveIdentity(c, data)
	require.True(t, ok)
	assert.NotEqual(t, pid, identity2.ParticipantId)
	assert.Empty(t, identity2.ResumptionToken)
}

func TestResolveIdentityRejectsCrossRoomResumption(t *testing.T) {
	s, _ := newTestServer(t, nil)
	gin.SetMode(gin.TestMode)

	ctx := context.Background()
	token := ids.NewResumptionToken()
	prev := storage.ResumptionData{ParticipantId: ids.NewParticipantId(), Room: "other-room", Role: "user"}
	_, err := s.Tickets.SetResumptionTokenDataIfNotExists(ctx, token, prev)
	require.NoError(t, err)

	data := storage.TicketData{
		ParticipantId: ids.NewParticipantId(),
		Kind:          storage.ParticipantUser,
		Room:          "room-1",
		DisplayName:   "Alice",
		Role:          "user",
		Resume:        token,
	}

	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/signaling", nil)

	_, ok := s.resolveIdentity(c, data)
	assert.False(t, ok, "a resumption issued for another room must be rejected")
}

func TestParseProtocols(t *testing.T) {
	proto, ticket, ok := parseProtocols(fmt.Sprintf("%s, ticket#abc", SignalingProtocol))
	require.True(t, ok)
	assert.Equal(t, SignalingProtocol, proto)
	assert.Equal(t, ids.TicketToken("abc"), ticket)

	_, _, ok = parseProtocols("ticket#abc")
	assert.False(t, ok, "signaling protocol is required")

	_, _, ok = parseProtocols(SignalingProtocol)
	assert.False(t, ok, "ticket is required")
}
