// Package collaborators models the external systems this process talks
// to but does not own: Inventory (persistent storage facade),
// ObjectStorage (blob store), Authority (OIDC), MailQueue, and
// RecorderRPC. None of these has a wire protocol owned by this
// repository, so each is a small interface with an in-memory fake for
// tests. Authority is the exception: bearer auth is the admission
// precondition, so it gets a real JWKS-backed validator.
package collaborators

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// Inventory is the persistent storage facade (rooms, users, recordings)
// that sits behind the REST API out of scope for this repository. The
// runner only ever needs to resolve a RoomId to a RoomInfo seed and check
// a user id's registration status.
type Inventory interface {
	RoomExists(ctx context.Context, roomId string) (bool, error)
	// RoomOwner resolves the creator's user id; "" when the room has no
	// registered owner (ad-hoc rooms).
	RoomOwner(ctx context.Context, roomId string) (string, error)
	IsRegisteredUser(ctx context.Context, userId string) (bool, error)
}

// FakeInventory is an in-memory Inventory for tests and local development.
type FakeInventory struct {
	Rooms  map[string]bool
	Owners map[string]string
	Users  map[string]bool

	// AllowUnknownRooms makes RoomExists report true for any id, the
	// ad-hoc-room mode used by local development.
	AllowUnknownRooms bool
}

func NewFakeInventory() *FakeInventory {
	return &FakeInventory{Rooms: map[string]bool{}, Owners: map[string]string{}, Users: map[string]bool{}}
}

func (f *FakeInventory) RoomExists(ctx context.Context, roomId string) (bool, error) {
	if f.AllowUnknownRooms {
		return true, nil
	}
	return f.Rooms[roomId], nil
}

func (f *FakeInventory) RoomOwner(ctx context.Context, roomId string) (string, error) {
	return f.Owners[roomId], nil
}

func (f *FakeInventory) IsRegisteredUser(ctx context.Context, userId string) (bool, error) {
	return f.Users[userId], nil
}

// ObjectStorage is the blob store collaborator (recordings, whiteboard
// exports, shared-folder uploads); entirely out of scope beyond a
// presigned-URL-shaped interface used by modules that are themselves out
// of scope for this repository.
type ObjectStorage interface {
	PresignUpload(ctx context.Context, key string, ttl time.Duration) (url string, err error)
}

// FakeObjectStorage is an in-memory ObjectStorage for tests.
type FakeObjectStorage struct{}

func (FakeObjectStorage) PresignUpload(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return "https://fake-object-storage.invalid/" + key, nil
}

// MailQueue is the outbound-email collaborator used by invitation flows
// out of scope here.
type MailQueue interface {
	Enqueue(ctx context.Context, to, subject, body string) error
}

// FakeMailQueue records enqueued mail for test assertions.
type FakeMailQueue struct {
	Sent []MailMessage
}

type MailMessage struct{ To, Subject, Body string }

func (f *FakeMailQueue) Enqueue(ctx context.Context, to, subject, body string) error {
	f.Sent = append(f.Sent, MailMessage{To: to, Subject: subject, Body: body})
	return nil
}

// RecorderRPC is the out-of-process recording/streaming collaborator. Its
// real wire shape (a gRPC service in the original) is not specified in
// scope, so it is modeled as a narrow interface; callers wrap it in a
// circuit breaker the same way internal/storage and internal/exchange wrap
// their own external calls (see DESIGN.md).
type RecorderRPC interface {
	StartRecording(ctx context.Context, roomId string) (recordingId string, err error)
	StopRecording(ctx context.Context, recordingId string) error
}

// FakeRecorderRPC is an in-memory RecorderRPC for tests.
type FakeRecorderRPC struct {
	Active map[string]string
	next   int
}

func NewFakeRecorderRPC() *FakeRecorderRPC {
	return &FakeRecorderRPC{Active: map[string]string{}}
}

func (f *FakeRecorderRPC) StartRecording(ctx context.Context, roomId string) (string, error) {
	f.next++
	id := fmt.Sprintf("rec-%d", f.next)
	f.Active[id] = roomId
	return id, nil
}

func (f *FakeRecorderRPC) StopRecording(ctx context.Context, recordingId string) error {
	if _, ok := f.Active[recordingId]; !ok {
		return errors.New("collaborators: unknown recording id")
	}
	delete(f.Active, recordingId)
	return nil
}

// Authority is the OIDC collaborator that authenticates the bearer token
// presented on the ticket-issuance request (the one REST surface this
// repository demonstrates end to end).
type Authority struct {
	keyFunc  jwt.Keyfunc
	issuer   string
	audience string
}

// Claims are the registered claims plus scope, name, and email.
type Claims struct {
	Scope string `json:"scope"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// NewAuthority builds an Authority backed by the OIDC provider's JWKS
// endpoint, cached and auto-refreshed.
func NewAuthority(ctx context.Context, domain, audience string) (*Authority, error) {
	issuerURL, err := url.Parse("https://" + domain + "/")
	if err != nil {
		return nil, fmt.Errorf("collaborators: parse issuer url: %w", err)
	}
	jwksURL := issuerURL.JoinPath(".well-known/jwks.json").String()

	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithRefreshInterval(1*time.Hour)); err != nil {
		return nil, fmt.Errorf("collaborators: register jwks cache: %w", err)
	}
	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("collaborators: initial jwks fetch: %w", err)
	}

	keyFunc := func(token *jwt.Token) (interface{}, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, errors.New("collaborators: kid header missing")
		}
		keys, err := cache.Get(ctx, jwksURL)
		if err != nil {
			return nil, fmt.Errorf("collaborators: fetch jwks: %w", err)
		}
		key, ok := keys.LookupKeyID(kid)
		if !ok {
			return nil, fmt.Errorf("collaborators: unknown kid %q", kid)
		}
		var raw interface{}
		if err := key.Raw(&raw); err != nil {
			return nil, fmt.Errorf("collaborators: materialize key: %w", err)
		}
		return raw, nil
	}

	return &Authority{keyFunc: keyFunc, issuer: issuerURL.String(), audience: audience}, nil
}

// Validate parses and verifies a bearer token, returning its claims.
func (a *Authority) Validate(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, a.keyFunc,
		jwt.WithIssuer(a.issuer),
		jwt.WithAudience(a.audience),
	)
	if err != nil {
		return nil, fmt.Errorf("collaborators: validate token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("collaborators: token invalid")
	}
	return claims, nil
}
