// Package exchange implements the topic-based pub/sub bus between
// runners: runners subscribe to routing keys and receive NamespacedEvents
// published by other runners, on the same node or (via the Redis bridge)
// across processes. The exchange never persists messages — a subscriber
// that joins after a publish simply never sees it.
package exchange

import (
	"context"
	"encoding/json"
	"time"
)

// NamespacedEvent is the outbound wire envelope: a module id, a timestamp,
// and an opaque module-defined payload.
type NamespacedEvent struct {
	ModuleId  string          `json:"module_id"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Handler receives events delivered to a subscription, in publisher order
// for any single publisher.
type Handler func(routingKey string, evt NamespacedEvent)

// SubscriberHandle identifies one subscribe() call's set of bindings.
type SubscriberHandle struct {
	id string
}

// Exchange is the pub/sub contract every runner depends on.
type Exchange interface {
	// Publish fans the event out to every current subscriber of
	// routingKey. Best-effort: a slow or absent subscriber does not block
	// or fail the publisher.
	Publish(ctx context.Context, routingKey string, evt NamespacedEvent) error

	// Subscribe atomically attaches sink to every key in routingKeys and
	// returns a handle for later Bind/Unbind/Drop calls.
	Subscribe(ctx context.Context, routingKeys []string, sink Handler) (SubscriberHandle, error)

	// Bind adds routingKey to an existing subscription.
	Bind(ctx context.Context, handle SubscriberHandle, routingKey string) error

	// Unbind removes routingKey from an existing subscription.
	Unbind(ctx context.Context, handle SubscriberHandle, routingKey string) error

	// Drop detaches the subscription entirely; no further events are
	// delivered to its sink afterwards.
	Drop(ctx context.Context, handle SubscriberHandle) error
}

// Routing key helpers.

func RoomKey(roomId string) string { return "room." + roomId }

func SignalingRoomKey(signalingRoomId string) string { return "room." + signalingRoomId }

func ParticipantKey(signalingRoomId, participantId string) string {
	return "room." + signalingRoomId + ".participant." + participantId
}

func ModeratorKey(signalingRoomId string) string {
	return "room." + signalingRoomId + ".role.moderator"
}
