// Package storage is the volatile room-state facade described in the
// signaling spec: an opaque key/value store with atomic primitives, TTLs,
// and a room-scoped mutex. Two backends are provided: an in-process memory
// store (internal/storage/memory.go) for single-node deployments and tests,
// and a Redis-backed store (internal/storage/redis.go) for clustered
// deployments.
//
// Keys are opaque strings; values are opaque bytes at the interface level.
// Call sites that want typed access use the generic helpers GetJSON/SetJSON/
// etc. below rather than asserting interface methods, since Go interface
// methods cannot themselves be generic.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Guard represents a held room lock. It must be released exactly once.
type Guard interface {
	Unlock(ctx context.Context) error
}

// Storage is the primitive byte-level facade every backend implements.
type Storage interface {
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Set(ctx context.Context, key string, value []byte) error
	SetEx(ctx context.Context, key string, value []byte, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value []byte) (set bool, err error)
	SetNXEx(ctx context.Context, key string, value []byte, ttl time.Duration) (set bool, err error)
	Del(ctx context.Context, key string) (existed bool, err error)
	Incr(ctx context.Context, key string) (int64, error)

	// GetDel atomically reads and removes key in one step: used by ticket
	// redemption to guarantee at-most-once consumption.
	GetDel(ctx context.Context, key string) (value []byte, found bool, err error)

	// CompareAndSwap replaces key's value with newVal only if its current
	// value equals oldVal, atomically. Used by resumption token refresh.
	CompareAndSwap(ctx context.Context, key string, oldVal, newVal []byte) (swapped bool, err error)

	SAdd(ctx context.Context, key string, member string) error
	SRem(ctx context.Context, key string, member string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SContains(ctx context.Context, key string, member string) (bool, error)
	SCard(ctx context.Context, key string) (int, error)

	// Lock acquires the mutex for scope, blocking up to timeout. It returns
	// signalingerr.ErrLocked if the bound is exceeded. The returned Guard
	// must be released via Unlock on every exit path.
	Lock(ctx context.Context, scope string, timeout time.Duration) (Guard, error)
}

// GetJSON fetches key and JSON-decodes it into V. found is false both when
// the key is absent and when it has expired; an expired value is never
// observed.
func GetJSON[V any](ctx context.Context, s Storage, key string) (V, bool, error) {
	var out V
	raw, found, err := s.Get(ctx, key)
	if err != nil || !found {
		return out, found, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, false, fmt.Errorf("storage: decode %q: %w", key, err)
	}
	return out, true, nil
}

// SetJSON JSON-encodes val and stores it under key with no expiry.
func SetJSON[V any](ctx context.Context, s Storage, key string, val V) error {
	raw, err := json.Marshal(val)
	if err != nil {
		return fmt.Errorf("storage: encode %q: %w", key, err)
	}
	return s.Set(ctx, key, raw)
}

// SetJSONEx is SetJSON with an expiry.
func SetJSONEx[V any](ctx context.Context, s Storage, key string, val V, ttl time.Duration) error {
	raw, err := json.Marshal(val)
	if err != nil {
		return fmt.Errorf("storage: encode %q: %w", key, err)
	}
	return s.SetEx(ctx, key, raw, ttl)
}

// SetJSONNX is SetNX with JSON encoding.
func SetJSONNX[V any](ctx context.Context, s Storage, key string, val V) (bool, error) {
	raw, err := json.Marshal(val)
	if err != nil {
		return false, fmt.Errorf("storage: encode %q: %w", key, err)
	}
	return s.SetNX(ctx, key, raw)
}

// SetJSONNXEx is SetNXEx with JSON encoding.
func SetJSONNXEx[V any](ctx context.Context, s Storage, key string, val V, ttl time.Duration) (bool, error) {
	raw, err := json.Marshal(val)
	if err != nil {
		return false, fmt.Errorf("storage: encode %q: %w", key, err)
	}
	return s.SetNXEx(ctx, key, raw, ttl)
}

// Keys is the storage key layout: all ASCII, colon-delimited, namespaced
// under "opentalk-signaling".
type Keys struct{}

func (Keys) Participants(room string) string { return "opentalk-signaling:room=" + room + ":participants" }
func (Keys) ParticipantsLock(room string) string {
	return "opentalk-signaling:room=" + room + ":participants.lock"
}
func (Keys) BreakoutConfig(room string) string {
	return "opentalk-signaling:room=" + room + ":breakout:config"
}
func (Keys) RoomInfo(room string) string { return "opentalk-signaling:room=" + room + ":info" }
func (Keys) Module(room, participant, module, field string) string {
	return "opentalk-signaling:room=" + room + ":participant=" + participant + ":namespace=" + module + ":" + field
}
func (Keys) RunnerPresence(room, participant string) string {
	return "opentalk-signaling:room=" + room + ":participant=" + participant + ":runner"
}
func (Keys) Ticket(token string) string     { return "opentalk-signaling:ticket=" + token }
func (Keys) Resumption(token string) string { return "opentalk-signaling:resumption=" + token }
