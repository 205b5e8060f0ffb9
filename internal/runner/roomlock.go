package runner

import (
	"context"
	"time"

	"github.com/opentalkeu/signaling-runtime/internal/metrics"
	"github.com/opentalkeu/signaling-runtime/internal/storage"
)

// roomLockTimeout is the hard bound on acquiring a room lock.
const roomLockTimeout = 1500 * time.Millisecond

// withRoomLock acquires the mutex scoped to signalingRoomId's participant
// set, runs fn, and releases the lock on every exit path — including a
// panic inside fn, which is re-raised after Unlock runs. This is the single
// choke point every multi-key room mutation in this package goes through;
// no runner ever holds more than one room lock at a time.
func withRoomLock(ctx context.Context, s storage.Storage, scope string, fn func(ctx context.Context) error) error {
	start := time.Now()
	guard, err := s.Lock(ctx, scope, roomLockTimeout)
	metrics.RoomLockWaitDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.RoomLockTimeouts.Inc()
		return err
	}
	defer func() {
		_ = guard.Unlock(ctx)
	}()
	return fn(ctx)
}
