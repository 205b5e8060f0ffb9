package storage

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/opentalkeu/signaling-runtime/internal/metrics"
	"github.com/opentalkeu/signaling-runtime/internal/signalingerr"
)

// lockTTL bounds how long a Redis-held room lock survives a crashed
// holder; the lock wait bound (~1.5s across 20 tries) is far shorter, so a
// live holder always releases well before expiry.
const lockTTL = 30 * time.Second

// Redis is the clustered storage backend. Every primitive maps to one
// Redis command and is wrapped in a circuit breaker; unlike the exchange
// bridge (which degrades gracefully), storage failures are surfaced as
// ErrTransient so the runner's single-retry policy has something to act
// on.
type Redis struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// NewRedis wraps an existing *redis.Client. The caller owns the client's
// lifecycle (Close).
func NewRedis(client *redis.Client) *Redis {
	st := gobreaker.Settings{
		Name:        "signaling-storage",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.CircuitBreakerState.WithLabelValues("storage").Set(circuitStateValue(to))
		},
	}
	return &Redis{client: client, cb: gobreaker.NewCircuitBreaker(st)}
}

func circuitStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 2
	default:
		return 1
	}
}

func (r *Redis) execute(fn func() (any, error)) (any, error) {
	out, err := r.cb.Execute(fn)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.CircuitBreakerFailures.WithLabelValues("storage").Inc()
			return nil, signalingerr.ErrTransient
		}
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, errors.Join(signalingerr.ErrTransient, err)
	}
	return out, nil
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	out, err := r.execute(func() (any, error) {
		return r.client.Get(ctx, key).Bytes()
	})
	if err != nil {
		return nil, false, err
	}
	if out == nil {
		return nil, false, nil
	}
	return out.([]byte), true, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte) error {
	_, err := r.execute(func() (any, error) { return nil, r.client.Set(ctx, key, value, 0).Err() })
	return err
}

func (r *Redis) SetEx(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < time.Second {
		ttl = time.Second // Redis TTL resolution floor.
	}
	_, err := r.execute(func() (any, error) { return nil, r.client.Set(ctx, key, value, ttl).Err() })
	return err
}

func (r *Redis) SetNX(ctx context.Context, key string, value []byte) (bool, error) {
	out, err := r.execute(func() (any, error) { return r.client.SetNX(ctx, key, value, 0).Result() })
	if err != nil {
		return false, err
	}
	return out.(bool), nil
}

func (r *Redis) SetNXEx(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if ttl < time.Second {
		ttl = time.Second
	}
	out, err := r.execute(func() (any, error) { return r.client.SetNX(ctx, key, value, ttl).Result() })
	if err != nil {
		return false, err
	}
	return out.(bool), nil
}

func (r *Redis) Del(ctx context.Context, key string) (bool, error) {
	out, err := r.execute(func() (any, error) { return r.client.Del(ctx, key).Result() })
	if err != nil {
		return false, err
	}
	return out.(int64) > 0, nil
}

func (r *Redis) GetDel(ctx context.Context, key string) ([]byte, bool, error) {
	out, err := r.execute(func() (any, error) { return r.client.GetDel(ctx, key).Bytes() })
	if err != nil {
		return nil, false, err
	}
	if out == nil {
		return nil, false, nil
	}
	return out.([]byte), true, nil
}

// casScript is a Lua CAS: set newVal only if the current value equals
// oldVal, returning whether the swap occurred.
var casScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	redis.call("SET", KEYS[1], ARGV[2], "KEEPTTL")
	return 1
else
	return 0
end
`)

func (r *Redis) CompareAndSwap(ctx context.Context, key string, oldVal, newVal []byte) (bool, error) {
	out, err := r.execute(func() (any, error) {
		return casScript.Run(ctx, r.client, []string{key}, oldVal, newVal).Result()
	})
	if err != nil {
		return false, err
	}
	return out.(int64) == 1, nil
}

func (r *Redis) Incr(ctx context.Context, key string) (int64, error) {
	out, err := r.execute(func() (any, error) { return r.client.Incr(ctx, key).Result() })
	if err != nil {
		return 0, err
	}
	return out.(int64), nil
}

func (r *Redis) SAdd(ctx context.Context, key string, member string) error {
	_, err := r.execute(func() (any, error) { return nil, r.client.SAdd(ctx, key, member).Err() })
	return err
}

func (r *Redis) SRem(ctx context.Context, key string, member string) error {
	_, err := r.execute(func() (any, error) { return nil, r.client.SRem(ctx, key, member).Err() })
	return err
}

func (r *Redis) SMembers(ctx context.Context, key string) ([]string, error) {
	out, err := r.execute(func() (any, error) { return r.client.SMembers(ctx, key).Result() })
	if err != nil {
		return nil, err
	}
	return out.([]string), nil
}

func (r *Redis) SContains(ctx context.Context, key string, member string) (bool, error) {
	out, err := r.execute(func() (any, error) { return r.client.SIsMember(ctx, key, member).Result() })
	if err != nil {
		return false, err
	}
	return out.(bool), nil
}

func (r *Redis) SCard(ctx context.Context, key string) (int, error) {
	out, err := r.execute(func() (any, error) { return r.client.SCard(ctx, key).Result() })
	if err != nil {
		return 0, err
	}
	return int(out.(int64)), nil
}

// unlockScript deletes the lock key only if it still holds this holder's
// token, so a holder can never release a lock it no longer owns (e.g. after
// its own lockTTL expired and another runner acquired it in the meantime).
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// Lock implements a SETNX-based redlock with jittered polling: 20-60ms
// waits, up to 20 retries, bounded overall by timeout.
func (r *Redis) Lock(ctx context.Context, scope string, timeout time.Duration) (Guard, error) {
	key := "opentalk-signaling:lock:" + scope
	token := uuid.NewString()
	deadline := time.Now().Add(timeout)

	for attempt := 0; attempt < 20; attempt++ {
		ok, err := r.SetNX(ctx, key, []byte(token))
		if err != nil {
			return nil, err
		}
		if ok {
			r.client.Expire(ctx, key, lockTTL)
			return &redisGuard{client: r.client, key: key, token: token}, nil
		}
		if time.Now().After(deadline) {
			break
		}
		wait := time.Duration(20+rand.Intn(40)) * time.Millisecond
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
	return nil, signalingerr.ErrLocked
}

type redisGuard struct {
	client *redis.Client
	key    string
	token  string
}

func (g *redisGuard) Unlock(ctx context.Context) error {
	return unlockScript.Run(ctx, g.client, []string{g.key}, g.token).Err()
}
