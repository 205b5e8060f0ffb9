package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/opentalkeu/signaling-runtime/internal/logging"
	"github.com/opentalkeu/signaling-runtime/internal/metrics"
)

const redisChannelPrefix = "opentalk-signaling:exchange:"

// RedisBridge wraps a Local exchange so that publishes also reach runners
// on other nodes, and inbound Redis pub/sub messages are fanned out to this
// node's local subscribers. Every Redis call is wrapped in a circuit
// breaker, and the bridge degrades to local-only delivery when the breaker
// is open rather than failing the publisher outright; the exchange is
// best-effort by contract.
type RedisBridge struct {
	local  *Local
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
	nodeId string

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// envelope wraps a cross-process event with its origin node, so the
// originating bridge can skip its own echo: same-node subscribers were
// already served by the direct local delivery in Publish.
type envelope struct {
	Origin string          `json:"origin"`
	Event  NamespacedEvent `json:"event"`
}

// NewRedisBridge subscribes to the cross-process exchange channel pattern
// and starts the fan-in goroutine. Call Close to stop it.
func NewRedisBridge(client *redis.Client) *RedisBridge {
	st := gobreaker.Settings{
		Name:        "signaling-exchange",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.CircuitBreakerState.WithLabelValues("exchange").Set(circuitStateValue(to))
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &RedisBridge{
		local:  NewLocal(),
		client: client,
		cb:     gobreaker.NewCircuitBreaker(st),
		nodeId: uuid.NewString(),
		cancel: cancel,
	}

	pubsub := client.PSubscribe(ctx, redisChannelPrefix+"*")
	b.wg.Add(1)
	go b.fanIn(ctx, pubsub)
	return b
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

func (b *RedisBridge) fanIn(ctx context.Context, pubsub *redis.PubSub) {
	defer b.wg.Done()
	defer pubsub.Close()
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			routingKey := strings.TrimPrefix(msg.Channel, redisChannelPrefix)
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				logging.Warn(ctx, "exchange: dropping malformed cross-process event", "routing_key", routingKey, "error", err)
				continue
			}
			if env.Origin == b.nodeId {
				continue
			}
			b.local.deliverLocal(routingKey, env.Event)
		}
	}
}

func (b *RedisBridge) Publish(ctx context.Context, routingKey string, evt NamespacedEvent) error {
	// Same-node subscribers get it immediately, without a Redis round trip.
	b.local.deliverLocal(routingKey, evt)

	raw, err := json.Marshal(envelope{Origin: b.nodeId, Event: evt})
	if err != nil {
		return err
	}
	_, err = b.cb.Execute(func() (any, error) {
		return nil, b.client.Publish(ctx, redisChannelPrefix+routingKey, raw).Err()
	})
	if err != nil && errors.Is(err, gobreaker.ErrOpenState) {
		metrics.CircuitBreakerFailures.WithLabelValues("exchange").Inc()
		// Cross-process fan-out degraded; local delivery above still
		// happened, consistent with "best-effort" semantics.
		return nil
	}
	return err
}

func (b *RedisBridge) Subscribe(ctx context.Context, routingKeys []string, sink Handler) (SubscriberHandle, error) {
	return b.local.Subscribe(ctx, routingKeys, sink)
}

func (b *RedisBridge) Bind(ctx context.Context, handle SubscriberHandle, routingKey string) error {
	return b.local.Bind(ctx, handle, routingKey)
}

func (b *RedisBridge) Unbind(ctx context.Context, handle SubscriberHandle, routingKey string) error {
	return b.local.Unbind(ctx, handle, routingKey)
}

func (b *RedisBridge) Drop(ctx context.Context, handle SubscriberHandle) error {
	return b.local.Drop(ctx, handle)
}

// Close stops the fan-in goroutine. The underlying redis.Client is owned by
// the caller.
func (b *RedisBridge) Close() error {
	b.cancel()
	b.wg.Wait()
	return nil
}
