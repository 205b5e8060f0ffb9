package exchange

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/opentalkeu/signaling-runtime/internal/metrics"
)

const subscriberQueueDepth = 256

type subscription struct {
	mu   sync.Mutex
	keys map[string]struct{}
	sink Handler
	in   chan deliverable
	done chan struct{}
}

type deliverable struct {
	routingKey string
	evt        NamespacedEvent
}

// Local is the in-process pub/sub implementation: one goroutine per
// subscriber drains an ordered, bounded queue so that any single
// publisher's events arrive at any single subscriber in the order they
// were published.
type Local struct {
	mu    sync.RWMutex
	subs  map[string]*subscription   // subscriber id -> subscription
	byKey map[string]map[string]bool // routing key -> set of subscriber ids
}

func NewLocal() *Local {
	return &Local{
		subs:  make(map[string]*subscription),
		byKey: make(map[string]map[string]bool),
	}
}

func (l *Local) Subscribe(ctx context.Context, routingKeys []string, sink Handler) (SubscriberHandle, error) {
	sub := &subscription{
		keys: make(map[string]struct{}),
		sink: sink,
		in:   make(chan deliverable, subscriberQueueDepth),
		done: make(chan struct{}),
	}
	id := uuid.NewString()

	l.mu.Lock()
	l.subs[id] = sub
	for _, key := range routingKeys {
		sub.keys[key] = struct{}{}
		set, ok := l.byKey[key]
		if !ok {
			set = make(map[string]bool)
			l.byKey[key] = set
		}
		set[id] = true
	}
	l.mu.Unlock()

	go sub.drain()

	return SubscriberHandle{id: id}, nil
}

func (s *subscription) drain() {
	for {
		select {
		case item := <-s.in:
			s.sink(item.routingKey, item.evt)
		case <-s.done:
			return
		}
	}
}

func (l *Local) Bind(ctx context.Context, handle SubscriberHandle, routingKey string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	sub, ok := l.subs[handle.id]
	if !ok {
		return nil
	}
	sub.mu.Lock()
	sub.keys[routingKey] = struct{}{}
	sub.mu.Unlock()

	set, ok := l.byKey[routingKey]
	if !ok {
		set = make(map[string]bool)
		l.byKey[routingKey] = set
	}
	set[handle.id] = true
	return nil
}

func (l *Local) Unbind(ctx context.Context, handle SubscriberHandle, routingKey string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if sub, ok := l.subs[handle.id]; ok {
		sub.mu.Lock()
		delete(sub.keys, routingKey)
		sub.mu.Unlock()
	}
	if set, ok := l.byKey[routingKey]; ok {
		delete(set, handle.id)
	}
	return nil
}

func (l *Local) Drop(ctx context.Context, handle SubscriberHandle) error {
	l.mu.Lock()
	sub, ok := l.subs[handle.id]
	if !ok {
		l.mu.Unlock()
		return nil
	}
	delete(l.subs, handle.id)
	sub.mu.Lock()
	for key := range sub.keys {
		if set, ok := l.byKey[key]; ok {
			delete(set, handle.id)
		}
	}
	sub.mu.Unlock()
	l.mu.Unlock()

	close(sub.done)
	return nil
}

func (l *Local) Publish(ctx context.Context, routingKey string, evt NamespacedEvent) error {
	l.deliverLocal(routingKey, evt)
	return nil
}

// deliverLocal fans evt out to same-node subscribers only; a Redis bridge
// calls this directly for messages that originated on another node, so they
// are not re-published back out to Redis.
func (l *Local) deliverLocal(routingKey string, evt NamespacedEvent) {
	l.mu.RLock()
	subscriberIds := make([]string, 0, len(l.byKey[routingKey]))
	for id, bound := range l.byKey[routingKey] {
		if bound {
			subscriberIds = append(subscriberIds, id)
		}
	}
	subs := make([]*subscription, 0, len(subscriberIds))
	for _, id := range subscriberIds {
		if sub, ok := l.subs[id]; ok {
			subs = append(subs, sub)
		}
	}
	l.mu.RUnlock()

	item := deliverable{routingKey: routingKey, evt: evt}
	for _, sub := range subs {
		select {
		case sub.in <- item:
			metrics.ExchangeDelivered.Inc()
		default:
			// Best-effort contract: a saturated subscriber drops the
			// message rather than blocking the publisher or other
			// subscribers.
			metrics.ExchangeDropped.Inc()
		}
	}
}
