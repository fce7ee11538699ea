// Package eventbus implements a small synchronous, in-process publish/
// subscribe primitive used to fan out job lifecycle notifications. It is
// deliberately simpler than a general-purpose broker: no queueing, no
// acknowledgement, no dead-letter handling, no circuit breaker — delivery
// happens inline on the publisher's goroutine.
package eventbus

import (
	"context"
	"log/slog"
	"reflect"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
)

// WildcardTopic matches every publish regardless of its topic.
const WildcardTopic = "*"

// Handler receives an event payload. ctx carries the publisher's context so
// handlers can respect cancellation, but the bus itself never cancels a
// handler mid-call.
type Handler func(ctx context.Context, topic string, payload any)

type subscription struct {
	id      uint64
	topic   string
	handler Handler
	key     dedupeKey
}

// dedupeKey identifies a (topic, identity) pair for dedup purposes. Go func
// values are not comparable, so identityPtr holds a function's code pointer
// (reflect.Value.Pointer) rather than the value itself. Two distinct
// closures sharing the same underlying function literal collide under this
// scheme — which is why Subscribe keys on the caller-supplied identity
// rather than always on handler itself: a caller that wraps its real
// callback in an adapter closure (a new closure value per call, all sharing
// one literal) would otherwise see every such subscription collide
// regardless of which callback it wraps. Passing the pre-wrap callback as
// identity keeps dedup precise.
type dedupeKey struct {
	topic       string
	identityPtr uintptr
}

// Bus is a topic-keyed subscriber registry with wildcard support. The zero
// value is not usable; construct with New.
type Bus struct {
	mu            sync.RWMutex
	subscriptions map[uint64]*subscription
	byDedupeKey   map[dedupeKey]uint64
	nextID        uint64
	dedupe        bool
	logger        *slog.Logger
}

// Option configures a Bus at construction time.
type Option func(*Bus)

// WithDedupe controls whether repeated Subscribe calls for the same topic
// and function value are collapsed to one registration. Identity is
// determined by the handler's underlying function pointer (two distinct
// closures wrapping the same func collide, same as a plain func value
// would); a handler stored in a variable and passed to Subscribe twice for
// the same topic is recognized as a re-subscription and returns the
// existing Unsubscribe instead of creating a second entry.
func WithDedupe(enabled bool) Option {
	return func(b *Bus) { b.dedupe = enabled }
}

// WithLogger overrides the logger used to report panics recovered from
// subscriber callbacks.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

// New constructs an empty Bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		subscriptions: make(map[uint64]*subscription),
		byDedupeKey:   make(map[dedupeKey]uint64),
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Unsubscribe removes a subscription. Safe to call multiple times.
type Unsubscribe func()

// Subscribe registers handler for topic. Pass WildcardTopic to receive
// every event regardless of topic. The returned Unsubscribe removes the
// registration; calling it more than once is a no-op. When the Bus was
// constructed with WithDedupe(true), re-subscribing handler itself to the
// same topic returns the Unsubscribe for the existing registration instead
// of creating a second one.
func (b *Bus) Subscribe(topic string, handler Handler) Unsubscribe {
	return b.SubscribeAs(topic, handler, handler)
}

// SubscribeAs is Subscribe with the dedup identity decoupled from handler.
// Callers that adapt a caller-supplied callback into a Handler with a
// shared wrapper closure (one literal, many instances) should pass the
// original, pre-wrap callback as identity so dedup compares the right
// thing; Subscribe itself just calls SubscribeAs(topic, handler, handler).
func (b *Bus) SubscribeAs(topic string, handler Handler, identity any) Unsubscribe {
	key := dedupeKey{topic: topic, identityPtr: reflect.ValueOf(identity).Pointer()}

	b.mu.Lock()
	if b.dedupe {
		if id, ok := b.byDedupeKey[key]; ok {
			b.mu.Unlock()
			return b.unsubscribeFunc(id)
		}
	}
	b.nextID++
	id := b.nextID
	b.subscriptions[id] = &subscription{id: id, topic: topic, handler: handler, key: key}
	if b.dedupe {
		b.byDedupeKey[key] = id
	}
	b.mu.Unlock()

	return b.unsubscribeFunc(id)
}

func (b *Bus) unsubscribeFunc(id uint64) Unsubscribe {
	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			if sub, ok := b.subscriptions[id]; ok {
				delete(b.byDedupeKey, sub.key)
			}
			delete(b.subscriptions, id)
			b.mu.Unlock()
		})
	}
}

// Publish delivers payload synchronously to every subscription whose topic
// matches, in registration order. Each handler invocation is wrapped with
// panic recovery: a panicking subscriber is logged and never propagates
// back to the caller, and never prevents other subscribers from running.
func (b *Bus) Publish(ctx context.Context, topic string, payload any) {
	b.mu.RLock()
	matched := make([]*subscription, 0, len(b.subscriptions))
	for _, sub := range b.subscriptions {
		if matchTopic(sub.topic, topic) {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	// subscriptions is a map; ids grow with each Subscribe, so sorting by id
	// restores registration order.
	sort.Slice(matched, func(i, j int) bool { return matched[i].id < matched[j].id })

	for _, sub := range matched {
		b.invoke(ctx, sub, topic, payload)
	}
}

func (b *Bus) invoke(ctx context.Context, sub *subscription, topic string, payload any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.ErrorContext(ctx, "eventbus: subscriber panicked",
				"topic", topic,
				"subscription_topic", sub.topic,
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	sub.handler(ctx, topic, payload)
}

// matchTopic reports whether a subscription registered for pattern should
// receive an event published on topic.
func matchTopic(pattern, topic string) bool {
	if pattern == WildcardTopic || pattern == topic {
		return true
	}
	if strings.HasSuffix(pattern, ".*") {
		prefix := strings.TrimSuffix(pattern, ".*")
		return strings.HasPrefix(topic, prefix+".")
	}
	return false
}
