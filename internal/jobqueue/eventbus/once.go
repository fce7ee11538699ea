package eventbus

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
)

// OnceRegistry holds callbacks keyed by an arbitrary id (a job uid in
// practice). Callbacks fire on every Fire call for their key and are
// discarded by the first Fire with terminal set (or by Drop). It backs the
// manager's per-job done/attempt subscriptions, which must not leak once
// the job reaches a terminal state.
type OnceRegistry struct {
	mu        sync.Mutex
	callbacks map[string][]Handler
	logger    *slog.Logger
}

// NewOnceRegistry constructs an empty OnceRegistry.
func NewOnceRegistry(logger *slog.Logger) *OnceRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &OnceRegistry{callbacks: make(map[string][]Handler), logger: logger}
}

// Add registers handler under key. Multiple handlers may share a key; all
// fire, in registration order, the next time Fire is called for that key.
func (r *OnceRegistry) Add(key string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks[key] = append(r.callbacks[key], handler)
}

// Fire invokes every callback registered under key. It is a no-op if key
// has no registrations. The registration under key is dropped only when
// terminal is true — pass false to let the same callbacks fire again on a
// later call (e.g. once per retry attempt), true once the caller knows no
// further event for key will ever be published (e.g. the job reached a
// terminal status). Panics inside a callback are recovered and logged,
// matching Bus.Publish's isolation guarantee.
func (r *OnceRegistry) Fire(ctx context.Context, key string, topic string, payload any, terminal bool) {
	r.mu.Lock()
	handlers := r.callbacks[key]
	if terminal {
		delete(r.callbacks, key)
	}
	r.mu.Unlock()

	for _, h := range handlers {
		r.invoke(ctx, h, topic, payload)
	}
}

// Drop discards any pending callbacks registered under key without firing
// them, used when a job is removed from the system before completion.
func (r *OnceRegistry) Drop(key string) {
	r.mu.Lock()
	delete(r.callbacks, key)
	r.mu.Unlock()
}

func (r *OnceRegistry) invoke(ctx context.Context, h Handler, topic string, payload any) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.ErrorContext(ctx, "eventbus: once-callback panicked",
				"topic", topic,
				"panic", rec,
				"stack", string(debug.Stack()))
		}
	}()
	h(ctx, topic, payload)
}
