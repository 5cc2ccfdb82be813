package brokerkit

import (
	"encoding/json"
	"sync"

	amqp091 "github.com/rabbitmq/amqp091-go"
)

// HandlerContext is what a Consumer hands to the middleware chain and the
// terminal handler for each delivery.
type HandlerContext struct {
	// Body is the raw, already-UTF8/JSON-validated payload.
	Body []byte

	// RoutingKey is the delivery's routing key.
	RoutingKey string

	// Headers are the delivery's AMQP headers, including x-retry-count and
	// x-original-routing-key if this is a redelivery.
	Headers amqp091.Table

	// RetryCount is the value of the x-retry-count header, 0 on first
	// attempt.
	RetryCount int
}

// Decode JSON-unmarshals the delivery body into v.
func (c *HandlerContext) Decode(v interface{}) error {
	return json.Unmarshal(c.Body, v)
}

// ReplyFunc sends a JSON-encoded response back to the delivery's reply-to
// queue, correlated by its correlation id. It is a no-op if the delivery
// carried no reply-to/correlation-id pair.
type ReplyFunc func(v interface{}) error

// Next invokes the remainder of the middleware chain (or, at the tail, the
// terminal handler).
type Next func() error

// Middleware wraps a HandlerContext/Next/ReplyFunc. A middleware that does
// not call next short-circuits the remainder of the chain; this is not an
// error (spec.md §4.4).
type Middleware func(ctx *HandlerContext, next Next, reply ReplyFunc) error

// HandlerFunc is a terminal, routing-key-bound handler.
type HandlerFunc func(ctx *HandlerContext, reply ReplyFunc) error

// HandlerEntry pairs a handler with its per-route retry overrides.
type HandlerEntry struct {
	RoutingKey string
	Handler    HandlerFunc
	Options    HandlerOptions
}

// HandlerRegistry maps routing keys to HandlerEntry. Last registration wins
// on duplicate key (spec.md §4.3).
type HandlerRegistry struct {
	mu      sync.RWMutex
	entries map[string]HandlerEntry
}

// NewHandlerRegistry constructs an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{entries: make(map[string]HandlerEntry)}
}

// Register binds handler to routingKey, overwriting any prior registration.
func (r *HandlerRegistry) Register(routingKey string, handler HandlerFunc, opts HandlerOptions) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[routingKey] = HandlerEntry{RoutingKey: routingKey, Handler: handler, Options: opts}
}

// Lookup returns the entry bound to routingKey, if any.
func (r *HandlerRegistry) Lookup(routingKey string) (HandlerEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[routingKey]
	return e, ok
}

// Keys returns every registered routing key. Iteration order is not
// semantically significant (spec.md §4.3).
func (r *HandlerRegistry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	return keys
}
