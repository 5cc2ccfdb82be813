package brokerkit

import "sync"

// MiddlewareChain composes an ordered list of middlewares around a terminal
// handler. Middlewares execute in registration order; the first registered
// runs first (spec.md §4.4).
type MiddlewareChain struct {
	mu          sync.RWMutex
	middlewares []Middleware
}

// NewMiddlewareChain constructs an empty chain.
func NewMiddlewareChain() *MiddlewareChain {
	return &MiddlewareChain{}
}

// Use appends a middleware to the chain.
func (c *MiddlewareChain) Use(m Middleware) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.middlewares = append(c.middlewares, m)
}

// Compose builds a single Next that runs the registered middlewares in
// order, terminating in terminal. Any error raised by a middleware or
// terminal propagates upward, aborting the chain (spec.md §4.4).
func (c *MiddlewareChain) Compose(ctx *HandlerContext, reply ReplyFunc, terminal HandlerFunc) Next {
	c.mu.RLock()
	chain := make([]Middleware, len(c.middlewares))
	copy(chain, c.middlewares)
	c.mu.RUnlock()

	var build func(i int) Next
	build = func(i int) Next {
		if i >= len(chain) {
			return func() error { return terminal(ctx, reply) }
		}
		mw := chain[i]
		rest := build(i + 1)
		return func() error { return mw(ctx, rest, reply) }
	}

	return build(0)
}
