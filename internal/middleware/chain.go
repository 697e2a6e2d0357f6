// Package middleware runs ordered handler chains over a request/response pair
// and falls back to a caller-supplied action when no handler resolves the
// response.
package middleware

import "sync"

// Responder is implemented by responses that can report whether a terminal
// action has been taken on them.
type Responder interface {
	ResponseSent() bool
}

// Handler inspects a request and may act on the response.
type Handler[Req any, Res Responder] func(req Req, res Res)

// Chain holds handlers in registration order.
type Chain[Req any, Res Responder] struct {
	mu       sync.RWMutex
	handlers []Handler[Req, Res]
}

// NewChain returns an empty chain.
func NewChain[Req any, Res Responder]() *Chain[Req, Res] {
	return &Chain[Req, Res]{}
}

// Use appends handlers to the chain.
func (c *Chain[Req, Res]) Use(handlers ...Handler[Req, Res]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, handlers...)
}

// Len returns the number of registered handlers.
func (c *Chain[Req, Res]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.handlers)
}

// Dispatch runs handlers in order until one resolves res. When the chain is
// exhausted with res still pending, fallback runs exactly once. Dispatch
// reports whether a handler resolved the response.
func (c *Chain[Req, Res]) Dispatch(req Req, res Res, fallback func()) bool {
	c.mu.RLock()
	handlers := make([]Handler[Req, Res], len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.RUnlock()

	for _, handler := range handlers {
		handler(req, res)
		if res.ResponseSent() {
			return true
		}
	}

	if fallback != nil {
		fallback()
	}
	return false
}
