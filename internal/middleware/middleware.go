// Package middleware intercepts inbound messages before they reach the
// agent runtime. Each middleware sees a mutable message context and either
// passes the message along or short-circuits with a direct response.
package middleware

import (
	"context"

	"github.com/haasonsaas/relay/pkg/models"
)

// MessageContext is the mutable state a middleware chain operates on.
type MessageContext struct {
	ChannelID     string
	SenderID      string
	Text          string
	CorrelationID string

	// Session is the resolved session for this message; middlewares read
	// its token counters but must not mutate history.
	Session *models.Session

	// Properties carries arbitrary cross-middleware state. Lazily
	// allocated; use SetProperty.
	Properties map[string]any

	response         string
	shortCircuited   bool
	shortCircuitedBy string
}

// SetProperty stores a cross-middleware value.
func (m *MessageContext) SetProperty(key string, value any) {
	if m.Properties == nil {
		m.Properties = make(map[string]any, 4)
	}
	m.Properties[key] = value
}

// Property reads a cross-middleware value.
func (m *MessageContext) Property(key string) (any, bool) {
	value, ok := m.Properties[key]
	return value, ok
}

// ShortCircuit stops the chain and answers the sender directly, bypassing
// the agent. The first short-circuit wins; later calls are ignored.
func (m *MessageContext) ShortCircuit(response string) {
	if m.shortCircuited {
		return
	}
	m.shortCircuited = true
	m.response = response
}

// ShortCircuited returns the direct response, if any middleware set one.
func (m *MessageContext) ShortCircuited() (string, bool) {
	return m.response, m.shortCircuited
}

// ShortCircuitedBy names the middleware that stopped the chain.
func (m *MessageContext) ShortCircuitedBy() string {
	return m.shortCircuitedBy
}

// Next continues the chain.
type Next func(ctx context.Context) error

// Middleware wraps message handling in the classic around shape: it must
// either call next or short-circuit the context.
type Middleware interface {
	Name() string
	Handle(ctx context.Context, mctx *MessageContext, next Next) error
}

// Chain is a finite ordered middleware list.
type Chain struct {
	middlewares []Middleware
}

// NewChain builds a chain that runs middlewares in the given order.
func NewChain(middlewares ...Middleware) *Chain {
	return &Chain{middlewares: middlewares}
}

// Run passes the message through the chain and, unless some middleware
// short-circuited, calls final.
func (c *Chain) Run(ctx context.Context, mctx *MessageContext, final Next) error {
	return c.run(ctx, mctx, 0, final)
}

func (c *Chain) run(ctx context.Context, mctx *MessageContext, i int, final Next) error {
	if mctx.shortCircuited {
		return nil
	}
	if i >= len(c.middlewares) {
		return final(ctx)
	}
	mw := c.middlewares[i]
	before := mctx.shortCircuited
	err := mw.Handle(ctx, mctx, func(ctx context.Context) error {
		return c.run(ctx, mctx, i+1, final)
	})
	if !before && mctx.shortCircuited && mctx.shortCircuitedBy == "" {
		mctx.shortCircuitedBy = mw.Name()
	}
	return err
}
