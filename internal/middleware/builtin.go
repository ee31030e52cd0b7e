package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/haasonsaas/relay/internal/ratelimit"
)

// RateLimit throttles senders with a fixed-window counter keyed by
// channel and sender.
type RateLimit struct {
	limiter *ratelimit.Limiter
}

// NewRateLimit wraps a limiter as a middleware.
func NewRateLimit(limiter *ratelimit.Limiter) *RateLimit {
	return &RateLimit{limiter: limiter}
}

func (m *RateLimit) Name() string { return "rate_limit" }

func (m *RateLimit) Handle(ctx context.Context, mctx *MessageContext, next Next) error {
	key := ratelimit.CompositeKey(mctx.ChannelID, mctx.SenderID)
	if !m.limiter.Allow(key) {
		wait := m.limiter.WaitTime(key).Round(time.Second)
		if wait < time.Second {
			wait = time.Second
		}
		mctx.ShortCircuit(fmt.Sprintf("You are sending messages too quickly. Please wait %s.", wait))
		return nil
	}
	return next(ctx)
}

// TokenBudget stops a session that has consumed its token allowance. A
// zero budget means unlimited.
type TokenBudget struct {
	budget int64
}

// NewTokenBudget creates a budget middleware.
func NewTokenBudget(budget int64) *TokenBudget {
	return &TokenBudget{budget: budget}
}

func (m *TokenBudget) Name() string { return "token_budget" }

func (m *TokenBudget) Handle(ctx context.Context, mctx *MessageContext, next Next) error {
	if m.budget > 0 && mctx.Session != nil {
		used := mctx.Session.TotalInputTokens + mctx.Session.TotalOutputTokens
		if used >= m.budget {
			mctx.ShortCircuit("This conversation has reached its token budget. Start a new session to continue.")
			return nil
		}
	}
	return next(ctx)
}

// Audit logs every inbound message and its outcome. Pass-through.
type Audit struct {
	logger *slog.Logger
}

// NewAudit creates an audit middleware.
func NewAudit(logger *slog.Logger) *Audit {
	if logger == nil {
		logger = slog.Default()
	}
	return &Audit{logger: logger}
}

func (m *Audit) Name() string { return "audit" }

func (m *Audit) Handle(ctx context.Context, mctx *MessageContext, next Next) error {
	start := time.Now()
	err := next(ctx)

	attrs := []any{
		"channel_id", mctx.ChannelID,
		"sender_id", mctx.SenderID,
		"correlation_id", mctx.CorrelationID,
		"text_len", len(mctx.Text),
		"duration", time.Since(start),
	}
	if _, stopped := mctx.ShortCircuited(); stopped {
		attrs = append(attrs, "short_circuited", true)
	}
	if err != nil {
		attrs = append(attrs, "error", err)
		m.logger.Error("message handling failed", attrs...)
		return err
	}
	m.logger.Info("message handled", attrs...)
	return nil
}
