package llm

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/haasonsaas/relay/internal/backoff"
	"github.com/haasonsaas/relay/internal/infra"
	"github.com/haasonsaas/relay/internal/observability"
)

// ResilientConfig tunes the resilience wrapper around a provider.
type ResilientConfig struct {
	// Timeout bounds each attempt. 0 means unlimited.
	Timeout time.Duration

	// RetryCount is the number of additional attempts after the first.
	RetryCount int

	// Backoff controls the delay between attempts.
	Backoff backoff.Policy

	// Breaker gates calls while the provider is unhealthy. Required.
	Breaker *infra.CircuitBreaker

	// Logger receives retry and breaker events. Defaults to slog.Default().
	Logger *slog.Logger

	// Metrics, when set, receives request, retry, and token counters.
	Metrics *observability.Metrics
}

// ResilientClient wraps a Provider with per-attempt timeout, bounded
// exponential backoff retry, and a circuit breaker.
//
// Composition order per attempt: caller cancellation, circuit check,
// timeout, provider call. Only transient failures are retried (network,
// timeout, throttling, server errors); the caller's own cancellation never
// counts against the breaker.
type ResilientClient struct {
	provider   Provider
	timeout    time.Duration
	retryCount int
	policy     backoff.Policy
	breaker    *infra.CircuitBreaker
	logger     *slog.Logger
	metrics    *observability.Metrics
}

// NewResilientClient wraps provider with the resilience layer.
func NewResilientClient(provider Provider, config ResilientConfig) *ResilientClient {
	if config.Breaker == nil {
		config.Breaker = infra.NewCircuitBreaker(infra.CircuitBreakerConfig{Name: provider.Name()})
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Backoff == (backoff.Policy{}) {
		config.Backoff = backoff.DefaultPolicy()
	}
	return &ResilientClient{
		provider:   provider,
		timeout:    config.Timeout,
		retryCount: config.RetryCount,
		policy:     config.Backoff,
		breaker:    config.Breaker,
		logger:     config.Logger,
		metrics:    config.Metrics,
	}
}

// Name returns the wrapped provider's name.
func (c *ResilientClient) Name() string {
	return c.provider.Name()
}

// Breaker exposes the underlying circuit breaker for health reporting.
func (c *ResilientClient) Breaker() *infra.CircuitBreaker {
	return c.breaker
}

// Complete runs one completion through the resilience layer.
func (c *ResilientClient) Complete(ctx context.Context, req *CompletionRequest) (*Completion, error) {
	var lastErr error

	for attempt := 0; attempt <= c.retryCount; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := c.breaker.Allow(); err != nil {
			return nil, err
		}

		completion, err := c.attemptComplete(ctx, req)
		if err == nil {
			c.breaker.RecordSuccess()
			c.recordRequest(req.Model, "success")
			c.recordTokens(req.Model, completion.InputTokens, completion.OutputTokens)
			return completion, nil
		}
		if ctx.Err() != nil {
			// Outer cancellation; never a breaker failure.
			return nil, ctx.Err()
		}
		if c.countsAsFailure(err) {
			c.breaker.RecordFailure()
		}
		c.recordRequest(req.Model, "error")
		lastErr = err

		if !IsRetryable(err) {
			return nil, err
		}
		if attempt < c.retryCount {
			c.recordRetry(err)
			c.logger.Warn("llm call failed, retrying",
				"provider", c.provider.Name(),
				"attempt", attempt+1,
				"error", err)
			if sleepErr := c.policy.Sleep(ctx, attempt+1); sleepErr != nil {
				return nil, sleepErr
			}
		}
	}

	return nil, lastErr
}

// Stream runs a streaming completion through the resilience layer. Retries
// apply only while nothing has been delivered downstream; once any chunk is
// forwarded, a later failure is surfaced as an error chunk.
func (c *ResilientClient) Stream(ctx context.Context, req *CompletionRequest) (<-chan *Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make(chan *Chunk)
	go func() {
		defer close(out)

		var lastErr error
		for attempt := 0; attempt <= c.retryCount; attempt++ {
			if err := ctx.Err(); err != nil {
				c.emit(ctx, out, &Chunk{Err: err})
				return
			}
			if err := c.breaker.Allow(); err != nil {
				c.emit(ctx, out, &Chunk{Err: err})
				return
			}

			emitted, err := c.attemptStream(ctx, req, out)
			if err == nil {
				c.breaker.RecordSuccess()
				c.recordRequest(req.Model, "success")
				return
			}
			if ctx.Err() != nil {
				c.emit(ctx, out, &Chunk{Err: ctx.Err()})
				return
			}
			if c.countsAsFailure(err) {
				c.breaker.RecordFailure()
			}
			c.recordRequest(req.Model, "error")
			lastErr = err

			if emitted || !IsRetryable(err) {
				c.emit(ctx, out, &Chunk{Err: err})
				return
			}
			if attempt < c.retryCount {
				c.recordRetry(err)
				c.logger.Warn("llm stream failed, retrying",
					"provider", c.provider.Name(),
					"attempt", attempt+1,
					"error", err)
				if sleepErr := c.policy.Sleep(ctx, attempt+1); sleepErr != nil {
					c.emit(ctx, out, &Chunk{Err: sleepErr})
					return
				}
			}
		}

		c.emit(ctx, out, &Chunk{Err: lastErr})
	}()
	return out, nil
}

func (c *ResilientClient) attemptComplete(ctx context.Context, req *CompletionRequest) (*Completion, error) {
	attemptCtx, cancel := c.attemptContext(ctx)
	defer cancel()

	completion, err := c.provider.Complete(attemptCtx, req)
	if err != nil {
		return nil, c.normalizeError(ctx, err)
	}
	return completion, nil
}

// attemptStream forwards one provider stream to out. It reports whether any
// chunk reached the consumer, which disables re-attempts.
func (c *ResilientClient) attemptStream(ctx context.Context, req *CompletionRequest, out chan<- *Chunk) (bool, error) {
	attemptCtx, cancel := c.attemptContext(ctx)
	defer cancel()

	chunks, err := c.provider.Stream(attemptCtx, req)
	if err != nil {
		return false, c.normalizeError(ctx, err)
	}

	emitted := false
	for chunk := range chunks {
		if chunk.Err != nil {
			return emitted, c.normalizeError(ctx, chunk.Err)
		}
		if !c.emit(ctx, out, chunk) {
			return emitted, ctx.Err()
		}
		emitted = true
		if chunk.Done {
			c.recordTokens(req.Model, chunk.InputTokens, chunk.OutputTokens)
		}
	}
	return emitted, nil
}

func (c *ResilientClient) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout > 0 {
		return context.WithTimeout(ctx, c.timeout)
	}
	return ctx, func() {}
}

func (c *ResilientClient) emit(ctx context.Context, out chan<- *Chunk, chunk *Chunk) bool {
	select {
	case out <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

// normalizeError converts a per-attempt deadline expiry into a retryable
// timeout error. The caller's own cancellation passes through untouched.
func (c *ResilientClient) normalizeError(outer context.Context, err error) error {
	if outer.Err() != nil {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &ProviderError{
			Provider: c.provider.Name(),
			Reason:   ReasonTimeout,
			Message:  "request timed out",
		}
	}
	return err
}

func (c *ResilientClient) recordRequest(model, status string) {
	if c.metrics != nil {
		c.metrics.LLMRequestCounter.WithLabelValues(c.provider.Name(), modelLabel(model), status).Inc()
	}
}

func (c *ResilientClient) recordRetry(err error) {
	if c.metrics == nil {
		return
	}
	reason := string(ReasonUnknown)
	if providerErr, ok := GetProviderError(err); ok {
		reason = string(providerErr.Reason)
	}
	c.metrics.LLMRetryCounter.WithLabelValues(c.provider.Name(), reason).Inc()
}

func (c *ResilientClient) recordTokens(model string, input, output int) {
	if c.metrics == nil {
		return
	}
	name := c.provider.Name()
	label := modelLabel(model)
	c.metrics.LLMTokensUsed.WithLabelValues(name, label, "input").Add(float64(input))
	c.metrics.LLMTokensUsed.WithLabelValues(name, label, "output").Add(float64(output))
}

// modelLabel keeps the metric label non-empty when the request relies on
// the provider's default model.
func modelLabel(model string) string {
	if model == "" {
		return "default"
	}
	return model
}

// countsAsFailure decides whether an error dents the breaker. Cancellation
// and caller-side errors (auth, billing, bad request, unknown model) say
// nothing about provider health.
func (c *ResilientClient) countsAsFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if infra.IsCircuitOpen(err) {
		return false
	}
	if providerErr, ok := GetProviderError(err); ok {
		switch providerErr.Reason {
		case ReasonAuth, ReasonBilling, ReasonInvalidRequest, ReasonModelUnavailable:
			return false
		}
	}
	return true
}
