package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/relay/internal/infra"
	"github.com/haasonsaas/relay/internal/llm"
)

// maxIterationsMessage is the final assistant message emitted when the
// loop is capped with tool calls still pending.
const maxIterationsMessage = "reached the maximum number of tool iterations"

// UserFacingMessage maps an internal error onto a short categorized
// message safe to show the user. Raw provider error text is never echoed.
func UserFacingMessage(err error) string {
	if err == nil {
		return ""
	}

	var open *infra.CircuitOpenError
	if errors.As(err, &open) {
		retryAfter := open.RetryAfter.Round(time.Second)
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
		return fmt.Sprintf("The assistant is temporarily unavailable. Please try again in %s.", retryAfter)
	}

	if providerErr, ok := llm.GetProviderError(err); ok {
		switch providerErr.Reason {
		case llm.ReasonAuth:
			return "The assistant could not authenticate with its language model provider."
		case llm.ReasonBilling:
			return "The assistant's language model quota is exhausted."
		case llm.ReasonRateLimit:
			return "The assistant is being rate limited. Please try again shortly."
		case llm.ReasonInvalidRequest:
			return "The assistant could not process this request."
		case llm.ReasonModelUnavailable:
			return "The configured language model is not available."
		case llm.ReasonTimeout, llm.ReasonNetwork, llm.ReasonServerError:
			return "The assistant hit a temporary problem reaching its language model. Please try again."
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return "The request took too long and was aborted."
	}

	return "The assistant ran into an internal problem. Please try again."
}

// isFinalizable reports whether the error should end the turn with a
// canned assistant message rather than propagate. Cancellation is the one
// error that ends a turn with no final assistant turn at all.
func isFinalizable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return true
}
