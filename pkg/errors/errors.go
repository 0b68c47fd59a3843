// Package apperrors defines the error taxonomy shared by the trading
// process and the supervisor. Every failure that crosses a component
// boundary is classified into exactly one of these families so that
// callers can decide between retrying, giving up, or halting without
// inspecting broker-specific payloads.
package apperrors

import "errors"

var (
	// ErrBadRequest marks a caller mistake: malformed intent, unknown
	// symbol, non-positive quantity. Never retried.
	ErrBadRequest = errors.New("bad request")

	// ErrRetriable marks a transient condition: transport errors,
	// timeouts, HTTP 429 and 5xx. Safe to retry with backoff.
	ErrRetriable = errors.New("retriable")

	// ErrFatal marks a permanent condition for the operation at hand:
	// authentication failures, semantic rejections. Never retried.
	ErrFatal = errors.New("fatal")

	// ErrDivergence is raised when local state and broker state
	// disagree and the reconciler could not converge them.
	ErrDivergence = errors.New("state divergence")

	// ErrInvariantViolation indicates an internal bug such as a
	// negative position after applying a fill.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrHaltRequested is returned by risk checks when the global
	// halt flag is set. Intents are dropped, never queued.
	ErrHaltRequested = errors.New("halt requested")

	// ErrInvalidTransition is returned when an order state change is
	// not part of the lifecycle graph. The order is left untouched.
	ErrInvalidTransition = errors.New("invalid order state transition")

	// ErrNotCancellable is returned for cancel requests against orders
	// that are terminal, unknown or not yet acknowledged.
	ErrNotCancellable = errors.New("order not cancellable")

	ErrOrderNotFound  = errors.New("order not found")
	ErrDuplicateOrder = errors.New("duplicate client order id")

	// ErrRateLimited is the local submission governor rejecting an
	// intent before it reaches the wire.
	ErrRateLimited = errors.New("submission rate limit exceeded")

	// ErrRiskRejected is the pre-trade gate vetoing an intent. The
	// intent is dropped and journaled, never retried.
	ErrRiskRejected = errors.New("risk check rejected")

	// ErrStreamGap is raised by sequenced consumers when a frame
	// arrives with seq > last+1.
	ErrStreamGap = errors.New("sequence gap detected")

	// ErrTierRejected is returned by the research loader when a query
	// would mix coarse universe bars into a backtest window.
	ErrTierRejected = errors.New("universe tier bars rejected for backtest")
)

// Classify collapses an arbitrary error to the taxonomy family it
// wraps, or nil when the error is nil. Errors outside the taxonomy
// are treated as fatal: unknown failures must not be retried blindly.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	for _, family := range []error{
		ErrBadRequest,
		ErrRetriable,
		ErrFatal,
		ErrDivergence,
		ErrInvariantViolation,
		ErrHaltRequested,
		ErrInvalidTransition,
		ErrNotCancellable,
		ErrOrderNotFound,
		ErrDuplicateOrder,
		ErrRateLimited,
		ErrRiskRejected,
		ErrStreamGap,
		ErrTierRejected,
	} {
		if errors.Is(err, family) {
			return family
		}
	}
	return ErrFatal
}

// IsRetriable reports whether the error wraps the retriable family.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrRetriable)
}

// IsFatal reports whether the error wraps the fatal family.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatal)
}
