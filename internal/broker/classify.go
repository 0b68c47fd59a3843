package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	pthttp "papertrade/pkg/http"

	apperrors "papertrade/pkg/errors"
)

// classify maps a transport result onto the error taxonomy. The broker
// is the only component that sees raw HTTP failures; everything above
// it reasons in taxonomy families.
//
//	transport error, timeout, 429, 5xx -> Retriable
//	401, 403                          -> Fatal (credentials)
//	404                               -> OrderNotFound
//	other 4xx                         -> Fatal (semantic reject)
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var apiErr *pthttp.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("%s: %w: %v", op, apperrors.ErrRetriable, err)
		case apiErr.StatusCode >= 500:
			return fmt.Errorf("%s: %w: %v", op, apperrors.ErrRetriable, err)
		case apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden:
			return fmt.Errorf("%s: %w: credentials rejected: %v", op, apperrors.ErrFatal, err)
		case apiErr.StatusCode == http.StatusNotFound:
			return fmt.Errorf("%s: %w", op, apperrors.ErrOrderNotFound)
		case apiErr.StatusCode == http.StatusBadRequest:
			return fmt.Errorf("%s: %w: %v", op, apperrors.ErrBadRequest, err)
		default:
			return fmt.Errorf("%s: %w: %v", op, apperrors.ErrFatal, err)
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: deadline exceeded", op, apperrors.ErrRetriable)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, context.Canceled)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%s: %w: %v", op, apperrors.ErrRetriable, err)
	}

	// Anything unclassified still smells like transport: the request
	// never produced a broker verdict, so retrying cannot double an
	// idempotent placement.
	return fmt.Errorf("%s: %w: %v", op, apperrors.ErrRetriable, err)
}
