package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"

	apperrors "papertrade/pkg/errors"
	pthttp "papertrade/pkg/http"
)

func apiErr(status int) error {
	return fmt.Errorf("request failed: %w", &pthttp.APIError{StatusCode: status, Body: []byte("boom")})
}

func TestClassifyStatusCodes(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		target error
	}{
		{"rate limited", apiErr(429), apperrors.ErrRetriable},
		{"server error", apiErr(500), apperrors.ErrRetriable},
		{"bad gateway", apiErr(502), apperrors.ErrRetriable},
		{"unauthorized", apiErr(401), apperrors.ErrFatal},
		{"forbidden", apiErr(403), apperrors.ErrFatal},
		{"not found", apiErr(404), apperrors.ErrOrderNotFound},
		{"bad request", apiErr(400), apperrors.ErrBadRequest},
		{"teapot", apiErr(418), apperrors.ErrFatal},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := classify("place order", tc.err)
			assert.True(t, errors.Is(got, tc.target), "got %v", got)
		})
	}
}

func TestClassifyTransportErrors(t *testing.T) {
	var netErr net.Error = &net.OpError{Op: "dial", Err: errors.New("connection refused")}
	assert.True(t, errors.Is(classify("get order", netErr), apperrors.ErrRetriable))

	assert.True(t, errors.Is(classify("get order", context.DeadlineExceeded), apperrors.ErrRetriable))

	// Context cancellation is the caller shutting down, not a broker
	// failure; it must not look retriable.
	got := classify("get order", context.Canceled)
	assert.True(t, errors.Is(got, context.Canceled))
	assert.False(t, errors.Is(got, apperrors.ErrRetriable))
}

func TestClassifyUnknownErrorIsRetriable(t *testing.T) {
	got := classify("place order", errors.New("wire fell over"))
	assert.True(t, errors.Is(got, apperrors.ErrRetriable))
}

func TestClassifyNil(t *testing.T) {
	assert.NoError(t, classify("place order", nil))
}
