package proxy

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCodeOf(t *testing.T) {
	t.Parallel()

	require.Equal(t, CodeRateLimited, CodeOf(Errf(CodeRateLimited, "budget exhausted")))
	require.Equal(t, CodeTimeout, CodeOf(fmt.Errorf("wrapped: %w", Errf(CodeTimeout, "deadline"))))
	require.Equal(t, CodeInternal, CodeOf(errors.New("plain")))
}

func TestHTTPStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code Code
		want int
	}{
		{CodeInvalidRequest, http.StatusBadRequest},
		{CodeUnknownCandidate, http.StatusBadRequest},
		{CodeRateLimited, http.StatusTooManyRequests},
		{CodeUpstreamRateLimit, http.StatusTooManyRequests},
		{CodeUpstreamFailed, http.StatusBadGateway},
		{CodeTimeout, http.StatusGatewayTimeout},
		{CodeInternal, http.StatusInternalServerError},
		{Code("unheard-of"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, HTTPStatus(tt.code), "code %s", tt.code)
	}
}

func TestErrorUnwrap(t *testing.T) {
	t.Parallel()

	cause := errors.New("boom")
	err := &Error{Code: CodeUpstreamFailed, Message: "call failed", Err: cause}
	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "upstream_failed")
	require.Contains(t, err.Error(), "boom")
}
