package usecase

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestError_MessageAndUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := newError(ErrorUpstream, "publish_reply_error", cause)

	require.Equal(t, "usecase: UPSTREAM_ERROR (publish_reply_error): connection reset", err.Error())
	require.ErrorIs(t, err, cause)

	bare := newError(ErrorRateLimited, "sender_rate_limited", nil)
	require.Equal(t, "usecase: RATE_LIMITED (sender_rate_limited)", bare.Error())
	require.Nil(t, bare.Unwrap())
}

func TestCodeOf(t *testing.T) {
	require.Equal(t, ErrorCode(""), CodeOf(nil))
	require.Equal(t, ErrorInternal, CodeOf(errors.New("boom")))
	require.Equal(t, ErrorNotFound, CodeOf(newError(ErrorNotFound, "tenant_not_found", nil)))

	wrapped := fmt.Errorf("signal: %w", newError(ErrorConflict, "invalid_transition", nil))
	require.Equal(t, ErrorConflict, CodeOf(wrapped))
}
