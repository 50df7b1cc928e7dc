package hubclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	t.Run("negotiation_failure_is_transient", func(t *testing.T) {
		err := &HandshakeError{StatusCode: http.StatusBadGateway, Body: "upstream"}
		assert.Equal(t, Transient, Classify(err))
	})

	t.Run("failed_to_start_is_transient", func(t *testing.T) {
		err := fmt.Errorf("failed to start connection: %w", errors.New("dial tcp: connection refused"))
		assert.Equal(t, Transient, Classify(err))
		assert.True(t, IsTransient(err))
	})

	t.Run("connection_was_stopped_is_transient", func(t *testing.T) {
		assert.Equal(t, Transient, Classify(ErrConnectionLost))
		assert.Equal(t, Transient, Classify(errors.New("Connection was stopped during negotiation")))
	})

	t.Run("unauthorized_handshake_is_fatal", func(t *testing.T) {
		assert.Equal(t, Fatal, Classify(&HandshakeError{StatusCode: http.StatusUnauthorized}))
		assert.Equal(t, Fatal, Classify(&HandshakeError{StatusCode: http.StatusForbidden}))
	})

	t.Run("unknown_hub_is_fatal", func(t *testing.T) {
		err := fmt.Errorf("failed to start connection: %w", &HandshakeError{StatusCode: http.StatusNotFound, Body: "group not found"})
		assert.Equal(t, Fatal, Classify(err))
		assert.NotContains(t, err.Error(), "negotiation")
	})

	t.Run("wrapped_unauthorized_is_fatal", func(t *testing.T) {
		err := fmt.Errorf("failed to start connection: %w", &HandshakeError{StatusCode: http.StatusUnauthorized})
		assert.Equal(t, Fatal, Classify(err))
	})

	t.Run("anything_else_is_fatal", func(t *testing.T) {
		assert.Equal(t, Fatal, Classify(errors.New("access token factory returned an empty token")))
		assert.Equal(t, Fatal, Classify(context.DeadlineExceeded))
		assert.False(t, IsTransient(nil))
	})
}

func TestErrorMessages(t *testing.T) {
	t.Run("remote_invocation_error", func(t *testing.T) {
		err := &RemoteInvocationError{Method: "AcceptFriendRequest", Message: "request not found"}
		assert.Equal(t, "remote invocation AcceptFriendRequest failed: request not found", err.Error())
	})

	t.Run("server_close_error", func(t *testing.T) {
		assert.Equal(t, "server closed the connection", (&ServerCloseError{}).Error())
		assert.Equal(t, "server closed the connection: shutting down", (&ServerCloseError{Reason: "shutting down"}).Error())
	})

	t.Run("frame_error_unwraps", func(t *testing.T) {
		inner := errors.New("unexpected end of JSON input")
		err := &FrameError{Err: inner}
		assert.ErrorIs(t, err, inner)
	})
}
