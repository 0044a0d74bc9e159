package gateway

import (
	"errors"

	"github.com/coder/websocket"

	"github.com/kitamura-tetsuo/outliner-gateway/pkg/transport"
)

// CloseError is a gateway rejection carrying the WebSocket close code the
// client observes. 4001/4003 are non-retryable without fixing credentials
// or permissions; the rest are retryable with backoff.
type CloseError struct {
	Code   websocket.StatusCode
	Reason string
}

func (e *CloseError) Error() string {
	return e.Reason
}

var (
	ErrUnauthorized    = &CloseError{Code: transport.StatusUnauthorized, Reason: "UNAUTHORIZED"}
	ErrInvalidRoom     = &CloseError{Code: transport.StatusInvalidRoom, Reason: "INVALID_ROOM"}
	ErrForbidden       = &CloseError{Code: transport.StatusForbidden, Reason: "FORBIDDEN"}
	ErrIdleTimeout     = &CloseError{Code: transport.StatusIdleTimeout, Reason: "IDLE_TIMEOUT"}
	ErrMessageTooLarge = &CloseError{Code: transport.StatusMessageTooLarge, Reason: "MESSAGE_TOO_LARGE"}
	ErrRoomFull        = &CloseError{Code: transport.StatusRoomFull, Reason: "ROOM_SOCKET_LIMIT_EXCEEDED"}
	ErrAddressQuota    = &CloseError{Code: transport.StatusAddressQuota, Reason: "IP_SOCKET_LIMIT_EXCEEDED"}
)

// AsCloseError unwraps err to its CloseError, if it carries one.
func AsCloseError(err error) (*CloseError, bool) {
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
