package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectionUnavailable means the connection gate denied the attempt.
	// Callers should abandon the operation rather than retry immediately.
	ErrConnectionUnavailable = errors.New("connection unavailable")
	// ErrNotConnected is a sequencing error: the session has no gateway id yet.
	ErrNotConnected        = errors.New("session not connected")
	ErrTransactionTimeout  = errors.New("transaction timeout")
	ErrGatewayRejected     = errors.New("gateway rejected request")
	ErrAttachRejected      = errors.New("gateway rejected attach")
	ErrIceRestartExhausted = errors.New("ice restart attempts exhausted")
	ErrKeepaliveExhausted  = errors.New("keepalive failures exhausted")

	ErrSessionDestroyed = errors.New("session destroyed")
	ErrSessionOffline   = errors.New("gateway offline")
	ErrSessionExpired   = errors.New("gateway expired session")
	ErrTransportLost    = errors.New("transport lost")
	ErrNetworkFailed    = errors.New("network failed")
	ErrIceFailed        = errors.New("ice connection failed")
	ErrUnknownMessage   = errors.New("unknown gateway message")
	ErrHandleClosed     = errors.New("handle closed")
)

// GatewayError is an error payload returned by the gateway, either as the
// top-level "error" object or as a plugin's error_code/error pair.
type GatewayError struct {
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway error %d: %s", e.Code, e.Reason)
}
