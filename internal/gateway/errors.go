package gateway

import (
	"errors"
	"fmt"
	"time"
)

// ProtocolError reports a frame that violated the wire contract.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("gateway: protocol error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("gateway: protocol error: %s", e.Reason)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// AuthError reports a rejected connect handshake.
type AuthError struct {
	Code    string
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("gateway: authentication failed: %s: %s", e.Code, e.Message)
}

// TimeoutError reports a request that received no response in time.
type TimeoutError struct {
	Method  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("gateway: %s timed out after %s", e.Method, e.Timeout)
}

// RPCError reports a well-formed failure response from the gateway.
type RPCError struct {
	Method  string
	Code    string
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("gateway: %s failed: %s: %s", e.Method, e.Code, e.Message)
}

// TransportError reports a broken or closed link.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("gateway: transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ErrLinkClosed is the cause reported for operations on an already closed
// link.
var ErrLinkClosed = errors.New("link closed")

// IsAuthError reports whether err is an authentication failure.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsTimeout reports whether err is a request timeout.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}
