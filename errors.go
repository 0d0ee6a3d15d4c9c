package tether

import "fmt"

// Error represents a wire-level RPC error sent inside a response frame or
// returned from Dispatcher.Call. It is also used for a small set of local
// conditions (timeout, protocol violations) so callers deal with one type.
type Error struct {
	Code    uint32 `json:"code"`
	Message string `json:"message"`
	// Temporary indicates that retrying the same call may succeed.
	Temporary bool `json:"temporary,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%d: %s", e.Code, e.Message)
}

// Some predefined errors. Though it's always possible to create
// an Error with custom code and message on the fly.
var (
	// ErrorInternal means server internal error.
	ErrorInternal = &Error{
		Code:      100,
		Message:   "internal server error",
		Temporary: true,
	}
	// ErrorTimeout returned from Call when the caller-supplied deadline
	// elapsed before a matching response arrived.
	ErrorTimeout = &Error{
		Code:      101,
		Message:   "timeout",
		Temporary: true,
	}
	// ErrorTransportClosed means the session has no live transport and the
	// operation could not be queued (for example dispatcher shutdown).
	ErrorTransportClosed = &Error{
		Code:      102,
		Message:   "transport closed",
		Temporary: true,
	}
	// ErrorServiceNotFound means a request frame targeted an unknown service.
	ErrorServiceNotFound = &Error{
		Code:    103,
		Message: "service not found",
	}
	// ErrorServiceDuplicate returned from RegisterService when the name is
	// already bound.
	ErrorServiceDuplicate = &Error{
		Code:    104,
		Message: "service already registered",
	}
	// ErrorBadRequest means malformed request payload.
	ErrorBadRequest = &Error{
		Code:    105,
		Message: "bad request",
	}
	// ErrorSubscriptionNotFound means no watch with such name is registered
	// at the event source.
	ErrorSubscriptionNotFound = &Error{
		Code:    106,
		Message: "subscription not found",
	}
	// ErrorSessionClosed means the session was explicitly closed by its owner.
	ErrorSessionClosed = &Error{
		Code:    107,
		Message: "session closed",
	}
)

// Transport error codes, the classification input for HeartbeatMonitor.
// A transport reports one of these in TransportError.Code; anything
// unrecognized is treated as ErrCodeNetworkAway.
const (
	ErrCodeNetworkAway       = "NETWORK_AWAY"
	ErrCodeServerCrashed     = "SERVER_CRASHED"
	ErrCodePortNotAccessible = "PORT_NOT_ACCESSIBLE"
	ErrCodeInvalidCert       = "INVALID_CERTIFICATE"
)

// TransportError is an error surfaced by a Transport implementation,
// carrying a code from the taxonomy above.
type TransportError struct {
	Code    string
	Message string
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error %s: %s", e.Code, e.Message)
}
