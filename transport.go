package tether

import "context"

// Transport abstracts a raw duplex channel between two peers. The session
// layer treats it as a replaceable collaborator: a session outlives any
// number of transports attached to it over its life.
type Transport interface {
	// Name returns the name of the transport, used in logs and metrics.
	Name() string
	// Write hands one encoded frame to the underlying channel. An error
	// return means the frame was not accepted and the transport is no
	// longer live.
	Write(data []byte) error
	// Run starts event delivery into the given sink. A transport must not
	// deliver anything before Run is called, and must stop delivering once
	// it reported HandleClosed or HandleError. Run does not block.
	Run(events TransportEvents)
	// Close closes the transport. A session never calls Close on detach -
	// transport disposal belongs to whoever created it.
	Close() error
}

// TransportEvents is the sink for inbound transport events. Session.Attach
// returns a sink bound to the attached transport: events pushed through it
// are ignored once that transport is no longer the session's current one.
type TransportEvents interface {
	// HandleMessage is invoked for each inbound frame in arrival order.
	HandleMessage(data []byte)
	// HandleError is invoked when the transport fails. The code inside
	// TransportError feeds heartbeat classification.
	HandleError(err *TransportError)
	// HandleClosed is invoked when the transport is closed by the remote
	// side or by local disposal.
	HandleClosed()
}

// Dialer establishes a fresh Transport. The subscription manager uses it to
// re-create the physical channel during reconnect. The returned transport is
// idle until its Run method is called.
type Dialer func(ctx context.Context) (Transport, error)
