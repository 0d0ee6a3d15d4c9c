package tether

// WatchEvent is one message on a subscription's event stream: a change
// batch with its resumption token, or the canceled sentinel meaning the
// upstream watch was force-removed.
type WatchEvent struct {
	Name     string   `json:"name"`
	Changes  []string `json:"changes,omitempty"`
	Token    string   `json:"token,omitempty"`
	Canceled bool     `json:"canceled,omitempty"`
}

// NotifyFunc delivers watch events to the subscriber side.
type NotifyFunc func(ev WatchEvent)

// EventSource is the upstream subscription boundary consumed by Server: a
// named-watch service producing ordered change events with resumption
// tokens. FSEventSource is the built-in filesystem implementation.
type EventSource interface {
	// Subscribe establishes (or refreshes) the named watch over root and
	// returns its current resumption token. When since carries a token that
	// is still within the retained stream, missed changes are replayed
	// through notify before new ones; a stale token means delivery simply
	// starts from the current state.
	Subscribe(root, name string, options SubscribeOptions, since string, notify NotifyFunc) (string, error)
	// Unsubscribe releases the named watch. Unknown names are a no-op.
	Unsubscribe(name string) error
	// Close releases all watches and stops event delivery.
	Close() error
}
