package tether

import "time"

// Config contains options shared by Server and Client handles.
type Config struct {
	// Version of the application - reported in build info metrics.
	Version string
	// Name is a human readable identifier of this handle, used in logs.
	Name string
	// LogLevel is a log level to use. By default nothing will be logged.
	LogLevel LogLevel
	// LogHandler is a handler func log entries will be sent to.
	LogHandler LogHandler
	// QueueInitialCap is the initial capacity of a session's outbound queue.
	QueueInitialCap int
	// QueueHighWatermark is a size in bytes of queued outbound data after
	// which a warning is logged. The queue itself stays unbounded: frames
	// are never dropped while a session has no transport.
	QueueHighWatermark int
	// HeartbeatInterval is how often the heartbeat monitor probes the link.
	HeartbeatInterval time.Duration
	// HeartbeatTimeout bounds a single heartbeat round-trip.
	HeartbeatTimeout time.Duration
	// NetworkAwayThreshold is the number of consecutive NETWORK_AWAY
	// failures tolerated before an alert is raised. Other failure kinds
	// alert immediately.
	NetworkAwayThreshold int
	// SettleDelay is how long to wait after a reconnect before resubscribing
	// watches, letting the upstream event source stabilize. Changes occurring
	// inside this window are not redelivered.
	SettleDelay time.Duration
	// ReconnectMaxElapsed bounds the exponential backoff of reconnect
	// dialing. Zero means retry without an overall bound.
	ReconnectMaxElapsed time.Duration
	// StreamRetain is how many change batches the event source retains per
	// watch for token-based resume.
	StreamRetain int
	// MetricsNamespace is a prefix for prometheus metrics. Empty value means
	// "tether" namespace will be used.
	MetricsNamespace string
}

// DefaultConfig is Config initialized with default values for all fields.
var DefaultConfig = Config{
	Name: "tether",

	QueueInitialCap:    2,
	QueueHighWatermark: 4 * 1024 * 1024,

	HeartbeatInterval:    5 * time.Second,
	HeartbeatTimeout:     3 * time.Second,
	NetworkAwayThreshold: 3,

	SettleDelay:         2500 * time.Millisecond,
	ReconnectMaxElapsed: 2 * time.Minute,

	StreamRetain: 1024,
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = DefaultConfig.Name
	}
	if c.QueueInitialCap == 0 {
		c.QueueInitialCap = DefaultConfig.QueueInitialCap
	}
	if c.QueueHighWatermark == 0 {
		c.QueueHighWatermark = DefaultConfig.QueueHighWatermark
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultConfig.HeartbeatInterval
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = DefaultConfig.HeartbeatTimeout
	}
	if c.NetworkAwayThreshold == 0 {
		c.NetworkAwayThreshold = DefaultConfig.NetworkAwayThreshold
	}
	if c.SettleDelay == 0 {
		c.SettleDelay = DefaultConfig.SettleDelay
	}
	if c.ReconnectMaxElapsed == 0 {
		c.ReconnectMaxElapsed = DefaultConfig.ReconnectMaxElapsed
	}
	if c.StreamRetain == 0 {
		c.StreamRetain = DefaultConfig.StreamRetain
	}
	return c
}
