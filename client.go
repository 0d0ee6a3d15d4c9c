package tether

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/segmentio/encoding/json"
)

// Client is the connecting side of the protocol, wiring one Session, its
// Dispatcher, the HeartbeatMonitor and the SubscriptionManager together. A
// dropped transport does not surface to callers: frames queue in the session
// and the subscription manager re-dials and resubscribes in the background.
type Client struct {
	mu       sync.Mutex
	identity string
	config   Config
	dial     Dialer

	session    *Session
	dispatcher *Dispatcher
	subs       *SubscriptionManager
	health     *HeartbeatMonitor

	onHealthChange HealthChangeHandler

	transport Transport
	runCancel context.CancelFunc
	closed    bool

	registry *prometheus.Registry
	logger   *logger
	metrics  *metrics
}

// NewClient creates a client for the given identity. An empty identity gets
// a generated one; reusing an identity across process restarts is what lets
// the server resume the existing session instead of creating a new one.
func NewClient(identity string, dial Dialer, config Config) *Client {
	config = config.withDefaults()
	if identity == "" {
		identity = uuid.NewString()
	}
	var lg *logger
	if config.LogHandler != nil {
		lg = newLogger(config.LogLevel, config.LogHandler)
	}
	registry := prometheus.NewRegistry()
	m := newMetrics(registry, config.MetricsNamespace)
	m.setBuildInfo(config.Version)

	c := &Client{
		identity: identity,
		config:   config,
		dial:     dial,
		registry: registry,
		logger:   lg,
		metrics:  m,
	}
	c.session = newSession(identity, config, lg, m)
	c.dispatcher = newDispatcher(c.session, lg, m)
	c.subs = newSubscriptionManager(c.session, c.dispatcher, dial, config, lg, m)
	c.health = newHeartbeatMonitor(c.dispatcher.Ping, config, lg, m)

	// Recovery wiring. The monitor itself only classifies; losing the
	// transport or a crashed server classification is what starts the
	// reconnect protocol.
	c.session.OnDetach(func(err *TransportError) {
		reason := "transport closed"
		if err != nil {
			reason = err.Code
		}
		c.subs.TriggerReconnect(reason)
	})
	// A background reconnect replaces the live transport; track it so Close
	// disposes the current one, not the one Connect dialed.
	c.subs.OnAttached(func(t Transport) {
		c.mu.Lock()
		old := c.transport
		c.transport = t
		c.mu.Unlock()
		if old != nil {
			_ = old.Close()
		}
	})
	c.health.OnHealthChange(func(state HealthState, detail string) {
		if state == StateServerCrashed {
			c.subs.TriggerReconnect("server crashed")
		}
		c.mu.Lock()
		handler := c.onHealthChange
		c.mu.Unlock()
		if handler != nil {
			handler(state, detail)
		}
	})
	return c
}

// ID returns the client identity.
func (c *Client) ID() string {
	return c.identity
}

// MetricsRegistry returns the registry holding this client's metrics.
func (c *Client) MetricsRegistry() *prometheus.Registry {
	return c.registry
}

// Connect dials the initial transport, attaches it to the session and
// starts heartbeat probing. Frames sent before Connect are queued and
// replayed on attach.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrorSessionClosed
	}
	c.mu.Unlock()

	t, err := c.dial(ctx)
	if err != nil {
		return err
	}
	sink, err := c.session.Attach(t)
	if err != nil {
		_ = t.Close()
		return err
	}
	t.Run(sink)

	runCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	old := c.transport
	c.transport = t
	if c.runCancel != nil {
		c.runCancel()
	}
	c.runCancel = cancel
	c.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	go c.health.Run(runCtx)

	c.logger.log(newLogEntry(LogLevelInfo, "connected", map[string]any{"identity": c.identity, "transport": t.Name()}))
	return nil
}

// Call issues a request to the named remote service and waits for the
// response. The deadline comes from ctx.
func (c *Client) Call(ctx context.Context, target string, params json.RawMessage) (json.RawMessage, error) {
	return c.dispatcher.Call(ctx, target, params)
}

// Notify sends a fire-and-forget notification to the named target.
func (c *Client) Notify(target string, payload json.RawMessage) error {
	return c.dispatcher.Notify(target, payload)
}

// RegisterService exposes fn for requests issued by the server side. The
// protocol is symmetric, either peer may serve calls.
func (c *Client) RegisterService(name string, fn ServiceFunc) error {
	return c.dispatcher.RegisterService(name, fn)
}

// RegisterNotificationHandler routes server notifications with the given
// target name to handler.
func (c *Client) RegisterNotificationHandler(name string, handler NotificationHandler) {
	c.dispatcher.RegisterNotificationHandler(name, handler)
}

// Subscribe registers a named watch over root. Shares of an existing name
// reuse the server-side watch through a reference count.
func (c *Client) Subscribe(ctx context.Context, root, name string, options SubscribeOptions, handler ChangeHandler) (*SubscriptionHandle, error) {
	return c.subs.Subscribe(ctx, root, name, options, handler)
}

// Unsubscribe releases one share of a subscription.
func (c *Client) Unsubscribe(ctx context.Context, handle *SubscriptionHandle) {
	c.subs.Unsubscribe(ctx, handle)
}

// Subscriptions exposes the underlying manager for token and refcount
// inspection.
func (c *Client) Subscriptions() *SubscriptionManager {
	return c.subs
}

// Health returns the current link classification.
func (c *Client) Health() HealthState {
	return c.health.State()
}

// ActiveAlert returns the outstanding alert, if any.
func (c *Client) ActiveAlert() *Alert {
	return c.health.ActiveAlert()
}

// OnHealthChange registers a callback fired on every classification change.
func (c *Client) OnHealthChange(handler HealthChangeHandler) {
	c.mu.Lock()
	c.onHealthChange = handler
	c.mu.Unlock()
}

// OnRecovered registers a callback fired on transition back to healthy.
func (c *Client) OnRecovered(handler RecoveredHandler) {
	c.health.OnRecovered(handler)
}

// OnAlert registers a callback fired when an alert is raised.
func (c *Client) OnAlert(handler AlertHandler) {
	c.health.OnAlert(handler)
}

// OnAlertDismissed registers a callback fired when an alert is dismissed.
func (c *Client) OnAlertDismissed(handler AlertHandler) {
	c.health.OnAlertDismissed(handler)
}

// Close ends the client session. Queued frames are discarded, pending calls
// fail with ErrorTransportClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel := c.runCancel
	t := c.transport
	c.mu.Unlock()

	c.health.Stop()
	if cancel != nil {
		cancel()
	}
	c.dispatcher.Close()
	c.session.Close()
	if t != nil {
		_ = t.Close()
	}
	return nil
}
