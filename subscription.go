package tether

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/encoding/json"
	"golang.org/x/sync/singleflight"

	"github.com/tetherlink/tether/internal/timers"
)

// RPC targets and the notification name of the watch protocol.
const (
	targetWatchSubscribe   = "watch.subscribe"
	targetWatchUnsubscribe = "watch.unsubscribe"
	targetWatchEvent       = "watch.event"
)

// subscribeTimeout bounds a single subscribe/unsubscribe round-trip issued
// by the manager itself.
const subscribeTimeout = 10 * time.Second

// SubscribeOptions configure a watch subscription.
type SubscribeOptions struct {
	// Recursive includes nested directories of the root.
	Recursive bool `json:"recursive,omitempty"`
	// Patterns filters change events by path suffix, empty means all.
	Patterns []string `json:"patterns,omitempty"`
}

// ChangeHandler receives change batches for a named subscription together
// with the resumption token of the batch.
type ChangeHandler func(name string, changes []string, token string)

// SubscriptionHandle refers to one caller's share of a named subscription.
type SubscriptionHandle struct {
	name string
}

// Name returns the subscription name the handle refers to.
func (h *SubscriptionHandle) Name() string {
	return h.name
}

type subscriptionEntry struct {
	name    string
	root    string
	options SubscribeOptions
	token   string
	refs    int
	handler ChangeHandler
}

type subscribeRequest struct {
	Root    string           `json:"root"`
	Name    string           `json:"name"`
	Options SubscribeOptions `json:"options"`
	Since   string           `json:"since,omitempty"`
}

type subscribeResult struct {
	Token string `json:"token"`
}

type unsubscribeRequest struct {
	Name string `json:"name"`
}

// SubscriptionManager maintains the registry of active named subscriptions
// and owns the serialized reconnect protocol. Subscriptions are shared by
// name: repeated Subscribe calls for the same name share one server-side
// watch through a reference count.
type SubscriptionManager struct {
	mu      sync.Mutex
	entries map[string]*subscriptionEntry
	group   singleflight.Group

	// reconnecting is the one explicit mutual exclusion mechanism here:
	// it guarantees at most one reconnect sequence in flight, duplicate
	// triggers coalesce into a no-op.
	reconnecting bool

	session    *Session
	dispatcher *Dispatcher
	dial       Dialer
	onAttached func(Transport)

	settle     time.Duration
	maxElapsed time.Duration

	logger  *logger
	metrics *metrics
}

// NewSubscriptionManager creates a manager issuing watch calls through the
// dispatcher. dial may be nil when reconnect is driven by an outer layer
// that attaches transports itself.
func NewSubscriptionManager(session *Session, dispatcher *Dispatcher, dial Dialer, config Config) *SubscriptionManager {
	config = config.withDefaults()
	var lg *logger
	if config.LogHandler != nil {
		lg = newLogger(config.LogLevel, config.LogHandler)
	}
	return newSubscriptionManager(session, dispatcher, dial, config, lg, nil)
}

func newSubscriptionManager(session *Session, dispatcher *Dispatcher, dial Dialer, config Config, lg *logger, m *metrics) *SubscriptionManager {
	sm := &SubscriptionManager{
		entries:    make(map[string]*subscriptionEntry),
		session:    session,
		dispatcher: dispatcher,
		dial:       dial,
		settle:     config.SettleDelay,
		maxElapsed: config.ReconnectMaxElapsed,
		logger:     lg,
		metrics:    m,
	}
	dispatcher.RegisterNotificationHandler(targetWatchEvent, sm.handleEvent)
	return sm
}

// OnAttached registers a callback fired with each transport the reconnect
// protocol dialed and attached. The transport's owner uses it to keep track
// of the live transport for disposal.
func (m *SubscriptionManager) OnAttached(fn func(Transport)) {
	m.mu.Lock()
	m.onAttached = fn
	m.mu.Unlock()
}

// Subscribe registers interest in changes under root with a unique name.
// When an entry for name already exists its reference count is incremented
// and the existing subscription is shared; otherwise exactly one upstream
// subscribe call is issued, even for concurrent first subscribers. The
// handler of the first subscriber receives the change batches.
func (m *SubscriptionManager) Subscribe(ctx context.Context, root, name string, options SubscribeOptions, handler ChangeHandler) (*SubscriptionHandle, error) {
	m.mu.Lock()
	if e, ok := m.entries[name]; ok {
		e.refs++
		m.mu.Unlock()
		return &SubscriptionHandle{name: name}, nil
	}
	m.mu.Unlock()

	_, err, _ := m.group.Do(name, func() (any, error) {
		// A racing subscriber may have completed the whole call between the
		// fast-path check above and this point. Re-check under the lock so a
		// late execution neither re-subscribes upstream nor replaces the
		// entry and its reference count.
		m.mu.Lock()
		if _, ok := m.entries[name]; ok {
			m.mu.Unlock()
			return nil, nil
		}
		m.mu.Unlock()
		token, err := m.callSubscribe(ctx, root, name, options, "")
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		if _, ok := m.entries[name]; !ok {
			m.entries[name] = &subscriptionEntry{
				name:    name,
				root:    root,
				options: options,
				token:   token,
				handler: handler,
			}
		}
		m.mu.Unlock()
		if m.metrics != nil {
			m.metrics.incSubscriptions()
		}
		return nil, nil
	})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	e, ok := m.entries[name]
	if !ok {
		// Entry vanished between creation and refcounting: the watch was
		// canceled upstream right away. Treat as failure.
		m.mu.Unlock()
		return nil, ErrorSubscriptionNotFound
	}
	e.refs++
	m.mu.Unlock()
	return &SubscriptionHandle{name: name}, nil
}

// Unsubscribe releases one share of the subscription. When the reference
// count reaches zero the entry is removed and the server-side watch is
// released. Calling Unsubscribe after the count already reached zero is a
// silent no-op and does not affect other subscriptions.
func (m *SubscriptionManager) Unsubscribe(ctx context.Context, handle *SubscriptionHandle) {
	if handle == nil {
		return
	}
	m.mu.Lock()
	e, ok := m.entries[handle.name]
	if !ok {
		m.mu.Unlock()
		return
	}
	e.refs--
	if e.refs > 0 {
		m.mu.Unlock()
		return
	}
	delete(m.entries, handle.name)
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.decSubscriptions()
	}

	req, err := json.Marshal(unsubscribeRequest{Name: handle.name})
	if err != nil {
		return
	}
	callCtx, cancel := context.WithTimeout(ctx, subscribeTimeout)
	defer cancel()
	if _, err := m.dispatcher.Call(callCtx, targetWatchUnsubscribe, req); err != nil {
		m.logger.log(newLogEntry(LogLevelInfo, "error releasing watch", map[string]any{"name": handle.name, "error": err.Error()}))
	}
}

// Token returns the current resumption token of a named subscription.
func (m *SubscriptionManager) Token(name string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[name]
	if !ok {
		return "", false
	}
	return e.token, true
}

// NumSubscriptions returns the number of registered entries.
func (m *SubscriptionManager) NumSubscriptions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Refs returns the reference count of a named subscription.
func (m *SubscriptionManager) Refs(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[name]
	if !ok {
		return 0
	}
	return e.refs
}

func (m *SubscriptionManager) callSubscribe(ctx context.Context, root, name string, options SubscribeOptions, since string) (string, error) {
	req, err := json.Marshal(subscribeRequest{Root: root, Name: name, Options: options, Since: since})
	if err != nil {
		return "", err
	}
	callCtx, cancel := context.WithTimeout(ctx, subscribeTimeout)
	defer cancel()
	payload, err := m.dispatcher.Call(callCtx, targetWatchSubscribe, req)
	if err != nil {
		return "", err
	}
	var res subscribeResult
	if err := json.Unmarshal(payload, &res); err != nil {
		return "", err
	}
	return res.Token, nil
}

// handleEvent processes watch.event notifications: change batches refresh
// the entry's resumption token and go to the entry handler; a canceled
// sentinel means the upstream watch was force-removed, which is a hard
// failure requiring a full reconnect rather than a resumable token issue.
func (m *SubscriptionManager) handleEvent(payload json.RawMessage) {
	var ev WatchEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		m.logger.log(newLogEntry(LogLevelInfo, "dropping malformed watch event", map[string]any{"error": err.Error()}))
		return
	}
	if ev.Canceled {
		m.logger.log(newLogEntry(LogLevelWarn, "watch canceled upstream", map[string]any{"name": ev.Name}))
		m.TriggerReconnect("watch canceled: " + ev.Name)
		return
	}
	m.mu.Lock()
	e, ok := m.entries[ev.Name]
	if !ok {
		m.mu.Unlock()
		return
	}
	e.token = ev.Token
	handler := e.handler
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.incWatchEvents(len(ev.Changes))
	}
	if handler != nil {
		handler(ev.Name, ev.Changes, ev.Token)
	}
}

// TriggerReconnect starts the reconnect protocol unless one is already in
// flight - duplicate triggers coalesce into a no-op since the in-flight
// attempt resubscribes from the server's current state anyway. Reconnect
// re-dials a transport, re-attaches the session, waits the settle interval
// to let the event source stabilize, then resubscribes every registered
// entry with a freshly fetched token. Changes during the settle window are
// knowingly lost.
func (m *SubscriptionManager) TriggerReconnect(reason string) {
	m.mu.Lock()
	if m.reconnecting {
		m.mu.Unlock()
		return
	}
	m.reconnecting = true
	m.mu.Unlock()

	m.logger.log(newLogEntry(LogLevelInfo, "reconnect triggered", map[string]any{"reason": reason}))
	if m.metrics != nil {
		m.metrics.incReconnects()
	}
	go m.reconnect()
}

// Reconnecting reports whether a reconnect sequence is in flight.
func (m *SubscriptionManager) Reconnecting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reconnecting
}

func (m *SubscriptionManager) reconnect() {
	defer func() {
		m.mu.Lock()
		m.reconnecting = false
		m.mu.Unlock()
	}()

	if m.dial != nil {
		if err := m.redial(); err != nil {
			m.logger.log(newLogEntry(LogLevelError, "reconnect dial failed", map[string]any{"error": err.Error()}))
			return
		}
	}

	// Let the upstream event source settle before resubscribing. Stale
	// tokens right after a crash are untrustworthy, so entries are
	// refreshed from the server's current state below instead of resuming
	// from their pre-disconnect tokens.
	tm := timers.AcquireTimer(m.settle)
	<-tm.C
	timers.ReleaseTimer(tm)

	m.mu.Lock()
	entries := make([]*subscriptionEntry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	for _, e := range entries {
		token, err := m.callSubscribe(context.Background(), e.root, e.name, e.options, "")
		if err != nil {
			m.logger.log(newLogEntry(LogLevelError, "resubscribe failed", map[string]any{"name": e.name, "error": err.Error()}))
			continue
		}
		m.mu.Lock()
		if cur, ok := m.entries[e.name]; ok {
			cur.token = token
		}
		m.mu.Unlock()
		if m.logger.enabled(LogLevelDebug) {
			m.logger.log(newLogEntry(LogLevelDebug, "resubscribed", map[string]any{"name": e.name, "token": token}))
		}
	}
}

func (m *SubscriptionManager) redial() error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = m.maxElapsed
	return backoff.Retry(func() error {
		t, err := m.dial(context.Background())
		if err != nil {
			return err
		}
		sink, err := m.session.Attach(t)
		if err != nil {
			_ = t.Close()
			return err
		}
		t.Run(sink)
		m.mu.Lock()
		onAttached := m.onAttached
		m.mu.Unlock()
		if onAttached != nil {
			onAttached(t)
		}
		return nil
	}, bo)
}
