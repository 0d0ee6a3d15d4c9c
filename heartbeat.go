package tether

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tetherlink/tether/internal/timers"
)

// HealthState is the current failure classification of the link.
type HealthState int

const (
	// StateHealthy means heartbeats are flowing.
	StateHealthy HealthState = iota
	// StateNetworkAway means transient network trouble (timeouts,
	// unreachable host). Usually recovers on its own.
	StateNetworkAway
	// StateServerCrashed means the remote process is gone.
	StateServerCrashed
	// StatePortNotAccessible means no heartbeat was ever heard on this link.
	StatePortNotAccessible
	// StateInvalidCertificate means a trust failure on the link.
	StateInvalidCertificate
)

func (s HealthState) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateNetworkAway:
		return "network_away"
	case StateServerCrashed:
		return "server_crashed"
	case StatePortNotAccessible:
		return "port_not_accessible"
	case StateInvalidCertificate:
		return "invalid_certificate"
	default:
		return "unknown"
	}
}

// Alert is raised by the monitor after escalation thresholds are applied.
// At most one alert is outstanding at a time.
type Alert struct {
	Kind        HealthState
	Dismissable bool
	AskToReload bool
	Detail      string
}

// classifyCode maps a transport error code to a health state. Unrecognized
// codes count as transient network trouble, except that a link which never
// produced a single heartbeat is reported as inaccessible.
func classifyCode(code string, everBeat bool) HealthState {
	switch code {
	case ErrCodeServerCrashed:
		return StateServerCrashed
	case ErrCodePortNotAccessible:
		return StatePortNotAccessible
	case ErrCodeInvalidCert:
		return StateInvalidCertificate
	case ErrCodeNetworkAway:
		if !everBeat {
			return StatePortNotAccessible
		}
		return StateNetworkAway
	default:
		if !everBeat {
			return StatePortNotAccessible
		}
		return StateNetworkAway
	}
}

// alertFor builds the alert record for a non-healthy state. ServerCrashed
// and InvalidCertificate require user action so they are not dismissable.
func alertFor(state HealthState, detail string) Alert {
	switch state {
	case StateServerCrashed:
		return Alert{Kind: state, Dismissable: false, AskToReload: true, Detail: detail}
	case StateInvalidCertificate:
		return Alert{Kind: state, Dismissable: false, AskToReload: false, Detail: detail}
	case StatePortNotAccessible:
		return Alert{Kind: state, Dismissable: false, AskToReload: false, Detail: detail}
	default:
		return Alert{Kind: StateNetworkAway, Dismissable: true, AskToReload: false, Detail: detail}
	}
}

// HealthChangeHandler is fired on every classification change.
type HealthChangeHandler func(state HealthState, detail string)

// RecoveredHandler is fired on transition back to StateHealthy.
type RecoveredHandler func()

// AlertHandler is fired when an alert is raised or dismissed.
type AlertHandler func(alert Alert)

// HeartbeatMonitor periodically probes the link, classifies failures and
// applies escalation thresholds before alerting. It only detects and
// reports - reconnecting is owned elsewhere, keeping detection and recovery
// decoupled.
type HeartbeatMonitor struct {
	mu        sync.Mutex
	state     HealthState
	failures  int
	everBeat  bool
	lastAlert *Alert

	probe     func(ctx context.Context) error
	interval  time.Duration
	timeout   time.Duration
	threshold int

	onHealthChange   HealthChangeHandler
	onRecovered      RecoveredHandler
	onAlert          AlertHandler
	onAlertDismissed AlertHandler

	stopOnce sync.Once
	stopCh   chan struct{}

	logger  *logger
	metrics *metrics
}

// NewHeartbeatMonitor creates a monitor driving probe. A typical probe is
// Dispatcher.Ping. Use Run to start periodic probing, or drive the state
// machine directly with ProcessSuccess/ProcessFailure.
func NewHeartbeatMonitor(probe func(ctx context.Context) error, config Config) *HeartbeatMonitor {
	config = config.withDefaults()
	var lg *logger
	if config.LogHandler != nil {
		lg = newLogger(config.LogLevel, config.LogHandler)
	}
	return newHeartbeatMonitor(probe, config, lg, nil)
}

func newHeartbeatMonitor(probe func(ctx context.Context) error, config Config, lg *logger, m *metrics) *HeartbeatMonitor {
	return &HeartbeatMonitor{
		state:     StateHealthy,
		probe:     probe,
		interval:  config.HeartbeatInterval,
		timeout:   config.HeartbeatTimeout,
		threshold: config.NetworkAwayThreshold,
		stopCh:    make(chan struct{}),
		logger:    lg,
		metrics:   m,
	}
}

// OnHealthChange registers the classification change callback.
func (h *HeartbeatMonitor) OnHealthChange(handler HealthChangeHandler) {
	h.mu.Lock()
	h.onHealthChange = handler
	h.mu.Unlock()
}

// OnRecovered registers the recovery callback.
func (h *HeartbeatMonitor) OnRecovered(handler RecoveredHandler) {
	h.mu.Lock()
	h.onRecovered = handler
	h.mu.Unlock()
}

// OnAlert registers the alert callback.
func (h *HeartbeatMonitor) OnAlert(handler AlertHandler) {
	h.mu.Lock()
	h.onAlert = handler
	h.mu.Unlock()
}

// OnAlertDismissed registers the alert dismissal callback.
func (h *HeartbeatMonitor) OnAlertDismissed(handler AlertHandler) {
	h.mu.Lock()
	h.onAlertDismissed = handler
	h.mu.Unlock()
}

// State returns the current classification.
func (h *HeartbeatMonitor) State() HealthState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// ActiveAlert returns the outstanding alert, if any.
func (h *HeartbeatMonitor) ActiveAlert() *Alert {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.lastAlert == nil {
		return nil
	}
	a := *h.lastAlert
	return &a
}

// Run probes the link every interval until ctx is done or Stop is called.
func (h *HeartbeatMonitor) Run(ctx context.Context) {
	for {
		tm := timers.AcquireTimer(h.interval)
		select {
		case <-ctx.Done():
			timers.ReleaseTimer(tm)
			return
		case <-h.stopCh:
			timers.ReleaseTimer(tm)
			return
		case <-tm.C:
			timers.ReleaseTimer(tm)
		}
		h.beat(ctx)
	}
}

// Stop terminates a running Run loop.
func (h *HeartbeatMonitor) Stop() {
	h.stopOnce.Do(func() {
		close(h.stopCh)
	})
}

func (h *HeartbeatMonitor) beat(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, h.timeout)
	err := h.probe(probeCtx)
	cancel()
	if err == nil {
		h.ProcessSuccess()
		return
	}
	var tErr *TransportError
	switch {
	case errors.As(err, &tErr):
		h.ProcessFailure(tErr.Code, tErr.Message)
	default:
		// Local timeout or any unclassified failure counts as transient.
		h.ProcessFailure(ErrCodeNetworkAway, err.Error())
	}
}

// ProcessSuccess records a successful heartbeat round-trip. In a non-healthy
// state it transitions back to Healthy, dismisses the outstanding alert and
// emits exactly one recovery signal.
func (h *HeartbeatMonitor) ProcessSuccess() {
	h.mu.Lock()
	h.everBeat = true
	h.failures = 0
	if h.state == StateHealthy {
		h.mu.Unlock()
		return
	}
	h.state = StateHealthy
	dismissed := h.lastAlert
	h.lastAlert = nil
	onDismiss := h.onAlertDismissed
	onChange := h.onHealthChange
	onRecovered := h.onRecovered
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.incHeartbeatState(StateHealthy.String())
	}
	h.logger.log(newLogEntry(LogLevelInfo, "heartbeat recovered"))
	if dismissed != nil && onDismiss != nil {
		onDismiss(*dismissed)
	}
	if onChange != nil {
		onChange(StateHealthy, "")
	}
	if onRecovered != nil {
		onRecovered()
	}
}

// ProcessFailure records a failed heartbeat with the transport-supplied
// error code. NETWORK_AWAY alerts are suppressed until the consecutive
// failure counter reaches the configured threshold to avoid flapping on
// brief blips; other kinds alert immediately. A duplicate of the current
// dismissable alert is suppressed, an alert of a different kind replaces it.
func (h *HeartbeatMonitor) ProcessFailure(code string, detail string) {
	h.mu.Lock()
	h.failures++
	newState := classifyCode(code, h.everBeat)

	changed := newState != h.state
	h.state = newState

	var raise, dismiss *Alert
	suppressed := newState == StateNetworkAway && h.failures < h.threshold
	if !suppressed {
		alert := alertFor(newState, detail)
		switch {
		case h.lastAlert == nil:
			h.lastAlert = &alert
			raise = &alert
		case h.lastAlert.Kind == alert.Kind && h.lastAlert.Dismissable:
			// Same kind already outstanding, suppress the duplicate.
		default:
			old := *h.lastAlert
			dismiss = &old
			h.lastAlert = &alert
			raise = &alert
		}
	}
	onChange := h.onHealthChange
	onAlert := h.onAlert
	onDismiss := h.onAlertDismissed
	failures := h.failures
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.incHeartbeatFailure(code)
		if changed {
			h.metrics.incHeartbeatState(newState.String())
		}
	}
	h.logger.log(newLogEntry(LogLevelDebug, "heartbeat failure", map[string]any{
		"code": code, "state": newState.String(), "consecutive": failures,
	}))
	if changed && onChange != nil {
		onChange(newState, detail)
	}
	if dismiss != nil && onDismiss != nil {
		onDismiss(*dismiss)
	}
	if raise != nil && onAlert != nil {
		onAlert(*raise)
	}
}
