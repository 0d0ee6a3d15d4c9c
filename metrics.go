package tether

import (
	"github.com/prometheus/client_golang/prometheus"
)

// defaultMetricsNamespace is a default prefix for prometheus metrics. Can be
// changed over Config.
var defaultMetricsNamespace = "tether"

type metrics struct {
	framesSentCount       prometheus.Counter
	framesSentSize        prometheus.Counter
	framesReceivedCount   prometheus.Counter
	framesReceivedSize    prometheus.Counter
	framesQueuedCount     prometheus.Counter
	transportAttachCount  *prometheus.CounterVec
	transportDetachCount  *prometheus.CounterVec
	callCount             *prometheus.CounterVec
	callTimeoutCount      prometheus.Counter
	protocolErrorCount    *prometheus.CounterVec
	heartbeatFailureCount *prometheus.CounterVec
	heartbeatStateCount   *prometheus.CounterVec
	reconnectCount        prometheus.Counter
	subscriptionsGauge    prometheus.Gauge
	watchEventCount       prometheus.Counter
	watchChangeCount      prometheus.Counter
	buildInfoGauge        *prometheus.GaugeVec
}

func newMetrics(registry prometheus.Registerer, namespace string) *metrics {
	if namespace == "" {
		namespace = defaultMetricsNamespace
	}
	m := &metrics{}

	m.framesSentCount = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "transport",
		Name:      "frames_sent_count",
		Help:      "Number of frames handed to a live transport.",
	})
	m.framesSentSize = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "transport",
		Name:      "frames_sent_size",
		Help:      "Total size in bytes of frames handed to a live transport.",
	})
	m.framesReceivedCount = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "transport",
		Name:      "frames_received_count",
		Help:      "Number of inbound frames.",
	})
	m.framesReceivedSize = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "transport",
		Name:      "frames_received_size",
		Help:      "Total size in bytes of inbound frames.",
	})
	m.framesQueuedCount = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "frames_queued_count",
		Help:      "Number of frames buffered while no transport was attached.",
	})
	m.transportAttachCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "transport_attach_count",
		Help:      "Number of transport attaches.",
	}, []string{"transport"})
	m.transportDetachCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "transport_detach_count",
		Help:      "Number of transport detaches.",
	}, []string{"transport"})
	m.callCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rpc",
		Name:      "call_count",
		Help:      "Number of outbound calls.",
	}, []string{"target"})
	m.callTimeoutCount = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rpc",
		Name:      "call_timeout_count",
		Help:      "Number of calls failed by caller deadline.",
	})
	m.protocolErrorCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rpc",
		Name:      "protocol_error_count",
		Help:      "Number of malformed or uncorrelated frames dropped.",
	}, []string{"kind"})
	m.heartbeatFailureCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "heartbeat",
		Name:      "failure_count",
		Help:      "Number of heartbeat failures by transport error code.",
	}, []string{"code"})
	m.heartbeatStateCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "heartbeat",
		Name:      "state_transition_count",
		Help:      "Number of health state transitions.",
	}, []string{"state"})
	m.reconnectCount = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "subscription",
		Name:      "reconnect_count",
		Help:      "Number of reconnect sequences started.",
	})
	m.subscriptionsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "subscription",
		Name:      "num_subscriptions",
		Help:      "Number of active subscription entries.",
	})
	m.watchEventCount = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "subscription",
		Name:      "watch_event_count",
		Help:      "Number of watch event batches delivered.",
	})
	m.watchChangeCount = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "subscription",
		Name:      "watch_change_count",
		Help:      "Number of individual changes delivered.",
	})
	m.buildInfoGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "build_info",
		Help:      "Build information.",
	}, []string{"version"})

	for _, collector := range []prometheus.Collector{
		m.framesSentCount, m.framesSentSize, m.framesReceivedCount,
		m.framesReceivedSize, m.framesQueuedCount, m.transportAttachCount,
		m.transportDetachCount, m.callCount, m.callTimeoutCount,
		m.protocolErrorCount, m.heartbeatFailureCount, m.heartbeatStateCount,
		m.reconnectCount, m.subscriptionsGauge, m.watchEventCount,
		m.watchChangeCount, m.buildInfoGauge,
	} {
		registry.MustRegister(collector)
	}
	return m
}

func (m *metrics) setBuildInfo(version string) {
	if version == "" {
		version = "unknown"
	}
	m.buildInfoGauge.WithLabelValues(version).Set(1)
}

func (m *metrics) incFramesSent(size int) {
	m.framesSentCount.Inc()
	m.framesSentSize.Add(float64(size))
}

func (m *metrics) incFramesReceived(size int) {
	m.framesReceivedCount.Inc()
	m.framesReceivedSize.Add(float64(size))
}

func (m *metrics) incFramesQueued() {
	m.framesQueuedCount.Inc()
}

func (m *metrics) incTransportAttach(transport string) {
	m.transportAttachCount.WithLabelValues(transport).Inc()
}

func (m *metrics) incTransportDetach(transport string) {
	m.transportDetachCount.WithLabelValues(transport).Inc()
}

func (m *metrics) incCalls(target string) {
	m.callCount.WithLabelValues(target).Inc()
}

func (m *metrics) incCallTimeouts() {
	m.callTimeoutCount.Inc()
}

func (m *metrics) incProtocolErrors(kind string) {
	m.protocolErrorCount.WithLabelValues(kind).Inc()
}

func (m *metrics) incHeartbeatFailure(code string) {
	m.heartbeatFailureCount.WithLabelValues(code).Inc()
}

func (m *metrics) incHeartbeatState(state string) {
	m.heartbeatStateCount.WithLabelValues(state).Inc()
}

func (m *metrics) incReconnects() {
	m.reconnectCount.Inc()
}

func (m *metrics) incSubscriptions() {
	m.subscriptionsGauge.Inc()
}

func (m *metrics) decSubscriptions() {
	m.subscriptionsGauge.Dec()
}

func (m *metrics) incWatchEvents(changes int) {
	m.watchEventCount.Inc()
	m.watchChangeCount.Add(float64(changes))
}
