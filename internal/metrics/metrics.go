package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	MessagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corelink_messages_sent_total",
			Help: "Messages accepted by the transport, by message type.",
		},
		[]string{"type"},
	)
	MessagesFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "corelink_messages_failed_total",
		Help: "Send attempts rejected by the transport.",
	})
	MessagesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "corelink_messages_dropped_total",
		Help: "Failed messages discarded after aging past the retry window.",
	})
	MessagesAcknowledged = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "corelink_messages_acknowledged_total",
		Help: "Acknowledgments received for sent messages.",
	})
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "corelink_queue_depth",
			Help: "Messages waiting in the outbound queue, by list.",
		},
		[]string{"list"},
	)
	Connected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "corelink_connected",
		Help: "1 while the primary transport is connected.",
	})
	ReconnectAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "corelink_reconnect_attempts_total",
		Help: "Reconnection attempts scheduled by the supervisor.",
	})
	HeartbeatFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corelink_heartbeat_failures_total",
			Help: "Failed heartbeat probes, by server.",
		},
		[]string{"server"},
	)
	HeartbeatLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "corelink_heartbeat_latency_seconds",
			Help:    "Heartbeat round-trip time, by server.",
			Buckets: []float64{.01, .025, .05, .1, .2, .5, 1, 2.5},
		},
		[]string{"server"},
	)
	CallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "corelink_call_duration_seconds",
			Help:    "Duration of instrumented operations.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"name", "outcome"},
	)
	RelayClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "corelink_relay_clients",
		Help: "Sockets currently registered with the relay hub.",
	})
	RelayFramesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corelink_relay_frames_dropped_total",
			Help: "Frames the relay discarded, by reason.",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(
		MessagesSent,
		MessagesFailed,
		MessagesDropped,
		MessagesAcknowledged,
		QueueDepth,
		Connected,
		ReconnectAttempts,
		HeartbeatFailures,
		HeartbeatLatency,
		CallDuration,
		RelayClients,
		RelayFramesDropped,
	)
}

// Timed runs fn and records its duration under name.
func Timed[T any](name string, fn func() (T, error)) (T, error) {
	start := time.Now()
	v, err := fn()
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	CallDuration.WithLabelValues(name, outcome).Observe(time.Since(start).Seconds())
	return v, err
}
