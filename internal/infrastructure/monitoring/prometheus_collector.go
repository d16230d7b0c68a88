package monitoring

import (
	"time"

	"callguard/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PrometheusCollector struct {
	connectionsActive prometheus.Gauge
	connectionsTotal  prometheus.Counter
	sessionsActive    prometheus.Gauge
	sessionDuration   prometheus.Histogram

	messagesForwarded *prometheus.CounterVec
	messagesDropped   *prometheus.CounterVec
	noticesSent       *prometheus.CounterVec

	abuseTransitions *prometheus.CounterVec
	blockedUsers     prometheus.Gauge
	storeErrors      *prometheus.CounterVec
	sweptEntries     prometheus.Counter
}

// NewPrometheusCollector registers the relay metrics on reg. Passing
// prometheus.DefaultRegisterer exposes them on the default /metrics handler.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)

	return &PrometheusCollector{
		connectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "callguard_connections_active",
			Help: "Number of open signaling websocket connections",
		}),

		connectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "callguard_connections_total",
			Help: "Total number of accepted signaling connections",
		}),

		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "callguard_sessions_active",
			Help: "Number of call sessions with at least one participant",
		}),

		sessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "callguard_session_duration_seconds",
			Help:    "Lifetime of call sessions",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}),

		messagesForwarded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "callguard_messages_forwarded_total",
			Help: "Negotiation messages relayed to the peer",
		}, []string{"type"}),

		messagesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "callguard_messages_dropped_total",
			Help: "Negotiation messages dropped by the relay",
		}, []string{"type", "reason"}),

		noticesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "callguard_notices_sent_total",
			Help: "Control notices sent to clients",
		}, []string{"type"}),

		abuseTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "callguard_abuse_transitions_total",
			Help: "Abuse state transitions by target state",
		}, []string{"state"}),

		blockedUsers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "callguard_blocked_users",
			Help: "Users currently blocked, refreshed by the sweeper",
		}),

		storeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "callguard_store_errors_total",
			Help: "Blocklist store faults seen by the relay",
		}, []string{"stage"}),

		sweptEntries: factory.NewCounter(prometheus.CounterOpts{
			Name: "callguard_sweep_removed_total",
			Help: "Idle abuse entries removed by the sweeper",
		}),
	}
}

func (p *PrometheusCollector) RecordConnectionOpened() {
	p.connectionsActive.Inc()
	p.connectionsTotal.Inc()
}

func (p *PrometheusCollector) RecordConnectionClosed() {
	p.connectionsActive.Dec()
}

func (p *PrometheusCollector) RecordSessionStarted() {
	p.sessionsActive.Inc()
}

func (p *PrometheusCollector) RecordSessionEnded(lifetime time.Duration) {
	p.sessionsActive.Dec()
	p.sessionDuration.Observe(lifetime.Seconds())
}

func (p *PrometheusCollector) RecordForwarded(kind domain.MessageKind) {
	p.messagesForwarded.WithLabelValues(string(kind)).Inc()
}

func (p *PrometheusCollector) RecordDropped(kind domain.MessageKind, reason string) {
	p.messagesDropped.WithLabelValues(string(kind), reason).Inc()
}

func (p *PrometheusCollector) RecordNotice(noticeType string) {
	p.noticesSent.WithLabelValues(noticeType).Inc()
}

func (p *PrometheusCollector) RecordTransition(state domain.AbuseState) {
	p.abuseTransitions.WithLabelValues(string(state)).Inc()
}

func (p *PrometheusCollector) RecordStoreError(stage string) {
	p.storeErrors.WithLabelValues(stage).Inc()
}

func (p *PrometheusCollector) RecordSweep(removed, blocked int) {
	p.sweptEntries.Add(float64(removed))
	p.blockedUsers.Set(float64(blocked))
}
