package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	connectionsTotal  prometheus.Counter
	connectionsActive prometheus.Gauge
	authFailures      *prometheus.CounterVec
	turnsTotal        *prometheus.CounterVec
	turnDuration      prometheus.Histogram
	questionsTotal    *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentgate",
			Name:      "connections_total",
			Help:      "Accepted websocket connections.",
		}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentgate",
			Name:      "connections_active",
			Help:      "Currently open websocket connections.",
		}),
		authFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentgate",
			Name:      "auth_failures_total",
			Help:      "Failed authentication handshakes by reason.",
		}, []string{"reason"}),
		turnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentgate",
			Name:      "turns_total",
			Help:      "Completed conversation turns by outcome.",
		}, []string{"outcome"}),
		turnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "agentgate",
			Name:      "turn_duration_seconds",
			Help:      "Wall-clock duration of a conversation turn.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		questionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentgate",
			Name:      "questions_total",
			Help:      "Mid-turn user questions by resolution.",
		}, []string{"resolution"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.connectionsTotal,
			m.connectionsActive,
			m.authFailures,
			m.turnsTotal,
			m.turnDuration,
			m.questionsTotal,
		)
	}
	return m
}
