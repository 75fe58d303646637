package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "vpnpanel"

// Metrics groups the control-plane collectors. A nil *Metrics is valid and
// records nothing, which keeps tests free of registry plumbing.
type Metrics struct {
	heartbeats       prometheus.Counter
	onlineNodes      prometheus.Gauge
	kicks            *prometheus.CounterVec
	dispatchFailures *prometheus.CounterVec
	ledgerPostings   *prometheus.CounterVec
	ledgerRejections prometheus.Counter
	auditFailures    prometheus.Counter
	auditDropped     prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_heartbeats_total",
			Help:      "Heartbeats accepted from node agents.",
		}),
		onlineNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "nodes_online",
			Help:      "Nodes with a heartbeat inside the online window at last listing.",
		}),
		kicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_kicks_total",
			Help:      "Sessions closed by kick, by reason.",
		}, []string{"reason"}),
		dispatchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_dispatch_failures_total",
			Help:      "Commands that could not be delivered to a node agent.",
		}, []string{"command"}),
		ledgerPostings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_postings_total",
			Help:      "Credit ledger entries written, by type.",
		}, []string{"type"}),
		ledgerRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_insufficient_balance_total",
			Help:      "Deductions rejected for insufficient balance.",
		}),
		auditFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_write_failures_total",
			Help:      "Audit writes that failed after all retries.",
		}),
		auditDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_dropped_total",
			Help:      "Audit records dropped because the queue was full.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.heartbeats, m.onlineNodes, m.kicks, m.dispatchFailures,
			m.ledgerPostings, m.ledgerRejections, m.auditFailures, m.auditDropped,
		)
	}
	return m
}

func (m *Metrics) Heartbeat() {
	if m != nil {
		m.heartbeats.Inc()
	}
}

func (m *Metrics) SetOnlineNodes(n int) {
	if m != nil {
		m.onlineNodes.Set(float64(n))
	}
}

func (m *Metrics) Kick(reason string) {
	if m != nil {
		m.kicks.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) DispatchFailure(command string) {
	if m != nil {
		m.dispatchFailures.WithLabelValues(command).Inc()
	}
}

func (m *Metrics) LedgerPosting(entryType string) {
	if m != nil {
		m.ledgerPostings.WithLabelValues(entryType).Inc()
	}
}

func (m *Metrics) LedgerRejection() {
	if m != nil {
		m.ledgerRejections.Inc()
	}
}

func (m *Metrics) AuditFailure() {
	if m != nil {
		m.auditFailures.Inc()
	}
}

func (m *Metrics) AuditDropped() {
	if m != nil {
		m.auditDropped.Inc()
	}
}
