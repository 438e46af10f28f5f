package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "enclava"

// Metrics owns a private registry so several instances can coexist in tests.
type Metrics struct {
	reg *prometheus.Registry

	PollCycles      prometheus.Counter
	PollErrors      *prometheus.CounterVec
	PollCursor      prometheus.Gauge
	MintsDispatched prometheus.Counter
	Reconciled      *prometheus.CounterVec
	Payments        *prometheus.CounterVec
	RegistrySize    prometheus.Gauge
	LedgerCalls     *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		PollCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "poller", Name: "cycles_total",
			Help: "Completed mint poll cycles.",
		}),
		PollErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "poller", Name: "errors_total",
			Help: "Aborted poll cycles by stage.",
		}, []string{"stage"}),
		PollCursor: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "poller", Name: "last_block",
			Help: "Block the next poll starts from.",
		}),
		MintsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "poller", Name: "mints_dispatched_total",
			Help: "Decoded mint events handed to the reconciler.",
		}),
		Reconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "reconcile", Name: "results_total",
			Help: "Mint reconciliation results.",
		}, []string{"result"}),
		Payments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "payment", Name: "verifications_total",
			Help: "Payment verification outcomes.",
		}, []string{"outcome"}),
		RegistrySize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "registry", Name: "agents",
			Help: "Live agents in the registry.",
		}),
		LedgerCalls: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "ledger", Name: "call_seconds",
			Help:    "Ledger RPC latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.PollCycles, m.PollErrors, m.PollCursor, m.MintsDispatched,
		m.Reconciled, m.Payments, m.RegistrySize, m.LedgerCalls,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}
