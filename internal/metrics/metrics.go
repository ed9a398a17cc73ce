// Package metrics defines Prometheus metrics for the read-model client.
//
// Collectors live on a Metrics value registered against a caller-supplied
// registerer so tests and embedded clients get isolated registries.
// Every method is safe on a nil *Metrics, which disables collection.
//
// Metric naming follows Prometheus conventions:
//   - rmsync_ prefix for all metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// States lists every connection state exported on the state gauge.
var States = []string{"idle", "connecting", "open", "error", "closed"}

// Metrics holds the client's collectors.
type Metrics struct {
	// EventsTotal counts dispatched envelopes by kind.
	EventsTotal *prometheus.CounterVec
	// ReconnectsTotal counts scheduled reconnects after a transport failure.
	ReconnectsTotal prometheus.Counter
	// ConnectionState is 1 for the current state and 0 for all others.
	ConnectionState *prometheus.GaugeVec
	// PatchOpsAppliedTotal counts applied patch operations by op.
	PatchOpsAppliedTotal *prometheus.CounterVec
	// PatchOpsDroppedTotal counts dropped patch operations by op.
	PatchOpsDroppedTotal *prometheus.CounterVec
	// PatchApplySeconds is a histogram of whole-batch apply time.
	PatchApplySeconds prometheus.Histogram
	// SubscriberPanicsTotal counts recovered subscriber panics by table.
	SubscriberPanicsTotal *prometheus.CounterVec
	// BridgeClients is the number of connected local UI sockets.
	BridgeClients prometheus.Gauge

	gatherer prometheus.Gatherer
}

// New creates the collectors and registers them with reg. A nil reg uses a
// fresh private registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		EventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rmsync_stream_events_total",
				Help: "Total envelopes dispatched from the event stream by kind.",
			},
			[]string{"kind"},
		),
		ReconnectsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "rmsync_stream_reconnects_total",
				Help: "Total reconnects scheduled after a transport failure.",
			},
		),
		ConnectionState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "rmsync_stream_state",
				Help: "Current event stream connection state (1 = active).",
			},
			[]string{"state"},
		),
		PatchOpsAppliedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rmsync_patch_ops_applied_total",
				Help: "Total patch operations applied to read-model snapshots.",
			},
			[]string{"op"},
		),
		PatchOpsDroppedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rmsync_patch_ops_dropped_total",
				Help: "Total patch operations dropped because their path did not resolve.",
			},
			[]string{"op"},
		),
		PatchApplySeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "rmsync_patch_apply_seconds",
				Help:    "Time spent applying one patch batch.",
				Buckets: []float64{0.00001, 0.0001, 0.001, 0.01, 0.1, 1},
			},
		),
		SubscriberPanicsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rmsync_subscriber_panics_total",
				Help: "Total subscriber callbacks that panicked during dispatch.",
			},
			[]string{"table"},
		),
		BridgeClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "rmsync_bridge_clients",
				Help: "Current local UI websocket connections.",
			},
		),
		gatherer: reg,
	}

	reg.MustRegister(
		m.EventsTotal,
		m.ReconnectsTotal,
		m.ConnectionState,
		m.PatchOpsAppliedTotal,
		m.PatchOpsDroppedTotal,
		m.PatchApplySeconds,
		m.SubscriberPanicsTotal,
		m.BridgeClients,
	)
	for _, s := range States {
		m.ConnectionState.WithLabelValues(s).Set(0)
	}
	m.ConnectionState.WithLabelValues("idle").Set(1)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// RecordEvent counts one dispatched envelope.
func (m *Metrics) RecordEvent(kind string) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(kind).Inc()
}

// RecordReconnect counts one scheduled reconnect.
func (m *Metrics) RecordReconnect() {
	if m == nil {
		return
	}
	m.ReconnectsTotal.Inc()
}

// SetState marks state as the only active connection state.
func (m *Metrics) SetState(state string) {
	if m == nil {
		return
	}
	for _, s := range States {
		v := 0.0
		if s == state {
			v = 1
		}
		m.ConnectionState.WithLabelValues(s).Set(v)
	}
}

// RecordPatchOp counts one patch operation as applied or dropped.
func (m *Metrics) RecordPatchOp(op string, applied bool) {
	if m == nil {
		return
	}
	if applied {
		m.PatchOpsAppliedTotal.WithLabelValues(op).Inc()
		return
	}
	m.PatchOpsDroppedTotal.WithLabelValues(op).Inc()
}

// ObservePatchBatch records the time spent applying one batch.
func (m *Metrics) ObservePatchBatch(d time.Duration) {
	if m == nil {
		return
	}
	m.PatchApplySeconds.Observe(d.Seconds())
}

// RecordSubscriberPanic counts one recovered subscriber panic.
func (m *Metrics) RecordSubscriberPanic(table string) {
	if m == nil {
		return
	}
	m.SubscriberPanicsTotal.WithLabelValues(table).Inc()
}

// SetBridgeClients reports the number of connected bridge sockets.
func (m *Metrics) SetBridgeClients(n int) {
	if m == nil {
		return
	}
	m.BridgeClients.Set(float64(n))
}
