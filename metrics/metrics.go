package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"serialhub/output"
)

// Metrics holds the service counters and the registry they live in
type Metrics struct {
	RecordsTotal         *prometheus.CounterVec
	ScanCyclesTotal      *prometheus.CounterVec
	ForwardRequestsTotal *prometheus.CounterVec
	EventsTotal          *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates the service metrics on a fresh registry. lister may be nil
// to skip per-connection series.
func New(lister ConnectionLister) (*Metrics, error) {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.RecordsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "serialhub_records_total",
		Help: "Total number of ingested records by decode kind",
	}, []string{"kind"})

	m.ScanCyclesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "serialhub_scan_cycles_total",
		Help: "Total number of port scan cycles by result",
	}, []string{"result"})

	m.ForwardRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "serialhub_forward_requests_total",
		Help: "Total number of forwarding requests by result",
	}, []string{"result"})

	m.EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "serialhub_events_total",
		Help: "Total number of lifecycle events by type",
	}, []string{"type"})

	toRegister := []prometheus.Collector{
		m.RecordsTotal,
		m.ScanCyclesTotal,
		m.ForwardRequestsTotal,
		m.EventsTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	}

	for _, c := range toRegister {
		if err := m.registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
	}

	if lister != nil {
		if err := m.TrackConnections(lister); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// TrackConnections adds per-connection series read from lister at scrape
// time. It may be called once, after New(nil), when the lister is built
// later than the metrics.
func (m *Metrics) TrackConnections(lister ConnectionLister) error {
	if err := m.registry.Register(NewConnectionCollector(lister)); err != nil {
		return fmt.Errorf("failed to register connection collector: %w", err)
	}
	return nil
}

// Registry returns the registry backing these metrics
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// WriteRecord implements output.Sink by counting records per kind
func (m *Metrics) WriteRecord(rec output.Record) error {
	kind := rec.Kind
	if kind == "" {
		kind = output.KindRaw
	}
	m.RecordsTotal.WithLabelValues(string(kind)).Inc()
	return nil
}

// ObserveScan counts one scan cycle
func (m *Metrics) ObserveScan(result string) {
	m.ScanCyclesTotal.WithLabelValues(result).Inc()
}

// ObserveForward counts one forwarding request
func (m *Metrics) ObserveForward(result string) {
	m.ForwardRequestsTotal.WithLabelValues(result).Inc()
}

// ObserveEvent counts one lifecycle event. Its signature matches
// output.EventCallback.
func (m *Metrics) ObserveEvent(event output.Event) {
	m.EventsTotal.WithLabelValues(event.Type).Inc()
}
