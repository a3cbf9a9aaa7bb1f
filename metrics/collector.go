// Package metrics exposes connection and ingestion metrics to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"serialhub/capture"
)

// ConnectionLister returns point-in-time connection snapshots.
// *capture.Manager satisfies it.
type ConnectionLister interface {
	List() []capture.ConnectionSummary
}

var connectionLabels = []string{"port", "source"}

// ConnectionCollector reports one series per tracked connection at
// scrape time
type ConnectionCollector struct {
	lister ConnectionLister
	now    func() time.Time

	up           *prometheus.Desc
	state        *prometheus.Desc
	lines        *prometheus.Desc
	bytesRead    *prometheus.Desc
	bytesWritten *prometheus.Desc
	lastLineAge  *prometheus.Desc
}

// NewConnectionCollector creates a collector over lister
func NewConnectionCollector(lister ConnectionLister) *ConnectionCollector {
	return &ConnectionCollector{
		lister: lister,
		now:    time.Now,
		up: prometheus.NewDesc(
			"serialhub_connection_up",
			"Whether the connection is open (1) or faulted/closing (0)",
			connectionLabels,
			nil,
		),
		state: prometheus.NewDesc(
			"serialhub_connection_state",
			"Current lifecycle state of the connection",
			append(connectionLabels, "state"),
			nil,
		),
		lines: prometheus.NewDesc(
			"serialhub_connection_lines_total",
			"Number of lines ingested on this connection",
			connectionLabels,
			nil,
		),
		bytesRead: prometheus.NewDesc(
			"serialhub_connection_read_bytes_total",
			"Number of bytes read from this connection",
			connectionLabels,
			nil,
		),
		bytesWritten: prometheus.NewDesc(
			"serialhub_connection_written_bytes_total",
			"Number of bytes written to this connection",
			connectionLabels,
			nil,
		),
		lastLineAge: prometheus.NewDesc(
			"serialhub_connection_last_line_age_seconds",
			"Seconds since the last line was ingested",
			connectionLabels,
			nil,
		),
	}
}

// Describe implements prometheus.Collector
func (c *ConnectionCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.up
	ch <- c.state
	ch <- c.lines
	ch <- c.bytesRead
	ch <- c.bytesWritten
	ch <- c.lastLineAge
}

// Collect implements prometheus.Collector
func (c *ConnectionCollector) Collect(ch chan<- prometheus.Metric) {
	now := c.now()

	for _, conn := range c.lister.List() {
		port := conn.PortID
		source := string(conn.Source)

		up := 0.0
		if conn.State == capture.StateOpen {
			up = 1
		}

		ch <- prometheus.MustNewConstMetric(
			c.up, prometheus.GaugeValue, up,
			port, source,
		)
		ch <- prometheus.MustNewConstMetric(
			c.state, prometheus.GaugeValue, 1,
			port, source, conn.State.String(),
		)
		ch <- prometheus.MustNewConstMetric(
			c.lines, prometheus.CounterValue, float64(conn.LineCount),
			port, source,
		)
		ch <- prometheus.MustNewConstMetric(
			c.bytesRead, prometheus.CounterValue, float64(conn.BytesRead),
			port, source,
		)
		ch <- prometheus.MustNewConstMetric(
			c.bytesWritten, prometheus.CounterValue, float64(conn.BytesWritten),
			port, source,
		)
		if conn.LastUpdatedAt != nil {
			ch <- prometheus.MustNewConstMetric(
				c.lastLineAge, prometheus.GaugeValue, now.Sub(*conn.LastUpdatedAt).Seconds(),
				port, source,
			)
		}
	}
}
