package collector

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Telemetry holds the exporter's own metrics. A nil *Telemetry records nothing.
type Telemetry struct {
	queryDuration  *prometheus.HistogramVec
	queryErrors    *prometheus.CounterVec
	scrapeDuration *prometheus.HistogramVec
	scrapeErrors   *prometheus.CounterVec
	reconnects     *prometheus.CounterVec
	up             *prometheus.GaugeVec
}

func NewTelemetry() *Telemetry {
	return &Telemetry{
		queryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hanadb_exporter_query_duration_seconds",
				Help:    "Duration of metric query execution in seconds",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
			},
			[]string{"database_name"},
		),
		queryErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hanadb_exporter_query_errors_total",
				Help: "Total number of failed metric queries",
			},
			[]string{"database_name"},
		),
		scrapeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hanadb_exporter_scrape_duration_seconds",
				Help:    "Duration of a full scrape of one database in seconds",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"database_name"},
		),
		scrapeErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hanadb_exporter_scrape_errors_total",
				Help: "Total number of aborted database scrapes",
			},
			[]string{"database_name"},
		),
		reconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hanadb_exporter_reconnects_total",
				Help: "Total number of reconnection attempts",
			},
			[]string{"database_name", "result"},
		),
		up: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "hanadb_exporter_database_up",
				Help: "Whether the last scrape of the database succeeded (1) or not (0)",
			},
			[]string{"database_name"},
		),
	}
}

// Register adds every telemetry metric to reg.
func (t *Telemetry) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		t.queryDuration, t.queryErrors, t.scrapeDuration, t.scrapeErrors, t.reconnects, t.up,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (t *Telemetry) observeQuery(database string, start time.Time, err error) {
	if t == nil {
		return
	}
	t.queryDuration.WithLabelValues(database).Observe(time.Since(start).Seconds())
	if err != nil {
		t.queryErrors.WithLabelValues(database).Inc()
	}
}

func (t *Telemetry) observeScrape(database string, start time.Time, err error) {
	if t == nil {
		return
	}
	t.scrapeDuration.WithLabelValues(database).Observe(time.Since(start).Seconds())
	if err != nil {
		t.scrapeErrors.WithLabelValues(database).Inc()
		t.up.WithLabelValues(database).Set(0)
		return
	}
	t.up.WithLabelValues(database).Set(1)
}

func (t *Telemetry) observeReconnect(database string, err error) {
	if t == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	t.reconnects.WithLabelValues(database, result).Inc()
}
