package collector

import (
	"context"

	"github.com/barryq93/promHANA/internal/db"
	"github.com/barryq93/promHANA/internal/metrics"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

var scrapeErrorDesc = prometheus.NewDesc(
	"hanadb_exporter_scrape_error",
	"Scrape of one database failed",
	nil, nil,
)

// Status is the health of one scraped database.
type Status struct {
	DatabaseName string `json:"database_name"`
	SID          string `json:"sid"`
	Version      string `json:"version"`
	Connected    bool   `json:"connected"`
}

// Collectors exposes one Collector per connection as a single unchecked
// prometheus.Collector. Databases are scraped in registration order and a
// failing database does not stop the others.
type Collectors struct {
	ctx        context.Context
	log        *logrus.Entry
	collectors []*Collector
}

// NewCollectors builds a collector for every connection. Connections whose
// metadata cannot be retrieved are logged and left out. ctx bounds every
// query issued by later scrapes.
func NewCollectors(ctx context.Context, conns []db.Connection, catalog *metrics.Catalog, telemetry *Telemetry, log *logrus.Entry) *Collectors {
	cs := &Collectors{
		ctx: ctx,
		log: log.WithField("component", "collectors"),
	}
	for i, conn := range conns {
		c, err := NewCollector(ctx, conn, catalog, telemetry, log)
		if err != nil {
			cs.log.WithError(err).Errorf("connection %d cannot be monitored", i)
			continue
		}
		cs.collectors = append(cs.collectors, c)
	}
	return cs
}

// Len returns the number of monitored databases.
func (cs *Collectors) Len() int {
	return len(cs.collectors)
}

// Describe sends nothing, the families depend on the query results.
func (cs *Collectors) Describe(chan<- *prometheus.Desc) {}

func (cs *Collectors) Collect(ch chan<- prometheus.Metric) {
	for _, c := range cs.collectors {
		families, err := c.Scrape(cs.ctx)
		if err != nil {
			meta := c.Metadata()
			if errors.Is(err, ErrUnsupportedMetricKind) {
				cs.log.WithError(err).Error("metrics catalog holds an unsupported metric, scrape aborted")
				ch <- prometheus.NewInvalidMetric(scrapeErrorDesc, err)
				return
			}
			cs.log.WithError(err).Errorf("scrape of database %s failed", meta.DatabaseName)
			ch <- prometheus.NewInvalidMetric(scrapeErrorDesc, errors.Wrapf(err, "database %s", meta.DatabaseName))
			continue
		}
		for _, family := range families {
			emit(family, ch, cs.log)
		}
	}
}

// Status reports the connection state of every monitored database.
func (cs *Collectors) Status(ctx context.Context) []Status {
	statuses := make([]Status, 0, len(cs.collectors))
	for _, c := range cs.collectors {
		connected := c.Connected(ctx)
		meta := c.Metadata()
		statuses = append(statuses, Status{
			DatabaseName: meta.DatabaseName,
			SID:          meta.SID,
			Version:      meta.Version,
			Connected:    connected,
		})
	}
	return statuses
}

func emit(family *Family, ch chan<- prometheus.Metric, log *logrus.Entry) {
	desc := prometheus.NewDesc(family.Name, family.Help, family.LabelNames, nil)
	for _, sample := range family.Samples {
		m, err := prometheus.NewConstMetric(desc, prometheus.GaugeValue, sample.Value, sample.LabelValues...)
		if err != nil {
			log.WithError(err).Errorf("invalid sample for metric %s", family.Name)
			ch <- prometheus.NewInvalidMetric(desc, err)
			continue
		}
		ch <- m
	}
}
