// Package collector turns the metric catalog into gauge samples by running its
// queries against one database connection per tenant.
package collector

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/barryq93/promHANA/internal/db"
	"github.com/barryq93/promHANA/internal/metrics"
	"github.com/barryq93/promHANA/internal/utils"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// MetadataQuery returns the identity of the instance behind a connection.
const MetadataQuery = `SELECT
(SELECT value
FROM M_SYSTEM_OVERVIEW
WHERE section = 'System'
AND name = 'Instance ID') SID,
(SELECT value
FROM M_SYSTEM_OVERVIEW
WHERE section = 'System'
AND name = 'Instance Number') INSNR,
m.database_name,
m.version
FROM m_database m;`

var (
	// ErrUnsupportedMetricKind is returned when the catalog holds a metric type
	// other than gauge.
	ErrUnsupportedMetricKind = errors.New("unsupported metric type")

	ErrNoMetadata = errors.New("metadata query returned no record")
)

// MetadataLabels are the leading labels of every sample.
var MetadataLabels = metrics.MetadataLabels

// Metadata identifies the instance and database a connection points to.
type Metadata struct {
	SID            string
	InstanceNumber string
	DatabaseName   string
	Version        string
}

// Labels returns the metadata label values in MetadataLabels order.
func (m Metadata) Labels() []string {
	return []string{m.SID, m.InstanceNumber, m.DatabaseName}
}

// Family is one gauge with its samples.
type Family struct {
	Name       string
	Help       string
	LabelNames []string
	Samples    []Sample
}

type Sample struct {
	LabelValues []string
	Value       float64
}

// Collector scrapes one connection. Scrapes on the same collector are
// serialized by mu; state guards what health checks read while a scrape runs.
type Collector struct {
	mu        sync.Mutex
	log       *logrus.Entry
	conn      db.Connection
	catalog   *metrics.Catalog
	telemetry *Telemetry

	state     sync.RWMutex
	meta      Metadata
	connected bool
}

// NewCollector builds a collector for conn and retrieves the instance metadata.
func NewCollector(ctx context.Context, conn db.Connection, catalog *metrics.Catalog, telemetry *Telemetry, log *logrus.Entry) (*Collector, error) {
	c := &Collector{
		log:       log.WithField("component", "collector"),
		conn:      conn,
		catalog:   catalog,
		telemetry: telemetry,
	}
	if err := c.retrieveMetadata(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Metadata returns the cached instance metadata.
func (c *Collector) Metadata() Metadata {
	c.state.RLock()
	defer c.state.RUnlock()
	return c.meta
}

// Connected reports whether the underlying connection is alive. While a scrape
// holds the connection the state observed by that scrape is returned instead.
func (c *Collector) Connected(ctx context.Context) bool {
	if !c.mu.TryLock() {
		c.state.RLock()
		defer c.state.RUnlock()
		return c.connected
	}
	defer c.mu.Unlock()
	connected := c.conn.IsConnected(ctx)
	c.setConnected(connected)
	return connected
}

func (c *Collector) setConnected(connected bool) {
	c.state.Lock()
	c.connected = connected
	c.state.Unlock()
}

func (c *Collector) retrieveMetadata(ctx context.Context) error {
	c.log.Info("Querying database metadata...")
	result, err := c.conn.Query(ctx, MetadataQuery)
	if err != nil {
		return errors.Wrap(err, "querying database metadata")
	}
	records := result.Records()
	if len(records) == 0 {
		return ErrNoMetadata
	}
	record := records[0]
	meta := Metadata{
		SID:            fieldString(record, "SID"),
		InstanceNumber: fieldString(record, "INSNR"),
		DatabaseName:   fieldString(record, "DATABASE_NAME"),
		Version:        fieldString(record, "VERSION"),
	}
	c.state.Lock()
	c.meta = meta
	c.connected = true
	c.state.Unlock()
	c.log = c.log.WithField("database_name", meta.DatabaseName)
	c.log.Infof("Metadata retrieved. version: %s, sid: %s, insnr: %s, database: %s",
		meta.Version, meta.SID, meta.InstanceNumber, meta.DatabaseName)
	return nil
}

// reconnect reopens a lost session and refreshes the metadata.
func (c *Collector) reconnect(ctx context.Context) error {
	if c.conn.IsConnected(ctx) {
		c.setConnected(true)
		return nil
	}
	c.log.Warn("connection lost, reconnecting")
	err := c.conn.Reconnect(ctx)
	c.telemetry.observeReconnect(c.meta.DatabaseName, err)
	if err != nil {
		c.setConnected(false)
		return errors.Wrap(err, "reconnecting")
	}
	return c.retrieveMetadata(ctx)
}

// Scrape runs every applicable query of the catalog and returns the resulting
// gauge families in catalog order. A failed query is logged and skipped, a
// lost connection aborts the scrape.
func (c *Collector) Scrape(ctx context.Context) ([]*Family, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Now()
	families, err := c.scrape(ctx)
	c.telemetry.observeScrape(c.meta.DatabaseName, start, err)
	return families, err
}

func (c *Collector) scrape(ctx context.Context) ([]*Family, error) {
	if err := c.reconnect(ctx); err != nil {
		return nil, err
	}

	var families []*Family
	for _, query := range c.catalog.Queries {
		if !query.Enabled {
			c.log.Infof("Query %s is disabled", query.SQL)
			continue
		}
		active, err := c.applicable(query)
		if err != nil {
			return nil, err
		}
		if len(active) == 0 {
			c.log.Warnf("Query %s has no enabled metric for hana version %s, skipping...", query.SQL, c.meta.Version)
			continue
		}

		result, err := c.query(ctx, query.SQL)
		if err != nil {
			var connErr *db.ConnectionError
			if errors.As(err, &connErr) {
				c.setConnected(false)
				return nil, err
			}
			c.log.Errorf("Failure in query: %s, skipping...", query.SQL)
			c.log.Error(err.Error())
			continue
		}
		records := result.Records()
		if len(records) == 0 {
			c.log.Warnf("Query %s ... has not returned any record", query.SQL)
			continue
		}
		for _, metric := range active {
			families = append(families, c.gauge(metric, records))
		}
	}
	return families, nil
}

// applicable filters the metrics of query by their enabled flag and by the
// version range of the connected database.
func (c *Collector) applicable(query *metrics.Query) ([]*metrics.Metric, error) {
	var active []*metrics.Metric
	for _, metric := range query.Metrics {
		if !metric.Enabled {
			c.log.Infof("Metric %s is disabled", metric.Name)
			continue
		}
		ok, err := utils.CheckVersionRange(c.meta.Version, metric.HanaVersionRange)
		if err != nil {
			c.log.WithError(err).Warnf("Metric %s version range cannot be evaluated, skipping...", metric.Name)
			continue
		}
		if !ok {
			c.log.Infof("Metric %s out of the provided hana version range: %v", metric.Name, metric.HanaVersionRange)
			continue
		}
		if metric.Type != metrics.TypeGauge {
			return nil, errors.Wrapf(ErrUnsupportedMetricKind, "%s type not implemented", metric.Type)
		}
		active = append(active, metric)
	}
	return active, nil
}

func (c *Collector) query(ctx context.Context, sql string) (*db.RowSet, error) {
	start := time.Now()
	result, err := c.conn.Query(ctx, sql)
	c.telemetry.observeQuery(c.meta.DatabaseName, start, err)
	return result, err
}

// gauge builds the family of metric from the records of its query. Rows
// without a value or without every declared label are skipped.
func (c *Collector) gauge(metric *metrics.Metric, records []db.Record) *Family {
	family := &Family{
		Name:       FamilyName(metric),
		Help:       metric.Description,
		LabelNames: append(append([]string(nil), MetadataLabels...), lowerAll(metric.Labels)...),
	}

	for _, record := range records {
		labels := make([]string, len(metric.Labels))
		found := make([]bool, len(metric.Labels))
		var value interface{}
		for _, field := range record {
			if i := indexFold(metric.Labels, field.Column); i >= 0 {
				labels[i] = fieldText(field.Value)
				found[i] = true
			} else if strings.EqualFold(field.Column, metric.Value) {
				value = field.Value
			}
		}

		if value == nil {
			c.log.Warnf("Specified value in metrics.json for metric \"%s\": (%s) not found or it is invalid (null) in the query result",
				metric.Name, metric.Value)
			continue
		}
		if !all(found) {
			c.log.Warnf("One or more label(s) specified in metrics.json for metric \"%s\" that are not found in the query result",
				metric.Name)
			continue
		}
		f, err := toFloat(value)
		if err != nil {
			c.log.WithError(err).Warnf("Value of metric \"%s\" is not numeric, skipping row", metric.Name)
			continue
		}
		family.Samples = append(family.Samples, Sample{
			LabelValues: append(c.meta.Labels(), labels...),
			Value:       f,
		})
	}
	c.log.Debugf("%s: %d samples", family.Name, len(family.Samples))
	return family
}

// FamilyName appends the unit to the metric name unless it already ends with it.
func FamilyName(m *metrics.Metric) string {
	if m.Unit == "" || strings.HasSuffix(m.Name, "_"+m.Unit) {
		return m.Name
	}
	return m.Name + "_" + m.Unit
}

func indexFold(list []string, s string) int {
	for i, item := range list {
		if strings.EqualFold(item, s) {
			return i
		}
	}
	return -1
}

func lowerAll(list []string) []string {
	out := make([]string, len(list))
	for i, s := range list {
		out[i] = strings.ToLower(s)
	}
	return out
}

func all(flags []bool) bool {
	for _, f := range flags {
		if !f {
			return false
		}
	}
	return true
}

func fieldString(r db.Record, column string) string {
	v, _ := r.Get(column)
	return fieldText(v)
}

func fieldText(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case *big.Rat:
		return t.FloatString(6)
	case time.Time:
		return t.Format(time.RFC3339)
	default:
		return fmt.Sprint(t)
	}
}

func toFloat(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int8:
		return float64(n), nil
	case int16:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint:
		return float64(n), nil
	case uint8:
		return float64(n), nil
	case uint16:
		return float64(n), nil
	case uint32:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case bool:
		if n {
			return 1, nil
		}
		return 0, nil
	case *big.Rat:
		f, _ := n.Float64()
		return f, nil
	case *big.Int:
		f, _ := new(big.Float).SetInt(n).Float64()
		return f, nil
	case *big.Float:
		f, _ := n.Float64()
		return f, nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(n), 64)
	case []byte:
		return strconv.ParseFloat(strings.TrimSpace(string(n)), 64)
	default:
		return 0, errors.Errorf("unexpected value type %T", v)
	}
}
