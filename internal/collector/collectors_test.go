package collector

import (
	"context"
	"strings"
	"testing"

	"github.com/barryq93/promHANA/internal/db"
	"github.com/barryq93/promHANA/internal/metrics"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func memoryCatalog() *metrics.Catalog {
	metric := gaugeMetric("hanadb_memory_used", "used", "host")
	metric.Description = "Used memory"
	metric.Unit = "mb"
	return &metrics.Catalog{Queries: []*metrics.Query{{
		SQL:     "SELECT host, used FROM m_service_memory;",
		Enabled: true,
		Metrics: []*metrics.Metric{metric},
	}}}
}

func memoryRows(host string, used float64) *db.RowSet {
	return &db.RowSet{Columns: []string{"HOST", "USED"}, Rows: [][]interface{}{{host, used}}}
}

func newTestCollectors(t *testing.T, conns ...*mockConnection) (*Collectors, *test.Hook) {
	t.Helper()
	logger, hook := test.NewNullLogger()
	list := make([]db.Connection, len(conns))
	for i, c := range conns {
		list[i] = c
	}
	return NewCollectors(context.Background(), list, memoryCatalog(), nil, logrus.NewEntry(logger)), hook
}

func TestCollectorsCollect(t *testing.T) {
	system := newConn("SYSTEMDB", "2.00.040")
	system.On("IsConnected").Return(true)
	system.On("Query", "SELECT host, used FROM m_service_memory;").Return(memoryRows("hana01", 1024), nil)

	tenant := newConn("PRD", "2.00.040")
	tenant.On("IsConnected").Return(true)
	tenant.On("Query", "SELECT host, used FROM m_service_memory;").Return(memoryRows("hana01", 512), nil)

	cs, _ := newTestCollectors(t, system, tenant)
	require.Equal(t, 2, cs.Len())

	expected := `
# HELP hanadb_memory_used_mb Used memory
# TYPE hanadb_memory_used_mb gauge
hanadb_memory_used_mb{database_name="PRD",host="hana01",insnr="00",sid="PRD"} 512
hanadb_memory_used_mb{database_name="SYSTEMDB",host="hana01",insnr="00",sid="PRD"} 1024
`
	assert.NoError(t, testutil.CollectAndCompare(cs, strings.NewReader(expected)))
}

func TestCollectorsTenantIsolation(t *testing.T) {
	system := newConn("SYSTEMDB", "2.00.040")
	system.On("IsConnected").Return(false)
	system.On("Reconnect").Return(&db.ConnectionError{Host: "hana", Port: 30013, Err: errors.New("refused")})

	tenant := newConn("PRD", "2.00.040")
	tenant.On("IsConnected").Return(true)
	tenant.On("Query", "SELECT host, used FROM m_service_memory;").Return(memoryRows("hana01", 512), nil)

	cs, hook := newTestCollectors(t, system, tenant)

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(cs))
	families, err := reg.Gather()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database SYSTEMDB")

	require.Len(t, families, 1)
	assert.Equal(t, "hanadb_memory_used_mb", families[0].GetName())
	require.Len(t, families[0].GetMetric(), 1)
	assert.Equal(t, 512.0, families[0].GetMetric()[0].GetGauge().GetValue())

	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "scrape of database SYSTEMDB failed", hook.LastEntry().Message)
}

func TestCollectorsUnsupportedKind(t *testing.T) {
	logger, hook := test.NewNullLogger()
	catalog := memoryCatalog()
	catalog.Queries[0].Metrics[0].Type = "histogram"

	first := newConn("SYSTEMDB", "2.00.040")
	first.On("IsConnected").Return(true)
	second := newConn("PRD", "2.00.040")

	cs := NewCollectors(context.Background(), []db.Connection{first, second}, catalog, nil, logrus.NewEntry(logger))

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(cs))
	_, err := reg.Gather()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "histogram type not implemented")

	second.AssertNotCalled(t, "IsConnected")
	assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)
}

func TestNewCollectorsSkipsFailingConnections(t *testing.T) {
	broken := &mockConnection{}
	broken.On("Query", MetadataQuery).Return(nil, &db.QueryError{Query: MetadataQuery, Err: errors.New("insufficient privilege")})
	tenant := newConn("PRD", "2.00.040")

	cs, hook := newTestCollectors(t, broken, tenant)
	assert.Equal(t, 1, cs.Len())
	assert.Equal(t, []string{"connection 0 cannot be monitored"}, messages(hook, logrus.ErrorLevel))
}

func TestCollectorsStatus(t *testing.T) {
	system := newConn("SYSTEMDB", "2.00.040")
	system.On("IsConnected").Return(true)
	tenant := newConn("PRD", "2.00.040")
	tenant.On("IsConnected").Return(false)

	cs, _ := newTestCollectors(t, system, tenant)
	assert.Equal(t, []Status{
		{DatabaseName: "SYSTEMDB", SID: "PRD", Version: "2.00.040", Connected: true},
		{DatabaseName: "PRD", SID: "PRD", Version: "2.00.040", Connected: false},
	}, cs.Status(context.Background()))
}
