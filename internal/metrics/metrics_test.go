package metrics

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/barryq93/promHANA/internal/utils"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validJSON = `{
  "SELECT host, ROUND(SUM(total_memory_used_size)/1024/1024, 2) used FROM m_service_memory GROUP BY host;": {
    "enabled": true,
    "metrics": [
      {
        "name": "hanadb_memory_used",
        "description": "Used memory by host",
        "labels": ["HOST"],
        "value": "USED",
        "unit": "mb",
        "type": "gauge"
      }
    ]
  },
  "SELECT schema_name, ROUND(SUM(memory_size_in_total)/1024/1024) used FROM m_cs_tables GROUP BY schema_name;": {
    "enabled": false,
    "metrics": [
      {
        "name": "hanadb_schema_used_memory",
        "description": "Total used memory by schema",
        "labels": ["SCHEMA_NAME"],
        "value": "USED",
        "unit": "mb",
        "type": "gauge",
        "enabled": false,
        "hana_version_range": ["1.0.0", "2.0.0"]
      },
      {
        "name": "hanadb_schema_tables",
        "description": "Tables by schema",
        "labels": [],
        "value": "TABLES",
        "unit": "",
        "type": "gauge",
        "hana_version_range": ["2.00.040"]
      }
    ]
  },
  "SELECT 1 AS one FROM dummy;": {
    "metrics": []
  }
}`

func TestParse(t *testing.T) {
	catalog, err := Parse([]byte(validJSON))
	require.NoError(t, err)
	require.Len(t, catalog.Queries, 3)

	q1 := catalog.Queries[0]
	assert.Equal(t, "SELECT host, ROUND(SUM(total_memory_used_size)/1024/1024, 2) used FROM m_service_memory GROUP BY host;", q1.SQL)
	assert.True(t, q1.Enabled)
	require.Len(t, q1.Metrics, 1)
	assert.Equal(t, &Metric{
		Name:             "hanadb_memory_used",
		Description:      "Used memory by host",
		Labels:           []string{"HOST"},
		Value:            "USED",
		Unit:             "mb",
		Type:             TypeGauge,
		Enabled:          true,
		HanaVersionRange: []string{"1.0.0"},
	}, q1.Metrics[0])

	q2 := catalog.Queries[1]
	assert.False(t, q2.Enabled)
	require.Len(t, q2.Metrics, 2)
	assert.False(t, q2.Metrics[0].Enabled)
	assert.Equal(t, []string{"1.0.0", "2.0.0"}, q2.Metrics[0].HanaVersionRange)
	assert.True(t, q2.Metrics[1].Enabled)
	assert.Equal(t, []string{}, q2.Metrics[1].Labels)

	q3 := catalog.Queries[2]
	assert.Equal(t, "SELECT 1 AS one FROM dummy;", q3.SQL)
	assert.True(t, q3.Enabled)
	assert.Empty(t, q3.Metrics)
}

func TestParseYAML(t *testing.T) {
	doc := `
"SELECT b FROM dummy":
  metrics:
    - {name: b, description: b, labels: [], value: B, unit: "", type: gauge}
"SELECT a FROM dummy":
  metrics:
    - {name: a, description: a, labels: [X], value: A, unit: "", type: gauge}
`
	catalog, err := Parse([]byte(doc))
	require.NoError(t, err)
	require.Len(t, catalog.Queries, 2)
	assert.Equal(t, "SELECT b FROM dummy", catalog.Queries[0].SQL)
	assert.Equal(t, "SELECT a FROM dummy", catalog.Queries[1].SQL)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want error
	}{
		{
			name: "EmptyValue",
			doc: `{"q": {"metrics": [
				{"name": "ok", "description": "d", "labels": [], "value": "V", "unit": "", "type": "gauge"},
				{"name": "bad", "description": "d", "labels": [], "value": "", "unit": "", "type": "gauge"}]}}`,
			want: ErrInvalidValue,
		},
		{
			name: "MissingField",
			doc:  `{"q": {"metrics": [{"name": "m", "description": "d", "labels": [], "value": "V", "type": "gauge"}]}}`,
			want: ErrMalformed,
		},
		{
			name: "UnknownField",
			doc:  `{"q": {"metrics": [{"name": "m", "descriptio": "d", "labels": [], "value": "V", "unit": "", "type": "gauge"}]}}`,
			want: ErrMalformed,
		},
		{
			name: "ExtraField",
			doc:  `{"q": {"metrics": [{"name": "m", "description": "d", "labels": [], "value": "V", "unit": "", "type": "gauge", "extra": false}]}}`,
			want: ErrMalformed,
		},
		{
			name: "UnknownQueryField",
			doc:  `{"q": {"enable": true, "metrics": []}}`,
			want: ErrMalformed,
		},
		{
			name: "MissingMetrics",
			doc:  `{"q": {"enabled": true}}`,
			want: ErrMalformed,
		},
		{
			name: "MetricsNotList",
			doc:  `{"q": {"metrics": {"name": "m"}}}`,
			want: ErrMalformed,
		},
		{
			name: "RangeTooLong",
			doc:  `{"q": {"metrics": [{"name": "m", "description": "d", "labels": [], "value": "V", "unit": "", "type": "gauge", "hana_version_range": ["1", "2", "3"]}]}}`,
			want: utils.ErrInvalidVersionRange,
		},
		{
			name: "RangeEmpty",
			doc:  `{"q": {"metrics": [{"name": "m", "description": "d", "labels": [], "value": "V", "unit": "", "type": "gauge", "hana_version_range": []}]}}`,
			want: utils.ErrInvalidVersionRange,
		},
		{
			name: "RangeNotNumeric",
			doc:  `{"q": {"metrics": [{"name": "m", "description": "d", "labels": [], "value": "V", "unit": "", "type": "gauge", "hana_version_range": ["2.x"]}]}}`,
			want: utils.ErrInvalidVersion,
		},
		{
			name: "DuplicatedMetric",
			doc: `{"q": {"metrics": [
				{"name": "m", "description": "d", "labels": [], "value": "V", "unit": "", "type": "gauge"},
				{"name": "m", "description": "d", "labels": [], "value": "W", "unit": "", "type": "gauge"}]}}`,
			want: ErrMalformed,
		},
		{
			name: "DuplicatedLabel",
			doc:  `{"q": {"metrics": [{"name": "m", "description": "d", "labels": ["HOST", "host"], "value": "V", "unit": "", "type": "gauge"}]}}`,
			want: ErrMalformed,
		},
		{
			name: "EmptyLabel",
			doc:  `{"q": {"metrics": [{"name": "m", "description": "d", "labels": [" "], "value": "V", "unit": "", "type": "gauge"}]}}`,
			want: ErrMalformed,
		},
		{
			name: "MetadataLabel",
			doc:  `{"q": {"metrics": [{"name": "m", "description": "d", "labels": ["SID"], "value": "V", "unit": "", "type": "gauge"}]}}`,
			want: ErrMalformed,
		},
		{
			name: "LabelIsValue",
			doc:  `{"q": {"metrics": [{"name": "m", "description": "d", "labels": ["USED"], "value": "used", "unit": "", "type": "gauge"}]}}`,
			want: ErrMalformed,
		},
		{
			name: "InvalidLabelName",
			doc:  `{"q": {"metrics": [{"name": "m", "description": "d", "labels": ["SERVICE-NAME"], "value": "V", "unit": "", "type": "gauge"}]}}`,
			want: ErrMalformed,
		},
		{
			name: "InvalidMetricName",
			doc:  `{"q": {"metrics": [{"name": "hanadb memory", "description": "d", "labels": [], "value": "V", "unit": "", "type": "gauge"}]}}`,
			want: ErrMalformed,
		},
		{
			name: "InvalidUnit",
			doc:  `{"q": {"metrics": [{"name": "hanadb_memory", "description": "d", "labels": [], "value": "V", "unit": "m/s", "type": "gauge"}]}}`,
			want: ErrMalformed,
		},
		{
			name: "LabelsNotList",
			doc:  `{"q": {"metrics": [{"name": "m", "description": "d", "labels": "HOST", "value": "V", "unit": "", "type": "gauge"}]}}`,
			want: ErrMalformed,
		},
		{
			name: "TopLevelList",
			doc:  `["SELECT 1 FROM dummy"]`,
			want: ErrMalformed,
		},
		{
			name: "Empty",
			doc:  ``,
			want: ErrMalformed,
		},
		{
			name: "Syntax",
			doc:  `{"q": `,
			want: ErrMalformed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			catalog, err := Parse([]byte(tt.doc))
			assert.Nil(t, catalog)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestEmptyValueMessage(t *testing.T) {
	_, err := NewMetric(Metric{Name: "name", Value: ""}, false, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no value specified in metrics file for name")
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.json")
	require.NoError(t, os.WriteFile(path, []byte(validJSON), 0600))

	catalog, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, catalog.Queries, 3)

	_, err = Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
