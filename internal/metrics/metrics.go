// Package metrics models the metric definition file: a mapping from SQL query
// text to the gauges built from its result.
//
//	{
//	  "SELECT host, ROUND(SUM(memory)/1024/1024) used FROM m_service_memory GROUP BY host;": {
//	    "enabled": true,
//	    "metrics": [{
//	      "name": "hanadb_memory_used", "description": "Used memory", "labels": ["HOST"],
//	      "value": "USED", "unit": "mb", "type": "gauge", "hana_version_range": ["1.0.0"]
//	    }]
//	  }
//	}
//
// JSON and YAML sources are both accepted. Decoding is strict: unknown keys and
// missing required keys fail the whole catalog.
package metrics

import (
	"os"
	"strings"

	"github.com/barryq93/promHANA/internal/utils"
	"github.com/pkg/errors"
	"github.com/prometheus/common/model"
	"gopkg.in/yaml.v3"
)

// TypeGauge is the only supported metric type.
const TypeGauge = "gauge"

var (
	ErrInvalidValue = errors.New("no value specified")
	ErrMalformed    = errors.New("malformed metrics definition")
)

var defaultHanaRange = []string{"1.0.0"}

// MetadataLabels lead the label set of every sample and cannot be declared by
// a metric.
var MetadataLabels = []string{"sid", "insnr", "database_name"}

var (
	metricFields = fieldSet{
		required: []string{"name", "description", "labels", "value", "unit", "type"},
		optional: []string{"enabled", "hana_version_range"},
	}
	queryFields = fieldSet{
		required: []string{"metrics"},
		optional: []string{"enabled"},
	}
)

// Metric is one gauge built from the rows of its query.
type Metric struct {
	Name             string   `yaml:"name"`
	Description      string   `yaml:"description"`
	Labels           []string `yaml:"labels"`
	Value            string   `yaml:"value"`
	Unit             string   `yaml:"unit"`
	Type             string   `yaml:"type"`
	Enabled          bool     `yaml:"enabled"`
	HanaVersionRange []string `yaml:"hana_version_range"`
}

// Query groups a SQL statement with the metrics read from its result.
type Query struct {
	SQL     string
	Enabled bool
	Metrics []*Metric
}

// Catalog is the ordered list of queries of one definition file.
type Catalog struct {
	Queries []*Query
}

// NewMetric applies defaults and validates a decoded metric.
func NewMetric(m Metric, enabledSet, rangeSet bool) (*Metric, error) {
	if strings.TrimSpace(m.Name) == "" {
		return nil, errors.Wrap(ErrMalformed, "metric without name")
	}
	if !enabledSet {
		m.Enabled = true
	}
	if !rangeSet {
		m.HanaVersionRange = append([]string(nil), defaultHanaRange...)
	}
	if strings.TrimSpace(m.Value) == "" {
		return nil, errors.Wrapf(ErrInvalidValue, "no value specified in metrics file for %s", m.Name)
	}
	if err := validateNames(&m); err != nil {
		return nil, errors.Wrapf(err, "metric %s", m.Name)
	}
	if err := utils.ValidateVersionRange(m.HanaVersionRange); err != nil {
		return nil, errors.Wrapf(err, "metric %s", m.Name)
	}
	return &m, nil
}

// validateNames checks the exposed family name and the label columns. Labels
// are exposed lower-cased, so clashes are detected case-insensitively.
func validateNames(m *Metric) error {
	family := m.Name
	if m.Unit != "" {
		family += "_" + m.Unit
	}
	if !model.IsValidMetricName(model.LabelValue(family)) {
		return errors.Wrapf(ErrMalformed, "invalid metric name %q", family)
	}

	seen := make(map[string]bool, len(MetadataLabels)+len(m.Labels))
	for _, l := range MetadataLabels {
		seen[l] = true
	}
	for _, label := range m.Labels {
		name := strings.ToLower(strings.TrimSpace(label))
		switch {
		case name == "":
			return errors.Wrap(ErrMalformed, "empty label")
		case !model.LabelName(name).IsValid():
			return errors.Wrapf(ErrMalformed, "invalid label %q", label)
		case seen[name]:
			return errors.Wrapf(ErrMalformed, "label %q is duplicated or reserved", label)
		case strings.EqualFold(strings.TrimSpace(label), strings.TrimSpace(m.Value)):
			return errors.Wrapf(ErrMalformed, "label %q is also the value column", label)
		}
		seen[name] = true
	}
	return nil
}

// Load reads and parses a definition file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading metrics file %s", path)
	}
	catalog, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "metrics file %s", path)
	}
	return catalog, nil
}

// Parse decodes a definition document, keeping the source order of queries.
func Parse(data []byte) (*Catalog, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(ErrMalformed, err.Error())
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, errors.Wrap(ErrMalformed, "empty document")
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, errors.Wrapf(ErrMalformed, "line %d: top level must map queries to definitions", root.Line)
	}

	catalog := &Catalog{}
	seen := map[string]bool{}
	for i := 0; i < len(root.Content); i += 2 {
		keyNode, valueNode := root.Content[i], root.Content[i+1]
		sql := keyNode.Value
		if seen[sql] {
			return nil, errors.Wrapf(ErrMalformed, "line %d: duplicated query %q", keyNode.Line, sql)
		}
		seen[sql] = true

		query, err := parseQuery(sql, valueNode)
		if err != nil {
			return nil, errors.Wrapf(err, "query %q", sql)
		}
		catalog.Queries = append(catalog.Queries, query)
	}
	return catalog, nil
}

func parseQuery(sql string, node *yaml.Node) (*Query, error) {
	keys, err := queryFields.check(node)
	if err != nil {
		return nil, err
	}

	query := &Query{SQL: sql, Enabled: true}
	if enabled, ok := keys["enabled"]; ok {
		if err := enabled.Decode(&query.Enabled); err != nil {
			return nil, errors.Wrapf(ErrMalformed, "line %d: enabled: %v", enabled.Line, err)
		}
	}

	list := keys["metrics"]
	if list.Kind != yaml.SequenceNode {
		return nil, errors.Wrapf(ErrMalformed, "line %d: metrics must be a list", list.Line)
	}
	names := map[string]bool{}
	for _, item := range list.Content {
		metric, err := parseMetric(item)
		if err != nil {
			return nil, err
		}
		if names[metric.Name] {
			return nil, errors.Wrapf(ErrMalformed, "line %d: duplicated metric %s", item.Line, metric.Name)
		}
		names[metric.Name] = true
		query.Metrics = append(query.Metrics, metric)
	}
	return query, nil
}

func parseMetric(node *yaml.Node) (*Metric, error) {
	keys, err := metricFields.check(node)
	if err != nil {
		return nil, err
	}
	var m Metric
	if err := node.Decode(&m); err != nil {
		return nil, errors.Wrapf(ErrMalformed, "line %d: %v", node.Line, err)
	}
	_, enabledSet := keys["enabled"]
	_, rangeSet := keys["hana_version_range"]
	return NewMetric(m, enabledSet, rangeSet)
}

type fieldSet struct {
	required []string
	optional []string
}

// check returns the value nodes of a mapping by key, rejecting unknown and
// missing keys.
func (f fieldSet) check(node *yaml.Node) (map[string]*yaml.Node, error) {
	if node.Kind != yaml.MappingNode {
		return nil, errors.Wrapf(ErrMalformed, "line %d: expected a mapping", node.Line)
	}
	known := map[string]bool{}
	for _, k := range f.required {
		known[k] = true
	}
	for _, k := range f.optional {
		known[k] = true
	}

	keys := make(map[string]*yaml.Node, len(node.Content)/2)
	for i := 0; i < len(node.Content); i += 2 {
		key := node.Content[i].Value
		if !known[key] {
			return nil, errors.Wrapf(ErrMalformed, "line %d: unknown field %q", node.Content[i].Line, key)
		}
		if _, dup := keys[key]; dup {
			return nil, errors.Wrapf(ErrMalformed, "line %d: duplicated field %q", node.Content[i].Line, key)
		}
		keys[key] = node.Content[i+1]
	}
	for _, k := range f.required {
		if _, ok := keys[k]; !ok {
			return nil, errors.Wrapf(ErrMalformed, "line %d: missing field %q", node.Line, k)
		}
	}
	return keys, nil
}
