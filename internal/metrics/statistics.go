package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/rewrite-core/internal/stats"
)

var nameReplacer = strings.NewReplacer("-", "_", ".", "_", " ", "_")

// StatisticsCollector exports a stats.Statistics registry. Variables become
// counters and up/down counters become gauges, both prefixed by namespace.
// The variable set is dynamic, so the collector is unchecked.
type StatisticsCollector struct {
	namespace string
	stats     *stats.Statistics
}

// NewStatisticsCollector wraps s for registration with Prometheus.
func NewStatisticsCollector(namespace string, s *stats.Statistics) *StatisticsCollector {
	return &StatisticsCollector{namespace: namespace, stats: s}
}

// Describe sends nothing, marking the collector as unchecked.
func (c *StatisticsCollector) Describe(chan<- *prometheus.Desc) {}

// Collect emits one sample per registered variable.
func (c *StatisticsCollector) Collect(ch chan<- prometheus.Metric) {
	for _, v := range c.stats.Variables() {
		valueType := prometheus.CounterValue
		if v.Kind() == stats.KindUpDown {
			valueType = prometheus.GaugeValue
		}
		desc := prometheus.NewDesc(
			MetricName(c.namespace, v.Name()),
			"Statistic "+v.Name(),
			nil, nil,
		)
		ch <- prometheus.MustNewConstMetric(desc, valueType, float64(v.Get()))
	}
}

// MetricName converts a statistic name to a Prometheus metric name.
func MetricName(namespace, name string) string {
	name = nameReplacer.Replace(name)
	if namespace == "" {
		return name
	}
	return namespace + "_" + name
}

// RegisterStatistics registers s with reg under namespace.
func RegisterStatistics(reg prometheus.Registerer, namespace string, s *stats.Statistics) error {
	return reg.Register(NewStatisticsCollector(namespace, s))
}
