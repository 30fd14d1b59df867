package metrics

import "github.com/prometheus/client_golang/prometheus"

// collector bundles the Describe/Collect plumbing shared by every metrics group
type collector struct {
	collectors []prometheus.Collector
}

// Describe implements the prometheus.Collector interface
func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	for _, col := range c.collectors {
		col.Describe(ch)
	}
}

// Collect implements the prometheus.Collector interface
func (c *collector) Collect(ch chan<- prometheus.Metric) {
	for _, col := range c.collectors {
		col.Collect(ch)
	}
}
