// Package exporter renders crawl progress samples in the OpenMetrics format.
package exporter

import (
	"maps"
	"net/http"
	"slices"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Sample is one gauge value with its labels. Help falls back to Name.
type Sample struct {
	Name   string
	Help   string
	Labels map[string]string
	Value  float64
}

// SnapshotReader returns the current samples on every scrape.
type SnapshotReader interface {
	Snapshot() []Sample
}

// HandlerOptions configures the metrics handler.
type HandlerOptions struct {
	// IncludeRuntime adds Go runtime and process collectors.
	IncludeRuntime bool
}

// NewOpenMetricsHandler serves the reader's samples, and optionally the Go
// runtime collectors, from a private registry.
func NewOpenMetricsHandler(reader SnapshotReader, opts HandlerOptions) http.Handler {
	registry := prometheus.NewRegistry()
	registry.MustRegister(progressCollector{reader: reader})
	if opts.IncludeRuntime {
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// progressCollector is unchecked: its metric set is only known at scrape time.
type progressCollector struct {
	reader SnapshotReader
}

func (progressCollector) Describe(chan<- *prometheus.Desc) {}

func (c progressCollector) Collect(ch chan<- prometheus.Metric) {
	if c.reader == nil {
		return
	}
	for _, sample := range c.reader.Snapshot() {
		if metric, ok := gauge(sample); ok {
			ch <- metric
		}
	}
}

func gauge(sample Sample) (prometheus.Metric, bool) {
	if sample.Name == "" {
		return nil, false
	}
	help := sample.Help
	if help == "" {
		help = sample.Name
	}

	keys := slices.Sorted(maps.Keys(sample.Labels))
	values := make([]string, len(keys))
	for i, key := range keys {
		values[i] = sample.Labels[key]
	}

	metric, err := prometheus.NewConstMetric(
		prometheus.NewDesc(sample.Name, help, keys, nil),
		prometheus.GaugeValue,
		sample.Value,
		values...,
	)
	return metric, err == nil
}
