package worker

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry             *prometheus.Registry
	batchesTotal         *prometheus.CounterVec
	batchDuration        *prometheus.HistogramVec
	activeBatches        prometheus.Gauge
	itemsTotal           *prometheus.CounterVec
	pixelsProcessedTotal prometheus.Counter
	outputBytesTotal     prometheus.Counter
	computeTimeMSTotal   prometheus.Counter
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		batchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cutout_worker_batches_total",
			Help: "Total worker batches by source type and final status.",
		}, []string{"source_type", "status"}),
		batchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cutout_worker_batch_duration_seconds",
			Help:    "Total processing duration for each worker batch.",
			Buckets: prometheus.DefBuckets,
		}, []string{"source_type", "status"}),
		activeBatches: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cutout_worker_active_batches",
			Help: "Current number of batches being processed by the worker.",
		}),
		itemsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cutout_worker_items_total",
			Help: "Total batch items by final status.",
		}, []string{"status"}),
		pixelsProcessedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cutout_usage_pixels_processed_total",
			Help: "Total output pixels produced across successful items.",
		}),
		outputBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cutout_usage_output_bytes_total",
			Help: "Total output bytes produced across successful items.",
		}),
		computeTimeMSTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cutout_usage_compute_time_ms_total",
			Help: "Total compute time in milliseconds across batches.",
		}),
	}

	registry.MustRegister(
		m.batchesTotal,
		m.batchDuration,
		m.activeBatches,
		m.itemsTotal,
		m.pixelsProcessedTotal,
		m.outputBytesTotal,
		m.computeTimeMSTotal,
	)
	return m
}

func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
