// Package metrics holds the Prometheus collectors for the pipeline. A nil
// *Collector is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	registry *prometheus.Registry

	StageExecutions *prometheus.CounterVec
	StageDuration   *prometheus.HistogramVec
	MemoHits        *prometheus.CounterVec
	AssetWrites     *prometheus.CounterVec
	StorageRetries  *prometheus.CounterVec
	Exports         *prometheus.CounterVec
	HTTPRequests    *prometheus.CounterVec
}

func NewCollector(namespace string) *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		StageExecutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_executions_total",
				Help:      "Stage executions by stage and final status.",
			},
			[]string{"stage", "status"},
		),
		StageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Wall time spent inside stage execution.",
				Buckets:   []float64{0.005, 0.025, 0.1, 0.5, 1, 5, 30, 120},
			},
			[]string{"stage"},
		),
		MemoHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_memo_hits_total",
				Help:      "RunStage commands answered from a cached Succeeded record.",
			},
			[]string{"stage"},
		),
		AssetWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "asset_writes_total",
				Help:      "Asset store writes by outcome (created, deduplicated, failed).",
			},
			[]string{"outcome"},
		),
		StorageRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "storage_retries_total",
				Help:      "Retried storage operations.",
			},
			[]string{"op"},
		),
		Exports: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "exports_total",
				Help:      "Exports by target format and result.",
			},
			[]string{"format", "result"},
		),
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP API requests.",
			},
			[]string{"method", "route", "status"},
		),
	}

	registry.MustRegister(
		c.StageExecutions,
		c.StageDuration,
		c.MemoHits,
		c.AssetWrites,
		c.StorageRetries,
		c.Exports,
		c.HTTPRequests,
	)
	return c
}

func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) ObserveStage(stage, status string, d time.Duration) {
	if c == nil {
		return
	}
	c.StageExecutions.WithLabelValues(stage, status).Inc()
	c.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (c *Collector) MemoHit(stage string) {
	if c == nil {
		return
	}
	c.MemoHits.WithLabelValues(stage).Inc()
}

func (c *Collector) AssetWrite(outcome string) {
	if c == nil {
		return
	}
	c.AssetWrites.WithLabelValues(outcome).Inc()
}

func (c *Collector) StorageRetry(op string) {
	if c == nil {
		return
	}
	c.StorageRetries.WithLabelValues(op).Inc()
}

func (c *Collector) Export(format, result string) {
	if c == nil {
		return
	}
	c.Exports.WithLabelValues(format, result).Inc()
}

func (c *Collector) HTTPRequest(method, route, status string) {
	if c == nil {
		return
	}
	c.HTTPRequests.WithLabelValues(method, route, status).Inc()
}
