// Package metrics exposes the bot's Prometheus collectors: request latency
// histograms, trade/error/cache counters and state gauges.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector bundles every metric the bot records. One instance is built in
// the composition root and shared by reference; tests build their own.
type Collector struct {
	Registry *prometheus.Registry

	APIRequestDuration *prometheus.HistogramVec
	TradeExecution     prometheus.Histogram

	TradesTotal   *prometheus.CounterVec
	APIErrors     *prometheus.CounterVec
	CacheOps      *prometheus.CounterVec
	SignalsTotal  *prometheus.CounterVec
	CycleOverruns prometheus.Counter

	PortfolioValue  prometheus.Gauge
	BreakerState    *prometheus.GaugeVec
	QueueDepth      prometheus.Gauge
	OpenPositions   prometheus.Gauge
	APIResponseEWMA prometheus.Gauge
}

// New creates a collector backed by a fresh registry.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		APIRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "Latency of outbound exchange API requests.",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"group", "status"}),
		TradeExecution: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "trade_execution_seconds",
			Help:    "End-to-end latency of trade execution attempts.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		TradesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trades_total",
			Help: "Trade attempts by outcome.",
		}, []string{"status"}),
		APIErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "api_errors_total",
			Help: "Exchange API errors by code.",
		}, []string{"code"}),
		CacheOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_ops_total",
			Help: "Cache operations by result.",
		}, []string{"result"}),
		SignalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signals_total",
			Help: "Listing signals by source and outcome.",
		}, []string{"source", "outcome"}),
		CycleOverruns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "detection_cycle_overruns_total",
			Help: "Detection cycles that ran past their time budget.",
		}),
		PortfolioValue: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "portfolio_value",
			Help: "Current portfolio value in quote units.",
		}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"group"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rate_limiter_queue_depth",
			Help: "Jobs waiting in the rate limiter queue.",
		}),
		OpenPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "open_positions",
			Help: "Number of currently open positions.",
		}),
		APIResponseEWMA: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "api_response_time_ms",
			Help: "EWMA of exchange API response time in milliseconds.",
		}),
	}

	reg.MustRegister(
		c.APIRequestDuration, c.TradeExecution,
		c.TradesTotal, c.APIErrors, c.CacheOps, c.SignalsTotal, c.CycleOverruns,
		c.PortfolioValue, c.BreakerState, c.QueueDepth, c.OpenPositions,
		c.APIResponseEWMA,
	)
	return c
}
