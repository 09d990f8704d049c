package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments exposed by the client proxy (C7),
// the server proxy (C8) and the ledger maintainer (C9), following the
// teacher's promauto-factory pattern (one package-level NewMetrics
// constructor, one struct of bound instruments shared by pointer).
type Metrics struct {
	SessionsActive  prometheus.Gauge
	SessionsTotal   prometheus.Counter
	StreamsActive   prometheus.Gauge
	StreamsTotal    prometheus.Counter
	RequestsTotal   *prometheus.CounterVec
	BytesForwarded  *prometheus.CounterVec
	BillingDebits   *prometheus.CounterVec
	BalancePushes   prometheus.Counter
	NegativeBalance prometheus.Counter
	MaintainerRuns  *prometheus.CounterVec
}

// NewMetrics initializes and registers Prometheus metrics on the default
// registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(nil)
}

// NewMetricsWithRegistry initializes and registers Prometheus metrics with a
// custom registry, so tests can use a private registry instead of the
// package-level default.
func NewMetricsWithRegistry(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "alpaca_sessions_active",
			Help: "The current number of open WebSocket sessions",
		}),
		SessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "alpaca_sessions_total",
			Help: "The total number of WebSocket sessions established since start",
		}),
		StreamsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "alpaca_streams_active",
			Help: "The current number of live multiplexed streams",
		}),
		StreamsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "alpaca_streams_total",
			Help: "The total number of streams opened since start",
		}),
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "alpaca_requests_total",
			Help: "The total number of TYPE_REQUEST messages handled, by outcome",
		}, []string{"outcome"}),
		BytesForwarded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "alpaca_bytes_forwarded_total",
			Help: "The total number of payload bytes forwarded, by direction",
		}, []string{"direction"}),
		BillingDebits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "alpaca_billing_debits_total",
			Help: "The total number of ledger debits, by kind (request/byte)",
		}, []string{"kind"}),
		BalancePushes: factory.NewCounter(prometheus.CounterOpts{
			Name: "alpaca_balance_pushes_total",
			Help: "The total number of BALANCE control messages pushed to clients",
		}),
		NegativeBalance: factory.NewCounter(prometheus.CounterOpts{
			Name: "alpaca_negative_balance_refusals_total",
			Help: "The total number of REQUESTs refused for a negative ledger balance",
		}),
		MaintainerRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "alpaca_maintainer_runs_total",
			Help: "The total number of ledger maintainer iterations, by outcome",
		}, []string{"outcome"}),
	}
}
