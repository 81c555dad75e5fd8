package coinbase

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var apiRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "exchange_api_requests_total",
	Help: "Total exchange API requests by outcome.",
}, []string{"exchange", "outcome"})

var apiRequestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "exchange_api_request_duration_seconds",
	Help:    "Latency of exchange API requests.",
	Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
}, []string{"exchange"})

var apiRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "exchange_api_retries_total",
	Help: "Retried exchange API requests by reason.",
}, []string{"exchange", "reason"})
