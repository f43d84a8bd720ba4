// Package observability exposes the Prometheus instrumentation shared by the
// credit service binaries.
package observability

import (
	"fmt"
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// CreditMetrics records credit market activity: loan lifecycle transitions,
// auction settlements and buffer throttling.
type CreditMetrics struct {
	loans       *prometheus.CounterVec
	auctions    *prometheus.CounterVec
	throttles   *prometheus.CounterVec
	issuance    *prometheus.GaugeVec
	writeOffs   prometheus.Counter
	requests    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	rpcFailures *prometheus.CounterVec
}

var (
	creditMetricsOnce sync.Once
	creditRegistry    *CreditMetrics
)

// Credit returns the lazily-initialised singleton metrics registry for the
// credit module.
func Credit() *CreditMetrics {
	creditMetricsOnce.Do(func() {
		creditRegistry = &CreditMetrics{
			loans: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "creditguild",
				Subsystem: "loans",
				Name:      "transitions_total",
				Help:      "Loan lifecycle transitions segmented by term and transition.",
			}, []string{"term", "transition"}),
			auctions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "creditguild",
				Subsystem: "auctions",
				Name:      "settlements_total",
				Help:      "Auction settlements segmented by term and outcome.",
			}, []string{"term", "outcome"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "creditguild",
				Subsystem: "buffer",
				Name:      "throttles_total",
				Help:      "Borrow attempts rejected by the issuance buffer.",
			}, []string{"term"}),
			issuance: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "creditguild",
				Subsystem: "loans",
				Name:      "issuance_wei",
				Help:      "Outstanding principal per term, in wei.",
			}, []string{"term"}),
			writeOffs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "creditguild",
				Subsystem: "auctions",
				Name:      "write_offs_total",
				Help:      "Loans closed with a debt shortfall.",
			}),
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "creditguild",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "HTTP requests segmented by route and outcome.",
			}, []string{"route", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "creditguild",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for HTTP handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route"}),
			rpcFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "creditguild",
				Subsystem: "http",
				Name:      "errors_total",
				Help:      "HTTP errors segmented by route and status code.",
			}, []string{"route", "status"}),
		}
		prometheus.MustRegister(
			creditRegistry.loans,
			creditRegistry.auctions,
			creditRegistry.throttles,
			creditRegistry.issuance,
			creditRegistry.writeOffs,
			creditRegistry.requests,
			creditRegistry.latency,
			creditRegistry.rpcFailures,
		)
	})
	return creditRegistry
}

// RecordTransition counts a loan lifecycle transition such as "opened",
// "called", "closed" or "liquidated".
func (m *CreditMetrics) RecordTransition(term, transition string) {
	if m == nil {
		return
	}
	if term == "" {
		term = "unknown"
	}
	m.loans.WithLabelValues(term, transition).Inc()
}

// RecordSettlement counts an auction settlement. Outcomes should be stable
// strings such as "bid", "partial" or "forfeit".
func (m *CreditMetrics) RecordSettlement(term, outcome string, shortfall bool) {
	if m == nil {
		return
	}
	if term == "" {
		term = "unknown"
	}
	m.auctions.WithLabelValues(term, outcome).Inc()
	if shortfall {
		m.writeOffs.Inc()
	}
}

// RecordThrottle counts a borrow rejected by the issuance buffer.
func (m *CreditMetrics) RecordThrottle(term string) {
	if m == nil {
		return
	}
	if term == "" {
		term = "unknown"
	}
	m.throttles.WithLabelValues(term).Inc()
}

// SetIssuance publishes the outstanding principal for a term. Values beyond
// float64 precision saturate rather than wrap.
func (m *CreditMetrics) SetIssuance(term string, issuance *big.Int) {
	if m == nil || issuance == nil {
		return
	}
	value, _ := new(big.Float).SetInt(issuance).Float64()
	if math.IsInf(value, 1) {
		value = math.MaxFloat64
	}
	m.issuance.WithLabelValues(term).Set(value)
}

// Observe records the outcome of an HTTP request against a route.
func (m *CreditMetrics) Observe(route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
		m.rpcFailures.WithLabelValues(route, fmt.Sprintf("%d", status)).Inc()
	}
	m.requests.WithLabelValues(route, outcome).Inc()
	m.latency.WithLabelValues(route).Observe(duration.Seconds())
}
