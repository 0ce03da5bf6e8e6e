// Package metrics defines prometheus metrics for libndt. The embedding
// application decides whether and where to expose them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TestCount counts the tests run by this client.
	TestCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "libndt_test_total",
			Help: "Number of NDT tests run by this client.",
		},
		[]string{"protocol", "direction", "result"})

	// TestRate is a histogram of client-side measured rates.
	TestRate = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "libndt_test_rate_mbps",
			Help: "A histogram of client-side measured rates.",
			Buckets: []float64{
				.1, .15, .25, .4, .6,
				1, 1.5, 2.5, 4, 6,
				10, 15, 25, 40, 60,
				100, 150, 250, 400, 600,
				1000},
		},
		[]string{"direction"})

	// ErrorCount counts the errors observed while running tests.
	ErrorCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "libndt_test_errors_total",
			Help: "Number of test errors of each type for each test.",
		},
		[]string{"protocol", "error"})
)
