// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "seriesd"

// Result labels.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

type metrics struct {
	materializeTotal    *prometheus.CounterVec
	materializeDuration *prometheus.HistogramVec
	materializedRows    prometheus.Counter

	queryTotal    *prometheus.CounterVec
	skippedSeries prometheus.Counter
	virtualRows   prometheus.Counter

	refreshTotal *prometheus.CounterVec
}

var metricsSingleton = sync.OnceValue(func() *metrics {
	return &metrics{
		materializeTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "materialize_total",
			Help:      "Total number of series materializations.",
		}, []string{"result"}),
		materializeDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "materialize_duration_seconds",
			Help:      "Latency distribution for series materialization.",
			Buckets: []float64{
				0.0005, 0.001, 0.002, 0.005,
				0.01, 0.02, 0.05,
				0.1, 0.2, 0.5,
				1, 2, 5,
			},
		}, []string{"result"}),
		materializedRows: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "materialized_rows_total",
			Help:      "Total number of occurrence rows written.",
		}),
		queryTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "query_total",
			Help:      "Total number of occurrence queries.",
		}, []string{"mode", "result"}),
		skippedSeries: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "query_skipped_series_total",
			Help:      "Series skipped during queries because they could not be expanded.",
		}),
		virtualRows: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "virtual_occurrences_total",
			Help:      "Occurrences computed at read time.",
		}),
		refreshTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "horizon_refresh_total",
			Help:      "Series processed by horizon refresh runs.",
		}, []string{"result"}),
	}
})

func getMetrics() *metrics {
	return metricsSingleton()
}

func result(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultOK
}

// ObserveMaterialize records one materialization.
func ObserveMaterialize(start time.Time, rows int, err error) {
	m := getMetrics()
	r := result(err)
	m.materializeTotal.WithLabelValues(r).Inc()
	m.materializeDuration.WithLabelValues(r).Observe(time.Since(start).Seconds())
	if err == nil {
		m.materializedRows.Add(float64(rows))
	}
}

// ObserveQuery records one occurrence query.
func ObserveQuery(mode string, virtual, skipped int, err error) {
	m := getMetrics()
	m.queryTotal.WithLabelValues(mode, result(err)).Inc()
	m.virtualRows.Add(float64(virtual))
	m.skippedSeries.Add(float64(skipped))
}

// ObserveRefresh records the outcome of refreshing one series.
func ObserveRefresh(err error) {
	getMetrics().refreshTotal.WithLabelValues(result(err)).Inc()
}
