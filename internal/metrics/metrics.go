// Package metrics registers Prometheus collectors for the aggregation
// pipeline:
//
//	#PerpFlow_records_accepted_total
//	#PerpFlow_records_dropped_total
//	#PerpFlow_fetch_retries_total
//	#PerpFlow_fetch_failures_total
//	#PerpFlow_cache_events_total
//	#go_* and process_* system metrics
//
// and exposes them on the configured address using the Prometheus HTTP
// handler.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once            sync.Once
	recordsAccepted *prometheus.CounterVec
	recordsDropped  *prometheus.CounterVec
	fetchRetries    *prometheus.CounterVec
	fetchFailures   *prometheus.CounterVec
	cacheEvents     *prometheus.CounterVec
)

// Init registers the collectors and starts the metrics listener. Subsequent
// calls are no-ops.
func Init(address string) {
	once.Do(func() {
		recordsAccepted = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "PerpFlow_records_accepted_total",
				Help: "Number of normalized records accepted after validation",
			},
			[]string{"exchange", "metric"},
		)

		recordsDropped = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "PerpFlow_records_dropped_total",
				Help: "Number of records dropped by per-item validation",
			},
			[]string{"exchange", "metric"},
		)

		fetchRetries = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "PerpFlow_fetch_retries_total",
				Help: "Number of retried upstream HTTP attempts",
			},
			[]string{"exchange"},
		)

		fetchFailures = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "PerpFlow_fetch_failures_total",
				Help: "Number of upstream fetches that exhausted their retry budget",
			},
			[]string{"exchange"},
		)

		cacheEvents = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "PerpFlow_cache_events_total",
				Help: "Cache hits, refreshes and stale-if-error serves by logical key",
			},
			[]string{"key", "event"},
		)

		_ = prometheus.Register(recordsAccepted)
		_ = prometheus.Register(recordsDropped)
		_ = prometheus.Register(fetchRetries)
		_ = prometheus.Register(fetchFailures)
		_ = prometheus.Register(cacheEvents)
		_ = prometheus.Register(collectors.NewGoCollector())
		_ = prometheus.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

		if address == "" {
			return
		}
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(address, mux); err != nil {
				panic("metrics server failed: " + err.Error())
			}
		}()
	})
}

// IncrementAccepted adds accepted records for an exchange/metric pair.
func IncrementAccepted(exchange, metric string, n int) {
	if recordsAccepted != nil && n > 0 {
		recordsAccepted.WithLabelValues(exchange, metric).Add(float64(n))
	}
}

// IncrementDropped adds validation-dropped records for an exchange/metric pair.
func IncrementDropped(exchange, metric string, n int) {
	if recordsDropped != nil && n > 0 {
		recordsDropped.WithLabelValues(exchange, metric).Add(float64(n))
	}
}

// IncrementFetchRetry counts one retried upstream attempt.
func IncrementFetchRetry(exchange string) {
	if fetchRetries != nil {
		fetchRetries.WithLabelValues(exchange).Inc()
	}
}

// IncrementFetchFailure counts one fetch that exhausted its retries.
func IncrementFetchFailure(exchange string) {
	if fetchFailures != nil {
		fetchFailures.WithLabelValues(exchange).Inc()
	}
}

// Cache event names recorded against PerpFlow_cache_events_total.
const (
	CacheEventHit     = "hit"
	CacheEventRefresh = "refresh"
	CacheEventStale   = "stale_serve"
	CacheEventMiss    = "miss_no_fallback"
)

// IncrementCacheEvent records one cache lifecycle event for a logical key.
func IncrementCacheEvent(key, event string) {
	if cacheEvents != nil {
		cacheEvents.WithLabelValues(key, event).Inc()
	}
}
