// Package metrics provides the centralized Prometheus metrics registry
// for the mirror. All metrics are defined in their respective packages
// (client, ratelimit, store, mirror) to maintain modularity and avoid
// circular dependencies.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the default Prometheus registry used by the mirror.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Metrics Documentation
//
// Request Metrics (pkg/client):
//   - nvd_requests_total{status} (Counter): Upstream requests by HTTP status
//   - nvd_request_duration_seconds (Histogram): Upstream request duration
//
// Retry Metrics (pkg/client):
//   - nvd_retries_total{error_class} (Counter): Retry attempts by error class
//   - nvd_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - nvd_retry_exhausted_total{error_class} (Counter): Fetches that exhausted max retries
//
// Rate Limit Metrics (pkg/ratelimit):
//   - nvd_rate_limit_waits_total (Counter): Acquires that had to wait for a slot
//   - nvd_rate_limit_wait_seconds (Histogram): Time spent waiting for a slot
//   - nvd_rate_limit_suspensions_total (Counter): Suspensions triggered by 429 responses
//
// Load Metrics (pkg/store):
//   - mirror_records_loaded_total (Counter): Records upserted with acknowledgment
//   - mirror_load_failures_total (Counter): Records that failed to load after retries
//
// Run Metrics (pkg/mirror):
//   - mirror_runs_total{outcome} (Counter): Runs by outcome (clean, partial, aborted)
//   - mirror_run_duration_seconds (Histogram): End-to-end run duration
//
// Example Prometheus Queries:
//
//   # Upstream error rate
//   sum(rate(nvd_requests_total{status!="200"}[5m])) /
//   sum(rate(nvd_requests_total[5m]))
//
//   # Fraction of runs that were not clean
//   sum(rate(mirror_runs_total{outcome!="clean"}[1d])) /
//   sum(rate(mirror_runs_total[1d]))
//
//   # P95 upstream latency
//   histogram_quantile(0.95, rate(nvd_request_duration_seconds_bucket[5m]))
//
//   # Load failure rate
//   rate(mirror_load_failures_total[1h])
