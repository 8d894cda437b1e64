// Package metrics exposes the importer's Prometheus metrics.
// All metrics are defined in their respective packages (client, ratelimit,
// pagination, refcache, sink, store, fanout, importer) and registered via
// promauto on the default registry.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Registry is the Prometheus registry every importer metric registers on.
var Registry = prometheus.DefaultRegisterer

// Path is where Serve exposes metrics.
const Path = "/metrics"

const shutdownTimeout = 5 * time.Second

// Handler returns the scrape handler for the default gatherer.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve exposes Handler on addr until ctx is cancelled. Import commands are
// short-lived, so the endpoint only lives as long as the run.
func Serve(ctx context.Context, addr string) error {
	logger := log.With().Str("component", "metrics").Str("addr", addr).Logger()

	mux := http.NewServeMux()
	mux.Handle(Path, Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Msg("Serving metrics")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Metrics server shutdown failed")
		return err
	}
	return nil
}

// Metrics Documentation
//
// Request Metrics (pkg/client):
//   - intercom_requests_total{endpoint, status} (Counter): Requests by endpoint and HTTP status
//   - intercom_request_duration_seconds{endpoint} (Histogram): Request duration by endpoint
//   - intercom_errors_total{class} (Counter): Errors by class (client, server, rate_limit, network, api)
//
// Retry Metrics (pkg/client):
//   - intercom_retries_total{error_class} (Counter): Retry attempts by error class
//   - intercom_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - intercom_retry_exhausted_total{error_class} (Counter): Requests that exhausted max retries
//
// Rate Limit Metrics (pkg/ratelimit):
//   - intercom_rate_limit_remaining (Gauge): Requests left in the current window
//   - intercom_rate_limit_waits_total (Counter): Requests held until the window reset
//   - intercom_rate_limit_throttles_total (Counter): Requests delayed by throttling
//
// Source Metrics (pkg/pagination, pkg/refcache):
//   - intercom_pages_fetched_total{kind, outcome} (Counter): Page fetches by outcome
//   - intercom_records_emitted_total{kind} (Counter): Records yielded by sources
//   - intercom_records_filtered_total{kind} (Counter): Records dropped by filters
//   - intercom_refcache_entries{kind} (Gauge): Reference cache entries
//   - intercom_refcache_lookups_total{kind, result} (Counter): Reference lookups (hit, miss)
//
// Write Metrics (pkg/sink, pkg/store):
//   - intercom_sink_writes_total{collection, outcome} (Counter): Record outcomes (written, failed)
//   - intercom_sink_flushed_total{collection} (Counter): Records written from the connect-time queue
//   - intercom_sink_write_retries_total{collection} (Counter): Retried write attempts
//   - intercom_store_writes_total{collection} (Counter): Documents upserted
//   - intercom_store_errors_total{operation} (Counter): Store errors (upsert, get, delete, scan, connect)
//   - intercom_store_document_bytes (Histogram): Stored document size
//
// Orchestration Metrics (pkg/fanout, pkg/importer):
//   - intercom_fanout_active_jobs (Gauge): Running fan-out jobs
//   - intercom_fanout_jobs_total{outcome} (Counter): Finished jobs (succeeded, failed)
//   - intercom_imports_total{kind, outcome} (Counter): Imports by kind (completed, failed)
//
// Example Prometheus Queries:
//
//   # Write failure ratio
//   sum(rate(intercom_sink_writes_total{outcome="failed"}[5m])) /
//   sum(rate(intercom_sink_writes_total[5m]))
//
//   # Rate limit headroom
//   intercom_rate_limit_remaining < 20
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(intercom_request_duration_seconds_bucket[5m]))
