// Package metricsserver exposes the worker's Prometheus counters over an
// optional HTTP listener, independent of the stdin/stdout JSON-RPC channel
// used for control.
package metricsserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the counters and histograms the executor reports into.
type Metrics struct {
	ExecutionsTotal       *prometheus.CounterVec
	RecordsProcessedTotal *prometheus.CounterVec
	PhaseDurationSeconds  *prometheus.HistogramVec
}

// New registers and returns the worker's metric set.
func New() *Metrics {
	return &Metrics{
		ExecutionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "workerd_executions_total",
			Help: "Total executions started, labeled by final outcome.",
		}, []string{"outcome"}),
		RecordsProcessedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "workerd_records_processed_total",
			Help: "Records processed, labeled by pipeline phase.",
		}, []string{"phase"}),
		PhaseDurationSeconds: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "workerd_phase_duration_seconds",
			Help:    "Phase wall-duration in seconds, labeled by pipeline phase.",
			Buckets: prometheus.DefBuckets,
		}, []string{"phase"}),
	}
}

// ObservePhase records one phase's outcome into RecordsProcessedTotal and
// PhaseDurationSeconds.
func (m *Metrics) ObservePhase(phase string, recordsProcessed int, duration time.Duration) {
	m.RecordsProcessedTotal.WithLabelValues(phase).Add(float64(recordsProcessed))
	m.PhaseDurationSeconds.WithLabelValues(phase).Observe(duration.Seconds())
}

// ObserveExecution records one execution's terminal outcome.
func (m *Metrics) ObserveExecution(outcome string) {
	m.ExecutionsTotal.WithLabelValues(outcome).Inc()
}

// Server is the optional /metrics HTTP listener, bound only when
// --metrics-addr is set.
type Server struct {
	httpServer *http.Server
}

// Start binds addr and serves /metrics in the background. A non-nil error
// is returned only if the listener itself fails to bind.
func Start(addr string) (*Server, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	httpServer := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return nil, err
	case <-time.After(100 * time.Millisecond):
		return &Server{httpServer: httpServer}, nil
	}
}

// Shutdown stops the metrics listener within the given timeout.
func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
