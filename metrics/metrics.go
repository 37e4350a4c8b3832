// Package metrics exposes the progress of a run as Prometheus metrics.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors of one run in a private registry.
type Metrics struct {
	registry    *prometheus.Registry
	recordsSent prometheus.Counter
	bytesSent   prometheus.Counter
	received    *prometheus.CounterVec
	latency     prometheus.Histogram
	skipped     prometheus.Counter
}

// New creates and registers the run collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		recordsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roundtrip_records_sent_total",
			Help: "Total number of records accepted by the broker",
		}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roundtrip_bytes_sent_total",
			Help: "Total payload bytes accepted by the broker",
		}),
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roundtrip_records_received_total",
			Help: "Total number of records received, by measurement phase",
		}, []string{"phase"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "roundtrip_latency_milliseconds",
			Help:    "End-to-end latency of records admitted during recording",
			Buckets: prometheus.ExponentialBuckets(1, 2, 16),
		}),
		skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roundtrip_samples_skipped_total",
			Help: "Latency samples rejected as out of range",
		}),
	}
	m.registry.MustRegister(m.recordsSent, m.bytesSent, m.received, m.latency, m.skipped)
	return m
}

// RecordSent counts one accepted record of the given payload size.
func (m *Metrics) RecordSent(payloadBytes int) {
	m.recordsSent.Inc()
	m.bytesSent.Add(float64(payloadBytes))
}

// RecordReceived counts one received record in phase.
func (m *Metrics) RecordReceived(phase string) {
	m.received.WithLabelValues(phase).Inc()
}

// ObserveLatency records an admitted sample.
func (m *Metrics) ObserveLatency(ms uint64) {
	m.latency.Observe(float64(ms))
}

// RecordSkipped counts a rejected sample.
func (m *Metrics) RecordSkipped() {
	m.skipped.Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return errors.Wrapf(err, "serving metrics on %s", addr)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
