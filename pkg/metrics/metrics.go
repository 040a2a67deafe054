// Package metrics exposes pipeline counters through Prometheus. A nil *Metrics is valid
// and records nothing, so callers never check whether metrics are enabled.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the invoice pipeline's collectors.
type Metrics struct {
	registry *prometheus.Registry

	documents          *prometheus.CounterVec
	lineItems          prometheus.Counter
	resolutions        *prometheus.CounterVec
	observations       *prometheus.CounterVec
	analyses           *prometheus.CounterVec
	extractionDuration prometheus.Histogram
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		documents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "invoicer_documents_processed_total",
			Help: "Documents processed by outcome.",
		}, []string{"status"}),
		lineItems: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "invoicer_line_items_extracted_total",
			Help: "Line items extracted from documents.",
		}),
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "invoicer_part_resolutions_total",
			Help: "Part resolutions by method.",
		}, []string{"method"}),
		observations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "invoicer_price_observations_total",
			Help: "Price observations by result (recorded or duplicate).",
		}, []string{"result"}),
		analyses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "invoicer_analysis_calls_total",
			Help: "Analysis backend calls by kind and status.",
		}, []string{"kind", "status"}),
		extractionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "invoicer_extraction_duration_seconds",
			Help:    "Time spent extracting one document.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
	}
	m.registry.MustRegister(
		m.documents,
		m.lineItems,
		m.resolutions,
		m.observations,
		m.analyses,
		m.extractionDuration,
		collectors.NewGoCollector(),
	)
	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) DocumentProcessed(status string) {
	if m == nil {
		return
	}
	m.documents.WithLabelValues(status).Inc()
}

func (m *Metrics) LineItemsExtracted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.lineItems.Add(float64(n))
}

func (m *Metrics) PartResolved(method string) {
	if m == nil {
		return
	}
	m.resolutions.WithLabelValues(method).Inc()
}

func (m *Metrics) ObservationRecorded(inserted bool) {
	if m == nil {
		return
	}
	result := "duplicate"
	if inserted {
		result = "recorded"
	}
	m.observations.WithLabelValues(result).Inc()
}

func (m *Metrics) AnalysisCall(kind, status string) {
	if m == nil {
		return
	}
	m.analyses.WithLabelValues(kind, status).Inc()
}

func (m *Metrics) ObserveExtraction(d time.Duration) {
	if m == nil {
		return
	}
	m.extractionDuration.Observe(d.Seconds())
}

// StartServer serves /metrics on addr until ctx is done.
func (m *Metrics) StartServer(ctx context.Context, logger *slog.Logger, addr string) {
	if m == nil || addr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err, "addr", addr)
		}
	}()
	logger.Info("metrics server started", "addr", addr)
}
