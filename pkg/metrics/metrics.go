package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/illmade-knight/go-indexer/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const namespace = "indexer"

// Metrics holds the collectors of one consumer. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	reg *prometheus.Registry

	recordsConsumed prometheus.Counter
	invalidMessages prometheus.Counter
	deadLettered    *prometheus.CounterVec
	commits         prometheus.Counter
	commitErrors    prometheus.Counter
	commitLatency   prometheus.Histogram
	fatalErrors     prometheus.Counter
	backpressure    prometheus.Counter
	bytesProcessed  *prometheus.CounterVec
}

// New creates the collectors on a dedicated registry, along with the Go
// runtime and process collectors.
func New() (*Metrics, error) {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		recordsConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "records_consumed_total",
			Help: "Records read from the source log.",
		}),
		invalidMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "invalid_messages_total",
			Help: "Records that could not be indexed.",
		}),
		deadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "dead_lettered_total",
			Help: "Invalid records published to the dead-letter topic, by outcome.",
		}, []string{"outcome"}),
		commits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "commits_total",
			Help: "Offset commits to the source log.",
		}),
		commitErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "commit_errors_total",
			Help: "Failed offset commits.",
		}),
		commitLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "commit_duration_seconds",
			Help:    "Time taken by offset commits.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		fatalErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "fatal_errors_total",
			Help: "Errors that stopped the pipeline.",
		}),
		backpressure: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "backpressure_total",
			Help: "Submissions rejected by the pipeline and retried.",
		}),
		bytesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "processed_bytes_total",
			Help: "Payload bytes of indexed records, by use case.",
		}, []string{"use_case"}),
	}
	for _, c := range []prometheus.Collector{
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.recordsConsumed, m.invalidMessages, m.deadLettered,
		m.commits, m.commitErrors, m.commitLatency,
		m.fatalErrors, m.backpressure, m.bytesProcessed,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Registry exposes the registry for scraping and tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

func (m *Metrics) RecordsConsumed(n int) {
	if m == nil {
		return
	}
	m.recordsConsumed.Add(float64(n))
}

func (m *Metrics) InvalidMessage() {
	if m == nil {
		return
	}
	m.invalidMessages.Inc()
}

// DeadLettered counts a dead-letter publish, failed or not.
func (m *Metrics) DeadLettered(err error) {
	if m == nil {
		return
	}
	outcome := "published"
	if err != nil {
		outcome = "failed"
	}
	m.deadLettered.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Commit(took time.Duration, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.commitErrors.Inc()
		return
	}
	m.commits.Inc()
	m.commitLatency.Observe(took.Seconds())
}

func (m *Metrics) FatalError() {
	if m == nil {
		return
	}
	m.fatalErrors.Inc()
}

func (m *Metrics) Backpressure() {
	if m == nil {
		return
	}
	m.backpressure.Inc()
}

// Record implements the unbatcher's Accountant with the batch's usage data.
func (m *Metrics) Record(cogs types.CogsData) {
	if m == nil {
		return
	}
	for useCase, n := range cogs {
		m.bytesProcessed.WithLabelValues(string(useCase)).Add(float64(n))
	}
}

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, m *Metrics, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Failed to shut down metrics server.")
		}
	}()

	logger.Info().Str("addr", addr).Msg("Serving metrics.")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
