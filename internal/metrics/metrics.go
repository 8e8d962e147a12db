// Package metrics provides Prometheus metrics for the document store.
package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all collectors for the server.
type Metrics struct {
	// Session metrics
	SessionsTotal    prometheus.Counter
	SessionsActive   prometheus.Gauge
	AuthAttempts     *prometheus.CounterVec

	// Command metrics
	CommandsTotal   *prometheus.CounterVec
	CommandDuration *prometheus.HistogramVec

	// Frame metrics
	FramesRead    prometheus.Counter
	FramesWritten prometheus.Counter
	BytesRead     prometheus.Counter
	BytesWritten  prometheus.Counter

	// Engine metrics
	EngineCommits  prometheus.Counter
	DatabasesKnown prometheus.Gauge

	registry *prometheus.Registry
	ready    atomic.Bool
}

// New creates a Metrics instance with all collectors registered.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.SessionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "docstore_sessions_total",
		Help: "Total number of accepted connections",
	})
	m.SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "docstore_sessions_active",
		Help: "Connections currently being served",
	})
	m.AuthAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "docstore_auth_attempts_total",
		Help: "Authentication attempts by result",
	}, []string{"result"})

	m.CommandsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "docstore_commands_total",
		Help: "Commands dispatched by command and error kind",
	}, []string{"cmd", "error"})
	m.CommandDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "docstore_command_duration_seconds",
		Help:    "Command handling latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"cmd"})

	m.FramesRead = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "docstore_frames_read_total",
		Help: "Frames read from clients",
	})
	m.FramesWritten = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "docstore_frames_written_total",
		Help: "Frames written to clients",
	})
	m.BytesRead = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "docstore_frame_bytes_read_total",
		Help: "Payload bytes read from clients",
	})
	m.BytesWritten = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "docstore_frame_bytes_written_total",
		Help: "Payload bytes written to clients",
	})

	m.EngineCommits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "docstore_engine_commits_total",
		Help: "Engine commit operations",
	})
	m.DatabasesKnown = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "docstore_databases_known",
		Help: "Databases currently registered in the catalog",
	})

	m.registry.MustRegister(
		m.SessionsTotal, m.SessionsActive, m.AuthAttempts,
		m.CommandsTotal, m.CommandDuration,
		m.FramesRead, m.FramesWritten, m.BytesRead, m.BytesWritten,
		m.EngineCommits, m.DatabasesKnown,
	)
	return m
}

// ObserveCommand records one dispatched command.
func (m *Metrics) ObserveCommand(cmd, errKind string, start time.Time) {
	m.CommandsTotal.WithLabelValues(cmd, errKind).Inc()
	m.CommandDuration.WithLabelValues(cmd).Observe(time.Since(start).Seconds())
}

// SetReady flips the readiness reported by /health/ready. The server
// sets it once the TCP listener is bound.
func (m *Metrics) SetReady(ready bool) {
	m.ready.Store(ready)
}

// Handler returns the HTTP handler serving metrics and health.
func (m *Metrics) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, `{"status":"UP"}`)
	})
	r.Get("/health/ready", func(w http.ResponseWriter, _ *http.Request) {
		if m.ready.Load() {
			writeJSON(w, http.StatusOK, `{"status":"UP"}`)
			return
		}
		writeJSON(w, http.StatusServiceUnavailable, `{"status":"DOWN"}`)
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

// Serve runs the metrics endpoint until the listener fails or the
// server is shut down by the caller closing srv.
func Serve(addr string, m *Metrics) *http.Server {
	srv := &http.Server{
		Addr:         addr,
		Handler:      m.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		_ = srv.ListenAndServe()
	}()
	return srv
}
