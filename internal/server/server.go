// Package server implements the worker's HTTP surface (§4.7 of the
// spec): liveness, capacity introspection, and Prometheus metrics,
// grounded on the teacher's internal/frameserver health-check pattern.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ErrUnhealthy is returned by a Checker when the resource it guards is
// not currently serviceable.
var ErrUnhealthy = errors.New("health check failed")

// Checker mirrors the teacher's frameserver.Checker: CheckHealth
// returns nil when healthy, a non-nil error otherwise. Safe to call
// from multiple goroutines.
type Checker interface {
	CheckHealth() error
}

// CheckerFunc adapts an ordinary func() error into a Checker.
type CheckerFunc func() error

func (f CheckerFunc) CheckHealth() error { return f() }

// CapacityReporter exposes the engine's live capacity figures to the
// /capacity and /metrics handlers without this package importing
// internal/engine directly.
type CapacityReporter interface {
	Capacity() int
	ActiveCount() int
}

// Server hosts the worker's HTTP surface on a single net/http.Server.
type Server struct {
	httpServer *http.Server
	checkers   []Checker
	reporter   CapacityReporter

	activeGauge   prometheus.Gauge
	capacityGauge prometheus.Gauge
	backoffGauge  prometheus.Gauge
}

// New builds a Server bound to addr, wiring /healthz, /capacity and
// /metrics. checkers gate /healthz's 200/500 response, following the
// teacher's HandleHealth: any failing Checker flips the whole response
// to unhealthy.
func New(addr string, reporter CapacityReporter, checkers ...Checker) *Server {
	registry := prometheus.NewRegistry()

	s := &Server{
		checkers: checkers,
		reporter: reporter,
		activeGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "worker_active_attempts",
			Help: "Number of attempts currently queued or running.",
		}),
		capacityGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "worker_capacity",
			Help: "Configured maximum concurrent attempts.",
		}),
		backoffGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "worker_claim_backoff_seconds",
			Help: "Current claim-loop backoff interval in seconds.",
		}),
	}
	registry.MustRegister(s.activeGauge, s.capacityGauge, s.backoffGauge)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/capacity", s.handleCapacity)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	return s
}

// SetBackoffSeconds updates the worker_claim_backoff_seconds gauge.
// The claim loop does not call it, so the gauge stays at 0 unless a
// caller sets it.
func (s *Server) SetBackoffSeconds(seconds float64) {
	s.backoffGauge.Set(seconds)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	for _, c := range s.checkers {
		if err := c.CheckHealth(); err != nil {
			writeUnhealthy(w)
			return
		}
	}
	writeHealthy(w)
}

type capacityResponse struct {
	Capacity  int `json:"capacity"`
	Active    int `json:"active"`
	Available int `json:"available"`
}

func (s *Server) handleCapacity(w http.ResponseWriter, _ *http.Request) {
	capacity := s.reporter.Capacity()
	active := s.reporter.ActiveCount()

	s.activeGauge.Set(float64(active))
	s.capacityGauge.Set(float64(capacity))

	available := capacity - active
	if available < 0 {
		available = 0
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(capacityResponse{Capacity: capacity, Active: active, Available: available})
}

func writeHeaders(statusLen string, w http.ResponseWriter) {
	w.Header().Set("Content-Length", statusLen)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}

func writeUnhealthy(w http.ResponseWriter) {
	const status, statusLen = "unhealthy", "9"
	writeHeaders(statusLen, w)
	w.WriteHeader(http.StatusInternalServerError)
	_, _ = io.WriteString(w, status)
}

func writeHealthy(w http.ResponseWriter) {
	const status, statusLen = "ok", "2"
	writeHeaders(statusLen, w)
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, status)
}

// Handler returns the server's http.Handler, exposed so tests can drive
// requests without binding a real listener.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe starts the HTTP server, blocking until it stops.
// Returns nil on a clean Shutdown.
func (s *Server) ListenAndServe() error {
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
