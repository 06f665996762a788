// Package metrics exposes the service's prometheus counters and the
// standalone /metrics listener they are served from.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics carries the service counters on a private registry so tests can
// instantiate it without clashing with the default registerer.
type Metrics struct {
	registry *prometheus.Registry

	// AuthFailures counts failed authentications by scheme (signature, hmac).
	AuthFailures *prometheus.CounterVec

	// StoreConflicts counts version-tag conflicts surfaced to clients.
	StoreConflicts prometheus.Counter

	// Transitions counts finished transitions by action and result.
	Transitions *prometheus.CounterVec
}

// New builds the registry and counters under the given namespace.
func New(namespace string) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		AuthFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Failed authentication attempts by scheme.",
		}, []string{"scheme"}),
		StoreConflicts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_conflicts_total",
			Help:      "Version-tag conflicts returned to clients.",
		}),
		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Finished transitions by action and result.",
		}, []string{"action", "result"}),
	}
}

// Handler serves the registry in prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Server is the standalone metrics listener.
type Server struct {
	srv *http.Server
}

// NewServer wraps the metrics in an http.Server on the given address.
func NewServer(m *Metrics, addr string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return &Server{srv: &http.Server{Addr: addr, Handler: mux}}
}

func (s *Server) ListenAndServe() error {
	return s.srv.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
