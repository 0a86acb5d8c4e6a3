// Package healthserver runs the relay's operability side-channel: liveness
// and readiness probes plus a Prometheus scrape endpoint, on a separate
// listener from the tunnel's own HTTP surface. Grounded directly on the
// teacher's api.HealthServer (/healthz, /readyz).
package healthserver

import (
	"context"
	"log"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server exposes /healthz, /readyz, and /metrics.
type Server struct {
	server *http.Server
	ready  atomic.Bool
}

// New builds a health server bound to addr, scraping reg for /metrics.
func New(addr string, reg *prometheus.Registry) *Server {
	mux := http.NewServeMux()
	s := &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
	s.ready.Store(false)

	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	return s
}

// Start runs the server in the background. Errors other than a clean
// Shutdown are logged, never fatal — the tunnel's own HTTP surface is the
// service this process exists to provide.
func (s *Server) Start() {
	go func() {
		log.Printf("health server listening on %s", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("health server error: %v", err)
		}
	}()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// SetReady flips the readiness probe's answer.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	if s.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
