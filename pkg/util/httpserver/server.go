// Package httpserver exposes the relay's observability surface:
// /metrics, /ready, and /healthz, routed with gorilla/mux.
package httpserver

import (
	"context"
	"net/http"
	"sync/atomic"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server hosts the relay's HTTP observability endpoints. /ready reflects
// whether the process currently holds the leader advisory lock and thus
// has an active pipeline; /healthz reflects only that the process is
// alive and serving.
type Server struct {
	httpServer *http.Server
	ready      atomic.Bool
}

// New constructs a server bound to addr, scraping reg for /metrics.
func New(addr string, reg *prometheus.Registry) *Server {
	s := &Server{}

	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.HandleFunc("/ready", func(w http.ResponseWriter, req *http.Request) {
		if s.ready.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: r,
	}
	return s
}

// SetReady sets the /ready verdict; the supervisor calls this true while
// it holds the leader lock and false around every leader cycle boundary.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

// ListenAndServe blocks serving HTTP until the server is shut down. It
// returns http.ErrServerClosed on a clean Shutdown, matching net/http's
// own convention.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server, honoring ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
