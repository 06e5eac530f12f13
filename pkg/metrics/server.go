package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server exposes the Prometheus /metrics endpoint and a /healthz liveness
// check over HTTP.
type Server struct {
	server  *http.Server
	log     logr.Logger
	healthz atomic.Value // func() interface{}
}

// NewServer builds a Server bound to addr (e.g. "8080" or "0.0.0.0:8080";
// a bare port is prefixed with ":").
func NewServer(addr string, log logr.Logger) *Server {
	if addr != "" && !strings.Contains(addr, ":") {
		addr = ":" + addr
	}

	s := &Server{log: log}

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	}))
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", s.handleHealthz)

	s.server = &http.Server{Addr: addr, Handler: r}
	return s
}

// SetHealthReporter registers a function whose return value is marshaled as
// the /healthz response body. Without one, /healthz just reports "OK".
func (s *Server) SetHealthReporter(fn func() interface{}) {
	s.healthz.Store(fn)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	fn, _ := s.healthz.Load().(func() interface{})
	if fn == nil {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(fn()); err != nil {
		s.log.Error(err, "failed to encode health report")
	}
}

// StartAsync runs the HTTP server on a background goroutine, logging (but
// not panicking on) a listen failure.
func (s *Server) StartAsync() {
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error(err, "metrics server stopped unexpectedly")
		}
	}()
}

// Stop gracefully shuts the server down, bounded by ctx.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
