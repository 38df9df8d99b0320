package warpgate

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

const shutdownTimeout = 10 * time.Second

// ServerOption is a Server option function
type ServerOption func(*Server)

// ServerLogger is an option for setting the logger
func ServerLogger(logger *log.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger.WithFields(log.Fields{"component": "server"})
	}
}

// MetricsGatherer is an option for exposing metrics on /metrics.
func MetricsGatherer(g prometheus.Gatherer) ServerOption {
	return func(s *Server) {
		s.gatherer = g
	}
}

// Server exposes endpoints over HTTP together with /healthz and, when a
// gatherer is configured, /metrics.
type Server struct {
	addr      string
	endpoints []*Endpoint
	gatherer  prometheus.Gatherer
	logger    *log.Entry
}

// NewServer returns a Server listening on addr.
func NewServer(addr string, opts ...ServerOption) *Server {
	s := &Server{
		addr:   addr,
		logger: log.WithFields(log.Fields{"component": "server"}),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Mount adds e to the server under its path.
func (s *Server) Mount(e *Endpoint) {
	s.endpoints = append(s.endpoints, e)
}

// Handler returns the HTTP handler serving every mounted endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	for _, e := range s.endpoints {
		mux.Handle(e.Path(), e)
	}
	mux.HandleFunc("/healthz", s.healthz)
	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

type healthResponse struct {
	Ready     bool            `json:"ready"`
	Endpoints map[string]bool `json:"endpoints"`
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Ready: true, Endpoints: make(map[string]bool, len(s.endpoints))}
	for _, e := range s.endpoints {
		ready := e.Ready()
		resp.Endpoints[e.Path()] = ready
		resp.Ready = resp.Ready && ready
	}

	w.Header().Set("Content-Type", "application/json")
	if !resp.Ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.WithError(err).Warn("failed to write health response")
	}
}

// ListenAndServe starts every endpoint and serves HTTP until ctx is
// canceled, then shuts down gracefully. Endpoints already started are closed
// when a later one fails to start or the HTTP server cannot serve.
func (s *Server) ListenAndServe(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for i, e := range s.endpoints {
		if err := e.Start(runCtx); err != nil {
			cancel()
			s.closeEndpoints(s.endpoints[:i])
			return err
		}
	}

	srv := &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("listening on %s", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		cancel()
		s.closeEndpoints(s.endpoints)
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	err := srv.Shutdown(shutdownCtx)
	cancel()
	s.closeEndpoints(s.endpoints)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) closeEndpoints(endpoints []*Endpoint) {
	for _, e := range endpoints {
		if err := e.Close(); err != nil {
			s.logger.WithError(err).WithField("endpoint", e.Path()).Warn("failed to close endpoint")
		}
	}
}
