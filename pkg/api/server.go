package api

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/jsturma/joblet/pkg/config"
	"github.com/jsturma/joblet/pkg/log"
)

// Server exposes the engine over HTTP and WebSocket
type Server struct {
	engine   Engine
	cfg      config.ServerConfig
	validate *validator.Validate
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	http    *http.Server
	metrics http.Handler
}

// NewServer wires the routes. metricsHandler serves the Prometheus scrape
// endpoint and may be nil.
func NewServer(engine Engine, cfg config.ServerConfig, metricsHandler http.Handler) *Server {
	s := &Server{
		engine:   engine,
		cfg:      cfg,
		validate: validator.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		logger:  log.WithComponent("api"),
		metrics: metricsHandler,
	}
	s.http = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) router() http.Handler {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	v1 := r.PathPrefix("/v1").Subrouter()

	v1.HandleFunc("/jobs", s.require(CapWrite, s.handleSubmitJob)).Methods(http.MethodPost)
	v1.HandleFunc("/jobs", s.require(CapRead, s.handleListJobs)).Methods(http.MethodGet)
	v1.HandleFunc("/jobs", s.require(CapAdmin, s.handleDeleteAllJobs)).Methods(http.MethodDelete)
	v1.HandleFunc("/jobs/{id}", s.require(CapRead, s.handleGetJob)).Methods(http.MethodGet)
	v1.HandleFunc("/jobs/{id}", s.require(CapAdmin, s.handleDeleteJob)).Methods(http.MethodDelete)
	v1.HandleFunc("/jobs/{id}/stop", s.require(CapWrite, s.handleStopJob)).Methods(http.MethodPost)
	v1.HandleFunc("/jobs/{id}/logs", s.require(CapRead, s.handleStreamLogs)).Methods(http.MethodGet)

	v1.HandleFunc("/runtimes", s.require(CapRead, s.handleListRuntimes)).Methods(http.MethodGet)
	v1.HandleFunc("/runtimes/install", s.require(CapAdmin, s.handleInstallRuntime)).Methods(http.MethodPost)
	v1.HandleFunc("/runtimes/{name}", s.require(CapAdmin, s.handleRemoveRuntime)).Methods(http.MethodDelete)

	v1.HandleFunc("/volumes", s.require(CapWrite, s.handleCreateVolume)).Methods(http.MethodPost)
	v1.HandleFunc("/volumes", s.require(CapRead, s.handleListVolumes)).Methods(http.MethodGet)
	v1.HandleFunc("/volumes/{name}", s.require(CapAdmin, s.handleDeleteVolume)).Methods(http.MethodDelete)

	v1.HandleFunc("/networks", s.require(CapWrite, s.handleCreateNetwork)).Methods(http.MethodPost)
	v1.HandleFunc("/networks", s.require(CapRead, s.handleListNetworks)).Methods(http.MethodGet)
	v1.HandleFunc("/networks/{name}", s.require(CapAdmin, s.handleDeleteNetwork)).Methods(http.MethodDelete)

	v1.HandleFunc("/workflows", s.require(CapWrite, s.handleSubmitWorkflow)).Methods(http.MethodPost)
	v1.HandleFunc("/workflows", s.require(CapRead, s.handleListWorkflows)).Methods(http.MethodGet)
	v1.HandleFunc("/workflows/{id}", s.require(CapRead, s.handleGetWorkflow)).Methods(http.MethodGet)
	v1.HandleFunc("/workflows/{id}", s.require(CapWrite, s.handleCancelWorkflow)).Methods(http.MethodDelete)

	v1.HandleFunc("/metrics/stream", s.require(CapRead, s.handleStreamMetrics)).Methods(http.MethodGet)

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

// Handler exposes the assembled routes, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Start serves until Shutdown; with a cert/key pair configured it serves
// TLS, and with a client CA it verifies presented client certificates so
// the middleware can read the role from their OU.
func (s *Server) Start() error {
	if s.cfg.TLSClientCA != "" {
		tlsCfg, err := clientCAConfig(s.cfg.TLSClientCA)
		if err != nil {
			return err
		}
		s.http.TLSConfig = tlsCfg
	}
	s.logger.Info().Str("addr", s.cfg.ListenAddr).Bool("tls", s.cfg.TLSCert != "").
		Bool("mtls", s.cfg.TLSClientCA != "").Msg("api listening")
	var err error
	if s.cfg.TLSCert != "" {
		err = s.http.ListenAndServeTLS(s.cfg.TLSCert, s.cfg.TLSKey)
	} else {
		err = s.http.ListenAndServe()
	}
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// clientCAConfig builds the listener TLS config that verifies client
// certificates against the given CA. Certificates are optional on the wire:
// callers without one fall back to the role header, meant for deployments
// behind TLS termination.
func clientCAConfig(caPath string) (*tls.Config, error) {
	pem, err := os.ReadFile(caPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read client ca: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates in client ca %s", caPath)
	}
	return &tls.Config{
		ClientCAs:  pool,
		ClientAuth: tls.VerifyClientCertIfGiven,
		MinVersion: tls.VersionTLS12,
	}, nil
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
