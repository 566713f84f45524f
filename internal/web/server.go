// Package web serves a read-only view of loop runs over HTTP: the
// current run status, reboot history, the persisted event journal, and
// a live websocket event stream. It exposes no mutation endpoints;
// control of the loop stays with the process that owns it.
package web

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/flywheeldev/flywheel/internal/logging"
	"github.com/flywheeldev/flywheel/internal/runner"
	"github.com/flywheeldev/flywheel/internal/store"
)

// Options configures the server.
type Options struct {
	// Addr is the listen address, for example "127.0.0.1:8473". Use
	// port 0 to pick a free port.
	Addr string

	// Token, when non-empty, is required on every request as a Bearer
	// header or ?token= query parameter.
	Token string

	// RateLimit is the per-IP request budget in requests per second.
	// Zero disables limiting.
	RateLimit float64

	// TLS serves HTTPS with a freshly generated self-signed
	// certificate. TLSHosts adds extra names to the certificate beyond
	// localhost and the loopback addresses.
	TLS      bool
	TLSHosts []string
}

// Server hosts the status API and websocket event stream. Runner and
// Store are each optional: without a live runner the API serves stored
// runs only, and without a store the history endpoints return empty
// results.
type Server struct {
	runner *runner.Runner
	store  *store.Store
	opts   Options
	log    zerolog.Logger

	httpServer *http.Server
	listener   net.Listener
	addr       string
}

// New creates a server for the given runner and store. Either may be
// nil.
func New(rn *runner.Runner, st *store.Store, opts Options) *Server {
	if opts.Addr == "" {
		opts.Addr = "127.0.0.1:8473"
	}
	return &Server{
		runner: rn,
		store:  st,
		opts:   opts,
		log:    logging.Component("web"),
	}
}

// Start binds the listen address and begins serving in the background.
// It returns once the listener is bound, so Addr reports the actual
// port even when Options.Addr asked for port 0.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	s.routes(mux)

	handler := corsMiddleware(logMiddleware(s.log, rateLimitMiddleware(s.opts.RateLimit, authMiddleware(s.opts.Token, mux))))

	listener, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.opts.Addr, err)
	}
	if s.opts.TLS {
		cert, err := selfSignedCert(s.opts.TLSHosts...)
		if err != nil {
			listener.Close()
			return fmt.Errorf("self-signed certificate: %w", err)
		}
		listener = tls.NewListener(listener, &tls.Config{Certificates: []tls.Certificate{cert}})
	}
	s.listener = listener
	s.addr = listener.Addr().String()

	s.httpServer = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("http server stopped")
		}
	}()

	s.log.Info().Str("addr", s.addr).Bool("auth", s.opts.Token != "").Msg("web server listening")
	return nil
}

// Shutdown gracefully stops the server, waiting for in-flight requests
// up to the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Addr returns the bound listen address. Valid after Start.
func (s *Server) Addr() string {
	return s.addr
}

// Scheme reports http or https depending on the TLS option.
func (s *Server) Scheme() string {
	if s.opts.TLS {
		return "https"
	}
	return "http"
}

// URL returns the base URL of the server. Valid after Start.
func (s *Server) URL() string {
	return s.Scheme() + "://" + s.addr
}

// Port returns the bound TCP port, or 0 before Start.
func (s *Server) Port() int {
	if s.listener == nil {
		return 0
	}
	if tcp, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /", s.handleRoot)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/runs", s.handleRuns)
	mux.HandleFunc("GET /api/history", s.handleHistory)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.HandleFunc("GET /ws", s.handleWS)
}
