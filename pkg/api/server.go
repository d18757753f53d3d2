package api

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/gaffer-run/gaffer/pkg/hub"
	"github.com/gaffer-run/gaffer/pkg/manager"
)

// Server is gafferd's HTTP+WebSocket front end. It implements
// manager.App so it can be registered with Manager.Use and started/
// stopped in lockstep with the supervisor loop.
type Server struct {
	Addr string

	manager *manager.Manager
	hub     *hub.Hub
	log     zerolog.Logger

	tlsConfig  *tls.Config
	httpServer *http.Server
}

// NewServer builds a Server bound to mgr and h, listening on addr
// (e.g. ":5000") once started.
func NewServer(addr string, mgr *manager.Manager, h *hub.Hub, log zerolog.Logger) *Server {
	return &Server{Addr: addr, manager: mgr, hub: h, log: log}
}

// WithTLS serves HTTPS instead of plain HTTP, using cfg built by
// pkg/tls.LoadServerConfig. Must be called before Start.
func (s *Server) WithTLS(cfg *tls.Config) *Server {
	s.tlsConfig = cfg
	return s
}

// Start implements manager.App: it builds the route table and begins
// serving in a background goroutine. Listen errors after startup are
// logged, not returned, matching the fire-and-forget shape the rest
// of the Manager's Apps use.
func (s *Server) Start(m *manager.Manager) error {
	s.httpServer = &http.Server{
		Addr:         s.Addr,
		Handler:      s.routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return err
	}
	if s.tlsConfig != nil {
		ln = tls.NewListener(ln, s.tlsConfig)
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("api server stopped unexpectedly")
		}
	}()
	return nil
}

// Stop gracefully shuts the HTTP server down.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}
