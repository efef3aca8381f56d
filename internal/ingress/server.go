package ingress

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/plgd-dev/go-coap/v3/mux"
	coapNet "github.com/plgd-dev/go-coap/v3/net"
	"github.com/plgd-dev/go-coap/v3/options"
	"github.com/plgd-dev/go-coap/v3/udp"
	udpServer "github.com/plgd-dev/go-coap/v3/udp/server"
)

// ErrNotStarted is returned by Addr before Start.
var ErrNotStarted = errors.New("ingress: server not started")

// Server is the plain CoAP listener in front of the handler.
type Server struct {
	addr    string
	handler *Handler
	logger  *slog.Logger

	mu       sync.Mutex
	server   *udpServer.Server
	listener *coapNet.UDPConn
}

// NewServer creates a Server listening on addr once started.
func NewServer(addr string, h *Handler, logger *slog.Logger) *Server {
	return &Server{
		addr:    addr,
		handler: h,
		logger:  logger.With("component", "coap_server"),
	}
}

// Start binds the UDP socket and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, err := coapNet.NewListenUDP("udp", s.addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", s.addr, err)
	}

	r := mux.NewRouter()
	r.DefaultHandle(s.handler)
	srv := udp.NewServer(options.WithMux(r))

	s.server = srv
	s.listener = l
	s.logger.Info("starting coap listener", "addr", l.LocalAddr().String())
	go func() {
		if err := srv.Serve(l); err != nil {
			s.logger.Error("coap server error", "err", err)
		}
	}()
	return nil
}

// Addr returns the bound address, useful when listening on port 0.
func (s *Server) Addr() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return "", ErrNotStarted
	}
	return s.listener.LocalAddr().String(), nil
}

// Stop shuts the listener down. In-flight forwards keep running.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return nil
	}
	s.logger.Info("stopping coap listener")
	s.server.Stop()
	err := s.listener.Close()
	s.server, s.listener = nil, nil
	return err
}
