package proxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/drillsense/witsgate/internal/config"
	"github.com/drillsense/witsgate/internal/monitoring"
	"github.com/drillsense/witsgate/internal/wits"
)

// Server is the supervisor: it binds the HTTP(S) listener, upgrades
// WebSocket requests into client sessions, owns the upstream registry, and
// coordinates orderly shutdown.
type Server struct {
	cfg      *config.Config
	logger   zerolog.Logger
	registry *Registry

	listener   net.Listener
	httpServer *http.Server

	clients      sync.Map // client id → *Client
	clientCount  atomic.Int64
	startTime    time.Time
	shuttingDown atomic.Bool

	wg sync.WaitGroup
}

// NewServer builds a supervisor from process configuration.
func NewServer(cfg *config.Config, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		logger:    logger.With().Str("component", "server").Logger(),
		startTime: time.Now(),
	}
	s.registry = NewRegistry(cfg.EnableMultiplexing, func(host string, port int, delim []byte, multiplexed bool) SessionConfig {
		return SessionConfig{
			Host:              host,
			Port:              port,
			Delimiter:         delim,
			Multiplexed:       multiplexed,
			BufferSize:        cfg.BufferSize,
			SubscriberQueue:   cfg.ClientQueueSize,
			WriteQueue:        cfg.UpstreamQueueSize,
			DialTimeout:       cfg.DialTimeout,
			SocketTimeout:     cfg.SocketTimeout,
			KeepaliveInterval: cfg.TCPKeepaliveInterval,
			MaxReconnects:     cfg.MaxReconnectAttempts,
		}
	}, logger)
	return s
}

// Registry exposes the upstream session registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Addr returns the bound listener address. Valid after Start.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// ActiveClients returns the number of connected WebSocket clients.
func (s *Server) ActiveClients() int64 {
	return s.clientCount.Load()
}

// Uptime returns how long the server has been running.
func (s *Server) Uptime() time.Duration {
	return time.Since(s.startTime)
}

// Start binds the listener (TLS when configured and loadable, plaintext
// otherwise) and begins serving. Non-blocking; returns once listening.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.cfg.WSPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	if s.cfg.TLSEnabled {
		cert, cerr := tls.LoadX509KeyPair(s.cfg.CertPath, s.cfg.KeyPath)
		if cerr != nil {
			// Misconfigured TLS downgrades loudly instead of refusing
			// to start; field deployments lose certs more often than
			// they lose the rig link.
			s.logger.Warn().
				Err(cerr).
				Str("cert_path", s.cfg.CertPath).
				Str("key_path", s.cfg.KeyPath).
				Msg("TLS requested but certificate not loadable, FALLING BACK TO PLAINTEXT")
		} else {
			listener = tls.NewListener(listener, &tls.Config{Certificates: []tls.Certificate{cert}})
			s.logger.Info().Msg("TLS enabled")
		}
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.Handle("/metrics", monitoring.MetricsHandler())
	mux.HandleFunc("/", s.handleWebSocket)

	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Server accept loop error")
		}
	}()

	s.logger.Info().
		Str("address", listener.Addr().String()).
		Bool("multiplexing", s.cfg.EnableMultiplexing).
		Msg("Gateway listening")
	return nil
}

// handleWebSocket upgrades any path carrying a websocket Upgrade header and
// hands the socket to a new client session.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		http.NotFound(w, r)
		return
	}
	if s.shuttingDown.Load() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	q := r.URL.Query()
	host := q.Get("host")
	if host == "" {
		host = s.cfg.DefaultHost
	}
	port := s.cfg.DefaultPort
	if p := q.Get("port"); p != "" {
		parsed, err := strconv.Atoi(p)
		if err != nil || parsed < 1 || parsed > 65535 {
			http.Error(w, "invalid port parameter", http.StatusBadRequest)
			return
		}
		port = parsed
	}
	noralis := q.Get("noralis") == "true"
	version := q.Get("version")

	delim := wits.DelimiterLF
	if noralis {
		delim = wits.DelimiterCRLF
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Error().
			Err(err).
			Str("remote_addr", r.RemoteAddr).
			Msg("WebSocket upgrade failed")
		return
	}

	id := uuid.NewString()
	sess, sub, shared := s.registry.Attach(host, port, delim, id)
	client := newClient(id, conn, s.cfg, s.registry, sess, sub, noralis, version, s.logger, s.removeClient)

	s.clients.Store(id, client)
	s.clientCount.Add(1)
	monitoring.ClientsTotal.Inc()
	monitoring.ClientsActive.Inc()

	s.logger.Info().
		Str("client_id", id).
		Str("remote_addr", r.RemoteAddr).
		Str("upstream", sess.Key()).
		Bool("noralis", noralis).
		Str("wits_version", version).
		Int64("active_clients", s.clientCount.Load()).
		Msg("Client connected")

	client.start(shared)
}

func (s *Server) removeClient(c *Client) {
	if _, loaded := s.clients.LoadAndDelete(c.ID()); loaded {
		s.clientCount.Add(-1)
	}
}

// Shutdown stops accepting, closes every client with a normal-closure
// status, tears down all upstream sessions, and waits for the accept loop.
func (s *Server) Shutdown() error {
	s.logger.Info().Msg("Initiating graceful shutdown")
	s.shuttingDown.Store(true)

	// Give connected clients a close frame before the sockets drop.
	s.clients.Range(func(_, value any) bool {
		if client, ok := value.(*Client); ok {
			client.closeWith(ws.StatusNormalClosure, "server shutting down")
		}
		return true
	})

	// Bounded drain: clients that flush their close frame leave on their
	// own; stragglers are cut off after the grace period.
	deadline := time.Now().Add(s.cfg.ShutdownGrace)
	for s.clientCount.Load() > 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	s.clients.Range(func(_, value any) bool {
		if client, ok := value.(*Client); ok {
			client.shutdown()
		}
		return true
	})

	s.registry.CloseAll()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("HTTP server shutdown error")
	}

	s.wg.Wait()
	s.logger.Info().Msg("Graceful shutdown completed")
	return nil
}
