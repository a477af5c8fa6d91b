// Package server exposes an nfc.Session to one client at a time over a
// websocket method channel.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/grandcat/zeroconf"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/nedpals/nfc-bridge/buildinfo"
	"github.com/nedpals/nfc-bridge/internal/syncutil"
	"github.com/nedpals/nfc-bridge/nfc"
	"github.com/nedpals/nfc-bridge/protocol"
)

// Config holds the server configuration
type Config struct {
	Addr         string
	APISecret    string        // Optional API secret for the websocket connection
	LeaseTimeout time.Duration // Idle timeout of the client lease; 0 disables it
	TLSCert      string
	TLSKey       string
	MDNS         bool
	Clock        clockwork.Clock

	// CACert, when set, serves the PEM of the CA that signed TLSCert so
	// clients can trust it.
	CACert func() ([]byte, error)
}

// Server manages the HTTP and websocket server
type Server struct {
	config   Config
	session  *nfc.Session
	router   chi.Router
	upgrader websocket.Upgrader

	handlerRegistry *HandlerRegistry
	nfcHandler      *NFCHandler
	sessions        *SessionManager

	mu         syncutil.Mutex
	client     *clientConn
	httpServer *http.Server
	mdnsServer *zeroconf.Server

	conns sync.WaitGroup
}

// New creates a server answering method calls on session.
func New(config Config, session *nfc.Session) (*Server, error) {
	if config.Clock == nil {
		config.Clock = clockwork.NewRealClock()
	}

	s := &Server{
		config:  config,
		session: session,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins
			},
		},
		handlerRegistry: NewHandlerRegistry(),
		nfcHandler:      NewNFCHandler(session),
		sessions:        NewSessionManager(config.APISecret, config.LeaseTimeout, config.Clock),
	}

	if err := s.nfcHandler.Register(s); err != nil {
		return nil, fmt.Errorf("register nfc methods: %w", err)
	}

	s.router = s.routes()
	return s, nil
}

// Handle implements MethodRegistrar.
func (s *Server) Handle(method string, handler HandlerFunc) error {
	return s.handlerRegistry.Handle(method, handler)
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.NoCache)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: CORSAllowOrigins,
		AllowedMethods: CORSAllowMethods,
		AllowedHeaders: CORSAllowHeaders,
	}))

	r.Get(RouteWebSocket, s.handleWebSocket)
	r.Get(RouteHealth, s.handleHealthCheck)
	r.Get(RouteMethods, s.handleMethods)
	if s.config.CACert != nil {
		r.Get(RouteCACert, s.handleCACert)
	}
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(buildinfo.DisplayName + " running"))
	})
	return r
}

// Run listens on the configured address and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.config.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then stops the server.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.httpServer = httpServer
	s.mu.Unlock()

	if s.config.MDNS {
		if err := s.startMDNS(ln.Addr()); err != nil {
			log.Warn().Err(err).Msg("failed to start mDNS service, auto-discovery will not be available")
		}
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", ln.Addr().String()).Bool("tls", s.config.TLSCert != "").Msg("starting server")
		var err error
		if s.config.TLSCert != "" && s.config.TLSKey != "" {
			err = httpServer.ServeTLS(ln, s.config.TLSCert, s.config.TLSKey)
		} else {
			err = httpServer.Serve(ln)
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		_ = s.Stop(context.Background())
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
		log.Info().Msg("server context cancelled, initiating shutdown")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := s.Stop(shutdownCtx)
		<-errCh
		return err
	}
}

// Stop disconnects the client, finishes the tag session and shuts down the
// HTTP server and mDNS.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	client := s.client
	httpServer := s.httpServer
	mdnsServer := s.mdnsServer
	s.httpServer = nil
	s.mdnsServer = nil
	s.mu.Unlock()

	if client != nil {
		_ = client.close()
	}
	s.session.Finish()

	if mdnsServer != nil {
		mdnsServer.Shutdown()
		log.Info().Msg("mDNS service stopped")
	}

	var err error
	if httpServer != nil {
		if err = httpServer.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
		}
	}

	s.conns.Wait()
	s.nfcHandler.Wait()
	return err
}

// startMDNS registers the bridge as an mDNS service for auto-discovery
func (s *Server) startMDNS(addr net.Addr) error {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return fmt.Errorf("cannot advertise non-TCP address %s", addr)
	}

	txtRecords := []string{
		"version=" + buildinfo.ProtocolVersion,
		"protocol=websocket",
		"path=" + RouteWebSocket,
	}

	server, err := zeroconf.Register(MDNSServiceName, MDNSServiceType, MDNSDomain, tcpAddr.Port, txtRecords, nil)
	if err != nil {
		return fmt.Errorf("failed to register mDNS service: %w", err)
	}

	s.mu.Lock()
	s.mdnsServer = server
	s.mu.Unlock()
	log.Info().Str("service", MDNSServiceName).Int("port", tcpAddr.Port).Msg("mDNS service registered")
	return nil
}

// handleWebSocket upgrades the lease holder's connection and serves its
// method calls until it disconnects.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	token, err := s.sessions.Acquire(r.URL.Query().Get("secret"), s.closeIdle)
	switch {
	case errors.Is(err, ErrInvalidSecret):
		log.Warn().Str("remote", r.RemoteAddr).Msg("websocket connection rejected: invalid API secret")
		http.Error(w, "Unauthorized: Invalid API secret", http.StatusUnauthorized)
		return
	case errors.Is(err, ErrSessionClaimed):
		log.Warn().Str("remote", r.RemoteAddr).Msg("websocket connection rejected: session already claimed")
		http.Error(w, "Session already claimed by another client", http.StatusConflict)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.sessions.Release(token)
		log.Error().Err(err).Msg("websocket upgrade error")
		return
	}

	s.conns.Add(1)
	defer s.conns.Done()

	client := &clientConn{conn: conn, token: token}
	s.mu.Lock()
	s.client = client
	s.mu.Unlock()

	log.Info().Str("remote", r.RemoteAddr).Msg("websocket connected")

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		_ = conn.Close()

		s.mu.Lock()
		if s.client == client {
			s.client = nil
		}
		s.mu.Unlock()

		// The tag session outlives no client.
		s.session.Finish()
		s.sessions.Release(token)
		log.Info().Str("remote", r.RemoteAddr).Msg("websocket disconnected, session finished")
	}()

	for {
		messageType, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Msg("websocket read error")
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		s.sessions.RefreshTimeout(token)

		call, err := protocol.DecodeCall(frame)
		sink := responseSink{client: client, call: call}
		if err != nil {
			log.Warn().Err(err).Msg("failed to parse method call")
			badArg := nfc.NewError(nfc.ErrCodeBadArgument, call.Method, err)
			sink.Error(badArg.Code.Status(), badArg.Message, badArg.Details())
			continue
		}

		log.Debug().Str("method", call.Method).Str("id", call.ID).Msg("method call")
		s.handlerRegistry.Dispatch(ctx, call, nfc.NewResult(sink, call.Method))
	}
}

// closeIdle disconnects the client holding token.
func (s *Server) closeIdle(token string) {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()

	if client != nil && client.token == token {
		_ = client.close()
	}
}

// handleHealthCheck provides a health check endpoint (GET /api/v1/health)
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":       "ok",
		"version":      buildinfo.FullVersion(),
		"availability": s.session.Availability(),
		"state":        s.session.State().String(),
		"clientActive": s.sessions.Active(),
		"timestamp":    s.config.Clock.Now().Format(time.RFC3339),
	})
}

// handleMethods lists the methods answered on the websocket (GET /api/v1/methods)
func (s *Server) handleMethods(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"methods": s.handlerRegistry.Methods(),
	})
}

// handleCACert serves the local CA certificate (GET /ca.pem)
func (s *Server) handleCACert(w http.ResponseWriter, r *http.Request) {
	pem, err := s.config.CACert()
	if err != nil {
		http.Error(w, "CA certificate not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Header().Set("Content-Disposition", `attachment; filename="`+buildinfo.Name+`-ca.pem"`)
	_, _ = w.Write(pem)
	log.Info().Str("remote", r.RemoteAddr).Msg("CA certificate downloaded")
}
