package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/stackmesh/bastion/pkg/auth/discovery"
	"github.com/stackmesh/bastion/pkg/logger"
	"github.com/stackmesh/bastion/pkg/transport/session"
)

// HealthPath responds regardless of authentication state.
const HealthPath = "/health"

// ServerConfig configures the resource server.
type ServerConfig struct {
	// ListenAddress is the host:port to bind.
	ListenAddress string
	// BaseURL overrides the externally visible base URL used in the
	// endpoint event. Derived from the request when empty.
	BaseURL string
	// ResourceName is advertised in the protected-resource metadata.
	ResourceName string
	// Issuer is the trusted authorization server.
	Issuer string
	// JWKSURL optionally appears in the advertised metadata.
	JWKSURL string
	// AllowedOrigin is the single origin granted cross-origin access.
	AllowedOrigin string
}

// Server is the OAuth-protected SSE resource server. It owns the
// listener, the session registry and the routing table.
type Server struct {
	config     ServerConfig
	router     *Router
	sessions   *session.Manager
	httpServer *http.Server

	addr net.Addr
}

// NewServer assembles the server. The session registry is created by the
// caller so the auth gate can consult it for the session shortcut.
// authMiddleware guards every route; the gate itself exempts discovery
// paths and preflights.
func NewServer(cfg ServerConfig, sessions *session.Manager, authMiddleware func(http.Handler) http.Handler) *Server {
	if sessions == nil {
		sessions = session.NewManager()
	}
	sse := NewSSEHandler(sessions, cfg.BaseURL)

	router := NewRouter()
	router.Use(CORSMiddleware(cfg.AllowedOrigin))
	if authMiddleware != nil {
		router.Use(WrapMiddleware(authMiddleware))
	}

	router.Handle(http.MethodGet, discovery.ProtectedResourcePath, ProtectedResourceHandler(ResourceMetadataConfig{
		ResourceName: cfg.ResourceName,
		Resource:     cfg.BaseURL,
		Issuer:       cfg.Issuer,
		JWKSURI:      cfg.JWKSURL,
	}))
	router.Handle(http.MethodGet, SSEPath, sse.HandleSSE)
	router.Handle(http.MethodPost, MessagesPath, sse.HandleMessages)

	srv := &Server{
		config:   cfg,
		router:   router,
		sessions: sessions,
	}
	router.Handle(http.MethodGet, HealthPath, srv.handleHealth)

	return srv
}

// Handler exposes the routing table, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Sessions exposes the session registry so the auth gate can honor the
// session shortcut.
func (s *Server) Sessions() *session.Manager {
	return s.sessions
}

// Start binds the listener and serves until Stop or a fatal error. The
// bind happens synchronously so a port conflict surfaces here.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddress, err)
	}
	s.addr = listener.Addr()

	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	logger.Infof("resource server listening on %s", s.addr)
	if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop shuts the server down gracefully and disconnects every session.
func (s *Server) Stop(ctx context.Context) error {
	s.sessions.CloseAll()
	if s.httpServer == nil {
		return nil
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	return nil
}

// Addr reports the bound address once Start has been called.
func (s *Server) Addr() net.Addr {
	return s.addr
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	resp := map[string]any{
		"status":   "ok",
		"sessions": s.sessions.Len(),
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Warnf("failed to write health response: %v", err)
	}
}
