package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shopmono/livechat/internal/auth"
	"github.com/shopmono/livechat/internal/config"
	"github.com/shopmono/livechat/internal/domain"
	"github.com/shopmono/livechat/internal/hooks"
	"github.com/shopmono/livechat/internal/logging"
	"github.com/shopmono/livechat/internal/protocol"
	"github.com/shopmono/livechat/internal/store"
)

const maxFramePayload = 1 * 1024 * 1024 // 1MB

// Server is the livechat gateway: an HTTP server exposing the websocket
// endpoint, the session REST API and a health probe.
type Server struct {
	cfg      config.Config
	issuer   *auth.Issuer
	store    store.SessionStore
	log      *logging.Logger
	registry *Registry
	presence *PresenceRegistry
	router   *SessionRouter

	// Hook manager (optional — nil if not configured)
	hooks *hooks.Manager

	startedAt   time.Time
	httpServer  *http.Server
	upgrader    websocket.Upgrader
	authLimiter *authRateLimiter
}

// authRateLimiter tracks failed auth attempts per IP to prevent brute-force attacks.
type authRateLimiter struct {
	mu       sync.Mutex
	failures map[string][]time.Time
}

const (
	authRateWindow   = 5 * time.Minute
	authRateMaxFails = 10
	authRateMaxIPs   = 10000 // max tracked IPs to prevent memory exhaustion
)

func newAuthRateLimiter() *authRateLimiter {
	rl := &authRateLimiter{failures: make(map[string][]time.Time)}
	go rl.periodicCleanup()
	return rl
}

// periodicCleanup removes stale entries every minute.
func (l *authRateLimiter) periodicCleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		l.mu.Lock()
		cutoff := time.Now().Add(-authRateWindow)
		for ip, times := range l.failures {
			filtered := times[:0]
			for _, t := range times {
				if t.After(cutoff) {
					filtered = append(filtered, t)
				}
			}
			if len(filtered) == 0 {
				delete(l.failures, ip)
			} else {
				l.failures[ip] = filtered
			}
		}
		l.mu.Unlock()
	}
}

func (l *authRateLimiter) allow(remoteAddr string) bool {
	host, _, _ := net.SplitHostPort(remoteAddr)
	if host == "" {
		host = remoteAddr
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-authRateWindow)
	recent := l.failures[host]
	filtered := recent[:0]
	for _, t := range recent {
		if t.After(cutoff) {
			filtered = append(filtered, t)
		}
	}
	if len(filtered) == 0 {
		delete(l.failures, host)
		return true
	}
	l.failures[host] = filtered
	return len(filtered) < authRateMaxFails
}

func (l *authRateLimiter) recordFailure(remoteAddr string) {
	host, _, _ := net.SplitHostPort(remoteAddr)
	if host == "" {
		host = remoteAddr
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Enforce max entries cap to prevent memory exhaustion from DDoS
	if _, exists := l.failures[host]; !exists && len(l.failures) >= authRateMaxIPs {
		var oldestIP string
		var oldestTime time.Time
		for ip, times := range l.failures {
			if len(times) > 0 && (oldestIP == "" || times[0].Before(oldestTime)) {
				oldestIP = ip
				oldestTime = times[0]
			}
		}
		if oldestIP != "" {
			delete(l.failures, oldestIP)
		}
	}

	l.failures[host] = append(l.failures[host], time.Now())
}

// ServerOption configures the gateway server.
type ServerOption func(*Server)

// WithHooks sets the hook manager for lifecycle events.
func WithHooks(hm *hooks.Manager) ServerOption {
	return func(s *Server) {
		s.hooks = hm
	}
}

// New creates a new gateway server.
func New(cfg config.Config, issuer *auth.Issuer, st store.SessionStore, log *logging.Logger, opts ...ServerOption) *Server {
	s := &Server{
		cfg:         cfg,
		issuer:      issuer,
		store:       st,
		log:         log.Sub("gateway"),
		registry:    NewRegistry(log.Sub("conns")),
		presence:    NewPresenceRegistry(),
		authLimiter: newAuthRateLimiter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkWebSocketOrigin(cfg.Gateway.AllowedOrigins),
		},
	}

	for _, opt := range opts {
		opt(s)
	}

	s.router = NewSessionRouter(st, s.registry, s.presence, s.hooks, log.Sub("router"))
	return s
}

// checkWebSocketOrigin returns a function that validates WebSocket Origin headers.
// If no origins are configured, only same-origin (no Origin header) or non-browser
// clients are allowed. If origins are configured, the Origin must match one of them.
func checkWebSocketOrigin(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // Same-origin or non-browser clients
		}
		for _, a := range allowed {
			if a == "*" || a == origin {
				return true
			}
		}
		return false
	}
}

// resolveBindAddr computes the listen address from config.
func resolveBindAddr(cfg config.GatewayConfig) string {
	switch cfg.Bind {
	case "loopback":
		return fmt.Sprintf("127.0.0.1:%d", cfg.Port)
	case "lan":
		return fmt.Sprintf("0.0.0.0:%d", cfg.Port)
	case "custom":
		host := cfg.CustomBindHost
		if host == "" {
			host = "0.0.0.0"
		}
		return fmt.Sprintf("%s:%d", host, cfg.Port)
	default:
		return fmt.Sprintf("127.0.0.1:%d", cfg.Port)
	}
}

// Start begins listening for HTTP and WebSocket connections.
// It blocks until the context is cancelled or an error occurs.
func (s *Server) Start(ctx context.Context) error {
	addr := resolveBindAddr(s.cfg.Gateway)

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	handler := withMiddleware(mux, s.log, s.cfg.Gateway.AllowedOrigins)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(l net.Listener) context.Context { return ctx },
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	// Enable TLS if configured
	if s.cfg.Gateway.TLS.Enabled {
		cert, err := tls.LoadX509KeyPair(s.cfg.Gateway.TLS.CertPath, s.cfg.Gateway.TLS.KeyPath)
		if err != nil {
			ln.Close()
			return fmt.Errorf("loading TLS certificate: %w", err)
		}
		tlsCfg := &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
		ln = tls.NewListener(ln, tlsCfg)
		s.log.Info().Msg("TLS enabled")
	} else if s.cfg.Gateway.Bind != "loopback" {
		s.log.Warn().Msg("TLS is not enabled — tokens will be transmitted in cleartext")
	}

	s.startedAt = time.Now()

	s.log.Info().
		Str("addr", ln.Addr().String()).
		Str("bind", s.cfg.Gateway.Bind).
		Msg("gateway server starting")

	if s.hooks != nil {
		s.hooks.Emit(ctx, hooks.EventGatewayStart, map[string]any{
			"addr": ln.Addr().String(),
		})
	}

	// Shutdown when context is cancelled
	go func() {
		<-ctx.Done()
		s.log.Info().Msg("shutting down gateway server")
		if s.hooks != nil {
			s.hooks.Emit(context.Background(), hooks.EventGatewayStop, nil)
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.registry.CloseAll()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr returns the server's listen address, or empty string if not started.
func (s *Server) Addr() string {
	if s.httpServer != nil {
		return s.httpServer.Addr
	}
	return ""
}

// handleWebSocket upgrades HTTP to WebSocket and runs the connection loop.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Rate-limit connection attempts per IP
	if !s.authLimiter.allow(r.RemoteAddr) {
		s.log.Warn().Str("remote", r.RemoteAddr).Msg("rate limited — too many failed auth attempts")
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	// The connection URL carries the bearer token for initial
	// authentication; the CONNECT frame re-validates it together with the
	// claimed identity.
	if _, err := s.issuer.Verify(r.URL.Query().Get("token")); err != nil {
		s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("rejecting websocket: bad token")
		s.authLimiter.recordFailure(r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	socket, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	socket.SetReadLimit(maxFramePayload)

	s.log.Debug().Str("remote", r.RemoteAddr).Msg("new websocket connection")

	conn, err := s.handshake(socket)
	if err != nil {
		s.log.Warn().Err(err).Msg("handshake failed")
		s.authLimiter.recordFailure(r.RemoteAddr)
		// Policy violation tells well-behaved clients to stop retrying
		// with the same credentials.
		socket.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthorized"),
			time.Now().Add(time.Second))
		socket.Close()
		return
	}

	s.registry.Add(conn)
	s.announceJoin(conn)

	defer func() {
		s.registry.Remove(conn.ConnID)
		conn.Close()
		s.announceLeave(conn)
	}()

	s.readLoop(conn)
}

// handshake authenticates a fresh websocket connection. The first frame
// must be CONNECT carrying a valid token whose subject matches the claimed
// participant id.
func (s *Server) handshake(socket *websocket.Conn) (*Conn, error) {
	socket.SetReadDeadline(time.Now().Add(10 * time.Second))

	_, msg, err := socket.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("reading connect frame: %w", err)
	}

	frame, err := protocol.Decode(msg)
	if err != nil {
		return nil, fmt.Errorf("parsing connect frame: %w", err)
	}
	if frame.Type != protocol.TypeConnect {
		return nil, fmt.Errorf("expected %s, got %s", protocol.TypeConnect, frame.Type)
	}
	if err := frame.Validate(); err != nil {
		return nil, fmt.Errorf("invalid connect frame: %w", err)
	}

	identity, err := s.issuer.Verify(frame.Token)
	if err != nil {
		return nil, fmt.Errorf("token verification: %w", err)
	}
	if identity.ID != frame.ParticipantID {
		return nil, fmt.Errorf("participant %q does not match token subject %q", frame.ParticipantID, identity.ID)
	}
	if identity.Role != frame.Role {
		return nil, fmt.Errorf("claimed role %s does not match token role %s", frame.Role, identity.Role)
	}
	if frame.DisplayName != "" {
		identity.DisplayName = frame.DisplayName
	}

	socket.SetReadDeadline(time.Time{})

	conn := NewConn(socket, identity, s.log.Sub("ws"))
	if err := conn.Send(protocol.NewConnectionEstablished()); err != nil {
		return nil, fmt.Errorf("sending connection ack: %w", err)
	}
	return conn, nil
}

// announceJoin records presence and pushes the appropriate frames: staff
// get a full ACTIVE_USERS snapshot on connect, and a customer coming
// online is announced to staff with USER_CONNECTED.
func (s *Server) announceJoin(conn *Conn) {
	id := conn.Identity

	if sess, err := s.store.ActiveSessionFor(id.ID); err == nil {
		conn.BindSession(sess.ID)
	}

	first := s.presence.Join(id.ID, id.DisplayName, id.Role)
	s.presence.SetSession(id.ID, conn.SessionID())

	if id.Role == domain.RoleStaff {
		if err := conn.Send(protocol.NewActiveUsers(s.presence.Snapshot())); err != nil {
			s.log.Warn().Err(err).Str("connId", conn.ConnID).Msg("sending presence snapshot failed")
		}
		return
	}

	if first {
		s.registry.BroadcastStaff(protocol.NewUserConnected(domain.PresenceEntry{
			ParticipantID: id.ID,
			DisplayName:   id.DisplayName,
			Connected:     true,
			SessionID:     conn.SessionID(),
		}))
	}
}

// announceLeave drops presence and, when the participant's last connection
// closed, tells staff they went offline.
func (s *Server) announceLeave(conn *Conn) {
	id := conn.Identity
	last := s.presence.Leave(id.ID)
	if !last || id.Role == domain.RoleStaff {
		return
	}
	s.registry.BroadcastStaff(protocol.NewUserDisconnected(domain.PresenceEntry{
		ParticipantID: id.ID,
		DisplayName:   id.DisplayName,
		Connected:     false,
		SessionID:     conn.SessionID(),
	}))
}

// readLoop dispatches inbound frames until the connection drops. Protocol
// errors on individual frames are logged and dropped; only transport
// errors end the loop.
func (s *Server) readLoop(conn *Conn) {
	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug().Err(err).Str("connId", conn.ConnID).Msg("connection dropped")
			}
			return
		}

		switch frame.Type {
		case protocol.TypeChatMessage:
			s.router.HandleChatMessage(conn, frame)
		case protocol.TypeLogout:
			s.log.Info().
				Str("connId", conn.ConnID).
				Str("participant", conn.Identity.ID).
				Msg("client logged out")
			return
		default:
			s.log.Warn().
				Str("connId", conn.ConnID).
				Str("type", frame.Type).
				Msg("dropping unexpected frame")
		}
	}
}
