package gateway

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/shopmono/livechat/internal/auth"
	"github.com/shopmono/livechat/internal/domain"
	"github.com/shopmono/livechat/internal/logging"
	"github.com/shopmono/livechat/internal/protocol"
)

// ErrConnClosed is returned by Send after a connection has been closed.
var ErrConnClosed = errors.New("connection closed")

// Conn represents one authenticated websocket connection. Outbound writes
// are serialized under a per-connection mutex: exactly one writer per socket.
type Conn struct {
	ConnID      string
	Identity    auth.Identity
	Socket      *websocket.Conn
	ConnectedAt time.Time

	mu        sync.Mutex
	closed    bool
	sessionID string
	log       *logging.Logger
}

// NewConn wraps a freshly authenticated websocket connection.
func NewConn(socket *websocket.Conn, id auth.Identity, log *logging.Logger) *Conn {
	return &Conn{
		ConnID:      uuid.New().String(),
		Identity:    id,
		Socket:      socket,
		ConnectedAt: time.Now(),
		log:         log,
	}
}

// Send writes a frame to the connection. Thread-safe.
func (c *Conn) Send(f protocol.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	return c.Socket.WriteJSON(f)
}

// ReadFrame reads and decodes the next frame. Only the owning read loop
// may call this.
func (c *Conn) ReadFrame() (protocol.Frame, error) {
	_, msg, err := c.Socket.ReadMessage()
	if err != nil {
		return protocol.Frame{}, err
	}
	return protocol.Decode(msg)
}

// BindSession records the session this connection's participant belongs to.
func (c *Conn) BindSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = sessionID
}

// SessionID returns the bound session id, or "" if none yet.
func (c *Conn) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Close closes the websocket. Idempotent.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.Socket.Close()
}

// Registry tracks all open connections.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Conn // connID → Conn
	log   *logging.Logger
}

// NewRegistry creates an empty connection registry.
func NewRegistry(log *logging.Logger) *Registry {
	return &Registry{
		conns: make(map[string]*Conn),
		log:   log,
	}
}

// Add registers a connection.
func (r *Registry) Add(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.ConnID] = c
	r.log.Info().
		Str("connId", c.ConnID).
		Str("participant", c.Identity.ID).
		Str("role", string(c.Identity.Role)).
		Msg("connection registered")
}

// Remove unregisters a connection by id.
func (r *Registry) Remove(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, connID)
	r.log.Info().Str("connId", connID).Msg("connection removed")
}

// Count returns the number of open connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Staff returns every open staff connection.
func (r *Registry) Staff() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Conn
	for _, c := range r.conns {
		if c.Identity.Role == domain.RoleStaff {
			out = append(out, c)
		}
	}
	return out
}

// ByParticipant returns all connections currently open for a participant.
func (r *Registry) ByParticipant(participantID string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Conn
	for _, c := range r.conns {
		if c.Identity.ID == participantID {
			out = append(out, c)
		}
	}
	return out
}

// BroadcastStaff sends a frame to every staff connection.
func (r *Registry) BroadcastStaff(f protocol.Frame) {
	for _, c := range r.Staff() {
		if err := c.Send(f); err != nil {
			r.log.Warn().Err(err).Str("connId", c.ConnID).Msg("staff broadcast failed")
		}
	}
}

// BroadcastAll sends a frame to every open connection.
func (r *Registry) BroadcastAll(f protocol.Frame) {
	r.mu.RLock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	for _, c := range conns {
		if err := c.Send(f); err != nil {
			r.log.Warn().Err(err).Str("connId", c.ConnID).Msg("broadcast failed")
		}
	}
}

// CloseAll closes every connection.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, c := range r.conns {
		c.Close()
		delete(r.conns, id)
	}
}
