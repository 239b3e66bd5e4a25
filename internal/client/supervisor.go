package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shopmono/livechat/internal/auth"
	"github.com/shopmono/livechat/internal/config"
	"github.com/shopmono/livechat/internal/logging"
	"github.com/shopmono/livechat/internal/protocol"
)

// State is the supervisor's connection state.
type State string

const (
	StateIdle          State = "IDLE"
	StateConnecting    State = "CONNECTING"
	StateOpen          State = "OPEN"
	StateReconnectWait State = "RECONNECT_WAIT"
	StateLoggedOut     State = "LOGGED_OUT"
)

// errNoCredential means there is no token to present; treated like an
// authentication failure rather than a transient transport error.
var errNoCredential = errors.New("no credential available")

// errAuthRejected means the gateway refused the credential before the
// websocket was even established.
var errAuthRejected = errors.New("credentials rejected")

// CredentialSource supplies the bearer token and identity the supervisor
// announces on CONNECT.
type CredentialSource interface {
	Token() (string, error)
	Identity() auth.Identity
}

// StaticCredentials is a CredentialSource backed by fixed values, typically
// loaded from config.
type StaticCredentials struct {
	BearerToken string
	Who         auth.Identity
}

func (s StaticCredentials) Token() (string, error) { return s.BearerToken, nil }
func (s StaticCredentials) Identity() auth.Identity { return s.Who }

// LogoutSignal is a process-wide broadcast used to propagate a logout from
// one consumer of the supervisor to all others. Subscribers receive one
// close notification per broadcast.
type LogoutSignal struct {
	mu   sync.Mutex
	subs []chan struct{}
}

// NewLogoutSignal creates an empty signal.
func NewLogoutSignal() *LogoutSignal {
	return &LogoutSignal{}
}

// Subscribe returns a channel that is closed on the next broadcast.
func (s *LogoutSignal) Subscribe() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan struct{})
	s.subs = append(s.subs, ch)
	return ch
}

// Broadcast notifies all current subscribers and resets the subscriber list.
func (s *LogoutSignal) Broadcast() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		close(ch)
	}
	s.subs = nil
}

// Supervisor owns the websocket connection to the gateway and keeps it
// alive: it dials, authenticates, hands inbound frames to the handler, and
// redials after a fixed delay when the transport drops. Logout is terminal
// until Reset; once the loggedOut flag is set no further dial attempt is
// made, and the flag is re-checked immediately before every attempt because
// logout may race with a pending reconnect timer.
type Supervisor struct {
	cfg   config.ClientConfig
	creds CredentialSource
	log   *logging.Logger

	// OnFrame receives every inbound frame after the handshake.
	OnFrame func(protocol.Frame)
	// OnOpen fires on every (re)established connection, after the CONNECT
	// announcement. Used to refresh client state that may have drifted
	// during an outage.
	OnOpen func()
	// OnStateChange observes state transitions. Optional.
	OnStateChange func(State)

	mu         sync.Mutex
	state      State
	conn       *websocket.Conn
	loggedOut  bool
	generation int
}

// NewSupervisor creates a supervisor in the IDLE state. Callers set the
// On* callbacks before Run.
func NewSupervisor(cfg config.ClientConfig, creds CredentialSource, log *logging.Logger) *Supervisor {
	return &Supervisor{
		cfg:   cfg,
		creds: creds,
		log:   log.Sub("supervisor"),
		state: StateIdle,
	}
}

// State returns the current connection state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) setState(next State) {
	s.mu.Lock()
	if s.state == next {
		s.mu.Unlock()
		return
	}
	prev := s.state
	s.state = next
	cb := s.OnStateChange
	s.mu.Unlock()

	s.log.Debug().Str("from", string(prev)).Str("to", string(next)).Msg("state change")
	if cb != nil {
		cb(next)
	}
}

func (s *Supervisor) dialTimeout() time.Duration {
	if s.cfg.DialTimeoutSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(s.cfg.DialTimeoutSeconds) * time.Second
}

func (s *Supervisor) reconnectDelay() time.Duration {
	if s.cfg.ReconnectSeconds <= 0 {
		return 3 * time.Second
	}
	return time.Duration(s.cfg.ReconnectSeconds) * time.Second
}

// Run connects and keeps reconnecting until the context is cancelled or a
// logout makes the supervisor terminal. It blocks; run it in a goroutine.
func (s *Supervisor) Run(ctx context.Context) {
	for {
		s.mu.Lock()
		if s.loggedOut {
			s.mu.Unlock()
			s.setState(StateLoggedOut)
			return
		}
		gen := s.generation
		s.mu.Unlock()

		s.setState(StateConnecting)
		conn, err := s.dial(ctx)

		// A logout that raced the dial wins: whatever the attempt's
		// outcome, it must not move the machine out of LOGGED_OUT.
		s.mu.Lock()
		if s.loggedOut || gen != s.generation {
			s.mu.Unlock()
			if conn != nil {
				conn.Close()
			}
			s.setState(StateLoggedOut)
			return
		}
		if err == nil {
			s.conn = conn
		}
		s.mu.Unlock()

		if err != nil {
			if authFailure(err) || errors.Is(err, errNoCredential) {
				s.log.Warn().Err(err).Msg("authentication rejected, logging out")
				s.markLoggedOut()
				return
			}
			s.log.Warn().Err(err).Msg("connect failed")
			if !s.waitForRetry(ctx) {
				return
			}
			continue
		}

		s.setState(StateOpen)
		if s.OnOpen != nil {
			s.OnOpen()
		}

		err = s.readLoop(conn)

		s.mu.Lock()
		s.conn = nil
		done := s.loggedOut
		s.mu.Unlock()
		if done {
			s.setState(StateLoggedOut)
			return
		}
		if authFailure(err) {
			s.log.Warn().Err(err).Msg("connection closed by policy, logging out")
			s.markLoggedOut()
			return
		}

		s.log.Info().Err(err).Msg("connection lost, will reconnect")
		if !s.waitForRetry(ctx) {
			return
		}
	}
}

// waitForRetry sits out the fixed backoff. It returns false when the run
// loop should stop instead of attempting again.
func (s *Supervisor) waitForRetry(ctx context.Context) bool {
	s.setState(StateReconnectWait)
	select {
	case <-ctx.Done():
		s.setState(StateIdle)
		return false
	case <-time.After(s.reconnectDelay()):
		return true
	}
}

// dial opens the websocket and completes the CONNECT handshake.
func (s *Supervisor) dial(ctx context.Context) (*websocket.Conn, error) {
	token, err := s.creds.Token()
	if err != nil {
		return nil, fmt.Errorf("fetching credential: %w", err)
	}
	if token == "" {
		return nil, errNoCredential
	}
	id := s.creds.Identity()

	target, err := dialURL(s.cfg.URL, token)
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{HandshakeTimeout: s.dialTimeout()}
	dialCtx, cancel := context.WithTimeout(ctx, s.dialTimeout())
	defer cancel()

	conn, resp, err := dialer.DialContext(dialCtx, target, nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: gateway returned %s", errAuthRejected, resp.Status)
		}
		return nil, fmt.Errorf("dialing %s: %w", s.cfg.URL, err)
	}

	if err := conn.WriteJSON(protocol.NewConnect(id.ID, id.DisplayName, token, id.Role)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sending connect: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(s.dialTimeout()))
	var ack protocol.Frame
	if err := conn.ReadJSON(&ack); err != nil {
		conn.Close()
		return nil, fmt.Errorf("awaiting connection ack: %w", err)
	}
	if ack.Type != protocol.TypeConnectionEstablished {
		conn.Close()
		return nil, fmt.Errorf("expected %s, got %s", protocol.TypeConnectionEstablished, ack.Type)
	}
	conn.SetReadDeadline(time.Time{})
	return conn, nil
}

// readLoop delivers inbound frames until the transport errors out.
func (s *Supervisor) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		frame, err := protocol.Decode(data)
		if err != nil {
			s.log.Warn().Err(err).Msg("dropping malformed frame")
			continue
		}
		if s.OnFrame != nil {
			s.OnFrame(frame)
		}
	}
}

// Send writes a frame on the current connection. The per-connection write
// lock lives here: all outbound traffic funnels through this method.
func (s *Supervisor) Send(f protocol.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("not connected (state %s)", s.state)
	}
	return s.conn.WriteJSON(f)
}

// Logout makes the supervisor terminal. A best-effort LOGOUT frame is sent
// before the transport is severed; no reconnection happens afterwards.
func (s *Supervisor) Logout() {
	s.mu.Lock()
	s.loggedOut = true
	s.generation++
	if s.conn != nil {
		// Written under the connection write lock so it cannot interleave
		// with a concurrent Send.
		id := s.creds.Identity()
		if err := s.conn.WriteJSON(protocol.NewLogout(id.ID)); err != nil {
			s.log.Debug().Err(err).Msg("logout notice not delivered")
		}
		s.conn.Close()
		s.conn = nil
	}
	s.mu.Unlock()
	s.setState(StateLoggedOut)
}

// SubscribeLogout wires the supervisor to a cross-consumer logout signal:
// when it fires, this supervisor logs out too. The wiring survives the
// broadcast, so a supervisor that is Reset and logged back in still
// follows the next shared logout.
func (s *Supervisor) SubscribeLogout(sig *LogoutSignal) {
	go func() {
		for {
			<-sig.Subscribe()
			s.Logout()
		}
	}()
}

// Reset clears the terminal logout state ahead of a fresh login. The
// supervisor returns to IDLE; the caller then invokes Run again.
func (s *Supervisor) Reset() {
	s.mu.Lock()
	s.loggedOut = false
	s.generation++
	s.mu.Unlock()
	s.setState(StateIdle)
}

func (s *Supervisor) markLoggedOut() {
	s.mu.Lock()
	s.loggedOut = true
	s.mu.Unlock()
	s.setState(StateLoggedOut)
}

// dialURL appends the bearer token to the gateway URL; the token rides as
// a query parameter for initial authentication at upgrade time.
func dialURL(raw, token string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parsing gateway url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// authFailure reports whether the transport error means the gateway
// rejected our credential rather than the network failing: either an HTTP
// 401/403 at upgrade time or a policy-violation close afterwards.
func authFailure(err error) bool {
	if errors.Is(err, errAuthRejected) {
		return true
	}
	var ce *websocket.CloseError
	return errors.As(err, &ce) && ce.Code == websocket.ClosePolicyViolation
}
