package gateway

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shopmono/livechat/internal/auth"
	"github.com/shopmono/livechat/internal/config"
	"github.com/shopmono/livechat/internal/domain"
	"github.com/shopmono/livechat/internal/logging"
	"github.com/shopmono/livechat/internal/protocol"
	"github.com/shopmono/livechat/internal/store"
)

const testSecret = "test-secret-123"

type testEnv struct {
	srv    *Server
	ts     *httptest.Server
	store  store.SessionStore
	issuer *auth.Issuer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := config.Defaults()
	issuer := auth.NewIssuer(testSecret, time.Hour)
	st := store.NewMemorySessionStore()
	srv := New(cfg, issuer, st, logging.Nop())

	mux := http.NewServeMux()
	srv.registerRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return &testEnv{srv: srv, ts: ts, store: st, issuer: issuer}
}

func (e *testEnv) token(t *testing.T, id, name string, role domain.Role) string {
	t.Helper()
	token, err := e.issuer.Issue(auth.Identity{ID: id, DisplayName: name, Role: role})
	require.NoError(t, err)
	return token
}

// dial opens a websocket, completes the CONNECT handshake and consumes the
// CONNECTION_ESTABLISHED ack.
func (e *testEnv) dial(t *testing.T, id, name string, role domain.Role) *websocket.Conn {
	t.Helper()
	token := e.token(t, id, name, role)
	conn := e.dialRaw(t, token)
	require.NoError(t, conn.WriteJSON(protocol.NewConnect(id, name, token, role)))

	ack := readFrame(t, conn)
	require.Equal(t, protocol.TypeConnectionEstablished, ack.Type)
	return conn
}

// dialRaw upgrades /ws with the given bearer token in the URL but leaves
// the CONNECT handshake to the caller.
func (e *testEnv) dialRaw(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/ws?token=" + url.QueryEscape(token)
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) protocol.Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f protocol.Frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

// expectSilence asserts no frame arrives within the window.
func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	var f protocol.Frame
	err := conn.ReadJSON(&f)
	require.Error(t, err, "unexpected frame: %+v", f)
}

func (e *testEnv) request(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.ts.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var health HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
}

func TestNotFoundEndpoint(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.ts.URL + "/nonexistent")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandshakeSuccess(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "cust-1", "Ada", domain.RoleCustomer)
	require.NotNil(t, conn)
	assert.Equal(t, 1, env.srv.registryCountEventually(t))
}

// registryCountEventually waits for the connection goroutine to register.
func (s *Server) registryCountEventually(t *testing.T) int {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if n := s.registry.Count(); n > 0 {
			return n
		}
		time.Sleep(10 * time.Millisecond)
	}
	return s.registry.Count()
}

func TestUpgradeRejectsBadQueryToken(t *testing.T) {
	env := newTestEnv(t)
	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/ws?token=garbage"

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestUpgradeRejectsMissingQueryToken(t *testing.T) {
	env := newTestEnv(t)
	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestHandshakeRejectsBadToken(t *testing.T) {
	env := newTestEnv(t)
	// The URL token passes the gate; the CONNECT frame is still re-validated.
	conn := env.dialRaw(t, env.token(t, "cust-1", "Ada", domain.RoleCustomer))

	require.NoError(t, conn.WriteJSON(protocol.NewConnect("cust-1", "Ada", "garbage-token", domain.RoleCustomer)))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f protocol.Frame
	err := conn.ReadJSON(&f)
	require.Error(t, err)
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok, "expected close error, got %v", err)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
}

func TestHandshakeRejectsParticipantMismatch(t *testing.T) {
	env := newTestEnv(t)

	// Token belongs to cust-1 but the frame claims cust-2.
	token := env.token(t, "cust-1", "Ada", domain.RoleCustomer)
	conn := env.dialRaw(t, token)
	require.NoError(t, conn.WriteJSON(protocol.NewConnect("cust-2", "Mallory", token, domain.RoleCustomer)))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f protocol.Frame
	require.Error(t, conn.ReadJSON(&f))
}

func TestHandshakeRejectsRoleEscalation(t *testing.T) {
	env := newTestEnv(t)

	// Customer token, staff claim.
	token := env.token(t, "cust-1", "Ada", domain.RoleCustomer)
	conn := env.dialRaw(t, token)
	require.NoError(t, conn.WriteJSON(protocol.NewConnect("cust-1", "Ada", token, domain.RoleStaff)))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f protocol.Frame
	require.Error(t, conn.ReadJSON(&f))
}

func TestHandshakeRejectsNonConnectFirstFrame(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dialRaw(t, env.token(t, "cust-1", "Ada", domain.RoleCustomer))

	require.NoError(t, conn.WriteJSON(protocol.Frame{Type: protocol.TypeChatMessage}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f protocol.Frame
	require.Error(t, conn.ReadJSON(&f))
}

func TestStaffReceivesPresenceSnapshot(t *testing.T) {
	env := newTestEnv(t)

	env.dial(t, "cust-1", "Ada", domain.RoleCustomer)

	staff := env.dial(t, "staff-1", "Sam", domain.RoleStaff)
	snapshot := readFrame(t, staff)
	require.Equal(t, protocol.TypeActiveUsers, snapshot.Type)
	require.Len(t, snapshot.Users, 1)
	assert.Equal(t, "cust-1", snapshot.Users[0].ParticipantID)
	assert.Equal(t, "Ada", snapshot.Users[0].DisplayName)
	assert.True(t, snapshot.Users[0].Connected)
}

func TestStaffNotifiedOnCustomerConnectAndDisconnect(t *testing.T) {
	env := newTestEnv(t)

	staff := env.dial(t, "staff-1", "Sam", domain.RoleStaff)
	snapshot := readFrame(t, staff)
	require.Equal(t, protocol.TypeActiveUsers, snapshot.Type)
	require.Empty(t, snapshot.Users)

	cust := env.dial(t, "cust-1", "Ada", domain.RoleCustomer)

	joined := readFrame(t, staff)
	require.Equal(t, protocol.TypeUserConnected, joined.Type)
	assert.Equal(t, "cust-1", joined.ParticipantID)

	cust.Close()

	left := readFrame(t, staff)
	require.Equal(t, protocol.TypeUserDisconnected, left.Type)
	assert.Equal(t, "cust-1", left.ParticipantID)
}

func TestSecondTabDoesNotReAnnounce(t *testing.T) {
	env := newTestEnv(t)

	staff := env.dial(t, "staff-1", "Sam", domain.RoleStaff)
	readFrame(t, staff) // snapshot

	env.dial(t, "cust-1", "Ada", domain.RoleCustomer)
	joined := readFrame(t, staff)
	require.Equal(t, protocol.TypeUserConnected, joined.Type)

	// Same participant, second connection: no second USER_CONNECTED.
	env.dial(t, "cust-1", "Ada", domain.RoleCustomer)
	expectSilence(t, staff)
}

func TestChatMessageFanOut(t *testing.T) {
	env := newTestEnv(t)

	sess, err := env.store.CreateSession("cust-1", "Ada")
	require.NoError(t, err)

	staff := env.dial(t, "staff-1", "Sam", domain.RoleStaff)
	readFrame(t, staff) // snapshot

	cust := env.dial(t, "cust-1", "Ada", domain.RoleCustomer)
	readFrame(t, staff) // USER_CONNECTED

	msg := domain.ChatMessage{
		ID:         uuid.New().String(),
		SessionID:  sess.ID,
		SenderID:   "cust-1",
		SenderName: "Ada",
		SenderRole: domain.RoleCustomer,
		Content:    "where is my order?",
		CreatedAt:  time.Now(),
	}
	require.NoError(t, cust.WriteJSON(protocol.NewChatMessage(msg)))

	// Staff sees the message.
	got := readFrame(t, staff)
	require.Equal(t, protocol.TypeChatMessage, got.Type)
	assert.Equal(t, msg.ID, got.MessageID)
	assert.Equal(t, "where is my order?", got.Content)

	// Sender gets the echo too.
	echo := readFrame(t, cust)
	require.Equal(t, protocol.TypeChatMessage, echo.Type)
	assert.Equal(t, msg.ID, echo.MessageID)

	// Stored with the unread counter bumped.
	stored, err := env.store.GetSession(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.UnreadCount)
	assert.Equal(t, "where is my order?", stored.LastMessagePreview)
}

func TestDuplicateMessageDroppedOnRedelivery(t *testing.T) {
	env := newTestEnv(t)

	sess, err := env.store.CreateSession("cust-1", "Ada")
	require.NoError(t, err)

	staff := env.dial(t, "staff-1", "Sam", domain.RoleStaff)
	readFrame(t, staff) // snapshot

	cust := env.dial(t, "cust-1", "Ada", domain.RoleCustomer)
	readFrame(t, staff) // USER_CONNECTED

	frame := protocol.NewChatMessage(domain.ChatMessage{
		ID:         "msg-fixed-id",
		SessionID:  sess.ID,
		SenderID:   "cust-1",
		SenderRole: domain.RoleCustomer,
		Content:    "hello",
		CreatedAt:  time.Now(),
	})

	require.NoError(t, cust.WriteJSON(frame))
	first := readFrame(t, staff)
	require.Equal(t, "msg-fixed-id", first.MessageID)

	// Client retransmit after a reconnect: same id, no second delivery.
	require.NoError(t, cust.WriteJSON(frame))
	expectSilence(t, staff)

	messages, err := env.store.ListMessages(sess.ID)
	require.NoError(t, err)
	assert.Len(t, messages, 1)
}

func TestSpoofedSenderDropped(t *testing.T) {
	env := newTestEnv(t)

	sess, err := env.store.CreateSession("cust-1", "Ada")
	require.NoError(t, err)

	staff := env.dial(t, "staff-1", "Sam", domain.RoleStaff)
	readFrame(t, staff) // snapshot

	cust := env.dial(t, "cust-2", "Mallory", domain.RoleCustomer)
	readFrame(t, staff) // USER_CONNECTED

	require.NoError(t, cust.WriteJSON(protocol.NewChatMessage(domain.ChatMessage{
		ID:         uuid.New().String(),
		SessionID:  sess.ID,
		SenderID:   "cust-1", // not who they authenticated as
		SenderRole: domain.RoleCustomer,
		Content:    "impersonated",
		CreatedAt:  time.Now(),
	})))

	expectSilence(t, staff)

	messages, err := env.store.ListMessages(sess.ID)
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestChatMessageUnknownSessionDropped(t *testing.T) {
	env := newTestEnv(t)

	staff := env.dial(t, "staff-1", "Sam", domain.RoleStaff)
	readFrame(t, staff) // snapshot

	cust := env.dial(t, "cust-1", "Ada", domain.RoleCustomer)
	readFrame(t, staff) // USER_CONNECTED

	require.NoError(t, cust.WriteJSON(protocol.NewChatMessage(domain.ChatMessage{
		ID:         uuid.New().String(),
		SessionID:  "no-such-session",
		SenderID:   "cust-1",
		SenderRole: domain.RoleCustomer,
		Content:    "into the void",
		CreatedAt:  time.Now(),
	})))

	expectSilence(t, staff)
}

func TestStaffReplyDoesNotBumpUnread(t *testing.T) {
	env := newTestEnv(t)

	sess, err := env.store.CreateSession("cust-1", "Ada")
	require.NoError(t, err)

	staff := env.dial(t, "staff-1", "Sam", domain.RoleStaff)
	readFrame(t, staff) // snapshot

	cust := env.dial(t, "cust-1", "Ada", domain.RoleCustomer)
	readFrame(t, staff) // USER_CONNECTED

	require.NoError(t, staff.WriteJSON(protocol.NewChatMessage(domain.ChatMessage{
		ID:         uuid.New().String(),
		SessionID:  sess.ID,
		SenderID:   "staff-1",
		SenderName: "Sam",
		SenderRole: domain.RoleStaff,
		Content:    "it ships tomorrow",
		CreatedAt:  time.Now(),
	})))

	got := readFrame(t, cust)
	require.Equal(t, protocol.TypeChatMessage, got.Type)
	assert.Equal(t, "it ships tomorrow", got.Content)

	stored, err := env.store.GetSession(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, stored.UnreadCount)
}

func TestSessionCreateIdempotentPerCustomer(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, "cust-1", "Ada", domain.RoleCustomer)

	resp := env.request(t, http.MethodPost, "/api/sessions", token, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var first domain.ChatSession
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&first))

	resp = env.request(t, http.MethodPost, "/api/sessions", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var second domain.ChatSession
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&second))

	assert.Equal(t, first.ID, second.ID)
}

func TestSessionAPIAuth(t *testing.T) {
	env := newTestEnv(t)

	resp := env.request(t, http.MethodPost, "/api/sessions", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = env.request(t, http.MethodPost, "/api/sessions", "bogus", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Customers cannot use the staff listing.
	custToken := env.token(t, "cust-1", "Ada", domain.RoleCustomer)
	resp = env.request(t, http.MethodGet, "/api/sessions", custToken, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// Staff cannot open sessions.
	staffToken := env.token(t, "staff-1", "Sam", domain.RoleStaff)
	resp = env.request(t, http.MethodPost, "/api/sessions", staffToken, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestCustomerCannotReadForeignSession(t *testing.T) {
	env := newTestEnv(t)
	sess, err := env.store.CreateSession("cust-1", "Ada")
	require.NoError(t, err)

	other := env.token(t, "cust-2", "Mallory", domain.RoleCustomer)
	resp := env.request(t, http.MethodGet, "/api/sessions/"+sess.ID+"/messages", other, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestMarkReadResetsUnread(t *testing.T) {
	env := newTestEnv(t)
	sess, err := env.store.CreateSession("cust-1", "Ada")
	require.NoError(t, err)
	require.NoError(t, env.store.IncrementUnread(sess.ID, "hi"))

	token := env.token(t, "staff-1", "Sam", domain.RoleStaff)
	resp := env.request(t, http.MethodPost, "/api/sessions/"+sess.ID+"/read", token, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	stored, err := env.store.GetSession(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, stored.UnreadCount)
}

func TestDeleteSessionBroadcasts(t *testing.T) {
	env := newTestEnv(t)
	sess, err := env.store.CreateSession("cust-1", "Ada")
	require.NoError(t, err)

	staff := env.dial(t, "staff-1", "Sam", domain.RoleStaff)
	readFrame(t, staff) // snapshot

	token := env.token(t, "staff-1", "Sam", domain.RoleStaff)
	resp := env.request(t, http.MethodDelete, "/api/sessions/"+sess.ID, token, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	deleted := readFrame(t, staff)
	require.Equal(t, protocol.TypeSessionDeleted, deleted.Type)
	assert.Equal(t, sess.ID, deleted.SessionID)

	_, err = env.store.GetSession(sess.ID)
	assert.ErrorIs(t, err, store.ErrSessionNotFound)
}

func TestEndSessionRejectsFurtherMessages(t *testing.T) {
	env := newTestEnv(t)
	sess, err := env.store.CreateSession("cust-1", "Ada")
	require.NoError(t, err)

	token := env.token(t, "cust-1", "Ada", domain.RoleCustomer)
	resp := env.request(t, http.MethodPost, "/api/sessions/"+sess.ID+"/end", token, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	staff := env.dial(t, "staff-1", "Sam", domain.RoleStaff)
	readFrame(t, staff) // snapshot

	cust := env.dial(t, "cust-1", "Ada", domain.RoleCustomer)
	readFrame(t, staff) // USER_CONNECTED

	require.NoError(t, cust.WriteJSON(protocol.NewChatMessage(domain.ChatMessage{
		ID:         uuid.New().String(),
		SessionID:  sess.ID,
		SenderID:   "cust-1",
		SenderRole: domain.RoleCustomer,
		Content:    "too late",
		CreatedAt:  time.Now(),
	})))

	expectSilence(t, staff)
}

func TestPresenceRegistryRefCounting(t *testing.T) {
	p := NewPresenceRegistry()

	assert.True(t, p.Join("cust-1", "Ada", domain.RoleCustomer))
	assert.False(t, p.Join("cust-1", "Ada", domain.RoleCustomer))

	assert.False(t, p.Leave("cust-1"))
	assert.True(t, p.Leave("cust-1"))
	assert.False(t, p.Connected("cust-1"))
}

func TestPresenceSnapshotExcludesStaff(t *testing.T) {
	p := NewPresenceRegistry()
	p.Join("staff-1", "Sam", domain.RoleStaff)
	p.Join("cust-1", "Ada", domain.RoleCustomer)
	p.SetSession("cust-1", "sess-9")

	snap := p.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "cust-1", snap[0].ParticipantID)
	assert.Equal(t, "sess-9", snap[0].SessionID)
}

func TestResolveBindAddr(t *testing.T) {
	cfg := config.GatewayConfig{Port: 18790, Bind: "loopback"}
	assert.Equal(t, "127.0.0.1:18790", resolveBindAddr(cfg))

	cfg.Bind = "lan"
	assert.Equal(t, "0.0.0.0:18790", resolveBindAddr(cfg))

	cfg.Bind = "custom"
	cfg.CustomBindHost = "10.0.0.5"
	assert.Equal(t, "10.0.0.5:18790", resolveBindAddr(cfg))
}

func TestAuthRateLimiter(t *testing.T) {
	rl := &authRateLimiter{failures: make(map[string][]time.Time)}

	addr := "192.168.1.50:12345"
	assert.True(t, rl.allow(addr))
	for i := 0; i < authRateMaxFails; i++ {
		rl.recordFailure(addr)
	}
	assert.False(t, rl.allow(addr))

	// Other hosts unaffected.
	assert.True(t, rl.allow("192.168.1.51:9999"))
}
