package gateway

import (
	"context"
	"errors"

	"github.com/shopmono/livechat/internal/domain"
	"github.com/shopmono/livechat/internal/hooks"
	"github.com/shopmono/livechat/internal/logging"
	"github.com/shopmono/livechat/internal/protocol"
	"github.com/shopmono/livechat/internal/store"
)

// SessionRouter persists inbound chat messages and fans them out to every
// connection that should see them: all staff plus every connection the
// session's customer has open. Persistence happens before fan-out, so a
// delivered message is always a stored message.
type SessionRouter struct {
	store    store.SessionStore
	registry *Registry
	presence *PresenceRegistry
	hooks    *hooks.Manager
	log      *logging.Logger
}

// NewSessionRouter wires a router over the given store and registries.
func NewSessionRouter(st store.SessionStore, reg *Registry, pres *PresenceRegistry, hk *hooks.Manager, log *logging.Logger) *SessionRouter {
	return &SessionRouter{
		store:    st,
		registry: reg,
		presence: pres,
		hooks:    hk,
		log:      log,
	}
}

// HandleChatMessage processes one inbound CHAT_MESSAGE frame from conn.
// Malformed frames, spoofed sender ids and unknown sessions are dropped
// with a log line; duplicates are dropped silently. None of these tear
// down the connection.
func (rt *SessionRouter) HandleChatMessage(conn *Conn, f protocol.Frame) {
	if err := f.Validate(); err != nil {
		rt.log.Warn().Err(err).Str("connId", conn.ConnID).Msg("dropping malformed chat frame")
		return
	}
	if f.SenderID != conn.Identity.ID {
		rt.log.Warn().
			Str("connId", conn.ConnID).
			Str("claimed", f.SenderID).
			Str("authenticated", conn.Identity.ID).
			Msg("dropping chat frame with spoofed sender")
		return
	}
	if f.SenderRole != conn.Identity.Role {
		rt.log.Warn().
			Str("connId", conn.ConnID).
			Str("claimed", string(f.SenderRole)).
			Msg("dropping chat frame with mismatched role")
		return
	}

	msg := f.Message()
	session, err := rt.store.GetSession(msg.SessionID)
	if err != nil {
		rt.log.Warn().Err(err).
			Str("sessionId", msg.SessionID).
			Str("connId", conn.ConnID).
			Msg("dropping chat frame for unknown session")
		return
	}

	stored, err := rt.store.AppendMessage(msg)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateMessage) {
			rt.log.Debug().Str("messageId", msg.ID).Msg("duplicate message dropped")
			return
		}
		rt.log.Error().Err(err).Str("sessionId", msg.SessionID).Msg("failed to store message")
		return
	}

	// Only customer messages raise the staff-side unread counter; staff
	// replies are by definition already seen by staff.
	if stored.SenderRole == domain.RoleCustomer {
		if err := rt.store.IncrementUnread(stored.SessionID, stored.Preview(80)); err != nil {
			rt.log.Warn().Err(err).Str("sessionId", stored.SessionID).Msg("unread increment failed")
		}
	}

	conn.BindSession(stored.SessionID)
	rt.presence.SetSession(conn.Identity.ID, stored.SessionID)

	rt.fanOut(session, *stored)
	if rt.hooks != nil {
		rt.hooks.EmitAsync(context.Background(), hooks.EventMessageStored, map[string]any{
			"sessionId":  stored.SessionID,
			"messageId":  stored.ID,
			"senderId":   stored.SenderID,
			"senderRole": string(stored.SenderRole),
		})
	}
}

// fanOut delivers a stored message to every staff connection and to every
// connection held by the session's customer. Each connection sees the
// message at most once even when the sender is also a recipient.
func (rt *SessionRouter) fanOut(session *domain.ChatSession, msg domain.ChatMessage) {
	frame := protocol.NewChatMessage(msg)

	targets := make(map[string]*Conn)
	for _, c := range rt.registry.Staff() {
		targets[c.ConnID] = c
	}
	for _, c := range rt.registry.ByParticipant(session.ParticipantID) {
		targets[c.ConnID] = c
	}

	for _, c := range targets {
		if err := c.Send(frame); err != nil {
			rt.log.Warn().Err(err).
				Str("connId", c.ConnID).
				Str("messageId", msg.ID).
				Msg("message delivery failed")
		}
	}
}

// BroadcastSessionDeleted tells every open connection that a session is
// gone so clients can drop it from their lists.
func (rt *SessionRouter) BroadcastSessionDeleted(sessionID string) {
	rt.registry.BroadcastAll(protocol.NewSessionDeleted(sessionID))
}
