// Package client implements the chat-side runtime that rides on the
// gateway: a supervised websocket connection, the staff session cache with
// unread tracking, id-based message deduplication, and the notification
// dispatcher.
package client

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shopmono/livechat/internal/config"
	"github.com/shopmono/livechat/internal/domain"
	"github.com/shopmono/livechat/internal/logging"
	"github.com/shopmono/livechat/internal/protocol"
)

// Client ties the supervisor, session list and dispatcher together behind
// one facade.
type Client struct {
	cfg        config.ClientConfig
	creds      CredentialSource
	log        *logging.Logger
	supervisor *Supervisor
	sessions   *SessionList
	dispatcher *Dispatcher

	mu       sync.Mutex
	presence map[string]domain.PresenceEntry
}

// New assembles a client runtime.
func New(cfg config.ClientConfig, creds CredentialSource, api SessionAPI, notifier Notifier, log *logging.Logger) *Client {
	dedup := NewDeduplicator(cfg.DedupWindow)
	dispatcher := NewDispatcher(notifier, log)
	sessions := NewSessionList(api, dedup, dispatcher, log)

	c := &Client{
		cfg:        cfg,
		creds:      creds,
		log:        log.Sub("client"),
		sessions:   sessions,
		dispatcher: dispatcher,
		presence:   make(map[string]domain.PresenceEntry),
	}

	c.supervisor = NewSupervisor(cfg, creds, log)
	c.supervisor.OnFrame = c.handleFrame
	c.supervisor.OnOpen = func() {
		// State may have drifted during an outage; reconcile from the store.
		go sessions.Refresh()
	}
	return c
}

// Start connects and keeps the connection supervised until ctx ends.
func (c *Client) Start(ctx context.Context) {
	c.dispatcher.RequestPermission(ctx)
	go c.supervisor.Run(ctx)
}

// Sessions exposes the staff session cache.
func (c *Client) Sessions() *SessionList { return c.sessions }

// Alerts exposes the in-app notification fallback stream.
func (c *Client) Alerts() <-chan Alert { return c.dispatcher.Alerts() }

// State reports the supervisor's connection state.
func (c *Client) State() State { return c.supervisor.State() }

// Logout severs the connection permanently until Login.
func (c *Client) Logout() { c.supervisor.Logout() }

// SubscribeLogout propagates a shared logout signal into this client.
func (c *Client) SubscribeLogout(sig *LogoutSignal) { c.supervisor.SubscribeLogout(sig) }

// Login clears a previous logout and reconnects.
func (c *Client) Login(ctx context.Context) {
	c.supervisor.Reset()
	go c.supervisor.Run(ctx)
}

// Send delivers a chat message: a fresh message id is generated, the
// message is inserted locally as pending, and the server echo later flips
// it to confirmed. Resending after a failure requires a new Send call and
// therefore a new id.
func (c *Client) Send(sessionID, content string) (domain.ChatMessage, error) {
	id := c.creds.Identity()
	msg := domain.ChatMessage{
		ID:         uuid.New().String(),
		SessionID:  sessionID,
		SenderID:   id.ID,
		SenderName: id.DisplayName,
		SenderRole: id.Role,
		Content:    content,
		CreatedAt:  time.Now(),
	}

	c.sessions.AppendLocal(msg)
	if err := c.supervisor.Send(protocol.NewChatMessage(msg)); err != nil {
		return msg, err
	}
	return msg, nil
}

// ActiveUsers returns the latest presence view, keyed by participant.
func (c *Client) ActiveUsers() []domain.PresenceEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.PresenceEntry, 0, len(c.presence))
	for _, e := range c.presence {
		out = append(out, e)
	}
	return out
}

func (c *Client) handleFrame(f protocol.Frame) {
	switch f.Type {
	case protocol.TypeChatMessage:
		c.sessions.Apply(f)

	case protocol.TypeSessionDeleted:
		c.sessions.HandleSessionDeleted(f.SessionID)

	case protocol.TypeActiveUsers:
		c.mu.Lock()
		c.presence = make(map[string]domain.PresenceEntry, len(f.Users))
		for _, u := range f.Users {
			c.presence[u.ParticipantID] = u
		}
		c.mu.Unlock()

	case protocol.TypeUserConnected:
		c.mu.Lock()
		c.presence[f.ParticipantID] = domain.PresenceEntry{
			ParticipantID: f.ParticipantID,
			DisplayName:   f.DisplayName,
			Connected:     true,
			SessionID:     f.SessionID,
		}
		c.mu.Unlock()

	case protocol.TypeUserDisconnected:
		c.mu.Lock()
		delete(c.presence, f.ParticipantID)
		c.mu.Unlock()

	default:
		c.log.Warn().Str("type", f.Type).Msg("dropping unexpected frame")
	}
}
