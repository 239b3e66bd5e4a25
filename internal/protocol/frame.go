// Package protocol defines the framed JSON wire protocol spoken between
// the gateway and chat clients. Every frame is a single JSON object with
// a discriminating "type" field.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopmono/livechat/internal/domain"
)

// Frame types.
const (
	TypeConnect               = "CONNECT"
	TypeConnectionEstablished = "CONNECTION_ESTABLISHED"
	TypeChatMessage           = "CHAT_MESSAGE"
	TypeUserConnected         = "USER_CONNECTED"
	TypeUserDisconnected      = "USER_DISCONNECTED"
	TypeSessionDeleted        = "SESSION_DELETED"
	TypeActiveUsers           = "ACTIVE_USERS"
	TypeLogout                = "LOGOUT"
)

var (
	ErrUnknownType  = errors.New("unknown frame type")
	ErrMissingField = errors.New("missing required field")
)

// Frame is the envelope for all wire messages. Fields are a union across
// frame types; which ones are required depends on Type (see Validate).
type Frame struct {
	Type string `json:"type"`

	// CONNECT / LOGOUT / presence frames
	ParticipantID string      `json:"participantId,omitempty"`
	DisplayName   string      `json:"displayName,omitempty"`
	Token         string      `json:"token,omitempty"`
	Role          domain.Role `json:"role,omitempty"`

	// CHAT_MESSAGE / SESSION_DELETED
	SessionID  string      `json:"sessionId,omitempty"`
	MessageID  string      `json:"messageId,omitempty"`
	SenderID   string      `json:"senderId,omitempty"`
	SenderName string      `json:"senderDisplayName,omitempty"`
	SenderRole domain.Role `json:"senderRole,omitempty"`
	Content    string      `json:"content,omitempty"`
	Timestamp  int64       `json:"timestamp,omitempty"` // unix millis, advisory only

	// ACTIVE_USERS
	Users []domain.PresenceEntry `json:"users,omitempty"`
}

// Decode parses a raw websocket text frame.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("parsing frame: %w", err)
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("%w: type", ErrMissingField)
	}
	return f, nil
}

// Validate checks that the required fields for the frame's type are present.
// senderId is mandatory on CHAT_MESSAGE; frames without it are rejected
// rather than reconciled heuristically.
func (f Frame) Validate() error {
	switch f.Type {
	case TypeConnect:
		if f.ParticipantID == "" {
			return fmt.Errorf("%w: participantId", ErrMissingField)
		}
		if f.Token == "" {
			return fmt.Errorf("%w: token", ErrMissingField)
		}
		if !f.Role.Valid() || f.Role == domain.RoleSystem {
			return fmt.Errorf("%w: role", ErrMissingField)
		}
	case TypeChatMessage:
		if f.SessionID == "" {
			return fmt.Errorf("%w: sessionId", ErrMissingField)
		}
		if f.MessageID == "" {
			return fmt.Errorf("%w: messageId", ErrMissingField)
		}
		if f.SenderID == "" {
			return fmt.Errorf("%w: senderId", ErrMissingField)
		}
		if !f.SenderRole.Valid() {
			return fmt.Errorf("%w: senderRole", ErrMissingField)
		}
		if f.Content == "" {
			return fmt.Errorf("%w: content", ErrMissingField)
		}
	case TypeSessionDeleted:
		if f.SessionID == "" {
			return fmt.Errorf("%w: sessionId", ErrMissingField)
		}
	case TypeUserConnected, TypeUserDisconnected, TypeLogout:
		if f.ParticipantID == "" {
			return fmt.Errorf("%w: participantId", ErrMissingField)
		}
	case TypeConnectionEstablished, TypeActiveUsers:
		// no required payload fields
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, f.Type)
	}
	return nil
}

// Message converts a CHAT_MESSAGE frame to a domain message. A missing
// timestamp stays zero so the store assigns its own.
func (f Frame) Message() domain.ChatMessage {
	var created time.Time
	if f.Timestamp != 0 {
		created = time.UnixMilli(f.Timestamp)
	}
	return domain.ChatMessage{
		ID:         f.MessageID,
		SessionID:  f.SessionID,
		SenderID:   f.SenderID,
		SenderName: f.SenderName,
		SenderRole: f.SenderRole,
		Content:    f.Content,
		CreatedAt:  created,
	}
}

// NewConnect builds the client's presence announcement. The token is the
// bearer credential re-validated server-side on every CONNECT.
func NewConnect(id, displayName, token string, role domain.Role) Frame {
	return Frame{
		Type:          TypeConnect,
		ParticipantID: id,
		DisplayName:   displayName,
		Token:         token,
		Role:          role,
	}
}

// NewConnectionEstablished is the server's handshake acknowledgement.
func NewConnectionEstablished() Frame {
	return Frame{Type: TypeConnectionEstablished}
}

// NewChatMessage builds a CHAT_MESSAGE frame from a domain message.
func NewChatMessage(m domain.ChatMessage) Frame {
	return Frame{
		Type:       TypeChatMessage,
		SessionID:  m.SessionID,
		MessageID:  m.ID,
		SenderID:   m.SenderID,
		SenderName: m.SenderName,
		SenderRole: m.SenderRole,
		Content:    m.Content,
		Timestamp:  m.CreatedAt.UnixMilli(),
	}
}

// NewUserConnected builds a presence join broadcast.
func NewUserConnected(e domain.PresenceEntry) Frame {
	return Frame{
		Type:          TypeUserConnected,
		ParticipantID: e.ParticipantID,
		DisplayName:   e.DisplayName,
		SessionID:     e.SessionID,
	}
}

// NewUserDisconnected builds a presence leave broadcast.
func NewUserDisconnected(e domain.PresenceEntry) Frame {
	return Frame{
		Type:          TypeUserDisconnected,
		ParticipantID: e.ParticipantID,
		DisplayName:   e.DisplayName,
		SessionID:     e.SessionID,
	}
}

// NewSessionDeleted informs connected parties that a session was removed.
func NewSessionDeleted(sessionID string) Frame {
	return Frame{Type: TypeSessionDeleted, SessionID: sessionID}
}

// NewActiveUsers builds the full presence snapshot sent to staff on connect.
func NewActiveUsers(users []domain.PresenceEntry) Frame {
	return Frame{Type: TypeActiveUsers, Users: users}
}

// NewLogout is the graceful disconnect notice sent before closing.
func NewLogout(participantID string) Frame {
	return Frame{Type: TypeLogout, ParticipantID: participantID}
}
