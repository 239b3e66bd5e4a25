package domain

import (
	"time"
	"unicode/utf8"
)

// Role classifies the sender of a chat message.
type Role string

const (
	RoleCustomer Role = "CUSTOMER"
	RoleStaff    Role = "STAFF"
	RoleSystem   Role = "SYSTEM"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleCustomer, RoleStaff, RoleSystem:
		return true
	}
	return false
}

// ChatMessage is a single message within a session. Messages are immutable
// once created; they are only ever removed together with their session.
type ChatMessage struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"sessionId"`
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderDisplayName"`
	SenderRole Role      `json:"senderRole"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Preview returns the message content truncated for session list display.
func (m ChatMessage) Preview(maxLen int) string {
	return TruncatePreview(m.Content, maxLen)
}

// TruncatePreview shortens s to at most max bytes without splitting a
// multi-byte rune. A max <= 0 disables truncation.
func TruncatePreview(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
