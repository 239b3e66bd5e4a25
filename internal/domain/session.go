// Package domain holds the core chat types shared by the gateway, the
// client runtime, and the store.
package domain

import (
	"errors"
	"time"
)

// SessionStatus is the lifecycle state of a support session.
type SessionStatus string

const (
	SessionActive SessionStatus = "ACTIVE"
	SessionEnded  SessionStatus = "ENDED"
)

// ErrSessionEnded is returned when an operation requires an ACTIVE session.
var ErrSessionEnded = errors.New("session already ended")

// ChatSession is a bounded conversation between one customer and support
// staff. Its lifecycle is independent of any single connection.
type ChatSession struct {
	ID                 string        `json:"id"`
	ParticipantID      string        `json:"participantId"`
	ParticipantName    string        `json:"participantDisplayName"`
	Status             SessionStatus `json:"status"`
	StartedAt          time.Time     `json:"startedAt"`
	EndedAt            *time.Time    `json:"endedAt,omitempty"`
	LastMessagePreview string        `json:"lastMessagePreview,omitempty"`
	UnreadCount        int           `json:"unreadCount"`
}

// Active reports whether the session can still receive messages.
func (s *ChatSession) Active() bool {
	return s.Status == SessionActive
}

// End transitions the session to ENDED. The transition is one-way: ending
// an already ended session is an error, and EndedAt is set exactly when
// the status flips.
func (s *ChatSession) End(at time.Time) error {
	if s.Status == SessionEnded {
		return ErrSessionEnded
	}
	s.Status = SessionEnded
	s.EndedAt = &at
	return nil
}
