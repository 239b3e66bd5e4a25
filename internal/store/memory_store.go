package store

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shopmono/livechat/internal/domain"
)

// MemorySessionStore is an in-memory SessionStore. Used for tests and for
// running the gateway without durable storage.
type MemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]*domain.ChatSession
	messages map[string][]domain.ChatMessage // sessionID → ordered messages
	seen     map[string]bool                 // messageID → stored
}

// NewMemorySessionStore creates an empty in-memory store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions: make(map[string]*domain.ChatSession),
		messages: make(map[string][]domain.ChatMessage),
		seen:     make(map[string]bool),
	}
}

func (s *MemorySessionStore) CreateSession(participantID, displayName string) (*domain.ChatSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := &domain.ChatSession{
		ID:              uuid.New().String(),
		ParticipantID:   participantID,
		ParticipantName: displayName,
		Status:          domain.SessionActive,
		StartedAt:       time.Now(),
	}
	s.sessions[sess.ID] = sess
	return copySession(sess), nil
}

func (s *MemorySessionStore) GetSession(id string) (*domain.ChatSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return copySession(sess), nil
}

func (s *MemorySessionStore) ActiveSessionFor(participantID string) (*domain.ChatSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *domain.ChatSession
	for _, sess := range s.sessions {
		if sess.ParticipantID != participantID || !sess.Active() {
			continue
		}
		if latest == nil || sess.StartedAt.After(latest.StartedAt) {
			latest = sess
		}
	}
	if latest == nil {
		return nil, ErrSessionNotFound
	}
	return copySession(latest), nil
}

func (s *MemorySessionStore) ListActiveSessions() ([]domain.ChatSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.ChatSession
	for _, sess := range s.sessions {
		if sess.Active() {
			out = append(out, *sess)
		}
	}
	// newest first, matching the SQLite ordering
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].StartedAt.After(out[i].StartedAt) {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out, nil
}

func (s *MemorySessionStore) ListMessages(sessionID string) ([]domain.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.messages[sessionID]
	out := make([]domain.ChatMessage, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (s *MemorySessionStore) AppendMessage(msg domain.ChatMessage) (*domain.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[msg.SessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if !sess.Active() {
		return nil, domain.ErrSessionEnded
	}

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if s.seen[msg.ID] {
		return nil, ErrDuplicateMessage
	}

	s.seen[msg.ID] = true
	s.messages[msg.SessionID] = append(s.messages[msg.SessionID], msg)
	return &msg, nil
}

func (s *MemorySessionStore) IncrementUnread(sessionID, preview string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	preview = domain.TruncatePreview(preview, previewLen)
	sess.UnreadCount++
	sess.LastMessagePreview = preview
	return nil
}

func (s *MemorySessionStore) MarkSessionRead(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	sess.UnreadCount = 0
	return nil
}

func (s *MemorySessionStore) EndSession(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	return sess.End(time.Now())
}

func (s *MemorySessionStore) DeleteSession(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return ErrSessionNotFound
	}
	for _, m := range s.messages[sessionID] {
		delete(s.seen, m.ID)
	}
	delete(s.sessions, sessionID)
	delete(s.messages, sessionID)
	return nil
}

func copySession(s *domain.ChatSession) *domain.ChatSession {
	dup := *s
	if s.EndedAt != nil {
		t := *s.EndedAt
		dup.EndedAt = &t
	}
	return &dup
}
