package client

import (
	"sync"
	"time"

	"github.com/shopmono/livechat/internal/domain"
	"github.com/shopmono/livechat/internal/logging"
	"github.com/shopmono/livechat/internal/protocol"
)

// deletedViewLinger is how long a deleted session's transcript stays on
// screen (with its closing system message) before the view clears.
var deletedViewLinger = 3 * time.Second

// ViewMessage is a transcript entry. Pending marks an optimistic local
// insert whose server echo has not arrived yet.
type ViewMessage struct {
	domain.ChatMessage
	Pending bool
}

// SessionList is the staff-facing session cache: ordered session metadata,
// unread counts, the focused transcript, and the routing decisions for
// inbound chat frames. All mutation happens on the supervisor's frame
// stream plus the Focus/Refresh entry points, serialized by one mutex.
type SessionList struct {
	mu       sync.Mutex
	api      SessionAPI
	dedup    *Deduplicator
	dispatch *Dispatcher
	log      *logging.Logger

	sessions []*domain.ChatSession // head = newest
	focused  string
	view     []ViewMessage
	pending  map[string]struct{} // optimistic message ids awaiting echo
}

// NewSessionList builds an empty list over the given collaborators.
func NewSessionList(api SessionAPI, dedup *Deduplicator, dispatch *Dispatcher, log *logging.Logger) *SessionList {
	return &SessionList{
		api:      api,
		dedup:    dedup,
		dispatch: dispatch,
		log:      log.Sub("sessions"),
		pending:  make(map[string]struct{}),
	}
}

// Sessions returns a copy of the current session list, newest first.
func (l *SessionList) Sessions() []domain.ChatSession {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.ChatSession, len(l.sessions))
	for i, s := range l.sessions {
		out[i] = *s
	}
	return out
}

// Focused returns the focused session id, or "".
func (l *SessionList) Focused() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.focused
}

// View returns a copy of the focused transcript.
func (l *SessionList) View() []ViewMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ViewMessage(nil), l.view...)
}

func (l *SessionList) find(sessionID string) *domain.ChatSession {
	for _, s := range l.sessions {
		if s.ID == sessionID {
			return s
		}
	}
	return nil
}

// Apply routes one inbound CHAT_MESSAGE frame. Duplicates confirm a
// pending optimistic insert or are dropped outright; fresh messages land
// in the focused transcript or bump the owning session's unread count.
// Frames for unknown sessions synthesize a session entry when the sender
// is a customer and are discarded otherwise.
func (l *SessionList) Apply(f protocol.Frame) {
	msg := f.Message()

	l.mu.Lock()

	if !l.dedup.Observe(msg.SessionID, msg.ID) {
		if _, ok := l.pending[msg.ID]; ok {
			delete(l.pending, msg.ID)
			l.confirmLocked(msg.ID)
			l.mu.Unlock()
			return
		}
		l.mu.Unlock()
		l.log.Debug().Str("messageId", msg.ID).Msg("duplicate frame dropped")
		return
	}

	sess := l.find(msg.SessionID)
	switch {
	case sess != nil && l.focused == sess.ID:
		l.view = append(l.view, ViewMessage{ChatMessage: msg})
		sess.LastMessagePreview = msg.Preview(80)
		l.mu.Unlock()
		// Focused means read: the counter never rises while on screen.
		if err := l.api.MarkSessionRead(msg.SessionID); err != nil {
			l.log.Warn().Err(err).Str("sessionId", msg.SessionID).Msg("mark read failed")
		}
		return

	case sess != nil:
		sess.UnreadCount++
		sess.LastMessagePreview = msg.Preview(80)
		l.mu.Unlock()
		l.dispatch.Dispatch(msg.SessionID, msg.SenderName, msg.Content)
		return

	case msg.SenderRole == domain.RoleCustomer:
		// First sight of this session: show something immediately, then
		// reconcile the synthesized record against the store.
		l.sessions = append([]*domain.ChatSession{{
			ID:                 msg.SessionID,
			ParticipantID:      msg.SenderID,
			ParticipantName:    msg.SenderName,
			Status:             domain.SessionActive,
			StartedAt:          msg.CreatedAt,
			LastMessagePreview: msg.Preview(80),
			UnreadCount:        1,
		}}, l.sessions...)
		l.mu.Unlock()
		l.dispatch.Dispatch(msg.SessionID, msg.SenderName, msg.Content)
		go l.Refresh()
		return

	default:
		l.mu.Unlock()
		l.log.Warn().
			Str("sessionId", msg.SessionID).
			Str("senderRole", string(msg.SenderRole)).
			Msg("dropping message for unknown session from non-customer")
	}
}

// confirmLocked flips a pending transcript entry to confirmed.
func (l *SessionList) confirmLocked(messageID string) {
	for i := range l.view {
		if l.view[i].ID == messageID {
			l.view[i].Pending = false
			return
		}
	}
}

// AppendLocal records an optimistic local insert in the focused transcript
// before the frame goes out. The eventual server echo confirms it via
// Apply's duplicate path.
func (l *SessionList) AppendLocal(msg domain.ChatMessage) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dedup.Observe(msg.SessionID, msg.ID)
	l.pending[msg.ID] = struct{}{}
	if l.focused == msg.SessionID {
		l.view = append(l.view, ViewMessage{ChatMessage: msg, Pending: true})
	}
}

// Focus opens a session: its unread count drops to zero, exactly one
// mark-read call is issued, and the transcript is loaded from the store.
func (l *SessionList) Focus(sessionID string) error {
	l.mu.Lock()
	if l.focused == sessionID {
		l.mu.Unlock()
		return nil
	}
	l.focused = sessionID
	l.view = nil
	if sess := l.find(sessionID); sess != nil {
		sess.UnreadCount = 0
	}
	l.mu.Unlock()

	if err := l.api.MarkSessionRead(sessionID); err != nil {
		l.log.Warn().Err(err).Str("sessionId", sessionID).Msg("mark read failed")
	}

	messages, err := l.api.ListMessages(sessionID)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.focused != sessionID {
		// Focus moved while loading; discard the stale transcript.
		return nil
	}
	l.view = l.view[:0]
	for _, m := range messages {
		l.dedup.Observe(m.SessionID, m.ID)
		l.view = append(l.view, ViewMessage{ChatMessage: m})
	}
	return nil
}

// Blur leaves the focused session without focusing another.
func (l *SessionList) Blur() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.focused = ""
	l.view = nil
}

// Refresh replaces the cached list with the store's view of active
// sessions. The focused session's counter stays at zero locally even if
// the store's copy lags the last mark-read.
func (l *SessionList) Refresh() {
	sessions, err := l.api.ListActiveSessions()
	if err != nil {
		l.log.Warn().Err(err).Msg("session list refresh failed")
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	fresh := make([]*domain.ChatSession, len(sessions))
	for i := range sessions {
		s := sessions[i]
		if s.ID == l.focused {
			s.UnreadCount = 0
		}
		fresh[i] = &s
	}
	l.sessions = fresh
}

// HandleSessionDeleted removes a session from the list. If it is on
// screen, a closing system message is appended and the view clears after a
// short linger instead of vanishing mid-read.
func (l *SessionList) HandleSessionDeleted(sessionID string) {
	l.mu.Lock()
	for i, s := range l.sessions {
		if s.ID == sessionID {
			l.sessions = append(l.sessions[:i], l.sessions[i+1:]...)
			break
		}
	}
	focused := l.focused == sessionID
	if focused {
		l.view = append(l.view, ViewMessage{ChatMessage: domain.ChatMessage{
			SessionID:  sessionID,
			SenderRole: domain.RoleSystem,
			Content:    "This conversation has been deleted.",
			CreatedAt:  time.Now(),
		}})
	}
	l.mu.Unlock()

	l.dedup.Forget(sessionID)
	if !focused {
		return
	}
	time.AfterFunc(deletedViewLinger, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.focused == sessionID {
			l.focused = ""
			l.view = nil
		}
	})
}
