package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/shopmono/livechat/internal/domain"
)

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrDuplicateMessage = errors.New("message id already stored")
)

// previewLen bounds last_preview length in the session list.
const previewLen = 80

// SessionStore is the persistence capability the chat core depends on.
// The gateway only ever talks to this interface.
type SessionStore interface {
	CreateSession(participantID, displayName string) (*domain.ChatSession, error)
	GetSession(id string) (*domain.ChatSession, error)
	// ActiveSessionFor returns the participant's ACTIVE session, or
	// ErrSessionNotFound if they have none.
	ActiveSessionFor(participantID string) (*domain.ChatSession, error)
	ListActiveSessions() ([]domain.ChatSession, error)
	ListMessages(sessionID string) ([]domain.ChatMessage, error)
	// AppendMessage stores a message. A missing ID or CreatedAt is assigned
	// server-side. Re-appending an already stored ID returns
	// ErrDuplicateMessage and stores nothing.
	AppendMessage(msg domain.ChatMessage) (*domain.ChatMessage, error)
	IncrementUnread(sessionID, preview string) error
	MarkSessionRead(sessionID string) error
	EndSession(sessionID string) error
	DeleteSession(sessionID string) error
}

// SQLiteSessionStore implements SessionStore backed by SQLite.
type SQLiteSessionStore struct {
	db *DB
}

// NewSQLiteSessionStore creates a session store using the given database.
func NewSQLiteSessionStore(db *DB) *SQLiteSessionStore {
	return &SQLiteSessionStore{db: db}
}

func (s *SQLiteSessionStore) CreateSession(participantID, displayName string) (*domain.ChatSession, error) {
	if participantID == "" {
		return nil, fmt.Errorf("create session: empty participant id")
	}

	sess := domain.ChatSession{
		ID:              uuid.New().String(),
		ParticipantID:   participantID,
		ParticipantName: displayName,
		Status:          domain.SessionActive,
		StartedAt:       time.Now(),
	}

	_, err := s.db.sql.Exec(
		`INSERT INTO sessions (id, participant_id, display_name, status, started_at)
		 VALUES (?, ?, ?, ?, ?)`,
		sess.ID, sess.ParticipantID, sess.ParticipantName, string(sess.Status),
		sess.StartedAt.Format(time.DateTime),
	)
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	return &sess, nil
}

func (s *SQLiteSessionStore) GetSession(id string) (*domain.ChatSession, error) {
	row := s.db.sql.QueryRow(
		`SELECT id, participant_id, display_name, status, started_at, ended_at, last_preview, unread_count
		 FROM sessions WHERE id = ?`, id,
	)
	return scanSession(row)
}

func (s *SQLiteSessionStore) ActiveSessionFor(participantID string) (*domain.ChatSession, error) {
	row := s.db.sql.QueryRow(
		`SELECT id, participant_id, display_name, status, started_at, ended_at, last_preview, unread_count
		 FROM sessions WHERE participant_id = ? AND status = 'ACTIVE'
		 ORDER BY started_at DESC LIMIT 1`, participantID,
	)
	return scanSession(row)
}

func (s *SQLiteSessionStore) ListActiveSessions() ([]domain.ChatSession, error) {
	rows, err := s.db.sql.Query(
		`SELECT id, participant_id, display_name, status, started_at, ended_at, last_preview, unread_count
		 FROM sessions WHERE status = 'ACTIVE' ORDER BY started_at DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []domain.ChatSession
	for rows.Next() {
		sess, err := scanSessionRows(rows)
		if err != nil {
			continue
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

func (s *SQLiteSessionStore) ListMessages(sessionID string) ([]domain.ChatMessage, error) {
	rows, err := s.db.sql.Query(
		`SELECT id, session_id, sender_id, sender_name, sender_role, content, created_at
		 FROM messages WHERE session_id = ? ORDER BY created_at, id`, sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []domain.ChatMessage
	for rows.Next() {
		var m domain.ChatMessage
		var role, createdAt string
		if err := rows.Scan(&m.ID, &m.SessionID, &m.SenderID, &m.SenderName, &role, &m.Content, &createdAt); err != nil {
			continue
		}
		m.SenderRole = domain.Role(role)
		m.CreatedAt, _ = time.Parse(time.DateTime, createdAt)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *SQLiteSessionStore) AppendMessage(msg domain.ChatMessage) (*domain.ChatMessage, error) {
	sess, err := s.GetSession(msg.SessionID)
	if err != nil {
		return nil, err
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

	// Duplicate ids are idempotent at the storage layer. OR IGNORE makes
	// the primary-key check and the insert one atomic statement, so a
	// concurrent duplicate still comes back as ErrDuplicateMessage.
	res, err := s.db.sql.Exec(
		`INSERT OR IGNORE INTO messages (id, session_id, sender_id, sender_name, sender_role, content, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, msg.SenderID, msg.SenderName, string(msg.SenderRole),
		msg.Content, msg.CreatedAt.Format(time.DateTime),
	)
	if err != nil {
		return nil, fmt.Errorf("appending message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrDuplicateMessage
	}
	return &msg, nil
}

func (s *SQLiteSessionStore) IncrementUnread(sessionID, preview string) error {
	preview = domain.TruncatePreview(preview, previewLen)
	res, err := s.db.sql.Exec(
		`UPDATE sessions SET unread_count = unread_count + 1, last_preview = ? WHERE id = ?`,
		preview, sessionID,
	)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

func (s *SQLiteSessionStore) MarkSessionRead(sessionID string) error {
	res, err := s.db.sql.Exec(
		`UPDATE sessions SET unread_count = 0 WHERE id = ?`, sessionID,
	)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

func (s *SQLiteSessionStore) EndSession(sessionID string) error {
	sess, err := s.GetSession(sessionID)
	if err != nil {
		return err
	}
	if err := sess.End(time.Now()); err != nil {
		return err
	}

	_, err = s.db.sql.Exec(
		`UPDATE sessions SET status = 'ENDED', ended_at = ? WHERE id = ? AND status = 'ACTIVE'`,
		sess.EndedAt.Format(time.DateTime), sessionID,
	)
	return err
}

func (s *SQLiteSessionStore) DeleteSession(sessionID string) error {
	res, err := s.db.sql.Exec(`DELETE FROM sessions WHERE id = ?`, sessionID)
	if err != nil {
		return err
	}
	// messages cascade via the foreign key
	return checkAffected(res)
}

func checkAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.ChatSession, error) {
	sess, err := scanSessionRows(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	return sess, err
}

func scanSessionRows(row rowScanner) (*domain.ChatSession, error) {
	var sess domain.ChatSession
	var status, startedAt string
	var endedAt sql.NullString

	err := row.Scan(
		&sess.ID, &sess.ParticipantID, &sess.ParticipantName, &status,
		&startedAt, &endedAt, &sess.LastMessagePreview, &sess.UnreadCount,
	)
	if err != nil {
		return nil, err
	}

	sess.Status = domain.SessionStatus(status)
	sess.StartedAt, _ = time.Parse(time.DateTime, startedAt)
	if endedAt.Valid {
		t, _ := time.Parse(time.DateTime, endedAt.String)
		sess.EndedAt = &t
	}
	return &sess, nil
}
