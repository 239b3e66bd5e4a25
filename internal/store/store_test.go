package store

import (
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/shopmono/livechat/internal/domain"
	"github.com/shopmono/livechat/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runBoth exercises a test against the SQLite and the in-memory backend.
func runBoth(t *testing.T, fn func(t *testing.T, s SessionStore)) {
	t.Helper()

	t.Run("sqlite", func(t *testing.T) {
		db, err := Open(":memory:", logging.Nop())
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })
		fn(t, NewSQLiteSessionStore(db))
	})

	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemorySessionStore())
	})
}

func TestCreateAndGetSession(t *testing.T) {
	runBoth(t, func(t *testing.T, s SessionStore) {
		sess, err := s.CreateSession("cust-1", "Ada")
		require.NoError(t, err)
		require.NotEmpty(t, sess.ID)
		assert.Equal(t, domain.SessionActive, sess.Status)
		assert.Zero(t, sess.UnreadCount)

		got, err := s.GetSession(sess.ID)
		require.NoError(t, err)
		assert.Equal(t, "cust-1", got.ParticipantID)
		assert.Equal(t, "Ada", got.ParticipantName)
		assert.Nil(t, got.EndedAt)
	})
}

func TestGetSessionNotFound(t *testing.T) {
	runBoth(t, func(t *testing.T, s SessionStore) {
		_, err := s.GetSession("nope")
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})
}

func TestActiveSessionFor(t *testing.T) {
	runBoth(t, func(t *testing.T, s SessionStore) {
		_, err := s.ActiveSessionFor("cust-1")
		assert.ErrorIs(t, err, ErrSessionNotFound)

		sess, err := s.CreateSession("cust-1", "Ada")
		require.NoError(t, err)

		got, err := s.ActiveSessionFor("cust-1")
		require.NoError(t, err)
		assert.Equal(t, sess.ID, got.ID)

		// an ended session no longer counts as active
		require.NoError(t, s.EndSession(sess.ID))
		_, err = s.ActiveSessionFor("cust-1")
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})
}

func TestAppendAndListMessages(t *testing.T) {
	runBoth(t, func(t *testing.T, s SessionStore) {
		sess, err := s.CreateSession("cust-1", "Ada")
		require.NoError(t, err)

		first, err := s.AppendMessage(domain.ChatMessage{
			SessionID:  sess.ID,
			SenderID:   "cust-1",
			SenderRole: domain.RoleCustomer,
			Content:    "hello",
		})
		require.NoError(t, err)
		assert.NotEmpty(t, first.ID, "store assigns missing ids")
		assert.False(t, first.CreatedAt.IsZero())

		_, err = s.AppendMessage(domain.ChatMessage{
			ID:         "m2",
			SessionID:  sess.ID,
			SenderID:   "staff-1",
			SenderRole: domain.RoleStaff,
			Content:    "hi, how can I help?",
			CreatedAt:  time.Now(),
		})
		require.NoError(t, err)

		msgs, err := s.ListMessages(sess.ID)
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, "hello", msgs[0].Content)
		assert.Equal(t, domain.RoleStaff, msgs[1].SenderRole)
	})
}

func TestAppendMessageDuplicateID(t *testing.T) {
	runBoth(t, func(t *testing.T, s SessionStore) {
		sess, err := s.CreateSession("cust-1", "Ada")
		require.NoError(t, err)

		msg := domain.ChatMessage{
			ID:         "m1",
			SessionID:  sess.ID,
			SenderID:   "cust-1",
			SenderRole: domain.RoleCustomer,
			Content:    "hello",
		}
		_, err = s.AppendMessage(msg)
		require.NoError(t, err)

		_, err = s.AppendMessage(msg)
		assert.ErrorIs(t, err, ErrDuplicateMessage)

		msgs, err := s.ListMessages(sess.ID)
		require.NoError(t, err)
		assert.Len(t, msgs, 1, "applying the same id twice stores exactly one message")
	})
}

func TestAppendMessageConcurrentDuplicate(t *testing.T) {
	runBoth(t, func(t *testing.T, s SessionStore) {
		sess, err := s.CreateSession("cust-1", "Ada")
		require.NoError(t, err)

		msg := domain.ChatMessage{
			ID:         "contested-id",
			SessionID:  sess.ID,
			SenderID:   "cust-1",
			SenderRole: domain.RoleCustomer,
			Content:    "hello",
		}

		const writers = 8
		errs := make(chan error, writers)
		for i := 0; i < writers; i++ {
			go func() {
				_, err := s.AppendMessage(msg)
				errs <- err
			}()
		}

		var stored, dups int
		for i := 0; i < writers; i++ {
			switch err := <-errs; {
			case err == nil:
				stored++
			case errors.Is(err, ErrDuplicateMessage):
				dups++
			default:
				t.Errorf("racing append returned %v", err)
			}
		}
		assert.Equal(t, 1, stored)
		assert.Equal(t, writers-1, dups)

		msgs, err := s.ListMessages(sess.ID)
		require.NoError(t, err)
		assert.Len(t, msgs, 1)
	})
}

func TestAppendMessageRequiresSession(t *testing.T) {
	runBoth(t, func(t *testing.T, s SessionStore) {
		_, err := s.AppendMessage(domain.ChatMessage{
			ID:         "m1",
			SessionID:  "ghost",
			SenderID:   "cust-1",
			SenderRole: domain.RoleCustomer,
			Content:    "hello",
		})
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})
}

func TestAppendMessageToEndedSession(t *testing.T) {
	runBoth(t, func(t *testing.T, s SessionStore) {
		sess, err := s.CreateSession("cust-1", "Ada")
		require.NoError(t, err)
		require.NoError(t, s.EndSession(sess.ID))

		_, err = s.AppendMessage(domain.ChatMessage{
			ID:         "m1",
			SessionID:  sess.ID,
			SenderID:   "cust-1",
			SenderRole: domain.RoleCustomer,
			Content:    "anyone there?",
		})
		assert.ErrorIs(t, err, domain.ErrSessionEnded)
	})
}

func TestUnreadCounting(t *testing.T) {
	runBoth(t, func(t *testing.T, s SessionStore) {
		sess, err := s.CreateSession("cust-1", "Ada")
		require.NoError(t, err)

		require.NoError(t, s.IncrementUnread(sess.ID, "first"))
		require.NoError(t, s.IncrementUnread(sess.ID, "second"))

		got, err := s.GetSession(sess.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, got.UnreadCount)
		assert.Equal(t, "second", got.LastMessagePreview)

		require.NoError(t, s.MarkSessionRead(sess.ID))
		got, err = s.GetSession(sess.ID)
		require.NoError(t, err)
		assert.Equal(t, 0, got.UnreadCount)
	})
}

func TestUnreadPreviewClampKeepsValidUTF8(t *testing.T) {
	runBoth(t, func(t *testing.T, s SessionStore) {
		sess, err := s.CreateSession("cust-1", "Ada")
		require.NoError(t, err)

		// An emoji straddling the clamp boundary is dropped whole.
		long := strings.Repeat("a", 79) + "🙂"
		require.NoError(t, s.IncrementUnread(sess.ID, long))

		got, err := s.GetSession(sess.ID)
		require.NoError(t, err)
		assert.Equal(t, strings.Repeat("a", 79), got.LastMessagePreview)
		assert.True(t, utf8.ValidString(got.LastMessagePreview))
	})
}

func TestMarkReadUnknownSession(t *testing.T) {
	runBoth(t, func(t *testing.T, s SessionStore) {
		assert.ErrorIs(t, s.MarkSessionRead("ghost"), ErrSessionNotFound)
		assert.ErrorIs(t, s.IncrementUnread("ghost", "x"), ErrSessionNotFound)
	})
}

func TestEndSessionIsOneWay(t *testing.T) {
	runBoth(t, func(t *testing.T, s SessionStore) {
		sess, err := s.CreateSession("cust-1", "Ada")
		require.NoError(t, err)

		require.NoError(t, s.EndSession(sess.ID))

		got, err := s.GetSession(sess.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.SessionEnded, got.Status)
		require.NotNil(t, got.EndedAt)

		assert.ErrorIs(t, s.EndSession(sess.ID), domain.ErrSessionEnded)
	})
}

func TestDeleteSessionCascades(t *testing.T) {
	runBoth(t, func(t *testing.T, s SessionStore) {
		sess, err := s.CreateSession("cust-1", "Ada")
		require.NoError(t, err)

		_, err = s.AppendMessage(domain.ChatMessage{
			ID:         "m1",
			SessionID:  sess.ID,
			SenderID:   "cust-1",
			SenderRole: domain.RoleCustomer,
			Content:    "hello",
		})
		require.NoError(t, err)

		require.NoError(t, s.DeleteSession(sess.ID))

		_, err = s.GetSession(sess.ID)
		assert.ErrorIs(t, err, ErrSessionNotFound)

		msgs, err := s.ListMessages(sess.ID)
		require.NoError(t, err)
		assert.Empty(t, msgs, "a session's messages are destroyed with it")

		assert.ErrorIs(t, s.DeleteSession(sess.ID), ErrSessionNotFound)
	})
}

func TestListActiveSessionsNewestFirst(t *testing.T) {
	runBoth(t, func(t *testing.T, s SessionStore) {
		older, err := s.CreateSession("cust-1", "Ada")
		require.NoError(t, err)
		time.Sleep(1100 * time.Millisecond) // datetime() has second resolution
		newer, err := s.CreateSession("cust-2", "Bob")
		require.NoError(t, err)

		ended, err := s.CreateSession("cust-3", "Eve")
		require.NoError(t, err)
		require.NoError(t, s.EndSession(ended.ID))

		sessions, err := s.ListActiveSessions()
		require.NoError(t, err)
		require.Len(t, sessions, 2)
		assert.Equal(t, newer.ID, sessions[0].ID)
		assert.Equal(t, older.ID, sessions[1].ID)
	})
}
