package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shopmono/livechat/internal/config"
	"github.com/shopmono/livechat/internal/logging"
)

// recordingNotifier accepts everything and remembers what it showed.
type recordingNotifier struct {
	mu    sync.Mutex
	shown []string
}

func (n *recordingNotifier) RequestPermission(context.Context) error { return nil }

func (n *recordingNotifier) Notify(_ context.Context, title, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.shown = append(n.shown, title+": "+body)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.shown)
}

func TestDispatcherUsesNativeNotificationsWhenPermitted(t *testing.T) {
	notifier := &recordingNotifier{}
	d := NewDispatcher(notifier, logging.Nop())
	d.RequestPermission(context.Background())

	d.Dispatch("sess-1", "Ada", "hello")

	assert.Equal(t, 1, notifier.count())
	select {
	case a := <-d.Alerts():
		t.Fatalf("no in-app alert expected, got %+v", a)
	default:
	}
}

func TestDispatcherFallsBackToAlerts(t *testing.T) {
	d := NewDispatcher(unavailableNotifier{}, logging.Nop())
	d.RequestPermission(context.Background())

	d.Dispatch("sess-1", "Ada", "hello")

	select {
	case a := <-d.Alerts():
		assert.Equal(t, "sess-1", a.SessionID)
		assert.Equal(t, "Ada", a.Title)
		assert.Equal(t, "hello", a.Body)
	case <-time.After(time.Second):
		t.Fatal("expected an in-app alert")
	}
}

func TestCommandNotifierDisabled(t *testing.T) {
	n := NewCommandNotifier(config.NotifyConfig{}, logging.Nop())
	require.ErrorIs(t, n.RequestPermission(context.Background()), ErrNotifyUnavailable)
	require.ErrorIs(t, n.Notify(context.Background(), "t", "b"), ErrNotifyUnavailable)
}

func TestCommandNotifierMissingBinary(t *testing.T) {
	n := NewCommandNotifier(config.NotifyConfig{Enabled: true, Command: "definitely-not-a-real-binary"}, logging.Nop())
	require.ErrorIs(t, n.RequestPermission(context.Background()), ErrNotifyUnavailable)
}

func TestCommandNotifierRuns(t *testing.T) {
	n := NewCommandNotifier(config.NotifyConfig{Enabled: true, Command: "true"}, logging.Nop())
	require.NoError(t, n.RequestPermission(context.Background()))
	require.NoError(t, n.Notify(context.Background(), "title", "body"))
}
