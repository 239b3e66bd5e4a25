package client

import (
	"context"
	"errors"
	"os/exec"
	"sync"
	"time"

	"github.com/shopmono/livechat/internal/config"
	"github.com/shopmono/livechat/internal/logging"
)

// Notifier is the local notification capability, when the platform has one.
type Notifier interface {
	RequestPermission(ctx context.Context) error
	Notify(ctx context.Context, title, body string) error
}

// ErrNotifyUnavailable means no notification command is configured.
var ErrNotifyUnavailable = errors.New("notifications unavailable")

// CommandNotifier delivers notifications by shelling out to a configured
// command (notify-send, osascript, terminal-notifier). The title and body
// are passed as arguments.
type CommandNotifier struct {
	cfg config.NotifyConfig
	log *logging.Logger
}

// NewCommandNotifier builds a notifier from config.
func NewCommandNotifier(cfg config.NotifyConfig, log *logging.Logger) *CommandNotifier {
	return &CommandNotifier{cfg: cfg, log: log.Sub("notify")}
}

// RequestPermission verifies the configured command exists on PATH.
func (n *CommandNotifier) RequestPermission(ctx context.Context) error {
	if !n.cfg.Enabled || n.cfg.Command == "" {
		return ErrNotifyUnavailable
	}
	if _, err := exec.LookPath(n.cfg.Command); err != nil {
		return ErrNotifyUnavailable
	}
	return nil
}

func (n *CommandNotifier) Notify(ctx context.Context, title, body string) error {
	if !n.cfg.Enabled || n.cfg.Command == "" {
		return ErrNotifyUnavailable
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, n.cfg.Command, title, body)
	if err := cmd.Run(); err != nil {
		n.log.Warn().Err(err).Str("command", n.cfg.Command).Msg("notification command failed")
		return err
	}
	return nil
}

// Alert is the in-app fallback when native notifications are unavailable
// or denied: a transient banner offering a direct jump to the session.
type Alert struct {
	SessionID string
	Title     string
	Body      string
	At        time.Time
}

// Dispatcher turns unread increments into at most one user-facing signal
// each: a native notification when permitted, an in-app alert otherwise.
type Dispatcher struct {
	notifier Notifier
	log      *logging.Logger

	mu        sync.Mutex
	permitted bool
	alerts    chan Alert
}

// NewDispatcher wires a dispatcher over the given notifier.
func NewDispatcher(notifier Notifier, log *logging.Logger) *Dispatcher {
	return &Dispatcher{
		notifier: notifier,
		log:      log.Sub("dispatch"),
		alerts:   make(chan Alert, 32),
	}
}

// RequestPermission asks the notifier once and remembers the answer.
func (d *Dispatcher) RequestPermission(ctx context.Context) {
	err := d.notifier.RequestPermission(ctx)
	d.mu.Lock()
	d.permitted = err == nil
	d.mu.Unlock()
	if err != nil {
		d.log.Debug().Err(err).Msg("native notifications disabled, using in-app alerts")
	}
}

// Alerts exposes the in-app fallback stream. Consumers that act on an
// alert call SessionList.Focus with its SessionID, which clears the unread
// count and marks the session read.
func (d *Dispatcher) Alerts() <-chan Alert {
	return d.alerts
}

// Dispatch emits exactly one signal for one unread increment.
func (d *Dispatcher) Dispatch(sessionID, senderName, content string) {
	d.mu.Lock()
	permitted := d.permitted
	d.mu.Unlock()

	if permitted {
		if err := d.notifier.Notify(context.Background(), senderName, content); err == nil {
			return
		}
		// Fall through to the in-app alert on delivery failure.
	}

	select {
	case d.alerts <- Alert{SessionID: sessionID, Title: senderName, Body: content, At: time.Now()}:
	default:
		d.log.Debug().Str("sessionId", sessionID).Msg("alert queue full, dropping")
	}
}
