package service

import (
	"context"

	"github.com/sirupsen/logrus"

	"wanderlink/internal/models"
)

// Listener receives everything the session reports. OnEvent runs on the
// goroutine that produced the event, so it must not block.
type Listener interface {
	OnEvent(ev models.SessionEvent)
}

// ListenerFunc adapts a function to Listener
type ListenerFunc func(ev models.SessionEvent)

func (f ListenerFunc) OnEvent(ev models.SessionEvent) {
	f(ev)
}

// Listeners fans one event out to several listeners
type Listeners []Listener

func (ls Listeners) OnEvent(ev models.SessionEvent) {
	for _, l := range ls {
		if l != nil {
			l.OnEvent(ev)
		}
	}
}

// LogListener writes session events to a logger
type LogListener struct {
	Logger  *logrus.Logger
	Verbose bool
}

func (l LogListener) OnEvent(ev models.SessionEvent) {
	logger := l.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	ctx := WithVerbose(context.Background(), l.Verbose)
	fields := logrus.Fields{LogFieldEvent: ev.Kind}
	if ev.PeerID != "" {
		fields[LogFieldPeerID] = SanitizeUserID(ctx, ev.PeerID)
	}
	if ev.RoomID != "" {
		fields[LogFieldRoomID] = SanitizeRoomID(ctx, ev.RoomID)
	}
	if ev.Status != "" {
		fields[LogFieldStatus] = ev.Status
	}

	entry := logger.WithFields(fields)
	switch ev.Kind {
	case models.EventTyping, models.EventPresence:
		entry.Debug("Session event")
	default:
		entry.Info("Session event")
	}
}

// Notifier shows toasts to the user
type Notifier interface {
	Notify(n models.Notification)
}

// NotifierFunc adapts a function to Notifier
type NotifierFunc func(n models.Notification)

func (f NotifierFunc) Notify(n models.Notification) {
	f(n)
}

// LogNotifier logs notifications at a level matching their severity
type LogNotifier struct {
	Logger *logrus.Logger
}

func (l LogNotifier) Notify(n models.Notification) {
	logger := l.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	entry := logger.WithFields(logrus.Fields{
		"level_hint": n.Level,
		"title":      n.Title,
	})
	switch n.Level {
	case models.NotificationError:
		entry.Error(n.Message)
	case models.NotificationWarning:
		entry.Warn(n.Message)
	default:
		entry.Info(n.Message)
	}
}
