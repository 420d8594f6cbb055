// Package notify turns bus events into user notifications and hands them to
// sinks. Delivery is fire-and-forget: a failing sink is logged and skipped.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/majitask/majitask/internal/events"
)

// MaxBody bounds the body length handed to sinks.
const MaxBody = 500

const sinkTimeout = 5 * time.Second

type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notification is one message for the user.
type Notification struct {
	Level  Level            `json:"level"`
	Title  string           `json:"title"`
	Body   string           `json:"body,omitempty"`
	Event  events.EventType `json:"event"`
	UserID string           `json:"user_id,omitempty"`
	At     time.Time        `json:"at"`
}

// Sink delivers notifications, e.g. by mail.
type Sink interface {
	Notify(ctx context.Context, n Notification) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, n Notification) error

func (f SinkFunc) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }

// LogSink writes notifications to the default logger.
type LogSink struct{}

func (LogSink) Notify(_ context.Context, n Notification) error {
	attrs := []any{"event", n.Event, "title", n.Title}
	if n.Body != "" {
		attrs = append(attrs, "body", n.Body)
	}
	switch n.Level {
	case LevelError:
		slog.Error("notification", attrs...)
	case LevelWarning:
		slog.Warn("notification", attrs...)
	default:
		slog.Info("notification", attrs...)
	}
	return nil
}

// Subscriber is the part of the bus the dispatcher needs.
type Subscriber interface {
	Subscribe(handler events.Subscriber, eventTypes ...events.EventType) func()
}

// Dispatcher listens on the bus and fans notifications out to sinks.
type Dispatcher struct {
	sinks       []Sink
	unsubscribe func()
}

// Watched lists the event types that produce notifications.
var Watched = []events.EventType{
	events.EventSyncCompleted,
	events.EventSyncFailed,
	events.EventMutationReverted,
	events.EventConnectivityChanged,
	events.EventMigrationImported,
}

// NewDispatcher subscribes to bus and delivers to sinks.
func NewDispatcher(bus Subscriber, sinks ...Sink) *Dispatcher {
	d := &Dispatcher{sinks: sinks}
	d.unsubscribe = bus.Subscribe(d.handle, Watched...)
	return d
}

// Close stops listening.
func (d *Dispatcher) Close() {
	if d.unsubscribe != nil {
		d.unsubscribe()
	}
}

func (d *Dispatcher) handle(e events.Event) {
	n, ok := Render(e)
	if !ok {
		return
	}
	for _, s := range d.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
		if err := s.Notify(ctx, n); err != nil {
			slog.Warn("notification not delivered", "event", e.Type, "error", err)
		}
		cancel()
	}
}

// Render builds the notification for e. Events that are not worth telling
// the user about (an empty sync, for example) yield false.
func Render(e events.Event) (Notification, bool) {
	n := Notification{Level: LevelInfo, Event: e.Type, UserID: e.UserID, At: e.Timestamp}
	switch e.Type {
	case events.EventSyncCompleted:
		p, ok := events.ExtractPayload[events.SyncCompletedPayload](e)
		if !ok || p.Skipped || p.Pushed+p.Pulled+p.Deleted == 0 {
			return n, false
		}
		n.Title = "Tasks synchronised"
		n.Body = fmt.Sprintf("%d pushed, %d imported, %d updated, %d pulled", p.Pushed, p.Imported, p.Updated, p.Pulled)
		if len(p.Conflicts) > 0 {
			n.Level = LevelWarning
			n.Body += fmt.Sprintf("; server copy kept for %s", strings.Join(p.Conflicts, ", "))
		}
	case events.EventSyncFailed:
		p, ok := events.ExtractPayload[events.SyncFailedPayload](e)
		if !ok {
			return n, false
		}
		n.Level, n.Title, n.Body = LevelError, "Synchronisation failed", p.Error
	case events.EventMutationReverted:
		p, ok := events.ExtractPayload[events.MutationRevertedPayload](e)
		if !ok {
			return n, false
		}
		n.Level = LevelError
		n.Title = fmt.Sprintf("Could not %s task", p.Mutation)
		n.Body = p.Error
	case events.EventConnectivityChanged:
		p, ok := events.ExtractPayload[events.ConnectivityChangedPayload](e)
		if !ok {
			return n, false
		}
		if p.Reachable {
			n.Title = "Back online"
		} else {
			n.Level, n.Title, n.Body = LevelWarning, "Working offline", p.Error
		}
	case events.EventMigrationImported:
		p, ok := events.ExtractPayload[events.MigrationImportedPayload](e)
		if !ok {
			return n, false
		}
		n.Title = "Import finished"
		n.Body = fmt.Sprintf("%d imported, %d updated, %d conflicts, %d errors", p.Imported, p.Updated, len(p.Conflicts), p.Errors)
		if p.Errors > 0 {
			n.Level = LevelWarning
		}
	default:
		return n, false
	}
	n.Body = truncate(n.Body, MaxBody)
	return n, true
}

func truncate(s string, maxLen int) string {
	if maxLen <= 0 || len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "... (truncated)"
}
