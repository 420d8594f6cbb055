// Package storage persists bus events for auditing.
package storage

import (
	"log/slog"
	"path/filepath"
	"regexp"

	"github.com/majitask/majitask/internal/events"
	"github.com/majitask/majitask/internal/storage/kvstore"
)

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// EventLogger persists bus events to JSONL files organized by user.
type EventLogger struct {
	dir         string
	bus         *events.Bus
	unsubscribe func()
}

// NewEventLogger creates an EventLogger that subscribes to all bus events
// and writes them as JSONL to dir, one file per user.
func NewEventLogger(dir string, bus *events.Bus) *EventLogger {
	el := &EventLogger{
		dir: dir,
		bus: bus,
	}
	el.unsubscribe = bus.Subscribe(el.handleEvent)
	return el
}

// Close unsubscribes the logger from the event bus.
func (el *EventLogger) Close() {
	if el.unsubscribe != nil {
		el.unsubscribe()
	}
}

func (el *EventLogger) handleEvent(e events.Event) {
	// Route changes are derived from connectivity changes, which are logged.
	if e.Type == events.EventRouteChanged {
		return
	}
	if err := kvstore.AppendJSONL(el.LogPath(e.UserID), e); err != nil {
		slog.Warn("event log write failed", "type", e.Type, "error", err)
	}
}

// LogPath returns the file events of userID are written to.
func (el *EventLogger) LogPath(userID string) string {
	if userID == "" {
		return filepath.Join(el.dir, "_global.jsonl")
	}
	return filepath.Join(el.dir, unsafeName.ReplaceAllString(userID, "_")+".jsonl")
}

// Load reads back the events logged for userID.
func (el *EventLogger) Load(userID string) ([]events.Event, error) {
	return kvstore.LoadJSONL[events.Event](el.LogPath(userID))
}
