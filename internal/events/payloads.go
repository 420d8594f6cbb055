package events

import (
	"encoding/json"
	"time"

	"github.com/majitask/majitask/internal/task"
)

// EventPayload is the interface all typed payloads implement.
type EventPayload interface {
	EventType() EventType
}

// =============================================================================
// TASK EVENTS
// =============================================================================

type TaskCreatedPayload struct {
	Task task.Task `json:"task"`
}

func (TaskCreatedPayload) EventType() EventType { return EventTaskCreated }

type TaskUpdatedPayload struct {
	Task   task.Task `json:"task"`
	Fields []string  `json:"fields,omitempty"`
}

func (TaskUpdatedPayload) EventType() EventType { return EventTaskUpdated }

type TaskDeletedPayload struct {
	TaskID string `json:"task_id"`
}

func (TaskDeletedPayload) EventType() EventType { return EventTaskDeleted }

type CommentAddedPayload struct {
	Comment task.Comment `json:"comment"`
}

func (CommentAddedPayload) EventType() EventType { return EventCommentAdded }

// =============================================================================
// SYNC EVENTS
// =============================================================================

type SyncStartedPayload struct {
	Pending int `json:"pending"`
}

func (SyncStartedPayload) EventType() EventType { return EventSyncStarted }

type SyncCompletedPayload struct {
	Pushed    int           `json:"pushed"`
	Imported  int           `json:"imported"`
	Updated   int           `json:"updated"`
	Conflicts []string      `json:"conflicts,omitempty"`
	Errors    int           `json:"errors"`
	Pulled    int           `json:"pulled"`
	Deleted   int           `json:"deleted,omitempty"`
	Duration  time.Duration `json:"duration"`
	Skipped   bool          `json:"skipped,omitempty"`
}

func (SyncCompletedPayload) EventType() EventType { return EventSyncCompleted }

type SyncFailedPayload struct {
	Kind  task.Kind `json:"kind"`
	Error string    `json:"error"`
}

func (SyncFailedPayload) EventType() EventType { return EventSyncFailed }

type MigrationImportedPayload struct {
	Imported  int      `json:"imported"`
	Updated   int      `json:"updated"`
	Conflicts []string `json:"conflicts,omitempty"`
	Errors    int      `json:"errors"`
}

func (MigrationImportedPayload) EventType() EventType { return EventMigrationImported }

// =============================================================================
// CLIENT RUNTIME EVENTS
// =============================================================================

type ConnectivityChangedPayload struct {
	Reachable bool   `json:"reachable"`
	Target    string `json:"target"`
	Error     string `json:"error,omitempty"`
}

func (ConnectivityChangedPayload) EventType() EventType { return EventConnectivityChanged }

type RouteChangedPayload struct {
	Remote  bool   `json:"remote"`
	Adapter string `json:"adapter"`
	Reason  string `json:"reason"`
}

func (RouteChangedPayload) EventType() EventType { return EventRouteChanged }

type MutationRevertedPayload struct {
	Mutation string    `json:"mutation"`
	TaskID   string    `json:"task_id,omitempty"`
	Kind     task.Kind `json:"kind"`
	Error    string    `json:"error"`
}

func (MutationRevertedPayload) EventType() EventType { return EventMutationReverted }

// =============================================================================
// TYPED EVENT CONSTRUCTORS
// =============================================================================

func NewTypedEvent(source EventSource, payload EventPayload) Event {
	return Event{
		ID:        generateEventID(),
		Type:      payload.EventType(),
		Timestamp: time.Now(),
		Source:    source,
		Payload:   toMap(payload),
	}
}

func NewTypedEventForUser(source EventSource, payload EventPayload, userID string) Event {
	e := NewTypedEvent(source, payload)
	e.UserID = userID
	return e
}

func toMap(v any) map[string]any {
	var result map[string]any
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return result
}

// =============================================================================
// TYPED PAYLOAD EXTRACTORS
// =============================================================================

func ExtractPayload[T EventPayload](e Event) (T, bool) {
	var result T
	if e.Type != result.EventType() {
		return result, false
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return result, false
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return result, false
	}
	return result, true
}
