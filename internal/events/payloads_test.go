package events

import (
	"testing"
	"time"

	"github.com/majitask/majitask/internal/task"
)

func TestTypedEvent_TaskUpdated(t *testing.T) {
	payload := TaskUpdatedPayload{
		Task:   task.Task{ID: "t1", Title: "write report", Status: task.StatusInProgress, Progress: 40},
		Fields: []string{"progress", "status"},
	}
	evt := NewTypedEvent(SourceGateway, payload)

	if evt.Type != EventTaskUpdated {
		t.Fatalf("expected type %q, got %q", EventTaskUpdated, evt.Type)
	}
	got, ok := ExtractPayload[TaskUpdatedPayload](evt)
	if !ok {
		t.Fatal("ExtractPayload returned false")
	}
	if got.Task.ID != "t1" || got.Task.Status != task.StatusInProgress || got.Task.Progress != 40 {
		t.Fatalf("unexpected task: %+v", got.Task)
	}
	if len(got.Fields) != 2 {
		t.Fatalf("expected 2 fields, got %v", got.Fields)
	}
}

func TestTypedEvent_SyncCompleted(t *testing.T) {
	payload := SyncCompletedPayload{
		Pushed:    3,
		Imported:  1,
		Updated:   1,
		Conflicts: []string{"t9"},
		Pulled:    12,
		Duration:  1500 * time.Millisecond,
	}
	evt := NewTypedEventForUser(SourceSyncer, payload, "alice")

	if evt.UserID != "alice" {
		t.Fatalf("expected user alice, got %q", evt.UserID)
	}
	got, ok := ExtractPayload[SyncCompletedPayload](evt)
	if !ok {
		t.Fatal("ExtractPayload returned false")
	}
	if got.Pushed != 3 || got.Pulled != 12 || len(got.Conflicts) != 1 {
		t.Fatalf("unexpected payload: %+v", got)
	}
	if got.Duration != 1500*time.Millisecond {
		t.Fatalf("expected duration 1.5s, got %v", got.Duration)
	}
}

func TestTypedEvent_MutationReverted(t *testing.T) {
	evt := NewTypedEvent(SourceOptimistic, MutationRevertedPayload{
		Mutation: "update",
		TaskID:   "t1",
		Kind:     task.KindConflict,
		Error:    "title taken",
	})
	got, ok := ExtractPayload[MutationRevertedPayload](evt)
	if !ok {
		t.Fatal("ExtractPayload returned false")
	}
	if got.Kind != task.KindConflict || got.Mutation != "update" {
		t.Fatalf("unexpected payload: %+v", got)
	}
}

func TestExtractPayload_WrongType(t *testing.T) {
	evt := NewTypedEvent(SourceMonitor, ConnectivityChangedPayload{Reachable: true, Target: "http://x"})
	if _, ok := ExtractPayload[SyncFailedPayload](evt); ok {
		t.Fatal("expected ExtractPayload to reject a payload of another type")
	}
	got, ok := ExtractPayload[ConnectivityChangedPayload](evt)
	if !ok || !got.Reachable || got.Target != "http://x" {
		t.Fatalf("unexpected payload: %+v", got)
	}
}
