package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/majitask/majitask/internal/events"
	"github.com/majitask/majitask/internal/task"
)

func TestRender(t *testing.T) {
	tests := []struct {
		name    string
		payload events.EventPayload
		ok      bool
		level   Level
		title   string
	}{
		{"empty sync", events.SyncCompletedPayload{}, false, "", ""},
		{"sync", events.SyncCompletedPayload{Pushed: 2, Imported: 2}, true, LevelInfo, "Tasks synchronised"},
		{"sync with conflicts", events.SyncCompletedPayload{Pushed: 1, Conflicts: []string{"abc"}}, true, LevelWarning, "Tasks synchronised"},
		{"sync failed", events.SyncFailedPayload{Kind: task.KindTransport, Error: "refused"}, true, LevelError, "Synchronisation failed"},
		{"reverted", events.MutationRevertedPayload{Mutation: "update", Kind: task.KindNotFound, Error: "gone"}, true, LevelError, "Could not update task"},
		{"offline", events.ConnectivityChangedPayload{Reachable: false, Error: "timeout"}, true, LevelWarning, "Working offline"},
		{"online", events.ConnectivityChangedPayload{Reachable: true}, true, LevelInfo, "Back online"},
		{"route", events.RouteChangedPayload{Remote: true}, false, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, ok := Render(events.NewTypedEvent(events.SourceSyncer, tt.payload))
			if ok != tt.ok {
				t.Fatalf("ok: got %v, want %v", ok, tt.ok)
			}
			if !ok {
				return
			}
			if n.Level != tt.level || n.Title != tt.title {
				t.Errorf("got %s %q", n.Level, n.Title)
			}
		})
	}
}

func TestRenderTruncatesBody(t *testing.T) {
	e := events.NewTypedEvent(events.SourceSyncer, events.SyncFailedPayload{Error: strings.Repeat("x", 2*MaxBody)})
	n, _ := Render(e)
	if !strings.HasSuffix(n.Body, "... (truncated)") || len(n.Body) != MaxBody+len("... (truncated)") {
		t.Errorf("body length %d", len(n.Body))
	}
}

func TestDispatcherDelivers(t *testing.T) {
	bus := events.NewBus(16)
	defer bus.Close()

	var mu sync.Mutex
	var got []Notification
	failing := SinkFunc(func(context.Context, Notification) error { return errors.New("smtp down") })
	recording := SinkFunc(func(_ context.Context, n Notification) error {
		mu.Lock()
		got = append(got, n)
		mu.Unlock()
		return nil
	})
	d := NewDispatcher(bus, failing, LogSink{}, recording)
	defer d.Close()

	bus.Publish(events.NewTypedEvent(events.SourceSyncer, events.SyncFailedPayload{Error: "boom"}))
	bus.Publish(events.NewTypedEvent(events.SourceGateway, events.TaskDeletedPayload{TaskID: "x"}))

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0].Body != "boom" {
		t.Fatalf("delivered: %+v", got)
	}
}
