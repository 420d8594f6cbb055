package connectivity

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/majitask/majitask/internal/events"
)

type fakeChecker struct {
	mu    sync.Mutex
	err   error
	calls atomic.Int32
}

func (f *fakeChecker) set(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeChecker) Health(context.Context) error {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestCheckTransitions(t *testing.T) {
	p := &fakeChecker{}
	rec := &recorder{}
	m := NewMonitor(p, Options{Target: "test", Bus: rec})

	if m.State().Known {
		t.Fatal("state known before first check")
	}

	var changes []bool
	m.OnChange(func(s State) { changes = append(changes, s.Reachable) })

	if s := m.Check(context.Background()); !s.Known || !s.Reachable {
		t.Fatalf("first check: %+v", s)
	}
	m.Check(context.Background())

	p.set(errors.New("connection refused"))
	s := m.Check(context.Background())
	if s.Reachable || s.Err == "" {
		t.Fatalf("failed check: %+v", s)
	}
	m.Check(context.Background())

	if len(changes) != 2 || !changes[0] || changes[1] {
		t.Errorf("listener saw %v, want [true false]", changes)
	}
	if rec.len() != 2 {
		t.Errorf("published %d events, want 2", rec.len())
	}
	payload, ok := events.ExtractPayload[events.ConnectivityChangedPayload](rec.events[1])
	if !ok || payload.Reachable || payload.Target != "test" {
		t.Errorf("payload: %+v", payload)
	}
}

func TestCheckTimesOut(t *testing.T) {
	slow := CheckFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	m := NewMonitor(slow, Options{Timeout: 20 * time.Millisecond})
	if s := m.Check(context.Background()); s.Reachable {
		t.Fatalf("slow check reported reachable: %+v", s)
	}
}

func TestStartStopIdempotent(t *testing.T) {
	p := &fakeChecker{}
	m := NewMonitor(p, Options{Interval: 5 * time.Millisecond})

	m.Start()
	m.Start()
	deadline := time.Now().Add(2 * time.Second)
	for p.calls.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	m.Stop()
	m.Stop()

	if p.calls.Load() < 3 {
		t.Fatalf("expected periodic checks, got %d", p.calls.Load())
	}
	after := p.calls.Load()
	time.Sleep(20 * time.Millisecond)
	if p.calls.Load() != after {
		t.Error("probing continued after Stop")
	}

	unregister := m.OnChange(func(State) { t.Error("unregistered listener called") })
	unregister()
	p.set(errors.New("down"))
	m.Check(context.Background())
}
