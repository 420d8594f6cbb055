// Package connectivity tracks whether the task API is reachable.
package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/majitask/majitask/internal/events"
)

const (
	DefaultInterval = 30 * time.Second
	DefaultTimeout  = 5 * time.Second
)

// Checker checks the remote endpoint once.
type Checker interface {
	Health(ctx context.Context) error
}

// CheckFunc adapts a function to Checker.
type CheckFunc func(ctx context.Context) error

func (f CheckFunc) Health(ctx context.Context) error { return f(ctx) }

// State is the last check outcome.
type State struct {
	// Known is false until the first check completes.
	Known     bool
	Reachable bool
	CheckedAt time.Time
	Err       string
}

// Options configures a Monitor.
type Options struct {
	// Target names the checked endpoint in logs and events.
	Target   string
	Interval time.Duration
	Timeout  time.Duration
	Bus      events.Publisher
}

// Monitor checks the remote endpoint periodically and on demand, and
// notifies listeners when reachability flips.
type Monitor struct {
	checker   Checker
	target   string
	interval time.Duration
	timeout  time.Duration
	bus      events.Publisher

	mu        sync.Mutex
	state     State
	listeners map[int]func(State)
	nextID    int

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor creates a monitor; call Start to begin periodic probing.
func NewMonitor(p Checker, opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Monitor{
		checker:    p,
		target:    opts.Target,
		interval:  opts.Interval,
		timeout:   opts.Timeout,
		bus:       opts.Bus,
		listeners: make(map[int]func(State)),
	}
}

// Start begins probing in a background goroutine. Calling Start on a
// running monitor is a no-op.
func (m *Monitor) Start() {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if m.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		m.Check(ctx)

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Check(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts checking and waits for an in-flight check. Calling Stop on a
// stopped monitor is a no-op.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	m.cancel = nil
}

// State returns the last check outcome.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Check runs a health check now and returns the new state.
func (m *Monitor) Check(ctx context.Context) State {
	pctx, cancel := context.WithTimeout(ctx, m.timeout)
	err := m.checker.Health(pctx)
	cancel()
	if ctx.Err() != nil {
		// Shutting down; keep the last known state.
		return m.State()
	}

	next := State{Known: true, Reachable: err == nil, CheckedAt: time.Now()}
	if err != nil {
		next.Err = err.Error()
	}

	m.mu.Lock()
	prev := m.state
	m.state = next
	changed := !prev.Known || prev.Reachable != next.Reachable
	var notify []func(State)
	if changed {
		for _, fn := range m.listeners {
			notify = append(notify, fn)
		}
	}
	m.mu.Unlock()

	if !changed {
		return next
	}

	if next.Reachable {
		slog.Info("remote reachable", "target", m.target)
	} else {
		slog.Warn("remote unreachable", "target", m.target, "error", next.Err)
	}
	if m.bus != nil {
		m.bus.Publish(events.NewTypedEvent(events.SourceMonitor, events.ConnectivityChangedPayload{
			Reachable: next.Reachable,
			Target:    m.target,
			Error:     next.Err,
		}))
	}
	for _, fn := range notify {
		fn(next)
	}
	return next
}

// OnChange registers fn to run after every reachability transition,
// including the first check. It returns an unregister function.
func (m *Monitor) OnChange(fn func(State)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}
