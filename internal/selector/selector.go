// Package selector decides, per call, which task backend serves a request.
package selector

import (
	"context"
	"log/slog"
	"sync"

	"github.com/majitask/majitask/internal/connectivity"
	"github.com/majitask/majitask/internal/events"
	"github.com/majitask/majitask/internal/task"
)

// Reasons reported on a Route.
const (
	ReasonOnline       = "remote reachable and authenticated"
	ReasonNoRemote     = "no remote configured"
	ReasonUnreachable  = "remote unreachable"
	ReasonUnauthorized = "no access token"
	ReasonNotYetChecked = "remote not checked yet"
)

// Route is the outcome of one selection.
type Route struct {
	Remote  bool
	Adapter task.Adapter
	Reason  string
}

// Connectivity reports remote reachability.
type Connectivity interface {
	State() connectivity.State
	Check(ctx context.Context) connectivity.State
}

// Notifier delivers connectivity transitions.
type Notifier interface {
	OnChange(fn func(connectivity.State)) func()
}

// Credentials reports whether a bearer token is available.
type Credentials interface {
	Authenticated() bool
}

// Decide is the selection rule: remote iff reachable and authenticated.
func Decide(reachable, authenticated bool) (bool, string) {
	switch {
	case !reachable:
		return false, ReasonUnreachable
	case !authenticated:
		return false, ReasonUnauthorized
	default:
		return true, ReasonOnline
	}
}

// Selector resolves routes from the monitor state and the credentials.
type Selector struct {
	remote  task.Adapter
	local   task.Adapter
	monitor Connectivity
	creds   Credentials
	bus     events.Publisher

	mu   sync.Mutex
	last *Route
}

// New creates a selector. remote, monitor and creds may be nil, in which
// case every route is local.
func New(remote, local task.Adapter, monitor Connectivity, creds Credentials, bus events.Publisher) *Selector {
	return &Selector{remote: remote, local: local, monitor: monitor, creds: creds, bus: bus}
}

// Local returns the local adapter.
func (s *Selector) Local() task.Adapter { return s.local }

// Resolve returns the route for the current call. The first call checks
// the remote when its state is still unknown.
func (s *Selector) Resolve(ctx context.Context) Route {
	if s.remote == nil || s.monitor == nil || s.creds == nil {
		return s.record(Route{Adapter: s.local, Reason: ReasonNoRemote})
	}
	st := s.monitor.State()
	if !st.Known {
		st = s.monitor.Check(ctx)
	}
	if !st.Known {
		return s.record(Route{Adapter: s.local, Reason: ReasonNotYetChecked})
	}
	return s.decide(st)
}

// Refresh forces a check and resolves the route from its outcome.
func (s *Selector) Refresh(ctx context.Context) Route {
	if s.remote == nil || s.monitor == nil || s.creds == nil {
		return s.Resolve(ctx)
	}
	return s.decide(s.monitor.Check(ctx))
}

// Watch recomputes the route on every connectivity transition until the
// returned function is called.
func (s *Selector) Watch(m Notifier) func() {
	return m.OnChange(func(st connectivity.State) { s.decide(st) })
}

func (s *Selector) decide(st connectivity.State) Route {
	remote, reason := Decide(st.Reachable, s.creds.Authenticated())
	r := Route{Remote: remote, Adapter: s.local, Reason: reason}
	if remote {
		r.Adapter = s.remote
	}
	return s.record(r)
}

// record logs and publishes route flips.
func (s *Selector) record(r Route) Route {
	s.mu.Lock()
	changed := s.last == nil || s.last.Remote != r.Remote || s.last.Reason != r.Reason
	s.last = &r
	s.mu.Unlock()

	if changed {
		slog.Info("route selected", "adapter", r.Adapter.Name(), "reason", r.Reason)
		if s.bus != nil {
			s.bus.Publish(events.NewTypedEvent(events.SourceRepository, events.RouteChangedPayload{
				Remote:  r.Remote,
				Adapter: r.Adapter.Name(),
				Reason:  r.Reason,
			}))
		}
	}
	return r
}
