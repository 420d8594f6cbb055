package gateway

import (
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/majitask/majitask/internal/task"
)

// RateLimiter enforces a per-caller request budget of n requests per window
// as a token bucket: the full budget is available as a burst and refills
// continuously.
type RateLimiter struct {
	mu      sync.Mutex
	name    string
	limit   rate.Limit
	burst   int
	window  time.Duration
	callers map[string]*callerLimiter
	now     func() time.Time
	sweptAt time.Time
}

type callerLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows requests calls per window for each caller.
func NewRateLimiter(name string, requests int, window time.Duration) *RateLimiter {
	if requests < 1 {
		requests = 1
	}
	return &RateLimiter{
		name:    name,
		limit:   rate.Every(window / time.Duration(requests)),
		burst:   requests,
		window:  window,
		callers: make(map[string]*callerLimiter),
		now:     time.Now,
	}
}

// Allow consumes one request from the caller's budget. When the budget is
// exhausted it returns false and the time until the next request is allowed.
func (rl *RateLimiter) Allow(caller string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.sweep(now)

	c, ok := rl.callers[caller]
	if !ok {
		c = &callerLimiter{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.callers[caller] = c
	}
	c.lastSeen = now

	res := c.limiter.ReserveN(now, 1)
	if !res.OK() {
		return false, rl.window
	}
	if d := res.DelayFrom(now); d > 0 {
		res.CancelAt(now)
		return false, d
	}
	return true, 0
}

// sweep forgets callers idle for a whole window; their bucket is full again.
func (rl *RateLimiter) sweep(now time.Time) {
	if now.Sub(rl.sweptAt) < rl.window {
		return
	}
	rl.sweptAt = now
	for k, c := range rl.callers {
		if now.Sub(c.lastSeen) >= rl.window {
			delete(rl.callers, k)
		}
	}
}

// Middleware answers 429 with Retry-After once the caller's budget is spent.
// Callers are identified by user ID, or by remote address before
// authentication.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller := userID(r)
		if caller == "" {
			caller = remoteHost(r)
		}
		if ok, wait := rl.Allow(caller); !ok {
			slog.Debug("rate limited", "limiter", rl.name, "caller", caller, "retry_after", wait)
			writeError(w, r, task.RateLimited("too many requests, retry later", wait))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
