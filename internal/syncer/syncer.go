// Package syncer pushes offline changes to the task API and pulls the
// server's state back into the local replica.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"

	"github.com/majitask/majitask/internal/events"
	"github.com/majitask/majitask/internal/local"
	"github.com/majitask/majitask/internal/task"
)

// DefaultInterval is the period of timed passes.
const DefaultInterval = 60 * time.Second

// ErrUnavailable is returned when the gate reports the remote unusable.
var ErrUnavailable = errors.New("sync unavailable")

// Store is the replica side of a pass.
type Store interface {
	Pending(ctx context.Context) (local.Pending, error)
	Mirror(ctx context.Context, server []task.Task, ids map[string]string, synced local.Marks) (local.MirrorResult, error)
	PendingComments(ctx context.Context) ([]task.Comment, error)
	DropComments(ids ...string) error
	Forget(synced local.Marks) error
}

// Remote is the server side of a pass.
type Remote interface {
	task.BulkSyncer
	List(ctx context.Context, f task.ListFilter) (*task.Page, error)
	Delete(ctx context.Context, id string) error
	AddComment(ctx context.Context, taskID string, in task.CommentInput) (*task.Comment, error)
}

// Options configures a Syncer.
type Options struct {
	Interval time.Duration
	// Gate, when set, is consulted before every pass; a false result makes
	// the pass return ErrUnavailable without touching either side.
	Gate func(ctx context.Context) bool
	Bus  events.Publisher
}

// Syncer runs reconciliation passes on demand and on a timer. Passes never
// overlap: concurrent callers share the result of the pass in flight.
type Syncer struct {
	store    Store
	remote   Remote
	gate     func(ctx context.Context) bool
	bus      events.Publisher
	interval time.Duration

	group singleflight.Group

	mu       sync.Mutex
	cron     *cron.Cron
	lastSync time.Time
	lastRec  *task.SyncRecord
}

// New creates a syncer.
func New(store Store, remote Remote, opts Options) *Syncer {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	return &Syncer{
		store:    store,
		remote:   remote,
		gate:     opts.Gate,
		bus:      opts.Bus,
		interval: opts.Interval,
	}
}

// Interval returns the period of timed passes.
func (s *Syncer) Interval() time.Duration { return s.interval }

// Last returns the time and record of the last successful pass.
func (s *Syncer) Last() (time.Time, *task.SyncRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSync, s.lastRec
}

// SyncOnce runs one pass, or joins the pass already running.
func (s *Syncer) SyncOnce(ctx context.Context) (*task.SyncRecord, error) {
	v, err, shared := s.group.Do("sync", func() (any, error) {
		return s.run(ctx)
	})
	if shared {
		slog.Debug("sync joined a running pass")
	}
	if err != nil {
		return nil, err
	}
	return v.(*task.SyncRecord), nil
}

func (s *Syncer) run(ctx context.Context) (*task.SyncRecord, error) {
	if s.gate != nil && !s.gate(ctx) {
		return nil, ErrUnavailable
	}
	start := time.Now()

	pending, err := s.store.Pending(ctx)
	if err != nil {
		return nil, s.fail(fmt.Errorf("collect pending: %w", err))
	}
	s.publish(events.SyncStartedPayload{Pending: len(pending.Tasks) + len(pending.Deleted)})

	rec := &task.SyncRecord{Conflicts: []string{}, Errors: []task.SyncError{}, IDs: map[string]string{}}
	if len(pending.Tasks) > 0 {
		if rec, err = s.remote.Sync(ctx, pending.Tasks); err != nil {
			return nil, s.fail(fmt.Errorf("push: %w", err))
		}
	}

	synced := make(local.Marks, len(pending.Marks))
	for _, t := range pending.Tasks {
		synced[t.ID] = pending.Marks[t.ID]
	}
	deleted, err := s.pushDeletes(ctx, pending.Deleted)
	for _, id := range deleted {
		synced[id] = pending.Marks[id]
	}
	if err != nil {
		s.forget(synced)
		return nil, s.fail(fmt.Errorf("push deletes: %w", err))
	}

	server, err := s.pull(ctx)
	if err != nil {
		s.forget(synced)
		return nil, s.fail(fmt.Errorf("pull: %w", err))
	}
	mirrored, err := s.store.Mirror(ctx, server, rec.IDs, synced)
	if err != nil {
		return nil, s.fail(fmt.Errorf("mirror: %w", err))
	}

	if err := s.pushComments(ctx); err != nil {
		slog.Warn("sync: offline comments not pushed", "error", err)
	}

	s.mu.Lock()
	s.lastSync = time.Now()
	s.lastRec = rec
	s.mu.Unlock()

	d := time.Since(start)
	slog.Info("sync completed",
		"pushed", len(pending.Tasks), "imported", rec.Imported, "updated", rec.Updated,
		"conflicts", len(rec.Conflicts), "errors", len(rec.Errors),
		"pulled", mirrored.Pulled, "deleted", mirrored.Deleted, "duration", d)
	s.publish(events.SyncCompletedPayload{
		Pushed:    len(pending.Tasks),
		Imported:  rec.Imported,
		Updated:   rec.Updated,
		Conflicts: rec.Conflicts,
		Errors:    len(rec.Errors),
		Pulled:    mirrored.Pulled,
		Deleted:   mirrored.Deleted,
		Duration:  d,
	})
	return rec, nil
}

// pushDeletes replays offline deletions. It returns the ids the server no
// longer holds.
func (s *Syncer) pushDeletes(ctx context.Context, ids []string) ([]string, error) {
	var done []string
	for _, id := range ids {
		err := s.remote.Delete(ctx, id)
		switch {
		case err == nil, task.IsNotFound(err):
			done = append(done, id)
		case task.IsTransport(err), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return done, err
		default:
			slog.Warn("sync: delete rejected, dropping tombstone", "task", id, "error", err)
			done = append(done, id)
		}
	}
	return done, nil
}

// pull reads every server task page by page.
func (s *Syncer) pull(ctx context.Context) ([]task.Task, error) {
	var all []task.Task
	f := task.ListFilter{Page: 1, Limit: task.MaxPageLimit, SortBy: "created_at", Order: "asc"}
	for {
		page, err := s.remote.List(ctx, f)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Tasks...)
		if !page.Meta.HasNext {
			return all, nil
		}
		f.Page++
	}
}

func (s *Syncer) pushComments(ctx context.Context) error {
	comments, err := s.store.PendingComments(ctx)
	if err != nil {
		return err
	}
	for _, c := range comments {
		if c.Type == task.CommentStatusChange {
			// The server writes its own on status transitions.
			if err := s.store.DropComments(c.ID); err != nil {
				return err
			}
			continue
		}
		_, err := s.remote.AddComment(ctx, c.TaskID, task.CommentInput{Body: c.Body, Type: c.Type})
		if err != nil && !task.IsNotFound(err) && !task.IsKind(err, task.KindValidation) {
			return err
		}
		if err := s.store.DropComments(c.ID); err != nil {
			return err
		}
	}
	return nil
}

// forget clears dirty marks of changes the server already accepted when a
// later step of the pass fails.
func (s *Syncer) forget(synced local.Marks) {
	if len(synced) == 0 {
		return
	}
	if err := s.store.Forget(synced); err != nil {
		slog.Warn("sync: clear dirty marks", "error", err)
	}
}

func (s *Syncer) fail(err error) error {
	kind := task.KindOf(err)
	slog.Warn("sync failed", "kind", kind, "error", err)
	s.publish(events.SyncFailedPayload{Kind: kind, Error: err.Error()})
	return err
}

func (s *Syncer) publish(p events.EventPayload) {
	if s.bus != nil {
		s.bus.Publish(events.NewTypedEvent(events.SourceSyncer, p))
	}
}

// Start schedules timed passes. Calling Start on a running syncer is a
// no-op.
func (s *Syncer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}

	logger := cronLogger{}
	c := cron.New(cron.WithLogger(logger), cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))
	schedule := "@every " + s.interval.String()
	if _, err := c.AddFunc(schedule, s.tick); err != nil {
		return fmt.Errorf("schedule sync %q: %w", schedule, err)
	}
	c.Start()
	s.cron = c
	slog.Info("sync timer started", "interval", s.interval)
	return nil
}

// Stop cancels the timer and waits for a running timed pass. Calling Stop
// on a stopped syncer is a no-op.
func (s *Syncer) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	slog.Info("sync timer stopped")
}

// Running reports whether the timer is scheduled.
func (s *Syncer) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cron != nil
}

func (s *Syncer) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), s.interval)
	defer cancel()
	if _, err := s.SyncOnce(ctx); err != nil && !errors.Is(err, ErrUnavailable) {
		slog.Debug("timed sync failed", "error", err)
	}
}

// cronLogger routes cron's internal logging to slog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	slog.Error("cron: "+msg, append([]any{"error", err}, keysAndValues...)...)
}
