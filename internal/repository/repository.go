// Package repository is the single task API used by the rest of the client.
// Every call runs against the backend the selector picks at call time; a
// remote call that fails in transport is replayed against the local store.
package repository

import (
	"context"
	"errors"
	"log/slog"

	"github.com/majitask/majitask/internal/events"
	"github.com/majitask/majitask/internal/selector"
	"github.com/majitask/majitask/internal/syncer"
	"github.com/majitask/majitask/internal/task"
)

// Resolver picks the backend for a call.
type Resolver interface {
	Resolve(ctx context.Context) selector.Route
	Local() task.Adapter
}

// Syncer runs one reconciliation pass.
type Syncer interface {
	SyncOnce(ctx context.Context) (*task.SyncRecord, error)
}

// Repository is the task facade.
type Repository struct {
	sel    Resolver
	syncer Syncer
	bus    events.Publisher
}

// New creates a repository. syncer and bus may be nil.
func New(sel Resolver, s Syncer, bus events.Publisher) *Repository {
	return &Repository{sel: sel, syncer: s, bus: bus}
}

// call runs fn on the selected backend and replays it on local when the
// remote fails in transport.
func call[T any](ctx context.Context, r *Repository, op string, fn func(task.Adapter) (T, error)) (T, error) {
	route := r.sel.Resolve(ctx)
	v, err := fn(route.Adapter)
	if err == nil || !route.Remote || !task.IsTransport(err) {
		return v, err
	}
	slog.Warn("remote unavailable, using local store", "op", op, "error", err)
	return fn(r.sel.Local())
}

// GetAll lists tasks.
func (r *Repository) GetAll(ctx context.Context, f task.ListFilter) (*task.Page, error) {
	return call(ctx, r, "list", func(a task.Adapter) (*task.Page, error) {
		return a.List(ctx, f)
	})
}

// Get returns a task and counts the read as a view.
func (r *Repository) Get(ctx context.Context, id string) (*task.Task, error) {
	return call(ctx, r, "get", func(a task.Adapter) (*task.Task, error) {
		return a.Get(ctx, id)
	})
}

// Create creates a task.
func (r *Repository) Create(ctx context.Context, in task.CreateInput) (*task.Task, error) {
	t, err := call(ctx, r, "create", func(a task.Adapter) (*task.Task, error) {
		return a.Create(ctx, in)
	})
	if err == nil {
		r.publish(events.TaskCreatedPayload{Task: *t})
	}
	return t, err
}

// Update applies a partial update.
func (r *Repository) Update(ctx context.Context, id string, in task.UpdateInput) (*task.Task, error) {
	t, err := call(ctx, r, "update", func(a task.Adapter) (*task.Task, error) {
		return a.Update(ctx, id, in)
	})
	if err == nil {
		r.publish(events.TaskUpdatedPayload{Task: *t, Fields: in.Fields()})
	}
	return t, err
}

// Remove deletes a task.
func (r *Repository) Remove(ctx context.Context, id string) error {
	_, err := call(ctx, r, "delete", func(a task.Adapter) (struct{}, error) {
		return struct{}{}, a.Delete(ctx, id)
	})
	if err == nil {
		r.publish(events.TaskDeletedPayload{TaskID: id})
	}
	return err
}

// AddComment attaches a plain comment to a task.
func (r *Repository) AddComment(ctx context.Context, taskID, body string) (*task.Comment, error) {
	c, err := call(ctx, r, "comment", func(a task.Adapter) (*task.Comment, error) {
		return a.AddComment(ctx, taskID, task.CommentInput{Body: body, Type: task.CommentPlain})
	})
	if err == nil {
		r.publish(events.CommentAddedPayload{Comment: *c})
	}
	return c, err
}

// GetComments lists a task's comments, newest first.
func (r *Repository) GetComments(ctx context.Context, taskID string, q task.CommentQuery) (*task.CommentPage, error) {
	return call(ctx, r, "comments", func(a task.Adapter) (*task.CommentPage, error) {
		return a.ListComments(ctx, taskID, q)
	})
}

// Sync reconciles the local store with the remote. It returns a nil record
// and no error when the remote is not selected or cannot be reached.
func (r *Repository) Sync(ctx context.Context) (*task.SyncRecord, error) {
	if r.syncer == nil {
		return nil, nil
	}
	route := r.sel.Resolve(ctx)
	if !route.Remote {
		slog.Debug("sync skipped", "reason", route.Reason)
		return nil, nil
	}
	rec, err := r.syncer.SyncOnce(ctx)
	if task.IsTransport(err) || errors.Is(err, syncer.ErrUnavailable) {
		slog.Warn("sync unavailable", "error", err)
		return nil, nil
	}
	return rec, err
}

// Route reports the backend the next call would use.
func (r *Repository) Route(ctx context.Context) selector.Route {
	return r.sel.Resolve(ctx)
}

func (r *Repository) publish(p events.EventPayload) {
	if r.bus != nil {
		r.bus.Publish(events.NewTypedEvent(events.SourceRepository, p))
	}
}
