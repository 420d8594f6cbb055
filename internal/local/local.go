// Package local implements the task adapter backed by the on-device
// key/value store. It serves every operation while the API is unreachable
// and records what changed so the syncer can push it later.
package local

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/majitask/majitask/internal/storage/kvstore"
	"github.com/majitask/majitask/internal/task"
)

const (
	tableTasks    = "tasks"
	tableComments = "comments"
	tableDirty    = "dirty"
)

// Author is recorded on comments written offline.
const Author = "local"

// Change is a pending local mutation awaiting sync.
type Change struct {
	ID string `json:"id"`
	// Deleted marks a tombstone: a server task removed while offline.
	Deleted bool      `json:"deleted,omitempty"`
	At      time.Time `json:"at"`
	// Rev grows with every write to the same id, so a sync pass can tell
	// whether the change it submitted is still the latest one.
	Rev uint64 `json:"rev"`
}

// Adapter stores tasks and comments in a kvstore. It implements
// task.Adapter.
type Adapter struct {
	kv  *kvstore.Store
	now func() time.Time
}

var _ task.Adapter = (*Adapter)(nil)

// Open opens (creating if needed) a local store rooted at dir.
func Open(dir string) (*Adapter, error) {
	kv, err := kvstore.Open(dir)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}
	return New(kv), nil
}

// New wraps an open kvstore.
func New(kv *kvstore.Store) *Adapter {
	return &Adapter{kv: kv, now: func() time.Time { return time.Now().UTC() }}
}

// SetClock replaces the time source (tests).
func (a *Adapter) SetClock(now func() time.Time) { a.now = now }

// Name identifies the backend.
func (a *Adapter) Name() string { return "local" }

// Dir returns the directory holding the tables.
func (a *Adapter) Dir() string { return a.kv.Dir() }

func (a *Adapter) List(ctx context.Context, f task.ListFilter) (*task.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	all, err := a.all()
	if err != nil {
		return nil, err
	}
	page := task.Query(all, f)
	return &page, nil
}

// all returns every task with subtask links computed.
func (a *Adapter) all() ([]task.Task, error) {
	all, err := kvstore.Scan[task.Task](a.kv, tableTasks)
	if err != nil {
		return nil, task.Internal(err)
	}
	task.LinkSubtasks(all)
	return all, nil
}

func (a *Adapter) Get(ctx context.Context, id string) (*task.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var t task.Task
	err := a.kv.Update(func(tx *kvstore.Tx) error {
		if err := getTask(tx, id, &t); err != nil {
			return err
		}
		t.ViewCount++
		return tx.Put(tableTasks, id, t)
	})
	if err != nil {
		return nil, err
	}
	return a.withSubtasks(t)
}

// peek returns a task without counting a view.
func (a *Adapter) peek(ctx context.Context, id string) (*task.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var t task.Task
	if err := a.kv.Get(tableTasks, id, &t); err != nil {
		return nil, notFound(err, id)
	}
	return a.withSubtasks(t)
}

func (a *Adapter) withSubtasks(t task.Task) (*task.Task, error) {
	all, err := a.all()
	if err != nil {
		return nil, err
	}
	t.SubtaskIDs = nil
	for _, c := range all {
		if c.ParentID == t.ID {
			t.SubtaskIDs = append(t.SubtaskIDs, c.ID)
		}
	}
	return &t, nil
}

func (a *Adapter) Create(ctx context.Context, in task.CreateInput) (*task.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := a.now()
	t, err := task.Build(in, now)
	if err != nil {
		return nil, err
	}
	t.ID = task.NewLocalID()

	err = a.kv.Update(func(tx *kvstore.Tx) error {
		if err := checkTitle(tx, t.ID, t.Title); err != nil {
			return err
		}
		if t.ParentID != "" {
			if err := checkParent(tx, t.ID, t.ParentID); err != nil {
				return err
			}
		}
		if err := tx.Put(tableTasks, t.ID, t); err != nil {
			return task.Internal(err)
		}
		return markDirty(tx, t.ID, false, now)
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (a *Adapter) Update(ctx context.Context, id string, in task.UpdateInput) (*task.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var next task.Task
	err := a.kv.Update(func(tx *kvstore.Tx) error {
		var current task.Task
		if err := getTask(tx, id, &current); err != nil {
			return err
		}
		next = current.Clone()
		now := a.now()
		if err := task.ApplyUpdate(&next, in, now); err != nil {
			return err
		}
		if next.Title != current.Title {
			if err := checkTitle(tx, id, next.Title); err != nil {
				return err
			}
		}
		if next.ParentID != "" && next.ParentID != current.ParentID {
			if err := checkParent(tx, id, next.ParentID); err != nil {
				return err
			}
		}
		if err := tx.Put(tableTasks, id, next); err != nil {
			return task.Internal(err)
		}
		if next.Status != current.Status {
			body := fmt.Sprintf("Status changed from %s to %s", current.Status, next.Status)
			if err := putComment(tx, id, body, task.CommentStatusChange, now); err != nil {
				return err
			}
		}
		return markDirty(tx, id, false, now)
	})
	if err != nil {
		return nil, err
	}
	return a.withSubtasks(next)
}

// Delete removes a task, detaches its children and drops its comments.
func (a *Adapter) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return a.kv.Update(func(tx *kvstore.Tx) error {
		var t task.Task
		if err := getTask(tx, id, &t); err != nil {
			return err
		}
		now := a.now()

		children, err := kvstore.ScanTx[task.Task](tx, tableTasks)
		if err != nil {
			return task.Internal(err)
		}
		for _, c := range children {
			if c.ParentID != id {
				continue
			}
			c.ParentID = ""
			c.UpdatedAt = now
			if err := tx.Put(tableTasks, c.ID, c); err != nil {
				return task.Internal(err)
			}
			if err := markDirty(tx, c.ID, false, now); err != nil {
				return err
			}
		}

		comments, err := kvstore.ScanTx[task.Comment](tx, tableComments)
		if err != nil {
			return task.Internal(err)
		}
		for _, c := range comments {
			if c.TaskID == id {
				tx.Delete(tableComments, c.ID)
			}
		}

		tx.Delete(tableTasks, id)
		if task.IsLocalID(id) {
			tx.Delete(tableDirty, id)
			return nil
		}
		return markDirty(tx, id, true, now)
	})
}

func (a *Adapter) AddComment(ctx context.Context, taskID string, in task.CommentInput) (*task.Comment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := task.ValidateComment(&in); err != nil {
		return nil, err
	}
	var c task.Comment
	err := a.kv.Update(func(tx *kvstore.Tx) error {
		if !tx.Has(tableTasks, taskID) {
			return task.NotFound("task %s", taskID)
		}
		now := a.now()
		c = task.Comment{
			ID:        task.NewLocalID(),
			TaskID:    taskID,
			Author:    Author,
			Body:      in.Body,
			Type:      in.Type,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.Put(tableComments, c.ID, c); err != nil {
			return task.Internal(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListComments pages through a task's comments, newest first.
func (a *Adapter) ListComments(ctx context.Context, taskID string, q task.CommentQuery) (*task.CommentPage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q = q.Normalized()
	if !a.kv.Has(tableTasks, taskID) {
		return nil, task.NotFound("task %s", taskID)
	}
	all, err := kvstore.Scan[task.Comment](a.kv, tableComments)
	if err != nil {
		return nil, task.Internal(err)
	}
	list := make([]task.Comment, 0)
	for _, c := range all {
		if c.TaskID == taskID {
			list = append(list, c)
		}
	}
	slices.SortFunc(list, func(x, y task.Comment) int {
		if c := y.CreatedAt.Compare(x.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(y.ID, x.ID)
	})

	total := len(list)
	start := min((q.Page-1)*q.Limit, total)
	end := min(start+q.Limit, total)
	return &task.CommentPage{Comments: list[start:end], Meta: task.NewPageMeta(q.Page, q.Limit, total)}, nil
}

func getTask(tx *kvstore.Tx, id string, out *task.Task) error {
	if err := tx.Get(tableTasks, id, out); err != nil {
		return notFound(err, id)
	}
	return nil
}

func notFound(err error, id string) error {
	if errors.Is(err, kvstore.ErrNotFound) {
		return task.NotFound("task %s", id)
	}
	return task.Internal(err)
}

// checkTitle enforces per-user title uniqueness, as the server does.
func checkTitle(tx *kvstore.Tx, id, title string) error {
	all, err := kvstore.ScanTx[task.Task](tx, tableTasks)
	if err != nil {
		return task.Internal(err)
	}
	for _, t := range all {
		if t.ID != id && t.Title == title {
			return task.Conflict("a task titled %q already exists", title)
		}
	}
	return nil
}

// checkParent verifies that parentID exists and that linking id under it
// does not create a cycle.
func checkParent(tx *kvstore.Tx, id, parentID string) error {
	seen := map[string]bool{id: true}
	for cur := parentID; cur != ""; {
		if seen[cur] {
			return task.Invalid("invalid parent", map[string]string{task.FieldParentID: "would create a cycle"})
		}
		seen[cur] = true
		var p task.Task
		if err := tx.Get(tableTasks, cur, &p); err != nil {
			if cur == parentID {
				return task.Invalid("invalid parent", map[string]string{task.FieldParentID: "parent task does not exist"})
			}
			return nil
		}
		cur = p.ParentID
	}
	return nil
}

func putComment(tx *kvstore.Tx, taskID, body string, typ task.CommentType, now time.Time) error {
	c := task.Comment{
		ID:        task.NewLocalID(),
		TaskID:    taskID,
		Author:    Author,
		Body:      body,
		Type:      typ,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := tx.Put(tableComments, c.ID, c); err != nil {
		return task.Internal(err)
	}
	return nil
}

func markDirty(tx *kvstore.Tx, id string, deleted bool, now time.Time) error {
	var prev Change
	_ = tx.Get(tableDirty, id, &prev)
	if err := tx.Put(tableDirty, id, Change{ID: id, Deleted: deleted, At: now, Rev: prev.Rev + 1}); err != nil {
		return task.Internal(err)
	}
	return nil
}
