package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/majitask/majitask/internal/task"
)

// Tx is a user-scoped transaction. It satisfies reconcile.Target.
type Tx struct {
	tx     *sql.Tx
	s      *Store
	userID string
	sp     int
}

// InTx runs fn inside a transaction committed when fn returns nil.
func (s *Store) InTx(ctx context.Context, userID string, fn func(*Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return task.Internal(fmt.Errorf("begin tx: %w", err))
	}
	tx := &Tx{tx: sqlTx, s: s, userID: userID}
	if err := fn(tx); err != nil {
		sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return task.Internal(fmt.Errorf("commit: %w", err))
	}
	return nil
}

// ReadTx runs fn inside a transaction that is always rolled back, so any
// write fn performs is discarded.
func (s *Store) ReadTx(ctx context.Context, userID string, fn func(*Tx) error) error {
	err := s.InTx(ctx, userID, func(tx *Tx) error {
		if err := fn(tx); err != nil {
			return err
		}
		return errRollback
	})
	if errors.Is(err, errRollback) {
		return nil
	}
	return err
}

// Now returns the store clock.
func (t *Tx) Now() time.Time {
	return t.s.now()
}

// Find looks a task up by ID first, then by exact title. It returns nil when
// neither matches.
func (t *Tx) Find(ctx context.Context, id, title string) (*task.Task, error) {
	if id != "" {
		found, err := getTask(ctx, t.tx, t.userID, id)
		if err == nil {
			return found, nil
		}
		if !task.IsNotFound(err) {
			return nil, err
		}
	}
	if title == "" {
		return nil, nil
	}
	list, err := queryTasks(ctx, t.tx,
		"SELECT "+taskColumns+" FROM tasks WHERE user_id = ? AND title = ?", t.userID, title)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return &list[0], nil
}

// Exists reports whether the user owns a task with the given ID.
func (t *Tx) Exists(ctx context.Context, id string) (bool, error) {
	var n int
	err := t.tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM tasks WHERE id = ? AND user_id = ?", id, t.userID).Scan(&n)
	if err != nil {
		return false, task.Internal(err)
	}
	return n > 0, nil
}

// Insert stores a new task. Candidate identifiers that are not UUIDs are
// replaced by a fresh one; tk.ID holds the stored identifier afterwards.
func (t *Tx) Insert(ctx context.Context, tk *task.Task) error {
	if _, err := uuid.Parse(tk.ID); err != nil {
		tk.ID = uuid.NewString()
	} else if ok, err := t.Exists(ctx, tk.ID); err != nil {
		return err
	} else if ok {
		tk.ID = uuid.NewString()
	}
	tk.UserID = t.userID
	if tk.ParentID != "" {
		if err := t.checkParent(ctx, tk.ID, tk.ParentID); err != nil {
			return err
		}
	}
	if err := insertTask(ctx, t.tx, tk); err != nil {
		return err
	}
	return logActivity(ctx, t.tx, t.userID, tk.ID, "imported", tk.Title, t.Now())
}

// Replace overwrites a stored task with tk's fields.
func (t *Tx) Replace(ctx context.Context, tk *task.Task) error {
	tk.UserID = t.userID
	if tk.ParentID != "" {
		if err := t.checkParent(ctx, tk.ID, tk.ParentID); err != nil {
			return err
		}
	}
	if err := updateTask(ctx, t.tx, tk); err != nil {
		return err
	}
	return logActivity(ctx, t.tx, t.userID, tk.ID, "synced", "", t.Now())
}

// Isolate runs fn inside a savepoint. When fn fails only its own writes are
// rolled back and the surrounding transaction stays usable.
func (t *Tx) Isolate(ctx context.Context, fn func() error) error {
	t.sp++
	name := fmt.Sprintf("sp_%d", t.sp)
	if _, err := t.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return task.Internal(fmt.Errorf("savepoint: %w", err))
	}
	if err := fn(); err != nil {
		if _, rbErr := t.tx.ExecContext(ctx, "ROLLBACK TO "+name); rbErr != nil {
			return task.Internal(fmt.Errorf("rollback to savepoint: %w", rbErr))
		}
		t.tx.ExecContext(ctx, "RELEASE "+name)
		return err
	}
	if _, err := t.tx.ExecContext(ctx, "RELEASE "+name); err != nil {
		return task.Internal(fmt.Errorf("release savepoint: %w", err))
	}
	return nil
}

// checkParent verifies that parentID names one of the user's tasks and that
// linking id under it does not create a cycle.
func (t *Tx) checkParent(ctx context.Context, id, parentID string) error {
	seen := map[string]bool{id: true}
	cur := parentID
	for cur != "" {
		if seen[cur] {
			return task.Invalid("invalid parent", map[string]string{task.FieldParentID: "would create a cycle"})
		}
		seen[cur] = true
		var parent sql.NullString
		err := t.tx.QueryRowContext(ctx,
			"SELECT parent_id FROM tasks WHERE id = ? AND user_id = ?", cur, t.userID).Scan(&parent)
		if errors.Is(err, sql.ErrNoRows) {
			if cur == parentID {
				return task.Invalid("invalid parent", map[string]string{
					task.FieldParentID: fmt.Sprintf("task %s does not exist", strings.TrimSpace(parentID)),
				})
			}
			return nil
		}
		if err != nil {
			return task.Internal(fmt.Errorf("check parent: %w", err))
		}
		cur = parent.String
	}
	return nil
}
