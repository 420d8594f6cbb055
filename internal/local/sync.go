package local

import (
	"context"
	"maps"
	"slices"
	"time"

	"github.com/majitask/majitask/internal/storage/kvstore"
	"github.com/majitask/majitask/internal/task"
)

// Pending is the set of local changes not yet acknowledged by the server.
type Pending struct {
	// Tasks are created or updated tasks, in id order.
	Tasks []task.Task
	// Deleted lists server ids removed while offline.
	Deleted []string
	// Marks holds the revision of every change collected above.
	Marks Marks
}

// Marks maps ids to the dirty-mark revisions a pass submitted.
type Marks map[string]uint64

// Empty reports whether nothing awaits sync.
func (p Pending) Empty() bool { return len(p.Tasks) == 0 && len(p.Deleted) == 0 }

// Pending collects the dirty tasks and tombstones.
func (a *Adapter) Pending(ctx context.Context) (Pending, error) {
	if err := ctx.Err(); err != nil {
		return Pending{}, err
	}
	changes, err := kvstore.Scan[Change](a.kv, tableDirty)
	if err != nil {
		return Pending{}, task.Internal(err)
	}
	p := Pending{Marks: make(Marks, len(changes))}
	for _, c := range changes {
		if c.Deleted {
			p.Deleted = append(p.Deleted, c.ID)
			p.Marks[c.ID] = c.Rev
			continue
		}
		var t task.Task
		if err := a.kv.Get(tableTasks, c.ID, &t); err != nil {
			// The task vanished after being marked; nothing to push.
			continue
		}
		t.SubtaskIDs = nil
		p.Tasks = append(p.Tasks, t)
		p.Marks[c.ID] = c.Rev
	}
	return p, nil
}

// PendingCount returns the number of unsynced changes.
func (a *Adapter) PendingCount() int {
	return a.kv.Len(tableDirty)
}

// Forget clears the dirty marks in synced that were not rewritten since.
func (a *Adapter) Forget(synced Marks) error {
	return a.kv.Update(func(tx *kvstore.Tx) error {
		clearMarks(tx, synced)
		return nil
	})
}

// clearMarks deletes each mark whose revision still matches the submitted
// one. A newer mark belongs to a write made during the pass and stays.
func clearMarks(tx *kvstore.Tx, synced Marks) {
	for id, rev := range synced {
		var c Change
		if err := tx.Get(tableDirty, id, &c); err == nil && c.Rev == rev {
			tx.Delete(tableDirty, id)
		}
	}
}

// MirrorResult counts what Mirror changed in the replica.
type MirrorResult struct {
	Pulled  int
	Deleted int
}

// Mirror folds the server's view into the replica in one transaction:
//
//   - ids maps submitted local ids to the server ids they received; the
//     local entries are re-keyed, including their comments and children;
//   - synced marks are cleared unless rewritten during the pass;
//   - server tasks overwrite replica copies unless still dirty;
//   - replica tasks absent from the server are dropped unless still dirty
//     or never synced.
func (a *Adapter) Mirror(ctx context.Context, server []task.Task, ids map[string]string, synced Marks) (MirrorResult, error) {
	if err := ctx.Err(); err != nil {
		return MirrorResult{}, err
	}
	var res MirrorResult
	err := a.kv.Update(func(tx *kvstore.Tx) error {
		clearMarks(tx, synced)
		if err := rekey(tx, ids, a.now()); err != nil {
			return err
		}

		onServer := make(map[string]bool, len(server))
		for _, t := range server {
			onServer[t.ID] = true
			if tx.Has(tableDirty, t.ID) {
				continue
			}
			t.SubtaskIDs = nil
			if err := tx.Put(tableTasks, t.ID, t); err != nil {
				return task.Internal(err)
			}
			res.Pulled++
		}

		for _, id := range tx.Keys(tableTasks) {
			if onServer[id] || task.IsLocalID(id) || tx.Has(tableDirty, id) {
				continue
			}
			tx.Delete(tableTasks, id)
			dropComments(tx, id)
			res.Deleted++
		}
		return nil
	})
	return res, err
}

// rekey moves local entries to their server ids. An entry edited during the
// pass is kept under its server id and stays dirty; one deleted during the
// pass leaves a tombstone for its server copy.
func rekey(tx *kvstore.Tx, ids map[string]string, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	locals := slices.Sorted(maps.Keys(ids))

	all, err := kvstore.ScanTx[task.Task](tx, tableTasks)
	if err != nil {
		return task.Internal(err)
	}
	for _, t := range all {
		if to, ok := ids[t.ParentID]; ok && to != t.ParentID {
			t.ParentID = to
			if err := tx.Put(tableTasks, t.ID, t); err != nil {
				return task.Internal(err)
			}
		}
	}

	comments, err := kvstore.ScanTx[task.Comment](tx, tableComments)
	if err != nil {
		return task.Internal(err)
	}
	for _, c := range comments {
		if to, ok := ids[c.TaskID]; ok && to != c.TaskID {
			c.TaskID = to
			if err := tx.Put(tableComments, c.ID, c); err != nil {
				return task.Internal(err)
			}
		}
	}

	for _, from := range locals {
		to := ids[from]
		if from == to {
			continue
		}
		var t task.Task
		gone := tx.Get(tableTasks, from, &t) != nil
		var mark Change
		edited := tx.Get(tableDirty, from, &mark) == nil
		tx.Delete(tableTasks, from)
		tx.Delete(tableDirty, from)
		switch {
		case gone:
			if err := markDirty(tx, to, true, now); err != nil {
				return err
			}
		case edited:
			t.ID = to
			if err := tx.Put(tableTasks, to, t); err != nil {
				return task.Internal(err)
			}
			if err := tx.Put(tableDirty, to, Change{ID: to, At: mark.At, Rev: mark.Rev}); err != nil {
				return task.Internal(err)
			}
		}
	}
	return nil
}

func dropComments(tx *kvstore.Tx, taskID string) {
	comments, err := kvstore.ScanTx[task.Comment](tx, tableComments)
	if err != nil {
		return
	}
	for _, c := range comments {
		if c.TaskID == taskID {
			tx.Delete(tableComments, c.ID)
		}
	}
}

// PendingComments returns the comments written offline, oldest first. Their
// task ids reflect any re-keying done by Mirror.
func (a *Adapter) PendingComments(ctx context.Context) ([]task.Comment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	all, err := kvstore.Scan[task.Comment](a.kv, tableComments)
	if err != nil {
		return nil, task.Internal(err)
	}
	var out []task.Comment
	for _, c := range all {
		if task.IsLocalID(c.ID) && !task.IsLocalID(c.TaskID) {
			out = append(out, c)
		}
	}
	slices.SortFunc(out, func(x, y task.Comment) int { return x.CreatedAt.Compare(y.CreatedAt) })
	return out, nil
}

// DropComments removes comments by id.
func (a *Adapter) DropComments(ids ...string) error {
	return a.kv.Update(func(tx *kvstore.Tx) error {
		for _, id := range ids {
			tx.Delete(tableComments, id)
		}
		return nil
	})
}
