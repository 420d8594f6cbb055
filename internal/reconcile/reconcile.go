// Package reconcile merges batches of client-held tasks into the system of
// record under a last-writer-wins policy per task.
package reconcile

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/majitask/majitask/internal/task"
)

// Finder resolves a candidate to the stored task it refers to.
type Finder interface {
	// Find matches by ID first, then by exact title; nil when nothing matches.
	Find(ctx context.Context, id, title string) (*task.Task, error)
	Now() time.Time
}

// Target is a transactional, user-scoped view of the store.
type Target interface {
	Finder
	Insert(ctx context.Context, t *task.Task) error
	Replace(ctx context.Context, t *task.Task) error
	// Isolate runs fn so that a failure discards only fn's writes.
	Isolate(ctx context.Context, fn func() error) error
}

// Outcome is the classification of one candidate.
type Outcome int

const (
	// Import: no stored task matches.
	Import Outcome = iota
	// Update: a match exists and is not newer than the candidate.
	Update
	// Conflict: the stored task is strictly newer; it wins untouched.
	Conflict
	// Unchanged: the candidate already equals the stored task.
	Unchanged
)

func (o Outcome) String() string {
	switch o {
	case Import:
		return "import"
	case Update:
		return "update"
	case Conflict:
		return "conflict"
	case Unchanged:
		return "unchanged"
	}
	return "unknown"
}

// Decision is the classification of a prepared candidate.
type Decision struct {
	Outcome  Outcome
	Existing *task.Task
}

// Prepare fills defaults, validates and normalises a candidate. A missing
// update timestamp defaults to now.
func Prepare(c task.Task, now time.Time) (task.Task, error) {
	c = c.Clone()
	c.Title = strings.TrimSpace(c.Title)
	c.Category = strings.TrimSpace(c.Category)
	if c.Category == "" {
		c.Category = task.DefaultCategory
	}
	if c.Priority == 0 {
		c.Priority = task.DefaultPriority
	}
	if c.Status == "" {
		c.Status = task.StatusTodo
		if c.Progress >= 100 {
			c.Status = task.StatusDone
		}
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = now
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = c.UpdatedAt
	}
	if err := task.Validate(c); err != nil {
		return task.Task{}, err
	}
	completed := c.CompletedAt
	task.Normalize(&c, now)
	if c.Status == task.StatusDone && completed != nil {
		c.CompletedAt = completed
	}
	c.SubtaskIDs = nil
	return c, nil
}

// Classify performs the match-and-compare steps without writing anything.
func Classify(ctx context.Context, f Finder, c task.Task) (Decision, error) {
	existing, err := f.Find(ctx, c.ID, c.Title)
	if err != nil {
		return Decision{}, err
	}
	if existing == nil {
		return Decision{Outcome: Import}, nil
	}
	if existing.UpdatedAt.After(c.UpdatedAt) {
		return Decision{Outcome: Conflict, Existing: existing}, nil
	}
	if task.SameContent(*existing, c) {
		return Decision{Outcome: Unchanged, Existing: existing}, nil
	}
	return Decision{Outcome: Update, Existing: existing}, nil
}

// Merge folds candidates into the target. Rejections and per-row failures
// are reported in the record; only infrastructure failures are returned as
// errors, in which case the caller must roll the whole batch back.
func Merge(ctx context.Context, t Target, candidates []task.Task) (*task.SyncRecord, error) {
	rec := &task.SyncRecord{
		Conflicts: []string{},
		Errors:    []task.SyncError{},
		IDs:       map[string]string{},
	}

	for _, i := range batchOrder(candidates) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c := candidates[i]
		ref := c.ID
		if ref == "" {
			ref = c.Title
		}
		if mapped, ok := rec.IDs[c.ParentID]; ok {
			c.ParentID = mapped
		}

		var outcome Outcome
		var storedID string
		err := t.Isolate(ctx, func() error {
			var err error
			outcome, storedID, err = mergeOne(ctx, t, c)
			return err
		})
		if err != nil {
			if task.KindOf(err) == task.KindInternal {
				return nil, err
			}
			rec.Errors = append(rec.Errors, task.SyncError{Task: ref, Error: err.Error()})
			continue
		}

		if c.ID != "" {
			rec.IDs[c.ID] = storedID
		}
		switch outcome {
		case Import:
			rec.Imported++
		case Update:
			rec.Updated++
		case Conflict:
			rec.Conflicts = append(rec.Conflicts, ref)
		}
	}

	slog.Debug("reconcile: batch merged",
		"candidates", len(candidates), "imported", rec.Imported, "updated", rec.Updated,
		"conflicts", len(rec.Conflicts), "errors", len(rec.Errors))
	return rec, nil
}

func mergeOne(ctx context.Context, t Target, c task.Task) (Outcome, string, error) {
	now := t.Now()
	prepared, err := Prepare(c, now)
	if err != nil {
		return 0, "", err
	}
	d, err := Classify(ctx, t, prepared)
	if err != nil {
		return 0, "", err
	}

	switch d.Outcome {
	case Import:
		prepared.UpdatedAt = now
		if err := t.Insert(ctx, &prepared); err != nil {
			return 0, "", err
		}
		return Import, prepared.ID, nil
	case Update:
		merged := overwrite(*d.Existing, prepared, now)
		if err := t.Replace(ctx, &merged); err != nil {
			return 0, "", err
		}
		return Update, merged.ID, nil
	default:
		return d.Outcome, d.Existing.ID, nil
	}
}

// overwrite copies the candidate's mergeable fields onto the stored task.
// Identity, ownership and counters stay with the stored record.
func overwrite(existing, c task.Task, now time.Time) task.Task {
	m := existing.Clone()
	m.Title = c.Title
	m.Description = c.Description
	m.Status = c.Status
	m.Priority = c.Priority
	m.Progress = c.Progress
	m.Category = c.Category
	m.Tags = c.Tags
	m.Deadline = c.Deadline
	m.CompletedAt = c.CompletedAt
	m.ParentID = c.ParentID
	m.TimeSpent = c.TimeSpent
	m.EstimatedDuration = c.EstimatedDuration
	task.Normalize(&m, now)
	m.UpdatedAt = now
	m.EditCount++
	return m
}

// batchOrder returns candidate indices ordered so that a parent present in
// the batch is merged before its children.
func batchOrder(cands []task.Task) []int {
	byID := make(map[string]int, len(cands))
	for i, c := range cands {
		if c.ID != "" {
			byID[c.ID] = i
		}
	}
	depth := make([]int, len(cands))
	for i := range cands {
		seen := map[int]bool{i: true}
		cur := cands[i].ParentID
		for {
			j, ok := byID[cur]
			if !ok || seen[j] {
				break
			}
			seen[j] = true
			depth[i]++
			cur = cands[j].ParentID
		}
	}
	idx := make([]int, len(cands))
	for i := range idx {
		idx[i] = i
	}
	slices.SortStableFunc(idx, func(a, b int) int { return depth[a] - depth[b] })
	return idx
}
