package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/majitask/majitask/internal/store"
	"github.com/majitask/majitask/internal/task"
)

const user = "alice"

func newStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	clock := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	})
	return s
}

func merge(t *testing.T, s *store.Store, cands []task.Task) *task.SyncRecord {
	t.Helper()
	var rec *task.SyncRecord
	err := s.InTx(context.Background(), user, func(tx *store.Tx) error {
		var err error
		rec, err = Merge(context.Background(), tx, cands)
		return err
	})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	return rec
}

func TestMergeImportsAndUpdates(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	existing, err := s.CreateTask(ctx, user, task.CreateInput{Title: "Existing"})
	if err != nil {
		t.Fatal(err)
	}

	rec := merge(t, s, []task.Task{
		{ID: "local_1_1", Title: "Brand new", Priority: 3},
		{ID: existing.ID, Title: "Existing", Description: "edited offline", UpdatedAt: existing.UpdatedAt.Add(time.Minute)},
	})
	if rec.Imported != 1 || rec.Updated != 1 || len(rec.Conflicts) != 0 || len(rec.Errors) != 0 {
		t.Fatalf("record: %+v", rec)
	}
	newID := rec.IDs["local_1_1"]
	if newID == "" || task.IsLocalID(newID) {
		t.Fatalf("local id not remapped: %v", rec.IDs)
	}

	got, _ := s.GetTask(ctx, user, existing.ID)
	if got.Description != "edited offline" || got.EditCount != 1 {
		t.Errorf("update not applied: %+v", got)
	}
	if n, _ := s.CountTasks(ctx, user); n != 2 {
		t.Errorf("count: got %d", n)
	}
}

func TestMergeMatchesByTitle(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	existing, _ := s.CreateTask(ctx, user, task.CreateInput{Title: "Buy milk"})

	rec := merge(t, s, []task.Task{{ID: "local_9_9", Title: "Buy milk", Status: task.StatusDone}})
	if rec.Updated != 1 || rec.Imported != 0 {
		t.Fatalf("record: %+v", rec)
	}
	if rec.IDs["local_9_9"] != existing.ID {
		t.Errorf("title match should map to %s, got %v", existing.ID, rec.IDs)
	}
	got, _ := s.GetTask(ctx, user, existing.ID)
	if got.Status != task.StatusDone || got.Progress != 100 || got.CompletedAt == nil {
		t.Errorf("status invariant after merge: %+v", got)
	}
}

func TestMergeConflictLeavesServerCopy(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	existing, _ := s.CreateTask(ctx, user, task.CreateInput{Title: "Server wins", Description: "server"})

	rec := merge(t, s, []task.Task{{
		ID:          existing.ID,
		Title:       "Server wins",
		Description: "stale client",
		UpdatedAt:   existing.UpdatedAt.Add(-time.Second),
	}})
	if len(rec.Conflicts) != 1 || rec.Conflicts[0] != existing.ID {
		t.Fatalf("expected conflict on %s, got %+v", existing.ID, rec)
	}
	if rec.Imported != 0 || rec.Updated != 0 {
		t.Errorf("conflict counted as write: %+v", rec)
	}
	got, _ := s.GetTask(ctx, user, existing.ID)
	if got.Description != "server" || !got.UpdatedAt.Equal(existing.UpdatedAt) {
		t.Errorf("server copy modified: %+v", got)
	}
}

func TestMergeIsIdempotent(t *testing.T) {
	s := newStore(t)
	batch := []task.Task{
		{ID: "local_1_1", Title: "one", UpdatedAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)},
		{ID: "local_1_2", Title: "two"},
	}
	first := merge(t, s, batch)
	if first.Imported != 2 {
		t.Fatalf("first pass: %+v", first)
	}
	second := merge(t, s, batch)
	if second.Imported != 0 || second.Updated != 0 {
		t.Fatalf("second pass should be a no-op, got %+v", second)
	}
	if len(second.Errors) != 0 {
		t.Errorf("errors: %+v", second.Errors)
	}
}

func TestMergeRowErrorsDoNotAbortBatch(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	s.CreateTask(ctx, user, task.CreateInput{Title: "taken"})
	other, _ := s.CreateTask(ctx, user, task.CreateInput{Title: "other"})

	rec := merge(t, s, []task.Task{
		{Title: ""},
		{Title: "bad priority", Priority: 7},
		{ID: other.ID, Title: "taken", UpdatedAt: other.UpdatedAt.Add(time.Hour)}, // rename onto an existing title
		{Title: "fine"},
		{Title: "bad parent", ParentID: "nowhere"},
	})
	if rec.Imported != 1 {
		t.Errorf("imported: got %d, want 1", rec.Imported)
	}
	if len(rec.Errors) != 4 {
		t.Fatalf("errors: got %+v", rec.Errors)
	}
	if n, _ := s.CountTasks(ctx, user); n != 3 {
		t.Errorf("count: got %d, want 3", n)
	}
	got, _ := s.GetTask(ctx, user, other.ID)
	if got.Title != "other" {
		t.Errorf("failed row left a partial write: %+v", got)
	}
}

func TestMergeResolvesParentsWithinBatch(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	rec := merge(t, s, []task.Task{
		{ID: "local_c", Title: "child", ParentID: "local_p"},
		{ID: "local_p", Title: "parent"},
	})
	if rec.Imported != 2 || len(rec.Errors) != 0 {
		t.Fatalf("record: %+v", rec)
	}
	parent, err := s.GetTask(ctx, user, rec.IDs["local_p"])
	if err != nil {
		t.Fatal(err)
	}
	if len(parent.SubtaskIDs) != 1 || parent.SubtaskIDs[0] != rec.IDs["local_c"] {
		t.Errorf("subtasks: %v", parent.SubtaskIDs)
	}
}

type failingTarget struct {
	inserts int
}

func (f *failingTarget) Find(context.Context, string, string) (*task.Task, error) { return nil, nil }
func (f *failingTarget) Now() time.Time                                            { return time.Now() }
func (f *failingTarget) Replace(context.Context, *task.Task) error                 { return nil }
func (f *failingTarget) Isolate(_ context.Context, fn func() error) error          { return fn() }
func (f *failingTarget) Insert(context.Context, *task.Task) error {
	f.inserts++
	if f.inserts == 2 {
		return task.Internal(errors.New("connection lost"))
	}
	return nil
}

func TestMergeAbortsOnInfrastructureFailure(t *testing.T) {
	target := &failingTarget{}
	_, err := Merge(context.Background(), target, []task.Task{{Title: "a"}, {Title: "b"}, {Title: "c"}})
	if !task.IsKind(err, task.KindInternal) {
		t.Fatalf("expected INTERNAL, got %v", err)
	}
	if target.inserts != 2 {
		t.Errorf("batch continued after failure: %d inserts", target.inserts)
	}
}

func TestMergeInfrastructureFailureRollsBackTransaction(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	ctx2, cancel := context.WithCancel(ctx)
	err := s.InTx(ctx, user, func(tx *store.Tx) error {
		cands := []task.Task{{Title: "first"}, {Title: "second"}}
		rec, err := Merge(ctx2, tx, cands[:1])
		if err != nil || rec.Imported != 1 {
			t.Fatalf("first merge: %+v %v", rec, err)
		}
		cancel()
		_, err = Merge(ctx2, tx, cands[1:])
		return err
	})
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if n, _ := s.CountTasks(ctx, user); n != 0 {
		t.Errorf("aborted batch committed %d tasks", n)
	}
}

func TestClassifyDoesNotWrite(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	existing, _ := s.CreateTask(ctx, user, task.CreateInput{Title: "known"})

	err := s.ReadTx(ctx, user, func(tx *store.Tx) error {
		for _, tc := range []struct {
			c    task.Task
			want Outcome
		}{
			{task.Task{Title: "unknown"}, Import},
			{task.Task{Title: "known", Description: "x", UpdatedAt: existing.UpdatedAt.Add(time.Second)}, Update},
			{task.Task{Title: "known", UpdatedAt: existing.UpdatedAt.Add(-time.Second)}, Conflict},
			{task.Task{ID: existing.ID, Title: "known"}, Unchanged},
		} {
			p, err := Prepare(tc.c, tx.Now())
			if err != nil {
				return err
			}
			d, err := Classify(ctx, tx, p)
			if err != nil {
				return err
			}
			if d.Outcome != tc.want {
				t.Errorf("%+v: got %s, want %s", tc.c, d.Outcome, tc.want)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if n, _ := s.CountTasks(ctx, user); n != 1 {
		t.Errorf("classify wrote: count %d", n)
	}
}
