package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func checkInvariant(t *testing.T, tk Task) {
	t.Helper()
	done := tk.Status == StatusDone
	if done != (tk.Progress == 100) {
		t.Errorf("status %q with progress %d breaks invariant", tk.Status, tk.Progress)
	}
	if done != (tk.CompletedAt != nil) {
		t.Errorf("status %q with completed_at %v breaks invariant", tk.Status, tk.CompletedAt)
	}
}

func TestBuildDefaults(t *testing.T) {
	tk, err := Build(CreateInput{Title: "  Write report  "}, now)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if tk.Title != "Write report" {
		t.Errorf("Title: got %q", tk.Title)
	}
	if tk.Status != StatusTodo {
		t.Errorf("Status: got %q, want todo", tk.Status)
	}
	if tk.Priority != DefaultPriority {
		t.Errorf("Priority: got %d", tk.Priority)
	}
	if tk.Category != DefaultCategory {
		t.Errorf("Category: got %q", tk.Category)
	}
	if !tk.CreatedAt.Equal(now) || !tk.UpdatedAt.Equal(now) {
		t.Errorf("timestamps not set: %v %v", tk.CreatedAt, tk.UpdatedAt)
	}
	checkInvariant(t, tk)
}

func TestBuildStatusProgressCoupling(t *testing.T) {
	tests := []struct {
		name         string
		in           CreateInput
		wantStatus   Status
		wantProgress int
	}{
		{"progress 100 implies done", CreateInput{Title: "a", Progress: 100}, StatusDone, 100},
		{"done implies progress 100", CreateInput{Title: "a", Status: StatusDone, Progress: 20}, StatusDone, 100},
		{"explicit status wins", CreateInput{Title: "a", Status: StatusTodo, Progress: 100}, StatusTodo, 0},
		{"partial progress kept", CreateInput{Title: "a", Status: StatusInProgress, Progress: 40}, StatusInProgress, 40},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tk, err := Build(tt.in, now)
			if err != nil {
				t.Fatalf("Build: %v", err)
			}
			if tk.Status != tt.wantStatus || tk.Progress != tt.wantProgress {
				t.Errorf("got %s/%d, want %s/%d", tk.Status, tk.Progress, tt.wantStatus, tt.wantProgress)
			}
			checkInvariant(t, tk)
		})
	}
}

func TestBuildValidation(t *testing.T) {
	tests := []struct {
		name  string
		in    CreateInput
		field string
	}{
		{"missing title", CreateInput{Title: "   "}, FieldTitle},
		{"long title", CreateInput{Title: strings.Repeat("x", 256)}, FieldTitle},
		{"bad status", CreateInput{Title: "a", Status: "blocked"}, FieldStatus},
		{"priority high", CreateInput{Title: "a", Priority: 5}, FieldPriority},
		{"priority low", CreateInput{Title: "a", Priority: -1}, FieldPriority},
		{"progress", CreateInput{Title: "a", Progress: 101}, FieldProgress},
		{"time spent", CreateInput{Title: "a", TimeSpent: -3}, FieldTimeSpent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build(tt.in, now)
			if !IsKind(err, KindValidation) {
				t.Fatalf("expected VALIDATION, got %v", err)
			}
			var te *Error
			errors.As(err, &te)
			if _, ok := te.Fields[tt.field]; !ok {
				t.Errorf("expected field %q in %v", tt.field, te.Fields)
			}
		})
	}
}

func TestApplyUpdateTransitions(t *testing.T) {
	tk, _ := Build(CreateInput{Title: "a"}, now)
	later := now.Add(time.Hour)

	done := StatusDone
	if err := ApplyUpdate(&tk, UpdateInput{Status: &done}, later); err != nil {
		t.Fatalf("ApplyUpdate: %v", err)
	}
	checkInvariant(t, tk)
	if tk.CompletedAt == nil || !tk.CompletedAt.Equal(later) {
		t.Errorf("CompletedAt: got %v, want %v", tk.CompletedAt, later)
	}
	if tk.EditCount != 1 || !tk.UpdatedAt.Equal(later) {
		t.Errorf("edit bookkeeping: count=%d updated=%v", tk.EditCount, tk.UpdatedAt)
	}

	p := 30
	if err := ApplyUpdate(&tk, UpdateInput{Progress: &p}, later.Add(time.Minute)); err != nil {
		t.Fatalf("ApplyUpdate: %v", err)
	}
	if tk.Status != StatusInProgress || tk.Progress != 30 {
		t.Errorf("reopen: got %s/%d", tk.Status, tk.Progress)
	}
	checkInvariant(t, tk)

	full := 100
	if err := ApplyUpdate(&tk, UpdateInput{Progress: &full}, later.Add(2*time.Minute)); err != nil {
		t.Fatalf("ApplyUpdate: %v", err)
	}
	if tk.Status != StatusDone {
		t.Errorf("progress 100 should complete the task, got %s", tk.Status)
	}
	checkInvariant(t, tk)

	todo := StatusTodo
	if err := ApplyUpdate(&tk, UpdateInput{Status: &todo}, later.Add(3*time.Minute)); err != nil {
		t.Fatalf("ApplyUpdate: %v", err)
	}
	if tk.Progress != 0 || tk.CompletedAt != nil {
		t.Errorf("leaving done: progress=%d completed=%v", tk.Progress, tk.CompletedAt)
	}
}

func TestApplyUpdateRejectsInvalidWithoutMutation(t *testing.T) {
	tk, _ := Build(CreateInput{Title: "a"}, now)
	before := tk.Clone()
	bad := 9
	if err := ApplyUpdate(&tk, UpdateInput{Priority: &bad}, now.Add(time.Second)); !IsKind(err, KindValidation) {
		t.Fatalf("expected VALIDATION, got %v", err)
	}
	if tk.Priority != before.Priority || tk.EditCount != before.EditCount {
		t.Errorf("task mutated by rejected update: %+v", tk)
	}
}

func TestUpdateInputJSON(t *testing.T) {
	var u UpdateInput
	if err := json.Unmarshal([]byte(`{"title":"x","deadline":null}`), &u); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if u.Title == nil || *u.Title != "x" {
		t.Errorf("title not decoded")
	}
	if !u.Deadline.Set || u.Deadline.Valid {
		t.Errorf("deadline null not detected: %+v", u.Deadline)
	}
	if u.ParentID.Set {
		t.Errorf("absent parent_id reported as set")
	}

	data, err := json.Marshal(UpdateInput{ParentID: Null[string]()})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"parent_id":null}` {
		t.Errorf("marshal: got %s", data)
	}
}

func TestUpdateFieldsIncludeCoupledFields(t *testing.T) {
	done := StatusDone
	fields := UpdateInput{Status: &done}.Fields()
	want := map[string]bool{FieldStatus: true, FieldProgress: true, FieldCompletedAt: true}
	if len(fields) != len(want) {
		t.Fatalf("got %v", fields)
	}
	for _, f := range fields {
		if !want[f] {
			t.Errorf("unexpected field %q", f)
		}
	}
	if !(UpdateInput{}).Empty() {
		t.Error("zero update should be empty")
	}
}

func TestQueryFilterSortPaginate(t *testing.T) {
	var all []Task
	for i := 0; i < 25; i++ {
		status := StatusTodo
		if i%3 == 0 {
			status = StatusDone
		}
		all = append(all, Task{
			ID:        fmt.Sprintf("t%02d", i),
			Title:     fmt.Sprintf("Task %02d", i),
			Status:    status,
			Priority:  1 + i%4,
			Category:  DefaultCategory,
			CreatedAt: now.Add(time.Duration(i%5) * time.Minute),
		})
	}

	page := Query(all, ListFilter{})
	if page.Meta.Total != 25 || page.Meta.Limit != 20 || page.Meta.TotalPages != 2 || !page.Meta.HasNext || page.Meta.HasPrev {
		t.Fatalf("meta: %+v", page.Meta)
	}
	if len(page.Tasks) != 20 {
		t.Fatalf("page size: %d", len(page.Tasks))
	}
	for i := 1; i < len(page.Tasks); i++ {
		if Compare(page.Tasks[i-1], page.Tasks[i], "created_at") < 0 {
			t.Fatalf("not sorted desc at %d", i)
		}
	}

	done := Query(all, ListFilter{Status: StatusDone, Limit: 100})
	if done.Meta.Total != 9 {
		t.Errorf("done total: got %d, want 9", done.Meta.Total)
	}

	search := Query(all, ListFilter{Search: "task 1"})
	if search.Meta.Total != 10 {
		t.Errorf("search total: got %d, want 10", search.Meta.Total)
	}
}

func TestQueryPagesCoverCollection(t *testing.T) {
	var all []Task
	for i := 0; i < 37; i++ {
		all = append(all, Task{
			ID:        fmt.Sprintf("id-%02d", i),
			Title:     "same",
			Status:    StatusTodo,
			Priority:  2,
			CreatedAt: now, // identical keys force the ID tiebreak
		})
	}
	seen := map[string]bool{}
	f := ListFilter{Limit: 10, SortBy: "priority", Order: "asc"}
	for {
		p := Query(all, f)
		for _, tk := range p.Tasks {
			if seen[tk.ID] {
				t.Fatalf("duplicate %s on page %d", tk.ID, f.Page)
			}
			seen[tk.ID] = true
		}
		if !p.Meta.HasNext {
			break
		}
		f.Page = p.Meta.Page + 1
	}
	if len(seen) != len(all) {
		t.Errorf("pages covered %d of %d tasks", len(seen), len(all))
	}
}

func TestLinkSubtasks(t *testing.T) {
	list := []Task{{ID: "p"}, {ID: "c1", ParentID: "p"}, {ID: "c2", ParentID: "p"}, {ID: "x"}}
	LinkSubtasks(list)
	if len(list[0].SubtaskIDs) != 2 {
		t.Errorf("parent subtasks: %v", list[0].SubtaskIDs)
	}
	if list[3].SubtaskIDs != nil {
		t.Errorf("leaf subtasks: %v", list[3].SubtaskIDs)
	}
}

func TestKindOf(t *testing.T) {
	wrapped := fmt.Errorf("get task: %w", NotFound("task %s", "x"))
	if KindOf(wrapped) != KindNotFound {
		t.Errorf("got %s", KindOf(wrapped))
	}
	if KindOf(errors.New("boom")) != KindInternal {
		t.Error("untyped errors should be INTERNAL")
	}
	if KindOf(nil) != "" {
		t.Error("nil error should have no kind")
	}
	if !IsTransport(Transport(errors.New("dial tcp"))) {
		t.Error("expected transport")
	}
}

func TestLocalIDs(t *testing.T) {
	a, b := NewLocalID(), NewLocalID()
	if a == b {
		t.Fatal("local ids collide")
	}
	if !IsLocalID(a) || IsLocalID("3f1c0d4e-0000-4000-8000-000000000000") {
		t.Error("IsLocalID misclassifies")
	}
}
