package task

import (
	"strings"
	"time"
	"unicode/utf8"
)

// Build turns a create input into a new task with defaults filled and the
// status/progress invariant applied. The caller assigns ID and owner.
func Build(in CreateInput, now time.Time) (Task, error) {
	t := Task{
		Title:             strings.TrimSpace(in.Title),
		Description:       in.Description,
		Status:            in.Status,
		Priority:          in.Priority,
		Progress:          in.Progress,
		Category:          strings.TrimSpace(in.Category),
		Tags:              normalizeTags(in.Tags),
		Deadline:          cloneTime(in.Deadline),
		ParentID:          in.ParentID,
		TimeSpent:         in.TimeSpent,
		EstimatedDuration: in.EstimatedDuration,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if t.Priority == 0 {
		t.Priority = DefaultPriority
	}
	if t.Category == "" {
		t.Category = DefaultCategory
	}
	if t.Status == "" {
		t.Status = StatusTodo
		if t.Progress >= 100 {
			t.Status = StatusDone
		}
	}
	if err := Validate(t); err != nil {
		return Task{}, err
	}
	Normalize(&t, now)
	return t, nil
}

// ApplyUpdate merges u into t, refreshes UpdatedAt and EditCount and restores
// the status/progress invariant. Progress reaching 100 without an explicit
// status moves the task to done.
func ApplyUpdate(t *Task, u UpdateInput, now time.Time) error {
	next := t.Clone()
	if u.Title != nil {
		next.Title = strings.TrimSpace(*u.Title)
	}
	if u.Description != nil {
		next.Description = *u.Description
	}
	if u.Priority != nil {
		next.Priority = *u.Priority
	}
	if u.Category != nil {
		next.Category = strings.TrimSpace(*u.Category)
		if next.Category == "" {
			next.Category = DefaultCategory
		}
	}
	if u.Tags != nil {
		next.Tags = normalizeTags(*u.Tags)
	}
	if u.Deadline.Set {
		next.Deadline = u.Deadline.Ptr()
	}
	if u.ParentID.Set {
		next.ParentID = u.ParentID.V
	}
	if u.TimeSpent != nil {
		next.TimeSpent = *u.TimeSpent
	}
	if u.EstimatedDuration.Set {
		next.EstimatedDuration = u.EstimatedDuration.Ptr()
	}
	if u.Progress != nil {
		next.Progress = *u.Progress
	}
	switch {
	case u.Status != nil:
		next.Status = *u.Status
	case u.Progress != nil && *u.Progress >= 100:
		next.Status = StatusDone
	case u.Progress != nil && next.Status == StatusDone:
		next.Status = StatusInProgress
	}
	if err := Validate(next); err != nil {
		return err
	}
	Normalize(&next, now)
	next.UpdatedAt = now
	next.EditCount++
	*t = next
	return nil
}

// Normalize enforces status == done <=> progress == 100 <=> completed_at set.
// Status always wins over progress.
func Normalize(t *Task, now time.Time) {
	if t.Status == StatusDone {
		t.Progress = 100
		if t.CompletedAt == nil {
			c := now
			t.CompletedAt = &c
		}
		return
	}
	t.CompletedAt = nil
	if t.Progress >= 100 {
		t.Progress = 0
	}
}

// Validate checks attribute constraints and returns a VALIDATION error
// listing every offending field.
func Validate(t Task) error {
	fields := map[string]string{}
	n := utf8.RuneCountInString(t.Title)
	switch {
	case n == 0:
		fields[FieldTitle] = "is required"
	case n > MaxTitleLength:
		fields[FieldTitle] = "must be at most 255 characters"
	}
	if !t.Status.Valid() {
		fields[FieldStatus] = "must be one of todo, in_progress, done"
	}
	if t.Priority < MinPriority || t.Priority > MaxPriority {
		fields[FieldPriority] = "must be between 1 and 4"
	}
	if t.Progress < 0 || t.Progress > 100 {
		fields[FieldProgress] = "must be between 0 and 100"
	}
	if utf8.RuneCountInString(t.Category) > 100 {
		fields[FieldCategory] = "must be at most 100 characters"
	}
	if t.TimeSpent < 0 {
		fields[FieldTimeSpent] = "must not be negative"
	}
	if t.EstimatedDuration != nil && *t.EstimatedDuration < 0 {
		fields[FieldEstimatedDuration] = "must not be negative"
	}
	if t.ParentID != "" && t.ParentID == t.ID {
		fields[FieldParentID] = "must not reference the task itself"
	}
	if len(fields) > 0 {
		return Invalid("invalid task", fields)
	}
	return nil
}

// ValidateComment checks a comment input and fills the default type.
func ValidateComment(in *CommentInput) error {
	in.Body = strings.TrimSpace(in.Body)
	if in.Type == "" {
		in.Type = CommentPlain
	}
	fields := map[string]string{}
	n := utf8.RuneCountInString(in.Body)
	if n == 0 {
		fields["body"] = "is required"
	} else if n > MaxCommentBody {
		fields["body"] = "must be at most 5000 characters"
	}
	if !in.Type.Valid() {
		fields["commentType"] = "must be one of comment, status_change, system"
	}
	if len(fields) > 0 {
		return Invalid("invalid comment", fields)
	}
	return nil
}

// SameContent reports whether a and b agree on every field a sync candidate
// may overwrite.
func SameContent(a, b Task) bool {
	return a.Title == b.Title &&
		a.Description == b.Description &&
		a.Status == b.Status &&
		a.Priority == b.Priority &&
		a.Progress == b.Progress &&
		a.Category == b.Category &&
		equalStrings(a.Tags, b.Tags) &&
		equalTime(a.Deadline, b.Deadline) &&
		a.ParentID == b.ParentID &&
		a.TimeSpent == b.TimeSpent &&
		equalInt(a.EstimatedDuration, b.EstimatedDuration)
}

// LinkSubtasks recomputes SubtaskIDs for every task in list from ParentID.
func LinkSubtasks(list []Task) {
	children := make(map[string][]string)
	for _, t := range list {
		if t.ParentID != "" {
			children[t.ParentID] = append(children[t.ParentID], t.ID)
		}
	}
	for i := range list {
		list[i].SubtaskIDs = children[list[i].ID]
	}
}

func normalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		out = append(out, tag)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func equalTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func equalInt(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
