// Package task holds the task and comment value types shared by every storage
// backend, together with their validation rules and lifecycle invariants.
package task

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusTodo       Status = "todo"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusTodo, StatusInProgress, StatusDone:
		return true
	}
	return false
}

const (
	DefaultCategory = "General"
	DefaultPriority = 2
	MinPriority     = 1
	MaxPriority     = 4
	MaxTitleLength  = 255
	MaxCommentBody  = 5000

	// LocalIDPrefix marks identifiers minted by the local store. A task carrying
	// it has never been accepted by the server.
	LocalIDPrefix = "local_"
)

// Task is the central entity. It is passed by value across adapter boundaries.
type Task struct {
	ID                string     `json:"id"`
	UserID            string     `json:"user_id,omitempty"`
	Title             string     `json:"title"`
	Description       string     `json:"description,omitempty"`
	Status            Status     `json:"status"`
	Priority          int        `json:"priority"`
	Progress          int        `json:"progress"`
	Category          string     `json:"category"`
	Tags              []string   `json:"tags,omitempty"`
	Deadline          *time.Time `json:"deadline,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	ParentID          string     `json:"parent_id,omitempty"`
	SubtaskIDs        []string   `json:"subtask_ids,omitempty"`
	TimeSpent         int        `json:"time_spent"`
	EstimatedDuration *int       `json:"estimated_duration,omitempty"`
	ViewCount         int        `json:"view_count"`
	EditCount         int        `json:"edit_count"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Clone returns a deep copy of t.
func (t Task) Clone() Task {
	c := t
	if t.Tags != nil {
		c.Tags = append([]string(nil), t.Tags...)
	}
	if t.SubtaskIDs != nil {
		c.SubtaskIDs = append([]string(nil), t.SubtaskIDs...)
	}
	c.Deadline = cloneTime(t.Deadline)
	c.CompletedAt = cloneTime(t.CompletedAt)
	if t.EstimatedDuration != nil {
		v := *t.EstimatedDuration
		c.EstimatedDuration = &v
	}
	return c
}

// IsLocal reports whether the task was created offline and never synced.
func (t Task) IsLocal() bool {
	return IsLocalID(t.ID)
}

// IsLocalID reports whether id was minted by the local store.
func IsLocalID(id string) bool {
	return strings.HasPrefix(id, LocalIDPrefix)
}

var localSeq atomic.Uint64

// NewLocalID returns a process-unique identifier for entities created offline.
func NewLocalID() string {
	return fmt.Sprintf("%s%d_%d", LocalIDPrefix, time.Now().UnixNano(), localSeq.Add(1))
}

// CommentType classifies a comment.
type CommentType string

const (
	CommentPlain        CommentType = "comment"
	CommentStatusChange CommentType = "status_change"
	CommentSystem       CommentType = "system"
)

// Valid reports whether c is a known comment type.
func (c CommentType) Valid() bool {
	switch c {
	case CommentPlain, CommentStatusChange, CommentSystem:
		return true
	}
	return false
}

// Comment is attached to exactly one task.
type Comment struct {
	ID        string      `json:"id"`
	TaskID    string      `json:"task_id"`
	Author    string      `json:"author"`
	Body      string      `json:"body"`
	Type      CommentType `json:"comment_type"`
	Edited    bool        `json:"edited"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// CommentInput is the payload of "add comment".
type CommentInput struct {
	Body string      `json:"body"`
	Type CommentType `json:"commentType,omitempty"`
}

// CreateInput carries the fields accepted when creating a task.
type CreateInput struct {
	Title             string     `json:"title"`
	Description       string     `json:"description,omitempty"`
	Status            Status     `json:"status,omitempty"`
	Priority          int        `json:"priority,omitempty"`
	Progress          int        `json:"progress,omitempty"`
	Category          string     `json:"category,omitempty"`
	Tags              []string   `json:"tags,omitempty"`
	Deadline          *time.Time `json:"deadline,omitempty"`
	ParentID          string     `json:"parent_id,omitempty"`
	TimeSpent         int        `json:"time_spent,omitempty"`
	EstimatedDuration *int       `json:"estimated_duration,omitempty"`
}

// Nullable is a JSON field that tells an absent value apart from an explicit null.
type Nullable[T any] struct {
	Set   bool
	Valid bool
	V     T
}

// Value returns a Nullable carrying v.
func Value[T any](v T) Nullable[T] {
	return Nullable[T]{Set: true, Valid: true, V: v}
}

// Null returns a Nullable that clears the field.
func Null[T any]() Nullable[T] {
	return Nullable[T]{Set: true}
}

// IsZero lets encoding/json omit unset fields with omitzero.
func (n Nullable[T]) IsZero() bool { return !n.Set }

// Ptr returns the value as a pointer, nil when null.
func (n Nullable[T]) Ptr() *T {
	if !n.Valid {
		return nil
	}
	v := n.V
	return &v
}

func (n Nullable[T]) MarshalJSON() ([]byte, error) {
	if !n.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(n.V)
}

func (n *Nullable[T]) UnmarshalJSON(b []byte) error {
	n.Set = true
	if string(b) == "null" {
		n.Valid = false
		var zero T
		n.V = zero
		return nil
	}
	if err := json.Unmarshal(b, &n.V); err != nil {
		return err
	}
	n.Valid = true
	return nil
}

// UpdateInput is a partial update. Nil pointers and unset Nullables leave the
// stored value untouched.
type UpdateInput struct {
	Title             *string             `json:"title,omitempty"`
	Description       *string             `json:"description,omitempty"`
	Status            *Status             `json:"status,omitempty"`
	Priority          *int                `json:"priority,omitempty"`
	Progress          *int                `json:"progress,omitempty"`
	Category          *string             `json:"category,omitempty"`
	Tags              *[]string           `json:"tags,omitempty"`
	Deadline          Nullable[time.Time] `json:"deadline,omitzero"`
	ParentID          Nullable[string]    `json:"parent_id,omitzero"`
	TimeSpent         *int                `json:"time_spent,omitempty"`
	EstimatedDuration Nullable[int]       `json:"estimated_duration,omitzero"`
}

// Field names reported by UpdateInput.Fields.
const (
	FieldTitle             = "title"
	FieldDescription       = "description"
	FieldStatus            = "status"
	FieldPriority          = "priority"
	FieldProgress          = "progress"
	FieldCategory          = "category"
	FieldTags              = "tags"
	FieldDeadline          = "deadline"
	FieldParentID          = "parent_id"
	FieldTimeSpent         = "time_spent"
	FieldEstimatedDuration = "estimated_duration"
	FieldCompletedAt       = "completed_at"
)

// Fields lists the task fields an update writes, including the ones it
// touches implicitly through the status/progress coupling.
func (u UpdateInput) Fields() []string {
	var fields []string
	add := func(set bool, name string) {
		if set {
			fields = append(fields, name)
		}
	}
	add(u.Title != nil, FieldTitle)
	add(u.Description != nil, FieldDescription)
	add(u.Status != nil, FieldStatus)
	add(u.Priority != nil, FieldPriority)
	add(u.Progress != nil, FieldProgress)
	add(u.Category != nil, FieldCategory)
	add(u.Tags != nil, FieldTags)
	add(u.Deadline.Set, FieldDeadline)
	add(u.ParentID.Set, FieldParentID)
	add(u.TimeSpent != nil, FieldTimeSpent)
	add(u.EstimatedDuration.Set, FieldEstimatedDuration)
	if u.Status != nil || u.Progress != nil {
		if u.Status == nil {
			fields = append(fields, FieldStatus)
		}
		if u.Progress == nil {
			fields = append(fields, FieldProgress)
		}
		fields = append(fields, FieldCompletedAt)
	}
	return fields
}

// Empty reports whether the update sets nothing.
func (u UpdateInput) Empty() bool {
	return len(u.Fields()) == 0
}

// CopyField copies a single named field from src into dst.
func CopyField(dst *Task, src Task, field string) {
	src = src.Clone()
	switch field {
	case FieldTitle:
		dst.Title = src.Title
	case FieldDescription:
		dst.Description = src.Description
	case FieldStatus:
		dst.Status = src.Status
	case FieldPriority:
		dst.Priority = src.Priority
	case FieldProgress:
		dst.Progress = src.Progress
	case FieldCategory:
		dst.Category = src.Category
	case FieldTags:
		dst.Tags = src.Tags
	case FieldDeadline:
		dst.Deadline = src.Deadline
	case FieldParentID:
		dst.ParentID = src.ParentID
	case FieldTimeSpent:
		dst.TimeSpent = src.TimeSpent
	case FieldEstimatedDuration:
		dst.EstimatedDuration = src.EstimatedDuration
	case FieldCompletedAt:
		dst.CompletedAt = src.CompletedAt
	}
}

// SyncError is a per-task failure reported by a reconciliation pass.
type SyncError struct {
	Task  string `json:"task"`
	Error string `json:"error"`
}

// SyncRecord is the outcome of one reconciliation pass. It is never persisted.
type SyncRecord struct {
	Imported  int         `json:"imported"`
	Updated   int         `json:"updated"`
	Conflicts []string    `json:"conflicts"`
	Errors    []SyncError `json:"errors"`
	// IDs maps each accepted candidate's submitted identifier to the
	// identifier it now has on the server.
	IDs map[string]string `json:"ids,omitempty"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
