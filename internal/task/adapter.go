package task

import "context"

// Adapter is the operation contract shared by the remote and local backends.
type Adapter interface {
	// Name identifies the backend in logs ("remote", "local").
	Name() string
	List(ctx context.Context, f ListFilter) (*Page, error)
	// Get returns a task and counts the read as a view.
	Get(ctx context.Context, id string) (*Task, error)
	Create(ctx context.Context, in CreateInput) (*Task, error)
	Update(ctx context.Context, id string, in UpdateInput) (*Task, error)
	Delete(ctx context.Context, id string) error
	AddComment(ctx context.Context, taskID string, in CommentInput) (*Comment, error)
	ListComments(ctx context.Context, taskID string, q CommentQuery) (*CommentPage, error)
}

// BulkSyncer is implemented by backends that accept a bulk reconciliation batch.
type BulkSyncer interface {
	Sync(ctx context.Context, tasks []Task) (*SyncRecord, error)
}
