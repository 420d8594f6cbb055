// Package store is the relational system of record behind the task API.
// Every query is scoped to the owning user.
package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"

	"github.com/majitask/majitask/internal/task"
)

//go:embed schema.sql
var schema string

func init() {
	sqlite.MustRegisterDeterministicScalarFunction("fold_case", 1, foldCase)
}

// foldCase exposes task.FoldCase to SQL. SQLite's lower() only folds ASCII.
func foldCase(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	switch v := args[0].(type) {
	case nil:
		return nil, nil
	case string:
		return task.FoldCase(v), nil
	case []byte:
		return task.FoldCase(string(v)), nil
	default:
		return task.FoldCase(fmt.Sprint(v)), nil
	}
}

// timeLayout has fixed-width fractions so that text ordering equals time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const taskColumns = `id, user_id, title, description, status, priority, progress, category, tags,
	deadline, completed_at, parent_id, time_spent, estimated_duration, view_count, edit_count,
	created_at, updated_at`

// sortColumns maps accepted sortBy keys to columns.
var sortColumns = map[string]string{
	"created_at": "created_at",
	"updated_at": "updated_at",
	"title":      "title",
	"priority":   "priority",
	"deadline":   "deadline",
	"status":     "status",
	"progress":   "progress",
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store wraps the SQLite database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (and creates if needed) the database at path. ":memory:" gives a
// private in-memory database.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// A single connection serialises writers and keeps :memory: databases alive.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA foreign_keys = ON", "PRAGMA busy_timeout = 5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return task.Internal(fmt.Errorf("ping: %w", err))
	}
	return nil
}

// SetClock overrides the time source.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// Now returns the store clock.
func (s *Store) Now() time.Time {
	return s.now()
}

// ListTasks returns one page of the user's tasks.
func (s *Store) ListTasks(ctx context.Context, userID string, f task.ListFilter) (*task.Page, error) {
	f = f.Normalized()

	where := []string{"user_id = ?"}
	args := []any{userID}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Category != "" {
		where = append(where, "category = ?")
		args = append(args, f.Category)
	}
	if f.ParentID != "" {
		where = append(where, "parent_id = ?")
		args = append(args, f.ParentID)
	}
	if f.Search != "" {
		needle := task.FoldCase(f.Search)
		where = append(where, "(instr(fold_case(title), ?) > 0 OR instr(fold_case(description), ?) > 0)")
		args = append(args, needle, needle)
	}
	clause := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks WHERE "+clause, args...).Scan(&total); err != nil {
		return nil, task.Internal(fmt.Errorf("count tasks: %w", err))
	}

	dir := "DESC"
	if f.Order == "asc" {
		dir = "ASC"
	}
	query := fmt.Sprintf("SELECT %s FROM tasks WHERE %s ORDER BY %s %s, id %s LIMIT ? OFFSET ?",
		taskColumns, clause, sortColumns[f.SortBy], dir, dir)
	args = append(args, f.Limit, (f.Page-1)*f.Limit)

	list, err := queryTasks(ctx, s.db, query, args...)
	if err != nil {
		return nil, err
	}
	for i := range list {
		if list[i].SubtaskIDs, err = subtaskIDs(ctx, s.db, userID, list[i].ID); err != nil {
			return nil, err
		}
	}

	return &task.Page{Tasks: list, Meta: task.NewPageMeta(f.Page, f.Limit, total)}, nil
}

// GetTask reads a task without side effects.
func (s *Store) GetTask(ctx context.Context, userID, id string) (*task.Task, error) {
	return getTask(ctx, s.db, userID, id)
}

// ViewTask reads a task and increments its view count.
func (s *Store) ViewTask(ctx context.Context, userID, id string) (*task.Task, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE tasks SET view_count = view_count + 1 WHERE id = ? AND user_id = ?", id, userID)
	if err != nil {
		return nil, task.Internal(fmt.Errorf("count view: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, task.NotFound("task %s", id)
	}
	return getTask(ctx, s.db, userID, id)
}

// CreateTask validates and inserts a new task.
func (s *Store) CreateTask(ctx context.Context, userID string, in task.CreateInput) (*task.Task, error) {
	now := s.now()
	t, err := task.Build(in, now)
	if err != nil {
		return nil, err
	}
	t.ID = uuid.NewString()
	t.UserID = userID

	err = s.InTx(ctx, userID, func(tx *Tx) error {
		if t.ParentID != "" {
			if err := tx.checkParent(ctx, t.ID, t.ParentID); err != nil {
				return err
			}
		}
		if err := insertTask(ctx, tx.tx, &t); err != nil {
			return err
		}
		return logActivity(ctx, tx.tx, userID, t.ID, "created", t.Title, now)
	})
	if err != nil {
		return nil, err
	}
	return s.GetTask(ctx, userID, t.ID)
}

// UpdateTask applies a partial update. Status transitions leave a
// status_change comment on the task.
func (s *Store) UpdateTask(ctx context.Context, userID, id string, in task.UpdateInput) (*task.Task, error) {
	err := s.InTx(ctx, userID, func(tx *Tx) error {
		current, err := getTask(ctx, tx.tx, userID, id)
		if err != nil {
			return err
		}
		next := current.Clone()
		now := s.now()
		if err := task.ApplyUpdate(&next, in, now); err != nil {
			return err
		}
		if next.ParentID != "" && next.ParentID != current.ParentID {
			if err := tx.checkParent(ctx, id, next.ParentID); err != nil {
				return err
			}
		}
		if err := updateTask(ctx, tx.tx, &next); err != nil {
			return err
		}
		if next.Status != current.Status {
			body := fmt.Sprintf("Status changed from %s to %s", current.Status, next.Status)
			if _, err := insertComment(ctx, tx.tx, id, userID, body, task.CommentStatusChange, now); err != nil {
				return err
			}
		}
		return logActivity(ctx, tx.tx, userID, id, "updated", strings.Join(in.Fields(), ","), now)
	})
	if err != nil {
		return nil, err
	}
	return s.GetTask(ctx, userID, id)
}

// DeleteTask removes a task, detaches its subtasks and drops its comments.
func (s *Store) DeleteTask(ctx context.Context, userID, id string) error {
	return s.InTx(ctx, userID, func(tx *Tx) error {
		if _, err := getTask(ctx, tx.tx, userID, id); err != nil {
			return err
		}
		now := s.now()
		if _, err := tx.tx.ExecContext(ctx,
			"UPDATE tasks SET parent_id = NULL, updated_at = ? WHERE parent_id = ? AND user_id = ?",
			formatTime(now), id, userID); err != nil {
			return task.Internal(fmt.Errorf("detach subtasks: %w", err))
		}
		if _, err := tx.tx.ExecContext(ctx, "DELETE FROM comments WHERE task_id = ?", id); err != nil {
			return task.Internal(fmt.Errorf("delete comments: %w", err))
		}
		if _, err := tx.tx.ExecContext(ctx, "DELETE FROM tasks WHERE id = ? AND user_id = ?", id, userID); err != nil {
			return task.Internal(fmt.Errorf("delete task: %w", err))
		}
		return logActivity(ctx, tx.tx, userID, id, "deleted", "", now)
	})
}

// AddComment attaches a comment authored by the user.
func (s *Store) AddComment(ctx context.Context, userID, taskID string, in task.CommentInput) (*task.Comment, error) {
	if err := task.ValidateComment(&in); err != nil {
		return nil, err
	}
	var c *task.Comment
	err := s.InTx(ctx, userID, func(tx *Tx) error {
		if _, err := getTask(ctx, tx.tx, userID, taskID); err != nil {
			return err
		}
		var err error
		c, err = insertComment(ctx, tx.tx, taskID, userID, in.Body, in.Type, s.now())
		return err
	})
	return c, err
}

// ListComments pages through a task's comments, newest first.
func (s *Store) ListComments(ctx context.Context, userID, taskID string, q task.CommentQuery) (*task.CommentPage, error) {
	q = q.Normalized()
	if _, err := getTask(ctx, s.db, userID, taskID); err != nil {
		return nil, err
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM comments WHERE task_id = ?", taskID).Scan(&total); err != nil {
		return nil, task.Internal(fmt.Errorf("count comments: %w", err))
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, author, body, comment_type, edited, created_at, updated_at
		FROM comments WHERE task_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, taskID, q.Limit, (q.Page-1)*q.Limit)
	if err != nil {
		return nil, task.Internal(fmt.Errorf("list comments: %w", err))
	}
	defer rows.Close()

	comments := []task.Comment{}
	for rows.Next() {
		var c task.Comment
		var created, updated string
		if err := rows.Scan(&c.ID, &c.TaskID, &c.Author, &c.Body, &c.Type, &c.Edited, &created, &updated); err != nil {
			return nil, task.Internal(fmt.Errorf("scan comment: %w", err))
		}
		c.CreatedAt, _ = parseTime(created)
		c.UpdatedAt, _ = parseTime(updated)
		comments = append(comments, c)
	}
	if err := rows.Err(); err != nil {
		return nil, task.Internal(err)
	}
	return &task.CommentPage{Comments: comments, Meta: task.NewPageMeta(q.Page, q.Limit, total)}, nil
}

// Activity is one row of the per-task activity log.
type Activity struct {
	TaskID    string    `json:"task_id"`
	Action    string    `json:"action"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ListActivity returns the activity log of a task, oldest first.
func (s *Store) ListActivity(ctx context.Context, userID, taskID string) ([]Activity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, action, detail, created_at FROM activity
		WHERE user_id = ? AND task_id = ? ORDER BY id ASC
	`, userID, taskID)
	if err != nil {
		return nil, task.Internal(fmt.Errorf("list activity: %w", err))
	}
	defer rows.Close()

	var out []Activity
	for rows.Next() {
		var a Activity
		var created string
		if err := rows.Scan(&a.TaskID, &a.Action, &a.Detail, &created); err != nil {
			return nil, task.Internal(err)
		}
		a.CreatedAt, _ = parseTime(created)
		out = append(out, a)
	}
	return out, rows.Err()
}

// LastActivity returns the time of the user's most recent activity with the
// given action, or nil when there is none.
func (s *Store) LastActivity(ctx context.Context, userID, action string) (*time.Time, error) {
	var created sql.NullString
	err := s.db.QueryRowContext(ctx,
		"SELECT MAX(created_at) FROM activity WHERE user_id = ? AND action = ?", userID, action).Scan(&created)
	if err != nil {
		return nil, task.Internal(fmt.Errorf("last activity: %w", err))
	}
	return parseNullTime(created), nil
}

// Stats summarises a user's tasks.
type Stats struct {
	Total      int                 `json:"total"`
	ByStatus   map[task.Status]int `json:"by_status"`
	Categories []string            `json:"categories"`
}

// UserStats computes task statistics for a user.
func (s *Store) UserStats(ctx context.Context, userID string) (*Stats, error) {
	st := &Stats{ByStatus: map[task.Status]int{}, Categories: []string{}}
	rows, err := s.db.QueryContext(ctx,
		"SELECT status, COUNT(*) FROM tasks WHERE user_id = ? GROUP BY status", userID)
	if err != nil {
		return nil, task.Internal(fmt.Errorf("stats: %w", err))
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, task.Internal(err)
		}
		st.ByStatus[task.Status(status)] = n
		st.Total += n
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx,
		"SELECT DISTINCT category FROM tasks WHERE user_id = ? ORDER BY category", userID)
	if err != nil {
		return nil, task.Internal(fmt.Errorf("stats categories: %w", err))
	}
	defer rows.Close()
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, task.Internal(err)
		}
		st.Categories = append(st.Categories, c)
	}
	return st, rows.Err()
}

// CountTasks returns the number of tasks owned by the user.
func (s *Store) CountTasks(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks WHERE user_id = ?", userID).Scan(&n)
	if err != nil {
		return 0, task.Internal(err)
	}
	return n, nil
}

func getTask(ctx context.Context, q querier, userID, id string) (*task.Task, error) {
	list, err := queryTasks(ctx, q,
		"SELECT "+taskColumns+" FROM tasks WHERE id = ? AND user_id = ?", id, userID)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, task.NotFound("task %s", id)
	}
	t := list[0]
	if t.SubtaskIDs, err = subtaskIDs(ctx, q, userID, id); err != nil {
		return nil, err
	}
	return &t, nil
}

func queryTasks(ctx context.Context, q querier, query string, args ...any) ([]task.Task, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, task.Internal(fmt.Errorf("query tasks: %w", err))
	}
	defer rows.Close()

	list := []task.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, t)
	}
	if err := rows.Err(); err != nil {
		return nil, task.Internal(err)
	}
	return list, nil
}

func scanTask(rows *sql.Rows) (task.Task, error) {
	var (
		t                              task.Task
		status, tags, created, updated string
		deadline, completed, parent    sql.NullString
		estimated                      sql.NullInt64
	)
	err := rows.Scan(&t.ID, &t.UserID, &t.Title, &t.Description, &status, &t.Priority, &t.Progress,
		&t.Category, &tags, &deadline, &completed, &parent, &t.TimeSpent, &estimated,
		&t.ViewCount, &t.EditCount, &created, &updated)
	if err != nil {
		return t, task.Internal(fmt.Errorf("scan task: %w", err))
	}
	t.Status = task.Status(status)
	if err := json.Unmarshal([]byte(tags), &t.Tags); err != nil {
		return t, task.Internal(fmt.Errorf("decode tags of %s: %w", t.ID, err))
	}
	t.Deadline = parseNullTime(deadline)
	t.CompletedAt = parseNullTime(completed)
	t.ParentID = parent.String
	if estimated.Valid {
		v := int(estimated.Int64)
		t.EstimatedDuration = &v
	}
	t.CreatedAt, _ = parseTime(created)
	t.UpdatedAt, _ = parseTime(updated)
	return t, nil
}

func subtaskIDs(ctx context.Context, q querier, userID, id string) ([]string, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT id FROM tasks WHERE user_id = ? AND parent_id = ? ORDER BY created_at, id", userID, id)
	if err != nil {
		return nil, task.Internal(fmt.Errorf("list subtasks: %w", err))
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var sub string
		if err := rows.Scan(&sub); err != nil {
			return nil, task.Internal(err)
		}
		ids = append(ids, sub)
	}
	return ids, rows.Err()
}

func insertTask(ctx context.Context, q querier, t *task.Task) error {
	tags, _ := json.Marshal(nonNilTags(t.Tags))
	_, err := q.ExecContext(ctx, `INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, t.Title, t.Description, string(t.Status), t.Priority, t.Progress, t.Category,
		string(tags), nullTime(t.Deadline), nullTime(t.CompletedAt), nullString(t.ParentID),
		t.TimeSpent, nullInt(t.EstimatedDuration), t.ViewCount, t.EditCount,
		formatTime(t.CreatedAt), formatTime(t.UpdatedAt))
	return classifyWriteError("insert task", err)
}

func updateTask(ctx context.Context, q querier, t *task.Task) error {
	tags, _ := json.Marshal(nonNilTags(t.Tags))
	_, err := q.ExecContext(ctx, `UPDATE tasks SET
		title = ?, description = ?, status = ?, priority = ?, progress = ?, category = ?, tags = ?,
		deadline = ?, completed_at = ?, parent_id = ?, time_spent = ?, estimated_duration = ?,
		edit_count = ?, updated_at = ?
		WHERE id = ? AND user_id = ?`,
		t.Title, t.Description, string(t.Status), t.Priority, t.Progress, t.Category, string(tags),
		nullTime(t.Deadline), nullTime(t.CompletedAt), nullString(t.ParentID), t.TimeSpent,
		nullInt(t.EstimatedDuration), t.EditCount, formatTime(t.UpdatedAt), t.ID, t.UserID)
	return classifyWriteError("update task", err)
}

func insertComment(ctx context.Context, q querier, taskID, author, body string, typ task.CommentType, now time.Time) (*task.Comment, error) {
	c := &task.Comment{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		Author:    author,
		Body:      body,
		Type:      typ,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO comments (id, task_id, author, body, comment_type, edited, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)
	`, c.ID, c.TaskID, c.Author, c.Body, string(c.Type), formatTime(now), formatTime(now))
	if err != nil {
		return nil, classifyWriteError("insert comment", err)
	}
	return c, nil
}

func logActivity(ctx context.Context, q querier, userID, taskID, action, detail string, now time.Time) error {
	_, err := q.ExecContext(ctx,
		"INSERT INTO activity (user_id, task_id, action, detail, created_at) VALUES (?, ?, ?, ?, ?)",
		userID, taskID, action, detail, formatTime(now))
	if err != nil {
		return task.Internal(fmt.Errorf("log activity: %w", err))
	}
	return nil
}

// classifyWriteError maps constraint violations onto the error taxonomy.
func classifyWriteError(op string, err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed: tasks.user_id, tasks.title"):
		return task.Conflict("a task with this title already exists")
	case strings.Contains(msg, "constraint failed"):
		return task.Invalid(op+" rejected", map[string]string{"constraint": msg})
	}
	return task.Internal(fmt.Errorf("%s: %w", op, err))
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Parse(time.RFC3339Nano, s)
	}
	return t, nil
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nonNilTags(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

var errRollback = errors.New("rollback")
