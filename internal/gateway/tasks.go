package gateway

import (
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/majitask/majitask/internal/events"
	"github.com/majitask/majitask/internal/reconcile"
	"github.com/majitask/majitask/internal/store"
	"github.com/majitask/majitask/internal/task"
)

// maxBulkTasks bounds one bulk sync batch.
const maxBulkTasks = 1000

// bulkRequest is the body of POST /tasks/sync/bulk.
type bulkRequest struct {
	Tasks []task.Task `json:"tasks"`
}

func (s *Server) publish(r *http.Request, p events.EventPayload) {
	s.bus.Publish(events.NewTypedEventForUser(events.SourceGateway, p, userID(r)))
}

// parseFilter reads the list query parameters.
func parseFilter(q url.Values) (task.ListFilter, error) {
	f := task.ListFilter{
		Status:   task.Status(q.Get("status")),
		Category: q.Get("category"),
		Search:   q.Get("search"),
		ParentID: firstOf(q, "parent_id", "parentId"),
		SortBy:   q.Get("sortBy"),
		Order:    q.Get("order"),
	}
	fields := map[string]string{}
	if f.Status != "" && !f.Status.Valid() {
		fields["status"] = "must be one of todo, in_progress, done"
	}
	var err error
	if f.Page, err = intParam(q, "page"); err != nil {
		fields["page"] = "must be an integer"
	}
	if f.Limit, err = intParam(q, "limit"); err != nil {
		fields["limit"] = "must be an integer"
	}
	if len(fields) > 0 {
		return task.ListFilter{}, task.Invalid("invalid query", fields)
	}
	return f.Normalized(), nil
}

func firstOf(q url.Values, keys ...string) string {
	for _, k := range keys {
		if v := q.Get(k); v != "" {
			return v
		}
	}
	return ""
}

func intParam(q url.Values, key string) (int, error) {
	v := q.Get(key)
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r.URL.Query())
	if err != nil {
		writeError(w, r, err)
		return
	}
	page, err := s.store.ListTasks(r.Context(), userID(r), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, page.Tasks, page.Meta)
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var in task.CreateInput
	if err := decodeBody(w, r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	t, err := s.store.CreateTask(r.Context(), userID(r), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.publish(r, events.TaskCreatedPayload{Task: *t})
	writeData(w, http.StatusCreated, t, nil)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.store.ViewTask(r.Context(), userID(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, t, nil)
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	var in task.UpdateInput
	if err := decodeBody(w, r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	t, err := s.store.UpdateTask(r.Context(), userID(r), chi.URLParam(r, "id"), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.publish(r, events.TaskUpdatedPayload{Task: *t, Fields: in.Fields()})
	writeData(w, http.StatusOK, t, nil)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.DeleteTask(r.Context(), userID(r), id); err != nil {
		writeError(w, r, err)
		return
	}
	s.publish(r, events.TaskDeletedPayload{TaskID: id})
	writeData(w, http.StatusOK, nil, nil)
}

func (s *Server) handleListComments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, perr := intParam(q, "page")
	limit, lerr := intParam(q, "limit")
	if perr != nil || lerr != nil {
		writeError(w, r, task.Invalid("invalid query", map[string]string{"page": "page and limit must be integers"}))
		return
	}
	res, err := s.store.ListComments(r.Context(), userID(r), chi.URLParam(r, "id"),
		task.CommentQuery{Page: page, Limit: limit}.Normalized())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, res.Comments, res.Meta)
}

func (s *Server) handleAddComment(w http.ResponseWriter, r *http.Request) {
	var in task.CommentInput
	if err := decodeBody(w, r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	c, err := s.store.AddComment(r.Context(), userID(r), chi.URLParam(r, "id"), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.publish(r, events.CommentAddedPayload{Comment: *c})
	writeData(w, http.StatusCreated, c, nil)
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetTask(ctx, userID(r), id); err != nil {
		writeError(w, r, err)
		return
	}
	list, err := s.store.ListActivity(ctx, userID(r), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if list == nil {
		list = []store.Activity{}
	}
	writeData(w, http.StatusOK, list, nil)
}

// handleBulkSync merges a batch of client-held tasks in one transaction.
func (s *Server) handleBulkSync(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if len(req.Tasks) > maxBulkTasks {
		writeError(w, r, task.Invalid("batch too large", map[string]string{
			"tasks": "must contain at most " + strconv.Itoa(maxBulkTasks) + " tasks",
		}))
		return
	}

	start := time.Now()
	var rec *task.SyncRecord
	err := s.store.InTx(r.Context(), userID(r), func(tx *store.Tx) error {
		var err error
		rec, err = reconcile.Merge(r.Context(), tx, req.Tasks)
		return err
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	s.publish(r, events.SyncCompletedPayload{
		Pushed:    len(req.Tasks),
		Imported:  rec.Imported,
		Updated:   rec.Updated,
		Conflicts: rec.Conflicts,
		Errors:    len(rec.Errors),
		Duration:  time.Since(start),
	})
	writeData(w, http.StatusOK, rec, nil)
}
