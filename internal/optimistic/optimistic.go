// Package optimistic holds the task state a UI renders. Mutations are shown
// before the backend confirms them and rolled back when it refuses.
package optimistic

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/majitask/majitask/internal/events"
	"github.com/majitask/majitask/internal/task"
)

// Backend performs the real operations; *repository.Repository satisfies it.
type Backend interface {
	GetAll(ctx context.Context, f task.ListFilter) (*task.Page, error)
	Get(ctx context.Context, id string) (*task.Task, error)
	Create(ctx context.Context, in task.CreateInput) (*task.Task, error)
	Update(ctx context.Context, id string, in task.UpdateInput) (*task.Task, error)
	Remove(ctx context.Context, id string) error
	AddComment(ctx context.Context, taskID, body string) (*task.Comment, error)
	GetComments(ctx context.Context, taskID string, q task.CommentQuery) (*task.CommentPage, error)
}

// State is a copy of the held view.
type State struct {
	Tasks    []task.Task
	Meta     task.PageMeta
	Current  *task.Task
	Comments []task.Comment
	// CommentsFor is the task the comments belong to.
	CommentsFor string
	// Pending counts mutations awaiting the backend.
	Pending int
}

// Store is the optimistic state store. It is safe for concurrent use; the
// lock is never held across backend calls.
type Store struct {
	backend Backend
	bus     events.Publisher
	now     func() time.Time

	mu          sync.Mutex
	tasks       []task.Task
	meta        task.PageMeta
	current     *task.Task
	comments    []task.Comment
	commentsFor string
	seq         uint64
	inflight    int
	// writers holds, per task and field, the in-flight updates that wrote
	// the field, oldest first.
	writers map[string]map[string][]*fieldWrite

	lmu       sync.Mutex
	listeners map[int]func(State)
	nextID    int
}

// New creates an empty store over backend. bus may be nil.
func New(backend Backend, bus events.Publisher) *Store {
	return &Store{
		backend:   backend,
		bus:       bus,
		now:       func() time.Time { return time.Now().UTC() },
		writers:   map[string]map[string][]*fieldWrite{},
		listeners: map[int]func(State){},
	}
}

// State returns a copy of the current view.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *Store) stateLocked() State {
	st := State{
		Tasks:       make([]task.Task, len(s.tasks)),
		Meta:        s.meta,
		Comments:    slices.Clone(s.comments),
		CommentsFor: s.commentsFor,
		Pending:     s.inflight,
	}
	for i, t := range s.tasks {
		st.Tasks[i] = t.Clone()
	}
	if s.current != nil {
		c := s.current.Clone()
		st.Current = &c
	}
	return st
}

// Subscribe registers fn to receive the state after every transition. The
// returned function removes it.
func (s *Store) Subscribe(fn func(State)) func() {
	s.lmu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.lmu.Unlock()
	return func() {
		s.lmu.Lock()
		delete(s.listeners, id)
		s.lmu.Unlock()
	}
}

func (s *Store) notify(st State) {
	s.lmu.Lock()
	fns := make([]func(State), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.lmu.Unlock()
	for _, fn := range fns {
		fn(st)
	}
}

// transition runs fn under the lock and notifies listeners.
func (s *Store) transition(fn func()) {
	s.mu.Lock()
	fn()
	st := s.stateLocked()
	s.mu.Unlock()
	s.notify(st)
}

// Load replaces the task list with a page from the backend. Fields still
// being written by in-flight updates keep their provisional values.
func (s *Store) Load(ctx context.Context, f task.ListFilter) error {
	page, err := s.backend.GetAll(ctx, f)
	if err != nil {
		return err
	}
	s.transition(func() {
		s.tasks = make([]task.Task, 0, len(page.Tasks))
		for _, t := range page.Tasks {
			s.overlay(&t)
			s.tasks = append(s.tasks, t)
		}
		s.meta = page.Meta
	})
	return nil
}

// Select loads a task as the current one.
func (s *Store) Select(ctx context.Context, id string) (*task.Task, error) {
	t, err := s.backend.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.transition(func() {
		c := t.Clone()
		s.overlay(&c)
		s.current = &c
		if i := s.indexOf(id); i >= 0 {
			s.tasks[i].ViewCount = c.ViewCount
		}
	})
	return t, nil
}

// LoadComments loads the comments of a task.
func (s *Store) LoadComments(ctx context.Context, taskID string, q task.CommentQuery) error {
	page, err := s.backend.GetComments(ctx, taskID, q)
	if err != nil {
		return err
	}
	s.transition(func() {
		s.comments = slices.Clone(page.Comments)
		s.commentsFor = taskID
	})
	return nil
}

// Create shows a placeholder task at the top of the list until the backend
// returns the stored one.
func (s *Store) Create(ctx context.Context, in task.CreateInput) (*task.Task, error) {
	c := &createCmd{in: in}
	if err := s.execute(ctx, c); err != nil {
		return nil, err
	}
	return c.result, nil
}

// Update shows the changed fields immediately.
func (s *Store) Update(ctx context.Context, id string, in task.UpdateInput) (*task.Task, error) {
	c := &updateCmd{id: id, in: in}
	if err := s.execute(ctx, c); err != nil {
		return nil, err
	}
	return c.result, nil
}

// Delete hides the task immediately.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.execute(ctx, &deleteCmd{id: id})
}

// AddComment shows a placeholder comment at the top of the task's comments.
func (s *Store) AddComment(ctx context.Context, taskID, body string) (*task.Comment, error) {
	c := &commentCmd{taskID: taskID, body: body}
	if err := s.execute(ctx, c); err != nil {
		return nil, err
	}
	return c.result, nil
}

// execute runs a command: apply, call the backend, then confirm or revert.
// Commands aimed at a placeholder are refused until its create confirms.
func (s *Store) execute(ctx context.Context, c command) error {
	if id := c.target(); isPlaceholder(id) {
		return task.Conflict("task %s is not saved yet", id)
	}
	s.transition(func() {
		s.seq++
		s.inflight++
		c.apply(s, s.seq)
	})

	err := c.run(ctx, s.backend)

	s.transition(func() {
		s.inflight--
		if err != nil {
			c.revert(s)
		} else {
			c.confirm(s)
		}
	})
	if err != nil {
		slog.Debug("optimistic mutation reverted", "mutation", c.name(), "task", c.target(), "error", err)
		if s.bus != nil {
			s.bus.Publish(events.NewTypedEvent(events.SourceOptimistic, events.MutationRevertedPayload{
				Mutation: c.name(),
				TaskID:   c.target(),
				Kind:     task.KindOf(err),
				Error:    err.Error(),
			}))
		}
	}
	return err
}

func (s *Store) indexOf(id string) int {
	return slices.IndexFunc(s.tasks, func(t task.Task) bool { return t.ID == id })
}

// views returns every held copy of task id.
func (s *Store) views(id string) []*task.Task {
	var out []*task.Task
	if i := s.indexOf(id); i >= 0 {
		out = append(out, &s.tasks[i])
	}
	if s.current != nil && s.current.ID == id {
		out = append(out, s.current)
	}
	return out
}

// overlay keeps provisional values of in-flight writes on a freshly loaded
// task. The loaded values become what a rollback of the oldest writer
// restores.
func (s *Store) overlay(t *task.Task) {
	fields := s.writers[t.ID]
	if len(fields) == 0 {
		return
	}
	var held *task.Task
	if v := s.views(t.ID); len(v) > 0 {
		held = v[0]
	}
	for f, ws := range fields {
		if len(ws) == 0 {
			continue
		}
		task.CopyField(&ws[0].before, *t, f)
		if held != nil {
			task.CopyField(t, *held, f)
		}
	}
}
