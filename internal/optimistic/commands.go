package optimistic

import (
	"context"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/majitask/majitask/internal/task"
)

// PlaceholderPrefix marks ids of entities shown before the backend
// confirmed them.
const PlaceholderPrefix = "pending_"

// isPlaceholder reports whether id belongs to an unconfirmed entity.
func isPlaceholder(id string) bool {
	return strings.HasPrefix(id, PlaceholderPrefix)
}

func placeholderID() string { return PlaceholderPrefix + uuid.NewString() }

// command is one optimistic mutation. apply, confirm and revert run under
// the store lock; run performs the backend call without it.
type command interface {
	name() string
	target() string
	apply(s *Store, seq uint64)
	run(ctx context.Context, b Backend) error
	confirm(s *Store)
	revert(s *Store)
}

// fieldWrite is an in-flight update. before holds, per written field, the
// value a rollback restores; settling an older write on the same field
// rewrites it.
type fieldWrite struct {
	seq    uint64
	before task.Task
}

type createCmd struct {
	in     task.CreateInput
	tmpID  string
	result *task.Task
}

func (c *createCmd) name() string { return "create" }

func (c *createCmd) target() string {
	if c.result != nil {
		return c.result.ID
	}
	return c.tmpID
}

func (c *createCmd) apply(s *Store, _ uint64) {
	tmp, err := task.Build(c.in, s.now())
	if err != nil {
		// Invalid input; the backend reports why.
		return
	}
	tmp.ID = placeholderID()
	c.tmpID = tmp.ID
	s.tasks = slices.Insert(s.tasks, 0, tmp)
}

func (c *createCmd) run(ctx context.Context, b Backend) (err error) {
	c.result, err = b.Create(ctx, c.in)
	return err
}

func (c *createCmd) confirm(s *Store) {
	i := s.indexOf(c.tmpID)
	switch {
	case s.indexOf(c.result.ID) >= 0:
		if i >= 0 {
			s.tasks = slices.Delete(s.tasks, i, i+1)
		}
	case i >= 0:
		s.tasks[i] = c.result.Clone()
	default:
		s.tasks = slices.Insert(s.tasks, 0, c.result.Clone())
	}
	if c.result.ParentID != "" {
		for _, p := range s.views(c.result.ParentID) {
			if !slices.Contains(p.SubtaskIDs, c.result.ID) {
				p.SubtaskIDs = append(p.SubtaskIDs, c.result.ID)
			}
		}
	}
}

func (c *createCmd) revert(s *Store) {
	if i := s.indexOf(c.tmpID); i >= 0 {
		s.tasks = slices.Delete(s.tasks, i, i+1)
	}
}

type updateCmd struct {
	id      string
	in      task.UpdateInput
	w       *fieldWrite
	fields  []string
	applied bool
	result  *task.Task
}

func (c *updateCmd) name() string   { return "update" }
func (c *updateCmd) target() string { return c.id }

func (c *updateCmd) apply(s *Store, seq uint64) {
	c.w = &fieldWrite{seq: seq}
	views := s.views(c.id)
	if len(views) == 0 {
		return
	}
	next := views[0].Clone()
	if err := task.ApplyUpdate(&next, c.in, s.now()); err != nil {
		return
	}
	c.w.before = views[0].Clone()
	c.fields = c.in.Fields()
	for _, v := range views {
		for _, f := range c.fields {
			task.CopyField(v, next, f)
		}
		v.UpdatedAt = next.UpdatedAt
	}
	m := s.writers[c.id]
	if m == nil {
		m = map[string][]*fieldWrite{}
		s.writers[c.id] = m
	}
	for _, f := range c.fields {
		m[f] = append(m[f], c.w)
	}
	c.applied = true
}

func (c *updateCmd) run(ctx context.Context, b Backend) (err error) {
	c.result, err = b.Update(ctx, c.id, c.in)
	return err
}

// settle retires this write from every field it wrote. Where it is the
// newest writer the held value becomes src; otherwise src becomes what the
// next newer writer restores on rollback. A confirmed write also retires
// every older writer of the field, whose outcome can no longer show.
func (c *updateCmd) settle(s *Store, src task.Task, confirmed bool) (shown bool) {
	m := s.writers[c.id]
	views := s.views(c.id)
	for _, f := range c.fields {
		ws := m[f]
		i := slices.Index(ws, c.w)
		if i < 0 {
			continue
		}
		if i == len(ws)-1 {
			for _, v := range views {
				task.CopyField(v, src, f)
			}
			shown = true
		} else {
			task.CopyField(&ws[i+1].before, src, f)
		}
		from := i
		if confirmed {
			from = 0
		}
		if ws = slices.Delete(ws, from, i+1); len(ws) == 0 {
			delete(m, f)
		} else {
			m[f] = ws
		}
	}
	if len(m) == 0 {
		delete(s.writers, c.id)
	}
	return shown
}

func (c *updateCmd) confirm(s *Store) {
	if !c.applied {
		fresh := c.result.Clone()
		s.overlay(&fresh)
		for _, v := range s.views(c.id) {
			*v = fresh.Clone()
		}
		return
	}
	c.settle(s, *c.result, true)
	_, busy := s.writers[c.id]
	for _, v := range s.views(c.id) {
		v.ViewCount = c.result.ViewCount
		if !busy {
			v.UpdatedAt = c.result.UpdatedAt
			v.EditCount = c.result.EditCount
			v.SubtaskIDs = slices.Clone(c.result.SubtaskIDs)
		}
	}
}

func (c *updateCmd) revert(s *Store) {
	if !c.applied {
		return
	}
	shown := c.settle(s, c.w.before, false)
	if _, busy := s.writers[c.id]; shown && !busy {
		for _, v := range s.views(c.id) {
			v.UpdatedAt = c.w.before.UpdatedAt
		}
	}
}

type deleteCmd struct {
	id       string
	removed  *task.Task
	index    int
	current  *task.Task
	comments []task.Comment
}

func (c *deleteCmd) name() string   { return "delete" }
func (c *deleteCmd) target() string { return c.id }

func (c *deleteCmd) apply(s *Store, _ uint64) {
	if i := s.indexOf(c.id); i >= 0 {
		t := s.tasks[i]
		c.removed, c.index = &t, i
		s.tasks = slices.Delete(s.tasks, i, i+1)
	}
	if s.current != nil && s.current.ID == c.id {
		c.current = s.current
		s.current = nil
	}
	if s.commentsFor == c.id {
		c.comments = s.comments
		s.comments = nil
	}
}

func (c *deleteCmd) run(ctx context.Context, b Backend) error {
	return b.Remove(ctx, c.id)
}

func (c *deleteCmd) confirm(s *Store) {
	delete(s.writers, c.id)
	for i := range s.tasks {
		t := &s.tasks[i]
		if t.ParentID == c.id {
			t.ParentID = ""
		}
		t.SubtaskIDs = slices.DeleteFunc(t.SubtaskIDs, func(id string) bool { return id == c.id })
	}
	if s.current != nil && s.current.ParentID == c.id {
		s.current.ParentID = ""
	}
	if s.commentsFor == c.id {
		s.comments, s.commentsFor = nil, ""
	}
}

func (c *deleteCmd) revert(s *Store) {
	if c.removed != nil && s.indexOf(c.id) < 0 {
		s.tasks = slices.Insert(s.tasks, min(c.index, len(s.tasks)), *c.removed)
	}
	if c.current != nil && s.current == nil {
		s.current = c.current
	}
	if c.comments != nil && s.commentsFor == c.id && len(s.comments) == 0 {
		s.comments = c.comments
	}
}

type commentCmd struct {
	taskID string
	body   string
	tmpID  string
	result *task.Comment
}

func (c *commentCmd) name() string   { return "comment" }
func (c *commentCmd) target() string { return c.taskID }

func (c *commentCmd) apply(s *Store, _ uint64) {
	if s.commentsFor != c.taskID {
		return
	}
	now := s.now()
	c.tmpID = placeholderID()
	s.comments = slices.Insert(s.comments, 0, task.Comment{
		ID:        c.tmpID,
		TaskID:    c.taskID,
		Body:      c.body,
		Type:      task.CommentPlain,
		CreatedAt: now,
		UpdatedAt: now,
	})
}

func (c *commentCmd) run(ctx context.Context, b Backend) (err error) {
	c.result, err = b.AddComment(ctx, c.taskID, c.body)
	return err
}

func (c *commentCmd) index(s *Store, id string) int {
	return slices.IndexFunc(s.comments, func(cm task.Comment) bool { return cm.ID == id })
}

func (c *commentCmd) confirm(s *Store) {
	if s.commentsFor != c.taskID {
		return
	}
	i := c.index(s, c.tmpID)
	switch {
	case c.index(s, c.result.ID) >= 0:
		if i >= 0 {
			s.comments = slices.Delete(s.comments, i, i+1)
		}
	case i >= 0:
		s.comments[i] = *c.result
	default:
		s.comments = slices.Insert(s.comments, 0, *c.result)
	}
}

func (c *commentCmd) revert(s *Store) {
	if c.tmpID == "" {
		return
	}
	if i := c.index(s, c.tmpID); i >= 0 {
		s.comments = slices.Delete(s.comments, i, i+1)
	}
}
