package task

import (
	"cmp"
	"slices"
	"strings"
)

const (
	DefaultPageLimit = 20
	MaxPageLimit     = 100
	DefaultSortBy    = "created_at"
	DefaultOrder     = "desc"
)

// SortKeys lists the accepted sortBy values.
var SortKeys = []string{"created_at", "updated_at", "title", "priority", "deadline", "status", "progress"}

// ListFilter selects, orders and paginates tasks. Field names match the
// query parameters of GET /tasks.
type ListFilter struct {
	Status   Status `json:"status,omitempty"`
	Category string `json:"category,omitempty"`
	Search   string `json:"search,omitempty"`
	ParentID string `json:"parent_id,omitempty"`
	Page     int    `json:"page,omitempty"`
	Limit    int    `json:"limit,omitempty"`
	SortBy   string `json:"sortBy,omitempty"`
	Order    string `json:"order,omitempty"`
}

// Normalized returns f with defaults applied and out-of-range values clamped.
func (f ListFilter) Normalized() ListFilter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit < 1 {
		f.Limit = DefaultPageLimit
	}
	if f.Limit > MaxPageLimit {
		f.Limit = MaxPageLimit
	}
	if !slices.Contains(SortKeys, f.SortBy) {
		f.SortBy = DefaultSortBy
	}
	f.Order = strings.ToLower(f.Order)
	if f.Order != "asc" {
		f.Order = DefaultOrder
	}
	f.Search = strings.TrimSpace(f.Search)
	return f
}

// Matches reports whether t passes the filter's predicates.
func (f ListFilter) Matches(t Task) bool {
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.Category != "" && t.Category != f.Category {
		return false
	}
	if f.ParentID != "" && t.ParentID != f.ParentID {
		return false
	}
	if f.Search != "" {
		needle := FoldCase(f.Search)
		if !strings.Contains(FoldCase(t.Title), needle) &&
			!strings.Contains(FoldCase(t.Description), needle) {
			return false
		}
	}
	return true
}

// FoldCase is the case folding used by search. The SQL store registers it
// as a database function so both adapters match the same rows.
func FoldCase(s string) string {
	return strings.ToLower(s)
}

// PageMeta is the pagination envelope shared by both adapters.
type PageMeta struct {
	Page       int  `json:"page"`
	Limit      int  `json:"limit"`
	Total      int  `json:"total"`
	TotalPages int  `json:"totalPages"`
	HasNext    bool `json:"hasNext"`
	HasPrev    bool `json:"hasPrev"`
}

// NewPageMeta computes the envelope for a page of a collection of total items.
func NewPageMeta(page, limit, total int) PageMeta {
	pages := 0
	if limit > 0 {
		pages = (total + limit - 1) / limit
	}
	return PageMeta{
		Page:       page,
		Limit:      limit,
		Total:      total,
		TotalPages: pages,
		HasNext:    page < pages,
		HasPrev:    page > 1,
	}
}

// Page is one page of tasks.
type Page struct {
	Tasks []Task   `json:"data"`
	Meta  PageMeta `json:"meta"`
}

// CommentQuery paginates comments.
type CommentQuery struct {
	Page  int `json:"page,omitempty"`
	Limit int `json:"limit,omitempty"`
}

// Normalized applies the same clamping rules as ListFilter.
func (q CommentQuery) Normalized() CommentQuery {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Limit < 1 {
		q.Limit = DefaultPageLimit
	}
	if q.Limit > MaxPageLimit {
		q.Limit = MaxPageLimit
	}
	return q
}

// CommentPage is one page of comments, newest first.
type CommentPage struct {
	Comments []Comment `json:"data"`
	Meta     PageMeta  `json:"meta"`
}

// Compare orders a and b by the given sort key in ascending order, breaking
// ties by ID so that pagination is stable. Missing deadlines sort first.
func Compare(a, b Task, sortBy string) int {
	var c int
	switch sortBy {
	case "updated_at":
		c = a.UpdatedAt.Compare(b.UpdatedAt)
	case "title":
		c = strings.Compare(a.Title, b.Title)
	case "priority":
		c = cmp.Compare(a.Priority, b.Priority)
	case "deadline":
		switch {
		case a.Deadline == nil && b.Deadline == nil:
		case a.Deadline == nil:
			c = -1
		case b.Deadline == nil:
			c = 1
		default:
			c = a.Deadline.Compare(*b.Deadline)
		}
	case "status":
		c = strings.Compare(string(a.Status), string(b.Status))
	case "progress":
		c = cmp.Compare(a.Progress, b.Progress)
	default:
		c = a.CreatedAt.Compare(b.CreatedAt)
	}
	if c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

// Query filters, sorts and paginates an in-memory collection with the same
// semantics as the relational store.
func Query(all []Task, f ListFilter) Page {
	f = f.Normalized()
	matched := make([]Task, 0, len(all))
	for _, t := range all {
		if f.Matches(t) {
			matched = append(matched, t)
		}
	}
	slices.SortFunc(matched, func(a, b Task) int {
		c := Compare(a, b, f.SortBy)
		if f.Order == "desc" {
			return -c
		}
		return c
	})

	meta := NewPageMeta(f.Page, f.Limit, len(matched))
	start := (f.Page - 1) * f.Limit
	if start > len(matched) {
		start = len(matched)
	}
	end := min(start+f.Limit, len(matched))
	return Page{Tasks: matched[start:end], Meta: meta}
}
