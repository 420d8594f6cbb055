package migration

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/majitask/majitask/internal/task"
)

// Record is one exported task as found in the source file. Keys may be
// snake_case or camelCase; values may be of any JSON or YAML scalar type.
type Record map[string]any

// Rejection identifies a record that failed validation.
type Rejection struct {
	Index  int               `json:"index"`
	Title  string            `json:"title,omitempty"`
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

// Candidate is a normalised record together with its position in the input.
type Candidate struct {
	Index int
	Task  task.Task
}

// epochMillisThreshold separates epoch seconds from epoch milliseconds.
// 1e11 seconds lies in the year 5138; 1e11 milliseconds in 1973.
const epochMillisThreshold = 1e11

// maxEpochMillis is the last millisecond of the year 9999.
const maxEpochMillis = 253402300799999

var statusAliases = map[string]task.Status{
	"todo":        task.StatusTodo,
	"to-do":       task.StatusTodo,
	"to_do":       task.StatusTodo,
	"pending":     task.StatusTodo,
	"open":        task.StatusTodo,
	"new":         task.StatusTodo,
	"in_progress": task.StatusInProgress,
	"in-progress": task.StatusInProgress,
	"inprogress":  task.StatusInProgress,
	"in progress": task.StatusInProgress,
	"doing":       task.StatusInProgress,
	"active":      task.StatusInProgress,
	"done":        task.StatusDone,
	"completed":   task.StatusDone,
	"complete":    task.StatusDone,
	"finished":    task.StatusDone,
	"closed":      task.StatusDone,
}

var priorityNames = map[string]int{
	"low":      1,
	"normal":   2,
	"medium":   2,
	"high":     3,
	"urgent":   4,
	"critical": 4,
}

var stringLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
	time.RFC1123Z,
	time.RFC1123,
}

// Normalize converts raw records into canonical tasks. Records that fail
// shape validation are returned as rejections and left out of the result.
func Normalize(records []Record, now time.Time) ([]Candidate, []Rejection) {
	var out []Candidate
	var rejected []Rejection
	for i, r := range records {
		t, fields := normalizeRecord(r, now)
		if len(fields) == 0 {
			if err := task.Validate(withDefaults(t)); err != nil {
				var te *task.Error
				if errors.As(err, &te) && len(te.Fields) > 0 {
					fields = te.Fields
				} else {
					fields = map[string]string{"record": err.Error()}
				}
			}
		}
		if len(fields) > 0 {
			rejected = append(rejected, Rejection{
				Index:  i,
				Title:  t.Title,
				Error:  "invalid record",
				Fields: fields,
			})
			continue
		}
		out = append(out, Candidate{Index: i, Task: t})
	}
	return out, rejected
}

// withDefaults mirrors the defaults the reconciliation engine applies so that
// validation sees the record as it would be stored.
func withDefaults(t task.Task) task.Task {
	if t.Status == "" {
		t.Status = task.StatusTodo
	}
	if t.Priority == 0 {
		t.Priority = task.DefaultPriority
	}
	return t
}

func normalizeRecord(r Record, now time.Time) (task.Task, map[string]string) {
	fields := map[string]string{}
	var t task.Task

	t.ID = str(pick(r, "id", "_id", "uuid"))
	t.Title = strings.TrimSpace(str(pick(r, "title", "text", "name")))
	t.Description = str(pick(r, "description", "desc", "notes", "note"))
	t.Category = strings.TrimSpace(str(pick(r, "category", "list", "project")))
	t.ParentID = str(pick(r, "parent_id", "parentId", "parent"))

	if v := pick(r, "status", "state"); v != nil {
		raw := strings.ToLower(strings.TrimSpace(str(v)))
		if s, ok := statusAliases[raw]; ok {
			t.Status = s
		} else if raw != "" {
			t.Status = task.Status(raw)
		}
	}
	if t.Status == "" {
		if b, ok := pick(r, "completed", "done", "isCompleted", "is_completed").(bool); ok && b {
			t.Status = task.StatusDone
		}
	}

	if v := pick(r, "priority"); v != nil {
		p, err := priority(v)
		if err != nil {
			fields[task.FieldPriority] = err.Error()
		}
		t.Priority = p
	}
	if v := pick(r, "progress", "percent", "percentComplete"); v != nil {
		n, ok := integer(v)
		if !ok {
			fields[task.FieldProgress] = "must be a number"
		}
		t.Progress = n
	}
	if v := pick(r, "time_spent", "timeSpent"); v != nil {
		n, ok := integer(v)
		if !ok {
			fields[task.FieldTimeSpent] = "must be a number"
		}
		t.TimeSpent = n
	}
	if v := pick(r, "estimated_duration", "estimatedDuration", "estimate"); v != nil {
		if n, ok := integer(v); ok {
			t.EstimatedDuration = &n
		} else {
			fields[task.FieldEstimatedDuration] = "must be a number"
		}
	}
	t.Tags = tags(pick(r, "tags", "labels"))

	stamp := func(field string, keys ...string) *time.Time {
		v := pick(r, keys...)
		if v == nil {
			return nil
		}
		ts, err := ParseTimestamp(v)
		if err != nil {
			fields[field] = err.Error()
			return nil
		}
		return ts
	}
	created := stamp("created_at", "created_at", "createdAt", "created")
	updated := stamp("updated_at", "updated_at", "updatedAt", "modified", "lastModified")
	t.Deadline = stamp(task.FieldDeadline, "deadline", "due", "dueDate", "due_date")
	t.CompletedAt = stamp("completed_at", "completed_at", "completedAt")

	switch {
	case created != nil:
		t.CreatedAt = *created
	case updated != nil:
		t.CreatedAt = *updated
	default:
		t.CreatedAt = now
	}
	if updated != nil {
		t.UpdatedAt = *updated
	} else {
		t.UpdatedAt = t.CreatedAt
	}
	return t, fields
}

// ParseTimestamp reads the timestamp encodings found in exports: RFC 3339 and
// other ISO-8601 strings, date-only strings, and epoch seconds or
// milliseconds given as numbers or numeric strings. Zone-less strings are UTC.
// A nil or empty value yields nil.
func ParseTimestamp(v any) (*time.Time, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case time.Time:
		t := x.UTC()
		return &t, nil
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return nil, nil
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return epoch(f)
		}
		for _, layout := range stringLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				t = t.UTC()
				return &t, nil
			}
		}
		return nil, fmt.Errorf("unrecognised timestamp %q", s)
	default:
		f, ok := number(v)
		if !ok {
			return nil, fmt.Errorf("unsupported timestamp type %T", v)
		}
		return epoch(f)
	}
}

func epoch(f float64) (*time.Time, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return nil, fmt.Errorf("invalid epoch value %v", f)
	}
	if f > maxEpochMillis {
		return nil, fmt.Errorf("epoch value %v is out of range", f)
	}
	var t time.Time
	if f >= epochMillisThreshold {
		t = time.UnixMilli(int64(f)).UTC()
	} else {
		sec, frac := math.Modf(f)
		t = time.Unix(int64(sec), int64(frac*1e9)).UTC()
	}
	return &t, nil
}

func priority(v any) (int, error) {
	if s, ok := v.(string); ok {
		s = strings.ToLower(strings.TrimSpace(s))
		if p, ok := priorityNames[s]; ok {
			return p, nil
		}
		if s == "" {
			return 0, nil
		}
	}
	n, ok := integer(v)
	if !ok {
		return 0, fmt.Errorf("unknown priority %v", v)
	}
	if n < task.MinPriority || n > task.MaxPriority {
		return n, fmt.Errorf("must be between 1 and 4")
	}
	return n, nil
}

func pick(r Record, keys ...string) any {
	for _, k := range keys {
		if v, ok := r[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func str(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case json.Number:
		return x.String()
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

func number(v any) (float64, bool) {
	switch x := v.(type) {
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint64:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	}
	return 0, false
}

func integer(v any) (int, bool) {
	f, ok := number(v)
	if !ok {
		return 0, false
	}
	return int(math.Round(f)), true
}

func tags(v any) []string {
	switch x := v.(type) {
	case []any:
		out := make([]string, 0, len(x))
		for _, e := range x {
			if s := strings.TrimSpace(str(e)); s != "" {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return x
	case string:
		var out []string
		for _, s := range strings.Split(x, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
