// Package migration ingests task collections exported by other tools (or by
// an earlier, browser-only version of the client) into the server store.
package migration

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/majitask/majitask/internal/reconcile"
	"github.com/majitask/majitask/internal/store"
	"github.com/majitask/majitask/internal/task"
)

// Request is the body accepted by preview and import.
type Request struct {
	Tasks    []Record       `json:"tasks" yaml:"tasks"`
	Metadata map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Result is the outcome of an import.
type Result struct {
	Success       bool              `json:"success"`
	ImportedCount int               `json:"importedCount"`
	UpdatedCount  int               `json:"updatedCount"`
	ConflictIDs   []string          `json:"conflictIds"`
	ErrorCount    int               `json:"errorCount"`
	Rejected      []Rejection       `json:"rejected,omitempty"`
	Errors        []task.SyncError  `json:"errors,omitempty"`
	IDs           map[string]string `json:"ids,omitempty"`
	Metadata      map[string]any    `json:"metadata,omitempty"`
}

// Partial reports whether some records were not imported.
func (r *Result) Partial() bool { return r.ErrorCount > 0 }

// DateRange spans the creation dates of the previewed tasks.
type DateRange struct {
	Earliest time.Time `json:"earliest"`
	Latest   time.Time `json:"latest"`
}

// Summary holds the classification counts and statistics of a preview.
type Summary struct {
	Total              int            `json:"total"`
	Valid              int            `json:"valid"`
	Invalid            int            `json:"invalid"`
	New                int            `json:"new"`
	Updated            int            `json:"updated"`
	Conflicts          int            `json:"conflicts"`
	Unchanged          int            `json:"unchanged"`
	ConflictIDs        []string       `json:"conflictIds"`
	Categories         []string       `json:"categories"`
	StatusDistribution map[string]int `json:"statusDistribution"`
	DateRange          *DateRange     `json:"dateRange,omitempty"`
	Rejected           []Rejection    `json:"rejected,omitempty"`
}

// Preview is the response of a non-mutating dry run.
type Preview struct {
	Preview         Summary  `json:"preview"`
	Recommendations []string `json:"recommendations"`
}

// Status describes the importer and the caller's current holdings.
type Status struct {
	Capabilities  Capabilities `json:"capabilities"`
	User          *store.Stats `json:"user"`
	LastMigration *time.Time   `json:"lastMigration,omitempty"`
}

// Capabilities lists what the importer understands.
type Capabilities struct {
	Formats          []string `json:"formats"`
	TimestampFormats []string `json:"timestampFormats"`
	StatusAliases    []string `json:"statusAliases"`
	Preview          bool     `json:"preview"`
	MaxBatch         int      `json:"maxBatch"`
}

// MaxBatch bounds the number of records accepted in one request.
const MaxBatch = 5000

// Importer folds exports into the store through the reconciliation engine.
type Importer struct {
	store *store.Store
}

// NewImporter creates an importer writing to s.
func NewImporter(s *store.Store) *Importer {
	return &Importer{store: s}
}

func checkBatch(req Request) error {
	if len(req.Tasks) == 0 {
		return task.Invalid("no tasks to migrate", map[string]string{"tasks": "must not be empty"})
	}
	if len(req.Tasks) > MaxBatch {
		return task.Invalid("batch too large", map[string]string{
			"tasks": fmt.Sprintf("must contain at most %d records", MaxBatch),
		})
	}
	return nil
}

// Preview classifies the export against the user's tasks without writing.
func (im *Importer) Preview(ctx context.Context, userID string, req Request) (*Preview, error) {
	if err := checkBatch(req); err != nil {
		return nil, err
	}
	now := im.store.Now()
	cands, rejected := Normalize(req.Tasks, now)

	sum := Summary{
		Total:              len(req.Tasks),
		Valid:              len(cands),
		Invalid:            len(rejected),
		ConflictIDs:        []string{},
		Categories:         []string{},
		StatusDistribution: map[string]int{},
		Rejected:           rejected,
	}
	categories := map[string]bool{}

	err := im.store.ReadTx(ctx, userID, func(tx *store.Tx) error {
		seen := newBatchView(tx)
		for _, c := range cands {
			p, err := reconcile.Prepare(c.Task, now)
			if err != nil {
				sum.Invalid++
				sum.Valid--
				sum.Rejected = append(sum.Rejected, Rejection{Index: c.Index, Title: c.Task.Title, Error: err.Error()})
				continue
			}
			d, err := reconcile.Classify(ctx, seen, p)
			if err != nil {
				return err
			}
			switch d.Outcome {
			case reconcile.Import:
				sum.New++
				seen.record(p, "", now)
			case reconcile.Update:
				sum.Updated++
				seen.record(p, d.Existing.ID, now)
			case reconcile.Conflict:
				sum.Conflicts++
				ref := c.Task.ID
				if ref == "" {
					ref = c.Task.Title
				}
				sum.ConflictIDs = append(sum.ConflictIDs, ref)
			case reconcile.Unchanged:
				sum.Unchanged++
			}

			categories[p.Category] = true
			sum.StatusDistribution[string(p.Status)]++
			if sum.DateRange == nil {
				sum.DateRange = &DateRange{Earliest: p.CreatedAt, Latest: p.CreatedAt}
			} else {
				if p.CreatedAt.Before(sum.DateRange.Earliest) {
					sum.DateRange.Earliest = p.CreatedAt
				}
				if p.CreatedAt.After(sum.DateRange.Latest) {
					sum.DateRange.Latest = p.CreatedAt
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("migration preview: %w", err)
	}
	sum.Categories = slices.Sorted(maps.Keys(categories))

	return &Preview{Preview: sum, Recommendations: recommend(sum)}, nil
}

// batchView overlays the records a preview has already classified on the
// stored tasks, so later records in the batch match them as an import would.
type batchView struct {
	reconcile.Finder
	byID    map[string]task.Task
	byTitle map[string]task.Task
}

func newBatchView(base reconcile.Finder) *batchView {
	return &batchView{Finder: base, byID: map[string]task.Task{}, byTitle: map[string]task.Task{}}
}

// record notes the task as the import would store it. existingID is the
// stored row an update replaces.
func (v *batchView) record(t task.Task, existingID string, now time.Time) {
	t.UpdatedAt = now
	if existingID != "" {
		if old, ok := v.byID[existingID]; ok && v.byTitle[old.Title].ID == existingID {
			delete(v.byTitle, old.Title)
		}
		t.ID = existingID
	}
	if t.ID != "" {
		v.byID[t.ID] = t
	}
	v.byTitle[t.Title] = t
}

func (v *batchView) Find(ctx context.Context, id, title string) (*task.Task, error) {
	if id != "" {
		if t, ok := v.byID[id]; ok {
			return &t, nil
		}
		found, err := v.Finder.Find(ctx, id, "")
		if err != nil || found != nil {
			return found, err
		}
	}
	if title == "" {
		return nil, nil
	}
	if t, ok := v.byTitle[title]; ok {
		return &t, nil
	}
	found, err := v.Finder.Find(ctx, "", title)
	if err != nil || found == nil {
		return found, err
	}
	if _, renamed := v.byID[found.ID]; renamed {
		return nil, nil
	}
	return found, nil
}

// Import merges the export into the user's tasks in one transaction.
func (im *Importer) Import(ctx context.Context, userID string, req Request) (*Result, error) {
	if err := checkBatch(req); err != nil {
		return nil, err
	}
	cands, rejected := Normalize(req.Tasks, im.store.Now())
	batch := make([]task.Task, len(cands))
	for i, c := range cands {
		batch[i] = c.Task
	}

	var rec *task.SyncRecord
	err := im.store.InTx(ctx, userID, func(tx *store.Tx) error {
		var err error
		rec, err = reconcile.Merge(ctx, tx, batch)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("migration import: %w", err)
	}

	res := &Result{
		ImportedCount: rec.Imported,
		UpdatedCount:  rec.Updated,
		ConflictIDs:   rec.Conflicts,
		ErrorCount:    len(rejected) + len(rec.Errors),
		Rejected:      rejected,
		Errors:        rec.Errors,
		IDs:           rec.IDs,
		Metadata:      req.Metadata,
	}
	res.Success = res.ErrorCount == 0

	slog.Info("migration imported",
		"user", userID, "records", len(req.Tasks), "imported", res.ImportedCount,
		"updated", res.UpdatedCount, "conflicts", len(res.ConflictIDs), "errors", res.ErrorCount)
	return res, nil
}

// Status reports importer capabilities together with the user's statistics.
func (im *Importer) Status(ctx context.Context, userID string) (*Status, error) {
	stats, err := im.store.UserStats(ctx, userID)
	if err != nil {
		return nil, err
	}
	last, err := im.store.LastActivity(ctx, userID, "imported")
	if err != nil {
		return nil, err
	}
	return &Status{
		Capabilities: Capabilities{
			Formats:          []string{"json", "yaml"},
			TimestampFormats: []string{"rfc3339", "iso8601", "date", "epoch_seconds", "epoch_millis"},
			StatusAliases:    slices.Sorted(maps.Keys(statusAliases)),
			Preview:          true,
			MaxBatch:         MaxBatch,
		},
		User:          stats,
		LastMigration: last,
	}, nil
}

func recommend(s Summary) []string {
	var out []string
	if s.Invalid > 0 {
		out = append(out, fmt.Sprintf("%d record(s) failed validation and will be skipped; fix them and re-run to include them", s.Invalid))
	}
	if s.Conflicts > 0 {
		out = append(out, fmt.Sprintf("%d task(s) have newer copies on the server; those copies will be kept", s.Conflicts))
	}
	if s.Updated > 0 {
		out = append(out, fmt.Sprintf("%d existing task(s) will be overwritten by the export", s.Updated))
	}
	if s.New == 0 && s.Updated == 0 {
		out = append(out, "nothing to import; the server already holds this data")
	} else {
		out = append(out, fmt.Sprintf("%d new task(s) will be created", s.New))
	}
	return out
}
