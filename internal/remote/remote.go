// Package remote implements the task adapter backed by the MajiTask HTTP API.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/majitask/majitask/internal/migration"
	"github.com/majitask/majitask/internal/task"
)

// DefaultTimeout bounds every request when Options.Timeout is zero.
const DefaultTimeout = 10 * time.Second

// Options configures an Adapter.
type Options struct {
	// BaseURL is the API root, including the /api prefix.
	BaseURL string
	Tokens  oauth2.TokenSource
	Timeout time.Duration
	// Transport overrides the underlying round tripper (tests).
	Transport http.RoundTripper
}

// Adapter talks to the task API. It implements task.Adapter and
// task.BulkSyncer.
type Adapter struct {
	base   string
	http   *http.Client
	health *http.Client
	tokens oauth2.TokenSource
}

var (
	_ task.Adapter    = (*Adapter)(nil)
	_ task.BulkSyncer = (*Adapter)(nil)
)

// New creates a remote adapter. Requests carry the bearer token produced by
// opts.Tokens.
func New(opts Options) *Adapter {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	base := opts.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	var rt http.RoundTripper = base
	if opts.Tokens != nil {
		rt = &oauth2.Transport{Source: opts.Tokens, Base: base}
	}
	return &Adapter{
		base:   strings.TrimRight(opts.BaseURL, "/"),
		http:   &http.Client{Transport: rt, Timeout: opts.Timeout},
		health: &http.Client{Transport: base, Timeout: opts.Timeout},
		tokens: opts.Tokens,
	}
}

// Name identifies the backend.
func (a *Adapter) Name() string { return "remote" }

// BaseURL returns the API root the adapter talks to.
func (a *Adapter) BaseURL() string { return a.base }

// Authenticated reports whether a bearer token is currently available.
func (a *Adapter) Authenticated() bool { return HasToken(a.tokens) }

// envelope mirrors the server's response wrapper.
type envelope[T any] struct {
	Data    T               `json:"data"`
	Meta    json.RawMessage `json:"meta,omitempty"`
	Message string          `json:"message,omitempty"`
}

// Health checks the unauthenticated health endpoint.
func (a *Adapter) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.base+"/health", nil)
	if err != nil {
		return task.Internal(err)
	}
	resp, err := a.health.Do(req)
	if err != nil {
		return transportError(ctx, "health", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return task.Transport(fmt.Errorf("health: status %d", resp.StatusCode))
	}
	return nil
}

func (a *Adapter) List(ctx context.Context, f task.ListFilter) (*task.Page, error) {
	q := url.Values{}
	if f.Status != "" {
		q.Set("status", string(f.Status))
	}
	if f.Category != "" {
		q.Set("category", f.Category)
	}
	if f.Search != "" {
		q.Set("search", f.Search)
	}
	if f.ParentID != "" {
		q.Set("parent_id", f.ParentID)
	}
	if f.Page > 0 {
		q.Set("page", strconv.Itoa(f.Page))
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	if f.SortBy != "" {
		q.Set("sortBy", f.SortBy)
	}
	if f.Order != "" {
		q.Set("order", f.Order)
	}

	var env envelope[[]task.Task]
	if err := a.do(ctx, http.MethodGet, "/tasks", q, nil, &env); err != nil {
		return nil, err
	}
	page := &task.Page{Tasks: env.Data}
	if err := decodeMeta(env.Meta, &page.Meta); err != nil {
		return nil, err
	}
	return page, nil
}

func (a *Adapter) Get(ctx context.Context, id string) (*task.Task, error) {
	var env envelope[*task.Task]
	if err := a.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(id), nil, nil, &env); err != nil {
		return nil, err
	}
	return env.Data, nil
}

func (a *Adapter) Create(ctx context.Context, in task.CreateInput) (*task.Task, error) {
	var env envelope[*task.Task]
	if err := a.do(ctx, http.MethodPost, "/tasks", nil, in, &env); err != nil {
		return nil, err
	}
	return env.Data, nil
}

func (a *Adapter) Update(ctx context.Context, id string, in task.UpdateInput) (*task.Task, error) {
	var env envelope[*task.Task]
	if err := a.do(ctx, http.MethodPut, "/tasks/"+url.PathEscape(id), nil, in, &env); err != nil {
		return nil, err
	}
	return env.Data, nil
}

func (a *Adapter) Delete(ctx context.Context, id string) error {
	return a.do(ctx, http.MethodDelete, "/tasks/"+url.PathEscape(id), nil, nil, nil)
}

func (a *Adapter) AddComment(ctx context.Context, taskID string, in task.CommentInput) (*task.Comment, error) {
	var env envelope[*task.Comment]
	if err := a.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(taskID)+"/comments", nil, in, &env); err != nil {
		return nil, err
	}
	return env.Data, nil
}

func (a *Adapter) ListComments(ctx context.Context, taskID string, cq task.CommentQuery) (*task.CommentPage, error) {
	q := url.Values{}
	if cq.Page > 0 {
		q.Set("page", strconv.Itoa(cq.Page))
	}
	if cq.Limit > 0 {
		q.Set("limit", strconv.Itoa(cq.Limit))
	}
	var env envelope[[]task.Comment]
	if err := a.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(taskID)+"/comments", q, nil, &env); err != nil {
		return nil, err
	}
	page := &task.CommentPage{Comments: env.Data}
	if err := decodeMeta(env.Meta, &page.Meta); err != nil {
		return nil, err
	}
	return page, nil
}

// Sync posts a reconciliation batch to the bulk sync endpoint.
func (a *Adapter) Sync(ctx context.Context, tasks []task.Task) (*task.SyncRecord, error) {
	if tasks == nil {
		tasks = []task.Task{}
	}
	var env envelope[*task.SyncRecord]
	body := map[string]any{"tasks": tasks}
	if err := a.do(ctx, http.MethodPost, "/tasks/sync/bulk", nil, body, &env); err != nil {
		return nil, err
	}
	if env.Data == nil {
		return nil, task.Internal(fmt.Errorf("sync: empty response"))
	}
	return env.Data, nil
}

// Preview asks the server to classify an export without importing it.
func (a *Adapter) Preview(ctx context.Context, req migration.Request) (*migration.Preview, error) {
	var p migration.Preview
	if err := a.do(ctx, http.MethodPost, "/migration/preview", nil, req, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Import uploads an export. A partial import is not an error; inspect
// Result.Partial.
func (a *Adapter) Import(ctx context.Context, req migration.Request) (*migration.Result, error) {
	var res migration.Result
	if err := a.do(ctx, http.MethodPost, "/migration/localstorage", nil, req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// MigrationStatus reports the importer capabilities and the caller's totals.
func (a *Adapter) MigrationStatus(ctx context.Context) (*migration.Status, error) {
	var st migration.Status
	if err := a.do(ctx, http.MethodGet, "/migration/status", nil, nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (a *Adapter) do(ctx context.Context, method, path string, q url.Values, body, out any) error {
	u := a.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return task.Internal(fmt.Errorf("encode %s %s: %w", method, path, err))
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return task.Internal(fmt.Errorf("build %s %s: %w", method, path, err))
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return transportError(ctx, method+" "+path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return transportError(ctx, method+" "+path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp, data)
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return task.Internal(fmt.Errorf("decode %s %s: %w", method, path, err))
	}
	return nil
}

func decodeMeta(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return task.Internal(fmt.Errorf("decode page meta: %w", err))
	}
	return nil
}
