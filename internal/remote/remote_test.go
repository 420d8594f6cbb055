package remote

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/majitask/majitask/internal/events"
	"github.com/majitask/majitask/internal/gateway"
	"github.com/majitask/majitask/internal/migration"
	"github.com/majitask/majitask/internal/store"
	"github.com/majitask/majitask/internal/task"
)

func newGateway(t *testing.T) *httptest.Server {
	t.Helper()
	bus := events.NewBus(64)
	t.Cleanup(func() { bus.Close() })
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	srv := gateway.NewServer(bus, st, gateway.Options{
		Tokens: gateway.TokenFunc(func(tok string) (string, bool) {
			return "alice", tok == "secret"
		}),
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func newAdapter(url string) *Adapter {
	return New(Options{BaseURL: url + "/api", Tokens: TokenSource("secret", ""), Timeout: 2 * time.Second})
}

func TestAdapterAgainstGateway(t *testing.T) {
	ts := newGateway(t)
	a := newAdapter(ts.URL)
	ctx := context.Background()

	if err := a.Health(ctx); err != nil {
		t.Fatalf("Health: %v", err)
	}
	if !a.Authenticated() {
		t.Fatal("expected a token")
	}

	created, err := a.Create(ctx, task.CreateInput{Title: "remote task", Tags: []string{"x"}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if task.IsLocalID(created.ID) || created.Priority != task.DefaultPriority {
		t.Errorf("created: %+v", created)
	}

	got, err := a.Get(ctx, created.ID)
	if err != nil || got.ViewCount != 1 {
		t.Fatalf("Get: %+v %v", got, err)
	}

	progress := 100
	updated, err := a.Update(ctx, created.ID, task.UpdateInput{Progress: &progress})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Status != task.StatusDone {
		t.Errorf("progress 100 should complete the task: %+v", updated)
	}

	page, err := a.List(ctx, task.ListFilter{Status: task.StatusDone})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(page.Tasks) != 1 || page.Meta.Total != 1 || page.Meta.Limit != task.DefaultPageLimit {
		t.Errorf("page: %+v", page)
	}

	if _, err := a.AddComment(ctx, created.ID, task.CommentInput{Body: "note"}); err != nil {
		t.Fatalf("AddComment: %v", err)
	}
	comments, err := a.ListComments(ctx, created.ID, task.CommentQuery{})
	if err != nil {
		t.Fatalf("ListComments: %v", err)
	}
	if comments.Meta.Total == 0 {
		t.Errorf("comments: %+v", comments)
	}

	if err := a.Delete(ctx, created.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := a.Get(ctx, created.ID); !task.IsNotFound(err) {
		t.Fatalf("Get after delete: expected NOT_FOUND, got %v", err)
	}
}

func TestAdapterValidationFields(t *testing.T) {
	a := newAdapter(newGateway(t).URL)

	_, err := a.Create(context.Background(), task.CreateInput{Title: ""})
	if !task.IsKind(err, task.KindValidation) {
		t.Fatalf("expected VALIDATION, got %v", err)
	}
	var te *task.Error
	if !asTaskError(err, &te) || te.Fields[task.FieldTitle] == "" {
		t.Errorf("field detail lost: %+v", te)
	}
}

func TestAdapterSyncAndMigration(t *testing.T) {
	a := newAdapter(newGateway(t).URL)
	ctx := context.Background()

	rec, err := a.Sync(ctx, []task.Task{{ID: "local_1_1", Title: "offline"}})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if rec.Imported != 1 || rec.IDs["local_1_1"] == "" {
		t.Errorf("sync record: %+v", rec)
	}

	req := migration.Request{Tasks: []migration.Record{{"title": "exported"}, {"title": ""}}}
	p, err := a.Preview(ctx, req)
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	if p.Preview.New != 1 || p.Preview.Invalid != 1 {
		t.Errorf("preview: %+v", p.Preview)
	}

	res, err := a.Import(ctx, req)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if !res.Partial() || res.ImportedCount != 1 {
		t.Errorf("import: %+v", res)
	}

	st, err := a.MigrationStatus(ctx)
	if err != nil {
		t.Fatalf("MigrationStatus: %v", err)
	}
	if st.User == nil || st.User.Total != 2 {
		t.Errorf("status: %+v", st)
	}
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		code int
		want task.Kind
	}{
		{http.StatusBadRequest, task.KindValidation},
		{http.StatusUnprocessableEntity, task.KindValidation},
		{http.StatusUnauthorized, task.KindInternal},
		{http.StatusForbidden, task.KindInternal},
		{http.StatusNotFound, task.KindNotFound},
		{http.StatusConflict, task.KindConflict},
		{http.StatusTooManyRequests, task.KindRateLimited},
		{http.StatusInternalServerError, task.KindTransport},
		{http.StatusBadGateway, task.KindTransport},
		{http.StatusServiceUnavailable, task.KindTransport},
	}
	for _, tt := range tests {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", "3")
			w.WriteHeader(tt.code)
			w.Write([]byte(`{"message":"nope"}`))
		}))
		_, err := newAdapter(ts.URL).Get(context.Background(), "x")
		ts.Close()

		if got := task.KindOf(err); got != tt.want {
			t.Errorf("status %d: got %s, want %s", tt.code, got, tt.want)
		}
		if tt.code == http.StatusTooManyRequests {
			var te *task.Error
			if !asTaskError(err, &te) || te.RetryAfter != 3*time.Second {
				t.Errorf("retry after: %+v", te)
			}
		}
	}
}

func TestRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	if got := retryAfter("120", now); got != 2*time.Minute {
		t.Errorf("seconds: got %v", got)
	}
	date := now.Add(90 * time.Second).Format(http.TimeFormat)
	if got := retryAfter(date, now); got != 90*time.Second {
		t.Errorf("http date: got %v", got)
	}
	if got := retryAfter("soon", now); got != 0 {
		t.Errorf("garbage: got %v", got)
	}
}

func TestUnreachableIsTransport(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	a := newAdapter(url)
	if err := a.Health(context.Background()); !task.IsTransport(err) {
		t.Errorf("Health: expected TRANSPORT, got %v", err)
	}
	if _, err := a.List(context.Background(), task.ListFilter{}); !task.IsTransport(err) {
		t.Errorf("List: expected TRANSPORT, got %v", err)
	}
}

func TestTimeoutIsTransport(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer ts.Close()

	a := New(Options{BaseURL: ts.URL, Tokens: TokenSource("secret", ""), Timeout: 50 * time.Millisecond})
	if _, err := a.Get(context.Background(), "x"); !task.IsTransport(err) {
		t.Fatalf("expected TRANSPORT, got %v", err)
	}
}

func TestMissingTokenIsInternal(t *testing.T) {
	ts := newGateway(t)
	a := New(Options{BaseURL: ts.URL + "/api", Tokens: TokenSource("", filepath.Join(t.TempDir(), TokenFile))})

	if a.Authenticated() {
		t.Fatal("no token expected")
	}
	if _, err := a.List(context.Background(), task.ListFilter{}); !task.IsKind(err, task.KindInternal) {
		t.Fatalf("expected INTERNAL, got %v", err)
	}
}

func TestTokenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", TokenFile)
	ts := TokenSource("", path)
	if HasToken(ts) {
		t.Fatal("token before save")
	}
	if err := SaveToken(path, &oauth2.Token{AccessToken: "abc", TokenType: "Bearer"}); err != nil {
		t.Fatalf("SaveToken: %v", err)
	}
	tok, err := ts.Token()
	if err != nil || tok.AccessToken != "abc" {
		t.Fatalf("Token: %+v %v", tok, err)
	}
}

func TestStream(t *testing.T) {
	a := newAdapter(newGateway(t).URL)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := a.Stream(ctx)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer s.Close()

	// Wait for the ping reply so the subscription is live before writing.
	id, err := s.Ping()
	if err != nil {
		t.Fatalf("Ping: %v", err)
	}
	for {
		f, err := s.ReadFrame()
		if err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
		if f.ID == id {
			break
		}
	}

	if _, err := a.Create(ctx, task.CreateInput{Title: "streamed"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	e, err := s.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if e.Type != events.EventTaskCreated || e.UserID != "alice" {
		t.Errorf("event: %+v", e)
	}
}

func asTaskError(err error, target **task.Error) bool {
	return errors.As(err, target)
}
