package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/majitask/majitask/internal/events"
	"github.com/majitask/majitask/internal/gateway/ws"
	"github.com/majitask/majitask/internal/store"
	"github.com/majitask/majitask/internal/task"
)

var testTokens = TokenFunc(func(token string) (string, bool) {
	switch token {
	case "tok-alice":
		return "alice", true
	case "tok-bob":
		return "bob", true
	}
	return "", false
})

// waitForEvents polls the bus history until at least n events are present.
func waitForEvents(bus *events.Bus, n int) {
	for i := 0; i < 200; i++ {
		if len(bus.History(100)) >= n {
			return
		}
		runtime.Gosched()
		time.Sleep(time.Millisecond)
	}
}

func newTestServer(t *testing.T, opts Options) (*Server, *events.Bus) {
	t.Helper()
	bus := events.NewBus(64)
	t.Cleanup(func() { bus.Close() })

	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	opts.Host = "localhost"
	opts.Tokens = testTokens
	srv := NewServer(bus, st, opts)
	t.Cleanup(srv.hub.Close)
	return srv, bus
}

func do(t *testing.T, srv *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return v
}

type taskEnvelope struct {
	Data task.Task `json:"data"`
}

type listEnvelope struct {
	Data []task.Task  `json:"data"`
	Meta task.PageMeta `json:"meta"`
}

func TestHandleHealth(t *testing.T) {
	srv, _ := newTestServer(t, Options{})

	w := do(t, srv, http.MethodGet, "/api/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	body := decode[map[string]string](t, w)
	if body["status"] != "ok" {
		t.Fatalf("expected status %q, got %q", "ok", body["status"])
	}
}

func TestAuthRequired(t *testing.T) {
	srv, _ := newTestServer(t, Options{})

	for _, token := range []string{"", "tok-unknown"} {
		w := do(t, srv, http.MethodGet, "/api/tasks", token, nil)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("token %q: expected 401, got %d", token, w.Code)
		}
	}
}

func TestTaskCRUD(t *testing.T) {
	srv, _ := newTestServer(t, Options{})

	w := do(t, srv, http.MethodPost, "/api/tasks", "tok-alice", map[string]any{"title": "Write report", "priority": 3})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", w.Code, w.Body)
	}
	created := decode[taskEnvelope](t, w).Data
	if created.ID == "" || created.Status != task.StatusTodo || created.Category != task.DefaultCategory {
		t.Fatalf("created: %+v", created)
	}

	w = do(t, srv, http.MethodGet, "/api/tasks/"+created.ID, "tok-alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", w.Code)
	}
	if got := decode[taskEnvelope](t, w).Data; got.ViewCount != 1 {
		t.Errorf("view count: got %d, want 1", got.ViewCount)
	}

	w = do(t, srv, http.MethodPut, "/api/tasks/"+created.ID, "tok-alice", map[string]any{"status": "done"})
	if w.Code != http.StatusOK {
		t.Fatalf("update: expected 200, got %d: %s", w.Code, w.Body)
	}
	updated := decode[taskEnvelope](t, w).Data
	if updated.Progress != 100 || updated.CompletedAt == nil {
		t.Errorf("done task: %+v", updated)
	}

	w = do(t, srv, http.MethodGet, "/api/tasks", "tok-alice", nil)
	list := decode[listEnvelope](t, w)
	if len(list.Data) != 1 || list.Meta.Total != 1 {
		t.Errorf("list: %+v", list)
	}

	w = do(t, srv, http.MethodDelete, "/api/tasks/"+created.ID, "tok-alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d", w.Code)
	}
	w = do(t, srv, http.MethodGet, "/api/tasks/"+created.ID, "tok-alice", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("get after delete: expected 404, got %d", w.Code)
	}
	if body := decode[errorBody](t, w); body.Error != task.KindNotFound {
		t.Errorf("error kind: %q", body.Error)
	}
}

func TestCreateValidation(t *testing.T) {
	srv, _ := newTestServer(t, Options{})

	w := do(t, srv, http.MethodPost, "/api/tasks", "tok-alice", map[string]any{"title": "  ", "priority": 9})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	body := decode[errorBody](t, w)
	if body.Error != task.KindValidation || body.Fields["title"] == "" || body.Fields["priority"] == "" {
		t.Errorf("body: %+v", body)
	}

	w = do(t, srv, http.MethodGet, "/api/tasks?status=blocked", "tok-alice", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad status filter: expected 400, got %d", w.Code)
	}
}

func TestListPagination(t *testing.T) {
	srv, _ := newTestServer(t, Options{})
	for _, title := range []string{"a", "b", "c"} {
		do(t, srv, http.MethodPost, "/api/tasks", "tok-alice", map[string]any{"title": title})
	}

	w := do(t, srv, http.MethodGet, "/api/tasks?limit=2&sortBy=title&order=asc", "tok-alice", nil)
	first := decode[listEnvelope](t, w)
	if len(first.Data) != 2 || first.Data[0].Title != "a" {
		t.Fatalf("page 1: %+v", first.Data)
	}
	if first.Meta.TotalPages != 2 || !first.Meta.HasNext || first.Meta.HasPrev {
		t.Errorf("meta: %+v", first.Meta)
	}

	w = do(t, srv, http.MethodGet, "/api/tasks?limit=2&page=2&sortBy=title&order=asc", "tok-alice", nil)
	second := decode[listEnvelope](t, w)
	if len(second.Data) != 1 || second.Data[0].Title != "c" || second.Meta.HasNext {
		t.Errorf("page 2: %+v", second)
	}
}

func TestUsersAreIsolated(t *testing.T) {
	srv, _ := newTestServer(t, Options{})

	w := do(t, srv, http.MethodPost, "/api/tasks", "tok-alice", map[string]any{"title": "private"})
	id := decode[taskEnvelope](t, w).Data.ID

	if w := do(t, srv, http.MethodGet, "/api/tasks/"+id, "tok-bob", nil); w.Code != http.StatusNotFound {
		t.Errorf("bob read alice's task: %d", w.Code)
	}
	w = do(t, srv, http.MethodGet, "/api/tasks", "tok-bob", nil)
	if list := decode[listEnvelope](t, w); len(list.Data) != 0 {
		t.Errorf("bob lists %d tasks", len(list.Data))
	}
}

func TestCommentsAndActivity(t *testing.T) {
	srv, _ := newTestServer(t, Options{})
	w := do(t, srv, http.MethodPost, "/api/tasks", "tok-alice", map[string]any{"title": "discuss"})
	id := decode[taskEnvelope](t, w).Data.ID

	w = do(t, srv, http.MethodPost, "/api/tasks/"+id+"/comments", "tok-alice", map[string]any{"body": "first"})
	if w.Code != http.StatusCreated {
		t.Fatalf("add comment: expected 201, got %d: %s", w.Code, w.Body)
	}

	w = do(t, srv, http.MethodGet, "/api/tasks/"+id+"/comments", "tok-alice", nil)
	comments := decode[struct {
		Data []task.Comment `json:"data"`
	}](t, w)
	if len(comments.Data) != 1 || comments.Data[0].Body != "first" {
		t.Errorf("comments: %+v", comments.Data)
	}

	w = do(t, srv, http.MethodGet, "/api/tasks/"+id+"/activity", "tok-alice", nil)
	activity := decode[struct {
		Data []store.Activity `json:"data"`
	}](t, w)
	if len(activity.Data) == 0 || activity.Data[0].Action != "created" {
		t.Errorf("activity: %+v", activity.Data)
	}

	if w := do(t, srv, http.MethodGet, "/api/tasks/missing/activity", "tok-alice", nil); w.Code != http.StatusNotFound {
		t.Errorf("activity of missing task: %d", w.Code)
	}
}

func TestRateLimit(t *testing.T) {
	srv, _ := newTestServer(t, Options{Standard: NewRateLimiter("standard", 2, time.Hour)})

	for i := 0; i < 2; i++ {
		if w := do(t, srv, http.MethodPost, "/api/tasks", "tok-alice", map[string]any{"title": string(rune('a' + i))}); w.Code != http.StatusCreated {
			t.Fatalf("request %d: expected 201, got %d", i, w.Code)
		}
	}
	w := do(t, srv, http.MethodPost, "/api/tasks", "tok-alice", map[string]any{"title": "c"})
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
	if body := decode[errorBody](t, w); body.Error != task.KindRateLimited {
		t.Errorf("error kind: %q", body.Error)
	}

	// Budgets are per user; reads are not limited.
	if w := do(t, srv, http.MethodPost, "/api/tasks", "tok-bob", map[string]any{"title": "c"}); w.Code != http.StatusCreated {
		t.Errorf("bob: expected 201, got %d", w.Code)
	}
	if w := do(t, srv, http.MethodGet, "/api/tasks", "tok-alice", nil); w.Code != http.StatusOK {
		t.Errorf("list: expected 200, got %d", w.Code)
	}
}

func TestRateLimiterRefills(t *testing.T) {
	rl := NewRateLimiter("test", 2, time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		if ok, _ := rl.Allow("alice"); !ok {
			t.Fatalf("request %d denied", i)
		}
	}
	ok, wait := rl.Allow("alice")
	if ok || wait <= 0 || wait > 30*time.Second {
		t.Fatalf("third request: ok=%v wait=%v", ok, wait)
	}

	now = now.Add(wait)
	if ok, _ := rl.Allow("alice"); !ok {
		t.Error("request after refill denied")
	}
}

func TestBulkSync(t *testing.T) {
	srv, _ := newTestServer(t, Options{})
	w := do(t, srv, http.MethodPost, "/api/tasks", "tok-alice", map[string]any{"title": "on server"})
	existing := decode[taskEnvelope](t, w).Data

	w = do(t, srv, http.MethodPost, "/api/tasks/sync/bulk", "tok-alice", map[string]any{
		"tasks": []map[string]any{
			{"id": "local_1_1", "title": "offline"},
			{"id": existing.ID, "title": "on server", "description": "stale", "updated_at": existing.UpdatedAt.Add(-time.Hour)},
			{"title": ""},
		},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body)
	}
	rec := decode[struct {
		Data task.SyncRecord `json:"data"`
	}](t, w).Data
	if rec.Imported != 1 || len(rec.Conflicts) != 1 || len(rec.Errors) != 1 {
		t.Errorf("sync record: %+v", rec)
	}
	if rec.IDs["local_1_1"] == "" {
		t.Errorf("ids: %v", rec.IDs)
	}
}

func TestBulkSyncRejectsOversizedBatch(t *testing.T) {
	srv, _ := newTestServer(t, Options{})
	batch := make([]task.Task, maxBulkTasks+1)
	for i := range batch {
		batch[i].Title = "t"
	}
	w := do(t, srv, http.MethodPost, "/api/tasks/sync/bulk", "tok-alice", map[string]any{"tasks": batch})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestMigrationEndpoints(t *testing.T) {
	srv, _ := newTestServer(t, Options{})
	body := map[string]any{"tasks": []map[string]any{
		{"text": "from browser", "completed": true},
		{"title": "", "status": "nope"},
	}}

	w := do(t, srv, http.MethodPost, "/api/migration/preview", "tok-alice", body)
	if w.Code != http.StatusOK {
		t.Fatalf("preview: expected 200, got %d: %s", w.Code, w.Body)
	}
	preview := decode[map[string]map[string]any](t, w)["preview"]
	if preview["new"] != float64(1) || preview["invalid"] != float64(1) {
		t.Errorf("preview: %v", preview)
	}

	w = do(t, srv, http.MethodPost, "/api/migration/localstorage", "tok-alice", body)
	if w.Code != http.StatusMultiStatus {
		t.Fatalf("import: expected 207, got %d: %s", w.Code, w.Body)
	}
	res := decode[map[string]any](t, w)
	if res["importedCount"] != float64(1) || res["errorCount"] != float64(1) || res["success"] != false {
		t.Errorf("import result: %v", res)
	}

	w = do(t, srv, http.MethodGet, "/api/migration/status", "tok-alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: expected 200, got %d", w.Code)
	}
	if st := decode[map[string]any](t, w); st["lastMigration"] == nil {
		t.Errorf("status: %v", st)
	}

	w = do(t, srv, http.MethodPost, "/api/migration/localstorage", "tok-alice", map[string]any{"tasks": []any{}})
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty import: expected 400, got %d", w.Code)
	}
}

func TestHandleEvents_PerUser(t *testing.T) {
	srv, bus := newTestServer(t, Options{})

	do(t, srv, http.MethodPost, "/api/tasks", "tok-alice", map[string]any{"title": "mine"})
	do(t, srv, http.MethodPost, "/api/tasks", "tok-bob", map[string]any{"title": "theirs"})
	waitForEvents(bus, 2)

	w := do(t, srv, http.MethodGet, "/api/events", "tok-alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	list := decode[struct {
		Data []events.Event `json:"data"`
	}](t, w).Data
	if len(list) != 1 {
		t.Fatalf("expected 1 event, got %d", len(list))
	}
	if list[0].Type != events.EventTaskCreated || list[0].UserID != "alice" {
		t.Errorf("event: %+v", list[0])
	}
}

func TestWebSocketStream(t *testing.T) {
	srv, _ := newTestServer(t, Options{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws"
	if _, _, err := websocket.Dial(ctx, url, nil); err == nil {
		t.Fatal("expected unauthenticated dial to fail")
	}

	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer tok-alice"}},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	read := func() ws.Frame {
		t.Helper()
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		f, err := ws.UnmarshalFrame(data)
		if err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return f
	}

	ping, _ := ws.MarshalFrame(ws.Frame{Type: ws.FrameTypeRequest, ID: "1", Method: string(ws.MethodPing)})
	if err := conn.Write(ctx, websocket.MessageText, ping); err != nil {
		t.Fatalf("write: %v", err)
	}
	if f := read(); f.Type != ws.FrameTypeResponse || f.ID != "1" || f.OK == nil || !*f.OK {
		t.Fatalf("ping response: %+v", f)
	}

	post := func(token, title string) {
		body := strings.NewReader(`{"title":"` + title + `"}`)
		req, _ := http.NewRequestWithContext(ctx, http.MethodPost, ts.URL+"/api/tasks", body)
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		resp.Body.Close()
	}
	post("tok-bob", "not for alice")
	post("tok-alice", "for alice")

	f := read()
	if f.Type != ws.FrameTypeEvent || f.Event != string(events.EventTaskCreated) {
		t.Fatalf("event frame: %+v", f)
	}
	var e events.Event
	if err := json.Unmarshal(f.Payload, &e); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if e.UserID != "alice" {
		t.Errorf("received another user's event: %+v", e)
	}
}
