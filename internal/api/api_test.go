package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/starford/mimir/internal/chunker"
	"github.com/starford/mimir/internal/heartbeat"
	"github.com/starford/mimir/internal/index"
	"github.com/starford/mimir/internal/llm"
	"github.com/starford/mimir/internal/llm/llmtest"
	"github.com/starford/mimir/internal/session"
	"github.com/starford/mimir/internal/testutil"
	"github.com/starford/mimir/internal/workspace"
)

type env struct {
	root     string
	ix       *index.Indexer
	provider *llmtest.Provider
	router   http.Handler
}

// newEnv sets up a temp workspace, SQLite DB, session manager, scheduler and
// router. An empty authToken means disabled mode.
func newEnv(t *testing.T, authToken string, steps ...llmtest.Step) *env {
	t.Helper()
	return newEnvWithSSE(t, authToken, nil, steps...)
}

func newEnvWithSSE(t *testing.T, authToken string, sseHandler http.Handler, steps ...llmtest.Step) *env {
	t.Helper()

	root, store := testutil.TestWorkspace(t)
	db := testutil.TestDB(t)
	logger := testutil.DiscardLogger()

	ch, err := chunker.New(400, 80)
	if err != nil {
		t.Fatal(err)
	}
	ix, err := index.NewIndexer(db, store, ch, nil, logger)
	if err != nil {
		t.Fatal(err)
	}
	ws := workspace.New(store)
	p := llmtest.New(steps...)
	mgr, err := session.NewManager(
		session.Config{ContextWindow: 8000, ReserveTokens: 500, CompactionTimeout: time.Second},
		session.Deps{Provider: p, Searcher: db, Workspace: ws, Logger: logger},
	)
	if err != nil {
		t.Fatal(err)
	}
	sched := heartbeat.New(heartbeat.Config{Interval: time.Hour}, ws, mgr, heartbeat.WithLogger(logger))

	svc := NewService(mgr, db, ix, sched, "test-model")
	return &env{
		root:     root,
		ix:       ix,
		provider: p,
		router:   NewRouter(svc, authToken != "", authToken, sseHandler),
	}
}

func (e *env) do(t *testing.T, method, target string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
	return v
}

func TestChat_NewAndExistingSession(t *testing.T) {
	e := newEnv(t, "", llmtest.Step{Content: "hello there"})

	w := e.do(t, http.MethodPost, "/chat", ChatRequest{Message: "hi"})
	if w.Code != http.StatusOK {
		t.Fatalf("chat status = %d, body = %s", w.Code, w.Body.String())
	}
	first := decode[session.Reply](t, w)
	if first.Content != "hello there" || first.SessionID == "" {
		t.Fatalf("reply = %+v", first)
	}

	w = e.do(t, http.MethodPost, "/chat", ChatRequest{SessionID: first.SessionID, Message: "again"})
	if w.Code != http.StatusOK {
		t.Fatalf("second chat status = %d", w.Code)
	}
	if got := decode[session.Reply](t, w); got.SessionID != first.SessionID {
		t.Errorf("session changed: %s != %s", got.SessionID, first.SessionID)
	}

	calls := e.provider.Calls()
	if n := len(calls[1]); n != 4 {
		t.Errorf("second request carries %d messages, want system + 3 turns", n)
	}

	list := decode[SessionListResponse](t, e.do(t, http.MethodGet, "/sessions", nil))
	if len(list.Sessions) != 1 || list.Sessions[0].Turns != 4 {
		t.Errorf("sessions = %+v", list.Sessions)
	}
}

func TestChat_Errors(t *testing.T) {
	e := newEnv(t, "", llmtest.Step{Err: &llm.ProviderError{Kind: llm.Fatal, Provider: "fake", StatusCode: 401, Err: errors.New("bad key")}})

	cases := []struct {
		name string
		body any
		want int
	}{
		{"empty message", ChatRequest{Message: "  "}, http.StatusBadRequest},
		{"unknown session", ChatRequest{SessionID: "missing", Message: "hi"}, http.StatusNotFound},
		{"provider fatal", ChatRequest{Message: "hi"}, http.StatusBadGateway},
		{"invalid json", "not an object", http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if w := e.do(t, http.MethodPost, "/chat", tc.body); w.Code != tc.want {
				t.Errorf("status = %d, want %d (%s)", w.Code, tc.want, w.Body.String())
			}
		})
	}
}

func TestDeleteSession(t *testing.T) {
	e := newEnv(t, "")
	reply := decode[session.Reply](t, e.do(t, http.MethodPost, "/chat", ChatRequest{Message: "hi"}))

	if w := e.do(t, http.MethodDelete, "/sessions/"+reply.SessionID, nil); w.Code != http.StatusNoContent {
		t.Errorf("delete = %d", w.Code)
	}
	if w := e.do(t, http.MethodDelete, "/sessions/"+reply.SessionID, nil); w.Code != http.StatusNotFound {
		t.Errorf("second delete = %d, want 404", w.Code)
	}
}

func TestSearchAndStats(t *testing.T) {
	e := newEnv(t, "")
	testutil.WriteFile(t, e.root, "notes/birds.md", "The ZEBRAFINCH42 sings at dawn.")
	if _, err := e.ix.IndexFile(context.Background(), "notes/birds.md"); err != nil {
		t.Fatal(err)
	}

	w := e.do(t, http.MethodGet, "/memory/search?q=zebrafinch42", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("search status = %d", w.Code)
	}
	res := decode[SearchResponse](t, w)
	if len(res.Results) != 1 || res.Results[0].Path != "notes/birds.md" {
		t.Errorf("results = %+v", res.Results)
	}

	st := decode[index.Stats](t, e.do(t, http.MethodGet, "/memory/stats", nil))
	if st.TotalFiles != 1 || st.TotalChunks != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestSearchMissingQuery(t *testing.T) {
	e := newEnv(t, "")
	if w := e.do(t, http.MethodGet, "/memory/search", nil); w.Code != http.StatusBadRequest {
		t.Errorf("missing q = %d, want 400", w.Code)
	}
}

func TestSearchNoHitsIsEmptyList(t *testing.T) {
	e := newEnv(t, "")
	w := e.do(t, http.MethodGet, "/memory/search?q=nothing", nil)
	if w.Code != http.StatusOK || !bytes.Contains(w.Body.Bytes(), []byte(`"results":[]`)) {
		t.Errorf("status = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestReindex(t *testing.T) {
	e := newEnv(t, "")
	testutil.WriteFile(t, e.root, "a.md", "alpha")
	testutil.WriteFile(t, e.root, "b.md", "beta")

	w := e.do(t, http.MethodPost, "/memory/reindex", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("reindex = %d", w.Code)
	}
	resp := decode[ReindexResponse](t, w)
	if len(resp.Created) != 2 || len(resp.Errors) != 0 {
		t.Errorf("report = %+v", resp)
	}
}

func TestStatus(t *testing.T) {
	e := newEnv(t, "")
	w := e.do(t, http.MethodGet, "/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	st := decode[StatusResponse](t, w)
	if st.Model != "test-model" || st.Heartbeat == nil || st.Heartbeat.Interval != "1h0m0s" {
		t.Errorf("status = %+v", st)
	}
}

func TestRunHeartbeat(t *testing.T) {
	e := newEnv(t, "", llmtest.Step{Content: "watered"})
	testutil.WriteFile(t, e.root, workspace.HeartbeatFile, "- [ ] water the plants\n")

	w := e.do(t, http.MethodPost, "/heartbeat/run?force=true", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("run = %d, body = %s", w.Code, w.Body.String())
	}
	res := decode[heartbeat.TickResult](t, w)
	if len(res.Tasks) != 1 || res.Tasks[0].Output != "watered" {
		t.Errorf("result = %+v", res)
	}
}

func TestAuthMiddleware(t *testing.T) {
	e := newEnv(t, "secret123")

	cases := []struct {
		name   string
		header []string
		want   int
	}{
		{"valid token", []string{"Authorization", "Bearer secret123"}, http.StatusOK},
		{"missing token", nil, http.StatusUnauthorized},
		{"wrong token", []string{"Authorization", "Bearer wrong"}, http.StatusUnauthorized},
		{"wrong scheme", []string{"Authorization", "Basic secret123"}, http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if w := e.do(t, http.MethodGet, "/memory/stats", nil, tc.header...); w.Code != tc.want {
				t.Errorf("status = %d, want %d", w.Code, tc.want)
			}
		})
	}
}

func TestAuthMiddleware_Disabled(t *testing.T) {
	e := newEnv(t, "")
	if w := e.do(t, http.MethodGet, "/memory/stats", nil); w.Code != http.StatusOK {
		t.Errorf("no auth = %d, want 200", w.Code)
	}
}

// SSE endpoint auth tests.

// blockingSSE writes headers and blocks until the request context is done.
var blockingSSE = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	<-r.Context().Done()
})

func TestSSEEvents_AuthProtected(t *testing.T) {
	e := newEnvWithSSE(t, "secret", blockingSSE)

	if w := e.do(t, http.MethodGet, "/events", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("SSE no auth = %d, want 401", w.Code)
	}
}

func TestSSEEvents_ValidToken(t *testing.T) {
	e := newEnvWithSSE(t, "tok", blockingSSE)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/events", nil).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer tok")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	if w.Code == http.StatusUnauthorized {
		t.Error("SSE with valid token should not 401")
	}
}

type publishedEvent struct {
	kind      string
	sessionID string
	detail    any
}

func TestService_ChatPublishesCompaction(t *testing.T) {
	_, store := testutil.TestWorkspace(t)
	p := llmtest.New(
		llmtest.Step{Content: "ok"},
		llmtest.Step{Content: "- the user likes herons"},
		llmtest.Step{Content: "ok again"},
	)
	mgr, err := session.NewManager(
		session.Config{ContextWindow: 200, ReserveTokens: 50, CompactionTimeout: time.Second},
		session.Deps{Provider: p, Workspace: workspace.New(store), Logger: testutil.DiscardLogger()},
	)
	if err != nil {
		t.Fatal(err)
	}
	var got []publishedEvent
	svc := NewService(mgr, testutil.TestDB(t), nil, nil, "test-model",
		WithPublisher(func(kind, sessionID string, detail any) {
			got = append(got, publishedEvent{kind, sessionID, detail})
		}))

	long := strings.Repeat("word ", 100)
	first, err := svc.Chat(context.Background(), "", long)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("published before any compaction: %+v", got)
	}
	if _, err := svc.Chat(context.Background(), first.SessionID, long); err != nil {
		t.Fatal(err)
	}

	if len(got) != 1 {
		t.Fatalf("published %d events, want 1: %+v", len(got), got)
	}
	ev := got[0]
	detail, ok := ev.detail.(CompactedEvent)
	if ev.kind != "compacted" || ev.sessionID != first.SessionID || !ok || detail.Dropped < 1 || detail.Degraded {
		t.Errorf("event = %+v", ev)
	}
}
