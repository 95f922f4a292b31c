package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/taskpilot/internal/dispatch"
	"github.com/basket/taskpilot/internal/identity"
	"github.com/basket/taskpilot/internal/planner"
	"github.com/basket/taskpilot/internal/store"
	"github.com/basket/taskpilot/internal/tools"
)

type scriptedPlanner struct {
	plan    *planner.Plan
	summary string
}

func (p *scriptedPlanner) Plan(ctx context.Context, history []store.Turn, message string) (*planner.Plan, error) {
	if p.plan != nil {
		return p.plan, nil
	}
	return &planner.Plan{Reply: "hello"}, nil
}

func (p *scriptedPlanner) Summarize(ctx context.Context, message, resultsJSON string) (string, error) {
	return p.summary, nil
}

func newTestServer(t *testing.T, pl planner.Planner) *httptest.Server {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "taskpilot.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	reg, err := tools.NewRegistry(st, slog.Default(), 5*time.Second)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	resolver := identity.NewResolver(map[string]string{
		"tok-alice": "alice",
		"tok-bob":   "bob",
	})
	eng := dispatch.NewEngine(resolver, st, pl, reg, slog.Default(), dispatch.Options{})

	srv := httptest.NewServer(NewHandler(Deps{Engine: eng, Logger: slog.Default()}))
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url, token, body string) (*http.Response, map[string]any) {
	t.Helper()
	var rdr *strings.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	} else {
		rdr = strings.NewReader("")
	}
	req, err := http.NewRequest(method, url, rdr)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, decoded
}

func errCode(t *testing.T, body map[string]any) string {
	t.Helper()
	errObj, ok := body["error"].(map[string]any)
	if !ok {
		t.Fatalf("no error object in %v", body)
	}
	code, _ := errObj["code"].(string)
	return code
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, &scriptedPlanner{})
	resp, body := doJSON(t, http.MethodGet, srv.URL+"/healthz", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if body["status"] != "ok" {
		t.Fatalf("body = %v", body)
	}
}

func TestChatRequiresAuth(t *testing.T) {
	srv := newTestServer(t, &scriptedPlanner{})

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/chat", "", `{"message":"hi"}`)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	if code := errCode(t, body); code != dispatch.CodeAuthMissing {
		t.Fatalf("code = %q, want auth_missing", code)
	}

	resp, body = doJSON(t, http.MethodPost, srv.URL+"/api/chat", "tok-mallory", `{"message":"hi"}`)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	if code := errCode(t, body); code != dispatch.CodeAuthInvalid {
		t.Fatalf("code = %q, want auth_invalid", code)
	}
}

func TestChatBadBody(t *testing.T) {
	srv := newTestServer(t, &scriptedPlanner{})

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/chat", "tok-alice", `{not json`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if code := errCode(t, body); code != dispatch.CodeInvalid {
		t.Fatalf("code = %q, want invalid_request", code)
	}

	resp, body = doJSON(t, http.MethodPost, srv.URL+"/api/chat", "tok-alice", `{"message":"  "}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if code := errCode(t, body); code != dispatch.CodeInvalid {
		t.Fatalf("code = %q, want invalid_request", code)
	}
}

func TestChatDirectReply(t *testing.T) {
	srv := newTestServer(t, &scriptedPlanner{plan: &planner.Plan{Reply: "nothing to do"}})

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/chat", "tok-alice", `{"message":"just chatting"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if body["reply"] != "nothing to do" {
		t.Fatalf("reply = %v", body["reply"])
	}
	if body["conversation_id"] == "" {
		t.Fatalf("missing conversation id: %v", body)
	}
	if seq, _ := body["seq"].(float64); seq != 1 {
		t.Fatalf("seq = %v, want 1", body["seq"])
	}
}

func TestChatExecutesToolPlan(t *testing.T) {
	srv := newTestServer(t, &scriptedPlanner{
		plan: &planner.Plan{Calls: []planner.ToolCall{{
			Tool:      tools.ToolCreateTask,
			Arguments: json.RawMessage(`{"title":"buy milk"}`),
		}}},
		summary: "Created the task.",
	})

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/chat", "tok-alice", `{"message":"add buy milk"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if body["reply"] != "Created the task." {
		t.Fatalf("reply = %v", body["reply"])
	}
	calls, ok := body["tool_calls"].([]any)
	if !ok || len(calls) != 1 {
		t.Fatalf("tool_calls = %v", body["tool_calls"])
	}
	call := calls[0].(map[string]any)
	if call["tool"] != tools.ToolCreateTask || call["status"] != tools.StatusOK {
		t.Fatalf("call = %v", call)
	}
}

func TestConversationReplay(t *testing.T) {
	srv := newTestServer(t, &scriptedPlanner{plan: &planner.Plan{Reply: "noted"}})

	_, body := doJSON(t, http.MethodPost, srv.URL+"/api/chat", "tok-alice", `{"message":"first"}`)
	convID, _ := body["conversation_id"].(string)
	if convID == "" {
		t.Fatalf("missing conversation id")
	}

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/api/conversations", "tok-alice", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	convs, ok := body["conversations"].([]any)
	if !ok || len(convs) != 1 {
		t.Fatalf("conversations = %v", body["conversations"])
	}

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/api/conversations/"+convID+"/turns", "tok-alice", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	turns, ok := body["turns"].([]any)
	if !ok || len(turns) != 1 {
		t.Fatalf("turns = %v", body["turns"])
	}
	turn := turns[0].(map[string]any)
	if turn["caller_message"] != "first" || turn["assistant_reply"] != "noted" {
		t.Fatalf("turn = %v", turn)
	}

	// Another owner must not see the conversation at all.
	resp, body = doJSON(t, http.MethodGet, srv.URL+"/api/conversations/"+convID+"/turns", "tok-bob", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	if code := errCode(t, body); code != dispatch.CodeNotFound {
		t.Fatalf("code = %q, want not_found", code)
	}

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/api/conversations", "tok-bob", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if convs, _ := body["conversations"].([]any); len(convs) != 0 {
		t.Fatalf("bob conversations = %v", convs)
	}
}

func TestListTurnsBadLimit(t *testing.T) {
	srv := newTestServer(t, &scriptedPlanner{})

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/api/conversations/abc/turns?limit=zero", "tok-alice", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if code := errCode(t, body); code != dispatch.CodeInvalid {
		t.Fatalf("code = %q, want invalid_request", code)
	}
}
