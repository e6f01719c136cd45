package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/worldkernel/worldkernel/internal/core"
	"github.com/worldkernel/worldkernel/internal/eventlog"
	"github.com/worldkernel/worldkernel/internal/kernel"
	"github.com/worldkernel/worldkernel/internal/logging"
	"github.com/worldkernel/worldkernel/internal/metrics"
	"github.com/worldkernel/worldkernel/internal/notify"
	"github.com/worldkernel/worldkernel/internal/storage"
	"github.com/worldkernel/worldkernel/internal/testutil"
)

var testTokens = map[string]string{
	"alice-token": "alice",
	"bob-token":   "bob",
}

// testServer creates a server over a fixture world whose events persist to
// an in-memory database.
func testServer(t *testing.T) (*Server, *testutil.World, *storage.EventStore) {
	t.Helper()

	store := storage.NewEventStore(testutil.TestDB(t))
	w := testutil.NewWorld(t, func(cfg *kernel.Config) {
		cfg.Sinks = []eventlog.Sink{store}
		cfg.Metrics = metrics.New()
	})

	srv, err := New(Config{
		Kernel: w.Kernel,
		Tokens: testTokens,
		Events: store,
		Logger: logging.Discard(),
	})
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	return srv, w, store
}

func do(t *testing.T, srv *Server, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
}

func postWrite(t *testing.T, srv *Server, token, id, content string) core.Result {
	t.Helper()
	rr := do(t, srv, "POST", "/api/v1/actions", token, core.Envelope{
		ActionType: core.ActionWrite,
		TargetID:   id,
		Content:    &content,
	})
	var res core.Result
	decode(t, rr, &res)
	return res
}

// --- Construction ---

func TestNew_RequiresKernel(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("expected error without a kernel")
	}
}

// --- Actions ---

func TestAPI_Submit_TokenOverridesActor(t *testing.T) {
	srv, w, _ := testServer(t)

	content := "roses are red"
	rr := do(t, srv, "POST", "/api/v1/actions", "alice-token", core.Envelope{
		ActionType: core.ActionWrite,
		ActorID:    "bob",
		TargetID:   "poem",
		Content:    &content,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var res core.Result
	decode(t, rr, &res)
	if !res.OK() || res.EventNumber == 0 {
		t.Errorf("unexpected result %+v", res)
	}

	owner, err := w.Kernel.Ledger().Owner("poem")
	if err != nil || owner != "alice" {
		t.Errorf("owner = %q, %v; want alice", owner, err)
	}
}

func TestAPI_Submit_Unauthorized(t *testing.T) {
	srv, _, _ := testServer(t)

	tests := []struct {
		name  string
		token string
	}{
		{"no token", ""},
		{"unknown token", "mallory-token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, srv, "POST", "/api/v1/actions", tt.token, core.Envelope{ActionType: core.ActionQuery})
			if rr.Code != http.StatusUnauthorized {
				t.Errorf("expected status 401, got %d", rr.Code)
			}
		})
	}
}

func TestAPI_Submit_StatusFollowsOutcome(t *testing.T) {
	srv, _, _ := testServer(t)

	tests := []struct {
		name    string
		body    interface{}
		status  int
		outcome core.Code
	}{
		{
			name:   "malformed json",
			body:   `{"action_type":`,
			status: http.StatusBadRequest,
		},
		{
			name:    "unknown action",
			body:    core.Envelope{ActionType: "teleport"},
			status:  http.StatusBadRequest,
			outcome: core.CodeInvalidArgs,
		},
		{
			name:    "read missing artifact",
			body:    core.Envelope{ActionType: core.ActionRead, TargetID: "nothing"},
			status:  http.StatusNotFound,
			outcome: core.CodeNotFound,
		},
		{
			name:    "overdraw",
			body:    core.Envelope{ActionType: core.ActionTransfer, RecipientID: "bob", Amount: 1000},
			status:  http.StatusPaymentRequired,
			outcome: core.CodeInsufficientFunds,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, srv, "POST", "/api/v1/actions", "alice-token", tt.body)
			if rr.Code != tt.status {
				t.Fatalf("expected status %d, got %d: %s", tt.status, rr.Code, rr.Body.String())
			}
			if tt.outcome == "" {
				return
			}
			var res core.Result
			decode(t, rr, &res)
			if res.Outcome != tt.outcome {
				t.Errorf("outcome = %s, want %s", res.Outcome, tt.outcome)
			}
		})
	}
}

func TestAPI_Transfer(t *testing.T) {
	srv, w, _ := testServer(t)

	rr := do(t, srv, "POST", "/api/v1/actions", "alice-token",
		`{"action_type":"transfer","recipient_id":"bob","amount":30}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if got := w.Balance(t, "alice"); got != testutil.AgentBalance-30 {
		t.Errorf("alice = %d", got)
	}
	if got := w.Balance(t, "bob"); got != testutil.AgentBalance+30 {
		t.Errorf("bob = %d", got)
	}
}

func TestNormalizeArgs(t *testing.T) {
	args := normalizeArgs([]any{
		json.Number("3"),
		json.Number("2.5"),
		[]any{json.Number("7")},
		map[string]any{"limit": json.Number("10")},
		"text",
	})

	if v, ok := args[0].(int64); !ok || v != 3 {
		t.Errorf("args[0] = %#v", args[0])
	}
	if v, ok := args[1].(float64); !ok || v != 2.5 {
		t.Errorf("args[1] = %#v", args[1])
	}
	if v, ok := args[2].([]any)[0].(int64); !ok || v != 7 {
		t.Errorf("args[2] = %#v", args[2])
	}
	if v, ok := args[3].(map[string]any)["limit"].(int64); !ok || v != 10 {
		t.Errorf("args[3] = %#v", args[3])
	}
	if args[4] != "text" {
		t.Errorf("args[4] = %#v", args[4])
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		code core.Code
		want int
	}{
		{core.CodeOK, http.StatusOK},
		{core.CodeNotFound, http.StatusNotFound},
		{core.CodeDeleted, http.StatusGone},
		{core.CodeAccessDenied, http.StatusForbidden},
		{core.CodeInsufficientQuota, http.StatusPaymentRequired},
		{core.CodeTooFast, http.StatusTooManyRequests},
		{core.CodeCycleDetected, http.StatusBadRequest},
		{core.CodeTimeout, http.StatusGatewayTimeout},
		{core.CodeScoringUnavailable, http.StatusServiceUnavailable},
		{core.CodeInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := httpStatus(tt.code); got != tt.want {
			t.Errorf("httpStatus(%s) = %d, want %d", tt.code, got, tt.want)
		}
	}
}

// --- Events ---

func TestAPI_ListEvents(t *testing.T) {
	srv, _, _ := testServer(t)
	postWrite(t, srv, "alice-token", "a1", "one")
	postWrite(t, srv, "bob-token", "b1", "two")
	postWrite(t, srv, "alice-token", "a2", "three")

	var resp struct {
		Events     []*core.Event `json:"events"`
		Count      int           `json:"count"`
		LastNumber int64         `json:"last_number"`
	}

	rr := do(t, srv, "GET", "/api/v1/events?actor=alice&action_type=write", "bob-token", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	decode(t, rr, &resp)
	if resp.Count != 2 {
		t.Fatalf("expected 2 events, got %d", resp.Count)
	}
	if resp.Events[0].Target != "a1" || resp.Events[1].Target != "a2" {
		t.Errorf("unexpected order: %s, %s", resp.Events[0].Target, resp.Events[1].Target)
	}

	rr = do(t, srv, "GET", "/api/v1/events?order=desc&limit=1", "bob-token", nil)
	decode(t, rr, &resp)
	if resp.Count != 1 || resp.Events[0].Number != resp.LastNumber {
		t.Errorf("desc limit 1 = %+v", resp)
	}
}

func TestAPI_ListEvents_BadQuery(t *testing.T) {
	srv, _, _ := testServer(t)
	for _, q := range []string{"after=-1", "limit=0", "since=yesterday", "until=soon"} {
		rr := do(t, srv, "GET", "/api/v1/events?"+q, "alice-token", nil)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("%s: expected status 400, got %d", q, rr.Code)
		}
	}
}

func TestAPI_GetEvent(t *testing.T) {
	srv, _, _ := testServer(t)
	res := postWrite(t, srv, "alice-token", "a1", "one")

	rr := do(t, srv, "GET", "/api/v1/events/"+itoa(res.EventNumber), "alice-token", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var e core.Event
	decode(t, rr, &e)
	if e.Target != "a1" || e.Hash == "" {
		t.Errorf("unexpected event %+v", e)
	}

	if rr := do(t, srv, "GET", "/api/v1/events/9999", "alice-token", nil); rr.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", rr.Code)
	}
	if rr := do(t, srv, "GET", "/api/v1/events/x", "alice-token", nil); rr.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", rr.Code)
	}
}

func TestAPI_VerifyEvents(t *testing.T) {
	srv, w, store := testServer(t)
	postWrite(t, srv, "alice-token", "a1", "one")
	postWrite(t, srv, "bob-token", "b1", "two")

	var resp map[string]interface{}
	decode(t, do(t, srv, "GET", "/api/v1/events/verify", "alice-token", nil), &resp)
	if resp["chain_valid"] != true || resp["stored_valid"] != true {
		t.Fatalf("expected a valid chain, got %v", resp)
	}
	if got := int64(resp["stored_events"].(float64)); got != w.Kernel.Events().LastNumber() {
		t.Errorf("stored %d events, log has %d", got, w.Kernel.Events().LastNumber())
	}

	// Drop the tail of the stored log and append a forged event.
	if _, err := store.DiscardAfter(1); err != nil {
		t.Fatalf("discard: %v", err)
	}
	forged := &core.Event{
		Number:     2,
		Timestamp:  time.Now().UTC(),
		ActionType: core.ActionWrite,
		Actor:      "mallory",
		Target:     "b1",
		Outcome:    core.CodeOK,
		PrevHash:   "bogus",
		Hash:       "bogus",
	}
	if err := store.WriteEvent(forged); err != nil {
		t.Fatalf("write forged event: %v", err)
	}

	decode(t, do(t, srv, "GET", "/api/v1/events/verify", "alice-token", nil), &resp)
	if resp["chain_valid"] != false || resp["stored_valid"] != false {
		t.Fatalf("expected the forged chain to fail, got %v", resp)
	}
	if resp["memory_valid"] != true {
		t.Error("in-memory chain should be unaffected")
	}
	if resp["stored_error_type"] != "chain_broken" {
		t.Errorf("stored_error_type = %v", resp["stored_error_type"])
	}
}

// --- World ---

func TestAPI_GetArtifact(t *testing.T) {
	srv, _, _ := testServer(t)
	postWrite(t, srv, "alice-token", "poem", "roses are red")

	rr := do(t, srv, "GET", "/api/v1/artifacts/poem", "bob-token", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var info kernel.ArtifactInfo
	decode(t, rr, &info)
	if info.Owner != "alice" || info.Size != int64(len("roses are red")) {
		t.Errorf("unexpected info %+v", info)
	}
	if strings.Contains(rr.Body.String(), "roses are red") {
		t.Error("metadata must not include content")
	}

	if rr := do(t, srv, "GET", "/api/v1/artifacts/missing", "bob-token", nil); rr.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", rr.Code)
	}
}

func TestAPI_GetPrincipal(t *testing.T) {
	srv, _, _ := testServer(t)

	rr := do(t, srv, "GET", "/api/v1/principals/carol", "alice-token", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var info kernel.PrincipalInfo
	decode(t, rr, &info)
	if info.ID != "carol" || info.Balance != testutil.AgentBalance {
		t.Errorf("unexpected info %+v", info)
	}

	if rr := do(t, srv, "GET", "/api/v1/principals/nobody", "alice-token", nil); rr.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", rr.Code)
	}
}

func TestAPI_GetSupply(t *testing.T) {
	srv, _, _ := testServer(t)

	var info kernel.SupplyInfo
	decode(t, do(t, srv, "GET", "/api/v1/supply", "alice-token", nil), &info)
	want := int64(len(testutil.Agents) * testutil.AgentBalance)
	if info.Supply != want || info.Balances != want || info.Minted != 0 {
		t.Errorf("unexpected supply %+v", info)
	}
}

func TestAPI_HealthAndMetrics(t *testing.T) {
	srv, _, _ := testServer(t)
	postWrite(t, srv, "alice-token", "poem", "x")

	if rr := do(t, srv, "GET", "/health", "", nil); rr.Code != http.StatusOK {
		t.Errorf("health: expected status 200, got %d", rr.Code)
	}
	rr := do(t, srv, "GET", "/metrics", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics: expected status 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "worldkernel_") {
		t.Error("metrics output has no worldkernel series")
	}
}

// --- Stream ---

func TestAPI_StreamDeliversNotifications(t *testing.T) {
	srv, _, _ := testServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	postWrite(t, srv, "alice-token", "poem", "v1")
	rr := do(t, srv, "POST", "/api/v1/actions", "alice-token", core.Envelope{
		ActionType: core.ActionSubscribe,
		TargetID:   "poem",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("subscribe: %d %s", rr.Code, rr.Body.String())
	}

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?token=alice-token"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	res := postWrite(t, srv, "alice-token", "poem", "v2")

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var n notify.Notification
	if err := conn.ReadJSON(&n); err != nil {
		t.Fatalf("read notification: %v", err)
	}
	if n.ArtifactID != "poem" || n.EventNumber != res.EventNumber || n.Actor != "alice" {
		t.Errorf("unexpected notification %+v", n)
	}
}

func TestAPI_StreamRejectsUnknownCaller(t *testing.T) {
	srv, _, _ := testServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?token=nope"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected the handshake to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected status 401, got %v", resp)
	}
}

func itoa(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}
