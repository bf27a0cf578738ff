package gateway_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/smolclaw/internal/approval"
	"github.com/basket/smolclaw/internal/bus"
	"github.com/basket/smolclaw/internal/control"
	"github.com/basket/smolclaw/internal/gateway"
	"github.com/basket/smolclaw/internal/hormone"
	"github.com/basket/smolclaw/internal/otel"
	"github.com/basket/smolclaw/internal/platform"
)

const testToken = "test-token"

type okClient struct{}

func (okClient) Post(context.Context, string) (platform.Result, error) {
	return platform.Result{Success: true, PostID: "p-42"}, nil
}
func (okClient) Reply(context.Context, string, string) (platform.Result, error) {
	return platform.Result{Success: true, PostID: "r-42"}, nil
}
func (okClient) IsConfigured() bool { return true }

type fakeUsage struct {
	mu    sync.Mutex
	calls map[string]int
	limit int
}

func (f *fakeUsage) Record(_ context.Context, agentID string, n int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[agentID] += n
	return nil
}

func (f *fakeUsage) UsageStatus() (hormone.Usage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.calls {
		total += n
	}
	return hormone.Usage{CallsToday: total, DailyLimit: f.limit}, nil
}

type testEnv struct {
	ts    *httptest.Server
	core  *control.Core
	bus   *bus.Bus
	usage *fakeUsage
}

func newTestEnv(t *testing.T, opts ...func(*gateway.Config)) *testEnv {
	t.Helper()
	dir := t.TempDir()
	b := bus.New()
	usage := &fakeUsage{limit: 100}
	deps := control.Deps{StateDir: dir, Bus: b, Budget: usage}
	reg, err := control.NewRegistry(
		control.NewAgent(control.AgentConfig{AgentID: "marketer"}, deps),
		control.NewAgent(control.AgentConfig{AgentID: "support", Timezone: "UTC"}, deps),
	)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	q := approval.NewQueue(approval.Config{
		Path:      filepath.Join(dir, "approvals.jsonl"),
		Clients:   platform.NewSet(map[string]platform.Client{platform.Threads: okClient{}}),
		OnOutcome: reg.OnApprovalOutcome,
		Bus:       b,
	})
	t.Cleanup(q.Close)
	core := control.NewCore(reg, q)

	cfg := gateway.Config{
		Core:              core,
		Bus:               b,
		Usage:             usage,
		APIKeys:           []string{testToken},
		ConfigFingerprint: "cfg-test",
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	srv, err := gateway.New(cfg)
	if err != nil {
		t.Fatalf("gateway.New: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{ts: ts, core: core, bus: b, usage: usage}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rd io.Reader
	switch v := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(v)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	var out map[string]any
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("decode %s %s: %v\nbody: %s", method, path, err, raw)
		}
	}
	return resp, out
}

func TestHealthz_NoAuth(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Trace-ID") == "" {
		t.Fatal("missing X-Trace-ID header")
	}
	var body map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if body["agent_count"] != float64(2) {
		t.Fatalf("agent_count = %v", body["agent_count"])
	}
}

func TestAPI_RequiresToken(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.ts.URL + "/api/status")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestAPI_Status(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.do(t, http.MethodGet, "/api/status", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["config_hash"] != "cfg-test" {
		t.Fatalf("config_hash = %v", body["config_hash"])
	}
	ov := body["overview"].(map[string]any)
	if agents := ov["agents"].([]any); len(agents) != 2 {
		t.Fatalf("agents = %v", agents)
	}
	if usage := body["usage"].(map[string]any); usage["daily_limit"] != float64(100) {
		t.Fatalf("usage = %v", usage)
	}
}

func TestAPI_ApprovalLifecycle(t *testing.T) {
	env := newTestEnv(t)

	resp, rec := env.do(t, http.MethodPost, "/api/approvals", map[string]any{
		"agent_id": "support",
		"platform": "Threads",
		"action":   "post",
		"text":     "오늘의 팁",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("enqueue status = %d body=%v", resp.StatusCode, rec)
	}
	id := rec["id"].(string)
	if len(id) != 8 || rec["status"] != "pending" || rec["agent_id"] != "support" || rec["platform"] != "threads" {
		t.Fatalf("record = %v", rec)
	}

	_, list := env.do(t, http.MethodGet, "/api/approvals", nil)
	if items := list["approvals"].([]any); len(items) != 1 {
		t.Fatalf("pending = %v", items)
	}

	before := mustAgent(t, env.core, "support").Hormones().State().Dopamine
	resp, res := env.do(t, http.MethodPost, "/api/approvals/"+id+"/approve", nil)
	if resp.StatusCode != http.StatusOK || res["success"] != true || res["post_id"] != "p-42" {
		t.Fatalf("approve = %d %v", resp.StatusCode, res)
	}
	if after := mustAgent(t, env.core, "support").Hormones().State().Dopamine; after <= before {
		t.Fatalf("dopamine %v -> %v, want reward", before, after)
	}

	resp, got := env.do(t, http.MethodGet, "/api/approvals/"+id, nil)
	if resp.StatusCode != http.StatusOK || got["status"] != "posted" {
		t.Fatalf("get = %d %v", resp.StatusCode, got)
	}

	resp, conflict := env.do(t, http.MethodPost, "/api/approvals/"+id+"/reject", nil)
	if resp.StatusCode != http.StatusConflict || conflict["status"] != "posted" {
		t.Fatalf("reject posted = %d %v", resp.StatusCode, conflict)
	}

	_, all := env.do(t, http.MethodGet, "/api/approvals?status=all", nil)
	if items := all["approvals"].([]any); len(items) != 1 {
		t.Fatalf("all = %v", items)
	}
	_, pending := env.do(t, http.MethodGet, "/api/approvals", nil)
	if items := pending["approvals"].([]any); len(items) != 0 {
		t.Fatalf("pending after approve = %v", items)
	}
}

func TestAPI_EnqueueValidation(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		name string
		body any
		want int
	}{
		{"missing text", map[string]any{"platform": "threads", "action": "post"}, http.StatusUnprocessableEntity},
		{"unknown action", map[string]any{"platform": "threads", "action": "like", "text": "x"}, http.StatusUnprocessableEntity},
		{"extra field", map[string]any{"platform": "threads", "action": "post", "text": "x", "priority": 1}, http.StatusUnprocessableEntity},
		{"not json", "{oops", http.StatusBadRequest},
		{"empty", "", http.StatusBadRequest},
		{"unknown platform", map[string]any{"platform": "myspace", "action": "post", "text": "x"}, http.StatusBadRequest},
		{"reply without parent", map[string]any{"platform": "threads", "action": "reply", "text": "x"}, http.StatusBadRequest},
		{"unknown agent", map[string]any{"agent_id": "ghost", "platform": "threads", "action": "post", "text": "x"}, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := env.do(t, http.MethodPost, "/api/approvals", tc.body)
			if resp.StatusCode != tc.want {
				t.Fatalf("status = %d, want %d (body %v)", resp.StatusCode, tc.want, body)
			}
		})
	}
	if n := len(env.core.Pending()); n != 0 {
		t.Fatalf("invalid requests queued %d records", n)
	}
}

func TestAPI_UnknownApproval(t *testing.T) {
	env := newTestEnv(t)
	for _, path := range []string{"/api/approvals/deadbeef/approve", "/api/approvals/deadbeef/reject"} {
		if resp, _ := env.do(t, http.MethodPost, path, nil); resp.StatusCode != http.StatusNotFound {
			t.Fatalf("%s = %d, want 404", path, resp.StatusCode)
		}
	}
	if resp, _ := env.do(t, http.MethodGet, "/api/approvals/deadbeef", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get = %d, want 404", resp.StatusCode)
	}
}

func TestAPI_AlarmLifecycle(t *testing.T) {
	env := newTestEnv(t)

	resp, e := env.do(t, http.MethodPost, "/api/agents/support/alarms", map[string]any{
		"schedule": "daily 09:30",
		"prompt":   "아침 인사",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("add = %d %v", resp.StatusCode, e)
	}
	id := e["alarm_id"].(string)
	if e["tz"] != "UTC" || e["created_by"] != "api" || e["enabled"] != true {
		t.Fatalf("entry = %v", e)
	}

	resp, off := env.do(t, http.MethodPut, "/api/agents/support/alarms/"+id+"/enabled", map[string]any{"enabled": false})
	if resp.StatusCode != http.StatusOK || off["enabled"] != false {
		t.Fatalf("disable = %d %v", resp.StatusCode, off)
	}

	_, list := env.do(t, http.MethodGet, "/api/agents/support/alarms", nil)
	if alarms := list["alarms"].([]any); len(alarms) != 1 {
		t.Fatalf("alarms = %v", alarms)
	}
	_, other := env.do(t, http.MethodGet, "/api/agents/marketer/alarms", nil)
	if alarms := other["alarms"].([]any); len(alarms) != 0 {
		t.Fatalf("alarm leaked to another agent: %v", alarms)
	}

	if resp, _ := env.do(t, http.MethodDelete, "/api/agents/support/alarms/"+id, nil); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete = %d", resp.StatusCode)
	}
	if resp, _ := env.do(t, http.MethodDelete, "/api/agents/support/alarms/"+id, nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second delete = %d, want 404", resp.StatusCode)
	}
	if resp, _ := env.do(t, http.MethodPut, "/api/agents/support/alarms/"+id+"/enabled", map[string]any{"enabled": true}); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("toggle removed = %d, want 404", resp.StatusCode)
	}
}

func TestAPI_AlarmValidationIsLocalized(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		body map[string]any
		kind string
	}{
		{map[string]any{"schedule": "sometimes", "prompt": "x"}, "InvalidScheduleFormat"},
		{map[string]any{"schedule": "every 5m", "prompt": "x"}, "IntervalTooShort"},
		{map[string]any{"schedule": "daily 09:00", "prompt": "x", "timezone": "Mars/Base"}, "InvalidTimezone"},
	}
	for _, tc := range cases {
		resp, body := env.do(t, http.MethodPost, "/api/agents/marketer/alarms", tc.body)
		if resp.StatusCode != http.StatusBadRequest || body["kind"] != tc.kind {
			t.Fatalf("%v = %d %v, want kind %s", tc.body, resp.StatusCode, body, tc.kind)
		}
		if msg, _ := body["error"].(string); msg == "" {
			t.Fatalf("%v: empty localized message", tc.body)
		}
	}
	if resp, _ := env.do(t, http.MethodGet, "/api/agents/ghost/alarms", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown agent = %d", resp.StatusCode)
	}
}

func TestAPI_NudgeAndSentiment(t *testing.T) {
	env := newTestEnv(t)
	a := mustAgent(t, env.core, "marketer")
	before := a.Hormones().State()

	resp, res := env.do(t, http.MethodPost, "/api/agents/marketer/nudge", map[string]any{"dopamine": 0.9})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("nudge = %d %v", resp.StatusCode, res)
	}
	if res["dopamine_delta"] != control.MaxNudge || res["cortisol_delta"] != float64(0) {
		t.Fatalf("nudge deltas = %v", res)
	}

	if resp, _ := env.do(t, http.MethodPost, "/api/agents/marketer/nudge", map[string]any{}); resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("empty nudge = %d, want 422", resp.StatusCode)
	}

	resp, sent := env.do(t, http.MethodPost, "/api/agents/marketer/sentiment", map[string]any{"score": -1.0})
	if resp.StatusCode != http.StatusOK || sent["applied"] != -control.MaxSentiment {
		t.Fatalf("sentiment = %d %v", resp.StatusCode, sent)
	}
	after := a.Hormones().State()
	if after.Dopamine <= before.Dopamine || after.Cortisol <= before.Cortisol {
		t.Fatalf("state %+v -> %+v", before, after)
	}

	_, h := env.do(t, http.MethodGet, "/api/agents/marketer/hormones", nil)
	if h["agent_id"] != "marketer" || h["params"] == nil || h["status"] == nil {
		t.Fatalf("hormones = %v", h)
	}
}

func TestAPI_RecordUsage(t *testing.T) {
	env := newTestEnv(t)
	resp, u := env.do(t, http.MethodPost, "/api/usage", map[string]any{"agent_id": "marketer", "calls": 3})
	if resp.StatusCode != http.StatusOK || u["calls_today"] != float64(3) {
		t.Fatalf("record = %d %v", resp.StatusCode, u)
	}
	if resp, _ := env.do(t, http.MethodPost, "/api/usage", map[string]any{"agent_id": "marketer", "calls": 0}); resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("zero calls = %d, want 422", resp.StatusCode)
	}
	if resp, _ := env.do(t, http.MethodPost, "/api/usage", map[string]any{"agent_id": "ghost", "calls": 1}); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown agent = %d, want 404", resp.StatusCode)
	}
	_, got := env.do(t, http.MethodGet, "/api/usage", nil)
	if got["calls_today"] != float64(3) {
		t.Fatalf("usage = %v", got)
	}

	// Energy follows the recorded budget on the next tick.
	env.core.Tick(context.Background())
	if e := mustAgent(t, env.core, "marketer").Hormones().State().Energy; e >= 1 {
		t.Fatalf("energy = %v, want below 1 after usage", e)
	}
}

func TestWS_StreamsFilteredEvents(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/ws?topics=approval."
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + testToken}},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	var frame struct {
		Topic   string         `json:"topic"`
		Payload map[string]any `json:"payload"`
		At      int64          `json:"at_unix_ms"`
	}
	if err := wsjson.Read(ctx, conn, &frame); err != nil || frame.Topic != "status" {
		t.Fatalf("first frame = %+v, %v", frame, err)
	}

	// Filtered out by the topic prefix.
	env.bus.Publish(bus.TopicHormoneChanged, bus.HormoneEvent{AgentID: "marketer"})

	rec, err := env.core.RequestPost(ctx, approval.Request{Platform: platform.Threads, Action: approval.ActionPost, Text: "hi"})
	if err != nil {
		t.Fatalf("request post: %v", err)
	}
	if err := wsjson.Read(ctx, conn, &frame); err != nil {
		t.Fatalf("read: %v", err)
	}
	if frame.Topic != bus.TopicApprovalPending || frame.Payload["approval_id"] != rec.ID {
		t.Fatalf("frame = %+v", frame)
	}
	if frame.At == 0 {
		t.Fatal("event frame carries no timestamp")
	}
}

func TestWS_RequiresToken(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(env.ts.URL, "http")+"/ws", nil)
	if err == nil {
		t.Fatal("expected dial to fail without token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("response = %v", resp)
	}
}

func TestAPI_MetricsDisabled(t *testing.T) {
	env := newTestEnv(t)
	resp, _ := env.do(t, http.MethodGet, "/api/metrics", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}

	p, err := otel.Init(context.Background(), otel.Config{})
	if err != nil {
		t.Fatalf("otel.Init: %v", err)
	}
	env = newTestEnv(t, func(c *gateway.Config) { c.Counters = p })
	resp, body := env.do(t, http.MethodGet, "/api/metrics", nil)
	msg, _ := body["error"].(string)
	if resp.StatusCode != http.StatusServiceUnavailable || !strings.Contains(msg, "otel.enabled") {
		t.Fatalf("status = %d, body = %v", resp.StatusCode, body)
	}
}

func TestAPI_MetricsReportsRequests(t *testing.T) {
	p, err := otel.Init(context.Background(), otel.Config{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("otel.Init: %v", err)
	}
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
	m, err := otel.NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	env := newTestEnv(t, func(c *gateway.Config) {
		c.Metrics = m
		c.Counters = p
	})

	if resp, _ := env.do(t, http.MethodGet, "/api/status", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	resp, body := env.do(t, http.MethodGet, "/api/metrics", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d, body = %v", resp.StatusCode, body)
	}
	points, _ := body["metrics"].([]any)
	found := false
	for _, raw := range points {
		pt, _ := raw.(map[string]any)
		attrs, _ := pt["attributes"].(map[string]any)
		if pt["name"] == "smolclaw.request.duration" && attrs["route"] == "/api/status" {
			found = true
		}
	}
	if !found {
		t.Fatalf("no request metric for /api/status in %v", points)
	}
}

func mustAgent(t *testing.T, core *control.Core, id string) *control.Agent {
	t.Helper()
	a, err := core.Agent(id)
	if err != nil {
		t.Fatalf("agent %s: %v", id, err)
	}
	return a
}
