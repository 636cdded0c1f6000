package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/agent-supervisor/backend/internal/alertgate"
	"github.com/agent-supervisor/backend/internal/audit"
	"github.com/agent-supervisor/backend/internal/capture"
	"github.com/agent-supervisor/backend/internal/commandqueue"
	"github.com/agent-supervisor/backend/internal/eventbus"
	"github.com/agent-supervisor/backend/internal/progress"
	"github.com/agent-supervisor/backend/internal/session"
	"github.com/agent-supervisor/backend/internal/supervisor"
)

type fakeCtl struct {
	mu     sync.Mutex
	exists bool
	pane   string
	sent   []string
}

func (f *fakeCtl) HasSession(ctx context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exists, nil
}
func (f *fakeCtl) CapturePane(ctx context.Context, name string, lines int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pane, nil
}
func (f *fakeCtl) SendKeys(ctx context.Context, name, text string, pressEnter bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return nil
}
func (f *fakeCtl) KillSession(ctx context.Context, name string) error { return nil }

type noopNotifier struct{}

func (noopNotifier) Notify(mode, message string) error { return nil }

func newTestServer(t *testing.T) (*Server, *fakeCtl) {
	t.Helper()
	ctl := &fakeCtl{exists: true, pane: "> "}
	store, err := audit.Open(":memory:")
	if err != nil {
		t.Fatalf("audit.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	bus := eventbus.New(0)
	registry := supervisor.NewRegistry(ctl, store, bus, supervisor.Options{}, progress.NewCache(0), time.Minute)
	t.Cleanup(registry.Stop)

	if err := registry.Register(context.Background(), "demo-A", capture.Options{PollInterval: time.Hour}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	queue := commandqueue.New(registry, store, bus, commandqueue.Options{})
	queue.Start(context.Background())
	t.Cleanup(queue.Stop)

	gate := alertgate.New(noopNotifier{}, alertgate.Options{})

	s := New(registry, queue, store, store, gate, bus, nil, "")
	return s, ctl
}

func TestHandleAgentsListsRegisteredSessions(t *testing.T) {
	s, _ := newTestServer(t)
	mux := http.NewServeMux()
	s.SetupRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/api/agents", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Count != 1 {
		t.Fatalf("count = %d, want 1", body.Count)
	}
}

func TestHandleAgentGetMissingReturns404(t *testing.T) {
	s, _ := newTestServer(t)
	mux := http.NewServeMux()
	s.SetupRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/api/agents/unknown", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestHandleAgentCommandEnqueuesJob(t *testing.T) {
	s, _ := newTestServer(t)
	mux := http.NewServeMux()
	s.SetupRoutes(mux)

	body, _ := json.Marshal(commandRequest{Command: "continue"})
	req := httptest.NewRequest(http.MethodPost, "/api/agents/demo-A/command", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		JobID  string `json:"jobId"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.JobID == "" || resp.Status != "queued" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestHandleAgentCommandNudgePublishesNudgeRequested(t *testing.T) {
	s, _ := newTestServer(t)
	mux := http.NewServeMux()
	s.SetupRoutes(mux)

	body, _ := json.Marshal(commandRequest{Command: "please continue", Source: "nudge"})
	req := httptest.NewRequest(http.MethodPost, "/api/agents/demo-A/command", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	var nudge *session.Event
	for _, evt := range s.bus.RecentLog() {
		if evt.Kind == session.EventNudgeRequested {
			e := evt
			nudge = &e
		}
	}
	if nudge == nil {
		t.Fatal("expected a nudge_requested event on the bus")
	}
	payload, ok := nudge.Payload.(session.NudgePayload)
	if !ok || payload.Content != "please continue" || payload.JobID == "" {
		t.Fatalf("unexpected nudge payload: %+v", nudge.Payload)
	}

	log, err := s.store.ListInteractions(context.Background(), "demo-A", 10)
	if err != nil {
		t.Fatalf("ListInteractions: %v", err)
	}
	if len(log) == 0 || log[0].Action != session.ActionNudge {
		t.Fatalf("expected the interaction to be logged as a nudge, got %+v", log)
	}
}

func TestHandleAgentCommandRejectsEmptyPayload(t *testing.T) {
	s, _ := newTestServer(t)
	mux := http.NewServeMux()
	s.SetupRoutes(mux)

	body, _ := json.Marshal(commandRequest{Command: "  "})
	req := httptest.NewRequest(http.MethodPost, "/api/agents/demo-A/command", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleAgentKillIsIdempotentlyNotFoundAfter(t *testing.T) {
	s, _ := newTestServer(t)
	mux := http.NewServeMux()
	s.SetupRoutes(mux)

	req := httptest.NewRequest(http.MethodPost, "/api/agents/demo-A/kill", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	// The first kill must itself remove the session from the registry --
	// driving the real handler a second time (no manual Unregister) is
	// what actually proves the idempotence rule.
	req2 := httptest.NewRequest(http.MethodPost, "/api/agents/demo-A/kill", nil)
	rec2 := httptest.NewRecorder()
	mux.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 on second kill", rec2.Code)
	}
}

func TestHandleSuppressAndUnsuppress(t *testing.T) {
	s, _ := newTestServer(t)
	mux := http.NewServeMux()
	s.SetupRoutes(mux)

	body, _ := json.Marshal(suppressRequest{Duration: 10})
	req := httptest.NewRequest(http.MethodPost, "/api/alerts/demo-A/suppress", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("suppress status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if !s.gate.IsSuppressed("demo-A", time.Now()) {
		t.Fatal("expected demo-A to be suppressed")
	}

	req2 := httptest.NewRequest(http.MethodPost, "/api/alerts/demo-A/unsuppress", nil)
	rec2 := httptest.NewRecorder()
	mux.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusOK {
		t.Fatalf("unsuppress status = %d, want 200", rec2.Code)
	}
	if s.gate.IsSuppressed("demo-A", time.Now()) {
		t.Fatal("expected demo-A to no longer be suppressed")
	}
}

func TestHandleAlertFlushForcesBatchDelivery(t *testing.T) {
	s, _ := newTestServer(t)
	mux := http.NewServeMux()
	s.SetupRoutes(mux)

	s.gate.ApplyOptions(alertgate.Options{Policy: alertgate.PolicyBatch})
	forwarded := 0
	s.gate.OnForward = func(session.Event, error) { forwarded++ }
	if s.gate.Evaluate(session.Event{Kind: session.EventAgentStuck, SessionKey: "demo-A"}, time.Now()) {
		t.Fatal("batch policy must queue the event, not forward it on Evaluate")
	}

	req := httptest.NewRequest(http.MethodPost, "/api/alerts/flush", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("flush status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if forwarded != 1 {
		t.Fatalf("forwarded = %d after flush, want 1", forwarded)
	}

	// GET is not accepted for a command-side resource.
	req2 := httptest.NewRequest(http.MethodGet, "/api/alerts/flush", nil)
	rec2 := httptest.NewRecorder()
	mux.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusMethodNotAllowed {
		t.Fatalf("flush GET status = %d, want 405", rec2.Code)
	}
}

func TestHandleStatsReportsByState(t *testing.T) {
	s, _ := newTestServer(t)
	mux := http.NewServeMux()
	s.SetupRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Agents struct {
			Total   int            `json:"total"`
			ByState map[string]int `json:"byState"`
		} `json:"agents"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Agents.Total != 1 || body.Agents.ByState["initializing"] != 1 {
		t.Fatalf("unexpected agents stats: %+v", body.Agents)
	}
}

func TestAuthorizeRejectsMissingToken(t *testing.T) {
	s, _ := newTestServer(t)
	s.authToken = "secret"
	mux := http.NewServeMux()
	s.SetupRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/api/agents", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/api/agents?token=secret", nil)
	rec2 := httptest.NewRecorder()
	mux.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 with token", rec2.Code)
	}
}
