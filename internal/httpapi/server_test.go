package httpapi

import (
	"context"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rob-otix-ai/cto-flow-sub001/internal/config"
	"github.com/rob-otix-ai/cto-flow-sub001/pkg/models"
)

func newTestApp(t *testing.T, mutate func(*config.Config), profile models.AgentProfile) (*App, *httptest.Server) {
	t.Helper()
	cfg := config.Default()
	cfg.Store.Backend = config.StoreFile
	if mutate != nil {
		mutate(&cfg)
	}
	if profile.ID == "" {
		profile = models.AgentProfile{
			ID:                 "alice",
			Capabilities:       []string{"go", "backend", "review"},
			MaxConcurrentTasks: 3,
			Status:             models.AgentAvailable,
		}
	}
	app, err := NewApp(ServerOptions{
		Home:    t.TempDir(),
		Addr:    "127.0.0.1:0",
		Config:  cfg,
		Profile: profile,
	})
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	srv := httptest.NewServer(app.Server.Handler)
	t.Cleanup(func() {
		srv.Close()
		app.Store.Close()
	})
	return app, srv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func createEpic(t *testing.T, srv *httptest.Server) models.Epic {
	t.Helper()
	spec := models.EpicSpec{
		Title:       "Payments overhaul",
		Description: "Replace the legacy billing pipeline.",
		Tags:        []string{"payments"},
		Objectives:  []string{"Zero downtime cutover"},
		Phases:      []models.PhaseSpec{{Title: "Foundation"}},
		Stories: []models.StorySpec{
			{Title: "Schema migration", Phase: "Foundation", RequiredCapabilities: []string{"go", "backend"}, Domain: "backend", EstimatedHours: 8},
			{Title: "Dashboard widget", Phase: "Foundation", RequiredCapabilities: []string{"typescript"}, Domain: "frontend", EstimatedHours: 4},
		},
	}
	resp := postJSON(t, srv.URL+"/epics", spec)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create epic status = %d", resp.StatusCode)
	}
	var epic models.Epic
	decodeBody(t, resp, &epic)
	if epic.ID == "" {
		t.Fatal("created epic has no ID")
	}
	return epic
}

func TestHealth(t *testing.T) {
	t.Parallel()
	_, srv := newTestApp(t, nil, models.AgentProfile{})

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body map[string]any
	decodeBody(t, resp, &body)
	if body["ok"] != true {
		t.Fatalf("body = %v, want ok true", body)
	}
}

func TestEpicLifecycle(t *testing.T) {
	t.Parallel()
	_, srv := newTestApp(t, nil, models.AgentProfile{})
	epic := createEpic(t, srv)

	resp, err := http.Get(srv.URL + "/epics")
	if err != nil {
		t.Fatalf("GET /epics: %v", err)
	}
	var epics []models.Epic
	decodeBody(t, resp, &epics)
	if len(epics) != 1 || epics[0].ID != epic.ID {
		t.Fatalf("epics = %+v, want the created one", epics)
	}

	resp, err = http.Get(srv.URL + "/epics/" + epic.ID)
	if err != nil {
		t.Fatalf("GET epic: %v", err)
	}
	var ec models.EpicContext
	decodeBody(t, resp, &ec)
	if ec.Epic.Title != "Payments overhaul" {
		t.Fatalf("title = %q", ec.Epic.Title)
	}

	resp, err = http.Get(srv.URL + "/epics/" + epic.ID + "/tasks")
	if err != nil {
		t.Fatalf("GET tasks: %v", err)
	}
	var tasks []models.TaskProgress
	decodeBody(t, resp, &tasks)
	if len(tasks) != 2 {
		t.Fatalf("tasks = %d, want 2", len(tasks))
	}

	resp, err = http.Get(srv.URL + "/epics/missing")
	if err != nil {
		t.Fatalf("GET missing epic: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing epic status = %d, want 404", resp.StatusCode)
	}
}

func TestClaimOutcomeStatusCodes(t *testing.T) {
	t.Parallel()
	app, srv := newTestApp(t, nil, models.AgentProfile{})
	epic := createEpic(t, srv)

	tasks, err := app.Mem.GetEpicTasks(context.Background(), epic.ID)
	if err != nil {
		t.Fatalf("GetEpicTasks: %v", err)
	}
	var backendTask, frontendTask string
	for _, task := range tasks {
		if task.Domain == "frontend" {
			frontendTask = task.TaskID
		} else {
			backendTask = task.TaskID
		}
	}

	resp := postJSON(t, srv.URL+"/epics/"+epic.ID+"/tasks/"+backendTask+"/claim", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("claim status = %d, want 200", resp.StatusCode)
	}
	var body map[string]any
	decodeBody(t, resp, &body)
	if body["outcome"] != "claimed" {
		t.Fatalf("outcome = %v, want claimed", body["outcome"])
	}
	if body["score"] == nil {
		t.Fatal("claim response missing score breakdown")
	}

	// A capability mismatch scores below threshold and is rejected.
	resp = postJSON(t, srv.URL+"/epics/"+epic.ID+"/tasks/"+frontendTask+"/claim", nil)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("mismatched claim status = %d, want 422", resp.StatusCode)
	}
	decodeBody(t, resp, &body)
	if body["outcome"] != "rejected" || body["score"] == nil {
		t.Fatalf("rejection body = %v", body)
	}

	resp = postJSON(t, srv.URL+"/epics/"+epic.ID+"/tasks/999/claim", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown task status = %d, want 404", resp.StatusCode)
	}

	// Reporting on an unclaimed task conflicts.
	resp = postJSON(t, srv.URL+"/epics/"+epic.ID+"/tasks/"+frontendTask+"/progress", map[string]any{"status": "in_progress"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("unclaimed progress status = %d, want 409", resp.StatusCode)
	}

	resp = postJSON(t, srv.URL+"/epics/"+epic.ID+"/tasks/"+backendTask+"/progress",
		map[string]any{"status": "in_progress", "progress": 40, "notes": "halfway through migration"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("progress status = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/epics/"+epic.ID+"/tasks/"+backendTask+"/release", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("release status = %d, want 200", resp.StatusCode)
	}
	decodeBody(t, resp, &body)
	if body["outcome"] != "released" {
		t.Fatalf("outcome = %v, want released", body["outcome"])
	}
}

func TestCloseEpicConflict(t *testing.T) {
	t.Parallel()
	app, srv := newTestApp(t, nil, models.AgentProfile{})
	epic := createEpic(t, srv)

	resp := postJSON(t, srv.URL+"/epics/"+epic.ID+"/close", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("close status = %d, want 409 while children open", resp.StatusCode)
	}
	var body map[string]any
	decodeBody(t, resp, &body)
	if body["items"] == nil {
		t.Fatalf("conflict body = %v, want open item numbers", body)
	}

	// Close the remote children, then the epic closes cleanly.
	state, err := app.Mem.GetSyncState(context.Background(), epic.ID)
	if err != nil || state == nil {
		t.Fatalf("GetSyncState: %v %v", state, err)
	}
	for _, n := range state.TaskIssues {
		if err := app.Tracker.CloseItem(context.Background(), n); err != nil {
			t.Fatalf("CloseItem(%d): %v", n, err)
		}
	}
	resp = postJSON(t, srv.URL+"/epics/"+epic.ID+"/close", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("close status = %d, want 200", resp.StatusCode)
	}
}

func TestSyncEndpoints(t *testing.T) {
	t.Parallel()
	_, srv := newTestApp(t, nil, models.AgentProfile{})
	epic := createEpic(t, srv)

	resp, err := http.Get(srv.URL + "/epics/" + epic.ID + "/sync")
	if err != nil {
		t.Fatalf("GET sync: %v", err)
	}
	var state models.SyncState
	decodeBody(t, resp, &state)
	if state.Status != models.SyncStatusSynced {
		t.Fatalf("sync status = %q, want synced", state.Status)
	}

	resp = postJSON(t, srv.URL+"/epics/"+epic.ID+"/sync", map[string]any{"direction": "pull"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pull status = %d, want 200", resp.StatusCode)
	}

	resp = postJSON(t, srv.URL+"/epics/"+epic.ID+"/sync", map[string]any{"direction": "sideways"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad direction status = %d, want 400", resp.StatusCode)
	}

	resp = postJSON(t, srv.URL+"/epics/"+epic.ID+"/sync/disable", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("disable status = %d", resp.StatusCode)
	}
}

func TestRateLimitMapsTo429(t *testing.T) {
	t.Parallel()
	_, srv := newTestApp(t, func(c *config.Config) {
		c.Sync.RateLimitPerHour = 1
	}, models.AgentProfile{})

	spec := models.EpicSpec{Title: "Tiny", Stories: []models.StorySpec{{Title: "Only story"}}}
	resp := postJSON(t, srv.URL+"/epics", spec)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway && resp.StatusCode != http.StatusTooManyRequests {
		// First create spends the sole budget unit partway through; either the
		// create itself or the follow-up must hit the limiter.
		t.Fatalf("create status = %d", resp.StatusCode)
	}

	resp = postJSON(t, srv.URL+"/epics", models.EpicSpec{Title: "Another"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatal("missing Retry-After header")
	}
}

func TestDecisions(t *testing.T) {
	t.Parallel()
	_, srv := newTestApp(t, nil, models.AgentProfile{})
	epic := createEpic(t, srv)

	resp := postJSON(t, srv.URL+"/epics/"+epic.ID+"/decisions", models.Decision{
		Title:    "Use event sourcing",
		Context:  "Audit requirements demand full history.",
		Decision: "Persist billing mutations as an append-only event log.",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("store decision status = %d", resp.StatusCode)
	}
	var stored models.Decision
	decodeBody(t, resp, &stored)
	if stored.ID == "" || stored.EpicID != epic.ID {
		t.Fatalf("stored = %+v", stored)
	}

	resp, err := http.Get(srv.URL + "/epics/" + epic.ID + "/decisions")
	if err != nil {
		t.Fatalf("GET decisions: %v", err)
	}
	var decisions []models.Decision
	decodeBody(t, resp, &decisions)
	if len(decisions) != 1 || decisions[0].Title != "Use event sourcing" {
		t.Fatalf("decisions = %+v", decisions)
	}
}

func TestDisabledConfigRefusesMutations(t *testing.T) {
	t.Parallel()
	_, srv := newTestApp(t, func(c *config.Config) { c.Enabled = false }, models.AgentProfile{})

	resp := postJSON(t, srv.URL+"/epics", models.EpicSpec{Title: "Nope"})
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("create epic status = %d, want 503", resp.StatusCode)
	}
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/epics/e1/tasks/1/claim", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("claim status = %d, want 503", resp.StatusCode)
	}
	var res map[string]any
	decodeBody(t, resp, &res)
	if res["outcome"] != "disabled" {
		t.Fatalf("claim outcome = %v, want disabled", res["outcome"])
	}

	resp = postJSON(t, srv.URL+"/epics/e1/close", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("close status = %d, want 503", resp.StatusCode)
	}
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/epics/e1/decisions", models.Decision{Title: "d"})
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("decision status = %d, want 503", resp.StatusCode)
	}
	resp.Body.Close()

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/epics/e1", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("delete status = %d, want 503", resp.StatusCode)
	}
	resp.Body.Close()

	// Reads stay open so operators can still inspect state.
	getResp, err := http.Get(srv.URL + "/epics")
	if err != nil {
		t.Fatalf("GET /epics: %v", err)
	}
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d, want 200", getResp.StatusCode)
	}
	getResp.Body.Close()
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()
	_, srv := newTestApp(t, func(c *config.Config) {
		c.APIKey = "sekrit"
	}, models.AgentProfile{})

	resp, err := http.Get(srv.URL + "/epics")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no key status = %d, want 401", resp.StatusCode)
	}

	// Health stays open.
	resp, err = http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d, want 200", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/epics", nil)
	req.Header.Set("X-API-Key", "sekrit")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET with key: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("keyed status = %d, want 200", resp.StatusCode)
	}
}

func TestStreamSendsConnectedPing(t *testing.T) {
	t.Parallel()
	_, srv := newTestApp(t, nil, models.AgentProfile{})

	req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, srv.URL+"/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type = %q", ct)
	}
	buf := make([]byte, 256)
	n, err := resp.Body.Read(buf)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if !strings.Contains(string(buf[:n]), `"type":"connected"`) {
		t.Fatalf("first frame = %q, want connected ping", buf[:n])
	}
}

func TestTrackerEventEndpoint(t *testing.T) {
	t.Parallel()
	_, srv := newTestApp(t, nil, models.AgentProfile{})
	epic := createEpic(t, srv)

	resp := postJSON(t, srv.URL+"/events", map[string]any{
		"Action": "edited",
		"Labels": []string{"epic", "epic:" + epic.ID},
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("event status = %d, want 200", resp.StatusCode)
	}

	// Events without the epic marker are accepted and ignored.
	resp = postJSON(t, srv.URL+"/events", map[string]any{"Action": "edited", "Labels": []string{"bug"}})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unrelated event status = %d, want 200", resp.StatusCode)
	}
}
