package agent

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/rob-otix-ai/cto-flow-sub001/internal/epicerr"
	"github.com/rob-otix-ai/cto-flow-sub001/internal/epicmem"
	"github.com/rob-otix-ai/cto-flow-sub001/internal/events"
	"github.com/rob-otix-ai/cto-flow-sub001/internal/kvstore"
	"github.com/rob-otix-ai/cto-flow-sub001/internal/tracker"
	"github.com/rob-otix-ai/cto-flow-sub001/pkg/models"
)

const testEpic = "epic-9"

func newMemory(t *testing.T) *epicmem.Manager {
	t.Helper()
	st, err := kvstore.OpenFile(filepath.Join(t.TempDir(), "kv.json"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return epicmem.New(st)
}

func seedEpic(t *testing.T, mem *epicmem.Manager, fake *tracker.Fake, agents ...models.AgentProfile) {
	t.Helper()
	ctx := context.Background()
	err := mem.StoreEpicContext(ctx, models.EpicContext{
		Epic:   models.Epic{ID: testEpic, Title: "Billing rework", Status: models.EpicActive},
		Agents: agents,
	})
	if err != nil {
		t.Fatalf("store epic context: %v", err)
	}
	for i, task := range []models.TaskProgress{
		{EpicID: testEpic, Title: "Wire invoice API", Status: models.TaskPending, RequiredCapabilities: []string{"go", "backend"}},
		{EpicID: testEpic, Title: "Invoice UI", Status: models.TaskPending, RequiredCapabilities: []string{"typescript"}},
	} {
		task.TaskID = strconv.Itoa(i + 1)
		if fake != nil {
			it, err := fake.CreateItem(ctx, tracker.NewItem{Title: task.Title})
			if err != nil {
				t.Fatalf("create item: %v", err)
			}
			task.TaskID = strconv.Itoa(it.Number)
		}
		if err := mem.TrackTaskProgress(ctx, task); err != nil {
			t.Fatalf("track task: %v", err)
		}
	}
}

func backendProfile(id string) models.AgentProfile {
	return models.AgentProfile{
		ID:                 id,
		Capabilities:       []string{"go", "backend", "review"},
		Specializations:    []string{"backend"},
		MaxConcurrentTasks: 3,
		Status:             models.AgentAvailable,
	}
}

func newTestAgent(t *testing.T, mem *epicmem.Manager, fake *tracker.Fake, profile models.AgentProfile) *Agent {
	t.Helper()
	var trk tracker.Client
	if fake != nil {
		trk = fake
	}
	return New(mem, Options{Profile: profile, Tracker: trk})
}

func TestClaimIssue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mem := newMemory(t)
	fake := tracker.NewFake()
	seedEpic(t, mem, fake)
	a := newTestAgent(t, mem, fake, backendProfile("alice"))

	res := a.ClaimIssue(ctx, testEpic, 1)
	if res.Outcome != OutcomeClaimed {
		t.Fatalf("outcome = %s (err %v), want claimed", res.Outcome, res.Err)
	}
	if res.Score == nil || !res.Score.MeetsThreshold {
		t.Fatalf("expected passing score on result, got %+v", res.Score)
	}

	task, err := mem.GetTaskProgress(ctx, testEpic, "1")
	if err != nil || task == nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != models.TaskAssigned || task.AssignedTo != "alice" {
		t.Fatalf("task = %s/%s, want assigned/alice", task.Status, task.AssignedTo)
	}
	holder, err := mem.ClaimHolder(ctx, testEpic, "1")
	if err != nil || holder != "alice" {
		t.Fatalf("claim holder = %q (%v), want alice", holder, err)
	}
	rec, err := mem.GetAgentAssignment(ctx, testEpic, "alice")
	if err != nil || rec == nil {
		t.Fatalf("assignment: %v", err)
	}
	if rec.Status != models.AssignmentActive || rec.LastScore == nil {
		t.Fatalf("assignment = %+v, want active with score", rec)
	}
	it, _ := fake.Item(1)
	if len(it.Assignees) != 1 || it.Assignees[0] != "alice" {
		t.Fatalf("remote assignees = %v, want [alice]", it.Assignees)
	}
	if a.ActiveAssignmentCount() != 1 {
		t.Fatalf("active count = %d, want 1", a.ActiveAssignmentCount())
	}
	if a.Profile().CurrentLoad != 1 {
		t.Fatalf("load = %d, want 1", a.Profile().CurrentLoad)
	}
	if a.CurrentEpic() != testEpic {
		t.Fatalf("current epic = %q", a.CurrentEpic())
	}
}

func TestClaimIssueBelowThreshold(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mem := newMemory(t)
	seedEpic(t, mem, nil)
	a := newTestAgent(t, mem, nil, models.AgentProfile{
		ID:                 "intern",
		Capabilities:       []string{"docs"},
		MaxConcurrentTasks: 1,
		CurrentLoad:        1,
		Status:             models.AgentBusy,
	})

	res := a.ClaimIssue(ctx, testEpic, 1)
	if res.Outcome != OutcomeRejected {
		t.Fatalf("outcome = %s, want rejected", res.Outcome)
	}
	if res.Score == nil {
		t.Fatal("rejected result should carry the score breakdown")
	}
	if res.Score.Breakdown.CapabilityMatch != 0 {
		t.Fatalf("capability factor = %v, want 0", res.Score.Breakdown.CapabilityMatch)
	}

	// A rejection leaves nothing behind.
	holder, err := mem.ClaimHolder(ctx, testEpic, "1")
	if err != nil || holder != "" {
		t.Fatalf("claim holder = %q (%v), want none", holder, err)
	}
	task, _ := mem.GetTaskProgress(ctx, testEpic, "1")
	if task.AssignedTo != "" {
		t.Fatalf("task assigned to %q after rejection", task.AssignedTo)
	}
}

func TestClaimIssueLosesRace(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mem := newMemory(t)
	seedEpic(t, mem, nil)

	// Another agent holds the claim token but the task record has not been
	// updated yet: exactly the window a conditional write must cover.
	if ok, err := mem.ClaimTask(ctx, testEpic, "1", "bob"); err != nil || !ok {
		t.Fatalf("pre-claim: ok=%v err=%v", ok, err)
	}
	a := newTestAgent(t, mem, nil, backendProfile("alice"))
	res := a.ClaimIssue(ctx, testEpic, 1)
	if res.Outcome != OutcomeAlreadyAssigned {
		t.Fatalf("outcome = %s, want already_assigned", res.Outcome)
	}
	if !errors.Is(res.Err, epicerr.ErrAlreadyAssigned) {
		t.Fatalf("err = %v, want ErrAlreadyAssigned", res.Err)
	}
	if a.ActiveAssignmentCount() != 0 {
		t.Fatal("losing a race must not count as an assignment")
	}
}

func TestClaimIssueNotFound(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mem := newMemory(t)
	seedEpic(t, mem, nil)
	a := newTestAgent(t, mem, nil, backendProfile("alice"))

	if res := a.ClaimIssue(ctx, testEpic, 404); res.Outcome != OutcomeNotFound {
		t.Fatalf("unknown task outcome = %s, want not_found", res.Outcome)
	}
	if res := a.ClaimIssue(ctx, "epic-missing", 1); res.Outcome != OutcomeNotFound {
		t.Fatalf("unknown epic outcome = %s, want not_found", res.Outcome)
	}
}

func TestReleaseIssueIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mem := newMemory(t)
	fake := tracker.NewFake()
	seedEpic(t, mem, fake)
	a := newTestAgent(t, mem, fake, backendProfile("alice"))

	if res := a.ClaimIssue(ctx, testEpic, 1); res.Outcome != OutcomeClaimed {
		t.Fatalf("claim: %s (%v)", res.Outcome, res.Err)
	}
	res := a.ReleaseIssue(ctx, testEpic, 1)
	if res.Outcome != OutcomeReleased {
		t.Fatalf("release outcome = %s (%v)", res.Outcome, res.Err)
	}
	task, _ := mem.GetTaskProgress(ctx, testEpic, "1")
	if task.Status != models.TaskPending || task.AssignedTo != "" {
		t.Fatalf("task = %s/%q after release", task.Status, task.AssignedTo)
	}
	holder, _ := mem.ClaimHolder(ctx, testEpic, "1")
	if holder != "" {
		t.Fatalf("claim still held by %q", holder)
	}
	it, _ := fake.Item(1)
	if len(it.Assignees) != 0 {
		t.Fatalf("remote assignees = %v, want none", it.Assignees)
	}
	if a.Profile().CurrentLoad != 0 {
		t.Fatalf("load = %d, want 0", a.Profile().CurrentLoad)
	}

	// Releasing again is a no-op, not an error.
	if res := a.ReleaseIssue(ctx, testEpic, 1); res.Outcome != OutcomeNoop {
		t.Fatalf("second release = %s, want noop", res.Outcome)
	}
}

func TestReportProgress(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mem := newMemory(t)
	seedEpic(t, mem, nil)
	a := newTestAgent(t, mem, nil, backendProfile("alice"))

	// Reporting on work the agent never claimed is refused.
	if res := a.ReportProgress(ctx, testEpic, 1, ProgressUpdate{Status: models.TaskInProgress}); res.Outcome != OutcomeNoAssignment {
		t.Fatalf("unclaimed report = %s, want no_assignment", res.Outcome)
	}

	if res := a.ClaimIssue(ctx, testEpic, 1); res.Outcome != OutcomeClaimed {
		t.Fatalf("claim: %s (%v)", res.Outcome, res.Err)
	}
	p := 40
	res := a.ReportProgress(ctx, testEpic, 1, ProgressUpdate{
		Status:   models.TaskInProgress,
		Progress: &p,
		Notes:    "endpoint scaffolding done",
	})
	if res.Outcome != OutcomeReported {
		t.Fatalf("report = %s (%v)", res.Outcome, res.Err)
	}

	task, _ := mem.GetTaskProgress(ctx, testEpic, "1")
	if task.Status != models.TaskInProgress || task.Progress != 40 {
		t.Fatalf("task = %s/%d, want in_progress/40", task.Status, task.Progress)
	}
	if task.StartedAt == nil {
		t.Fatal("first in_progress report should set StartedAt")
	}
	if len(task.Checkpoints) != 1 {
		t.Fatalf("checkpoints = %d, want 1", len(task.Checkpoints))
	}
	cp := task.Checkpoints[0]
	if cp.ID == "" || cp.Progress != 40 || cp.RecordedBy != "alice" || cp.Notes != "endpoint scaffolding done" {
		t.Fatalf("checkpoint = %+v", cp)
	}
}

func TestReportProgressCompletion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mem := newMemory(t)
	seedEpic(t, mem, nil)

	var hooked []string
	a := New(mem, Options{
		Profile: backendProfile("alice"),
		Hooks:   Hooks{OnTaskCompleted: func(epicID, taskID string) { hooked = append(hooked, epicID+"/"+taskID) }},
	})

	if res := a.ClaimIssue(ctx, testEpic, 1); res.Outcome != OutcomeClaimed {
		t.Fatalf("claim: %s (%v)", res.Outcome, res.Err)
	}
	res := a.ReportProgress(ctx, testEpic, 1, ProgressUpdate{Status: models.TaskCompleted, Quality: 90})
	if res.Outcome != OutcomeReported {
		t.Fatalf("report = %s (%v)", res.Outcome, res.Err)
	}

	task, _ := mem.GetTaskProgress(ctx, testEpic, "1")
	if task.Progress != 100 || task.CompletedAt == nil {
		t.Fatalf("completed task = progress %d, completedAt %v", task.Progress, task.CompletedAt)
	}
	holder, _ := mem.ClaimHolder(ctx, testEpic, "1")
	if holder != "" {
		t.Fatal("completion should release the claim")
	}
	if a.ActiveAssignmentCount() != 0 || a.CompletedTaskCount() != 1 {
		t.Fatalf("active=%d completed=%d", a.ActiveAssignmentCount(), a.CompletedTaskCount())
	}
	prof := a.Profile()
	if len(prof.History) != 1 || prof.History[0].Quality != 90 || !prof.History[0].Success {
		t.Fatalf("history = %+v", prof.History)
	}
	if len(hooked) != 1 || hooked[0] != testEpic+"/1" {
		t.Fatalf("hook calls = %v", hooked)
	}
	rec, _ := mem.GetAgentAssignment(ctx, testEpic, "alice")
	if rec.Status != models.AssignmentCompleted {
		t.Fatalf("assignment status = %s, want completed", rec.Status)
	}
}

func TestRequestReview(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mem := newMemory(t)
	fake := tracker.NewFake()
	seedEpic(t, mem, fake,
		backendProfile("alice"),
		models.AgentProfile{ID: "carol", Capabilities: []string{"review"}, Status: models.AgentAvailable},
		models.AgentProfile{ID: "dave", Capabilities: []string{"review"}, Status: models.AgentBusy},
		models.AgentProfile{ID: "erin", Capabilities: []string{"frontend"}, Status: models.AgentAvailable},
	)
	a := newTestAgent(t, mem, fake, backendProfile("alice"))

	if res := a.ClaimIssue(ctx, testEpic, 1); res.Outcome != OutcomeClaimed {
		t.Fatalf("claim: %s (%v)", res.Outcome, res.Err)
	}
	res := a.RequestReview(ctx, testEpic, 1, "ready for eyes")
	if res.Outcome != OutcomeReported {
		t.Fatalf("review = %s (%v)", res.Outcome, res.Err)
	}
	if len(res.Reviewers) != 1 || res.Reviewers[0] != "carol" {
		t.Fatalf("reviewers = %v, want [carol]", res.Reviewers)
	}

	task, _ := mem.GetTaskProgress(ctx, testEpic, "1")
	if task.Status != models.TaskReview {
		t.Fatalf("task status = %s, want review", task.Status)
	}
	comments := fake.Comments(1)
	if len(comments) != 1 {
		t.Fatalf("comments = %v", comments)
	}
}

func TestContextCache(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mem := newMemory(t)
	seedEpic(t, mem, nil)

	hub := events.NewHub()
	sub := hub.Subscribe()
	defer hub.Unsubscribe(sub)

	a := New(mem, Options{Profile: backendProfile("alice"), Hub: hub})
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	now := base
	a.SetClock(func() time.Time { return now })

	if res := a.ClaimIssue(ctx, testEpic, 1); res.Outcome != OutcomeClaimed {
		t.Fatalf("claim 1: %s (%v)", res.Outcome, res.Err)
	}
	if res := a.ClaimIssue(ctx, testEpic, 2); res.Outcome != OutcomeRejected && res.Outcome != OutcomeClaimed {
		t.Fatalf("claim 2: %s (%v)", res.Outcome, res.Err)
	}
	if a.CacheLen() != 1 {
		t.Fatalf("cache len = %d, want 1", a.CacheLen())
	}

	var hits, misses int
	drain := func() {
		for {
			select {
			case ev := <-sub:
				switch ev.Type {
				case events.CacheHit:
					hits++
				case events.CacheMiss:
					misses++
				}
			default:
				return
			}
		}
	}
	drain()
	if misses != 1 || hits != 1 {
		t.Fatalf("hits=%d misses=%d, want 1/1", hits, misses)
	}

	// Past the soft TTL the entry counts as a miss and is refreshed.
	now = base.Add(6 * time.Minute)
	a.ReleaseIssue(ctx, testEpic, 1)
	if res := a.ClaimIssue(ctx, testEpic, 1); res.Outcome != OutcomeClaimed {
		t.Fatalf("reclaim: %s (%v)", res.Outcome, res.Err)
	}
	drain()
	if misses != 2 {
		t.Fatalf("misses = %d after TTL expiry, want 2", misses)
	}
}

func TestDisabledAgent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mem := newMemory(t)
	seedEpic(t, mem, nil)

	off := false
	a := New(mem, Options{Profile: backendProfile("alice"), Enabled: &off})

	for name, res := range map[string]Result{
		"claim":   a.ClaimIssue(ctx, testEpic, 1),
		"release": a.ReleaseIssue(ctx, testEpic, 1),
		"report":  a.ReportProgress(ctx, testEpic, 1, ProgressUpdate{Status: models.TaskInProgress}),
	} {
		if res.Outcome != OutcomeDisabled {
			t.Fatalf("%s outcome = %s, want disabled", name, res.Outcome)
		}
		if !errors.Is(res.Err, epicerr.ErrDisabled) {
			t.Fatalf("%s err = %v, want ErrDisabled", name, res.Err)
		}
	}
	if a.IsAvailable() {
		t.Fatal("disabled agent must not report available")
	}
}
