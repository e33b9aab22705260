package syncer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rob-otix-ai/cto-flow-sub001/internal/epicerr"
	"github.com/rob-otix-ai/cto-flow-sub001/internal/epicmem"
	"github.com/rob-otix-ai/cto-flow-sub001/internal/kvstore"
	"github.com/rob-otix-ai/cto-flow-sub001/internal/tracker"
	"github.com/rob-otix-ai/cto-flow-sub001/pkg/models"
)

func newEngine(t *testing.T, opts Options) (*Engine, *epicmem.Manager, *tracker.Fake) {
	t.Helper()
	st, err := kvstore.OpenFile(filepath.Join(t.TempDir(), "kv.json"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	mem := epicmem.New(st)
	fake := tracker.NewFake()
	return New(mem, fake, opts), mem, fake
}

func billingSpec() models.EpicSpec {
	return models.EpicSpec{
		Title:       "Billing rework",
		Description: "Replace the legacy invoicing pipeline.",
		Owner:       "alice",
		Tags:        []string{"billing"},
		Objectives:  []string{"zero invoice drift", "cut reconciliation time"},
		Phases: []models.PhaseSpec{
			{Title: "Foundation"},
			{Title: "Rollout"},
		},
		Stories: []models.StorySpec{
			{Title: "Invoice API", Phase: "Foundation", RequiredCapabilities: []string{"go"}},
			{Title: "Invoice UI", Phase: "Rollout", RequiredCapabilities: []string{"typescript"}},
			{Title: "Backfill job", Phase: "Foundation"},
		},
	}
}

func TestCreateEpic(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e, mem, fake := newEngine(t, Options{})

	// A milestone with a phase title already exists; it must be reused.
	if _, err := fake.CreateMilestone(ctx, tracker.Milestone{Title: "Foundation"}); err != nil {
		t.Fatalf("seed milestone: %v", err)
	}

	epic, err := e.CreateEpic(ctx, billingSpec())
	if err != nil {
		t.Fatalf("create epic: %v", err)
	}
	if epic.ID == "" || epic.Status != models.EpicActive {
		t.Fatalf("epic = %+v", epic)
	}

	miles, _ := fake.ListMilestones(ctx)
	if len(miles) != 2 {
		t.Fatalf("milestones = %d, want 2 (existing one reused)", len(miles))
	}

	state, err := mem.GetSyncState(ctx, epic.ID)
	if err != nil || state == nil {
		t.Fatalf("sync state: %v", err)
	}
	if state.ParentIssue == 0 || len(state.TaskIssues) != 3 || state.ContentHash == "" {
		t.Fatalf("state = %+v", state)
	}
	if state.Status != models.SyncStatusSynced {
		t.Fatalf("status = %s", state.Status)
	}

	parent, ok := fake.Item(state.ParentIssue)
	if !ok {
		t.Fatal("parent item missing")
	}
	if parent.Title != "Epic: Billing rework" {
		t.Fatalf("parent title = %q", parent.Title)
	}
	for _, want := range []string{"Replace the legacy", "## Objectives", "## Phases", "0/3 tasks complete (0%)"} {
		if !strings.Contains(parent.Body, want) {
			t.Fatalf("parent body missing %q:\n%s", want, parent.Body)
		}
	}
	if !hasLabel(parent.Labels, "epic") || !hasLabel(parent.Labels, "epic:"+epic.ID) || !hasLabel(parent.Labels, "billing") {
		t.Fatalf("parent labels = %v", parent.Labels)
	}

	tasks, err := mem.GetEpicTasks(ctx, epic.ID)
	if err != nil || len(tasks) != 3 {
		t.Fatalf("tasks = %d (%v), want 3", len(tasks), err)
	}
	for _, task := range tasks {
		num, _ := strconv.Atoi(task.TaskID)
		if _, ok := fake.Item(num); !ok {
			t.Fatalf("task %s has no remote item", task.TaskID)
		}
	}
	if !e.SyncEnabled(epic.ID) {
		t.Fatal("reconciliation should be enabled after creation")
	}
}

// flakyTracker fails item creation for one specific title.
type flakyTracker struct {
	tracker.Client
	failTitle string
}

func (f *flakyTracker) CreateItem(ctx context.Context, item tracker.NewItem) (tracker.Item, error) {
	if item.Title == f.failTitle {
		return tracker.Item{}, fmt.Errorf("boom")
	}
	return f.Client.CreateItem(ctx, item)
}

func TestCreateEpicContinuesPastChildFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, err := kvstore.OpenFile(filepath.Join(t.TempDir(), "kv.json"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()
	mem := epicmem.New(st)
	fake := tracker.NewFake()
	e := New(mem, &flakyTracker{Client: fake, failTitle: "Invoice UI"}, Options{})

	epic, err := e.CreateEpic(ctx, billingSpec())
	if err != nil {
		t.Fatalf("one failing child must not sink the epic: %v", err)
	}
	state, _ := mem.GetSyncState(ctx, epic.ID)
	if len(state.TaskIssues) != 2 {
		t.Fatalf("task issues = %d, want 2 of 3", len(state.TaskIssues))
	}
	tasks, _ := mem.GetEpicTasks(ctx, epic.ID)
	if len(tasks) != 2 {
		t.Fatalf("stored tasks = %d, want 2", len(tasks))
	}
}

func TestUpdateEpicProgress(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e, mem, fake := newEngine(t, Options{})
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	now := base
	e.SetClock(func() time.Time { return now })

	epic, err := e.CreateEpic(ctx, billingSpec())
	if err != nil {
		t.Fatalf("create epic: %v", err)
	}
	state, _ := mem.GetSyncState(ctx, epic.ID)
	if err := fake.CloseItem(ctx, state.TaskIssues[0]); err != nil {
		t.Fatalf("close child: %v", err)
	}

	now = base.Add(10 * time.Minute)
	if err := e.UpdateEpicProgress(ctx, epic.ID); err != nil {
		t.Fatalf("update progress: %v", err)
	}

	parent, _ := fake.Item(state.ParentIssue)
	if !strings.Contains(parent.Body, "1/3 tasks complete (33%)") {
		t.Fatalf("progress section not rewritten:\n%s", parent.Body)
	}
	if strings.Count(parent.Body, "## Progress") != 1 {
		t.Fatalf("progress section duplicated:\n%s", parent.Body)
	}
	comments := fake.Comments(state.ParentIssue)
	if len(comments) != 1 || !strings.Contains(comments[0], "1/3") {
		t.Fatalf("comments = %v", comments)
	}
	state, _ = mem.GetSyncState(ctx, epic.ID)
	if !state.LastSyncAt.Equal(now) {
		t.Fatalf("lastSyncAt = %v, want %v", state.LastSyncAt, now)
	}
}

func TestUpdateEpicProgressAdvancesClockOnFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e, mem, fake := newEngine(t, Options{})
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	now := base
	e.SetClock(func() time.Time { return now })

	epic, err := e.CreateEpic(ctx, billingSpec())
	if err != nil {
		t.Fatalf("create epic: %v", err)
	}

	now = base.Add(5 * time.Minute)
	fake.Fail["GetItem"] = fmt.Errorf("remote down")
	if err := e.UpdateEpicProgress(ctx, epic.ID); err == nil {
		t.Fatal("expected remote failure to propagate")
	}

	state, _ := mem.GetSyncState(ctx, epic.ID)
	if !state.LastSyncAt.Equal(now) {
		t.Fatalf("lastSyncAt = %v, want %v even on failure", state.LastSyncAt, now)
	}
	if state.Status != models.SyncStatusError {
		t.Fatalf("status = %s, want error", state.Status)
	}
}

func TestCloseEpic(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e, mem, fake := newEngine(t, Options{})

	epic, err := e.CreateEpic(ctx, billingSpec())
	if err != nil {
		t.Fatalf("create epic: %v", err)
	}
	state, _ := mem.GetSyncState(ctx, epic.ID)

	err = e.CloseEpic(ctx, epic.ID)
	var ce *epicerr.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want ConflictError", err)
	}
	if ce.EpicID != epic.ID || len(ce.Items) != 3 {
		t.Fatalf("ConflictError = %+v, want all 3 open items named", ce)
	}

	for _, num := range state.TaskIssues {
		if err := fake.CloseItem(ctx, num); err != nil {
			t.Fatalf("close child %d: %v", num, err)
		}
	}
	if err := e.CloseEpic(ctx, epic.ID); err != nil {
		t.Fatalf("close epic: %v", err)
	}

	parent, _ := fake.Item(state.ParentIssue)
	if parent.State != tracker.StateClosed {
		t.Fatalf("parent state = %s, want closed", parent.State)
	}
	if comments := fake.Comments(state.ParentIssue); len(comments) != 1 {
		t.Fatalf("comments = %v", comments)
	}
	ec, _ := mem.LoadEpicContext(ctx, epic.ID)
	if ec.Epic.Status != models.EpicArchived {
		t.Fatalf("epic status = %s, want archived", ec.Epic.Status)
	}
	if e.SyncEnabled(epic.ID) {
		t.Fatal("reconciliation should stop on close")
	}
}

func TestSyncFromRemoteMerge(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e, mem, fake := newEngine(t, Options{Strategy: models.ResolveMerge})

	spec := billingSpec()
	spec.Tags = []string{"a", "b"}
	epic, err := e.CreateEpic(ctx, spec)
	if err != nil {
		t.Fatalf("create epic: %v", err)
	}
	state, _ := mem.GetSyncState(ctx, epic.ID)

	// A human edits the parent item: different body, label b swapped for c.
	body := "Y"
	labels := []string{"epic", "epic:" + epic.ID, "b", "c"}
	if _, err := fake.UpdateItem(ctx, state.ParentIssue, tracker.ItemPatch{Body: &body, Labels: &labels}); err != nil {
		t.Fatalf("edit remote: %v", err)
	}

	if err := e.SyncFromRemote(ctx, epic.ID); err != nil {
		t.Fatalf("pull: %v", err)
	}

	ec, _ := mem.LoadEpicContext(ctx, epic.ID)
	// Labels are arrays: merge unions. Marker labels stay out of the tags.
	if want := []string{"a", "b", "c"}; !equalStrings(ec.Epic.Tags, want) {
		t.Fatalf("tags = %v, want %v", ec.Epic.Tags, want)
	}
	// Body is a primitive: merge still takes the remote value.
	if ec.Epic.Description != "Y" {
		t.Fatalf("description = %q, want remote body", ec.Epic.Description)
	}

	state, _ = mem.GetSyncState(ctx, epic.ID)
	if len(state.Conflicts) == 0 {
		t.Fatal("conflicts must be stored for audit")
	}
	for _, c := range state.Conflicts {
		if !c.Resolved || c.Resolution != models.ResolveMerge || c.Timestamp.IsZero() {
			t.Fatalf("conflict not audited: %+v", c)
		}
	}
	if state.Status != models.SyncStatusSynced {
		t.Fatalf("status = %s", state.Status)
	}
}

func TestSyncFromRemotePullsChildClosures(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e, mem, fake := newEngine(t, Options{})

	epic, err := e.CreateEpic(ctx, billingSpec())
	if err != nil {
		t.Fatalf("create epic: %v", err)
	}
	state, _ := mem.GetSyncState(ctx, epic.ID)
	if err := fake.CloseItem(ctx, state.TaskIssues[1]); err != nil {
		t.Fatalf("close child: %v", err)
	}

	if err := e.SyncFromRemote(ctx, epic.ID); err != nil {
		t.Fatalf("pull: %v", err)
	}
	task, _ := mem.GetTaskProgress(ctx, epic.ID, strconv.Itoa(state.TaskIssues[1]))
	if task.Status != models.TaskCompleted {
		t.Fatalf("task status = %s, want completed after remote closure", task.Status)
	}
}

func TestSyncToRemote(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e, mem, fake := newEngine(t, Options{})

	epic, err := e.CreateEpic(ctx, billingSpec())
	if err != nil {
		t.Fatalf("create epic: %v", err)
	}
	state, _ := mem.GetSyncState(ctx, epic.ID)

	// Local edit: new description.
	ec, _ := mem.LoadEpicContext(ctx, epic.ID)
	ec.Epic.Description = "Rescoped to invoicing only."
	if err := mem.StoreEpicContext(ctx, *ec); err != nil {
		t.Fatalf("store context: %v", err)
	}

	if err := e.SyncToRemote(ctx, epic.ID); err != nil {
		t.Fatalf("push: %v", err)
	}
	parent, _ := fake.Item(state.ParentIssue)
	if !strings.Contains(parent.Body, "Rescoped to invoicing only.") {
		t.Fatalf("remote body not updated:\n%s", parent.Body)
	}
	state, _ = mem.GetSyncState(ctx, epic.ID)
	if len(state.Conflicts) == 0 || state.Conflicts[0].Resolution != models.ResolveLocalWins {
		t.Fatalf("push audit missing: %+v", state.Conflicts)
	}
	if state.PendingChanges != 0 {
		t.Fatalf("pending changes = %d after push", state.PendingChanges)
	}
}

func TestResolveConflictExplicit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e, mem, _ := newEngine(t, Options{})

	conflict := models.Conflict{
		ID:          "c-1",
		Key:         "labels",
		LocalValue:  []string{"a", "b"},
		RemoteValue: []string{"b", "c"},
	}
	err := mem.StoreSyncState(ctx, models.SyncState{
		EpicID:    "epic-7",
		Status:    models.SyncStatusConflict,
		Conflicts: []models.Conflict{conflict},
	})
	if err != nil {
		t.Fatalf("seed state: %v", err)
	}

	resolved, err := e.ResolveConflict(ctx, "epic-7", conflict, models.ResolveMerge)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if want := []string{"a", "b", "c"}; !equalStrings(resolved.([]string), want) {
		t.Fatalf("resolved = %v, want %v", resolved, want)
	}
	state, _ := mem.GetSyncState(ctx, "epic-7")
	if !state.Conflicts[0].Resolved || state.Status != models.SyncStatusSynced {
		t.Fatalf("state after resolve = %+v", state)
	}
}

func TestHandleEvent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e, mem, _ := newEngine(t, Options{})
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	now := base
	e.SetClock(func() time.Time { return now })

	epic, err := e.CreateEpic(ctx, billingSpec())
	if err != nil {
		t.Fatalf("create epic: %v", err)
	}

	// Unrelated events are filtered out, not errors.
	if err := e.HandleEvent(ctx, tracker.Event{Action: "edited", ItemNumber: 99, Labels: []string{"bug"}}); err != nil {
		t.Fatalf("unrelated event: %v", err)
	}

	now = base.Add(15 * time.Minute)
	ev := tracker.Event{Action: "edited", ItemNumber: 1, Labels: []string{"epic", "epic:" + epic.ID}}
	if err := e.HandleEvent(ctx, ev); err != nil {
		t.Fatalf("epic event: %v", err)
	}
	state, _ := mem.GetSyncState(ctx, epic.ID)
	if !state.LastSyncAt.Equal(now) {
		t.Fatalf("lastSyncAt = %v, want pull at %v", state.LastSyncAt, now)
	}

	// Disabled epics ignore events.
	e.DisableSync(epic.ID)
	now = base.Add(30 * time.Minute)
	if err := e.HandleEvent(ctx, ev); err != nil {
		t.Fatalf("disabled event: %v", err)
	}
	state, _ = mem.GetSyncState(ctx, epic.ID)
	if state.LastSyncAt.Equal(now) {
		t.Fatal("disabled epic must not sync on events")
	}
}

func TestDisabledEngine(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	off := false
	e, _, fake := newEngine(t, Options{Enabled: &off})

	if _, err := e.CreateEpic(ctx, billingSpec()); !errors.Is(err, epicerr.ErrDisabled) {
		t.Fatalf("CreateEpic err = %v, want ErrDisabled", err)
	}
	if items, _ := fake.ListItems(ctx, tracker.ListFilter{}); len(items) != 0 {
		t.Fatalf("disabled engine created %d remote items", len(items))
	}
	if ms, _ := fake.ListMilestones(ctx); len(ms) != 0 {
		t.Fatalf("disabled engine created %d milestones", len(ms))
	}

	if err := e.CloseEpic(ctx, "e1"); !errors.Is(err, epicerr.ErrDisabled) {
		t.Fatalf("CloseEpic err = %v, want ErrDisabled", err)
	}
	if err := e.SyncFromRemote(ctx, "e1"); !errors.Is(err, epicerr.ErrDisabled) {
		t.Fatalf("SyncFromRemote err = %v, want ErrDisabled", err)
	}
	if err := e.SyncToRemote(ctx, "e1"); !errors.Is(err, epicerr.ErrDisabled) {
		t.Fatalf("SyncToRemote err = %v, want ErrDisabled", err)
	}
	ev := tracker.Event{Action: "edited", Labels: []string{"epic", "epic:e1"}}
	if err := e.HandleEvent(ctx, ev); !errors.Is(err, epicerr.ErrDisabled) {
		t.Fatalf("HandleEvent err = %v, want ErrDisabled", err)
	}

	e.EnableSync("e1")
	if e.SyncEnabled("e1") {
		t.Fatal("EnableSync must no-op on a disabled engine")
	}
	e.Start() // must not launch a poll loop
	e.Stop()
}

func TestEngineRateLimit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e, _, _ := newEngine(t, Options{RateLimitPerHour: 1})

	_, err := e.CreateEpic(ctx, billingSpec())
	var rl *epicerr.RateLimitError
	if !errors.As(err, &rl) {
		t.Fatalf("err = %v, want RateLimitError once the budget is spent", err)
	}
}

func hasLabel(labels []string, want string) bool {
	for _, l := range labels {
		if l == want {
			return true
		}
	}
	return false
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
