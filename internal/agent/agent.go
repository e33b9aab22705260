// Package agent implements an epic-aware agent: it binds to an epic, claims
// and releases work items through the shared memory layer, reports progress,
// and keeps a small bounded cache of epic context.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rob-otix-ai/cto-flow-sub001/internal/epicerr"
	"github.com/rob-otix-ai/cto-flow-sub001/internal/epicmem"
	"github.com/rob-otix-ai/cto-flow-sub001/internal/events"
	"github.com/rob-otix-ai/cto-flow-sub001/internal/lru"
	"github.com/rob-otix-ai/cto-flow-sub001/internal/otel"
	"github.com/rob-otix-ai/cto-flow-sub001/internal/scoring"
	"github.com/rob-otix-ai/cto-flow-sub001/internal/tracker"
	"github.com/rob-otix-ai/cto-flow-sub001/pkg/models"
)

// Outcome classifies the result of an agent operation. Operations never panic
// and never surface raw errors to callers; failures come back as a Result with
// Outcome set and Err populated for diagnostics.
type Outcome string

const (
	OutcomeClaimed         Outcome = "claimed"
	OutcomeRejected        Outcome = "rejected"
	OutcomeReleased        Outcome = "released"
	OutcomeReported        Outcome = "reported"
	OutcomeNoop            Outcome = "noop"
	OutcomeNotFound        Outcome = "not_found"
	OutcomeAlreadyAssigned Outcome = "already_assigned"
	OutcomeNoAssignment    Outcome = "no_assignment"
	OutcomeDisabled        Outcome = "disabled"
	OutcomeError           Outcome = "error"
)

// Result is the structured outcome of a claim, release, report or review call.
type Result struct {
	Outcome   Outcome            `json:"outcome"`
	EpicID    string             `json:"epic_id,omitempty"`
	TaskID    string             `json:"task_id,omitempty"`
	Score     *models.AgentScore `json:"score,omitempty"`
	Reviewers []string           `json:"reviewers,omitempty"`
	Err       error              `json:"-"`
	Message   string             `json:"message,omitempty"`
}

// OK reports whether the operation changed state as requested.
func (r Result) OK() bool {
	switch r.Outcome {
	case OutcomeClaimed, OutcomeReleased, OutcomeReported, OutcomeNoop:
		return true
	}
	return false
}

// ProgressUpdate is the caller-supplied delta for ReportProgress. Nil pointer
// fields are left unchanged on the stored task.
type ProgressUpdate struct {
	Status      string   `json:"status,omitempty"`
	Progress    *int     `json:"progress,omitempty"`
	Notes       string   `json:"notes,omitempty"`
	ActualHours float64  `json:"actual_hours,omitempty"`
	Blockers    []string `json:"blockers,omitempty"`
	Quality     float64  `json:"quality,omitempty"` // recorded in history on completion
}

// Hooks are optional callbacks fired after state changes commit.
type Hooks struct {
	OnTaskCompleted func(epicID, taskID string)
}

// Options configures an Agent.
type Options struct {
	Profile   models.AgentProfile
	Role      string              // role recorded on assignments, defaults to developer
	Weights   models.ScoreWeights // zero value means models.DefaultScoreWeights
	CacheSize int                 // defaults to models.DefaultContextCacheSize
	CacheTTL  time.Duration       // defaults to models.DefaultContextCacheTTL
	Enabled   *bool               // nil means enabled
	Tracker   tracker.Client      // optional, best-effort mirroring when set
	Hub       *events.Hub         // optional
	Scorer    *scoring.Engine     // defaults to scoring.NewEngine()
	Hooks     Hooks
	Logger    *slog.Logger
}

// Agent is one epic-aware worker. All exported methods are safe for
// concurrent use; claim, release and report serialize on the agent so local
// load accounting stays consistent, while cross-process claim safety comes
// from the store's conditional write underneath epicmem.ClaimTask.
type Agent struct {
	mu      sync.Mutex
	profile models.AgentProfile
	role    string
	weights models.ScoreWeights
	enabled bool

	mem    *epicmem.Manager
	trk    tracker.Client
	hub    *events.Hub
	scorer *scoring.Engine
	cache  *lru.Cache[string, models.EpicContext]
	hooks  Hooks
	log    *slog.Logger

	currentEpicID  string
	assignments    map[string]models.AgentAssignment // epicID:taskID
	completedTasks int

	now func() time.Time
}

// New builds an Agent on top of the shared epic memory manager.
func New(mem *epicmem.Manager, opts Options) *Agent {
	if opts.CacheSize <= 0 {
		opts.CacheSize = models.DefaultContextCacheSize
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = models.DefaultContextCacheTTL
	}
	if opts.Weights == (models.ScoreWeights{}) {
		opts.Weights = models.DefaultScoreWeights
	}
	if opts.Role == "" {
		opts.Role = models.RoleDeveloper
	}
	if opts.Scorer == nil {
		opts.Scorer = scoring.NewEngine()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	enabled := true
	if opts.Enabled != nil {
		enabled = *opts.Enabled
	}
	return &Agent{
		profile:     opts.Profile,
		role:        opts.Role,
		weights:     opts.Weights,
		enabled:     enabled,
		mem:         mem,
		trk:         opts.Tracker,
		hub:         opts.Hub,
		scorer:      opts.Scorer,
		cache:       lru.New[string, models.EpicContext](opts.CacheSize, opts.CacheTTL),
		hooks:       opts.Hooks,
		log:         opts.Logger.With("agent", opts.Profile.ID),
		assignments: make(map[string]models.AgentAssignment),
		now:         time.Now,
	}
}

// SetClock overrides the time source. Tests only.
func (a *Agent) SetClock(now func() time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.now = now
	a.cache.SetClock(now)
}

// Profile returns a copy of the agent's current profile, including the live
// load counter.
func (a *Agent) Profile() models.AgentProfile {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.profile
}

// CurrentEpic returns the epic the agent bound to on its first claim, or "".
func (a *Agent) CurrentEpic() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentEpicID
}

// IsAvailable reports whether the agent can accept more work.
func (a *Agent) IsAvailable() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.enabled {
		return false
	}
	if a.profile.Status != "" && a.profile.Status != models.AgentAvailable {
		return false
	}
	return a.profile.MaxConcurrentTasks <= 0 || a.profile.CurrentLoad < a.profile.MaxConcurrentTasks
}

// ActiveAssignmentCount returns the number of tasks currently held.
func (a *Agent) ActiveAssignmentCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.assignments)
}

// CompletedTaskCount returns how many tasks this instance finished.
func (a *Agent) CompletedTaskCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.completedTasks
}

// CacheLen returns the number of epic contexts currently resident.
func (a *Agent) CacheLen() int { return a.cache.Len() }

func assignmentKey(epicID, taskID string) string { return epicID + ":" + taskID }

// ClaimIssue attempts to claim one work item of an epic. The task must exist,
// be unassigned, and the agent must score at or above the engine threshold.
// The claim itself is a conditional write, so two agents racing for the same
// task resolve to exactly one winner.
func (a *Agent) ClaimIssue(ctx context.Context, epicID string, taskNumber int) Result {
	a.mu.Lock()
	defer a.mu.Unlock()

	taskID := strconv.Itoa(taskNumber)
	res := Result{EpicID: epicID, TaskID: taskID}
	if !a.enabled {
		res.Outcome = OutcomeDisabled
		res.Err = epicerr.ErrDisabled
		return res
	}

	if _, err := a.epicContext(ctx, epicID); err != nil {
		if errors.Is(err, epicerr.ErrNotFound) {
			res.Outcome = OutcomeNotFound
			res.Err = err
			return res
		}
		return a.fail(ctx, res, "claim", err)
	}
	task, err := a.mem.GetTaskProgress(ctx, epicID, taskID)
	if err != nil {
		return a.fail(ctx, res, "claim", err)
	}
	if task == nil {
		res.Outcome = OutcomeNotFound
		res.Err = fmt.Errorf("task %s on epic %s: %w", taskID, epicID, epicerr.ErrNotFound)
		return res
	}
	if task.AssignedTo != "" && task.AssignedTo != a.profile.ID {
		res.Outcome = OutcomeAlreadyAssigned
		res.Err = epicerr.ErrAlreadyAssigned
		otel.RecordClaim(ctx, epicID, a.profile.ID, string(OutcomeAlreadyAssigned))
		return res
	}

	score, err := a.scorer.Score(a.profile, *task, a.weights)
	if err != nil {
		return a.fail(ctx, res, "claim", err)
	}
	res.Score = &score
	if !score.MeetsThreshold {
		res.Outcome = OutcomeRejected
		res.Message = fmt.Sprintf("score %.1f below threshold %.1f", score.TotalScore, score.Threshold)
		a.publish(events.Event{
			Type: events.ClaimRejected, EpicID: epicID, TaskID: taskID, AgentID: a.profile.ID,
			Detail: map[string]any{"score": score.TotalScore, "threshold": score.Threshold, "breakdown": score.Breakdown},
		})
		otel.RecordClaim(ctx, epicID, a.profile.ID, string(OutcomeRejected))
		return res
	}

	ok, err := a.mem.ClaimTask(ctx, epicID, taskID, a.profile.ID)
	if err != nil {
		return a.fail(ctx, res, "claim", err)
	}
	if !ok {
		holder, _ := a.mem.ClaimHolder(ctx, epicID, taskID)
		if holder != a.profile.ID {
			res.Outcome = OutcomeAlreadyAssigned
			res.Err = fmt.Errorf("task %s held by %s: %w", taskID, holder, epicerr.ErrAlreadyAssigned)
			otel.RecordClaim(ctx, epicID, a.profile.ID, string(OutcomeAlreadyAssigned))
			return res
		}
		// Re-claim of our own token, fall through and refresh the records.
	}

	assignment := models.AgentAssignment{
		AgentID:    a.profile.ID,
		EpicID:     epicID,
		Role:       a.role,
		AssignedBy: a.profile.ID,
		TaskIDs:    []string{taskID},
		Status:     models.AssignmentActive,
		LastScore:  &score,
	}
	if err := a.mem.RecordAgentAssignment(ctx, assignment); err != nil {
		a.releaseQuiet(ctx, epicID, taskID)
		return a.fail(ctx, res, "claim", err)
	}
	task.Status = models.TaskAssigned
	task.AssignedTo = a.profile.ID
	if err := a.mem.TrackTaskProgress(ctx, *task); err != nil {
		a.releaseQuiet(ctx, epicID, taskID)
		return a.fail(ctx, res, "claim", err)
	}

	if a.currentEpicID == "" {
		a.currentEpicID = epicID
	}
	a.assignments[assignmentKey(epicID, taskID)] = assignment
	a.profile.CurrentLoad++
	if a.profile.MaxConcurrentTasks > 0 && a.profile.CurrentLoad >= a.profile.MaxConcurrentTasks {
		a.profile.Status = models.AgentBusy
	}

	a.mirror("assign", func() error { return a.trk.AddAssignees(ctx, taskNumber, a.profile.ID) })
	a.publish(events.Event{Type: events.TaskClaimed, EpicID: epicID, TaskID: taskID, AgentID: a.profile.ID,
		Detail: map[string]any{"score": score.TotalScore}})
	otel.RecordClaim(ctx, epicID, a.profile.ID, string(OutcomeClaimed))
	otel.AddActiveAssignment(1)

	res.Outcome = OutcomeClaimed
	return res
}

// ReleaseIssue gives a claimed task back to the pool. Releasing a task the
// agent does not hold is a no-op.
func (a *Agent) ReleaseIssue(ctx context.Context, epicID string, taskNumber int) Result {
	a.mu.Lock()
	defer a.mu.Unlock()

	taskID := strconv.Itoa(taskNumber)
	res := Result{EpicID: epicID, TaskID: taskID}
	if !a.enabled {
		res.Outcome = OutcomeDisabled
		res.Err = epicerr.ErrDisabled
		return res
	}
	key := assignmentKey(epicID, taskID)
	if _, held := a.assignments[key]; !held {
		res.Outcome = OutcomeNoop
		return res
	}

	if err := a.mem.ReleaseClaim(ctx, epicID, taskID); err != nil {
		return a.fail(ctx, res, "release", err)
	}
	if task, err := a.mem.GetTaskProgress(ctx, epicID, taskID); err == nil && task != nil && task.AssignedTo == a.profile.ID {
		task.AssignedTo = ""
		task.Status = models.TaskPending
		if err := a.mem.TrackTaskProgress(ctx, *task); err != nil {
			return a.fail(ctx, res, "release", err)
		}
	}

	delete(a.assignments, key)
	if a.profile.CurrentLoad > 0 {
		a.profile.CurrentLoad--
	}
	if a.profile.Status == models.AgentBusy && (a.profile.MaxConcurrentTasks <= 0 || a.profile.CurrentLoad < a.profile.MaxConcurrentTasks) {
		a.profile.Status = models.AgentAvailable
	}
	if !a.holdsAnyLocked(epicID) {
		if err := a.mem.UpdateAgentStatus(ctx, epicID, a.profile.ID, models.AssignmentPaused); err != nil {
			a.log.Warn("assignment status update failed", "epic", epicID, "error", err)
		}
	}

	a.mirror("unassign", func() error { return a.trk.RemoveAssignee(ctx, taskNumber, a.profile.ID) })
	a.publish(events.Event{Type: events.TaskReleased, EpicID: epicID, TaskID: taskID, AgentID: a.profile.ID})
	otel.AddActiveAssignment(-1)

	res.Outcome = OutcomeReleased
	return res
}

// ReportProgress merges an update into the stored task and appends a
// checkpoint. The agent must hold the task. A status of completed finalizes
// the task, releases the claim, and records a history entry.
func (a *Agent) ReportProgress(ctx context.Context, epicID string, taskNumber int, upd ProgressUpdate) Result {
	a.mu.Lock()
	defer a.mu.Unlock()

	taskID := strconv.Itoa(taskNumber)
	res := Result{EpicID: epicID, TaskID: taskID}
	if !a.enabled {
		res.Outcome = OutcomeDisabled
		res.Err = epicerr.ErrDisabled
		return res
	}
	key := assignmentKey(epicID, taskID)
	if _, held := a.assignments[key]; !held {
		res.Outcome = OutcomeNoAssignment
		res.Err = epicerr.ErrNoAssignment
		return res
	}

	task, err := a.mem.GetTaskProgress(ctx, epicID, taskID)
	if err != nil {
		return a.fail(ctx, res, "report", err)
	}
	if task == nil {
		res.Outcome = OutcomeNotFound
		res.Err = fmt.Errorf("task %s on epic %s: %w", taskID, epicID, epicerr.ErrNotFound)
		return res
	}

	now := a.now().UTC()
	if upd.Status != "" {
		task.Status = upd.Status
	}
	if upd.Progress != nil {
		task.Progress = *upd.Progress
	}
	if upd.ActualHours > 0 {
		task.ActualHours = upd.ActualHours
	}
	if upd.Blockers != nil {
		task.Blockers = upd.Blockers
	}
	if task.Status == models.TaskInProgress && task.StartedAt == nil {
		task.StartedAt = &now
	}
	task.Checkpoints = append(task.Checkpoints, models.Checkpoint{
		ID:         uuid.NewString(),
		Timestamp:  now,
		Progress:   task.Progress,
		Notes:      upd.Notes,
		RecordedBy: a.profile.ID,
	})
	if err := a.mem.TrackTaskProgress(ctx, *task); err != nil {
		return a.fail(ctx, res, "report", err)
	}

	completed := task.Status == models.TaskCompleted
	if completed {
		a.finishLocked(ctx, epicID, taskID, upd.Quality, now)
	}

	a.mirror("label", func() error { return a.trk.AddLabels(ctx, taskNumber, "status:"+task.Status) })
	a.publish(events.Event{Type: events.ProgressReported, EpicID: epicID, TaskID: taskID, AgentID: a.profile.ID,
		Detail: map[string]any{"status": task.Status, "progress": task.Progress}})
	if completed {
		a.publish(events.Event{Type: events.TaskCompleted, EpicID: epicID, TaskID: taskID, AgentID: a.profile.ID})
		if a.hooks.OnTaskCompleted != nil {
			a.hooks.OnTaskCompleted(epicID, taskID)
		}
	}

	res.Outcome = OutcomeReported
	return res
}

// finishLocked settles local and shared state after a task completes.
func (a *Agent) finishLocked(ctx context.Context, epicID, taskID string, quality float64, now time.Time) {
	if err := a.mem.ReleaseClaim(ctx, epicID, taskID); err != nil {
		a.log.Warn("claim release failed", "epic", epicID, "task", taskID, "error", err)
	}
	delete(a.assignments, assignmentKey(epicID, taskID))
	a.completedTasks++
	if a.profile.CurrentLoad > 0 {
		a.profile.CurrentLoad--
	}
	if a.profile.Status == models.AgentBusy && (a.profile.MaxConcurrentTasks <= 0 || a.profile.CurrentLoad < a.profile.MaxConcurrentTasks) {
		a.profile.Status = models.AgentAvailable
	}
	if quality <= 0 {
		quality = 75
	}
	a.profile.History = append(a.profile.History, models.PerformanceRecord{
		TaskID:      taskID,
		EpicID:      epicID,
		Success:     true,
		Quality:     quality,
		CompletedAt: now,
	})
	if !a.holdsAnyLocked(epicID) {
		if err := a.mem.UpdateAgentStatus(ctx, epicID, a.profile.ID, models.AssignmentCompleted); err != nil {
			a.log.Warn("assignment status update failed", "epic", epicID, "error", err)
		}
	}
	otel.AddActiveAssignment(-1)
}

// RequestReview moves a held task to review and picks reviewer candidates
// from the epic's agent roster: available agents, other than this one, that
// carry a review capability.
func (a *Agent) RequestReview(ctx context.Context, epicID string, taskNumber int, notes string) Result {
	res := a.ReportProgress(ctx, epicID, taskNumber, ProgressUpdate{Status: models.TaskReview, Notes: notes})
	if res.Outcome != OutcomeReported {
		return res
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	ec, err := a.epicContext(ctx, epicID)
	if err != nil {
		return a.fail(ctx, res, "review", err)
	}
	var reviewers []string
	for _, p := range ec.Agents {
		if p.ID == a.profile.ID {
			continue
		}
		if p.Status != "" && p.Status != models.AgentAvailable {
			continue
		}
		if hasCapability(p.Capabilities, "review") || hasCapability(p.Capabilities, "code-review") {
			reviewers = append(reviewers, p.ID)
		}
	}
	res.Reviewers = reviewers

	a.mirror("review", func() error {
		if err := a.trk.AddLabels(ctx, taskNumber, "review"); err != nil {
			return err
		}
		body := "Review requested"
		if len(reviewers) > 0 {
			body = "Review requested from " + joinIDs(reviewers)
		}
		return a.trk.CreateComment(ctx, taskNumber, body)
	})
	a.publish(events.Event{Type: events.ReviewRequested, EpicID: epicID, TaskID: res.TaskID, AgentID: a.profile.ID,
		Detail: map[string]any{"reviewers": reviewers}})
	return res
}

// epicContext loads epic context through the bounded cache. A stale entry
// counts as a miss and is refreshed from the store.
func (a *Agent) epicContext(ctx context.Context, epicID string) (models.EpicContext, error) {
	if ec, ok := a.cache.Lookup(epicID); ok {
		a.publish(events.Event{Type: events.CacheHit, EpicID: epicID, AgentID: a.profile.ID})
		otel.RecordCacheLookup(ctx, true)
		return ec, nil
	}
	a.publish(events.Event{Type: events.CacheMiss, EpicID: epicID, AgentID: a.profile.ID})
	otel.RecordCacheLookup(ctx, false)

	ec, err := a.mem.LoadEpicContext(ctx, epicID)
	if err != nil {
		return models.EpicContext{}, err
	}
	if ec == nil {
		return models.EpicContext{}, fmt.Errorf("epic %s: %w", epicID, epicerr.ErrNotFound)
	}
	a.cache.Put(epicID, *ec)
	return *ec, nil
}

// InvalidateEpic drops an epic from the context cache, forcing the next
// operation to reload it from the store.
func (a *Agent) InvalidateEpic(epicID string) { a.cache.Remove(epicID) }

func (a *Agent) holdsAnyLocked(epicID string) bool {
	prefix := epicID + ":"
	for k := range a.assignments {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

// releaseQuiet undoes a claim token after a later write failed.
func (a *Agent) releaseQuiet(ctx context.Context, epicID, taskID string) {
	if err := a.mem.ReleaseClaim(ctx, epicID, taskID); err != nil {
		a.log.Warn("claim rollback failed", "epic", epicID, "task", taskID, "error", err)
	}
}

// mirror runs a best-effort remote tracker update. Tracker failures are
// logged, never surfaced: local state is the source of truth.
func (a *Agent) mirror(op string, fn func() error) {
	if a.trk == nil {
		return
	}
	if err := fn(); err != nil {
		a.log.Warn("tracker mirror failed", "op", op, "error", err)
	}
}

func (a *Agent) publish(ev events.Event) { a.hub.Publish(ev) }

func (a *Agent) fail(ctx context.Context, res Result, op string, err error) Result {
	res.Outcome = OutcomeError
	res.Err = err
	a.log.Error("operation failed", "op", op, "epic", res.EpicID, "task", res.TaskID, "error", err)
	a.publish(events.Event{Type: events.OperationError, EpicID: res.EpicID, TaskID: res.TaskID, AgentID: a.profile.ID,
		Detail: map[string]any{"op": op, "error": err.Error()}})
	if op == "claim" {
		otel.RecordClaim(ctx, res.EpicID, a.profile.ID, string(OutcomeError))
	}
	return res
}

func hasCapability(caps []string, want string) bool {
	for _, c := range caps {
		if c == want {
			return true
		}
	}
	return false
}

func joinIDs(ids []string) string {
	out := ""
	for i, id := range ids {
		if i > 0 {
			out += ", "
		}
		out += "@" + id
	}
	return out
}
