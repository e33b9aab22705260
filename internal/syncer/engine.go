// Package syncer reconciles local epic state with the remote tracker. It owns
// the mapping from an epic specification to tracker objects (parent item,
// child items, milestones), detects divergence between the two sides, and
// guards every outbound call with an hourly rate budget.
package syncer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rob-otix-ai/cto-flow-sub001/internal/epicerr"
	"github.com/rob-otix-ai/cto-flow-sub001/internal/epicmem"
	"github.com/rob-otix-ai/cto-flow-sub001/internal/events"
	"github.com/rob-otix-ai/cto-flow-sub001/internal/otel"
	"github.com/rob-otix-ai/cto-flow-sub001/internal/tracker"
	"github.com/rob-otix-ai/cto-flow-sub001/pkg/models"
)

// Options configures an Engine.
type Options struct {
	EpicLabel        string        // marker label on all epic items, defaults to "epic"
	Direction        string        // defaults to bidirectional
	Strategy         string        // conflict strategy, defaults to merge
	Method           string        // polling or webhook, defaults to polling
	RateLimitPerHour int           // defaults to models.DefaultRateLimitPerHour
	PollInterval     time.Duration // defaults to models.DefaultPollInterval

	// Retry budget for individual remote calls. Carried in configuration and
	// reported by Status, but the rate-limit guard itself never consults it.
	// TODO: wire RetryAttempts/RetryDelay into a retrying tracker client.
	RetryAttempts int
	RetryDelay    time.Duration

	// Enabled gates the whole engine; nil means enabled. When false every
	// public operation no-ops and fails with epicerr.ErrDisabled before any
	// store or tracker side effect.
	Enabled *bool

	Hub    *events.Hub
	Logger *slog.Logger
}

// Engine is the bidirectional sync engine. All exported methods are safe for
// concurrent use; reconciliation for one epic serializes on the engine.
type Engine struct {
	mu        sync.Mutex
	mem       *epicmem.Manager
	trk       tracker.Client
	limiter   *rateLimiter
	hub       *events.Hub
	log       *slog.Logger
	epicLabel string
	direction string
	strategy  string
	method    string
	interval  time.Duration
	active    bool // immutable after New

	enabled map[string]bool // epics with reconciliation on
	stop    chan struct{}
	done    chan struct{}

	now func() time.Time
}

// New builds an Engine over the shared memory manager and a tracker client.
func New(mem *epicmem.Manager, trk tracker.Client, opts Options) *Engine {
	if opts.EpicLabel == "" {
		opts.EpicLabel = "epic"
	}
	if opts.Direction == "" {
		opts.Direction = models.SyncDirectionBidirectional
	}
	if opts.Strategy == "" {
		opts.Strategy = models.ResolveMerge
	}
	if opts.Method == "" {
		opts.Method = models.SyncMethodPolling
	}
	if opts.RateLimitPerHour == 0 {
		opts.RateLimitPerHour = models.DefaultRateLimitPerHour
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = models.DefaultPollInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	active := true
	if opts.Enabled != nil {
		active = *opts.Enabled
	}
	return &Engine{
		mem:       mem,
		trk:       trk,
		limiter:   newRateLimiter(opts.RateLimitPerHour),
		hub:       opts.Hub,
		log:       opts.Logger.With("component", "syncer"),
		epicLabel: opts.EpicLabel,
		direction: opts.Direction,
		strategy:  opts.Strategy,
		method:    opts.Method,
		interval:  opts.PollInterval,
		active:    active,
		enabled:   make(map[string]bool),
		now:       time.Now,
	}
}

// SetClock overrides the time source. Tests only.
func (e *Engine) SetClock(now func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = now
	e.limiter.mu.Lock()
	e.limiter.now = now
	e.limiter.mu.Unlock()
}

// RemainingBudget reports how many outbound calls the current rate window
// still permits; -1 means unlimited.
func (e *Engine) RemainingBudget() int { return e.limiter.remaining() }

// call runs one outbound tracker operation behind the rate guard. The budget
// check happens before the call, never after a failed one.
func (e *Engine) call(op string, fn func() error) error {
	if err := e.limiter.allow(); err != nil {
		otel.RecordRateLimitRejection(context.Background())
		return err
	}
	if err := fn(); err != nil {
		return &epicerr.ExternalServiceError{Op: op, Err: err}
	}
	return nil
}

func (e *Engine) epicIDLabel(epicID string) string { return "epic:" + epicID }

// EnableSync turns reconciliation on for one epic.
func (e *Engine) EnableSync(epicID string) {
	if !e.active {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.enabled[epicID] = true
}

// DisableSync turns reconciliation off for one epic. Idempotent.
func (e *Engine) DisableSync(epicID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.enabled, epicID)
}

// SyncEnabled reports whether reconciliation is on for an epic.
func (e *Engine) SyncEnabled(epicID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enabled[epicID]
}

// CreateEpic maps a declarative epic spec onto tracker objects: one milestone
// per phase (existing titles are reused, not duplicated), a parent tracking
// item, and one child item per story. A child that fails to create is logged
// and skipped; the epic as a whole still lands.
func (e *Engine) CreateEpic(ctx context.Context, spec models.EpicSpec) (models.Epic, error) {
	if !e.active {
		return models.Epic{}, epicerr.ErrDisabled
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	if spec.Title == "" {
		return models.Epic{}, &epicerr.ValidationError{Field: "title", Reason: "must not be empty"}
	}
	now := e.now().UTC()
	epicID := uuid.NewString()

	// Milestones first so children can link to them.
	var existing []tracker.Milestone
	if err := e.call("list milestones", func() error {
		var err error
		existing, err = e.trk.ListMilestones(ctx)
		return err
	}); err != nil {
		return models.Epic{}, fmt.Errorf("create epic %q: %w", spec.Title, err)
	}
	byTitle := make(map[string]int, len(existing))
	for _, m := range existing {
		byTitle[m.Title] = m.Number
	}
	milestoneIDs := make(map[string]int, len(spec.Phases))
	var milestones []models.Milestone
	for _, ph := range spec.Phases {
		num, ok := byTitle[ph.Title]
		if !ok {
			err := e.call("create milestone", func() error {
				m, err := e.trk.CreateMilestone(ctx, tracker.Milestone{Title: ph.Title, Description: ph.Description, DueOn: ph.DueDate})
				if err == nil {
					num = m.Number
				}
				return err
			})
			if err != nil {
				return models.Epic{}, fmt.Errorf("create epic %q: %w", spec.Title, err)
			}
		}
		milestoneIDs[ph.Title] = num
		milestones = append(milestones, models.Milestone{
			ID:          strconv.Itoa(num),
			Title:       ph.Title,
			Description: ph.Description,
			DueDate:     ph.DueDate,
			Status:      models.MilestonePending,
		})
	}

	epic := models.Epic{
		ID:          epicID,
		Title:       spec.Title,
		Description: spec.Description,
		Status:      models.EpicActive,
		Owner:       spec.Owner,
		Tags:        spec.Tags,
		Objectives:  spec.Objectives,
		Constraints: spec.Constraints,
		Milestones:  milestones,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	var parent tracker.Item
	if err := e.call("create parent item", func() error {
		var err error
		parent, err = e.trk.CreateItem(ctx, tracker.NewItem{
			Title:  "Epic: " + spec.Title,
			Body:   buildParentBody(epic, renderProgress(0, len(spec.Stories))),
			Labels: append([]string{e.epicLabel, e.epicIDLabel(epicID)}, spec.Tags...),
		})
		return err
	}); err != nil {
		return models.Epic{}, fmt.Errorf("create epic %q: %w", spec.Title, err)
	}

	var taskIssues []int
	for _, story := range spec.Stories {
		labels := append([]string{e.epicLabel, e.epicIDLabel(epicID)}, story.Labels...)
		var child tracker.Item
		err := e.call("create child item", func() error {
			var err error
			child, err = e.trk.CreateItem(ctx, tracker.NewItem{
				Title:     story.Title,
				Body:      story.Description,
				Labels:    labels,
				Milestone: milestoneIDs[story.Phase],
			})
			return err
		})
		if err != nil {
			// One bad story must not sink the epic.
			e.log.Warn("child item creation failed", "epic", epicID, "story", story.Title, "error", err)
			continue
		}
		taskIssues = append(taskIssues, child.Number)
		task := models.TaskProgress{
			TaskID:               strconv.Itoa(child.Number),
			EpicID:               epicID,
			Title:                story.Title,
			Status:               models.TaskPending,
			RequiredCapabilities: story.RequiredCapabilities,
			Domain:               story.Domain,
			EstimatedHours:       story.EstimatedHours,
		}
		if err := e.mem.TrackTaskProgress(ctx, task); err != nil {
			return models.Epic{}, fmt.Errorf("create epic %q: store task %d: %w", spec.Title, child.Number, err)
		}
	}

	if err := e.mem.StoreEpicContext(ctx, models.EpicContext{Epic: epic}); err != nil {
		return models.Epic{}, fmt.Errorf("create epic %q: %w", spec.Title, err)
	}
	state := models.SyncState{
		EpicID:        epicID,
		LastSyncAt:    now,
		SyncDirection: e.direction,
		Status:        models.SyncStatusSynced,
		ContentHash:   contentHash(spec),
		ParentIssue:   parent.Number,
		MilestoneIDs:  milestoneIDs,
		TaskIssues:    taskIssues,
	}
	if err := e.mem.StoreSyncState(ctx, state); err != nil {
		return models.Epic{}, fmt.Errorf("create epic %q: %w", spec.Title, err)
	}
	e.enabled[epicID] = true

	e.publish(events.Event{Type: events.EpicCreated, EpicID: epicID,
		Detail: map[string]any{"parent_issue": parent.Number, "tasks": len(taskIssues)}})
	otel.RecordSyncOp(ctx, "create_epic", epicID, "ok", time.Since(start))
	return epic, nil
}

// UpdateEpic pushes locally changed epic fields to the parent tracker item
// and refreshes the stored content hash.
func (e *Engine) UpdateEpic(ctx context.Context, epicID string) error {
	if !e.active {
		return epicerr.ErrDisabled
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	start := time.Now()

	ec, state, err := e.load(ctx, epicID)
	if err != nil {
		return err
	}
	epic := ec.Epic
	epic.UpdatedAt = e.now().UTC()

	tasks, err := e.mem.GetEpicTasks(ctx, epicID)
	if err != nil {
		return fmt.Errorf("update epic %s: %w", epicID, err)
	}
	closed := 0
	for _, t := range tasks {
		if !models.TaskStatusOpen(t.Status) {
			closed++
		}
	}
	title := "Epic: " + epic.Title
	body := buildParentBody(epic, renderProgress(closed, len(tasks)))
	if err := e.call("update parent item", func() error {
		_, err := e.trk.UpdateItem(ctx, state.ParentIssue, tracker.ItemPatch{Title: &title, Body: &body})
		return err
	}); err != nil {
		return fmt.Errorf("update epic %s: %w", epicID, err)
	}

	ec.Epic = epic
	if err := e.mem.StoreEpicContext(ctx, *ec); err != nil {
		return fmt.Errorf("update epic %s: %w", epicID, err)
	}
	state.LastSyncAt = e.now().UTC()
	state.Status = models.SyncStatusSynced
	if err := e.mem.StoreSyncState(ctx, *state); err != nil {
		return fmt.Errorf("update epic %s: %w", epicID, err)
	}
	otel.RecordSyncOp(ctx, "update_epic", epicID, "ok", time.Since(start))
	return nil
}

// UpdateEpicProgress recomputes completion from child open/closed counts,
// rewrites the progress section of the parent body, and posts a progress
// comment. LastSyncAt advances even when a remote call fails.
func (e *Engine) UpdateEpicProgress(ctx context.Context, epicID string) (err error) {
	if !e.active {
		return epicerr.ErrDisabled
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	start := time.Now()

	_, state, err := e.load(ctx, epicID)
	if err != nil {
		return err
	}
	defer func() {
		state.LastSyncAt = e.now().UTC()
		if err != nil {
			state.Status = models.SyncStatusError
		}
		if serr := e.mem.StoreSyncState(ctx, *state); serr != nil && err == nil {
			err = fmt.Errorf("update progress %s: %w", epicID, serr)
		}
		status := "ok"
		if err != nil {
			status = "error"
		}
		otel.RecordSyncOp(ctx, "update_progress", epicID, status, time.Since(start))
	}()

	total, closed := 0, 0
	for _, num := range state.TaskIssues {
		var it tracker.Item
		cerr := e.call("get child item", func() error {
			var gerr error
			it, gerr = e.trk.GetItem(ctx, num)
			return gerr
		})
		if cerr != nil {
			err = fmt.Errorf("update progress %s: %w", epicID, cerr)
			return err
		}
		total++
		if it.State == tracker.StateClosed {
			closed++
		}
	}

	var parent tracker.Item
	if cerr := e.call("get parent item", func() error {
		var gerr error
		parent, gerr = e.trk.GetItem(ctx, state.ParentIssue)
		return gerr
	}); cerr != nil {
		err = fmt.Errorf("update progress %s: %w", epicID, cerr)
		return err
	}
	body := replaceProgressSection(parent.Body, renderProgress(closed, total))
	if cerr := e.call("update parent item", func() error {
		_, uerr := e.trk.UpdateItem(ctx, state.ParentIssue, tracker.ItemPatch{Body: &body})
		return uerr
	}); cerr != nil {
		err = fmt.Errorf("update progress %s: %w", epicID, cerr)
		return err
	}
	comment := fmt.Sprintf("Progress update: %d/%d tasks complete (%d%%)", closed, total, percent(closed, total))
	if cerr := e.call("create comment", func() error {
		return e.trk.CreateComment(ctx, state.ParentIssue, comment)
	}); cerr != nil {
		err = fmt.Errorf("update progress %s: %w", epicID, cerr)
		return err
	}

	state.Status = models.SyncStatusSynced
	e.publish(events.Event{Type: events.EpicSynced, EpicID: epicID,
		Detail: map[string]any{"closed": closed, "total": total}})
	return nil
}

// CloseEpic completes an epic. It refuses with a ConflictError while any
// child item is still open; otherwise it posts a completion comment, closes
// the parent item, archives the local record, and stops reconciliation.
func (e *Engine) CloseEpic(ctx context.Context, epicID string) error {
	if !e.active {
		return epicerr.ErrDisabled
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	start := time.Now()

	ec, state, err := e.load(ctx, epicID)
	if err != nil {
		return err
	}
	var open []string
	for _, num := range state.TaskIssues {
		var it tracker.Item
		if cerr := e.call("get child item", func() error {
			var gerr error
			it, gerr = e.trk.GetItem(ctx, num)
			return gerr
		}); cerr != nil {
			return fmt.Errorf("close epic %s: %w", epicID, cerr)
		}
		if it.State != tracker.StateClosed {
			open = append(open, strconv.Itoa(num))
		}
	}
	if len(open) > 0 {
		return &epicerr.ConflictError{EpicID: epicID, Reason: "child items still open", Items: open}
	}

	if cerr := e.call("create comment", func() error {
		return e.trk.CreateComment(ctx, state.ParentIssue, "Epic complete: all tasks closed.")
	}); cerr != nil {
		return fmt.Errorf("close epic %s: %w", epicID, cerr)
	}
	if cerr := e.call("close parent item", func() error {
		return e.trk.CloseItem(ctx, state.ParentIssue)
	}); cerr != nil {
		return fmt.Errorf("close epic %s: %w", epicID, cerr)
	}

	ec.Epic.Status = models.EpicArchived
	ec.Epic.UpdatedAt = e.now().UTC()
	if err := e.mem.StoreEpicContext(ctx, *ec); err != nil {
		return fmt.Errorf("close epic %s: %w", epicID, err)
	}
	state.LastSyncAt = e.now().UTC()
	state.Status = models.SyncStatusSynced
	if err := e.mem.StoreSyncState(ctx, *state); err != nil {
		return fmt.Errorf("close epic %s: %w", epicID, err)
	}
	delete(e.enabled, epicID)

	e.publish(events.Event{Type: events.EpicClosed, EpicID: epicID})
	otel.RecordSyncOp(ctx, "close_epic", epicID, "ok", time.Since(start))
	return nil
}

// SyncFromRemote pulls the parent item, detects divergence against the local
// view, resolves each conflicting field with the configured strategy, and
// overwrites local state with the reconciled view. Child items that closed
// remotely mark their tasks completed.
func (e *Engine) SyncFromRemote(ctx context.Context, epicID string) error {
	if !e.active {
		return epicerr.ErrDisabled
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pullLocked(ctx, epicID)
}

func (e *Engine) pullLocked(ctx context.Context, epicID string) error {
	start := time.Now()
	ec, state, err := e.load(ctx, epicID)
	if err != nil {
		return err
	}
	now := e.now().UTC()

	var parent tracker.Item
	if cerr := e.call("get parent item", func() error {
		var gerr error
		parent, gerr = e.trk.GetItem(ctx, state.ParentIssue)
		return gerr
	}); cerr != nil {
		state.Status = models.SyncStatusError
		state.LastSyncAt = now
		_ = e.mem.StoreSyncState(ctx, *state)
		return fmt.Errorf("pull epic %s: %w", epicID, cerr)
	}

	localBody, err := e.renderLocalBody(ctx, ec.Epic)
	if err != nil {
		return fmt.Errorf("pull epic %s: %w", epicID, err)
	}
	local := e.localSnapshot(ec.Epic, localBody)
	remote := itemSnapshot{Body: parent.Body, Labels: parent.Labels, State: parent.State}
	conflicts := detectChanges(local, remote, now)

	for i := range conflicts {
		c := &conflicts[i]
		resolved, rerr := resolveValue(c.LocalValue, c.RemoteValue, e.strategy)
		if rerr != nil {
			return fmt.Errorf("pull epic %s: %w", epicID, rerr)
		}
		c.Resolved = true
		c.Resolution = e.strategy
		c.Timestamp = now
		e.applyToLocal(&ec.Epic, c.Key, resolved)
		e.publish(events.Event{Type: events.SyncConflict, EpicID: epicID,
			Detail: map[string]any{"key": c.Key, "local": c.LocalValue, "remote": c.RemoteValue, "resolution": e.strategy}})
	}

	if closedTasks, terr := e.pullChildren(ctx, epicID, state); terr != nil {
		return fmt.Errorf("pull epic %s: %w", epicID, terr)
	} else if closedTasks > 0 {
		e.log.Info("remote closures pulled", "epic", epicID, "tasks", closedTasks)
	}

	ec.Epic.UpdatedAt = now
	if err := e.mem.StoreEpicContext(ctx, *ec); err != nil {
		return fmt.Errorf("pull epic %s: %w", epicID, err)
	}
	state.Conflicts = append(state.Conflicts, conflicts...)
	state.PendingChanges = 0
	state.Status = models.SyncStatusSynced
	state.LastSyncAt = now
	if err := e.mem.StoreSyncState(ctx, *state); err != nil {
		return fmt.Errorf("pull epic %s: %w", epicID, err)
	}

	e.publish(events.Event{Type: events.EpicSynced, EpicID: epicID,
		Detail: map[string]any{"direction": models.SyncDirectionPull, "conflicts": len(conflicts)}})
	otel.RecordSyncOp(ctx, "pull", epicID, "ok", time.Since(start))
	return nil
}

// pullChildren marks tasks completed when their remote items closed.
func (e *Engine) pullChildren(ctx context.Context, epicID string, state *models.SyncState) (int, error) {
	closed := 0
	for _, num := range state.TaskIssues {
		var it tracker.Item
		if cerr := e.call("get child item", func() error {
			var gerr error
			it, gerr = e.trk.GetItem(ctx, num)
			return gerr
		}); cerr != nil {
			return closed, cerr
		}
		if it.State != tracker.StateClosed {
			continue
		}
		taskID := strconv.Itoa(num)
		task, err := e.mem.GetTaskProgress(ctx, epicID, taskID)
		if err != nil || task == nil || !models.TaskStatusOpen(task.Status) {
			continue
		}
		task.Status = models.TaskCompleted
		if err := e.mem.TrackTaskProgress(ctx, *task); err != nil {
			return closed, err
		}
		closed++
	}
	return closed, nil
}

// SyncToRemote pushes the local view onto the parent item: body, labels, and
// open/closed state. Differences are recorded as conflicts resolved
// local_wins for the audit trail.
func (e *Engine) SyncToRemote(ctx context.Context, epicID string) error {
	if !e.active {
		return epicerr.ErrDisabled
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	start := time.Now()

	ec, state, err := e.load(ctx, epicID)
	if err != nil {
		return err
	}
	now := e.now().UTC()

	var parent tracker.Item
	if cerr := e.call("get parent item", func() error {
		var gerr error
		parent, gerr = e.trk.GetItem(ctx, state.ParentIssue)
		return gerr
	}); cerr != nil {
		return fmt.Errorf("push epic %s: %w", epicID, cerr)
	}

	localBody, err := e.renderLocalBody(ctx, ec.Epic)
	if err != nil {
		return fmt.Errorf("push epic %s: %w", epicID, err)
	}
	local := e.localSnapshot(ec.Epic, localBody)
	remote := itemSnapshot{Body: parent.Body, Labels: parent.Labels, State: parent.State}
	conflicts := detectChanges(local, remote, now)
	state.PendingChanges = len(conflicts)

	if len(conflicts) > 0 {
		patch := tracker.ItemPatch{Body: &local.Body, Labels: &local.Labels}
		if cerr := e.call("update parent item", func() error {
			_, uerr := e.trk.UpdateItem(ctx, state.ParentIssue, patch)
			return uerr
		}); cerr != nil {
			return fmt.Errorf("push epic %s: %w", epicID, cerr)
		}
		if local.State == tracker.StateClosed && parent.State != tracker.StateClosed {
			if cerr := e.call("close parent item", func() error {
				return e.trk.CloseItem(ctx, state.ParentIssue)
			}); cerr != nil {
				return fmt.Errorf("push epic %s: %w", epicID, cerr)
			}
		}
		for i := range conflicts {
			conflicts[i].Resolved = true
			conflicts[i].Resolution = models.ResolveLocalWins
			conflicts[i].Timestamp = now
		}
	}

	state.Conflicts = append(state.Conflicts, conflicts...)
	state.PendingChanges = 0
	state.Status = models.SyncStatusSynced
	state.LastSyncAt = now
	if err := e.mem.StoreSyncState(ctx, *state); err != nil {
		return fmt.Errorf("push epic %s: %w", epicID, err)
	}

	e.publish(events.Event{Type: events.EpicSynced, EpicID: epicID,
		Detail: map[string]any{"direction": models.SyncDirectionPush, "changes": len(conflicts)}})
	otel.RecordSyncOp(ctx, "push", epicID, "ok", time.Since(start))
	return nil
}

// ResolveConflict resolves one recorded conflict with an explicit strategy
// and stores the audited resolution on the epic's sync state.
func (e *Engine) ResolveConflict(ctx context.Context, epicID string, c models.Conflict, strategy string) (any, error) {
	if !e.active {
		return nil, epicerr.ErrDisabled
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	resolved, err := resolveValue(c.LocalValue, c.RemoteValue, strategy)
	if err != nil {
		return nil, err
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if err := e.mem.ResolveSyncConflict(ctx, epicID, c.ID, strategy); err != nil {
		return nil, fmt.Errorf("resolve conflict %s on epic %s: %w", c.ID, epicID, err)
	}
	return resolved, nil
}

// HandleEvent feeds an externally delivered tracker event into the pull path.
// Events not labeled as epic work are ignored.
func (e *Engine) HandleEvent(ctx context.Context, ev tracker.Event) error {
	if !e.active {
		return epicerr.ErrDisabled
	}
	epicID := ""
	marked := false
	for _, l := range ev.Labels {
		if l == e.epicLabel {
			marked = true
		}
		if rest, ok := strings.CutPrefix(l, "epic:"); ok {
			epicID = rest
		}
	}
	if !marked || epicID == "" {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.enabled[epicID] {
		return nil
	}
	return e.pullLocked(ctx, epicID)
}

// Start launches the polling reconciliation loop. A webhook-method engine
// has nothing to poll; events arrive through HandleEvent.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.active || e.method != models.SyncMethodPolling || e.stop != nil {
		return
	}
	e.stop = make(chan struct{})
	e.done = make(chan struct{})
	go e.pollLoop(e.stop, e.done)
}

// Stop halts the polling loop. Safe to call twice or before Start.
func (e *Engine) Stop() {
	e.mu.Lock()
	stop, done := e.stop, e.done
	e.stop, e.done = nil, nil
	e.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (e *Engine) pollLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			e.pollOnce(ctx)
			cancel()
		}
	}
}

func (e *Engine) pollOnce(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for epicID := range e.enabled {
		if err := e.pullLocked(ctx, epicID); err != nil {
			// One failing epic must not starve the others.
			e.log.Warn("poll sync failed", "epic", epicID, "error", err)
		}
	}
}

func (e *Engine) load(ctx context.Context, epicID string) (*models.EpicContext, *models.SyncState, error) {
	ec, err := e.mem.LoadEpicContext(ctx, epicID)
	if err != nil {
		return nil, nil, fmt.Errorf("epic %s: %w", epicID, err)
	}
	if ec == nil {
		return nil, nil, fmt.Errorf("epic %s: %w", epicID, epicerr.ErrNotFound)
	}
	state, err := e.mem.GetSyncState(ctx, epicID)
	if err != nil {
		return nil, nil, fmt.Errorf("epic %s: %w", epicID, err)
	}
	if state == nil {
		// Sync state has a short TTL; rebuild a minimal snapshot from context.
		state = &models.SyncState{EpicID: epicID, SyncDirection: e.direction, Status: models.SyncStatusSyncing}
	}
	return ec, state, nil
}

// renderLocalBody rebuilds the parent item body the local view expects,
// including the progress section derived from stored tasks.
func (e *Engine) renderLocalBody(ctx context.Context, epic models.Epic) (string, error) {
	tasks, err := e.mem.GetEpicTasks(ctx, epic.ID)
	if err != nil {
		return "", err
	}
	closed := 0
	for _, t := range tasks {
		if !models.TaskStatusOpen(t.Status) {
			closed++
		}
	}
	return buildParentBody(epic, renderProgress(closed, len(tasks))), nil
}

// localSnapshot projects stored epic state into the comparable item shape.
func (e *Engine) localSnapshot(epic models.Epic, localBody string) itemSnapshot {
	labels := []string{e.epicLabel, e.epicIDLabel(epic.ID)}
	labels = append(labels, epic.Tags...)
	sort.Strings(labels)
	st := tracker.StateOpen
	if epic.Status == models.EpicCompleted || epic.Status == models.EpicArchived {
		st = tracker.StateClosed
	}
	return itemSnapshot{Body: localBody, Labels: labels, State: st}
}

// applyToLocal writes one reconciled field back onto the local epic.
func (e *Engine) applyToLocal(epic *models.Epic, key string, resolved any) {
	switch key {
	case "body":
		if s, ok := resolved.(string); ok {
			epic.Description = extractDescription(s, epic.Description)
		}
	case "labels":
		var tags []string
		for _, l := range toStrings(resolved) {
			if l == e.epicLabel || strings.HasPrefix(l, "epic:") {
				continue
			}
			tags = append(tags, l)
		}
		epic.Tags = tags
	case "state":
		if s, ok := resolved.(string); ok && s == tracker.StateClosed &&
			epic.Status != models.EpicCompleted && epic.Status != models.EpicArchived {
			epic.Status = models.EpicCompleted
		}
	}
}

func (e *Engine) publish(ev events.Event) { e.hub.Publish(ev) }

func percent(closed, total int) int {
	if total == 0 {
		return 0
	}
	return closed * 100 / total
}

func contentHash(spec models.EpicSpec) string {
	raw, err := json.Marshal(spec)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

const progressHeader = "## Progress"

func renderProgress(closed, total int) string {
	return fmt.Sprintf("%s\n\n%d/%d tasks complete (%d%%)\n", progressHeader, closed, total, percent(closed, total))
}

// replaceProgressSection swaps the trailing progress section of a parent
// body, appending one if the body never had it.
func replaceProgressSection(body, section string) string {
	if idx := strings.Index(body, progressHeader); idx >= 0 {
		return body[:idx] + section
	}
	if body != "" && !strings.HasSuffix(body, "\n") {
		body += "\n"
	}
	return body + "\n" + section
}

func buildParentBody(epic models.Epic, progress string) string {
	var b strings.Builder
	if epic.Description != "" {
		b.WriteString(epic.Description)
		b.WriteString("\n")
	}
	writeList := func(header string, items []string) {
		if len(items) == 0 {
			return
		}
		b.WriteString("\n" + header + "\n\n")
		for _, it := range items {
			b.WriteString("- " + it + "\n")
		}
	}
	writeList("## Objectives", epic.Objectives)
	writeList("## Constraints", epic.Constraints)
	if len(epic.Milestones) > 0 {
		b.WriteString("\n## Phases\n\n")
		for _, m := range epic.Milestones {
			b.WriteString("- " + m.Title + "\n")
		}
	}
	b.WriteString("\n" + progress)
	return b.String()
}

// extractDescription recovers the free-text description from a reconciled
// body: everything before the first section header.
func extractDescription(body, fallback string) string {
	if idx := strings.Index(body, "\n## "); idx >= 0 {
		body = body[:idx]
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return fallback
	}
	return body
}
