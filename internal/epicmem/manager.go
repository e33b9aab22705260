// Package epicmem maps the epic domain entities onto the namespaced key/value
// store, owning serialization and per-namespace retention. Epic context,
// decisions, and agent assignments are permanent; task progress is kept 30
// days; sync state is a 1-hour snapshot.
//
// Failure semantics: read failures are logged and surface as zero values;
// "context not found" is a normal, recoverable condition. Write failures
// propagate, since losing a write is not safely ignorable.
package epicmem

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rob-otix-ai/cto-flow-sub001/internal/epicerr"
	"github.com/rob-otix-ai/cto-flow-sub001/internal/kvstore"
	"github.com/rob-otix-ai/cto-flow-sub001/pkg/models"
)

// Namespaces. Keys compose as namespace:epicID[:subID].
const (
	nsContext    = "context"
	nsDecision   = "decision"
	nsTask       = "task"
	nsAssignment = "assignment"
	nsSync       = "sync"
	nsClaim      = "claim"
)

// Manager routes domain entities to the store with the right namespace and TTL.
type Manager struct {
	store kvstore.Store
	now   func() time.Time
}

// New creates a Manager on top of a store.
func New(store kvstore.Store) *Manager {
	return &Manager{store: store, now: time.Now}
}

// SetClock overrides the time source. Test hook.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

func contextKey(epicID string) string              { return nsContext + ":" + epicID }
func decisionKey(epicID, id string) string         { return nsDecision + ":" + epicID + ":" + id }
func taskKey(epicID, taskID string) string         { return nsTask + ":" + epicID + ":" + taskID }
func assignmentKey(epicID, agentID string) string  { return nsAssignment + ":" + epicID + ":" + agentID }
func syncKey(epicID string) string                 { return nsSync + ":" + epicID }
func claimKey(epicID, taskID string) string        { return nsClaim + ":" + epicID + ":" + taskID }

func (m *Manager) put(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := m.store.Set(ctx, key, data, kvstore.SetOptions{TTL: ttl}); err != nil {
		return fmt.Errorf("store %s: %w", key, err)
	}
	return nil
}

// get decodes the value at key into out. Returns false when the key is absent
// or the read fails; read failures are logged, not propagated.
func (m *Manager) get(ctx context.Context, key string, out any) bool {
	data, err := m.store.Get(ctx, key, kvstore.KeyOptions{})
	if err != nil {
		slog.Warn("memory read failed", "key", key, "err", err)
		return false
	}
	if data == nil {
		return false
	}
	if err := json.Unmarshal(data, out); err != nil {
		slog.Warn("memory decode failed", "key", key, "err", err)
		return false
	}
	return true
}

// StoreEpicContext persists an epic's working context permanently.
func (m *Manager) StoreEpicContext(ctx context.Context, ec models.EpicContext) error {
	if ec.Epic.ID == "" {
		return &epicerr.ValidationError{Field: "epic.id", Reason: "required"}
	}
	if ec.Epic.UpdatedAt.IsZero() {
		ec.Epic.UpdatedAt = m.now().UTC()
	}
	return m.put(ctx, contextKey(ec.Epic.ID), ec, 0)
}

// LoadEpicContext returns the stored context, or nil when absent.
func (m *Manager) LoadEpicContext(ctx context.Context, epicID string) (*models.EpicContext, error) {
	var ec models.EpicContext
	if !m.get(ctx, contextKey(epicID), &ec) {
		return nil, nil
	}
	return &ec, nil
}

// ListEpicIDs returns the ids of every epic with stored context, sorted.
func (m *Manager) ListEpicIDs(ctx context.Context) ([]string, error) {
	keys, err := m.store.List(ctx, kvstore.ListOptions{Pattern: nsContext + ":*"})
	if err != nil {
		slog.Warn("memory list failed", "namespace", nsContext, "err", err)
		return nil, nil
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, strings.TrimPrefix(k, nsContext+":"))
	}
	sort.Strings(out)
	return out, nil
}

// StoreDecision persists an architectural decision record. Assigns an id and
// timestamp when missing.
func (m *Manager) StoreDecision(ctx context.Context, d models.Decision) (models.Decision, error) {
	if d.EpicID == "" {
		return d, &epicerr.ValidationError{Field: "decision.epic_id", Reason: "required"}
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.Status == "" {
		d.Status = models.DecisionProposed
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = m.now().UTC()
	}
	return d, m.put(ctx, decisionKey(d.EpicID, d.ID), d, 0)
}

// GetDecisions returns all decisions for an epic, oldest first.
func (m *Manager) GetDecisions(ctx context.Context, epicID string) ([]models.Decision, error) {
	keys, err := m.store.List(ctx, kvstore.ListOptions{Pattern: nsDecision + ":" + epicID + ":*"})
	if err != nil {
		slog.Warn("memory list failed", "namespace", nsDecision, "epic", epicID, "err", err)
		return nil, nil
	}
	var out []models.Decision
	for _, k := range keys {
		var d models.Decision
		if m.get(ctx, k, &d) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// SupersedeDecision marks old as superseded by a new decision, keeping history.
func (m *Manager) SupersedeDecision(ctx context.Context, epicID, oldID string, replacement models.Decision) (models.Decision, error) {
	var old models.Decision
	if !m.get(ctx, decisionKey(epicID, oldID), &old) {
		return models.Decision{}, fmt.Errorf("decision %s/%s: %w", epicID, oldID, epicerr.ErrNotFound)
	}
	replacement.EpicID = epicID
	if replacement.Status == "" {
		replacement.Status = models.DecisionAccepted
	}
	stored, err := m.StoreDecision(ctx, replacement)
	if err != nil {
		return models.Decision{}, err
	}
	old.Status = models.DecisionSuperseded
	old.SupersededBy = stored.ID
	if err := m.put(ctx, decisionKey(epicID, oldID), old, 0); err != nil {
		return models.Decision{}, err
	}
	return stored, nil
}

// TrackTaskProgress persists a task snapshot with 30-day retention. Enforces
// the completed invariant: status completed forces progress 100 and a
// completion timestamp.
func (m *Manager) TrackTaskProgress(ctx context.Context, tp models.TaskProgress) error {
	if tp.EpicID == "" || tp.TaskID == "" {
		return &epicerr.ValidationError{Field: "task", Reason: "epic_id and task_id required"}
	}
	if tp.Status == models.TaskCompleted {
		tp.Progress = 100
		if tp.CompletedAt == nil {
			t := m.now().UTC()
			tp.CompletedAt = &t
		}
	}
	return m.put(ctx, taskKey(tp.EpicID, tp.TaskID), tp, models.TaskRetention)
}

// GetTaskProgress returns one task snapshot, or nil when absent.
func (m *Manager) GetTaskProgress(ctx context.Context, epicID, taskID string) (*models.TaskProgress, error) {
	var tp models.TaskProgress
	if !m.get(ctx, taskKey(epicID, taskID), &tp) {
		return nil, nil
	}
	return &tp, nil
}

// GetEpicTasks returns all live task snapshots for an epic.
func (m *Manager) GetEpicTasks(ctx context.Context, epicID string) ([]models.TaskProgress, error) {
	keys, err := m.store.List(ctx, kvstore.ListOptions{Pattern: nsTask + ":" + epicID + ":*"})
	if err != nil {
		slog.Warn("memory list failed", "namespace", nsTask, "epic", epicID, "err", err)
		return nil, nil
	}
	var out []models.TaskProgress
	for _, k := range keys {
		var tp models.TaskProgress
		if m.get(ctx, k, &tp) {
			out = append(out, tp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out, nil
}

// UpdateTaskStatus sets just the status of a stored task.
func (m *Manager) UpdateTaskStatus(ctx context.Context, epicID, taskID, status string) error {
	tp, err := m.GetTaskProgress(ctx, epicID, taskID)
	if err != nil {
		return err
	}
	if tp == nil {
		return fmt.Errorf("task %s/%s: %w", epicID, taskID, epicerr.ErrNotFound)
	}
	tp.Status = status
	return m.TrackTaskProgress(ctx, *tp)
}

// RecordAgentAssignment persists an assignment permanently. One record per
// (agent, epic); task ids accumulate on the existing record.
func (m *Manager) RecordAgentAssignment(ctx context.Context, a models.AgentAssignment) error {
	if a.AgentID == "" || a.EpicID == "" {
		return &epicerr.ValidationError{Field: "assignment", Reason: "agent_id and epic_id required"}
	}
	if a.AssignedAt.IsZero() {
		a.AssignedAt = m.now().UTC()
	}
	var existing models.AgentAssignment
	if m.get(ctx, assignmentKey(a.EpicID, a.AgentID), &existing) {
		a.AssignedAt = existing.AssignedAt
		a.TaskIDs = mergeStrings(existing.TaskIDs, a.TaskIDs)
	}
	return m.put(ctx, assignmentKey(a.EpicID, a.AgentID), a, 0)
}

func mergeStrings(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, s := range append(append([]string{}, a...), b...) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// GetAgentAssignment returns the assignment for (epic, agent), or nil.
func (m *Manager) GetAgentAssignment(ctx context.Context, epicID, agentID string) (*models.AgentAssignment, error) {
	var a models.AgentAssignment
	if !m.get(ctx, assignmentKey(epicID, agentID), &a) {
		return nil, nil
	}
	return &a, nil
}

// GetEpicAgents returns all assignments recorded for an epic.
func (m *Manager) GetEpicAgents(ctx context.Context, epicID string) ([]models.AgentAssignment, error) {
	keys, err := m.store.List(ctx, kvstore.ListOptions{Pattern: nsAssignment + ":" + epicID + ":*"})
	if err != nil {
		slog.Warn("memory list failed", "namespace", nsAssignment, "epic", epicID, "err", err)
		return nil, nil
	}
	var out []models.AgentAssignment
	for _, k := range keys {
		var a models.AgentAssignment
		if m.get(ctx, k, &a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

// UpdateAgentStatus sets the status of a stored assignment.
func (m *Manager) UpdateAgentStatus(ctx context.Context, epicID, agentID, status string) error {
	a, err := m.GetAgentAssignment(ctx, epicID, agentID)
	if err != nil {
		return err
	}
	if a == nil {
		return fmt.Errorf("assignment %s/%s: %w", epicID, agentID, epicerr.ErrNotFound)
	}
	a.Status = status
	return m.put(ctx, assignmentKey(epicID, agentID), a, 0)
}

// ClaimTask atomically records agentID as the claim holder for a task.
// Returns false when another agent already holds a live claim. This is the
// serialization point that keeps concurrent claims from double-assigning.
func (m *Manager) ClaimTask(ctx context.Context, epicID, taskID, agentID string) (bool, error) {
	ok, err := m.store.SetIfAbsent(ctx, claimKey(epicID, taskID), []byte(`"`+agentID+`"`), kvstore.SetOptions{})
	if err != nil {
		return false, fmt.Errorf("claim %s/%s: %w", epicID, taskID, err)
	}
	return ok, nil
}

// ClaimHolder returns the agent currently holding a task claim, or "".
func (m *Manager) ClaimHolder(ctx context.Context, epicID, taskID string) (string, error) {
	var holder string
	if !m.get(ctx, claimKey(epicID, taskID), &holder) {
		return "", nil
	}
	return holder, nil
}

// ReleaseClaim drops a task claim. Releasing an unheld claim is a no-op.
func (m *Manager) ReleaseClaim(ctx context.Context, epicID, taskID string) error {
	return m.store.Delete(ctx, claimKey(epicID, taskID), kvstore.KeyOptions{})
}

// StoreSyncState persists the reconciliation snapshot with 1-hour retention.
func (m *Manager) StoreSyncState(ctx context.Context, st models.SyncState) error {
	if st.EpicID == "" {
		return &epicerr.ValidationError{Field: "sync.epic_id", Reason: "required"}
	}
	if st.LastSyncAt.IsZero() {
		st.LastSyncAt = m.now().UTC()
	}
	return m.put(ctx, syncKey(st.EpicID), st, models.SyncStateRetention)
}

// GetSyncState returns the sync snapshot, or nil when absent or expired.
func (m *Manager) GetSyncState(ctx context.Context, epicID string) (*models.SyncState, error) {
	var st models.SyncState
	if !m.get(ctx, syncKey(epicID), &st) {
		return nil, nil
	}
	return &st, nil
}

// ResolveSyncConflict marks one recorded conflict resolved with the given
// strategy, for audit.
func (m *Manager) ResolveSyncConflict(ctx context.Context, epicID, conflictID, resolution string) error {
	st, err := m.GetSyncState(ctx, epicID)
	if err != nil {
		return err
	}
	if st == nil {
		return fmt.Errorf("sync state for %s: %w", epicID, epicerr.ErrNotFound)
	}
	found := false
	open := 0
	for i := range st.Conflicts {
		if st.Conflicts[i].ID == conflictID {
			st.Conflicts[i].Resolved = true
			st.Conflicts[i].Resolution = resolution
			found = true
		}
		if !st.Conflicts[i].Resolved {
			open++
		}
	}
	if !found {
		return fmt.Errorf("conflict %s on %s: %w", conflictID, epicID, epicerr.ErrNotFound)
	}
	if open == 0 && st.Status == models.SyncStatusConflict {
		st.Status = models.SyncStatusSynced
	}
	return m.StoreSyncState(ctx, *st)
}

// DeleteEpic cascades a delete across every namespace for the epic.
func (m *Manager) DeleteEpic(ctx context.Context, epicID string) error {
	for _, ns := range []string{nsDecision, nsTask, nsAssignment, nsClaim} {
		keys, err := m.store.List(ctx, kvstore.ListOptions{Pattern: ns + ":" + epicID + ":*"})
		if err != nil {
			return fmt.Errorf("list %s for delete: %w", ns, err)
		}
		for _, k := range keys {
			if err := m.store.Delete(ctx, k, kvstore.KeyOptions{}); err != nil {
				return fmt.Errorf("delete %s: %w", k, err)
			}
		}
	}
	for _, k := range []string{contextKey(epicID), syncKey(epicID)} {
		if err := m.store.Delete(ctx, k, kvstore.KeyOptions{}); err != nil {
			return fmt.Errorf("delete %s: %w", k, err)
		}
	}
	return nil
}

// GetEpicStats aggregates a diagnostic snapshot across namespaces.
func (m *Manager) GetEpicStats(ctx context.Context, epicID string) (models.EpicStats, error) {
	stats := models.EpicStats{EpicID: epicID, TasksByStatus: map[string]int{}}
	ec, _ := m.LoadEpicContext(ctx, epicID)
	stats.HasContext = ec != nil

	decisions, _ := m.GetDecisions(ctx, epicID)
	stats.DecisionCount = len(decisions)

	tasks, _ := m.GetEpicTasks(ctx, epicID)
	stats.TaskCount = len(tasks)
	for _, tp := range tasks {
		stats.TasksByStatus[tp.Status]++
		if tp.Status == models.TaskCompleted {
			stats.CompletedTasks++
		}
	}

	agents, _ := m.GetEpicAgents(ctx, epicID)
	stats.AgentCount = len(agents)

	if st, _ := m.GetSyncState(ctx, epicID); st != nil {
		t := st.LastSyncAt
		stats.LastSyncAt = &t
	}
	return stats, nil
}

// ExportEpic returns a full snapshot of everything stored for the epic.
func (m *Manager) ExportEpic(ctx context.Context, epicID string) (models.EpicExport, error) {
	out := models.EpicExport{ExportedAt: m.now().UTC()}
	out.Context, _ = m.LoadEpicContext(ctx, epicID)
	out.Decisions, _ = m.GetDecisions(ctx, epicID)
	out.Tasks, _ = m.GetEpicTasks(ctx, epicID)
	out.Assignments, _ = m.GetEpicAgents(ctx, epicID)
	out.SyncState, _ = m.GetSyncState(ctx, epicID)
	return out, nil
}

// ValidateNamespaceKey reports whether a raw key belongs to a known namespace.
// Used by diagnostics.
func ValidateNamespaceKey(key string) bool {
	i := strings.IndexByte(key, ':')
	if i <= 0 {
		return false
	}
	switch key[:i] {
	case nsContext, nsDecision, nsTask, nsAssignment, nsSync, nsClaim:
		return true
	}
	return false
}
