// Package models provides shared types for the ctoflow HTTP API and external tools.
// These types mirror the API JSON and are stable for use by pkg/client and other consumers.
package models

import "time"

// Epic is a large unit of work decomposed into tasks, tracked locally and in a remote tracker.
type Epic struct {
	ID           string      `json:"id"`
	Title        string      `json:"title"`
	Description  string      `json:"description,omitempty"`
	Status       string      `json:"status"`
	Owner        string      `json:"owner,omitempty"`
	Tags         []string    `json:"tags,omitempty"`
	Objectives   []string    `json:"objectives,omitempty"`
	Constraints  []string    `json:"constraints,omitempty"`
	Dependencies []string    `json:"dependencies,omitempty"` // other epic ids
	Milestones   []Milestone `json:"milestones,omitempty"`
	CreatedAt    time.Time   `json:"created_at,omitempty"`
	UpdatedAt    time.Time   `json:"updated_at,omitempty"`
}

// Milestone is a delivery phase of an epic, mapped 1:1 to a remote-tracker milestone.
type Milestone struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	Status      string     `json:"status"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// EpicContext is the stored working context for an epic: the epic itself plus
// the roster of agents known to be working it. Agents and the sync engine hold
// transient copies of this; the memory manager owns the durable one.
type EpicContext struct {
	Epic   Epic           `json:"epic"`
	Agents []AgentProfile `json:"agents,omitempty"`
}

// Alternative is one considered option inside an architectural decision.
type Alternative struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Pros        []string `json:"pros,omitempty"`
	Cons        []string `json:"cons,omitempty"`
}

// Decision is an architectural decision record. Append-mostly: superseding a
// decision sets Status and SupersededBy but never deletes history.
type Decision struct {
	ID           string        `json:"id"`
	EpicID       string        `json:"epic_id"`
	Title        string        `json:"title"`
	Context      string        `json:"context,omitempty"`
	Decision     string        `json:"decision"`
	Consequences []string      `json:"consequences,omitempty"`
	Alternatives []Alternative `json:"alternatives,omitempty"`
	Status       string        `json:"status"`
	SupersededBy string        `json:"superseded_by,omitempty"`
	Tags         []string      `json:"tags,omitempty"`
	CreatedAt    time.Time     `json:"created_at,omitempty"`
}

// Checkpoint is one progress record appended to a task.
type Checkpoint struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Progress   int       `json:"progress"`
	Notes      string    `json:"notes,omitempty"`
	RecordedBy string    `json:"recorded_by,omitempty"`
}

// TaskProgress tracks one work item of an epic. TaskID is the remote tracker
// item number in decimal form.
type TaskProgress struct {
	TaskID               string       `json:"task_id"`
	EpicID               string       `json:"epic_id"`
	Title                string       `json:"title"`
	Status               string       `json:"status"`
	Progress             int          `json:"progress"` // 0..100
	AssignedTo           string       `json:"assigned_to,omitempty"`
	RequiredCapabilities []string     `json:"required_capabilities,omitempty"`
	Domain               string       `json:"domain,omitempty"` // optional specialization domain
	StartedAt            *time.Time   `json:"started_at,omitempty"`
	CompletedAt          *time.Time   `json:"completed_at,omitempty"`
	EstimatedHours       float64      `json:"estimated_hours,omitempty"`
	ActualHours          float64      `json:"actual_hours,omitempty"`
	Blockers             []string     `json:"blockers,omitempty"`
	Dependencies         []string     `json:"dependencies,omitempty"` // other task ids
	Checkpoints          []Checkpoint `json:"checkpoints,omitempty"`
}

// AgentAssignment is the persisted record of an agent holding (or having held)
// responsibility for epic work. One record per (agent, epic); task ids accumulate.
type AgentAssignment struct {
	AgentID          string      `json:"agent_id"`
	EpicID           string      `json:"epic_id"`
	Role             string      `json:"role"`
	AssignedAt       time.Time   `json:"assigned_at"`
	AssignedBy       string      `json:"assigned_by,omitempty"`
	Responsibilities []string    `json:"responsibilities,omitempty"`
	Permissions      []string    `json:"permissions,omitempty"`
	TaskIDs          []string    `json:"task_ids,omitempty"`
	Status           string      `json:"status"`
	LastScore        *AgentScore `json:"last_score,omitempty"` // score metadata from the most recent claim
}

// ScoreBreakdown holds the five eligibility factors, each normalized to [0,100].
type ScoreBreakdown struct {
	CapabilityMatch    float64 `json:"capability_match"`
	PerformanceHistory float64 `json:"performance_history"`
	Availability       float64 `json:"availability"`
	Specialization     float64 `json:"specialization"`
	Experience         float64 `json:"experience"`
}

// ScoreWeights weights the five factors. The weights must sum to 1.0.
type ScoreWeights struct {
	CapabilityMatch    float64 `json:"capability_match" yaml:"capability_match"`
	PerformanceHistory float64 `json:"performance_history" yaml:"performance_history"`
	Availability       float64 `json:"availability" yaml:"availability"`
	Specialization     float64 `json:"specialization" yaml:"specialization"`
	Experience         float64 `json:"experience" yaml:"experience"`
}

// Sum returns the total of all five weights.
func (w ScoreWeights) Sum() float64 {
	return w.CapabilityMatch + w.PerformanceHistory + w.Availability + w.Specialization + w.Experience
}

// AgentScore is the computed eligibility of an (agent, task) pair. Ephemeral:
// computed on demand, persisted only as metadata on an AgentAssignment.
type AgentScore struct {
	AgentID        string         `json:"agent_id"`
	TaskID         string         `json:"task_id"`
	Breakdown      ScoreBreakdown `json:"breakdown"`
	Weights        ScoreWeights   `json:"weights"`
	TotalScore     float64        `json:"total_score"`
	MeetsThreshold bool           `json:"meets_threshold"`
	Threshold      float64        `json:"threshold"`
}

// PerformanceRecord is one completed-task outcome in an agent's history.
type PerformanceRecord struct {
	TaskID      string    `json:"task_id"`
	EpicID      string    `json:"epic_id,omitempty"`
	Success     bool      `json:"success"`
	Quality     float64   `json:"quality"` // 0..100
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// AgentProfile describes an agent's capabilities and current load for scoring.
type AgentProfile struct {
	ID                 string              `json:"id"`
	Name               string              `json:"name,omitempty"`
	Capabilities       []string            `json:"capabilities,omitempty"`
	Specializations    []string            `json:"specializations,omitempty"`
	MaxConcurrentTasks int                 `json:"max_concurrent_tasks"`
	CurrentLoad        int                 `json:"current_load"`
	Status             string              `json:"status,omitempty"` // available, busy, offline
	History            []PerformanceRecord `json:"history,omitempty"`
}

// Conflict is a detected divergence between local and remote state for one field.
type Conflict struct {
	ID          string    `json:"id"`
	Key         string    `json:"key"`
	LocalValue  any       `json:"local_value"`
	RemoteValue any       `json:"remote_value"`
	Timestamp   time.Time `json:"timestamp"`
	Resolved    bool      `json:"resolved"`
	Resolution  string    `json:"resolution,omitempty"` // strategy used
}

// SyncState is the snapshot of reconciliation state for one epic.
type SyncState struct {
	EpicID         string         `json:"epic_id"`
	LastSyncAt     time.Time      `json:"last_sync_at"`
	SyncDirection  string         `json:"sync_direction"`
	Conflicts      []Conflict     `json:"conflicts,omitempty"`
	PendingChanges int            `json:"pending_changes"`
	Status         string         `json:"status"`
	ContentHash    string         `json:"content_hash,omitempty"`
	ParentIssue    int            `json:"parent_issue,omitempty"`
	MilestoneIDs   map[string]int `json:"milestone_ids,omitempty"` // phase title -> remote milestone number
	TaskIssues     []int          `json:"task_issues,omitempty"`   // child item numbers
}

// PhaseSpec is one delivery phase in an epic spec file; becomes a milestone.
type PhaseSpec struct {
	Title       string     `json:"title" yaml:"title"`
	Description string     `json:"description,omitempty" yaml:"description,omitempty"`
	DueDate     *time.Time `json:"due_date,omitempty" yaml:"due_date,omitempty"`
}

// StorySpec is one requirement/user story in an epic spec file; becomes a child task item.
type StorySpec struct {
	Title                string   `json:"title" yaml:"title"`
	Description          string   `json:"description,omitempty" yaml:"description,omitempty"`
	Phase                string   `json:"phase,omitempty" yaml:"phase,omitempty"` // phase title, for milestone linkage
	RequiredCapabilities []string `json:"required_capabilities,omitempty" yaml:"required_capabilities,omitempty"`
	Domain               string   `json:"domain,omitempty" yaml:"domain,omitempty"`
	EstimatedHours       float64  `json:"estimated_hours,omitempty" yaml:"estimated_hours,omitempty"`
	Labels               []string `json:"labels,omitempty" yaml:"labels,omitempty"`
}

// EpicSpec is the declarative input to epic creation (e.g. from a YAML file).
type EpicSpec struct {
	Title       string      `json:"title" yaml:"title"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`
	Owner       string      `json:"owner,omitempty" yaml:"owner,omitempty"`
	Tags        []string    `json:"tags,omitempty" yaml:"tags,omitempty"`
	Objectives  []string    `json:"objectives,omitempty" yaml:"objectives,omitempty"`
	Constraints []string    `json:"constraints,omitempty" yaml:"constraints,omitempty"`
	Phases      []PhaseSpec `json:"phases,omitempty" yaml:"phases,omitempty"`
	Stories     []StorySpec `json:"stories,omitempty" yaml:"stories,omitempty"`
}

// EpicStats aggregates a diagnostic snapshot of one epic's stored state.
type EpicStats struct {
	EpicID         string         `json:"epic_id"`
	HasContext     bool           `json:"has_context"`
	DecisionCount  int            `json:"decision_count"`
	TaskCount      int            `json:"task_count"`
	TasksByStatus  map[string]int `json:"tasks_by_status,omitempty"`
	AgentCount     int            `json:"agent_count"`
	CompletedTasks int            `json:"completed_tasks"`
	LastSyncAt     *time.Time     `json:"last_sync_at,omitempty"`
}

// EpicExport is a full snapshot of everything stored for one epic.
type EpicExport struct {
	Context     *EpicContext      `json:"context,omitempty"`
	Decisions   []Decision        `json:"decisions,omitempty"`
	Tasks       []TaskProgress    `json:"tasks,omitempty"`
	Assignments []AgentAssignment `json:"assignments,omitempty"`
	SyncState   *SyncState        `json:"sync_state,omitempty"`
	ExportedAt  time.Time         `json:"exported_at"`
}
