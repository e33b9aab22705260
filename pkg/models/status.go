package models

import "time"

// Epic statuses.
const (
	EpicPlanning  = "planning"
	EpicActive    = "active"
	EpicPaused    = "paused"
	EpicBlocked   = "blocked"
	EpicReview    = "review"
	EpicCompleted = "completed"
	EpicArchived  = "archived"
)

// epicTransitions is the allowed epic status machine. Archived is terminal.
var epicTransitions = map[string][]string{
	EpicPlanning:  {EpicActive},
	EpicActive:    {EpicPaused, EpicBlocked, EpicReview},
	EpicPaused:    {EpicActive},
	EpicBlocked:   {EpicActive},
	EpicReview:    {EpicActive, EpicCompleted},
	EpicCompleted: {EpicArchived},
	EpicArchived:  nil,
}

// CanTransitionEpic reports whether an epic may move from one status to another.
func CanTransitionEpic(from, to string) bool {
	for _, s := range epicTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Milestone statuses.
const (
	MilestonePending    = "pending"
	MilestoneInProgress = "in_progress"
	MilestoneCompleted  = "completed"
	MilestoneBlocked    = "blocked"
)

// Task statuses.
const (
	TaskPending    = "pending"
	TaskAssigned   = "assigned"
	TaskInProgress = "in_progress"
	TaskReview     = "review"
	TaskBlocked    = "blocked"
	TaskCompleted  = "completed"
	TaskFailed     = "failed"
)

// TaskStatusOpen reports whether a task status counts as still open.
func TaskStatusOpen(status string) bool {
	switch status {
	case TaskCompleted, TaskFailed:
		return false
	}
	return true
}

// Assignment statuses.
const (
	AssignmentActive    = "active"
	AssignmentPaused    = "paused"
	AssignmentCompleted = "completed"
	AssignmentRemoved   = "removed"
)

// Decision statuses.
const (
	DecisionProposed   = "proposed"
	DecisionAccepted   = "accepted"
	DecisionDeprecated = "deprecated"
	DecisionSuperseded = "superseded"
)

// Agent availability statuses.
const (
	AgentAvailable = "available"
	AgentBusy      = "busy"
	AgentOffline   = "offline"
)

// Epic roles.
const (
	RoleCoordinator = "coordinator"
	RoleDeveloper   = "developer"
	RoleReviewer    = "reviewer"
	RoleNone        = "none"
)

// Sync statuses and directions.
const (
	SyncStatusSynced   = "synced"
	SyncStatusSyncing  = "syncing"
	SyncStatusConflict = "conflict"
	SyncStatusError    = "error"

	SyncDirectionPush          = "push"
	SyncDirectionPull          = "pull"
	SyncDirectionBidirectional = "bidirectional"
)

// Conflict resolution strategies.
const (
	ResolveRemoteWins = "remote_wins"
	ResolveLocalWins  = "local_wins"
	ResolveMerge      = "merge"
)

// Sync methods for the reconciliation loop.
const (
	SyncMethodPolling = "polling"
	SyncMethodWebhook = "webhook"
)

// Default limits and retention policies.
const (
	DefaultScoreThreshold   = 50.0
	DefaultContextCacheSize = 10
	DefaultContextCacheTTL  = 5 * time.Minute
	TaskRetention           = 30 * 24 * time.Hour
	SyncStateRetention      = time.Hour
	DefaultRateLimitPerHour = 5000
	DefaultPollInterval     = 60 * time.Second
	DefaultHistoryWindow    = 10 // performance records considered when scoring
)

// DefaultScoreWeights is the standard factor weighting used when a deployment
// does not configure its own.
var DefaultScoreWeights = ScoreWeights{
	CapabilityMatch:    0.4,
	PerformanceHistory: 0.2,
	Availability:       0.2,
	Specialization:     0.1,
	Experience:         0.1,
}
