// Package tracker defines the abstract remote issue/project tracker the sync
// engine talks to. The core never dials the network itself; deployments plug
// in a real client, tests and offline mode use the in-memory Fake.
package tracker

import (
	"context"
	"time"
)

// Item states.
const (
	StateOpen   = "open"
	StateClosed = "closed"
)

// Item is a remote tracker work item (e.g. an issue).
type Item struct {
	Number    int
	Title     string
	Body      string
	State     string
	Labels    []string
	Assignees []string
	Milestone int // 0 means none
	UpdatedAt time.Time
}

// NewItem is the payload for item creation.
type NewItem struct {
	Title     string
	Body      string
	Labels    []string
	Assignees []string
	Milestone int
}

// ItemPatch updates selected fields of an item. Nil fields are left unchanged.
type ItemPatch struct {
	Title  *string
	Body   *string
	State  *string
	Labels *[]string
}

// Milestone is a remote tracker milestone.
type Milestone struct {
	Number      int
	Title       string
	Description string
	DueOn       *time.Time
	State       string
}

// ListFilter narrows ListItems.
type ListFilter struct {
	Labels    []string // all must be present
	Milestone int      // 0 means any
	State     string   // "" means any
}

// Event is an externally delivered tracker notification (webhook or polling
// tick translation). Only the action and item identity matter to the core.
type Event struct {
	Action     string // opened, edited, closed, labeled, assigned
	ItemNumber int
	Labels     []string
	Repo       string
}

// Client is the remote tracker contract. All calls are idempotent-safe to
// retry except the Create operations, which need a dedupe check by the caller.
type Client interface {
	CreateItem(ctx context.Context, item NewItem) (Item, error)
	GetItem(ctx context.Context, number int) (Item, error)
	UpdateItem(ctx context.Context, number int, patch ItemPatch) (Item, error)
	CloseItem(ctx context.Context, number int) error
	ListItems(ctx context.Context, filter ListFilter) ([]Item, error)

	AddLabels(ctx context.Context, number int, labels ...string) error
	RemoveLabel(ctx context.Context, number int, label string) error

	AddAssignees(ctx context.Context, number int, assignees ...string) error
	RemoveAssignee(ctx context.Context, number int, assignee string) error

	CreateComment(ctx context.Context, number int, body string) error

	CreateMilestone(ctx context.Context, m Milestone) (Milestone, error)
	ListMilestones(ctx context.Context) ([]Milestone, error)
	UpdateMilestone(ctx context.Context, number int, m Milestone) (Milestone, error)
}
