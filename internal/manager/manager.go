// Package manager runs a minimal rule-based coordinator over the event hub:
// it reacts to task completions by refreshing remote epic progress and, when
// configured, closes epics whose tasks have all finished.
package manager

import (
	"context"
	"log/slog"

	"github.com/rob-otix-ai/cto-flow-sub001/internal/epicmem"
	"github.com/rob-otix-ai/cto-flow-sub001/internal/events"
	"github.com/rob-otix-ai/cto-flow-sub001/internal/syncer"
	"github.com/rob-otix-ai/cto-flow-sub001/pkg/models"
)

// Options configures the coordinator rules.
type Options struct {
	// AutoClose closes an epic once every one of its tasks has finished.
	AutoClose bool
	Logger    *slog.Logger
}

// Manager ties the event hub to the sync engine.
type Manager struct {
	mem       *epicmem.Manager
	sync      *syncer.Engine
	hub       *events.Hub
	autoClose bool
	log       *slog.Logger
}

// New builds a Manager. It does nothing until Run is called.
func New(mem *epicmem.Manager, eng *syncer.Engine, hub *events.Hub, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		mem:       mem,
		sync:      eng,
		hub:       hub,
		autoClose: opts.AutoClose,
		log:       opts.Logger.With("component", "manager"),
	}
}

// Run subscribes to the hub and applies rules until the context is done.
// Rule failures are logged, never fatal: a sync hiccup on one epic must not
// stop coordination for the rest.
func (m *Manager) Run(ctx context.Context) {
	ch := m.hub.Subscribe()
	defer m.hub.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			m.Handle(ctx, ev)
		}
	}
}

// Handle applies the coordination rules to one event.
func (m *Manager) Handle(ctx context.Context, ev events.Event) {
	switch ev.Type {
	case events.TaskCompleted:
		m.onTaskCompleted(ctx, ev)
	case events.SyncConflict:
		m.log.Warn("sync conflict detected", "epic", ev.EpicID, "detail", ev.Detail)
	case events.OperationError:
		m.log.Error("operation failed", "epic", ev.EpicID, "task", ev.TaskID, "agent", ev.AgentID, "detail", ev.Detail)
	}
}

func (m *Manager) onTaskCompleted(ctx context.Context, ev events.Event) {
	if ev.EpicID == "" {
		return
	}
	if err := m.sync.UpdateEpicProgress(ctx, ev.EpicID); err != nil {
		m.log.Warn("progress update failed", "epic", ev.EpicID, "error", err)
		return
	}
	if !m.autoClose {
		return
	}
	tasks, err := m.mem.GetEpicTasks(ctx, ev.EpicID)
	if err != nil {
		m.log.Warn("task listing failed", "epic", ev.EpicID, "error", err)
		return
	}
	if len(tasks) == 0 {
		return
	}
	for _, t := range tasks {
		if models.TaskStatusOpen(t.Status) {
			return
		}
	}
	if err := m.sync.CloseEpic(ctx, ev.EpicID); err != nil {
		m.log.Warn("auto-close failed", "epic", ev.EpicID, "error", err)
	}
}
