// ABOUTME: Availability tracker holding each agent's reported status and last activity
// ABOUTME: Writes through to the store first and re-syncs from it so processes share one view

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/switchboard/internal/store"
)

// ErrInvalidStatus indicates an unknown agent status value.
var ErrInvalidStatus = errors.New("invalid agent status")

// StatusStore persists agent availability.
type StatusStore interface {
	UpdateAgentStatus(ctx context.Context, id string, status store.AgentStatus, at time.Time) error
	ListAgentStatuses(ctx context.Context) ([]*store.Agent, error)
}

// Availability is an agent's current status and when it last did something.
type Availability struct {
	Status         store.AgentStatus
	LastActivityAt time.Time
}

// Tracker holds agent availability. It applies no business rules.
type Tracker struct {
	mu      sync.RWMutex
	entries map[string]Availability
	store   StatusStore
	now     func() time.Time
	logger  *slog.Logger
}

// NewTracker creates a Tracker. A nil store keeps state in memory only.
func NewTracker(s StatusStore, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		entries: make(map[string]Availability),
		store:   s,
		now:     time.Now,
		logger:  logger.With("component", "availability"),
	}
}

// Load seeds the tracker from the store.
func (t *Tracker) Load(ctx context.Context) error {
	n, err := t.reconcile(ctx)
	if err != nil {
		return fmt.Errorf("loading agent statuses: %w", err)
	}
	t.logger.Info("agent availability loaded", "agents", n)
	return nil
}

// Sync refreshes local state from the store, picking up status changes
// written by other processes. A local activity time newer than the stored
// one is kept.
func (t *Tracker) Sync(ctx context.Context) error {
	if _, err := t.reconcile(ctx); err != nil {
		return fmt.Errorf("syncing agent statuses: %w", err)
	}
	return nil
}

func (t *Tracker) reconcile(ctx context.Context) (int, error) {
	if t.store == nil {
		return 0, nil
	}
	agents, err := t.store.ListAgentStatuses(ctx)
	if err != nil {
		return 0, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, a := range agents {
		next := Availability{Status: a.Status, LastActivityAt: a.LastActivityAt}
		if cur, ok := t.entries[a.ID]; ok && cur.LastActivityAt.After(next.LastActivityAt) {
			next.LastActivityAt = cur.LastActivityAt
		}
		t.entries[a.ID] = next
	}
	return len(agents), nil
}

// SetAgentStatus overwrites the agent's status and refreshes its last activity.
// Agents unknown to the store are tracked anyway.
func (t *Tracker) SetAgentStatus(ctx context.Context, agentID string, status store.AgentStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	now := t.now()

	if t.store != nil {
		err := t.store.UpdateAgentStatus(ctx, agentID, status, now)
		switch {
		case errors.Is(err, store.ErrNotFound):
			t.logger.Debug("status set for agent without a record", "agent_id", agentID)
		case err != nil:
			return fmt.Errorf("persisting agent status: %w", err)
		}
	}

	t.mu.Lock()
	previous := t.entries[agentID].Status
	t.entries[agentID] = Availability{Status: status, LastActivityAt: now}
	t.mu.Unlock()

	t.logger.Info("agent status changed",
		"agent_id", agentID,
		"from", statusOrOffline(previous),
		"to", status,
	)
	return nil
}

// GetAgentStatus returns the agent's status, or offline if it never reported one.
func (t *Tracker) GetAgentStatus(agentID string) store.AgentStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return statusOrOffline(t.entries[agentID].Status)
}

// Availability returns the tracked entry for the agent.
func (t *Tracker) Availability(agentID string) (Availability, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	a, ok := t.entries[agentID]
	if ok {
		a.Status = statusOrOffline(a.Status)
	}
	return a, ok
}

// Touch refreshes the agent's last activity without changing its status.
func (t *Tracker) Touch(agentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	a := t.entries[agentID]
	a.Status = statusOrOffline(a.Status)
	a.LastActivityAt = t.now()
	t.entries[agentID] = a
}

func statusOrOffline(s store.AgentStatus) store.AgentStatus {
	if s == "" {
		return store.AgentOffline
	}
	return s
}
