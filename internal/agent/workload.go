// ABOUTME: Workload counter projecting open conversation counts per agent
// ABOUTME: Reads the tenant's counts in one batched query and never caches between calls

package agent

import (
	"context"
	"fmt"

	"github.com/2389/switchboard/internal/store"
)

// WorkloadStore is the read side the workload counter and router need.
type WorkloadStore interface {
	ListAgentsByTenant(ctx context.Context, tenantID string) ([]*store.Agent, error)
	CountActiveByAgent(ctx context.Context, tenantID string) (map[string]int, error)
	CountActiveForAgent(ctx context.Context, agentID string) (int, error)
}

// Workload is one row of a tenant's workload snapshot.
type Workload struct {
	AgentID     string            `json:"agent_id"`
	Name        string            `json:"name"`
	Status      store.AgentStatus `json:"status"`
	ActiveCount int               `json:"active_count"`
	MaxCount    int               `json:"max_count"`
}

// AtCapacity reports whether the agent cannot take another conversation.
func (w Workload) AtCapacity() bool {
	return w.ActiveCount >= w.MaxCount
}

// WorkloadCounter derives per-agent open conversation counts.
type WorkloadCounter struct {
	store WorkloadStore

	defaultCapacity int
}

// NewWorkloadCounter creates a WorkloadCounter.
func NewWorkloadCounter(s WorkloadStore) *WorkloadCounter {
	return &WorkloadCounter{store: s, defaultCapacity: store.DefaultMaxConcurrent}
}

// SetDefaultCapacity sets the limit used for agents with no recorded
// MaxConcurrent. Call before the counter is shared.
func (w *WorkloadCounter) SetDefaultCapacity(n int) {
	if n > 0 {
		w.defaultCapacity = n
	}
}

func (w *WorkloadCounter) capacity(a *store.Agent) int {
	if a.MaxConcurrent > 0 {
		return a.MaxConcurrent
	}
	return w.defaultCapacity
}

// ActiveConversationCount returns the agent's non-terminal assigned conversation count.
func (w *WorkloadCounter) ActiveConversationCount(ctx context.Context, agentID string) (int, error) {
	n, err := w.store.CountActiveForAgent(ctx, agentID)
	if err != nil {
		return 0, fmt.Errorf("counting conversations for %s: %w", agentID, err)
	}
	return n, nil
}

// Workloads returns one row per agent or admin in the tenant, ordered by agent ID.
func (w *WorkloadCounter) Workloads(ctx context.Context, tenantID string) ([]Workload, error) {
	agents, counts, err := w.snapshot(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	rows := make([]Workload, 0, len(agents))
	for _, a := range agents {
		if !a.Role.CanHandleConversations() {
			continue
		}
		rows = append(rows, Workload{
			AgentID:     a.ID,
			Name:        a.Name,
			Status:      statusOrOffline(a.Status),
			ActiveCount: counts[a.ID],
			MaxCount:    w.capacity(a),
		})
	}
	return rows, nil
}

// snapshot reads the tenant's agents and their open conversation counts.
func (w *WorkloadCounter) snapshot(ctx context.Context, tenantID string) ([]*store.Agent, map[string]int, error) {
	agents, err := w.store.ListAgentsByTenant(ctx, tenantID)
	if err != nil {
		return nil, nil, fmt.Errorf("listing agents: %w", err)
	}
	counts, err := w.store.CountActiveByAgent(ctx, tenantID)
	if err != nil {
		return nil, nil, fmt.Errorf("counting workloads: %w", err)
	}
	return agents, counts, nil
}
