// ABOUTME: Queue statistics for a tenant: depth, wait times, service level, agent counts
// ABOUTME: Agent counts come from tracked availability and workloads, not queue state

package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/2389/switchboard/internal/store"
)

// Statistics summarizes a tenant's queue.
type Statistics struct {
	TotalQueued        int
	HighPriorityQueued int // high and urgent
	AverageWaitTime    time.Duration
	LongestWaitTime    time.Duration
	AvailableAgents    int
	BusyAgents         int
	// ServiceLevel is the percentage of queued conversations waiting no
	// longer than ServiceLevelTarget. 100 when the queue is empty.
	ServiceLevel       float64
	ServiceLevelTarget time.Duration
}

// Statistics computes the tenant's queue statistics.
func (m *Manager) Statistics(ctx context.Context, tenantID string) (*Statistics, error) {
	entries, err := m.List(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	stats := &Statistics{
		TotalQueued:        len(entries),
		ServiceLevel:       100,
		ServiceLevelTarget: m.target,
	}

	if len(entries) > 0 {
		var total time.Duration
		within := 0
		for _, e := range entries {
			total += e.WaitTime
			if e.WaitTime > stats.LongestWaitTime {
				stats.LongestWaitTime = e.WaitTime
			}
			if e.Priority >= store.PriorityHigh {
				stats.HighPriorityQueued++
			}
			if e.WaitTime <= m.target {
				within++
			}
		}
		stats.AverageWaitTime = total / time.Duration(len(entries))
		stats.ServiceLevel = float64(within) * 100 / float64(len(entries))
	}

	if m.workloads != nil {
		rows, err := m.workloads.Workloads(ctx, tenantID)
		if err != nil {
			return nil, fmt.Errorf("loading workloads: %w", err)
		}
		for _, w := range rows {
			switch {
			case w.Status == store.AgentOnline && !w.AtCapacity():
				stats.AvailableAgents++
			case w.Status == store.AgentBusy, w.Status == store.AgentOnline:
				stats.BusyAgents++
			}
		}
	}

	return stats, nil
}
