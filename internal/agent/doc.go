// Package agent tracks agent availability and selects agents for conversations.
//
// # Overview
//
// Three pieces live here:
//
//   - Tracker: each agent's status (online, busy, away, offline) and last activity
//   - WorkloadCounter: open conversation counts per agent, read from the store
//   - Router: least-loaded selection of an eligible online agent
//
// # Tracker
//
// SetAgentStatus writes to the store before touching local state:
//
//	tracker := agent.NewTracker(store, logger)
//	err := tracker.SetAgentStatus(ctx, "agent-1", store.AgentOnline)
//
// Agents that never reported a status are offline. Sync pulls in status
// written by other processes sharing the store. The router and workload
// counter read status from the store rows directly.
//
// # Selection
//
// An agent is eligible when it is active, has role agent or admin, is online,
// matches the requested language exactly, and has fewer open conversations
// than its capacity. Among eligible agents the lowest load wins; ties go to
// the lowest agent ID.
//
// Department filters are resolved through a Directory. A lookup failure is
// returned to the caller rather than ignored.
//
// # Reservations
//
// FindAvailableAgent only reads. Callers about to assign use Reserve, which
// selects and holds a slot under a per-tenant lock:
//
//	res, err := router.Reserve(ctx, tenantID, department, language)
//	if err != nil {
//	    return err
//	}
//	defer res.Release()
//
// Held slots count toward an agent's load until released. Capacity across
// processes is enforced separately by the store's conditional update.
package agent
