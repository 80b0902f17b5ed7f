// ABOUTME: HTTP API handlers exposing routing, queue and availability operations
// ABOUTME: Maps routing outcomes to status codes and streams tenant events over SSE

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/switchboard/internal/agent"
	"github.com/2389/switchboard/internal/queue"
	"github.com/2389/switchboard/internal/routing"
	"github.com/2389/switchboard/internal/store"
)

// sseKeepAlive is how often an idle event stream receives a comment line.
const sseKeepAlive = 30 * time.Second

// AssignRequest is the JSON request body for POST /api/conversations/{id}/assign.
type AssignRequest struct {
	AgentID string `json:"agent_id"`
}

// TransferRequest is the JSON request body for POST /api/conversations/{id}/transfer.
type TransferRequest struct {
	FromAgentID string `json:"from_agent_id"`
	ToAgentID   string `json:"to_agent_id"`
}

// QueueRequest is the JSON request body for POST /api/conversations/{id}/queue.
type QueueRequest struct {
	Priority string `json:"priority,omitempty"` // low, normal, high, urgent; default normal
}

// EscalateRequest is the JSON request body for POST /api/conversations/{id}/escalate.
type EscalateRequest struct {
	Reason string `json:"reason"`
}

// StatusRequest is the JSON request body for PUT /api/agents/{id}/status.
type StatusRequest struct {
	Status string `json:"status"`
}

// DepartmentsRequest is the JSON request body for PUT /api/agents/{id}/departments.
type DepartmentsRequest struct {
	Departments []string `json:"departments"`
}

// RouteResponse is the JSON response for POST /api/conversations/{id}/route.
type RouteResponse struct {
	ConversationID string              `json:"conversation_id"`
	Assigned       bool                `json:"assigned"`
	AgentID        string              `json:"agent_id,omitempty"`
	Queue          *QueueEntryResponse `json:"queue,omitempty"`
}

// QueueEntryResponse is one queued conversation.
type QueueEntryResponse struct {
	ConversationID string         `json:"conversation_id"`
	TenantID       string         `json:"tenant_id"`
	Priority       store.Priority `json:"priority"`
	Position       int            `json:"position"`
	QueuedAt       string         `json:"queued_at"`
	WaitSeconds    float64        `json:"wait_seconds"`
	Department     string         `json:"department,omitempty"`
	Language       string         `json:"language,omitempty"`
}

// QueueStatsResponse is the JSON response for GET /api/tenants/{tenant}/queue/stats.
type QueueStatsResponse struct {
	TotalQueued        int     `json:"total_queued"`
	HighPriorityQueued int     `json:"high_priority_queued"`
	AverageWaitSeconds float64 `json:"average_wait_seconds"`
	LongestWaitSeconds float64 `json:"longest_wait_seconds"`
	AvailableAgents    int     `json:"available_agents"`
	BusyAgents         int     `json:"busy_agents"`
	ServiceLevel       float64 `json:"service_level"`
	ServiceLevelTarget float64 `json:"service_level_target_seconds"`
}

// ConversationResponse is one conversation assigned to an agent.
type ConversationResponse struct {
	ID         string                   `json:"id"`
	TenantID   string                   `json:"tenant_id"`
	Status     store.ConversationStatus `json:"status"`
	Priority   store.Priority           `json:"priority"`
	Department string                   `json:"department,omitempty"`
	Language   string                   `json:"language,omitempty"`
	UpdatedAt  string                   `json:"updated_at"`
}

// HistoryEventResponse is one routing event in a conversation's history.
type HistoryEventResponse struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	AgentID     string         `json:"agent_id,omitempty"`
	FromAgentID string         `json:"from_agent_id,omitempty"`
	Priority    store.Priority `json:"priority"`
	Reason      string         `json:"reason,omitempty"`
	OccurredAt  string         `json:"occurred_at"`
}

// HistoryResponse is a page of a conversation's routing history.
type HistoryResponse struct {
	ConversationID string                 `json:"conversation_id"`
	Events         []HistoryEventResponse `json:"events"`
	NextCursor     string                 `json:"next_cursor,omitempty"`
}

// AgentStatusResponse is the JSON response for agent status reads and writes.
type AgentStatusResponse struct {
	AgentID string            `json:"agent_id"`
	Status  store.AgentStatus `json:"status"`
}

// registerAPIRoutes registers the routing API on the mux.
func (g *Gateway) registerAPIRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/conversations/{id}/route", g.handleRoute)
	mux.HandleFunc("POST /api/conversations/{id}/assign", g.handleAssign)
	mux.HandleFunc("POST /api/conversations/{id}/transfer", g.handleTransfer)
	mux.HandleFunc("POST /api/conversations/{id}/queue", g.handleEnqueue)
	mux.HandleFunc("DELETE /api/conversations/{id}/queue", g.handleDequeue)
	mux.HandleFunc("POST /api/conversations/{id}/escalate", g.handleEscalate)
	mux.HandleFunc("GET /api/conversations/{id}/history", g.handleHistory)

	mux.HandleFunc("GET /api/tenants/{tenant}/agents/available", g.handleAvailableAgent)
	mux.HandleFunc("GET /api/tenants/{tenant}/workloads", g.handleWorkloads)
	mux.HandleFunc("GET /api/tenants/{tenant}/queue", g.handleListQueue)
	mux.HandleFunc("GET /api/tenants/{tenant}/queue/next", g.handleNextInQueue)
	mux.HandleFunc("GET /api/tenants/{tenant}/queue/stats", g.handleQueueStats)
	mux.HandleFunc("GET /api/tenants/{tenant}/events", g.handleEvents)

	mux.HandleFunc("GET /api/agents/{id}/status", g.handleGetAgentStatus)
	mux.HandleFunc("PUT /api/agents/{id}/status", g.handleSetAgentStatus)
	mux.HandleFunc("GET /api/agents/{id}/conversations", g.handleAgentConversations)
	mux.HandleFunc("PUT /api/agents/{id}/departments", g.handleSetDepartments)
}

// handleRoute handles POST /api/conversations/{id}/route.
func (g *Gateway) handleRoute(w http.ResponseWriter, r *http.Request) {
	res, err := g.service.RouteConversation(r.Context(), r.PathValue("id"))
	if err != nil {
		g.sendRoutingError(w, err)
		return
	}

	resp := RouteResponse{
		ConversationID: res.ConversationID,
		Assigned:       res.Assigned(),
		AgentID:        res.AgentID,
	}
	if res.Entry != nil {
		entry := queueEntryResponse(*res.Entry)
		resp.Queue = &entry
	}
	g.sendJSON(w, http.StatusOK, resp)
}

// handleAssign handles POST /api/conversations/{id}/assign.
func (g *Gateway) handleAssign(w http.ResponseWriter, r *http.Request) {
	var req AssignRequest
	if !g.decodeBody(w, r, &req) {
		return
	}
	if req.AgentID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "agent_id is required")
		return
	}

	id := r.PathValue("id")
	if err := g.service.AssignConversationToAgent(r.Context(), id, req.AgentID); err != nil {
		g.sendRoutingError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]string{"conversation_id": id, "agent_id": req.AgentID})
}

// handleTransfer handles POST /api/conversations/{id}/transfer.
func (g *Gateway) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if !g.decodeBody(w, r, &req) {
		return
	}

	id := r.PathValue("id")
	if err := g.service.TransferConversation(r.Context(), id, req.FromAgentID, req.ToAgentID); err != nil {
		g.sendRoutingError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]string{"conversation_id": id, "agent_id": req.ToAgentID})
}

// handleEnqueue handles POST /api/conversations/{id}/queue.
func (g *Gateway) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req QueueRequest
	if r.ContentLength != 0 && !g.decodeBody(w, r, &req) {
		return
	}
	priority, err := store.ParsePriority(req.Priority)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	entry, err := g.service.AddToQueue(r.Context(), r.PathValue("id"), priority)
	if err != nil {
		g.sendRoutingError(w, err)
		return
	}
	g.sendJSON(w, http.StatusCreated, queueEntryResponse(*entry))
}

// handleDequeue handles DELETE /api/conversations/{id}/queue.
// With ?cancel=resolved|closed the conversation is cancelled instead of
// restored to its previous state.
func (g *Gateway) handleDequeue(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var (
		removed bool
		err     error
	)
	if cancel := r.URL.Query().Get("cancel"); cancel != "" {
		removed, err = g.service.CancelQueuedConversation(r.Context(), id, store.ConversationStatus(cancel))
	} else {
		removed, err = g.service.RemoveFromQueue(r.Context(), id)
	}
	if err != nil {
		g.sendRoutingError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]any{"conversation_id": id, "removed": removed})
}

// handleEscalate handles POST /api/conversations/{id}/escalate.
func (g *Gateway) handleEscalate(w http.ResponseWriter, r *http.Request) {
	var req EscalateRequest
	if r.ContentLength != 0 && !g.decodeBody(w, r, &req) {
		return
	}

	entry, err := g.service.EscalateConversation(r.Context(), r.PathValue("id"), req.Reason)
	if err != nil {
		g.sendRoutingError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, queueEntryResponse(*entry))
}

// handleHistory handles GET /api/conversations/{id}/history.
func (g *Gateway) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	q := r.URL.Query()

	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	page, err := g.store.ListRoutingEvents(r.Context(), store.HistoryParams{
		ConversationID: id,
		Limit:          limit,
		Cursor:         q.Get("cursor"),
	})
	if errors.Is(err, store.ErrInvalidCursor) {
		g.sendJSONError(w, http.StatusBadRequest, "invalid cursor")
		return
	}
	if err != nil {
		g.logger.Error("failed to list history", "conversation_id", id, "error", err)
		g.sendJSONError(w, http.StatusServiceUnavailable, "temporarily unavailable")
		return
	}

	resp := HistoryResponse{
		ConversationID: id,
		Events:         make([]HistoryEventResponse, 0, len(page.Events)),
		NextCursor:     page.NextCursor,
	}
	for _, e := range page.Events {
		resp.Events = append(resp.Events, HistoryEventResponse{
			ID:          e.ID,
			Type:        e.Type,
			AgentID:     e.AgentID,
			FromAgentID: e.FromAgentID,
			Priority:    e.Priority,
			Reason:      e.Reason,
			OccurredAt:  e.OccurredAt.UTC().Format(time.RFC3339Nano),
		})
	}
	g.sendJSON(w, http.StatusOK, resp)
}

// handleAvailableAgent handles GET /api/tenants/{tenant}/agents/available.
func (g *Gateway) handleAvailableAgent(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	agentID, err := g.service.FindAvailableAgent(r.Context(), r.PathValue("tenant"), q.Get("department"), q.Get("language"))
	if err != nil {
		g.sendRoutingError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]string{"agent_id": agentID})
}

// handleWorkloads handles GET /api/tenants/{tenant}/workloads.
func (g *Gateway) handleWorkloads(w http.ResponseWriter, r *http.Request) {
	rows, err := g.service.GetAgentWorkloads(r.Context(), r.PathValue("tenant"))
	if err != nil {
		g.sendRoutingError(w, err)
		return
	}
	if rows == nil {
		rows = []agent.Workload{}
	}
	g.sendJSON(w, http.StatusOK, rows)
}

// handleListQueue handles GET /api/tenants/{tenant}/queue.
func (g *Gateway) handleListQueue(w http.ResponseWriter, r *http.Request) {
	entries, err := g.service.GetQueuedConversations(r.Context(), r.PathValue("tenant"))
	if err != nil {
		g.sendRoutingError(w, err)
		return
	}

	resp := make([]QueueEntryResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, queueEntryResponse(e))
	}
	g.sendJSON(w, http.StatusOK, resp)
}

// handleNextInQueue handles GET /api/tenants/{tenant}/queue/next.
func (g *Gateway) handleNextInQueue(w http.ResponseWriter, r *http.Request) {
	entry, err := g.service.GetNextInQueue(r.Context(), r.PathValue("tenant"), r.URL.Query().Get("department"))
	if err != nil {
		g.sendRoutingError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, queueEntryResponse(*entry))
}

// handleQueueStats handles GET /api/tenants/{tenant}/queue/stats.
func (g *Gateway) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := g.service.GetQueueStatistics(r.Context(), r.PathValue("tenant"))
	if err != nil {
		g.sendRoutingError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, QueueStatsResponse{
		TotalQueued:        stats.TotalQueued,
		HighPriorityQueued: stats.HighPriorityQueued,
		AverageWaitSeconds: stats.AverageWaitTime.Seconds(),
		LongestWaitSeconds: stats.LongestWaitTime.Seconds(),
		AvailableAgents:    stats.AvailableAgents,
		BusyAgents:         stats.BusyAgents,
		ServiceLevel:       stats.ServiceLevel,
		ServiceLevelTarget: stats.ServiceLevelTarget.Seconds(),
	})
}

// handleEvents handles GET /api/tenants/{tenant}/events.
// It streams the tenant's routing events until the client disconnects.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	tenantID := r.PathValue("tenant")
	events, _ := g.broadcaster.Subscribe(r.Context(), tenantID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	g.writeSSEEvent(w, "subscribed", map[string]string{"tenant_id": tenantID})
	flusher.Flush()

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case event, ok := <-events:
			if !ok {
				return
			}
			g.writeSSEEvent(w, string(event.Type), event)
			flusher.Flush()
		}
	}
}

// handleGetAgentStatus handles GET /api/agents/{id}/status.
func (g *Gateway) handleGetAgentStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	g.sendJSON(w, http.StatusOK, AgentStatusResponse{AgentID: id, Status: g.service.GetAgentStatus(id)})
}

// handleSetAgentStatus handles PUT /api/agents/{id}/status.
func (g *Gateway) handleSetAgentStatus(w http.ResponseWriter, r *http.Request) {
	var req StatusRequest
	if !g.decodeBody(w, r, &req) {
		return
	}

	id := r.PathValue("id")
	status := store.AgentStatus(req.Status)
	if err := g.service.SetAgentStatus(r.Context(), id, status); err != nil {
		g.sendRoutingError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, AgentStatusResponse{AgentID: id, Status: status})
}

// handleAgentConversations handles GET /api/agents/{id}/conversations.
func (g *Gateway) handleAgentConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := g.service.GetAgentConversations(r.Context(), r.PathValue("id"))
	if err != nil {
		g.sendRoutingError(w, err)
		return
	}

	resp := make([]ConversationResponse, 0, len(convs))
	for _, c := range convs {
		resp = append(resp, ConversationResponse{
			ID:         c.ID,
			TenantID:   c.TenantID,
			Status:     c.Status,
			Priority:   c.Priority,
			Department: c.Department,
			Language:   c.Language,
			UpdatedAt:  c.UpdatedAt.UTC().Format(time.RFC3339),
		})
	}
	g.sendJSON(w, http.StatusOK, resp)
}

// handleSetDepartments handles PUT /api/agents/{id}/departments.
func (g *Gateway) handleSetDepartments(w http.ResponseWriter, r *http.Request) {
	var req DepartmentsRequest
	if !g.decodeBody(w, r, &req) {
		return
	}

	id := r.PathValue("id")
	if _, err := g.store.GetAgent(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			g.sendJSONError(w, http.StatusNotFound, "agent not found")
			return
		}
		g.logger.Error("failed to load agent", "agent_id", id, "error", err)
		g.sendJSONError(w, http.StatusServiceUnavailable, "temporarily unavailable")
		return
	}

	if err := g.directory.SetAgentDepartments(r.Context(), id, req.Departments); err != nil {
		g.logger.Error("failed to set departments", "agent_id", id, "error", err)
		g.sendJSONError(w, http.StatusServiceUnavailable, "temporarily unavailable")
		return
	}
	// New memberships may make queued conversations routable.
	g.service.Kick()
	g.sendJSON(w, http.StatusOK, map[string]any{"agent_id": id, "departments": req.Departments})
}

func queueEntryResponse(e queue.Entry) QueueEntryResponse {
	return QueueEntryResponse{
		ConversationID: e.ConversationID,
		TenantID:       e.TenantID,
		Priority:       e.Priority,
		Position:       e.Position,
		QueuedAt:       e.QueuedAt.UTC().Format(time.RFC3339),
		WaitSeconds:    e.WaitTime.Seconds(),
		Department:     e.Department,
		Language:       e.Language,
	}
}

// decodeBody decodes the JSON request body into v, writing a 400 on failure.
func (g *Gateway) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// sendRoutingError writes the status code matching the error's outcome.
// Transient failures were already logged by the service.
func (g *Gateway) sendRoutingError(w http.ResponseWriter, err error) {
	switch routing.OutcomeOf(err) {
	case routing.OutcomeNotFound:
		g.sendJSONError(w, http.StatusNotFound, err.Error())
	case routing.OutcomeConflict:
		g.sendJSONError(w, http.StatusConflict, err.Error())
	case routing.OutcomeInvalid:
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
	default:
		g.sendJSONError(w, http.StatusServiceUnavailable, "temporarily unavailable")
	}
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

// sendJSON writes v as a JSON response.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.sendJSON(w, status, map[string]string{"error": message})
}
