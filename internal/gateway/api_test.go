// ABOUTME: Tests for the HTTP API handlers exposing routing operations
// ABOUTME: Verifies status code mapping, queue endpoints, departments, and the SSE event stream

package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/switchboard/internal/config"
	"github.com/2389/switchboard/internal/store"
)

func newTestGateway(t *testing.T) (*Gateway, *store.MockStore) {
	t.Helper()

	cfg := &config.Config{
		Server:   config.ServerConfig{HTTPAddr: "localhost:0"},
		Database: config.DatabaseConfig{Path: ":memory:"},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	s := store.NewMockStore()
	gw, err := NewWithStore(cfg, s, logger)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
	})
	return gw, s
}

func seedAgent(t *testing.T, s *store.MockStore, id string, maxConcurrent int) {
	t.Helper()
	require.NoError(t, s.CreateAgent(context.Background(), &store.Agent{
		ID:            id,
		TenantID:      "t1",
		Name:          id,
		Role:          store.RoleAgent,
		Active:        true,
		MaxConcurrent: maxConcurrent,
	}))
}

func seedConversation(t *testing.T, s *store.MockStore, id string) {
	t.Helper()
	require.NoError(t, s.CreateConversation(context.Background(), &store.Conversation{
		ID:       id,
		TenantID: "t1",
		Status:   store.ConversationQueued,
		Priority: store.PriorityNormal,
	}))
}

func doRequest(t *testing.T, gw *Gateway, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var errResp map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&errResp))
	return errResp["error"]
}

func TestHealthEndpoints(t *testing.T) {
	gw, _ := newTestGateway(t)

	rec := doRequest(t, gw, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	rec = doRequest(t, gw, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ready")
}

func TestRouteEndpoint(t *testing.T) {
	gw, s := newTestGateway(t)
	seedAgent(t, s, "a1", 1)
	seedConversation(t, s, "c1")
	seedConversation(t, s, "c2")

	rec := doRequest(t, gw, http.MethodPut, "/api/agents/a1/status", StatusRequest{Status: "online"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, gw, http.MethodPost, "/api/conversations/c1/route", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var routed RouteResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&routed))
	assert.True(t, routed.Assigned)
	assert.Equal(t, "a1", routed.AgentID)
	assert.Nil(t, routed.Queue)

	// a1 is at capacity, so c2 waits.
	rec = doRequest(t, gw, http.MethodPost, "/api/conversations/c2/route", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var queued RouteResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&queued))
	assert.False(t, queued.Assigned)
	require.NotNil(t, queued.Queue)
	assert.Equal(t, 1, queued.Queue.Position)
	assert.Equal(t, store.PriorityNormal, queued.Queue.Priority)

	rec = doRequest(t, gw, http.MethodPost, "/api/conversations/c1/route", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doRequest(t, gw, http.MethodPost, "/api/conversations/missing/route", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAssignAndTransferEndpoints(t *testing.T) {
	gw, s := newTestGateway(t)
	seedAgent(t, s, "a1", 5)
	seedAgent(t, s, "a2", 5)
	seedConversation(t, s, "c1")

	rec := doRequest(t, gw, http.MethodPost, "/api/conversations/c1/assign", AssignRequest{AgentID: "a1"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, gw, http.MethodPost, "/api/conversations/c1/assign", AssignRequest{AgentID: "a2"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doRequest(t, gw, http.MethodPost, "/api/conversations/c1/assign", AssignRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "agent_id is required", decodeError(t, rec))

	rec = doRequest(t, gw, http.MethodPost, "/api/conversations/c1/transfer", TransferRequest{FromAgentID: "a2", ToAgentID: "a1"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doRequest(t, gw, http.MethodPost, "/api/conversations/c1/transfer", TransferRequest{FromAgentID: "a1", ToAgentID: "a2"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, gw, http.MethodGet, "/api/agents/a2/conversations", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var convs []ConversationResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&convs))
	require.Len(t, convs, 1)
	assert.Equal(t, "c1", convs[0].ID)
	assert.Equal(t, store.ConversationActive, convs[0].Status)
}

func TestQueueEndpoints(t *testing.T) {
	gw, s := newTestGateway(t)
	seedConversation(t, s, "c1")
	seedConversation(t, s, "c2")

	rec := doRequest(t, gw, http.MethodPost, "/api/conversations/c1/queue", QueueRequest{Priority: "low"})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = doRequest(t, gw, http.MethodPost, "/api/conversations/c2/queue", QueueRequest{Priority: "high"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doRequest(t, gw, http.MethodPost, "/api/conversations/c2/queue", QueueRequest{Priority: "high"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doRequest(t, gw, http.MethodPost, "/api/conversations/c1/queue", QueueRequest{Priority: "whenever"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, gw, http.MethodPost, "/api/conversations/c1/escalate", EscalateRequest{Reason: "vip"})
	require.Equal(t, http.StatusOK, rec.Code)
	var escalated QueueEntryResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&escalated))
	assert.Equal(t, store.PriorityUrgent, escalated.Priority)
	assert.Equal(t, 1, escalated.Position)

	rec = doRequest(t, gw, http.MethodGet, "/api/tenants/t1/queue", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []QueueEntryResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&entries))
	require.Len(t, entries, 2)
	assert.Equal(t, "c1", entries[0].ConversationID)
	assert.Equal(t, "c2", entries[1].ConversationID)

	rec = doRequest(t, gw, http.MethodGet, "/api/tenants/t1/queue/next", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var next QueueEntryResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&next))
	assert.Equal(t, "c1", next.ConversationID)

	rec = doRequest(t, gw, http.MethodGet, "/api/tenants/t1/queue/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats QueueStatsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&stats))
	assert.Equal(t, 2, stats.TotalQueued)
	assert.Equal(t, 2, stats.HighPriorityQueued)
	assert.Equal(t, 100.0, stats.ServiceLevel)

	rec = doRequest(t, gw, http.MethodDelete, "/api/conversations/c2/queue?cancel=open", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, gw, http.MethodDelete, "/api/conversations/c2/queue?cancel=closed", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// c1 was waiting for routing before it was queued; only cancellation takes it out.
	rec = doRequest(t, gw, http.MethodDelete, "/api/conversations/c1/queue", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = doRequest(t, gw, http.MethodDelete, "/api/conversations/c1/queue?cancel=resolved", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, s.CreateConversation(context.Background(), &store.Conversation{
		ID:              "c3",
		TenantID:        "t1",
		Status:          store.ConversationActive,
		AssignedAgentID: "a1",
		Priority:        store.PriorityNormal,
	}))
	rec = doRequest(t, gw, http.MethodPost, "/api/conversations/c3/queue", QueueRequest{Priority: "normal"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doRequest(t, gw, http.MethodDelete, "/api/conversations/c3/queue", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var removed map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&removed))
	assert.Equal(t, true, removed["removed"])

	rec = doRequest(t, gw, http.MethodDelete, "/api/conversations/c3/queue", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	removed = nil
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&removed))
	assert.Equal(t, false, removed["removed"])

	rec = doRequest(t, gw, http.MethodGet, "/api/tenants/t1/queue/next", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, gw, http.MethodPost, "/api/conversations/c1/escalate", EscalateRequest{Reason: "again"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAgentStatusEndpoints(t *testing.T) {
	gw, s := newTestGateway(t)
	seedAgent(t, s, "a1", 5)

	rec := doRequest(t, gw, http.MethodGet, "/api/agents/a1/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status AgentStatusResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	assert.Equal(t, store.AgentOffline, status.Status)

	rec = doRequest(t, gw, http.MethodPut, "/api/agents/a1/status", StatusRequest{Status: "sleeping"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, gw, http.MethodPut, "/api/agents/a1/status", StatusRequest{Status: "busy"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, gw, http.MethodGet, "/api/tenants/t1/workloads", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var rows []map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "busy", rows[0]["status"])
	assert.Equal(t, float64(5), rows[0]["max_count"])

	req := httptest.NewRequest(http.MethodPut, "/api/agents/a1/status", strings.NewReader("{not json"))
	rec = httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid JSON body", decodeError(t, rec))
}

func TestStoreFailureIsUnavailable(t *testing.T) {
	gw, s := newTestGateway(t)
	seedAgent(t, s, "a1", 5)
	seedConversation(t, s, "c1")

	s.FailNextWrite(errors.New("database is locked"))
	rec := doRequest(t, gw, http.MethodPost, "/api/conversations/c1/assign", AssignRequest{AgentID: "a1"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "temporarily unavailable", decodeError(t, rec))

	conv, err := s.GetConversation(context.Background(), "c1")
	require.NoError(t, err)
	assert.Empty(t, conv.AssignedAgentID)
}

func TestDepartmentEndpoints(t *testing.T) {
	gw, s := newTestGateway(t)
	seedAgent(t, s, "a1", 5)
	seedAgent(t, s, "a2", 5)
	for _, id := range []string{"a1", "a2"} {
		rec := doRequest(t, gw, http.MethodPut, "/api/agents/"+id+"/status", StatusRequest{Status: "online"})
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := doRequest(t, gw, http.MethodPut, "/api/agents/ghost/departments", DepartmentsRequest{Departments: []string{"billing"}})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, gw, http.MethodGet, "/api/tenants/t1/agents/available?department=billing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, gw, http.MethodPut, "/api/agents/a2/departments", DepartmentsRequest{Departments: []string{"billing"}})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, gw, http.MethodGet, "/api/tenants/t1/agents/available?department=billing", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var found map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&found))
	assert.Equal(t, "a2", found["agent_id"])

	rec = doRequest(t, gw, http.MethodGet, "/api/tenants/t1/agents/available", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	found = nil
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&found))
	assert.Equal(t, "a1", found["agent_id"])
}

func TestEventsStream(t *testing.T) {
	gw, s := newTestGateway(t)
	seedConversation(t, s, "c1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = gw.notifier.Run(ctx) }()

	srv := httptest.NewServer(gw.Handler())
	defer srv.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/tenants/t1/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := make(chan string, 16)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	waitFor := func(prefix string) string {
		t.Helper()
		timeout := time.After(2 * time.Second)
		for {
			select {
			case line, ok := <-lines:
				if !ok {
					t.Fatalf("stream closed waiting for %q", prefix)
				}
				if strings.HasPrefix(line, prefix) {
					return line
				}
			case <-timeout:
				t.Fatalf("timed out waiting for %q", prefix)
			}
		}
	}

	waitFor("event: subscribed")

	_, err = gw.Service().AddToQueue(context.Background(), "c1", store.PriorityHigh)
	require.NoError(t, err)

	waitFor("event: conversation.queued")
	data := waitFor("data: ")
	var event map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(data, "data: ")), &event))
	assert.Equal(t, "c1", event["conversation_id"])
	assert.Equal(t, "t1", event["tenant_id"])
	assert.Equal(t, "high", event["priority"])
}

func TestHistoryEndpoint(t *testing.T) {
	gw, s := newTestGateway(t)
	seedAgent(t, s, "a1", 5)
	seedConversation(t, s, "c1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = gw.notifier.Run(ctx) }()

	rec := doRequest(t, gw, http.MethodPost, "/api/conversations/c1/queue", QueueRequest{Priority: "normal"})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = doRequest(t, gw, http.MethodPost, "/api/conversations/c1/assign", AssignRequest{AgentID: "a1"})
	require.Equal(t, http.StatusOK, rec.Code)

	var history HistoryResponse
	require.Eventually(t, func() bool {
		rec := doRequest(t, gw, http.MethodGet, "/api/conversations/c1/history", nil)
		if rec.Code != http.StatusOK {
			return false
		}
		history = HistoryResponse{}
		return json.NewDecoder(rec.Body).Decode(&history) == nil && len(history.Events) == 2
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, "conversation.queued", history.Events[0].Type)
	assert.Equal(t, "conversation.assigned", history.Events[1].Type)
	assert.Equal(t, "a1", history.Events[1].AgentID)
	assert.Empty(t, history.NextCursor)

	rec = doRequest(t, gw, http.MethodGet, "/api/conversations/c1/history?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	history = HistoryResponse{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&history))
	require.Len(t, history.Events, 1)
	require.NotEmpty(t, history.NextCursor)

	rec = doRequest(t, gw, http.MethodGet, "/api/conversations/c1/history?cursor="+history.NextCursor, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	history = HistoryResponse{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&history))
	require.Len(t, history.Events, 1)
	assert.Equal(t, "conversation.assigned", history.Events[0].Type)

	rec = doRequest(t, gw, http.MethodGet, "/api/conversations/c1/history?cursor=%25%25", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, gw, http.MethodGet, "/api/conversations/c1/history?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
