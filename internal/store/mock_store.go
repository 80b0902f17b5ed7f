// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite while keeping the same conditional-update semantics

package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	agents        map[string]*Agent        // keyed by agent ID
	conversations map[string]*Conversation // keyed by conversation ID
	queue         map[string]*QueueEntry   // keyed by conversation ID
	departments   map[string][]string      // keyed by agent ID
	history       []RoutingEvent

	failNext error // returned once by the next mutating call
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		agents:        make(map[string]*Agent),
		conversations: make(map[string]*Conversation),
		queue:         make(map[string]*QueueEntry),
		departments:   make(map[string][]string),
	}
}

// FailNextWrite makes the next mutating call return err without changing state.
func (m *MockStore) FailNextWrite(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

// takeFailure must be called with mu held.
func (m *MockStore) takeFailure() error {
	err := m.failNext
	m.failNext = nil
	return err
}

// CreateAgent stores a new agent.
func (m *MockStore) CreateAgent(ctx context.Context, agent *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.agents[agent.ID]; exists {
		return errors.New("agent already exists")
	}
	a := *agent
	if a.Status == "" {
		a.Status = AgentOffline
	}
	m.agents[a.ID] = &a
	return nil
}

// GetAgent retrieves an agent by ID.
func (m *MockStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *a
	return &result, nil
}

// ListAgentsByTenant returns the tenant's agents ordered by ID.
func (m *MockStore) ListAgentsByTenant(ctx context.Context, tenantID string) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := []*Agent{}
	for _, a := range m.agents {
		if a.TenantID == tenantID {
			cp := *a
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// ListAgentStatuses returns agents that have reported a status.
func (m *MockStore) ListAgentStatuses(ctx context.Context) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := []*Agent{}
	for _, a := range m.agents {
		if a.Status != AgentOffline || !a.LastActivityAt.IsZero() {
			cp := *a
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// UpdateAgentStatus overwrites the agent's status and last activity time.
func (m *MockStore) UpdateAgentStatus(ctx context.Context, id string, status AgentStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(); err != nil {
		return err
	}
	a, ok := m.agents[id]
	if !ok {
		return ErrNotFound
	}
	a.Status = status
	a.LastActivityAt = at
	return nil
}

// SetAgentDepartments replaces the agent's department memberships.
func (m *MockStore) SetAgentDepartments(ctx context.Context, agentID string, departments []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.departments[agentID] = append([]string(nil), departments...)
	return nil
}

// ListDepartmentMembers returns the tenant's agents in the department.
func (m *MockStore) ListDepartmentMembers(ctx context.Context, tenantID, department string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := []string{}
	for agentID, depts := range m.departments {
		a, ok := m.agents[agentID]
		if !ok || a.TenantID != tenantID {
			continue
		}
		for _, d := range depts {
			if d == department {
				ids = append(ids, agentID)
				break
			}
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// CreateConversation stores a new conversation.
func (m *MockStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.conversations[conv.ID]; exists {
		return errors.New("conversation already exists")
	}
	c := *conv
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	m.conversations[c.ID] = &c
	return nil
}

// GetConversation retrieves a conversation by ID.
func (m *MockStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *c
	return &result, nil
}

// ListAgentConversations returns the agent's open conversations, most recently updated first.
func (m *MockStore) ListAgentConversations(ctx context.Context, agentID string) ([]*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := []*Conversation{}
	for _, c := range m.conversations {
		if c.AssignedAgentID == agentID && !c.Status.Terminal() {
			cp := *c
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].UpdatedAt.Equal(result[j].UpdatedAt) {
			return result[i].UpdatedAt.After(result[j].UpdatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// CountActiveByAgent returns open conversation counts per agent for the tenant.
func (m *MockStore) CountActiveByAgent(ctx context.Context, tenantID string) (map[string]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[string]int)
	for _, c := range m.conversations {
		if c.TenantID == tenantID && c.AssignedAgentID != "" && !c.Status.Terminal() {
			counts[c.AssignedAgentID]++
		}
	}
	return counts, nil
}

// CountActiveForAgent returns the number of open conversations assigned to the agent.
func (m *MockStore) CountActiveForAgent(ctx context.Context, agentID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.countActiveLocked(agentID, ""), nil
}

func (m *MockStore) countActiveLocked(agentID, excludeID string) int {
	n := 0
	for _, c := range m.conversations {
		if c.ID != excludeID && c.AssignedAgentID == agentID && !c.Status.Terminal() {
			n++
		}
	}
	return n
}

// SwapAssignment sets the conversation to next only if it currently equals expect.
func (m *MockStore) SwapAssignment(ctx context.Context, conversationID string, expect, next Assignment, at time.Time, opts SwapOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(); err != nil {
		return err
	}
	if err := m.swapLocked(conversationID, expect, next, at, opts); err != nil {
		return err
	}
	if next.Status != ConversationQueued {
		delete(m.queue, conversationID)
	}
	return nil
}

func (m *MockStore) swapLocked(conversationID string, expect, next Assignment, at time.Time, opts SwapOptions) error {
	c, ok := m.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}
	if c.Assignment() != expect {
		return ErrConflict
	}
	if opts.MaxLoad > 0 && m.countActiveLocked(next.AgentID, conversationID) >= opts.MaxLoad {
		return ErrAtCapacity
	}
	c.Status = next.Status
	c.AssignedAgentID = next.AgentID
	c.UpdatedAt = at
	return nil
}

// ListQueuedConversationIDs returns the tenant's conversations whose status is queued.
func (m *MockStore) ListQueuedConversationIDs(ctx context.Context, tenantID string) (map[string]bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make(map[string]bool)
	for _, c := range m.conversations {
		if c.TenantID == tenantID && c.Status == ConversationQueued {
			ids[c.ID] = true
		}
	}
	return ids, nil
}

// EnqueueConversation moves the conversation to queued and stores the entry atomically.
func (m *MockStore) EnqueueConversation(ctx context.Context, entry *QueueEntry, expect Assignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(); err != nil {
		return err
	}
	if _, exists := m.queue[entry.ConversationID]; exists {
		return ErrConflict
	}
	queued := Assignment{Status: ConversationQueued}
	if err := m.swapLocked(entry.ConversationID, expect, queued, entry.QueuedAt, SwapOptions{}); err != nil {
		return err
	}
	e := *entry
	m.queue[e.ConversationID] = &e
	return nil
}

// UpdateQueuePriority sets the entry's priority and touches the conversation.
func (m *MockStore) UpdateQueuePriority(ctx context.Context, conversationID string, priority Priority, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(); err != nil {
		return err
	}
	e, ok := m.queue[conversationID]
	if !ok {
		return ErrNotFound
	}
	e.Priority = priority
	if c, ok := m.conversations[conversationID]; ok {
		c.UpdatedAt = at
	}
	return nil
}

// DeleteQueueEntry removes the conversation's queue entry.
func (m *MockStore) DeleteQueueEntry(ctx context.Context, conversationID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(); err != nil {
		return false, err
	}
	if _, ok := m.queue[conversationID]; !ok {
		return false, nil
	}
	delete(m.queue, conversationID)
	return true, nil
}

// GetQueueEntry retrieves the queue entry for a conversation.
func (m *MockStore) GetQueueEntry(ctx context.Context, conversationID string) (*QueueEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.queue[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	result := *e
	return &result, nil
}

// ListQueueEntries returns every queue entry.
func (m *MockStore) ListQueueEntries(ctx context.Context) ([]*QueueEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*QueueEntry, 0, len(m.queue))
	for _, e := range m.queue {
		cp := *e
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ConversationID < result[j].ConversationID })
	return result, nil
}

// SaveRoutingEvent appends an event to the in-memory history.
// It ignores FailNextWrite so background recording cannot consume an
// injected failure meant for a routing write.
func (m *MockStore) SaveRoutingEvent(ctx context.Context, event *RoutingEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.history {
		if e.ID == event.ID {
			return errors.New("routing event already exists")
		}
	}
	m.history = append(m.history, *event)
	return nil
}

// ListRoutingEvents pages the conversation's history. The cursor is the
// position in the in-memory log.
func (m *MockStore) ListRoutingEvents(ctx context.Context, p HistoryParams) (*HistoryPage, error) {
	if err := p.normalize(); err != nil {
		return nil, err
	}
	after, err := decodeCursor(p.Cursor)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	page := &HistoryPage{Events: []RoutingEvent{}}
	for i := int(after); i < len(m.history); i++ {
		e := m.history[i]
		if e.ConversationID != p.ConversationID {
			continue
		}
		if len(page.Events) == p.Limit {
			page.NextCursor = encodeCursor(int64(i))
			break
		}
		page.Events = append(page.Events, e)
	}
	return page, nil
}

// Close is a no-op for MockStore.
func (m *MockStore) Close() error {
	return nil
}

// Compile-time check that MockStore implements Store
var _ Store = (*MockStore)(nil)
