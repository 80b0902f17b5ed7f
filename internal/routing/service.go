// ABOUTME: Routing service exposing assignment, transfer, availability, and queue operations
// ABOUTME: Every mutation goes through the store's conditional update; notifications are fire-and-forget

package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/switchboard/internal/agent"
	"github.com/2389/switchboard/internal/notify"
	"github.com/2389/switchboard/internal/queue"
	"github.com/2389/switchboard/internal/store"
)

// Notifier receives routing facts. Implementations must not block.
type Notifier interface {
	Notify(event notify.Event)
	Forget(conversationID string)
}

// Deps holds the collaborators a Service needs.
type Deps struct {
	Store     store.Store
	Tracker   *agent.Tracker
	Workloads *agent.WorkloadCounter
	Router    *agent.Router
	Queue     *queue.Manager
	Notifier  Notifier // optional
	Logger    *slog.Logger
}

// Service is the routing core's operation surface.
type Service struct {
	store     store.Store
	tracker   *agent.Tracker
	workloads *agent.WorkloadCounter
	router    *agent.Router
	queue     *queue.Manager
	notifier  Notifier
	logger    *slog.Logger
	now       func() time.Time

	kicks chan struct{}
}

// NewService creates a Service.
func NewService(deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = discardNotifier{}
	}
	return &Service{
		store:     deps.Store,
		tracker:   deps.Tracker,
		workloads: deps.Workloads,
		router:    deps.Router,
		queue:     deps.Queue,
		notifier:  notifier,
		logger:    logger.With("component", "routing"),
		now:       time.Now,
		kicks:     make(chan struct{}, 1),
	}
}

// RouteResult reports where RouteConversation placed a conversation.
type RouteResult struct {
	ConversationID string
	AgentID        string       // set when assigned
	Entry          *queue.Entry // set when queued
}

// Assigned reports whether the conversation went to an agent.
func (r *RouteResult) Assigned() bool {
	return r.AgentID != ""
}

// FindAvailableAgent returns the least-loaded eligible agent without reserving it.
func (s *Service) FindAvailableAgent(ctx context.Context, tenantID, department, language string) (string, error) {
	id, err := s.router.FindAvailableAgent(ctx, tenantID, department, language)
	if err != nil {
		return "", s.fail("find available agent", err, "tenant_id", tenantID, "department", department, "language", language)
	}
	return id, nil
}

// RouteConversation assigns the conversation to the best available agent,
// or queues it at its own priority when no agent is available. A conversation
// that is already queued stays queued.
func (s *Service) RouteConversation(ctx context.Context, conversationID string) (*RouteResult, error) {
	const op = "route conversation"

	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, s.fail(op, err, "conversation_id", conversationID)
	}
	if conv.Status.Terminal() || conv.AssignedAgentID != "" {
		return nil, fmt.Errorf("%s: %w: conversation is %s", op, ErrConflict, describe(conv))
	}

	agentID, err := s.assignRouted(ctx, conv, conv.Department, conv.Language)
	if err == nil {
		s.afterAssign(conv, agentID, "")
		return &RouteResult{ConversationID: conv.ID, AgentID: agentID}, nil
	}
	if !errors.Is(err, agent.ErrNoAgentsAvailable) {
		return nil, s.fail(op, err, "conversation_id", conv.ID, "tenant_id", conv.TenantID)
	}

	if existing, err := s.store.GetQueueEntry(ctx, conv.ID); err == nil {
		entry := s.findQueued(ctx, existing.TenantID, conv.ID)
		return &RouteResult{ConversationID: conv.ID, Entry: entry}, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, s.fail(op, err, "conversation_id", conv.ID)
	}

	entry, err := s.AddToQueue(ctx, conv.ID, conv.Priority)
	if err != nil {
		return nil, err
	}
	return &RouteResult{ConversationID: conv.ID, Entry: entry}, nil
}

// AssignConversationToAgent gives an unassigned conversation to the agent.
// It does not check the agent's capacity: this is the administrator override
// path. Use RouteConversation to respect capacity. Returns ErrConflict when
// the conversation is already assigned or closed, including when a concurrent
// call won.
func (s *Service) AssignConversationToAgent(ctx context.Context, conversationID, agentID string) error {
	const op = "assign conversation"

	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return s.fail(op, err, "conversation_id", conversationID, "agent_id", agentID)
	}
	if err := s.checkAgent(ctx, op, conv.TenantID, agentID); err != nil {
		return err
	}
	if conv.Status.Terminal() || conv.AssignedAgentID != "" {
		return fmt.Errorf("%s: %w: conversation is %s", op, ErrConflict, describe(conv))
	}

	next := store.Assignment{Status: store.ConversationActive, AgentID: agentID}
	if err := s.store.SwapAssignment(ctx, conv.ID, conv.Assignment(), next, s.now(), store.SwapOptions{}); err != nil {
		return s.fail(op, err, "conversation_id", conv.ID, "agent_id", agentID)
	}

	s.afterAssign(conv, agentID, "")
	return nil
}

// TransferConversation moves an active conversation from one agent to another.
// Returns ErrConflict when the conversation is no longer held by fromAgentID.
func (s *Service) TransferConversation(ctx context.Context, conversationID, fromAgentID, toAgentID string) error {
	const op = "transfer conversation"

	if fromAgentID == "" || toAgentID == "" || fromAgentID == toAgentID {
		return fmt.Errorf("%s: %w: need two different agents", op, ErrInvalid)
	}

	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return s.fail(op, err, "conversation_id", conversationID)
	}
	if err := s.checkAgent(ctx, op, conv.TenantID, toAgentID); err != nil {
		return err
	}

	expect := store.Assignment{Status: store.ConversationActive, AgentID: fromAgentID}
	next := store.Assignment{Status: store.ConversationActive, AgentID: toAgentID}
	if err := s.store.SwapAssignment(ctx, conv.ID, expect, next, s.now(), store.SwapOptions{}); err != nil {
		return s.fail(op, err, "conversation_id", conv.ID, "from_agent_id", fromAgentID, "to_agent_id", toAgentID)
	}

	s.tracker.Touch(toAgentID)
	s.logger.Info("conversation transferred",
		"conversation_id", conv.ID,
		"tenant_id", conv.TenantID,
		"from_agent_id", fromAgentID,
		"to_agent_id", toAgentID,
	)
	s.notifier.Notify(notify.Event{
		Type:           notify.EventTransferred,
		TenantID:       conv.TenantID,
		ConversationID: conv.ID,
		AgentID:        toAgentID,
		FromAgentID:    fromAgentID,
		Priority:       conv.Priority,
	})
	// The source agent gained a free slot.
	s.Kick()
	return nil
}

// GetAgentWorkloads returns the tenant's per-agent workload rows.
func (s *Service) GetAgentWorkloads(ctx context.Context, tenantID string) ([]agent.Workload, error) {
	rows, err := s.workloads.Workloads(ctx, tenantID)
	if err != nil {
		return nil, s.fail("get agent workloads", err, "tenant_id", tenantID)
	}
	return rows, nil
}

// SetAgentStatus records the agent's status. An agent coming online may
// drain queued conversations.
func (s *Service) SetAgentStatus(ctx context.Context, agentID string, status store.AgentStatus) error {
	if err := s.tracker.SetAgentStatus(ctx, agentID, status); err != nil {
		return s.fail("set agent status", err, "agent_id", agentID, "status", status)
	}
	if status == store.AgentOnline {
		s.Kick()
	}
	return nil
}

// GetAgentStatus returns the agent's status, offline if never reported.
func (s *Service) GetAgentStatus(agentID string) store.AgentStatus {
	return s.tracker.GetAgentStatus(agentID)
}

// GetAgentConversations returns the agent's open conversations, most recently updated first.
func (s *Service) GetAgentConversations(ctx context.Context, agentID string) ([]*store.Conversation, error) {
	convs, err := s.store.ListAgentConversations(ctx, agentID)
	if err != nil {
		return nil, s.fail("get agent conversations", err, "agent_id", agentID)
	}
	return convs, nil
}

// AddToQueue queues the conversation. A conversation that is already queued
// is rejected with ErrConflict; callers wanting idempotence check first.
func (s *Service) AddToQueue(ctx context.Context, conversationID string, priority store.Priority) (*queue.Entry, error) {
	entry, err := s.queue.Add(ctx, conversationID, priority)
	if err != nil {
		return nil, s.fail("add to queue", err, "conversation_id", conversationID, "priority", priority)
	}
	s.notifier.Notify(notify.Event{
		Type:           notify.EventQueued,
		TenantID:       entry.TenantID,
		ConversationID: entry.ConversationID,
		Priority:       entry.Priority,
	})
	s.Kick()
	return entry, nil
}

// RemoveFromQueue takes the conversation out of the queue and restores its
// pre-queue status. Returns false when it was not queued. A conversation that
// was waiting for routing before it was queued is a conflict; use
// CancelQueuedConversation for those.
func (s *Service) RemoveFromQueue(ctx context.Context, conversationID string) (bool, error) {
	removed, err := s.queue.Remove(ctx, conversationID)
	if err != nil {
		return false, s.fail("remove from queue", err, "conversation_id", conversationID)
	}
	if removed {
		s.notifier.Forget(conversationID)
	}
	return removed, nil
}

// CancelQueuedConversation takes the conversation out of the queue and marks
// it resolved or closed. Returns false when it was not queued.
func (s *Service) CancelQueuedConversation(ctx context.Context, conversationID string, terminal store.ConversationStatus) (bool, error) {
	cancelled, err := s.queue.Cancel(ctx, conversationID, terminal)
	if err != nil {
		return false, s.fail("cancel queued conversation", err, "conversation_id", conversationID, "status", terminal)
	}
	if !cancelled {
		return false, nil
	}

	s.notifier.Forget(conversationID)
	if conv, err := s.store.GetConversation(ctx, conversationID); err == nil {
		s.notifier.Notify(notify.Event{
			Type:           notify.EventCancelled,
			TenantID:       conv.TenantID,
			ConversationID: conv.ID,
			Priority:       conv.Priority,
			Reason:         string(terminal),
		})
	}
	return true, nil
}

// GetQueuedConversations returns the tenant's queue in service order.
func (s *Service) GetQueuedConversations(ctx context.Context, tenantID string) ([]queue.Entry, error) {
	entries, err := s.queue.List(ctx, tenantID)
	if err != nil {
		return nil, s.fail("get queued conversations", err, "tenant_id", tenantID)
	}
	return entries, nil
}

// GetNextInQueue returns the head of the tenant's queue, optionally for one department.
func (s *Service) GetNextInQueue(ctx context.Context, tenantID, department string) (*queue.Entry, error) {
	entry, err := s.queue.Next(ctx, tenantID, department)
	if err != nil {
		return nil, s.fail("get next in queue", err, "tenant_id", tenantID, "department", department)
	}
	return entry, nil
}

// EscalateConversation raises a queued conversation to urgent. Returns
// ErrNotFound when it is not queued.
func (s *Service) EscalateConversation(ctx context.Context, conversationID, reason string) (*queue.Entry, error) {
	entry, err := s.queue.Escalate(ctx, conversationID, reason)
	if err != nil {
		return nil, s.fail("escalate conversation", err, "conversation_id", conversationID)
	}
	s.notifier.Notify(notify.Event{
		Type:           notify.EventEscalated,
		TenantID:       entry.TenantID,
		ConversationID: entry.ConversationID,
		Priority:       entry.Priority,
		Reason:         reason,
	})
	s.Kick()
	return entry, nil
}

// GetQueueStatistics returns the tenant's queue statistics.
func (s *Service) GetQueueStatistics(ctx context.Context, tenantID string) (*queue.Statistics, error) {
	stats, err := s.queue.Statistics(ctx, tenantID)
	if err != nil {
		return nil, s.fail("get queue statistics", err, "tenant_id", tenantID)
	}
	return stats, nil
}

// AssignNextInQueue assigns the highest-ranked queued conversation that an
// available agent can take. Entries no agent can serve (department or
// language) are passed over so they do not block the rest of the queue.
func (s *Service) AssignNextInQueue(ctx context.Context, tenantID string) (*RouteResult, error) {
	const op = "assign next in queue"

	entries, err := s.queue.List(ctx, tenantID)
	if err != nil {
		return nil, s.fail(op, err, "tenant_id", tenantID)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%s: %w", op, ErrQueueEmpty)
	}

	for _, entry := range entries {
		conv, err := s.store.GetConversation(ctx, entry.ConversationID)
		if errors.Is(err, store.ErrNotFound) {
			s.queue.Forget(entry.ConversationID)
			continue
		}
		if err != nil {
			return nil, s.fail(op, err, "conversation_id", entry.ConversationID)
		}
		if conv.Status != store.ConversationQueued || conv.AssignedAgentID != "" {
			s.queue.Forget(conv.ID)
			continue
		}

		agentID, err := s.assignRouted(ctx, conv, entry.Department, entry.Language)
		switch {
		case err == nil:
			s.afterAssign(conv, agentID, "queue")
			return &RouteResult{ConversationID: conv.ID, AgentID: agentID}, nil
		case errors.Is(err, agent.ErrNoAgentsAvailable):
			continue
		case errors.Is(err, store.ErrConflict):
			// Changed elsewhere since the queue was read.
			s.queue.Forget(entry.ConversationID)
			continue
		default:
			return nil, s.fail(op, err, "conversation_id", conv.ID, "tenant_id", tenantID)
		}
	}
	return nil, fmt.Errorf("%s: %w", op, ErrNoAgentAvailable)
}

// Kick asks the dispatcher to try draining queues soon. It never blocks.
func (s *Service) Kick() {
	select {
	case s.kicks <- struct{}{}:
	default:
	}
}

// assignRouted reserves the least-loaded agent and assigns the conversation
// to it with the agent's capacity enforced by the store. An agent found full
// at write time (another process got there first) is skipped and the next
// candidate tried.
func (s *Service) assignRouted(ctx context.Context, conv *store.Conversation, department, language string) (string, error) {
	var tried []string
	for {
		res, err := s.router.Reserve(ctx, conv.TenantID, department, language, tried...)
		if err != nil {
			return "", err
		}

		next := store.Assignment{Status: store.ConversationActive, AgentID: res.AgentID}
		err = s.store.SwapAssignment(ctx, conv.ID, conv.Assignment(), next, s.now(), store.SwapOptions{MaxLoad: res.Capacity})
		res.Release()

		if errors.Is(err, store.ErrAtCapacity) {
			s.logger.Debug("agent filled before assignment, trying next",
				"conversation_id", conv.ID,
				"agent_id", res.AgentID)
			tried = append(tried, res.AgentID)
			continue
		}
		if err != nil {
			return "", err
		}
		return res.AgentID, nil
	}
}

func (s *Service) afterAssign(conv *store.Conversation, agentID, via string) {
	s.queue.Forget(conv.ID)
	s.notifier.Forget(conv.ID)
	s.tracker.Touch(agentID)

	s.logger.Info("conversation assigned",
		"conversation_id", conv.ID,
		"tenant_id", conv.TenantID,
		"agent_id", agentID,
		"previous_status", conv.Status,
		"via", via,
	)
	s.notifier.Notify(notify.Event{
		Type:           notify.EventAssigned,
		TenantID:       conv.TenantID,
		ConversationID: conv.ID,
		AgentID:        agentID,
		Priority:       conv.Priority,
	})
}

// checkAgent verifies the agent exists in the tenant.
func (s *Service) checkAgent(ctx context.Context, op, tenantID, agentID string) error {
	if agentID == "" {
		return fmt.Errorf("%s: %w: agent id is required", op, ErrInvalid)
	}
	a, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return s.fail(op, err, "agent_id", agentID)
	}
	if a.TenantID != tenantID {
		return fmt.Errorf("%s: %w: agent %s is not in tenant %s", op, ErrNotFound, agentID, tenantID)
	}
	return nil
}

func (s *Service) findQueued(ctx context.Context, tenantID, conversationID string) *queue.Entry {
	entries, err := s.queue.List(ctx, tenantID)
	if err != nil {
		return nil
	}
	for i := range entries {
		if entries[i].ConversationID == conversationID {
			return &entries[i]
		}
	}
	return nil
}

// fail translates err into a routing kind. Transient failures are logged
// here so they are never swallowed.
func (s *Service) fail(op string, err error, attrs ...any) error {
	kind := kindOf(err)
	if kind == ErrTransient {
		s.logger.Error(op+" failed", append(attrs, "error", err)...)
	}
	return fmt.Errorf("%s: %w: %w", op, kind, err)
}

func describe(conv *store.Conversation) string {
	if conv.AssignedAgentID != "" {
		return fmt.Sprintf("%s (agent %s)", conv.Status, conv.AssignedAgentID)
	}
	return string(conv.Status)
}

type discardNotifier struct{}

func (discardNotifier) Notify(notify.Event) {}
func (discardNotifier) Forget(string)       {}
