// ABOUTME: Store interface and record types for switchboard persistence
// ABOUTME: Defines Agent, Conversation, QueueEntry and the conditional-update contract

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a conditional update's precondition no longer holds
var ErrConflict = errors.New("precondition failed")

// ErrAtCapacity is returned when a capacity-bounded assignment would exceed the agent's limit
var ErrAtCapacity = errors.New("agent at capacity")

// DefaultMaxConcurrent is the per-agent conversation limit used when none is recorded
const DefaultMaxConcurrent = 5

// AgentStatus is the availability reported by an agent
type AgentStatus string

const (
	AgentOnline  AgentStatus = "online"
	AgentBusy    AgentStatus = "busy"
	AgentAway    AgentStatus = "away"
	AgentOffline AgentStatus = "offline"
)

// Valid reports whether s is a known agent status.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentOnline, AgentBusy, AgentAway, AgentOffline:
		return true
	}
	return false
}

// Role is a tenant member's role
type Role string

const (
	RoleAgent  Role = "agent"
	RoleAdmin  Role = "admin"
	RoleViewer Role = "viewer"
)

// CanHandleConversations reports whether members with this role take conversations.
func (r Role) CanHandleConversations() bool {
	return r == RoleAgent || r == RoleAdmin
}

// ConversationStatus is the lifecycle state of a conversation
type ConversationStatus string

const (
	ConversationQueued   ConversationStatus = "queued"
	ConversationActive   ConversationStatus = "active"
	ConversationResolved ConversationStatus = "resolved"
	ConversationClosed   ConversationStatus = "closed"
)

// Terminal reports whether the conversation can no longer change hands.
func (s ConversationStatus) Terminal() bool {
	return s == ConversationResolved || s == ConversationClosed
}

// Priority orders queued conversations. Higher values are served first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

var priorityNames = [...]string{"low", "normal", "high", "urgent"}

func (p Priority) String() string {
	if p < PriorityLow || p > PriorityUrgent {
		return "unknown"
	}
	return priorityNames[p]
}

// ParsePriority converts a priority name. Empty input yields PriorityNormal.
func ParsePriority(s string) (Priority, error) {
	if s == "" {
		return PriorityNormal, nil
	}
	for i, name := range priorityNames {
		if name == s {
			return Priority(i), nil
		}
	}
	return PriorityNormal, errors.New("unknown priority " + s)
}

// MarshalText implements encoding.TextMarshaler.
func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Priority) UnmarshalText(text []byte) error {
	v, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Agent is a tenant member who can be handed conversations
type Agent struct {
	ID                string
	TenantID          string
	Name              string
	Role              Role
	Active            bool // tenant membership is active
	Status            AgentStatus
	PreferredLanguage string
	LastActivityAt    time.Time
	MaxConcurrent     int // zero uses the deployment default
}

// Conversation holds the routing-relevant fields of a support conversation
type Conversation struct {
	ID              string
	TenantID        string
	Status          ConversationStatus
	AssignedAgentID string // empty when unassigned
	Priority        Priority
	Department      string
	Language        string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Assignment returns the compare-and-set view of the conversation.
func (c *Conversation) Assignment() Assignment {
	return Assignment{Status: c.Status, AgentID: c.AssignedAgentID}
}

// Assignment is the (status, agent) pair updated atomically by SwapAssignment
type Assignment struct {
	Status  ConversationStatus
	AgentID string
}

// QueueEntry is a conversation waiting for an agent.
// Position and wait time are derived at read time and never stored.
type QueueEntry struct {
	ConversationID  string
	TenantID        string
	Priority        Priority
	QueuedAt        time.Time
	Department      string
	Language        string
	PreviousStatus  ConversationStatus // restored when the entry is removed without assignment
	PreviousAgentID string
}

// SwapOptions tunes a conditional assignment update
type SwapOptions struct {
	// MaxLoad, when positive, rejects the update with ErrAtCapacity if the
	// target agent already holds MaxLoad or more non-terminal conversations.
	MaxLoad int
}

// AgentStore persists agents and their availability
type AgentStore interface {
	CreateAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	ListAgentsByTenant(ctx context.Context, tenantID string) ([]*Agent, error)
	ListAgentStatuses(ctx context.Context) ([]*Agent, error)
	UpdateAgentStatus(ctx context.Context, id string, status AgentStatus, at time.Time) error
}

// ConversationStore persists conversations and enforces assignment preconditions
type ConversationStore interface {
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)

	// ListAgentConversations returns non-terminal conversations assigned to the agent,
	// most recently updated first.
	ListAgentConversations(ctx context.Context, agentID string) ([]*Conversation, error)

	// CountActiveByAgent returns agentID -> non-terminal assigned conversation count
	// for the whole tenant in a single read.
	CountActiveByAgent(ctx context.Context, tenantID string) (map[string]int, error)
	CountActiveForAgent(ctx context.Context, agentID string) (int, error)

	// SwapAssignment sets the conversation to next only if it currently equals expect.
	// Returns ErrNotFound if the conversation does not exist, ErrConflict if the
	// precondition fails. When next.Status is not queued, any queue entry for the
	// conversation is deleted in the same transaction.
	SwapAssignment(ctx context.Context, conversationID string, expect, next Assignment, at time.Time, opts SwapOptions) error

	// ListQueuedConversationIDs returns the IDs of the tenant's conversations whose status is queued.
	ListQueuedConversationIDs(ctx context.Context, tenantID string) (map[string]bool, error)
}

// QueueStore persists queue entries
type QueueStore interface {
	// EnqueueConversation moves the conversation from expect to queued (no agent)
	// and inserts the entry, atomically.
	EnqueueConversation(ctx context.Context, entry *QueueEntry, expect Assignment) error
	// UpdateQueuePriority sets an entry's priority and touches the conversation.
	UpdateQueuePriority(ctx context.Context, conversationID string, priority Priority, at time.Time) error
	// DeleteQueueEntry removes an entry without touching the conversation.
	// Returns false when there was no entry.
	DeleteQueueEntry(ctx context.Context, conversationID string) (bool, error)
	GetQueueEntry(ctx context.Context, conversationID string) (*QueueEntry, error)
	ListQueueEntries(ctx context.Context) ([]*QueueEntry, error)
}

// DepartmentStore maps departments to agent membership
type DepartmentStore interface {
	SetAgentDepartments(ctx context.Context, agentID string, departments []string) error
	ListDepartmentMembers(ctx context.Context, tenantID, department string) ([]string, error)
}

// Store is the full record store used by switchboard
type Store interface {
	AgentStore
	ConversationStore
	QueueStore
	DepartmentStore
	HistoryStore

	// Close releases any resources held by the store
	Close() error
}
