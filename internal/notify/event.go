// ABOUTME: Routing facts emitted to realtime subscribers and the analytics channel
// ABOUTME: Sinks receive events from the notifier and must tolerate being slow or down

package notify

import (
	"context"
	"time"

	"github.com/2389/switchboard/internal/store"
)

// EventType names a routing fact.
type EventType string

const (
	EventAssigned    EventType = "conversation.assigned"
	EventTransferred EventType = "conversation.transferred"
	EventQueued      EventType = "conversation.queued"
	EventEscalated   EventType = "conversation.escalated"
	EventCancelled   EventType = "conversation.cancelled"
)

// Event is the payload published for a routing fact.
type Event struct {
	ID             string         `json:"id"`
	Type           EventType      `json:"type"`
	TenantID       string         `json:"tenant_id"`
	ConversationID string         `json:"conversation_id"`
	AgentID        string         `json:"agent_id,omitempty"`
	FromAgentID    string         `json:"from_agent_id,omitempty"`
	Priority       store.Priority `json:"priority"`
	Reason         string         `json:"reason,omitempty"`
	OccurredAt     time.Time      `json:"occurred_at"`
}

// Sink delivers events somewhere.
type Sink interface {
	Publish(ctx context.Context, event Event) error
}
