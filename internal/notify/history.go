// ABOUTME: Sink that appends routing events to the store's per-conversation history
// ABOUTME: History is best effort: it sees exactly what the notifier delivers

package notify

import (
	"context"
	"fmt"

	"github.com/2389/switchboard/internal/store"
)

// HistoryWriter is the part of the store the history sink needs.
type HistoryWriter interface {
	SaveRoutingEvent(ctx context.Context, event *store.RoutingEvent) error
}

// HistorySink records events as routing history.
type HistorySink struct {
	store HistoryWriter
}

// NewHistorySink creates a sink writing to s.
func NewHistorySink(s HistoryWriter) *HistorySink {
	return &HistorySink{store: s}
}

// Publish implements Sink.
func (h *HistorySink) Publish(ctx context.Context, event Event) error {
	err := h.store.SaveRoutingEvent(ctx, &store.RoutingEvent{
		ID:             event.ID,
		ConversationID: event.ConversationID,
		TenantID:       event.TenantID,
		Type:           string(event.Type),
		AgentID:        event.AgentID,
		FromAgentID:    event.FromAgentID,
		Priority:       event.Priority,
		Reason:         event.Reason,
		OccurredAt:     event.OccurredAt,
	})
	if err != nil {
		return fmt.Errorf("recording history: %w", err)
	}
	return nil
}
