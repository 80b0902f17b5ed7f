// ABOUTME: Tests for the routing history sink
// ABOUTME: Events delivered by the notifier show up in the store's conversation history

package notify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/switchboard/internal/store"
)

func TestHistorySink_RecordsDeliveredEvents(t *testing.T) {
	s := store.NewMockStore()
	n := NewNotifier(Config{}, nil, NewHistorySink(s))
	runNotifier(t, n)

	n.Notify(Event{Type: EventQueued, TenantID: "t1", ConversationID: "c1", Priority: store.PriorityHigh})
	n.Notify(Event{Type: EventAssigned, TenantID: "t1", ConversationID: "c1", AgentID: "a1"})
	n.Notify(Event{Type: EventAssigned, TenantID: "t1", ConversationID: "c2", AgentID: "a2"})

	var page *store.HistoryPage
	require.Eventually(t, func() bool {
		var err error
		page, err = s.ListRoutingEvents(context.Background(), store.HistoryParams{ConversationID: "c1"})
		return err == nil && len(page.Events) == 2
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, string(EventQueued), page.Events[0].Type)
	assert.Equal(t, store.PriorityHigh, page.Events[0].Priority)
	assert.NotEmpty(t, page.Events[0].ID)
	assert.False(t, page.Events[0].OccurredAt.IsZero())
	assert.Equal(t, string(EventAssigned), page.Events[1].Type)
	assert.Equal(t, "a1", page.Events[1].AgentID)
}

func TestHistorySink_WrapsStoreErrors(t *testing.T) {
	s := store.NewMockStore()
	sink := NewHistorySink(s)
	event := Event{ID: "e1", Type: EventQueued, TenantID: "t1", ConversationID: "c1", OccurredAt: time.Now()}

	require.NoError(t, sink.Publish(context.Background(), event))
	err := sink.Publish(context.Background(), event)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "recording history")
}
