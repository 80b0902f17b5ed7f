// ABOUTME: Tests for the queue dispatcher
// ABOUTME: Covers draining against state shared through the store and wake-ups from kicks

package routing

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/switchboard/internal/agent"
	"github.com/2389/switchboard/internal/store"
)

func TestDispatcher_DrainRespectsCapacity(t *testing.T) {
	f := newFixture(t)
	f.agent(t, "a1", store.AgentOffline, 2)
	f.agent(t, "a2", store.AgentOffline, 1)

	for i := range 5 {
		id := fmt.Sprintf("c%d", i)
		f.conversation(t, id, store.ConversationQueued, "")
		_, err := f.svc.AddToQueue(t.Context(), id, store.PriorityNormal)
		require.NoError(t, err)
	}

	d := NewDispatcher(f.svc, f.queue, time.Hour, nil)
	assert.Equal(t, 0, d.Drain(t.Context()), "nobody is online")

	require.NoError(t, f.svc.SetAgentStatus(t.Context(), "a1", store.AgentOnline))
	require.NoError(t, f.svc.SetAgentStatus(t.Context(), "a2", store.AgentOnline))
	assert.Equal(t, 3, d.Drain(t.Context()))

	entries, err := f.svc.GetQueuedConversations(t.Context(), "t1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	// Oldest first within a priority.
	assert.Equal(t, "c3", entries[0].ConversationID)
	assert.Equal(t, "c4", entries[1].ConversationID)

	assert.Equal(t, 0, d.Drain(t.Context()))
}

func TestDispatcher_DrainPicksUpOtherProcesses(t *testing.T) {
	f := newFixture(t)
	f.agent(t, "a1", store.AgentOnline, 5)
	f.conversation(t, "c1", store.ConversationQueued, "")

	// Queued by a different manager sharing the store.
	require.NoError(t, f.store.EnqueueConversation(t.Context(), &store.QueueEntry{
		ConversationID: "c1",
		TenantID:       "t1",
		Priority:       store.PriorityHigh,
		QueuedAt:       time.Now(),
		PreviousStatus: store.ConversationQueued,
	}, store.Assignment{Status: store.ConversationQueued}))

	d := NewDispatcher(f.svc, f.queue, time.Hour, nil)
	assert.Equal(t, 1, d.Drain(t.Context()))
	assert.Equal(t, "a1", f.get(t, "c1").AssignedAgentID)
}

func TestDispatcher_DrainSeesAvailabilityFromOtherProcesses(t *testing.T) {
	f := newFixture(t)
	f.agent(t, "a1", store.AgentOffline, 5)
	f.conversation(t, "c1", store.ConversationQueued, "")
	_, err := f.svc.AddToQueue(t.Context(), "c1", store.PriorityNormal)
	require.NoError(t, err)

	d := NewDispatcher(f.svc, f.queue, time.Hour, nil)
	assert.Equal(t, 0, d.Drain(t.Context()))

	// The agent comes online through another process's tracker.
	other := agent.NewTracker(f.store, nil)
	require.NoError(t, other.SetAgentStatus(t.Context(), "a1", store.AgentOnline))
	assert.Equal(t, store.AgentOffline, f.svc.GetAgentStatus("a1"))

	assert.Equal(t, 1, d.Drain(t.Context()))
	assert.Equal(t, "a1", f.get(t, "c1").AssignedAgentID)
	assert.Equal(t, store.AgentOnline, f.svc.GetAgentStatus("a1"))
}

func TestDispatcher_RunWakesOnKick(t *testing.T) {
	f := newFixture(t)
	f.agent(t, "a1", store.AgentOffline, 5)
	f.conversation(t, "c1", store.ConversationQueued, "")
	_, err := f.svc.AddToQueue(t.Context(), "c1", store.PriorityNormal)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- NewDispatcher(f.svc, f.queue, time.Hour, nil).Run(ctx)
	}()

	require.NoError(t, f.svc.SetAgentStatus(t.Context(), "a1", store.AgentOnline))

	assert.Eventually(t, func() bool {
		conv, err := f.store.GetConversation(context.Background(), "c1")
		return err == nil && conv.AssignedAgentID == "a1"
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
}
