// ABOUTME: Tests for asynchronous event delivery through the notifier
// ABOUTME: Covers fan-out to sinks, sink failures, full buffers, and escalation suppression

package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/switchboard/internal/dedupe"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (s *recordingSink) Publish(ctx context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return s.err
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func runNotifier(t *testing.T, n *Notifier) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = n.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestNotifier_DeliversToEverySink(t *testing.T) {
	failing := &recordingSink{err: errors.New("broker unreachable")}
	healthy := &recordingSink{}
	n := NewNotifier(Config{}, nil, failing, healthy)
	runNotifier(t, n)

	n.Notify(Event{Type: EventAssigned, TenantID: "t1", ConversationID: "c1", AgentID: "a1"})

	require.Eventually(t, func() bool { return healthy.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, failing.count())

	healthy.mu.Lock()
	ev := healthy.events[0]
	healthy.mu.Unlock()
	assert.NotEmpty(t, ev.ID)
	assert.False(t, ev.OccurredAt.IsZero())
}

func TestNotifier_FullBufferDropsWithoutBlocking(t *testing.T) {
	n := NewNotifier(Config{BufferSize: 2}, nil, &recordingSink{})

	done := make(chan struct{})
	go func() {
		for range 5 {
			n.Notify(Event{Type: EventQueued, TenantID: "t1", ConversationID: "c1"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked with no consumer")
	}
	assert.Equal(t, int64(3), n.Dropped())
}

func TestNotifier_SuppressesRepeatEscalations(t *testing.T) {
	window := dedupe.New(time.Hour, 100)
	defer window.Close()

	sink := &recordingSink{}
	n := NewNotifier(Config{Escalations: window}, nil, sink)

	escalate := Event{Type: EventEscalated, TenantID: "t1", ConversationID: "c1"}
	n.Notify(escalate)
	n.Notify(escalate)
	n.Notify(Event{Type: EventEscalated, TenantID: "t1", ConversationID: "c2"})
	assert.Equal(t, int64(1), n.Suppressed())

	n.Forget("c1")
	n.Notify(escalate)
	assert.Equal(t, int64(1), n.Suppressed())

	runNotifier(t, n)
	require.Eventually(t, func() bool { return sink.count() == 3 }, time.Second, 5*time.Millisecond)
}

func TestNotifier_FlushesOnShutdown(t *testing.T) {
	sink := &recordingSink{}
	n := NewNotifier(Config{}, nil, sink)

	n.Notify(Event{Type: EventQueued, TenantID: "t1", ConversationID: "c1"})
	n.Notify(Event{Type: EventQueued, TenantID: "t1", ConversationID: "c2"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, n.Run(ctx))

	assert.Equal(t, 2, sink.count())
}
