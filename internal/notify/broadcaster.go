// ABOUTME: In-memory fan-out of routing events to realtime subscribers
// ABOUTME: Subscribers register per tenant; slow subscribers lose events rather than block

package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// Broadcaster provides in-memory pub/sub of routing events keyed by tenant.
// It is the realtime "notify all agents of tenant T" channel.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan Event // tenantID -> subID -> ch
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan Event),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers for the tenant's events. The subscription is removed
// and its channel closed when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, tenantID string) (<-chan Event, string) {
	subID := uuid.New().String()
	ch := make(chan Event, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[tenantID]; !ok {
		b.subscribers[tenantID] = make(map[string]chan Event)
	}
	b.subscribers[tenantID][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "tenant_id", tenantID, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(tenantID, subID)
	}()

	return ch, subID
}

// Publish sends the event to every subscriber of its tenant. It never blocks
// and never fails; events are dropped for subscribers whose buffer is full.
func (b *Broadcaster) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for subID, ch := range b.subscribers[event.TenantID] {
		select {
		case ch <- event:
		default:
			b.logger.Debug("dropped event for slow subscriber",
				"tenant_id", event.TenantID,
				"sub_id", subID,
				"event_id", event.ID)
		}
	}
	return nil
}

// SubscriberCount returns the number of subscribers for the tenant.
func (b *Broadcaster) SubscriberCount(tenantID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[tenantID])
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(tenantID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[tenantID]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, tenantID)
	}

	b.logger.Debug("subscriber removed", "tenant_id", tenantID, "sub_id", subID)
}

// Close removes every subscription and closes their channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for tenantID, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, tenantID)
	}
	b.logger.Debug("broadcaster closed")
}
