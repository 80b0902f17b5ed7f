// ABOUTME: Fire-and-forget delivery of routing events to every configured sink
// ABOUTME: A bounded buffer decouples callers; full buffers and sink failures are logged, never returned

package notify

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/2389/switchboard/internal/dedupe"
)

const (
	// DefaultBufferSize is the number of events held for delivery.
	DefaultBufferSize = 256

	// DefaultSinkTimeout bounds a single sink delivery.
	DefaultSinkTimeout = 5 * time.Second
)

// Config tunes a Notifier.
type Config struct {
	BufferSize  int
	SinkTimeout time.Duration
	// Escalations suppresses repeat escalation events for a conversation
	// while it is inside its window. Nil disables suppression.
	Escalations *dedupe.Cache
}

// Notifier hands events to sinks on a background goroutine.
type Notifier struct {
	sinks       []Sink
	events      chan Event
	timeout     time.Duration
	escalations *dedupe.Cache
	logger      *slog.Logger
	now         func() time.Time

	dropped    atomic.Int64
	suppressed atomic.Int64
}

// NewNotifier creates a Notifier. Call Run to start delivery.
func NewNotifier(cfg Config, logger *slog.Logger, sinks ...Sink) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = DefaultSinkTimeout
	}
	return &Notifier{
		sinks:       sinks,
		events:      make(chan Event, cfg.BufferSize),
		timeout:     cfg.SinkTimeout,
		escalations: cfg.Escalations,
		logger:      logger.With("component", "notifier"),
		now:         time.Now,
	}
}

// Notify queues the event for delivery and returns immediately.
func (n *Notifier) Notify(event Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = n.now()
	}

	if event.Type == EventEscalated && n.escalations != nil && !n.escalations.Allow(event.ConversationID) {
		n.suppressed.Add(1)
		n.logger.Debug("suppressed repeat escalation", "conversation_id", event.ConversationID)
		return
	}

	select {
	case n.events <- event:
	default:
		n.dropped.Add(1)
		n.logger.Warn("notification buffer full, dropping event",
			"type", event.Type,
			"conversation_id", event.ConversationID,
			"tenant_id", event.TenantID)
	}
}

// Forget reopens the conversation's escalation window, e.g. once it leaves the queue.
func (n *Notifier) Forget(conversationID string) {
	if n.escalations != nil {
		n.escalations.Forget(conversationID)
	}
}

// Run delivers events until ctx is cancelled, then flushes what is buffered.
func (n *Notifier) Run(ctx context.Context) error {
	n.logger.Info("notifier started", "sinks", len(n.sinks))
	for {
		select {
		case event := <-n.events:
			n.deliver(ctx, event)
		case <-ctx.Done():
			n.flush()
			n.logger.Info("notifier stopped")
			return nil
		}
	}
}

func (n *Notifier) flush() {
	ctx := context.Background()
	for {
		select {
		case event := <-n.events:
			n.deliver(ctx, event)
		default:
			return
		}
	}
}

func (n *Notifier) deliver(ctx context.Context, event Event) {
	for _, sink := range n.sinks {
		sinkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
		err := sink.Publish(sinkCtx, event)
		cancel()
		if err != nil {
			n.logger.Error("failed to deliver event",
				"type", event.Type,
				"event_id", event.ID,
				"conversation_id", event.ConversationID,
				"error", err)
		}
	}
}

// Dropped returns how many events were lost to a full buffer.
func (n *Notifier) Dropped() int64 {
	return n.dropped.Load()
}

// Suppressed returns how many repeat escalations were not delivered.
func (n *Notifier) Suppressed() int64 {
	return n.suppressed.Load()
}
