// ABOUTME: Background loop draining tenant queues into agents as capacity frees up
// ABOUTME: Runs on a poll interval and whenever the service signals new capacity or new work

package routing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/2389/switchboard/internal/queue"
)

// DefaultPollInterval is how often queues are drained without a kick.
const DefaultPollInterval = 5 * time.Second

// Dispatcher repeatedly assigns queued conversations to available agents.
type Dispatcher struct {
	service  *Service
	queue    *queue.Manager
	interval time.Duration
	logger   *slog.Logger
}

// NewDispatcher creates a Dispatcher. A non-positive interval uses DefaultPollInterval.
func NewDispatcher(service *Service, q *queue.Manager, interval time.Duration, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Dispatcher{
		service:  service,
		queue:    q,
		interval: interval,
		logger:   logger.With("component", "dispatcher"),
	}
}

// Run drains queues until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.logger.Info("dispatcher started", "interval", d.interval)
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopped")
			return nil
		case <-ticker.C:
		case <-d.service.kicks:
		}
		d.Drain(ctx)
	}
}

// Drain reloads the queue and agent availability, then assigns as many
// conversations as agents can take. Returns the number assigned.
func (d *Dispatcher) Drain(ctx context.Context) int {
	if err := d.queue.Sync(ctx); err != nil {
		d.logger.Warn("queue sync failed, draining local view", "error", err)
	}
	if err := d.service.tracker.Sync(ctx); err != nil {
		d.logger.Warn("availability sync failed", "error", err)
	}

	assigned := 0
	for _, tenantID := range d.queue.Tenants() {
		for ctx.Err() == nil {
			res, err := d.service.AssignNextInQueue(ctx, tenantID)
			if err != nil {
				if !errors.Is(err, ErrNoAgentAvailable) && !errors.Is(err, ErrQueueEmpty) {
					d.logger.Error("draining queue", "tenant_id", tenantID, "error", err)
				}
				break
			}
			assigned++
			d.logger.Debug("dispatched queued conversation",
				"tenant_id", tenantID,
				"conversation_id", res.ConversationID,
				"agent_id", res.AgentID)
		}
	}
	if assigned > 0 {
		d.logger.Info("queue drained", "assigned", assigned)
	}
	return assigned
}
