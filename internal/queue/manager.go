// ABOUTME: Queue manager holding conversations that could not be routed
// ABOUTME: Mutations are serialized per tenant; reads use an immutable published snapshot

package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/switchboard/internal/agent"
	"github.com/2389/switchboard/internal/store"
)

// DefaultServiceLevelTarget is the wait time a queued conversation should stay within.
const DefaultServiceLevelTarget = 2 * time.Minute

var (
	// ErrQueueEmpty indicates no queued conversation matched.
	ErrQueueEmpty = errors.New("queue is empty")

	// ErrNotQueued indicates the conversation has no live queue entry.
	ErrNotQueued = errors.New("conversation is not queued")

	// ErrNotTerminal indicates a cancellation was requested with a non-terminal status.
	ErrNotTerminal = errors.New("cancellation requires resolved or closed")

	// ErrNothingToRestore indicates Remove was asked to dequeue a conversation
	// that was already waiting for routing when it was queued. Taking only the
	// entry away would leave it queued with no entry; cancel it instead.
	ErrNothingToRestore = errors.New("conversation has no pre-queue state to restore")
)

// Store is the persistence the Manager needs.
type Store interface {
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	SwapAssignment(ctx context.Context, conversationID string, expect, next store.Assignment, at time.Time, opts store.SwapOptions) error
	ListQueuedConversationIDs(ctx context.Context, tenantID string) (map[string]bool, error)
	EnqueueConversation(ctx context.Context, entry *store.QueueEntry, expect store.Assignment) error
	UpdateQueuePriority(ctx context.Context, conversationID string, priority store.Priority, at time.Time) error
	DeleteQueueEntry(ctx context.Context, conversationID string) (bool, error)
	GetQueueEntry(ctx context.Context, conversationID string) (*store.QueueEntry, error)
	ListQueueEntries(ctx context.Context) ([]*store.QueueEntry, error)
}

// WorkloadSource supplies agent rows for queue statistics.
type WorkloadSource interface {
	Workloads(ctx context.Context, tenantID string) ([]agent.Workload, error)
}

// Entry is a queue entry with its position and wait time derived at read time.
type Entry struct {
	store.QueueEntry
	Position int // 1-based rank in the tenant's ordered queue
	WaitTime time.Duration
}

// snapshot is never mutated after it is published.
type snapshot struct {
	tenants  map[string][]store.QueueEntry // ordered by priority, then arrival
	index    map[string]string             // conversation ID -> tenant ID
	versions map[string]uint64             // tenant ID -> version of its last local change
}

// Manager orders queued conversations and computes queue statistics.
type Manager struct {
	store     Store
	workloads WorkloadSource
	target    time.Duration
	now       func() time.Time
	logger    *slog.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	publishMu sync.Mutex
	version   atomic.Uint64
	current   atomic.Pointer[snapshot]
}

// NewManager creates a Manager. A non-positive target uses DefaultServiceLevelTarget.
func NewManager(s Store, workloads WorkloadSource, target time.Duration, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if target <= 0 {
		target = DefaultServiceLevelTarget
	}
	m := &Manager{
		store:     s,
		workloads: workloads,
		target:    target,
		now:       time.Now,
		logger:    logger.With("component", "queue"),
		locks:     make(map[string]*sync.Mutex),
	}
	m.current.Store(&snapshot{
		tenants:  map[string][]store.QueueEntry{},
		index:    map[string]string{},
		versions: map[string]uint64{},
	})
	return m
}

// Add queues the conversation at the given priority and clears its agent.
// A conversation that already has a queue entry is rejected with store.ErrConflict.
func (m *Manager) Add(ctx context.Context, conversationID string, priority store.Priority) (*Entry, error) {
	conv, err := m.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("loading conversation: %w", err)
	}
	if conv.Status.Terminal() {
		return nil, fmt.Errorf("%w: conversation is %s", store.ErrConflict, conv.Status)
	}

	unlock := m.lockTenant(conv.TenantID)
	defer unlock()

	entry := store.QueueEntry{
		ConversationID:  conv.ID,
		TenantID:        conv.TenantID,
		Priority:        priority,
		QueuedAt:        m.now(),
		Department:      conv.Department,
		Language:        conv.Language,
		PreviousStatus:  conv.Status,
		PreviousAgentID: conv.AssignedAgentID,
	}
	if err := m.store.EnqueueConversation(ctx, &entry, conv.Assignment()); err != nil {
		return nil, fmt.Errorf("enqueueing conversation: %w", err)
	}
	m.put(entry)

	m.logger.Info("conversation queued",
		"conversation_id", conv.ID,
		"tenant_id", conv.TenantID,
		"priority", priority,
		"previous_status", conv.Status,
	)
	return m.find(conv.TenantID, conv.ID), nil
}

// Remove deletes the conversation's queue entry and restores the status and
// agent it had before it was queued. Returns false when there was no entry.
// A conversation that was already waiting for routing when it was queued has
// nothing to restore and is rejected with ErrNothingToRestore while it is
// still queued; Cancel is the way out for those.
func (m *Manager) Remove(ctx context.Context, conversationID string) (bool, error) {
	entry, err := m.store.GetQueueEntry(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		m.drop(conversationID)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("loading queue entry: %w", err)
	}

	unlock := m.lockTenant(entry.TenantID)
	defer unlock()

	restore := store.Assignment{Status: entry.PreviousStatus, AgentID: entry.PreviousAgentID}
	if restore.Status == "" || restore.Status == store.ConversationQueued {
		conv, err := m.store.GetConversation(ctx, conversationID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			return m.deleteStale(ctx, conversationID)
		case err != nil:
			return false, fmt.Errorf("loading conversation: %w", err)
		case conv.Status == store.ConversationQueued:
			return false, fmt.Errorf("%w: use cancellation", ErrNothingToRestore)
		}
		return m.deleteStale(ctx, conversationID)
	}

	err = m.store.SwapAssignment(ctx, conversationID, store.Assignment{Status: store.ConversationQueued}, restore, m.now(), store.SwapOptions{})
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		m.drop(conversationID)
		return false, nil
	case errors.Is(err, store.ErrConflict):
		return m.deleteStale(ctx, conversationID)
	default:
		return false, fmt.Errorf("restoring conversation: %w", err)
	}
	m.drop(conversationID)

	m.logger.Info("conversation removed from queue",
		"conversation_id", conversationID,
		"tenant_id", entry.TenantID,
		"restored_status", restore.Status,
		"restored_agent_id", restore.AgentID,
	)
	return true, nil
}

// Cancel removes the conversation from the queue and moves it to a terminal status.
// Returns false when there was no entry.
func (m *Manager) Cancel(ctx context.Context, conversationID string, terminal store.ConversationStatus) (bool, error) {
	if !terminal.Terminal() {
		return false, fmt.Errorf("%w: %q", ErrNotTerminal, terminal)
	}

	entry, err := m.store.GetQueueEntry(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		m.drop(conversationID)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("loading queue entry: %w", err)
	}

	unlock := m.lockTenant(entry.TenantID)
	defer unlock()

	err = m.store.SwapAssignment(ctx, conversationID,
		store.Assignment{Status: store.ConversationQueued},
		store.Assignment{Status: terminal},
		m.now(), store.SwapOptions{})
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		m.drop(conversationID)
		return false, nil
	case errors.Is(err, store.ErrConflict):
		if _, derr := m.deleteStale(ctx, conversationID); derr != nil {
			return false, derr
		}
		return false, fmt.Errorf("cancelling conversation: %w", err)
	default:
		return false, fmt.Errorf("cancelling conversation: %w", err)
	}
	m.drop(conversationID)

	m.logger.Info("queued conversation cancelled",
		"conversation_id", conversationID,
		"tenant_id", entry.TenantID,
		"status", terminal,
	)
	return true, nil
}

// deleteStale removes an entry whose conversation is no longer queued.
// Must be called with the tenant lock held.
func (m *Manager) deleteStale(ctx context.Context, conversationID string) (bool, error) {
	removed, err := m.store.DeleteQueueEntry(ctx, conversationID)
	if err != nil {
		return false, fmt.Errorf("deleting stale queue entry: %w", err)
	}
	m.drop(conversationID)
	m.logger.Warn("removed stale queue entry", "conversation_id", conversationID)
	return removed, nil
}

// Forget drops the conversation from the local view after the store already
// removed its entry, e.g. when it was assigned.
func (m *Manager) Forget(conversationID string) {
	m.drop(conversationID)
}

// List returns the tenant's queued conversations, highest priority first and
// oldest first within a priority. Entries whose conversation is no longer
// queued in the store are skipped.
func (m *Manager) List(ctx context.Context, tenantID string) ([]Entry, error) {
	queued, err := m.store.ListQueuedConversationIDs(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("listing queued conversations: %w", err)
	}
	return m.view(tenantID, queued), nil
}

// Next returns the head of the tenant's queue, optionally restricted to a
// department. Returns ErrQueueEmpty when nothing matches.
func (m *Manager) Next(ctx context.Context, tenantID, department string) (*Entry, error) {
	entries, err := m.List(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if department == "" || entries[i].Department == department {
			return &entries[i], nil
		}
	}
	return nil, ErrQueueEmpty
}

// Escalate raises the queued conversation to urgent regardless of its current
// priority. The reason is only logged. Returns ErrNotQueued when the
// conversation has no live queue entry.
func (m *Manager) Escalate(ctx context.Context, conversationID, reason string) (*Entry, error) {
	entry, err := m.store.GetQueueEntry(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotQueued
	}
	if err != nil {
		return nil, fmt.Errorf("loading queue entry: %w", err)
	}

	unlock := m.lockTenant(entry.TenantID)
	defer unlock()

	conv, err := m.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("loading conversation: %w", err)
	}
	if conv.Status != store.ConversationQueued {
		return nil, ErrNotQueued
	}

	err = m.store.UpdateQueuePriority(ctx, conversationID, store.PriorityUrgent, m.now())
	if errors.Is(err, store.ErrNotFound) {
		m.drop(conversationID)
		return nil, ErrNotQueued
	}
	if err != nil {
		return nil, fmt.Errorf("escalating conversation: %w", err)
	}

	previous := entry.Priority
	entry.Priority = store.PriorityUrgent
	m.put(*entry)

	m.logger.Info("conversation escalated",
		"conversation_id", conversationID,
		"tenant_id", entry.TenantID,
		"from", previous,
		"reason", reason,
	)
	return m.find(entry.TenantID, conversationID), nil
}

// Tenants returns the tenants that currently have queue entries.
func (m *Manager) Tenants() []string {
	snap := m.current.Load()
	tenants := make([]string, 0, len(snap.tenants))
	for id, entries := range snap.tenants {
		if len(entries) > 0 {
			tenants = append(tenants, id)
		}
	}
	sort.Strings(tenants)
	return tenants
}

// Sync reloads the local view from the store, picking up entries written by
// other processes. Tenants changed locally while the store was read keep
// their local view until the next Sync.
func (m *Manager) Sync(ctx context.Context) error {
	start := m.version.Load()
	all, err := m.store.ListQueueEntries(ctx)
	if err != nil {
		return fmt.Errorf("listing queue entries: %w", err)
	}

	loaded := make(map[string][]store.QueueEntry)
	for _, e := range all {
		loaded[e.TenantID] = append(loaded[e.TenantID], *e)
	}

	m.publishMu.Lock()
	defer m.publishMu.Unlock()

	cur := m.current.Load()
	next := &snapshot{
		tenants:  make(map[string][]store.QueueEntry, len(loaded)),
		index:    make(map[string]string, len(all)),
		versions: cur.versions,
	}
	for tenant, entries := range cur.tenants {
		if cur.versions[tenant] > start {
			next.tenants[tenant] = entries
		}
	}
	for tenant, entries := range loaded {
		if cur.versions[tenant] > start {
			continue
		}
		sortEntries(entries)
		next.tenants[tenant] = entries
	}
	for tenant, entries := range next.tenants {
		for _, e := range entries {
			next.index[e.ConversationID] = tenant
		}
	}
	m.current.Store(next)
	return nil
}

func (m *Manager) lockTenant(tenantID string) func() {
	m.locksMu.Lock()
	lock, ok := m.locks[tenantID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[tenantID] = lock
	}
	m.locksMu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// put inserts or replaces an entry and publishes a new snapshot.
func (m *Manager) put(entry store.QueueEntry) {
	m.publish(entry.TenantID, func(entries []store.QueueEntry) []store.QueueEntry {
		out := withoutConversation(entries, entry.ConversationID)
		out = append(out, entry)
		sortEntries(out)
		return out
	}, func(index map[string]string) {
		index[entry.ConversationID] = entry.TenantID
	})
}

// drop removes the conversation from the local view if present.
func (m *Manager) drop(conversationID string) {
	tenant, ok := m.current.Load().index[conversationID]
	if !ok {
		return
	}
	m.publish(tenant, func(entries []store.QueueEntry) []store.QueueEntry {
		return withoutConversation(entries, conversationID)
	}, func(index map[string]string) {
		delete(index, conversationID)
	})
}

func (m *Manager) publish(tenantID string, update func([]store.QueueEntry) []store.QueueEntry, reindex func(map[string]string)) {
	m.publishMu.Lock()
	defer m.publishMu.Unlock()

	cur := m.current.Load()
	next := &snapshot{
		tenants:  make(map[string][]store.QueueEntry, len(cur.tenants)+1),
		index:    make(map[string]string, len(cur.index)+1),
		versions: make(map[string]uint64, len(cur.versions)+1),
	}
	for k, v := range cur.tenants {
		next.tenants[k] = v
	}
	for k, v := range cur.index {
		next.index[k] = v
	}
	for k, v := range cur.versions {
		next.versions[k] = v
	}

	next.tenants[tenantID] = update(cur.tenants[tenantID])
	if len(next.tenants[tenantID]) == 0 {
		delete(next.tenants, tenantID)
	}
	reindex(next.index)
	next.versions[tenantID] = m.version.Add(1)
	m.current.Store(next)
}

// view derives positions and wait times. When queued is non-nil, entries not
// in it are skipped.
func (m *Manager) view(tenantID string, queued map[string]bool) []Entry {
	entries := m.current.Load().tenants[tenantID]
	now := m.now()

	result := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if queued != nil && !queued[e.ConversationID] {
			continue
		}
		wait := now.Sub(e.QueuedAt)
		if wait < 0 {
			wait = 0
		}
		result = append(result, Entry{
			QueueEntry: e,
			Position:   len(result) + 1,
			WaitTime:   wait,
		})
	}
	return result
}

func (m *Manager) find(tenantID, conversationID string) *Entry {
	for _, e := range m.view(tenantID, nil) {
		if e.ConversationID == conversationID {
			return &e
		}
	}
	return nil
}

func withoutConversation(entries []store.QueueEntry, conversationID string) []store.QueueEntry {
	out := make([]store.QueueEntry, 0, len(entries)+1)
	for _, e := range entries {
		if e.ConversationID != conversationID {
			out = append(out, e)
		}
	}
	return out
}

// sortEntries orders by priority descending, then arrival, then conversation ID.
func sortEntries(entries []store.QueueEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.QueuedAt.Equal(b.QueuedAt) {
			return a.QueuedAt.Before(b.QueuedAt)
		}
		return a.ConversationID < b.ConversationID
	})
}
