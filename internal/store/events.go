// ABOUTME: Routing history store: an append-only log of assignment, queue and transfer events
// ABOUTME: Pages through a conversation's history with opaque cursors

package store

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// History page size bounds.
const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)

// ErrInvalidCursor is returned when a history cursor cannot be decoded
var ErrInvalidCursor = errors.New("invalid history cursor")

// RoutingEvent is one recorded routing fact for a conversation
type RoutingEvent struct {
	ID             string
	ConversationID string
	TenantID       string
	Type           string // e.g. conversation.assigned
	AgentID        string
	FromAgentID    string
	Priority       Priority
	Reason         string
	OccurredAt     time.Time
}

// HistoryParams selects a page of a conversation's routing history.
type HistoryParams struct {
	ConversationID string // required
	Limit          int    // 1-500, defaults to 50
	Cursor         string // opaque cursor from a previous page
}

// HistoryPage is one page of routing events, oldest first.
type HistoryPage struct {
	Events     []RoutingEvent
	NextCursor string // empty when there are no more events
}

// HistoryStore records and pages routing history
type HistoryStore interface {
	SaveRoutingEvent(ctx context.Context, event *RoutingEvent) error
	ListRoutingEvents(ctx context.Context, p HistoryParams) (*HistoryPage, error)
}

func (p *HistoryParams) normalize() error {
	if p.ConversationID == "" {
		return errors.New("conversation ID required")
	}
	if p.Limit <= 0 {
		p.Limit = DefaultHistoryLimit
	}
	if p.Limit > MaxHistoryLimit {
		p.Limit = MaxHistoryLimit
	}
	return nil
}

// Cursors wrap the row sequence number so clients cannot depend on it.
func encodeCursor(seq int64) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.FormatInt(seq, 10)))
}

func decodeCursor(cursor string) (int64, error) {
	if cursor == "" {
		return 0, nil
	}
	decoded, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	seq, err := strconv.ParseInt(string(decoded), 10, 64)
	if err != nil || seq < 0 {
		return 0, ErrInvalidCursor
	}
	return seq, nil
}

// SaveRoutingEvent appends an event to the conversation's history.
func (s *SQLiteStore) SaveRoutingEvent(ctx context.Context, event *RoutingEvent) error {
	query := `
		INSERT INTO routing_events (
			event_id, conversation_id, tenant_id, type, agent_id, from_agent_id, priority, reason, occurred_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		event.ConversationID,
		event.TenantID,
		event.Type,
		event.AgentID,
		event.FromAgentID,
		int(event.Priority),
		event.Reason,
		formatTime(event.OccurredAt),
	)
	if err != nil {
		return fmt.Errorf("inserting routing event: %w", err)
	}

	s.logger.Debug("saved routing event",
		"event_id", event.ID,
		"conversation_id", event.ConversationID,
		"type", event.Type,
	)
	return nil
}

// ListRoutingEvents returns a page of the conversation's history in insertion order.
func (s *SQLiteStore) ListRoutingEvents(ctx context.Context, p HistoryParams) (*HistoryPage, error) {
	if err := p.normalize(); err != nil {
		return nil, err
	}
	after, err := decodeCursor(p.Cursor)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT seq, event_id, conversation_id, tenant_id, type, agent_id, from_agent_id, priority, reason, occurred_at
		FROM routing_events
		WHERE conversation_id = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?
	`

	// Fetch one extra row to know whether another page exists.
	rows, err := s.db.QueryContext(ctx, query, p.ConversationID, after, p.Limit+1)
	if err != nil {
		return nil, fmt.Errorf("querying routing events: %w", err)
	}
	defer rows.Close()

	page := &HistoryPage{Events: []RoutingEvent{}}
	var lastSeq int64
	for rows.Next() {
		if len(page.Events) == p.Limit {
			page.NextCursor = encodeCursor(lastSeq)
			break
		}

		var (
			e          RoutingEvent
			seq        int64
			priority   int
			occurredAt string
		)
		if err := rows.Scan(&seq, &e.ID, &e.ConversationID, &e.TenantID, &e.Type,
			&e.AgentID, &e.FromAgentID, &priority, &e.Reason, &occurredAt); err != nil {
			return nil, fmt.Errorf("scanning routing event row: %w", err)
		}
		e.Priority = Priority(priority)
		if e.OccurredAt, err = parseTime(occurredAt); err != nil {
			return nil, fmt.Errorf("parsing occurred_at: %w", err)
		}
		page.Events = append(page.Events, e)
		lastSeq = seq
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating routing event rows: %w", err)
	}
	return page, nil
}
