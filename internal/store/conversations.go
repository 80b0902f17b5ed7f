// ABOUTME: SQLite store methods for conversations and the assignment compare-and-set
// ABOUTME: SwapAssignment is the single guarded mutation point for conversation ownership

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const conversationColumns = `id, tenant_id, status, assigned_agent_id, priority, department, language, created_at, updated_at`

// CreateConversation inserts a new conversation record.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	now := time.Now()
	created := conv.CreatedAt
	if created.IsZero() {
		created = now
	}
	updated := conv.UpdatedAt
	if updated.IsZero() {
		updated = created
	}

	query := `
		INSERT INTO conversations (` + conversationColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		conv.ID,
		conv.TenantID,
		conv.Status,
		nullString(conv.AssignedAgentID),
		int(conv.Priority),
		conv.Department,
		conv.Language,
		formatTime(created),
		formatTime(updated),
	)
	if err != nil {
		return fmt.Errorf("inserting conversation: %w", err)
	}
	return nil
}

// GetConversation retrieves a conversation by ID.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE id = ?`
	conv, err := scanConversation(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	return conv, nil
}

// ListAgentConversations returns the agent's open conversations, most recently updated first.
func (s *SQLiteStore) ListAgentConversations(ctx context.Context, agentID string) ([]*Conversation, error) {
	query := `
		SELECT ` + conversationColumns + ` FROM conversations
		WHERE assigned_agent_id = ? AND status NOT IN ('resolved', 'closed')
		ORDER BY updated_at DESC, id
	`
	rows, err := s.db.QueryContext(ctx, query, agentID)
	if err != nil {
		return nil, fmt.Errorf("listing agent conversations: %w", err)
	}
	defer rows.Close()

	convs := []*Conversation{}
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}
		convs = append(convs, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversations: %w", err)
	}
	return convs, nil
}

// CountActiveByAgent returns open conversation counts for every agent in the tenant
// that holds at least one.
func (s *SQLiteStore) CountActiveByAgent(ctx context.Context, tenantID string) (map[string]int, error) {
	query := `
		SELECT assigned_agent_id, COUNT(*) FROM conversations
		WHERE tenant_id = ? AND assigned_agent_id IS NOT NULL
		  AND status NOT IN ('resolved', 'closed')
		GROUP BY assigned_agent_id
	`
	rows, err := s.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("counting workloads: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var agentID string
		var n int
		if err := rows.Scan(&agentID, &n); err != nil {
			return nil, fmt.Errorf("scanning workload: %w", err)
		}
		counts[agentID] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating workloads: %w", err)
	}
	return counts, nil
}

// CountActiveForAgent returns the number of open conversations assigned to the agent.
func (s *SQLiteStore) CountActiveForAgent(ctx context.Context, agentID string) (int, error) {
	query := `
		SELECT COUNT(*) FROM conversations
		WHERE assigned_agent_id = ? AND status NOT IN ('resolved', 'closed')
	`
	var n int
	if err := s.db.QueryRowContext(ctx, query, agentID).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting agent workload: %w", err)
	}
	return n, nil
}

// SwapAssignment performs the conditional ownership update in a single statement so the
// precondition and the capacity bound are evaluated under SQLite's write lock.
func (s *SQLiteStore) SwapAssignment(ctx context.Context, conversationID string, expect, next Assignment, at time.Time, opts SwapOptions) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := swapAssignmentTx(ctx, tx, conversationID, expect, next, at, opts); err != nil {
		return err
	}

	if next.Status != ConversationQueued {
		if _, err := tx.ExecContext(ctx, `DELETE FROM queue_entries WHERE conversation_id = ?`, conversationID); err != nil {
			return fmt.Errorf("deleting queue entry: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing assignment: %w", err)
	}

	s.logger.Debug("conversation assignment swapped",
		"conversation_id", conversationID,
		"from_status", expect.Status,
		"from_agent", expect.AgentID,
		"to_status", next.Status,
		"to_agent", next.AgentID)
	return nil
}

func swapAssignmentTx(ctx context.Context, tx *sql.Tx, conversationID string, expect, next Assignment, at time.Time, opts SwapOptions) error {
	query := `
		UPDATE conversations
		SET status = ?, assigned_agent_id = ?, updated_at = ?
		WHERE id = ? AND status = ? AND COALESCE(assigned_agent_id, '') = ?
		  AND (? <= 0 OR (
			SELECT COUNT(*) FROM conversations c
			WHERE c.assigned_agent_id = ? AND c.status NOT IN ('resolved', 'closed') AND c.id <> ?
		  ) < ?)
	`
	result, err := tx.ExecContext(ctx, query,
		next.Status, nullString(next.AgentID), formatTime(at),
		conversationID, expect.Status, expect.AgentID,
		opts.MaxLoad, next.AgentID, conversationID, opts.MaxLoad,
	)
	if err != nil {
		return fmt.Errorf("updating assignment: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 1 {
		return nil
	}

	// Nothing changed: work out why.
	var status string
	var agentID sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT status, assigned_agent_id FROM conversations WHERE id = ?`,
		conversationID).Scan(&status, &agentID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("reading conversation after failed swap: %w", err)
	}
	if ConversationStatus(status) != expect.Status || agentID.String != expect.AgentID {
		return ErrConflict
	}
	return ErrAtCapacity
}

// ListQueuedConversationIDs returns the tenant's conversations whose status is queued.
func (s *SQLiteStore) ListQueuedConversationIDs(ctx context.Context, tenantID string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM conversations WHERE tenant_id = ? AND status = 'queued'`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("listing queued conversations: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning queued conversation: %w", err)
		}
		ids[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating queued conversations: %w", err)
	}
	return ids, nil
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var (
		c                Conversation
		status           string
		agentID          sql.NullString
		priority         int
		created, updated string
	)
	err := row.Scan(&c.ID, &c.TenantID, &status, &agentID, &priority,
		&c.Department, &c.Language, &created, &updated)
	if err != nil {
		return nil, err
	}
	c.Status = ConversationStatus(status)
	c.AssignedAgentID = agentID.String
	c.Priority = Priority(priority)
	if c.CreatedAt, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if c.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &c, nil
}
