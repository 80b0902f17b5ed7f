// ABOUTME: SQLite store methods for queue entries
// ABOUTME: Enqueue flips the conversation to queued and inserts the entry in one transaction

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const queueColumns = `conversation_id, tenant_id, priority, queued_at, department, language, previous_status, previous_agent_id`

// EnqueueConversation moves the conversation from expect to queued and inserts the entry.
// Returns ErrConflict if the conversation changed underneath or is already queued.
func (s *SQLiteStore) EnqueueConversation(ctx context.Context, entry *QueueEntry, expect Assignment) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	queued := Assignment{Status: ConversationQueued}
	if err := swapAssignmentTx(ctx, tx, entry.ConversationID, expect, queued, entry.QueuedAt, SwapOptions{}); err != nil {
		return err
	}

	query := `INSERT INTO queue_entries (` + queueColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = tx.ExecContext(ctx, query,
		entry.ConversationID,
		entry.TenantID,
		int(entry.Priority),
		formatTime(entry.QueuedAt),
		entry.Department,
		entry.Language,
		entry.PreviousStatus,
		entry.PreviousAgentID,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrConflict
		}
		return fmt.Errorf("inserting queue entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing enqueue: %w", err)
	}

	s.logger.Debug("conversation enqueued",
		"conversation_id", entry.ConversationID,
		"tenant_id", entry.TenantID,
		"priority", entry.Priority)
	return nil
}

// UpdateQueuePriority sets the entry's priority and touches the conversation's updated_at.
func (s *SQLiteStore) UpdateQueuePriority(ctx context.Context, conversationID string, priority Priority, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx,
		`UPDATE queue_entries SET priority = ? WHERE conversation_id = ?`,
		int(priority), conversationID)
	if err != nil {
		return fmt.Errorf("updating queue priority: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`,
		formatTime(at), conversationID); err != nil {
		return fmt.Errorf("touching conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing priority update: %w", err)
	}
	return nil
}

// DeleteQueueEntry removes the conversation's queue entry, leaving the conversation as is.
func (s *SQLiteStore) DeleteQueueEntry(ctx context.Context, conversationID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM queue_entries WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return false, fmt.Errorf("deleting queue entry: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	return rows > 0, nil
}

// GetQueueEntry retrieves the queue entry for a conversation.
func (s *SQLiteStore) GetQueueEntry(ctx context.Context, conversationID string) (*QueueEntry, error) {
	query := `SELECT ` + queueColumns + ` FROM queue_entries WHERE conversation_id = ?`
	entry, err := scanQueueEntry(s.db.QueryRowContext(ctx, query, conversationID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying queue entry: %w", err)
	}
	return entry, nil
}

// ListQueueEntries returns every queue entry across tenants.
func (s *SQLiteStore) ListQueueEntries(ctx context.Context) ([]*QueueEntry, error) {
	query := `SELECT ` + queueColumns + ` FROM queue_entries ORDER BY tenant_id, priority DESC, queued_at`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing queue entries: %w", err)
	}
	defer rows.Close()

	entries := []*QueueEntry{}
	for rows.Next() {
		entry, err := scanQueueEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning queue entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating queue entries: %w", err)
	}
	return entries, nil
}

func scanQueueEntry(row rowScanner) (*QueueEntry, error) {
	var (
		e        QueueEntry
		priority int
		queuedAt string
		previous string
	)
	err := row.Scan(&e.ConversationID, &e.TenantID, &priority, &queuedAt,
		&e.Department, &e.Language, &previous, &e.PreviousAgentID)
	if err != nil {
		return nil, err
	}
	e.Priority = Priority(priority)
	e.PreviousStatus = ConversationStatus(previous)
	if e.QueuedAt, err = parseTime(queuedAt); err != nil {
		return nil, fmt.Errorf("parsing queued_at: %w", err)
	}
	return &e, nil
}
