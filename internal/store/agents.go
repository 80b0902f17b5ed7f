// ABOUTME: SQLite store methods for agents and department membership
// ABOUTME: Agents carry availability status, language and capacity used by routing

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const agentColumns = `id, tenant_id, name, role, active, status, preferred_language, last_activity_at, max_concurrent`

// CreateAgent inserts a new agent record.
func (s *SQLiteStore) CreateAgent(ctx context.Context, agent *Agent) error {
	status := agent.Status
	if status == "" {
		status = AgentOffline
	}
	var lastActivity sql.NullString
	if !agent.LastActivityAt.IsZero() {
		lastActivity = nullString(formatTime(agent.LastActivityAt))
	}

	query := `
		INSERT INTO agents (` + agentColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		agent.ID,
		agent.TenantID,
		agent.Name,
		agent.Role,
		agent.Active,
		status,
		agent.PreferredLanguage,
		lastActivity,
		agent.MaxConcurrent,
	)
	if err != nil {
		return fmt.Errorf("inserting agent: %w", err)
	}
	return nil
}

// GetAgent retrieves an agent by ID.
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE id = ?`
	agent, err := scanAgent(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent: %w", err)
	}
	return agent, nil
}

// ListAgentsByTenant returns every agent in the tenant ordered by ID.
func (s *SQLiteStore) ListAgentsByTenant(ctx context.Context, tenantID string) ([]*Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE tenant_id = ? ORDER BY id`
	return s.queryAgents(ctx, query, tenantID)
}

// ListAgentStatuses returns all agents that have reported a status other than offline.
func (s *SQLiteStore) ListAgentStatuses(ctx context.Context) ([]*Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE status <> 'offline' OR last_activity_at IS NOT NULL ORDER BY id`
	return s.queryAgents(ctx, query)
}

// UpdateAgentStatus overwrites the agent's status and last activity time.
func (s *SQLiteStore) UpdateAgentStatus(ctx context.Context, id string, status AgentStatus, at time.Time) error {
	query := `UPDATE agents SET status = ?, last_activity_at = ? WHERE id = ?`
	result, err := s.db.ExecContext(ctx, query, status, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("updating agent status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// SetAgentDepartments replaces the agent's department memberships.
func (s *SQLiteStore) SetAgentDepartments(ctx context.Context, agentID string, departments []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM agent_departments WHERE agent_id = ?`, agentID); err != nil {
		return fmt.Errorf("clearing departments: %w", err)
	}
	for _, dept := range departments {
		dept = strings.TrimSpace(dept)
		if dept == "" {
			continue
		}
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO agent_departments (agent_id, department) VALUES (?, ?)`,
			agentID, dept)
		if err != nil {
			return fmt.Errorf("inserting department %q: %w", dept, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing departments: %w", err)
	}
	return nil
}

// ListDepartmentMembers returns the IDs of the tenant's agents in the department.
func (s *SQLiteStore) ListDepartmentMembers(ctx context.Context, tenantID, department string) ([]string, error) {
	query := `
		SELECT d.agent_id FROM agent_departments d
		JOIN agents a ON a.id = d.agent_id
		WHERE a.tenant_id = ? AND d.department = ?
		ORDER BY d.agent_id
	`
	rows, err := s.db.QueryContext(ctx, query, tenantID, department)
	if err != nil {
		return nil, fmt.Errorf("listing department members: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning department member: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating department members: %w", err)
	}
	return ids, nil
}

func (s *SQLiteStore) queryAgents(ctx context.Context, query string, args ...any) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	defer rows.Close()

	agents := []*Agent{}
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning agent: %w", err)
		}
		agents = append(agents, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating agents: %w", err)
	}
	return agents, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*Agent, error) {
	var (
		a            Agent
		role, status string
		lastActivity sql.NullString
	)
	err := row.Scan(&a.ID, &a.TenantID, &a.Name, &role, &a.Active, &status,
		&a.PreferredLanguage, &lastActivity, &a.MaxConcurrent)
	if err != nil {
		return nil, err
	}
	a.Role = Role(role)
	a.Status = AgentStatus(status)
	if lastActivity.Valid {
		if a.LastActivityAt, err = parseTime(lastActivity.String); err != nil {
			return nil, fmt.Errorf("parsing last_activity_at: %w", err)
		}
	}
	return &a, nil
}
