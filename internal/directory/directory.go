// ABOUTME: Department directory resolving which agents belong to a department
// ABOUTME: Membership lookups are cached in a bounded LRU with a TTL

package directory

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	// DefaultCacheSize is the number of (tenant, department) lookups kept.
	DefaultCacheSize = 1024

	// DefaultCacheTTL bounds how stale a cached membership list can be.
	DefaultCacheTTL = 30 * time.Second
)

// Store is the membership persistence the directory reads and writes.
type Store interface {
	ListDepartmentMembers(ctx context.Context, tenantID, department string) ([]string, error)
	SetAgentDepartments(ctx context.Context, agentID string, departments []string) error
}

// Directory resolves department membership for routing.
type Directory struct {
	store  Store
	cache  *expirable.LRU[string, []string]
	logger *slog.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

// New creates a Directory. Non-positive size or ttl use the defaults.
func New(s Store, size int, ttl time.Duration, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	if size <= 0 {
		size = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Directory{
		store:  s,
		cache:  expirable.NewLRU[string, []string](size, nil, ttl),
		logger: logger.With("component", "directory"),
	}
}

// Members returns the IDs of the tenant's agents in the department.
func (d *Directory) Members(ctx context.Context, tenantID, department string) ([]string, error) {
	key := tenantID + "\x00" + department
	if ids, ok := d.cache.Get(key); ok {
		d.hits.Add(1)
		return ids, nil
	}
	d.misses.Add(1)

	ids, err := d.store.ListDepartmentMembers(ctx, tenantID, department)
	if err != nil {
		return nil, fmt.Errorf("listing department members: %w", err)
	}
	d.cache.Add(key, ids)
	return ids, nil
}

// SetAgentDepartments replaces the agent's memberships and drops cached lookups.
func (d *Directory) SetAgentDepartments(ctx context.Context, agentID string, departments []string) error {
	if err := d.store.SetAgentDepartments(ctx, agentID, departments); err != nil {
		return fmt.Errorf("setting agent departments: %w", err)
	}
	d.cache.Purge()
	d.logger.Info("agent departments updated", "agent_id", agentID, "departments", departments)
	return nil
}

// Stats returns cache hit and miss counts.
func (d *Directory) Stats() (hits, misses int64) {
	return d.hits.Load(), d.misses.Load()
}
