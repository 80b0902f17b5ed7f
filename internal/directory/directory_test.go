// ABOUTME: Tests for the department directory
// ABOUTME: Covers membership lookups, cache hits and invalidation on membership changes

package directory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/switchboard/internal/store"
)

type countingStore struct {
	*store.MockStore
	lookups int
	err     error
}

func (c *countingStore) ListDepartmentMembers(ctx context.Context, tenantID, department string) ([]string, error) {
	c.lookups++
	if c.err != nil {
		return nil, c.err
	}
	return c.MockStore.ListDepartmentMembers(ctx, tenantID, department)
}

func newCountingStore(t *testing.T) *countingStore {
	t.Helper()
	s := store.NewMockStore()
	for _, id := range []string{"a1", "a2"} {
		require.NoError(t, s.CreateAgent(context.Background(), &store.Agent{ID: id, TenantID: "t1", Role: store.RoleAgent, Active: true}))
	}
	return &countingStore{MockStore: s}
}

func TestDirectory_CachesLookups(t *testing.T) {
	ctx := t.Context()
	s := newCountingStore(t)
	d := New(s, 0, time.Minute, nil)

	require.NoError(t, d.SetAgentDepartments(ctx, "a1", []string{"billing", "sales"}))

	ids, err := d.Members(ctx, "t1", "billing")
	require.NoError(t, err)
	assert.Equal(t, []string{"a1"}, ids)

	ids, err = d.Members(ctx, "t1", "billing")
	require.NoError(t, err)
	assert.Equal(t, []string{"a1"}, ids)
	assert.Equal(t, 1, s.lookups)

	hits, misses := d.Stats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(1), misses)
}

func TestDirectory_UpdatePurgesCache(t *testing.T) {
	ctx := t.Context()
	s := newCountingStore(t)
	d := New(s, 0, time.Minute, nil)

	ids, err := d.Members(ctx, "t1", "billing")
	require.NoError(t, err)
	assert.Empty(t, ids)

	require.NoError(t, d.SetAgentDepartments(ctx, "a2", []string{"billing"}))

	ids, err = d.Members(ctx, "t1", "billing")
	require.NoError(t, err)
	assert.Equal(t, []string{"a2"}, ids)
	assert.Equal(t, 2, s.lookups)
}

func TestDirectory_TenantsAreSeparate(t *testing.T) {
	ctx := t.Context()
	s := newCountingStore(t)
	d := New(s, 0, time.Minute, nil)
	require.NoError(t, d.SetAgentDepartments(ctx, "a1", []string{"billing"}))

	ids, err := d.Members(ctx, "t2", "billing")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestDirectory_LookupErrorIsNotCached(t *testing.T) {
	ctx := t.Context()
	s := newCountingStore(t)
	d := New(s, 0, time.Minute, nil)

	boom := errors.New("connection refused")
	s.err = boom
	_, err := d.Members(ctx, "t1", "billing")
	require.ErrorIs(t, err, boom)

	s.err = nil
	_, err = d.Members(ctx, "t1", "billing")
	require.NoError(t, err)
	assert.Equal(t, 2, s.lookups)
}
