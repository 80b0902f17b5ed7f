// ABOUTME: Unit tests for MockStore behavior that SQLiteStore has no equivalent for
// ABOUTME: Covers injected write failures and isolation of returned records

package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockStore_FailNextWriteIsOneShot(t *testing.T) {
	ctx := context.Background()
	m := NewMockStore()
	seedConversation(t, m, "c1", "t1", ConversationQueued, "")

	boom := errors.New("disk full")
	m.FailNextWrite(boom)

	next := Assignment{Status: ConversationActive, AgentID: "a1"}
	err := m.SwapAssignment(ctx, "c1", Assignment{Status: ConversationQueued}, next, time.Now(), SwapOptions{})
	assert.ErrorIs(t, err, boom)

	conv, err := m.GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, ConversationQueued, conv.Status, "failed write must not change state")

	err = m.SwapAssignment(ctx, "c1", Assignment{Status: ConversationQueued}, next, time.Now(), SwapOptions{})
	assert.NoError(t, err)
}

func TestMockStore_FailNextWriteSkipsReads(t *testing.T) {
	ctx := context.Background()
	m := NewMockStore()
	seedAgent(t, m, "a1", "t1")

	boom := errors.New("locked")
	m.FailNextWrite(boom)

	_, err := m.GetAgent(ctx, "a1")
	require.NoError(t, err)
	_, err = m.ListAgentsByTenant(ctx, "t1")
	require.NoError(t, err)

	assert.ErrorIs(t, m.UpdateAgentStatus(ctx, "a1", AgentOnline, time.Now()), boom)
}

func TestMockStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMockStore()
	seedAgent(t, m, "a1", "t1")
	seedConversation(t, m, "c1", "t1", ConversationActive, "a1")

	a, err := m.GetAgent(ctx, "a1")
	require.NoError(t, err)
	a.Status = AgentOnline

	c, err := m.GetConversation(ctx, "c1")
	require.NoError(t, err)
	c.AssignedAgentID = "someone-else"

	a, err = m.GetAgent(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, AgentOffline, a.Status)

	c, err = m.GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "a1", c.AssignedAgentID)
}

func TestMockStore_DuplicateIDs(t *testing.T) {
	m := NewMockStore()
	seedAgent(t, m, "a1", "t1")
	seedConversation(t, m, "c1", "t1", ConversationQueued, "")

	assert.Error(t, m.CreateAgent(context.Background(), &Agent{ID: "a1", TenantID: "t1"}))
	assert.Error(t, m.CreateConversation(context.Background(), &Conversation{ID: "c1", TenantID: "t1", Status: ConversationQueued}))
}
