// ABOUTME: Tests for the routing history store
// ABOUTME: Covers append, per-conversation filtering, paging and cursor validation

package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_RoutingHistoryPaging(t *testing.T) {
	for name, s := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

			for i := range 5 {
				require.NoError(t, s.SaveRoutingEvent(ctx, &RoutingEvent{
					ID:             fmt.Sprintf("e%d", i),
					ConversationID: "c1",
					TenantID:       "t1",
					Type:           "conversation.queued",
					Priority:       PriorityHigh,
					OccurredAt:     base.Add(time.Duration(i) * time.Second),
				}))
				// Interleave another conversation's history.
				require.NoError(t, s.SaveRoutingEvent(ctx, &RoutingEvent{
					ID:             fmt.Sprintf("x%d", i),
					ConversationID: "c2",
					TenantID:       "t1",
					Type:           "conversation.assigned",
					AgentID:        "a1",
					OccurredAt:     base,
				}))
			}

			page, err := s.ListRoutingEvents(ctx, HistoryParams{ConversationID: "c1", Limit: 2})
			require.NoError(t, err)
			require.Len(t, page.Events, 2)
			assert.Equal(t, "e0", page.Events[0].ID)
			assert.Equal(t, "e1", page.Events[1].ID)
			assert.Equal(t, PriorityHigh, page.Events[0].Priority)
			assert.True(t, page.Events[0].OccurredAt.Equal(base))
			require.NotEmpty(t, page.NextCursor)

			var ids []string
			for _, e := range page.Events {
				ids = append(ids, e.ID)
			}
			for page.NextCursor != "" {
				page, err = s.ListRoutingEvents(ctx, HistoryParams{ConversationID: "c1", Limit: 2, Cursor: page.NextCursor})
				require.NoError(t, err)
				for _, e := range page.Events {
					ids = append(ids, e.ID)
				}
			}
			assert.Equal(t, []string{"e0", "e1", "e2", "e3", "e4"}, ids)
		})
	}
}

func TestStore_RoutingHistoryEmptyAndInvalid(t *testing.T) {
	for name, s := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			page, err := s.ListRoutingEvents(ctx, HistoryParams{ConversationID: "nobody"})
			require.NoError(t, err)
			assert.Empty(t, page.Events)
			assert.Empty(t, page.NextCursor)

			_, err = s.ListRoutingEvents(ctx, HistoryParams{ConversationID: "c1", Cursor: "%%%"})
			assert.ErrorIs(t, err, ErrInvalidCursor)

			_, err = s.ListRoutingEvents(ctx, HistoryParams{})
			assert.Error(t, err)
		})
	}
}

func TestStore_RoutingHistoryDuplicateID(t *testing.T) {
	for name, s := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			event := &RoutingEvent{ID: "e1", ConversationID: "c1", TenantID: "t1", Type: "conversation.queued", OccurredAt: time.Now()}

			require.NoError(t, s.SaveRoutingEvent(ctx, event))
			assert.Error(t, s.SaveRoutingEvent(ctx, event))
		})
	}
}

func TestHistoryParams_LimitBounds(t *testing.T) {
	p := HistoryParams{ConversationID: "c1"}
	require.NoError(t, p.normalize())
	assert.Equal(t, DefaultHistoryLimit, p.Limit)

	p = HistoryParams{ConversationID: "c1", Limit: 10_000}
	require.NoError(t, p.normalize())
	assert.Equal(t, MaxHistoryLimit, p.Limit)
}
