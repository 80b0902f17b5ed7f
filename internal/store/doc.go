// Package store provides persistence for switchboard's routing records.
//
// # Architecture
//
// The store package splits its contract into narrow interfaces:
//
//   - AgentStore: agents, availability status, capacity
//   - ConversationStore: conversations and the assignment compare-and-set
//   - QueueStore: queue entries for conversations waiting on an agent
//   - DepartmentStore: department membership used by the directory
//
// Store composes all four. SQLiteStore and MockStore both implement Store.
//
// # Conditional Updates
//
// Conversation ownership only changes through SwapAssignment (and
// EnqueueConversation, which is SwapAssignment to queued plus an insert).
// The caller passes the assignment it observed; the update applies only if
// the row still matches:
//
//	err := s.SwapAssignment(ctx, convID,
//	    store.Assignment{Status: store.ConversationQueued},
//	    store.Assignment{Status: store.ConversationActive, AgentID: agentID},
//	    time.Now(), store.SwapOptions{MaxLoad: 5})
//
// Results:
//
//   - nil: the update applied; any queue entry was removed unless the new
//     status is queued
//   - ErrNotFound: no such conversation
//   - ErrConflict: the conversation no longer matches expect
//   - ErrAtCapacity: SwapOptions.MaxLoad would be exceeded
//
// In SQLite the precondition and capacity bound are part of a single UPDATE
// statement, so they hold across processes sharing the database file.
//
// # SQLite Configuration
//
// Two drivers are supported:
//
//   - "sqlite": modernc.org/sqlite, pure Go (default)
//   - "sqlite3": github.com/mattn/go-sqlite3, requires cgo
//
// The store uses WAL mode and foreign keys:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// # Testing
//
// Use NewMockStore() for unit tests. FailNextWrite injects a transient
// failure into the next mutating call.
//
// Use NewSQLiteStore(":memory:") for integration tests with real SQLite.
package store
