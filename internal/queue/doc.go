// Package queue holds conversations waiting for an agent.
//
// Entries are ordered by priority (urgent first), then by arrival. Position
// and wait time are derived on every read and never stored.
//
// Add, Remove, Cancel and Escalate persist through the store first and are
// serialized per tenant. Reads work on an immutable snapshot and take no
// lock. Entries written by other processes become visible after Sync.
//
// Remove restores the status and agent the conversation had before it was
// queued. Cancel is the separate path for conversations that are being
// resolved or closed instead of assigned.
package queue
