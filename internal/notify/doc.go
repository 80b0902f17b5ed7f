// Package notify publishes routing facts (assigned, transferred, queued,
// escalated, cancelled) without letting delivery affect routing.
//
// # Sinks
//
//   - Broadcaster: in-memory fan-out per tenant, feeding SSE subscribers
//   - AMQPPublisher: RabbitMQ topic exchange for analytics, JSON envelope
//   - HistorySink: per-conversation routing history in the store
//
// # Notifier
//
// Callers hand events to Notifier.Notify, which never blocks. A background
// Run loop delivers each event to every sink with a per-sink timeout. A full
// buffer drops the event; a sink error is logged. Neither is reported back to
// the routing operation that produced the event.
//
// Repeat escalations of the same conversation within the dedupe window are
// delivered once.
package notify
