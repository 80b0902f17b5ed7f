// Package dedupe suppresses repeats of the same key within a time window.
//
// The notifier admits each escalation through Allow keyed by conversation, so
// repeated escalations inside the window produce one alert. Forget reopens a
// key early, e.g. when the conversation leaves the queue.
package dedupe
