// Package notifier delivers short operator notifications.
//
// Notifications are high-signal texts for the bot operator: new subscriber
// alerts, broadcast summaries, forwarded user messages. Notify only enqueues;
// a small worker pool sends them through the chat transport with a rate
// limit and jittered retries, so callers on the hot path never block on the
// network.
//
// # History
//
// The service keeps a bounded in-memory history of delivered notifications
// for diagnostics.
package notifier
