// Package relay maintains a single relay's network session: the status
// machine, the read/write loops, reconnection with backoff, health probes,
// per-connection subscription routing and the client side of the set
// reconciliation sub-protocol.
//
// A Relay owns its own goroutines; all mutable state is either behind the
// connection task or an atomic. Callers interact through Connect, Send,
// Publish, Subscribe, Sync and the notification callback.
package relay
