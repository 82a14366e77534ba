// ABOUTME: Package conn deduplicates realtime connections across callers.
// ABOUTME: A refcounted registry keyed by (agent, user) with grace-period teardown.

// Package conn provides a small registry that guarantees at most one live
// realtime connection per (agent, user) pair. Repeated Gets for the same
// pair share the connection; each Get hands back a release closure bound to
// that specific connection, and the last release starts a grace timer
// instead of closing immediately, which absorbs rapid reconnect churn from
// UI lifecycles.
package conn
