// Package store persists the local transcript cache.
//
// The agent service owns the authoritative message history; this cache is a
// client-side convenience. It lets the CLI show history instantly on
// startup, survive restarts, and answer /history without a network call.
// Writes are best-effort: a cache failure is logged, never propagated to the
// chat flow.
package store
