// Package session implements the conversation client for the hosted agent
// service.
//
// A Client owns exactly one logical session: it creates the session, sends
// user messages with optimistic local state, merges agent replies discovered
// by the polling loop or the realtime socket, and tears the session down.
// Every message in the local transcript moves through a small state machine
// (pending -> delivered | error); transitions happen only on awaited call
// outcomes.
//
// Duplicate suppression is by message ID: the merge step consults a dedupe
// cache and never admits an ID twice, which also makes out-of-order arrival
// of network responses harmless.
package session
