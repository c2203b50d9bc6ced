// Package broadcast sends one message to many recipients through a connected
// session's socket.
//
// Delivery semantics
//
// A broadcast is synchronous: recipients are attempted one at a time, in input
// order, with a pacing wait between attempts (none after the last one). A
// failed recipient is recorded with its error detail and the batch continues.
// Failed sends may be retried up to Config.RetryMax times.
//
// The session must be connected when the call starts; otherwise ErrNotConnected
// is returned and nothing is sent. The socket is captured once, so a session
// that drops mid-run fails the remaining recipients individually.
//
// Two broadcasts on the same session are not serialized; their sends may
// interleave on the wire.
//
// History
//
// Every call records a Run (ULID id, counters, timestamps). History is kept in
// memory and bounded by count and age; Prune enforces both.
package broadcast
