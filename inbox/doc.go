// Package inbox implements the durable per-recipient message queue of a
// Hyperborea server.
//
// Envelopes are appended under a monotonically increasing sequence number
// per (recipient, channel) queue and survive process restarts. Peek is
// non-destructive; Pop removes everything up to an acknowledged sequence
// number, giving at-least-once delivery: a crash between the two causes
// redelivery, which is the declared contract.
package inbox
