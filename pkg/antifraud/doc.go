// Package antifraud guards the worker fleet against forged or gamed
// heartbeats.
//
// Verification runs five gates in a fixed order: signature over the
// canonical JSON payload (when a key is registered), timestamp
// freshness within five minutes of skew, monotonic points and check
// counters, a plausibility ceiling on the earning rate, and geographic
// stability. Only the last gate flags instead of rejecting, because a
// region change can be a legitimate relocation. Accepted state is
// sanitized to a conservative character set before storage.
//
// A periodic anomaly sweep complements the per-heartbeat gates by
// flagging workers whose totals sit far outside the fleet
// distribution.
package antifraud
