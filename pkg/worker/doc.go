// Package worker is the probe agent (a "worker ant").
//
// On first start it generates an Ed25519 keypair, registers with the
// platform, and persists its identity in a local bbolt file so
// restarts re-register idempotently. It then polls for approval; once
// granted it receives scoped broker credentials, consumes its own
// command queue, executes probes, and publishes results on the shared
// results exchange.
//
// Heartbeats carry cumulative counters and are signed with the agent's
// private key over the canonical payload, matching what the antifraud
// verifier checks server side. Commands that sat in the queue longer
// than twice the check interval (capped at a minute) are discarded
// rather than executed late.
package worker
