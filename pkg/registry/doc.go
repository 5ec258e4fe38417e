// Package registry implements worker enrollment.
//
// A new worker ant POSTs its metadata and optional public key, enters
// a pending queue, and polls its status. A platform admin approves it
// with a region assignment, which provisions a dedicated broker user
// whose permissions reach exactly its own command queue plus the
// shared result and heartbeat exchanges. The generated broker password
// carries 256 bits of entropy and is released to the worker through
// the status endpoint only while the registration is approved and not
// revoked.
//
// Registration is rate limited per source IP over a sliding hour, and
// re-registration with a known worker id is idempotent so agents can
// restart without consuming quota or losing their approval.
package registry
