// Package scheduler drives probe execution for every active service
// across all nests.
//
// A single loop ticks at a fixed interval and visits scheduled
// services in priority order (high, normal, low), dispatching a probe
// command for every service whose next check time has passed. Services
// watching the same target with the same probe configuration share a
// cache key; within the dedup window only the first dispatch reaches
// the command exchange, and later services either consume the cached
// result or wait one tick for it to land.
//
// The scheduler also consumes the worker heartbeat stream. Every
// heartbeat passes through the antifraud verifier before it can touch
// stored worker state, and a janitor loop evicts workers that have
// gone silent and sweeps the surviving fleet for points anomalies.
//
// Scheduling state (per-service counters, next check times, global
// totals) is persisted on every change, so a restarted scheduler
// resumes without losing statistics or re-probing everything at once.
package scheduler
