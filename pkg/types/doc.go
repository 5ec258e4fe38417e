/*
Package types defines the core data structures used throughout Nestwatch.

This package contains the domain model shared by every process of the
platform: tenants (nests), monitored services (watchers), probe results,
metric rollups, incidents, worker registrations, heartbeat state, and
admin-side principals. All other packages depend on it for storage,
message-bus payloads, and scheduling logic.

# Core Types

Tenancy:
  - Nest: A tenant account with subdomain, tier, and lifecycle status
  - Tier: Subscription level carrying the service quota and minimum
    check interval (free=5/60s, pro=25/30s, unlimited=1000/10s)

Monitoring:
  - Service: A probe definition owned by a nest, with a ServiceType tag
    and a matching ProbeConfig variant (WebConfig, TCPConfig, ...)
  - ScheduledService: Scheduler-internal pairing of a Service with its
    timing state and rolling counters
  - ProbeResult: One probe outcome reported by a worker
  - MetricRollup: Hour/day/month aggregate for a service
  - Incident: An outage window; one open per (service, type)

Worker fleet:
  - WorkerRecord: Platform-global registration of a probe agent,
    including its approval state and issued broker credentials
  - Heartbeat: Signed periodic status report from a worker
  - WorkerState: Last accepted heartbeat-derived state; TotalPoints and
    ChecksCompleted are monotonically non-decreasing

Auth:
  - User: Admin-side principal with role and optional 2FA secret
  - AuthAttempt: Login attempt row used for rate-limit decisions

All types serialize to JSON with the exact field names used on the wire
by the message bus and the registration API.
*/
package types
