/*
Package storage provides the tenant-scoped key/value persistence layer.

A single Store interface exposes raw get/put/delete/list plus typed
wrappers for every platform entity. The only implementation is backed
by Redis, which supplies the TTLs, hashes, sorted sets, and pub/sub
channels the key scheme depends on.

# Key Scheme

Keys are colon-delimited and tenant-first for every tenant-owned entity:

	nest:<nestId>
	nest:subdomain:<subdomain>        secondary index -> nestId
	nest:<nestId>:services            set of service ids
	service:<serviceId>               value carries nestId
	metrics:<serviceId>:<unixMillis>:<period>
	incident:<incidentId>
	incident:open:<serviceId>:<type>  open-incident index
	billing:<billingId>
	audit:<auditId>
	status:<nestId>:<serviceId>       derived latest-state cache
	scheduler:services                hash, scheduler-owned
	scheduler:stats:global
	check:cache:<cacheKey>            TTL = dedup window
	workers:registrations             hash
	workers:pending                   sorted set by arrival time
	workers:by-owner:<email>          set
	workers:heartbeat                 hash
	worker:state:<workerId>           TTL 24h
	user:<userId>, user:email:<email>
	auth:attempts:<email>             sorted set by timestamp
	session:refresh:<token>           TTL = refresh lifetime

# Tenant Isolation

Cross-tenant reads are forbidden. Every typed lookup by service, metric,
or incident id verifies the loaded record's nestId against the calling
context's nest and reports a mismatch as ErrNotFound, indistinguishable
from absence.

# Degraded Mode

A circuit breaker trips the store onto a process-local memory fallback
after consecutive Redis failures. Successful primary reads keep the
fallback warm, so recently seen data stays readable through an outage;
writes made while degraded succeed locally and are marked dirty. Dirty
entries are never reconciled back to the primary - degraded mode is
best-effort continuity, not a second source of truth.
*/
package storage
