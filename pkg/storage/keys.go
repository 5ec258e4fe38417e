package storage

import (
	"fmt"
)

// Key scheme: colon-delimited, tenant-first for every tenant-owned
// entity. Changing any of these breaks on-disk compatibility.
const (
	keyPendingWorkers      = "workers:pending"
	keyWorkerRegistrations = "workers:registrations"
	keyWorkerHeartbeats    = "workers:heartbeat"
	keySchedulerServices   = "scheduler:services"
	keySchedulerStats      = "scheduler:stats:global"
)

func keyNest(nestID string) string { return "nest:" + nestID }

func keyNestSubdomain(subdomain string) string { return "nest:subdomain:" + subdomain }

func keyNestServices(nestID string) string { return "nest:" + nestID + ":services" }

func keyService(serviceID string) string { return "service:" + serviceID }

func keyMetrics(serviceID string, windowStart int64) string {
	return fmt.Sprintf("metrics:%s:%d", serviceID, windowStart)
}

func keyIncident(incidentID string) string { return "incident:" + incidentID }

func keyOpenIncident(serviceID string, typ string) string {
	return "incident:open:" + serviceID + ":" + typ
}

func keyBilling(billingID string) string { return "billing:" + billingID }

func keyAudit(auditID string) string { return "audit:" + auditID }

func keyStatus(nestID, serviceID string) string {
	return "status:" + nestID + ":" + serviceID
}

func keyCheckCache(cacheKey string) string { return "check:cache:" + cacheKey }

func keyWorkersByOwner(email string) string { return "workers:by-owner:" + email }

func keyWorkerState(workerID string) string { return "worker:state:" + workerID }

func keyUser(userID string) string { return "user:" + userID }

func keyUserEmail(email string) string { return "user:email:" + email }

func keyAuthAttempts(email string) string { return "auth:attempts:" + email }

func keyRefreshToken(token string) string { return "session:refresh:" + token }

// ChannelSSE returns the pub/sub channel carrying live service updates
// for one nest
func ChannelSSE(nestID string) string { return "sse:" + nestID }
