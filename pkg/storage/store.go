package storage

import (
	"context"
	"errors"
	"time"

	"github.com/nestwatch/nestwatch/pkg/types"
)

// Sentinel errors mapped to the API error taxonomy by callers
var (
	// ErrNotFound is returned when an entity is absent or not visible
	// to the calling tenant. Cross-tenant lookups deliberately return
	// this rather than a distinct authorization error.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned on duplicate creation
	ErrConflict = errors.New("already exists")

	// ErrInvalid is returned for malformed input
	ErrInvalid = errors.New("invalid input")

	// ErrQuotaExceeded is returned when activating a service would
	// exceed the nest's tier quota
	ErrQuotaExceeded = errors.New("service quota exceeded")

	// ErrDegraded is returned for operations that cannot be served by
	// the memory fallback while the primary backend is down
	ErrDegraded = errors.New("storage degraded: primary backend unreachable")
)

// GlobalStats is the scheduler-wide counter snapshot
type GlobalStats struct {
	Scheduled int64 `json:"scheduled"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	DedupHits int64 `json:"dedupHits"`
	UpdatedAt int64 `json:"updatedAt"`
}

// Subscription is a live pub/sub stream of raw message payloads
type Subscription interface {
	Messages() <-chan []byte
	Close() error
}

// Store is the tenant-scoped persistence interface. All typed reads by
// id take the calling tenant's nest id and fail with ErrNotFound when
// the loaded record belongs to another nest.
type Store interface {
	// Raw key/value
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	PutTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)

	// Nests
	CreateNest(ctx context.Context, nest *types.Nest) error
	GetNest(ctx context.Context, id string) (*types.Nest, error)
	GetNestBySubdomain(ctx context.Context, subdomain string) (*types.Nest, error)
	UpdateNest(ctx context.Context, nest *types.Nest) error
	DeleteNest(ctx context.Context, id string) error

	// Services
	CreateService(ctx context.Context, svc *types.Service) error
	GetService(ctx context.Context, nestID, id string) (*types.Service, error)
	ListServices(ctx context.Context, nestID string) ([]*types.Service, error)
	UpdateService(ctx context.Context, svc *types.Service) error
	DeleteService(ctx context.Context, nestID, id string) error

	// Derived status cache
	PutServiceStatus(ctx context.Context, st *types.ServiceStatus) error
	GetServiceStatus(ctx context.Context, nestID, serviceID string) (*types.ServiceStatus, error)

	// Metric rollups
	PutRollup(ctx context.Context, r *types.MetricRollup) error
	GetRollup(ctx context.Context, nestID, serviceID string, period types.RollupPeriod, windowStart int64) (*types.MetricRollup, error)

	// Incidents
	CreateIncident(ctx context.Context, inc *types.Incident) error
	GetIncident(ctx context.Context, nestID, id string) (*types.Incident, error)
	GetOpenIncident(ctx context.Context, serviceID string, typ types.IncidentType) (*types.Incident, error)
	ResolveIncident(ctx context.Context, inc *types.Incident) error

	// Billing and audit
	PutBillingEntry(ctx context.Context, e *types.BillingEntry) error
	PutAuditEntry(ctx context.Context, e *types.AuditEntry) error

	// Scheduler state
	PutScheduledService(ctx context.Context, s *types.ScheduledService) error
	ListScheduledServices(ctx context.Context) ([]*types.ScheduledService, error)
	DeleteScheduledService(ctx context.Context, serviceID string) error
	PutGlobalStats(ctx context.Context, s *GlobalStats) error
	GetGlobalStats(ctx context.Context) (*GlobalStats, error)

	// Probe dedup cache
	PutCheckCache(ctx context.Context, cacheKey string, result *types.ProbeResult, ttl time.Duration) error
	GetCheckCache(ctx context.Context, cacheKey string) (*types.ProbeResult, error)

	// Worker registrations
	PutWorkerRegistration(ctx context.Context, rec *types.WorkerRecord) error
	GetWorkerRegistration(ctx context.Context, workerID string) (*types.WorkerRecord, error)
	ListPendingWorkers(ctx context.Context) ([]*types.WorkerRecord, error)
	RemovePendingWorker(ctx context.Context, workerID string) error
	ListWorkersByOwner(ctx context.Context, email string) ([]string, error)

	// Worker heartbeat fleet view
	PutWorkerHeartbeat(ctx context.Context, state *types.WorkerState) error
	ListWorkerHeartbeats(ctx context.Context) ([]*types.WorkerState, error)
	DeleteWorkerHeartbeat(ctx context.Context, workerID string) error

	// Heartbeat verifier state (24h TTL)
	PutWorkerState(ctx context.Context, state *types.WorkerState) error
	GetWorkerState(ctx context.Context, workerID string) (*types.WorkerState, error)

	// Users
	CreateUser(ctx context.Context, u *types.User) error
	GetUser(ctx context.Context, id string) (*types.User, error)
	GetUserByEmail(ctx context.Context, email string) (*types.User, error)
	UpdateUser(ctx context.Context, u *types.User) error

	// Auth attempts and refresh sessions
	RecordAuthAttempt(ctx context.Context, a *types.AuthAttempt) error
	CountFailedAttempts(ctx context.Context, email string, since int64) (int, error)
	PutRefreshToken(ctx context.Context, token, userID string, ttl time.Duration) error
	GetRefreshToken(ctx context.Context, token string) (string, error)
	DeleteRefreshToken(ctx context.Context, token string) error

	// Pub/sub fan-out
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	// Degraded reports whether the store is currently serving from the
	// memory fallback
	Degraded() bool

	Close() error
}
