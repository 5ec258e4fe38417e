package types

import (
	"time"
)

// Nest represents a tenant account on the platform
type Nest struct {
	ID          string       `json:"id"`
	Subdomain   string       `json:"subdomain"` // DNS-safe label, unique
	Name        string       `json:"name"`
	Email       string       `json:"email"`
	Tier        Tier         `json:"tier"`
	TierExpires *time.Time   `json:"tierExpires,omitempty"`
	Settings    NestSettings `json:"settings"`
	Status      NestStatus   `json:"status"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

// NestSettings holds per-tenant display preferences
type NestSettings struct {
	Public   bool   `json:"public"`
	Timezone string `json:"timezone"`
	Language string `json:"language"`
}

// Tier defines the subscription level of a nest
type Tier string

const (
	TierFree      Tier = "free"
	TierPro       Tier = "pro"
	TierUnlimited Tier = "unlimited"
)

// ServiceQuota returns the maximum number of active services for a tier
func (t Tier) ServiceQuota() int {
	switch t {
	case TierPro:
		return 25
	case TierUnlimited:
		return 1000
	default:
		return 5
	}
}

// MinInterval returns the minimum check interval in seconds for a tier
func (t Tier) MinInterval() int {
	switch t {
	case TierPro:
		return 30
	case TierUnlimited:
		return 10
	default:
		return 60
	}
}

// NestStatus represents the lifecycle state of a nest
type NestStatus string

const (
	NestStatusActive    NestStatus = "active"
	NestStatusSuspended NestStatus = "suspended"
	NestStatusCancelled NestStatus = "cancelled"
)

// Service represents a monitored endpoint definition (a "watcher")
type Service struct {
	ID            string       `json:"id"`
	NestID        string       `json:"nestId"`
	Name          string       `json:"name"`
	Type          ServiceType  `json:"type"`
	Target        string       `json:"target"`   // URL, host, or host:port
	Interval      int          `json:"interval"` // seconds, >= tier minimum
	Config        ProbeConfig  `json:"config"`
	Regions       RegionPolicy `json:"regions"`
	Notifications []string     `json:"notifications,omitempty"`
	Active        bool         `json:"active"`
	CreatedAt     time.Time    `json:"createdAt"`
	UpdatedAt     time.Time    `json:"updatedAt"`
}

// ServiceType defines the kind of probe a service runs
type ServiceType string

const (
	ServiceTypeWeb       ServiceType = "web"
	ServiceTypeTCP       ServiceType = "tcp"
	ServiceTypePing      ServiceType = "ping"
	ServiceTypeGithub    ServiceType = "github"
	ServiceTypeUptimeAPI ServiceType = "uptime-api"
	ServiceTypeKeyword   ServiceType = "keyword"
	ServiceTypeHeartbeat ServiceType = "heartbeat"
	ServiceTypePort      ServiceType = "port"
)

// RegionPolicy controls where a service is probed from
type RegionPolicy struct {
	Regions    []string       `json:"regions,omitempty"`
	Strategy   RegionStrategy `json:"strategy,omitempty"`
	MinRegions int            `json:"minRegions,omitempty"`
	MaxRegions int            `json:"maxRegions,omitempty"`
}

// RegionStrategy defines how the region list is applied
type RegionStrategy string

const (
	RegionStrategyClosest     RegionStrategy = "closest"
	RegionStrategyAllSelected RegionStrategy = "all-selected"
	RegionStrategyRoundRobin  RegionStrategy = "round-robin"
	RegionStrategyFailover    RegionStrategy = "failover"
)

// Priority orders services within a scheduler tick
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// ScheduledService pairs a service with its scheduling state
type ScheduledService struct {
	Service             *Service  `json:"service"`
	Priority            Priority  `json:"priority"`
	Enabled             bool      `json:"enabled"`
	NextCheckAt         int64     `json:"nextCheckAt"` // unix millis
	LastCheckAt         int64     `json:"lastCheckAt"`
	Scheduled           int64     `json:"scheduled"`
	Completed           int64     `json:"completed"`
	Failed              int64     `json:"failed"`
	LastSuccessAt       int64     `json:"lastSuccessAt,omitempty"`
	LastFailureAt       int64     `json:"lastFailureAt,omitempty"`
	AverageResponseTime float64   `json:"averageResponseTime"`
	UptimePercent       float64   `json:"uptimePercent"`
	AddedAt             time.Time `json:"addedAt"`
}

// ProbeStatus is the outcome classification of a single probe
type ProbeStatus string

const (
	ProbeStatusUp       ProbeStatus = "up"
	ProbeStatusDown     ProbeStatus = "down"
	ProbeStatusDegraded ProbeStatus = "degraded"
)

// ProbeResult is a single probe outcome reported by a worker
type ProbeResult struct {
	ServiceID    string      `json:"serviceId"`
	NestID       string      `json:"nestId"`
	CacheKey     string      `json:"cacheKey,omitempty"`
	WorkerID     string      `json:"workerId"`
	Region       string      `json:"region"`
	Status       ProbeStatus `json:"status"`
	ResponseTime int         `json:"responseTime,omitempty"` // milliseconds
	Error        string      `json:"error,omitempty"`
	Timestamp    int64       `json:"timestamp"` // unix millis
}

// RollupPeriod is the aggregation window for metric rollups
type RollupPeriod string

const (
	RollupHour  RollupPeriod = "hour"
	RollupDay   RollupPeriod = "day"
	RollupMonth RollupPeriod = "month"
)

// MetricRollup is a periodic aggregate for one service
type MetricRollup struct {
	NestID        string       `json:"nestId"`
	ServiceID     string       `json:"serviceId"`
	Period        RollupPeriod `json:"period"`
	WindowStart   int64        `json:"windowStart"` // unix millis
	UptimeRatio   float64      `json:"uptimeRatio"`
	AvgResponseMs float64      `json:"avgResponseMs"`
	Total         int64        `json:"total"`
	Successful    int64        `json:"successful"`
	Failed        int64        `json:"failed"`
	Incidents     int64        `json:"incidents"`
}

// IncidentType classifies an outage window
type IncidentType string

const (
	IncidentDown        IncidentType = "down"
	IncidentDegraded    IncidentType = "degraded"
	IncidentMaintenance IncidentType = "maintenance"
)

// Incident tracks an outage window for a service.
// At most one incident per (service, type) is open at a time.
type Incident struct {
	ID             string       `json:"id"`
	NestID         string       `json:"nestId"`
	ServiceID      string       `json:"serviceId"`
	Type           IncidentType `json:"type"`
	StartedAt      int64        `json:"startedAt"` // unix millis
	ResolvedAt     int64        `json:"resolvedAt,omitempty"`
	DurationMs     int64        `json:"durationMs,omitempty"`
	Reason         string       `json:"reason,omitempty"`
	AffectedChecks int64        `json:"affectedChecks"`
}

// WorkerRecord is the platform-global registration of a probe agent
type WorkerRecord struct {
	WorkerID     string     `json:"workerId"`
	OwnerEmail   string     `json:"ownerEmail"`
	Hostname     string     `json:"hostname"`
	Platform     string     `json:"platform"`
	IP           string     `json:"ip"`
	PublicKey    string     `json:"publicKey,omitempty"` // PEM
	RegisteredAt time.Time  `json:"registeredAt"`
	Approved     bool       `json:"approved"`
	ApprovedAt   *time.Time `json:"approvedAt,omitempty"`
	ApprovedBy   string     `json:"approvedBy,omitempty"`
	Revoked      bool       `json:"revoked,omitempty"`
	Region       string     `json:"region"` // "auto" until assigned
	BrokerUser   string     `json:"brokerUser,omitempty"`
	BrokerPass   string     `json:"brokerPass,omitempty"`
}

// Earnings is the projection reported by a worker in its heartbeat
type Earnings struct {
	Points          int64   `json:"points"`
	EstimatedUSD    float64 `json:"estimatedUSD"`
	EstimatedCrypto float64 `json:"estimatedCrypto"`
}

// Location is the coarse geographic position reported by a worker
type Location struct {
	Continent string `json:"continent,omitempty"`
	Country   string `json:"country,omitempty"`
	City      string `json:"city,omitempty"`
	Region    string `json:"region,omitempty"`
}

// Heartbeat is a periodic signed status report from a worker
type Heartbeat struct {
	WorkerID            string   `json:"workerId"`
	Region              string   `json:"region"`
	Version             string   `json:"version"`
	LastSeen            int64    `json:"lastSeen"`
	ChecksCompleted     int64    `json:"checksCompleted"`
	TotalPoints         int64    `json:"totalPoints"`
	CurrentPeriodPoints int64    `json:"currentPeriodPoints"`
	Earnings            Earnings `json:"earnings"`
	Location            Location `json:"location"`
	Timestamp           int64    `json:"timestamp"` // unix millis
	Signature           string   `json:"signature,omitempty"`
}

// WorkerState is the last accepted heartbeat-derived state for a worker.
// TotalPoints and ChecksCompleted are monotonically non-decreasing.
type WorkerState struct {
	WorkerID            string   `json:"workerId"`
	Region              string   `json:"region"`
	Version             string   `json:"version"`
	LastSeen            int64    `json:"lastSeen"`
	ChecksCompleted     int64    `json:"checksCompleted"`
	TotalPoints         int64    `json:"totalPoints"`
	CurrentPeriodPoints int64    `json:"currentPeriodPoints"`
	Location            Location `json:"location"`
	Timestamp           int64    `json:"timestamp"`
	Flagged             bool     `json:"flagged,omitempty"`
	FlagReason          string   `json:"flagReason,omitempty"`
}

// Role defines an admin-side principal's capabilities within a nest
type Role string

const (
	RoleOwner         Role = "owner"
	RoleAdmin         Role = "admin"
	RoleEditor        Role = "editor"
	RoleViewer        Role = "viewer"
	RolePlatformAdmin Role = "platform_admin"
)

// User is an admin-side principal
type User struct {
	ID               string    `json:"id"`
	NestID           string    `json:"nestId"`
	Email            string    `json:"email"`
	Name             string    `json:"name"`
	Role             Role      `json:"role"`
	Active           bool      `json:"active"`
	EmailVerified    bool      `json:"emailVerified"`
	PasswordHash     string    `json:"passwordHash,omitempty"` // empty when the secret manager holds it
	PasswordExternal bool      `json:"passwordExternal"`
	TwoFactorSecret  string    `json:"twoFactorSecret,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// AuthAttempt records one login attempt for rate-limit decisions
type AuthAttempt struct {
	Email     string `json:"email"`
	UserID    string `json:"userId,omitempty"`
	IP        string `json:"ip"`
	UserAgent string `json:"userAgent,omitempty"`
	Timestamp int64  `json:"timestamp"` // unix millis
	Success   bool   `json:"success"`
	Reason    string `json:"reason,omitempty"`
}

// AuditEntry records an administrative action against a nest
type AuditEntry struct {
	ID        string `json:"id"`
	NestID    string `json:"nestId"`
	UserID    string `json:"userId,omitempty"`
	Action    string `json:"action"`
	Detail    string `json:"detail,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// BillingEntry records a subscription charge against a nest
type BillingEntry struct {
	ID        string  `json:"id"`
	NestID    string  `json:"nestId"`
	Tier      Tier    `json:"tier"`
	AmountUSD float64 `json:"amountUSD"`
	PeriodEnd int64   `json:"periodEnd"`
	Timestamp int64   `json:"timestamp"`
}

// ServiceStatus is the cached latest state of a service, served to
// public status pages
type ServiceStatus struct {
	ServiceID    string      `json:"serviceId"`
	NestID       string      `json:"nestId"`
	Status       ProbeStatus `json:"status"`
	ResponseTime int         `json:"responseTime,omitempty"`
	Timestamp    int64       `json:"timestamp"`
}
