package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/nestwatch/nestwatch/pkg/config"
	"github.com/nestwatch/nestwatch/pkg/log"
	"github.com/nestwatch/nestwatch/pkg/types"
)

const (
	workerStateTTL  = 24 * time.Hour
	authAttemptKeep = 24 * time.Hour
)

// RedisStore implements Store on top of Redis. A circuit breaker trips
// the store into the memory fallback after consecutive backend
// failures; successful primary reads keep the fallback warm so recently
// seen data stays readable through an outage.
type RedisStore struct {
	client   *redis.Client
	breaker  *gobreaker.CircuitBreaker
	fallback *memoryCache
}

// NewRedisStore connects to the configured Redis backend
func NewRedisStore(cfg config.RedisConfig) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return newRedisStore(client)
}

// NewRedisStoreWithClient wraps an existing client; used by tests
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return newRedisStore(client)
}

func newRedisStore(client *redis.Client) *RedisStore {
	logger := log.WithComponent("storage")
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "redis",
		Timeout: 15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		IsSuccessful: func(err error) bool {
			// Missing keys are domain answers, not backend failures
			return err == nil || err == redis.Nil
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			logger.Warn().
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("storage breaker state changed")
		},
	})
	return &RedisStore{
		client:   client,
		breaker:  breaker,
		fallback: newMemoryCache(),
	}
}

// Degraded reports whether the store is serving from the memory fallback
func (s *RedisStore) Degraded() bool {
	return s.breaker.State() == gobreaker.StateOpen
}

// Close closes the Redis client
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) do(op func() error) error {
	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, op()
	})
	return err
}

// ---- raw key/value ----

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	var val []byte
	err := s.do(func() error {
		b, err := s.client.Get(ctx, key).Bytes()
		if err != nil {
			return err
		}
		val = b
		return nil
	})
	if err == nil {
		s.fallback.put(key, val, 0, false)
		return val, nil
	}
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if v, ok := s.fallback.get(key); ok {
		return v, nil
	}
	return nil, fmt.Errorf("storage get %q: %w", key, err)
}

func (s *RedisStore) Put(ctx context.Context, key string, value []byte) error {
	return s.putTTL(ctx, key, value, 0)
}

func (s *RedisStore) PutTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.putTTL(ctx, key, value, ttl)
}

func (s *RedisStore) putTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	err := s.do(func() error {
		return s.client.Set(ctx, key, value, ttl).Err()
	})
	if err != nil {
		// Degraded mode: accept the write locally, marked dirty
		s.fallback.put(key, value, ttl, true)
		return nil
	}
	s.fallback.put(key, value, ttl, false)
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	s.fallback.delete(key)
	err := s.do(func() error {
		return s.client.Del(ctx, key).Err()
	})
	if err != nil {
		return fmt.Errorf("storage delete %q: %w", key, err)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := s.do(func() error {
		var cursor uint64
		for {
			batch, next, err := s.client.Scan(ctx, cursor, prefix+"*", 200).Result()
			if err != nil {
				return err
			}
			keys = append(keys, batch...)
			cursor = next
			if cursor == 0 {
				return nil
			}
		}
	})
	if err != nil {
		return s.fallback.keys(prefix), nil
	}
	return keys, nil
}

// ---- hash / set / zset helpers ----

func (s *RedisStore) hset(ctx context.Context, key, field string, value []byte) error {
	err := s.do(func() error {
		return s.client.HSet(ctx, key, field, value).Err()
	})
	if err != nil {
		s.fallback.hset(key, field, value, true)
		return nil
	}
	s.fallback.hset(key, field, value, false)
	return nil
}

func (s *RedisStore) hget(ctx context.Context, key, field string) ([]byte, error) {
	var val []byte
	err := s.do(func() error {
		b, err := s.client.HGet(ctx, key, field).Bytes()
		if err != nil {
			return err
		}
		val = b
		return nil
	})
	if err == nil {
		s.fallback.hset(key, field, val, false)
		return val, nil
	}
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if v, ok := s.fallback.hget(key, field); ok {
		return v, nil
	}
	return nil, fmt.Errorf("storage hget %q %q: %w", key, field, err)
}

func (s *RedisStore) hgetall(ctx context.Context, key string) (map[string][]byte, error) {
	var raw map[string]string
	err := s.do(func() error {
		m, err := s.client.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		raw = m
		return nil
	})
	if err != nil {
		if m := s.fallback.hgetall(key); m != nil {
			return m, nil
		}
		return nil, fmt.Errorf("storage hgetall %q: %w", key, err)
	}
	out := make(map[string][]byte, len(raw))
	for f, v := range raw {
		out[f] = []byte(v)
		s.fallback.hset(key, f, []byte(v), false)
	}
	return out, nil
}

func (s *RedisStore) hdel(ctx context.Context, key, field string) error {
	s.fallback.hdel(key, field)
	return s.do(func() error {
		return s.client.HDel(ctx, key, field).Err()
	})
}

// ---- JSON helpers ----

func (s *RedisStore) getJSON(ctx context.Context, key string, out interface{}) error {
	b, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("storage decode %q: %w", key, err)
	}
	return nil
}

func (s *RedisStore) putJSON(ctx context.Context, key string, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("storage encode %q: %w", key, err)
	}
	return s.Put(ctx, key, b)
}

func (s *RedisStore) putJSONTTL(ctx context.Context, key string, v interface{}, ttl time.Duration) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("storage encode %q: %w", key, err)
	}
	return s.PutTTL(ctx, key, b, ttl)
}

// ---- nests ----

func (s *RedisStore) CreateNest(ctx context.Context, nest *types.Nest) error {
	if nest.ID == "" || nest.Subdomain == "" {
		return fmt.Errorf("%w: nest id and subdomain are required", ErrInvalid)
	}
	if _, err := s.Get(ctx, keyNestSubdomain(nest.Subdomain)); err == nil {
		return fmt.Errorf("subdomain %q: %w", nest.Subdomain, ErrConflict)
	}
	if err := s.putJSON(ctx, keyNest(nest.ID), nest); err != nil {
		return err
	}
	return s.Put(ctx, keyNestSubdomain(nest.Subdomain), []byte(nest.ID))
}

func (s *RedisStore) GetNest(ctx context.Context, id string) (*types.Nest, error) {
	var nest types.Nest
	if err := s.getJSON(ctx, keyNest(id), &nest); err != nil {
		return nil, err
	}
	return &nest, nil
}

func (s *RedisStore) GetNestBySubdomain(ctx context.Context, subdomain string) (*types.Nest, error) {
	id, err := s.Get(ctx, keyNestSubdomain(subdomain))
	if err != nil {
		return nil, err
	}
	return s.GetNest(ctx, string(id))
}

func (s *RedisStore) UpdateNest(ctx context.Context, nest *types.Nest) error {
	if _, err := s.GetNest(ctx, nest.ID); err != nil {
		return err
	}
	return s.putJSON(ctx, keyNest(nest.ID), nest)
}

// DeleteNest removes a nest and cascades to its services, metrics,
// incidents, audit and billing rows, and users.
func (s *RedisStore) DeleteNest(ctx context.Context, id string) error {
	nest, err := s.GetNest(ctx, id)
	if err != nil {
		return err
	}

	services, err := s.ListServices(ctx, id)
	if err == nil {
		logger := log.WithNest(id)
		for _, svc := range services {
			if err := s.DeleteService(ctx, id, svc.ID); err != nil {
				logger.Error().Err(err).Str("service_id", svc.ID).Msg("cascade delete service failed")
			}
		}
	}

	for _, prefix := range []string{"incident:", "audit:", "billing:"} {
		s.deleteOwnedByPrefix(ctx, prefix, id)
	}

	// Users of the nest, plus their email indexes
	userKeys, _ := s.List(ctx, "user:")
	for _, k := range userKeys {
		if strings.HasPrefix(k, "user:email:") {
			continue
		}
		var u types.User
		if err := s.getJSON(ctx, k, &u); err != nil {
			continue
		}
		if u.NestID != id {
			continue
		}
		_ = s.Delete(ctx, keyUserEmail(u.Email))
		_ = s.Delete(ctx, k)
	}

	_ = s.Delete(ctx, keyNestServices(id))
	_ = s.Delete(ctx, keyNestSubdomain(nest.Subdomain))
	return s.Delete(ctx, keyNest(id))
}

// deleteOwnedByPrefix removes every record under prefix whose nestId
// matches. The records carry their owner inline so a scan-and-filter is
// the only option for these low-volume entities.
func (s *RedisStore) deleteOwnedByPrefix(ctx context.Context, prefix, nestID string) {
	keys, err := s.List(ctx, prefix)
	if err != nil {
		return
	}
	for _, k := range keys {
		b, err := s.Get(ctx, k)
		if err != nil {
			continue
		}
		var owner struct {
			NestID string `json:"nestId"`
		}
		if json.Unmarshal(b, &owner) != nil || owner.NestID != nestID {
			continue
		}
		_ = s.Delete(ctx, k)
	}
}

// ---- services ----

func (s *RedisStore) CreateService(ctx context.Context, svc *types.Service) error {
	if svc.ID == "" || svc.NestID == "" {
		return fmt.Errorf("%w: service id and nest id are required", ErrInvalid)
	}
	nest, err := s.GetNest(ctx, svc.NestID)
	if err != nil {
		return err
	}
	if svc.Interval < nest.Tier.MinInterval() {
		return fmt.Errorf("%w: interval %ds below tier minimum %ds",
			ErrInvalid, svc.Interval, nest.Tier.MinInterval())
	}
	if _, err := s.Get(ctx, keyService(svc.ID)); err == nil {
		return fmt.Errorf("service %q: %w", svc.ID, ErrConflict)
	}
	if svc.Active {
		if err := s.checkQuota(ctx, nest, svc.ID); err != nil {
			return err
		}
	}
	if err := s.putJSON(ctx, keyService(svc.ID), svc); err != nil {
		return err
	}
	return s.do(func() error {
		return s.client.SAdd(ctx, keyNestServices(svc.NestID), svc.ID).Err()
	})
}

// checkQuota counts the nest's active services excluding excludeID and
// fails when the tier ceiling is already reached
func (s *RedisStore) checkQuota(ctx context.Context, nest *types.Nest, excludeID string) error {
	services, err := s.ListServices(ctx, nest.ID)
	if err != nil {
		return err
	}
	active := 0
	for _, svc := range services {
		if svc.Active && svc.ID != excludeID {
			active++
		}
	}
	if active >= nest.Tier.ServiceQuota() {
		return fmt.Errorf("nest %q at %d active services (tier %s): %w",
			nest.ID, active, nest.Tier, ErrQuotaExceeded)
	}
	return nil
}

func (s *RedisStore) GetService(ctx context.Context, nestID, id string) (*types.Service, error) {
	var svc types.Service
	if err := s.getJSON(ctx, keyService(id), &svc); err != nil {
		return nil, err
	}
	// Tenant guard: a mismatch is indistinguishable from absence
	if svc.NestID != nestID {
		return nil, ErrNotFound
	}
	return &svc, nil
}

func (s *RedisStore) ListServices(ctx context.Context, nestID string) ([]*types.Service, error) {
	var ids []string
	err := s.do(func() error {
		members, err := s.client.SMembers(ctx, keyNestServices(nestID)).Result()
		if err != nil {
			return err
		}
		ids = members
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("storage list services for %q: %w", nestID, err)
	}
	services := make([]*types.Service, 0, len(ids))
	for _, id := range ids {
		svc, err := s.GetService(ctx, nestID, id)
		if err != nil {
			continue
		}
		services = append(services, svc)
	}
	return services, nil
}

func (s *RedisStore) UpdateService(ctx context.Context, svc *types.Service) error {
	old, err := s.GetService(ctx, svc.NestID, svc.ID)
	if err != nil {
		return err
	}
	if !old.Active && svc.Active {
		nest, err := s.GetNest(ctx, svc.NestID)
		if err != nil {
			return err
		}
		if err := s.checkQuota(ctx, nest, svc.ID); err != nil {
			return err
		}
	}
	return s.putJSON(ctx, keyService(svc.ID), svc)
}

func (s *RedisStore) DeleteService(ctx context.Context, nestID, id string) error {
	if _, err := s.GetService(ctx, nestID, id); err != nil {
		return err
	}
	metricKeys, _ := s.List(ctx, "metrics:"+id+":")
	for _, k := range metricKeys {
		_ = s.Delete(ctx, k)
	}
	_ = s.Delete(ctx, keyStatus(nestID, id))
	_ = s.do(func() error {
		return s.client.SRem(ctx, keyNestServices(nestID), id).Err()
	})
	return s.Delete(ctx, keyService(id))
}

// ---- derived status cache ----

func (s *RedisStore) PutServiceStatus(ctx context.Context, st *types.ServiceStatus) error {
	return s.putJSON(ctx, keyStatus(st.NestID, st.ServiceID), st)
}

func (s *RedisStore) GetServiceStatus(ctx context.Context, nestID, serviceID string) (*types.ServiceStatus, error) {
	var st types.ServiceStatus
	if err := s.getJSON(ctx, keyStatus(nestID, serviceID), &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// ---- metric rollups ----

func (s *RedisStore) PutRollup(ctx context.Context, r *types.MetricRollup) error {
	key := keyMetrics(r.ServiceID, r.WindowStart) + ":" + string(r.Period)
	return s.putJSON(ctx, key, r)
}

func (s *RedisStore) GetRollup(ctx context.Context, nestID, serviceID string, period types.RollupPeriod, windowStart int64) (*types.MetricRollup, error) {
	key := keyMetrics(serviceID, windowStart) + ":" + string(period)
	var r types.MetricRollup
	if err := s.getJSON(ctx, key, &r); err != nil {
		return nil, err
	}
	if r.NestID != nestID {
		return nil, ErrNotFound
	}
	return &r, nil
}

// ---- incidents ----

func (s *RedisStore) CreateIncident(ctx context.Context, inc *types.Incident) error {
	if inc.ID == "" {
		return fmt.Errorf("%w: incident id is required", ErrInvalid)
	}
	if err := s.putJSON(ctx, keyIncident(inc.ID), inc); err != nil {
		return err
	}
	if inc.ResolvedAt == 0 {
		return s.Put(ctx, keyOpenIncident(inc.ServiceID, string(inc.Type)), []byte(inc.ID))
	}
	return nil
}

func (s *RedisStore) GetIncident(ctx context.Context, nestID, id string) (*types.Incident, error) {
	var inc types.Incident
	if err := s.getJSON(ctx, keyIncident(id), &inc); err != nil {
		return nil, err
	}
	if inc.NestID != nestID {
		return nil, ErrNotFound
	}
	return &inc, nil
}

func (s *RedisStore) GetOpenIncident(ctx context.Context, serviceID string, typ types.IncidentType) (*types.Incident, error) {
	id, err := s.Get(ctx, keyOpenIncident(serviceID, string(typ)))
	if err != nil {
		return nil, err
	}
	var inc types.Incident
	if err := s.getJSON(ctx, keyIncident(string(id)), &inc); err != nil {
		return nil, err
	}
	return &inc, nil
}

func (s *RedisStore) ResolveIncident(ctx context.Context, inc *types.Incident) error {
	if err := s.putJSON(ctx, keyIncident(inc.ID), inc); err != nil {
		return err
	}
	return s.Delete(ctx, keyOpenIncident(inc.ServiceID, string(inc.Type)))
}

// ---- billing and audit ----

func (s *RedisStore) PutBillingEntry(ctx context.Context, e *types.BillingEntry) error {
	return s.putJSON(ctx, keyBilling(e.ID), e)
}

func (s *RedisStore) PutAuditEntry(ctx context.Context, e *types.AuditEntry) error {
	return s.putJSON(ctx, keyAudit(e.ID), e)
}

// ---- scheduler state ----

func (s *RedisStore) PutScheduledService(ctx context.Context, sched *types.ScheduledService) error {
	b, err := json.Marshal(sched)
	if err != nil {
		return fmt.Errorf("storage encode scheduled service: %w", err)
	}
	return s.hset(ctx, keySchedulerServices, sched.Service.ID, b)
}

func (s *RedisStore) ListScheduledServices(ctx context.Context) ([]*types.ScheduledService, error) {
	raw, err := s.hgetall(ctx, keySchedulerServices)
	if err != nil {
		return nil, err
	}
	out := make([]*types.ScheduledService, 0, len(raw))
	for _, v := range raw {
		var sched types.ScheduledService
		if err := json.Unmarshal(v, &sched); err != nil {
			continue
		}
		out = append(out, &sched)
	}
	return out, nil
}

func (s *RedisStore) DeleteScheduledService(ctx context.Context, serviceID string) error {
	return s.hdel(ctx, keySchedulerServices, serviceID)
}

func (s *RedisStore) PutGlobalStats(ctx context.Context, stats *GlobalStats) error {
	return s.putJSON(ctx, keySchedulerStats, stats)
}

func (s *RedisStore) GetGlobalStats(ctx context.Context) (*GlobalStats, error) {
	var stats GlobalStats
	if err := s.getJSON(ctx, keySchedulerStats, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// ---- probe dedup cache ----

func (s *RedisStore) PutCheckCache(ctx context.Context, cacheKey string, result *types.ProbeResult, ttl time.Duration) error {
	return s.putJSONTTL(ctx, keyCheckCache(cacheKey), result, ttl)
}

func (s *RedisStore) GetCheckCache(ctx context.Context, cacheKey string) (*types.ProbeResult, error) {
	var result types.ProbeResult
	if err := s.getJSON(ctx, keyCheckCache(cacheKey), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ---- worker registrations ----

func (s *RedisStore) PutWorkerRegistration(ctx context.Context, rec *types.WorkerRecord) error {
	if rec.WorkerID == "" {
		return fmt.Errorf("%w: worker id is required", ErrInvalid)
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("storage encode worker registration: %w", err)
	}
	if err := s.hset(ctx, keyWorkerRegistrations, rec.WorkerID, b); err != nil {
		return err
	}
	if !rec.Approved && !rec.Revoked {
		err = s.do(func() error {
			return s.client.ZAdd(ctx, keyPendingWorkers, redis.Z{
				Score:  float64(rec.RegisteredAt.UnixMilli()),
				Member: rec.WorkerID,
			}).Err()
		})
	} else {
		err = s.do(func() error {
			return s.client.ZRem(ctx, keyPendingWorkers, rec.WorkerID).Err()
		})
	}
	if err != nil {
		return fmt.Errorf("storage update pending queue: %w", err)
	}
	if rec.OwnerEmail != "" {
		_ = s.do(func() error {
			return s.client.SAdd(ctx, keyWorkersByOwner(rec.OwnerEmail), rec.WorkerID).Err()
		})
	}
	return nil
}

func (s *RedisStore) GetWorkerRegistration(ctx context.Context, workerID string) (*types.WorkerRecord, error) {
	b, err := s.hget(ctx, keyWorkerRegistrations, workerID)
	if err != nil {
		return nil, err
	}
	var rec types.WorkerRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("storage decode worker registration: %w", err)
	}
	return &rec, nil
}

// ListPendingWorkers returns unapproved workers ordered by arrival time
func (s *RedisStore) ListPendingWorkers(ctx context.Context) ([]*types.WorkerRecord, error) {
	var ids []string
	err := s.do(func() error {
		members, err := s.client.ZRange(ctx, keyPendingWorkers, 0, -1).Result()
		if err != nil {
			return err
		}
		ids = members
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("storage list pending workers: %w", err)
	}
	out := make([]*types.WorkerRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := s.GetWorkerRegistration(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *RedisStore) RemovePendingWorker(ctx context.Context, workerID string) error {
	return s.do(func() error {
		return s.client.ZRem(ctx, keyPendingWorkers, workerID).Err()
	})
}

func (s *RedisStore) ListWorkersByOwner(ctx context.Context, email string) ([]string, error) {
	var ids []string
	err := s.do(func() error {
		members, err := s.client.SMembers(ctx, keyWorkersByOwner(email)).Result()
		if err != nil {
			return err
		}
		ids = members
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("storage list workers by owner: %w", err)
	}
	return ids, nil
}

// ---- worker heartbeat fleet view ----

func (s *RedisStore) PutWorkerHeartbeat(ctx context.Context, state *types.WorkerState) error {
	b, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("storage encode worker heartbeat: %w", err)
	}
	return s.hset(ctx, keyWorkerHeartbeats, state.WorkerID, b)
}

func (s *RedisStore) ListWorkerHeartbeats(ctx context.Context) ([]*types.WorkerState, error) {
	raw, err := s.hgetall(ctx, keyWorkerHeartbeats)
	if err != nil {
		return nil, err
	}
	out := make([]*types.WorkerState, 0, len(raw))
	for _, v := range raw {
		var st types.WorkerState
		if err := json.Unmarshal(v, &st); err != nil {
			continue
		}
		out = append(out, &st)
	}
	return out, nil
}

func (s *RedisStore) DeleteWorkerHeartbeat(ctx context.Context, workerID string) error {
	return s.hdel(ctx, keyWorkerHeartbeats, workerID)
}

// ---- heartbeat verifier state ----

func (s *RedisStore) PutWorkerState(ctx context.Context, state *types.WorkerState) error {
	return s.putJSONTTL(ctx, keyWorkerState(state.WorkerID), state, workerStateTTL)
}

func (s *RedisStore) GetWorkerState(ctx context.Context, workerID string) (*types.WorkerState, error) {
	var st types.WorkerState
	if err := s.getJSON(ctx, keyWorkerState(workerID), &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// ---- users ----

func (s *RedisStore) CreateUser(ctx context.Context, u *types.User) error {
	if u.ID == "" || u.Email == "" {
		return fmt.Errorf("%w: user id and email are required", ErrInvalid)
	}
	if _, err := s.Get(ctx, keyUserEmail(u.Email)); err == nil {
		return fmt.Errorf("user %q: %w", u.Email, ErrConflict)
	}
	if err := s.putJSON(ctx, keyUser(u.ID), u); err != nil {
		return err
	}
	return s.Put(ctx, keyUserEmail(u.Email), []byte(u.ID))
}

func (s *RedisStore) GetUser(ctx context.Context, id string) (*types.User, error) {
	var u types.User
	if err := s.getJSON(ctx, keyUser(id), &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *RedisStore) GetUserByEmail(ctx context.Context, email string) (*types.User, error) {
	id, err := s.Get(ctx, keyUserEmail(email))
	if err != nil {
		return nil, err
	}
	return s.GetUser(ctx, string(id))
}

func (s *RedisStore) UpdateUser(ctx context.Context, u *types.User) error {
	if _, err := s.GetUser(ctx, u.ID); err != nil {
		return err
	}
	return s.putJSON(ctx, keyUser(u.ID), u)
}

// ---- auth attempts and refresh sessions ----

func (s *RedisStore) RecordAuthAttempt(ctx context.Context, a *types.AuthAttempt) error {
	b, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("storage encode auth attempt: %w", err)
	}
	key := keyAuthAttempts(a.Email)
	return s.do(func() error {
		if err := s.client.ZAdd(ctx, key, redis.Z{
			Score:  float64(a.Timestamp),
			Member: string(b),
		}).Err(); err != nil {
			return err
		}
		cutoff := a.Timestamp - authAttemptKeep.Milliseconds()
		return s.client.ZRemRangeByScore(ctx, key,
			"-inf", strconv.FormatInt(cutoff, 10)).Err()
	})
}

func (s *RedisStore) CountFailedAttempts(ctx context.Context, email string, since int64) (int, error) {
	var rows []string
	err := s.do(func() error {
		members, err := s.client.ZRangeByScore(ctx, keyAuthAttempts(email), &redis.ZRangeBy{
			Min: strconv.FormatInt(since, 10),
			Max: "+inf",
		}).Result()
		if err != nil {
			return err
		}
		rows = members
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("storage count auth attempts: %w", err)
	}
	failed := 0
	for _, row := range rows {
		var a types.AuthAttempt
		if json.Unmarshal([]byte(row), &a) != nil {
			continue
		}
		if !a.Success {
			failed++
		}
	}
	return failed, nil
}

func (s *RedisStore) PutRefreshToken(ctx context.Context, token, userID string, ttl time.Duration) error {
	return s.PutTTL(ctx, keyRefreshToken(token), []byte(userID), ttl)
}

func (s *RedisStore) GetRefreshToken(ctx context.Context, token string) (string, error) {
	b, err := s.Get(ctx, keyRefreshToken(token))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (s *RedisStore) DeleteRefreshToken(ctx context.Context, token string) error {
	return s.Delete(ctx, keyRefreshToken(token))
}

// ---- pub/sub ----

func (s *RedisStore) Publish(ctx context.Context, channel string, payload []byte) error {
	err := s.do(func() error {
		return s.client.Publish(ctx, channel, payload).Err()
	})
	if err != nil {
		return fmt.Errorf("storage publish %q: %w", channel, err)
	}
	return nil
}

type redisSubscription struct {
	pubsub *redis.PubSub
	ch     chan []byte
	done   chan struct{}
}

func (s *RedisStore) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	pubsub := s.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("storage subscribe %q: %w", channel, err)
	}
	sub := &redisSubscription{
		pubsub: pubsub,
		ch:     make(chan []byte, 32),
		done:   make(chan struct{}),
	}
	go sub.pump()
	return sub, nil
}

func (r *redisSubscription) pump() {
	defer close(r.ch)
	for {
		select {
		case msg, ok := <-r.pubsub.Channel():
			if !ok {
				return
			}
			select {
			case r.ch <- []byte(msg.Payload):
			case <-r.done:
				return
			}
		case <-r.done:
			return
		}
	}
}

func (r *redisSubscription) Messages() <-chan []byte {
	return r.ch
}

func (r *redisSubscription) Close() error {
	close(r.done)
	return r.pubsub.Close()
}
