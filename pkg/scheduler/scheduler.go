package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/nestwatch/nestwatch/pkg/antifraud"
	"github.com/nestwatch/nestwatch/pkg/bus"
	"github.com/nestwatch/nestwatch/pkg/config"
	"github.com/nestwatch/nestwatch/pkg/log"
	"github.com/nestwatch/nestwatch/pkg/metrics"
	"github.com/nestwatch/nestwatch/pkg/storage"
	"github.com/nestwatch/nestwatch/pkg/types"
)

// Scheduler owns the time dimension: for every active service across
// all nests it emits a probe command no later than lastCheckAt +
// interval, collapses duplicate probes of the same target, and
// attributes results back to every service sharing the cache key.
//
// The tick function runs to completion before the next tick starts;
// overlap is prevented by an in-progress flag.
type Scheduler struct {
	store    storage.Store
	bus      bus.Publisher
	clock    clockwork.Clock
	verifier *antifraud.Verifier
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	tickInterval     time.Duration
	dedupWindow      time.Duration
	heartbeatTimeout time.Duration
	janitorInterval  time.Duration

	mu       sync.Mutex
	services map[string]*types.ScheduledService
	order    []string         // service ids in insertion order
	dedup    map[string]int64 // cacheKey -> last dispatch, unix millis
	stats    storage.GlobalStats
	ticking  bool

	stopCh chan struct{}
}

// New creates a scheduler. The verifier shares the scheduler's clock.
func New(store storage.Store, publisher bus.Publisher, cfg *config.Config, m *metrics.Metrics, clock clockwork.Clock) *Scheduler {
	v := antifraud.NewVerifier(clock)
	v.RequireSignatures = cfg.Worker.RequireSignatures
	return &Scheduler{
		store:            store,
		bus:              publisher,
		clock:            clock,
		verifier:         v,
		metrics:          m,
		logger:           log.WithComponent("scheduler"),
		tickInterval:     time.Duration(cfg.Scheduler.TickMs) * time.Millisecond,
		dedupWindow:      time.Duration(cfg.Scheduler.DedupTTLSec) * time.Second,
		heartbeatTimeout: time.Duration(cfg.Worker.HeartbeatTimeoutMs) * time.Millisecond,
		janitorInterval:  time.Duration(cfg.Scheduler.JanitorIntervalSec) * time.Second,
		services:         make(map[string]*types.ScheduledService),
		dedup:            make(map[string]int64),
		stopCh:           make(chan struct{}),
	}
}

// LoadState rebuilds the scheduled-service table from storage. Called
// once on startup; scheduled state is derived and survives restarts
// through the scheduler:services hash.
func (s *Scheduler) LoadState(ctx context.Context) error {
	scheduled, err := s.store.ListScheduledServices(ctx)
	if err != nil {
		return err
	}
	if stats, err := s.store.GetGlobalStats(ctx); err == nil {
		s.stats = *stats
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sched := range scheduled {
		if sched.Service == nil {
			continue
		}
		id := sched.Service.ID
		if _, ok := s.services[id]; !ok {
			s.order = append(s.order, id)
		}
		s.services[id] = sched
	}
	s.metrics.ScheduledServices.Set(float64(len(s.services)))
	s.logger.Info().Int("services", len(s.services)).Msg("scheduler state loaded")
	return nil
}

// Start begins the tick and janitor loops
func (s *Scheduler) Start(ctx context.Context) {
	go s.run(ctx)
	go s.runJanitor(ctx)
}

// Stop stops the loops
func (s *Scheduler) Stop() {
	close(s.stopCh)
}

func (s *Scheduler) run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.tickInterval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", s.tickInterval).Msg("scheduler loop started")
	for {
		select {
		case <-ticker.Chan():
			s.Tick(ctx)
		case <-s.stopCh:
			s.logger.Info().Msg("scheduler loop stopped")
			return
		case <-ctx.Done():
			return
		}
	}
}

// Tick runs one scheduling cycle: services are visited in priority
// order (high, normal, low) and insertion order within a priority;
// every due enabled service is dispatched once.
func (s *Scheduler) Tick(ctx context.Context) {
	s.mu.Lock()
	if s.ticking {
		s.mu.Unlock()
		return
	}
	s.ticking = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.ticking = false
		s.mu.Unlock()
	}()

	started := s.clock.Now()
	s.metrics.TicksTotal.Inc()

	now := started.UnixMilli()
	for _, prio := range []types.Priority{types.PriorityHigh, types.PriorityNormal, types.PriorityLow} {
		for _, sched := range s.dueServices(prio, now) {
			s.dispatch(ctx, sched, now)
		}
	}

	s.flushStats(ctx)
	s.metrics.TickDuration.Observe(s.clock.Since(started).Seconds())
}

// dueServices snapshots the due services of one priority in insertion
// order, so dispatch can run without holding the table lock
func (s *Scheduler) dueServices(prio types.Priority, now int64) []*types.ScheduledService {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*types.ScheduledService
	for _, id := range s.order {
		sched, ok := s.services[id]
		if !ok || sched.Priority != prio {
			continue
		}
		if sched.Enabled && now >= sched.NextCheckAt {
			due = append(due, sched)
		}
	}
	return due
}

// dispatch routes one due service: either a fresh probe command, a
// dedup-cache application, or a deferral to the next tick when a
// sibling probe is in flight but its result has not landed yet.
func (s *Scheduler) dispatch(ctx context.Context, sched *types.ScheduledService, now int64) {
	svc := sched.Service
	cacheKey := CacheKey(svc)

	s.mu.Lock()
	last, inWindow := s.dedup[cacheKey]
	inWindow = inWindow && now-last < s.dedupWindow.Milliseconds()
	if !inWindow {
		s.dedup[cacheKey] = now
	}
	s.mu.Unlock()

	if inWindow {
		s.metrics.DedupHitsTotal.Inc()
		s.mu.Lock()
		s.stats.DedupHits++
		s.mu.Unlock()

		cached, err := s.store.GetCheckCache(ctx, cacheKey)
		if err != nil {
			// No cached result yet: the service neither probes nor
			// counts, and waits until the next tick
			s.metrics.DispatchesTotal.WithLabelValues("skipped").Inc()
			return
		}
		s.advanceSchedule(sched, now)
		s.applyResult(sched, cached)
		s.persist(ctx, sched)
		return
	}

	if err := s.publishCheck(ctx, svc, cacheKey, now); err != nil {
		// Not retried within the tick; the next tick re-evaluates
		s.logger.Error().Err(err).Str("service_id", svc.ID).Msg("probe dispatch failed")
		s.metrics.DispatchesTotal.WithLabelValues("failed").Inc()
		s.mu.Lock()
		sched.Failed++
		s.stats.Failed++
		delete(s.dedup, cacheKey)
		s.mu.Unlock()
		return
	}

	s.metrics.DispatchesTotal.WithLabelValues("published").Inc()
	s.advanceSchedule(sched, now)
	s.persist(ctx, sched)
}

// publishCheck emits one persistent command per selected region, or a
// single unrouted command when the service has no region list
func (s *Scheduler) publishCheck(ctx context.Context, svc *types.Service, cacheKey string, now int64) error {
	cmd := bus.CheckCommand{
		ServiceID:   svc.ID,
		NestID:      svc.NestID,
		Type:        svc.Type,
		Target:      svc.Target,
		Config:      svc.Config,
		IntervalSec: svc.Interval,
		Regions:     svc.Regions.Regions,
		CacheKey:    cacheKey,
	}
	env, err := bus.NewEnvelope(bus.KeyCheckServiceOnce, cmd, now)
	if err != nil {
		return err
	}

	keys := []string{bus.KeyCheckServiceOnce}
	if len(svc.Regions.Regions) > 0 {
		keys = keys[:0]
		for _, region := range svc.Regions.Regions {
			keys = append(keys, bus.RegionKey(region))
		}
	}
	for _, key := range keys {
		if err := s.bus.PublishJSON(ctx, bus.ExchangeWorkerCommands, key, true, env); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) advanceSchedule(sched *types.ScheduledService, now int64) {
	s.mu.Lock()
	sched.LastCheckAt = now
	sched.NextCheckAt = now + int64(sched.Service.Interval)*1000
	sched.Scheduled++
	s.stats.Scheduled++
	s.mu.Unlock()
}

// HandleResult ingests one probe outcome. With a cache key it fans out
// to every scheduled service whose current cache key matches; without
// one it is a single-service update. The affected service definitions
// are returned so downstream consumers can attribute the outcome.
func (s *Scheduler) HandleResult(ctx context.Context, result *types.ProbeResult) []*types.Service {
	if result.CacheKey != "" {
		if err := s.store.PutCheckCache(ctx, result.CacheKey, result, s.dedupWindow); err != nil {
			s.logger.Error().Err(err).Msg("check cache write failed")
		}
	}

	s.mu.Lock()
	var affected []*types.ScheduledService
	if result.CacheKey == "" {
		if sched, ok := s.services[result.ServiceID]; ok {
			affected = append(affected, sched)
		}
	} else {
		for _, id := range s.order {
			sched := s.services[id]
			if sched != nil && CacheKey(sched.Service) == result.CacheKey {
				affected = append(affected, sched)
			}
		}
	}
	s.mu.Unlock()

	services := make([]*types.Service, 0, len(affected))
	for _, sched := range affected {
		s.applyResult(sched, result)
		s.persist(ctx, sched)
		services = append(services, sched.Service)
	}
	return services
}

// applyResult updates a service's rolling statistics with one outcome.
// The moving average over n completed checks absorbs a new response
// time r as a' = (a*(n-1) + r) / n.
func (s *Scheduler) applyResult(sched *types.ScheduledService, result *types.ProbeResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sched.Completed++
	s.stats.Completed++
	if result.Status == types.ProbeStatusDown {
		sched.Failed++
		s.stats.Failed++
		sched.LastFailureAt = result.Timestamp
	} else {
		sched.LastSuccessAt = result.Timestamp
		if result.ResponseTime > 0 {
			n := float64(sched.Completed)
			sched.AverageResponseTime = (sched.AverageResponseTime*(n-1) + float64(result.ResponseTime)) / n
		}
	}
	if sched.Completed > 0 {
		sched.UptimePercent = float64(sched.Completed-sched.Failed) / float64(sched.Completed) * 100
	}
	s.metrics.ResultsTotal.WithLabelValues(string(result.Status)).Inc()
}

// AddService registers a service with the scheduler. Re-adding a known
// service refreshes its definition but preserves prior statistics.
func (s *Scheduler) AddService(ctx context.Context, svc *types.Service, prio types.Priority) {
	now := s.clock.Now()

	s.mu.Lock()
	sched, known := s.services[svc.ID]
	if known {
		sched.Service = svc
		sched.Enabled = svc.Active
	} else {
		sched = &types.ScheduledService{
			Service:     svc,
			Priority:    prio,
			Enabled:     svc.Active,
			NextCheckAt: now.UnixMilli(),
			AddedAt:     now,
		}
		s.services[svc.ID] = sched
		s.order = append(s.order, svc.ID)
	}
	count := len(s.services)
	s.mu.Unlock()

	s.metrics.ScheduledServices.Set(float64(count))
	s.persist(ctx, sched)
}

// RemoveService drops a service from scheduling and deletes its
// scheduler-owned state
func (s *Scheduler) RemoveService(ctx context.Context, serviceID string) {
	s.mu.Lock()
	if _, ok := s.services[serviceID]; ok {
		delete(s.services, serviceID)
		for i, id := range s.order {
			if id == serviceID {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
	}
	count := len(s.services)
	s.mu.Unlock()

	s.metrics.ScheduledServices.Set(float64(count))
	if err := s.store.DeleteScheduledService(ctx, serviceID); err != nil {
		s.logger.Error().Err(err).Str("service_id", serviceID).Msg("scheduled service delete failed")
	}
}

// Snapshot returns a copy of one scheduled service's state, for tests
// and introspection
func (s *Scheduler) Snapshot(serviceID string) (types.ScheduledService, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sched, ok := s.services[serviceID]
	if !ok {
		return types.ScheduledService{}, false
	}
	return *sched, true
}

func (s *Scheduler) persist(ctx context.Context, sched *types.ScheduledService) {
	s.mu.Lock()
	snapshot := *sched
	s.mu.Unlock()
	if err := s.store.PutScheduledService(ctx, &snapshot); err != nil {
		s.logger.Error().Err(err).Str("service_id", snapshot.Service.ID).Msg("scheduled service persist failed")
	}
}

func (s *Scheduler) flushStats(ctx context.Context) {
	s.mu.Lock()
	stats := s.stats
	s.mu.Unlock()
	stats.UpdatedAt = s.clock.Now().UnixMilli()
	if err := s.store.PutGlobalStats(ctx, &stats); err != nil {
		s.logger.Error().Err(err).Msg("global stats flush failed")
	}
}
