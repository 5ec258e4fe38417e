package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/nestwatch/nestwatch/pkg/bus"
	"github.com/nestwatch/nestwatch/pkg/log"
	"github.com/nestwatch/nestwatch/pkg/metrics"
	"github.com/nestwatch/nestwatch/pkg/storage"
	"github.com/nestwatch/nestwatch/pkg/types"
)

const lockStripes = 64

// StatUpdater attributes one probe outcome to every service sharing
// its cache key and returns the affected definitions
type StatUpdater interface {
	HandleResult(ctx context.Context, result *types.ProbeResult) []*types.Service
}

// Consumer reads from a bus queue; satisfied by *bus.Bus
type Consumer interface {
	Consume(ctx context.Context, spec bus.ConsumeSpec, handler func(body []byte) error) error
}

// Pipeline consumes completed checks and turns each into derived
// state: per-service statistics (through the scheduler), the status
// cache, incident windows, metric rollups, and a live event on the
// nest's update channel.
type Pipeline struct {
	store   storage.Store
	stats   StatUpdater
	clock   clockwork.Clock
	metrics *metrics.Metrics
	logger  zerolog.Logger

	// Writes for one service are serialized through a striped lock so
	// the incident and rollup read-modify-write cycles stay atomic
	locks [lockStripes]sync.Mutex
}

// New creates a result pipeline
func New(store storage.Store, stats StatUpdater, m *metrics.Metrics, clock clockwork.Clock) *Pipeline {
	return &Pipeline{
		store:   store,
		stats:   stats,
		clock:   clock,
		metrics: m,
		logger:  log.WithComponent("pipeline"),
	}
}

// Run consumes the monitoring results exchange until ctx is cancelled
func (p *Pipeline) Run(ctx context.Context, consumer Consumer) error {
	return consumer.Consume(ctx, bus.ConsumeSpec{
		Queue:    "results.pipeline",
		Exchange: bus.ExchangeMonitoringResults,
		Keys:     []string{bus.KeyCheckCompleted},
	}, func(body []byte) error {
		return p.Process(ctx, body)
	})
}

// Process ingests one check_completed message
func (p *Pipeline) Process(ctx context.Context, body []byte) error {
	var env bus.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("pipeline decode envelope: %w", err)
	}
	var result types.ProbeResult
	if err := json.Unmarshal(env.Data, &result); err != nil {
		return fmt.Errorf("pipeline decode result: %w", err)
	}
	if result.ServiceID == "" && result.CacheKey == "" {
		return fmt.Errorf("result without service id or cache key")
	}
	if result.Timestamp == 0 {
		result.Timestamp = p.clock.Now().UnixMilli()
	}

	affected := p.stats.HandleResult(ctx, &result)
	if len(affected) == 0 {
		// Result for a service no longer scheduled; count it and move on
		p.logger.Debug().Str("service_id", result.ServiceID).Msg("result for unknown service dropped")
		return nil
	}

	for _, svc := range affected {
		if err := p.apply(ctx, svc, &result); err != nil {
			p.logger.Error().Err(err).
				Str("service_id", svc.ID).
				Str("nest_id", svc.NestID).
				Msg("result application failed")
		}
	}
	return nil
}

// apply updates the derived state of one affected service
func (p *Pipeline) apply(ctx context.Context, svc *types.Service, result *types.ProbeResult) error {
	lock := &p.locks[stripe(svc.ID)]
	lock.Lock()
	defer lock.Unlock()

	status := &types.ServiceStatus{
		ServiceID:    svc.ID,
		NestID:       svc.NestID,
		Status:       result.Status,
		ResponseTime: result.ResponseTime,
		Timestamp:    result.Timestamp,
	}
	if err := p.store.PutServiceStatus(ctx, status); err != nil {
		return err
	}

	incidents, err := p.reconcileIncidents(ctx, svc, result)
	if err != nil {
		return err
	}
	if err := p.updateRollups(ctx, svc, result, incidents); err != nil {
		return err
	}

	event, err := json.Marshal(liveEvent{Type: "service_update", Data: status})
	if err != nil {
		return fmt.Errorf("pipeline encode event: %w", err)
	}
	if err := p.store.Publish(ctx, storage.ChannelSSE(svc.NestID), event); err != nil {
		return err
	}
	return nil
}

// liveEvent is the envelope published on a nest's update channel
type liveEvent struct {
	Type string               `json:"type"`
	Data *types.ServiceStatus `json:"data"`
}

func stripe(serviceID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(serviceID))
	return int(h.Sum32() % lockStripes)
}
