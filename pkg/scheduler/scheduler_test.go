package scheduler

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nestwatch/nestwatch/pkg/bus"
	"github.com/nestwatch/nestwatch/pkg/config"
	"github.com/nestwatch/nestwatch/pkg/log"
	"github.com/nestwatch/nestwatch/pkg/metrics"
	"github.com/nestwatch/nestwatch/pkg/storage"
	"github.com/nestwatch/nestwatch/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: "error", Output: io.Discard})
	m.Run()
}

// recordingPublisher captures every published message for assertions
type recordingPublisher struct {
	mu        sync.Mutex
	published []publishedMsg
	fail      bool
}

type publishedMsg struct {
	exchange string
	key      string
	envelope *bus.Envelope
}

func (p *recordingPublisher) PublishJSON(_ context.Context, exchange, key string, _ bool, v interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return assert.AnError
	}
	env, _ := v.(*bus.Envelope)
	p.published = append(p.published, publishedMsg{exchange: exchange, key: key, envelope: env})
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

func (p *recordingPublisher) keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, m := range p.published {
		out = append(out, m.key)
	}
	return out
}

func newTestScheduler(t *testing.T) (*Scheduler, *recordingPublisher, *clockwork.FakeClock, storage.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	store := storage.NewRedisStoreWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { store.Close() })

	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	pub := &recordingPublisher{}
	sched := New(store, pub, config.Default(), metrics.New(), clock)
	return sched, pub, clock, store
}

func webService(id, nestID, target string, interval int) *types.Service {
	return &types.Service{
		ID:       id,
		NestID:   nestID,
		Name:     id,
		Type:     types.ServiceTypeWeb,
		Target:   target,
		Interval: interval,
		Config: types.ProbeConfig{
			Type: types.ServiceTypeWeb,
			Web:  &types.WebConfig{Method: "GET"},
		},
		Active: true,
	}
}

// Two services in different nests watching the same target with the
// same config produce exactly one probe; the result is attributed to
// both.
func TestDedupAcrossNests(t *testing.T) {
	s, pub, clock, _ := newTestScheduler(t)
	ctx := context.Background()

	s.AddService(ctx, webService("svc-a", "nest-1", "https://example.com", 60), types.PriorityNormal)
	s.AddService(ctx, webService("svc-b", "nest-2", "https://example.com", 60), types.PriorityNormal)

	s.Tick(ctx)
	assert.Equal(t, 1, pub.count(), "identical probes must collapse to one publish")

	// The worker reports once, keyed by the shared cache key
	cacheKey := CacheKey(webService("svc-a", "nest-1", "https://example.com", 60))
	s.HandleResult(ctx, &types.ProbeResult{
		ServiceID:    "svc-a",
		NestID:       "nest-1",
		CacheKey:     cacheKey,
		Status:       types.ProbeStatusUp,
		ResponseTime: 150,
		Timestamp:    clock.Now().UnixMilli(),
	})

	for _, id := range []string{"svc-a", "svc-b"} {
		snap, ok := s.Snapshot(id)
		require.True(t, ok, id)
		assert.Equal(t, int64(1), snap.Completed, id)
		assert.Equal(t, 100.0, snap.UptimePercent, id)
		assert.Equal(t, 150.0, snap.AverageResponseTime, id)
	}
}

// A service with an explicit region list is published once per region
// with region-scoped routing keys
func TestRegionFanOut(t *testing.T) {
	s, pub, _, _ := newTestScheduler(t)
	ctx := context.Background()

	svc := webService("svc-r", "nest-1", "https://example.com", 60)
	svc.Regions = types.RegionPolicy{
		Regions:  []string{"us-east-1", "eu-west-1"},
		Strategy: types.RegionStrategyAllSelected,
	}
	s.AddService(ctx, svc, types.PriorityNormal)

	s.Tick(ctx)
	assert.Equal(t, []string{
		"check_service_once.us-east-1",
		"check_service_once.eu-west-1",
	}, pub.keys())
}

func TestTickAdvancesSchedule(t *testing.T) {
	s, pub, clock, _ := newTestScheduler(t)
	ctx := context.Background()

	s.AddService(ctx, webService("svc-1", "nest-1", "https://one.example.com", 60), types.PriorityNormal)

	s.Tick(ctx)
	require.Equal(t, 1, pub.count())

	snap, _ := s.Snapshot("svc-1")
	assert.Equal(t, clock.Now().UnixMilli(), snap.LastCheckAt)
	assert.Equal(t, clock.Now().UnixMilli()+60_000, snap.NextCheckAt)
	assert.Equal(t, int64(1), snap.Scheduled)

	// Not due again until the interval elapses
	clock.Advance(5 * time.Second)
	s.Tick(ctx)
	assert.Equal(t, 1, pub.count())

	clock.Advance(56 * time.Second)
	s.Tick(ctx)
	assert.Equal(t, 2, pub.count())
}

func TestDisabledServiceIsSkipped(t *testing.T) {
	s, pub, _, _ := newTestScheduler(t)
	ctx := context.Background()

	svc := webService("svc-off", "nest-1", "https://example.com", 60)
	svc.Active = false
	s.AddService(ctx, svc, types.PriorityNormal)

	s.Tick(ctx)
	assert.Zero(t, pub.count())
}

func TestPriorityOrdering(t *testing.T) {
	s, pub, _, _ := newTestScheduler(t)
	ctx := context.Background()

	// Added low first, but high must dispatch first
	s.AddService(ctx, webService("svc-low", "nest-1", "https://low.example.com", 60), types.PriorityLow)
	s.AddService(ctx, webService("svc-high", "nest-1", "https://high.example.com", 60), types.PriorityHigh)

	s.Tick(ctx)
	require.Equal(t, 2, pub.count())

	var first bus.CheckCommand
	require.NoError(t, decodeCommand(pub.published[0].envelope, &first))
	assert.Equal(t, "svc-high", first.ServiceID)
}

// A dedup hit with a cached result applies the stored outcome as a
// fresh check instead of waiting for a new probe
func TestDedupHitAppliesCachedResult(t *testing.T) {
	s, pub, clock, store := newTestScheduler(t)
	ctx := context.Background()

	a := webService("svc-a", "nest-1", "https://example.com", 60)
	s.AddService(ctx, a, types.PriorityNormal)
	s.Tick(ctx)
	require.Equal(t, 1, pub.count())

	// A result lands in the dedup cache
	key := CacheKey(a)
	require.NoError(t, store.PutCheckCache(ctx, key, &types.ProbeResult{
		ServiceID:    "svc-a",
		CacheKey:     key,
		Status:       types.ProbeStatusUp,
		ResponseTime: 80,
		Timestamp:    clock.Now().UnixMilli(),
	}, 30*time.Second))

	// A second tenant adds the same watcher inside the dedup window
	b := webService("svc-b", "nest-2", "https://example.com", 60)
	clock.Advance(5 * time.Second)
	s.AddService(ctx, b, types.PriorityNormal)
	s.Tick(ctx)

	// No new publish, but svc-b counted a completed check
	assert.Equal(t, 1, pub.count())
	snap, _ := s.Snapshot("svc-b")
	assert.Equal(t, int64(1), snap.Completed)
	assert.Equal(t, 80.0, snap.AverageResponseTime)
	assert.Equal(t, clock.Now().UnixMilli()+60_000, snap.NextCheckAt)
}

// A dedup hit with no cached result yet leaves the schedule untouched
// so the service retries next tick
func TestDedupMissWaitsForNextTick(t *testing.T) {
	s, pub, clock, _ := newTestScheduler(t)
	ctx := context.Background()

	s.AddService(ctx, webService("svc-a", "nest-1", "https://example.com", 60), types.PriorityNormal)
	s.Tick(ctx)
	require.Equal(t, 1, pub.count())

	clock.Advance(5 * time.Second)
	b := webService("svc-b", "nest-2", "https://example.com", 60)
	s.AddService(ctx, b, types.PriorityNormal)
	s.Tick(ctx)

	assert.Equal(t, 1, pub.count())
	snap, _ := s.Snapshot("svc-b")
	assert.Zero(t, snap.Scheduled)
	assert.Zero(t, snap.Completed)
}

func TestPublishFailureCountsFailedAndRetries(t *testing.T) {
	s, pub, clock, _ := newTestScheduler(t)
	ctx := context.Background()

	s.AddService(ctx, webService("svc-1", "nest-1", "https://example.com", 60), types.PriorityNormal)

	pub.fail = true
	s.Tick(ctx)
	snap, _ := s.Snapshot("svc-1")
	assert.Equal(t, int64(1), snap.Failed)
	assert.Zero(t, snap.Scheduled)

	// Next tick retries because the schedule did not advance
	pub.fail = false
	clock.Advance(5 * time.Second)
	s.Tick(ctx)
	assert.Equal(t, 1, pub.count())
}

func TestReAddPreservesStatistics(t *testing.T) {
	s, _, clock, _ := newTestScheduler(t)
	ctx := context.Background()

	svc := webService("svc-1", "nest-1", "https://example.com", 60)
	s.AddService(ctx, svc, types.PriorityNormal)
	s.Tick(ctx)
	s.HandleResult(ctx, &types.ProbeResult{
		ServiceID:    "svc-1",
		Status:       types.ProbeStatusUp,
		ResponseTime: 120,
		Timestamp:    clock.Now().UnixMilli(),
	})

	// Definition update re-adds the same id
	updated := webService("svc-1", "nest-1", "https://example.com", 60)
	updated.Name = "renamed"
	s.AddService(ctx, updated, types.PriorityNormal)

	snap, _ := s.Snapshot("svc-1")
	assert.Equal(t, int64(1), snap.Completed)
	assert.Equal(t, 120.0, snap.AverageResponseTime)
	assert.Equal(t, "renamed", snap.Service.Name)
}

func TestMovingAverage(t *testing.T) {
	s, _, clock, _ := newTestScheduler(t)
	ctx := context.Background()

	s.AddService(ctx, webService("svc-1", "nest-1", "https://example.com", 60), types.PriorityNormal)
	for _, rt := range []int{100, 200, 300} {
		s.HandleResult(ctx, &types.ProbeResult{
			ServiceID:    "svc-1",
			Status:       types.ProbeStatusUp,
			ResponseTime: rt,
			Timestamp:    clock.Now().UnixMilli(),
		})
	}

	snap, _ := s.Snapshot("svc-1")
	assert.InDelta(t, 200.0, snap.AverageResponseTime, 0.001)
	assert.Equal(t, int64(3), snap.Completed)
}

func TestUptimeTracksFailures(t *testing.T) {
	s, _, clock, _ := newTestScheduler(t)
	ctx := context.Background()

	s.AddService(ctx, webService("svc-1", "nest-1", "https://example.com", 60), types.PriorityNormal)
	statuses := []types.ProbeStatus{
		types.ProbeStatusUp, types.ProbeStatusUp, types.ProbeStatusUp, types.ProbeStatusDown,
	}
	for _, st := range statuses {
		s.HandleResult(ctx, &types.ProbeResult{
			ServiceID: "svc-1",
			Status:    st,
			Timestamp: clock.Now().UnixMilli(),
		})
	}

	snap, _ := s.Snapshot("svc-1")
	assert.Equal(t, int64(4), snap.Completed)
	assert.Equal(t, int64(1), snap.Failed)
	assert.InDelta(t, 75.0, snap.UptimePercent, 0.001)
}

func TestStatePersistsAcrossRestart(t *testing.T) {
	s, _, clock, store := newTestScheduler(t)
	ctx := context.Background()

	s.AddService(ctx, webService("svc-1", "nest-1", "https://example.com", 60), types.PriorityNormal)
	s.Tick(ctx)
	s.HandleResult(ctx, &types.ProbeResult{
		ServiceID:    "svc-1",
		Status:       types.ProbeStatusUp,
		ResponseTime: 90,
		Timestamp:    clock.Now().UnixMilli(),
	})

	// A fresh scheduler over the same store picks up where it left off
	replacement := New(store, &recordingPublisher{}, config.Default(), metrics.New(), clock)
	require.NoError(t, replacement.LoadState(ctx))

	snap, ok := replacement.Snapshot("svc-1")
	require.True(t, ok)
	assert.Equal(t, int64(1), snap.Completed)
	assert.Equal(t, 90.0, snap.AverageResponseTime)
}

func TestRemoveServiceStopsScheduling(t *testing.T) {
	s, pub, clock, _ := newTestScheduler(t)
	ctx := context.Background()

	s.AddService(ctx, webService("svc-1", "nest-1", "https://example.com", 60), types.PriorityNormal)
	s.RemoveService(ctx, "svc-1")

	clock.Advance(time.Minute)
	s.Tick(ctx)
	assert.Zero(t, pub.count())
	_, ok := s.Snapshot("svc-1")
	assert.False(t, ok)
}

func decodeCommand(env *bus.Envelope, out *bus.CheckCommand) error {
	return json.Unmarshal(env.Data, out)
}
