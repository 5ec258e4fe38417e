package storage

import (
	"context"
	"io"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nestwatch/nestwatch/pkg/log"
	"github.com/nestwatch/nestwatch/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, Output: io.Discard})
	os.Exit(m.Run())
}

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStoreWithClient(client)
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func testNest(id, subdomain string, tier types.Tier) *types.Nest {
	return &types.Nest{
		ID:        id,
		Subdomain: subdomain,
		Name:      "Test Nest",
		Email:     "owner@example.com",
		Tier:      tier,
		Status:    types.NestStatusActive,
		CreatedAt: time.Now(),
	}
}

func testService(id, nestID string, active bool) *types.Service {
	return &types.Service{
		ID:       id,
		NestID:   nestID,
		Name:     "svc " + id,
		Type:     types.ServiceTypeWeb,
		Target:   "https://example.com",
		Interval: 60,
		Config: types.ProbeConfig{
			Type: types.ServiceTypeWeb,
			Web:  &types.WebConfig{Method: "GET"},
		},
		Active: active,
	}
}

func TestNestCRUDAndSubdomainIndex(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	nest := testNest("n1", "acme", types.TierFree)
	require.NoError(t, store.CreateNest(ctx, nest))

	got, err := store.GetNest(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, "acme", got.Subdomain)

	bySub, err := store.GetNestBySubdomain(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "n1", bySub.ID)

	// Duplicate subdomain is a conflict
	err = store.CreateNest(ctx, testNest("n2", "acme", types.TierFree))
	assert.ErrorIs(t, err, ErrConflict)
}

func TestServiceQuotaEnforcement(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateNest(ctx, testNest("n1", "acme", types.TierFree)))

	// Free tier quota is 5 active services
	for i := 0; i < 5; i++ {
		svc := testService(string(rune('a'+i)), "n1", true)
		require.NoError(t, store.CreateService(ctx, svc))
	}

	err := store.CreateService(ctx, testService("f", "n1", true))
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	// Deactivating one frees the slot
	svc, err := store.GetService(ctx, "n1", "a")
	require.NoError(t, err)
	svc.Active = false
	require.NoError(t, store.UpdateService(ctx, svc))

	require.NoError(t, store.CreateService(ctx, testService("f", "n1", true)))
}

func TestServiceIntervalBelowTierMinimum(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateNest(ctx, testNest("n1", "acme", types.TierFree)))
	svc := testService("s1", "n1", true)
	svc.Interval = 15 // free tier minimum is 60
	err := store.CreateService(ctx, svc)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestTenantGuardOnServiceLookup(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateNest(ctx, testNest("n1", "acme", types.TierFree)))
	require.NoError(t, store.CreateNest(ctx, testNest("n2", "beta", types.TierFree)))
	require.NoError(t, store.CreateService(ctx, testService("s1", "n1", true)))

	// Owner sees it
	_, err := store.GetService(ctx, "n1", "s1")
	require.NoError(t, err)

	// Another tenant gets not-found, not forbidden
	_, err = store.GetService(ctx, "n2", "s1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteNestCascades(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateNest(ctx, testNest("n1", "acme", types.TierFree)))
	require.NoError(t, store.CreateService(ctx, testService("s1", "n1", true)))
	require.NoError(t, store.CreateIncident(ctx, &types.Incident{
		ID: "i1", NestID: "n1", ServiceID: "s1", Type: types.IncidentDown, StartedAt: 1,
	}))
	require.NoError(t, store.CreateUser(ctx, &types.User{
		ID: "u1", NestID: "n1", Email: "u@example.com", Role: types.RoleOwner,
	}))

	require.NoError(t, store.DeleteNest(ctx, "n1"))

	_, err := store.GetNest(ctx, "n1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetService(ctx, "n1", "s1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetIncident(ctx, "n1", "i1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetUserByEmail(ctx, "u@example.com")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCheckCacheTTL(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	result := &types.ProbeResult{
		ServiceID: "s1", NestID: "n1", CacheKey: "ck",
		Status: types.ProbeStatusUp, ResponseTime: 150, Timestamp: 1000,
	}
	require.NoError(t, store.PutCheckCache(ctx, "ck", result, 30*time.Second))

	got, err := store.GetCheckCache(ctx, "ck")
	require.NoError(t, err)
	assert.Equal(t, 150, got.ResponseTime)

	mr.FastForward(31 * time.Second)
	_, err = store.GetCheckCache(ctx, "ck")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPendingWorkerQueueOrdering(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	base := time.Now()
	for i, id := range []string{"w-b", "w-a", "w-c"} {
		rec := &types.WorkerRecord{
			WorkerID:     id,
			OwnerEmail:   "o@example.com",
			RegisteredAt: base.Add(time.Duration(i) * time.Second),
			Region:       "auto",
		}
		require.NoError(t, store.PutWorkerRegistration(ctx, rec))
	}

	pending, err := store.ListPendingWorkers(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, "w-b", pending[0].WorkerID) // arrival order, not lexical
	assert.Equal(t, "w-a", pending[1].WorkerID)
	assert.Equal(t, "w-c", pending[2].WorkerID)

	owned, err := store.ListWorkersByOwner(ctx, "o@example.com")
	require.NoError(t, err)
	assert.Len(t, owned, 3)

	// Approval removes from the pending queue
	rec, err := store.GetWorkerRegistration(ctx, "w-a")
	require.NoError(t, err)
	rec.Approved = true
	require.NoError(t, store.PutWorkerRegistration(ctx, rec))

	pending, err = store.ListPendingWorkers(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestCountFailedAttempts(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UnixMilli()
	attempts := []*types.AuthAttempt{
		{Email: "a@x.io", Timestamp: now - 1000, Success: false},
		{Email: "a@x.io", Timestamp: now - 500, Success: false},
		{Email: "a@x.io", Timestamp: now - 100, Success: true},
		{Email: "a@x.io", Timestamp: now - 100000, Success: false}, // outside window
	}
	for _, a := range attempts {
		require.NoError(t, store.RecordAuthAttempt(ctx, a))
	}

	n, err := store.CountFailedAttempts(ctx, "a@x.io", now-10000)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestMemoryFallbackServesRecentReads(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "k1", []byte("v1")))
	_, err := store.Get(ctx, "k1") // warms the fallback
	require.NoError(t, err)

	mr.Close()

	// Recently seen key still readable
	v, err := store.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), v)

	// Writes succeed locally while degraded
	require.NoError(t, store.Put(ctx, "k2", []byte("v2")))
	v, err = store.Get(ctx, "k2")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), v)
	assert.Greater(t, store.fallback.dirtyCount(), 0)
}

func TestScheduledServiceRoundTripPreservesStats(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	sched := &types.ScheduledService{
		Service:   testService("s1", "n1", true),
		Priority:  types.PriorityNormal,
		Enabled:   true,
		Scheduled: 10, Completed: 8, Failed: 1,
		AverageResponseTime: 120.5,
	}
	require.NoError(t, store.PutScheduledService(ctx, sched))

	all, err := store.ListScheduledServices(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, int64(8), all[0].Completed)
	assert.Equal(t, 120.5, all[0].AverageResponseTime)
}
