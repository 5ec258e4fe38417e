package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nestwatch/nestwatch/pkg/storage"
	"github.com/nestwatch/nestwatch/pkg/types"
)

func heartbeatPayload(t *testing.T, hb *types.Heartbeat) []byte {
	t.Helper()
	b, err := json.Marshal(hb)
	require.NoError(t, err)
	return b
}

func TestHandleHeartbeatAccepted(t *testing.T) {
	s, _, clock, store := newTestScheduler(t)
	ctx := context.Background()

	hb := &types.Heartbeat{
		WorkerID:        "w-1",
		Region:          "us-east-1",
		Version:         "1.4.2",
		TotalPoints:     100,
		ChecksCompleted: 50,
		Timestamp:       clock.Now().UnixMilli(),
	}
	require.NoError(t, s.HandleHeartbeat(ctx, heartbeatPayload(t, hb)))

	state, err := store.GetWorkerState(ctx, "w-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), state.TotalPoints)

	fleet, err := store.ListWorkerHeartbeats(ctx)
	require.NoError(t, err)
	assert.Len(t, fleet, 1)
}

// A rejected heartbeat leaves the previously accepted state untouched
func TestHandleHeartbeatRejectionKeepsState(t *testing.T) {
	s, _, clock, store := newTestScheduler(t)
	ctx := context.Background()

	now := clock.Now().UnixMilli()
	first := &types.Heartbeat{WorkerID: "w-1", Region: "us-east-1", TotalPoints: 100, ChecksCompleted: 50, Timestamp: now}
	require.NoError(t, s.HandleHeartbeat(ctx, heartbeatPayload(t, first)))

	// Points regression: dropped silently, no error surfaced to the bus
	regress := &types.Heartbeat{WorkerID: "w-1", Region: "us-east-1", TotalPoints: 40, ChecksCompleted: 50, Timestamp: now + 1000}
	require.NoError(t, s.HandleHeartbeat(ctx, heartbeatPayload(t, regress)))

	state, err := store.GetWorkerState(ctx, "w-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), state.TotalPoints)
	assert.Equal(t, now, state.Timestamp)
}

func TestHandleHeartbeatRevokedWorkerDropped(t *testing.T) {
	s, _, clock, store := newTestScheduler(t)
	ctx := context.Background()

	require.NoError(t, store.PutWorkerRegistration(ctx, &types.WorkerRecord{
		WorkerID: "w-1",
		Revoked:  true,
	}))

	hb := &types.Heartbeat{WorkerID: "w-1", Region: "us-east-1", Timestamp: clock.Now().UnixMilli()}
	require.NoError(t, s.HandleHeartbeat(ctx, heartbeatPayload(t, hb)))

	_, err := store.GetWorkerState(ctx, "w-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestHandleHeartbeatMalformed(t *testing.T) {
	s, _, _, _ := newTestScheduler(t)
	assert.Error(t, s.HandleHeartbeat(context.Background(), []byte("{not json")))
	assert.Error(t, s.HandleHeartbeat(context.Background(), []byte(`{"region":"us-east-1"}`)))
}

// Workers silent past the heartbeat timeout are evicted from the fleet
// view; recent workers survive
func TestJanitorEvictsStaleWorkers(t *testing.T) {
	s, _, clock, store := newTestScheduler(t)
	ctx := context.Background()

	now := clock.Now().UnixMilli()
	require.NoError(t, store.PutWorkerHeartbeat(ctx, &types.WorkerState{WorkerID: "stale", Timestamp: now - 121_000}))
	require.NoError(t, store.PutWorkerHeartbeat(ctx, &types.WorkerState{WorkerID: "fresh", Timestamp: now - 30_000}))

	s.Janitor(ctx)

	fleet, err := store.ListWorkerHeartbeats(ctx)
	require.NoError(t, err)
	require.Len(t, fleet, 1)
	assert.Equal(t, "fresh", fleet[0].WorkerID)
}

func TestJanitorFlagsPointsOutlier(t *testing.T) {
	s, _, clock, store := newTestScheduler(t)
	ctx := context.Background()

	now := clock.Now().UnixMilli()
	for i := 0; i < 15; i++ {
		require.NoError(t, store.PutWorkerHeartbeat(ctx, &types.WorkerState{
			WorkerID: fmt.Sprintf("w-%d", i), TotalPoints: 100, Timestamp: now,
		}))
	}
	require.NoError(t, store.PutWorkerHeartbeat(ctx, &types.WorkerState{
		WorkerID: "cheat", TotalPoints: 1_000_000, Timestamp: now,
	}))

	s.Janitor(ctx)

	fleet, err := store.ListWorkerHeartbeats(ctx)
	require.NoError(t, err)
	for _, state := range fleet {
		if state.WorkerID == "cheat" {
			assert.True(t, state.Flagged)
			assert.Contains(t, state.FlagReason, "anomaly")
		} else {
			assert.False(t, state.Flagged, state.WorkerID)
		}
	}
}

func TestJanitorKeepsWorkerAtTimeoutBoundary(t *testing.T) {
	s, _, clock, store := newTestScheduler(t)
	ctx := context.Background()

	// Exactly at the 120s cutoff is still live
	now := clock.Now().UnixMilli()
	require.NoError(t, store.PutWorkerHeartbeat(ctx, &types.WorkerState{
		WorkerID: "edge", Timestamp: now - 120_000,
	}))

	s.Janitor(ctx)

	fleet, err := store.ListWorkerHeartbeats(ctx)
	require.NoError(t, err)
	assert.Len(t, fleet, 1)
}
