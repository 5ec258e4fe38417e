package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nestwatch/nestwatch/pkg/antifraud"
	"github.com/nestwatch/nestwatch/pkg/storage"
	"github.com/nestwatch/nestwatch/pkg/types"
)

// HandleHeartbeat verifies and records one worker heartbeat payload.
// Rejected heartbeats are dropped without a reply so the rejection
// reason never reaches the sender, and the stored state is untouched.
func (s *Scheduler) HandleHeartbeat(ctx context.Context, payload []byte) error {
	var hb types.Heartbeat
	if err := json.Unmarshal(payload, &hb); err != nil {
		s.metrics.HeartbeatsTotal.WithLabelValues("rejected").Inc()
		return fmt.Errorf("malformed heartbeat: %w", err)
	}
	if hb.WorkerID == "" {
		s.metrics.HeartbeatsTotal.WithLabelValues("rejected").Inc()
		return fmt.Errorf("heartbeat without worker id")
	}

	prev, err := s.store.GetWorkerState(ctx, hb.WorkerID)
	if err != nil && err != storage.ErrNotFound {
		return err
	}

	pubKey := ""
	if rec, err := s.store.GetWorkerRegistration(ctx, hb.WorkerID); err == nil {
		if rec.Revoked {
			s.metrics.HeartbeatsTotal.WithLabelValues("rejected").Inc()
			s.logger.Warn().Str("worker_id", hb.WorkerID).Msg("heartbeat from revoked worker dropped")
			return nil
		}
		pubKey = rec.PublicKey
	}

	state, verr := s.verifier.Verify(&hb, prev, pubKey)
	if verr != nil {
		s.metrics.HeartbeatsTotal.WithLabelValues("rejected").Inc()
		s.logger.Warn().Err(verr).Str("worker_id", hb.WorkerID).Msg("heartbeat rejected")
		return nil
	}

	if state.Flagged {
		s.logger.Warn().
			Str("worker_id", state.WorkerID).
			Str("reason", state.FlagReason).
			Msg("heartbeat flagged")
	}

	if err := s.store.PutWorkerState(ctx, state); err != nil {
		return err
	}
	if err := s.store.PutWorkerHeartbeat(ctx, state); err != nil {
		return err
	}
	s.metrics.HeartbeatsTotal.WithLabelValues("accepted").Inc()
	return nil
}

// runJanitor periodically evicts workers whose last heartbeat is older
// than the heartbeat timeout and sweeps the remaining fleet for points
// anomalies
func (s *Scheduler) runJanitor(ctx context.Context) {
	ticker := s.clock.NewTicker(s.janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			s.Janitor(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Janitor runs one eviction and anomaly pass over the fleet view
func (s *Scheduler) Janitor(ctx context.Context) {
	states, err := s.store.ListWorkerHeartbeats(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("janitor fleet listing failed")
		return
	}

	now := s.clock.Now().UnixMilli()
	cutoff := now - s.heartbeatTimeout.Milliseconds()

	live := states[:0]
	for _, state := range states {
		if state.Timestamp < cutoff {
			if err := s.store.DeleteWorkerHeartbeat(ctx, state.WorkerID); err != nil {
				s.logger.Error().Err(err).Str("worker_id", state.WorkerID).Msg("stale worker eviction failed")
				continue
			}
			s.logger.Info().
				Str("worker_id", state.WorkerID).
				Dur("silent_for", time.Duration(now-state.Timestamp)*time.Millisecond).
				Msg("stale worker evicted")
			continue
		}
		live = append(live, state)
	}

	for _, state := range antifraud.AnomalySweep(live) {
		if state.Flagged {
			continue
		}
		state.Flagged = true
		state.FlagReason = "points anomaly: more than 3 standard deviations from fleet mean"
		if err := s.store.PutWorkerHeartbeat(ctx, state); err != nil {
			s.logger.Error().Err(err).Str("worker_id", state.WorkerID).Msg("anomaly flag persist failed")
			continue
		}
		s.logger.Warn().Str("worker_id", state.WorkerID).Int64("total_points", state.TotalPoints).Msg("worker flagged by anomaly sweep")
	}

	s.metrics.ActiveWorkers.Set(float64(len(live)))
}
