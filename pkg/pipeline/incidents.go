package pipeline

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/nestwatch/nestwatch/pkg/storage"
	"github.com/nestwatch/nestwatch/pkg/types"
)

// reconcileIncidents keeps the invariant of at most one open incident
// per (service, type). A down or degraded result opens or extends the
// matching incident; an up result resolves whatever is open. The
// return value is the number of incidents opened by this result.
func (p *Pipeline) reconcileIncidents(ctx context.Context, svc *types.Service, result *types.ProbeResult) (int64, error) {
	switch result.Status {
	case types.ProbeStatusDown:
		return p.extendOrOpen(ctx, svc, result, types.IncidentDown)
	case types.ProbeStatusDegraded:
		return p.extendOrOpen(ctx, svc, result, types.IncidentDegraded)
	case types.ProbeStatusUp:
		for _, typ := range []types.IncidentType{types.IncidentDown, types.IncidentDegraded} {
			if err := p.resolveOpen(ctx, svc, result, typ); err != nil {
				return 0, err
			}
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("unknown probe status %q", result.Status)
	}
}

func (p *Pipeline) extendOrOpen(ctx context.Context, svc *types.Service, result *types.ProbeResult, typ types.IncidentType) (int64, error) {
	open, err := p.store.GetOpenIncident(ctx, svc.ID, typ)
	if err == nil {
		open.AffectedChecks++
		if result.Error != "" {
			open.Reason = result.Error
		}
		return 0, p.store.CreateIncident(ctx, open)
	}
	if err != storage.ErrNotFound {
		return 0, err
	}

	inc := &types.Incident{
		ID:             uuid.NewString(),
		NestID:         svc.NestID,
		ServiceID:      svc.ID,
		Type:           typ,
		StartedAt:      result.Timestamp,
		Reason:         result.Error,
		AffectedChecks: 1,
	}
	if err := p.store.CreateIncident(ctx, inc); err != nil {
		return 0, err
	}
	p.metrics.OpenIncidents.Inc()
	p.logger.Warn().
		Str("nest_id", svc.NestID).
		Str("service_id", svc.ID).
		Str("incident_id", inc.ID).
		Str("type", string(typ)).
		Str("reason", inc.Reason).
		Msg("incident opened")
	return 1, nil
}

func (p *Pipeline) resolveOpen(ctx context.Context, svc *types.Service, result *types.ProbeResult, typ types.IncidentType) error {
	open, err := p.store.GetOpenIncident(ctx, svc.ID, typ)
	if err == storage.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}

	open.ResolvedAt = result.Timestamp
	open.DurationMs = open.ResolvedAt - open.StartedAt
	if err := p.store.ResolveIncident(ctx, open); err != nil {
		return err
	}
	p.metrics.OpenIncidents.Dec()
	p.logger.Info().
		Str("nest_id", svc.NestID).
		Str("service_id", svc.ID).
		Str("incident_id", open.ID).
		Int64("duration_ms", open.DurationMs).
		Msg("incident resolved")
	return nil
}
