package pipeline

import (
	"context"
	"time"

	"github.com/nestwatch/nestwatch/pkg/storage"
	"github.com/nestwatch/nestwatch/pkg/types"
)

// updateRollups folds one result into the hour, day, and month windows
// containing its timestamp. Windows are aligned in UTC.
func (p *Pipeline) updateRollups(ctx context.Context, svc *types.Service, result *types.ProbeResult, openedIncidents int64) error {
	at := time.UnixMilli(result.Timestamp).UTC()
	for _, period := range []types.RollupPeriod{types.RollupHour, types.RollupDay, types.RollupMonth} {
		windowStart := windowStart(at, period)
		if err := p.updateRollup(ctx, svc, result, period, windowStart, openedIncidents); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) updateRollup(ctx context.Context, svc *types.Service, result *types.ProbeResult, period types.RollupPeriod, windowStart int64, openedIncidents int64) error {
	r, err := p.store.GetRollup(ctx, svc.NestID, svc.ID, period, windowStart)
	if err == storage.ErrNotFound {
		r = &types.MetricRollup{
			NestID:      svc.NestID,
			ServiceID:   svc.ID,
			Period:      period,
			WindowStart: windowStart,
		}
	} else if err != nil {
		return err
	}

	r.Total++
	if result.Status == types.ProbeStatusDown {
		r.Failed++
	} else {
		r.Successful++
		if result.ResponseTime > 0 {
			n := float64(r.Successful)
			r.AvgResponseMs = (r.AvgResponseMs*(n-1) + float64(result.ResponseTime)) / n
		}
	}
	r.UptimeRatio = float64(r.Total-r.Failed) / float64(r.Total)
	r.Incidents += openedIncidents

	return p.store.PutRollup(ctx, r)
}

// windowStart returns the unix-millis start of the window containing t
func windowStart(t time.Time, period types.RollupPeriod) int64 {
	switch period {
	case types.RollupDay:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).UnixMilli()
	case types.RollupMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	default:
		return t.Truncate(time.Hour).UnixMilli()
	}
}
