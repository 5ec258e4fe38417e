package antifraud

import (
	"math"

	"github.com/nestwatch/nestwatch/pkg/types"
)

// AnomalySweep flags workers whose total points sit more than three
// standard deviations from the fleet mean. Run periodically over the
// live heartbeat view; it never rejects, only marks.
func AnomalySweep(states []*types.WorkerState) []*types.WorkerState {
	if len(states) < 3 {
		// Too few samples for a meaningful deviation
		return nil
	}

	var sum float64
	for _, s := range states {
		sum += float64(s.TotalPoints)
	}
	mean := sum / float64(len(states))

	var variance float64
	for _, s := range states {
		d := float64(s.TotalPoints) - mean
		variance += d * d
	}
	stddev := math.Sqrt(variance / float64(len(states)))
	if stddev == 0 {
		return nil
	}

	var flagged []*types.WorkerState
	for _, s := range states {
		if math.Abs(float64(s.TotalPoints)-mean) > 3*stddev {
			flagged = append(flagged, s)
		}
	}
	return flagged
}
