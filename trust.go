package medfed

import (
	"sync"
	"time"

	"github.com/montanaflynn/stats"
)

// DistanceSummary describes the per-round distribution of participant
// distances from consensus, for operator review.
type DistanceSummary struct {
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
	Max    float64 `json:"max"`
}

// TrustEvaluator scores each participant's deviation from the consensus
// vector and maintains a running average deviation per participant across
// rounds. Flagging is advisory: a flagged participant's vector already
// contributed to the robust aggregate (down-weighted by the aggregator) and
// is surfaced for review, never silently dropped.
type TrustEvaluator struct {
	scale float64

	mu      sync.Mutex
	history map[string]*deviationAvg
}

type deviationAvg struct {
	count int64
	mean  float64
}

// NewTrustEvaluator creates an evaluator. scale tunes the transfer function
// score = 1/(1+distance/scale); it is institution-specific configuration.
func NewTrustEvaluator(scale float64) *TrustEvaluator {
	if scale <= 0 {
		scale = DefaultEngineConfig().TrustScale
	}
	return &TrustEvaluator{
		scale:   scale,
		history: make(map[string]*deviationAvg),
	}
}

// flagThreshold couples flagging to the score range: score < 0.5 implies
// flagged and vice versa. It is deliberately not configurable.
const flagThreshold = 0.5

// Score maps a distance to [0, 1], monotonically non-increasing in distance.
func (t *TrustEvaluator) Score(distance float64) float64 {
	return 1.0 / (1.0 + distance/t.scale)
}

// Evaluate scores every participant against the consensus vector, updates
// the running deviation averages, and returns the scores alongside the
// round's distance distribution summary.
func (t *TrustEvaluator) Evaluate(roundID string, participantIDs []string, distances []float64) ([]TrustScore, DistanceSummary, error) {
	if len(participantIDs) != len(distances) {
		return nil, DistanceSummary{}, &ValidationError{Field: "distances", Reason: "participant/distance length mismatch"}
	}

	now := time.Now().UTC()
	scores := make([]TrustScore, len(participantIDs))

	t.mu.Lock()
	for i, id := range participantIDs {
		d := distances[i]
		avg := t.history[id]
		if avg == nil {
			avg = &deviationAvg{}
			t.history[id] = avg
		}
		avg.count++
		avg.mean += (d - avg.mean) / float64(avg.count)

		s := t.Score(d)
		scores[i] = TrustScore{
			ParticipantID: id,
			RoundID:       roundID,
			Score:         s,
			DeviationAvg:  avg.mean,
			Flagged:       s < flagThreshold,
			ComputedAt:    now,
		}
	}
	t.mu.Unlock()

	summary := summarize(distances)
	return scores, summary, nil
}

// DeviationAverage returns a participant's running average distance from
// consensus across all rounds it took part in.
func (t *TrustEvaluator) DeviationAverage(participantID string) (float64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	avg, ok := t.history[participantID]
	if !ok {
		return 0, false
	}
	return avg.mean, true
}

func summarize(distances []float64) DistanceSummary {
	if len(distances) == 0 {
		return DistanceSummary{}
	}
	data := stats.Float64Data(distances)
	mean, _ := stats.Mean(data)
	sd, _ := stats.StandardDeviation(data)
	max, _ := stats.Max(data)
	return DistanceSummary{Mean: mean, StdDev: sd, Max: max}
}
