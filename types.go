package medfed

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"math"
	"strconv"
	"time"

	"github.com/zeebo/blake3"
)

// RoundStatus represents the lifecycle state of a training round.
type RoundStatus string

const (
	RoundPending     RoundStatus = "pending"
	RoundInProgress  RoundStatus = "in_progress"
	RoundAggregating RoundStatus = "aggregating"
	RoundCompleted   RoundStatus = "completed"
	RoundFailed      RoundStatus = "failed"
)

// Terminal reports whether the status is final.
func (s RoundStatus) Terminal() bool {
	return s == RoundCompleted || s == RoundFailed
}

// validTransition enforces the one-directional round lifecycle:
// pending -> in_progress -> aggregating -> completed | failed.
// A round may also fail directly from in_progress (e.g. quorum miss).
func validTransition(from, to RoundStatus) bool {
	switch from {
	case RoundPending:
		return to == RoundInProgress
	case RoundInProgress:
		return to == RoundAggregating || to == RoundFailed
	case RoundAggregating:
		return to == RoundCompleted || to == RoundFailed
	default:
		return false
	}
}

// TrainingRound is a single federated training round. It is created by the
// engine, mutated only by it, and becomes immutable once terminal.
type TrainingRound struct {
	ID                   string      `json:"id"`
	RoundNumber          int64       `json:"round_number"`
	Status               RoundStatus `json:"status"`
	ExpectedParticipants []string    `json:"expected_participants"`
	ExpectedCount        int         `json:"expected_count"`
	AcceptedCount        int         `json:"accepted_count"`
	StartedAt            time.Time   `json:"started_at"`
	CompletedAt          time.Time   `json:"completed_at,omitempty"`
	GlobalLoss           float64     `json:"global_loss"`
	GlobalAccuracy       float64     `json:"global_accuracy"`
	FailureReason        string      `json:"failure_reason,omitempty"`
}

// ClientUpdate is one participant's contribution to a round. It is immutable
// once accepted by the engine.
type ClientUpdate struct {
	ParticipantID string    `json:"participant_id"`
	RoundID       string    `json:"round_id"`
	EncryptedHead []byte    `json:"encrypted_head,omitempty"`
	BodyDelta     []float64 `json:"body_delta"`
	SampleCount   int64     `json:"sample_count"`
	LocalLoss     float64   `json:"local_loss"`
	LocalAccuracy float64   `json:"local_accuracy"`
	Epsilon       float64   `json:"epsilon"`
	Delta         float64   `json:"delta"`
	SubmittedAt   time.Time `json:"submitted_at"`

	// Digest is the blake3 content hash computed by the engine on acceptance.
	Digest string `json:"digest,omitempty"`
}

// Validate checks structural requirements common to every submission.
func (u *ClientUpdate) Validate() error {
	if u.ParticipantID == "" {
		return &ValidationError{Field: "participant_id", Reason: "missing"}
	}
	if u.RoundID == "" {
		return &ValidationError{Field: "round_id", Reason: "missing"}
	}
	if len(u.BodyDelta) == 0 {
		return &ValidationError{Field: "body_delta", Reason: "empty parameter vector"}
	}
	for i, v := range u.BodyDelta {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return &ValidationError{Field: "body_delta", Reason: "non-finite value at index " + strconv.Itoa(i)}
		}
	}
	if u.SampleCount <= 0 {
		return &ValidationError{Field: "sample_count", Reason: "must be positive"}
	}
	if u.Epsilon <= 0 {
		return &ValidationError{Field: "epsilon", Reason: "must be positive"}
	}
	if u.Delta <= 0 || u.Delta >= 1 {
		return &ValidationError{Field: "delta", Reason: "must be in (0, 1)"}
	}
	return nil
}

// digest hashes the update's identifying fields and payload with blake3.
func (u *ClientUpdate) digest() string {
	h := blake3.New()
	_, _ = h.Write([]byte(u.ParticipantID))
	_, _ = h.Write([]byte(u.RoundID))
	var buf [8]byte
	for _, v := range u.BodyDelta {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
		_, _ = h.Write(buf[:])
	}
	_, _ = h.Write(u.EncryptedHead)
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// RoundMetric captures aggregation statistics for a round. Written exactly
// once, when aggregation finishes successfully.
type RoundMetric struct {
	RoundID                 string  `json:"round_id"`
	AggregationMethod       string  `json:"aggregation_method"`
	WeiszfeldIterations     int     `json:"weiszfeld_iterations"`
	ConvergenceEpsilon      float64 `json:"convergence_epsilon"`
	EncryptionOverheadMs    int64   `json:"encryption_overhead_ms"`
	AggregationTimeMs       int64   `json:"aggregation_time_ms"`
	PoisonedClientsDetected int     `json:"poisoned_clients_detected"`
}

// TrustScore is one participant's consensus-deviation score for a round.
// Rows are append-only history across rounds.
type TrustScore struct {
	ParticipantID string    `json:"participant_id"`
	RoundID       string    `json:"round_id"`
	Score         float64   `json:"score"`
	DeviationAvg  float64   `json:"deviation_avg"`
	Flagged       bool      `json:"flagged"`
	ComputedAt    time.Time `json:"computed_at"`
}

// Rejection records a per-participant rejection within a round, surfaced to
// the monitoring layer. Rejections never carry parameter data.
type Rejection struct {
	ParticipantID string    `json:"participant_id"`
	RoundID       string    `json:"round_id"`
	Reason        string    `json:"reason"`
	At            time.Time `json:"at"`
}

// UpdateMeta is the persisted record of an accepted update: metadata and
// training metrics only, never the parameter delta itself.
type UpdateMeta struct {
	ParticipantID    string    `json:"participant_id"`
	RoundID          string    `json:"round_id"`
	SampleCount      int64     `json:"sample_count"`
	LocalLoss        float64   `json:"local_loss"`
	LocalAccuracy    float64   `json:"local_accuracy"`
	Distance         float64   `json:"distance"`
	Digest           string    `json:"digest"`
	EncryptionStatus string    `json:"encryption_status"`
	SubmittedAt      time.Time `json:"submitted_at"`
}

func newRoundID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
