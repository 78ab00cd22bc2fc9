package medfed

import (
	"errors"
	"fmt"
)

// Sentinel errors for round bookkeeping.
var (
	// ErrRoundNotFound indicates the referenced round does not exist.
	ErrRoundNotFound = errors.New("round not found")

	// ErrRoundActive indicates a round is already in progress or aggregating;
	// at most one round may be open at a time.
	ErrRoundActive = errors.New("another round is already active")

	// ErrDuplicateSubmission indicates the participant already submitted an
	// update for this round.
	ErrDuplicateSubmission = errors.New("duplicate submission for participant")

	// ErrMetricExists indicates a RoundMetric was already written for the
	// round; metrics are written exactly once.
	ErrMetricExists = errors.New("round metric already written")

	// ErrNoSecretKey indicates a decrypt was attempted on a public-only codec.
	ErrNoSecretKey = errors.New("codec holds no secret key")

	// ErrEngineClosed indicates an operation on an engine after Close.
	ErrEngineClosed = errors.New("engine is closed")
)

// ValidationError reports a malformed or missing field in a submission.
// The submission is rejected; the round continues.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid submission: field %q: %s", e.Field, e.Reason)
}

// StaleRoundError reports a submission that arrived after the collection
// window closed for its round.
type StaleRoundError struct {
	RoundID string
	Status  RoundStatus
}

func (e *StaleRoundError) Error() string {
	return fmt.Sprintf("round %s no longer accepting updates (status %s)", e.RoundID, e.Status)
}

// EncryptionError reports an undecryptable or uncombinable ciphertext. The
// codec never falls back to plaintext on such failures.
type EncryptionError struct {
	Op  string
	Err error
}

func (e *EncryptionError) Error() string {
	return fmt.Sprintf("encryption codec: %s: %v", e.Op, e.Err)
}

func (e *EncryptionError) Unwrap() error { return e.Err }

// ConvergenceError reports that Weiszfeld's algorithm exhausted its iteration
// cap without the estimate settling. The round fails and the previous global
// model remains in effect.
type ConvergenceError struct {
	Iterations int
	Movement   float64
	Epsilon    float64
}

func (e *ConvergenceError) Error() string {
	return fmt.Sprintf("geometric median did not converge after %d iterations (movement %.3g, threshold %.3g)",
		e.Iterations, e.Movement, e.Epsilon)
}

// QuorumError reports that too few participants responded before the
// collection window closed; aggregation is not attempted.
type QuorumError struct {
	Got  int
	Need int
}

func (e *QuorumError) Error() string {
	return fmt.Sprintf("quorum not met: %d responded, %d required", e.Got, e.Need)
}

// PrivacyBudgetError reports a submission whose declared noise parameters
// would exceed the participant's remaining differential-privacy budget. Only
// that participant is rejected.
type PrivacyBudgetError struct {
	ParticipantID string
	Requested     float64
	Remaining     float64
}

func (e *PrivacyBudgetError) Error() string {
	return fmt.Sprintf("privacy budget exceeded for %s: requested epsilon %.4f, remaining %.4f",
		e.ParticipantID, e.Requested, e.Remaining)
}

// TransitionError reports an attempt to move a round through an illegal
// status transition. Transitions are one-directional and terminal states are
// immutable.
type TransitionError struct {
	RoundID string
	From    RoundStatus
	To      RoundStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("round %s: illegal transition %s -> %s", e.RoundID, e.From, e.To)
}
