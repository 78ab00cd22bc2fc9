package medfed

import (
	"math"
	"sync"
)

// Accountant validates the (epsilon, delta) each participant claims to have
// applied locally and tracks cumulative spend across rounds. The noise
// injection itself happens at the participant before submission; the engine
// only enforces the budget contract.
type Accountant struct {
	roundEpsilonMax float64
	roundDeltaMax   float64
	totalBudget     float64

	mu     sync.Mutex
	spent  map[string]float64 // cumulative epsilon per participant
	rounds map[string]int     // number of charged mechanism invocations
}

// NewAccountant creates a budget accountant. roundEpsilonMax and
// roundDeltaMax bound a single submission's claim; totalBudget bounds a
// participant's cumulative epsilon across rounds.
func NewAccountant(roundEpsilonMax, roundDeltaMax, totalBudget float64) *Accountant {
	return &Accountant{
		roundEpsilonMax: roundEpsilonMax,
		roundDeltaMax:   roundDeltaMax,
		totalBudget:     totalBudget,
		spent:           make(map[string]float64),
		rounds:          make(map[string]int),
	}
}

// Validate checks a claim without recording it.
func (a *Accountant) Validate(participantID string, epsilon, delta float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.validateLocked(participantID, epsilon, delta)
}

// Charge validates a claim and, if admissible, records the spend. Validation
// and recording happen atomically so concurrent submissions cannot
// double-spend; a rejected claim leaves the ledger untouched.
func (a *Accountant) Charge(participantID string, epsilon, delta float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.validateLocked(participantID, epsilon, delta); err != nil {
		return err
	}
	a.spent[participantID] += epsilon
	a.rounds[participantID]++
	return nil
}

func (a *Accountant) validateLocked(participantID string, epsilon, delta float64) error {
	if epsilon <= 0 || delta <= 0 || delta >= 1 {
		return &ValidationError{Field: "epsilon/delta", Reason: "noise parameters out of range"}
	}
	if epsilon > a.roundEpsilonMax || delta > a.roundDeltaMax {
		return &PrivacyBudgetError{
			ParticipantID: participantID,
			Requested:     epsilon,
			Remaining:     a.roundEpsilonMax,
		}
	}
	if remaining := a.totalBudget - a.spent[participantID]; epsilon > remaining {
		return &PrivacyBudgetError{
			ParticipantID: participantID,
			Requested:     epsilon,
			Remaining:     remaining,
		}
	}
	return nil
}

// Spent returns the cumulative epsilon charged to a participant.
func (a *Accountant) Spent(participantID string) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.spent[participantID]
}

// Remaining returns the epsilon a participant may still spend.
func (a *Accountant) Remaining(participantID string) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.totalBudget - a.spent[participantID]
}

// NoiseSigma returns the Gaussian-mechanism standard deviation a participant
// must apply for a given claim:
//
//	sigma = sensitivity * sqrt(2*ln(1.25/delta)) / epsilon
//
// This documents the contract the external noising step must honor; the
// engine never generates noise itself.
func NoiseSigma(epsilon, delta, sensitivity float64) float64 {
	return sensitivity * math.Sqrt(2.0*math.Log(1.25/delta)) / epsilon
}

// AdvancedComposition estimates the cumulative privacy loss of a participant
// after its charged rounds under the advanced composition theorem:
//
//	eps_total = eps*sqrt(2*T*ln(1/delta)) + T*eps*(e^eps - 1)
//	delta_total = (T+1)*delta
//
// It is an operator-facing estimate; the ledger itself composes epsilon
// linearly, which is the more conservative bound.
func (a *Accountant) AdvancedComposition(participantID string, epsilon, delta float64) (epsTotal, deltaTotal float64) {
	a.mu.Lock()
	t := float64(a.rounds[participantID])
	a.mu.Unlock()
	if t == 0 {
		return 0, 0
	}
	epsTotal = epsilon*math.Sqrt(2.0*t*math.Log(1.0/delta)) + t*epsilon*(math.Exp(epsilon)-1.0)
	deltaTotal = (t + 1) * delta
	return epsTotal, deltaTotal
}
