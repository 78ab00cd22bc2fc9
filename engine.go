package medfed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// EngineOptions carries the engine's pluggable dependencies. Zero-valued
// fields get in-memory defaults, which is what tests and embedded use want.
type EngineOptions struct {
	Store     RoundStore
	Snapshots SnapshotBackend
	Codec     *Codec
	Logger    *slog.Logger
}

// Engine is the round controller: it opens rounds, collects participant
// updates, runs robust aggregation and trust scoring, and persists the
// results. All submissions funnel through it; at most one round is active at
// a time.
type Engine struct {
	cfg        EngineConfig
	codec      *Codec
	accountant *Accountant
	aggregator *RobustAggregator
	trust      *TrustEvaluator
	store      RoundStore
	snapshots  SnapshotBackend
	logger     *slog.Logger

	mu            sync.Mutex
	current       *roundState
	lastConsensus *ModelSnapshot
	rejections    map[string][]Rejection
	roundSeq      int64
	closed        bool

	roundsCompleted atomic.Int64
	roundsFailed    atomic.Int64
	updatesAccepted atomic.Int64
	updatesRejected atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// roundState is the in-flight collection state of the active round. It is
// guarded by Engine.mu; the aggregation goroutine works on a snapshot taken
// under the lock.
type roundState struct {
	round    *TrainingRound
	expected map[string]struct{}
	updates  map[string]*ClientUpdate
	order    []string
	timer    *time.Timer
	closed   bool
}

// EngineStats is a point-in-time view of engine counters.
type EngineStats struct {
	Version         string `json:"version"`
	RoundsCompleted int64  `json:"rounds_completed"`
	RoundsFailed    int64  `json:"rounds_failed"`
	UpdatesAccepted int64  `json:"updates_accepted"`
	UpdatesRejected int64  `json:"updates_rejected"`
	ActiveRoundID   string `json:"active_round_id,omitempty"`
}

// NewEngine creates an engine. The config is backfilled with defaults; unset
// options fall back to a fresh codec, an in-memory store and an in-memory
// snapshot backend.
func NewEngine(cfg EngineConfig, opts EngineOptions) (*Engine, error) {
	cfg.backfill()

	codec := opts.Codec
	if codec == nil {
		var err error
		codec, err = NewCodec(cfg.Codec)
		if err != nil {
			return nil, err
		}
	}
	store := opts.Store
	if store == nil {
		store = NewMemoryStore()
	}
	snapshots := opts.Snapshots
	if snapshots == nil {
		snapshots = NewMemorySnapshotBackend()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:        cfg,
		codec:      codec,
		accountant: NewAccountant(cfg.RoundEpsilonMax, cfg.RoundDeltaMax, cfg.TotalEpsilonBudget),
		aggregator: NewRobustAggregator(AggregatorConfig{
			MaxIterations:      cfg.MaxIterations,
			ConvergenceEpsilon: cfg.ConvergenceEpsilon,
			EpsilonFloor:       cfg.EpsilonFloor,
		}),
		trust:      NewTrustEvaluator(cfg.TrustScale),
		store:      store,
		snapshots:  snapshots,
		logger:     logger,
		rejections: make(map[string][]Rejection),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Codec returns the engine's codec, so its public key can be distributed to
// participants.
func (e *Engine) Codec() *Codec { return e.codec }

// Accountant exposes the privacy budget ledger for operator queries.
func (e *Engine) Accountant() *Accountant { return e.accountant }

// OpenRound starts a new training round expecting updates from the given
// participants. The expected set is fixed for the round's lifetime. Returns
// ErrRoundActive if a round is already open.
func (e *Engine) OpenRound(ctx context.Context, participants []string) (*TrainingRound, error) {
	if len(participants) == 0 {
		return nil, &ValidationError{Field: "participants", Reason: "empty expected set"}
	}
	expected := make(map[string]struct{}, len(participants))
	for _, id := range participants {
		if id == "" {
			return nil, &ValidationError{Field: "participants", Reason: "empty participant id"}
		}
		if _, dup := expected[id]; dup {
			return nil, &ValidationError{Field: "participants", Reason: "duplicate participant " + id}
		}
		expected[id] = struct{}{}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, ErrEngineClosed
	}
	if e.current != nil && !e.current.round.Status.Terminal() {
		return nil, ErrRoundActive
	}

	e.roundSeq++
	round := &TrainingRound{
		ID:                   newRoundID(),
		RoundNumber:          e.roundSeq,
		Status:               RoundPending,
		ExpectedParticipants: append([]string(nil), participants...),
		ExpectedCount:        len(participants),
		StartedAt:            time.Now().UTC(),
	}
	if err := e.store.SaveRound(ctx, round); err != nil {
		e.roundSeq--
		return nil, fmt.Errorf("failed to persist round: %w", err)
	}
	if err := e.transition(ctx, round, RoundInProgress); err != nil {
		return nil, err
	}

	state := &roundState{
		round:    round,
		expected: expected,
		updates:  make(map[string]*ClientUpdate, len(participants)),
	}
	state.timer = time.AfterFunc(e.cfg.CollectionTimeout, func() {
		e.collectionExpired(round.ID)
	})
	e.current = state

	e.logger.Info("round opened",
		"round_id", round.ID,
		"round_number", round.RoundNumber,
		"expected", round.ExpectedCount,
		"timeout", e.cfg.CollectionTimeout)

	cp := *round
	return &cp, nil
}

// Submit accepts one participant's update for the active round. Validation,
// membership, dedup and privacy budget checks reject only the offending
// submission; the round continues collecting.
func (e *Engine) Submit(ctx context.Context, update *ClientUpdate) error {
	if err := update.Validate(); err != nil {
		e.updatesRejected.Add(1)
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		e.updatesRejected.Add(1)
		return ErrEngineClosed
	}
	state := e.current
	if state == nil || state.round.ID != update.RoundID {
		e.updatesRejected.Add(1)
		round, err := e.store.GetRound(ctx, update.RoundID)
		if err != nil {
			return ErrRoundNotFound
		}
		return &StaleRoundError{RoundID: round.ID, Status: round.Status}
	}
	if state.closed || state.round.Status != RoundInProgress {
		e.updatesRejected.Add(1)
		return &StaleRoundError{RoundID: state.round.ID, Status: state.round.Status}
	}
	if _, ok := state.expected[update.ParticipantID]; !ok {
		e.updatesRejected.Add(1)
		return &ValidationError{Field: "participant_id",
			Reason: update.ParticipantID + " is not an expected participant of this round"}
	}
	if _, dup := state.updates[update.ParticipantID]; dup {
		e.updatesRejected.Add(1)
		return ErrDuplicateSubmission
	}

	if err := e.accountant.Charge(update.ParticipantID, update.Epsilon, update.Delta); err != nil {
		e.updatesRejected.Add(1)
		e.recordRejectionLocked(state.round.ID, update.ParticipantID, err.Error())
		return err
	}

	cp := *update
	cp.BodyDelta = append([]float64(nil), update.BodyDelta...)
	cp.EncryptedHead = append([]byte(nil), update.EncryptedHead...)
	cp.SubmittedAt = time.Now().UTC()
	cp.Digest = cp.digest()

	state.updates[cp.ParticipantID] = &cp
	state.order = append(state.order, cp.ParticipantID)
	e.updatesAccepted.Add(1)

	e.logger.Debug("update accepted",
		"round_id", state.round.ID,
		"participant", cp.ParticipantID,
		"samples", cp.SampleCount,
		"digest", cp.Digest)

	// All expected participants responded: close early.
	if len(state.updates) == len(state.expected) {
		e.closeCollectionLocked(state)
	}
	return nil
}

// collectionExpired fires when the collection window times out.
func (e *Engine) collectionExpired(roundID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	state := e.current
	if e.closed || state == nil || state.round.ID != roundID || state.closed {
		return
	}
	e.logger.Info("collection window expired",
		"round_id", roundID,
		"collected", len(state.updates),
		"expected", len(state.expected))
	e.closeCollectionLocked(state)
}

// closeCollectionLocked is the single funnel from collecting to aggregating.
// Caller holds e.mu.
func (e *Engine) closeCollectionLocked(state *roundState) {
	state.closed = true
	if state.timer != nil {
		state.timer.Stop()
	}
	if err := e.transition(e.ctx, state.round, RoundAggregating); err != nil {
		e.logger.Error("failed to enter aggregating", "round_id", state.round.ID, "error", err)
		return
	}
	e.wg.Add(1)
	go e.aggregate(state)
}

// aggregate runs the full aggregation pipeline for a closed round. It is the
// only writer of the round's terminal state.
func (e *Engine) aggregate(state *roundState) {
	defer e.wg.Done()
	start := time.Now()
	round := state.round

	e.mu.Lock()
	updates := make([]*ClientUpdate, 0, len(state.updates))
	for _, id := range state.order {
		updates = append(updates, state.updates[id])
	}
	e.mu.Unlock()

	if len(updates) < e.cfg.QuorumSize {
		e.failRound(round, &QuorumError{Got: len(updates), Need: e.cfg.QuorumSize})
		return
	}

	e.codec.ResetOverhead()

	// Decrypt each sensitive-layer ciphertext; a participant whose blob is
	// unreadable is excluded and surfaced as a rejection, never decoded as
	// plaintext.
	kept := updates[:0]
	heads := make([]*EncryptedVector, 0, len(updates))
	plainHeads := make([][]float64, 0, len(updates))
	anyHead := false
	readable := 0
	unreadable := 0
	for _, u := range updates {
		if len(u.EncryptedHead) == 0 {
			kept = append(kept, u)
			heads = append(heads, nil)
			plainHeads = append(plainHeads, nil)
			continue
		}
		ev, err := e.codec.DecodeBlob(u.EncryptedHead)
		if err == nil {
			var plain []float64
			plain, err = e.codec.Decrypt(ev)
			if err == nil {
				kept = append(kept, u)
				heads = append(heads, ev)
				plainHeads = append(plainHeads, plain)
				anyHead = true
				readable++
				continue
			}
		}
		unreadable++
		e.mu.Lock()
		e.recordRejectionLocked(round.ID, u.ParticipantID, err.Error())
		e.mu.Unlock()
		e.updatesRejected.Add(1)
		e.logger.Warn("excluding unreadable ciphertext",
			"round_id", round.ID, "participant", u.ParticipantID, "error", err)
	}
	updates = kept

	// A single bad ciphertext is isolated to its participant; a majority of
	// unreadable ones means something systemic (wrong key epoch, corrupted
	// transport) and the round aborts. Headless participants carry no
	// ciphertext and do not dilute the majority.
	if unreadable > readable {
		e.failRound(round, &EncryptionError{Op: "decrypt",
			Err: fmt.Errorf("%d of %d ciphertexts unreadable", unreadable, unreadable+readable)})
		return
	}
	if len(updates) < e.cfg.QuorumSize {
		e.failRound(round, &QuorumError{Got: len(updates), Need: e.cfg.QuorumSize})
		return
	}

	// Participants must agree on whether the head is encrypted; a missing
	// head among encrypted ones would shift vector dimensions.
	if anyHead {
		kept = updates[:0]
		keptHeads := heads[:0]
		keptPlain := plainHeads[:0]
		for i, u := range updates {
			if heads[i] == nil {
				e.mu.Lock()
				e.recordRejectionLocked(round.ID, u.ParticipantID, "missing encrypted head")
				e.mu.Unlock()
				e.updatesRejected.Add(1)
				continue
			}
			kept = append(kept, u)
			keptHeads = append(keptHeads, heads[i])
			keptPlain = append(keptPlain, plainHeads[i])
		}
		updates, heads, plainHeads = kept, keptHeads, keptPlain
		if len(updates) < e.cfg.QuorumSize {
			e.failRound(round, &QuorumError{Got: len(updates), Need: e.cfg.QuorumSize})
			return
		}
	}

	ids := make([]string, len(updates))
	weights := make([]float64, len(updates))
	vectors := make([][]float64, len(updates))
	for i, u := range updates {
		ids[i] = u.ParticipantID
		weights[i] = float64(u.SampleCount)
		vec := make([]float64, 0, len(u.BodyDelta)+len(plainHeads[i]))
		vec = append(vec, u.BodyDelta...)
		vec = append(vec, plainHeads[i]...)
		vectors[i] = vec
	}

	// The snapshot's head stays encrypted: it is combined homomorphically,
	// never from the decrypted copies above.
	var encryptedHead []byte
	if anyHead {
		sum, err := e.codec.WeightedSum(heads, weights)
		if err != nil {
			e.failRound(round, err)
			return
		}
		encryptedHead, err = e.codec.EncodeBlob(sum)
		if err != nil {
			e.failRound(round, err)
			return
		}
	}

	consensus, iterations, err := e.aggregator.GeometricMedian(vectors, weights)
	if err != nil {
		e.failRound(round, err)
		return
	}

	distances, err := e.aggregator.Distances(vectors, consensus)
	if err != nil {
		e.failRound(round, err)
		return
	}
	scores, summary, err := e.trust.Evaluate(round.ID, ids, distances)
	if err != nil {
		e.failRound(round, err)
		return
	}
	flagged := 0
	for _, s := range scores {
		if s.Flagged {
			flagged++
		}
	}

	// Global metrics are the sample-weighted mean of the local ones.
	var totalW, loss, acc float64
	for i, u := range updates {
		totalW += weights[i]
		loss += weights[i] * u.LocalLoss
		acc += weights[i] * u.LocalAccuracy
	}
	loss /= totalW
	acc /= totalW

	ctx := e.ctx
	for i, u := range updates {
		encStatus := "none"
		if heads[i] != nil {
			encStatus = "ckks"
		}
		meta := &UpdateMeta{
			ParticipantID:    u.ParticipantID,
			RoundID:          round.ID,
			SampleCount:      u.SampleCount,
			LocalLoss:        u.LocalLoss,
			LocalAccuracy:    u.LocalAccuracy,
			Distance:         distances[i],
			Digest:           u.Digest,
			EncryptionStatus: encStatus,
			SubmittedAt:      u.SubmittedAt,
		}
		if err := e.store.SaveUpdateMeta(ctx, meta); err != nil {
			e.failRound(round, fmt.Errorf("failed to persist update metadata: %w", err))
			return
		}
	}

	metric := &RoundMetric{
		RoundID:                 round.ID,
		AggregationMethod:       "weighted_geometric_median",
		WeiszfeldIterations:     iterations,
		ConvergenceEpsilon:      e.cfg.ConvergenceEpsilon,
		EncryptionOverheadMs:    e.codec.OverheadMs(),
		AggregationTimeMs:       time.Since(start).Milliseconds(),
		PoisonedClientsDetected: flagged,
	}
	if err := e.store.SaveRoundMetric(ctx, metric); err != nil {
		e.failRound(round, fmt.Errorf("failed to persist round metric: %w", err))
		return
	}
	if err := e.store.SaveTrustScores(ctx, scores); err != nil {
		e.failRound(round, fmt.Errorf("failed to persist trust scores: %w", err))
		return
	}

	snap := &ModelSnapshot{
		RoundID:       round.ID,
		RoundNumber:   round.RoundNumber,
		Consensus:     consensus,
		EncryptedHead: encryptedHead,
		CreatedAt:     time.Now().UTC(),
	}
	blob, err := snap.encode()
	if err != nil {
		e.failRound(round, fmt.Errorf("failed to encode snapshot: %w", err))
		return
	}
	if err := e.snapshots.Put(ctx, snapshotKey(round), blob); err != nil {
		e.failRound(round, fmt.Errorf("failed to store snapshot: %w", err))
		return
	}

	e.mu.Lock()
	round.AcceptedCount = len(updates)
	round.GlobalLoss = loss
	round.GlobalAccuracy = acc
	round.CompletedAt = time.Now().UTC()
	err = e.transition(ctx, round, RoundCompleted)
	if err == nil {
		e.lastConsensus = snap
		e.current = nil
	}
	e.mu.Unlock()
	if err != nil {
		e.logger.Error("failed to complete round", "round_id", round.ID, "error", err)
		return
	}

	e.roundsCompleted.Add(1)
	e.logger.Info("round completed",
		"round_id", round.ID,
		"accepted", len(updates),
		"iterations", iterations,
		"flagged", flagged,
		"mean_distance", summary.Mean,
		"max_distance", summary.Max,
		"aggregation_ms", metric.AggregationTimeMs,
		"encryption_ms", metric.EncryptionOverheadMs)
}

// failRound marks a round failed. The previous consensus snapshot remains the
// model of record.
func (e *Engine) failRound(round *TrainingRound, cause error) {
	e.mu.Lock()
	round.FailureReason = cause.Error()
	round.CompletedAt = time.Now().UTC()
	err := e.transition(e.ctx, round, RoundFailed)
	if err == nil && e.current != nil && e.current.round.ID == round.ID {
		e.current = nil
	}
	e.mu.Unlock()
	if err != nil {
		e.logger.Error("failed to fail round", "round_id", round.ID, "error", err)
		return
	}
	e.roundsFailed.Add(1)
	e.logger.Warn("round failed", "round_id", round.ID, "reason", cause.Error())
}

// transition applies a status change, enforcing the one-directional
// lifecycle, and persists the round.
func (e *Engine) transition(ctx context.Context, round *TrainingRound, to RoundStatus) error {
	if !validTransition(round.Status, to) {
		return &TransitionError{RoundID: round.ID, From: round.Status, To: to}
	}
	prev := round.Status
	round.Status = to
	if err := e.store.UpdateRound(ctx, round); err != nil {
		round.Status = prev
		return fmt.Errorf("failed to persist round status: %w", err)
	}
	return nil
}

func (e *Engine) recordRejectionLocked(roundID, participantID, reason string) {
	e.rejections[roundID] = append(e.rejections[roundID], Rejection{
		ParticipantID: participantID,
		RoundID:       roundID,
		Reason:        reason,
		At:            time.Now().UTC(),
	})
}

func snapshotKey(round *TrainingRound) string {
	return fmt.Sprintf("round-%06d-%s.snap", round.RoundNumber, round.ID)
}

// ActiveRound returns a copy of the currently open round, or nil.
func (e *Engine) ActiveRound() *TrainingRound {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return nil
	}
	cp := *e.current.round
	return &cp
}

// Round returns a round by id.
func (e *Engine) Round(ctx context.Context, id string) (*TrainingRound, error) {
	return e.store.GetRound(ctx, id)
}

// RoundMetric returns the aggregation metric recorded for a completed round.
func (e *Engine) RoundMetric(ctx context.Context, roundID string) (*RoundMetric, error) {
	return e.store.GetRoundMetric(ctx, roundID)
}

// TrustScores returns the trust scores recorded for a round.
func (e *Engine) TrustScores(ctx context.Context, roundID string) ([]TrustScore, error) {
	return e.store.TrustScores(ctx, roundID)
}

// Rejections returns the per-participant rejections recorded for a round.
// Rejections carry reasons and timestamps only, never parameter data.
func (e *Engine) Rejections(roundID string) []Rejection {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Rejection(nil), e.rejections[roundID]...)
}

// LastConsensus returns the most recent completed round's snapshot.
func (e *Engine) LastConsensus() (*ModelSnapshot, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastConsensus == nil {
		return nil, false
	}
	cp := *e.lastConsensus
	return &cp, true
}

// Stats returns engine counters.
func (e *Engine) Stats() EngineStats {
	s := EngineStats{
		Version:         Version,
		RoundsCompleted: e.roundsCompleted.Load(),
		RoundsFailed:    e.roundsFailed.Load(),
		UpdatesAccepted: e.updatesAccepted.Load(),
		UpdatesRejected: e.updatesRejected.Load(),
	}
	e.mu.Lock()
	if e.current != nil {
		s.ActiveRoundID = e.current.round.ID
	}
	e.mu.Unlock()
	return s
}

// Close stops the collection timer, waits for any in-flight aggregation to
// finish persisting, and releases the store and snapshot backend. The context
// is cancelled only after the wait, so a round that already entered
// aggregation reaches a terminal status before the stores go away.
func (e *Engine) Close() error {
	e.mu.Lock()
	e.closed = true
	if e.current != nil && e.current.timer != nil {
		e.current.timer.Stop()
	}
	e.mu.Unlock()

	e.wg.Wait()
	e.cancel()

	var errs []error
	if err := e.store.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := e.snapshots.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
