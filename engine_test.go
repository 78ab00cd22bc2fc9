package medfed

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"
)

func newTestEngine(t *testing.T, cfg EngineConfig) *Engine {
	t.Helper()
	eng, err := NewEngine(cfg, EngineOptions{Codec: newTestCodec(t)})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	t.Cleanup(func() { eng.Close() })
	return eng
}

func testUpdate(participantID, roundID string, vec []float64) *ClientUpdate {
	return &ClientUpdate{
		ParticipantID: participantID,
		RoundID:       roundID,
		BodyDelta:     vec,
		SampleCount:   100,
		LocalLoss:     0.5,
		LocalAccuracy: 0.8,
		Epsilon:       0.1,
		Delta:         1e-6,
	}
}

// waitTerminal polls until the round reaches a terminal status. Aggregation
// runs on its own goroutine, so completion is asynchronous even when all
// participants respond.
func waitTerminal(t *testing.T, eng *Engine, roundID string) *TrainingRound {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		round, err := eng.Round(context.Background(), roundID)
		if err != nil {
			t.Fatalf("Round failed: %v", err)
		}
		if round.Status.Terminal() {
			return round
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("round %s did not reach a terminal status", roundID)
	return nil
}

func TestEngineHappyPath(t *testing.T) {
	eng := newTestEngine(t, EngineConfig{})
	ctx := context.Background()

	round, err := eng.OpenRound(ctx, []string{"hospital-a", "hospital-b", "hospital-c"})
	if err != nil {
		t.Fatalf("OpenRound failed: %v", err)
	}
	if round.Status != RoundInProgress {
		t.Fatalf("status = %s, want in_progress", round.Status)
	}

	for _, id := range []string{"hospital-a", "hospital-b", "hospital-c"} {
		if err := eng.Submit(ctx, testUpdate(id, round.ID, []float64{1, 1})); err != nil {
			t.Fatalf("Submit(%s) failed: %v", id, err)
		}
	}

	done := waitTerminal(t, eng, round.ID)
	if done.Status != RoundCompleted {
		t.Fatalf("status = %s (reason %q), want completed", done.Status, done.FailureReason)
	}
	if done.AcceptedCount != 3 {
		t.Errorf("AcceptedCount = %d, want 3", done.AcceptedCount)
	}
	if math.Abs(done.GlobalLoss-0.5) > 1e-9 || math.Abs(done.GlobalAccuracy-0.8) > 1e-9 {
		t.Errorf("global metrics = (%v, %v)", done.GlobalLoss, done.GlobalAccuracy)
	}

	metric, err := eng.RoundMetric(ctx, round.ID)
	if err != nil {
		t.Fatalf("RoundMetric failed: %v", err)
	}
	if metric.AggregationMethod != "weighted_geometric_median" {
		t.Errorf("AggregationMethod = %s", metric.AggregationMethod)
	}
	if metric.WeiszfeldIterations > 1 {
		t.Errorf("identical inputs took %d iterations", metric.WeiszfeldIterations)
	}
	if metric.PoisonedClientsDetected != 0 {
		t.Errorf("PoisonedClientsDetected = %d, want 0", metric.PoisonedClientsDetected)
	}

	scores, err := eng.TrustScores(ctx, round.ID)
	if err != nil {
		t.Fatalf("TrustScores failed: %v", err)
	}
	if len(scores) != 3 {
		t.Fatalf("scores = %d, want 3", len(scores))
	}
	for _, s := range scores {
		if s.Flagged {
			t.Errorf("participant %s flagged on identical inputs", s.ParticipantID)
		}
	}

	snap, ok := eng.LastConsensus()
	if !ok {
		t.Fatal("no consensus snapshot after completion")
	}
	assertVectorsClose(t, snap.Consensus, []float64{1, 1}, 1e-6)

	stats := eng.Stats()
	if stats.RoundsCompleted != 1 || stats.UpdatesAccepted != 3 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.Version != Version {
		t.Errorf("stats.Version = %q, want %q", stats.Version, Version)
	}
	if stats.ActiveRoundID != "" {
		t.Errorf("ActiveRoundID = %s after completion", stats.ActiveRoundID)
	}
}

func TestEngineFlagsPoisonedParticipant(t *testing.T) {
	eng := newTestEngine(t, EngineConfig{TrustScale: 1.0})
	ctx := context.Background()

	round, err := eng.OpenRound(ctx, []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("OpenRound failed: %v", err)
	}
	if err := eng.Submit(ctx, testUpdate("a", round.ID, []float64{1, 1})); err != nil {
		t.Fatalf("Submit(a) failed: %v", err)
	}
	if err := eng.Submit(ctx, testUpdate("b", round.ID, []float64{1, 1})); err != nil {
		t.Fatalf("Submit(b) failed: %v", err)
	}
	if err := eng.Submit(ctx, testUpdate("c", round.ID, []float64{100, 100})); err != nil {
		t.Fatalf("Submit(c) failed: %v", err)
	}

	done := waitTerminal(t, eng, round.ID)
	if done.Status != RoundCompleted {
		t.Fatalf("status = %s (reason %q)", done.Status, done.FailureReason)
	}

	// The geometric median must stay with the honest majority.
	snap, ok := eng.LastConsensus()
	if !ok {
		t.Fatal("no consensus snapshot")
	}
	if d := euclideanDistance(snap.Consensus, []float64{1, 1}); d > 1.0 {
		t.Errorf("consensus %v drifted %v from the honest cluster", snap.Consensus, d)
	}

	metric, err := eng.RoundMetric(ctx, round.ID)
	if err != nil {
		t.Fatalf("RoundMetric failed: %v", err)
	}
	if metric.PoisonedClientsDetected != 1 {
		t.Errorf("PoisonedClientsDetected = %d, want 1", metric.PoisonedClientsDetected)
	}

	scores, err := eng.TrustScores(ctx, round.ID)
	if err != nil {
		t.Fatalf("TrustScores failed: %v", err)
	}
	for _, s := range scores {
		wantFlag := s.ParticipantID == "c"
		if s.Flagged != wantFlag {
			t.Errorf("participant %s: flagged=%v, score=%v", s.ParticipantID, s.Flagged, s.Score)
		}
	}
}

func TestEngineQuorumFailure(t *testing.T) {
	eng := newTestEngine(t, EngineConfig{
		CollectionTimeout: 100 * time.Millisecond,
		QuorumSize:        2,
	})
	ctx := context.Background()

	round, err := eng.OpenRound(ctx, []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("OpenRound failed: %v", err)
	}
	if err := eng.Submit(ctx, testUpdate("a", round.ID, []float64{1, 1})); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	done := waitTerminal(t, eng, round.ID)
	if done.Status != RoundFailed {
		t.Fatalf("status = %s, want failed", done.Status)
	}
	if done.FailureReason == "" {
		t.Error("missing failure reason")
	}

	// No metric or trust rows on a failed round.
	if _, err := eng.RoundMetric(ctx, round.ID); !errors.Is(err, ErrRoundNotFound) {
		t.Errorf("RoundMetric error = %v, want ErrRoundNotFound", err)
	}
	scores, err := eng.TrustScores(ctx, round.ID)
	if err != nil {
		t.Fatalf("TrustScores failed: %v", err)
	}
	if len(scores) != 0 {
		t.Errorf("trust scores written for failed round: %v", scores)
	}
	if _, ok := eng.LastConsensus(); ok {
		t.Error("consensus snapshot recorded for failed round")
	}

	// A new round can open after the failure.
	if _, err := eng.OpenRound(ctx, []string{"a", "b"}); err != nil {
		t.Errorf("OpenRound after failure: %v", err)
	}
}

func TestEngineSingleActiveRound(t *testing.T) {
	eng := newTestEngine(t, EngineConfig{})
	ctx := context.Background()

	if _, err := eng.OpenRound(ctx, []string{"a", "b"}); err != nil {
		t.Fatalf("OpenRound failed: %v", err)
	}
	if _, err := eng.OpenRound(ctx, []string{"a", "b"}); !errors.Is(err, ErrRoundActive) {
		t.Fatalf("second OpenRound error = %v, want ErrRoundActive", err)
	}
}

func TestEngineSubmitRejections(t *testing.T) {
	eng := newTestEngine(t, EngineConfig{QuorumSize: 2})
	ctx := context.Background()

	round, err := eng.OpenRound(ctx, []string{"a", "b"})
	if err != nil {
		t.Fatalf("OpenRound failed: %v", err)
	}

	// Unknown round.
	err = eng.Submit(ctx, testUpdate("a", "no-such-round", []float64{1}))
	if !errors.Is(err, ErrRoundNotFound) {
		t.Errorf("unknown round error = %v, want ErrRoundNotFound", err)
	}

	// Unexpected participant.
	err = eng.Submit(ctx, testUpdate("intruder", round.ID, []float64{1}))
	var valErr *ValidationError
	if !errors.As(err, &valErr) {
		t.Errorf("unexpected participant error = %v, want *ValidationError", err)
	}

	// Malformed vector.
	bad := testUpdate("a", round.ID, []float64{1, math.NaN()})
	if err := eng.Submit(ctx, bad); !errors.As(err, &valErr) {
		t.Errorf("NaN vector error = %v, want *ValidationError", err)
	}

	// Duplicate.
	if err := eng.Submit(ctx, testUpdate("a", round.ID, []float64{1, 1})); err != nil {
		t.Fatalf("first Submit failed: %v", err)
	}
	err = eng.Submit(ctx, testUpdate("a", round.ID, []float64{2, 2}))
	if !errors.Is(err, ErrDuplicateSubmission) {
		t.Errorf("duplicate error = %v, want ErrDuplicateSubmission", err)
	}

	if err := eng.Submit(ctx, testUpdate("b", round.ID, []float64{1, 1})); err != nil {
		t.Fatalf("Submit(b) failed: %v", err)
	}
	done := waitTerminal(t, eng, round.ID)
	if done.Status != RoundCompleted {
		t.Fatalf("status = %s (reason %q)", done.Status, done.FailureReason)
	}

	// Late submission after the round closed.
	err = eng.Submit(ctx, testUpdate("b", round.ID, []float64{3, 3}))
	var staleErr *StaleRoundError
	if !errors.As(err, &staleErr) {
		t.Errorf("late submit error = %v, want *StaleRoundError", err)
	}
}

func TestEnginePrivacyBudgetRejection(t *testing.T) {
	eng := newTestEngine(t, EngineConfig{
		QuorumSize:         2,
		RoundEpsilonMax:    1.0,
		TotalEpsilonBudget: 0.15,
	})
	ctx := context.Background()

	round, err := eng.OpenRound(ctx, []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("OpenRound failed: %v", err)
	}

	// c's claim exceeds its total budget and is rejected; the round keeps
	// collecting from the rest.
	over := testUpdate("c", round.ID, []float64{1, 1})
	over.Epsilon = 0.5
	err = eng.Submit(ctx, over)
	var budgetErr *PrivacyBudgetError
	if !errors.As(err, &budgetErr) {
		t.Fatalf("over-budget error = %v, want *PrivacyBudgetError", err)
	}

	rejections := eng.Rejections(round.ID)
	if len(rejections) != 1 || rejections[0].ParticipantID != "c" {
		t.Errorf("rejections = %+v", rejections)
	}

	if err := eng.Submit(ctx, testUpdate("a", round.ID, []float64{1, 1})); err != nil {
		t.Fatalf("Submit(a) failed: %v", err)
	}
	if err := eng.Submit(ctx, testUpdate("b", round.ID, []float64{1, 1})); err != nil {
		t.Fatalf("Submit(b) failed: %v", err)
	}

	// c retries within budget before the window closes.
	retry := testUpdate("c", round.ID, []float64{1, 1})
	retry.Epsilon = 0.1
	if err := eng.Submit(ctx, retry); err != nil {
		t.Fatalf("retry Submit(c) failed: %v", err)
	}

	done := waitTerminal(t, eng, round.ID)
	if done.Status != RoundCompleted {
		t.Fatalf("status = %s (reason %q)", done.Status, done.FailureReason)
	}
	if done.AcceptedCount != 3 {
		t.Errorf("AcceptedCount = %d, want 3", done.AcceptedCount)
	}
}

func TestEngineEncryptedHeads(t *testing.T) {
	codec := newTestCodec(t)
	eng := newTestEngine(t, EngineConfig{})
	ctx := context.Background()

	// Participants encrypt the classifier head under the coordinator's
	// public key; the body travels in the clear.
	participant, err := NewPublicCodec(testCodecConfig(), codec.PublicKey())
	if err != nil {
		t.Fatalf("NewPublicCodec failed: %v", err)
	}

	round, err := eng.OpenRound(ctx, []string{"a", "b"})
	if err != nil {
		t.Fatalf("OpenRound failed: %v", err)
	}

	head := []float64{0.5, -0.5}
	for _, id := range []string{"a", "b"} {
		ev, err := participant.Encrypt(head)
		if err != nil {
			t.Fatalf("participant Encrypt failed: %v", err)
		}
		blob, err := participant.EncodeBlob(ev)
		if err != nil {
			t.Fatalf("EncodeBlob failed: %v", err)
		}
		u := testUpdate(id, round.ID, []float64{1, 1})
		u.EncryptedHead = blob
		if err := eng.Submit(ctx, u); err != nil {
			t.Fatalf("Submit(%s) failed: %v", id, err)
		}
	}

	done := waitTerminal(t, eng, round.ID)
	if done.Status != RoundCompleted {
		t.Fatalf("status = %s (reason %q)", done.Status, done.FailureReason)
	}

	snap, ok := eng.LastConsensus()
	if !ok {
		t.Fatal("no consensus snapshot")
	}
	// Consensus covers body plus decrypted head dimensions.
	if len(snap.Consensus) != 4 {
		t.Fatalf("consensus dimension = %d, want 4", len(snap.Consensus))
	}
	assertVectorsClose(t, snap.Consensus[:2], []float64{1, 1}, 1e-3)
	assertVectorsClose(t, snap.Consensus[2:], head, 1e-2)

	// The snapshot head stays encrypted and opens to the weighted average.
	if len(snap.EncryptedHead) == 0 {
		t.Fatal("snapshot is missing the encrypted head")
	}
	ev, err := codec.DecodeBlob(snap.EncryptedHead)
	if err != nil {
		t.Fatalf("DecodeBlob failed: %v", err)
	}
	got, err := codec.Decrypt(ev)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	assertVectorsClose(t, got[:2], head, 1e-2)

	metric, err := eng.RoundMetric(ctx, round.ID)
	if err != nil {
		t.Fatalf("RoundMetric failed: %v", err)
	}
	if metric.EncryptionOverheadMs < 0 {
		t.Errorf("EncryptionOverheadMs = %d", metric.EncryptionOverheadMs)
	}
}

func TestEngineExcludesUnreadableCiphertext(t *testing.T) {
	codec := newTestCodec(t)
	eng := newTestEngine(t, EngineConfig{QuorumSize: 2})
	ctx := context.Background()

	participant, err := NewPublicCodec(testCodecConfig(), codec.PublicKey())
	if err != nil {
		t.Fatalf("NewPublicCodec failed: %v", err)
	}

	round, err := eng.OpenRound(ctx, []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("OpenRound failed: %v", err)
	}

	for _, id := range []string{"a", "b"} {
		ev, err := participant.Encrypt([]float64{0.5})
		if err != nil {
			t.Fatalf("Encrypt failed: %v", err)
		}
		blob, err := participant.EncodeBlob(ev)
		if err != nil {
			t.Fatalf("EncodeBlob failed: %v", err)
		}
		u := testUpdate(id, round.ID, []float64{1, 1})
		u.EncryptedHead = blob
		if err := eng.Submit(ctx, u); err != nil {
			t.Fatalf("Submit(%s) failed: %v", id, err)
		}
	}

	// c's blob is garbage. It must be excluded, never parsed as plaintext.
	bad := testUpdate("c", round.ID, []float64{1, 1})
	bad.EncryptedHead = []byte("definitely not a ciphertext")
	if err := eng.Submit(ctx, bad); err != nil {
		t.Fatalf("Submit(c) failed: %v", err)
	}

	done := waitTerminal(t, eng, round.ID)
	if done.Status != RoundCompleted {
		t.Fatalf("status = %s (reason %q)", done.Status, done.FailureReason)
	}
	if done.AcceptedCount != 2 {
		t.Errorf("AcceptedCount = %d, want 2", done.AcceptedCount)
	}

	rejections := eng.Rejections(round.ID)
	if len(rejections) != 1 || rejections[0].ParticipantID != "c" {
		t.Errorf("rejections = %+v", rejections)
	}
}

func TestEngineMajorityUnreadableFailsRound(t *testing.T) {
	codec := newTestCodec(t)
	eng := newTestEngine(t, EngineConfig{QuorumSize: 1})
	ctx := context.Background()

	participant, err := NewPublicCodec(testCodecConfig(), codec.PublicKey())
	if err != nil {
		t.Fatalf("NewPublicCodec failed: %v", err)
	}

	round, err := eng.OpenRound(ctx, []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("OpenRound failed: %v", err)
	}

	ev, err := participant.Encrypt([]float64{0.5})
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	blob, err := participant.EncodeBlob(ev)
	if err != nil {
		t.Fatalf("EncodeBlob failed: %v", err)
	}
	good := testUpdate("a", round.ID, []float64{1, 1})
	good.EncryptedHead = blob
	if err := eng.Submit(ctx, good); err != nil {
		t.Fatalf("Submit(a) failed: %v", err)
	}

	// Two of three ciphertexts are garbage: systemic, not per-participant.
	for _, id := range []string{"b", "c"} {
		bad := testUpdate(id, round.ID, []float64{1, 1})
		bad.EncryptedHead = []byte("garbage " + id)
		if err := eng.Submit(ctx, bad); err != nil {
			t.Fatalf("Submit(%s) failed: %v", id, err)
		}
	}

	done := waitTerminal(t, eng, round.ID)
	if done.Status != RoundFailed {
		t.Fatalf("status = %s, want failed", done.Status)
	}
	if done.FailureReason == "" {
		t.Error("missing failure reason")
	}
}

func TestEngineUnreadableMajorityIgnoresHeadless(t *testing.T) {
	eng := newTestEngine(t, EngineConfig{QuorumSize: 1})
	ctx := context.Background()

	round, err := eng.OpenRound(ctx, []string{"a", "b", "c", "d"})
	if err != nil {
		t.Fatalf("OpenRound failed: %v", err)
	}

	// Every ciphertext in the round is garbage; the two headless
	// participants must not dilute that majority into a completed round.
	for _, id := range []string{"a", "b"} {
		bad := testUpdate(id, round.ID, []float64{1, 1})
		bad.EncryptedHead = []byte("garbage " + id)
		if err := eng.Submit(ctx, bad); err != nil {
			t.Fatalf("Submit(%s) failed: %v", id, err)
		}
	}
	for _, id := range []string{"c", "d"} {
		if err := eng.Submit(ctx, testUpdate(id, round.ID, []float64{1, 1})); err != nil {
			t.Fatalf("Submit(%s) failed: %v", id, err)
		}
	}

	done := waitTerminal(t, eng, round.ID)
	if done.Status != RoundFailed {
		t.Fatalf("status = %s (reason %q), want failed", done.Status, done.FailureReason)
	}
	if !strings.Contains(done.FailureReason, "unreadable") {
		t.Errorf("failure reason %q, want an unreadable-ciphertext failure", done.FailureReason)
	}
}

func TestEngineCloseWaitsForAggregation(t *testing.T) {
	eng := newTestEngine(t, EngineConfig{})
	ctx := context.Background()

	round, err := eng.OpenRound(ctx, []string{"a", "b"})
	if err != nil {
		t.Fatalf("OpenRound failed: %v", err)
	}
	if err := eng.Submit(ctx, testUpdate("a", round.ID, []float64{1, 1})); err != nil {
		t.Fatalf("Submit(a) failed: %v", err)
	}
	if err := eng.Submit(ctx, testUpdate("b", round.ID, []float64{1, 1})); err != nil {
		t.Fatalf("Submit(b) failed: %v", err)
	}

	// Aggregation is in flight; Close must let it finish persisting.
	if err := eng.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	done, err := eng.Round(context.Background(), round.ID)
	if err != nil {
		t.Fatalf("Round after Close failed: %v", err)
	}
	if done.Status != RoundCompleted {
		t.Errorf("status = %s (reason %q), want completed", done.Status, done.FailureReason)
	}

	if _, err := eng.OpenRound(ctx, []string{"a"}); !errors.Is(err, ErrEngineClosed) {
		t.Errorf("OpenRound after Close error = %v, want ErrEngineClosed", err)
	}
	if err := eng.Submit(ctx, testUpdate("a", round.ID, []float64{1})); !errors.Is(err, ErrEngineClosed) {
		t.Errorf("Submit after Close error = %v, want ErrEngineClosed", err)
	}
}

func TestEngineCollectionTimeoutAggregatesPartial(t *testing.T) {
	eng := newTestEngine(t, EngineConfig{
		CollectionTimeout: 100 * time.Millisecond,
		QuorumSize:        2,
	})
	ctx := context.Background()

	round, err := eng.OpenRound(ctx, []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("OpenRound failed: %v", err)
	}
	if err := eng.Submit(ctx, testUpdate("a", round.ID, []float64{1, 1})); err != nil {
		t.Fatalf("Submit(a) failed: %v", err)
	}
	if err := eng.Submit(ctx, testUpdate("b", round.ID, []float64{3, 3})); err != nil {
		t.Fatalf("Submit(b) failed: %v", err)
	}

	// c never responds; the window closes and the two collected updates
	// meet quorum.
	done := waitTerminal(t, eng, round.ID)
	if done.Status != RoundCompleted {
		t.Fatalf("status = %s (reason %q)", done.Status, done.FailureReason)
	}
	if done.AcceptedCount != 2 {
		t.Errorf("AcceptedCount = %d, want 2", done.AcceptedCount)
	}
}

func TestEngineConvergenceFailureFailsRound(t *testing.T) {
	eng := newTestEngine(t, EngineConfig{
		MaxIterations:      1,
		ConvergenceEpsilon: 1e-300,
	})
	ctx := context.Background()

	round, err := eng.OpenRound(ctx, []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("OpenRound failed: %v", err)
	}
	vecs := [][]float64{{0, 0}, {1, 0}, {5, 5}}
	for i, id := range []string{"a", "b", "c"} {
		if err := eng.Submit(ctx, testUpdate(id, round.ID, vecs[i])); err != nil {
			t.Fatalf("Submit(%s) failed: %v", id, err)
		}
	}

	done := waitTerminal(t, eng, round.ID)
	if done.Status != RoundFailed {
		t.Fatalf("status = %s, want failed", done.Status)
	}
	if done.FailureReason == "" {
		t.Error("missing failure reason")
	}
	if _, ok := eng.LastConsensus(); ok {
		t.Error("consensus snapshot recorded despite convergence failure")
	}
	if eng.Stats().RoundsFailed != 1 {
		t.Errorf("RoundsFailed = %d, want 1", eng.Stats().RoundsFailed)
	}
}

func TestEngineSequentialRounds(t *testing.T) {
	eng := newTestEngine(t, EngineConfig{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		round, err := eng.OpenRound(ctx, []string{"a", "b"})
		if err != nil {
			t.Fatalf("OpenRound %d failed: %v", i, err)
		}
		if round.RoundNumber != int64(i+1) {
			t.Errorf("RoundNumber = %d, want %d", round.RoundNumber, i+1)
		}
		for _, id := range []string{"a", "b"} {
			if err := eng.Submit(ctx, testUpdate(id, round.ID, []float64{float64(i), float64(i)})); err != nil {
				t.Fatalf("Submit failed: %v", err)
			}
		}
		done := waitTerminal(t, eng, round.ID)
		if done.Status != RoundCompleted {
			t.Fatalf("round %d status = %s (reason %q)", i, done.Status, done.FailureReason)
		}
	}

	stats := eng.Stats()
	if stats.RoundsCompleted != 3 {
		t.Errorf("RoundsCompleted = %d, want 3", stats.RoundsCompleted)
	}

	snap, ok := eng.LastConsensus()
	if !ok {
		t.Fatal("no consensus snapshot")
	}
	if snap.RoundNumber != 3 {
		t.Errorf("last consensus round number = %d, want 3", snap.RoundNumber)
	}
}
