package medfed

import (
	"context"
	"sort"
	"sync"
)

// RoundStore persists rounds, update metadata, round metrics and trust
// scores. The engine requires only this abstraction; SQLiteStore and
// MemoryStore are the bundled implementations.
type RoundStore interface {
	// SaveRound inserts a new round.
	SaveRound(ctx context.Context, round *TrainingRound) error

	// UpdateRound overwrites a round's mutable fields.
	UpdateRound(ctx context.Context, round *TrainingRound) error

	// GetRound returns a round by id, or ErrRoundNotFound.
	GetRound(ctx context.Context, id string) (*TrainingRound, error)

	// SaveUpdateMeta records an accepted update's metadata. Parameter
	// vectors are never persisted here.
	SaveUpdateMeta(ctx context.Context, meta *UpdateMeta) error

	// SaveRoundMetric writes the aggregation metric for a round, exactly
	// once; a second write returns ErrMetricExists.
	SaveRoundMetric(ctx context.Context, metric *RoundMetric) error

	// GetRoundMetric returns the metric for a round, or ErrRoundNotFound.
	GetRoundMetric(ctx context.Context, roundID string) (*RoundMetric, error)

	// SaveTrustScores appends trust score rows.
	SaveTrustScores(ctx context.Context, scores []TrustScore) error

	// TrustScores returns the scores recorded for a round.
	TrustScores(ctx context.Context, roundID string) ([]TrustScore, error)

	// TrustHistory returns a participant's scores across rounds, oldest
	// first.
	TrustHistory(ctx context.Context, participantID string) ([]TrustScore, error)

	// Close releases resources.
	Close() error
}

// MemoryStore is an in-memory RoundStore for tests and embedded use.
type MemoryStore struct {
	mu      sync.RWMutex
	rounds  map[string]*TrainingRound
	updates map[string][]*UpdateMeta
	metrics map[string]*RoundMetric
	scores  []TrustScore
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rounds:  make(map[string]*TrainingRound),
		updates: make(map[string][]*UpdateMeta),
		metrics: make(map[string]*RoundMetric),
	}
}

func (m *MemoryStore) SaveRound(ctx context.Context, round *TrainingRound) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *round
	m.rounds[round.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdateRound(ctx context.Context, round *TrainingRound) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rounds[round.ID]; !ok {
		return ErrRoundNotFound
	}
	cp := *round
	m.rounds[round.ID] = &cp
	return nil
}

func (m *MemoryStore) GetRound(ctx context.Context, id string) (*TrainingRound, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	round, ok := m.rounds[id]
	if !ok {
		return nil, ErrRoundNotFound
	}
	cp := *round
	return &cp, nil
}

func (m *MemoryStore) SaveUpdateMeta(ctx context.Context, meta *UpdateMeta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *meta
	m.updates[meta.RoundID] = append(m.updates[meta.RoundID], &cp)
	return nil
}

// UpdateMetas returns the accepted-update metadata recorded for a round.
func (m *MemoryStore) UpdateMetas(roundID string) []*UpdateMeta {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*UpdateMeta, len(m.updates[roundID]))
	copy(out, m.updates[roundID])
	return out
}

func (m *MemoryStore) SaveRoundMetric(ctx context.Context, metric *RoundMetric) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.metrics[metric.RoundID]; ok {
		return ErrMetricExists
	}
	cp := *metric
	m.metrics[metric.RoundID] = &cp
	return nil
}

func (m *MemoryStore) GetRoundMetric(ctx context.Context, roundID string) (*RoundMetric, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	metric, ok := m.metrics[roundID]
	if !ok {
		return nil, ErrRoundNotFound
	}
	cp := *metric
	return &cp, nil
}

func (m *MemoryStore) SaveTrustScores(ctx context.Context, scores []TrustScore) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scores = append(m.scores, scores...)
	return nil
}

func (m *MemoryStore) TrustScores(ctx context.Context, roundID string) ([]TrustScore, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []TrustScore
	for _, s := range m.scores {
		if s.RoundID == roundID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *MemoryStore) TrustHistory(ctx context.Context, participantID string) ([]TrustScore, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []TrustScore
	for _, s := range m.scores {
		if s.ParticipantID == participantID {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ComputedAt.Before(out[j].ComputedAt) })
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
