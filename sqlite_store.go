package medfed

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	// SQLite driver using pure Go implementation
	_ "modernc.org/sqlite"
)

// SQLiteStoreConfig configures the SQLite-backed RoundStore.
type SQLiteStoreConfig struct {
	// Path to the SQLite database file
	Path string

	// JournalMode sets the SQLite journal mode (WAL, DELETE, TRUNCATE, etc.)
	JournalMode string

	// BusyTimeout is the timeout for acquiring locks in milliseconds
	BusyTimeout int

	// MaxConnections is the max number of database connections
	MaxConnections int
}

// DefaultSQLiteStoreConfig returns default configuration.
func DefaultSQLiteStoreConfig() SQLiteStoreConfig {
	return SQLiteStoreConfig{
		Path:           "medfed.db",
		JournalMode:    "WAL",
		BusyTimeout:    5000,
		MaxConnections: 10,
	}
}

// SQLiteStore implements RoundStore on SQLite, so round history can be
// inspected with standard SQLite tools by the monitoring dashboard's backend.
type SQLiteStore struct {
	db     *sql.DB
	config SQLiteStoreConfig
}

// NewSQLiteStore opens (and if needed initializes) the database.
func NewSQLiteStore(config SQLiteStoreConfig) (*SQLiteStore, error) {
	if config.Path == "" {
		config.Path = "medfed.db"
	}
	if config.JournalMode == "" {
		config.JournalMode = "WAL"
	}
	if config.BusyTimeout <= 0 {
		config.BusyTimeout = 5000
	}
	if config.MaxConnections <= 0 {
		config.MaxConnections = 10
	}

	dsn := fmt.Sprintf("%s?_journal_mode=%s&_busy_timeout=%d",
		config.Path, config.JournalMode, config.BusyTimeout)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	db.SetMaxOpenConns(config.MaxConnections)
	db.SetMaxIdleConns(config.MaxConnections / 2)

	store := &SQLiteStore{db: db, config: config}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS training_rounds (
			id TEXT PRIMARY KEY,
			round_number INTEGER NOT NULL,
			status TEXT NOT NULL,
			expected_participants TEXT,
			expected_count INTEGER NOT NULL,
			accepted_count INTEGER NOT NULL,
			global_loss REAL,
			global_accuracy REAL,
			failure_reason TEXT,
			started_at INTEGER NOT NULL,
			completed_at INTEGER
		);

		CREATE TABLE IF NOT EXISTS client_updates (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			round_id TEXT NOT NULL,
			participant_id TEXT NOT NULL,
			sample_count INTEGER NOT NULL,
			local_loss REAL,
			local_accuracy REAL,
			distance REAL,
			digest TEXT,
			encryption_status TEXT,
			submitted_at INTEGER NOT NULL,
			UNIQUE(round_id, participant_id)
		);

		CREATE TABLE IF NOT EXISTS round_metrics (
			round_id TEXT PRIMARY KEY,
			aggregation_method TEXT NOT NULL,
			weiszfeld_iterations INTEGER NOT NULL,
			convergence_epsilon REAL NOT NULL,
			encryption_overhead_ms INTEGER NOT NULL,
			aggregation_time_ms INTEGER NOT NULL,
			poisoned_clients_detected INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS trust_scores (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			participant_id TEXT NOT NULL,
			round_id TEXT NOT NULL,
			score REAL NOT NULL,
			deviation_avg REAL NOT NULL,
			is_flagged INTEGER NOT NULL,
			computed_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_trust_participant ON trust_scores(participant_id, computed_at);
		CREATE INDEX IF NOT EXISTS idx_trust_round ON trust_scores(round_id);
		CREATE INDEX IF NOT EXISTS idx_updates_round ON client_updates(round_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) SaveRound(ctx context.Context, round *TrainingRound) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO training_rounds
			(id, round_number, status, expected_participants, expected_count,
			 accepted_count, global_loss, global_accuracy, failure_reason,
			 started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		round.ID, round.RoundNumber, string(round.Status),
		strings.Join(round.ExpectedParticipants, ","), round.ExpectedCount,
		round.AcceptedCount, round.GlobalLoss, round.GlobalAccuracy,
		round.FailureReason, round.StartedAt.UnixNano(), completedAtNano(round))
	if err != nil {
		return fmt.Errorf("save round: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateRound(ctx context.Context, round *TrainingRound) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE training_rounds SET
			status = ?, accepted_count = ?, global_loss = ?, global_accuracy = ?,
			failure_reason = ?, completed_at = ?
		WHERE id = ?`,
		string(round.Status), round.AcceptedCount, round.GlobalLoss,
		round.GlobalAccuracy, round.FailureReason, completedAtNano(round), round.ID)
	if err != nil {
		return fmt.Errorf("update round: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrRoundNotFound
	}
	return err
}

func (s *SQLiteStore) GetRound(ctx context.Context, id string) (*TrainingRound, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, round_number, status, expected_participants, expected_count,
		       accepted_count, global_loss, global_accuracy, failure_reason,
		       started_at, completed_at
		FROM training_rounds WHERE id = ?`, id)

	var round TrainingRound
	var status, participants string
	var startedAt int64
	var completedAt sql.NullInt64
	err := row.Scan(&round.ID, &round.RoundNumber, &status, &participants,
		&round.ExpectedCount, &round.AcceptedCount, &round.GlobalLoss,
		&round.GlobalAccuracy, &round.FailureReason, &startedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRoundNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get round: %w", err)
	}
	round.Status = RoundStatus(status)
	if participants != "" {
		round.ExpectedParticipants = strings.Split(participants, ",")
	}
	round.StartedAt = time.Unix(0, startedAt).UTC()
	if completedAt.Valid && completedAt.Int64 != 0 {
		round.CompletedAt = time.Unix(0, completedAt.Int64).UTC()
	}
	return &round, nil
}

func (s *SQLiteStore) SaveUpdateMeta(ctx context.Context, meta *UpdateMeta) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO client_updates
			(round_id, participant_id, sample_count, local_loss, local_accuracy,
			 distance, digest, encryption_status, submitted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		meta.RoundID, meta.ParticipantID, meta.SampleCount, meta.LocalLoss,
		meta.LocalAccuracy, meta.Distance, meta.Digest, meta.EncryptionStatus,
		meta.SubmittedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("save update meta: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SaveRoundMetric(ctx context.Context, metric *RoundMetric) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO round_metrics
			(round_id, aggregation_method, weiszfeld_iterations, convergence_epsilon,
			 encryption_overhead_ms, aggregation_time_ms, poisoned_clients_detected)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		metric.RoundID, metric.AggregationMethod, metric.WeiszfeldIterations,
		metric.ConvergenceEpsilon, metric.EncryptionOverheadMs,
		metric.AggregationTimeMs, metric.PoisonedClientsDetected)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") || strings.Contains(err.Error(), "PRIMARY") {
			return ErrMetricExists
		}
		return fmt.Errorf("save round metric: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetRoundMetric(ctx context.Context, roundID string) (*RoundMetric, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT round_id, aggregation_method, weiszfeld_iterations, convergence_epsilon,
		       encryption_overhead_ms, aggregation_time_ms, poisoned_clients_detected
		FROM round_metrics WHERE round_id = ?`, roundID)

	var m RoundMetric
	err := row.Scan(&m.RoundID, &m.AggregationMethod, &m.WeiszfeldIterations,
		&m.ConvergenceEpsilon, &m.EncryptionOverheadMs, &m.AggregationTimeMs,
		&m.PoisonedClientsDetected)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRoundNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get round metric: %w", err)
	}
	return &m, nil
}

func (s *SQLiteStore) SaveTrustScores(ctx context.Context, scores []TrustScore) error {
	if len(scores) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save trust scores: %w", err)
	}
	for _, sc := range scores {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO trust_scores
				(participant_id, round_id, score, deviation_avg, is_flagged, computed_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			sc.ParticipantID, sc.RoundID, sc.Score, sc.DeviationAvg,
			boolToInt(sc.Flagged), sc.ComputedAt.UnixNano()); err != nil {
			tx.Rollback()
			return fmt.Errorf("save trust scores: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) TrustScores(ctx context.Context, roundID string) ([]TrustScore, error) {
	return s.queryScores(ctx, `
		SELECT participant_id, round_id, score, deviation_avg, is_flagged, computed_at
		FROM trust_scores WHERE round_id = ? ORDER BY id`, roundID)
}

func (s *SQLiteStore) TrustHistory(ctx context.Context, participantID string) ([]TrustScore, error) {
	return s.queryScores(ctx, `
		SELECT participant_id, round_id, score, deviation_avg, is_flagged, computed_at
		FROM trust_scores WHERE participant_id = ? ORDER BY computed_at`, participantID)
}

func (s *SQLiteStore) queryScores(ctx context.Context, query string, arg any) ([]TrustScore, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("query trust scores: %w", err)
	}
	defer rows.Close()

	var out []TrustScore
	for rows.Next() {
		var sc TrustScore
		var flagged int
		var computedAt int64
		if err := rows.Scan(&sc.ParticipantID, &sc.RoundID, &sc.Score,
			&sc.DeviationAvg, &flagged, &computedAt); err != nil {
			return nil, fmt.Errorf("scan trust score: %w", err)
		}
		sc.Flagged = flagged != 0
		sc.ComputedAt = time.Unix(0, computedAt).UTC()
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func completedAtNano(round *TrainingRound) int64 {
	if round.CompletedAt.IsZero() {
		return 0
	}
	return round.CompletedAt.UnixNano()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
