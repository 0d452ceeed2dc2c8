package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"indexerGateway/internal/model"
)

// Store provides Postgres persistence for query outcomes and the
// issued-receipt journal consumed by the off-core aggregation service.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Report implements reports.Sink by persisting a single outcome.
func (s *Store) Report(ctx context.Context, outcome model.QueryOutcome) error {
	return s.InsertOutcomes(ctx, []model.QueryOutcome{outcome})
}

// InsertOutcomes writes query outcomes and their per-indexer attempts.
func (s *Store) InsertOutcomes(ctx context.Context, outcomes []model.QueryOutcome) error {
	if len(outcomes) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	queued := 0
	for _, outcome := range outcomes {
		batch.Queue(`
			INSERT INTO query_outcomes (
				query_id, caller, deployment, result, response_time_ms, total_fee_wei, emitted_at, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, now())
			ON CONFLICT (query_id) DO NOTHING
		`,
			outcome.QueryID,
			outcome.Caller,
			outcome.Deployment,
			outcome.Result,
			int64(outcome.ResponseTimeMs),
			outcome.TotalFeeWei,
			outcome.EmittedAt,
		)
		queued++

		for i, attempt := range outcome.Attempts {
			batch.Queue(`
				INSERT INTO indexer_attempts (
					query_id, attempt_index, indexer, url, fee_wei, receipt_sequence,
					response_time_ms, success, verified, error, created_at
				) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
				ON CONFLICT (query_id, attempt_index) DO NOTHING
			`,
				outcome.QueryID,
				i,
				attempt.Indexer,
				attempt.URL,
				attempt.FeeWei,
				int64(attempt.ReceiptSequence),
				int64(attempt.ResponseTimeMs),
				attempt.Success,
				attempt.Verified,
				attempt.Error,
			)
			queued++
		}
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := 0; i < queued; i++ {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// SettledReceipts returns the receipt journal rows for one indexer, ordered
// by sequence, for hand-off to the aggregation service.
func (s *Store) SettledReceipts(ctx context.Context, indexer string, limit int) ([]model.AttemptOutcome, error) {
	if limit <= 0 {
		limit = 1000
	}

	rows, err := s.pool.Query(ctx, `
		SELECT indexer, url, fee_wei, receipt_sequence, response_time_ms, success, verified, COALESCE(error, '')
		FROM indexer_attempts
		WHERE indexer = $1 AND verified = true AND receipt_sequence > 0
		ORDER BY receipt_sequence ASC
		LIMIT $2
	`, indexer, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.AttemptOutcome
	for rows.Next() {
		var attempt model.AttemptOutcome
		var sequence, responseTime int64
		if err := rows.Scan(
			&attempt.Indexer,
			&attempt.URL,
			&attempt.FeeWei,
			&sequence,
			&responseTime,
			&attempt.Success,
			&attempt.Verified,
			&attempt.Error,
		); err != nil {
			return nil, err
		}
		attempt.ReceiptSequence = uint64(sequence)
		attempt.ResponseTimeMs = uint32(responseTime)
		out = append(out, attempt)
	}
	return out, rows.Err()
}
