package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is satisfied by *pgxpool.Pool.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Log(ctx context.Context, r *Record) error {
	query := `
		INSERT INTO audit_records (user_id, request_id, run_id, step_id, provider, model,
			prompt_tokens, completion_tokens, cost_usd, latency_ms, cached, fallback_used, status, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id, created_at
	`
	err := s.db.QueryRow(ctx, query,
		r.UserID, r.RequestID, r.RunID, r.StepID, r.Provider, r.Model,
		r.PromptTokens, r.CompletionTokens, r.CostUSD, r.LatencyMs,
		r.Cached, r.FallbackUsed, r.Status, r.Reason,
	).Scan(&r.ID, &r.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to log audit record: %w", err)
	}

	return nil
}

func (s *PostgresStore) ByUser(ctx context.Context, userID string, from, to time.Time) ([]*Record, error) {
	query := `
		SELECT id, user_id, request_id, run_id, step_id, provider, model, prompt_tokens, completion_tokens,
			cost_usd, latency_ms, cached, fallback_used, status, reason, created_at
		FROM audit_records
		WHERE user_id = $1 AND created_at BETWEEN $2 AND $3
		ORDER BY created_at DESC
	`
	rows, err := s.db.Query(ctx, query, userID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit records: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		var r Record
		err := rows.Scan(
			&r.ID, &r.UserID, &r.RequestID, &r.RunID, &r.StepID, &r.Provider, &r.Model,
			&r.PromptTokens, &r.CompletionTokens, &r.CostUSD, &r.LatencyMs,
			&r.Cached, &r.FallbackUsed, &r.Status, &r.Reason, &r.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		records = append(records, &r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit records: %w", err)
	}

	return records, nil
}

func (s *PostgresStore) TotalCostByUser(ctx context.Context, userID string, from, to time.Time) (float64, error) {
	query := `
		SELECT COALESCE(SUM(cost_usd), 0)
		FROM audit_records
		WHERE user_id = $1 AND created_at BETWEEN $2 AND $3
	`
	var total float64
	err := s.db.QueryRow(ctx, query, userID, from, to).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to get total cost: %w", err)
	}

	return total, nil
}
