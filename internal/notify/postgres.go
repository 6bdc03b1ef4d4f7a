package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const Schema = `
CREATE TABLE IF NOT EXISTS notification_logs (
    id                  UUID PRIMARY KEY,
    recipient           TEXT NOT NULL,
    message             TEXT NOT NULL,
    kind                TEXT NOT NULL,
    status              TEXT NOT NULL CHECK (status IN ('PENDING', 'SENT', 'FAILED')),
    cost                NUMERIC(18,2) NOT NULL,
    provider_message_id TEXT,
    error_message       TEXT,
    attempt             INTEGER NOT NULL DEFAULT 1,
    retry_of            UUID REFERENCES notification_logs(id),
    created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_notification_logs_created ON notification_logs(created_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_notification_logs_retry_of ON notification_logs(retry_of) WHERE retry_of IS NOT NULL;
`

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Insert(ctx context.Context, e *LogEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO notification_logs
			(id, recipient, message, kind, status, cost, provider_message_id, error_message, attempt, retry_of, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, e.ID, e.Recipient, e.Message, string(e.Kind), string(e.Status), e.Cost,
		nullable(e.ProviderMessageID), nullable(e.ErrorMessage), e.Attempt, nullable(e.RetryOf), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert notification log: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListRetryable(ctx context.Context, since time.Time, maxAttempts int) ([]LogEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT n.id::text, n.recipient, n.message, n.kind, n.status, n.cost::text,
		       COALESCE(n.provider_message_id, ''), COALESCE(n.error_message, ''),
		       n.attempt, COALESCE(n.retry_of::text, ''), n.created_at
		FROM notification_logs n
		WHERE n.status = 'FAILED'
		  AND n.kind <> 'OTP'
		  AND n.attempt < $1
		  AND n.created_at >= $2
		  AND NOT EXISTS (SELECT 1 FROM notification_logs r WHERE r.retry_of = n.id)
		ORDER BY n.created_at
	`, maxAttempts, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list retryable notifications: %w", err)
	}

	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (LogEntry, error) {
		var e LogEntry
		var kind, status, cost string
		if err := row.Scan(&e.ID, &e.Recipient, &e.Message, &kind, &status, &cost,
			&e.ProviderMessageID, &e.ErrorMessage, &e.Attempt, &e.RetryOf, &e.CreatedAt); err != nil {
			return e, err
		}
		e.Kind = Kind(kind)
		e.Status = Status(status)
		c, err := decimal.NewFromString(cost)
		if err != nil {
			return e, fmt.Errorf("bad cost %q: %w", cost, err)
		}
		e.Cost = c
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan notification logs: %w", err)
	}
	return entries, nil
}

func (s *PostgresStore) CostSummary(ctx context.Context, from, to time.Time) ([]StatusCost, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT status, COUNT(*), COALESCE(SUM(cost), 0)::text
		FROM notification_logs
		WHERE created_at >= $1 AND created_at < $2
		GROUP BY status
		ORDER BY status
	`, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query notification cost: %w", err)
	}

	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (StatusCost, error) {
		var sc StatusCost
		var status, total string
		if err := row.Scan(&status, &sc.Count, &total); err != nil {
			return sc, err
		}
		sc.Status = Status(status)
		c, err := decimal.NewFromString(total)
		if err != nil {
			return sc, err
		}
		sc.Cost = c
		return sc, nil
	})
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
