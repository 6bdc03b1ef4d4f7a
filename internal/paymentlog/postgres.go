package paymentlog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const PostgresSchema = `
CREATE TABLE IF NOT EXISTS payment_logs (
    id          UUID PRIMARY KEY,
    natural_key TEXT NOT NULL UNIQUE,
    provider    TEXT NOT NULL,
    kind        TEXT NOT NULL,
    phone       TEXT NOT NULL DEFAULT '',
    amount      NUMERIC(18,2) NOT NULL DEFAULT 0,
    currency    CHAR(3) NOT NULL DEFAULT 'KES',
    status      TEXT NOT NULL DEFAULT '',
    raw         JSONB,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

type PostgresStore struct {
	Pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{Pool: pool}
}

func (s *PostgresStore) Insert(ctx context.Context, rec *Record) error {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var raw any
	if len(rec.Raw) > 0 {
		raw = string(rec.Raw)
	}

	_, err := s.Pool.Exec(queryCtx, `
		INSERT INTO payment_logs (id, natural_key, provider, kind, phone, amount, currency, status, raw, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10)
	`, rec.ID, rec.NaturalKey, rec.Provider, string(rec.Kind), rec.Phone, rec.Amount, currencyOrDefault(rec.Currency), rec.Status, raw, rec.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateReceipt
		}
		return fmt.Errorf("failed to insert payment log: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByNaturalKey(ctx context.Context, key string) (*Record, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var (
		rec    Record
		kind   string
		amount string
		raw    []byte
	)
	err := s.Pool.QueryRow(queryCtx, `
		SELECT id::text, natural_key, provider, kind, phone, amount::text, currency, status, raw::text, created_at
		FROM payment_logs
		WHERE natural_key = $1
	`, key).Scan(&rec.ID, &rec.NaturalKey, &rec.Provider, &kind, &rec.Phone, &amount, &rec.Currency, &rec.Status, &raw, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get payment log: %w", err)
	}

	rec.Kind = Kind(kind)
	rec.Raw = raw
	if rec.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("invalid stored amount %q: %w", amount, err)
	}
	return &rec, nil
}

func currencyOrDefault(c string) string {
	if c == "" {
		return "KES"
	}
	return c
}
