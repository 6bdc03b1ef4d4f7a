package paymentlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

const SQLiteSchema = `
CREATE TABLE IF NOT EXISTS payment_logs (
	id          TEXT PRIMARY KEY,
	natural_key TEXT NOT NULL UNIQUE,
	provider    TEXT NOT NULL,
	kind        TEXT NOT NULL,
	phone       TEXT NOT NULL DEFAULT '',
	amount      TEXT NOT NULL DEFAULT '0.00',
	currency    TEXT NOT NULL DEFAULT 'KES',
	status      TEXT NOT NULL DEFAULT '',
	raw         TEXT,
	created_at  TIMESTAMP NOT NULL
);
`

// SQLiteStore keeps the payment log in SQLite for single-node deployments.
// Amounts are stored as fixed two-decimal text.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.Exec(SQLiteSchema); err != nil {
		return nil, fmt.Errorf("failed to migrate payment log: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Insert(ctx context.Context, rec *Record) error {
	var raw sql.NullString
	if len(rec.Raw) > 0 {
		raw = sql.NullString{String: string(rec.Raw), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payment_logs (id, natural_key, provider, kind, phone, amount, currency, status, raw, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.NaturalKey, rec.Provider, string(rec.Kind), rec.Phone, rec.Amount.StringFixed(2),
		currencyOrDefault(rec.Currency), rec.Status, raw, rec.CreatedAt.UTC())
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return ErrDuplicateReceipt
		}
		return fmt.Errorf("failed to insert payment log: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FindByNaturalKey(ctx context.Context, key string) (*Record, error) {
	var (
		rec       Record
		kind      string
		amount    string
		raw       sql.NullString
		createdAt time.Time
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, natural_key, provider, kind, phone, amount, currency, status, raw, created_at
		FROM payment_logs
		WHERE natural_key = ?
	`, key).Scan(&rec.ID, &rec.NaturalKey, &rec.Provider, &kind, &rec.Phone, &amount, &rec.Currency, &rec.Status, &raw, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get payment log: %w", err)
	}

	rec.Kind = Kind(kind)
	rec.CreatedAt = createdAt
	if raw.Valid {
		rec.Raw = []byte(raw.String)
	}
	if rec.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("invalid stored amount %q: %w", amount, err)
	}
	return &rec, nil
}
