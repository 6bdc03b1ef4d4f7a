package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const (
	sqlStateSerializationFailure = "40001"
	sqlStateUniqueViolation      = "23505"

	senderIdempotencyConstraint = "transfers_sender_idempotency_key"
)

// Schema creates the ledger tables. The wallets table is owned by the wallet
// package; the ledger only locks its rows.
const Schema = `
CREATE TABLE IF NOT EXISTS transfers (
    id                 UUID PRIMARY KEY,
    reference          TEXT NOT NULL UNIQUE,
    idempotency_key    TEXT,
    sender_wallet_id   TEXT NOT NULL REFERENCES wallets(id),
    receiver_wallet_id TEXT NOT NULL REFERENCES wallets(id),
    amount             NUMERIC(18,2) NOT NULL CHECK (amount > 0),
    fee                NUMERIC(18,2) NOT NULL CHECK (fee >= 0),
    total              NUMERIC(18,2) NOT NULL,
    currency           CHAR(3) NOT NULL,
    status             TEXT NOT NULL,
    created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
    CONSTRAINT transfers_sender_idempotency_key UNIQUE (sender_wallet_id, idempotency_key)
);

CREATE TABLE IF NOT EXISTS ledger_entries (
    seq            BIGSERIAL UNIQUE,
    id             UUID PRIMARY KEY,
    transaction_id UUID NOT NULL REFERENCES transfers(id),
    wallet_id      TEXT NOT NULL REFERENCES wallets(id),
    currency       CHAR(3) NOT NULL,
    entry_type     TEXT NOT NULL CHECK (entry_type IN ('DEBIT', 'CREDIT')),
    amount         NUMERIC(18,2) NOT NULL CHECK (amount > 0),
    description    TEXT NOT NULL DEFAULT '',
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_ledger_entries_wallet_currency ON ledger_entries (wallet_id, currency, seq);
CREATE INDEX IF NOT EXISTS idx_ledger_entries_transaction ON ledger_entries (transaction_id);
`

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresLedger stores transfers and their entries in Postgres.
type PostgresLedger struct {
	Pool *pgxpool.Pool
}

func NewPostgresLedger(pool *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{Pool: pool}
}

// Commit writes the transfer record and all of its entries in one SERIALIZABLE
// transaction. A serialization failure aborts the attempt completely, so only
// that case is retried.
func (pl *PostgresLedger) Commit(ctx context.Context, tx *Transaction) (*Posting, error) {
	const maxRetries = 3

	for attempt := 0; attempt < maxRetries; attempt++ {
		posting, err := pl.commitOnce(ctx, tx)
		if err == nil {
			return posting, nil
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == sqlStateSerializationFailure {
				if attempt == maxRetries-1 {
					return nil, fmt.Errorf("failed to commit transfer after %d retries due to serialization failure: %w", maxRetries, err)
				}
				time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
				continue
			}
			// Lost a race with a concurrent request carrying the same key.
			if pgErr.Code == sqlStateUniqueViolation && pgErr.ConstraintName == senderIdempotencyConstraint {
				return pl.replay(ctx, tx)
			}
		}
		return nil, err
	}

	return nil, fmt.Errorf("failed to commit transfer %s", tx.Reference)
}

func (pl *PostgresLedger) commitOnce(ctx context.Context, t *Transaction) (*Posting, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := pl.Pool.Acquire(queryCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Release()

	tx, err := conn.BeginTx(queryCtx, pgx.TxOptions{
		IsoLevel:   pgx.Serializable,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(queryCtx)

	if t.IdempotencyKey != "" {
		existing, err := loadTransaction(queryCtx, tx, byIdempotencyKey, t.SenderWalletID, t.IdempotencyKey)
		if err == nil {
			if !existing.SameRequest(t) {
				return nil, ErrIdempotencyConflict
			}
			posting, err := postingFor(queryCtx, tx, existing)
			if err != nil {
				return nil, err
			}
			posting.Replayed = true
			return posting, nil
		}
		if !errors.Is(err, ErrTransactionMissing) {
			return nil, err
		}
	}

	if err := lockWallets(queryCtx, tx, t.Entries); err != nil {
		return nil, err
	}

	if !t.AllowOverdraft {
		balance, err := balanceAsOf(queryCtx, tx, t.SenderWalletID, t.Currency, math.MaxInt64)
		if err != nil {
			return nil, err
		}
		if balance.LessThan(debitTotal(t.Entries, t.SenderWalletID, t.Currency)) {
			return nil, ErrInsufficientFunds
		}
	}

	_, err = tx.Exec(queryCtx, `
		INSERT INTO transfers (
			id, reference, idempotency_key, sender_wallet_id, receiver_wallet_id,
			amount, fee, total, currency, status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, t.ID, t.Reference, nullable(t.IdempotencyKey), t.SenderWalletID, t.ReceiverWalletID,
		t.Amount, t.Fee, t.Total, t.Currency, string(StatusCompleted), t.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert transfer: %w", err)
	}

	var lastSeq int64
	for _, e := range t.Entries {
		err = tx.QueryRow(queryCtx, `
			INSERT INTO ledger_entries (id, transaction_id, wallet_id, currency, entry_type, amount, description, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING seq
		`, e.ID, t.ID, e.WalletID, e.Currency, string(e.Type), e.Amount, e.Description, e.CreatedAt).Scan(&lastSeq)
		if err != nil {
			return nil, fmt.Errorf("failed to insert ledger entry: %w", err)
		}
	}

	sender, err := balanceAsOf(queryCtx, tx, t.SenderWalletID, t.Currency, lastSeq)
	if err != nil {
		return nil, err
	}
	receiver, err := balanceAsOf(queryCtx, tx, t.ReceiverWalletID, t.Currency, lastSeq)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(queryCtx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	committed := *t
	committed.Status = StatusCompleted
	return &Posting{Transaction: &committed, SenderBalance: sender, ReceiverBalance: receiver}, nil
}

func (pl *PostgresLedger) replay(ctx context.Context, t *Transaction) (*Posting, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	existing, err := loadTransaction(queryCtx, pl.Pool, byIdempotencyKey, t.SenderWalletID, t.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if !existing.SameRequest(t) {
		return nil, ErrIdempotencyConflict
	}
	posting, err := postingFor(queryCtx, pl.Pool, existing)
	if err != nil {
		return nil, err
	}
	posting.Replayed = true
	return posting, nil
}

// Balance derives the current balance of a wallet in one currency.
func (pl *PostgresLedger) Balance(ctx context.Context, walletID, currency string) (decimal.Decimal, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return balanceAsOf(queryCtx, pl.Pool, walletID, currency, math.MaxInt64)
}

// Entries lists a wallet's entries in one currency in posting order.
func (pl *PostgresLedger) Entries(ctx context.Context, walletID, currency string) ([]Entry, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	rows, err := pl.Pool.Query(queryCtx, `
		SELECT id::text, transaction_id::text, wallet_id, currency, entry_type, amount::text, description, created_at
		FROM ledger_entries
		WHERE wallet_id = $1 AND currency = $2
		ORDER BY seq ASC
	`, walletID, currency)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger entries: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

func (pl *PostgresLedger) FindByReference(ctx context.Context, reference string) (*Transaction, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return loadTransaction(queryCtx, pl.Pool, byReference, reference)
}

func (pl *PostgresLedger) Close() {
	pl.Pool.Close()
}

func lockWallets(ctx context.Context, tx pgx.Tx, entries []Entry) error {
	seen := map[string]struct{}{}
	var ids []string
	for _, e := range entries {
		if _, ok := seen[e.WalletID]; ok {
			continue
		}
		seen[e.WalletID] = struct{}{}
		ids = append(ids, e.WalletID)
	}
	// Fixed lock order so two transfers between the same pair cannot deadlock.
	sort.Strings(ids)

	rows, err := tx.Query(ctx, `SELECT id FROM wallets WHERE id = ANY($1) ORDER BY id FOR UPDATE`, ids)
	if err != nil {
		return fmt.Errorf("failed to lock wallets: %w", err)
	}
	defer rows.Close()

	locked := 0
	for rows.Next() {
		locked++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to lock wallets: %w", err)
	}
	if locked != len(ids) {
		return ErrWalletMissing
	}
	return nil
}

func balanceAsOf(ctx context.Context, q querier, walletID, currency string, upTo int64) (decimal.Decimal, error) {
	var raw string
	err := q.QueryRow(ctx, BalanceQuery, walletID, currency, upTo).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, nil
		}
		return decimal.Zero, fmt.Errorf("failed to derive balance: %w", err)
	}
	return parseAmount(raw)
}

func postingFor(ctx context.Context, q querier, t *Transaction) (*Posting, error) {
	var lastSeq int64
	err := q.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) FROM ledger_entries WHERE transaction_id = $1`, t.ID).Scan(&lastSeq)
	if err != nil {
		return nil, fmt.Errorf("failed to locate transfer entries: %w", err)
	}
	sender, err := balanceAsOf(ctx, q, t.SenderWalletID, t.Currency, lastSeq)
	if err != nil {
		return nil, err
	}
	receiver, err := balanceAsOf(ctx, q, t.ReceiverWalletID, t.Currency, lastSeq)
	if err != nil {
		return nil, err
	}
	return &Posting{Transaction: t, SenderBalance: sender, ReceiverBalance: receiver}, nil
}

const (
	byReference      = "reference = $1"
	byIdempotencyKey = "sender_wallet_id = $1 AND idempotency_key = $2"
)

// loadTransaction reads a transfer and its entries. where is one of the
// unique lookups above.
func loadTransaction(ctx context.Context, q querier, where string, args ...any) (*Transaction, error) {
	var (
		t                  Transaction
		amount, fee, total string
		status             string
	)
	err := q.QueryRow(ctx, `
		SELECT id::text, reference, COALESCE(idempotency_key, ''), sender_wallet_id, receiver_wallet_id,
		       amount::text, fee::text, total::text, currency, status, created_at
		FROM transfers
		WHERE `+where, args...).Scan(&t.ID, &t.Reference, &t.IdempotencyKey, &t.SenderWalletID, &t.ReceiverWalletID,
		&amount, &fee, &total, &t.Currency, &status, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionMissing
		}
		return nil, fmt.Errorf("failed to get transfer: %w", err)
	}
	t.Status = TransactionStatus(status)

	if t.Amount, err = parseAmount(amount); err != nil {
		return nil, err
	}
	if t.Fee, err = parseAmount(fee); err != nil {
		return nil, err
	}
	if t.Total, err = parseAmount(total); err != nil {
		return nil, err
	}

	rows, err := q.Query(ctx, `
		SELECT id::text, transaction_id::text, wallet_id, currency, entry_type, amount::text, description, created_at
		FROM ledger_entries
		WHERE transaction_id = $1
		ORDER BY seq ASC
	`, t.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transfer entries: %w", err)
	}
	defer rows.Close()

	if t.Entries, err = scanEntries(rows); err != nil {
		return nil, err
	}
	return &t, nil
}

func scanEntries(rows pgx.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var (
			e         Entry
			entryType string
			amount    string
		)
		if err := rows.Scan(&e.ID, &e.TransactionID, &e.WalletID, &e.Currency, &entryType, &amount, &e.Description, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		e.Type = EntryType(entryType)
		var err error
		if e.Amount, err = parseAmount(amount); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read ledger entries: %w", err)
	}
	return entries, nil
}

func parseAmount(raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid stored amount %q: %w", raw, err)
	}
	return d, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
