package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const Schema = `
CREATE TABLE IF NOT EXISTS wallets (
    id            TEXT PRIMARY KEY,
    wallet_number TEXT NOT NULL UNIQUE,
    wallet_type   TEXT NOT NULL CHECK (wallet_type IN ('USER', 'AGENT', 'SYSTEM')),
    owner_name    TEXT NOT NULL,
    phone         TEXT NOT NULL DEFAULT '',
    state         TEXT NOT NULL DEFAULT 'ACTIVE' CHECK (state IN ('ACTIVE', 'LOCKED', 'FROZEN', 'SUSPENDED')),
    kyc_status    TEXT NOT NULL DEFAULT 'UNVERIFIED' CHECK (kyc_status IN ('VERIFIED', 'PENDING', 'UNVERIFIED')),
    pin_hash      TEXT NOT NULL DEFAULT '',
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

type PostgresRepository struct {
	Pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{Pool: pool}
}

func (r *PostgresRepository) GetByNumber(ctx context.Context, number string) (*Wallet, error) {
	return r.get(ctx, "wallet_number = $1", number)
}

func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*Wallet, error) {
	return r.get(ctx, "id = $1", id)
}

// GetByPhone matches on digits only. Phone numbers are not unique, so the
// oldest wallet on the number wins.
func (r *PostgresRepository) GetByPhone(ctx context.Context, phone string) (*Wallet, error) {
	digits := PhoneDigits(phone)
	if digits == "" {
		return nil, ErrWalletNotFound
	}
	return r.get(ctx, `regexp_replace(phone, '\D', '', 'g') = $1 ORDER BY created_at LIMIT 1`, digits)
}

func (r *PostgresRepository) PinHash(ctx context.Context, walletID string) (string, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var hash string
	err := r.Pool.QueryRow(queryCtx, `SELECT pin_hash FROM wallets WHERE id = $1`, walletID).Scan(&hash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrWalletNotFound
		}
		return "", fmt.Errorf("failed to get pin hash: %w", err)
	}
	return hash, nil
}

func (r *PostgresRepository) get(ctx context.Context, where, value string) (*Wallet, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var (
		w                          Wallet
		walletType, state, kycStat string
	)
	err := r.Pool.QueryRow(queryCtx, `
		SELECT id, wallet_number, wallet_type, owner_name, phone, state, kyc_status, created_at
		FROM wallets
		WHERE `+where, value).Scan(&w.ID, &w.Number, &walletType, &w.OwnerName, &w.Phone, &state, &kycStat, &w.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWalletNotFound
		}
		return nil, fmt.Errorf("failed to get wallet: %w", err)
	}

	w.Type = Type(walletType)
	w.State = State(state)
	w.KYCStatus = KYCStatus(kycStat)
	return &w, nil
}
