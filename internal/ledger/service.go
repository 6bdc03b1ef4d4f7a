package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Store persists transfers and answers balance questions from entries only.
type Store interface {
	Commit(ctx context.Context, tx *Transaction) (*Posting, error)
	Balance(ctx context.Context, walletID, currency string) (decimal.Decimal, error)
	Entries(ctx context.Context, walletID, currency string) ([]Entry, error)
	FindByReference(ctx context.Context, reference string) (*Transaction, error)
}

// Service is the ledger facade used by the transfer flow and the API.
type Service struct {
	store  Store
	logger *zap.Logger
}

func NewService(store Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, logger: logger}
}

// Commit validates the double-entry invariant and hands the record to the store.
func (s *Service) Commit(ctx context.Context, tx *Transaction) (*Posting, error) {
	if err := ValidateTransaction(tx); err != nil {
		return nil, err
	}

	posting, err := s.store.Commit(ctx, tx)
	if err != nil {
		if !errors.Is(err, ErrInsufficientFunds) && !errors.Is(err, ErrIdempotencyConflict) {
			s.logger.Error("ledger commit failed",
				zap.String("reference", tx.Reference),
				zap.Error(err))
		}
		return nil, err
	}

	if posting.Replayed {
		s.logger.Info("idempotent replay",
			zap.String("idempotency_key", tx.IdempotencyKey),
			zap.String("reference", posting.Transaction.Reference))
	}
	return posting, nil
}

func (s *Service) Balance(ctx context.Context, walletID, currency string) (decimal.Decimal, error) {
	if walletID == "" || currency == "" {
		return decimal.Zero, fmt.Errorf("wallet id and currency are required")
	}
	return s.store.Balance(ctx, walletID, currency)
}

func (s *Service) FindByReference(ctx context.Context, reference string) (*Transaction, error) {
	return s.store.FindByReference(ctx, reference)
}

// Reconcile re-derives a wallet balance from its entries and compares it with
// the figure another system asserts.
func (s *Service) Reconcile(ctx context.Context, walletID, currency string, asserted decimal.Decimal) (BalanceCheck, error) {
	entries, err := s.store.Entries(ctx, walletID, currency)
	if err != nil {
		return BalanceCheck{}, fmt.Errorf("failed to load entries for reconciliation: %w", err)
	}

	check := ValidateBalance(entries, currency, asserted)
	if !check.Match {
		s.logger.Warn("balance drift detected",
			zap.String("wallet_id", walletID),
			zap.String("currency", currency),
			zap.String("message", check.Message))
	}
	return check, nil
}
