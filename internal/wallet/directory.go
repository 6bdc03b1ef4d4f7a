package wallet

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Repository reads wallet records. Implementations return ErrWalletNotFound
// for unknown wallets.
type Repository interface {
	GetByNumber(ctx context.Context, number string) (*Wallet, error)
	GetByID(ctx context.Context, id string) (*Wallet, error)
	GetByPhone(ctx context.Context, phone string) (*Wallet, error)
}

// Directory resolves wallets for the transfer flow and the API.
type Directory struct {
	repo   Repository
	logger *zap.Logger
}

func NewDirectory(repo Repository, logger *zap.Logger) *Directory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Directory{repo: repo, logger: logger}
}

// Lookup resolves a wallet number to its masked public view. A wallet that
// exists but is not ACTIVE yields a *DisqualifiedError.
func (d *Directory) Lookup(ctx context.Context, number string) (*PublicView, error) {
	number = strings.TrimSpace(number)
	if number == "" {
		return nil, ErrWalletNotFound
	}

	w, err := d.repo.GetByNumber(ctx, number)
	if err != nil {
		return nil, d.classify("lookup", number, err)
	}
	if !w.CanTransact() {
		return nil, &DisqualifiedError{Number: w.Number, State: w.State}
	}
	return w.PublicView(), nil
}

// Get resolves a wallet by internal id with the same state checks as Lookup.
func (d *Directory) Get(ctx context.Context, walletID string) (*PublicView, error) {
	w, err := d.repo.GetByID(ctx, walletID)
	if err != nil {
		return nil, d.classify("get", walletID, err)
	}
	if !w.CanTransact() {
		return nil, &DisqualifiedError{Number: w.Number, State: w.State}
	}
	return w.PublicView(), nil
}

// ByPhone resolves the wallet registered to a phone number, applying the same
// state checks as Lookup.
func (d *Directory) ByPhone(ctx context.Context, phone string) (*PublicView, error) {
	w, err := d.repo.GetByPhone(ctx, phone)
	if err != nil {
		return nil, d.classify("resolve phone", MaskPhone(phone), err)
	}
	if !w.CanTransact() {
		return nil, &DisqualifiedError{Number: w.Number, State: w.State}
	}
	return w.PublicView(), nil
}

// Contact returns the unmasked phone number for outbound notifications.
// It must not be used to build any response returned to a caller.
func (d *Directory) Contact(ctx context.Context, walletID string) (string, error) {
	w, err := d.repo.GetByID(ctx, walletID)
	if err != nil {
		return "", d.classify("contact", walletID, err)
	}
	if w.Phone == "" {
		return "", fmt.Errorf("wallet %s has no phone on record", w.Number)
	}
	return w.Phone, nil
}

func (d *Directory) classify(op, key string, err error) error {
	if errors.Is(err, ErrWalletNotFound) {
		return ErrWalletNotFound
	}
	d.logger.Error("wallet repository failure",
		zap.String("op", op),
		zap.String("key", key),
		zap.Error(err))
	return fmt.Errorf("failed to %s wallet: %w", op, err)
}
