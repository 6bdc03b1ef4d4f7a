package wallet

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"golang.org/x/crypto/bcrypt"
)

var pinPattern = regexp.MustCompile(`^[0-9]{4}$`)

// PinStore returns the bcrypt hash of a wallet's transaction PIN.
type PinStore interface {
	PinHash(ctx context.Context, walletID string) (string, error)
}

// PinVerifier checks a transaction PIN against its stored hash.
type PinVerifier struct {
	store PinStore
}

func NewPinVerifier(store PinStore) *PinVerifier {
	return &PinVerifier{store: store}
}

// ValidFormat reports whether pin is exactly four ASCII digits.
func ValidFormat(pin string) bool {
	return pinPattern.MatchString(pin)
}

// Validate returns false for a malformed PIN without touching the store.
func (v *PinVerifier) Validate(ctx context.Context, walletID, pin string) (bool, error) {
	if !ValidFormat(pin) {
		return false, nil
	}

	hash, err := v.store.PinHash(ctx, walletID)
	if err != nil {
		if errors.Is(err, ErrWalletNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to load pin: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(pin)); err != nil {
		return false, nil
	}
	return true, nil
}

// HashPIN produces the stored form of a PIN.
func HashPIN(pin string) (string, error) {
	if !ValidFormat(pin) {
		return "", errors.New("pin must be exactly 4 digits")
	}
	b, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
