package wallet

import (
	"context"
	"fmt"
	"sync"
)

// MemoryRepository is an in-process Repository and PinStore.
type MemoryRepository struct {
	mu       sync.RWMutex
	byID     map[string]*Wallet
	byNumber map[string]*Wallet
	pins     map[string]string
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byID:     map[string]*Wallet{},
		byNumber: map[string]*Wallet{},
		pins:     map[string]string{},
	}
}

// Add provisions a wallet with an already hashed PIN.
func (m *MemoryRepository) Add(w Wallet, pinHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byNumber[w.Number]; ok {
		return fmt.Errorf("wallet number %s already exists", w.Number)
	}
	stored := w
	m.byID[w.ID] = &stored
	m.byNumber[w.Number] = &stored
	m.pins[w.ID] = pinHash
	return nil
}

// SetState applies an administrative state change.
func (m *MemoryRepository) SetState(walletID string, state State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.byID[walletID]
	if !ok {
		return ErrWalletNotFound
	}
	w.State = state
	return nil
}

func (m *MemoryRepository) GetByNumber(ctx context.Context, number string) (*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.byNumber[number]
	if !ok {
		return nil, ErrWalletNotFound
	}
	clone := *w
	return &clone, nil
}

func (m *MemoryRepository) GetByID(ctx context.Context, id string) (*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.byID[id]
	if !ok {
		return nil, ErrWalletNotFound
	}
	clone := *w
	return &clone, nil
}

func (m *MemoryRepository) GetByPhone(ctx context.Context, phone string) (*Wallet, error) {
	digits := PhoneDigits(phone)
	if digits == "" {
		return nil, ErrWalletNotFound
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var match *Wallet
	for _, w := range m.byID {
		if PhoneDigits(w.Phone) != digits {
			continue
		}
		if match == nil || w.CreatedAt.Before(match.CreatedAt) ||
			(w.CreatedAt.Equal(match.CreatedAt) && w.ID < match.ID) {
			match = w
		}
	}
	if match == nil {
		return nil, ErrWalletNotFound
	}
	clone := *match
	return &clone, nil
}

func (m *MemoryRepository) PinHash(ctx context.Context, walletID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	hash, ok := m.pins[walletID]
	if !ok {
		return "", ErrWalletNotFound
	}
	return hash, nil
}
