package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// MemoryStore is a process-local Store. A single mutex serializes commits,
// which is the in-memory equivalent of the per-wallet row locks in Postgres.
type MemoryStore struct {
	mu          sync.Mutex
	entries     []Entry
	byID        map[string]*Transaction
	byReference map[string]*Transaction
	byKey       map[string]*Transaction
	lastSeq     map[string]int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:        map[string]*Transaction{},
		byReference: map[string]*Transaction{},
		byKey:       map[string]*Transaction{},
		lastSeq:     map[string]int{},
	}
}

func (m *MemoryStore) Commit(ctx context.Context, tx *Transaction) (*Posting, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if tx.IdempotencyKey != "" {
		if existing, ok := m.byKey[idempotencyScope(tx)]; ok {
			if !existing.SameRequest(tx) {
				return nil, ErrIdempotencyConflict
			}
			return m.postingAsOf(existing, true), nil
		}
	}
	if _, ok := m.byReference[tx.Reference]; ok {
		return nil, fmt.Errorf("reference %s already committed", tx.Reference)
	}

	if !tx.AllowOverdraft {
		balance := DeriveBalance(m.walletEntries(tx.SenderWalletID, len(m.entries)), tx.Currency)
		if balance.LessThan(debitTotal(tx.Entries, tx.SenderWalletID, tx.Currency)) {
			return nil, ErrInsufficientFunds
		}
	}

	stored := *tx
	stored.Entries = append([]Entry(nil), tx.Entries...)
	stored.Status = StatusCompleted
	m.entries = append(m.entries, stored.Entries...)
	m.lastSeq[stored.ID] = len(m.entries)

	m.byID[stored.ID] = &stored
	m.byReference[stored.Reference] = &stored
	if stored.IdempotencyKey != "" {
		m.byKey[idempotencyScope(&stored)] = &stored
	}
	return m.postingAsOf(&stored, false), nil
}

func (m *MemoryStore) Entries(ctx context.Context, walletID, currency string) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Entry
	for _, e := range m.entries {
		if e.WalletID == walletID && e.Currency == currency {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MemoryStore) Balance(ctx context.Context, walletID, currency string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return DeriveBalance(m.walletEntries(walletID, len(m.entries)), currency), nil
}

func (m *MemoryStore) FindByReference(ctx context.Context, reference string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.byReference[reference]
	if !ok {
		return nil, ErrTransactionMissing
	}
	clone := *tx
	return &clone, nil
}

func (m *MemoryStore) postingAsOf(tx *Transaction, replayed bool) *Posting {
	upTo := m.lastSeq[tx.ID]
	clone := *tx
	return &Posting{
		Transaction:     &clone,
		SenderBalance:   DeriveBalance(m.walletEntries(tx.SenderWalletID, upTo), tx.Currency),
		ReceiverBalance: DeriveBalance(m.walletEntries(tx.ReceiverWalletID, upTo), tx.Currency),
		Replayed:        replayed,
	}
}

func (m *MemoryStore) walletEntries(walletID string, upTo int) []Entry {
	var out []Entry
	for _, e := range m.entries[:upTo] {
		if e.WalletID == walletID {
			out = append(out, e)
		}
	}
	return out
}

// Idempotency keys are scoped to the sender; two wallets may pick the same key.
func idempotencyScope(tx *Transaction) string {
	return tx.SenderWalletID + "\x00" + tx.IdempotencyKey
}

func debitTotal(entries []Entry, walletID, currency string) decimal.Decimal {
	total := decimal.Zero
	for _, e := range entries {
		if e.WalletID == walletID && e.Currency == currency && e.Type == EntryDebit {
			total = total.Add(e.Amount)
		}
	}
	return total
}
