package ledger

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// EntryType is the direction of a ledger entry.
type EntryType string

const (
	EntryDebit  EntryType = "DEBIT"
	EntryCredit EntryType = "CREDIT"
)

// TransactionStatus of a committed transfer record.
type TransactionStatus string

const (
	StatusCompleted TransactionStatus = "COMPLETED"
)

var (
	ErrInsufficientFunds  = errors.New("insufficient balance")
	ErrUnbalanced         = errors.New("ledger entries do not balance")
	ErrTransactionMissing = errors.New("transaction not found")
	ErrWalletMissing      = errors.New("wallet not found in ledger")

	// ErrIdempotencyConflict is returned when a sender reuses an idempotency
	// key for a transfer with a different receiver, amount or currency.
	ErrIdempotencyConflict = errors.New("idempotency key already used for a different transfer")
)

// Entry is a single append-only movement against one wallet.
type Entry struct {
	ID            string          `json:"id"`
	TransactionID string          `json:"transaction_id"`
	WalletID      string          `json:"wallet_id"`
	Currency      string          `json:"currency"`
	Type          EntryType       `json:"entry_type"`
	Amount        decimal.Decimal `json:"amount"`
	Description   string          `json:"description"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Transaction is the transfer record that owns a balanced set of entries.
type Transaction struct {
	ID               string            `json:"id"`
	Reference        string            `json:"reference"`
	IdempotencyKey   string            `json:"idempotency_key,omitempty"`
	SenderWalletID   string            `json:"sender_wallet_id"`
	ReceiverWalletID string            `json:"receiver_wallet_id"`
	Amount           decimal.Decimal   `json:"amount"`
	Fee              decimal.Decimal   `json:"fee"`
	Total            decimal.Decimal   `json:"total"`
	Currency         string            `json:"currency"`
	Status           TransactionStatus `json:"status"`
	CreatedAt        time.Time         `json:"created_at"`
	Entries          []Entry           `json:"entries"`

	// AllowOverdraft skips the sender funds check. Only float and settlement
	// postings set it; it is never persisted.
	AllowOverdraft bool `json:"-"`
}

// SameRequest reports whether t and other describe the same transfer
// instruction. The fee is left out so a schedule change between retries does
// not turn a retry into a conflict.
func (t *Transaction) SameRequest(other *Transaction) bool {
	return t.SenderWalletID == other.SenderWalletID &&
		t.ReceiverWalletID == other.ReceiverWalletID &&
		t.Currency == other.Currency &&
		t.Amount.Equal(other.Amount)
}

// Posting is the outcome of a commit. Balances are derived from the ledger as of
// the transaction, so a replayed commit reports the same figures as the original.
type Posting struct {
	Transaction     *Transaction
	SenderBalance   decimal.Decimal
	ReceiverBalance decimal.Decimal
	Replayed        bool
}
