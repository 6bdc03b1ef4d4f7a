package transfer

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/example/wallet-core/internal/ledger"
	"github.com/example/wallet-core/internal/notify"
	"github.com/example/wallet-core/internal/receipt"
	"github.com/example/wallet-core/internal/wallet"
)

// Step names the stage of the transfer flow a result ended at.
type Step string

const (
	StepValidation          Step = "validation"
	StepLookup              Step = "lookup"
	StepConfirm             Step = "confirm"
	StepPinValidation       Step = "pin_validation"
	StepFeeCalculation      Step = "fee_calculation"
	StepTransactionCreation Step = "transaction_creation"
	StepLedgerEntries       Step = "ledger_entries"
	StepCommit              Step = "commit"
	StepNotify              Step = "notify"
	StepReceipt             Step = "receipt"
	StepUnknown             Step = "unknown"
)

// Failure messages callers can match on.
const (
	MsgReceiverNotFound    = "Receiver wallet not found"
	MsgSenderNotFound      = "Sender wallet not found"
	MsgSameWallet          = "Sender and receiver wallets must differ"
	MsgLookupUnavailable   = "Wallet lookup unavailable"
	MsgInvalidPIN          = "Invalid PIN"
	MsgPINUnavailable      = "PIN verification unavailable"
	MsgFeeUnavailable      = "Fee could not be calculated"
	MsgUnbalanced          = "Transfer entries are unbalanced"
	MsgInsufficientBalance = "Insufficient balance"
	MsgCommitFailed        = "Transfer could not be committed"
	MsgIdempotencyConflict = "Idempotency key already used for a different transfer"
	MsgUnexpected          = "Transfer failed unexpectedly"
)

// Request is one transfer instruction. The sender is the authenticated wallet;
// the receiver is addressed by its public number.
type Request struct {
	SenderWalletID       string          `json:"sender_wallet_id" validate:"required,max=64"`
	ReceiverWalletNumber string          `json:"receiver_wallet_number" validate:"required,max=32"`
	Amount               decimal.Decimal `json:"amount"`
	Currency             string          `json:"currency" validate:"omitempty,len=3,uppercase"`
	PIN                  string          `json:"pin"`
	IdempotencyKey       string          `json:"idempotency_key,omitempty" validate:"omitempty,max=128"`
	Description          string          `json:"description,omitempty" validate:"max=140"`
}

// Result is the single terminal outcome of ExecuteTransfer. Either every
// success field is set, or Error and Step say where the flow stopped.
type Result struct {
	Success              bool            `json:"success"`
	TransactionID        string          `json:"transaction_id,omitempty"`
	TransactionReference string          `json:"transaction_reference,omitempty"`
	Currency             string          `json:"currency,omitempty"`
	Amount               decimal.Decimal `json:"amount"`
	Fee                  decimal.Decimal `json:"fee"`
	TotalAmount          decimal.Decimal `json:"total_amount"`
	SenderNewBalance     decimal.Decimal `json:"sender_new_balance"`
	ReceiverNewBalance   decimal.Decimal `json:"receiver_new_balance"`
	ReceiptURL           string          `json:"receipt_url,omitempty"`
	Replayed             bool            `json:"replayed,omitempty"`
	Error                string          `json:"error,omitempty"`
	Step                 Step            `json:"step,omitempty"`
}

type WalletLookup interface {
	Lookup(ctx context.Context, number string) (*wallet.PublicView, error)
	Get(ctx context.Context, walletID string) (*wallet.PublicView, error)
	Contact(ctx context.Context, walletID string) (string, error)
}

type PinValidator interface {
	Validate(ctx context.Context, walletID, pin string) (bool, error)
}

type FeeCalculator interface {
	Compute(ctx context.Context, amount decimal.Decimal, currency string) (decimal.Decimal, error)
}

// LedgerWriter commits a transfer and its entries atomically. A repeated
// idempotency key returns the original posting with Replayed set.
type LedgerWriter interface {
	Commit(ctx context.Context, tx *ledger.Transaction) (*ledger.Posting, error)
}

type Notifier interface {
	SendTransactionNotice(ctx context.Context, recipient, message string) notify.Result
}

type ReceiptGenerator interface {
	Generate(ctx context.Context, reference string) (*receipt.Artifact, error)
	Locator(reference string) string
}
