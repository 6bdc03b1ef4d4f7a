package deposit

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/example/wallet-core/internal/clock"
	"github.com/example/wallet-core/internal/ledger"
	"github.com/example/wallet-core/internal/wallet"
)

// ReferencePrefix marks deposit postings in the ledger.
const ReferencePrefix = "DP"

var ErrInvalidDeposit = errors.New("deposit needs a receipt number and a positive amount")

// Wallets resolves the wallet a mobile-money payer owns.
type Wallets interface {
	ByPhone(ctx context.Context, phone string) (*wallet.PublicView, error)
}

type Ledger interface {
	Commit(ctx context.Context, tx *ledger.Transaction) (*ledger.Posting, error)
}

// Deposit is a confirmed inbound payment from the mobile-money provider.
type Deposit struct {
	ReceiptNumber string
	Phone         string
	Amount        decimal.Decimal
	Currency      string
}

// Crediter moves confirmed deposits from the float wallet into the payer's
// wallet. The provider receipt number is the idempotency key, so a redelivered
// callback replays the original posting.
type Crediter struct {
	wallets       Wallets
	ledger        Ledger
	floatWalletID string
	clock         clock.Clock
	logger        *zap.Logger
}

func NewCrediter(wallets Wallets, l Ledger, floatWalletID string, clk clock.Clock, logger *zap.Logger) *Crediter {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Crediter{wallets: wallets, ledger: l, floatWalletID: floatWalletID, clock: clk, logger: logger}
}

// Credit posts d against the float. Unknown or disqualified payers surface as
// wallet.ErrWalletNotFound or *wallet.DisqualifiedError and nothing is posted.
func (c *Crediter) Credit(ctx context.Context, d Deposit) (*ledger.Posting, error) {
	if d.ReceiptNumber == "" || !d.Amount.IsPositive() {
		return nil, ErrInvalidDeposit
	}

	payer, err := c.wallets.ByPhone(ctx, d.Phone)
	if err != nil {
		return nil, err
	}

	tx := c.newTransaction(payer.WalletID, d)
	posting, err := c.ledger.Commit(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("failed to credit deposit %s: %w", d.ReceiptNumber, err)
	}

	c.logger.Info("deposit credited",
		zap.String("receipt_number", d.ReceiptNumber),
		zap.String("wallet_id", payer.WalletID),
		zap.String("reference", posting.Transaction.Reference),
		zap.Bool("replayed", posting.Replayed))
	return posting, nil
}

func (c *Crediter) newTransaction(walletID string, d Deposit) *ledger.Transaction {
	id := uuid.NewString()
	now := c.clock.Now()
	ref := ReferencePrefix + ulid.Make().String()
	desc := "M-Pesa deposit " + d.ReceiptNumber

	entry := func(account string, typ ledger.EntryType) ledger.Entry {
		return ledger.Entry{
			ID:            uuid.NewString(),
			TransactionID: id,
			WalletID:      account,
			Currency:      d.Currency,
			Type:          typ,
			Amount:        d.Amount,
			Description:   desc,
			CreatedAt:     now,
		}
	}

	return &ledger.Transaction{
		ID:               id,
		Reference:        ref,
		IdempotencyKey:   "mpesa:" + d.ReceiptNumber,
		SenderWalletID:   c.floatWalletID,
		ReceiverWalletID: walletID,
		Amount:           d.Amount,
		Fee:              decimal.Zero,
		Total:            d.Amount,
		Currency:         d.Currency,
		Status:           ledger.StatusCompleted,
		CreatedAt:        now,
		AllowOverdraft:   true,
		Entries: []ledger.Entry{
			entry(c.floatWalletID, ledger.EntryDebit),
			entry(walletID, ledger.EntryCredit),
		},
	}
}
