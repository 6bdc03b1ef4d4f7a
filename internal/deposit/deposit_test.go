package deposit

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/wallet-core/internal/clock"
	"github.com/example/wallet-core/internal/ledger"
	"github.com/example/wallet-core/internal/wallet"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func setup(t *testing.T) (*Crediter, *ledger.Service, *wallet.MemoryRepository) {
	t.Helper()
	repo := wallet.NewMemoryRepository()
	require.NoError(t, repo.Add(wallet.Wallet{
		ID: "alice", Number: "WLT00000001", Type: wallet.TypeUser, OwnerName: "Alice Njeri",
		Phone: "+254711000001", State: wallet.StateActive, KYCStatus: wallet.KYCVerified,
	}, ""))
	require.NoError(t, repo.Add(wallet.Wallet{
		ID: "dave", Number: "WLT00000004", Type: wallet.TypeUser, OwnerName: "Dave Kamau",
		Phone: "+254711000004", State: wallet.StateFrozen, KYCStatus: wallet.KYCVerified,
	}, ""))

	svc := ledger.NewService(ledger.NewMemoryStore(), nil)
	clk := clock.NewManual(time.Date(2024, 7, 1, 10, 0, 0, 0, time.UTC))
	return NewCrediter(wallet.NewDirectory(repo, nil), svc, "SYS-FLOAT", clk, nil), svc, repo
}

func TestCredit_MovesFloatIntoPayerWallet(t *testing.T) {
	c, svc, _ := setup(t)
	ctx := context.Background()

	posting, err := c.Credit(ctx, Deposit{ReceiptNumber: "NLJ7RT61SV", Phone: "254711000001", Amount: d("250"), Currency: "KES"})
	require.NoError(t, err)
	assert.False(t, posting.Replayed)
	assert.True(t, strings.HasPrefix(posting.Transaction.Reference, ReferencePrefix))
	assert.Equal(t, "SYS-FLOAT", posting.Transaction.SenderWalletID)
	assert.True(t, d("250").Equal(posting.ReceiverBalance))

	balance, err := svc.Balance(ctx, "alice", "KES")
	require.NoError(t, err)
	assert.True(t, d("250").Equal(balance))

	float, err := svc.Balance(ctx, "SYS-FLOAT", "KES")
	require.NoError(t, err)
	assert.True(t, d("-250").Equal(float))
}

func TestCredit_RedeliveredReceiptReplays(t *testing.T) {
	c, svc, _ := setup(t)
	ctx := context.Background()
	dep := Deposit{ReceiptNumber: "NLJ7RT61SV", Phone: "254711000001", Amount: d("250"), Currency: "KES"}

	first, err := c.Credit(ctx, dep)
	require.NoError(t, err)
	second, err := c.Credit(ctx, dep)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Transaction.Reference, second.Transaction.Reference)

	balance, err := svc.Balance(ctx, "alice", "KES")
	require.NoError(t, err)
	assert.True(t, d("250").Equal(balance))
}

func TestCredit_UnmatchedPayersPostNothing(t *testing.T) {
	c, svc, _ := setup(t)
	ctx := context.Background()

	_, err := c.Credit(ctx, Deposit{ReceiptNumber: "R1", Phone: "254799999999", Amount: d("10"), Currency: "KES"})
	assert.ErrorIs(t, err, wallet.ErrWalletNotFound)

	_, err = c.Credit(ctx, Deposit{ReceiptNumber: "R2", Phone: "254711000004", Amount: d("10"), Currency: "KES"})
	var disq *wallet.DisqualifiedError
	assert.True(t, errors.As(err, &disq))

	float, err := svc.Balance(ctx, "SYS-FLOAT", "KES")
	require.NoError(t, err)
	assert.True(t, float.IsZero())
}

func TestCredit_RejectsInvalidDeposit(t *testing.T) {
	c, _, _ := setup(t)
	ctx := context.Background()

	_, err := c.Credit(ctx, Deposit{Phone: "254711000001", Amount: d("10"), Currency: "KES"})
	assert.ErrorIs(t, err, ErrInvalidDeposit)
	_, err = c.Credit(ctx, Deposit{ReceiptNumber: "R3", Phone: "254711000001", Amount: decimal.Zero, Currency: "KES"})
	assert.ErrorIs(t, err, ErrInvalidDeposit)
}
