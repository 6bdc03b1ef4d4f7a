package transfer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/wallet-core/internal/clock"
	"github.com/example/wallet-core/internal/fees"
	"github.com/example/wallet-core/internal/ledger"
	"github.com/example/wallet-core/internal/metrics"
	"github.com/example/wallet-core/internal/notify"
	"github.com/example/wallet-core/internal/provider/sms"
	"github.com/example/wallet-core/internal/receipt"
	"github.com/example/wallet-core/internal/wallet"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type recordingSender struct {
	mu   sync.Mutex
	sent map[string][]string
	err  error
}

func (r *recordingSender) Send(ctx context.Context, recipient, message string) (sms.Delivery, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return sms.Delivery{}, r.err
	}
	if r.sent == nil {
		r.sent = map[string][]string{}
	}
	r.sent[recipient] = append(r.sent[recipient], message)
	return sms.Delivery{MessageID: uuid.NewString()}, nil
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, msgs := range r.sent {
		n += len(msgs)
	}
	return n
}

type failingReceipts struct{}

func (failingReceipts) Generate(ctx context.Context, reference string) (*receipt.Artifact, error) {
	return nil, errors.New("renderer offline")
}

func (failingReceipts) Locator(reference string) string { return "/receipts/" + reference }

type panickingNotifier struct{}

func (panickingNotifier) SendTransactionNotice(ctx context.Context, recipient, message string) notify.Result {
	panic("notifier bug")
}

type brokenLedger struct{ err error }

func (b brokenLedger) Commit(ctx context.Context, tx *ledger.Transaction) (*ledger.Posting, error) {
	return nil, b.err
}

type countingPins struct {
	PinValidator
	calls int32
}

func (c *countingPins) Validate(ctx context.Context, walletID, pin string) (bool, error) {
	atomic.AddInt32(&c.calls, 1)
	return c.PinValidator.Validate(ctx, walletID, pin)
}

type harness struct {
	orch     *Orchestrator
	deps     Dependencies
	repo     *wallet.MemoryRepository
	store    *ledger.MemoryStore
	ledger   *ledger.Service
	sender   *recordingSender
	notices  *notify.MemoryStore
	pins     *countingPins
	registry *prometheus.Registry
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	repo := wallet.NewMemoryRepository()
	hash, err := wallet.HashPIN("1234")
	require.NoError(t, err)

	for _, w := range []wallet.Wallet{
		{ID: "alice", Number: "WLT00000001", Type: wallet.TypeUser, OwnerName: "Alice Njeri", Phone: "+254711000001", State: wallet.StateActive, KYCStatus: wallet.KYCVerified},
		{ID: "bob", Number: "WLT00000002", Type: wallet.TypeUser, OwnerName: "Bob Otieno", Phone: "+254711000002", State: wallet.StateActive, KYCStatus: wallet.KYCVerified},
		{ID: "carol", Number: "AGT00000003", Type: wallet.TypeAgent, OwnerName: "Carol Stores", Phone: "+254711000003", State: wallet.StateActive, KYCStatus: wallet.KYCVerified},
	} {
		require.NoError(t, repo.Add(w, hash))
	}

	store := ledger.NewMemoryStore()
	svc := ledger.NewService(store, nil)
	clk := clock.NewManual(time.Date(2024, 7, 1, 10, 0, 0, 0, time.UTC))

	sender := &recordingSender{}
	notices := notify.NewMemoryStore()
	dispatcher := notify.NewDispatcher(sender, notices, d("1.0"), notify.WithClock(clk))
	pins := &countingPins{PinValidator: wallet.NewPinVerifier(repo)}
	reg := prometheus.NewRegistry()

	deps := Dependencies{
		Wallets:  wallet.NewDirectory(repo, nil),
		Pins:     pins,
		Fees:     fees.FlatRate{Percent: d("1")},
		Ledger:   svc,
		Notifier: dispatcher,
		Receipts: receipt.NewGenerator(svc, "https://wallet.example.com/v1/receipts", clk, nil),
		Clock:    clk,
		Metrics:  metrics.New(reg),
	}
	h := &harness{
		deps: deps, repo: repo, store: store, ledger: svc,
		sender: sender, notices: notices, pins: pins, registry: reg,
	}
	h.orch = NewOrchestrator(deps, Options{FeeWalletID: "SYS-FEES", DefaultCurrency: "KES"})
	h.fund(t, "alice", "5000")
	return h
}

func (h *harness) fund(t *testing.T, walletID, amount string) {
	t.Helper()
	id := uuid.NewString()
	amt := d(amount)
	now := time.Now().UTC()
	tx := &ledger.Transaction{
		ID: id, Reference: "FUND" + id[:8], SenderWalletID: "SYS-FLOAT", ReceiverWalletID: walletID,
		Amount: amt, Fee: decimal.Zero, Total: amt, Currency: "KES", CreatedAt: now, AllowOverdraft: true,
		Entries: []ledger.Entry{
			{ID: uuid.NewString(), TransactionID: id, WalletID: "SYS-FLOAT", Currency: "KES", Type: ledger.EntryDebit, Amount: amt, CreatedAt: now},
			{ID: uuid.NewString(), TransactionID: id, WalletID: walletID, Currency: "KES", Type: ledger.EntryCredit, Amount: amt, CreatedAt: now},
		},
	}
	_, err := h.store.Commit(context.Background(), tx)
	require.NoError(t, err)
}

func (h *harness) balance(t *testing.T, walletID string) decimal.Decimal {
	t.Helper()
	b, err := h.ledger.Balance(context.Background(), walletID, "KES")
	require.NoError(t, err)
	return b
}

func request(amount string) Request {
	return Request{
		SenderWalletID:       "alice",
		ReceiverWalletNumber: "WLT00000002",
		Amount:               d(amount),
		PIN:                  "1234",
	}
}

func TestExecuteTransfer_Success(t *testing.T) {
	h := newHarness(t)

	res := h.orch.ExecuteTransfer(context.Background(), request("1000"))
	require.True(t, res.Success, res.Error)

	assert.NotEmpty(t, res.TransactionID)
	assert.True(t, strings.HasPrefix(res.TransactionReference, "TF"))
	assert.True(t, d("1000").Equal(res.Amount))
	assert.True(t, d("10").Equal(res.Fee))
	assert.True(t, d("1010").Equal(res.TotalAmount))
	assert.True(t, d("3990").Equal(res.SenderNewBalance))
	assert.True(t, d("1000").Equal(res.ReceiverNewBalance))
	assert.Equal(t, "https://wallet.example.com/v1/receipts/"+res.TransactionReference, res.ReceiptURL)
	assert.Empty(t, res.Error)
	assert.Empty(t, res.Step)

	assert.True(t, d("3990").Equal(h.balance(t, "alice")))
	assert.True(t, d("1000").Equal(h.balance(t, "bob")))
	assert.True(t, d("10").Equal(h.balance(t, "SYS-FEES")))
}

func TestExecuteTransfer_SendsExactlyTwoNotices(t *testing.T) {
	h := newHarness(t)

	res := h.orch.ExecuteTransfer(context.Background(), request("1000"))
	require.True(t, res.Success)

	require.Equal(t, 2, h.sender.count())
	senderMsg := h.sender.sent["+254711000001"][0]
	assert.Contains(t, senderMsg, "KES 1000.00")
	assert.Contains(t, senderMsg, "Fee KES 10.00")
	assert.Contains(t, senderMsg, res.TransactionReference)
	assert.Contains(t, senderMsg, "New balance KES 3990.00")

	receiverMsg := h.sender.sent["+254711000002"][0]
	assert.Contains(t, receiverMsg, "You received KES 1000.00")
	assert.Contains(t, receiverMsg, "New balance KES 1000.00")

	entries := h.notices.All()
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, notify.KindTransaction, e.Kind)
		assert.Equal(t, notify.StatusSent, e.Status)
	}
}

func TestExecuteTransfer_ReceiverNotFound(t *testing.T) {
	h := newHarness(t)

	req := request("100")
	req.ReceiverWalletNumber = "WLT99999999"
	res := h.orch.ExecuteTransfer(context.Background(), req)

	assert.False(t, res.Success)
	assert.Equal(t, StepLookup, res.Step)
	assert.Equal(t, MsgReceiverNotFound, res.Error)
	assert.Equal(t, int32(0), atomic.LoadInt32(&h.pins.calls))
	assert.True(t, d("5000").Equal(h.balance(t, "alice")))
}

func TestExecuteTransfer_DisqualifiedReceiver(t *testing.T) {
	for _, state := range []wallet.State{wallet.StateLocked, wallet.StateFrozen, wallet.StateSuspended} {
		t.Run(string(state), func(t *testing.T) {
			h := newHarness(t)
			require.NoError(t, h.repo.SetState("bob", state))

			res := h.orch.ExecuteTransfer(context.Background(), request("100"))
			assert.False(t, res.Success)
			assert.Equal(t, StepLookup, res.Step)
			assert.Equal(t, "Receiver wallet is "+strings.ToLower(string(state)), res.Error)
			assert.NotEqual(t, MsgReceiverNotFound, res.Error)
		})
	}
}

func TestExecuteTransfer_SenderProblems(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.repo.SetState("alice", wallet.StateFrozen))

	res := h.orch.ExecuteTransfer(context.Background(), request("100"))
	assert.Equal(t, StepLookup, res.Step)
	assert.Equal(t, "Sender wallet is frozen", res.Error)

	req := request("100")
	req.SenderWalletID = "nobody"
	res = h.orch.ExecuteTransfer(context.Background(), req)
	assert.Equal(t, StepLookup, res.Step)
	assert.Equal(t, MsgSenderNotFound, res.Error)
}

func TestExecuteTransfer_SameWallet(t *testing.T) {
	h := newHarness(t)
	req := request("100")
	req.ReceiverWalletNumber = "WLT00000001"

	res := h.orch.ExecuteTransfer(context.Background(), req)
	assert.Equal(t, StepLookup, res.Step)
	assert.Equal(t, MsgSameWallet, res.Error)
}

func TestExecuteTransfer_InvalidPIN(t *testing.T) {
	for _, pin := range []string{"12", "abcd", "12345", "", "9999"} {
		t.Run(pin, func(t *testing.T) {
			h := newHarness(t)
			req := request("100")
			req.PIN = pin

			res := h.orch.ExecuteTransfer(context.Background(), req)
			assert.False(t, res.Success)
			assert.Equal(t, StepPinValidation, res.Step)
			assert.Equal(t, MsgInvalidPIN, res.Error)
			assert.True(t, res.Fee.IsZero())
			assert.True(t, d("5000").Equal(h.balance(t, "alice")))
			assert.Equal(t, 0, h.sender.count())
		})
	}
}

func TestExecuteTransfer_InsufficientBalance(t *testing.T) {
	h := newHarness(t)

	res := h.orch.ExecuteTransfer(context.Background(), request("4990"))
	assert.False(t, res.Success)
	assert.Equal(t, StepCommit, res.Step)
	assert.Equal(t, MsgInsufficientBalance, res.Error)
	assert.True(t, d("49.90").Equal(res.Fee))

	assert.True(t, d("5000").Equal(h.balance(t, "alice")))
	assert.True(t, h.balance(t, "bob").IsZero())
	assert.Equal(t, 0, h.sender.count())
}

func TestExecuteTransfer_CommitFailure(t *testing.T) {
	h := newHarness(t)
	h.deps.Ledger = brokenLedger{err: errors.New("connection reset")}
	orch := NewOrchestrator(h.deps, Options{FeeWalletID: "SYS-FEES"})

	res := orch.ExecuteTransfer(context.Background(), request("100"))
	assert.Equal(t, StepCommit, res.Step)
	assert.Equal(t, MsgCommitFailed, res.Error)
}

func TestExecuteTransfer_Validation(t *testing.T) {
	h := newHarness(t)
	cases := map[string]func(r *Request){
		"zero amount":     func(r *Request) { r.Amount = decimal.Zero },
		"negative amount": func(r *Request) { r.Amount = d("-5") },
		"fractional cent": func(r *Request) { r.Amount = d("10.005") },
		"missing sender":  func(r *Request) { r.SenderWalletID = " " },
		"missing target":  func(r *Request) { r.ReceiverWalletNumber = "" },
		"bad currency":    func(r *Request) { r.Currency = "kes" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := request("100")
			mutate(&req)
			res := h.orch.ExecuteTransfer(context.Background(), req)
			assert.False(t, res.Success)
			assert.Equal(t, StepValidation, res.Step)
			assert.NotEmpty(t, res.Error)
		})
	}
	assert.Equal(t, int32(0), atomic.LoadInt32(&h.pins.calls))
}

func TestExecuteTransfer_NoFeeLegsWhenFeeIsZero(t *testing.T) {
	h := newHarness(t)
	h.deps.Fees = fees.FlatRate{Percent: decimal.Zero}
	orch := NewOrchestrator(h.deps, Options{FeeWalletID: "SYS-FEES"})

	res := orch.ExecuteTransfer(context.Background(), request("100"))
	require.True(t, res.Success)

	tx, err := h.ledger.FindByReference(context.Background(), res.TransactionReference)
	require.NoError(t, err)
	assert.Len(t, tx.Entries, 2)
	assert.True(t, h.balance(t, "SYS-FEES").IsZero())
}

func TestExecuteTransfer_IdempotentReplay(t *testing.T) {
	h := newHarness(t)
	req := request("1000")
	req.IdempotencyKey = "client-retry-1"

	first := h.orch.ExecuteTransfer(context.Background(), req)
	require.True(t, first.Success)
	require.Equal(t, 2, h.sender.count())

	// later activity must not change the replayed balances
	h.fund(t, "alice", "100")

	second := h.orch.ExecuteTransfer(context.Background(), req)
	require.True(t, second.Success)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.TransactionID, second.TransactionID)
	assert.Equal(t, first.TransactionReference, second.TransactionReference)
	assert.True(t, first.SenderNewBalance.Equal(second.SenderNewBalance))
	assert.True(t, first.ReceiverNewBalance.Equal(second.ReceiverNewBalance))
	assert.Equal(t, first.ReceiptURL, second.ReceiptURL)

	assert.Equal(t, 2, h.sender.count())
	assert.True(t, d("4090").Equal(h.balance(t, "alice")))
}

func TestExecuteTransfer_SameKeyFromAnotherSender(t *testing.T) {
	h := newHarness(t)
	h.fund(t, "carol", "5000")

	mine := request("1000")
	mine.IdempotencyKey = "retry-1"
	first := h.orch.ExecuteTransfer(context.Background(), mine)
	require.True(t, first.Success, first.Error)

	theirs := request("300")
	theirs.SenderWalletID = "carol"
	theirs.IdempotencyKey = "retry-1"
	second := h.orch.ExecuteTransfer(context.Background(), theirs)
	require.True(t, second.Success, second.Error)
	assert.False(t, second.Replayed)
	assert.NotEqual(t, first.TransactionID, second.TransactionID)
	assert.True(t, d("300").Equal(second.Amount))
	assert.True(t, d("4697").Equal(second.SenderNewBalance))

	assert.True(t, d("3990").Equal(h.balance(t, "alice")))
	assert.True(t, d("4697").Equal(h.balance(t, "carol")))
	assert.True(t, d("1300").Equal(h.balance(t, "bob")))
}

func TestExecuteTransfer_SameKeyForDifferentTransfer(t *testing.T) {
	cases := map[string]func(r *Request){
		"different amount":   func(r *Request) { r.Amount = d("999") },
		"different receiver": func(r *Request) { r.ReceiverWalletNumber = "AGT00000003" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			req := request("1000")
			req.IdempotencyKey = "retry-1"
			first := h.orch.ExecuteTransfer(context.Background(), req)
			require.True(t, first.Success, first.Error)

			mutate(&req)
			res := h.orch.ExecuteTransfer(context.Background(), req)
			assert.False(t, res.Success)
			assert.False(t, res.Replayed)
			assert.Equal(t, StepCommit, res.Step)
			assert.Equal(t, MsgIdempotencyConflict, res.Error)

			assert.True(t, d("3990").Equal(h.balance(t, "alice")))
			assert.True(t, d("1000").Equal(h.balance(t, "bob")))
			assert.True(t, h.balance(t, "carol").IsZero())
			assert.Equal(t, 2, h.sender.count())
		})
	}
}

func TestExecuteTransfer_PostCommitFailuresDoNotFailTransfer(t *testing.T) {
	h := newHarness(t)
	h.sender.err = errors.New("gateway down")
	h.deps.Receipts = failingReceipts{}
	orch := NewOrchestrator(h.deps, Options{FeeWalletID: "SYS-FEES"})

	res := orch.ExecuteTransfer(context.Background(), request("1000"))
	require.True(t, res.Success)
	assert.Empty(t, res.ReceiptURL)
	assert.True(t, d("3990").Equal(h.balance(t, "alice")))

	entries := h.notices.All()
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, notify.StatusFailed, e.Status)
	}
}

func TestExecuteTransfer_PanickingNotifierIsContained(t *testing.T) {
	h := newHarness(t)
	h.deps.Notifier = panickingNotifier{}
	orch := NewOrchestrator(h.deps, Options{FeeWalletID: "SYS-FEES"})

	var res *Result
	require.NotPanics(t, func() { res = orch.ExecuteTransfer(context.Background(), request("100")) })
	assert.True(t, res.Success)
	assert.NotEmpty(t, res.ReceiptURL)
}

type panickingFees struct{}

func (panickingFees) Compute(ctx context.Context, amount decimal.Decimal, currency string) (decimal.Decimal, error) {
	panic("bad tier table")
}

func TestExecuteTransfer_PanicBeforeCommitIsUnknown(t *testing.T) {
	h := newHarness(t)
	h.deps.Fees = panickingFees{}
	orch := NewOrchestrator(h.deps, Options{FeeWalletID: "SYS-FEES"})

	res := orch.ExecuteTransfer(context.Background(), request("100"))
	assert.False(t, res.Success)
	assert.Equal(t, StepUnknown, res.Step)
	assert.True(t, d("5000").Equal(h.balance(t, "alice")))
}

func TestExecuteTransfer_CanceledContextStillCommits(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())

	h.deps.Ledger = cancelThenCommit{next: h.ledger, cancel: cancel}
	orch := NewOrchestrator(h.deps, Options{FeeWalletID: "SYS-FEES"})

	res := orch.ExecuteTransfer(ctx, request("100"))
	require.True(t, res.Success)
	assert.True(t, d("4899").Equal(h.balance(t, "alice")))
}

// cancelThenCommit cancels the caller's context just before delegating, the
// way a client disconnect would land mid-request.
type cancelThenCommit struct {
	next   LedgerWriter
	cancel context.CancelFunc
}

func (c cancelThenCommit) Commit(ctx context.Context, tx *ledger.Transaction) (*ledger.Posting, error) {
	c.cancel()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return c.next.Commit(ctx, tx)
}

func TestExecuteTransfer_ConcurrentTransfersSerialize(t *testing.T) {
	h := newHarness(t)

	var wg sync.WaitGroup
	results := make([]*Result, 10)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = h.orch.ExecuteTransfer(context.Background(), request("1000"))
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, r := range results {
		if r.Success {
			ok++
		} else {
			assert.Equal(t, MsgInsufficientBalance, r.Error)
		}
	}
	assert.Equal(t, 4, ok)
	assert.True(t, d("960").Equal(h.balance(t, "alice")))
}
