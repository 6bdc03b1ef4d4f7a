package transfer

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/wallet-core/internal/clock"
	"github.com/example/wallet-core/internal/ledger"
	"github.com/example/wallet-core/internal/metrics"
	"github.com/example/wallet-core/internal/wallet"
)

const (
	ReferencePrefix          = "TF"
	DefaultPostCommitTimeout = 10 * time.Second
)

// Dependencies are the collaborators of the transfer flow.
type Dependencies struct {
	Wallets  WalletLookup
	Pins     PinValidator
	Fees     FeeCalculator
	Ledger   LedgerWriter
	Notifier Notifier
	Receipts ReceiptGenerator
	Clock    clock.Clock
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

type Options struct {
	// FeeWalletID receives the fee leg of every transfer.
	FeeWalletID       string
	DefaultCurrency   string
	PostCommitTimeout time.Duration
}

type Orchestrator struct {
	deps     Dependencies
	opts     Options
	validate *validator.Validate
	logger   *zap.Logger
}

func NewOrchestrator(deps Dependencies, opts Options) *Orchestrator {
	if deps.Clock == nil {
		deps.Clock = clock.RealClock{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if opts.PostCommitTimeout <= 0 {
		opts.PostCommitTimeout = DefaultPostCommitTimeout
	}
	if opts.DefaultCurrency == "" {
		opts.DefaultCurrency = "KES"
	}

	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &Orchestrator{deps: deps, opts: opts, validate: v, logger: deps.Logger}
}

// flow carries the state accumulated across steps of one transfer.
type flow struct {
	req      Request
	step     Step
	currency string
	sender   *wallet.PublicView
	receiver *wallet.PublicView
	fee      decimal.Decimal
	tx       *ledger.Transaction
	posting  *ledger.Posting
}

// ExecuteTransfer runs the transfer flow to a single terminal result. Steps
// before commit abort with a tagged failure; once commit succeeds the result
// is successful whatever happens to notification or receipt generation.
func (o *Orchestrator) ExecuteTransfer(ctx context.Context, req Request) (res *Result) {
	started := time.Now()
	f := &flow{req: req, step: StepValidation, fee: decimal.Zero}

	defer func() {
		if p := recover(); p != nil {
			o.logger.Error("transfer panicked",
				zap.String("step", string(f.step)),
				zap.Any("panic", p))
			if f.posting != nil {
				res = o.success(f, "")
			} else {
				res = o.failure(f, StepUnknown, MsgUnexpected)
			}
		}
		o.deps.Metrics.ObserveTransfer(res.Success, string(resultStep(res)), time.Since(started))
	}()

	if msg := o.validateRequest(&f.req); msg != "" {
		return o.failure(f, StepValidation, msg)
	}
	f.currency = f.req.Currency
	if f.currency == "" {
		f.currency = o.opts.DefaultCurrency
	}

	f.step = StepLookup
	if r := o.lookup(ctx, f); r != nil {
		return r
	}

	// The caller confirmed amount and recipient before submitting.
	f.step = StepConfirm

	f.step = StepPinValidation
	ok, err := o.deps.Pins.Validate(ctx, f.sender.WalletID, f.req.PIN)
	if err != nil {
		o.logger.Error("pin store failure", zap.String("wallet_id", f.sender.WalletID), zap.Error(err))
		return o.failure(f, StepPinValidation, MsgPINUnavailable)
	}
	if !ok {
		return o.failure(f, StepPinValidation, MsgInvalidPIN)
	}

	f.step = StepFeeCalculation
	fee, err := o.deps.Fees.Compute(ctx, f.req.Amount, f.currency)
	if err != nil || fee.IsNegative() {
		o.logger.Error("fee calculation failed", zap.Error(err), zap.String("fee", fee.String()))
		return o.failure(f, StepFeeCalculation, MsgFeeUnavailable)
	}
	f.fee = fee

	f.step = StepTransactionCreation
	f.tx = o.newTransaction(f)

	f.step = StepLedgerEntries
	f.tx.Entries = o.buildEntries(f)
	if check := ledger.ValidateDoubleEntry(f.tx.Entries); !check.IsValid {
		o.logger.Error("unbalanced transfer entries", zap.String("reference", f.tx.Reference), zap.String("reason", check.Message))
		return o.failure(f, StepLedgerEntries, MsgUnbalanced)
	}

	f.step = StepCommit
	// commit is the point of no return; a caller that goes away must not cut it short
	posting, err := o.deps.Ledger.Commit(context.WithoutCancel(ctx), f.tx)
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			return o.failure(f, StepCommit, MsgInsufficientBalance)
		}
		if errors.Is(err, ledger.ErrIdempotencyConflict) {
			o.logger.Warn("idempotency key reused",
				zap.String("sender_wallet_id", f.req.SenderWalletID),
				zap.String("idempotency_key", f.req.IdempotencyKey))
			return o.failure(f, StepCommit, MsgIdempotencyConflict)
		}
		o.logger.Error("transfer commit failed", zap.String("reference", f.tx.Reference), zap.Error(err))
		return o.failure(f, StepCommit, MsgCommitFailed)
	}
	f.posting = posting

	if posting.Replayed {
		o.logger.Info("transfer replayed",
			zap.String("idempotency_key", f.req.IdempotencyKey),
			zap.String("reference", posting.Transaction.Reference))
		return o.success(f, o.deps.Receipts.Locator(posting.Transaction.Reference))
	}

	return o.success(f, o.postCommit(ctx, f))
}

func (o *Orchestrator) validateRequest(req *Request) string {
	req.SenderWalletID = strings.TrimSpace(req.SenderWalletID)
	req.ReceiverWalletNumber = strings.TrimSpace(req.ReceiverWalletNumber)
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)

	if err := o.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag())
		}
		return "invalid transfer request"
	}
	if !req.Amount.IsPositive() {
		return "amount must be greater than zero"
	}
	if req.Amount.Exponent() < -2 && !req.Amount.Equal(req.Amount.Round(2)) {
		return "amount must have at most 2 decimal places"
	}
	return ""
}

func (o *Orchestrator) lookup(ctx context.Context, f *flow) *Result {
	receiver, err := o.deps.Wallets.Lookup(ctx, f.req.ReceiverWalletNumber)
	if err != nil {
		return o.lookupFailure(f, "Receiver", MsgReceiverNotFound, err)
	}
	sender, err := o.deps.Wallets.Get(ctx, f.req.SenderWalletID)
	if err != nil {
		return o.lookupFailure(f, "Sender", MsgSenderNotFound, err)
	}
	if sender.WalletID == receiver.WalletID {
		return o.failure(f, StepLookup, MsgSameWallet)
	}
	f.sender, f.receiver = sender, receiver
	return nil
}

func (o *Orchestrator) lookupFailure(f *flow, party, notFound string, err error) *Result {
	var disq *wallet.DisqualifiedError
	switch {
	case errors.Is(err, wallet.ErrWalletNotFound):
		return o.failure(f, StepLookup, notFound)
	case errors.As(err, &disq):
		return o.failure(f, StepLookup, fmt.Sprintf("%s wallet is %s", party, strings.ToLower(string(disq.State))))
	default:
		o.logger.Error("wallet lookup failed", zap.String("party", party), zap.Error(err))
		return o.failure(f, StepLookup, MsgLookupUnavailable)
	}
}

func (o *Orchestrator) newTransaction(f *flow) *ledger.Transaction {
	return &ledger.Transaction{
		ID:               uuid.NewString(),
		Reference:        ReferencePrefix + ulid.Make().String(),
		IdempotencyKey:   f.req.IdempotencyKey,
		SenderWalletID:   f.sender.WalletID,
		ReceiverWalletID: f.receiver.WalletID,
		Amount:           f.req.Amount,
		Fee:              f.fee,
		Total:            f.req.Amount.Add(f.fee),
		Currency:         f.currency,
		Status:           ledger.StatusCompleted,
		CreatedAt:        o.deps.Clock.Now(),
	}
}

func (o *Orchestrator) buildEntries(f *flow) []ledger.Entry {
	tx := f.tx
	desc := f.req.Description
	if desc == "" {
		desc = "Transfer " + tx.Reference
	}
	entry := func(walletID string, typ ledger.EntryType, amount decimal.Decimal, description string) ledger.Entry {
		return ledger.Entry{
			ID:            uuid.NewString(),
			TransactionID: tx.ID,
			WalletID:      walletID,
			Currency:      tx.Currency,
			Type:          typ,
			Amount:        amount,
			Description:   description,
			CreatedAt:     tx.CreatedAt,
		}
	}

	entries := []ledger.Entry{
		entry(tx.SenderWalletID, ledger.EntryDebit, tx.Amount, desc),
		entry(tx.ReceiverWalletID, ledger.EntryCredit, tx.Amount, desc),
	}
	if tx.Fee.IsPositive() {
		feeDesc := "Transfer fee " + tx.Reference
		entries = append(entries,
			entry(tx.SenderWalletID, ledger.EntryDebit, tx.Fee, feeDesc),
			entry(o.opts.FeeWalletID, ledger.EntryCredit, tx.Fee, feeDesc),
		)
	}
	return entries
}

// postCommit sends both notices and generates the receipt concurrently. It
// returns the receipt locator, or "" if generation failed.
func (o *Orchestrator) postCommit(ctx context.Context, f *flow) string {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.opts.PostCommitTimeout)
	defer cancel()

	tx := f.posting.Transaction
	var receiptURL string

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		o.guard(StepNotify, tx.Reference, func() { o.notify(gctx, f) })
		return nil
	})
	g.Go(func() error {
		o.guard(StepReceipt, tx.Reference, func() {
			artifact, err := o.deps.Receipts.Generate(gctx, tx.Reference)
			if err != nil {
				o.logger.Warn("receipt generation failed", zap.String("reference", tx.Reference), zap.Error(err))
				return
			}
			receiptURL = artifact.Locator
			if receiptURL == "" {
				receiptURL = o.deps.Receipts.Locator(tx.Reference)
			}
		})
		return nil
	})
	_ = g.Wait()
	return receiptURL
}

// guard keeps a panic in a best-effort step from taking down the process.
func (o *Orchestrator) guard(step Step, reference string, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			o.logger.Error("post-commit step panicked",
				zap.String("step", string(step)),
				zap.String("reference", reference),
				zap.Any("panic", p))
		}
	}()
	fn()
}

func (o *Orchestrator) notify(ctx context.Context, f *flow) {
	tx := f.posting.Transaction
	cur := tx.Currency

	senderMsg := fmt.Sprintf("You sent %s %s to %s. Fee %s %s. Ref %s. New balance %s %s.",
		cur, tx.Amount.StringFixed(2), f.receiver.Number,
		cur, tx.Fee.StringFixed(2), tx.Reference,
		cur, f.posting.SenderBalance.StringFixed(2))
	receiverMsg := fmt.Sprintf("You received %s %s from %s. Ref %s. New balance %s %s.",
		cur, tx.Amount.StringFixed(2), f.sender.Number, tx.Reference,
		cur, f.posting.ReceiverBalance.StringFixed(2))

	for _, n := range []struct {
		walletID string
		message  string
	}{
		{f.sender.WalletID, senderMsg},
		{f.receiver.WalletID, receiverMsg},
	} {
		phone, err := o.deps.Wallets.Contact(ctx, n.walletID)
		if err != nil {
			o.logger.Warn("no contact for transfer notice", zap.String("wallet_id", n.walletID), zap.Error(err))
			continue
		}
		o.deps.Notifier.SendTransactionNotice(ctx, phone, n.message)
	}
}

func (o *Orchestrator) success(f *flow, receiptURL string) *Result {
	tx := f.posting.Transaction
	return &Result{
		Success:              true,
		TransactionID:        tx.ID,
		TransactionReference: tx.Reference,
		Currency:             tx.Currency,
		Amount:               tx.Amount,
		Fee:                  tx.Fee,
		TotalAmount:          tx.Total,
		SenderNewBalance:     f.posting.SenderBalance,
		ReceiverNewBalance:   f.posting.ReceiverBalance,
		ReceiptURL:           receiptURL,
		Replayed:             f.posting.Replayed,
	}
}

func (o *Orchestrator) failure(f *flow, step Step, msg string) *Result {
	o.logger.Info("transfer rejected",
		zap.String("step", string(step)),
		zap.String("reason", msg),
		zap.String("sender_wallet_id", f.req.SenderWalletID))
	return &Result{
		Success:            false,
		Currency:           f.currency,
		Amount:             f.req.Amount,
		Fee:                f.fee,
		TotalAmount:        f.req.Amount.Add(f.fee),
		SenderNewBalance:   decimal.Zero,
		ReceiverNewBalance: decimal.Zero,
		Error:              msg,
		Step:               step,
	}
}

func resultStep(r *Result) Step {
	if r.Success {
		return StepReceipt
	}
	return r.Step
}
