package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/example/wallet-core/internal/clock"
	"github.com/example/wallet-core/internal/metrics"
	"github.com/example/wallet-core/internal/paymentlog"
	"github.com/example/wallet-core/internal/provider/sms"
)

const otpTemplate = "Your wallet verification code is %s. Do not share it with anyone."

// OTP codes are never written to the notification log.
var otpLogMessage = fmt.Sprintf(otpTemplate, "******")

type Option func(*Dispatcher)

func WithClock(clk clock.Clock) Option { return func(d *Dispatcher) { d.clock = clk } }

func WithLogger(l *zap.Logger) Option { return func(d *Dispatcher) { d.logger = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(d *Dispatcher) { d.metrics = m } }

// WithPaymentLog records every delivered SMS in the provider payment log,
// keyed by the provider message id.
func WithPaymentLog(l *paymentlog.Log) Option { return func(d *Dispatcher) { d.payments = l } }

// Dispatcher sends SMS and logs each attempt exactly once, whatever the
// provider does.
type Dispatcher struct {
	sender   Sender
	store    LogStore
	cost     decimal.Decimal
	clock    clock.Clock
	payments *paymentlog.Log
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

func NewDispatcher(sender Sender, store LogStore, costPerMessage decimal.Decimal, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		sender: sender,
		store:  store,
		cost:   costPerMessage,
		clock:  clock.RealClock{},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// CostPerMessage is the cost recorded against every attempt.
func (d *Dispatcher) CostPerMessage() decimal.Decimal { return d.cost }

func (d *Dispatcher) Send(ctx context.Context, recipient, message string) Result {
	return d.dispatch(ctx, KindMessage, recipient, message, 1, "")
}

func (d *Dispatcher) SendOTP(ctx context.Context, recipient, code string) Result {
	return d.dispatch(ctx, KindOTP, recipient, fmt.Sprintf(otpTemplate, code), 1, "")
}

func (d *Dispatcher) SendTransactionNotice(ctx context.Context, recipient, message string) Result {
	return d.dispatch(ctx, KindTransaction, recipient, strings.TrimSpace(message), 1, "")
}

// Resend retries a failed entry as a new attempt linked to it.
func (d *Dispatcher) Resend(ctx context.Context, failed LogEntry) Result {
	return d.dispatch(ctx, failed.Kind, failed.Recipient, failed.Message, failed.Attempt+1, failed.ID)
}

func (d *Dispatcher) CostSummary(ctx context.Context, from, to time.Time) (*CostReport, error) {
	if !to.After(from) {
		return nil, fmt.Errorf("invalid range: %s is not after %s", to.Format(time.RFC3339), from.Format(time.RFC3339))
	}
	rows, err := d.store.CostSummary(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize notification cost: %w", err)
	}
	report := &CostReport{From: from, To: to, ByStatus: rows, Total: decimal.Zero}
	for _, r := range rows {
		report.Total = report.Total.Add(r.Cost)
		report.Count += r.Count
	}
	return report, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, kind Kind, recipient, message string, attempt int, retryOf string) Result {
	entry := &LogEntry{
		ID:        uuid.NewString(),
		Recipient: strings.TrimSpace(recipient),
		Message:   loggedMessage(kind, message),
		Kind:      kind,
		Status:    StatusPending,
		Cost:      d.cost,
		Attempt:   attempt,
		RetryOf:   retryOf,
		CreatedAt: d.clock.Now(),
	}

	var delivery sms.Delivery
	var err error
	if entry.Recipient == "" {
		err = ErrEmptyRecipient
	} else {
		delivery, err = d.deliver(ctx, entry.Recipient, message)
	}

	if err != nil {
		entry.Status = StatusFailed
		entry.ErrorMessage = err.Error()
	} else {
		entry.Status = StatusSent
		entry.ProviderMessageID = delivery.MessageID
	}

	// the log write must survive a caller that has already gone away
	logCtx := context.WithoutCancel(ctx)
	logID := entry.ID
	if insertErr := d.store.Insert(logCtx, entry); insertErr != nil {
		d.logger.Error("failed to write notification log",
			zap.String("kind", string(kind)),
			zap.String("status", string(entry.Status)),
			zap.Error(insertErr))
		logID = ""
	}
	d.metrics.ObserveNotification(string(kind), string(entry.Status))

	if entry.Status == StatusSent {
		d.recordPayment(logCtx, entry)
	} else {
		d.logger.Warn("notification failed",
			zap.String("kind", string(kind)),
			zap.Int("attempt", attempt),
			zap.String("error", entry.ErrorMessage))
	}

	return Result{
		Success:   entry.Status == StatusSent,
		LogID:     logID,
		MessageID: entry.ProviderMessageID,
		Status:    entry.Status,
		Cost:      entry.Cost,
		Error:     entry.ErrorMessage,
	}
}

func loggedMessage(kind Kind, message string) string {
	if kind == KindOTP {
		return otpLogMessage
	}
	return message
}

func (d *Dispatcher) deliver(ctx context.Context, recipient, message string) (delivery sms.Delivery, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("sender panicked: %v", p)
		}
	}()
	if d.sender == nil {
		return sms.Delivery{}, errors.New("no sender configured")
	}
	return d.sender.Send(ctx, recipient, message)
}

func (d *Dispatcher) recordPayment(ctx context.Context, entry *LogEntry) {
	if d.payments == nil || entry.ProviderMessageID == "" {
		return
	}
	raw, _ := json.Marshal(map[string]string{"log_id": entry.ID, "kind": string(entry.Kind)})
	_, err := d.payments.CreateLog(ctx, "sms:"+entry.ProviderMessageID, paymentlog.Payload{
		Provider: "sms",
		Kind:     paymentlog.KindSMS,
		Phone:    entry.Recipient,
		Amount:   entry.Cost,
		Status:   string(entry.Status),
		Raw:      raw,
	})
	if err != nil && !errors.Is(err, paymentlog.ErrDuplicateReceipt) {
		d.logger.Warn("failed to record sms in payment log", zap.Error(err))
	}
}
