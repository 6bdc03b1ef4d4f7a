package notify

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/wallet-core/internal/provider/sms"
)

type Status string

const (
	StatusPending Status = "PENDING"
	StatusSent    Status = "SENT"
	StatusFailed  Status = "FAILED"
)

type Kind string

const (
	KindMessage     Kind = "MESSAGE"
	KindOTP         Kind = "OTP"
	KindTransaction Kind = "TRANSACTION"
)

var ErrEmptyRecipient = errors.New("notify: recipient is required")

// LogEntry is one delivery attempt. Entries are append-only; a resend is a
// new entry pointing at its predecessor through RetryOf.
type LogEntry struct {
	ID                string          `json:"id"`
	Recipient         string          `json:"recipient"`
	Message           string          `json:"message"`
	Kind              Kind            `json:"kind"`
	Status            Status          `json:"status"`
	Cost              decimal.Decimal `json:"cost"`
	ProviderMessageID string          `json:"provider_message_id,omitempty"`
	ErrorMessage      string          `json:"error_message,omitempty"`
	Attempt           int             `json:"attempt"`
	RetryOf           string          `json:"retry_of,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

// Result is what callers get back from a send. It never carries an error
// value; failures are reported through Status and Error.
type Result struct {
	Success   bool
	LogID     string
	MessageID string
	Status    Status
	Cost      decimal.Decimal
	Error     string
}

// StatusCost is one row of a cost report.
type StatusCost struct {
	Status Status          `json:"status"`
	Count  int             `json:"count"`
	Cost   decimal.Decimal `json:"cost"`
}

type CostReport struct {
	From     time.Time       `json:"from"`
	To       time.Time       `json:"to"`
	ByStatus []StatusCost    `json:"by_status"`
	Total    decimal.Decimal `json:"total"`
	Count    int             `json:"count"`
}

// Sender is the outbound SMS transport.
type Sender interface {
	Send(ctx context.Context, recipient, message string) (sms.Delivery, error)
}

// LogStore persists delivery attempts.
type LogStore interface {
	Insert(ctx context.Context, e *LogEntry) error
	// ListRetryable returns FAILED entries created at or after since, with
	// Attempt below maxAttempts and no later attempt referencing them.
	ListRetryable(ctx context.Context, since time.Time, maxAttempts int) ([]LogEntry, error)
	// CostSummary aggregates entries created in [from, to).
	CostSummary(ctx context.Context, from, to time.Time) ([]StatusCost, error)
}
