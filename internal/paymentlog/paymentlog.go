package paymentlog

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
)

// ErrDuplicateReceipt is returned when a natural key has already been logged.
// Callers treat it as "already processed".
var ErrDuplicateReceipt = errors.New("DUPLICATE_RECEIPT")

type Kind string

const (
	KindMpesaDeposit Kind = "MPESA_DEPOSIT"
	KindSMS          Kind = "SMS"
	KindAirtime      Kind = "AIRTIME"
)

// Payload is what a caller knows about a provider event when logging it.
type Payload struct {
	Provider string
	Kind     Kind
	Phone    string
	Amount   decimal.Decimal
	Currency string
	Status   string
	Raw      json.RawMessage
}

// Record is a stored provider payment log entry.
type Record struct {
	ID         string          `json:"id"`
	NaturalKey string          `json:"natural_key"`
	Provider   string          `json:"provider"`
	Kind       Kind            `json:"kind"`
	Phone      string          `json:"phone"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	Status     string          `json:"status"`
	Raw        json.RawMessage `json:"raw,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Store persists records with a unique constraint on NaturalKey. Insert must
// translate a constraint violation to ErrDuplicateReceipt. FindByNaturalKey
// returns (nil, nil) when nothing is stored under the key.
type Store interface {
	Insert(ctx context.Context, rec *Record) error
	FindByNaturalKey(ctx context.Context, key string) (*Record, error)
}

// Log records provider events exactly once per natural key.
type Log struct {
	store  Store
	clock  clock.Clock
	logger *zap.Logger
}

func NewLog(store Store, clk clock.Clock, logger *zap.Logger) *Log {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{store: store, clock: clk, logger: logger}
}

func (l *Log) CreateLog(ctx context.Context, naturalKey string, p Payload) (*Record, error) {
	naturalKey = strings.TrimSpace(naturalKey)
	if naturalKey == "" {
		return nil, errors.New("natural key is required")
	}
	if p.Amount.IsNegative() {
		return nil, fmt.Errorf("amount must not be negative: %s", p.Amount)
	}
	if p.Provider == "" {
		return nil, errors.New("provider is required")
	}

	rec := &Record{
		ID:         uuid.NewString(),
		NaturalKey: naturalKey,
		Provider:   p.Provider,
		Kind:       p.Kind,
		Phone:      p.Phone,
		Amount:     p.Amount.Round(2),
		Currency:   p.Currency,
		Status:     p.Status,
		Raw:        p.Raw,
		CreatedAt:  l.clock.Now(),
	}

	if err := l.store.Insert(ctx, rec); err != nil {
		if errors.Is(err, ErrDuplicateReceipt) {
			l.logger.Info("duplicate provider receipt suppressed",
				zap.String("natural_key", naturalKey),
				zap.String("provider", p.Provider))
			return nil, ErrDuplicateReceipt
		}
		return nil, fmt.Errorf("failed to log payment %s: %w", naturalKey, err)
	}
	return rec, nil
}

func (l *Log) FindByNaturalKey(ctx context.Context, key string) (*Record, error) {
	return l.store.FindByNaturalKey(ctx, strings.TrimSpace(key))
}
