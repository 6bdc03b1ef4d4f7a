package fees

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/example/wallet-core/internal/config"
)

var (
	hundred = decimal.NewFromInt(100)

	ErrNegativeAmount = errors.New("amount must not be negative")
)

// Calculator prices a transfer of amount in currency.
type Calculator interface {
	Compute(ctx context.Context, amount decimal.Decimal, currency string) (decimal.Decimal, error)
}

// FlatRate charges a fixed percentage of the amount, rounded to cents.
type FlatRate struct {
	Percent decimal.Decimal
}

func (f FlatRate) Compute(_ context.Context, amount decimal.Decimal, _ string) (decimal.Decimal, error) {
	if amount.IsNegative() {
		return decimal.Zero, ErrNegativeAmount
	}
	return amount.Mul(f.Percent).Div(hundred).Round(2), nil
}

// Tier is one band of a fee schedule. A zero UpTo marks the open-ended top band.
type Tier struct {
	UpTo    decimal.Decimal
	Flat    decimal.Decimal
	Percent decimal.Decimal
}

// Schedule is an ordered set of amount bands, each with a flat and a percentage part.
type Schedule struct {
	tiers []Tier
}

func NewSchedule(tiers []Tier) (*Schedule, error) {
	if len(tiers) == 0 {
		return nil, errors.New("fee schedule has no tiers")
	}
	sorted := append([]Tier(nil), tiers...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].UpTo.IsZero() {
			return false
		}
		if sorted[j].UpTo.IsZero() {
			return true
		}
		return sorted[i].UpTo.LessThan(sorted[j].UpTo)
	})
	for i, t := range sorted {
		if t.UpTo.IsZero() && i != len(sorted)-1 {
			return nil, errors.New("fee schedule has more than one open-ended tier")
		}
		if t.Flat.IsNegative() || t.Percent.IsNegative() {
			return nil, fmt.Errorf("fee tier %d has a negative component", i)
		}
	}
	return &Schedule{tiers: sorted}, nil
}

func (s *Schedule) Compute(_ context.Context, amount decimal.Decimal, _ string) (decimal.Decimal, error) {
	if amount.IsNegative() {
		return decimal.Zero, ErrNegativeAmount
	}
	for _, t := range s.tiers {
		if t.UpTo.IsZero() || amount.LessThanOrEqual(t.UpTo) {
			return t.Flat.Add(amount.Mul(t.Percent).Div(hundred)).Round(2), nil
		}
	}
	return decimal.Zero, fmt.Errorf("amount %s exceeds the largest fee tier", amount)
}

// ParseSchedule reads "upTo:flat:percent" bands separated by ";". Use "*" as
// upTo for the open-ended band, e.g. "100:0:0;1000:5:0;*:0:1".
func ParseSchedule(raw string) (*Schedule, error) {
	var tiers []Tier
	for _, band := range strings.Split(raw, ";") {
		band = strings.TrimSpace(band)
		if band == "" {
			continue
		}
		parts := strings.Split(band, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("invalid fee band %q", band)
		}
		var (
			t   Tier
			err error
		)
		if p := strings.TrimSpace(parts[0]); p != "*" {
			if t.UpTo, err = decimal.NewFromString(p); err != nil || !t.UpTo.IsPositive() {
				return nil, fmt.Errorf("invalid fee band limit %q", parts[0])
			}
		}
		if t.Flat, err = decimal.NewFromString(strings.TrimSpace(parts[1])); err != nil {
			return nil, fmt.Errorf("invalid flat fee %q", parts[1])
		}
		if t.Percent, err = decimal.NewFromString(strings.TrimSpace(parts[2])); err != nil {
			return nil, fmt.Errorf("invalid fee percent %q", parts[2])
		}
		tiers = append(tiers, t)
	}
	return NewSchedule(tiers)
}

// FromConfig builds the configured calculator.
func FromConfig(cfg config.Fees) (Calculator, error) {
	switch cfg.Mode {
	case "", "flat":
		return FlatRate{Percent: cfg.Percent}, nil
	case "schedule":
		return ParseSchedule(cfg.Schedule)
	default:
		return nil, fmt.Errorf("unknown fee mode %q", cfg.Mode)
	}
}
