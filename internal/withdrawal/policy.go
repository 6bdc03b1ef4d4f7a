package withdrawal

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/wallet-core/internal/config"
)

var (
	DefaultOTPThreshold = decimal.NewFromInt(10000)
	DefaultOTPExpiry    = 300 * time.Second
)

// Policy decides when a withdrawal needs step-up verification.
type Policy struct {
	threshold decimal.Decimal
	expiry    time.Duration
}

func NewPolicy(threshold decimal.Decimal, expiry time.Duration) *Policy {
	if expiry <= 0 {
		expiry = DefaultOTPExpiry
	}
	return &Policy{threshold: threshold, expiry: expiry}
}

func PolicyFromConfig(cfg config.Withdrawal) *Policy {
	return NewPolicy(cfg.OTPThreshold, cfg.OTPExpiry)
}

// RequiresOTP is true only when amount is strictly above the threshold.
func (p *Policy) RequiresOTP(amount decimal.Decimal) bool {
	return amount.GreaterThan(p.threshold)
}

func (p *Policy) Threshold() decimal.Decimal { return p.threshold }

// OTPExpiry is how long an issued code stays valid.
func (p *Policy) OTPExpiry() time.Duration { return p.expiry }
