package withdrawal

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrOTPRequired   = errors.New("otp required for this amount")
	ErrInvalidAmount = errors.New("amount must be greater than zero")
)

// OTPService issues and consumes one-time codes.
type OTPService interface {
	Issue(ctx context.Context, walletID, phone string) error
	Verify(ctx context.Context, walletID, code string) error
}

// AuthorizeRequest is a withdrawal about to be executed.
type AuthorizeRequest struct {
	WalletID string
	Phone    string
	Amount   decimal.Decimal
	OTP      string
}

// Decision reports the outcome of Authorize.
type Decision struct {
	Allowed     bool
	OTPRequired bool
	OTPIssued   bool
}

// Gate applies the policy and drives the OTP round trip.
type Gate struct {
	policy *Policy
	otp    OTPService
	logger *zap.Logger
}

func NewGate(policy *Policy, otp OTPService, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{policy: policy, otp: otp, logger: logger}
}

// Authorize allows withdrawals at or below the threshold outright. Above it, a
// request without a code triggers issuance and ErrOTPRequired; a request with
// a code is allowed only if the code verifies.
func (g *Gate) Authorize(ctx context.Context, req AuthorizeRequest) (Decision, error) {
	if !req.Amount.IsPositive() {
		return Decision{}, ErrInvalidAmount
	}
	if !g.policy.RequiresOTP(req.Amount) {
		return Decision{Allowed: true}, nil
	}

	if req.OTP == "" {
		if err := g.otp.Issue(ctx, req.WalletID, req.Phone); err != nil {
			return Decision{OTPRequired: true}, fmt.Errorf("failed to issue otp: %w", err)
		}
		g.logger.Info("withdrawal otp issued",
			zap.String("wallet_id", req.WalletID),
			zap.String("amount", req.Amount.String()))
		return Decision{OTPRequired: true, OTPIssued: true}, ErrOTPRequired
	}

	if err := g.otp.Verify(ctx, req.WalletID, req.OTP); err != nil {
		return Decision{OTPRequired: true}, err
	}
	return Decision{Allowed: true, OTPRequired: true}, nil
}
