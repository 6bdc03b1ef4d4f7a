package otp

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/example/wallet-core/internal/notify"
)

const (
	codeDigits  = 6
	maxAttempts = 3
)

var (
	ErrInvalidOTP     = errors.New("invalid otp")
	ErrOTPExpired     = errors.New("otp expired or not issued")
	ErrDeliveryFailed = errors.New("otp could not be delivered")
)

// Sender delivers the code to the wallet holder.
type Sender interface {
	SendOTP(ctx context.Context, recipient, code string) notify.Result
}

// verifyScript consumes the code on a match. A mismatch counts against the
// attempt budget and burns the code once the budget is spent.
// Returns 1 on match, 0 when nothing is stored, -1 on mismatch.
var verifyScript = redis.NewScript(`
local key = KEYS[1]
local code = ARGV[1]
local max_attempts = tonumber(ARGV[2])

local stored = redis.call('HGET', key, 'code')
if not stored then
  return 0
end
if stored == code then
  redis.call('DEL', key)
  return 1
end

local attempts = redis.call('HINCRBY', key, 'attempts', 1)
if attempts >= max_attempts then
  redis.call('DEL', key)
end
return -1
`)

// Issuer stores one outstanding code per wallet in Redis.
type Issuer struct {
	redis  *redis.Client
	sender Sender
	ttl    time.Duration
	prefix string
	logger *zap.Logger
}

func NewIssuer(rdb *redis.Client, sender Sender, ttl time.Duration, logger *zap.Logger) *Issuer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Issuer{redis: rdb, sender: sender, ttl: ttl, prefix: "otp", logger: logger}
}

func (i *Issuer) key(walletID string) string {
	return i.prefix + ":" + walletID
}

// Issue replaces any outstanding code for the wallet and sends the new one.
func (i *Issuer) Issue(ctx context.Context, walletID, phone string) error {
	code, err := generateCode()
	if err != nil {
		return fmt.Errorf("failed to generate otp: %w", err)
	}

	key := i.key(walletID)
	pipe := i.redis.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, "code", code, "attempts", 0)
	pipe.Expire(ctx, key, i.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store otp: %w", err)
	}

	res := i.sender.SendOTP(ctx, phone, code)
	if !res.Success {
		i.redis.Del(context.WithoutCancel(ctx), key)
		i.logger.Warn("otp delivery failed", zap.String("wallet_id", walletID), zap.String("error", res.Error))
		return ErrDeliveryFailed
	}
	return nil
}

func (i *Issuer) Verify(ctx context.Context, walletID, code string) error {
	if len(code) != codeDigits {
		return ErrInvalidOTP
	}
	n, err := verifyScript.Run(ctx, i.redis, []string{i.key(walletID)}, code, maxAttempts).Int()
	if err != nil {
		return fmt.Errorf("failed to verify otp: %w", err)
	}
	switch n {
	case 1:
		return nil
	case 0:
		return ErrOTPExpired
	default:
		return ErrInvalidOTP
	}
}

func generateCode() (string, error) {
	max := big.NewInt(1_000_000)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", codeDigits, n.Int64()), nil
}
