package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/example/wallet-core/internal/clock"
)

// Scopes granted to wallet access tokens.
const (
	ScopeTransfersWrite     = "transfers:write"
	ScopeWalletsRead        = "wallets:read"
	ScopeWithdrawalsWrite   = "withdrawals:write"
	ScopeDepositsWrite      = "deposits:write"
	ScopeNotificationsAdmin = "notifications:admin"
)

var (
	ErrMissingSecret = errors.New("missing signing secret")
	ErrInvalidToken  = errors.New("invalid token")
)

// Claims identify the wallet a request acts for.
type Claims struct {
	WalletID string   `json:"wallet_id"`
	Scopes   []string `json:"scopes"`
	jwt.RegisteredClaims
}

// Issuer mints HS256 access tokens. Session login lives upstream; walletd
// only signs tokens for operator tooling and tests.
type Issuer struct {
	Secret []byte
	Issuer string
	TTL    time.Duration
	Clock  clock.Clock
}

func (i *Issuer) Issue(walletID string, scopes ...string) (string, error) {
	if len(i.Secret) == 0 {
		return "", ErrMissingSecret
	}
	if walletID == "" {
		return "", errors.New("wallet id is required")
	}
	var clk clock.Clock = clock.RealClock{}
	if i.Clock != nil {
		clk = i.Clock
	}
	ttl := i.TTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}

	now := clk.Now()
	claims := Claims{
		WalletID: walletID,
		Scopes:   scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.Issuer,
			Subject:   walletID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.Secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

type JWTValidator struct {
	Secret []byte
	Issuer string
}

func (v *JWTValidator) Validate(tokenString string) (*Claims, error) {
	if v == nil || len(v.Secret) == 0 {
		return nil, ErrMissingSecret
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.Issuer))
	}

	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return v.Secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if !tok.Valid || claims.WalletID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
