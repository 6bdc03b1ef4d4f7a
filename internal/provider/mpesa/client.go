package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/example/wallet-core/internal/clock"
	"github.com/example/wallet-core/internal/config"
	"github.com/example/wallet-core/internal/provider"
)

const (
	providerName    = "mpesa"
	tokenPath       = "/oauth/v1/generate?grant_type=client_credentials"
	stkPushPath     = "/mpesa/stkpush/v1/processrequest"
	timestampLayout = "20060102150405"
	defaultTokenTTL = 3599 * time.Second
)

// Daraja timestamps are East Africa Time.
var eat = time.FixedZone("EAT", 3*60*60)

var (
	ErrInvalidAmount = errors.New("mpesa: amount must be a positive whole number")
	ErrInvalidPhone  = errors.New("mpesa: phone number required")
)

type STKPushRequest struct {
	Phone            string
	Amount           decimal.Decimal
	AccountReference string
	Description      string
}

// STKPushAck is the synchronous acknowledgement. The payment outcome
// arrives later on the callback.
type STKPushAck struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

type Client struct {
	baseURL        string
	consumerKey    string
	consumerSecret string
	shortCode      string
	passkey        string
	callbackURL    string

	tokens *TokenCache
	retry  provider.RetryPolicy
	clock  clock.Clock
	http   *http.Client
	logger *zap.Logger
}

func NewClient(cfg config.Mpesa, retry provider.RetryPolicy, clk clock.Clock, logger *zap.Logger) *Client {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		consumerKey:    cfg.ConsumerKey,
		consumerSecret: cfg.ConsumerSecret,
		shortCode:      cfg.ShortCode,
		passkey:        cfg.Passkey,
		callbackURL:    cfg.CallbackURL,
		tokens:         NewTokenCache(clk, cfg.TokenSafetyMargin),
		retry:          retry,
		clock:          clk,
		http:           &http.Client{Timeout: timeout},
		logger:         logger,
	}
}

// STKPush asks the subscriber's handset to authorize a payment to the
// configured short code. A rejected token is refreshed once; a second
// rejection is returned to the caller.
func (c *Client) STKPush(ctx context.Context, req STKPushRequest) (*STKPushAck, error) {
	if strings.TrimSpace(req.Phone) == "" {
		return nil, ErrInvalidPhone
	}
	if !req.Amount.IsPositive() || !req.Amount.Equal(req.Amount.Truncate(0)) {
		return nil, ErrInvalidAmount
	}

	ack, err := c.pushWithRetry(ctx, req)
	if provider.IsUnauthorized(err) {
		c.logger.Info("mpesa token rejected, refreshing")
		c.tokens.Invalidate()
		ack, err = c.pushWithRetry(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	return ack, nil
}

func (c *Client) pushWithRetry(ctx context.Context, req STKPushRequest) (*STKPushAck, error) {
	var ack *STKPushAck
	err := provider.Retry(ctx, c.retry, func(ctx context.Context) error {
		token, err := c.tokens.GetOrRefresh(ctx, c.fetchToken)
		if err != nil {
			return err
		}
		a, err := c.push(ctx, token, req)
		if err != nil {
			c.logger.Warn("stk push attempt failed", zap.String("phone", req.Phone), zap.Error(err))
			return err
		}
		ack = a
		return nil
	})
	return ack, err
}

// Password derives the request password from the short code, passkey and timestamp.
func Password(shortCode, passkey, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortCode + passkey + timestamp))
}

func (c *Client) push(ctx context.Context, token string, req STKPushRequest) (*STKPushAck, error) {
	timestamp := c.clock.Now().In(eat).Format(timestampLayout)
	desc := req.Description
	if desc == "" {
		desc = "Deposit"
	}

	payload := map[string]interface{}{
		"BusinessShortCode": c.shortCode,
		"Password":          Password(c.shortCode, c.passkey, timestamp),
		"Timestamp":         timestamp,
		"TransactionType":   "CustomerPayBillOnline",
		"Amount":            req.Amount.IntPart(),
		"PartyA":            req.Phone,
		"PartyB":            c.shortCode,
		"PhoneNumber":       req.Phone,
		"CallBackURL":       c.callbackURL,
		"AccountReference":  req.AccountReference,
		"TransactionDesc":   desc,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &provider.Error{Provider: providerName, Code: "encode", Message: err.Error()}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+stkPushPath, bytes.NewReader(body))
	if err != nil {
		return nil, &provider.Error{Provider: providerName, Code: "request", Message: err.Error()}
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, provider.FromTransport(providerName, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode != http.StatusOK {
		return nil, provider.FromStatus(providerName, resp.StatusCode, string(raw))
	}

	var ack STKPushAck
	if err := json.Unmarshal(raw, &ack); err != nil {
		return nil, &provider.Error{Provider: providerName, Code: "decode", Message: err.Error()}
	}
	if ack.ResponseCode != "0" {
		return nil, &provider.Error{Provider: providerName, Code: "rejected", Message: fmt.Sprintf("%s: %s", ack.ResponseCode, ack.ResponseDescription)}
	}
	return &ack, nil
}

func (c *Client) fetchToken(ctx context.Context) (string, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+tokenPath, nil)
	if err != nil {
		return "", 0, &provider.Error{Provider: providerName, Code: "request", Message: err.Error()}
	}
	req.SetBasicAuth(c.consumerKey, c.consumerSecret)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", 0, provider.FromTransport(providerName, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 16<<10))
	if resp.StatusCode != http.StatusOK {
		e := provider.FromStatus(providerName, resp.StatusCode, string(raw))
		// a rejected consumer key is a configuration fault, not a stale token
		e.Unauthorized = false
		return "", 0, e
	}

	var res struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   string `json:"expires_in"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", 0, &provider.Error{Provider: providerName, Code: "decode", Message: err.Error()}
	}
	if res.AccessToken == "" {
		return "", 0, &provider.Error{Provider: providerName, Code: "token", Message: "empty access token"}
	}

	ttl := defaultTokenTTL
	if secs, err := strconv.Atoi(res.ExpiresIn); err == nil && secs > 0 {
		ttl = time.Duration(secs) * time.Second
	}
	return res.AccessToken, ttl, nil
}
