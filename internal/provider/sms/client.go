package sms

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/wallet-core/internal/config"
	"github.com/example/wallet-core/internal/provider"
)

const providerName = "sms"

// Delivery is the success variant of a send.
type Delivery struct {
	MessageID string
	Status    string
}

type sendResponse struct {
	SMSMessageData struct {
		Message    string `json:"Message"`
		Recipients []struct {
			MessageID  string `json:"messageId"`
			Number     string `json:"number"`
			Status     string `json:"status"`
			StatusCode int    `json:"statusCode"`
		} `json:"Recipients"`
	} `json:"SMSMessageData"`
}

// Client posts messages to a bulk SMS gateway using form encoding.
type Client struct {
	baseURL  string
	username string
	apiKey   string
	senderID string
	retry    provider.RetryPolicy
	http     *http.Client
	logger   *zap.Logger
}

func NewClient(cfg config.SMS, retry provider.RetryPolicy, logger *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		username: cfg.Username,
		apiKey:   cfg.APIKey,
		senderID: cfg.SenderID,
		retry:    retry,
		http:     &http.Client{Timeout: timeout},
		logger:   logger,
	}
}

// Send delivers one message. Transient failures are retried with backoff;
// the returned error is always a *provider.Error.
func (c *Client) Send(ctx context.Context, recipient, message string) (Delivery, error) {
	var out Delivery
	start := time.Now()

	err := provider.Retry(ctx, c.retry, func(ctx context.Context) error {
		d, err := c.send(ctx, recipient, message)
		if err != nil {
			c.logger.Warn("sms attempt failed", zap.String("recipient", recipient), zap.Error(err))
			return err
		}
		out = d
		return nil
	})
	if err != nil {
		return Delivery{}, err
	}

	c.logger.Debug("sms sent",
		zap.String("recipient", recipient),
		zap.String("message_id", out.MessageID),
		zap.Duration("duration", time.Since(start)))
	return out, nil
}

func (c *Client) send(ctx context.Context, recipient, message string) (Delivery, error) {
	form := url.Values{}
	form.Set("username", c.username)
	form.Set("to", recipient)
	form.Set("message", message)
	if c.senderID != "" {
		form.Set("from", c.senderID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Delivery{}, &provider.Error{Provider: providerName, Code: "request", Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("apiKey", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Delivery{}, provider.FromTransport(providerName, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Delivery{}, provider.FromStatus(providerName, resp.StatusCode, string(body))
	}

	var parsed sendResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Delivery{}, &provider.Error{Provider: providerName, Code: "decode", Message: fmt.Sprintf("unreadable response: %v", err)}
	}
	if len(parsed.SMSMessageData.Recipients) == 0 {
		return Delivery{}, &provider.Error{Provider: providerName, Code: "rejected", Message: parsed.SMSMessageData.Message}
	}

	r := parsed.SMSMessageData.Recipients[0]
	if !strings.EqualFold(r.Status, "Success") {
		return Delivery{}, &provider.Error{Provider: providerName, Code: "rejected", Message: r.Status}
	}
	return Delivery{MessageID: r.MessageID, Status: r.Status}, nil
}
