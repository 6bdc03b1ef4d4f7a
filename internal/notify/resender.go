package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/example/wallet-core/internal/clock"
	"github.com/example/wallet-core/internal/config"
)

// Resender periodically retries failed notifications. Each retry is logged
// by the dispatcher as a fresh attempt. OTP deliveries are never retried: the
// code is gone by the time a sweep runs and the log only holds a redacted copy.
type Resender struct {
	dispatcher  *Dispatcher
	store       LogStore
	clock       clock.Clock
	interval    time.Duration
	window      time.Duration
	maxAttempts int
	logger      *zap.Logger
}

func NewResender(d *Dispatcher, store LogStore, cfg config.Notification, clk clock.Clock, logger *zap.Logger) *Resender {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resender{
		dispatcher:  d,
		store:       store,
		clock:       clk,
		interval:    cfg.ResendInterval,
		window:      cfg.ResendWindow,
		maxAttempts: cfg.MaxAttempts,
		logger:      logger,
	}
}

// RunOnce resends every eligible failure and reports how many were sent.
func (r *Resender) RunOnce(ctx context.Context) (int, error) {
	since := r.clock.Now().Add(-r.window)
	failed, err := r.store.ListRetryable(ctx, since, r.maxAttempts)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, e := range failed {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		if e.Kind == KindOTP {
			continue
		}
		if res := r.dispatcher.Resend(ctx, e); res.Success {
			sent++
		}
	}
	if len(failed) > 0 {
		r.logger.Info("notification resend sweep",
			zap.Int("candidates", len(failed)),
			zap.Int("sent", sent))
	}
	return sent, nil
}

// Start schedules RunOnce on the configured interval. The returned function
// stops the schedule and waits for a running sweep to finish.
func (r *Resender) Start(ctx context.Context) (func(), error) {
	if r.interval <= 0 {
		return nil, fmt.Errorf("resend interval must be positive, got %s", r.interval)
	}
	c := cron.New()
	_, err := c.AddFunc("@every "+r.interval.String(), func() {
		if _, err := r.RunOnce(ctx); err != nil {
			r.logger.Error("notification resend sweep failed", zap.Error(err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to schedule resend sweep: %w", err)
	}
	c.Start()
	return func() { <-c.Stop().Done() }, nil
}
