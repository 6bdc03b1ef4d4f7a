package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/example/wallet-core/internal/api"
	"github.com/example/wallet-core/internal/auth"
	"github.com/example/wallet-core/internal/clock"
	"github.com/example/wallet-core/internal/config"
	"github.com/example/wallet-core/internal/deposit"
	"github.com/example/wallet-core/internal/fees"
	"github.com/example/wallet-core/internal/ledger"
	"github.com/example/wallet-core/internal/logger"
	"github.com/example/wallet-core/internal/metrics"
	"github.com/example/wallet-core/internal/notify"
	"github.com/example/wallet-core/internal/otp"
	"github.com/example/wallet-core/internal/paymentlog"
	"github.com/example/wallet-core/internal/provider"
	"github.com/example/wallet-core/internal/provider/mpesa"
	"github.com/example/wallet-core/internal/provider/sms"
	"github.com/example/wallet-core/internal/receipt"
	"github.com/example/wallet-core/internal/security"
	"github.com/example/wallet-core/internal/transfer"
	"github.com/example/wallet-core/internal/wallet"
	"github.com/example/wallet-core/internal/withdrawal"
)

// System wallets every ledger needs: fee income and the float that funds deposits.
const seedSystemWallets = `
INSERT INTO wallets (id, wallet_number, wallet_type, owner_name, state, kyc_status)
VALUES ('SYS-FEES', 'SYS-FEES', 'SYSTEM', 'Fee income', 'ACTIVE', 'VERIFIED'),
       ('SYS-FLOAT', 'SYS-FLOAT', 'SYSTEM', 'M-Pesa float', 'ACTIVE', 'VERIFIED')
ON CONFLICT (id) DO NOTHING;
`

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Environment, "walletd")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("walletd stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to create postgres pool: %w", err)
	}
	defer pool.Close()

	if err := migrate(ctx, pool); err != nil {
		return err
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to reach redis: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	clk := clock.RealClock{}
	retry := provider.PolicyFromConfig(cfg.Retry)

	payments := paymentlog.NewLog(paymentlog.NewPostgresStore(pool), clk, log.Named("paymentlog"))

	notifyStore := notify.NewPostgresStore(pool)
	dispatcher := notify.NewDispatcher(
		sms.NewClient(cfg.SMS, retry, log.Named("sms")),
		notifyStore,
		cfg.Notification.CostPerMessage,
		notify.WithClock(clk),
		notify.WithLogger(log.Named("notify")),
		notify.WithMetrics(m),
		notify.WithPaymentLog(payments),
	)
	stopResender, err := notify.NewResender(dispatcher, notifyStore, cfg.Notification, clk, log.Named("resender")).Start(ctx)
	if err != nil {
		return fmt.Errorf("failed to start resend sweep: %w", err)
	}
	defer stopResender()

	walletRepo := wallet.NewPostgresRepository(pool)
	directory := wallet.NewDirectory(walletRepo, log.Named("wallet"))

	ledgerSvc := ledger.NewService(ledger.NewPostgresLedger(pool), log.Named("ledger"))

	feeCalc, err := fees.FromConfig(cfg.Fees)
	if err != nil {
		return err
	}

	receipts := receipt.NewGenerator(ledgerSvc, cfg.Receipt.BaseURL, clk, log.Named("receipt"))

	orchestrator := transfer.NewOrchestrator(transfer.Dependencies{
		Wallets:  directory,
		Pins:     wallet.NewPinVerifier(walletRepo),
		Fees:     feeCalc,
		Ledger:   ledgerSvc,
		Notifier: dispatcher,
		Receipts: receipts,
		Clock:    clk,
		Metrics:  m,
		Logger:   log.Named("transfer"),
	}, transfer.Options{
		FeeWalletID:     cfg.Ledger.FeeWalletID,
		DefaultCurrency: cfg.Ledger.DefaultCurrency,
	})

	gate := withdrawal.NewGate(
		withdrawal.PolicyFromConfig(cfg.Withdrawal),
		otp.NewIssuer(rdb, dispatcher, cfg.Withdrawal.OTPExpiry, log.Named("otp")),
		log.Named("withdrawal"),
	)

	allowlist, err := security.ParseCIDRAllowlist(cfg.Mpesa.CallbackAllowlist)
	if err != nil {
		return fmt.Errorf("invalid MPESA_CALLBACK_ALLOWLIST: %w", err)
	}

	router, err := api.NewRouter(api.Dependencies{
		Logger:            log.Named("http"),
		JWTValidator:      &auth.JWTValidator{Secret: []byte(cfg.JWTSecret), Issuer: cfg.JWTIssuer},
		Transfers:         orchestrator,
		Wallets:           directory,
		Balances:          ledgerSvc,
		Withdrawals:       gate,
		Deposits:          mpesa.NewClient(cfg.Mpesa, retry, clk, log.Named("mpesa")),
		Credits:           deposit.NewCrediter(directory, ledgerSvc, cfg.Ledger.FloatWalletID, clk, log.Named("deposit")),
		Payments:          payments,
		Receipts:          receipts,
		Notifications:     dispatcher,
		Metrics:           m,
		Gatherer:          reg,
		RateLimiter:       security.NewRedisTokenBucket(rdb, cfg.RateLimit),
		CallbackAllowlist: allowlist,
		MaxBodyBytes:      cfg.MaxBodyBytes,
		DefaultCurrency:   cfg.Ledger.DefaultCurrency,
	})
	if err != nil {
		return fmt.Errorf("failed to build router: %w", err)
	}

	tlsCfg, err := security.LoadServerTLSConfig(cfg.TLS)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		TLSConfig:         tlsCfg,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("walletd listening", zap.String("addr", cfg.HTTPAddr), zap.Bool("tls", tlsCfg != nil))
		if tlsCfg != nil {
			errCh <- srv.ListenAndServeTLS("", "")
		} else {
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{wallet.Schema, seedSystemWallets, ledger.Schema, paymentlog.PostgresSchema, notify.Schema} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
