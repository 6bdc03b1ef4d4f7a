package api

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/example/wallet-core/internal/auth"
	"github.com/example/wallet-core/internal/deposit"
	"github.com/example/wallet-core/internal/ledger"
	"github.com/example/wallet-core/internal/metrics"
	"github.com/example/wallet-core/internal/notify"
	"github.com/example/wallet-core/internal/paymentlog"
	"github.com/example/wallet-core/internal/provider/mpesa"
	"github.com/example/wallet-core/internal/receipt"
	"github.com/example/wallet-core/internal/security"
	"github.com/example/wallet-core/internal/transfer"
	"github.com/example/wallet-core/internal/wallet"
	"github.com/example/wallet-core/internal/withdrawal"
)

type Dependencies struct {
	Logger       *zap.Logger
	JWTValidator *auth.JWTValidator

	Transfers interface {
		ExecuteTransfer(ctx context.Context, req transfer.Request) *transfer.Result
	}
	Wallets interface {
		Lookup(ctx context.Context, number string) (*wallet.PublicView, error)
		Contact(ctx context.Context, walletID string) (string, error)
	}
	Balances interface {
		Balance(ctx context.Context, walletID, currency string) (decimal.Decimal, error)
	}
	Withdrawals interface {
		Authorize(ctx context.Context, req withdrawal.AuthorizeRequest) (withdrawal.Decision, error)
	}
	Deposits interface {
		STKPush(ctx context.Context, req mpesa.STKPushRequest) (*mpesa.STKPushAck, error)
	}
	Credits interface {
		Credit(ctx context.Context, d deposit.Deposit) (*ledger.Posting, error)
	}
	Payments interface {
		CreateLog(ctx context.Context, naturalKey string, p paymentlog.Payload) (*paymentlog.Record, error)
	}
	Receipts interface {
		Generate(ctx context.Context, reference string) (*receipt.Artifact, error)
		Verify(ctx context.Context, reference, hash string) (bool, error)
	}
	Notifications interface {
		CostSummary(ctx context.Context, from, to time.Time) (*notify.CostReport, error)
	}

	Metrics           *metrics.Metrics
	Gatherer          prometheus.Gatherer
	RateLimiter       *security.RedisTokenBucket
	CallbackAllowlist []*net.IPNet
	MaxBodyBytes      int64
	DefaultCurrency   string
}

func NewRouter(deps Dependencies) (http.Handler, error) {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.DefaultCurrency == "" {
		deps.DefaultCurrency = "KES"
	}

	transferV, err := security.NewJSONSchemaValidator("transfer", transferSchema)
	if err != nil {
		return nil, err
	}
	withdrawalV, err := security.NewJSONSchemaValidator("withdrawal", withdrawalSchema)
	if err != nil {
		return nil, err
	}
	depositV, err := security.NewJSONSchemaValidator("deposit", depositSchema)
	if err != nil {
		return nil, err
	}

	onAuthError := func(w http.ResponseWriter, r *http.Request, status int, code string) {
		security.WriteJSONError(w, r, status, code)
	}
	scoped := func(r chi.Router, scopes ...string) chi.Router {
		return r.With(auth.RequireScopes(onAuthError, scopes...))
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(security.CorrelationID)
	r.Use(RequestLogger(deps.Logger))
	r.Use(security.BodySizeLimit(deps.MaxBodyBytes))
	if deps.RateLimiter != nil {
		r.Use(security.RateLimitMiddleware(deps.RateLimiter, security.RateLimitKeyByIP))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	r.With(security.IPAllowlist(deps.CallbackAllowlist)).Post("/mpesa/callback", handleMpesaCallback(deps))

	r.Route("/v1", func(r chi.Router) {
		// Receipt verification is for whoever holds a printed receipt.
		r.Get("/receipts/{reference}/verify", handleVerifyReceipt(deps))

		r.Group(func(r chi.Router) {
			r.Use(auth.Authenticate(deps.JWTValidator, onAuthError))

			scoped(r, auth.ScopeTransfersWrite).With(transferV.Middleware).Post("/transfers", handleTransfer(deps))

			scoped(r, auth.ScopeWalletsRead).Get("/wallets/{number}", handleLookupWallet(deps))
			scoped(r, auth.ScopeWalletsRead).Get("/wallets/{walletID}/balance", handleBalance(deps))
			scoped(r, auth.ScopeWalletsRead).Get("/receipts/{reference}", handleReceipt(deps))

			scoped(r, auth.ScopeWithdrawalsWrite).With(withdrawalV.Middleware).Post("/withdrawals/authorize", handleAuthorizeWithdrawal(deps))
			scoped(r, auth.ScopeDepositsWrite).With(depositV.Middleware).Post("/deposits/stk", handleSTKPush(deps))

			scoped(r, auth.ScopeNotificationsAdmin).Get("/notifications/costs", handleNotificationCosts(deps))
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		security.WriteJSONError(w, r, http.StatusNotFound, "not_found")
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		security.WriteJSONError(w, r, http.StatusMethodNotAllowed, "method_not_allowed")
	})

	return r, nil
}
