package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/example/wallet-core/internal/deposit"
	"github.com/example/wallet-core/internal/ledger"
	"github.com/example/wallet-core/internal/otp"
	"github.com/example/wallet-core/internal/paymentlog"
	"github.com/example/wallet-core/internal/provider"
	"github.com/example/wallet-core/internal/provider/mpesa"
	"github.com/example/wallet-core/internal/security"
	"github.com/example/wallet-core/internal/transfer"
	"github.com/example/wallet-core/internal/wallet"
	"github.com/example/wallet-core/internal/withdrawal"
)

type transferRequest struct {
	ReceiverWalletNumber string          `json:"receiver_wallet_number"`
	Amount               decimal.Decimal `json:"amount"`
	Currency             string          `json:"currency"`
	PIN                  string          `json:"pin"`
	IdempotencyKey       string          `json:"idempotency_key"`
	Description          string          `json:"description"`
}

type balanceResponse struct {
	CorrelationID string          `json:"correlation_id"`
	WalletID      string          `json:"wallet_id"`
	Currency      string          `json:"currency"`
	Balance       decimal.Decimal `json:"balance"`
}

type withdrawalRequest struct {
	Amount decimal.Decimal `json:"amount"`
	OTP    string          `json:"otp"`
}

type withdrawalResponse struct {
	CorrelationID string `json:"correlation_id"`
	Allowed       bool   `json:"allowed"`
	OTPRequired   bool   `json:"otp_required"`
	OTPIssued     bool   `json:"otp_issued"`
}

type depositRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Phone  string          `json:"phone"`
}

type verifyResponse struct {
	Reference string `json:"reference"`
	Valid     bool   `json:"valid"`
}

// Daraja only looks at ResultCode; anything but 0 makes it retry the callback.
type callbackAck struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

func handleTransfer(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Transfers == nil {
			security.WriteJSONError(w, r, http.StatusServiceUnavailable, "transfers_unavailable")
			return
		}

		var req transferRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}
		key := req.IdempotencyKey
		if key == "" {
			key = r.Header.Get("Idempotency-Key")
		}

		res := deps.Transfers.ExecuteTransfer(r.Context(), transfer.Request{
			SenderWalletID:       callerWallet(r),
			ReceiverWalletNumber: req.ReceiverWalletNumber,
			Amount:               req.Amount,
			Currency:             req.Currency,
			PIN:                  req.PIN,
			IdempotencyKey:       key,
			Description:          req.Description,
		})

		status := http.StatusOK
		if !res.Success {
			status = http.StatusUnprocessableEntity
		}
		writeJSON(w, r, status, res)
	}
}

func handleLookupWallet(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Wallets == nil {
			security.WriteJSONError(w, r, http.StatusServiceUnavailable, "wallets_unavailable")
			return
		}

		view, err := deps.Wallets.Lookup(r.Context(), chi.URLParam(r, "number"))
		var disq *wallet.DisqualifiedError
		switch {
		case err == nil:
			writeJSON(w, r, http.StatusOK, view)
		case errors.Is(err, wallet.ErrWalletNotFound):
			security.WriteJSONError(w, r, http.StatusNotFound, "wallet_not_found")
		case errors.As(err, &disq):
			security.WriteError(w, r, http.StatusLocked, "wallet_unavailable", disq.Error())
		default:
			security.WriteJSONError(w, r, http.StatusServiceUnavailable, "wallets_unavailable")
		}
	}
}

func handleBalance(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Balances == nil {
			security.WriteJSONError(w, r, http.StatusServiceUnavailable, "ledger_unavailable")
			return
		}

		walletID := chi.URLParam(r, "walletID")
		if walletID != callerWallet(r) {
			security.WriteJSONError(w, r, http.StatusForbidden, "forbidden")
			return
		}
		currency := strings.ToUpper(r.URL.Query().Get("currency"))
		if currency == "" {
			currency = deps.DefaultCurrency
		}

		bal, err := deps.Balances.Balance(r.Context(), walletID, currency)
		if err != nil {
			deps.Logger.Error("balance query failed", security.CorrelationField(r.Context()), zap.Error(err))
			security.WriteJSONError(w, r, http.StatusInternalServerError, "internal_error")
			return
		}

		writeJSON(w, r, http.StatusOK, balanceResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			WalletID:      walletID,
			Currency:      currency,
			Balance:       bal,
		})
	}
}

func handleAuthorizeWithdrawal(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Withdrawals == nil || deps.Wallets == nil {
			security.WriteJSONError(w, r, http.StatusServiceUnavailable, "withdrawals_unavailable")
			return
		}

		var req withdrawalRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}

		walletID := callerWallet(r)
		phone, err := deps.Wallets.Contact(r.Context(), walletID)
		if err != nil {
			security.WriteJSONError(w, r, http.StatusNotFound, "wallet_not_found")
			return
		}

		decision, err := deps.Withdrawals.Authorize(r.Context(), withdrawal.AuthorizeRequest{
			WalletID: walletID,
			Phone:    phone,
			Amount:   req.Amount,
			OTP:      req.OTP,
		})
		resp := withdrawalResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Allowed:       decision.Allowed,
			OTPRequired:   decision.OTPRequired,
			OTPIssued:     decision.OTPIssued,
		}
		switch {
		case err == nil:
			writeJSON(w, r, http.StatusOK, resp)
		case errors.Is(err, withdrawal.ErrOTPRequired):
			writeJSON(w, r, http.StatusAccepted, resp)
		case errors.Is(err, withdrawal.ErrInvalidAmount):
			security.WriteError(w, r, http.StatusBadRequest, "invalid_amount", err.Error())
		case errors.Is(err, otp.ErrInvalidOTP):
			security.WriteJSONError(w, r, http.StatusUnauthorized, "invalid_otp")
		case errors.Is(err, otp.ErrOTPExpired):
			security.WriteJSONError(w, r, http.StatusUnauthorized, "otp_expired")
		default:
			deps.Logger.Error("withdrawal authorization failed", security.CorrelationField(r.Context()), zap.Error(err))
			security.WriteJSONError(w, r, http.StatusBadGateway, "otp_delivery_failed")
		}
	}
}

func handleSTKPush(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Deposits == nil || deps.Wallets == nil {
			security.WriteJSONError(w, r, http.StatusServiceUnavailable, "deposits_unavailable")
			return
		}

		var req depositRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}

		walletID := callerWallet(r)
		phone := req.Phone
		if phone == "" {
			p, err := deps.Wallets.Contact(r.Context(), walletID)
			if err != nil {
				security.WriteJSONError(w, r, http.StatusNotFound, "wallet_not_found")
				return
			}
			phone = p
		}

		ack, err := deps.Deposits.STKPush(r.Context(), mpesa.STKPushRequest{
			Phone:            phone,
			Amount:           req.Amount,
			AccountReference: walletID,
			Description:      "Wallet deposit",
		})
		var perr *provider.Error
		switch {
		case err == nil:
			writeJSON(w, r, http.StatusAccepted, ack)
		case errors.Is(err, mpesa.ErrInvalidAmount), errors.Is(err, mpesa.ErrInvalidPhone):
			security.WriteError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		case errors.As(err, &perr):
			deps.Logger.Warn("stk push rejected", security.CorrelationField(r.Context()), zap.Error(err))
			security.WriteError(w, r, http.StatusBadGateway, "mpesa_rejected", perr.Message)
		default:
			deps.Logger.Error("stk push failed", security.CorrelationField(r.Context()), zap.Error(err))
			security.WriteJSONError(w, r, http.StatusBadGateway, "mpesa_unavailable")
		}
	}
}

func handleMpesaCallback(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Payments == nil {
			security.WriteJSONError(w, r, http.StatusServiceUnavailable, "payments_unavailable")
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_request")
			return
		}
		cb, err := mpesa.ParseCallback(body)
		if err != nil {
			deps.Metrics.ObserveCallback("malformed")
			security.WriteJSONError(w, r, http.StatusBadRequest, "malformed_callback")
			return
		}

		key, status := cb.ReceiptNumber, "COMPLETED"
		if !cb.Success {
			key, status = "stk-failed:"+cb.CheckoutRequestID, fmt.Sprintf("FAILED:%d", cb.ResultCode)
		}

		if cb.Success && deps.Credits != nil {
			_, err := deps.Credits.Credit(r.Context(), deposit.Deposit{
				ReceiptNumber: cb.ReceiptNumber,
				Phone:         cb.Phone,
				Amount:        cb.Amount,
				Currency:      deps.DefaultCurrency,
			})
			var disq *wallet.DisqualifiedError
			switch {
			case err == nil:
			case errors.Is(err, wallet.ErrWalletNotFound), errors.As(err, &disq):
				status = "UNMATCHED"
				deps.Logger.Warn("mpesa deposit has no eligible wallet",
					security.CorrelationField(r.Context()),
					zap.String("receipt_number", cb.ReceiptNumber),
					zap.Error(err))
			default:
				// not logged, so the provider's redelivery gets another try
				deps.Logger.Error("mpesa deposit not credited", security.CorrelationField(r.Context()), zap.Error(err))
				security.WriteJSONError(w, r, http.StatusInternalServerError, "internal_error")
				return
			}
		}

		_, err = deps.Payments.CreateLog(r.Context(), key, paymentlog.Payload{
			Provider: "mpesa",
			Kind:     paymentlog.KindMpesaDeposit,
			Phone:    cb.Phone,
			Amount:   cb.Amount,
			Currency: deps.DefaultCurrency,
			Status:   status,
			Raw:      json.RawMessage(body),
		})
		switch {
		case err == nil:
			deps.Metrics.ObserveCallback(strings.ToLower(strings.SplitN(status, ":", 2)[0]))
			deps.Logger.Info("mpesa callback recorded",
				security.CorrelationField(r.Context()),
				zap.String("natural_key", key),
				zap.Bool("success", cb.Success))
			writeJSON(w, r, http.StatusOK, callbackAck{ResultCode: 0, ResultDesc: "Accepted"})
		case errors.Is(err, paymentlog.ErrDuplicateReceipt):
			deps.Metrics.ObserveCallback("duplicate")
			writeJSON(w, r, http.StatusOK, callbackAck{ResultCode: 0, ResultDesc: "Already processed"})
		default:
			deps.Logger.Error("mpesa callback not recorded", security.CorrelationField(r.Context()), zap.Error(err))
			security.WriteJSONError(w, r, http.StatusInternalServerError, "internal_error")
		}
	}
}

func handleReceipt(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Receipts == nil {
			security.WriteJSONError(w, r, http.StatusServiceUnavailable, "receipts_unavailable")
			return
		}

		art, err := deps.Receipts.Generate(r.Context(), chi.URLParam(r, "reference"))
		if errors.Is(err, ledger.ErrTransactionMissing) {
			security.WriteJSONError(w, r, http.StatusNotFound, "receipt_not_found")
			return
		}
		if err != nil {
			deps.Logger.Error("receipt generation failed", security.CorrelationField(r.Context()), zap.Error(err))
			security.WriteJSONError(w, r, http.StatusInternalServerError, "internal_error")
			return
		}
		// a stranger's receipt looks the same as a missing one
		if !art.IssuedTo(callerWallet(r)) {
			security.WriteJSONError(w, r, http.StatusNotFound, "receipt_not_found")
			return
		}

		w.Header().Set("Content-Type", art.ContentType)
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", art.Filename))
		w.Header().Set("X-Receipt-Verification", art.VerificationHash)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(art.Content)
	}
}

func handleVerifyReceipt(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Receipts == nil {
			security.WriteJSONError(w, r, http.StatusServiceUnavailable, "receipts_unavailable")
			return
		}

		ref := chi.URLParam(r, "reference")
		ok, err := deps.Receipts.Verify(r.Context(), ref, r.URL.Query().Get("hash"))
		if err != nil {
			security.WriteJSONError(w, r, http.StatusInternalServerError, "internal_error")
			return
		}
		writeJSON(w, r, http.StatusOK, verifyResponse{Reference: ref, Valid: ok})
	}
}

func handleNotificationCosts(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Notifications == nil {
			security.WriteJSONError(w, r, http.StatusServiceUnavailable, "notifications_unavailable")
			return
		}

		from, err := parseDay(r.URL.Query().Get("from"))
		if err != nil {
			security.WriteError(w, r, http.StatusBadRequest, "invalid_request", "from: "+err.Error())
			return
		}
		to, err := parseDay(r.URL.Query().Get("to"))
		if err != nil {
			security.WriteError(w, r, http.StatusBadRequest, "invalid_request", "to: "+err.Error())
			return
		}

		report, err := deps.Notifications.CostSummary(r.Context(), from, to)
		if err != nil {
			security.WriteError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		writeJSON(w, r, http.StatusOK, report)
	}
}

// parseDay accepts RFC 3339 timestamps or bare dates (midnight UTC).
func parseDay(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, errors.New("is required")
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, errors.New("must be YYYY-MM-DD or RFC 3339")
	}
	return t, nil
}
