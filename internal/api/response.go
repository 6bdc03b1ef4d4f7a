package api

import (
	"encoding/json"
	"net/http"

	"github.com/example/wallet-core/internal/auth"
	"github.com/example/wallet-core/internal/security"
)

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	cid := security.CorrelationIDFromContext(r.Context())
	if cid != "" {
		w.Header().Set(security.CorrelationIDHeader, cid)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// callerWallet is the wallet the bearer token acts for. Routes behind
// Authenticate always have one.
func callerWallet(r *http.Request) string {
	if ai, ok := auth.AuthInfoFromContext(r.Context()); ok {
		return ai.WalletID
	}
	return ""
}
