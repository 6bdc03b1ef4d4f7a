package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/wallet-core/internal/clock"
)

var secret = []byte("0123456789abcdef0123456789abcdef")

func writeStatus(w http.ResponseWriter, _ *http.Request, status int, code string) {
	http.Error(w, code, status)
}

func TestIssueAndValidate(t *testing.T) {
	iss := &Issuer{Secret: secret, Issuer: "wallet-core", TTL: time.Minute}
	tok, err := iss.Issue("alice", ScopeTransfersWrite)
	require.NoError(t, err)

	claims, err := (&JWTValidator{Secret: secret, Issuer: "wallet-core"}).Validate(tok)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.WalletID)
	assert.Equal(t, []string{ScopeTransfersWrite}, claims.Scopes)
}

func TestValidate_Rejects(t *testing.T) {
	iss := &Issuer{Secret: secret, Issuer: "wallet-core"}
	tok, err := iss.Issue("alice")
	require.NoError(t, err)

	_, err = (&JWTValidator{Secret: []byte("another-secret-another-secret-xx")}).Validate(tok)
	assert.Error(t, err)

	_, err = (&JWTValidator{Secret: secret, Issuer: "someone-else"}).Validate(tok)
	assert.Error(t, err)

	expired := &Issuer{Secret: secret, TTL: time.Minute, Clock: clock.NewManual(time.Now().Add(-time.Hour))}
	old, err := expired.Issue("alice")
	require.NoError(t, err)
	_, err = (&JWTValidator{Secret: secret}).Validate(old)
	assert.Error(t, err)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{WalletID: "alice"}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = (&JWTValidator{Secret: secret}).Validate(none)
	assert.Error(t, err)
}

func TestMiddleware(t *testing.T) {
	iss := &Issuer{Secret: secret}
	v := &JWTValidator{Secret: secret}

	var seen *AuthInfo
	h := Authenticate(v, writeStatus)(RequireScopes(writeStatus, ScopeTransfersWrite)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen, _ = AuthInfoFromContext(r.Context())
		})))

	serve := func(authz string) int {
		req := httptest.NewRequest(http.MethodPost, "/v1/transfers", nil)
		if authz != "" {
			req.Header.Set("Authorization", authz)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusUnauthorized, serve(""))
	assert.Equal(t, http.StatusUnauthorized, serve("Bearer not-a-token"))

	readOnly, err := iss.Issue("alice", ScopeWalletsRead)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, serve("Bearer "+readOnly))

	writer, err := iss.Issue("alice", ScopeTransfersWrite)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, serve("bearer "+writer))
	require.NotNil(t, seen)
	assert.Equal(t, "alice", seen.WalletID)
}
