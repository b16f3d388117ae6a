package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSigner() *Signer {
	return &Signer{Secret: []byte("0123456789abcdef0123456789abcdef"), Issuer: "shard-ledger"}
}

func TestMintAndValidate(t *testing.T) {
	s := testSigner()
	tok, err := s.Mint("payments-api", []string{ScopeTransfersWrite}, time.Minute)
	require.NoError(t, err)

	claims, err := s.Validate(tok)
	require.NoError(t, err)
	assert.Equal(t, "payments-api", claims.ClientID)
	assert.True(t, claims.HasScope(ScopeTransfersWrite))
	assert.False(t, claims.HasScope(ScopeAccountsWrite))
}

func TestValidateRejects(t *testing.T) {
	s := testSigner()
	tok, err := s.Mint("svc", nil, time.Minute)
	require.NoError(t, err)

	other := &Signer{Secret: []byte("another-secret-another-secret-xx"), Issuer: "shard-ledger"}
	_, err = other.Validate(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)

	wrongIssuer := &Signer{Secret: s.Secret, Issuer: "someone-else"}
	_, err = wrongIssuer.Validate(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired := &Signer{Secret: s.Secret, Issuer: s.Issuer, Now: func() time.Time { return time.Now().Add(-time.Hour) }}
	old, err := expired.Mint("svc", nil, time.Minute)
	require.NoError(t, err)
	_, err = s.Validate(old)
	assert.ErrorIs(t, err, ErrInvalidToken)

	// Algorithm confusion: "none" is refused.
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, AccessTokenClaims{ClientID: "svc"}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = s.Validate(unsigned)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestBearer(t *testing.T) {
	tok, err := Bearer("Bearer abc")
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)
	tok, err = Bearer("bearer   xyz ")
	require.NoError(t, err)
	assert.Equal(t, "xyz", tok)

	for _, h := range []string{"", "Basic abc", "Bearer ", "Bear"} {
		_, err := Bearer(h)
		assert.ErrorIs(t, err, ErrMissingToken, h)
	}
}

func TestMiddleware(t *testing.T) {
	s := testSigner()
	onError := func(w http.ResponseWriter, _ *http.Request, status int, _ string) { w.WriteHeader(status) }
	h := Authenticate(s, onError)(RequireScopes(onError, ScopeAccountsRead)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ai, ok := AuthInfoFromContext(r.Context())
			require.True(t, ok)
			w.Header().Set("X-Client", ai.ClientID)
		})))

	do := func(header string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusUnauthorized, do("").Code)

	weak, err := s.Mint("svc", []string{ScopeTransfersWrite}, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, do("Bearer "+weak).Code)

	good, err := s.Mint("svc", []string{ScopeAccountsRead}, time.Minute)
	require.NoError(t, err)
	rec := do("Bearer " + good)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "svc", rec.Header().Get("X-Client"))

	admin, err := s.Mint("ops", []string{ScopeAdmin}, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, do("Bearer "+admin).Code)
}
