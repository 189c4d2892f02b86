package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coreos/go-oidc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"migrateiq/backend/internal/config"
	"migrateiq/backend/internal/logging"
	"migrateiq/backend/pkg/models"
)

// staticKeySet trusts any token and returns its payload, letting the tests
// exercise claim handling without a signing key.
type staticKeySet struct{}

func (staticKeySet) VerifySignature(_ context.Context, jwt string) ([]byte, error) {
	parts := strings.Split(jwt, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("malformed jwt: %d segments", len(parts))
	}
	return base64.RawURLEncoding.DecodeString(parts[1])
}

const testIssuer = "https://issuer.test"

func testVerifier() *oidc.IDTokenVerifier {
	return oidc.NewVerifier(testIssuer, staticKeySet{}, &oidc.Config{
		SkipClientIDCheck: true,
	})
}

func mintToken(t *testing.T, claims map[string]any) string {
	t.Helper()
	claims["iss"] = testIssuer
	claims["exp"] = time.Now().Add(time.Hour).Unix()
	payload, err := json.Marshal(claims)
	require.NoError(t, err)

	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"RS256"}`))
	body := base64.RawURLEncoding.EncodeToString(payload)
	return header + "." + body + ".sig"
}

func echoTenant(t *testing.T) (http.Handler, *models.TenantContext) {
	t.Helper()
	var captured models.TenantContext
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant, ok := TenantFromContext(r.Context())
		require.True(t, ok)
		captured = tenant
		w.WriteHeader(http.StatusOK)
	})
	return handler, &captured
}

func TestRequireAuthExtractsTenant(t *testing.T) {
	a := NewWithVerifier(testVerifier(), logging.NewLogger())
	handler, captured := echoTenant(t)

	token := mintToken(t, map[string]any{
		"sub":               "user-1",
		"client_account_id": "acme",
		"engagement_id":     "eng-2024",
		"scp":               []string{ScopeFlowRead, ScopeFlowAdmin},
	})

	req := httptest.NewRequest(http.MethodGet, "/flows", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	var gotAdmin bool
	wrapped := a.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAdmin = HasScope(r.Context(), ScopeFlowAdmin)
		handler.ServeHTTP(w, r)
	}))
	wrapped.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "acme", captured.ClientAccountID)
	assert.Equal(t, "eng-2024", captured.EngagementID)
	assert.Equal(t, "user-1", captured.UserID)
	assert.True(t, gotAdmin)
}

func TestRequireAuthRejectsMissingToken(t *testing.T) {
	a := NewWithVerifier(testVerifier(), logging.NewLogger())
	handler, _ := echoTenant(t)

	req := httptest.NewRequest(http.MethodGet, "/flows", nil)
	rec := httptest.NewRecorder()
	a.RequireAuth(handler).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireAuthRejectsIncompleteTenantClaims(t *testing.T) {
	a := NewWithVerifier(testVerifier(), logging.NewLogger())
	handler, _ := echoTenant(t)

	token := mintToken(t, map[string]any{
		"sub": "user-1",
		// no client_account_id / engagement_id
	})
	req := httptest.NewRequest(http.MethodGet, "/flows", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	a.RequireAuth(handler).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestDevBypassUsesHeaders(t *testing.T) {
	cfg := &config.Config{Environment: "DEV", DevModeBypass: true}
	a, err := New(context.Background(), cfg, logging.NewLogger())
	require.NoError(t, err)

	handler, captured := echoTenant(t)
	req := httptest.NewRequest(http.MethodGet, "/flows", nil)
	req.Header.Set("X-Client-Account-ID", "local-acct")
	rec := httptest.NewRecorder()
	a.RequireAuth(handler).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "local-acct", captured.ClientAccountID)
	assert.Equal(t, "dev-engagement", captured.EngagementID)
}

func TestHasScopeWithoutAuth(t *testing.T) {
	assert.False(t, HasScope(context.Background(), ScopeFlowAdmin))
}
