package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/profilehost/internal/auth"
	"github.com/MarcoPoloResearchLab/profilehost/internal/callback"
	"github.com/MarcoPoloResearchLab/profilehost/internal/identity"
	"github.com/MarcoPoloResearchLab/profilehost/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type fixedIDTokenVerifier struct {
	claims auth.IDTokenClaims
}

func (v fixedIDTokenVerifier) Verify(context.Context, string) (auth.IDTokenClaims, error) {
	return v.claims, nil
}

// newOIDCEnvironment serves the callback route through a real identity
// provider whose token endpoint counts redemptions.
func newOIDCEnvironment(t *testing.T, tokenCalls *atomic.Int32) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)

	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenCalls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "access",
			"token_type":   "Bearer",
			"expires_in":   3600,
			"id_token":     "raw-id-token",
		})
	}))
	t.Cleanup(tokenServer.Close)

	provider, err := identity.NewProvider(identity.ProviderConfig{
		ClientID:    "client-1",
		AuthURL:     "https://id.example.com/authorize",
		TokenURL:    tokenServer.URL + "/token",
		RedirectURL: testCallbackURL,
		Verifier: fixedIDTokenVerifier{claims: auth.IDTokenClaims{
			Subject:       "attacker",
			Email:         "mallory@example.com",
			EmailVerified: true,
			Nonce:         "nonce-1",
		}},
		HTTPClient: tokenServer.Client(),
	})
	if err != nil {
		t.Fatalf("failed to build provider: %v", err)
	}
	tokens, err := auth.NewSessionTokens(auth.SessionTokensConfig{
		SigningSecret: []byte(testSigningSecret),
		CookieName:    testCookieName,
		TTL:           time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to build session tokens: %v", err)
	}
	profiles, err := users.NewService(users.ServiceConfig{Store: users.NewMemoryStore()})
	if err != nil {
		t.Fatalf("failed to build users service: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Provider:    provider,
		NewBridge:   func(opts identity.BridgeOptions) identity.Bridge { return provider.NewBridge(opts) },
		Sessions:    tokens,
		Profiles:    profiles,
		CallbackURL: testCallbackURL,
		Timings: callback.Timings{
			AuthProbe:      5 * time.Millisecond,
			AuthTimeout:    100 * time.Millisecond,
			ProfileProbe:   5 * time.Millisecond,
			ProfileTimeout: 200 * time.Millisecond,
			SuccessDelay:   time.Millisecond,
			DegradedDelay:  time.Millisecond,
			ErrorDelay:     time.Millisecond,
		},
		Logger: zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	return handler
}

func TestCallbackWithoutLoginStateCookieIsRejected(t *testing.T) {
	var tokenCalls atomic.Int32
	handler := newOIDCEnvironment(t, &tokenCalls)

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/auth/callback?code=attacker-code&state=forged", http.NoBody))

	if location := recorder.Header().Get("Location"); recorder.Code != http.StatusSeeOther || location != users.RouteLogin {
		t.Fatalf("expected 303 to %s, got %d %q", users.RouteLogin, recorder.Code, location)
	}
	if tokenCalls.Load() != 0 {
		t.Fatalf("code must not be redeemed without login state, got %d token calls", tokenCalls.Load())
	}
	if findCookie(recorder, testCookieName) != nil {
		t.Fatalf("rejected callback must not issue a session")
	}
}

func TestCallbackWithMatchingLoginCookiesSignsIn(t *testing.T) {
	var tokenCalls atomic.Int32
	handler := newOIDCEnvironment(t, &tokenCalls)

	request := httptest.NewRequest(http.MethodGet, "/auth/callback?code=abc&state=state-1", http.NoBody)
	request.AddCookie(&http.Cookie{Name: stateCookieName, Value: "state-1"})
	request.AddCookie(&http.Cookie{Name: nonceCookieName, Value: "nonce-1"})
	request.AddCookie(&http.Cookie{Name: verifierCookieName, Value: "verifier-1"})
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	if location := recorder.Header().Get("Location"); recorder.Code != http.StatusSeeOther || location != users.RouteOnboarding {
		t.Fatalf("expected 303 to %s, got %d %q", users.RouteOnboarding, recorder.Code, location)
	}
	if tokenCalls.Load() != 1 {
		t.Fatalf("expected one token redemption, got %d", tokenCalls.Load())
	}
	if findCookie(recorder, testCookieName) == nil {
		t.Fatalf("expected a session cookie to be issued")
	}
}
