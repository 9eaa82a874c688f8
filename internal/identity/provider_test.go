package identity

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	"github.com/MarcoPoloResearchLab/profilehost/internal/auth"
)

const (
	testClientID    = "client-1"
	testCallbackURL = "https://app.example.com/auth/callback"
)

type stubVerifier struct {
	claims auth.IDTokenClaims
	err    error
	raw    string
}

func (s *stubVerifier) Verify(_ context.Context, rawToken string) (auth.IDTokenClaims, error) {
	s.raw = rawToken
	return s.claims, s.err
}

type tokenEndpoint struct {
	server    *httptest.Server
	calls     atomic.Int32
	lastForm  url.Values
	status    int
	idToken   string
	lastError error
}

func newTokenEndpoint(t *testing.T) *tokenEndpoint {
	t.Helper()
	endpoint := &tokenEndpoint{status: http.StatusOK, idToken: "raw-id-token"}
	endpoint.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoint.calls.Add(1)
		if err := r.ParseForm(); err != nil {
			endpoint.lastError = err
		}
		endpoint.lastForm = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		if endpoint.status != http.StatusOK {
			w.WriteHeader(endpoint.status)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "access",
			"token_type":   "Bearer",
			"expires_in":   3600,
			"id_token":     endpoint.idToken,
		})
	}))
	t.Cleanup(endpoint.server.Close)
	return endpoint
}

func newTestProvider(t *testing.T, endpoint *tokenEndpoint, verifier IDTokenVerifier) *Provider {
	t.Helper()
	provider, err := NewProvider(ProviderConfig{
		ClientID:      testClientID,
		ClientSecret:  "secret",
		AuthURL:       "https://id.example.com/authorize",
		TokenURL:      endpoint.server.URL + "/token",
		EndSessionURL: "https://id.example.com/logout",
		RedirectURL:   testCallbackURL,
		Verifier:      verifier,
		HTTPClient:    endpoint.server.Client(),
	})
	if err != nil {
		t.Fatalf("failed to construct provider: %v", err)
	}
	return provider
}

func TestProviderLoginBuildsPKCEAuthorizationURL(t *testing.T) {
	provider := newTestProvider(t, newTokenEndpoint(t), &stubVerifier{})

	request, err := provider.Login(LoginOptions{PostLoginRedirect: "https://other.example.com/cb"})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if request.State == "" || request.Nonce == "" || request.CodeVerifier == "" {
		t.Fatalf("expected state, nonce and verifier, got %+v", request)
	}
	if request.State == request.Nonce {
		t.Fatalf("state and nonce must be independent values")
	}

	parsed, err := url.Parse(request.AuthURL)
	if err != nil {
		t.Fatalf("invalid auth url: %v", err)
	}
	query := parsed.Query()
	if query.Get("state") != request.State {
		t.Fatalf("state not propagated: %q", query.Get("state"))
	}
	if query.Get("nonce") != request.Nonce {
		t.Fatalf("nonce not propagated: %q", query.Get("nonce"))
	}
	if query.Get("code_challenge_method") != "S256" || query.Get("code_challenge") == "" {
		t.Fatalf("expected S256 challenge, got %v", query)
	}
	if query.Get("redirect_uri") != "https://other.example.com/cb" {
		t.Fatalf("expected redirect override, got %q", query.Get("redirect_uri"))
	}
	if query.Get("client_id") != testClientID {
		t.Fatalf("unexpected client id %q", query.Get("client_id"))
	}
}

func TestProviderLogoutTargets(t *testing.T) {
	provider := newTestProvider(t, newTokenEndpoint(t), &stubVerifier{})

	target, err := url.Parse(provider.Logout(LogoutOptions{}))
	if err != nil {
		t.Fatalf("invalid logout url: %v", err)
	}
	if target.Host != "id.example.com" || target.Query().Get("post_logout_redirect_uri") != "/login" {
		t.Fatalf("unexpected logout target %s", target)
	}

	plain, err := NewProvider(ProviderConfig{
		ClientID:    testClientID,
		AuthURL:     "https://id.example.com/authorize",
		TokenURL:    "https://id.example.com/token",
		RedirectURL: testCallbackURL,
		Verifier:    &stubVerifier{},
	})
	if err != nil {
		t.Fatalf("failed to construct provider: %v", err)
	}
	if got := plain.Logout(LogoutOptions{PostLogoutRedirect: "/bye"}); got != "/bye" {
		t.Fatalf("expected local redirect, got %q", got)
	}
}

func TestNewProviderValidatesConfig(t *testing.T) {
	_, err := NewProvider(ProviderConfig{AuthURL: "a", TokenURL: "b", RedirectURL: "c", Verifier: &stubVerifier{}})
	if !errors.Is(err, ErrInvalidProviderConfig) {
		t.Fatalf("expected invalid config for missing client id, got %v", err)
	}
	_, err = NewProvider(ProviderConfig{ClientID: "x", AuthURL: "a", TokenURL: "b", RedirectURL: "c"})
	if !errors.Is(err, ErrInvalidProviderConfig) {
		t.Fatalf("expected invalid config for missing verifier, got %v", err)
	}
}
