package identity

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/profilehost/internal/observe"
	"go.uber.org/zap"
)

var (
	errMissingCode   = errors.New("redirect carries no code")
	errStateMismatch = errors.New("state does not match login request")
	errNonceMismatch = errors.New("id token nonce does not match login request")
)

// BridgeOptions carries per-request login context into a bridge.
type BridgeOptions struct {
	// ExpectedState and ExpectedNonce are the values Login issued for this
	// browser. A redirect is only redeemed when both are present and match.
	ExpectedState string
	ExpectedNonce string
	CodeVerifier  string
	// Session holds claims from an existing session cookie, if any.
	Session *Claims
}

// OIDCBridge is a Bridge backed by a Provider for a single callback request.
type OIDCBridge struct {
	provider      *Provider
	expectedState string
	expectedNonce string
	codeVerifier  string
	hub           observe.Hub

	mu            sync.Mutex
	loading       bool
	authenticated bool
	claims        Claims
	lastErr       error
	exchanged     bool
}

func newOIDCBridge(provider *Provider, opts BridgeOptions) *OIDCBridge {
	bridge := &OIDCBridge{
		provider:      provider,
		expectedState: opts.ExpectedState,
		expectedNonce: opts.ExpectedNonce,
		codeVerifier:  opts.CodeVerifier,
	}
	if opts.Session != nil && opts.Session.Valid() {
		bridge.authenticated = true
		bridge.claims = *opts.Session
	}
	return bridge
}

func (b *OIDCBridge) Loading() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.loading
}

func (b *OIDCBridge) Authenticated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.authenticated
}

func (b *OIDCBridge) Claims() (Claims, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.claims, b.authenticated
}

func (b *OIDCBridge) LastError() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastErr
}

func (b *OIDCBridge) Subscribe(fn func()) func() {
	return b.hub.Subscribe(fn)
}

// ExchangeCodeForToken redeems the code carried by redirectURI. A bridge
// redeems at most one code; later calls fail without contacting the provider.
func (b *OIDCBridge) ExchangeCodeForToken(ctx context.Context, redirectURI string) error {
	parsed, err := url.Parse(redirectURI)
	if err != nil {
		return b.fail(fmt.Errorf("%w: %v", ErrExchange, err))
	}
	query := parsed.Query()
	if providerErr := strings.TrimSpace(query.Get("error")); providerErr != "" {
		return b.fail(fmt.Errorf("%w: %s %s", ErrProvider, providerErr, query.Get("error_description")))
	}
	code := strings.TrimSpace(query.Get("code"))
	if code == "" {
		return b.fail(fmt.Errorf("%w: %v", ErrExchange, errMissingCode))
	}
	if !b.stateMatches(query.Get("state")) {
		return b.fail(fmt.Errorf("%w: %v", ErrExchange, errStateMismatch))
	}

	b.mu.Lock()
	if b.exchanged {
		b.mu.Unlock()
		return fmt.Errorf("%w: code already redeemed", ErrExchange)
	}
	b.exchanged = true
	b.loading = true
	b.mu.Unlock()
	b.hub.Notify()

	parsed.RawQuery = ""
	parsed.Fragment = ""
	claims, err := b.provider.exchange(ctx, exchangeRequest{
		code:         code,
		redirectURI:  parsed.String(),
		codeVerifier: b.codeVerifier,
		nonce:        b.expectedNonce,
	})

	b.mu.Lock()
	b.loading = false
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrExchange, err)
		b.lastErr = err
	} else {
		b.authenticated = true
		b.claims = claims
	}
	b.mu.Unlock()
	b.hub.Notify()

	if err != nil {
		b.provider.logger.Warn("authorization code exchange failed", zap.Error(err))
		return err
	}
	b.provider.logger.Info("authorization code exchanged", zap.String("subject", claims.Subject))
	return nil
}

func (b *OIDCBridge) stateMatches(state string) bool {
	if b.expectedState == "" || state == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(state), []byte(b.expectedState)) == 1
}

func (b *OIDCBridge) fail(err error) error {
	b.mu.Lock()
	b.lastErr = err
	b.mu.Unlock()
	b.hub.Notify()
	return err
}
