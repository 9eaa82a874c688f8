// Package identitytest provides a scriptable identity.Bridge for tests.
package identitytest

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/profilehost/internal/identity"
	"github.com/MarcoPoloResearchLab/profilehost/internal/observe"
)

// Bridge is an identity.Bridge whose state is set directly by the test.
type Bridge struct {
	hub observe.Hub

	mu            sync.Mutex
	loading       bool
	authenticated bool
	claims        identity.Claims
	lastErr       error
	exchangeFunc  func(ctx context.Context, redirectURI string) error
	exchanges     []string
}

var _ identity.Bridge = (*Bridge)(nil)

// NewBridge returns an idle, unauthenticated bridge.
func NewBridge() *Bridge {
	return &Bridge{}
}

func (b *Bridge) Loading() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.loading
}

func (b *Bridge) Authenticated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.authenticated
}

func (b *Bridge) Claims() (identity.Claims, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.claims, b.authenticated
}

func (b *Bridge) LastError() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastErr
}

func (b *Bridge) Subscribe(fn func()) func() {
	return b.hub.Subscribe(fn)
}

// ExchangeCodeForToken records the call and delegates to the configured
// exchange function; without one it succeeds without changing state.
func (b *Bridge) ExchangeCodeForToken(ctx context.Context, redirectURI string) error {
	b.mu.Lock()
	b.exchanges = append(b.exchanges, redirectURI)
	exchange := b.exchangeFunc
	b.mu.Unlock()
	if exchange == nil {
		return nil
	}
	return exchange(ctx, redirectURI)
}

// OnExchange installs the function run by ExchangeCodeForToken.
func (b *Bridge) OnExchange(fn func(ctx context.Context, redirectURI string) error) {
	b.mu.Lock()
	b.exchangeFunc = fn
	b.mu.Unlock()
}

// Exchanges returns the redirect URIs passed to ExchangeCodeForToken.
func (b *Bridge) Exchanges() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.exchanges...)
}

// SetLoading updates the loading flag and notifies subscribers.
func (b *Bridge) SetLoading(loading bool) {
	b.mu.Lock()
	b.loading = loading
	b.mu.Unlock()
	b.hub.Notify()
}

// Authenticate marks the bridge authenticated with claims and notifies subscribers.
func (b *Bridge) Authenticate(claims identity.Claims) {
	b.mu.Lock()
	b.loading = false
	b.authenticated = true
	b.claims = claims
	b.mu.Unlock()
	b.hub.Notify()
}

// SetError records err as the last provider error and notifies subscribers.
func (b *Bridge) SetError(err error) {
	b.mu.Lock()
	b.lastErr = err
	b.mu.Unlock()
	b.hub.Notify()
}

// Notify re-announces the current state without changing it.
func (b *Bridge) Notify() {
	b.hub.Notify()
}

// Subscribers reports how many listeners are registered.
func (b *Bridge) Subscribers() int {
	return b.hub.Len()
}
