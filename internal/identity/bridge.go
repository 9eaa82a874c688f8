package identity

import (
	"context"
	"errors"
)

var (
	// ErrExchange indicates the authorization code was invalid, expired or replayed.
	ErrExchange = errors.New("identity: code exchange failed")
	// ErrProvider indicates the provider reported a failure on the redirect.
	ErrProvider = errors.New("identity: provider error")
)

// Bridge is the view of the identity provider the callback flow depends on.
// Implementations notify subscribers whenever any reported value changes.
type Bridge interface {
	Loading() bool
	Authenticated() bool
	Claims() (Claims, bool)
	LastError() error
	ExchangeCodeForToken(ctx context.Context, redirectURI string) error
	Subscribe(fn func()) (unsubscribe func())
}

// LoginOptions configures the authorization redirect.
type LoginOptions struct {
	PostLoginRedirect string
}

// LogoutOptions configures where the browser goes after logout.
type LogoutOptions struct {
	PostLogoutRedirect string
}
