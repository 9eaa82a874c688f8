package identity

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/MarcoPoloResearchLab/profilehost/internal/auth"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const (
	defaultPostLogoutRedirect = "/login"
	idTokenField              = "id_token"
)

var (
	errMissingClientID    = errors.New("client id required")
	errMissingEndpoint    = errors.New("authorization and token urls required")
	errMissingRedirectURL = errors.New("redirect url required")
	errMissingVerifier    = errors.New("id token verifier required")
	errMissingIDToken     = errors.New("token response missing id_token")

	// ErrInvalidProviderConfig indicates the provider configuration is incomplete.
	ErrInvalidProviderConfig = errors.New("identity: invalid provider config")
)

// IDTokenVerifier validates raw ID tokens returned by the token endpoint.
type IDTokenVerifier interface {
	Verify(ctx context.Context, rawToken string) (auth.IDTokenClaims, error)
}

// ProviderConfig describes the OAuth2/OIDC client registration.
type ProviderConfig struct {
	ClientID      string
	ClientSecret  string
	AuthURL       string
	TokenURL      string
	EndSessionURL string
	RedirectURL   string
	Scopes        []string
	Verifier      IDTokenVerifier
	HTTPClient    *http.Client
	Logger        *zap.Logger
}

// LoginRequest is everything the browser needs to start an authorization.
type LoginRequest struct {
	AuthURL      string
	State        string
	Nonce        string
	CodeVerifier string
}

// Provider drives the authorization-code flow against one OIDC provider.
type Provider struct {
	oauth         *oauth2.Config
	endSessionURL string
	verifier      IDTokenVerifier
	httpClient    *http.Client
	logger        *zap.Logger
}

// NewProvider validates cfg and constructs a Provider.
func NewProvider(cfg ProviderConfig) (*Provider, error) {
	if strings.TrimSpace(cfg.ClientID) == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProviderConfig, errMissingClientID)
	}
	if strings.TrimSpace(cfg.AuthURL) == "" || strings.TrimSpace(cfg.TokenURL) == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProviderConfig, errMissingEndpoint)
	}
	if strings.TrimSpace(cfg.RedirectURL) == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProviderConfig, errMissingRedirectURL)
	}
	if cfg.Verifier == nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProviderConfig, errMissingVerifier)
	}
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{"openid", "profile", "email"}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		oauth: &oauth2.Config{
			ClientID:     strings.TrimSpace(cfg.ClientID),
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  strings.TrimSpace(cfg.RedirectURL),
			Scopes:       scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  strings.TrimSpace(cfg.AuthURL),
				TokenURL: strings.TrimSpace(cfg.TokenURL),
			},
		},
		endSessionURL: strings.TrimSpace(cfg.EndSessionURL),
		verifier:      cfg.Verifier,
		httpClient:    cfg.HTTPClient,
		logger:        logger,
	}, nil
}

// Login builds the authorization URL with a fresh state, nonce and PKCE
// verifier. PostLoginRedirect overrides the registered callback URL when set.
func (p *Provider) Login(opts LoginOptions) (LoginRequest, error) {
	state, err := randomToken()
	if err != nil {
		return LoginRequest{}, err
	}
	nonce, err := randomToken()
	if err != nil {
		return LoginRequest{}, err
	}
	verifier := oauth2.GenerateVerifier()
	authOptions := []oauth2.AuthCodeOption{
		oauth2.AccessTypeOnline,
		oauth2.S256ChallengeOption(verifier),
		oauth2.SetAuthURLParam("nonce", nonce),
	}
	if redirect := strings.TrimSpace(opts.PostLoginRedirect); redirect != "" {
		authOptions = append(authOptions, oauth2.SetAuthURLParam("redirect_uri", redirect))
	}
	return LoginRequest{
		AuthURL:      p.oauth.AuthCodeURL(state, authOptions...),
		State:        state,
		Nonce:        nonce,
		CodeVerifier: verifier,
	}, nil
}

// Logout returns where the browser should go once the local session is gone:
// the provider end-session endpoint when configured, otherwise the redirect itself.
func (p *Provider) Logout(opts LogoutOptions) string {
	redirect := strings.TrimSpace(opts.PostLogoutRedirect)
	if redirect == "" {
		redirect = defaultPostLogoutRedirect
	}
	if p.endSessionURL == "" {
		return redirect
	}
	endSession, err := url.Parse(p.endSessionURL)
	if err != nil {
		p.logger.Warn("invalid end session url", zap.Error(err))
		return redirect
	}
	query := endSession.Query()
	query.Set("client_id", p.oauth.ClientID)
	query.Set("post_logout_redirect_uri", redirect)
	endSession.RawQuery = query.Encode()
	return endSession.String()
}

// NewBridge returns a bridge for one callback request.
func (p *Provider) NewBridge(opts BridgeOptions) *OIDCBridge {
	return newOIDCBridge(p, opts)
}

type exchangeRequest struct {
	code         string
	redirectURI  string
	codeVerifier string
	nonce        string
}

func (p *Provider) exchange(ctx context.Context, req exchangeRequest) (Claims, error) {
	if p.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	}
	options := []oauth2.AuthCodeOption{}
	if req.redirectURI != "" {
		options = append(options, oauth2.SetAuthURLParam("redirect_uri", req.redirectURI))
	}
	if req.codeVerifier != "" {
		options = append(options, oauth2.VerifierOption(req.codeVerifier))
	}

	token, err := p.oauth.Exchange(ctx, req.code, options...)
	if err != nil {
		return Claims{}, err
	}
	rawIDToken, _ := token.Extra(idTokenField).(string)
	if rawIDToken == "" {
		return Claims{}, errMissingIDToken
	}
	verified, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return Claims{}, fmt.Errorf("id token verification failed: %w", err)
	}
	if req.nonce == "" || subtle.ConstantTimeCompare([]byte(verified.Nonce), []byte(req.nonce)) != 1 {
		return Claims{}, errNonceMismatch
	}
	return Claims{
		Subject: verified.Subject,
		Email:   verified.VerifiedEmail(),
		Name:    verified.Name,
	}, nil
}
