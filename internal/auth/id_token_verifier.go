package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const defaultJWKSCacheTTL = 10 * time.Minute

var (
	errMissingToken          = errors.New("id token must not be empty")
	errMissingKeyIdentifier  = errors.New("token missing key identifier")
	errUntrustedIssuer       = errors.New("token issuer not allowed")
	errMissingSubject        = errors.New("token missing subject claim")
	errMissingAudienceClaim  = errors.New("token missing audience claim")
	errAuthorizedParty       = errors.New("token authorized party does not match client")
	errMissingAudienceConfig = errors.New("audience configuration required")
	errMissingJWKSURL        = errors.New("jwks url configuration required")
	errNoAllowedIssuers      = errors.New("no allowed issuers configured")

	// ErrInvalidVerifierConfig reports an unusable IDTokenVerifierConfig.
	ErrInvalidVerifierConfig = errors.New("auth: invalid id token verifier config")
)

// IDTokenVerifierConfig bundles configuration required to instantiate an IDTokenVerifier.
type IDTokenVerifierConfig struct {
	Audience       string
	JWKSURL        string
	AllowedIssuers []string
	HTTPClient     *http.Client
	CacheTTL       time.Duration
	Logger         *zap.Logger
	Clock          func() time.Time
}

// IDTokenClaims is the verified subset of an OIDC ID token.
type IDTokenClaims struct {
	Subject       string
	Issuer        string
	Audience      string
	Email         string
	EmailVerified bool
	Name          string
	Nonce         string
	Expiry        time.Time
	IssuedAt      time.Time
	TokenID       string
}

// VerifiedEmail returns Email only when the issuer vouches for it.
func (c IDTokenClaims) VerifiedEmail() string {
	if !c.EmailVerified {
		return ""
	}
	return c.Email
}

// IDTokenVerifier checks ID token signatures against the issuer's JWKS and
// validates the standard OIDC claims offline.
type IDTokenVerifier struct {
	audience string
	issuers  map[string]struct{}
	keys     *keySet
	clock    func() time.Time
}

// NewIDTokenVerifier constructs a verifier with validated configuration.
func NewIDTokenVerifier(cfg IDTokenVerifierConfig) (*IDTokenVerifier, error) {
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidVerifierConfig, errMissingAudienceConfig)
	}
	jwksURL := strings.TrimSpace(cfg.JWKSURL)
	if jwksURL == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidVerifierConfig, errMissingJWKSURL)
	}
	issuers := make(map[string]struct{}, len(cfg.AllowedIssuers))
	for _, issuer := range cfg.AllowedIssuers {
		if normalized := strings.TrimSpace(issuer); normalized != "" {
			issuers[normalized] = struct{}{}
		}
	}
	if len(issuers) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidVerifierConfig, errNoAllowedIssuers)
	}

	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = defaultJWKSCacheTTL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	return &IDTokenVerifier{
		audience: audience,
		issuers:  issuers,
		keys:     newKeySet(jwksURL, client, ttl, logger),
		clock:    clock,
	}, nil
}

// Verify validates rawToken and returns its claims. The nonce is reported,
// not checked; the caller holds the value issued at login.
func (v *IDTokenVerifier) Verify(ctx context.Context, rawToken string) (IDTokenClaims, error) {
	if strings.TrimSpace(rawToken) == "" {
		return IDTokenClaims{}, errMissingToken
	}

	claims := &tokenClaims{}
	_, err := jwt.ParseWithClaims(
		rawToken,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			keyID, _ := token.Header["kid"].(string)
			if keyID == "" {
				return nil, errMissingKeyIdentifier
			}
			return v.keys.lookup(ctx, keyID, v.clock())
		},
		jwt.WithAudience(v.audience),
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithTimeFunc(v.clock),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return IDTokenClaims{}, err
	}
	if err := claims.check(v.audience, v.issuers); err != nil {
		return IDTokenClaims{}, err
	}
	return claims.verified(), nil
}

// tokenClaims is the wire form of the OIDC claims this service reads.
type tokenClaims struct {
	Email           string    `json:"email"`
	EmailVerified   claimBool `json:"email_verified"`
	Name            string    `json:"name"`
	GivenName       string    `json:"given_name"`
	FamilyName      string    `json:"family_name"`
	Nonce           string    `json:"nonce"`
	AuthorizedParty string    `json:"azp"`
	jwt.RegisteredClaims
}

func (c *tokenClaims) check(audience string, issuers map[string]struct{}) error {
	if _, allowed := issuers[c.Issuer]; !allowed {
		return errUntrustedIssuer
	}
	if strings.TrimSpace(c.Subject) == "" {
		return errMissingSubject
	}
	if len(c.Audience) == 0 {
		return errMissingAudienceClaim
	}
	// OIDC Core 3.1.3.7: a multi-audience token must name the client as azp.
	if len(c.Audience) > 1 && c.AuthorizedParty == "" {
		return errAuthorizedParty
	}
	if c.AuthorizedParty != "" && c.AuthorizedParty != audience {
		return errAuthorizedParty
	}
	return nil
}

func (c *tokenClaims) verified() IDTokenClaims {
	out := IDTokenClaims{
		Subject:       c.Subject,
		Issuer:        c.Issuer,
		Audience:      c.Audience[0],
		Email:         strings.TrimSpace(c.Email),
		EmailVerified: bool(c.EmailVerified),
		Name:          c.displayName(),
		Nonce:         c.Nonce,
		TokenID:       c.ID,
	}
	if c.ExpiresAt != nil {
		out.Expiry = c.ExpiresAt.Time
	}
	if c.IssuedAt != nil {
		out.IssuedAt = c.IssuedAt.Time
	}
	return out
}

func (c *tokenClaims) displayName() string {
	if name := strings.TrimSpace(c.Name); name != "" {
		return name
	}
	return strings.TrimSpace(strings.TrimSpace(c.GivenName) + " " + strings.TrimSpace(c.FamilyName))
}

// claimBool accepts both JSON booleans and the quoted form some issuers emit.
type claimBool bool

func (b *claimBool) UnmarshalJSON(data []byte) error {
	switch strings.Trim(string(data), `"`) {
	case "true":
		*b = true
	case "false", "null", "":
		*b = false
	default:
		return fmt.Errorf("invalid boolean claim %s", data)
	}
	return nil
}
