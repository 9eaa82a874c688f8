package server

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/profilehost/internal/auth"
	"github.com/MarcoPoloResearchLab/profilehost/internal/callback"
	"github.com/MarcoPoloResearchLab/profilehost/internal/identity"
	"github.com/MarcoPoloResearchLab/profilehost/internal/session"
	"github.com/MarcoPoloResearchLab/profilehost/internal/users"
	"github.com/coder/quartz"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	sessionClaimsContextKey = "profilehost_session_claims"
	stateCookieName         = "__oauth_state"
	verifierCookieName      = "__oauth_verifier"
	nonceCookieName         = "__oauth_nonce"
	loginCookieTTL          = 5 * time.Minute
	routeAuthLogin          = "/auth/login"
)

var (
	errMissingIdentityProvider = errors.New("identity provider dependency required")
	errMissingBridgeFactory    = errors.New("bridge factory dependency required")
	errMissingSessionManager   = errors.New("session manager dependency required")
	errMissingProfileService   = errors.New("profile service dependency required")
	errMissingCallbackURL      = errors.New("callback url dependency required")
)

// IdentityProvider starts and ends provider sessions.
type IdentityProvider interface {
	Login(opts identity.LoginOptions) (identity.LoginRequest, error)
	Logout(opts identity.LogoutOptions) string
}

// SessionManager mints and reads the session cookie.
type SessionManager interface {
	Issue(subject, email, displayName string) (string, time.Time, error)
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
	SetCookie(w http.ResponseWriter, token string, expiresAt time.Time)
	ClearCookie(w http.ResponseWriter)
}

// ProfileService provisions and updates profiles.
type ProfileService interface {
	Sync(ctx context.Context, claims identity.Claims) (users.Profile, error)
	Find(ctx context.Context, externalSubjectID string) (users.Profile, error)
	CompleteOnboarding(ctx context.Context, externalSubjectID, username string) (users.Profile, error)
}

// Dependencies wires the HTTP handler.
type Dependencies struct {
	Provider IdentityProvider
	// NewBridge opens the identity bridge for one callback request.
	NewBridge func(opts identity.BridgeOptions) identity.Bridge
	Sessions  SessionManager
	Profiles  ProfileService
	// CallbackURL is the registered redirect URL; the request query is appended
	// to it before the code exchange.
	CallbackURL    string
	Timings        callback.Timings
	Clock          quartz.Clock
	AllowedOrigins []string
	SecureCookies  bool
	Logger         *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Provider == nil {
		return nil, errMissingIdentityProvider
	}
	if deps.NewBridge == nil {
		return nil, errMissingBridgeFactory
	}
	if deps.Sessions == nil {
		return nil, errMissingSessionManager
	}
	if deps.Profiles == nil {
		return nil, errMissingProfileService
	}
	if strings.TrimSpace(deps.CallbackURL) == "" {
		return nil, errMissingCallbackURL
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clk := deps.Clock
	if clk == nil {
		clk = quartz.NewReal()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		provider:      deps.Provider,
		newBridge:     deps.NewBridge,
		sessions:      deps.Sessions,
		profiles:      deps.Profiles,
		callbackURL:   strings.TrimSpace(deps.CallbackURL),
		timings:       deps.Timings.WithDefaults(),
		clock:         clk,
		secureCookies: deps.SecureCookies,
		logger:        logger,
	}

	router.GET(routeAuthLogin, handler.handleLogin)
	router.GET("/auth/callback", handler.handleCallback)
	router.POST("/auth/logout", handler.handleLogout)

	router.GET("/", handler.handleRoot)
	router.GET(users.RouteLogin, handler.handleLoginPage)
	router.GET(users.RouteOnboarding, handler.handleSetupPage)
	router.GET(users.RouteMain, handler.handleMainPage)

	api := router.Group("/api")
	api.Use(handler.authorizeRequest)
	api.GET("/me", handler.handleMe)
	api.POST("/profile/username", handler.handleChooseUsername)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Content-Type", "X-Requested-With"},
		MaxAge:       12 * time.Hour,
	}
	origins := make([]string, 0, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	if len(origins) == 0 || containsWildcard(origins) {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = origins
		config.AllowCredentials = true
	}
	return cors.New(config)
}

func containsWildcard(origins []string) bool {
	for _, origin := range origins {
		if origin == "*" {
			return true
		}
	}
	return false
}

type httpHandler struct {
	provider      IdentityProvider
	newBridge     func(opts identity.BridgeOptions) identity.Bridge
	sessions      SessionManager
	profiles      ProfileService
	callbackURL   string
	timings       callback.Timings
	clock         quartz.Clock
	secureCookies bool
	logger        *zap.Logger
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	request, err := h.provider.Login(identity.LoginOptions{})
	if err != nil {
		h.logger.Error("failed to start login", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login_failed"})
		return
	}
	h.setLoginCookie(c, stateCookieName, request.State)
	h.setLoginCookie(c, verifierCookieName, request.CodeVerifier)
	h.setLoginCookie(c, nonceCookieName, request.Nonce)
	c.Redirect(http.StatusFound, request.AuthURL)
}

// handleCallback mounts one callback run for the request and answers with the
// redirect it decides on. A client that goes away unmounts the run.
func (h *httpHandler) handleCallback(c *gin.Context) {
	ctx := c.Request.Context()

	options := identity.BridgeOptions{
		ExpectedState: readCookie(c, stateCookieName),
		ExpectedNonce: readCookie(c, nonceCookieName),
		CodeVerifier:  readCookie(c, verifierCookieName),
	}
	existing, hasSession := h.currentSession(c)
	if hasSession {
		options.Session = &existing
	}
	bridge := h.newBridge(options)

	controller, err := session.NewController(session.ControllerConfig{
		Bridge:      bridge,
		Provisioner: h.profiles,
		Logger:      h.logger,
		Context:     ctx,
	})
	if err != nil {
		h.logger.Error("failed to build session controller", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "callback_failed"})
		return
	}
	controller.Start()
	defer controller.Close()

	redirect, err := callback.ParseRedirect(h.exchangeURI(c.Request.URL))
	if err != nil {
		h.logger.Warn("invalid callback url", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	coordinator, err := callback.NewCoordinator(callback.Config{
		Bridge:  bridge,
		Session: controller,
		Navigator: callback.NavigatorFunc(func(path string, _ callback.NavigateOptions) {
			h.logger.Debug("callback navigating", zap.String("path", path))
		}),
		Redirect: redirect,
		Timings:  h.timings,
		Clock:    h.clock,
		Logger:   h.logger,
		Context:  ctx,
	})
	if err != nil {
		h.logger.Error("failed to build callback coordinator", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "callback_failed"})
		return
	}

	decision, err := coordinator.Await(ctx)
	if err != nil {
		h.logger.Info("callback abandoned by client", zap.Error(err))
		c.Abort()
		return
	}

	h.clearLoginCookies(c)
	if claims, authenticated := bridge.Claims(); authenticated && !hasSession {
		h.issueSession(c, claims, controller)
	}
	c.Redirect(http.StatusSeeOther, decision.Path)
}

func (h *httpHandler) handleLogout(c *gin.Context) {
	h.sessions.ClearCookie(c.Writer)
	target := h.provider.Logout(identity.LogoutOptions{PostLogoutRedirect: users.RouteLogin})
	c.Redirect(http.StatusSeeOther, target)
}

func (h *httpHandler) handleRoot(c *gin.Context) {
	claims, ok := h.currentSession(c)
	if !ok {
		c.Redirect(http.StatusSeeOther, users.RouteLogin)
		return
	}
	profile, err := h.profiles.Sync(c.Request.Context(), claims)
	if err != nil {
		h.logger.Error("failed to load profile", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "profile_unavailable"})
		return
	}
	c.Redirect(http.StatusSeeOther, users.Destination(profile))
}

func (h *httpHandler) handleLoginPage(c *gin.Context) {
	if claims, ok := h.currentSession(c); ok {
		if profile, err := h.profiles.Find(c.Request.Context(), claims.Subject); err == nil {
			c.Redirect(http.StatusSeeOther, users.Destination(profile))
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"login_url": routeAuthLogin})
}

func (h *httpHandler) handleSetupPage(c *gin.Context) {
	h.gatePage(c, users.RouteOnboarding)
}

func (h *httpHandler) handleMainPage(c *gin.Context) {
	h.gatePage(c, users.RouteMain)
}

// gatePage serves route only to users whose destination it is.
func (h *httpHandler) gatePage(c *gin.Context, route string) {
	claims, ok := h.currentSession(c)
	if !ok {
		c.Redirect(http.StatusSeeOther, users.RouteLogin)
		return
	}
	profile, err := h.profiles.Find(c.Request.Context(), claims.Subject)
	if errors.Is(err, users.ErrNotFound) {
		c.Redirect(http.StatusSeeOther, "/")
		return
	}
	if err != nil {
		h.logger.Error("failed to load profile", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "profile_unavailable"})
		return
	}
	if destination := users.Destination(profile); destination != route {
		c.Redirect(http.StatusSeeOther, destination)
		return
	}
	c.JSON(http.StatusOK, newProfilePayload(profile))
}

type profilePayload struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
	Onboarded   bool   `json:"onboarded"`
	Next        string `json:"next"`
}

func newProfilePayload(profile users.Profile) profilePayload {
	return profilePayload{
		ID:          profile.ID,
		Username:    profile.Username,
		DisplayName: profile.DisplayName,
		Email:       profile.Email,
		Onboarded:   profile.OnboardingComplete(),
		Next:        users.Destination(profile),
	}
}

func (h *httpHandler) handleMe(c *gin.Context) {
	claims := sessionClaimsFromContext(c)
	profile, err := h.profiles.Sync(c.Request.Context(), claims)
	if err != nil {
		h.logger.Error("failed to sync profile", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "profile_unavailable"})
		return
	}
	c.JSON(http.StatusOK, newProfilePayload(profile))
}

type usernameRequestPayload struct {
	Username string `json:"username"`
}

func (h *httpHandler) handleChooseUsername(c *gin.Context) {
	claims := sessionClaimsFromContext(c)

	var request usernameRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	profile, err := h.profiles.CompleteOnboarding(c.Request.Context(), claims.Subject, request.Username)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, newProfilePayload(profile))
	case errors.Is(err, users.ErrInvalidUsername):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_username", "detail": err.Error()})
	case errors.Is(err, users.ErrUsernameTaken):
		c.JSON(http.StatusConflict, gin.H{"error": "username_taken"})
	case errors.Is(err, users.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "profile_not_found"})
	default:
		h.logger.Error("failed to complete onboarding", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "onboarding_failed"})
	}
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	sessionClaims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrMissingSessionToken):
		case errors.Is(err, auth.ErrExpiredSessionToken):
			h.logger.Info("session validation failed", zap.Error(err))
		default:
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(sessionClaimsContextKey, claimsFromSession(sessionClaims))
	c.Next()
}

func sessionClaimsFromContext(c *gin.Context) identity.Claims {
	value, _ := c.Get(sessionClaimsContextKey)
	claims, _ := value.(identity.Claims)
	return claims
}

func (h *httpHandler) currentSession(c *gin.Context) (identity.Claims, bool) {
	sessionClaims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		return identity.Claims{}, false
	}
	return claimsFromSession(sessionClaims), true
}

func claimsFromSession(sessionClaims auth.SessionClaims) identity.Claims {
	return identity.Claims{
		Subject: sessionClaims.Subject,
		Email:   sessionClaims.UserEmail,
		Name:    sessionClaims.UserDisplayName,
	}
}

func (h *httpHandler) issueSession(c *gin.Context, claims identity.Claims, controller *session.Controller) {
	displayName := users.DisplayNameFor(claims.Name, claims.Email)
	if profile, ok := controller.Profile(); ok && profile.DisplayName != "" {
		displayName = profile.DisplayName
	}
	token, expiresAt, err := h.sessions.Issue(claims.Subject, claims.Email, displayName)
	if err != nil {
		h.logger.Error("failed to issue session", zap.Error(err))
		return
	}
	h.sessions.SetCookie(c.Writer, token, expiresAt)
}

// exchangeURI rebuilds the callback URL the provider redirected to from the
// registered URL and the request query.
func (h *httpHandler) exchangeURI(requestURL *url.URL) string {
	if requestURL.RawQuery == "" {
		return h.callbackURL
	}
	return h.callbackURL + "?" + requestURL.RawQuery
}

func (h *httpHandler) setLoginCookie(c *gin.Context, name, value string) {
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/auth",
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(loginCookieTTL.Seconds()),
	})
}

func (h *httpHandler) clearLoginCookies(c *gin.Context) {
	for _, name := range []string{stateCookieName, verifierCookieName, nonceCookieName} {
		http.SetCookie(c.Writer, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/auth",
			HttpOnly: true,
			Secure:   h.secureCookies,
			SameSite: http.SameSiteLaxMode,
			MaxAge:   -1,
		})
	}
}

func readCookie(c *gin.Context, name string) string {
	cookie, err := c.Request.Cookie(name)
	if err != nil {
		return ""
	}
	return cookie.Value
}
