// Package session keeps the authoritative profile for the signed-in identity
// in step with the identity bridge.
package session

import (
	"context"
	"errors"
	"sync"

	"github.com/MarcoPoloResearchLab/profilehost/internal/identity"
	"github.com/MarcoPoloResearchLab/profilehost/internal/observe"
	"github.com/MarcoPoloResearchLab/profilehost/internal/users"
	"go.uber.org/zap"
)

var (
	errMissingBridge      = errors.New("session: identity bridge required")
	errMissingProvisioner = errors.New("session: provisioner required")
)

// State is the derived session lifecycle position.
type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticating
	StateAuthenticatedNoProfile
	StateAuthenticatedProvisioning
	StateAuthenticatedReady
	StateError
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticatedNoProfile:
		return "authenticated_no_profile"
	case StateAuthenticatedProvisioning:
		return "authenticated_provisioning"
	case StateAuthenticatedReady:
		return "authenticated_ready"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Provisioner finds or creates the profile for a set of claims.
type Provisioner interface {
	Sync(ctx context.Context, claims identity.Claims) (users.Profile, error)
}

// ControllerConfig describes the dependencies of a Controller.
type ControllerConfig struct {
	Bridge      identity.Bridge
	Provisioner Provisioner
	Logger      *zap.Logger
	// Context bounds provisioning started from bridge notifications.
	Context context.Context
	// Spawn runs provisioning started from bridge notifications; defaults to a goroutine.
	Spawn func(func())
}

// Controller exposes the current profile and loading state for one identity bridge.
type Controller struct {
	bridge      identity.Bridge
	provisioner Provisioner
	logger      *zap.Logger
	ctx         context.Context
	spawn       func(func())
	hub         observe.Hub

	mu           sync.Mutex
	profile      *users.Profile
	provisioning int
	inflight     string
	lastErr      error
	unsubscribe  func()
}

// NewController constructs a Controller. Call Start to begin observing the bridge.
func NewController(cfg ControllerConfig) (*Controller, error) {
	if cfg.Bridge == nil {
		return nil, errMissingBridge
	}
	if cfg.Provisioner == nil {
		return nil, errMissingProvisioner
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx := cfg.Context
	if ctx == nil {
		ctx = context.Background()
	}
	spawn := cfg.Spawn
	if spawn == nil {
		spawn = func(fn func()) { go fn() }
	}
	return &Controller{
		bridge:      cfg.Bridge,
		provisioner: cfg.Provisioner,
		logger:      logger,
		ctx:         ctx,
		spawn:       spawn,
	}, nil
}

// Start subscribes to the bridge and reacts to its current state immediately.
func (c *Controller) Start() {
	unsubscribe := c.bridge.Subscribe(c.observeBridge)
	c.mu.Lock()
	c.unsubscribe = unsubscribe
	c.mu.Unlock()
	c.observeBridge()
}

// Close stops observing the bridge.
func (c *Controller) Close() {
	c.mu.Lock()
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	c.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

// Subscribe registers fn to run whenever profile or loading state changes.
func (c *Controller) Subscribe(fn func()) func() {
	return c.hub.Subscribe(fn)
}

// Profile returns the profile for the current identity, if one is held.
func (c *Controller) Profile() (users.Profile, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.profile == nil {
		return users.Profile{}, false
	}
	return *c.profile, true
}

// Loading reports whether the bridge is busy or provisioning is in flight.
func (c *Controller) Loading() bool {
	c.mu.Lock()
	provisioning := c.provisioning > 0
	c.mu.Unlock()
	return provisioning || c.bridge.Loading()
}

// LastError returns the most recent provisioning failure, cleared on success.
func (c *Controller) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// State derives the lifecycle position from bridge and controller state.
func (c *Controller) State() State {
	if c.bridge.LastError() != nil {
		return StateError
	}
	if c.bridge.Loading() {
		return StateAuthenticating
	}
	if !c.bridge.Authenticated() {
		return StateUnauthenticated
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.provisioning > 0:
		return StateAuthenticatedProvisioning
	case c.profile != nil:
		return StateAuthenticatedReady
	case c.lastErr != nil:
		return StateError
	default:
		return StateAuthenticatedNoProfile
	}
}

// Sync provisions or fetches the profile for claims and records the result.
// Safe to call concurrently; duplicate creations resolve to the stored profile.
func (c *Controller) Sync(ctx context.Context, claims identity.Claims) (users.Profile, error) {
	c.beginProvisioning("")
	return c.runSync(ctx, claims)
}

func (c *Controller) observeBridge() {
	claims, authenticated := c.bridge.Claims()
	if !authenticated || !claims.Valid() {
		c.mu.Lock()
		cleared := c.profile != nil
		c.profile = nil
		c.mu.Unlock()
		if cleared {
			c.hub.Notify()
		}
		return
	}

	if !c.claimProvisioning(claims.Subject) {
		return
	}
	c.hub.Notify()
	c.spawn(func() {
		_, _ = c.runSync(c.ctx, claims)
	})
}

func (c *Controller) beginProvisioning(subject string) {
	c.mu.Lock()
	c.provisioning++
	if subject != "" {
		c.inflight = subject
	}
	c.mu.Unlock()
	c.hub.Notify()
}

// claimProvisioning marks subject as in flight unless its profile is already
// held or being fetched. Only the caller that gets true may start a sync.
func (c *Controller) claimProvisioning(subject string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	held := c.profile != nil && c.profile.ExternalSubjectID == subject
	pending := c.provisioning > 0 && c.inflight == subject
	if held || pending {
		return false
	}
	c.provisioning++
	c.inflight = subject
	return true
}

func (c *Controller) runSync(ctx context.Context, claims identity.Claims) (users.Profile, error) {
	profile, err := c.provisioner.Sync(ctx, claims)

	c.mu.Lock()
	c.provisioning--
	if c.provisioning == 0 {
		c.inflight = ""
	}
	if err != nil {
		c.lastErr = err
	} else {
		c.lastErr = nil
		c.profile = &profile
	}
	c.mu.Unlock()

	if err != nil {
		c.logger.Error("profile sync failed",
			zap.String("external_subject_id", claims.Subject),
			zap.Error(err))
	}
	c.hub.Notify()
	return profile, err
}
