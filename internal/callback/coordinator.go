package callback

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/profilehost/internal/identity"
	"github.com/MarcoPoloResearchLab/profilehost/internal/users"
	"github.com/coder/quartz"
	"go.uber.org/zap"
)

var (
	errMissingBridge    = errors.New("callback: identity bridge required")
	errMissingSession   = errors.New("callback: session required")
	errMissingNavigator = errors.New("callback: navigator required")
)

// NavigateOptions qualifies a navigation.
type NavigateOptions struct {
	Replace bool
}

// Navigator performs the page transition.
type Navigator interface {
	Navigate(path string, opts NavigateOptions)
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func(path string, opts NavigateOptions)

func (f NavigatorFunc) Navigate(path string, opts NavigateOptions) {
	f(path, opts)
}

// Session is the profile view the coordinator waits on.
type Session interface {
	Profile() (users.Profile, bool)
	Loading() bool
	Subscribe(fn func()) (unsubscribe func())
}

// Decision is the navigation a run committed to.
type Decision struct {
	Path    string
	Outcome Outcome
	Err     error
}

// Config describes one callback run.
type Config struct {
	Bridge    identity.Bridge
	Session   Session
	Navigator Navigator
	Redirect  Redirect
	Timings   Timings
	Clock     quartz.Clock
	Logger    *zap.Logger
	// Context bounds the code exchange. The run cancels it once it has
	// navigated or been unmounted.
	Context context.Context
	// Spawn runs the code exchange; defaults to a goroutine.
	Spawn func(func())
}

// Coordinator interprets Decide for one mounted callback run. All state below
// the loop is touched only from loop tasks.
type Coordinator struct {
	bridge    identity.Bridge
	session   Session
	navigator Navigator
	redirect  Redirect
	timings   Timings
	clock     quartz.Clock
	logger    *zap.Logger
	spawn     func(func())
	ctx       context.Context
	cancel    context.CancelFunc

	loop      Loop
	unmounted atomic.Bool
	done      chan Decision

	stateMu sync.Mutex
	state   State

	mounted           bool
	exchangeAttempted bool
	exchangeErr       error
	authStartedAt     time.Time
	profileWaitSince  time.Time
	profileWaiting    bool
	generation        uint64
	evalTimers        []*quartz.Timer
	navTimer          *quartz.Timer
	navigated         bool
	unsubscribes      []func()
}

// NewCoordinator validates cfg and constructs an unmounted Coordinator.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Bridge == nil {
		return nil, errMissingBridge
	}
	if cfg.Session == nil {
		return nil, errMissingSession
	}
	if cfg.Navigator == nil {
		return nil, errMissingNavigator
	}
	clk := cfg.Clock
	if clk == nil {
		clk = quartz.NewReal()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	spawn := cfg.Spawn
	if spawn == nil {
		spawn = func(fn func()) { go fn() }
	}
	parent := cfg.Context
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Coordinator{
		bridge:    cfg.Bridge,
		session:   cfg.Session,
		navigator: cfg.Navigator,
		redirect:  cfg.Redirect,
		timings:   cfg.Timings.WithDefaults(),
		clock:     clk,
		logger:    logger,
		spawn:     spawn,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan Decision, 1),
		state:     StateInit,
	}, nil
}

// Mount subscribes to the bridge and session and runs the first evaluation.
func (c *Coordinator) Mount() {
	c.loop.Post(func() {
		if c.mounted || c.unmounted.Load() {
			return
		}
		c.mounted = true
		reevaluate := func() { c.loop.Post(c.evaluate) }
		c.unsubscribes = append(c.unsubscribes,
			c.bridge.Subscribe(reevaluate),
			c.session.Subscribe(reevaluate),
		)
		c.evaluate()
	})
}

// Unmount cancels every outstanding timer and the exchange context. No
// navigation happens afterwards, even one already scheduled.
func (c *Coordinator) Unmount() {
	if c.unmounted.Swap(true) {
		return
	}
	c.cancel()
	c.loop.Post(func() {
		c.cancelEvaluationTimers()
		if c.navTimer != nil {
			c.navTimer.Stop()
			c.navTimer = nil
		}
		c.release()
	})
}

// State returns the current state.
func (c *Coordinator) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

// Done delivers the decision once the navigation has been performed.
func (c *Coordinator) Done() <-chan Decision {
	return c.done
}

// Await mounts the run and waits for its navigation. If ctx ends first the
// run is unmounted and ctx's error returned.
func (c *Coordinator) Await(ctx context.Context) (Decision, error) {
	c.Mount()
	select {
	case decision := <-c.done:
		return decision, nil
	case <-ctx.Done():
		c.Unmount()
		return Decision{}, ctx.Err()
	}
}

func (c *Coordinator) evaluate() {
	if c.unmounted.Load() || !c.mounted {
		return
	}
	current := c.State()
	if current.Terminal() {
		return
	}

	now := c.clock.Now("Coordinator", "evaluate")
	in := c.snapshot(now)
	step := Decide(c.timings, current, in)

	c.cancelEvaluationTimers()
	c.setState(step.State)
	if step.State != current {
		c.logger.Debug("callback state changed",
			zap.String("from", current.String()),
			zap.String("to", step.State.String()))
	}

	for _, effect := range step.Effects {
		switch effect.Kind {
		case EffectExchangeCode:
			c.startExchange(now)
		case EffectProbe, EffectDeadline:
			c.evalTimers = append(c.evalTimers, c.schedule(effect.Delay, c.evaluate))
		case EffectNavigate:
			c.commit(effect, step.Outcome)
		}
	}
}

func (c *Coordinator) snapshot(now time.Time) Inputs {
	profile, hasProfile := c.session.Profile()
	in := Inputs{
		BridgeLoading:     c.bridge.Loading(),
		Authenticated:     c.bridge.Authenticated(),
		BridgeError:       c.bridge.LastError(),
		Code:              c.redirect.Code,
		ProviderError:     c.redirect.Error,
		Profile:           profile,
		HasProfile:        hasProfile,
		SessionLoading:    c.session.Loading(),
		ExchangeAttempted: c.exchangeAttempted,
		ExchangeErr:       c.exchangeErr,
	}
	if c.exchangeAttempted {
		in.AuthWaited = now.Sub(c.authStartedAt)
	}
	if in.Authenticated && !in.HasProfile {
		if !c.profileWaiting {
			c.profileWaiting = true
			c.profileWaitSince = now
		}
		in.ProfileWaited = now.Sub(c.profileWaitSince)
	}
	return in
}

func (c *Coordinator) startExchange(now time.Time) {
	if c.exchangeAttempted {
		return
	}
	c.exchangeAttempted = true
	c.authStartedAt = now
	ctx := c.ctx
	redirectURI := c.redirect.URI
	c.spawn(func() {
		err := c.bridge.ExchangeCodeForToken(ctx, redirectURI)
		c.loop.Post(func() {
			if err != nil {
				c.exchangeErr = err
				c.logger.Warn("code exchange rejected", zap.Error(err))
			}
			c.evaluate()
		})
	})
}

func (c *Coordinator) commit(effect Effect, outcome Outcome) {
	decision := Decision{Path: effect.Path, Outcome: outcome, Err: outcome.Err()}
	fields := []zap.Field{
		zap.String("path", decision.Path),
		zap.String("outcome", outcome.String()),
		zap.Duration("delay", effect.Delay),
	}
	if outcome == OutcomeProviderError {
		fields = append(fields,
			zap.String("provider_error", c.redirect.Error),
			zap.String("error_description", c.redirect.ErrorDescription))
	}
	if decision.Err != nil {
		c.logger.Info("callback failed, redirecting", append(fields, zap.Error(decision.Err))...)
	} else {
		c.logger.Info("callback decided", fields...)
	}
	c.navTimer = c.schedule(effect.Delay, func() {
		c.navTimer = nil
		c.fire(decision)
	})
}

func (c *Coordinator) fire(decision Decision) {
	if c.navigated {
		return
	}
	c.navigated = true
	c.navigator.Navigate(decision.Path, NavigateOptions{Replace: true})
	c.cancel()
	c.release()
	c.done <- decision
}

// schedule arms a timer whose task runs on the loop only if it still belongs
// to the current evaluation and the run is still mounted.
func (c *Coordinator) schedule(delay time.Duration, task func()) *quartz.Timer {
	generation := c.generation
	return c.clock.AfterFunc(delay, func() {
		c.loop.Post(func() {
			if c.unmounted.Load() || generation != c.generation {
				return
			}
			task()
		})
	}, "Coordinator", "schedule")
}

func (c *Coordinator) cancelEvaluationTimers() {
	c.generation++
	for _, timer := range c.evalTimers {
		timer.Stop()
	}
	c.evalTimers = c.evalTimers[:0]
}

func (c *Coordinator) setState(state State) {
	c.stateMu.Lock()
	c.state = state
	c.stateMu.Unlock()
}

func (c *Coordinator) release() {
	for _, unsubscribe := range c.unsubscribes {
		unsubscribe()
	}
	c.unsubscribes = nil
}
