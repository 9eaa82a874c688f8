// Package callback decides where the browser lands after the identity
// provider redirects back. Decide is the pure transition function; Coordinator
// interprets its effects against a clock and the live collaborators.
package callback

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/profilehost/internal/identity"
	"github.com/MarcoPoloResearchLab/profilehost/internal/users"
)

// State is the coordinator's position in the callback flow.
type State int

const (
	StateInit State = iota
	StateWaitingForBridge
	StateProviderError
	StateExchangingCode
	StateAwaitingAuthentication
	StateAwaitingProfile
	StateDecided
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateWaitingForBridge:
		return "waiting_for_bridge"
	case StateProviderError:
		return "provider_error"
	case StateExchangingCode:
		return "exchanging_code"
	case StateAwaitingAuthentication:
		return "awaiting_authentication"
	case StateAwaitingProfile:
		return "awaiting_profile"
	case StateDecided:
		return "decided"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether a navigation has been committed. Terminal states
// never transition again.
func (s State) Terminal() bool {
	return s == StateProviderError || s == StateDecided || s == StateFailed
}

var (
	ErrProvider       = errors.New("callback: provider reported an error")
	ErrExchange       = errors.New("callback: code exchange failed")
	ErrMissingCode    = errors.New("callback: redirect carried no code")
	ErrAuthTimeout    = errors.New("callback: authentication did not complete in time")
	ErrProfileTimeout = errors.New("callback: profile did not appear in time")
)

// Outcome classifies why a navigation was chosen.
type Outcome int

const (
	OutcomePending Outcome = iota
	OutcomeReady
	OutcomeOnboarding
	OutcomeProfileTimeout
	OutcomeProviderError
	OutcomeExchangeError
	OutcomeMissingCode
	OutcomeAuthTimeout
)

func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomeReady:
		return "ready"
	case OutcomeOnboarding:
		return "onboarding"
	case OutcomeProfileTimeout:
		return "profile_timeout"
	case OutcomeProviderError:
		return "provider_error"
	case OutcomeExchangeError:
		return "exchange_error"
	case OutcomeMissingCode:
		return "missing_code"
	case OutcomeAuthTimeout:
		return "auth_timeout"
	default:
		return "unknown"
	}
}

// Err maps the outcome onto its error kind; successful outcomes return nil.
func (o Outcome) Err() error {
	switch o {
	case OutcomeProfileTimeout:
		return ErrProfileTimeout
	case OutcomeProviderError:
		return ErrProvider
	case OutcomeExchangeError:
		return ErrExchange
	case OutcomeMissingCode:
		return ErrMissingCode
	case OutcomeAuthTimeout:
		return ErrAuthTimeout
	default:
		return nil
	}
}

// Timings bounds every wait in the callback flow.
type Timings struct {
	AuthProbe      time.Duration
	AuthTimeout    time.Duration
	ProfileProbe   time.Duration
	ProfileTimeout time.Duration
	SuccessDelay   time.Duration
	DegradedDelay  time.Duration
	ErrorDelay     time.Duration
}

// DefaultTimings returns the production timings.
func DefaultTimings() Timings {
	return Timings{
		AuthProbe:      500 * time.Millisecond,
		AuthTimeout:    10 * time.Second,
		ProfileProbe:   500 * time.Millisecond,
		ProfileTimeout: 15 * time.Second,
		SuccessDelay:   500 * time.Millisecond,
		DegradedDelay:  time.Second,
		ErrorDelay:     2 * time.Second,
	}
}

// WithDefaults fills unset or negative values from DefaultTimings.
func (t Timings) WithDefaults() Timings {
	defaults := DefaultTimings()
	pick := func(value, fallback time.Duration) time.Duration {
		if value <= 0 {
			return fallback
		}
		return value
	}
	return Timings{
		AuthProbe:      pick(t.AuthProbe, defaults.AuthProbe),
		AuthTimeout:    pick(t.AuthTimeout, defaults.AuthTimeout),
		ProfileProbe:   pick(t.ProfileProbe, defaults.ProfileProbe),
		ProfileTimeout: pick(t.ProfileTimeout, defaults.ProfileTimeout),
		SuccessDelay:   pick(t.SuccessDelay, defaults.SuccessDelay),
		DegradedDelay:  pick(t.DegradedDelay, defaults.DegradedDelay),
		ErrorDelay:     pick(t.ErrorDelay, defaults.ErrorDelay),
	}
}

// Inputs is a snapshot of everything a decision depends on.
type Inputs struct {
	BridgeLoading bool
	Authenticated bool
	BridgeError   error

	// Code and ProviderError come from the redirect query.
	Code          string
	ProviderError string

	Profile        users.Profile
	HasProfile     bool
	SessionLoading bool

	ExchangeAttempted bool
	ExchangeErr       error
	// AuthWaited is the time since the exchange started.
	AuthWaited time.Duration
	// ProfileWaited is the time since the identity was first seen
	// authenticated without a profile.
	ProfileWaited time.Duration
}

// EffectKind names a side effect the interpreter must carry out.
type EffectKind int

const (
	// EffectExchangeCode redeems the redirect code once.
	EffectExchangeCode EffectKind = iota
	// EffectProbe re-evaluates after Delay.
	EffectProbe
	// EffectDeadline re-evaluates after Delay, when the wait it bounds expires.
	EffectDeadline
	// EffectNavigate navigates to Path after Delay.
	EffectNavigate
)

// Effect is a side effect requested by a transition.
type Effect struct {
	Kind  EffectKind
	Delay time.Duration
	Path  string
}

// Step is the result of one transition.
type Step struct {
	State   State
	Effects []Effect
	Outcome Outcome
}

// Decide computes the next state and effects. The first matching rule wins:
// terminal states are final; provider or exchange errors route to login;
// loading collaborators are waited on; an unauthenticated flow without a code,
// or whose exchange outlived AuthTimeout, routes to login; an unredeemed code is
// exchanged; a present profile decides between onboarding and the main route;
// a missing profile is waited on up to ProfileTimeout before degrading to the
// main route.
func Decide(timings Timings, current State, in Inputs) Step {
	if current.Terminal() {
		return Step{State: current}
	}

	if in.ProviderError != "" || in.BridgeError != nil || in.ExchangeErr != nil {
		outcome := OutcomeProviderError
		if in.ExchangeErr != nil || errors.Is(in.BridgeError, identity.ErrExchange) {
			outcome = OutcomeExchangeError
		}
		return navigate(StateProviderError, outcome, users.RouteLogin, timings.ErrorDelay)
	}

	awaitingAuth := in.ExchangeAttempted && !in.Authenticated
	awaitingProfile := in.Authenticated && !in.HasProfile

	if in.BridgeLoading || in.SessionLoading {
		step := Step{State: StateWaitingForBridge}
		switch {
		case awaitingAuth:
			if in.AuthWaited >= timings.AuthTimeout {
				return navigate(StateFailed, OutcomeAuthTimeout, users.RouteLogin, timings.ErrorDelay)
			}
			step.Effects = watch(timings.AuthProbe, timings.AuthTimeout-in.AuthWaited)
		case awaitingProfile:
			if in.ProfileWaited >= timings.ProfileTimeout {
				return navigate(StateDecided, OutcomeProfileTimeout, users.RouteMain, timings.DegradedDelay)
			}
			step.Effects = watch(timings.ProfileProbe, timings.ProfileTimeout-in.ProfileWaited)
		}
		return step
	}

	if !in.Authenticated {
		if in.Code == "" {
			return navigate(StateFailed, OutcomeMissingCode, users.RouteLogin, timings.ErrorDelay)
		}
		if !in.ExchangeAttempted {
			effects := append([]Effect{{Kind: EffectExchangeCode}}, watch(timings.AuthProbe, timings.AuthTimeout)...)
			return Step{State: StateExchangingCode, Effects: effects}
		}
		if in.AuthWaited >= timings.AuthTimeout {
			return navigate(StateFailed, OutcomeAuthTimeout, users.RouteLogin, timings.ErrorDelay)
		}
		return Step{
			State:   StateAwaitingAuthentication,
			Effects: watch(timings.AuthProbe, timings.AuthTimeout-in.AuthWaited),
		}
	}

	if in.HasProfile {
		outcome := OutcomeReady
		if !in.Profile.OnboardingComplete() {
			outcome = OutcomeOnboarding
		}
		return navigate(StateDecided, outcome, users.Destination(in.Profile), timings.SuccessDelay)
	}

	if in.ProfileWaited >= timings.ProfileTimeout {
		return navigate(StateDecided, OutcomeProfileTimeout, users.RouteMain, timings.DegradedDelay)
	}
	return Step{
		State:   StateAwaitingProfile,
		Effects: watch(timings.ProfileProbe, timings.ProfileTimeout-in.ProfileWaited),
	}
}

func navigate(state State, outcome Outcome, path string, delay time.Duration) Step {
	return Step{
		State:   state,
		Outcome: outcome,
		Effects: []Effect{{Kind: EffectNavigate, Path: path, Delay: delay}},
	}
}

func watch(probe, remaining time.Duration) []Effect {
	return []Effect{
		{Kind: EffectProbe, Delay: probe},
		{Kind: EffectDeadline, Delay: remaining},
	}
}
