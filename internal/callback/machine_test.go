package callback

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/profilehost/internal/identity"
	"github.com/MarcoPoloResearchLab/profilehost/internal/users"
)

func TestDecide(t *testing.T) {
	timings := DefaultTimings()
	ready := users.Profile{Username: "alice"}
	placeholder := users.Profile{Username: "user_1700000000000"}

	testCases := []struct {
		name    string
		current State
		in      Inputs
		state   State
		outcome Outcome
		effects []Effect
	}{
		{
			name:    "terminal state is final",
			current: StateDecided,
			in:      Inputs{ProviderError: "access_denied"},
			state:   StateDecided,
		},
		{
			name:    "provider error param routes to login",
			current: StateInit,
			in:      Inputs{ProviderError: "access_denied", Code: "abc"},
			state:   StateProviderError,
			outcome: OutcomeProviderError,
			effects: []Effect{{Kind: EffectNavigate, Path: users.RouteLogin, Delay: 2 * time.Second}},
		},
		{
			name:    "bridge error wins over loading",
			current: StateWaitingForBridge,
			in:      Inputs{BridgeError: errors.New("sdk"), BridgeLoading: true},
			state:   StateProviderError,
			outcome: OutcomeProviderError,
			effects: []Effect{{Kind: EffectNavigate, Path: users.RouteLogin, Delay: 2 * time.Second}},
		},
		{
			name:    "rejected exchange routes to login",
			current: StateAwaitingAuthentication,
			in:      Inputs{Code: "abc", ExchangeAttempted: true, ExchangeErr: identity.ErrExchange},
			state:   StateProviderError,
			outcome: OutcomeExchangeError,
			effects: []Effect{{Kind: EffectNavigate, Path: users.RouteLogin, Delay: 2 * time.Second}},
		},
		{
			name:    "bridge exchange error is classified as exchange error",
			current: StateAwaitingAuthentication,
			in:      Inputs{Code: "abc", BridgeError: fmt.Errorf("%w: expired", identity.ErrExchange)},
			state:   StateProviderError,
			outcome: OutcomeExchangeError,
			effects: []Effect{{Kind: EffectNavigate, Path: users.RouteLogin, Delay: 2 * time.Second}},
		},
		{
			name:    "loading bridge waits without effects",
			current: StateInit,
			in:      Inputs{BridgeLoading: true, Code: "abc"},
			state:   StateWaitingForBridge,
		},
		{
			name:    "loading bridge keeps armed auth deadline",
			current: StateAwaitingAuthentication,
			in:      Inputs{BridgeLoading: true, Code: "abc", ExchangeAttempted: true, AuthWaited: 3 * time.Second},
			state:   StateWaitingForBridge,
			effects: []Effect{{Kind: EffectProbe, Delay: 500 * time.Millisecond}, {Kind: EffectDeadline, Delay: 7 * time.Second}},
		},
		{
			name:    "loading bridge past auth deadline fails",
			current: StateWaitingForBridge,
			in:      Inputs{BridgeLoading: true, Code: "abc", ExchangeAttempted: true, AuthWaited: 10 * time.Second},
			state:   StateFailed,
			outcome: OutcomeAuthTimeout,
			effects: []Effect{{Kind: EffectNavigate, Path: users.RouteLogin, Delay: 2 * time.Second}},
		},
		{
			name:    "provisioning session keeps profile deadline",
			current: StateAwaitingProfile,
			in:      Inputs{Authenticated: true, SessionLoading: true, ProfileWaited: 5 * time.Second},
			state:   StateWaitingForBridge,
			effects: []Effect{{Kind: EffectProbe, Delay: 500 * time.Millisecond}, {Kind: EffectDeadline, Delay: 10 * time.Second}},
		},
		{
			name:    "missing code fails",
			current: StateInit,
			in:      Inputs{},
			state:   StateFailed,
			outcome: OutcomeMissingCode,
			effects: []Effect{{Kind: EffectNavigate, Path: users.RouteLogin, Delay: 2 * time.Second}},
		},
		{
			name:    "unredeemed code is exchanged",
			current: StateInit,
			in:      Inputs{Code: "abc"},
			state:   StateExchangingCode,
			effects: []Effect{
				{Kind: EffectExchangeCode},
				{Kind: EffectProbe, Delay: 500 * time.Millisecond},
				{Kind: EffectDeadline, Delay: 10 * time.Second},
			},
		},
		{
			name:    "attempted code waits out the remaining deadline",
			current: StateExchangingCode,
			in:      Inputs{Code: "abc", ExchangeAttempted: true, AuthWaited: 2500 * time.Millisecond},
			state:   StateAwaitingAuthentication,
			effects: []Effect{{Kind: EffectProbe, Delay: 500 * time.Millisecond}, {Kind: EffectDeadline, Delay: 7500 * time.Millisecond}},
		},
		{
			name:    "attempted code past deadline fails",
			current: StateAwaitingAuthentication,
			in:      Inputs{Code: "abc", ExchangeAttempted: true, AuthWaited: 10 * time.Second},
			state:   StateFailed,
			outcome: OutcomeAuthTimeout,
			effects: []Effect{{Kind: EffectNavigate, Path: users.RouteLogin, Delay: 2 * time.Second}},
		},
		{
			name:    "ready profile goes to dashboard",
			current: StateAwaitingAuthentication,
			in:      Inputs{Authenticated: true, HasProfile: true, Profile: ready, ExchangeAttempted: true},
			state:   StateDecided,
			outcome: OutcomeReady,
			effects: []Effect{{Kind: EffectNavigate, Path: users.RouteMain, Delay: 500 * time.Millisecond}},
		},
		{
			name:    "placeholder profile goes to setup",
			current: StateAwaitingProfile,
			in:      Inputs{Authenticated: true, HasProfile: true, Profile: placeholder},
			state:   StateDecided,
			outcome: OutcomeOnboarding,
			effects: []Effect{{Kind: EffectNavigate, Path: users.RouteOnboarding, Delay: 500 * time.Millisecond}},
		},
		{
			name:    "authenticated without profile waits",
			current: StateInit,
			in:      Inputs{Authenticated: true},
			state:   StateAwaitingProfile,
			effects: []Effect{{Kind: EffectProbe, Delay: 500 * time.Millisecond}, {Kind: EffectDeadline, Delay: 15 * time.Second}},
		},
		{
			name:    "profile timeout degrades to dashboard",
			current: StateAwaitingProfile,
			in:      Inputs{Authenticated: true, ProfileWaited: 15 * time.Second},
			state:   StateDecided,
			outcome: OutcomeProfileTimeout,
			effects: []Effect{{Kind: EffectNavigate, Path: users.RouteMain, Delay: time.Second}},
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			step := Decide(timings, testCase.current, testCase.in)
			if step.State != testCase.state {
				t.Fatalf("state: got %s, want %s", step.State, testCase.state)
			}
			if step.Outcome != testCase.outcome {
				t.Fatalf("outcome: got %s, want %s", step.Outcome, testCase.outcome)
			}
			if len(step.Effects) != len(testCase.effects) {
				t.Fatalf("effects: got %+v, want %+v", step.Effects, testCase.effects)
			}
			for i := range step.Effects {
				if step.Effects[i] != testCase.effects[i] {
					t.Fatalf("effect %d: got %+v, want %+v", i, step.Effects[i], testCase.effects[i])
				}
			}
		})
	}
}

func TestTerminalStates(t *testing.T) {
	terminal := map[State]bool{
		StateInit:                   false,
		StateWaitingForBridge:       false,
		StateProviderError:          true,
		StateExchangingCode:         false,
		StateAwaitingAuthentication: false,
		StateAwaitingProfile:        false,
		StateDecided:                true,
		StateFailed:                 true,
	}
	for state, want := range terminal {
		if state.Terminal() != want {
			t.Fatalf("%s: terminal=%v, want %v", state, state.Terminal(), want)
		}
	}
}

func TestOutcomeErrors(t *testing.T) {
	if OutcomeReady.Err() != nil || OutcomeOnboarding.Err() != nil {
		t.Fatalf("successful outcomes must not carry errors")
	}
	if !errors.Is(OutcomeAuthTimeout.Err(), ErrAuthTimeout) {
		t.Fatalf("unexpected auth timeout error")
	}
	if !errors.Is(OutcomeProfileTimeout.Err(), ErrProfileTimeout) {
		t.Fatalf("unexpected profile timeout error")
	}
}

func TestTimingsWithDefaults(t *testing.T) {
	timings := Timings{AuthTimeout: time.Second}.WithDefaults()
	if timings.AuthTimeout != time.Second {
		t.Fatalf("explicit value must be kept, got %v", timings.AuthTimeout)
	}
	if timings.ProfileTimeout != 15*time.Second || timings.ErrorDelay != 2*time.Second {
		t.Fatalf("unset values must take defaults, got %+v", timings)
	}
}
