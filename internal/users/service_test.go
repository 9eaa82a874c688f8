package users

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/profilehost/internal/identity"
)

type sequenceIDProvider struct {
	mu   sync.Mutex
	next int
}

func (p *sequenceIDProvider) NewID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	return fmt.Sprintf("profile-%d", p.next), nil
}

type failingStore struct {
	*MemoryStore
	findErr error
}

func (s *failingStore) FindByExternalID(ctx context.Context, externalSubjectID string) (Profile, error) {
	if s.findErr != nil {
		return Profile{}, s.findErr
	}
	return s.MemoryStore.FindByExternalID(ctx, externalSubjectID)
}

// conflictingStore reports a conflict on the first Create after inserting the
// racing row, the way a concurrent winner would.
type conflictingStore struct {
	*MemoryStore
	winner Profile
	once   sync.Once
}

func (s *conflictingStore) Create(ctx context.Context, profile Profile) (Profile, error) {
	s.once.Do(func() {
		_, _ = s.MemoryStore.Create(ctx, s.winner)
	})
	return s.MemoryStore.Create(ctx, profile)
}

func newTestService(t *testing.T, store Store) *Service {
	t.Helper()
	service, err := NewService(ServiceConfig{
		Store:      store,
		Clock:      func() time.Time { return time.UnixMilli(1700000000000) },
		IDProvider: &sequenceIDProvider{},
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service
}

func TestNewServiceRequiresStore(t *testing.T) {
	_, err := NewService(ServiceConfig{})
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("expected service error, got %v", err)
	}
	if serviceErr.Code() != "users.service.new.missing_store" {
		t.Fatalf("unexpected code %q", serviceErr.Code())
	}
}

func TestSyncCreatesPlaceholderProfileOnce(t *testing.T) {
	store := NewMemoryStore()
	service := newTestService(t, store)
	claims := identity.Claims{Subject: "sub-1", Email: "ada@example.com"}

	first, err := service.Sync(context.Background(), claims)
	if err != nil {
		t.Fatalf("first sync failed: %v", err)
	}
	if first.Username != "user_1700000000000" {
		t.Fatalf("expected placeholder username, got %q", first.Username)
	}
	if first.DisplayName != "ada" {
		t.Fatalf("expected display name from email, got %q", first.DisplayName)
	}
	if first.ID != "profile-1" || first.ExternalSubjectID != "sub-1" {
		t.Fatalf("unexpected profile %+v", first)
	}
	if Destination(first) != RouteOnboarding {
		t.Fatalf("new profile should route to onboarding")
	}

	second, err := service.Sync(context.Background(), claims)
	if err != nil {
		t.Fatalf("second sync failed: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected the stored profile, got %+v", second)
	}
	if store.CreateCalls() != 1 {
		t.Fatalf("expected a single create, got %d", store.CreateCalls())
	}
}

func TestSyncRejectsMissingSubject(t *testing.T) {
	service := newTestService(t, NewMemoryStore())
	_, err := service.Sync(context.Background(), identity.Claims{Email: "ada@example.com"})
	if !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("expected invalid identity, got %v", err)
	}
}

func TestSyncResolvesCreateConflictByRereading(t *testing.T) {
	winner := Profile{ID: "winner", ExternalSubjectID: "sub-1", Username: "user_1699999999999"}
	store := &conflictingStore{MemoryStore: NewMemoryStore(), winner: winner}
	service := newTestService(t, store)

	profile, err := service.Sync(context.Background(), identity.Claims{Subject: "sub-1"})
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if profile.ID != "winner" {
		t.Fatalf("expected the concurrently created profile, got %+v", profile)
	}
	if store.Len() != 1 {
		t.Fatalf("expected one stored profile, got %d", store.Len())
	}
}

func TestSyncConcurrentCallsConvergeOnOneProfile(t *testing.T) {
	store := NewMemoryStore()
	service := newTestService(t, store)
	claims := identity.Claims{Subject: "sub-1", Name: "Ada"}

	const callers = 8
	results := make([]Profile, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			results[index], errs[index] = service.Sync(context.Background(), claims)
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d failed: %v", i, errs[i])
		}
		if results[i].ID != results[0].ID {
			t.Fatalf("callers disagree: %+v vs %+v", results[i], results[0])
		}
	}
	if store.Len() != 1 {
		t.Fatalf("expected exactly one profile, got %d", store.Len())
	}
}

func TestSyncWrapsLookupFailures(t *testing.T) {
	store := &failingStore{MemoryStore: NewMemoryStore(), findErr: errors.New("disk on fire")}
	service := newTestService(t, store)

	_, err := service.Sync(context.Background(), identity.Claims{Subject: "sub-1"})
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "users.sync.lookup_failed" {
		t.Fatalf("expected lookup_failed service error, got %v", err)
	}
}

func TestCompleteOnboarding(t *testing.T) {
	store := NewMemoryStore()
	service := newTestService(t, store)
	ctx := context.Background()
	if _, err := store.Create(ctx, Profile{ID: "p1", ExternalSubjectID: "sub-1", Username: "user_1700000000000"}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	if _, err := store.Create(ctx, Profile{ID: "p2", ExternalSubjectID: "sub-2", Username: "grace"}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	testCases := []struct {
		name     string
		subject  string
		username string
		wantErr  error
	}{
		{name: "too short", subject: "sub-1", username: "ab", wantErr: ErrInvalidUsername},
		{name: "uppercase", subject: "sub-1", username: "Ada", wantErr: ErrInvalidUsername},
		{name: "placeholder pattern", subject: "sub-1", username: "user_1234567890", wantErr: ErrInvalidUsername},
		{name: "taken", subject: "sub-1", username: "grace", wantErr: ErrUsernameTaken},
		{name: "unknown subject", subject: "sub-9", username: "nobody", wantErr: ErrNotFound},
		{name: "accepted", subject: "sub-1", username: " ada_l "},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			profile, err := service.CompleteOnboarding(ctx, testCase.subject, testCase.username)
			if testCase.wantErr != nil {
				if !errors.Is(err, testCase.wantErr) {
					t.Fatalf("expected %v, got %v", testCase.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if profile.Username != "ada_l" || !profile.OnboardingComplete() {
				t.Fatalf("unexpected profile %+v", profile)
			}
			if Destination(profile) != RouteMain {
				t.Fatalf("completed profile should route to main")
			}
		})
	}
}

func TestCompleteOnboardingKeepsCurrentUsername(t *testing.T) {
	store := NewMemoryStore()
	service := newTestService(t, store)
	ctx := context.Background()
	if _, err := store.Create(ctx, Profile{ID: "p1", ExternalSubjectID: "sub-1", Username: "ada"}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	profile, err := service.CompleteOnboarding(ctx, "sub-1", "ada")
	if err != nil {
		t.Fatalf("expected re-submitting the held username to succeed: %v", err)
	}
	if profile.Username != "ada" {
		t.Fatalf("unexpected username %q", profile.Username)
	}
}
