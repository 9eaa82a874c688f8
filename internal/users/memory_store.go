package users

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is an in-process Store with the same uniqueness semantics as
// the gorm store. Used by tests and local wiring.
type MemoryStore struct {
	mu       sync.Mutex
	profiles map[string]Profile
	creates  int
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{profiles: make(map[string]Profile)}
}

func (s *MemoryStore) FindByExternalID(_ context.Context, externalSubjectID string) (Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	profile, ok := s.profiles[externalSubjectID]
	if !ok {
		return Profile{}, ErrNotFound
	}
	return profile, nil
}

func (s *MemoryStore) Create(_ context.Context, profile Profile) (Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creates++
	if _, exists := s.profiles[profile.ExternalSubjectID]; exists {
		return Profile{}, fmt.Errorf("%w: %s", ErrConflict, profile.ExternalSubjectID)
	}
	profile.ChosenUsername = chosenUsernameKey(profile.Username)
	if s.chosenByOtherLocked(profile.ExternalSubjectID, profile.Username) {
		return Profile{}, fmt.Errorf("%w: %s", ErrUsernameTaken, profile.Username)
	}
	s.profiles[profile.ExternalSubjectID] = profile
	return profile, nil
}

func (s *MemoryStore) UpdateUsername(_ context.Context, externalSubjectID, username string) (Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	profile, ok := s.profiles[externalSubjectID]
	if !ok {
		return Profile{}, ErrNotFound
	}
	if s.chosenByOtherLocked(externalSubjectID, username) {
		return Profile{}, fmt.Errorf("%w: %s", ErrUsernameTaken, username)
	}
	profile.Username = username
	profile.ChosenUsername = chosenUsernameKey(username)
	s.profiles[externalSubjectID] = profile
	return profile, nil
}

func (s *MemoryStore) chosenByOtherLocked(externalSubjectID, username string) bool {
	if IsPlaceholderUsername(username) {
		return false
	}
	for subject, profile := range s.profiles {
		if subject != externalSubjectID && profile.ChosenUsername != nil && *profile.ChosenUsername == username {
			return true
		}
	}
	return false
}

func (s *MemoryStore) UsernameTaken(_ context.Context, username string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, profile := range s.profiles {
		if profile.Username == username {
			return true, nil
		}
	}
	return false, nil
}

// Len returns the number of persisted profiles.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.profiles)
}

// CreateCalls returns how many times Create was invoked, including conflicts.
func (s *MemoryStore) CreateCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creates
}
