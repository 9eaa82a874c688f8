package users

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/profilehost/internal/identity"
	"go.uber.org/zap"
)

var (
	// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
	ErrInvalidIdentity = errors.New("users: invalid identity")
	// ErrInvalidUsername indicates a chosen username failed validation.
	ErrInvalidUsername = errors.New("users: invalid username")
	// ErrUsernameTaken indicates another profile already holds the username.
	ErrUsernameTaken = errors.New("users: username taken")

	errMissingStore = errors.New("profile store is required")
	noOpLogger      = zap.NewNop()
)

const (
	opServiceNew         = "users.service.new"
	opSync               = "users.sync"
	opCompleteOnboarding = "users.complete_onboarding"
	opFindByExternalID   = "users.find"
)

// ServiceError carries an operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// ServiceConfig describes the dependencies required for profile provisioning.
type ServiceConfig struct {
	Store      Store
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service provisions exactly one profile per external identity.
type Service struct {
	store      Store
	now        func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewService constructs the provisioning service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, "missing_store", errMissingStore)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		store:      cfg.Store,
		now:        clock,
		idProvider: idProvider,
		logger:     logger,
	}, nil
}

// Sync returns the profile for the claims, creating it with a placeholder
// username on first sight. Concurrent calls for the same subject converge on
// the single stored profile: a creation conflict is resolved by re-reading.
func (s *Service) Sync(ctx context.Context, claims identity.Claims) (Profile, error) {
	subject := normalize(claims.Subject)
	if subject == "" {
		return Profile{}, newServiceError(opSync, "missing_subject", ErrInvalidIdentity)
	}

	existing, err := s.store.FindByExternalID(ctx, subject)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Profile{}, newServiceError(opSync, "lookup_failed", err)
	}

	profileID, err := s.idProvider.NewID()
	if err != nil {
		return Profile{}, newServiceError(opSync, "id_generation_failed", err)
	}
	candidate := Profile{
		ID:                profileID,
		ExternalSubjectID: subject,
		Email:             normalize(claims.Email),
		Username:          NewPlaceholderUsername(s.now()),
		DisplayName:       DisplayNameFor(claims.Name, claims.Email),
	}

	created, err := s.store.Create(ctx, candidate)
	if errors.Is(err, ErrConflict) {
		s.logger.Debug("profile created concurrently, re-reading",
			zap.String("external_subject_id", subject))
		existing, err = s.store.FindByExternalID(ctx, subject)
		if err != nil {
			return Profile{}, newServiceError(opSync, "reread_failed", err)
		}
		return existing, nil
	}
	if err != nil {
		return Profile{}, newServiceError(opSync, "create_failed", err)
	}

	s.logger.Info("profile provisioned",
		zap.String("profile_id", created.ID),
		zap.String("external_subject_id", subject))
	return created, nil
}

// Find returns the stored profile for an external subject id.
func (s *Service) Find(ctx context.Context, externalSubjectID string) (Profile, error) {
	profile, err := s.store.FindByExternalID(ctx, normalize(externalSubjectID))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Profile{}, err
		}
		return Profile{}, newServiceError(opFindByExternalID, "lookup_failed", err)
	}
	return profile, nil
}

// CompleteOnboarding replaces the generated username with one the user chose.
func (s *Service) CompleteOnboarding(ctx context.Context, externalSubjectID, username string) (Profile, error) {
	chosen := normalize(username)
	if err := validateUsername(chosen); err != nil {
		return Profile{}, err
	}

	current, err := s.store.FindByExternalID(ctx, normalize(externalSubjectID))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Profile{}, err
		}
		return Profile{}, newServiceError(opCompleteOnboarding, "lookup_failed", err)
	}
	if current.Username == chosen {
		return current, nil
	}

	taken, err := s.store.UsernameTaken(ctx, chosen)
	if err != nil {
		return Profile{}, newServiceError(opCompleteOnboarding, "username_lookup_failed", err)
	}
	if taken {
		return Profile{}, ErrUsernameTaken
	}

	updated, err := s.store.UpdateUsername(ctx, current.ExternalSubjectID, chosen)
	if err != nil {
		if errors.Is(err, ErrUsernameTaken) {
			return Profile{}, ErrUsernameTaken
		}
		return Profile{}, newServiceError(opCompleteOnboarding, "update_failed", err)
	}
	return updated, nil
}

func validateUsername(username string) error {
	if len(username) < usernameMinLength || len(username) > usernameMaxLength {
		return fmt.Errorf("%w: length must be between %d and %d", ErrInvalidUsername, usernameMinLength, usernameMaxLength)
	}
	if IsPlaceholderUsername(username) {
		return fmt.Errorf("%w: reserved pattern", ErrInvalidUsername)
	}
	for _, r := range username {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return fmt.Errorf("%w: unsupported character %q", ErrInvalidUsername, r)
		}
	}
	return nil
}
