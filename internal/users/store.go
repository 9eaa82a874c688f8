package users

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

var (
	// ErrNotFound indicates no profile exists for the requested key.
	ErrNotFound = errors.New("users: profile not found")
	// ErrConflict indicates a profile already exists for the external subject id.
	ErrConflict = errors.New("users: profile already exists")
)

// Store persists profiles. The store is the only uniqueness guard: Create
// fails with ErrConflict when the external subject id is already present, and
// Create or UpdateUsername fail with ErrUsernameTaken when another profile
// already chose the username.
type Store interface {
	FindByExternalID(ctx context.Context, externalSubjectID string) (Profile, error)
	Create(ctx context.Context, profile Profile) (Profile, error)
	UpdateUsername(ctx context.Context, externalSubjectID, username string) (Profile, error)
	UsernameTaken(ctx context.Context, username string) (bool, error)
}

// GormStore is the gorm-backed Store.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps a gorm handle whose schema already includes Profile.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) FindByExternalID(ctx context.Context, externalSubjectID string) (Profile, error) {
	var profile Profile
	err := s.db.WithContext(ctx).
		Where(externalSubjectIDColumn+" = ?", externalSubjectID).
		Take(&profile).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Profile{}, ErrNotFound
	}
	if err != nil {
		return Profile{}, err
	}
	return profile, nil
}

func (s *GormStore) Create(ctx context.Context, profile Profile) (Profile, error) {
	profile.ChosenUsername = chosenUsernameKey(profile.Username)
	err := s.db.WithContext(ctx).Create(&profile).Error
	if err == nil {
		return profile, nil
	}
	if !isUniqueViolation(err) {
		return Profile{}, err
	}
	if profile.ChosenUsername != nil {
		if _, findErr := s.FindByExternalID(ctx, profile.ExternalSubjectID); errors.Is(findErr, ErrNotFound) {
			return Profile{}, fmt.Errorf("%w: %s", ErrUsernameTaken, profile.Username)
		}
	}
	return Profile{}, fmt.Errorf("%w: %s", ErrConflict, profile.ExternalSubjectID)
}

func (s *GormStore) UpdateUsername(ctx context.Context, externalSubjectID, username string) (Profile, error) {
	result := s.db.WithContext(ctx).
		Model(&Profile{}).
		Where(externalSubjectIDColumn+" = ?", externalSubjectID).
		Updates(map[string]any{
			"username":        username,
			"chosen_username": chosenUsernameKey(username),
		})
	if result.Error != nil {
		if isUniqueViolation(result.Error) {
			return Profile{}, fmt.Errorf("%w: %s", ErrUsernameTaken, username)
		}
		return Profile{}, result.Error
	}
	if result.RowsAffected == 0 {
		return Profile{}, ErrNotFound
	}
	return s.FindByExternalID(ctx, externalSubjectID)
}

func (s *GormStore) UsernameTaken(ctx context.Context, username string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&Profile{}).
		Where("username = ?", username).
		Count(&count).
		Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	// SQLite reports "UNIQUE constraint failed" when error translation is off.
	message := err.Error()
	return strings.Contains(message, "UNIQUE constraint failed") || strings.Contains(message, "unique constraint")
}
