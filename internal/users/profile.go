package users

import (
	"strconv"
	"strings"
	"time"
)

const (
	placeholderPrefix       = "user_"
	placeholderMinDigits    = 10
	defaultDisplayName      = "User"
	RouteOnboarding         = "/setup"
	RouteMain               = "/dashboard"
	RouteLogin              = "/login"
	usernameMaxLength       = 32
	usernameMinLength       = 3
	profileTableName        = "profiles"
	externalSubjectIDColumn = "external_subject_id"
)

// Profile is the persisted account record owned by one external identity.
type Profile struct {
	ID                string `gorm:"column:id;primaryKey;size:64;not null" json:"id"`
	ExternalSubjectID string `gorm:"column:external_subject_id;size:190;not null;uniqueIndex" json:"external_subject_id"`
	Email             string `gorm:"column:email;size:320" json:"email"`
	Username          string `gorm:"column:username;size:64;not null;index" json:"username"`
	// ChosenUsername repeats Username once the user has picked one. Its unique
	// index keeps chosen names distinct; placeholders leave it NULL.
	ChosenUsername *string   `gorm:"column:chosen_username;size:64;uniqueIndex" json:"-"`
	DisplayName    string    `gorm:"column:display_name;size:320" json:"display_name"`
	CreatedAt      time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

// TableName exposes the table backing profiles.
func (Profile) TableName() string {
	return profileTableName
}

// OnboardingComplete reports whether the user has replaced the generated username.
func (p Profile) OnboardingComplete() bool {
	return !IsPlaceholderUsername(p.Username)
}

// chosenUsernameKey is the ChosenUsername value recorded for username.
func chosenUsernameKey(username string) *string {
	if IsPlaceholderUsername(username) {
		return nil
	}
	return &username
}

// NewPlaceholderUsername returns the generated username assigned at first login.
func NewPlaceholderUsername(now time.Time) string {
	return placeholderPrefix + strconv.FormatInt(now.UnixMilli(), 10)
}

// IsPlaceholderUsername reports whether username is a generated "user_<epoch-millis>" value.
func IsPlaceholderUsername(username string) bool {
	remainder, ok := strings.CutPrefix(username, placeholderPrefix)
	if !ok || len(remainder) < placeholderMinDigits {
		return false
	}
	for i := 0; i < len(remainder); i++ {
		if remainder[i] < '0' || remainder[i] > '9' {
			return false
		}
	}
	return true
}

// DestinationForUsername maps a username onto the route the user belongs on.
func DestinationForUsername(username string) string {
	if IsPlaceholderUsername(username) {
		return RouteOnboarding
	}
	return RouteMain
}

// Destination maps a profile onto the route the user belongs on.
func Destination(profile Profile) string {
	return DestinationForUsername(profile.Username)
}

// DisplayNameFor picks the display name for a new profile: name hint, then the
// local part of the email, then a fixed fallback.
func DisplayNameFor(name, email string) string {
	if trimmed := normalize(name); trimmed != "" {
		return trimmed
	}
	local, _, _ := strings.Cut(normalize(email), "@")
	if local = normalize(local); local != "" {
		return local
	}
	return defaultDisplayName
}

// normalize value helper used across service implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}
