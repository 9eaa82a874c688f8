package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/profilehost/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillProfileDisplayNames = "2026-09-14_backfill_profile_display_names"
	migrationClaimChosenUsernames        = "2026-10-17_claim_chosen_usernames"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillProfileDisplayNames, apply: backfillProfileDisplayNames},
		{name: migrationClaimChosenUsernames, apply: claimChosenUsernames},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		}); err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillProfileDisplayNames fills display names for profiles provisioned
// before the name hint was recorded.
func backfillProfileDisplayNames(db *gorm.DB) error {
	var profiles []users.Profile
	if err := db.Where("display_name = '' OR display_name IS NULL").Find(&profiles).Error; err != nil {
		return err
	}
	for _, profile := range profiles {
		displayName := users.DisplayNameFor("", profile.Email)
		if err := db.Model(&users.Profile{}).
			Where("id = ?", profile.ID).
			UpdateColumn("display_name", displayName).Error; err != nil {
			return err
		}
	}
	return nil
}

// claimChosenUsernames records chosen_username for profiles onboarded before
// the column existed. The earliest holder keeps a duplicated name; later
// holders fall back to a placeholder and go through onboarding again.
func claimChosenUsernames(db *gorm.DB) error {
	var profiles []users.Profile
	if err := db.Where("chosen_username IS NULL").Order("created_at, id").Find(&profiles).Error; err != nil {
		return err
	}
	claimed := make(map[string]struct{}, len(profiles))
	for _, profile := range profiles {
		if users.IsPlaceholderUsername(profile.Username) {
			continue
		}
		update := map[string]any{"chosen_username": profile.Username}
		if _, duplicate := claimed[profile.Username]; duplicate {
			createdAt := profile.CreatedAt
			if createdAt.IsZero() {
				createdAt = time.Now()
			}
			update = map[string]any{
				"username":        users.NewPlaceholderUsername(createdAt),
				"chosen_username": nil,
			}
		}
		claimed[profile.Username] = struct{}{}
		if err := db.Model(&users.Profile{}).Where("id = ?", profile.ID).UpdateColumns(update).Error; err != nil {
			return err
		}
	}
	return nil
}
