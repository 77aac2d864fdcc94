package database

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rizo8107/skiddys-learning-platform/internal/catalog"
	"github.com/rizo8107/skiddys-learning-platform/internal/records"
	"github.com/rizo8107/skiddys-learning-platform/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationSeedDefaultSettings = "2024-03-01_seed_default_settings"
	migrationLowercaseEmails     = "2024-04-12_lowercase_account_emails"
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

// DefaultSettings is the site configuration seeded into an empty database.
func DefaultSettings() records.Fields {
	return records.Fields{
		"site_name":        "Skiddy's Learning Platform",
		"site_description": "Learn and grow with Skiddy's comprehensive courses",
		"contact_email":    "support@skiddytamil.in",
		"social_links": map[string]any{
			"twitter":  "https://twitter.com/skiddytamil",
			"github":   "https://github.com/skiddytamil",
			"linkedin": "https://linkedin.com/in/skiddytamil",
		},
	}
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationSeedDefaultSettings, apply: seedDefaultSettings},
		{name: migrationLowercaseEmails, apply: lowercaseAccountEmails},
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
		if err := db.Transaction(migration.apply); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// seedDefaultSettings inserts the site settings record unless one exists.
func seedDefaultSettings(db *gorm.DB) error {
	var existing int64
	if err := db.Model(&store.RecordRow{}).Where("collection = ?", catalog.Settings).Count(&existing).Error; err != nil {
		return err
	}
	if existing > 0 {
		return nil
	}
	identifier, err := uuid.NewV7()
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(DefaultSettings())
	if err != nil {
		return err
	}
	now := time.Now().UTC().UnixMilli()
	return db.Create(&store.RecordRow{
		Collection:      catalog.Settings,
		RecordID:        identifier.String(),
		FieldsJSON:      string(encoded),
		CreatedAtMillis: now,
		UpdatedAtMillis: now,
	}).Error
}

func lowercaseAccountEmails(db *gorm.DB) error {
	return db.Exec("UPDATE users SET email = lower(trim(email)) WHERE email <> lower(trim(email))").Error
}
