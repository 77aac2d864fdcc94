package database

import (
	"path/filepath"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"github.com/rizo8107/skiddys-learning-platform/internal/catalog"
	"github.com/rizo8107/skiddys-learning-platform/internal/store"
	"github.com/rizo8107/skiddys-learning-platform/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsSeedsSettingsOnce(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(&users.Account{}, &store.RecordRow{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}
	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to re-apply migrations: %v", err)
	}

	var rows []store.RecordRow
	if err := database.Where("collection = ?", catalog.Settings).Find(&rows).Error; err != nil {
		testContext.Fatalf("failed to load settings: %v", err)
	}
	if len(rows) != 1 {
		testContext.Fatalf("expected exactly one settings record, got %d", len(rows))
	}
	record, err := rows[0].Record()
	if err != nil {
		testContext.Fatalf("failed to decode settings: %v", err)
	}
	if record.Fields.String("site_name") != "Skiddy's Learning Platform" || record.Fields.String("contact_email") != "support@skiddytamil.in" {
		testContext.Fatalf("unexpected settings %+v", record.Fields)
	}
	settings, _ := catalog.Lookup(catalog.Settings)
	if err := settings.Validate("test", record.Fields, false); err != nil {
		testContext.Fatalf("seeded settings must satisfy the schema: %v", err)
	}

	var migration migrationRecord
	if err := database.Where("name = ?", migrationSeedDefaultSettings).Take(&migration).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if migration.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}

func TestLowercaseEmailsMigration(testContext *testing.T) {
	database, err := OpenSQLite(filepath.Join(testContext.TempDir(), "nested", "app.db"), zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	if err := database.Create(&users.Account{ID: "u1", Email: " Asha@Example.com", Role: "student", PasswordHash: "x"}).Error; err != nil {
		testContext.Fatalf("failed to insert account: %v", err)
	}
	if err := lowercaseAccountEmails(database); err != nil {
		testContext.Fatalf("failed to lowercase emails: %v", err)
	}
	var account users.Account
	if err := database.Where("id = ?", "u1").Take(&account).Error; err != nil {
		testContext.Fatalf("failed to reload account: %v", err)
	}
	if account.Email != "asha@example.com" {
		testContext.Fatalf("expected lowercased email, got %q", account.Email)
	}
}

func TestOpenSQLiteRequiresPath(testContext *testing.T) {
	if _, err := OpenSQLite("  ", nil); err == nil {
		testContext.Fatalf("expected error for blank path")
	}
}
