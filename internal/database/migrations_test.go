package database

import (
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/notemax/notesync/internal/notes"
	"github.com/notemax/notesync/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func openMigrationTestDatabase(testContext *testing.T) *gorm.DB {
	testContext.Helper()
	databasePath := filepath.Join(testContext.TempDir(), "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	testContext.Cleanup(func() {
		_ = sqlDB.Close()
	})

	if err := database.AutoMigrate(schemaModels()...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	return database
}

func TestApplyMigrationsNormalizesIdentityEmails(testContext *testing.T) {
	database := openMigrationTestDatabase(testContext)

	identity := users.Identity{
		Provider: "session",
		Subject:  "user-1",
		UserID:   "user-1",
		Email:    "  Alice@Example.COM ",
	}
	if err := database.Create(&identity).Error; err != nil {
		testContext.Fatalf("failed to insert identity: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored users.Identity
	if err := database.Where("provider = ? AND subject = ?", identity.Provider, identity.Subject).Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload identity: %v", err)
	}
	if stored.Email != "alice@example.com" {
		testContext.Fatalf("expected normalized email, got %q", stored.Email)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationNormalizeIdentityEmails).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}

func TestApplyMigrationsPrunesOrphanMemberships(testContext *testing.T) {
	database := openMigrationTestDatabase(testContext)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	note := notes.Note{NoteID: "note-1", OwnerID: "owner", Title: "Kept", Content: "", CreatedAt: now, UpdatedAt: now}
	if err := database.Create(&note).Error; err != nil {
		testContext.Fatalf("failed to insert note: %v", err)
	}
	rows := []interface{}{
		&notes.Collaborator{NoteID: "note-1", UserID: "alice", AddedAt: now},
		&notes.Collaborator{NoteID: "gone", UserID: "alice", AddedAt: now},
		&notes.Favorite{NoteID: "note-1", UserID: "alice", FavoritedAt: now},
		&notes.Favorite{NoteID: "gone", UserID: "alice", FavoritedAt: now},
	}
	for _, row := range rows {
		if err := database.Create(row).Error; err != nil {
			testContext.Fatalf("failed to insert membership row: %v", err)
		}
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var collaborators []notes.Collaborator
	if err := database.Find(&collaborators).Error; err != nil {
		testContext.Fatalf("failed to list collaborators: %v", err)
	}
	if len(collaborators) != 1 || collaborators[0].NoteID != "note-1" {
		testContext.Fatalf("expected only the live collaborator row, got %#v", collaborators)
	}
	var favorites []notes.Favorite
	if err := database.Find(&favorites).Error; err != nil {
		testContext.Fatalf("failed to list favorites: %v", err)
	}
	if len(favorites) != 1 || favorites[0].NoteID != "note-1" {
		testContext.Fatalf("expected only the live favorite row, got %#v", favorites)
	}
}

func TestApplyMigrationsRunsOnce(testContext *testing.T) {
	database := openMigrationTestDatabase(testContext)

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}
	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to re-apply migrations: %v", err)
	}

	var count int64
	if err := database.Model(&migrationRecord{}).Count(&count).Error; err != nil {
		testContext.Fatalf("failed to count migration records: %v", err)
	}
	if count != int64(len(registeredMigrations())) {
		testContext.Fatalf("expected %d migration records, got %d", len(registeredMigrations()), count)
	}
}

func TestOpenSQLiteRequiresPath(testContext *testing.T) {
	if _, err := OpenSQLite("", zap.NewNop()); err == nil {
		testContext.Fatalf("expected error for empty path")
	}
}
