package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationNormalizeIdentityEmails = "2026-09-14_normalize_identity_emails"
	migrationPruneOrphanMemberships  = "2026-09-21_prune_orphan_memberships"
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

func registeredMigrations() []migrationDefinition {
	return []migrationDefinition{
		{name: migrationNormalizeIdentityEmails, apply: normalizeIdentityEmails},
		{name: migrationPruneOrphanMemberships, apply: pruneOrphanMemberships},
	}
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	for _, migration := range registeredMigrations() {
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

// normalizeIdentityEmails lower-cases stored addresses so share lookups match regardless
// of how the identity provider capitalized them.
func normalizeIdentityEmails(db *gorm.DB) error {
	return db.Exec("UPDATE user_identities SET user_email = lower(trim(user_email)) WHERE user_email <> lower(trim(user_email))").Error
}

func pruneOrphanMemberships(db *gorm.DB) error {
	if err := db.Exec("DELETE FROM note_collaborators WHERE note_id NOT IN (SELECT note_id FROM notes)").Error; err != nil {
		return err
	}
	return db.Exec("DELETE FROM note_favorites WHERE note_id NOT IN (SELECT note_id FROM notes)").Error
}
