package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillMessageSeq    = "2025-01-10_backfill_message_seq"
	migrationBackfillLastMessageAt = "2025-01-10_backfill_conversation_last_message_at"
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
		{name: migrationBackfillMessageSeq, apply: backfillMessageSeq},
		{name: migrationBackfillLastMessageAt, apply: backfillLastMessageAt},
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

// backfillMessageSeq numbers rows written before sequence numbers existed in
// (created_at, id) order and records the counter on each conversation.
func backfillMessageSeq(db *gorm.DB) error {
	if err := db.Exec(`
UPDATE messages SET seq = (
	SELECT COUNT(*) FROM messages AS earlier
	WHERE earlier.conversation_id = messages.conversation_id
	AND (earlier.created_at < messages.created_at
		OR (earlier.created_at = messages.created_at AND earlier.id <= messages.id))
)
WHERE seq = 0;`).Error; err != nil {
		return err
	}
	return db.Exec(`
UPDATE conversations SET last_seq = COALESCE(
	(SELECT MAX(seq) FROM messages WHERE messages.conversation_id = conversations.id), 0)
WHERE last_seq < COALESCE(
	(SELECT MAX(seq) FROM messages WHERE messages.conversation_id = conversations.id), 0);`).Error
}

func backfillLastMessageAt(db *gorm.DB) error {
	return db.Exec(`
UPDATE conversations SET last_message_at = (
	SELECT MAX(created_at) FROM messages WHERE messages.conversation_id = conversations.id)
WHERE EXISTS (
	SELECT 1 FROM messages
	WHERE messages.conversation_id = conversations.id
	AND messages.created_at > conversations.last_message_at);`).Error
}

// discardOrphanShells removes messages with neither content nor attachment,
// left behind by processes that stopped between shell insert and compensation.
// It runs on every startup, before any send can create a new shell.
func discardOrphanShells(db *gorm.DB, logger *zap.Logger) error {
	result := db.Exec(`
DELETE FROM messages
WHERE content IS NULL
AND NOT EXISTS (SELECT 1 FROM attachments WHERE attachments.message_id = messages.id);`)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 && logger != nil {
		logger.Warn("orphan shell messages discarded", zap.Int64("count", result.RowsAffected))
	}
	return nil
}
