package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/lumenchat/inboxsync/internal/store"
)

// OpenSQLite establishes a SQLite connection and performs schema migrations.
// The pool is limited to a single connection so SQLite sees one writer at a
// time while gorm serves concurrent callers.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&store.Conversation{},
		&store.Topic{},
		&store.Message{},
		&store.Attachment{},
		&store.RemoteAttachment{},
		&store.SyncState{},
	); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}
