package store

import (
	"context"
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"e2ee-relay/internal/domain"
)

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Open picks the dialector by driver name. Postgres in production, sqlite
// for local runs and tests.
func Open(driver, dsn string) (*gorm.DB, error) {
	switch driver {
	case "postgres":
		return gorm.Open(postgres.Open(dsn), &gorm.Config{})
	case "sqlite":
		return gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	default:
		return nil, fmt.Errorf("store: unknown driver %q", driver)
	}
}

func (s *Store) AutoMigrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(
		&domain.Conversation{},
		&domain.ConversationMember{},
		&domain.Message{},
		&domain.MessageHidden{},
		&domain.ReadReceipt{},
		&domain.Call{},
		&domain.CallParticipant{},
		&domain.PendingTermination{},
	)
}
