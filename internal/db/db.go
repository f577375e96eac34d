package db

import (
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	glogger "gorm.io/gorm/logger"
)

// Store is the single synchronisation point of the engine. Every compound
// update it exposes is one database transaction; panel I/O always happens
// outside of them.
type Store struct {
	db *gorm.DB
}

func New(g *gorm.DB) *Store {
	return &Store{db: g}
}

// Open connects to postgres when the DSN looks like one, otherwise treats it
// as a sqlite file path, and applies migrations.
func Open(dsn string) (*Store, error) {
	var dial gorm.Dialector
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		dial = postgres.Open(dsn)
	} else {
		dial = sqlite.Open(dsn)
	}
	g, err := gorm.Open(dial, &gorm.Config{Logger: glogger.Default.LogMode(glogger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	s := New(g)
	if err := s.Migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Migrate applies the schema. One-way; gorm records column and index history
// in the schema itself.
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(
		&User{}, &Host{}, &Plan{}, &Key{}, &Transaction{},
		&Notification{}, &PromoCode{}, &UserGroup{}, &CabinetToken{}, &MessageTemplate{},
	)
}

// DB exposes the underlying handle for test seeding.
func (s *Store) DB() *gorm.DB { return s.db }

// withLock adds a row lock on engines that support it. sqlite serializes
// writers on its own and rejects FOR UPDATE.
func withLock(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "postgres" {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}
