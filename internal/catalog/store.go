package catalog

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned by lookups when no row matches.
var ErrNotFound = errors.New("not found")

// Store wraps the relational database. It is safe for concurrent use; SQLite
// write contention is handled by busy timeouts and by keeping mutating
// transactions short.
type Store struct {
	db *gorm.DB
}

// Open opens (creating if needed) the SQLite database at path and runs the
// schema migration. Use ":memory:" backed DSNs for tests.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	err := s.db.AutoMigrate(
		&Channel{}, &Message{}, &Attachment{},
		&Design{}, &DesignSource{}, &DesignFile{}, &PreviewAsset{},
		&ImportSource{}, &ImportRecord{}, &ImportProfile{},
		&Job{}, &DiscoveredChannel{}, &DuplicateCandidate{},
		&ExternalMetadataSource{}, &Tag{}, &DesignTag{},
		&Setting{}, &Credential{},
	)
	if err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// DB exposes the underlying handle for packages that own their own queries
// (the job queue claims rows with conditional updates GORM cannot express
// through its helper API).
func (s *Store) DB() *gorm.DB { return s.db }

// Transaction runs fn inside a single database transaction.
func (s *Store) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return s.db.WithContext(ctx).Transaction(fn)
}

// wrapNotFound converts gorm's sentinel into the package sentinel.
func wrapNotFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
