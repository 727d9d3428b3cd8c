package sql

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dialoguebranch/dlb-web-sub000/pkg/domain"
	sqliteDriver "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type blobRow struct {
	BlobKey   string `gorm:"primaryKey;size:512"`
	Data      []byte `gorm:"not null"`
	UpdatedAt time.Time
}

func (blobRow) TableName() string {
	return "dlb_blobs"
}

// Store implements ports.BlobStore on a SQL database through GORM.
// Each write is a single upsert statement, so it is atomic per key.
type Store struct {
	db *gorm.DB
}

// Open connects to driver ("sqlite" or "postgres") and migrates the schema.
func Open(driver, dsn string) (*Store, error) {
	db, err := openGorm(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open sql store: %w", err)
	}
	return NewFromDB(db)
}

// NewFromDB wraps an existing connection and migrates the schema.
func NewFromDB(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&blobRow{}); err != nil {
		return nil, fmt.Errorf("migrate sql store: %w", err)
	}
	return &Store{db: db}, nil
}

func openGorm(driver, dsn string) (*gorm.DB, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	if driver == "" {
		driver = "sqlite"
	}
	dsn = strings.TrimSpace(dsn)
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}

	switch driver {
	case "sqlite":
		if dsn == "" {
			dsn = "dlb.db"
		}
		if dir := filepath.Dir(dsn); dir != "." && !strings.Contains(dsn, ":memory:") {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create sqlite db dir: %w", err)
			}
		}
		db, err := gorm.Open(sqliteDriver.Open(dsn), cfg)
		if err != nil {
			return nil, err
		}
		// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
		pool, err := db.DB()
		if err != nil {
			return nil, err
		}
		pool.SetMaxOpenConns(1)
		return db, nil
	case "postgres":
		if dsn == "" {
			return nil, fmt.Errorf("dsn is required for driver %q", driver)
		}
		return gorm.Open(postgres.Open(dsn), cfg)
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}
}

// Write upserts the blob.
func (s *Store) Write(ctx context.Context, key string, data []byte) error {
	row := blobRow{BlobKey: key, Data: data, UpdatedAt: time.Now().UTC()}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "blob_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"data", "updated_at"}),
		}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("write blob %s: %w", key, err)
	}
	return nil
}

// Read returns the blob or domain.ErrBlobNotFound.
func (s *Store) Read(ctx context.Context, key string) ([]byte, error) {
	var row blobRow
	err := s.db.WithContext(ctx).Where("blob_key = ?", key).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrBlobNotFound
		}
		return nil, fmt.Errorf("read blob %s: %w", key, err)
	}
	return row.Data, nil
}

// List returns the keys under prefix, sorted.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	keys := make([]string, 0)
	err := s.db.WithContext(ctx).
		Model(&blobRow{}).
		Where("substr(blob_key, 1, ?) = ?", utf8.RuneCountInString(prefix), prefix).
		Order("blob_key").
		Pluck("blob_key", &keys).Error
	if err != nil {
		return nil, fmt.Errorf("list blobs %s: %w", prefix, err)
	}
	sort.Strings(keys) // collation-independent order
	return keys, nil
}

// Delete removes the blob.
func (s *Store) Delete(ctx context.Context, key string) error {
	err := s.db.WithContext(ctx).Where("blob_key = ?", key).Delete(&blobRow{}).Error
	if err != nil {
		return fmt.Errorf("delete blob %s: %w", key, err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	db, err := s.db.DB()
	if err != nil {
		return err
	}
	return db.Close()
}
