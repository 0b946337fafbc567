package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Entry is one stored value; Name is the store key.
type Entry struct {
	Namespace string `gorm:"primaryKey"`
	Name      string `gorm:"primaryKey"`
	Value     string
}

// SQLiteStore keeps entries in a SQLite database through GORM.
type SQLiteStore struct {
	db        *gorm.DB
	namespace string
}

// NewSQLiteStore opens (and migrates) the database at path.
func NewSQLiteStore(path, namespace string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			log.Error().Err(err).Msg("Failed to create database directory")
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to open database")
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.AutoMigrate(&Entry{}); err != nil {
		log.Error().Err(err).Msg("Failed to auto-migrate database")
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &SQLiteStore{db: db, namespace: namespace}, nil
}

func (s *SQLiteStore) Get(key string) (string, error) {
	var e Entry
	err := s.db.Where("namespace = ? AND name = ?", s.namespace, key).First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", key, err)
	}
	return e.Value, nil
}

func (s *SQLiteStore) Set(key, value string) error {
	e := Entry{Namespace: s.namespace, Name: key, Value: value}
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "namespace"}, {Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&e).Error
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Delete(key string) error {
	err := s.db.Where("namespace = ? AND name = ?", s.namespace, key).Delete(&Entry{}).Error
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
