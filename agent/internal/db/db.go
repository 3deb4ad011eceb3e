package db

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

const KeyLastSuccessfulSync = "last_successful_sync"

var instance *gorm.DB

// Open opens (creating if needed) the agent database. Every commit is
// fsynced before it returns.
func Open(path string) (*gorm.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_synchronous=FULL", path)
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	if err := gdb.AutoMigrate(&QueueEntry{}, &ExecutedCommand{}, &KV{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return gdb, nil
}

// Init opens the database and keeps it as the process-wide handle.
func Init(path string) (*gorm.DB, error) {
	gdb, err := Open(path)
	if err != nil {
		return nil, err
	}
	instance = gdb
	return gdb, nil
}

func Get() *gorm.DB { return instance }

func Close(gdb *gorm.DB) error {
	sqlDB, err := gdb.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func SetKV(gdb *gorm.DB, key, value string) error {
	return gdb.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&KV{Key: key, Value: value}).Error
}

// GetKV returns "" when the key was never set.
func GetKV(gdb *gorm.DB, key string) (string, error) {
	var kv KV
	err := gdb.Where(&KV{Key: key}).First(&kv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return kv.Value, nil
}
