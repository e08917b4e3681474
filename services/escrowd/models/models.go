package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// IdempotencyKey stores the first response produced for a client-supplied
// Idempotency-Key so retried POSTs replay it instead of re-executing.
type IdempotencyKey struct {
	Key       string `gorm:"primaryKey;size:128"`
	Caller    string `gorm:"primaryKey;size:42"`
	RequestID string `gorm:"size:64"`
	Method    string `gorm:"size:8"`
	Path      string `gorm:"size:255"`
	Status    int
	Response  string `gorm:"type:text"`
	CreatedAt time.Time
}

// EventRecord is the outbox row written for every committed ledger event.
// The notification layer drains undelivered rows.
type EventRecord struct {
	ID          string `gorm:"primaryKey;size:36"`
	Type        string `gorm:"size:64;index"`
	EscrowID    string `gorm:"size:32;index"`
	Attributes  string `gorm:"type:text"`
	CreatedAt   time.Time
	DeliveredAt *time.Time `gorm:"index"`
}

// Open connects to the relational store. postgres:// and postgresql:// DSNs
// use the postgres driver; everything else is handed to sqlite.
func Open(dsn string) (*gorm.DB, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, fmt.Errorf("database dsn required")
	}
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	var dialector gorm.Dialector
	if strings.HasPrefix(trimmed, "postgres://") || strings.HasPrefix(trimmed, "postgresql://") {
		dialector = postgres.Open(trimmed)
	} else {
		dialector = sqlite.Open(trimmed)
	}
	db, err := gorm.Open(dialector, cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&IdempotencyKey{},
		&EventRecord{},
	)
}

// PendingEvents returns up to limit undelivered outbox rows in creation order.
func PendingEvents(db *gorm.DB, limit int) ([]EventRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var records []EventRecord
	err := db.Where("delivered_at IS NULL").Order("created_at asc").Limit(limit).Find(&records).Error
	return records, err
}

// MarkDelivered stamps the supplied outbox rows as delivered.
func MarkDelivered(db *gorm.DB, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	return db.Model(&EventRecord{}).Where("id IN ?", ids).Update("delivered_at", at).Error
}
