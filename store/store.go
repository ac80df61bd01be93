// Package store persists dispatched exchanges to PostgreSQL.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbocsi/devlink/dispatch"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// ExchangeRecord is one command and the response it got.
type ExchangeRecord struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	DeviceID  string    `json:"device_id" gorm:"size:8;index"`
	RemoteIP  string    `json:"remote_ip" gorm:"size:64"`
	SessionID string    `json:"session_id" gorm:"size:36;index"`
	Operation string    `json:"operation" gorm:"size:16"`
	Element   string    `json:"element" gorm:"size:16"`
	Value     string    `json:"value" gorm:"size:128"`
	Comment   string    `json:"comment" gorm:"size:128"`
	Response  string    `json:"response" gorm:"size:16"`
	Ack       bool      `json:"ack"`
	Result    *int      `json:"result"` // Value carried by ACK:n
	CreatedAt time.Time `json:"created_at" gorm:"index"`
}

func (ExchangeRecord) TableName() string {
	return "exchanges"
}

func NewRecord(ex dispatch.Exchange) ExchangeRecord {
	rec := ExchangeRecord{
		DeviceID:  ex.DeviceID,
		RemoteIP:  ex.Remote,
		SessionID: ex.SessionID,
		Operation: ex.Command.Operation.String(),
		Element:   ex.Command.Element.String(),
		Value:     ex.Command.Value,
		Comment:   ex.Command.Comment,
		Response:  ex.Response.String(),
		Ack:       ex.Response.Ack,
		CreatedAt: ex.At,
	}
	if ex.Response.HasValue {
		v := ex.Response.Value
		rec.Result = &v
	}
	return rec
}

type Store struct {
	db *gorm.DB
}

// Open connects to dsn and migrates the schema.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return New(db)
}

func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&ExchangeRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Record(ctx context.Context, ex dispatch.Exchange) error {
	rec := NewRecord(ex)
	return s.db.WithContext(ctx).Create(&rec).Error
}

// Recent returns the newest exchanges first.
func (s *Store) Recent(ctx context.Context, limit int) ([]ExchangeRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var records []ExchangeRecord
	err := s.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&records).Error
	return records, err
}

// Observer records every exchange in the background so the dispatcher
// never waits on the database.
func (s *Store) Observer(timeout time.Duration) func(dispatch.Exchange) {
	return func(ex dispatch.Exchange) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if err := s.Record(ctx, ex); err != nil {
				slog.Warn("Failed to record exchange", "session", ex.SessionID, "error", err)
			}
		}()
	}
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
