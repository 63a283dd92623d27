package calllog

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/voxbridge-ai/voxbridge/internal/call"
	"github.com/voxbridge-ai/voxbridge/pkg/commons"
)

// Record is one journaled call.
type Record struct {
	ID        string `gorm:"primaryKey"`
	Mode      string `gorm:"index"`
	Status    string
	LastError string
	StartedAt time.Time
	EndedAt   *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Record) TableName() string { return "calls" }

// Store journals call sessions in a local SQLite database.
type Store struct {
	logger commons.Logger
	db     *gorm.DB
}

// NewStore opens (and migrates) the journal database at path.
func NewStore(logger commons.Logger, path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open call journal: %w", err)
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("failed to migrate call journal: %w", err)
	}
	return &Store{logger: logger, db: db}, nil
}

// Begin journals the start of a call.
func (s *Store) Begin(ctx context.Context, sess *call.Session) error {
	record := Record{
		ID:        sess.ID,
		Mode:      string(sess.Mode),
		Status:    string(call.StatusProcessing),
		StartedAt: sess.StartedAt,
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return fmt.Errorf("failed to journal call start: %w", err)
	}
	return nil
}

// Finish journals the end of a call with its final status. A Finish with no
// matching Begin inserts the full record instead of failing.
func (s *Store) Finish(ctx context.Context, sess *call.Session, status call.Status) error {
	endedAt := sess.EndedAt
	if endedAt.IsZero() {
		endedAt = time.Now()
	}
	record := Record{
		ID:        sess.ID,
		Mode:      string(sess.Mode),
		Status:    string(status),
		LastError: sess.LastError,
		StartedAt: sess.StartedAt,
		EndedAt:   &endedAt,
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"status", "last_error", "ended_at", "updated_at"}),
		}).
		Create(&record).Error
	if err != nil {
		return fmt.Errorf("failed to journal call end: %w", err)
	}
	return nil
}

// Recent returns the most recently started calls, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	var records []Record
	err := s.db.WithContext(ctx).
		Order("started_at DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list calls: %w", err)
	}
	return records, nil
}
