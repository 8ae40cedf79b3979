package history

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/adham90/agentrun/reliability"
)

// GormStore persists the audit trail through GORM. RecordAttempt never
// returns an error to the caller: a write failure is logged and dropped so
// audit persistence cannot fail an execution.
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewGormStore migrates the records table and returns the store.
func NewGormStore(db *gorm.DB, logger *zap.Logger) (*GormStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, err
	}
	return &GormStore{
		db:     db,
		logger: logger.With(zap.String("component", "history.gorm")),
	}, nil
}

// RecordAttempt implements reliability.AttemptRecorder.
func (s *GormStore) RecordAttempt(ctx context.Context, attempt reliability.AttemptRecord) {
	record := fromAttempt(attempt)
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.logger.Error("failed to persist attempt record",
			zap.String("agent", attempt.Agent),
			zap.String("model", attempt.Model),
			zap.Error(err))
	}
}

// ByAgent returns up to limit records for agent, newest first.
func (s *GormStore) ByAgent(ctx context.Context, agent string, limit int) ([]Record, error) {
	var records []Record
	query := s.db.WithContext(ctx).
		Where("agent = ?", agent).
		Order("timestamp DESC, id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// ByTimeRange returns records with Timestamp in [start, end], oldest first.
func (s *GormStore) ByTimeRange(ctx context.Context, start, end time.Time) ([]Record, error) {
	var records []Record
	err := s.db.WithContext(ctx).
		Where("timestamp >= ? AND timestamp <= ?", start, end).
		Order("timestamp ASC, id ASC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

// FailureCount counts failed attempts for (agent, model) since a time.
func (s *GormStore) FailureCount(ctx context.Context, agent, model string, since time.Time) (int, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Record{}).
		Where("agent = ? AND model = ? AND success = ? AND timestamp >= ?", agent, model, false, since).
		Count(&count).Error
	return int(count), err
}
