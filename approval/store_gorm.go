package approval

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore is a database-backed Store using GORM. Pair it with the pure-Go
// sqlite driver for embedded deployments or any other GORM dialect for
// shared databases.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore migrates the approvals table and returns a store bound to db.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&Approval{}); err != nil {
		return nil, fmt.Errorf("failed to migrate approvals table: %w", err)
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) Save(ctx context.Context, a *Approval) error {
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(a).Error
}

func (s *GormStore) Find(ctx context.Context, id string) (*Approval, error) {
	var a Approval
	err := s.db.WithContext(ctx).First(&a, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &ErrNotFound{ID: id}
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *GormStore) FindByName(ctx context.Context, workflowID, name string) (*Approval, error) {
	var a Approval
	err := s.db.WithContext(ctx).
		First(&a, "workflow_id = ? AND name = ?", workflowID, name).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &ErrNotFound{ID: workflowID + "/" + name}
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *GormStore) AllPending(ctx context.Context) ([]*Approval, error) {
	var pending []*Approval
	err := s.db.WithContext(ctx).
		Where("status = ?", StatusPending).
		Find(&pending).Error
	if err != nil {
		return nil, err
	}
	return pending, nil
}

// Update applies fn with an optimistic status guard: the write only lands if
// the status is still what fn observed, so two concurrent deciders cannot
// both transition the same record. A guard on status (rather than a row
// lock) keeps the store portable to SQLite, which has no SELECT FOR UPDATE.
func (s *GormStore) Update(ctx context.Context, id string, fn func(*Approval) error) (*Approval, error) {
	for i := 0; i < 5; i++ {
		a, err := s.Find(ctx, id)
		if err != nil {
			return nil, err
		}
		observed := a.Status

		if err := fn(a); err != nil {
			return nil, err
		}

		res := s.db.WithContext(ctx).
			Model(&Approval{}).
			Where("id = ? AND status = ?", id, observed).
			Select("*").Omit("id", "created_at").
			Updates(a)
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 1 {
			return a, nil
		}
		// Lost the race; reload and let fn decide against the new status.
	}
	return nil, fmt.Errorf("approval %s: too many concurrent update conflicts", id)
}
