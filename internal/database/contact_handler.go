package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"backbone/internal/domain"

	"gorm.io/gorm"
)

const defaultContactPageSize = 50

// ContactStore persists contact form submissions.
type ContactStore struct {
	db *gorm.DB
}

func NewContactStore(db *gorm.DB) *ContactStore {
	return &ContactStore{db: db}
}

func (s *ContactStore) conn(ctx context.Context) (*gorm.DB, error) {
	db := s.db
	if db == nil {
		db = DB
	}
	if db == nil {
		return nil, errors.New("database not initialised")
	}
	if ctx != nil {
		db = db.WithContext(ctx)
	}
	return db, nil
}

// CountSince returns how many submissions from ip were stored at or after since.
func (s *ContactStore) CountSince(ctx context.Context, ip string, since time.Time) (int64, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}

	var count int64
	err = db.Model(&domain.Contact{}).
		Where("ip = ? AND created_at >= ?", ip, since.UTC()).
		Count(&count).Error
	return count, err
}

func (s *ContactStore) Create(ctx context.Context, contact *domain.Contact) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	return db.Create(contact).Error
}

func (s *ContactStore) FindByID(ctx context.Context, id uint64) (*domain.Contact, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}

	var contact domain.Contact
	if err := db.Where("id = ?", id).Take(&contact).Error; err != nil {
		return nil, notFound(err, fmt.Sprintf("contact %d", id))
	}
	return &contact, nil
}

// List returns contacts newest first.
func (s *ContactStore) List(ctx context.Context, limit, offset int) ([]domain.Contact, int64, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, 0, err
	}

	var total int64
	if err := db.Model(&domain.Contact{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if limit <= 0 {
		limit = defaultContactPageSize
	}

	var contacts []domain.Contact
	err = db.Order("created_at DESC, id DESC").Limit(limit).Offset(offset).Find(&contacts).Error
	if err != nil {
		return nil, 0, err
	}
	return contacts, total, nil
}

// Delete removes the given ids and reports how many rows existed.
func (s *ContactStore) Delete(ctx context.Context, ids []uint64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	db, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}

	result := db.Where("id IN ?", ids).Delete(&domain.Contact{})
	return result.RowsAffected, result.Error
}

// DeleteOlderThan removes every contact created before cutoff.
func (s *ContactStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}

	result := db.Where("created_at < ?", cutoff.UTC()).Delete(&domain.Contact{})
	return result.RowsAffected, result.Error
}
