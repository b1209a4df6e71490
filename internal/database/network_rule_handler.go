package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"backbone/internal/domain"
	"backbone/internal/networkrule"

	"github.com/charmbracelet/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const defaultNetworkRulePageSize = 100

// NetworkRuleStore is the gorm-backed networkrule.Store.
type NetworkRuleStore struct {
	db *gorm.DB
}

var _ networkrule.Store = (*NetworkRuleStore)(nil)

// NewNetworkRuleStore wraps db, falling back to the package connection.
func NewNetworkRuleStore(db *gorm.DB) *NetworkRuleStore {
	return &NetworkRuleStore{db: db}
}

func (s *NetworkRuleStore) conn(ctx context.Context) (*gorm.DB, error) {
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

func (s *NetworkRuleStore) FindByIP(ctx context.Context, ip string) (*domain.NetworkRule, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}

	var rule domain.NetworkRule
	if err := db.Where("ip = ?", ip).Take(&rule).Error; err != nil {
		return nil, notFound(err, "network rule "+ip)
	}
	return &rule, nil
}

func (s *NetworkRuleStore) FindByID(ctx context.Context, id uint64) (*domain.NetworkRule, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}

	var rule domain.NetworkRule
	if err := db.Where("id = ?", id).Take(&rule).Error; err != nil {
		return nil, notFound(err, fmt.Sprintf("network rule %d", id))
	}
	return &rule, nil
}

func (s *NetworkRuleStore) List(ctx context.Context, filter domain.NetworkRuleFilter) ([]domain.NetworkRule, int64, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, 0, err
	}

	query := db.Model(&domain.NetworkRule{})
	if filter.Status != nil {
		query = query.Where("status = ?", *filter.Status)
	}
	if filter.Active != nil {
		query = query.Where("active = ?", *filter.Active)
	}
	if filter.IP != "" {
		query = query.Where("ip = ?", filter.IP)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultNetworkRulePageSize
	}

	var rules []domain.NetworkRule
	if err := query.Order("id ASC").Limit(limit).Offset(filter.Offset).Find(&rules).Error; err != nil {
		return nil, 0, err
	}
	return rules, total, nil
}

// Mutate runs fn against the row for ip inside a transaction holding a row
// lock on postgres. Losing an insert race on the unique ip index retries the
// whole transaction once.
func (s *NetworkRuleStore) Mutate(ctx context.Context, ip string, createMissing bool, fn networkrule.MutateFunc) (*domain.NetworkRule, error) {
	load := func(tx *gorm.DB) (*domain.NetworkRule, error) {
		var rule domain.NetworkRule
		err := lockForUpdate(tx).Where("ip = ?", ip).Take(&rule).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			if !createMissing {
				return nil, fmt.Errorf("network rule %s: %w", ip, domain.ErrNotFound)
			}
			return &domain.NetworkRule{IP: ip}, nil
		case err != nil:
			return nil, err
		}
		return &rule, nil
	}

	rule, err := s.mutate(ctx, load, fn)
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		log.Debug("network rule insert raced, retrying", "ip", ip)
		rule, err = s.mutate(ctx, load, fn)
	}
	return rule, err
}

func (s *NetworkRuleStore) MutateByID(ctx context.Context, id uint64, fn networkrule.MutateFunc) (*domain.NetworkRule, error) {
	return s.mutate(ctx, func(tx *gorm.DB) (*domain.NetworkRule, error) {
		var rule domain.NetworkRule
		if err := lockForUpdate(tx).Where("id = ?", id).Take(&rule).Error; err != nil {
			return nil, notFound(err, fmt.Sprintf("network rule %d", id))
		}
		return &rule, nil
	}, fn)
}

func (s *NetworkRuleStore) mutate(ctx context.Context, load func(*gorm.DB) (*domain.NetworkRule, error), fn networkrule.MutateFunc) (*domain.NetworkRule, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}

	var result *domain.NetworkRule
	err = db.Transaction(func(tx *gorm.DB) error {
		rule, err := load(tx)
		if err != nil {
			return err
		}

		changed, err := fn(rule)
		if err != nil {
			return err
		}

		switch {
		case rule.ID == 0:
			if err := tx.Create(rule).Error; err != nil {
				return err
			}
		case changed:
			if err := tx.Save(rule).Error; err != nil {
				return err
			}
		}

		result = rule
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *NetworkRuleStore) Delete(ctx context.Context, ids []uint64) ([]domain.NetworkRule, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}

	var removed []domain.NetworkRule
	err = db.Transaction(func(tx *gorm.DB) error {
		if err := lockForUpdate(tx).Where("id IN ?", ids).Order("id ASC").Find(&removed).Error; err != nil {
			return err
		}
		if len(removed) == 0 {
			return nil
		}

		found := make([]uint64, 0, len(removed))
		for _, rule := range removed {
			found = append(found, rule.ID)
		}
		return tx.Where("id IN ?", found).Delete(&domain.NetworkRule{}).Error
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

func (s *NetworkRuleStore) ClearableIDs(ctx context.Context, status *domain.NetworkRuleStatus) ([]uint64, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}

	query := db.Model(&domain.NetworkRule{}).
		Where("NOT (status = ? AND active = ? AND expires_on IS NULL)", domain.StatusNone, false)
	if status != nil {
		query = query.Where("status = ?", *status)
	}

	var ids []uint64
	if err := query.Order("id ASC").Pluck("id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *NetworkRuleStore) ExpiredIDs(ctx context.Context, today time.Time) ([]uint64, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}

	var ids []uint64
	err = db.Model(&domain.NetworkRule{}).
		Where("expires_on IS NOT NULL AND expires_on < ?", domain.DateOf(today)).
		Order("id ASC").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// CountNetworkRulesByStatus returns how many rules are stored per status,
// for the metrics collector.
func CountNetworkRulesByStatus(ctx context.Context) (map[domain.NetworkRuleStatus]int64, error) {
	db, err := NewNetworkRuleStore(nil).conn(ctx)
	if err != nil {
		return nil, err
	}

	var rows []struct {
		Status domain.NetworkRuleStatus
		Total  int64
	}
	err = db.Model(&domain.NetworkRule{}).
		Select("status, COUNT(*) AS total").
		Where("active = ?", true).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[domain.NetworkRuleStatus]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Total
	}
	return counts, nil
}

func lockForUpdate(tx *gorm.DB) *gorm.DB {
	if isPostgresDialect(tx) {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}

func notFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", what, domain.ErrNotFound)
	}
	return err
}
