package networkrule

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"backbone/internal/domain"
)

// memoryStore is an in-memory Store guarded by a single mutex.
type memoryStore struct {
	mu     sync.Mutex
	nextID uint64
	rules  map[uint64]domain.NetworkRule
	failOn error
	writes int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{rules: make(map[uint64]domain.NetworkRule)}
}

func (m *memoryStore) seed(rule domain.NetworkRule) domain.NetworkRule {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	rule.ID = m.nextID
	m.rules[rule.ID] = rule
	return rule
}

func (m *memoryStore) byIP(ip string) (domain.NetworkRule, bool) {
	for _, rule := range m.rules {
		if rule.IP == ip {
			return rule, true
		}
	}
	return domain.NetworkRule{}, false
}

func (m *memoryStore) FindByIP(_ context.Context, ip string) (*domain.NetworkRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOn != nil {
		return nil, m.failOn
	}
	rule, ok := m.byIP(ip)
	if !ok {
		return nil, fmt.Errorf("network rule %s: %w", ip, domain.ErrNotFound)
	}
	return &rule, nil
}

func (m *memoryStore) FindByID(_ context.Context, id uint64) (*domain.NetworkRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rule, ok := m.rules[id]
	if !ok {
		return nil, fmt.Errorf("network rule %d: %w", id, domain.ErrNotFound)
	}
	return &rule, nil
}

func (m *memoryStore) List(_ context.Context, filter domain.NetworkRuleFilter) ([]domain.NetworkRule, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.NetworkRule
	for _, rule := range m.rules {
		if filter.Status != nil && rule.Status != *filter.Status {
			continue
		}
		if filter.Active != nil && rule.Active != *filter.Active {
			continue
		}
		if filter.IP != "" && rule.IP != filter.IP {
			continue
		}
		out = append(out, rule)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, int64(len(out)), nil
}

func (m *memoryStore) Mutate(_ context.Context, ip string, createMissing bool, fn MutateFunc) (*domain.NetworkRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOn != nil {
		return nil, m.failOn
	}
	rule, ok := m.byIP(ip)
	if !ok {
		if !createMissing {
			return nil, fmt.Errorf("network rule %s: %w", ip, domain.ErrNotFound)
		}
		rule = domain.NetworkRule{IP: ip}
	}
	return m.apply(rule, fn)
}

func (m *memoryStore) MutateByID(_ context.Context, id uint64, fn MutateFunc) (*domain.NetworkRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOn != nil {
		return nil, m.failOn
	}
	rule, ok := m.rules[id]
	if !ok {
		return nil, fmt.Errorf("network rule %d: %w", id, domain.ErrNotFound)
	}
	return m.apply(rule, fn)
}

func (m *memoryStore) apply(rule domain.NetworkRule, fn MutateFunc) (*domain.NetworkRule, error) {
	working := rule
	changed, err := fn(&working)
	if err != nil {
		return nil, err
	}
	if !changed && working.ID != 0 {
		return &rule, nil
	}
	if working.ID == 0 {
		m.nextID++
		working.ID = m.nextID
		working.CreatedAt = time.Now()
	}
	working.UpdatedAt = time.Now()
	m.rules[working.ID] = working
	m.writes++
	return &working, nil
}

func (m *memoryStore) Delete(_ context.Context, ids []uint64) ([]domain.NetworkRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed []domain.NetworkRule
	for _, id := range ids {
		if rule, ok := m.rules[id]; ok {
			removed = append(removed, rule)
			delete(m.rules, id)
		}
	}
	return removed, nil
}

func (m *memoryStore) ClearableIDs(_ context.Context, status *domain.NetworkRuleStatus) ([]uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []uint64
	for id, rule := range m.rules {
		if rule.IsNeutral() {
			continue
		}
		if status != nil && rule.Status != *status {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (m *memoryStore) ExpiredIDs(_ context.Context, today time.Time) ([]uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []uint64
	for id, rule := range m.rules {
		if rule.ExpiresOn != nil && rule.ExpiresOn.Before(today) && !rule.IsNeutral() {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (m *memoryStore) get(ip string) (domain.NetworkRule, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byIP(ip)
}

func (m *memoryStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rules)
}

// recordingSink keeps every audit event.
type recordingSink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (r *recordingSink) Record(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return r.err
}

func (r *recordingSink) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

var errStoreDown = errors.New("store down")
