package networkrule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"backbone/internal/domain"
)

const DefaultDurationDays = 30

// MutateFunc edits a rule in place and reports whether it must be written.
// Returning an error aborts the transaction and leaves the row untouched.
type MutateFunc func(rule *domain.NetworkRule) (changed bool, err error)

// Store persists network rules. Mutate and MutateByID run read, decide and
// write for a single row atomically.
type Store interface {
	FindByIP(ctx context.Context, ip string) (*domain.NetworkRule, error)
	FindByID(ctx context.Context, id uint64) (*domain.NetworkRule, error)
	List(ctx context.Context, filter domain.NetworkRuleFilter) ([]domain.NetworkRule, int64, error)

	// Mutate loads the row for ip under lock. When no row exists and
	// createMissing is set, fn receives a fresh unsaved rule (ID 0) that is
	// inserted afterwards; otherwise domain.ErrNotFound is returned.
	Mutate(ctx context.Context, ip string, createMissing bool, fn MutateFunc) (*domain.NetworkRule, error)
	MutateByID(ctx context.Context, id uint64, fn MutateFunc) (*domain.NetworkRule, error)

	// Delete removes the given ids and returns the rows that actually existed.
	Delete(ctx context.Context, ids []uint64) ([]domain.NetworkRule, error)

	// ClearableIDs lists rules that are not neutral, optionally only those with
	// the given stored status.
	ClearableIDs(ctx context.Context, status *domain.NetworkRuleStatus) ([]uint64, error)
	// ExpiredIDs lists non-neutral rules whose expiry date is before today.
	ExpiredIDs(ctx context.Context, today time.Time) ([]uint64, error)
}

// CountryResolver annotates new rules with an ISO country code.
type CountryResolver interface {
	CountryCode(ip string) string
}

// Service is the network access control engine: status lookups for
// permission checks plus every mutation of the rule table.
type Service struct {
	store        Store
	audit        AuditSink
	now          func() time.Time
	durationDays func() int
	countries    CountryResolver
}

type Option func(*Service)

func WithAuditSink(sink AuditSink) Option {
	return func(s *Service) {
		s.audit = sink
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithDefaultDuration sets the source of the default rule lifetime, in days,
// used when blacklist/whitelist are called without an end date.
func WithDefaultDuration(days func() int) Option {
	return func(s *Service) {
		if days != nil {
			s.durationDays = days
		}
	}
}

func WithCountryResolver(resolver CountryResolver) Option {
	return func(s *Service) {
		s.countries = resolver
	}
}

func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:        store,
		audit:        NewLogSink(nil),
		now:          time.Now,
		durationDays: func() int { return DefaultDurationDays },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ----------------------------------------------------------------------------
// Lookups
// ----------------------------------------------------------------------------

// ResolveStatus returns the computed status of ip. An unknown or malformed
// address has no rule and resolves to StatusNone without error.
func (s *Service) ResolveStatus(ctx context.Context, rawIP string) (domain.NetworkRuleStatus, error) {
	ip := domain.NormalizeIP(rawIP)
	if ip == "" {
		return domain.StatusNone, nil
	}

	rule, err := s.store.FindByIP(ctx, ip)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.StatusNone, nil
		}
		return domain.StatusNone, fmt.Errorf("networkrule: resolve %s: %w", ip, err)
	}
	return rule.ComputedStatus(s.now()), nil
}

func (s *Service) IsBlacklisted(ctx context.Context, ip string) (bool, error) {
	status, err := s.ResolveStatus(ctx, ip)
	return status == domain.StatusBlacklisted, err
}

func (s *Service) IsWhitelisted(ctx context.Context, ip string) (bool, error) {
	status, err := s.ResolveStatus(ctx, ip)
	return status == domain.StatusWhitelisted, err
}

func (s *Service) Get(ctx context.Context, rawIP string) (*domain.NetworkRule, error) {
	ip := domain.NormalizeIP(rawIP)
	if ip == "" {
		return nil, fmt.Errorf("network rule %q: %w", rawIP, domain.ErrNotFound)
	}
	return s.store.FindByIP(ctx, ip)
}

func (s *Service) GetByID(ctx context.Context, id uint64) (*domain.NetworkRule, error) {
	return s.store.FindByID(ctx, id)
}

func (s *Service) List(ctx context.Context, filter domain.NetworkRuleFilter) ([]domain.NetworkRule, int64, error) {
	if filter.IP != "" {
		if ip := domain.NormalizeIP(filter.IP); ip != "" {
			filter.IP = ip
		}
	}
	return s.store.List(ctx, filter)
}

// Now exposes the engine clock so callers render computed statuses consistently.
func (s *Service) Now() time.Time {
	return s.now()
}

// ----------------------------------------------------------------------------
// Mutations
// ----------------------------------------------------------------------------

// Blacklist creates or updates the rule for ip so it blocks the address until
// endDate (or the default duration when nil). A non-empty comment replaces the
// stored one.
func (s *Service) Blacklist(ctx context.Context, ip string, endDate *time.Time, comment string) (*domain.NetworkRule, error) {
	return s.activateIP(ctx, ip, domain.StatusBlacklisted, endDate, comment)
}

// Whitelist is the counterpart of Blacklist; it supersedes any blacklist.
func (s *Service) Whitelist(ctx context.Context, ip string, endDate *time.Time, comment string) (*domain.NetworkRule, error) {
	return s.activateIP(ctx, ip, domain.StatusWhitelisted, endDate, comment)
}

func (s *Service) activateIP(ctx context.Context, rawIP string, status domain.NetworkRuleStatus, endDate *time.Time, comment string) (*domain.NetworkRule, error) {
	ip, err := normalizeForWrite(rawIP)
	if err != nil {
		return nil, err
	}

	today := domain.DateOf(s.now())
	expires := s.resolveEndDate(endDate, today)

	var created bool
	rule, err := s.store.Mutate(ctx, ip, true, func(rule *domain.NetworkRule) (bool, error) {
		created = rule.ID == 0
		before := s.snapshot(rule, created)
		s.annotate(rule, created)
		applyStatus(rule, status, expires, comment)
		return true, validateRule(before, rule, today)
	})
	if err != nil {
		return nil, err
	}

	s.record(ctx, actionFor(created), rule)
	return rule, nil
}

// Clear resets the rule for ip to its neutral state. The boolean reports
// whether anything changed; a missing rule yields domain.ErrNotFound.
func (s *Service) Clear(ctx context.Context, rawIP string) (*domain.NetworkRule, bool, error) {
	ip, err := normalizeForWrite(rawIP)
	if err != nil {
		return nil, false, err
	}

	var changed bool
	rule, err := s.store.Mutate(ctx, ip, false, func(rule *domain.NetworkRule) (bool, error) {
		changed = clearRule(rule)
		return changed, nil
	})
	if err != nil {
		return nil, false, err
	}
	if changed {
		s.record(ctx, ActionUpdated, rule)
	}
	return rule, changed, nil
}

func (s *Service) ClearByID(ctx context.Context, id uint64) (*domain.NetworkRule, bool, error) {
	var changed bool
	rule, err := s.store.MutateByID(ctx, id, func(rule *domain.NetworkRule) (bool, error) {
		changed = clearRule(rule)
		return changed, nil
	})
	if err != nil {
		return nil, false, err
	}
	if changed {
		s.record(ctx, ActionUpdated, rule)
	}
	return rule, changed, nil
}

// Extend moves the expiry of an existing blacklist or whitelist and
// reactivates it.
func (s *Service) Extend(ctx context.Context, rawIP string, endDate time.Time) (*domain.NetworkRule, error) {
	ip, err := normalizeForWrite(rawIP)
	if err != nil {
		return nil, err
	}
	today := domain.DateOf(s.now())
	rule, err := s.store.Mutate(ctx, ip, false, s.extendFunc(endDate, today))
	if err != nil {
		return nil, err
	}
	s.record(ctx, ActionUpdated, rule)
	return rule, nil
}

func (s *Service) ExtendByID(ctx context.Context, id uint64, endDate time.Time) (*domain.NetworkRule, error) {
	today := domain.DateOf(s.now())
	rule, err := s.store.MutateByID(ctx, id, s.extendFunc(endDate, today))
	if err != nil {
		return nil, err
	}
	s.record(ctx, ActionUpdated, rule)
	return rule, nil
}

func (s *Service) extendFunc(endDate, today time.Time) MutateFunc {
	return func(rule *domain.NetworkRule) (bool, error) {
		if rule.Status == domain.StatusNone {
			return false, domain.NewValidationError("status", "the rule has no status to extend")
		}
		before := *rule
		day := domain.DateOf(endDate)
		rule.ExpiresOn = &day
		rule.Active = true
		return true, validateRule(&before, rule, today)
	}
}

// Create adds a new rule. An existing rule for the same address is a
// validation failure.
func (s *Service) Create(ctx context.Context, input RuleInput) (*domain.NetworkRule, error) {
	ip, err := normalizeForWrite(input.IP)
	if err != nil {
		return nil, err
	}
	today := domain.DateOf(s.now())

	rule, err := s.store.Mutate(ctx, ip, true, func(rule *domain.NetworkRule) (bool, error) {
		if rule.ID != 0 {
			return false, domain.NewValidationError("ip", "a network rule with this IP address already exists")
		}
		s.annotate(rule, true)
		input.apply(rule)
		return true, validateRule(nil, rule, today)
	})
	if err != nil {
		return nil, err
	}
	s.record(ctx, ActionCreated, rule)
	return rule, nil
}

// Update overwrites every mutable field of the rule. The address itself
// cannot change.
func (s *Service) Update(ctx context.Context, id uint64, input RuleInput) (*domain.NetworkRule, error) {
	today := domain.DateOf(s.now())

	rule, err := s.store.MutateByID(ctx, id, func(rule *domain.NetworkRule) (bool, error) {
		if input.IP != "" && domain.NormalizeIP(input.IP) != rule.IP {
			return false, domain.NewValidationError("ip", "the IP address of a rule cannot be changed")
		}
		before := *rule
		input.apply(rule)
		return true, validateRule(&before, rule, today)
	})
	if err != nil {
		return nil, err
	}
	s.record(ctx, ActionUpdated, rule)
	return rule, nil
}

// Activate blacklists or whitelists an existing rule. Without override,
// flipping a currently live rule to the opposite status is a conflict.
func (s *Service) Activate(ctx context.Context, id uint64, status domain.NetworkRuleStatus, endDate *time.Time, comment string, override bool) (*domain.NetworkRule, error) {
	if err := requireActivatableStatus(status); err != nil {
		return nil, err
	}
	now := s.now()
	today := domain.DateOf(now)
	expires := s.resolveEndDate(endDate, today)

	rule, err := s.store.MutateByID(ctx, id, func(rule *domain.NetworkRule) (bool, error) {
		if !override {
			current := rule.ComputedStatus(now)
			if current != domain.StatusNone && current != status {
				return false, fmt.Errorf("network rule %s is %s: %w", rule.IP, current, domain.ErrConflict)
			}
		}
		before := *rule
		applyStatus(rule, status, expires, comment)
		return true, validateRule(&before, rule, today)
	})
	if err != nil {
		return nil, err
	}
	s.record(ctx, ActionUpdated, rule)
	return rule, nil
}

// ActivateNew creates a rule for a fresh address with the given status.
func (s *Service) ActivateNew(ctx context.Context, rawIP string, status domain.NetworkRuleStatus, endDate *time.Time, comment string) (*domain.NetworkRule, error) {
	if err := requireActivatableStatus(status); err != nil {
		return nil, err
	}
	ip, err := normalizeForWrite(rawIP)
	if err != nil {
		return nil, err
	}
	today := domain.DateOf(s.now())
	expires := s.resolveEndDate(endDate, today)

	rule, err := s.store.Mutate(ctx, ip, true, func(rule *domain.NetworkRule) (bool, error) {
		if rule.ID != 0 {
			return false, domain.NewValidationError("ip", "a network rule with this IP address already exists")
		}
		s.annotate(rule, true)
		applyStatus(rule, status, expires, comment)
		return true, validateRule(nil, rule, today)
	})
	if err != nil {
		return nil, err
	}
	s.record(ctx, ActionCreated, rule)
	return rule, nil
}

// Delete removes a single rule.
func (s *Service) Delete(ctx context.Context, id uint64) error {
	removed, err := s.store.Delete(ctx, []uint64{id})
	if err != nil {
		return err
	}
	if len(removed) == 0 {
		return fmt.Errorf("network rule %d: %w", id, domain.ErrNotFound)
	}
	s.record(ctx, ActionDeleted, &removed[0])
	return nil
}

// BulkDelete removes every existing rule among ids. Unknown ids are ignored.
func (s *Service) BulkDelete(ctx context.Context, ids []uint64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	removed, err := s.store.Delete(ctx, dedupeIDs(ids))
	if err != nil {
		return 0, err
	}
	for i := range removed {
		s.record(ctx, ActionDeleted, &removed[i])
	}
	return len(removed), nil
}

// BulkClear clears every non-neutral rule, or only those whose stored status
// matches when status is set.
func (s *Service) BulkClear(ctx context.Context, status *domain.NetworkRuleStatus) (int, error) {
	if status != nil && !status.Valid() {
		return 0, domain.NewValidationError("status", fmt.Sprintf("%d is not a valid choice", int(*status)))
	}
	ids, err := s.store.ClearableIDs(ctx, status)
	if err != nil {
		return 0, err
	}
	return s.clearIDs(ctx, ids, func(*domain.NetworkRule) bool { return true })
}

// ClearExpired is the maintenance path that resets rules whose expiry date has
// passed. Lookups never do this themselves.
func (s *Service) ClearExpired(ctx context.Context) (int, error) {
	now := s.now()
	ids, err := s.store.ExpiredIDs(ctx, domain.DateOf(now))
	if err != nil {
		return 0, err
	}
	return s.clearIDs(ctx, ids, func(rule *domain.NetworkRule) bool { return rule.IsExpired(now) })
}

func (s *Service) clearIDs(ctx context.Context, ids []uint64, eligible func(*domain.NetworkRule) bool) (int, error) {
	cleared := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return cleared, err
		}
		var changed bool
		rule, err := s.store.MutateByID(ctx, id, func(rule *domain.NetworkRule) (bool, error) {
			if !eligible(rule) {
				return false, nil
			}
			changed = clearRule(rule)
			return changed, nil
		})
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return cleared, err
		}
		if changed {
			cleared++
			s.record(ctx, ActionUpdated, rule)
		}
	}
	return cleared, nil
}

// ----------------------------------------------------------------------------
// Helpers
// ----------------------------------------------------------------------------

func (s *Service) resolveEndDate(endDate *time.Time, today time.Time) time.Time {
	if endDate != nil {
		return domain.DateOf(*endDate)
	}
	days := s.durationDays()
	if days <= 0 {
		days = DefaultDurationDays
	}
	return today.AddDate(0, 0, days)
}

func (s *Service) snapshot(rule *domain.NetworkRule, created bool) *domain.NetworkRule {
	if created {
		return nil
	}
	cp := *rule
	return &cp
}

func (s *Service) annotate(rule *domain.NetworkRule, created bool) {
	if !created || s.countries == nil || rule.Country != "" {
		return
	}
	rule.Country = s.countries.CountryCode(rule.IP)
}

// record hands the change to the audit sink. A failing or panicking sink is
// logged and otherwise ignored.
func (s *Service) record(ctx context.Context, action Action, rule *domain.NetworkRule) {
	if s.audit == nil || rule == nil {
		return
	}
	event := Event{
		Action:  action,
		RuleID:  rule.ID,
		IP:      rule.IP,
		Status:  rule.ComputedStatus(s.now()),
		Comment: rule.Comment,
		At:      s.now(),
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error("network rule audit sink panicked", "ip", event.IP, "action", event.Action, "panic", r)
		}
	}()

	if err := s.audit.Record(ctx, event); err != nil {
		log.Warn("network rule audit failed", "ip", event.IP, "action", event.Action, "error", err)
	}
}

func applyStatus(rule *domain.NetworkRule, status domain.NetworkRuleStatus, expires time.Time, comment string) {
	if comment != "" {
		rule.Comment = comment
	}
	day := domain.DateOf(expires)
	rule.ExpiresOn = &day
	rule.Active = true
	rule.Status = status
}

func clearRule(rule *domain.NetworkRule) bool {
	if rule.IsNeutral() {
		return false
	}
	rule.Reset()
	return true
}

func normalizeForWrite(raw string) (string, error) {
	ip := domain.NormalizeIP(raw)
	if ip == "" {
		return "", domain.NewValidationError("ip", "enter a valid IPv4 or IPv6 address")
	}
	return ip, nil
}

func actionFor(created bool) Action {
	if created {
		return ActionCreated
	}
	return ActionUpdated
}

func dedupeIDs(ids []uint64) []uint64 {
	seen := make(map[uint64]struct{}, len(ids))
	out := make([]uint64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
