package contact

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/log"

	"backbone/internal/auth"
	"backbone/internal/domain"
)

// BanComment is stored on network rules created by the abuse policy.
const BanComment = "Too many requests in the Contact API"

type Store interface {
	Counter
	Create(ctx context.Context, contact *domain.Contact) error
	FindByID(ctx context.Context, id uint64) (*domain.Contact, error)
	List(ctx context.Context, limit, offset int) ([]domain.Contact, int64, error)
	Delete(ctx context.Context, ids []uint64) (int64, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Banner blacklists an address. *networkrule.Service satisfies it.
type Banner interface {
	ResolveStatus(ctx context.Context, ip string) (domain.NetworkRuleStatus, error)
	Blacklist(ctx context.Context, ip string, endDate *time.Time, comment string) (*domain.NetworkRule, error)
}

// Notifier sends contact emails without blocking the caller.
type Notifier interface {
	SendNotifications(contact domain.Contact, notifyAdmin, notifyUser bool)
}

type Submission struct {
	Name       string
	Email      string
	Subject    string
	Body       string
	NotifyUser bool
}

type Service struct {
	store         Store
	policy        *Policy
	banner        Banner
	notifier      Notifier
	retentionDays func() int
	now           func() time.Time
}

type Option func(*Service)

func WithNotifier(notifier Notifier) Option {
	return func(s *Service) {
		s.notifier = notifier
	}
}

func WithRetention(days func() int) Option {
	return func(s *Service) {
		if days != nil {
			s.retentionDays = days
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func NewService(store Store, banner Banner, settings func() BanSettings, opts ...Option) *Service {
	s := &Service{
		store:         store,
		banner:        banner,
		retentionDays: func() int { return 30 },
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.policy = NewPolicy(store, settings, s.now)
	return s
}

// Submit validates and stores a contact message from ip. When the sender has
// exceeded the ban threshold the address is blacklisted, nothing is stored
// and domain.ErrForbidden is returned.
func (s *Service) Submit(ctx context.Context, ip string, userID *uint, sub Submission) (*domain.Contact, error) {
	contact, err := buildContact(ip, userID, sub)
	if err != nil {
		return nil, err
	}

	ban, err := s.policy.ShouldBan(ctx, contact.IP)
	if err != nil {
		return nil, err
	}
	if ban {
		if err := s.ban(ctx, contact.IP); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("contact: too many submissions from %s: %w", contact.IP, domain.ErrForbidden)
	}

	contact.CreatedAt = s.now().UTC()
	if err := s.store.Create(ctx, contact); err != nil {
		return nil, fmt.Errorf("contact: store submission: %w", err)
	}

	if s.notifier != nil {
		s.notifier.SendNotifications(*contact, true, sub.NotifyUser)
	}
	return contact, nil
}

// ban blacklists ip unless an active whitelist rule covers it. A whitelisted
// sender is still refused but keeps its rule.
func (s *Service) ban(ctx context.Context, ip string) error {
	status, err := s.banner.ResolveStatus(ctx, ip)
	if err != nil {
		return fmt.Errorf("contact: ban %s: %w", ip, err)
	}
	if status == domain.StatusWhitelisted {
		log.Warn("Contact sender over threshold kept whitelisted", "ip", ip)
		return nil
	}

	end := s.policy.BanEndDate()
	if _, err := s.banner.Blacklist(ctx, ip, &end, BanComment); err != nil {
		return fmt.Errorf("contact: ban %s: %w", ip, err)
	}
	log.Warn("Contact sender banned", "ip", ip, "until", end.Format(domain.DateLayout))
	return nil
}

func buildContact(ip string, userID *uint, sub Submission) (*domain.Contact, error) {
	contact := &domain.Contact{
		IP:      domain.NormalizeIP(ip),
		UserID:  userID,
		Name:    strings.TrimSpace(sub.Name),
		Email:   strings.TrimSpace(sub.Email),
		Subject: strings.TrimSpace(sub.Subject),
		Body:    strings.TrimSpace(sub.Body),
	}

	var verr domain.ValidationError
	checkLength(&verr, "name", contact.Name, domain.ContactNameMinLength, domain.ContactNameMaxLength)
	checkLength(&verr, "subject", contact.Subject, domain.ContactSubjectMinLength, domain.ContactSubjectMaxLength)
	checkLength(&verr, "body", contact.Body, domain.ContactBodyMinLength, domain.ContactBodyMaxLength)
	if contact.Email == "" {
		verr.Add("email", "this field is required")
	} else if !auth.IsValidEmail(contact.Email) {
		verr.Add("email", "enter a valid email address")
	}
	if contact.IP == "" {
		verr.Add("ip", "could not determine the client address")
	}
	if err := verr.OrNil(); err != nil {
		return nil, err
	}
	return contact, nil
}

func checkLength(verr *domain.ValidationError, field, value string, minLen, maxLen int) {
	n := utf8.RuneCountInString(value)
	switch {
	case n == 0:
		verr.Add(field, "this field is required")
	case n < minLen:
		verr.Add(field, fmt.Sprintf("ensure this field has at least %d characters", minLen))
	case n > maxLen:
		verr.Add(field, fmt.Sprintf("ensure this field has no more than %d characters", maxLen))
	}
}

func (s *Service) List(ctx context.Context, limit, offset int) ([]domain.Contact, int64, error) {
	return s.store.List(ctx, limit, offset)
}

func (s *Service) Get(ctx context.Context, id uint64) (*domain.Contact, error) {
	return s.store.FindByID(ctx, id)
}

func (s *Service) Delete(ctx context.Context, id uint64) error {
	n, err := s.store.Delete(ctx, []uint64{id})
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("contact %d: %w", id, domain.ErrNotFound)
	}
	return nil
}

// BulkDelete removes the existing contacts among ids and ignores the rest.
func (s *Service) BulkDelete(ctx context.Context, ids []uint64) (int64, error) {
	return s.store.Delete(ctx, ids)
}

// RemoveOldEntries deletes contacts past the retention window.
func (s *Service) RemoveOldEntries(ctx context.Context) (int64, error) {
	days := s.retentionDays()
	if days <= 0 {
		return 0, errors.New("contact: retention must be at least one day")
	}
	cutoff := s.now().UTC().AddDate(0, 0, -days)
	return s.store.DeleteOlderThan(ctx, cutoff)
}
