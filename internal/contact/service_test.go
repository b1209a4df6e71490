package contact

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"backbone/internal/domain"
)

var testNow = time.Date(2026, 10, 18, 9, 30, 0, 0, time.UTC)

type memoryContacts struct {
	mu       sync.Mutex
	nextID   uint64
	contacts []domain.Contact
}

func (m *memoryContacts) CountSince(_ context.Context, ip string, since time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, c := range m.contacts {
		if c.IP == ip && !c.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *memoryContacts) Create(_ context.Context, contact *domain.Contact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	contact.ID = m.nextID
	m.contacts = append(m.contacts, *contact)
	return nil
}

func (m *memoryContacts) FindByID(_ context.Context, id uint64) (*domain.Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.contacts {
		if c.ID == id {
			return &c, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *memoryContacts) List(_ context.Context, _, _ int) ([]domain.Contact, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]domain.Contact(nil), m.contacts...)
	return out, int64(len(out)), nil
}

func (m *memoryContacts) Delete(_ context.Context, ids []uint64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	drop := make(map[uint64]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	var kept []domain.Contact
	var n int64
	for _, c := range m.contacts {
		if drop[c.ID] {
			n++
			continue
		}
		kept = append(kept, c)
	}
	m.contacts = kept
	return n, nil
}

func (m *memoryContacts) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []domain.Contact
	var n int64
	for _, c := range m.contacts {
		if c.CreatedAt.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, c)
	}
	m.contacts = kept
	return n, nil
}

func (m *memoryContacts) add(ip string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.contacts = append(m.contacts, domain.Contact{ID: m.nextID, IP: ip, CreatedAt: at})
}

type banCall struct {
	ip      string
	end     time.Time
	comment string
}

type recordingBanner struct {
	calls    []banCall
	statuses map[string]domain.NetworkRuleStatus
	err      error
}

func (b *recordingBanner) ResolveStatus(_ context.Context, ip string) (domain.NetworkRuleStatus, error) {
	return b.statuses[ip], nil
}

func (b *recordingBanner) Blacklist(_ context.Context, ip string, end *time.Time, comment string) (*domain.NetworkRule, error) {
	if b.err != nil {
		return nil, b.err
	}
	b.calls = append(b.calls, banCall{ip: ip, end: *end, comment: comment})
	return &domain.NetworkRule{IP: ip, Status: domain.StatusBlacklisted, Active: true, ExpiresOn: end, Comment: comment}, nil
}

type recordingNotifier struct {
	calls []bool
}

func (n *recordingNotifier) SendNotifications(_ domain.Contact, _ bool, notifyUser bool) {
	n.calls = append(n.calls, notifyUser)
}

func defaultBan() BanSettings {
	return BanSettings{Threshold: 3, Period: 10 * time.Minute, DurationDays: 7}
}

func validSubmission() Submission {
	return Submission{
		Name:    "Jane Doe",
		Email:   "jane@example.com",
		Subject: "Hello",
		Body:    "I would like to know more.",
	}
}

func newTestService(store *memoryContacts, banner *recordingBanner, notifier *recordingNotifier) *Service {
	return NewService(store, banner, defaultBan, WithNotifier(notifier), WithClock(func() time.Time { return testNow }))
}

func TestSubmitBansOnFourthSubmission(t *testing.T) {
	store := &memoryContacts{}
	banner := &recordingBanner{}
	notifier := &recordingNotifier{}
	svc := newTestService(store, banner, notifier)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		if _, err := svc.Submit(ctx, "1.2.3.4", nil, validSubmission()); err != nil {
			t.Fatalf("submission %d returned error %v", i, err)
		}
	}
	if len(banner.calls) != 0 {
		t.Fatal("banned before the threshold was reached")
	}

	_, err := svc.Submit(ctx, "1.2.3.4", nil, validSubmission())
	if !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("fourth submission error = %v, want ErrForbidden", err)
	}
	if len(store.contacts) != 3 {
		t.Fatalf("store holds %d contacts, want 3", len(store.contacts))
	}
	if len(notifier.calls) != 3 {
		t.Fatalf("notifier called %d times, want 3", len(notifier.calls))
	}
	if len(banner.calls) != 1 {
		t.Fatalf("banner called %d times, want 1", len(banner.calls))
	}

	call := banner.calls[0]
	wantEnd := time.Date(2026, 10, 25, 0, 0, 0, 0, time.UTC)
	if call.ip != "1.2.3.4" || !call.end.Equal(wantEnd) || call.comment != BanComment {
		t.Fatalf("ban = %+v, want 1.2.3.4 until %s", call, wantEnd)
	}
}

func TestPolicyBoundaryIsInclusive(t *testing.T) {
	store := &memoryContacts{}
	policy := NewPolicy(store, defaultBan, func() time.Time { return testNow })
	ctx := context.Background()

	store.add("1.2.3.4", testNow.Add(-11*time.Minute))
	store.add("1.2.3.4", testNow.Add(-9*time.Minute))
	store.add("1.2.3.4", testNow.Add(-time.Minute))
	store.add("5.6.7.8", testNow.Add(-time.Minute))

	if ban, _ := policy.ShouldBan(ctx, "1.2.3.4"); ban {
		t.Fatal("two submissions inside the window triggered a ban")
	}

	store.add("1.2.3.4", testNow.Add(-10*time.Minute))
	if ban, _ := policy.ShouldBan(ctx, "1.2.3.4"); !ban {
		t.Fatal("three submissions inside the window did not trigger a ban")
	}
	if ban, _ := policy.ShouldBan(ctx, "5.6.7.8"); ban {
		t.Fatal("another address was banned")
	}
}

func TestPolicyZeroThresholdNeverBans(t *testing.T) {
	store := &memoryContacts{}
	for i := 0; i < 10; i++ {
		store.add("1.2.3.4", testNow)
	}
	policy := NewPolicy(store, func() BanSettings { return BanSettings{Period: time.Hour, DurationDays: 1} }, func() time.Time { return testNow })

	if ban, err := policy.ShouldBan(context.Background(), "1.2.3.4"); ban || err != nil {
		t.Fatalf("ShouldBan = (%v, %v), want (false, nil)", ban, err)
	}
}

func TestSubmitValidation(t *testing.T) {
	svc := newTestService(&memoryContacts{}, &recordingBanner{}, &recordingNotifier{})

	tests := []struct {
		name  string
		edit  func(*Submission)
		field string
	}{
		{"short name", func(s *Submission) { s.Name = "Jo" }, "name"},
		{"long subject", func(s *Submission) { s.Subject = strings.Repeat("x", 51) }, "subject"},
		{"short body", func(s *Submission) { s.Body = "too short" }, "body"},
		{"blank body", func(s *Submission) { s.Body = "   " }, "body"},
		{"bad email", func(s *Submission) { s.Email = "not-an-email" }, "email"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := validSubmission()
			tt.edit(&sub)
			_, err := svc.Submit(context.Background(), "1.2.3.4", nil, sub)
			var verr *domain.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Submit error = %v, want ValidationError", err)
			}
			if _, ok := verr.Fields[tt.field]; !ok {
				t.Fatalf("fields = %v, want %q", verr.Fields, tt.field)
			}
		})
	}
}

func TestSubmitStoresUserAndNotifies(t *testing.T) {
	store := &memoryContacts{}
	notifier := &recordingNotifier{}
	svc := newTestService(store, &recordingBanner{}, notifier)

	userID := uint(9)
	sub := validSubmission()
	sub.NotifyUser = true
	contact, err := svc.Submit(context.Background(), "::ffff:10.1.1.1", &userID, sub)
	if err != nil {
		t.Fatalf("Submit returned error %v", err)
	}
	if contact.IP != "10.1.1.1" || contact.UserID == nil || *contact.UserID != 9 {
		t.Fatalf("stored contact = %+v", contact)
	}
	if !contact.CreatedAt.Equal(testNow) {
		t.Fatalf("CreatedAt = %s, want %s", contact.CreatedAt, testNow)
	}
	if len(notifier.calls) != 1 || !notifier.calls[0] {
		t.Fatalf("notifier calls = %v, want [true]", notifier.calls)
	}
}

func TestSubmitBanFailurePropagates(t *testing.T) {
	store := &memoryContacts{}
	for i := 0; i < 3; i++ {
		store.add("1.2.3.4", testNow)
	}
	banner := &recordingBanner{err: errors.New("db down")}
	svc := newTestService(store, banner, &recordingNotifier{})

	_, err := svc.Submit(context.Background(), "1.2.3.4", nil, validSubmission())
	if err == nil || errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("Submit error = %v, want the ban failure", err)
	}
}

func TestSubmitKeepsWhitelistedSender(t *testing.T) {
	store := &memoryContacts{}
	for i := 0; i < 3; i++ {
		store.add("1.2.3.4", testNow)
	}
	banner := &recordingBanner{statuses: map[string]domain.NetworkRuleStatus{"1.2.3.4": domain.StatusWhitelisted}}
	svc := newTestService(store, banner, &recordingNotifier{})

	_, err := svc.Submit(context.Background(), "1.2.3.4", nil, validSubmission())
	if !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("Submit error = %v, want ErrForbidden", err)
	}
	if len(banner.calls) != 0 {
		t.Fatalf("whitelisted sender was blacklisted: %+v", banner.calls)
	}
	if len(store.contacts) != 3 {
		t.Fatalf("store holds %d contacts, want 3", len(store.contacts))
	}
}

func TestRemoveOldEntries(t *testing.T) {
	store := &memoryContacts{}
	store.add("1.2.3.4", testNow.AddDate(0, 0, -31))
	store.add("1.2.3.4", testNow.AddDate(0, 0, -29))
	svc := newTestService(store, &recordingBanner{}, &recordingNotifier{})

	removed, err := svc.RemoveOldEntries(context.Background())
	if err != nil {
		t.Fatalf("RemoveOldEntries returned error %v", err)
	}
	if removed != 1 || len(store.contacts) != 1 {
		t.Fatalf("removed %d, %d left; want 1 and 1", removed, len(store.contacts))
	}
}

func TestDeleteMissingContact(t *testing.T) {
	svc := newTestService(&memoryContacts{}, &recordingBanner{}, &recordingNotifier{})
	if err := svc.Delete(context.Background(), 5); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Delete error = %v, want ErrNotFound", err)
	}
}
