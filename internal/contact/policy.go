package contact

import (
	"context"
	"fmt"
	"time"

	"backbone/internal/domain"
)

// BanSettings configures automatic bans of abusive senders. A zero Threshold
// disables them.
type BanSettings struct {
	Threshold    int
	Period       time.Duration
	DurationDays int
}

// Counter counts stored submissions from one address.
type Counter interface {
	CountSince(ctx context.Context, ip string, since time.Time) (int64, error)
}

// Policy decides whether a new submission from an address is abuse.
type Policy struct {
	counter  Counter
	settings func() BanSettings
	now      func() time.Time
}

func NewPolicy(counter Counter, settings func() BanSettings, now func() time.Time) *Policy {
	if now == nil {
		now = time.Now
	}
	return &Policy{counter: counter, settings: settings, now: now}
}

// ShouldBan reports whether ip already stored Threshold or more submissions
// within the trailing Period. The submission being evaluated is not counted,
// so with a threshold of 3 the fourth submission is the one refused.
func (p *Policy) ShouldBan(ctx context.Context, ip string) (bool, error) {
	settings := p.settings()
	if settings.Threshold <= 0 || settings.Period <= 0 || ip == "" {
		return false, nil
	}

	since := p.now().Add(-settings.Period)
	count, err := p.counter.CountSince(ctx, ip, since)
	if err != nil {
		return false, fmt.Errorf("contact: count submissions for %s: %w", ip, err)
	}
	return count >= int64(settings.Threshold), nil
}

// BanEndDate is the expiry date of a ban issued now.
func (p *Policy) BanEndDate() time.Time {
	days := p.settings().DurationDays
	if days <= 0 {
		days = 1
	}
	return domain.AddDays(p.now(), days)
}
