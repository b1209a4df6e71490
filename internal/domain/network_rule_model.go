package domain

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"
)

// NetworkRuleStatus is the stored access status of an IP address.
type NetworkRuleStatus int

const (
	StatusNone NetworkRuleStatus = iota
	StatusWhitelisted
	StatusBlacklisted
)

const NetworkRuleCommentMaxLength = 255

func (s NetworkRuleStatus) String() string {
	switch s {
	case StatusNone:
		return "none"
	case StatusWhitelisted:
		return "whitelisted"
	case StatusBlacklisted:
		return "blacklisted"
	default:
		return "unknown(" + strconv.Itoa(int(s)) + ")"
	}
}

func (s NetworkRuleStatus) Valid() bool {
	return s == StatusNone || s == StatusWhitelisted || s == StatusBlacklisted
}

// ParseNetworkRuleStatus accepts either the numeric value or the status name.
func ParseNetworkRuleStatus(raw string) (NetworkRuleStatus, error) {
	raw = strings.TrimSpace(strings.ToLower(raw))
	if n, err := strconv.Atoi(raw); err == nil {
		status := NetworkRuleStatus(n)
		if !status.Valid() {
			return StatusNone, fmt.Errorf("unknown network rule status %d", n)
		}
		return status, nil
	}
	switch raw {
	case "none", "inactive":
		return StatusNone, nil
	case "whitelisted":
		return StatusWhitelisted, nil
	case "blacklisted":
		return StatusBlacklisted, nil
	}
	return StatusNone, fmt.Errorf("unknown network rule status %q", raw)
}

// NetworkRule blacklists or whitelists a single IP address. Rows are never
// deleted by the engine itself: clearing resets the rule to a neutral state.
type NetworkRule struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"`

	// IP holds the normalized address literal (IPv4 dotted quad or canonical IPv6).
	IP string `gorm:"size:45;uniqueIndex;not null"`

	Status NetworkRuleStatus `gorm:"not null;default:0;index:idx_network_rules_state,priority:3"`
	Active bool              `gorm:"not null;default:false;index:idx_network_rules_state,priority:1"`

	// ExpiresOn is a UTC calendar date; the rule stays live through the end of it.
	ExpiresOn *time.Time `gorm:"type:date;index:idx_network_rules_state,priority:2"`

	Comment string `gorm:"size:255;not null;default:''"`
	Country string `gorm:"size:2;not null;default:''"`

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (NetworkRule) TableName() string {
	return "security_network_rules"
}

// ComputedStatus returns the effective status at the given instant. An
// inactive or expired rule has no opinion, whatever its stored status.
func (r *NetworkRule) ComputedStatus(now time.Time) NetworkRuleStatus {
	if r == nil || !r.Active || r.IsExpired(now) {
		return StatusNone
	}
	return r.Status
}

// IsExpired reports whether the expiry date lies strictly before the date of now.
func (r *NetworkRule) IsExpired(now time.Time) bool {
	if r == nil || r.ExpiresOn == nil {
		return false
	}
	return DateOf(*r.ExpiresOn).Before(DateOf(now))
}

func (r *NetworkRule) IsBlacklisted(now time.Time) bool {
	return r.ComputedStatus(now) == StatusBlacklisted
}

func (r *NetworkRule) IsWhitelisted(now time.Time) bool {
	return r.ComputedStatus(now) == StatusWhitelisted
}

// IsNeutral reports whether the rule is already in its cleared state.
func (r *NetworkRule) IsNeutral() bool {
	return r.Status == StatusNone && !r.Active && r.ExpiresOn == nil
}

// Reset puts the rule back into its neutral state without touching the comment.
func (r *NetworkRule) Reset() {
	r.Status = StatusNone
	r.Active = false
	r.ExpiresOn = nil
}

// NetworkRuleFilter narrows admin listings.
type NetworkRuleFilter struct {
	Status *NetworkRuleStatus
	Active *bool
	IP     string
	Limit  int
	Offset int
}

// NormalizeIP returns the canonical form of an IPv4 or IPv6 literal, or an
// empty string when raw is not an address. IPv4-mapped IPv6 addresses are unmapped.
func NormalizeIP(raw string) string {
	addr, err := netip.ParseAddr(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	if addr.Zone() != "" {
		addr = addr.WithZone("")
	}
	return addr.Unmap().String()
}

// DateOf truncates t to midnight UTC of its UTC calendar date.
func DateOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// AddDays returns the date of t shifted by the given number of days.
func AddDays(t time.Time, days int) time.Time {
	return DateOf(t).AddDate(0, 0, days)
}

const DateLayout = "2006-01-02"

// ParseDate parses a YYYY-MM-DD calendar date.
func ParseDate(raw string) (time.Time, error) {
	parsed, err := time.Parse(DateLayout, strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, err
	}
	return DateOf(parsed), nil
}

// SameDate compares two optional dates by calendar day.
func SameDate(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return DateOf(*a).Equal(DateOf(*b))
}
