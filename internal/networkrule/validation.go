package networkrule

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"backbone/internal/domain"
)

// validateRule checks field consistency of a rule about to be persisted.
// before is the persisted state (nil for a new row); the expiry date is only
// checked against today when it changes.
func validateRule(before, rule *domain.NetworkRule, today time.Time) error {
	var verr domain.ValidationError

	if domain.NormalizeIP(rule.IP) == "" {
		verr.Add("ip", "enter a valid IPv4 or IPv6 address")
	}
	if !rule.Status.Valid() {
		verr.Add("status", fmt.Sprintf("%d is not a valid choice", int(rule.Status)))
	}

	rule.Comment = strings.TrimSpace(rule.Comment)
	if utf8.RuneCountInString(rule.Comment) > domain.NetworkRuleCommentMaxLength {
		verr.Add("comment", fmt.Sprintf("ensure this field has no more than %d characters", domain.NetworkRuleCommentMaxLength))
	}

	if rule.Status != domain.StatusNone {
		if rule.Comment == "" {
			verr.Add("comment", "this field is required when the rule has a status")
		}
		if rule.ExpiresOn == nil {
			verr.Add("expires_on", "this field is required when the rule has a status")
		}
	}

	if rule.ExpiresOn != nil {
		day := domain.DateOf(*rule.ExpiresOn)
		rule.ExpiresOn = &day

		var previous *time.Time
		if before != nil {
			previous = before.ExpiresOn
		}
		if !domain.SameDate(previous, rule.ExpiresOn) && day.Before(today) {
			verr.Add("expires_on", "expiration date cannot be in the past")
		}
	}

	return verr.OrNil()
}

// RuleInput is the admin-facing representation of a full rule write.
type RuleInput struct {
	IP        string
	Status    domain.NetworkRuleStatus
	ExpiresOn *time.Time
	Active    bool
	Comment   string
}

func (in RuleInput) apply(rule *domain.NetworkRule) {
	rule.Status = in.Status
	rule.Active = in.Active
	rule.Comment = in.Comment
	if in.ExpiresOn != nil {
		day := domain.DateOf(*in.ExpiresOn)
		rule.ExpiresOn = &day
	} else {
		rule.ExpiresOn = nil
	}
}

func requireActivatableStatus(status domain.NetworkRuleStatus) error {
	if status != domain.StatusBlacklisted && status != domain.StatusWhitelisted {
		return domain.NewValidationError("status", "status must be BLACKLISTED or WHITELISTED")
	}
	return nil
}
