package dto

import (
	"strings"
	"time"

	"backbone/internal/domain"
	"backbone/internal/networkrule"
)

type NetworkRule struct {
	ID             uint64    `json:"id"`
	IP             string    `json:"ip"`
	Status         string    `json:"status"`
	ComputedStatus string    `json:"computed_status"`
	Active         bool      `json:"active"`
	ExpiresOn      *string   `json:"expires_on"`
	Comment        string    `json:"comment"`
	Country        string    `json:"country,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// NetworkRuleClearResult is returned by the single-rule clear action.
type NetworkRuleClearResult struct {
	NetworkRule
	Updated bool `json:"updated"`
}

type NetworkRulePage struct {
	Items []NetworkRule `json:"items"`
	Total int64         `json:"total"`
}

func StatusName(status domain.NetworkRuleStatus) string {
	return strings.ToUpper(status.String())
}

func NewNetworkRule(rule domain.NetworkRule, now time.Time) NetworkRule {
	out := NetworkRule{
		ID:             rule.ID,
		IP:             rule.IP,
		Status:         StatusName(rule.Status),
		ComputedStatus: StatusName(rule.ComputedStatus(now)),
		Active:         rule.Active,
		Comment:        rule.Comment,
		Country:        rule.Country,
		CreatedAt:      rule.CreatedAt,
		UpdatedAt:      rule.UpdatedAt,
	}
	if rule.ExpiresOn != nil {
		day := domain.DateOf(*rule.ExpiresOn).Format(domain.DateLayout)
		out.ExpiresOn = &day
	}
	return out
}

func NewNetworkRulePage(rules []domain.NetworkRule, total int64, now time.Time) NetworkRulePage {
	page := NetworkRulePage{Items: make([]NetworkRule, 0, len(rules)), Total: total}
	for _, rule := range rules {
		page.Items = append(page.Items, NewNetworkRule(rule, now))
	}
	return page
}

// NetworkRuleRequest is the body of the admin create and update endpoints.
type NetworkRuleRequest struct {
	IP        string  `json:"ip"`
	Status    string  `json:"status"`
	ExpiresOn *string `json:"expires_on"`
	Active    bool    `json:"active"`
	Comment   string  `json:"comment"`
}

func (r NetworkRuleRequest) ToInput() (networkrule.RuleInput, error) {
	verr := &domain.ValidationError{}
	input := networkrule.RuleInput{
		IP:      strings.TrimSpace(r.IP),
		Active:  r.Active,
		Comment: strings.TrimSpace(r.Comment),
	}

	if strings.TrimSpace(r.Status) != "" {
		status, err := domain.ParseNetworkRuleStatus(r.Status)
		if err != nil {
			verr.Add("status", "unknown status")
		}
		input.Status = status
	}

	expires, err := parseOptionalDate(r.ExpiresOn)
	if err != nil {
		verr.Add("expires_on", "date must use the YYYY-MM-DD format")
	}
	input.ExpiresOn = expires

	return input, verr.OrNil()
}

// ActivateRequest blacklists or whitelists a rule. IP is only read when
// activating a new address; Override only when activating an existing rule.
type ActivateRequest struct {
	IP        string  `json:"ip,omitempty"`
	Status    string  `json:"status"`
	ExpiresOn *string `json:"expires_on"`
	Comment   string  `json:"comment"`
	Override  bool    `json:"override"`
}

// Parse returns the requested status and optional end date.
func (r ActivateRequest) Parse() (domain.NetworkRuleStatus, *time.Time, error) {
	verr := &domain.ValidationError{}

	status, err := domain.ParseNetworkRuleStatus(r.Status)
	if err != nil || strings.TrimSpace(r.Status) == "" {
		verr.Add("status", "status must be BLACKLISTED or WHITELISTED")
	}
	expires, err := parseOptionalDate(r.ExpiresOn)
	if err != nil {
		verr.Add("expires_on", "date must use the YYYY-MM-DD format")
	}
	return status, expires, verr.OrNil()
}

type ExtendRequest struct {
	ExpiresOn string `json:"expires_on"`
}

func (r ExtendRequest) Parse() (time.Time, error) {
	if strings.TrimSpace(r.ExpiresOn) == "" {
		return time.Time{}, domain.NewValidationError("expires_on", "this field is required")
	}
	day, err := domain.ParseDate(r.ExpiresOn)
	if err != nil {
		return time.Time{}, domain.NewValidationError("expires_on", "date must use the YYYY-MM-DD format")
	}
	return day, nil
}

// ClearRequest limits a bulk clear to one stored status. Empty clears every
// rule that is not already neutral.
type ClearRequest struct {
	Status *string `json:"status"`
}

func (r ClearRequest) Parse() (*domain.NetworkRuleStatus, error) {
	if r.Status == nil || strings.TrimSpace(*r.Status) == "" {
		return nil, nil
	}
	status, err := domain.ParseNetworkRuleStatus(*r.Status)
	if err != nil {
		return nil, domain.NewValidationError("status", "unknown status")
	}
	return &status, nil
}

type IDList struct {
	IDs []uint64 `json:"ids"`
}

func parseOptionalDate(raw *string) (*time.Time, error) {
	if raw == nil || strings.TrimSpace(*raw) == "" {
		return nil, nil
	}
	day, err := domain.ParseDate(*raw)
	if err != nil {
		return nil, err
	}
	return &day, nil
}
