package networkrule

import (
	"context"

	"backbone/internal/domain"
)

// StatusResolver yields the computed status of an address. *Service
// satisfies it.
type StatusResolver interface {
	ResolveStatus(ctx context.Context, ip string) (domain.NetworkRuleStatus, error)
}

// Requirement is a predicate over a computed status. Permission checks are
// built by composing requirements instead of issuing one lookup per check.
type Requirement func(status domain.NetworkRuleStatus) bool

var (
	IsBlacklisted    Requirement = func(s domain.NetworkRuleStatus) bool { return s == domain.StatusBlacklisted }
	IsWhitelisted    Requirement = func(s domain.NetworkRuleStatus) bool { return s == domain.StatusWhitelisted }
	IsNotBlacklisted             = IsBlacklisted.Not()
	IsNotWhitelisted             = IsWhitelisted.Not()
)

func (r Requirement) Not() Requirement {
	return func(s domain.NetworkRuleStatus) bool { return !r(s) }
}

func (r Requirement) And(other Requirement) Requirement {
	return func(s domain.NetworkRuleStatus) bool { return r(s) && other(s) }
}

func (r Requirement) Or(other Requirement) Requirement {
	return func(s domain.NetworkRuleStatus) bool { return r(s) || other(s) }
}

// Allowed resolves the status of ip once and evaluates req against it.
func Allowed(ctx context.Context, resolver StatusResolver, ip string, req Requirement) (bool, domain.NetworkRuleStatus, error) {
	status, err := resolver.ResolveStatus(ctx, ip)
	if err != nil {
		return false, status, err
	}
	return req(status), status, nil
}
