package maintenance

import (
	"context"

	"backbone/internal/config"
	"backbone/internal/contact"
	"backbone/internal/networkrule"
)

const (
	ExpiredRulesTaskName     = "expired_network_rules"
	ContactRetentionTaskName = "contact_retention"

	expiredRulesLockKey     = "backbone:leader:expired_network_rules"
	contactRetentionLockKey = "backbone:leader:contact_retention"
)

// ExpiredRulesTask resets network rules whose expiry date has passed.
func ExpiredRulesTask(rules *networkrule.Service) Task {
	return Task{
		Name:    ExpiredRulesTaskName,
		LockKey: expiredRulesLockKey,
		Run: func(ctx context.Context) (int64, error) {
			cleared, err := rules.ClearExpired(ctx)
			return int64(cleared), err
		},
		Interval: config.GetExpiredCleanupInterval,
		Updates:  config.ExpiredCleanupIntervalUpdates(),
	}
}

// ContactRetentionTask drops contact messages older than the retention window.
func ContactRetentionTask(contacts *contact.Service) Task {
	return Task{
		Name:     ContactRetentionTaskName,
		LockKey:  contactRetentionLockKey,
		Run:      contacts.RemoveOldEntries,
		Interval: config.GetContactRetentionInterval,
		Updates:  config.ContactRetentionIntervalUpdates(),
	}
}
