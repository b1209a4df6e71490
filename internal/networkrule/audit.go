package networkrule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"backbone/internal/domain"
)

type Action string

const (
	ActionCreated Action = "created"
	ActionUpdated Action = "updated"
	ActionDeleted Action = "deleted"
)

// Event describes one persisted change to a network rule. Status is the
// computed status right after the change.
type Event struct {
	Action  Action
	RuleID  uint64
	IP      string
	Status  domain.NetworkRuleStatus
	Comment string
	At      time.Time
}

// AuditSink is notified synchronously after every successful mutation.
// Errors are reported on the operational log and never undo the mutation.
type AuditSink interface {
	Record(ctx context.Context, event Event) error
}

type AuditFunc func(ctx context.Context, event Event) error

func (f AuditFunc) Record(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// MultiSink fans an event out to every sink, even when one of them fails.
type MultiSink []AuditSink

func (m MultiSink) Record(ctx context.Context, event Event) error {
	var errs []error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.Record(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes the audit trail to a dedicated "security" logger.
type LogSink struct {
	logger *log.Logger
}

func NewLogSink(logger *log.Logger) *LogSink {
	if logger == nil {
		logger = log.Default().WithPrefix("security")
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Record(_ context.Context, event Event) error {
	s.logger.Info(
		fmt.Sprintf("NetworkRule %s for %s", event.Action, event.IP),
		"status", event.Status.String(),
		"rule_id", event.RuleID,
	)
	return nil
}

const (
	DefaultAuditStream    = "backbone:audit:network_rules"
	defaultAuditStreamLen = 10000
	auditRedisTimeout     = 2 * time.Second
)

// RedisStreamSink appends audit events to a capped Redis stream so every
// instance's changes end up in one place.
type RedisStreamSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

func NewRedisStreamSink(client *redis.Client, stream string) *RedisStreamSink {
	if stream == "" {
		stream = DefaultAuditStream
	}
	return &RedisStreamSink{client: client, stream: stream, maxLen: defaultAuditStreamLen}
}

func (s *RedisStreamSink) Record(ctx context.Context, event Event) error {
	if s == nil || s.client == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditRedisTimeout)
	defer cancel()

	return s.client.XAdd(opCtx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]any{
			"action":  string(event.Action),
			"rule_id": event.RuleID,
			"ip":      event.IP,
			"status":  event.Status.String(),
			"comment": event.Comment,
			"at":      event.At.UTC().Format(time.RFC3339),
		},
	}).Err()
}
