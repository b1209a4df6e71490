package bootstrap

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"backbone/internal/app/server"
	"backbone/internal/config"
	"backbone/internal/contact"
	"backbone/internal/database"
	"backbone/internal/geoip"
	"backbone/internal/healthcheck"
	"backbone/internal/jobs/maintenance"
	jobruntime "backbone/internal/jobs/runtime"
	"backbone/internal/mail"
	"backbone/internal/metrics"
	"backbone/internal/networkrule"
	"backbone/internal/support"
)

const auditStream = "backbone:audit:network_rules"

// Runtime owns everything started by Setup.
type Runtime struct {
	Dependencies server.Dependencies

	redis           *redis.Client
	mailer          *mail.Mailer
	countries       *geoip.Resolver
	heartbeatCancel context.CancelFunc
}

// Setup loads settings, opens the database and wires the services. Redis is
// optional; without it maintenance runs on every instance and config changes
// stay local.
func Setup(ctx context.Context) (*Runtime, error) {
	config.ReadSettings()

	db, err := database.SetupDB()
	if err != nil {
		return nil, fmt.Errorf("set up database: %w", err)
	}
	config.SetBetweenTime()

	redisClient, err := support.OptionalRedisClient()
	if err != nil {
		log.Warn("Redis unavailable, continuing without it", "error", err)
		redisClient = nil
	}
	if redisClient != nil {
		config.EnableRedisSynchronization(ctx, redisClient)
	}
	heartbeatCancel := jobruntime.LaunchInstanceHeartbeat(ctx, redisClient)

	sinks := networkrule.MultiSink{networkrule.NewLogSink(nil), metrics.AuditSink()}
	if redisClient != nil {
		sinks = append(sinks, networkrule.NewRedisStreamSink(redisClient, auditStream))
	}

	countries := geoip.OpenFromEnv()
	opts := []networkrule.Option{
		networkrule.WithAuditSink(sinks),
		networkrule.WithDefaultDuration(config.NetworkRuleDefaultDuration),
	}
	if countries != nil {
		opts = append(opts, networkrule.WithCountryResolver(countries))
	}
	rules := networkrule.NewService(database.NewNetworkRuleStore(db), opts...)

	mailer := mail.NewFromEnv()
	contacts := contact.NewService(
		database.NewContactStore(db),
		rules,
		BanSettings,
		contact.WithNotifier(mailer),
		contact.WithRetention(config.ContactRetentionDays),
	)

	if err := metrics.Registry.Register(metrics.NewRuleCollector(database.CountNetworkRulesByStatus)); err != nil {
		log.Warn("network rule collector not registered", "error", err)
	}
	instances := func(ctx context.Context) (int, error) {
		return jobruntime.CountActiveInstances(ctx, redisClient)
	}
	if err := metrics.Registry.Register(metrics.NewInstanceGauge(instances)); err != nil {
		log.Warn("instance gauge not registered", "error", err)
	}

	runner := maintenance.NewRunner(redisClient,
		maintenance.ExpiredRulesTask(rules),
		maintenance.ContactRetentionTask(contacts),
	)
	runner.Start(ctx)

	return &Runtime{
		Dependencies: server.Dependencies{
			Rules:       rules,
			Contacts:    contacts,
			Health:      healthcheck.New(db, support.OptionalRedisClient),
			Maintenance: runner,
		},
		redis:           redisClient,
		mailer:          mailer,
		countries:       countries,
		heartbeatCancel: heartbeatCancel,
	}, nil
}

// BanSettings reads the contact abuse policy from the live configuration.
func BanSettings() contact.BanSettings {
	cfg := config.ContactBanSettings()
	return contact.BanSettings{
		Threshold:    cfg.Threshold,
		Period:       cfg.Period(),
		DurationDays: cfg.DurationDays,
	}
}

// Close waits for background work started by Setup. Cancel the context given
// to Setup first.
func (rt *Runtime) Close() {
	rt.heartbeatCancel()
	if rt.Dependencies.Maintenance != nil {
		rt.Dependencies.Maintenance.Wait()
	}
	rt.mailer.Wait()
	config.DisableRedisSynchronization()

	if err := rt.countries.Close(); err != nil {
		log.Warn("closing GeoLite database", "error", err)
	}
	if rt.redis != nil {
		if err := support.CloseRedisClient(); err != nil {
			log.Warn("closing redis client", "error", err)
		}
	}
}
