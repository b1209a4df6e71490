package database

import (
	"fmt"
	"strings"
	"time"

	"backbone/internal/domain"
	"backbone/internal/support"

	"github.com/charmbracelet/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	DB *gorm.DB
)

type Config struct {
	ExistingDB  *gorm.DB
	Dialector   gorm.Dialector
	Logger      logger.Interface
	AutoMigrate bool
	Migrations  []any
}

type Option func(*Config)

func SetupDB(opts ...Option) (*gorm.DB, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	dsn := resolveDialector(&cfg)

	switch {
	case cfg.ExistingDB != nil:
		DB = cfg.ExistingDB
	case cfg.Dialector != nil:
		gormCfg := &gorm.Config{TranslateError: true}
		if cfg.Logger != nil {
			gormCfg.Logger = cfg.Logger
		}
		db, err := gorm.Open(cfg.Dialector, gormCfg)
		if err != nil {
			return nil, fmt.Errorf("database: open connection: %w", err)
		}
		DB = db
		configureConnectionPool(db)
	}

	if DB == nil {
		return nil, fmt.Errorf("database: connection was not configured")
	}

	if cfg.AutoMigrate && len(cfg.Migrations) > 0 {
		if err := DB.AutoMigrate(cfg.Migrations...); err != nil {
			return nil, fmt.Errorf("database: auto migrate: %w", err)
		}
		fields := []any{"driver", DB.Dialector.Name()}
		if dsn != "" {
			fields = append(fields, "dsn", redactDSN(dsn))
		}
		log.Info("Database migration completed.", fields...)
	}

	return DB, nil
}

func defaultConfig() Config {
	return Config{
		Logger:      silentLogger(),
		AutoMigrate: true,
		Migrations:  DefaultMigrations(),
	}
}

// resolveDialector falls back to the environment only when neither an
// existing connection nor a dialector was given. It returns the DSN it built.
func resolveDialector(cfg *Config) string {
	if cfg.ExistingDB != nil || cfg.Dialector != nil {
		return ""
	}
	dialector, dsn := dialectorFromEnv()
	cfg.Dialector = dialector
	return dsn
}

// dialectorFromEnv picks postgres unless DB_DRIVER=sqlite, which opens
// DB_PATH (or an in-memory database) for local runs.
func dialectorFromEnv() (gorm.Dialector, string) {
	if strings.EqualFold(support.GetEnv("DB_DRIVER", "postgres"), "sqlite") {
		dsn := support.GetEnv("DB_PATH", "file:backbone?mode=memory&cache=shared&_fk=1")
		return sqlite.Open(dsn), dsn
	}

	dsn := buildDSN()
	return postgres.Open(dsn), dsn
}

func buildDSN() string {
	dbHost := support.GetEnv("DB_HOST", "localhost")
	dbPort := support.GetEnv("DB_PORT", "5432")
	dbName := support.GetEnv("DB_NAME", "backbone")
	dbUser := support.GetEnv("DB_USERNAME", "admin")
	dbPassword := support.GetEnv("DB_PASSWORD", "admin")

	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		dbHost,
		dbPort,
		dbUser,
		dbPassword,
		dbName,
	)

	return dsn
}

func redactDSN(dsn string) string {
	fields := strings.Fields(dsn)
	for i, field := range fields {
		if strings.HasPrefix(field, "password=") {
			fields[i] = "password=***"
		}
	}
	return strings.Join(fields, " ")
}

func silentLogger() logger.Interface {
	return logger.New(
		log.Default(),
		logger.Config{LogLevel: logger.Silent},
	)
}

// DefaultMigrations lists every model the backend owns. The migrations
// healthcheck expects each of their tables to exist.
func DefaultMigrations() []any {
	return []any{
		&domain.User{},
		&domain.NetworkRule{},
		&domain.Contact{},
		&domain.HealthcheckDummy{},
	}
}

func WithExistingDB(db *gorm.DB) Option {
	return func(cfg *Config) {
		cfg.ExistingDB = db
	}
}

func WithDialector(d gorm.Dialector) Option {
	return func(cfg *Config) {
		cfg.Dialector = d
	}
}

func WithLogger(l logger.Interface) Option {
	return func(cfg *Config) {
		cfg.Logger = l
	}
}

func WithAutoMigrate(enabled bool) Option {
	return func(cfg *Config) {
		cfg.AutoMigrate = enabled
	}
}

func WithMigrations(models ...any) Option {
	return func(cfg *Config) {
		if len(models) == 0 {
			cfg.Migrations = nil
			return
		}
		cfg.Migrations = append([]any(nil), models...)
	}
}

func configureConnectionPool(db *gorm.DB) {
	if db == nil {
		return
	}

	sqlDB, err := db.DB()
	if err != nil {
		log.Error("database: get sql.DB", "error", err)
		return
	}

	maxOpen := support.GetEnvInt("DB_MAX_OPEN_CONNS", 32)
	maxIdle := support.GetEnvInt("DB_MAX_IDLE_CONNS", maxOpen)
	if maxIdle > maxOpen {
		maxIdle = maxOpen
	}

	connLifetimeSeconds := support.GetEnvInt("DB_CONN_MAX_LIFETIME", 300)
	connIdleSeconds := support.GetEnvInt("DB_CONN_MAX_IDLE_TIME", 60)

	if maxOpen > 0 {
		sqlDB.SetMaxOpenConns(maxOpen)
	}
	if maxIdle >= 0 {
		sqlDB.SetMaxIdleConns(maxIdle)
	}
	if connLifetimeSeconds > 0 {
		sqlDB.SetConnMaxLifetime(time.Duration(connLifetimeSeconds) * time.Second)
	}
	if connIdleSeconds > 0 {
		sqlDB.SetConnMaxIdleTime(time.Duration(connIdleSeconds) * time.Second)
	}
}

func isPostgresDialect(db *gorm.DB) bool {
	if db == nil || db.Dialector == nil {
		return false
	}
	name := strings.ToLower(db.Dialector.Name())
	return name == "postgres" || name == "postgresql"
}

// HasTables reports whether every migrated model has its table.
func HasTables(db *gorm.DB) (bool, []string) {
	if db == nil {
		db = DB
	}
	var missing []string
	for _, model := range DefaultMigrations() {
		if !db.Migrator().HasTable(model) {
			stmt := &gorm.Statement{DB: db}
			if err := stmt.Parse(model); err == nil {
				missing = append(missing, stmt.Table)
			} else {
				missing = append(missing, fmt.Sprintf("%T", model))
			}
		}
	}
	return len(missing) == 0, missing
}
