package config

import (
	_ "embed"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
)

type Config struct {
	NetworkRules struct {
		DefaultDurationDays int   `json:"default_duration_days"`
		ExpiredCleanupTimer Timer `json:"expired_cleanup_timer"`
	} `json:"network_rules"`

	Contacts struct {
		Ban            ContactBanConfig `json:"ban"`
		RetentionDays  int              `json:"retention_days"`
		RetentionTimer Timer            `json:"retention_timer"`
	} `json:"contacts"`

	Mail MailConfig `json:"mail"`
}

type Timer struct {
	Days    uint32 `json:"days"`
	Hours   uint32 `json:"hours"`
	Minutes uint32 `json:"minutes"`
	Seconds uint32 `json:"seconds"`
}

// ContactBanConfig drives the contact form abuse policy. A zero threshold
// disables automatic bans.
type ContactBanConfig struct {
	Threshold     int `json:"threshold"`
	PeriodMinutes int `json:"period_minutes"`
	DurationDays  int `json:"duration_days"`
}

func (c ContactBanConfig) Period() time.Duration {
	return time.Duration(c.PeriodMinutes) * time.Minute
}

type MailConfig struct {
	Enabled         bool     `json:"enabled"`
	From            string   `json:"from"`
	AdminRecipients []string `json:"admin_recipients"`
	SiteURL         string   `json:"site_url"`
}

const (
	defaultNetworkRuleDurationDays = 30
	defaultContactRetentionDays    = 30
)

var (
	//go:embed default_settings.json
	defaultConfig []byte

	settingsFilePath = filepath.Join("data", "settings.json")

	configValue atomic.Value
	configMu    sync.Mutex

	InProductionMode bool
)

func init() {
	configValue.Store(DefaultConfig())
}

// DefaultConfig returns the embedded defaults.
func DefaultConfig() Config {
	var cfg Config
	if err := json.Unmarshal(defaultConfig, &cfg); err != nil {
		log.Error("Error unmarshalling embedded default settings:", err)
	}
	return cfg
}

func ReadSettings() {

	data, err := os.ReadFile(settingsFilePath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn("Settings file not found, creating with default configuration")

			err = os.MkdirAll(filepath.Dir(settingsFilePath), os.ModePerm)
			if err != nil {
				log.Error("Error creating directory for settings file:", err)
				return
			}

			err = os.WriteFile(settingsFilePath, defaultConfig, 0o644)
			if err != nil {
				log.Error("Error writing default settings file:", err)
				return
			}

			data = defaultConfig
		} else {
			log.Error("Error reading settings file:", err)
			return
		}
	}

	newConfig := DefaultConfig()
	err = json.Unmarshal(data, &newConfig)
	if err != nil {
		log.Error("Error unmarshalling settings file:", err)
		return
	}

	if err := applyConfigUpdate(newConfig, configUpdateOptions{source: "file"}); err != nil {
		log.Error("Error applying configuration from settings file:", err)
		return
	}

	log.Debug("Settings file loaded successfully")
}

func SetConfig(newConfig Config) error {
	if err := applyConfigUpdate(newConfig, configUpdateOptions{persistToFile: true, broadcast: true, source: "local"}); err != nil {
		log.Error("Error applying configuration update:", err)
		return err
	}

	log.Debug("Configuration updated and written to file successfully")
	return nil
}

type configUpdateOptions struct {
	persistToFile bool
	broadcast     bool
	source        string
}

func applyConfigUpdate(newConfig Config, opts configUpdateOptions) error {
	configMu.Lock()
	defer configMu.Unlock()

	newConfig = normalize(newConfig)
	configValue.Store(newConfig)
	SetBetweenTime()

	var errs []error

	if opts.persistToFile {
		data, err := json.MarshalIndent(newConfig, "", "  ")
		if err != nil {
			log.Error("Error marshalling new configuration:", err)
			errs = append(errs, err)
		} else if err := os.WriteFile(settingsFilePath, data, 0o644); err != nil {
			log.Error("Error writing new configuration to file:", err)
			errs = append(errs, err)
		}
	}

	if opts.broadcast {
		payload, err := json.Marshal(newConfig)
		if err != nil {
			log.Error("Error serializing configuration for broadcast:", err)
			errs = append(errs, err)
		} else if err := broadcastConfigUpdate(payload); err != nil {
			log.Error("Error broadcasting configuration update:", err)
			errs = append(errs, err)
		}
	}

	if opts.source != "" {
		log.Debug("Configuration applied", "source", opts.source)
	} else {
		log.Debug("Configuration applied")
	}

	return errors.Join(errs...)
}

// normalize replaces out-of-range values with their defaults.
func normalize(cfg Config) Config {
	if cfg.NetworkRules.DefaultDurationDays <= 0 {
		cfg.NetworkRules.DefaultDurationDays = defaultNetworkRuleDurationDays
	}
	if cfg.Contacts.RetentionDays <= 0 {
		cfg.Contacts.RetentionDays = defaultContactRetentionDays
	}
	if cfg.Contacts.Ban.Threshold < 0 {
		cfg.Contacts.Ban.Threshold = 0
	}
	if cfg.Contacts.Ban.PeriodMinutes < 0 {
		cfg.Contacts.Ban.PeriodMinutes = 0
	}
	if cfg.Contacts.Ban.DurationDays <= 0 {
		cfg.Contacts.Ban.DurationDays = 1
	}
	return cfg
}

func GetConfig() Config {
	return configValue.Load().(Config)
}

// NetworkRuleDefaultDuration is the lifetime, in days, of a rule created
// without an explicit end date.
func NetworkRuleDefaultDuration() int {
	return GetConfig().NetworkRules.DefaultDurationDays
}

func ContactBanSettings() ContactBanConfig {
	return GetConfig().Contacts.Ban
}

func ContactRetentionDays() int {
	return GetConfig().Contacts.RetentionDays
}

func SetProductionMode(productionMode bool) {
	InProductionMode = productionMode
}
