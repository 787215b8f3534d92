// Package config loads service settings from an optional YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage drivers.
const (
	DriverGCS    = "gcs"
	DriverLocal  = "local"
	DriverSQLite = "sqlite"
)

// Config holds all service configuration.
type Config struct {
	Port          string `yaml:"port"`
	BaseURL       string `yaml:"base_url"`
	SourceURL     string `yaml:"source_url"`
	TrackedTeam   string `yaml:"tracked_team"`
	UserAgent     string `yaml:"user_agent"`
	StorageDriver string `yaml:"storage_driver"`
	StorageBucket string `yaml:"storage_bucket"`
	LocalStorage  string `yaml:"local_storage"`
	SQLitePath    string `yaml:"sqlite_path"`

	VAPIDPublicKey  string `yaml:"vapid_public_key"`
	VAPIDPrivateKey string `yaml:"vapid_private_key"`
	VAPIDSubject    string `yaml:"vapid_subject"`
	NotifyTitle     string `yaml:"notify_title"`
	PushConcurrency int    `yaml:"push_concurrency"`

	RunSchedule    string `yaml:"run_schedule"` // Cron expression; empty leaves triggering to an external scheduler
	InternalAPIKey string `yaml:"internal_api_key"`

	AlertEmail            string `yaml:"alert_email"`
	AlertFrom             string `yaml:"alert_from"`
	BrevoAPIKey           string `yaml:"brevo_api_key"`
	GoogleCredentialsJSON string `yaml:"google_credentials_json"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // "json" or "text"

	FetchTimeout time.Duration `yaml:"fetch_timeout"`
	PushTimeout  time.Duration `yaml:"push_timeout"`
	LeaseTTL     time.Duration `yaml:"lease_ttl"`
}

// Defaults returns a Config with all default values set.
func Defaults() Config {
	return Config{
		Port:            "8080",
		SourceURL:       "https://echl.com/transactions",
		TrackedTeam:     "Reading Royals",
		UserAgent:       "roster-alerts-bot/1.0",
		NotifyTitle:     "🏒 REA: Transaction",
		PushConcurrency: 8,
		LogLevel:        "info",
		LogFormat:       "json",
		FetchTimeout:    20 * time.Second,
		PushTimeout:     10 * time.Second,
		LeaseTTL:        2 * time.Minute,
	}
}

// Load builds the configuration: defaults, then the YAML file named by
// CONFIG_FILE if set, then environment variables. getenv is usually os.Getenv.
func Load(getenv func(string) string) (Config, error) {
	cfg := Defaults()

	if path := getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := cfg.applyEnv(getenv); err != nil {
		return Config{}, err
	}
	cfg.resolveStorage()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	strs := map[string]*string{
		"PORT":                    &c.Port,
		"BASE_URL":                &c.BaseURL,
		"SOURCE_URL":              &c.SourceURL,
		"TRACKED_TEAM":            &c.TrackedTeam,
		"USER_AGENT":              &c.UserAgent,
		"STORAGE_DRIVER":          &c.StorageDriver,
		"STORAGE_BUCKET":          &c.StorageBucket,
		"LOCAL_STORAGE":           &c.LocalStorage,
		"SQLITE_PATH":             &c.SQLitePath,
		"VAPID_PUBLIC_KEY":        &c.VAPIDPublicKey,
		"VAPID_PRIVATE_KEY":       &c.VAPIDPrivateKey,
		"VAPID_SUBJECT":           &c.VAPIDSubject,
		"NOTIFY_TITLE":            &c.NotifyTitle,
		"RUN_SCHEDULE":            &c.RunSchedule,
		"INTERNAL_API_KEY":        &c.InternalAPIKey,
		"ALERT_EMAIL":             &c.AlertEmail,
		"ALERT_FROM":              &c.AlertFrom,
		"BREVO_API_KEY":           &c.BrevoAPIKey,
		"GOOGLE_CREDENTIALS_JSON": &c.GoogleCredentialsJSON,
		"LOG_LEVEL":               &c.LogLevel,
		"LOG_FORMAT":              &c.LogFormat,
	}
	for key, dst := range strs {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}

	durations := map[string]*time.Duration{
		"FETCH_TIMEOUT": &c.FetchTimeout,
		"PUSH_TIMEOUT":  &c.PushTimeout,
		"LEASE_TTL":     &c.LeaseTTL,
	}
	for key, dst := range durations {
		v := getenv(key)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", key, v, err)
		}
		*dst = d
	}

	if v := getenv("PUSH_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PUSH_CONCURRENCY %q: %w", v, err)
		}
		c.PushConcurrency = n
	}
	return nil
}

// resolveStorage picks a driver when none was set: a bucket means GCS,
// otherwise local files under ./data.
func (c *Config) resolveStorage() {
	c.StorageDriver = strings.ToLower(strings.TrimSpace(c.StorageDriver))
	if c.StorageDriver == "" {
		if c.StorageBucket != "" {
			c.StorageDriver = DriverGCS
		} else {
			c.StorageDriver = DriverLocal
		}
	}
	if c.StorageDriver == DriverLocal && c.LocalStorage == "" {
		c.LocalStorage = "./data"
	}
	if c.StorageDriver == DriverSQLite && c.SQLitePath == "" {
		c.SQLitePath = "./roster-alerts.db"
	}
	if c.BaseURL == "" && c.StorageDriver != DriverGCS {
		c.BaseURL = "http://localhost:" + c.Port
	}
}

// Local reports whether the service runs in local development mode.
func (c *Config) Local() bool {
	return c.StorageDriver != DriverGCS
}

// PushEnabled reports whether VAPID keys are configured for real web push delivery.
func (c *Config) PushEnabled() bool {
	return c.VAPIDPublicKey != "" && c.VAPIDPrivateKey != ""
}

// Validate checks that required fields are present and values are valid.
func (c *Config) Validate() error {
	var errs []error

	switch c.StorageDriver {
	case DriverGCS:
		if c.StorageBucket == "" {
			errs = append(errs, errors.New("STORAGE_BUCKET is required for the gcs driver"))
		}
		if c.BaseURL == "" {
			errs = append(errs, errors.New("BASE_URL is required for the gcs driver (e.g., https://your-service.run.app)"))
		}
		if !c.PushEnabled() {
			errs = append(errs, errors.New("VAPID_PUBLIC_KEY and VAPID_PRIVATE_KEY are required for the gcs driver"))
		}
	case DriverLocal, DriverSQLite:
	default:
		errs = append(errs, fmt.Errorf("unknown STORAGE_DRIVER %q: must be gcs, local or sqlite", c.StorageDriver))
	}

	if (c.VAPIDPublicKey == "") != (c.VAPIDPrivateKey == "") {
		errs = append(errs, errors.New("VAPID_PUBLIC_KEY and VAPID_PRIVATE_KEY must be set together"))
	}
	if c.PushEnabled() && c.VAPIDSubject == "" {
		errs = append(errs, errors.New("VAPID_SUBJECT is required when VAPID keys are set"))
	}
	if c.SourceURL == "" {
		errs = append(errs, errors.New("SOURCE_URL is required"))
	}
	if c.TrackedTeam == "" {
		errs = append(errs, errors.New("TRACKED_TEAM is required"))
	}
	if c.PushConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("PUSH_CONCURRENCY must be positive, got %d", c.PushConcurrency))
	}
	if c.FetchTimeout <= 0 || c.PushTimeout <= 0 || c.LeaseTTL <= 0 {
		errs = append(errs, errors.New("FETCH_TIMEOUT, PUSH_TIMEOUT and LEASE_TTL must be positive"))
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat))
	}

	return errors.Join(errs...)
}
