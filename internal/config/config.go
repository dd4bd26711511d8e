package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"livewatch/internal/logging"
	"livewatch/internal/storage"
)

// ErrNoPassword means no dashboard credential is configured; every
// protected request is rejected.
var ErrNoPassword = errors.New("no dashboard password configured")

// Config represents configuration data for the liveness monitor.
type Config struct {
	ListenAddr              string          `yaml:"listen_addr" validate:"required"`
	LogFilePath             string          `yaml:"log_file_path" validate:"required"`
	CheckIntervalSeconds    int             `yaml:"check_interval_seconds" validate:"gt=0"`
	OfflineThresholdSeconds int             `yaml:"offline_threshold_seconds" validate:"gt=0"`
	ProbeTimeoutSeconds     int             `yaml:"probe_timeout_seconds" validate:"gt=0"`
	RetentionDays           int             `yaml:"retention_days" validate:"gt=0"`
	CleanupIntervalHours    int             `yaml:"cleanup_interval_hours" validate:"gt=0"`
	LogLines                int             `yaml:"log_lines" validate:"gt=0"`
	WatchFile               bool            `yaml:"watch_file"`
	AllowedOrigins          []string        `yaml:"allowed_origins"`
	Storage                 StorageConfig   `yaml:"storage"`
	Auth                    AuthConfig      `yaml:"auth"`
	Broadcast               BroadcastConfig `yaml:"broadcast"`
	Logging                 logging.Config  `yaml:"logging"`
}

// StorageConfig selects the durable history backend.
type StorageConfig struct {
	Driver              string `yaml:"driver" validate:"oneof=sqlite bolt"`
	Path                string `yaml:"path" validate:"required"`
	MaintenanceSchedule string `yaml:"maintenance_schedule"`
}

// AuthConfig holds the shared dashboard secret. PasswordHash (bcrypt) wins
// over Password when both are set.
type AuthConfig struct {
	Password     string `yaml:"password"`
	PasswordHash string `yaml:"password_hash"`
}

// Check reports ErrNoPassword when neither credential is set.
func (a AuthConfig) Check() error {
	if a.Password == "" && a.PasswordHash == "" {
		return ErrNoPassword
	}
	return nil
}

// BroadcastConfig tunes live-update fan-out.
type BroadcastConfig struct {
	WriteTimeoutSeconds int `yaml:"write_timeout_seconds" validate:"gt=0"`
	MaxConcurrency      int `yaml:"max_concurrency" validate:"gt=0"`
}

// DefaultConfig returns sensible defaults in case no configuration file is provided.
func DefaultConfig() Config {
	return Config{
		ListenAddr:              ":8000",
		CheckIntervalSeconds:    10,
		OfflineThresholdSeconds: 30,
		ProbeTimeoutSeconds:     5,
		RetentionDays:           30,
		CleanupIntervalHours:    24,
		LogLines:                100,
		WatchFile:               true,
		AllowedOrigins:          []string{"*"},
		Storage: StorageConfig{
			Driver:              storage.DriverSQLite,
			Path:                "uptime.db",
			MaintenanceSchedule: "@daily",
		},
		Broadcast: BroadcastConfig{
			WriteTimeoutSeconds: 5,
			MaxConcurrency:      16,
		},
		Logging: logging.Config{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 14,
		},
	}
}

// Load reads configuration from yaml file. Missing files fall back to
// defaults. Environment overrides are applied last, then the result is
// validated.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		content, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(content, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks struct constraints and returns the first violations in a
// readable form.
func Validate(cfg Config) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

func applyEnv(cfg *Config) error {
	if v, ok := os.LookupEnv("DASHBOARD_PASSWORD"); ok {
		cfg.Auth.Password = v
	}
	if v, ok := os.LookupEnv("LOG_FILE_PATH"); ok && v != "" {
		cfg.LogFilePath = v
	}
	if v, ok := os.LookupEnv("DB_PATH"); ok && v != "" {
		cfg.Storage.Path = v
	}
	if v, ok := os.LookupEnv("LIVEWATCH_ADDR"); ok && v != "" {
		cfg.ListenAddr = v
	}
	if err := envInt("SERVICE_CHECK_INTERVAL", &cfg.CheckIntervalSeconds); err != nil {
		return err
	}
	if err := envInt("OFFLINE_THRESHOLD", &cfg.OfflineThresholdSeconds); err != nil {
		return err
	}
	return nil
}

func envInt(key string, dst *int) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	*dst = n
	return nil
}

// CheckInterval is the default tick interval used to seed the durable slot.
func (c Config) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalSeconds) * time.Second
}

// OfflineThreshold is the longest the log may stay idle before the target is down.
func (c Config) OfflineThreshold() time.Duration {
	return time.Duration(c.OfflineThresholdSeconds) * time.Second
}

// ProbeTimeout bounds a single probe.
func (c Config) ProbeTimeout() time.Duration {
	return time.Duration(c.ProbeTimeoutSeconds) * time.Second
}

// Retention is how long verdicts are kept.
func (c Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// CleanupEvery is the minimum time between prune passes.
func (c Config) CleanupEvery() time.Duration {
	return time.Duration(c.CleanupIntervalHours) * time.Hour
}

// WriteTimeout is the per-observer websocket write deadline.
func (c Config) WriteTimeout() time.Duration {
	return time.Duration(c.Broadcast.WriteTimeoutSeconds) * time.Second
}
