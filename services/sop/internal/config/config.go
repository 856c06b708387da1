package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
	"sopdesk/internal/util"
)

// ConfigPath is used when neither an explicit path nor SOP_CONFIG is set.
var ConfigPath = "config.yaml"

const (
	defaultLogLevel      = "info"
	defaultDBTimeout     = 5 * time.Second
	defaultNotifyTimeout = 10 * time.Second
)

// NotificationConfig holds the transactional-message API settings.
// Incomplete settings disable delivery without failing startup.
type NotificationConfig struct {
	Endpoint    string        `yaml:"endpoint" env:"ENDPOINT"`
	APIKey      string        `yaml:"apiKey" env:"API_KEY"`
	FromAddress string        `yaml:"fromAddress" env:"FROM_ADDRESS"`
	FromName    string        `yaml:"fromName" env:"FROM_NAME"`
	Timeout     time.Duration `yaml:"timeout" env:"TIMEOUT"`
	CCManager   bool          `yaml:"ccManager" env:"CC_MANAGER"`
}

// Complete reports whether every setting needed to send is present.
func (n NotificationConfig) Complete() bool {
	return strings.TrimSpace(n.Endpoint) != "" &&
		strings.TrimSpace(n.APIKey) != "" &&
		strings.TrimSpace(n.FromAddress) != ""
}

// FileConfig represents configuration loaded from YAML, then overridden by
// environment variables.
type FileConfig struct {
	Port                     string             `yaml:"port" env:"PORT"`
	LogLevel                 string             `yaml:"logLevel" env:"LOG_LEVEL"`
	DatabaseURL              string             `yaml:"databaseURL" env:"DATABASE_URL"`
	DBMaxOpenConns           int                `yaml:"dbMaxOpenConns" env:"DB_MAX_OPEN_CONNS"`
	DBMaxIdleConns           int                `yaml:"dbMaxIdleConns" env:"DB_MAX_IDLE_CONNS"`
	DBConnMaxLifetime        time.Duration      `yaml:"dbConnMaxLifetime" env:"DB_CONN_MAX_LIFETIME"`
	DBTimeout                time.Duration      `yaml:"dbTimeout" env:"DB_TIMEOUT"`
	DirectoryTable           string             `yaml:"directoryTable" env:"DIRECTORY_TABLE"`
	DBSkipMigration          bool               `yaml:"dbSkipMigration" env:"DB_SKIP_MIGRATION"`
	RedisAddr                string             `yaml:"redisAddr" env:"REDIS_ADDR"`
	RedisPassword            string             `yaml:"redisPassword" env:"REDIS_PASSWORD"`
	SubmitRateLimitPerMinute int                `yaml:"submitRateLimitPerMinute" env:"SUBMIT_RATE_LIMIT_PER_MINUTE"`
	LookupRateLimitPerMinute int                `yaml:"lookupRateLimitPerMinute" env:"LOOKUP_RATE_LIMIT_PER_MINUTE"`
	TrustedProxyCIDRs        []string           `yaml:"trustedProxyCidrs" env:"TRUSTED_PROXY_CIDRS"`
	Notification             NotificationConfig `yaml:"notification" envPrefix:"NOTIFY_"`
}

// Load reads config from path. An empty path falls back to SOP_CONFIG, then
// ConfigPath.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = strings.TrimSpace(os.Getenv("SOP_CONFIG"))
	}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env overrides: %w", err)
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *FileConfig) {
	if strings.TrimSpace(cfg.LogLevel) == "" {
		cfg.LogLevel = defaultLogLevel
	}
	if cfg.DBTimeout <= 0 {
		cfg.DBTimeout = defaultDBTimeout
	}
	if cfg.Notification.Timeout <= 0 {
		cfg.Notification.Timeout = defaultNotifyTimeout
	}
	cfg.TrustedProxyCIDRs = trimEntries(cfg.TrustedProxyCIDRs)
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml or PORT)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if cfg.DBMaxOpenConns < 0 || cfg.DBMaxIdleConns < 0 || cfg.DBConnMaxLifetime < 0 {
		return errors.New("config: db pool settings must not be negative")
	}
	if cfg.SubmitRateLimitPerMinute < 0 || cfg.LookupRateLimitPerMinute < 0 {
		return errors.New("config: rate limits must not be negative")
	}
	if cfg.RedisAddr == "" && (cfg.SubmitRateLimitPerMinute > 0 || cfg.LookupRateLimitPerMinute > 0) {
		return errors.New("config: redisAddr is required when rate limits are set")
	}
	if _, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs); err != nil {
		return fmt.Errorf("config: trustedProxyCidrs: %w", err)
	}
	if endpoint := strings.TrimSpace(cfg.Notification.Endpoint); endpoint != "" {
		u, err := url.Parse(endpoint)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("config: notification.endpoint must be an http(s) URL, got %q", endpoint)
		}
	}
	return nil
}

func trimEntries(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
