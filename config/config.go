// Package config loads runtime configuration for the sovereignd daemon and
// its companion CLIs: on-disk TOML defaults, overridden by environment
// variables, with a fail-fast check for partial payment-provider setup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the fully resolved runtime configuration.
type Config struct {
	DatabaseURL           string        `toml:"DatabaseURL"`
	BindAddress           string        `toml:"BindAddress"`
	ContentStoreEndpoint  string        `toml:"ContentStoreEndpoint"`
	PaymentProviderAPIKey string        `toml:"-"`
	PaymentWebhookSecret  string        `toml:"-"`
	PolicyHash            string        `toml:"PolicyHash"`
	RetryInterval         time.Duration `toml:"-"`
	VoidWindowHours       int           `toml:"VoidWindowHours"`
	MaxRetries            int           `toml:"MaxRetries"`
	GenesisTimestamp      time.Time     `toml:"-"`
}

const (
	envDatabaseURL     = "SOVEREIGN_DATABASE_URL"
	envBindAddress     = "SOVEREIGN_BIND_ADDRESS"
	envContentStore    = "SOVEREIGN_CONTENT_STORE_ENDPOINT"
	envProviderAPIKey  = "SOVEREIGN_PAYMENT_PROVIDER_API_KEY"
	envWebhookSecret   = "SOVEREIGN_PAYMENT_WEBHOOK_SECRET"
	envPolicyHash      = "SOVEREIGN_POLICY_HASH"
	envRetryInterval   = "SOVEREIGN_RETRY_INTERVAL"
	envVoidWindowHours = "SOVEREIGN_VOID_WINDOW_HOURS"
	envMaxRetries      = "SOVEREIGN_MAX_RETRIES"
	envGenesisTime     = "SOVEREIGN_GENESIS_TIMESTAMP"
)

// defaults mirror the teacher's createDefault: a config file that does not
// yet exist is populated with sane values rather than failing outright.
func defaults() Config {
	return Config{
		DatabaseURL:          "sovereignchain.db",
		BindAddress:          ":8443",
		ContentStoreEndpoint: "memory://local",
		VoidWindowHours:      24,
		MaxRetries:           5,
		RetryInterval:        5 * time.Minute,
	}
}

// Load reads path (creating it with defaults if absent, exactly as the
// teacher's config.Load does), then layers environment-variable overrides
// for every §6 setting, including the secrets that never live on disk.
func Load(path string) (*Config, error) {
	cfg := defaults()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeDefault(path, cfg); err != nil {
			return nil, fmt.Errorf("config: failed writing default config: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("config: failed to stat %q: %w", path, err)
	} else if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("config: failed to decode %q: %w", path, err)
	}

	applyEnvOverrides(&cfg)

	if err := validatePaymentProviderConfig(cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func writeDefault(path string, cfg Config) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv(envDatabaseURL)); v != "" {
		cfg.DatabaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv(envBindAddress)); v != "" {
		cfg.BindAddress = v
	}
	if v := strings.TrimSpace(os.Getenv(envContentStore)); v != "" {
		cfg.ContentStoreEndpoint = v
	}
	cfg.PaymentProviderAPIKey = strings.TrimSpace(os.Getenv(envProviderAPIKey))
	cfg.PaymentWebhookSecret = strings.TrimSpace(os.Getenv(envWebhookSecret))
	if v := strings.TrimSpace(os.Getenv(envPolicyHash)); v != "" {
		cfg.PolicyHash = v
	}
	if v := strings.TrimSpace(os.Getenv(envRetryInterval)); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.RetryInterval = d
		}
	}
	if v := strings.TrimSpace(os.Getenv(envVoidWindowHours)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.VoidWindowHours = n
		}
	}
	if v := strings.TrimSpace(os.Getenv(envMaxRetries)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxRetries = n
		}
	}
	if v := strings.TrimSpace(os.Getenv(envGenesisTime)); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			cfg.GenesisTimestamp = t.UTC()
		}
	}
}

// validatePaymentProviderConfig refuses a configuration where only one of
// the API key / webhook secret pair is set: a half-configured provider
// would accept webhooks it cannot authenticate, or authenticate webhooks
// it can never deliver a response for.
func validatePaymentProviderConfig(cfg Config) error {
	hasKey := cfg.PaymentProviderAPIKey != ""
	hasSecret := cfg.PaymentWebhookSecret != ""
	if hasKey != hasSecret {
		return fmt.Errorf("config: %s and %s must both be set or both be empty", envProviderAPIKey, envWebhookSecret)
	}
	return nil
}

// VoidWindow returns VoidWindowHours as a time.Duration.
func (c *Config) VoidWindow() time.Duration {
	return time.Duration(c.VoidWindowHours) * time.Hour
}
