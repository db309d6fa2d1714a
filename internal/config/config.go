// Package config loads process settings from the environment, an optional
// .env file and an optional config file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ageniuscoder/corelink/internal/capability"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Addr      string `mapstructure:"http_addr" validate:"required"`
	RelayURL  string `mapstructure:"relay_url" validate:"required,url"`
	UserID    string `mapstructure:"user_id"`
	Device    string `mapstructure:"device" validate:"required"`
	JWTSecret string `mapstructure:"jwt_secret"`
	JWTTTLMin int    `mapstructure:"jwt_ttl_min" validate:"gt=0"`

	StorageDriver string `mapstructure:"storage_driver" validate:"oneof=sqlite postgres"`
	SQLITEDsn     string `mapstructure:"sqlite_dsn" validate:"required_if=StorageDriver sqlite"`
	PostgresDsn   string `mapstructure:"postgres_dsn" validate:"required_if=StorageDriver postgres"`

	EncryptionSecret string `mapstructure:"encryption_secret"`

	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" validate:"gt=0"`
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout" validate:"gt=0"`
	ErrorThreshold    int           `mapstructure:"error_threshold" validate:"gt=0"`
	RetryInterval     time.Duration `mapstructure:"retry_interval" validate:"gt=0"`
	RetryWindow       time.Duration `mapstructure:"retry_window" validate:"gt=0"`
	HistoryCap        int           `mapstructure:"history_cap" validate:"gt=0"`
	ReconnectBase     time.Duration `mapstructure:"reconnect_base" validate:"gt=0"`
	ReconnectCap      time.Duration `mapstructure:"reconnect_cap" validate:"gtefield=ReconnectBase"`
	ReconnectMax      int           `mapstructure:"reconnect_max" validate:"gt=0"`
	CallTimeout       time.Duration `mapstructure:"call_timeout" validate:"gt=0"`

	// Servers lists remote capability servers as "id" or "id=Display Name".
	Servers []string `mapstructure:"servers"`
	ServeID string   `mapstructure:"serve_id"`

	PresenceSweepCron string        `mapstructure:"presence_sweep_cron"`
	PresenceTTL       time.Duration `mapstructure:"presence_ttl" validate:"gt=0"`

	LogLevel    string `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	MetricsAddr string `mapstructure:"metrics_addr"`

	RelayRPS   float64 `mapstructure:"relay_rps" validate:"gt=0"`
	RelayBurst int     `mapstructure:"relay_burst" validate:"gt=0"`

	SendGridAPIKey string `mapstructure:"sendgrid_api_key"`
	SendGridFrom   string `mapstructure:"sendgrid_from" validate:"omitempty,email"`
	AlertEmail     string `mapstructure:"alert_email" validate:"omitempty,email"`
}

var defaults = map[string]any{
	"http_addr":           "127.0.0.1:7400",
	"relay_url":           "ws://127.0.0.1:8080/ws",
	"user_id":             "",
	"device":              "desktop",
	"jwt_secret":          "",
	"jwt_ttl_min":         1440,
	"storage_driver":      "sqlite",
	"sqlite_dsn":          "file:corelink.db?_pragma=foreign_keys(ON)",
	"postgres_dsn":        "",
	"encryption_secret":   "",
	"heartbeat_interval":  30 * time.Second,
	"heartbeat_timeout":   5 * time.Second,
	"error_threshold":     3,
	"retry_interval":      10 * time.Second,
	"retry_window":        5 * time.Minute,
	"history_cap":         100,
	"reconnect_base":      time.Second,
	"reconnect_cap":       30 * time.Second,
	"reconnect_max":       5,
	"call_timeout":        30 * time.Second,
	"servers":             "",
	"serve_id":            "",
	"presence_sweep_cron": "*/5 * * * *",
	"presence_ttl":        30 * time.Minute,
	"log_level":           "info",
	"metrics_addr":        "",
	"relay_rps":           50.0,
	"relay_burst":         100,
	"sendgrid_api_key":    "",
	"sendgrid_from":       "",
	"alert_email":         "",
}

// Load reads .env (when present), CONFIG_FILE (when set) and the
// environment, in increasing order of precedence.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	v.AutomaticEnv()

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	c.Servers = splitList(c.Servers)
	if err := validator.New().Struct(c); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return c, nil
}

func MustLoad() Config {
	c, err := Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	return c
}

// splitList flattens comma separated entries, as the environment carries
// a list in a single variable.
func splitList(in []string) []string {
	out := []string{}
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Descriptors parses Servers.
func (c Config) Descriptors() []capability.Descriptor {
	out := make([]capability.Descriptor, 0, len(c.Servers))
	for _, s := range c.Servers {
		id, name, _ := strings.Cut(s, "=")
		out = append(out, capability.Descriptor{ID: strings.TrimSpace(id), Name: strings.TrimSpace(name)})
	}
	return out
}

func (c Config) JWTTTL() time.Duration {
	return time.Duration(c.JWTTTLMin) * time.Minute
}

// RequireAgent checks the settings only the agent process needs.
func (c Config) RequireAgent() error {
	var missing []string
	if c.UserID == "" {
		missing = append(missing, "USER_ID")
	}
	if c.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required settings: %s", strings.Join(missing, ", "))
	}
	return nil
}
