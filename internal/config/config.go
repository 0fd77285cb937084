// Package config loads server settings from the environment, an optional
// .env file and an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// DevSecretKey signs sessions when SECRET_KEY is unset. Refused in production.
const DevSecretKey = "dev-secret-key-change-me"

type Config struct {
	DatabasePath        string        `mapstructure:"database_path" validate:"required"`
	MigrationsDir       string        `mapstructure:"migrations_dir"`
	SecretKey           string        `mapstructure:"secret_key" validate:"required"`
	Env                 string        `mapstructure:"flask_env" validate:"oneof=development production testing"`
	Port                int           `mapstructure:"port" validate:"min=1,max=65535"`
	ServerName          string        `mapstructure:"server_name" validate:"omitempty,hostname|hostname_port"`
	BackupPath          string        `mapstructure:"backup_path"`
	BackupRetentionDays int           `mapstructure:"backup_retention_days" validate:"min=1"`
	BackupCompress      bool          `mapstructure:"backup_compress"`
	LogLevel            string        `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	LogFormat           string        `mapstructure:"log_format" validate:"oneof=json text"`
	SessionTTL          time.Duration `mapstructure:"session_ttl" validate:"gt=0"`
	ShutdownTimeout     time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

var defaults = map[string]any{
	"database_path":         "data/questionnaires.db",
	"migrations_dir":        "",
	"secret_key":            DevSecretKey,
	"flask_env":             "development",
	"port":                  5000,
	"server_name":           "",
	"backup_path":           "backups",
	"backup_retention_days": 30,
	"backup_compress":       true,
	"log_level":             "info",
	"log_format":            "json",
	"session_ttl":           "2h",
	"shutdown_timeout":      "10s",
}

// LoadDotEnv reads .env files into the process environment without
// overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !isNotExist(err) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

func isNotExist(err error) bool { return errors.Is(err, os.ErrNotExist) }

// Load resolves the configuration. Environment variables win over the file;
// unknown keys in the file are an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}
	var cfg Config
	if err := v.UnmarshalExact(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	cfg.LogFormat = strings.ToLower(cfg.LogFormat)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %s", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.IsProduction() && (c.SecretKey == DevSecretKey || len(c.SecretKey) < 16) {
		return errors.New("invalid configuration: SECRET_KEY must be set to at least 16 characters in production")
	}
	return nil
}

func (c *Config) IsProduction() bool { return c.Env == "production" }

// Addr is the listen address.
func (c *Config) Addr() string { return ":" + strconv.Itoa(c.Port) }
