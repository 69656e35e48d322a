package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.condochat/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Push    ConfigPush    `toml:"push"`
	Auth    ConfigAuth    `toml:"auth"`
}

// ConfigDefault holds general SDK settings.
type ConfigDefault struct {
	BaseURL  string `toml:"base_url"`
	Timeout  string `toml:"timeout"`
	LogLevel string `toml:"log_level"`
}

// ConfigPush holds the push service connection settings.
type ConfigPush struct {
	AppKey   string `toml:"app_key"`
	Cluster  string `toml:"cluster"`
	Host     string `toml:"host"`
	Insecure bool   `toml:"insecure"`
}

// ConfigAuth holds the marketplace session.
type ConfigAuth struct {
	Token string `toml:"token"`
}

// envOverrides maps environment variables onto config fields. Values come
// from the process environment or a .env file in the working directory.
var envOverrides = map[string]string{
	"CONDOCHAT_BASE_URL":      "default.base_url",
	"CONDOCHAT_TIMEOUT":       "default.timeout",
	"CONDOCHAT_LOG_LEVEL":     "default.log_level",
	"CONDOCHAT_PUSH_KEY":      "push.app_key",
	"CONDOCHAT_PUSH_CLUSTER":  "push.cluster",
	"CONDOCHAT_PUSH_HOST":     "push.host",
	"CONDOCHAT_PUSH_INSECURE": "push.insecure",
	"CONDOCHAT_TOKEN":         "auth.token",
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.condochat, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".condochat")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// loadEffectiveConfig is loadConfig with environment overrides applied. It
// is never written back to disk.
func loadEffectiveConfig() (*Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	for env, key := range envOverrides {
		if v, ok := os.LookupEnv(env); ok && v != "" {
			if err := setConfigValue(cfg, key, v); err != nil {
				return nil, fmt.Errorf("%s: %w", env, err)
			}
		}
	}
	return cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "push.app_key").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. auth.token)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "timeout":
			if _, err := time.ParseDuration(value); err != nil {
				return fmt.Errorf("invalid duration %q: %w", value, err)
			}
			cfg.Default.Timeout = value
		case "log_level":
			if _, err := parseLevel(value); err != nil {
				return err
			}
			cfg.Default.LogLevel = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "push":
		switch field {
		case "app_key":
			cfg.Push.AppKey = value
		case "cluster":
			cfg.Push.Cluster = value
		case "host":
			cfg.Push.Host = value
		case "insecure":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("invalid boolean %q", value)
			}
			cfg.Push.Insecure = b
		default:
			return fmt.Errorf("unknown field %q in section [push]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, push, auth)", section)
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if s == "" {
		return slog.LevelWarn, nil
	}
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q (debug, info, warn, error)", s)
	}
	return lvl, nil
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "condochat",
	Short: "Condominium marketplace chat CLI",
	Long:  "Command-line client for the condominium marketplace.\nList conversations, chat with buyers and sellers, and negotiate offers.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("cannot load .env: %w", err)
		}
		return nil
	},
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
